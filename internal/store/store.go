// Package store defines the narrow persistence interface the whole
// pipeline codes against — the document-store driver itself is an
// out-of-scope external collaborator (spec.md §1); this package only
// specifies the contract plus two implementations: a Postgres/JSONB
// backed one for production, and an in-memory one for tests.
package store

import (
	"context"

	"ingestpipe/internal/model"
)

// Update is the generic "$set/$unset/$addToSet" shape every stage
// produces (spec.md §6, DESIGN NOTES §9's UpdateBuilder). Field paths use
// dot-notation for nested structures (e.g. "stats.steps.VALIDATE:1001").
type Update struct {
	Set      map[string]interface{}
	Unset    []string
	AddToSet map[string][]interface{}
}

// NewUpdate returns an empty, ready-to-use Update.
func NewUpdate() *Update {
	return &Update{Set: map[string]interface{}{}, AddToSet: map[string][]interface{}{}}
}

// SetField records a $set on path.
func (u *Update) SetField(path string, value interface{}) *Update {
	u.Set[path] = value
	return u
}

// UnsetField records a $unset on path.
func (u *Update) UnsetField(path string) *Update {
	u.Unset = append(u.Unset, path)
	return u
}

// AppendToSet records a $addToSet $each on path.
func (u *Update) AppendToSet(path string, values ...interface{}) *Update {
	u.AddToSet[path] = append(u.AddToSet[path], values...)
	return u
}

// IsEmpty reports whether the update carries no operations at all.
func (u *Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.AddToSet) == 0
}

// RecordFilter selects the records a stage's cursor walks. FileID alone
// yields the canonical record-range filter (spec.md §6); the remaining
// fields narrow it further.
type RecordFilter struct {
	FileID   int64
	StatusIn []string
	// StatusGTE, when set, keeps records whose status rank is >= this one
	// (model.RecordStatusRank), used by the Uploader's duplicate check.
	StatusGTE string
	HashIn    []string
	// RecentErrorFunctionConfigIDs restricts to records whose recentErrors
	// reference one of these FunctionConfig ids (Reporter's failed-function filter).
	RecentErrorFunctionConfigIDs []int
	// SortByValidatedField, when non-empty, sorts ascending by
	// validatedFields[field] before _id (Uploader's group-key cursor).
	SortByValidatedField string
}

// RecordUpdate pairs one record id with the update to apply to it.
type RecordUpdate struct {
	ID     int64
	Update Update
}

// Store is the persistence contract every stage is built against.
type Store interface {
	// NextID atomically increments and returns the named counter
	// (findAndUpdate $inc semantics), used to allocate File ids.
	NextID(ctx context.Context, counter string) (int64, error)

	InsertFile(ctx context.Context, f *model.File) error
	GetFile(ctx context.Context, id int64) (*model.File, error)
	// CASFileStatus atomically transitions a File's status from one of
	// `from` to `to`; it reports false (no error) if no row matched.
	CASFileStatus(ctx context.Context, id int64, from []string, to string) (bool, error)
	UpdateFile(ctx context.Context, id int64, upd Update) error

	// DeleteRecordRange removes any pre-existing records in fileID's
	// key range (Loader's idempotent re-run contract).
	DeleteRecordRange(ctx context.Context, fileID int64) error
	InsertRecords(ctx context.Context, records []*model.Record) error
	// FindRecords returns one page of records matching filter, ordered
	// per filter.SortByValidatedField (then _id) or by _id alone.
	FindRecords(ctx context.Context, filter RecordFilter, offset, limit int) ([]*model.Record, error)
	// HashesWithStatusAtLeast reports, of the given hashes, which already
	// have a record (in any file) at or past minStatus.
	HashesWithStatusAtLeast(ctx context.Context, hashes []string, minStatus string) (map[string]bool, error)
	BulkUpdateRecords(ctx context.Context, updates []RecordUpdate) error
}
