package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ingestpipe/internal/logging"
	"ingestpipe/internal/model"
	"ingestpipe/internal/util"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPoolNewFunc allows overriding pgxpool.New in tests, the same
// indirection the teacher uses in internal/io/postgres.go.
var pgxPoolNewFunc = pgxpool.New

const defaultDbTimeout = 30 * time.Second

// PostgresStore implements Store over a Postgres database with each
// collection modeled as a table with an indexed `doc jsonb` column plus
// the handful of scalar columns the pipeline actually filters/sorts on.
//
// Schema (created out of band via migration, not by this package):
//
//	files(id bigint primary key, doc jsonb not null)
//	records(id bigint primary key, file_id bigint not null, hash text not null,
//	        status text not null, status_rank int not null, doc jsonb not null)
//	counters(name text primary key, value bigint not null)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn (after environment expansion) and
// returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	expanded := util.ExpandEnvUniversal(dsn)
	pool, err := pgxPoolNewFunc(ctx, expanded)
	if err != nil {
		logging.Logf(logging.Error, "store: failed to connect using %s", util.MaskCredentials(expanded))
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) NextID(ctx context.Context, counter string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	var value int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO counters(name, value) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
		 RETURNING value`, counter).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("store: NextID(%s): %w", counter, err)
	}
	return value, nil
}

func (s *PostgresStore) InsertFile(ctx context.Context, f *model.File) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("store: marshal file %d: %w", f.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO files(id, doc) VALUES ($1, $2)`, f.ID, doc)
	if err != nil {
		return fmt.Errorf("store: insert file %d: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id int64) (*model.File, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM files WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		return nil, fmt.Errorf("store: get file %d: %w", id, err)
	}
	var f model.File
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("store: unmarshal file %d: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) CASFileStatus(ctx context.Context, id int64, from []string, to string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: CASFileStatus begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM files WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if err != nil {
		return false, fmt.Errorf("store: CASFileStatus select %d: %w", id, err)
	}
	var f model.File
	if err := json.Unmarshal(doc, &f); err != nil {
		return false, fmt.Errorf("store: CASFileStatus unmarshal %d: %w", id, err)
	}

	matched := false
	for _, s := range from {
		if f.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	f.Status = to
	f.Updated = time.Now()

	newDoc, err := json.Marshal(&f)
	if err != nil {
		return false, fmt.Errorf("store: CASFileStatus marshal %d: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE files SET doc = $2 WHERE id = $1`, id, newDoc); err != nil {
		return false, fmt.Errorf("store: CASFileStatus update %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: CASFileStatus commit %d: %w", id, err)
	}
	committed = true
	return true, nil
}

func (s *PostgresStore) UpdateFile(ctx context.Context, id int64, upd Update) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: UpdateFile begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var doc []byte
	if err := tx.QueryRow(ctx, `SELECT doc FROM files WHERE id = $1 FOR UPDATE`, id).Scan(&doc); err != nil {
		return fmt.Errorf("store: UpdateFile select %d: %w", id, err)
	}
	var f model.File
	if err := json.Unmarshal(doc, &f); err != nil {
		return fmt.Errorf("store: UpdateFile unmarshal %d: %w", id, err)
	}
	applyFileUpdate(&f, upd)

	newDoc, err := json.Marshal(&f)
	if err != nil {
		return fmt.Errorf("store: UpdateFile marshal %d: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE files SET doc = $2 WHERE id = $1`, id, newDoc); err != nil {
		return fmt.Errorf("store: UpdateFile update %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: UpdateFile commit %d: %w", id, err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) DeleteRecordRange(ctx context.Context, fileID int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()
	lo, hi := model.RecordRange(fileID)
	_, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id BETWEEN $1 AND $2`, lo, hi)
	if err != nil {
		return fmt.Errorf("store: DeleteRecordRange(%d): %w", fileID, err)
	}
	return nil
}

// InsertRecords bulk-loads records via CopyFrom, the teacher's own
// bulk-insert idiom in internal/io/postgres.go.
func (s *PostgresStore) InsertRecords(ctx context.Context, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout*10)
	defer cancel()

	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("store: marshal record %d: %w", r.ID, err)
		}
		rows = append(rows, []interface{}{
			r.ID, r.FileID, r.Hash, r.Status, model.RecordStatusRank[r.Status], doc,
		})
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"records"},
		[]string{"id", "file_id", "hash", "status", "status_rank", "doc"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("store: InsertRecords copy: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindRecords(ctx context.Context, filter RecordFilter, offset, limit int) ([]*model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	var where []string
	var args []interface{}
	argN := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.FileID != 0 {
		lo, hi := model.RecordRange(filter.FileID)
		where = append(where, fmt.Sprintf("id BETWEEN %s AND %s", argN(lo), argN(hi)))
	}
	if len(filter.StatusIn) > 0 {
		where = append(where, fmt.Sprintf("status = ANY(%s)", argN(filter.StatusIn)))
	}
	if filter.StatusGTE != "" {
		where = append(where, fmt.Sprintf("status_rank >= %s", argN(model.RecordStatusRank[filter.StatusGTE])))
	}
	if len(filter.HashIn) > 0 {
		where = append(where, fmt.Sprintf("hash = ANY(%s)", argN(filter.HashIn)))
	}
	if len(filter.RecentErrorFunctionConfigIDs) > 0 {
		where = append(where, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM jsonb_array_elements(doc->'recentErrors') e WHERE (e->>'functionConfigId')::int = ANY(%s))`,
			argN(filter.RecentErrorFunctionConfigIDs)))
	}

	order := "id ASC"
	if filter.SortByValidatedField != "" {
		order = fmt.Sprintf("doc->'validatedFields'->>%s ASC, id ASC", argN(filter.SortByValidatedField))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}
	query := fmt.Sprintf(`SELECT doc FROM records %s ORDER BY %s OFFSET %s LIMIT %s`,
		whereClause, order, argN(offset), argN(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: FindRecords query: %w", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: FindRecords scan: %w", err)
		}
		var r model.Record
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("store: FindRecords unmarshal: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: FindRecords iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) HashesWithStatusAtLeast(ctx context.Context, hashes []string, minStatus string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT hash FROM records WHERE hash = ANY($1) AND status_rank >= $2`,
		hashes, model.RecordStatusRank[minStatus])
	if err != nil {
		return nil, fmt.Errorf("store: HashesWithStatusAtLeast: %w", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: HashesWithStatusAtLeast scan: %w", err)
		}
		found[h] = true
	}
	return found, rows.Err()
}

// BulkUpdateRecords applies every update within one transaction, reading
// and rewriting each record's doc (read-modify-write, since the JSONB
// representation doesn't support partial updates as cheaply as native
// columns would). The per-record UPDATE statements are still issued as
// one pgx.Batch, the teacher's own batched-SQL idiom in
// internal/io/postgres.go, to round-trip the network once per chunk
// instead of once per record.
func (s *PostgresStore) BulkUpdateRecords(ctx context.Context, updates []RecordUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, defaultDbTimeout*10)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: BulkUpdateRecords begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, u := range updates {
		var doc []byte
		if err := tx.QueryRow(ctx, `SELECT doc FROM records WHERE id = $1 FOR UPDATE`, u.ID).Scan(&doc); err != nil {
			return fmt.Errorf("store: BulkUpdateRecords select %d: %w", u.ID, err)
		}
		var r model.Record
		if err := json.Unmarshal(doc, &r); err != nil {
			return fmt.Errorf("store: BulkUpdateRecords unmarshal %d: %w", u.ID, err)
		}
		applyRecordUpdate(&r, u.Update)

		newDoc, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("store: BulkUpdateRecords marshal %d: %w", u.ID, err)
		}
		batch.Queue(
			`UPDATE records SET doc = $2, status = $3, status_rank = $4 WHERE id = $1`,
			u.ID, newDoc, r.Status, model.RecordStatusRank[r.Status])
	}

	br := tx.SendBatch(ctx, batch)
	for range updates {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("store: BulkUpdateRecords batch exec: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("store: BulkUpdateRecords batch close: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: BulkUpdateRecords commit: %w", err)
	}
	committed = true
	return nil
}
