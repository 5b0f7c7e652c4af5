package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ingestpipe/internal/model"
)

// MemoryStore is an in-process Store implementation backed by plain Go
// maps behind a mutex, grounded on the teacher's own
// internal/io/io_test_helpers.go fake-implementation style. It is the
// default store for unit tests across the pipeline's stage packages.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	files    map[int64]*model.File
	records  map[int64]*model.Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: map[string]int64{},
		files:    map[int64]*model.File{},
		records:  map[int64]*model.Record{},
	}
}

func (m *MemoryStore) NextID(_ context.Context, counter string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counter]++
	return m.counters[counter], nil
}

func (m *MemoryStore) InsertFile(_ context.Context, f *model.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFile(_ context.Context, id int64) (*model.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file %d not found", id)
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) CASFileStatus(_ context.Context, id int64, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return false, fmt.Errorf("file %d not found", id)
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
	return true, nil
}

func (m *MemoryStore) UpdateFile(_ context.Context, id int64, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return fmt.Errorf("file %d not found", id)
	}
	applyFileUpdate(f, upd)
	return nil
}

func (m *MemoryStore) DeleteRecordRange(_ context.Context, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := model.RecordRange(fileID)
	for id := range m.records {
		if id >= lo && id <= hi {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryStore) InsertRecords(_ context.Context, records []*model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		cp := *r
		m.records[r.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) FindRecords(_ context.Context, filter RecordFilter, offset, limit int) ([]*model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo, hi := model.RecordRange(filter.FileID)
	var matched []*model.Record
	for id, r := range m.records {
		if filter.FileID != 0 && (id < lo || id > hi) {
			continue
		}
		if !recordMatchesFilter(r, filter) {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		if filter.SortByValidatedField != "" {
			vi := matched[i].ValidatedFields[filter.SortByValidatedField]
			vj := matched[j].ValidatedFields[filter.SortByValidatedField]
			if vi != vj {
				return vi < vj
			}
		}
		return matched[i].ID < matched[j].ID
	})

	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (m *MemoryStore) HashesWithStatusAtLeast(_ context.Context, hashes []string, minStatus string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := map[string]bool{}
	for _, h := range hashes {
		want[h] = true
	}
	minRank := model.RecordStatusRank[minStatus]

	found := map[string]bool{}
	for _, r := range m.records {
		if !want[r.Hash] {
			continue
		}
		if model.RecordStatusRank[r.Status] >= minRank {
			found[r.Hash] = true
		}
	}
	return found, nil
}

func (m *MemoryStore) BulkUpdateRecords(_ context.Context, updates []RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		r, ok := m.records[u.ID]
		if !ok {
			return fmt.Errorf("record %d not found", u.ID)
		}
		applyRecordUpdate(r, u.Update)
	}
	return nil
}

func recordMatchesFilter(r *model.Record, filter RecordFilter) bool {
	if len(filter.StatusIn) > 0 {
		found := false
		for _, s := range filter.StatusIn {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.StatusGTE != "" && model.RecordStatusRank[r.Status] < model.RecordStatusRank[filter.StatusGTE] {
		return false
	}
	if len(filter.HashIn) > 0 {
		found := false
		for _, h := range filter.HashIn {
			if r.Hash == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.RecentErrorFunctionConfigIDs) > 0 {
		wanted := map[int]bool{}
		for _, id := range filter.RecentErrorFunctionConfigIDs {
			wanted[id] = true
		}
		found := false
		for _, e := range r.RecentErrors {
			if wanted[e.FunctionConfigID] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
