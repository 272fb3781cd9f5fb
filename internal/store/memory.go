package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. It backs local runs without
// DATABASE_URL and the service tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
	return rec.ID, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if patch.ExpectRevision > 0 && rec.Revision != patch.ExpectRevision {
		return ErrVersionConflict
	}

	rec = patch.Apply(rec)
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, opts ListOptions) ([]Record, error) {
	s.mu.RLock()
	items := []Record{}
	for _, rec := range s.records {
		if rec.OwnerID == opts.OwnerID && rec.Type == opts.Type {
			items = append(items, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if opts.Skip >= len(items) {
		return []Record{}, nil
	}
	items = items[opts.Skip:]
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

func cloneRecord(rec Record) Record {
	rec.Result = cloneResult(rec.Result)
	rec.History = cloneHistory(rec.History)
	return rec
}

func cloneResult(result *Result) *Result {
	if result == nil {
		return nil
	}
	copied := *result
	if result.Data != nil {
		copied.Data = append(json.RawMessage(nil), result.Data...)
	}
	if result.UpdatedAt != nil {
		at := *result.UpdatedAt
		copied.UpdatedAt = &at
	}
	return &copied
}

func cloneHistory(history []HistoryEntry) []HistoryEntry {
	copied := make([]HistoryEntry, len(history))
	copy(copied, history)
	return copied
}
