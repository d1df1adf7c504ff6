package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Record),
	}
}

// Create stores a new record.
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	c, err := cloneRecord(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[c.JobID]; exists {
		return fmt.Errorf("job already exists: %s", c.JobID)
	}
	s.items[c.JobID] = c
	return nil
}

// Get retrieves one record by job id.
func (s *MemoryStore) Get(_ context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	r, ok := s.items[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r)
}

// List returns records ordered by created_at desc, job_id desc.
func (s *MemoryStore) List(_ context.Context, limit int, after string) ([]*Record, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	all := make([]*Record, 0, len(s.items))
	for _, r := range s.items {
		c, err := cloneRecord(r)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		all = append(all, c)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt == all[j].CreatedAt {
			return all[i].JobID > all[j].JobID
		}
		return all[i].CreatedAt > all[j].CreatedAt
	})

	start := 0
	if after != "" {
		idx := -1
		for i := range all {
			if all[i].JobID == after {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, ErrNotFound
		}
		start = idx + 1
	}

	if start >= len(all) {
		return []*Record{}, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// Update replaces an existing record.
func (s *MemoryStore) Update(_ context.Context, record *Record) error {
	c, err := cloneRecord(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[c.JobID]; !exists {
		return ErrNotFound
	}
	s.items[c.JobID] = c
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
