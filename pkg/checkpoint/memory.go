package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore is an in-process ledger. It does not survive restarts and is
// meant for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64]string
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uint64]string)}
}

// Latest returns the record with the highest number
func (s *MemoryStore) Latest(ctx context.Context) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}

	found := false
	var best uint64
	for n := range s.records {
		if !found || n > best {
			best, found = n, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return Record{Number: best, Hash: s.records[best]}, nil
}

// Get returns the record at the given number
func (s *MemoryStore) Get(ctx context.Context, number uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}

	hash, ok := s.records[number]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Number: number, Hash: hash}, nil
}

// Prev returns the record with the highest number strictly below number
func (s *MemoryStore) Prev(ctx context.Context, number uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrClosed
	}

	found := false
	var best uint64
	for n := range s.records {
		if n < number && (!found || n > best) {
			best, found = n, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return Record{Number: best, Hash: s.records[best]}, nil
}

// Add inserts rec and prunes everything outside the window
func (s *MemoryStore) Add(ctx context.Context, rec Record, window uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	floor := windowFloor(rec.Number, window)
	for n := range s.records {
		if n < floor || n > rec.Number {
			delete(s.records, n)
		}
	}
	s.records[rec.Number] = rec.Hash
	return nil
}

// Len returns the number of records held
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
