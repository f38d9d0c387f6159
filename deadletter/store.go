package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRecordNotFound is returned when a record id does not exist for the
	// given origin queue.
	ErrRecordNotFound = errors.New("deadletter: record not found")

	// ErrStoreFull is returned by capacity-bounded stores when a Put would
	// exceed the configured limit.
	ErrStoreFull = errors.New("deadletter: store is full")
)

// ListOptions controls paging through a queue's dead-letter records.
type ListOptions struct {
	// AfterID resumes listing after the given record ID. Records are
	// ordered by ID, which for UUIDv7 ids is capture order.
	AfterID string

	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

// Store persists dead-letter records partitioned by origin queue.
type Store interface {
	// Put stores a record. Putting an existing ID overwrites it.
	Put(ctx context.Context, rec Record) error

	// Get returns the record with the given id, or ErrRecordNotFound.
	Get(ctx context.Context, originQueue, id string) (Record, error)

	// Delete removes a record. Deleting a missing id returns ErrRecordNotFound.
	Delete(ctx context.Context, originQueue, id string) error

	// List returns records for the origin queue in ID order.
	List(ctx context.Context, originQueue string, opts ListOptions) ([]Record, error)

	// Expired returns records whose retention elapsed at or before now.
	Expired(ctx context.Context, originQueue string, now time.Time) ([]Record, error)

	// Queues returns the origin queues that currently hold records.
	Queues(ctx context.Context) ([]string, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	byQueue  map[string]map[string]Record
	capacity int
	count    int
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCapacity bounds the total number of records held across all queues.
// Zero means unbounded.
func WithCapacity(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.capacity = n
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		byQueue: make(map[string]map[string]Record),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.byQueue[rec.Queue]
	if !ok {
		recs = make(map[string]Record)
		s.byQueue[rec.Queue] = recs
	}
	if _, exists := recs[rec.ID]; !exists {
		if s.capacity > 0 && s.count >= s.capacity {
			return ErrStoreFull
		}
		s.count++
	}
	recs[rec.ID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, originQueue, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byQueue[originQueue][id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, originQueue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.byQueue[originQueue]
	if _, ok := recs[id]; !ok {
		return ErrRecordNotFound
	}
	delete(recs, id)
	s.count--
	if len(recs) == 0 {
		delete(s.byQueue, originQueue)
	}
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, originQueue string, opts ListOptions) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]Record, 0, len(s.byQueue[originQueue]))
	for _, rec := range s.byQueue[originQueue] {
		if opts.AfterID != "" && rec.ID <= opts.AfterID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs, nil
}

// Expired implements Store.
func (s *MemoryStore) Expired(ctx context.Context, originQueue string, now time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []Record
	for _, rec := range s.byQueue[originQueue] {
		if rec.Expired(now) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

// Queues implements Store.
func (s *MemoryStore) Queues(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queues := make([]string, 0, len(s.byQueue))
	for q := range s.byQueue {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byQueue = make(map[string]map[string]Record)
	s.count = 0
	return nil
}
