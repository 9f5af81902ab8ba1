package repository

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/azizikri/token-faucet/internal/domain"
)

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.ClaimRecord
	paused  atomic.Bool
	locks   *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.ClaimRecord),
		locks:   newKeyedMutex(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) ExecTx(_ context.Context, identity string, fn func(Querier) error) error {
	unlock := s.locks.Lock(identity)
	defer unlock()

	q := &memoryQuerier{store: s, staged: make(map[string]domain.ClaimRecord)}
	if err := fn(q); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range q.staged {
		s.records[id] = record
	}
	return nil
}

func (s *MemoryStore) GetClaimRecord(_ context.Context, identity string) (domain.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[identity]
	if !ok {
		return domain.ClaimRecord{Identity: identity}, nil
	}
	return record, nil
}

func (s *MemoryStore) IsPaused(context.Context) (bool, error) {
	return s.paused.Load(), nil
}

func (s *MemoryStore) SetPaused(_ context.Context, paused bool) error {
	s.paused.Store(paused)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryQuerier struct {
	store  *MemoryStore
	staged map[string]domain.ClaimRecord
}

func (q *memoryQuerier) IsPaused(ctx context.Context) (bool, error) {
	return q.store.IsPaused(ctx)
}

func (q *memoryQuerier) GetClaimRecord(ctx context.Context, identity string) (domain.ClaimRecord, error) {
	if record, ok := q.staged[identity]; ok {
		return record, nil
	}
	return q.store.GetClaimRecord(ctx, identity)
}

func (q *memoryQuerier) SaveClaimRecord(_ context.Context, record domain.ClaimRecord) error {
	q.staged[record.Identity] = record
	return nil
}

// keyedMutex hands out one mutex per key and drops it once no goroutine
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
