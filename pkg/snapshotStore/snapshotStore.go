package snapshotStore

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultMaxSnapshots = 64
)

// Snapshot is an immutable state tagged with the block it reflects.
type Snapshot[T any] struct {
	BlockNumber uint64
	State       T
}

// RetentionPolicy bounds how far back the store can answer.
//
// MaxSnapshots caps the number of entries; MaxBlockAge evicts entries more
// than that many blocks behind the newest one. Zero disables a bound. The
// newest entry is never evicted.
type RetentionPolicy struct {
	MaxSnapshots int
	MaxBlockAge  uint64
}

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxSnapshots: DefaultMaxSnapshots,
	}
}

// Store is a block-ordered map of snapshots.
//
// Keys are strictly increasing in insertion order: inserting a block at or
// below the newest key first drops every entry at or above it, since those
// entries belong to a chain that is being replaced.
type Store[T any] struct {
	mu        sync.RWMutex
	snapshots *orderedmap.OrderedMap[uint64, T]
	retention RetentionPolicy
}

func NewStore[T any](retention RetentionPolicy) *Store[T] {
	return &Store[T]{
		snapshots: orderedmap.New[uint64, T](),
		retention: retention,
	}
}

// Set inserts or replaces the snapshot for blockNumber, then prunes.
func (s *Store[T]) Set(blockNumber uint64, state T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteFrom(blockNumber)
	s.snapshots.Set(blockNumber, state)
	s.prune(blockNumber)
}

// Get returns the snapshot stored for exactly blockNumber.
func (s *Store[T]) Get(blockNumber uint64) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshots.Get(blockNumber)
}

// GetAtOrBefore returns the newest snapshot whose block is <= blockNumber.
func (s *Store[T]) GetAtOrBefore(blockNumber uint64) (*Snapshot[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for pair := s.snapshots.Newest(); pair != nil; pair = pair.Prev() {
		if pair.Key <= blockNumber {
			return &Snapshot[T]{BlockNumber: pair.Key, State: pair.Value}, true
		}
	}
	return nil, false
}

func (s *Store[T]) Latest() (*Snapshot[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair := s.snapshots.Newest()
	if pair == nil {
		return nil, false
	}
	return &Snapshot[T]{BlockNumber: pair.Key, State: pair.Value}, true
}

func (s *Store[T]) Oldest() (*Snapshot[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair := s.snapshots.Oldest()
	if pair == nil {
		return nil, false
	}
	return &Snapshot[T]{BlockNumber: pair.Key, State: pair.Value}, true
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshots.Len()
}

// BlockNumbers lists the stored block numbers, ascending.
func (s *Store[T]) BlockNumbers() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blockNumbers := make([]uint64, 0, s.snapshots.Len())
	for pair := s.snapshots.Oldest(); pair != nil; pair = pair.Next() {
		blockNumbers = append(blockNumbers, pair.Key)
	}
	return blockNumbers
}

// Reset drops every snapshot and stores state as the only entry.
func (s *Store[T]) Reset(blockNumber uint64, state T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = orderedmap.New[uint64, T]()
	s.snapshots.Set(blockNumber, state)
}

func (s *Store[T]) deleteFrom(blockNumber uint64) {
	for pair := s.snapshots.Newest(); pair != nil && pair.Key >= blockNumber; pair = s.snapshots.Newest() {
		s.snapshots.Delete(pair.Key)
	}
}

func (s *Store[T]) prune(newest uint64) {
	if s.retention.MaxSnapshots > 0 {
		for s.snapshots.Len() > s.retention.MaxSnapshots {
			s.snapshots.Delete(s.snapshots.Oldest().Key)
		}
	}
	if s.retention.MaxBlockAge > 0 {
		for pair := s.snapshots.Oldest(); pair != nil && pair.Key != newest && newest-pair.Key > s.retention.MaxBlockAge; pair = s.snapshots.Oldest() {
			s.snapshots.Delete(pair.Key)
		}
	}
}
