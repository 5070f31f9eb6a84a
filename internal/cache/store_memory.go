package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store used by unit tests so C3/C7/C8
// can be exercised without a live Redis instance.
type InMemoryStore struct {
	mu      sync.Mutex
	scalars map[string]scalarEntry
	sets    map[string]map[string]float64
}

type scalarEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		scalars: make(map[string]scalarEntry),
		sets:    make(map[string]map[string]float64),
	}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.scalars[key]
	if !ok {
		return "", ErrNotFound
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.scalars, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *InMemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := scalarEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.scalars[key] = e
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scalars, key)
	delete(s.sets, key)
	return nil
}

func (s *InMemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]float64)
		s.sets[key] = set
	}
	set[member] = score
	return nil
}

func (s *InMemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
		}
	}
	return nil
}

func (s *InMemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *InMemoryStore) Expire(context.Context, string, time.Duration) error {
	// Process-local store is reset on restart; TTL bookkeeping on sorted
	// sets is not needed for the sliding window's correctness, only for
	// the production store's memory hygiene.
	return nil
}

// members returns the sorted-set members of key in ascending score order.
// Test helper, not part of the Store interface.
func (s *InMemoryStore) members(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return set[members[i]] < set[members[j]] })
	return members
}
