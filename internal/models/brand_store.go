package models

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is not found in the data store
var ErrNotFound = errors.New("entity not found")

// BrandStore provides thread-safe access to brand strategies without global variables.
type BrandStore interface {
	// Read operations (hot path)
	GetStrategy(brandID int) (BrandStrategy, bool)
	GetAllStrategies() []BrandStrategy
	GetAllBrandIDs() []int

	// Write operations (reload path)
	ReloadAll(strategies []BrandStrategy)
	UpsertStrategy(s BrandStrategy)
}

// brandSnapshot is an immutable view of all strategies.
type brandSnapshot struct {
	byID map[int]BrandStrategy
}

// InMemoryBrandStore implements BrandStore with atomic snapshot updates.
// Writers copy the current snapshot and swap it in; readers never block.
type InMemoryBrandStore struct {
	data    atomic.Pointer[brandSnapshot]
	writeMu sync.Mutex
}

// NewInMemoryBrandStore creates an empty store.
func NewInMemoryBrandStore() *InMemoryBrandStore {
	s := &InMemoryBrandStore{}
	s.data.Store(&brandSnapshot{byID: make(map[int]BrandStrategy)})
	return s
}

// GetStrategy returns the stored strategy for a brand.
func (s *InMemoryBrandStore) GetStrategy(brandID int) (BrandStrategy, bool) {
	st, ok := s.data.Load().byID[brandID]
	return st, ok
}

// GetAllStrategies returns all strategies ordered by brand id.
func (s *InMemoryBrandStore) GetAllStrategies() []BrandStrategy {
	snap := s.data.Load()
	out := make([]BrandStrategy, 0, len(snap.byID))
	for _, st := range snap.byID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrandID < out[j].BrandID })
	return out
}

// GetAllBrandIDs returns the ids of every stored brand in ascending order.
func (s *InMemoryBrandStore) GetAllBrandIDs() []int {
	snap := s.data.Load()
	ids := make([]int, 0, len(snap.byID))
	for id := range snap.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ReloadAll atomically replaces every strategy.
func (s *InMemoryBrandStore) ReloadAll(strategies []BrandStrategy) {
	next := &brandSnapshot{byID: make(map[int]BrandStrategy, len(strategies))}
	for _, st := range strategies {
		next.byID[st.BrandID] = st
	}
	s.writeMu.Lock()
	s.data.Store(next)
	s.writeMu.Unlock()
}

// UpsertStrategy inserts or replaces one strategy.
func (s *InMemoryBrandStore) UpsertStrategy(st BrandStrategy) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.data.Load()
	next := &brandSnapshot{byID: make(map[int]BrandStrategy, len(cur.byID)+1)}
	for id, v := range cur.byID {
		next.byID[id] = v
	}
	next.byID[st.BrandID] = st
	s.data.Store(next)
}
