package permission

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists durable grants of one scope.
type Store interface {
	// Load returns every stored grant, expired ones included.
	Load(ctx context.Context) ([]Grant, error)
	// Put records g, replacing a stored grant with the same key unless the
	// stored one is newer.
	Put(ctx context.Context, g Grant) error
	// Delete removes the grant with the given key and reports whether it existed.
	Delete(ctx context.Context, op Operation, pattern string) (bool, error)
	// Compact removes grants expired at now and returns how many were removed.
	Compact(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps grants in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	grants map[string]Grant
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant)}
}

func (m *MemoryStore) Load(_ context.Context) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedGrants(m.grants), nil
}

func (m *MemoryStore) Put(_ context.Context, g Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mergeGrant(m.grants, g)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, op Operation, pattern string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Grant{Operation: op, Pattern: pattern}.Key()
	_, ok := m.grants[key]
	delete(m.grants, key)
	return ok, nil
}

func (m *MemoryStore) Compact(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return compactGrants(m.grants, now), nil
}

// mergeGrant stores g unless an entry with the same key is newer.
func mergeGrant(set map[string]Grant, g Grant) {
	key := g.Key()
	if cur, ok := set[key]; ok && cur.GrantedAt.After(g.GrantedAt) {
		return
	}
	set[key] = g
}

func compactGrants(set map[string]Grant, now time.Time) int {
	removed := 0
	for k, g := range set {
		if IsExpired(g, now) {
			delete(set, k)
			removed++
		}
	}
	return removed
}

func sortedGrants(set map[string]Grant) []Grant {
	out := make([]Grant, 0, len(set))
	for _, g := range set {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
