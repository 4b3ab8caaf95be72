package reconcile

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	refs    map[string]string
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), refs: make(map[string]string), now: time.Now}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, provider, externalID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(provider, externalID)]
	return rec, ok, nil
}

// CompareAndSet implements Store.
func (m *MemoryStore) CompareAndSet(_ context.Context, u Update) (Outcome, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(u.Provider, u.ExternalID)
	var current *Record
	if rec, ok := m.records[key]; ok {
		current = &rec
	}
	outcome := Decide(current, u)
	if outcome != Applied {
		return outcome, *current, nil
	}
	rec := u.record(m.now())
	m.records[key] = rec
	return outcome, rec, nil
}

// LinkReference implements Store.
func (m *MemoryStore) LinkReference(_ context.Context, provider, reference, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(provider, reference)
	if _, ok := m.refs[key]; !ok {
		m.refs[key] = externalID
	}
	return nil
}

// ReferenceOwner implements Store.
func (m *MemoryStore) ReferenceOwner(_ context.Context, provider, reference string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.refs[recordKey(provider, reference)]
	return owner, ok, nil
}
