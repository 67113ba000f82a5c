// Package mirror holds the client-visible copy of one owner's expenses.
//
// Order is the load order (CreatedAt descending) with later inserts
// prepended; it is never re-sorted. No two records share an id.
package mirror

import (
	"sync"

	"tally/internal/core"
)

// Mirror is safe for concurrent readers. Writes are expected to come from a
// single goroutine so that their order is well defined.
type Mirror struct {
	mu    sync.RWMutex
	items []core.Expense
	index map[string]int
}

func New() *Mirror {
	return &Mirror{index: make(map[string]int)}
}

// ReplaceAll installs records wholesale. Later duplicates of an id are dropped.
func (m *Mirror) ReplaceAll(records []core.Expense) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make([]core.Expense, 0, len(records))
	m.index = make(map[string]int, len(records))
	for _, r := range records {
		if _, ok := m.index[r.ID]; ok {
			continue
		}
		m.index[r.ID] = len(m.items)
		m.items = append(m.items, r)
	}
}

// UpsertFront replaces the record in place when its id is present and
// otherwise inserts it at the front. It reports whether a record was added.
func (m *Mirror) UpsertFront(r core.Expense) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[r.ID]; ok {
		m.items[i] = r
		return false
	}
	m.items = append([]core.Expense{r}, m.items...)
	m.reindex()
	return true
}

// Update replaces the record with the same id. It is a no-op when absent.
func (m *Mirror) Update(r core.Expense) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[r.ID]
	if !ok {
		return false
	}
	m.items[i] = r
	return true
}

// Remove drops the record with id. It is a no-op when absent.
func (m *Mirror) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.index[id]
	if !ok {
		return false
	}
	m.items = append(m.items[:i:i], m.items[i+1:]...)
	m.reindex()
	return true
}

func (m *Mirror) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	m.index = make(map[string]int)
}

// Snapshot returns a copy of the records in mirror order.
func (m *Mirror) Snapshot() []core.Expense {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Expense(nil), m.items...)
}

func (m *Mirror) Get(id string) (core.Expense, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return core.Expense{}, false
	}
	return m.items[i], true
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Mirror) reindex() {
	m.index = make(map[string]int, len(m.items))
	for i, r := range m.items {
		m.index[r.ID] = i
	}
}
