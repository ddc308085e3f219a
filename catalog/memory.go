package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/relieftrack/ledger-engine/ledger"
)

// MemoryStore is an in-memory catalog for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[ledger.ItemID]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[ledger.ItemID]Item)}
}

func (m *MemoryStore) SaveItem(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *MemoryStore) GetItem(_ context.Context, id ledger.ItemID) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	out := item
	return &out, nil
}

func (m *MemoryStore) ListItems(_ context.Context, includeInactive bool) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []Item
	for _, item := range m.items {
		if !includeInactive && !item.Active {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (m *MemoryStore) DeactivateItem(_ context.Context, id ledger.ItemID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return ledger.ErrUnknownItem
	}
	item.Active = false
	m.items[id] = item
	return nil
}
