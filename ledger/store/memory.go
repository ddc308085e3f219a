// Package store provides in-memory implementations of the ledger
// storage interfaces, for tests and development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relieftrack/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - EventStore + BalanceStore
// =============================================================================

// Memory deliberately does NOT implement TxEventStore: unit tests use
// it to exercise the commit protocol's compensating-rollback path.
type Memory struct {
	mu       sync.RWMutex
	headers  map[ledger.HeaderID]ledger.Header
	events   []ledger.Event // Sorted by OccurredAt, insertion order on ties
	balances []ledger.StockRow
}

func NewMemory() *Memory {
	return &Memory{headers: make(map[ledger.HeaderID]ledger.Header)}
}

func (m *Memory) InsertHeader(_ context.Context, h ledger.Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[h.ID] = h
	return nil
}

func (m *Memory) InsertEvents(_ context.Context, events []ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.insertLocked(e)
	}
	return nil
}

func (m *Memory) insertLocked(e ledger.Event) {
	// Binary search keeps the slice ordered; inserting after equal
	// timestamps preserves insertion order on ties.
	i := sort.Search(len(m.events), func(i int) bool {
		return m.events[i].OccurredAt.After(e.OccurredAt)
	})
	m.events = append(m.events, ledger.Event{})
	copy(m.events[i+1:], m.events[i:])
	m.events[i] = e
}

func (m *Memory) GetHeader(_ context.Context, kind ledger.EventKind, id ledger.HeaderID) (*ledger.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.headers[id]
	if !ok || h.Kind != kind {
		return nil, nil
	}
	out := h
	return &out, nil
}

func (m *Memory) DeleteHeader(_ context.Context, kind ledger.EventKind, id ledger.HeaderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.headers[id]
	if !ok || h.Kind != kind {
		return ledger.ErrHeaderNotFound
	}
	delete(m.headers, id)

	// Cascade to lines.
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Header != id {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return nil
}

func (m *Memory) Query(_ context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Event
	for _, e := range m.events {
		if f.Item != nil && e.Item != *f.Item {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		if f.From != nil && e.OccurredAt.Before(*f.From) {
			continue
		}
		if f.Until != nil && !e.OccurredAt.Before(*f.Until) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *Memory) EarliestEventAt(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return time.Time{}, false, nil
	}
	return m.events[0].OccurredAt, true, nil
}

func (m *Memory) EmptyHeaders(_ context.Context) ([]ledger.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := make(map[ledger.HeaderID]bool)
	for _, e := range m.events {
		owned[e.Header] = true
	}

	var empty []ledger.Header
	for _, h := range m.headers {
		if !owned[h.ID] {
			empty = append(empty, h)
		}
	}
	sort.Slice(empty, func(i, j int) bool { return empty[i].ID < empty[j].ID })
	return empty, nil
}

func (m *Memory) DeleteEvents(_ context.Context, ids []ledger.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doomed := make(map[ledger.EventID]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	kept := m.events[:0]
	for _, e := range m.events {
		if !doomed[e.ID] {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (m *Memory) ReplaceBalances(_ context.Context, rows []ledger.StockRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append([]ledger.StockRow(nil), rows...)
	return nil
}

func (m *Memory) LoadBalances(_ context.Context) ([]ledger.StockRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.StockRow(nil), m.balances...), nil
}
