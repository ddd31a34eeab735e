package store

import (
	"context"
	"slices"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store]. Records are lost on restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]SessionRecord)}
}

// Save implements [Store].
func (m *Memory) Save(_ context.Context, r SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Profile = slices.Clone(r.Profile)
	m.records[r.ID] = r
	return nil
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	r.Profile = slices.Clone(r.Profile)
	return r, nil
}

// Similar implements [Store].
func (m *Memory) Similar(_ context.Context, id string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(q.Profile) == 0 {
		return nil, nil
	}
	var out []Match
	for _, r := range m.records {
		if r.ID == id || len(r.Profile) == 0 {
			continue
		}
		out = append(out, Match{Record: r, Distance: cosineDistance(q.Profile, r.Profile)})
	}
	slices.SortFunc(out, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return a.Record.StoppedAt.Compare(b.Record.StoppedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
