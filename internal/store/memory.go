package store

import (
	"context"
	"sync"
)

// Memory is an in-memory, mutex-guarded Store. It is the reference
// implementation used for tests and standalone operation; a production
// deployment swaps in a durable store behind the same interface.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, had := m.data[string(key)]
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	if !had {
		return nil, false, nil
	}
	return prev, true, nil
}

// InsertIfAbsent takes the store's own lock for the whole check-then-write,
// so it is atomic against concurrent InsertIfAbsent/Set calls for the same
// key. Admission relies on this for exactly-once dedup.
func (m *Memory) InsertIfAbsent(_ context.Context, key, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, had := m.data[string(key)]; had {
		return false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return true, nil
}
