package entitystore

import (
	"context"
	"slices"
	"sync"
)

type memoryEntry struct {
	value    []byte
	revision uint64
}

// MemoryBackend keeps records in a map. Revisions come from one counter
// shared by all keys, as in a KV bucket stream.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	revision uint64
	watchers map[string][]chan Change
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]memoryEntry),
		watchers: make(map[string][]chan Change),
	}
}

func (m *MemoryBackend) Get(_ context.Context, id string) ([]byte, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return slices.Clone(e.value), e.revision, nil
}

func (m *MemoryBackend) Create(_ context.Context, id string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		return 0, ErrKeyExists
	}
	return m.write(id, value), nil
}

func (m *MemoryBackend) Update(_ context.Context, id string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return m.write(id, value), nil
}

func (m *MemoryBackend) Delete(_ context.Context, id string, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrKeyNotFound
	}
	if revision != 0 && e.revision != revision {
		return ErrRevisionMismatch
	}
	delete(m.entries, id)
	m.revision++
	m.broadcast(Change{ID: id, Revision: m.revision, Deleted: true})
	return nil
}

func (m *MemoryBackend) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryBackend) Watch(ctx context.Context, id string) (<-chan Change, error) {
	ch := make(chan Change, 16)

	m.mu.Lock()
	m.watchers[id] = append(m.watchers[id], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[id] = slices.DeleteFunc(m.watchers[id], func(c chan Change) bool { return c == ch })
		if len(m.watchers[id]) == 0 {
			delete(m.watchers, id)
		}
		close(ch)
	}()

	return ch, nil
}

// write stores value under the next revision. Caller holds m.mu.
func (m *MemoryBackend) write(id string, value []byte) uint64 {
	m.revision++
	m.entries[id] = memoryEntry{value: slices.Clone(value), revision: m.revision}
	m.broadcast(Change{ID: id, Value: slices.Clone(value), Revision: m.revision})
	return m.revision
}

// broadcast delivers c to watchers of its id. A watcher that is not keeping up
// misses the change. Caller holds m.mu.
func (m *MemoryBackend) broadcast(c Change) {
	for _, ch := range m.watchers[c.ID] {
		select {
		case ch <- c:
		default:
		}
	}
}
