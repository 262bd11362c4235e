package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/state"
)

// MemoryStore keeps encoded snapshots in process. Stored values are copies.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	savedAt time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Save(ctx context.Context, s *state.SessionState) (err error) {
	defer func() { observe("memory", "save", err) }()
	env, b, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items[env.SessionID] = memoryEntry{data: b, savedAt: env.SavedAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (s *state.SessionState, err error) {
	defer func() { observe("memory", "load", err) }()
	m.mu.RLock()
	e, ok := m.items[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(e.data)
}

func (m *MemoryStore) Sessions(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.items[ids[i]].savedAt.After(m.items[ids[j]].savedAt)
	})
	m.mu.RUnlock()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
