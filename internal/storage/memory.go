package storage

import (
	"context"
	"sync"
	"time"

	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// MemoryStore is an in-memory ListStorage, used by tests and as the
// in-process stub spec.md §6.1 calls for.
type MemoryStore struct {
	mu sync.Mutex

	kv map[string]string

	registryState RegistryRecord
	hasRegistry   bool

	lists map[string]ListRecord

	cursor    syncproto.Cursor
	hasCursor bool

	outbox []syncproto.SyncOp
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:    make(map[string]string),
		lists: make(map[string]ListRecord),
	}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	return nil
}

func (m *MemoryStore) Ready(ctx context.Context) error { return nil }

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv = make(map[string]string)
	m.registryState = RegistryRecord{}
	m.hasRegistry = false
	m.lists = make(map[string]ListRecord)
	m.cursor = syncproto.Cursor{}
	m.hasCursor = false
	m.outbox = nil
	return nil
}

func (m *MemoryStore) LoadRegistry(ctx context.Context) (RegistryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registryState, nil
}

func (m *MemoryStore) LoadAllLists(ctx context.Context) ([]ListRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ListRecord, 0, len(m.lists))
	for _, r := range m.lists {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) LoadList(ctx context.Context, listID string) (ListRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lists[listID]
	return r, ok, nil
}

func (m *MemoryStore) PersistOperations(ctx context.Context, listID string, ops []tasklist.Op, snap tasklist.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.lists[listID]
	rec.ListID = listID
	rec.Operations = compactTaskOps(append(rec.Operations, ops...), snap.Clock)
	rec.State = snap
	rec.UpdatedAt = time.Now()
	m.lists[listID] = rec
	return nil
}

func (m *MemoryStore) PersistRegistry(ctx context.Context, ops []registry.Op, snap registry.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registryState.Operations = compactRegistryOps(append(m.registryState.Operations, ops...), snap.Clock)
	m.registryState.State = snap
	m.registryState.UpdatedAt = time.Now()
	m.hasRegistry = true
	return nil
}

func (m *MemoryStore) LoadSyncState(ctx context.Context) (syncproto.Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, m.hasCursor, nil
}

func (m *MemoryStore) PersistSyncState(ctx context.Context, cursor syncproto.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	m.hasCursor = true
	return nil
}

func (m *MemoryStore) LoadOutbox(ctx context.Context) ([]syncproto.SyncOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]syncproto.SyncOp, len(m.outbox))
	copy(out, m.outbox)
	return out, nil
}

func (m *MemoryStore) PersistOutbox(ctx context.Context, ops []syncproto.SyncOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = make([]syncproto.SyncOp, len(ops))
	copy(m.outbox, ops)
	return nil
}
