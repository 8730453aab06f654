// Package storage defines the durable key/value binding for CRDT snapshots,
// op logs, the sync cursor and the outbox, plus the in-memory and SQLite
// implementations of that contract.
package storage

import (
	"context"
	"time"

	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// ListRecord is everything needed to hydrate one TaskListCRDT.
type ListRecord struct {
	ListID     string
	State      tasklist.State
	Operations []tasklist.Op
	UpdatedAt  time.Time
}

// RegistryRecord is everything needed to hydrate the RegistryCRDT.
type RegistryRecord struct {
	State      registry.State
	Operations []registry.Op
	UpdatedAt  time.Time
}

// KVStore is the minimal synchronous key/value port used to persist the
// actor id (pkg/actorid.KVStore is structurally identical; ListStorage
// implementations satisfy both).
type KVStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// ListStorage is the durable binding for snapshots, op logs, the sync
// cursor and the outbox. Every method is safe to call concurrently with
// itself (per-key serialisation is sufficient); the Repository is the only
// caller and accesses it one logical mutation at a time.
type ListStorage interface {
	KVStore

	Ready(ctx context.Context) error
	Clear(ctx context.Context) error

	LoadRegistry(ctx context.Context) (RegistryRecord, error)
	LoadAllLists(ctx context.Context) ([]ListRecord, error)
	LoadList(ctx context.Context, listID string) (ListRecord, bool, error)

	// PersistOperations appends ops to listID's op log and atomically
	// replaces its snapshot. The implementation may compact the log down
	// to ops whose clock is within CompactionMargin of snap.Clock.
	PersistOperations(ctx context.Context, listID string, ops []tasklist.Op, snap tasklist.State) error
	PersistRegistry(ctx context.Context, ops []registry.Op, snap registry.State) error

	LoadSyncState(ctx context.Context) (syncproto.Cursor, bool, error)
	PersistSyncState(ctx context.Context, cursor syncproto.Cursor) error

	LoadOutbox(ctx context.Context) ([]syncproto.SyncOp, error)
	PersistOutbox(ctx context.Context, ops []syncproto.SyncOp) error
}

// CompactionMargin is the number of clock ticks below a snapshot's clock
// that are still retained in the op log, so a replica that hydrates from a
// slightly stale snapshot can still replay the handful of ops generated
// right around it. The source snapshots on every op and keeps logs short;
// this is a policy knob left open for large lists per spec.md §9.
const CompactionMargin = 50

func compact[T any](ops []T, clockOf func(T) uint64, snapshotClock uint64, margin uint64) []T {
	if snapshotClock <= margin {
		return ops
	}
	threshold := snapshotClock - margin
	out := make([]T, 0, len(ops))
	for _, op := range ops {
		if clockOf(op) >= threshold {
			out = append(out, op)
		}
	}
	return out
}

func compactTaskOps(ops []tasklist.Op, snapshotClock uint64) []tasklist.Op {
	return compact(ops, func(o tasklist.Op) uint64 { return o.Clock }, snapshotClock, CompactionMargin)
}

func compactRegistryOps(ops []registry.Op, snapshotClock uint64) []registry.Op {
	return compact(ops, func(o registry.Op) uint64 { return o.Clock }, snapshotClock, CompactionMargin)
}
