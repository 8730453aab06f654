// Package repository is the in-memory orchestration layer above the CRDTs:
// it owns the live registry and task-list replicas, fans mutations out to
// durable storage and the sync engine, and notifies subscribers.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aggregat4/prototype-lists-sub000/internal/storage"
	"github.com/aggregat4/prototype-lists-sub000/pkg/crdt"
	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// ChangeEvent is the payload delivered to global subscribers after any
// applied change, local or remote.
type ChangeEvent struct {
	Scope      syncproto.Scope
	ResourceID string
}

// ChangeHandler observes every applied change. RegistryHandler and
// ListHandler observe one CRDT's live snapshot directly.
type ChangeHandler func(ChangeEvent)
type RegistryHandler func([]crdt.Entry[registry.ListData])
type ListHandler func(snapshot []crdt.Entry[tasklist.TaskData])

// SyncSink is the narrow surface the repository needs from an attached sync
// engine: hand it a locally generated envelope for eventual push. Defined
// here so the repository does not import syncengine; *syncengine.Engine
// satisfies it.
type SyncSink interface {
	Enqueue(op syncproto.SyncOp)
}

// Repository owns one RegistryCRDT, one TaskListCRDT per list, and the
// queues described in the design notes: init, history, per-item text,
// pending-insert, outbox persist and (indirectly, via the attached
// SyncEngine) the sync queue.
type Repository struct {
	actor string
	store storage.ListStorage

	mu       sync.Mutex
	reg      *registry.RegistryCRDT
	lists    map[string]*tasklist.TaskListCRDT
	syncSink SyncSink

	listenersMu       sync.Mutex
	globalListeners   []ChangeHandler
	registryListeners []RegistryHandler
	listListeners     map[string][]ListHandler

	suppressHistory int32

	init       onceFuture
	historyQ   serialQueue
	textQ      *keyedMutex
	pendingIns *keyedFutureMap
	outboxQ    serialQueue
}

// New constructs a Repository for actor over store. Initialize must be
// called (directly or implicitly, via the first mutating/query call) before
// any CRDT state is available.
func New(actor string, store storage.ListStorage) *Repository {
	return &Repository{
		actor:         actor,
		store:         store,
		lists:         make(map[string]*tasklist.TaskListCRDT),
		listListeners: make(map[string][]ListHandler),
		textQ:         newKeyedMutex(),
		pendingIns:    newKeyedFutureMap(),
	}
}

// Initialize hydrates the registry and every stored list from storage.
// Concurrent callers share the same in-flight attempt; a failed attempt is
// retried by the next caller.
func (r *Repository) Initialize(ctx context.Context) error {
	return r.init.Do(func() error {
		if err := r.store.Ready(ctx); err != nil {
			return fmt.Errorf("repository: storage not ready: %w", err)
		}
		reg, err := storage.HydrateRegistry(ctx, r.store, r.actor)
		if err != nil {
			return err
		}
		lists, err := storage.HydrateAllLists(ctx, r.store, r.actor)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.reg = reg
		r.lists = lists
		r.mu.Unlock()
		return nil
	})
}

// SetSyncEngine attaches the sink that newly generated local ops are handed
// to instead of the durable outbox.
func (r *Repository) SetSyncEngine(sink SyncSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncSink = sink
}

func (r *Repository) listOrNew(listID string) *tasklist.TaskListCRDT {
	tl, ok := r.lists[listID]
	if !ok {
		tl = tasklist.New(r.actor)
		r.lists[listID] = tl
	}
	return tl
}

// RunSerializedHistory runs fn on the repository's history queue: the
// (external, non-goal) undo/redo manager that replays inverse ops should
// serialise its replays through this so they never interleave with a
// concurrent live edit to the same state.
func (r *Repository) RunSerializedHistory(fn func()) {
	r.historyQ.Run(fn)
}

// Subscribe registers a handler invoked after every applied change. Handler
// bodies run synchronously and must not call back into mutating methods.
func (r *Repository) Subscribe(h ChangeHandler) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.globalListeners = append(r.globalListeners, h)
}

// SubscribeRegistry registers h against registry changes. If emitCurrent is
// true, h is invoked once immediately with the current snapshot.
func (r *Repository) SubscribeRegistry(h RegistryHandler, emitCurrent bool) {
	r.listenersMu.Lock()
	r.registryListeners = append(r.registryListeners, h)
	r.listenersMu.Unlock()
	if emitCurrent {
		r.mu.Lock()
		reg := r.reg
		r.mu.Unlock()
		if reg != nil {
			safeCallRegistry(h, reg.GetSnapshot(false))
		}
	}
}

// SubscribeList registers h against changes to listID.
func (r *Repository) SubscribeList(listID string, h ListHandler, emitCurrent bool) {
	r.listenersMu.Lock()
	r.listListeners[listID] = append(r.listListeners[listID], h)
	r.listenersMu.Unlock()
	if emitCurrent {
		r.mu.Lock()
		tl := r.lists[listID]
		r.mu.Unlock()
		if tl != nil {
			safeCallList(h, tl.GetSnapshot(false))
		}
	}
}

func safeCallChange(h ChangeHandler, ev ChangeEvent) {
	defer func() { _ = recover() }()
	h(ev)
}

func safeCallRegistry(h RegistryHandler, snap []crdt.Entry[registry.ListData]) {
	defer func() { _ = recover() }()
	h(snap)
}

func safeCallList(h ListHandler, snap []crdt.Entry[tasklist.TaskData]) {
	defer func() { _ = recover() }()
	h(snap)
}

func (r *Repository) emitGlobal(ev ChangeEvent) {
	r.listenersMu.Lock()
	handlers := append([]ChangeHandler(nil), r.globalListeners...)
	r.listenersMu.Unlock()
	for _, h := range handlers {
		safeCallChange(h, ev)
	}
}

func (r *Repository) emitRegistry() {
	r.mu.Lock()
	snap := r.reg.GetSnapshot(false)
	r.mu.Unlock()
	r.listenersMu.Lock()
	handlers := append([]RegistryHandler(nil), r.registryListeners...)
	r.listenersMu.Unlock()
	for _, h := range handlers {
		safeCallRegistry(h, snap)
	}
}

func (r *Repository) emitList(listID string) {
	r.mu.Lock()
	tl := r.lists[listID]
	r.mu.Unlock()
	if tl == nil {
		return
	}
	snap := tl.GetSnapshot(false)
	r.listenersMu.Lock()
	handlers := append([]ListHandler(nil), r.listListeners[listID]...)
	r.listenersMu.Unlock()
	for _, h := range handlers {
		safeCallList(h, snap)
	}
}

// withSuppressedHistory runs fn with the history-suppression counter raised,
// so the (external) history/undo manager can tell remote-origin changes
// apart from locally generated ones.
func (r *Repository) withSuppressedHistory(fn func()) {
	atomic.AddInt32(&r.suppressHistory, 1)
	defer atomic.AddInt32(&r.suppressHistory, -1)
	fn()
}

// HistorySuppressed reports whether the current call stack is applying
// remote ops, for the (external, non-goal) history manager to consult.
func (r *Repository) HistorySuppressed() bool {
	return atomic.LoadInt32(&r.suppressHistory) > 0
}

func newID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewString()
}

// enqueueSync hands a newly generated envelope to the attached sync engine,
// or else appends it to the durable outbox. This is StorageFailure's last
// line of defense: a failure here is logged and swallowed, per the error
// taxonomy's policy that transport/storage faults never propagate to the
// mutator's caller.
func (r *Repository) enqueueSync(ctx context.Context, scope syncproto.Scope, resourceID, actor string, clock uint64, op any) {
	payload, err := json.Marshal(op)
	if err != nil {
		log.Printf("repository: failed to encode op for sync: %v", err)
		return
	}
	envelope := syncproto.SyncOp{Scope: scope, ResourceID: resourceID, Actor: actor, Clock: clock, Payload: payload}

	r.mu.Lock()
	sink := r.syncSink
	r.mu.Unlock()
	if sink != nil {
		sink.Enqueue(envelope)
		return
	}

	r.outboxQ.Run(func() {
		existing, err := r.store.LoadOutbox(ctx)
		if err != nil {
			log.Printf("repository: failed to load outbox, op not durably queued: %v", err)
			return
		}
		existing = append(existing, envelope)
		if err := r.store.PersistOutbox(ctx, existing); err != nil {
			log.Printf("repository: failed to persist outbox: %v", err)
		}
	})
}

// persistList durably writes ops without notifying any listener or sync
// sink. Callers that touch more than one list (MoveTask) use this directly
// so every list is persisted before any of them is emitted.
func (r *Repository) persistList(ctx context.Context, listID string, tl *tasklist.TaskListCRDT, ops []tasklist.Op) error {
	if err := r.store.PersistOperations(ctx, listID, ops, tl.ExportState()); err != nil {
		return fmt.Errorf("repository: persist list %s failed: %w", listID, err)
	}
	return nil
}

// finishList notifies listeners and the sync sink for an already-persisted
// set of list ops.
func (r *Repository) finishList(ctx context.Context, listID string, ops []tasklist.Op, remote bool) {
	r.emitList(listID)
	r.emitGlobal(ChangeEvent{Scope: syncproto.ScopeList, ResourceID: listID})
	if !remote {
		for _, op := range ops {
			r.enqueueSync(ctx, syncproto.ScopeList, listID, op.Actor, op.Clock, op)
		}
	}
}

func (r *Repository) persistListAndEmit(ctx context.Context, listID string, tl *tasklist.TaskListCRDT, ops []tasklist.Op, remote bool) error {
	if err := r.persistList(ctx, listID, tl, ops); err != nil {
		return err
	}
	r.finishList(ctx, listID, ops, remote)
	return nil
}

func (r *Repository) persistRegistryAndEmit(ctx context.Context, ops []registry.Op, remote bool) error {
	r.mu.Lock()
	reg := r.reg
	r.mu.Unlock()
	if err := r.store.PersistRegistry(ctx, ops, reg.ExportState()); err != nil {
		return fmt.Errorf("repository: persist registry failed: %w", err)
	}
	r.emitRegistry()
	r.emitGlobal(ChangeEvent{Scope: syncproto.ScopeRegistry, ResourceID: syncproto.RegistryResourceID})
	if !remote {
		for _, op := range ops {
			r.enqueueSync(ctx, syncproto.ScopeRegistry, syncproto.RegistryResourceID, op.Actor, op.Clock, op)
		}
	}
	return nil
}
