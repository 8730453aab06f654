// Package syncengine implements the pull/push protocol that reconciles a
// local replica with a central log-and-snapshot server, detecting full
// dataset replacement via a server-issued generation key.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aggregat4/prototype-lists-sub000/internal/storage"
	"github.com/aggregat4/prototype-lists-sub000/pkg/snapshot"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
)

// Fetcher is the abstract transport the engine depends on, matching spec's
// fetch(path, method, body) -> (status, json) boundary so the engine never
// imports net/http chrome (auth headers, retries, TLS config) directly.
type Fetcher interface {
	Do(ctx context.Context, method, path string, body any) (status int, respBody []byte, err error)
}

// RepositoryPort is the narrow surface the engine needs from a Repository:
// applying a batch of remote envelopes, and swapping in an adopted snapshot.
type RepositoryPort interface {
	ApplyRemoteOps(ctx context.Context, ops []syncproto.SyncOp) error
	ReplaceWithSnapshot(ctx context.Context, env snapshot.Envelope, publishSnapshot bool) error
}

// DefaultPollInterval is used when New is given a non-positive interval.
const DefaultPollInterval = 2 * time.Second

// Engine is the pull/push sync client. One Engine serves one Repository.
type Engine struct {
	store    storage.ListStorage
	fetcher  Fetcher
	repo     RepositoryPort
	clientID string
	interval time.Duration

	syncMu sync.Mutex // the sync queue: serialises syncOnce so push/pull never interleave

	stateMu              sync.Mutex
	lastServerSeq        uint64
	datasetGenerationKey string
	outbox               []syncproto.SyncOp
	active               bool
	failureCount         int
	maxFailures          int
	onConnectionError    func(error)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine. Call Start to hydrate persisted cursor/outbox
// state and begin polling.
func New(store storage.ListStorage, fetcher Fetcher, repo RepositoryPort, clientID string, pollInterval time.Duration) *Engine {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Engine{
		store:       store,
		fetcher:     fetcher,
		repo:        repo,
		clientID:    clientID,
		interval:    pollInterval,
		maxFailures: 5,
	}
}

// NewDatasetGenerationKey mints a fresh opaque generation token for ResetWithSnapshot.
func NewDatasetGenerationKey() string {
	return "gen-" + uuid.NewString()
}

// OnConnectionError registers a callback fired after maxFailures consecutive
// sync failures. The host typically calls Stop from within it; disabling is
// idempotent and leaves the outbox on disk.
func (e *Engine) OnConnectionError(fn func(error)) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.onConnectionError = fn
}

// Enqueue appends op to the in-memory and durable outbox. Satisfies
// repository.SyncSink.
func (e *Engine) Enqueue(op syncproto.SyncOp) {
	e.stateMu.Lock()
	e.outbox = append(e.outbox, op)
	snap := append([]syncproto.SyncOp(nil), e.outbox...)
	e.stateMu.Unlock()
	if err := e.store.PersistOutbox(context.Background(), snap); err != nil {
		log.Printf("syncengine: failed to persist outbox after enqueue: %v", err)
	}
}

// Start hydrates persisted state, runs one immediate sync, then polls every
// pollIntervalMs while active. Start is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.stateMu.Lock()
	if e.active {
		e.stateMu.Unlock()
		return
	}
	e.active = true
	e.stopCh = make(chan struct{})
	e.stateMu.Unlock()

	e.loadPersistedState(ctx)
	e.syncOnce(ctx)

	e.wg.Add(1)
	go e.pollLoop(ctx)
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.syncOnce(ctx)
		case <-e.stopCh:
			return
		}
	}
}

// Stop tears down the poll timer and drops any in-flight retry. Persistence
// writes already issued are allowed to complete; the outbox is left intact.
// Idempotent.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	if !e.active {
		e.stateMu.Unlock()
		return
	}
	e.active = false
	close(e.stopCh)
	e.stateMu.Unlock()
	e.wg.Wait()
}

func (e *Engine) loadPersistedState(ctx context.Context) {
	if cursor, ok, err := e.store.LoadSyncState(ctx); err != nil {
		log.Printf("syncengine: failed to load sync state: %v", err)
	} else if ok {
		e.stateMu.Lock()
		e.lastServerSeq = cursor.LastServerSeq
		e.datasetGenerationKey = cursor.DatasetGenerationKey
		e.stateMu.Unlock()
	}
	if outbox, err := e.store.LoadOutbox(ctx); err != nil {
		log.Printf("syncengine: failed to load outbox: %v", err)
	} else {
		e.stateMu.Lock()
		e.outbox = outbox
		e.stateMu.Unlock()
	}
}

func (e *Engine) needsBootstrap() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return len(e.outbox) == 0 && (e.lastServerSeq == 0 || e.datasetGenerationKey == "")
}

func (e *Engine) currentKey() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.datasetGenerationKey
}

// cursorLocked builds the persistable cursor; callers must hold stateMu.
func (e *Engine) cursorLocked() syncproto.Cursor {
	return syncproto.Cursor{ClientID: e.clientID, LastServerSeq: e.lastServerSeq, DatasetGenerationKey: e.datasetGenerationKey}
}

func (e *Engine) persistCursor(ctx context.Context) {
	e.stateMu.Lock()
	cursor := e.cursorLocked()
	e.stateMu.Unlock()
	if err := e.store.PersistSyncState(ctx, cursor); err != nil {
		log.Printf("syncengine: failed to persist sync cursor: %v", err)
	}
}

func (e *Engine) clearOutbox(ctx context.Context) {
	e.stateMu.Lock()
	e.outbox = nil
	e.stateMu.Unlock()
	if err := e.store.PersistOutbox(ctx, nil); err != nil {
		log.Printf("syncengine: failed to clear outbox: %v", err)
	}
}

// syncOnce runs one bootstrap-or-(push,pull) cycle. Held under syncMu so
// concurrent triggers (poll tick racing a manual Sync call) never interleave.
func (e *Engine) syncOnce(ctx context.Context) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var err error
	if e.needsBootstrap() {
		err = e.bootstrap(ctx)
	} else {
		if err = e.flushOutbox(ctx); err == nil {
			err = e.pull(ctx)
		}
	}
	if err != nil {
		e.reportFailure(err)
		return
	}
	e.stateMu.Lock()
	e.failureCount = 0
	e.stateMu.Unlock()
}

// Sync triggers one sync cycle outside the poll schedule (e.g. "sync now").
func (e *Engine) Sync(ctx context.Context) { e.syncOnce(ctx) }

func (e *Engine) reportFailure(err error) {
	log.Printf("syncengine: sync attempt failed: %v", err)
	e.stateMu.Lock()
	e.failureCount++
	failed := e.failureCount
	max := e.maxFailures
	cb := e.onConnectionError
	e.stateMu.Unlock()
	if failed >= max && cb != nil {
		// Run on its own goroutine so a callback that calls Stop does not
		// wait on the poll loop that is reporting this failure.
		go cb(err)
	}
}

func (e *Engine) bootstrap(ctx context.Context) error {
	status, body, err := e.fetcher.Do(ctx, http.MethodGet, "/sync/bootstrap", nil)
	if err != nil {
		return fmt.Errorf("syncengine: bootstrap request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("syncengine: bootstrap returned status %d", status)
	}
	var resp syncproto.BootstrapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("syncengine: bootstrap decode failed: %w", err)
	}
	if resp.Snapshot != nil && resp.DatasetGenerationKey != e.currentKey() {
		return e.adoptSnapshot(ctx, resp.DatasetGenerationKey, *resp.Snapshot, resp.ServerSeq)
	}
	if err := e.repo.ApplyRemoteOps(ctx, resp.Ops); err != nil {
		return fmt.Errorf("syncengine: apply bootstrap ops failed: %w", err)
	}
	e.stateMu.Lock()
	e.lastServerSeq = resp.ServerSeq
	e.datasetGenerationKey = resp.DatasetGenerationKey
	e.stateMu.Unlock()
	e.persistCursor(ctx)
	return nil
}

func (e *Engine) flushOutbox(ctx context.Context) error {
	e.stateMu.Lock()
	pending := append([]syncproto.SyncOp(nil), e.outbox...)
	key := e.datasetGenerationKey
	e.stateMu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	req := syncproto.PushRequest{ClientID: e.clientID, DatasetGenerationKey: key, Ops: pending}
	status, body, err := e.fetcher.Do(ctx, http.MethodPost, "/sync/push", req)
	if err != nil {
		return fmt.Errorf("syncengine: push request failed: %w", err)
	}
	if status == http.StatusConflict {
		var conflict syncproto.ConflictResponse
		if err := json.Unmarshal(body, &conflict); err != nil {
			return fmt.Errorf("syncengine: push conflict decode failed: %w", err)
		}
		return e.adoptSnapshot(ctx, conflict.DatasetGenerationKey, conflict.Snapshot, 0)
	}
	if status != http.StatusOK {
		return fmt.Errorf("syncengine: push returned status %d", status)
	}
	var resp syncproto.PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("syncengine: push decode failed: %w", err)
	}

	e.stateMu.Lock()
	e.lastServerSeq = resp.ServerSeq
	if resp.DatasetGenerationKey != nil {
		e.datasetGenerationKey = *resp.DatasetGenerationKey
	}
	e.stateMu.Unlock()
	e.clearOutbox(ctx)
	e.persistCursor(ctx)
	return nil
}

func (e *Engine) pull(ctx context.Context) error {
	e.stateMu.Lock()
	since := e.lastServerSeq
	key := e.datasetGenerationKey
	e.stateMu.Unlock()

	path := fmt.Sprintf("/sync/pull?since=%d&clientId=%s&datasetGenerationKey=%s",
		since, url.QueryEscape(e.clientID), url.QueryEscape(key))
	status, body, err := e.fetcher.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("syncengine: pull request failed: %w", err)
	}
	if status == http.StatusConflict {
		var conflict syncproto.ConflictResponse
		if err := json.Unmarshal(body, &conflict); err != nil {
			return fmt.Errorf("syncengine: pull conflict decode failed: %w", err)
		}
		return e.adoptSnapshot(ctx, conflict.DatasetGenerationKey, conflict.Snapshot, 0)
	}
	if status != http.StatusOK {
		return fmt.Errorf("syncengine: pull returned status %d", status)
	}
	var resp syncproto.PullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("syncengine: pull decode failed: %w", err)
	}
	if resp.Snapshot != nil && resp.DatasetGenerationKey != key {
		return e.adoptSnapshot(ctx, resp.DatasetGenerationKey, *resp.Snapshot, resp.ServerSeq)
	}
	if err := e.repo.ApplyRemoteOps(ctx, resp.Ops); err != nil {
		return fmt.Errorf("syncengine: apply pulled ops failed: %w", err)
	}
	e.stateMu.Lock()
	e.lastServerSeq = resp.ServerSeq
	e.stateMu.Unlock()
	e.persistCursor(ctx)
	return nil
}

// adoptSnapshot implements the shared 409/dataset-key-change handling: adopt
// the server's key, reset lastServerSeq, clear the outbox, then hand the
// parsed envelope to the repository before persisting the new cursor.
func (e *Engine) adoptSnapshot(ctx context.Context, key, snapshotText string, serverSeq uint64) error {
	env, err := snapshot.Parse(snapshotText)
	if err != nil {
		return fmt.Errorf("syncengine: adopt snapshot failed: %w", err)
	}
	e.stateMu.Lock()
	e.datasetGenerationKey = key
	e.lastServerSeq = serverSeq
	e.stateMu.Unlock()
	e.clearOutbox(ctx)

	if err := e.repo.ReplaceWithSnapshot(ctx, env, false); err != nil {
		return fmt.Errorf("syncengine: adopt snapshot replace failed: %w", err)
	}
	e.persistCursor(ctx)
	return nil
}

// ResetWithSnapshot mints a new dataset generation key and asks the server
// to replace its entire log with snapshotText.
func (e *Engine) ResetWithSnapshot(ctx context.Context, snapshotText string) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	newKey := NewDatasetGenerationKey()
	req := syncproto.ResetRequest{ClientID: e.clientID, DatasetGenerationKey: newKey, Snapshot: snapshotText}
	status, body, err := e.fetcher.Do(ctx, http.MethodPost, "/sync/reset", req)
	if err != nil {
		return fmt.Errorf("syncengine: reset request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("syncengine: reset returned status %d", status)
	}
	var resp syncproto.ResetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("syncengine: reset decode failed: %w", err)
	}

	e.stateMu.Lock()
	e.datasetGenerationKey = resp.DatasetGenerationKey
	e.lastServerSeq = resp.ServerSeq
	e.stateMu.Unlock()
	e.clearOutbox(ctx)
	e.persistCursor(ctx)
	return nil
}
