package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aggregat4/prototype-lists-sub000/internal/storage"
	"github.com/aggregat4/prototype-lists-sub000/internal/syncserver"
	"github.com/aggregat4/prototype-lists-sub000/pkg/snapshot"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
)

type fakeRepo struct {
	mu       sync.Mutex
	applied  []syncproto.SyncOp
	adoptedN int
}

func (f *fakeRepo) ApplyRemoteOps(ctx context.Context, ops []syncproto.SyncOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, ops...)
	return nil
}

func (f *fakeRepo) ReplaceWithSnapshot(ctx context.Context, env snapshot.Envelope, publishSnapshot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adoptedN++
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *syncserver.Server) {
	t.Helper()
	s := syncserver.New("gen-1")
	s.Start()
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/bootstrap", s.HandleBootstrap)
	mux.HandleFunc("/sync/push", s.HandlePush)
	mux.HandleFunc("/sync/pull", s.HandlePull)
	mux.HandleFunc("/sync/reset", s.HandleReset)
	return httptest.NewServer(mux), s
}

func TestEngineBootstrapsOnFirstSync(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	store := storage.NewMemoryStore()
	repo := &fakeRepo{}
	eng := New(store, NewHTTPFetcher(srv.URL, nil), repo, "client-1", time.Hour)

	eng.Sync(context.Background())

	if eng.currentKey() != "gen-1" {
		t.Fatalf("expected engine to adopt server's generation key, got %q", eng.currentKey())
	}
}

func TestEnginePushesOutboxThenPulls(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	store := storage.NewMemoryStore()
	repo := &fakeRepo{}
	eng := New(store, NewHTTPFetcher(srv.URL, nil), repo, "client-1", time.Hour)

	// First sync just bootstraps against the empty server.
	eng.Sync(context.Background())

	eng.Enqueue(syncproto.SyncOp{Scope: syncproto.ScopeList, ResourceID: "l1", Actor: "client-1", Clock: 1, Payload: json.RawMessage(`{}`)})
	eng.Sync(context.Background())

	outbox, err := store.LoadOutbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(outbox) != 0 {
		t.Fatalf("expected outbox to be cleared after a successful push, got %+v", outbox)
	}
}

func TestEngineAdoptsSnapshotOnConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	store := storage.NewMemoryStore()
	repo := &fakeRepo{}
	eng := New(store, NewHTTPFetcher(srv.URL, nil), repo, "client-1", time.Hour)
	eng.Sync(context.Background())

	// Simulate another client resetting the dataset while we were parked.
	resetReq, _ := json.Marshal(syncproto.ResetRequest{ClientID: "other", DatasetGenerationKey: "gen-2", Snapshot: `{"schema":"net.aggregat4.tasklist.snapshot@v1","exportedAt":"2026-01-01T00:00:00Z","data":{"lists":[]}}`})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/sync/reset", bytes.NewReader(resetReq))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	eng.Sync(context.Background())

	if eng.currentKey() != "gen-2" {
		t.Fatalf("expected engine to adopt the new generation key after conflict, got %q", eng.currentKey())
	}
	if repo.adoptedN == 0 {
		t.Fatalf("expected repository to receive the adopted snapshot")
	}
}
