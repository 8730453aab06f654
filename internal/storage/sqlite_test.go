package storage

import (
	"context"
	"testing"

	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	// A unique shared-cache in-memory database per test keeps each test's
	// schema isolated while still letting the single *sql.DB connection
	// pool see a consistent database across queries.
	s, err := NewSQLiteStore("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreKVRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("expected missing key to be absent, got ok=%v err=%v", ok, err)
	}
	if err := s.Set("actor-identity", "actor-1"); err != nil {
		t.Fatal(err)
	}
	value, ok, err := s.Get("actor-identity")
	if err != nil || !ok || value != "actor-1" {
		t.Fatalf("unexpected kv round trip: value=%q ok=%v err=%v", value, ok, err)
	}
	if err := s.Set("actor-identity", "actor-2"); err != nil {
		t.Fatal(err)
	}
	if value, _, _ := s.Get("actor-identity"); value != "actor-2" {
		t.Fatalf("expected upsert to overwrite, got %q", value)
	}
}

func TestSQLiteStorePersistAndLoadList(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if _, ok, err := s.LoadList(ctx, "list-1"); err != nil || ok {
		t.Fatalf("expected missing list, got ok=%v err=%v", ok, err)
	}

	tl := tasklist.New("actor-1")
	op, _, err := tl.GenerateInsert("i1", "Milk", false, "", tasklist.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PersistOperations(ctx, "list-1", []tasklist.Op{op}, tl.ExportState()); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.LoadList(ctx, "list-1")
	if err != nil || !ok {
		t.Fatalf("expected list to be present: ok=%v err=%v", ok, err)
	}
	if len(rec.Operations) != 1 || rec.Operations[0].ID != "i1" {
		t.Fatalf("unexpected persisted ops: %+v", rec.Operations)
	}
	if len(rec.State.Entries) != 1 {
		t.Fatalf("unexpected persisted snapshot: %+v", rec.State)
	}
}

func TestSQLiteStoreCompactsOpLog(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	tl := tasklist.New("actor-1")
	var ops []tasklist.Op
	for i := 0; i < CompactionMargin+10; i++ {
		op, _, err := tl.GenerateInsert(uuidLike(i), "x", false, "", tasklist.InsertOptions{})
		if err != nil {
			t.Fatal(err)
		}
		ops = append(ops, op)
	}
	if err := s.PersistOperations(ctx, "list-1", ops, tl.ExportState()); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := s.LoadList(ctx, "list-1")
	if err != nil || !ok {
		t.Fatalf("expected list present: ok=%v err=%v", ok, err)
	}
	if len(rec.Operations) >= len(ops) {
		t.Fatalf("expected compaction to shrink the op log below %d, got %d", len(ops), len(rec.Operations))
	}
}

func TestSQLiteStoreSyncStateAndOutbox(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if _, ok, err := s.LoadSyncState(ctx); err != nil || ok {
		t.Fatalf("expected no sync state yet, got ok=%v err=%v", ok, err)
	}
	cursor := syncproto.Cursor{ClientID: "client-1", LastServerSeq: 42, DatasetGenerationKey: "gen-1"}
	if err := s.PersistSyncState(ctx, cursor); err != nil {
		t.Fatal(err)
	}
	loaded, ok, err := s.LoadSyncState(ctx)
	if err != nil || !ok || loaded != cursor {
		t.Fatalf("unexpected sync state round trip: %+v ok=%v err=%v", loaded, ok, err)
	}

	outbox := []syncproto.SyncOp{{Scope: syncproto.ScopeList, ResourceID: "l1", Actor: "a", Clock: 1}}
	if err := s.PersistOutbox(ctx, outbox); err != nil {
		t.Fatal(err)
	}
	loadedOutbox, err := s.LoadOutbox(ctx)
	if err != nil || len(loadedOutbox) != 1 {
		t.Fatalf("unexpected outbox round trip: %+v err=%v", loadedOutbox, err)
	}
	if err := s.PersistOutbox(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if loadedOutbox, _ := s.LoadOutbox(ctx); len(loadedOutbox) != 0 {
		t.Fatalf("expected outbox to be clearable, got %+v", loadedOutbox)
	}
}

func TestSQLiteStoreClearResetsEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if err := s.Set("actor-identity", "actor-1"); err != nil {
		t.Fatal(err)
	}
	tl := tasklist.New("actor-1")
	op, _, err := tl.GenerateInsert("i1", "Milk", false, "", tasklist.InsertOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PersistOperations(ctx, "list-1", []tasklist.Op{op}, tl.ExportState()); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("actor-identity"); ok {
		t.Fatalf("expected kv_store cleared")
	}
	if _, ok, _ := s.LoadList(ctx, "list-1"); ok {
		t.Fatalf("expected list_snapshots cleared")
	}
}
