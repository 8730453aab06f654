package repository

import (
	"context"
	"testing"

	"github.com/aggregat4/prototype-lists-sub000/internal/storage"
	"github.com/aggregat4/prototype-lists-sub000/pkg/crdt"
	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/snapshot"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	r := New("actor-1", storage.NewMemoryStore())
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	return r
}

func TestCreateListSeedsItemsAndRegistry(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	listID, err := r.CreateList(ctx, CreateListOptions{
		Title: "Groceries",
		Items: []NewTaskItem{{Text: "Milk"}, {Text: "Eggs"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	reg, err := r.GetRegistrySnapshot(ctx)
	if err != nil || len(reg) != 1 || reg[0].ID != listID || reg[0].Data.Title != "Groceries" {
		t.Fatalf("unexpected registry: %+v err=%v", reg, err)
	}

	items, ok, err := r.GetListSnapshot(ctx, listID)
	if err != nil || !ok || len(items) != 2 {
		t.Fatalf("unexpected list snapshot: %+v ok=%v err=%v", items, ok, err)
	}
	if items[0].Data.Text != "Milk" || items[1].Data.Text != "Eggs" {
		t.Fatalf("unexpected ordering: %+v", items)
	}
}

func TestInsertToggleRemoveTask(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	listID, _ := r.CreateList(ctx, CreateListOptions{Title: "L"})

	itemID, err := r.InsertTask(ctx, listID, InsertTaskOptions{Text: "Buy milk"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ToggleTask(ctx, listID, itemID, nil); err != nil {
		t.Fatal(err)
	}
	entry, ok, err := r.GetTaskSnapshot(ctx, listID, itemID)
	if err != nil || !ok || !entry.Data.Done {
		t.Fatalf("expected task toggled done, got %+v ok=%v err=%v", entry, ok, err)
	}

	if err := r.RemoveTask(ctx, listID, itemID); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.GetTaskSnapshot(ctx, listID, itemID); ok {
		t.Fatalf("expected task to be invisible after remove")
	}
}

func TestMoveTaskAcrossLists(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	src, _ := r.CreateList(ctx, CreateListOptions{Title: "Src"})
	dst, _ := r.CreateList(ctx, CreateListOptions{Title: "Dst"})
	itemID, _ := r.InsertTask(ctx, src, InsertTaskOptions{Text: "t"})

	if err := r.MoveTask(ctx, src, dst, itemID, PlacementOptions{}); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := r.GetTaskSnapshot(ctx, src, itemID); ok {
		t.Fatalf("expected task removed from source list")
	}
	dstItems, _, _ := r.GetListSnapshot(ctx, dst)
	if len(dstItems) != 1 || dstItems[0].ID != itemID {
		t.Fatalf("expected task present in destination list, got %+v", dstItems)
	}
}

func TestReorderListClampsDanglingNeighbour(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	a, _ := r.CreateList(ctx, CreateListOptions{Title: "A"})
	b, _ := r.CreateList(ctx, CreateListOptions{Title: "B", AfterID: a})

	if err := r.ReorderList(ctx, a, PlacementOptions{AfterID: "does-not-exist"}); err != nil {
		t.Fatal(err)
	}

	reg, _ := r.GetRegistrySnapshot(ctx)
	if len(reg) != 2 || reg[len(reg)-1].ID != a {
		t.Fatalf("expected reorder to clamp to the end, got %+v (b=%s)", reg, b)
	}
}

func TestApplyRemoteOpsIsIdempotentAndSuppressesHistory(t *testing.T) {
	ctx := context.Background()
	producer := newTestRepo(t)
	listID, _ := producer.CreateList(ctx, CreateListOptions{Title: "L"})
	_, err := producer.InsertTask(ctx, listID, InsertTaskOptions{Text: "from remote"})
	if err != nil {
		t.Fatal(err)
	}

	mem := producer.store.(*storage.MemoryStore)
	outbox, err := mem.LoadOutbox(ctx)
	if err != nil || len(outbox) == 0 {
		t.Fatalf("expected outbox to carry the generated ops, got %+v err=%v", outbox, err)
	}

	consumer := newTestRepo(t)
	if err := consumer.ApplyRemoteOps(ctx, outbox); err != nil {
		t.Fatal(err)
	}
	if consumer.HistorySuppressed() {
		t.Fatalf("suppression flag must not leak past the batch")
	}
	items, ok, err := consumer.GetListSnapshot(ctx, listID)
	if err != nil || !ok || len(items) != 1 || items[0].Data.Text != "from remote" {
		t.Fatalf("expected remote ops applied, got %+v ok=%v err=%v", items, ok, err)
	}

	// Re-applying the same batch must be a no-op (idempotent dedupe).
	if err := consumer.ApplyRemoteOps(ctx, outbox); err != nil {
		t.Fatal(err)
	}
	items2, _, _ := consumer.GetListSnapshot(ctx, listID)
	if len(items2) != 1 {
		t.Fatalf("expected duplicate delivery to be a no-op, got %+v", items2)
	}
}

func TestSubscribersObserveChangesWithoutReentrancy(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	var globalCount, registryCount int
	r.Subscribe(func(ev ChangeEvent) {
		globalCount++
		if ev.Scope != syncproto.ScopeRegistry && ev.Scope != syncproto.ScopeList {
			t.Fatalf("unexpected scope %q", ev.Scope)
		}
	})
	r.SubscribeRegistry(func(snap []crdt.Entry[registry.ListData]) { registryCount++ }, false)

	if _, err := r.CreateList(ctx, CreateListOptions{Title: "L"}); err != nil {
		t.Fatal(err)
	}
	if globalCount == 0 {
		t.Fatalf("expected global subscriber to be notified")
	}
	if registryCount == 0 {
		t.Fatalf("expected registry subscriber to be notified")
	}
}

func TestExportThenApplySnapshotRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	listID, _ := r.CreateList(ctx, CreateListOptions{Title: "Groceries", Items: []NewTaskItem{{Text: "Milk"}}})

	env, err := r.ExportSnapshotData(ctx, "2026-01-01T00:00:00Z", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Data.Lists) != 1 || env.Data.Lists[0].ListID != listID {
		t.Fatalf("unexpected export: %+v", env)
	}

	r2 := newTestRepo(t)
	if _, err := r2.CreateList(ctx, CreateListOptions{Title: "Stale"}); err != nil {
		t.Fatal(err)
	}
	blob, err := snapshot.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := r2.ApplySnapshotBlob(ctx, blob); err != nil {
		t.Fatal(err)
	}
	reg, _ := r2.GetRegistrySnapshot(ctx)
	if len(reg) != 1 || reg[0].Data.Title != "Groceries" {
		t.Fatalf("expected snapshot to replace prior state, got %+v", reg)
	}
}
