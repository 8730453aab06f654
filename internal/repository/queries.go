package repository

import (
	"context"
	"fmt"

	"github.com/aggregat4/prototype-lists-sub000/pkg/crdt"
	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/snapshot"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// GetRegistrySnapshot returns the live catalogue, sorted by position.
func (r *Repository) GetRegistrySnapshot(ctx context.Context) ([]crdt.Entry[registry.ListData], error) {
	if err := r.Initialize(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.GetSnapshot(false), nil
}

// GetListState returns the full hydratable state of a list.
func (r *Repository) GetListState(ctx context.Context, listID string) (tasklist.State, bool, error) {
	if err := r.Initialize(ctx); err != nil {
		return tasklist.State{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.lists[listID]
	if !ok {
		return tasklist.State{}, false, nil
	}
	return tl.ExportState(), true, nil
}

// GetListSnapshot returns a list's live tasks, sorted by position.
func (r *Repository) GetListSnapshot(ctx context.Context, listID string) ([]crdt.Entry[tasklist.TaskData], bool, error) {
	if err := r.Initialize(ctx); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.lists[listID]
	if !ok {
		return nil, false, nil
	}
	return tl.GetSnapshot(false), true, nil
}

// GetTaskSnapshot returns a single live task.
func (r *Repository) GetTaskSnapshot(ctx context.Context, listID, itemID string) (crdt.Entry[tasklist.TaskData], bool, error) {
	if err := r.Initialize(ctx); err != nil {
		return crdt.Entry[tasklist.TaskData]{}, false, err
	}
	r.mu.Lock()
	tl, ok := r.lists[listID]
	r.mu.Unlock()
	if !ok {
		return crdt.Entry[tasklist.TaskData]{}, false, nil
	}
	entry, ok := tl.GetTask(itemID)
	return entry, ok, nil
}

// ExportSnapshotData renders the full document as a schema-tagged envelope
// for manual export or dataset reset.
func (r *Repository) ExportSnapshotData(ctx context.Context, exportedAt, appVersion string) (snapshot.Envelope, error) {
	if err := r.Initialize(ctx); err != nil {
		return snapshot.Envelope{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot.Export(r.reg, r.lists, exportedAt, appVersion), nil
}

// ReplaceWithSnapshot discards the current registry and every list,
// rebuilding them from a parsed envelope. Used by dataset-reset adoption
// (publishSnapshot=false, called from the sync engine before any local
// listener should see intermediate state) and by a user-initiated import
// (publishSnapshot=true, notifies subscribers once the swap is complete).
func (r *Repository) ReplaceWithSnapshot(ctx context.Context, env snapshot.Envelope, publishSnapshot bool) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	reg, lists := snapshot.BuildCRDTs(env)

	r.mu.Lock()
	r.reg = reg
	r.lists = lists
	r.mu.Unlock()

	if err := r.store.PersistRegistry(ctx, nil, reg.ExportState()); err != nil {
		return fmt.Errorf("repository: persist replaced registry failed: %w", err)
	}
	for listID, tl := range lists {
		if err := r.store.PersistOperations(ctx, listID, nil, tl.ExportState()); err != nil {
			return fmt.Errorf("repository: persist replaced list %s failed: %w", listID, err)
		}
	}
	if err := r.store.PersistOutbox(ctx, nil); err != nil {
		return fmt.Errorf("repository: clear outbox after replace failed: %w", err)
	}

	if publishSnapshot {
		r.emitRegistry()
		for listID := range lists {
			r.emitList(listID)
		}
	}
	return nil
}

// ApplySnapshotBlob parses text as a schema-tagged envelope and replaces the
// current document with it, publishing the result to subscribers.
func (r *Repository) ApplySnapshotBlob(ctx context.Context, text string) error {
	env, err := snapshot.Parse(text)
	if err != nil {
		return fmt.Errorf("repository: apply snapshot failed: %w", err)
	}
	return r.ReplaceWithSnapshot(ctx, env, true)
}
