package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// ApplyRemoteOps idempotently applies a batch of envelopes received from the
// sync engine. Ops are grouped by (scope, resourceId); history suppression
// is held for the whole batch so the (external) undo manager never records
// these as undoable local edits. Persistence after application does not
// re-enqueue the ops for sync, since they originated there.
func (r *Repository) ApplyRemoteOps(ctx context.Context, ops []syncproto.SyncOp) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}

	type group struct {
		scope      syncproto.Scope
		resourceID string
	}
	grouped := make(map[group][]syncproto.SyncOp)
	var order []group
	for _, op := range ops {
		g := group{scope: op.Scope, resourceID: op.ResourceID}
		if _, ok := grouped[g]; !ok {
			order = append(order, g)
		}
		grouped[g] = append(grouped[g], op)
	}

	var firstErr error
	r.withSuppressedHistory(func() {
		for _, g := range order {
			switch g.scope {
			case syncproto.ScopeRegistry:
				if err := r.applyRemoteRegistryOps(ctx, grouped[g]); err != nil && firstErr == nil {
					firstErr = err
				}
			case syncproto.ScopeList:
				if err := r.applyRemoteListOps(ctx, g.resourceID, grouped[g]); err != nil && firstErr == nil {
					firstErr = err
				}
			default:
				log.Printf("repository: dropping remote op with unknown scope %q", g.scope)
			}
		}
	})
	return firstErr
}

func (r *Repository) applyRemoteRegistryOps(ctx context.Context, envs []syncproto.SyncOp) error {
	r.mu.Lock()
	reg := r.reg
	var applied []registry.Op
	for _, env := range envs {
		var op registry.Op
		if err := json.Unmarshal(env.Payload, &op); err != nil {
			log.Printf("repository: dropping malformed registry op: %v", err)
			continue
		}
		if reg.ApplyOperation(op) {
			applied = append(applied, op)
		}
	}
	r.mu.Unlock()
	if len(applied) == 0 {
		return nil
	}
	if err := r.persistRegistryAndEmit(ctx, applied, true); err != nil {
		return fmt.Errorf("repository: persist remote registry ops failed: %w", err)
	}
	return nil
}

func (r *Repository) applyRemoteListOps(ctx context.Context, listID string, envs []syncproto.SyncOp) error {
	r.mu.Lock()
	tl := r.listOrNew(listID)
	var applied []tasklist.Op
	for _, env := range envs {
		var op tasklist.Op
		if err := json.Unmarshal(env.Payload, &op); err != nil {
			log.Printf("repository: dropping malformed list op: %v", err)
			continue
		}
		if tl.ApplyOperation(op) {
			applied = append(applied, op)
		}
	}
	r.mu.Unlock()
	if len(applied) == 0 {
		return nil
	}
	if err := r.persistListAndEmit(ctx, listID, tl, applied, true); err != nil {
		return fmt.Errorf("repository: persist remote list %s ops failed: %w", listID, err)
	}
	return nil
}
