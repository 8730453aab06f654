package repository

import (
	"context"
	"fmt"

	"github.com/aggregat4/prototype-lists-sub000/pkg/crdt"
	"github.com/aggregat4/prototype-lists-sub000/pkg/position"
	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// NewTaskItem seeds one task when creating a list with initial content.
type NewTaskItem struct {
	ItemID string
	Text   string
	Done   bool
	Note   string
}

// CreateListOptions configures CreateList.
type CreateListOptions struct {
	ListID   string
	Title    string
	AfterID  string
	BeforeID string
	Items    []NewTaskItem
}

// CreateList registers a new list in the catalogue and seeds its initial
// tasks, persisting the registry and the new list's ops before returning.
func (r *Repository) CreateList(ctx context.Context, opts CreateListOptions) (string, error) {
	if err := r.Initialize(ctx); err != nil {
		return "", err
	}
	listID := newID(opts.ListID)

	r.mu.Lock()
	regOp, _, err := r.reg.GenerateCreate(listID, opts.Title, registry.InsertOptions{AfterID: opts.AfterID, BeforeID: opts.BeforeID})
	if err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("repository: create list failed: %w", err)
	}
	tl := tasklist.New(r.actor)
	renameOp := tl.GenerateRename(opts.Title)
	ops := []tasklist.Op{renameOp}
	afterItem := ""
	for _, item := range opts.Items {
		itemID := newID(item.ItemID)
		op, _, err := tl.GenerateInsert(itemID, item.Text, item.Done, item.Note, tasklist.InsertOptions{AfterID: afterItem})
		if err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("repository: seed task failed: %w", err)
		}
		ops = append(ops, op)
		afterItem = itemID
	}
	r.lists[listID] = tl
	r.mu.Unlock()

	if err := r.persistRegistryAndEmit(ctx, []registry.Op{regOp}, false); err != nil {
		return "", err
	}
	if err := r.persistListAndEmit(ctx, listID, tl, ops, false); err != nil {
		return "", err
	}
	return listID, nil
}

// RemoveList tombstones a list from the catalogue. The list's own CRDT and
// storage record are left in place (a tombstoned registry entry is enough
// to hide it; storage compaction is not cascaded here).
func (r *Repository) RemoveList(ctx context.Context, listID string) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	op, _, err := r.reg.GenerateRemove(listID)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: remove list failed: %w", err)
	}
	return r.persistRegistryAndEmit(ctx, []registry.Op{op}, false)
}

// RenameList retitles a list in the catalogue. Note this renames the
// registry entry only; CreateList also seeds the list's own
// title register via renameList so the two stay consistent on creation, but
// they are independent last-writer-wins registers afterward.
func (r *Repository) RenameList(ctx context.Context, listID, title string) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	op, _, err := r.reg.GenerateRename(listID, title)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: rename list failed: %w", err)
	}
	return r.persistRegistryAndEmit(ctx, []registry.Op{op}, false)
}

// PlacementOptions positions an insert or move relative to a neighbour, or
// at an explicit position. Position wins over AfterID/BeforeID when set.
type PlacementOptions struct {
	AfterID  string
	BeforeID string
	Position position.Position
}

func (p PlacementOptions) toInsertOptions() crdt.InsertOptions {
	return crdt.InsertOptions{AfterID: p.AfterID, BeforeID: p.BeforeID, Position: p.Position}
}

// ReorderList repositions a catalogue entry. An AfterID/BeforeID that no
// longer names a live entry is ignored rather than failing the call; with
// no neighbour left, the entry goes to the end of the catalogue (see
// DESIGN.md).
func (r *Repository) ReorderList(ctx context.Context, listID string, placement PlacementOptions) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	opts := r.clampRegistryPlacement(placement)
	op, _, err := r.reg.GenerateReorder(listID, opts)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: reorder list failed: %w", err)
	}
	return r.persistRegistryAndEmit(ctx, []registry.Op{op}, false)
}

// clampRegistryPlacement drops an AfterID/BeforeID that does not name a live
// catalogue entry; when neither neighbour remains, the entry is placed after
// the catalogue's current last live entry. Must be called with r.mu held.
func (r *Repository) clampRegistryPlacement(placement PlacementOptions) crdt.InsertOptions {
	opts := placement.toInsertOptions()
	if opts.Position != nil {
		return opts
	}
	live := r.reg.GetSnapshot(false)
	if opts.AfterID != "" {
		if _, ok := r.reg.Get(opts.AfterID); !ok {
			opts.AfterID = ""
		}
	}
	if opts.BeforeID != "" {
		if _, ok := r.reg.Get(opts.BeforeID); !ok {
			opts.BeforeID = ""
		}
	}
	if opts.AfterID == "" && opts.BeforeID == "" && len(live) > 0 {
		opts.AfterID = live[len(live)-1].ID
	}
	return opts
}

// clampListPlacement is ReorderList's counterpart for task placement within
// a single list.
func clampListPlacement(tl *tasklist.TaskListCRDT, placement PlacementOptions) crdt.InsertOptions {
	opts := placement.toInsertOptions()
	if opts.Position != nil {
		return opts
	}
	live := tl.GetSnapshot(false)
	if opts.AfterID != "" {
		if _, ok := tl.GetTask(opts.AfterID); !ok {
			opts.AfterID = ""
		}
	}
	if opts.BeforeID != "" {
		if _, ok := tl.GetTask(opts.BeforeID); !ok {
			opts.BeforeID = ""
		}
	}
	if opts.AfterID == "" && opts.BeforeID == "" && len(live) > 0 {
		opts.AfterID = live[len(live)-1].ID
	}
	return opts
}

// InsertTaskOptions configures InsertTask.
type InsertTaskOptions struct {
	ItemID   string
	Text     string
	Done     bool
	Note     string
	AfterID  string
	BeforeID string
	Position position.Position
}

// InsertTask creates a task in listID. While the insert is in flight a
// pending future is published under "listId:itemId" so a racing UpdateTask
// call for the same id awaits it instead of reporting the task missing.
func (r *Repository) InsertTask(ctx context.Context, listID string, opts InsertTaskOptions) (string, error) {
	if err := r.Initialize(ctx); err != nil {
		return "", err
	}
	itemID := newID(opts.ItemID)
	key := listID + ":" + itemID
	finish := r.pendingIns.Begin(key)
	defer finish()

	r.mu.Lock()
	tl := r.listOrNew(listID)
	placement := (PlacementOptions{AfterID: opts.AfterID, BeforeID: opts.BeforeID, Position: opts.Position}).toInsertOptions()
	op, _, err := tl.GenerateInsert(itemID, opts.Text, opts.Done, opts.Note, placement)
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("repository: insert task failed: %w", err)
	}
	if err := r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{op}, false); err != nil {
		return "", err
	}
	return itemID, nil
}

// RemoveTask tombstones a task.
func (r *Repository) RemoveTask(ctx context.Context, listID, itemID string) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.pendingIns.Await(listID + ":" + itemID)
	r.mu.Lock()
	tl, ok := r.lists[listID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: remove task failed: %w", crdt.ErrMissingItem)
	}
	op, _, err := tl.GenerateRemove(itemID)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: remove task failed: %w", err)
	}
	return r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{op}, false)
}

// ToggleTask flips a task's done flag, or sets it to *explicit when given.
func (r *Repository) ToggleTask(ctx context.Context, listID, itemID string, explicit *bool) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.pendingIns.Await(listID + ":" + itemID)
	r.mu.Lock()
	tl, ok := r.lists[listID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: toggle task failed: %w", crdt.ErrMissingItem)
	}
	op, _, err := tl.GenerateToggle(itemID, explicit)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: toggle task failed: %w", err)
	}
	return r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{op}, false)
}

// TaskPatch is a partial task update; nil fields are left untouched.
type TaskPatch struct {
	Text *string
	Done *bool
	Note *string
}

// UpdateTask patches the given fields of an existing task. Calls touching
// Text for the same (listId, itemId) are FIFO-serialised through the
// per-item text queue so rapid keystrokes apply in issue order.
func (r *Repository) UpdateTask(ctx context.Context, listID, itemID string, patch TaskPatch) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	key := listID + ":" + itemID
	r.pendingIns.Await(key)

	if patch.Text == nil {
		return r.updateTaskLocked(ctx, listID, itemID, patch)
	}
	var outErr error
	r.textQ.Run(key, func() {
		outErr = r.updateTaskLocked(ctx, listID, itemID, patch)
	})
	return outErr
}

func (r *Repository) updateTaskLocked(ctx context.Context, listID, itemID string, patch TaskPatch) error {
	r.mu.Lock()
	tl, ok := r.lists[listID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: update task failed: %w", crdt.ErrMissingItem)
	}
	op, _, err := tl.GenerateUpdate(itemID, patch.Text, patch.Note, patch.Done)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: update task failed: %w", err)
	}
	return r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{op}, false)
}

// MoveTaskWithinList repositions a task inside its own list.
func (r *Repository) MoveTaskWithinList(ctx context.Context, listID, itemID string, placement PlacementOptions) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	tl, ok := r.lists[listID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: move task failed: %w", crdt.ErrMissingItem)
	}
	opts := clampListPlacement(tl, placement)
	op, _, err := tl.GenerateMove(itemID, opts)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: move task failed: %w", err)
	}
	return r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{op}, false)
}

// MoveTask moves a task from sourceListID to targetListID, generating a
// remove on the source and an insert on the target, persisting both before
// any listener is notified.
func (r *Repository) MoveTask(ctx context.Context, sourceListID, targetListID, itemID string, placement PlacementOptions) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	src, ok := r.lists[sourceListID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: move task failed: %w", crdt.ErrMissingItem)
	}
	task, ok := src.GetTask(itemID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: move task failed: %w", crdt.ErrMissingItem)
	}
	removeOp, _, err := src.GenerateRemove(itemID)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("repository: move task failed: %w", err)
	}
	dst := r.listOrNew(targetListID)
	opts := clampListPlacement(dst, placement)
	insertOp, _, err := dst.GenerateInsert(itemID, task.Data.Text, task.Data.Done, task.Data.Note, opts)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: move task failed: %w", err)
	}

	if err := r.persistList(ctx, sourceListID, src, []tasklist.Op{removeOp}); err != nil {
		return err
	}
	if err := r.persistList(ctx, targetListID, dst, []tasklist.Op{insertOp}); err != nil {
		return err
	}
	r.finishList(ctx, sourceListID, []tasklist.Op{removeOp}, false)
	r.finishList(ctx, targetListID, []tasklist.Op{insertOp}, false)
	return nil
}

// SplitTaskOptions configures SplitTask.
type SplitTaskOptions struct {
	BeforeText string
	AfterText  string
	NewItemID  string
}

// SplitTask turns one task into two: itemID keeps BeforeText, and a new task
// carrying AfterText is inserted immediately after it. Emitted as a single
// composite (update, insert) persisted together.
func (r *Repository) SplitTask(ctx context.Context, listID, itemID string, opts SplitTaskOptions) (string, error) {
	if err := r.Initialize(ctx); err != nil {
		return "", err
	}
	r.mu.Lock()
	tl, ok := r.lists[listID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("repository: split task failed: %w", crdt.ErrMissingItem)
	}
	updateOp, _, err := tl.GenerateUpdate(itemID, &opts.BeforeText, nil, nil)
	if err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("repository: split task failed: %w", err)
	}
	newItemID := newID(opts.NewItemID)
	insertOp, _, err := tl.GenerateInsert(newItemID, opts.AfterText, false, "", tasklist.InsertOptions{AfterID: itemID})
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("repository: split task failed: %w", err)
	}
	if err := r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{updateOp, insertOp}, false); err != nil {
		return "", err
	}
	return newItemID, nil
}

// MergeTask folds currentID's content into prevID and removes currentID.
// Emitted as a single composite (update, remove) persisted together.
func (r *Repository) MergeTask(ctx context.Context, listID, prevID, currentID, mergedText string) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	tl, ok := r.lists[listID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("repository: merge task failed: %w", crdt.ErrMissingItem)
	}
	updateOp, _, err := tl.GenerateUpdate(prevID, &mergedText, nil, nil)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("repository: merge task failed: %w", err)
	}
	removeOp, _, err := tl.GenerateRemove(currentID)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("repository: merge task failed: %w", err)
	}
	return r.persistListAndEmit(ctx, listID, tl, []tasklist.Op{updateOp, removeOp}, false)
}
