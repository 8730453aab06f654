// Package registry specializes the generic ordered-set CRDT into an
// ordered catalogue of lists, driving sidebar/list-picker UIs directly.
package registry

import (
	"github.com/aggregat4/prototype-lists-sub000/pkg/crdt"
	"github.com/aggregat4/prototype-lists-sub000/pkg/lamport"
	"github.com/aggregat4/prototype-lists-sub000/pkg/position"
)

// ListData is the payload of one registry entry: a task list's title.
type ListData struct {
	Title string `json:"title"`
}

// ListPatch is a partial update to ListData.
type ListPatch struct {
	Title *string `json:"title,omitempty"`
}

// Apply implements crdt.Patcher[ListData].
func (p ListPatch) Apply(base ListData) (ListData, bool) {
	if p.Title != nil && *p.Title != base.Title {
		base.Title = *p.Title
		return base, true
	}
	return base, false
}

func strp(s string) *string { return &s }

// FullPatch builds the patch for registering a brand-new list.
func FullPatch(title string) ListPatch { return ListPatch{Title: strp(title)} }

// OpType discriminates the wire shape of an Op.
type OpType string

const (
	OpCreate OpType = "insert"
	OpRename OpType = "update"
	OpMove   OpType = "move"
	OpRemove OpType = "remove"
)

// Op is the JSON-serializable wire representation of a registry operation.
type Op struct {
	Type  OpType            `json:"type"`
	ID    string            `json:"id,omitempty"`
	Actor string            `json:"actor"`
	Clock uint64            `json:"clock"`
	Pos   position.Position `json:"pos,omitempty"`
	Title *string           `json:"title,omitempty"`
}

func (op Op) toCRDTOp() crdt.Op[ListData, ListPatch] {
	return crdt.Op[ListData, ListPatch]{
		Kind:  crdt.Kind(op.Type),
		ID:    op.ID,
		Actor: op.Actor,
		Clock: op.Clock,
		Pos:   op.Pos,
		Patch: ListPatch{Title: op.Title},
	}
}

func fromCRDTOp(op crdt.Op[ListData, ListPatch]) Op {
	return Op{
		Type:  OpType(op.Kind),
		ID:    op.ID,
		Actor: op.Actor,
		Clock: op.Clock,
		Pos:   op.Pos,
		Title: op.Patch.Title,
	}
}

// State is the full hydratable state of a RegistryCRDT.
type State struct {
	Clock   uint64                  `json:"clock"`
	Entries []crdt.Entry[ListData]  `json:"entries"`
}

// ChangeHandler is notified after every applied registry change.
type ChangeHandler func(snapshot []crdt.Entry[ListData])

// RegistryCRDT is the ordered catalogue of lists.
type RegistryCRDT struct {
	actor     string
	set       *crdt.OrderedSet[ListData, ListPatch]
	listeners []ChangeHandler
}

// New constructs an empty registry for the given local actor.
func New(actor string) *RegistryCRDT {
	return &RegistryCRDT{
		actor: actor,
		set:   crdt.New[ListData, ListPatch](actor, lamport.New()),
	}
}

// Clock exposes the replica clock.
func (r *RegistryCRDT) Clock() *lamport.Clock { return r.set.Clock() }

// InsertOptions mirrors crdt.InsertOptions for list placement.
type InsertOptions = crdt.InsertOptions

// Subscribe registers a handler invoked synchronously after every applied
// change (local or remote). A broken handler must not be allowed to stop
// the others; callers typically wrap handler bodies in a recover.
func (r *RegistryCRDT) Subscribe(h ChangeHandler) {
	r.listeners = append(r.listeners, h)
}

func (r *RegistryCRDT) notify() {
	snap := r.GetSnapshot(false)
	for _, h := range r.listeners {
		func() {
			defer func() { recover() }()
			h(snap)
		}()
	}
}

// GenerateCreate registers a new list in the catalogue.
func (r *RegistryCRDT) GenerateCreate(listID, title string, opts InsertOptions) (Op, []crdt.Entry[ListData], error) {
	op, snap, err := r.set.GenerateInsert(listID, FullPatch(title), opts)
	if err != nil {
		return Op{}, nil, err
	}
	out := fromCRDTOp(op)
	r.notify()
	return out, snap, nil
}

// GenerateRename renames an existing catalogue entry.
func (r *RegistryCRDT) GenerateRename(listID, title string) (Op, []crdt.Entry[ListData], error) {
	op, snap, err := r.set.GenerateUpdate(listID, ListPatch{Title: strp(title)})
	if err != nil {
		return Op{}, nil, err
	}
	out := fromCRDTOp(op)
	r.notify()
	return out, snap, nil
}

// GenerateReorder repositions an existing catalogue entry.
func (r *RegistryCRDT) GenerateReorder(listID string, opts InsertOptions) (Op, []crdt.Entry[ListData], error) {
	op, snap, err := r.set.GenerateMove(listID, opts)
	if err != nil {
		return Op{}, nil, err
	}
	out := fromCRDTOp(op)
	r.notify()
	return out, snap, nil
}

// GenerateRemove removes a list from the catalogue.
func (r *RegistryCRDT) GenerateRemove(listID string) (Op, []crdt.Entry[ListData], error) {
	op, snap, err := r.set.GenerateRemove(listID)
	if err != nil {
		return Op{}, nil, err
	}
	out := fromCRDTOp(op)
	r.notify()
	return out, snap, nil
}

// ApplyOperation idempotently applies a (possibly foreign) wire op.
func (r *RegistryCRDT) ApplyOperation(op Op) bool {
	changed := r.set.ApplyOperation(op.toCRDTOp())
	if changed {
		r.notify()
	}
	return changed
}

// GetSnapshot returns the live (or all, including tombstoned) catalogue
// entries sorted by position.
func (r *RegistryCRDT) GetSnapshot(includeDeleted bool) []crdt.Entry[ListData] {
	return r.set.GetSnapshot(includeDeleted)
}

// Get returns a copy of a single live catalogue entry.
func (r *RegistryCRDT) Get(listID string) (crdt.Entry[ListData], bool) {
	return r.set.Get(listID)
}

// ExportState serializes the full replica state.
func (r *RegistryCRDT) ExportState() State {
	clockVal, entries := r.set.ExportState()
	return State{Clock: clockVal, Entries: entries}
}

// ImportState clears current state and replaces it with s.
func (r *RegistryCRDT) ImportState(s State) {
	r.set.ImportRecords(s.Entries)
	r.set.Clock().Merge(s.Clock)
	r.notify()
}
