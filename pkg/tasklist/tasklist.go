// Package tasklist specializes the generic ordered-set CRDT into an ordered
// list of tasks plus a last-writer-wins title register.
package tasklist

import (
	"github.com/aggregat4/prototype-lists-sub000/pkg/crdt"
	"github.com/aggregat4/prototype-lists-sub000/pkg/lamport"
	"github.com/aggregat4/prototype-lists-sub000/pkg/position"
)

// TaskData is the payload carried by each live task entry.
type TaskData struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
	Note string `json:"note"`
}

// TaskPatch is a partial update: nil fields are left untouched. A full
// insert sets every field (Note defaults to "" when the caller omits it,
// matching the source's normalization — see DESIGN.md).
type TaskPatch struct {
	Text *string `json:"text,omitempty"`
	Done *bool   `json:"done,omitempty"`
	Note *string `json:"note,omitempty"`
}

// Apply implements crdt.Patcher[TaskData].
func (p TaskPatch) Apply(base TaskData) (TaskData, bool) {
	changed := false
	if p.Text != nil && *p.Text != base.Text {
		base.Text = *p.Text
		changed = true
	}
	if p.Done != nil && *p.Done != base.Done {
		base.Done = *p.Done
		changed = true
	}
	if p.Note != nil && *p.Note != base.Note {
		base.Note = *p.Note
		changed = true
	}
	return base, changed
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

// FullPatch builds the patch for a brand-new task: every field is set so
// that an insert (or a revive of a tombstoned id) produces a fully-formed
// TaskData rather than merging onto zero values.
func FullPatch(text string, done bool, note string) TaskPatch {
	return TaskPatch{Text: strp(text), Done: boolp(done), Note: strp(note)}
}

// OpType discriminates the wire shape of an Op.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpMove   OpType = "move"
	OpRemove OpType = "remove"
	OpRename OpType = "renameList"
)

// Op is the JSON-serializable, tagged-variant wire representation of one
// locally generated or remotely received operation against a TaskListCRDT.
// It is what gets embedded, opaque to the server, as a SyncOp's payload.
type Op struct {
	Type  OpType             `json:"type"`
	ID    string             `json:"id,omitempty"`
	Actor string             `json:"actor"`
	Clock uint64             `json:"clock"`
	Pos   position.Position  `json:"pos,omitempty"`
	Text  *string            `json:"text,omitempty"`
	Done  *bool              `json:"done,omitempty"`
	Note  *string            `json:"note,omitempty"`
	Title *string            `json:"title,omitempty"`
}

func (op Op) toCRDTOp() crdt.Op[TaskData, TaskPatch] {
	return crdt.Op[TaskData, TaskPatch]{
		Kind:  crdt.Kind(op.Type),
		ID:    op.ID,
		Actor: op.Actor,
		Clock: op.Clock,
		Pos:   op.Pos,
		Patch: TaskPatch{Text: op.Text, Done: op.Done, Note: op.Note},
	}
}

func fromCRDTOp(op crdt.Op[TaskData, TaskPatch]) Op {
	return Op{
		Type:  OpType(op.Kind),
		ID:    op.ID,
		Actor: op.Actor,
		Clock: op.Clock,
		Pos:   op.Pos,
		Text:  op.Patch.Text,
		Done:  op.Patch.Done,
		Note:  op.Patch.Note,
	}
}

// State is the full hydratable state of a TaskListCRDT.
type State struct {
	Clock          uint64                    `json:"clock"`
	Title          string                    `json:"title"`
	TitleUpdatedAt uint64                    `json:"titleUpdatedAt"`
	Entries        []crdt.Entry[TaskData]    `json:"entries"`
}

// TaskListCRDT is an ordered set of tasks plus a title register.
type TaskListCRDT struct {
	actor string
	set   *crdt.OrderedSet[TaskData, TaskPatch]

	title          string
	titleUpdatedAt uint64
}

// New constructs an empty task list for the given local actor.
func New(actor string) *TaskListCRDT {
	return &TaskListCRDT{
		actor: actor,
		set:   crdt.New[TaskData, TaskPatch](actor, lamport.New()),
	}
}

// Clock exposes the replica clock (shared with the underlying ordered set).
func (t *TaskListCRDT) Clock() *lamport.Clock { return t.set.Clock() }

// InsertOptions mirrors crdt.InsertOptions for task placement.
type InsertOptions = crdt.InsertOptions

// GenerateInsert creates a task.
func (t *TaskListCRDT) GenerateInsert(id, text string, done bool, note string, opts InsertOptions) (Op, []crdt.Entry[TaskData], error) {
	op, snap, err := t.set.GenerateInsert(id, FullPatch(text, done, note), opts)
	if err != nil {
		return Op{}, nil, err
	}
	return fromCRDTOp(op), snap, nil
}

// GenerateUpdate patches the given fields of an existing task; nil fields
// are left untouched.
func (t *TaskListCRDT) GenerateUpdate(id string, text, note *string, done *bool) (Op, []crdt.Entry[TaskData], error) {
	op, snap, err := t.set.GenerateUpdate(id, TaskPatch{Text: text, Done: done, Note: note})
	if err != nil {
		return Op{}, nil, err
	}
	return fromCRDTOp(op), snap, nil
}

// GenerateToggle flips done, or sets it to explicit if non-nil.
func (t *TaskListCRDT) GenerateToggle(id string, explicit *bool) (Op, []crdt.Entry[TaskData], error) {
	done := true
	if explicit != nil {
		done = *explicit
	} else if e, ok := t.set.Get(id); ok {
		done = !e.Data.Done
	}
	return t.GenerateUpdate(id, nil, nil, &done)
}

// GenerateMove repositions an existing task.
func (t *TaskListCRDT) GenerateMove(id string, opts InsertOptions) (Op, []crdt.Entry[TaskData], error) {
	op, snap, err := t.set.GenerateMove(id, opts)
	if err != nil {
		return Op{}, nil, err
	}
	return fromCRDTOp(op), snap, nil
}

// GenerateRemove tombstones a task.
func (t *TaskListCRDT) GenerateRemove(id string) (Op, []crdt.Entry[TaskData], error) {
	op, snap, err := t.set.GenerateRemove(id)
	if err != nil {
		return Op{}, nil, err
	}
	return fromCRDTOp(op), snap, nil
}

// GenerateRename emits a renameList op at a freshly ticked clock.
func (t *TaskListCRDT) GenerateRename(title string) Op {
	c := t.set.Clock().Tick(0)
	op := Op{Type: OpRename, Actor: t.actor, Clock: c, Title: &title}
	t.applyRename(op)
	return op
}

// ApplyOperation idempotently applies a (possibly foreign) wire op.
func (t *TaskListCRDT) ApplyOperation(op Op) bool {
	if op.Type == OpRename {
		return t.applyRename(op)
	}
	return t.set.ApplyOperation(op.toCRDTOp())
}

func (t *TaskListCRDT) applyRename(op Op) bool {
	if op.Title == nil {
		return false
	}
	t.set.Clock().Merge(op.Clock)
	if op.Clock > t.titleUpdatedAt {
		changed := *op.Title != t.title
		t.title = *op.Title
		t.titleUpdatedAt = op.Clock
		return changed
	}
	if op.Clock == t.titleUpdatedAt && *op.Title != t.title && *op.Title > t.title {
		// Tie-break on a clock collision: lexicographically larger title wins.
		t.title = *op.Title
		return true
	}
	return false
}

// Title returns the current title and the clock it was last set at.
func (t *TaskListCRDT) Title() (string, uint64) { return t.title, t.titleUpdatedAt }

// GetSnapshot returns the live (or all, including tombstoned) tasks sorted
// by position.
func (t *TaskListCRDT) GetSnapshot(includeDeleted bool) []crdt.Entry[TaskData] {
	return t.set.GetSnapshot(includeDeleted)
}

// GetTask returns a copy of a single live task.
func (t *TaskListCRDT) GetTask(id string) (crdt.Entry[TaskData], bool) {
	return t.set.Get(id)
}

// ExportState serializes the full replica state for durable persistence or
// snapshot transfer.
func (t *TaskListCRDT) ExportState() State {
	clockVal, entries := t.set.ExportState()
	return State{
		Clock:          clockVal,
		Title:          t.title,
		TitleUpdatedAt: t.titleUpdatedAt,
		Entries:        entries,
	}
}

// ImportState clears current state and replaces it with s.
func (t *TaskListCRDT) ImportState(s State) {
	t.set.ImportRecords(s.Entries)
	t.set.Clock().Merge(s.Clock)
	t.title = s.Title
	t.titleUpdatedAt = s.TitleUpdatedAt
}
