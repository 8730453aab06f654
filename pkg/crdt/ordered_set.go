// Package crdt implements a generic ordered-set CRDT: a position-sorted
// collection of records that converges under concurrent insert, update,
// move and remove operations regardless of delivery order, and is
// idempotent under duplicate delivery.
package crdt

import (
	"errors"
	"sort"
	"sync"

	"github.com/aggregat4/prototype-lists-sub000/pkg/lamport"
	"github.com/aggregat4/prototype-lists-sub000/pkg/position"
)

// ErrMissingItem is returned by Generate{Update,Move,Remove} when the id is
// unknown or already tombstoned.
var ErrMissingItem = errors.New("crdt: item missing or deleted")

// Patcher merges a partial patch onto a base value of D, shallow and
// last-writer-wins per field, reporting whether anything actually changed.
// A domain type's "full create" payload is just a Patcher with every field
// set, which unifies insert and update dispatch in OrderedSet.
type Patcher[D any] interface {
	Apply(base D) (D, bool)
}

// Kind discriminates the four operation shapes an OrderedSet accepts.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindMove   Kind = "move"
	KindRemove Kind = "remove"
)

// Op is one operation against an OrderedSet. Pos is meaningful for
// Insert/Move, Patch for Insert/Update.
type Op[D any, P Patcher[D]] struct {
	Kind  Kind
	ID    string
	Actor string
	Clock uint64
	Pos   position.Position
	Patch P
}

// Entry is one record in the set.
type Entry[D any] struct {
	ID        string
	Pos       position.Position
	Data      D
	CreatedAt uint64
	UpdatedAt uint64
	DeletedAt *uint64
}

func (e Entry[D]) clone() Entry[D] {
	c := e
	c.Pos = position.Clone(e.Pos)
	if e.DeletedAt != nil {
		v := *e.DeletedAt
		c.DeletedAt = &v
	}
	return c
}

type seenKey struct {
	actor string
	clock uint64
}

// OrderedSet is the generic CRDT. The zero value is not usable; construct
// with New.
type OrderedSet[D any, P Patcher[D]] struct {
	mu      sync.Mutex
	actor   string
	clock   *lamport.Clock
	entries map[string]*Entry[D]
	seen    map[seenKey]struct{}

	cacheValid bool
	cacheLive  []Entry[D]
	cacheAll   []Entry[D]
}

// New constructs an empty OrderedSet for the given local actor id, backed
// by clock for Lamport timestamping of locally generated operations.
func New[D any, P Patcher[D]](actor string, clock *lamport.Clock) *OrderedSet[D, P] {
	return &OrderedSet[D, P]{
		actor:   actor,
		clock:   clock,
		entries: make(map[string]*Entry[D]),
		seen:    make(map[seenKey]struct{}),
	}
}

// Clock exposes the replica's Lamport clock.
func (s *OrderedSet[D, P]) Clock() *lamport.Clock { return s.clock }

// InsertOptions controls where GenerateInsert/GenerateMove place the new
// position: an explicit Position wins; otherwise a position between the
// AfterID/BeforeID neighbours (missing = unbounded) is computed.
type InsertOptions struct {
	AfterID  string
	BeforeID string
	Position position.Position
}

func (s *OrderedSet[D, P]) resolvePosition(opts InsertOptions) (position.Position, error) {
	if opts.Position != nil {
		return position.Clone(opts.Position), nil
	}
	var left, right position.Position
	if opts.AfterID != "" {
		if e, ok := s.entries[opts.AfterID]; ok {
			left = e.Pos
		}
	}
	if opts.BeforeID != "" {
		if e, ok := s.entries[opts.BeforeID]; ok {
			right = e.Pos
		}
	}
	return position.Between(left, right, position.Options{Actor: s.actor})
}

// GenerateInsert creates (or revives) id with data, producing a locally
// timestamped Insert op, applying it immediately, and returning it plus the
// resulting live snapshot.
func (s *OrderedSet[D, P]) GenerateInsert(id string, patch P, opts InsertOptions) (Op[D, P], []Entry[D], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, err := s.resolvePosition(opts)
	if err != nil {
		return Op[D, P]{}, nil, err
	}

	op := Op[D, P]{
		Kind:  KindInsert,
		ID:    id,
		Actor: s.actor,
		Clock: s.clock.Tick(0),
		Pos:   pos,
		Patch: patch,
	}
	s.applyLocked(op)
	return op, s.snapshotLocked(false), nil
}

// GenerateUpdate patches an existing live record. Returns ErrMissingItem if
// id is unknown or tombstoned.
func (s *OrderedSet[D, P]) GenerateUpdate(id string, patch P) (Op[D, P], []Entry[D], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return Op[D, P]{}, nil, ErrMissingItem
	}

	op := Op[D, P]{
		Kind:  KindUpdate,
		ID:    id,
		Actor: s.actor,
		Clock: s.clock.Tick(0),
		Patch: patch,
	}
	s.applyLocked(op)
	return op, s.snapshotLocked(false), nil
}

// GenerateMove repositions an existing live record.
func (s *OrderedSet[D, P]) GenerateMove(id string, opts InsertOptions) (Op[D, P], []Entry[D], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return Op[D, P]{}, nil, ErrMissingItem
	}

	pos, err := s.resolvePosition(opts)
	if err != nil {
		return Op[D, P]{}, nil, err
	}

	op := Op[D, P]{
		Kind:  KindMove,
		ID:    id,
		Actor: s.actor,
		Clock: s.clock.Tick(0),
		Pos:   pos,
	}
	s.applyLocked(op)
	return op, s.snapshotLocked(false), nil
}

// GenerateRemove tombstones an existing live record.
func (s *OrderedSet[D, P]) GenerateRemove(id string) (Op[D, P], []Entry[D], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return Op[D, P]{}, nil, ErrMissingItem
	}

	op := Op[D, P]{
		Kind:  KindRemove,
		ID:    id,
		Actor: s.actor,
		Clock: s.clock.Tick(0),
	}
	s.applyLocked(op)
	return op, s.snapshotLocked(false), nil
}

// ApplyOperation idempotently applies a (possibly foreign) op, returning
// whether it changed visible state.
func (s *OrderedSet[D, P]) ApplyOperation(op Op[D, P]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(op)
}

func (s *OrderedSet[D, P]) applyLocked(op Op[D, P]) bool {
	key := seenKey{actor: op.Actor, clock: op.Clock}
	if _, dup := s.seen[key]; dup {
		return false
	}
	s.seen[key] = struct{}{}
	s.clock.Merge(op.Clock)

	changed := false
	switch op.Kind {
	case KindInsert:
		changed = s.applyInsert(op)
	case KindUpdate:
		changed = s.applyUpdate(op)
	case KindMove:
		changed = s.applyMove(op)
	case KindRemove:
		changed = s.applyRemove(op)
	}
	if changed {
		s.cacheValid = false
	}
	return changed
}

func (s *OrderedSet[D, P]) applyInsert(op Op[D, P]) bool {
	e, ok := s.entries[op.ID]
	if !ok {
		var zero D
		data, _ := op.Patch.Apply(zero)
		s.entries[op.ID] = &Entry[D]{
			ID:        op.ID,
			Pos:       op.Pos,
			Data:      data,
			CreatedAt: op.Clock,
			UpdatedAt: op.Clock,
		}
		return true
	}

	changed := false
	if !position.Equal(e.Pos, op.Pos) {
		e.Pos = op.Pos
		changed = true
	}
	if e.DeletedAt != nil && op.Clock > *e.DeletedAt {
		e.DeletedAt = nil
		changed = true
	}
	if op.Clock > e.UpdatedAt {
		if data, fieldsChanged := op.Patch.Apply(e.Data); fieldsChanged {
			e.Data = data
			changed = true
		}
		e.UpdatedAt = op.Clock
	}
	return changed
}

func (s *OrderedSet[D, P]) applyUpdate(op Op[D, P]) bool {
	e, ok := s.entries[op.ID]
	if !ok || e.DeletedAt != nil {
		return false
	}
	if op.Clock <= e.UpdatedAt {
		return false
	}
	data, changed := op.Patch.Apply(e.Data)
	e.UpdatedAt = op.Clock
	if !changed {
		return false
	}
	e.Data = data
	return true
}

func (s *OrderedSet[D, P]) applyMove(op Op[D, P]) bool {
	e, ok := s.entries[op.ID]
	if !ok || e.DeletedAt != nil {
		return false
	}
	if op.Clock <= e.UpdatedAt {
		return false
	}
	e.Pos = op.Pos
	e.UpdatedAt = op.Clock
	return true
}

func (s *OrderedSet[D, P]) applyRemove(op Op[D, P]) bool {
	e, ok := s.entries[op.ID]
	if !ok {
		// Tolerate a remove arriving before its insert: park a tombstone so
		// a later, causally-earlier insert cannot resurrect it.
		zero := op.Clock
		s.entries[op.ID] = &Entry[D]{
			ID:        op.ID,
			CreatedAt: op.Clock,
			UpdatedAt: op.Clock,
			DeletedAt: &zero,
		}
		return true
	}
	changed := false
	if e.DeletedAt == nil || op.Clock > *e.DeletedAt {
		c := op.Clock
		e.DeletedAt = &c
		changed = true
	}
	if op.Clock > e.UpdatedAt {
		e.UpdatedAt = op.Clock
		changed = true
	}
	return changed
}

// GetSnapshot returns a deep, position-sorted copy of the set. With
// includeDeleted=false, tombstones are omitted. The result is memoized and
// invalidated on every state-changing apply.
func (s *OrderedSet[D, P]) GetSnapshot(includeDeleted bool) []Entry[D] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(includeDeleted)
}

func (s *OrderedSet[D, P]) snapshotLocked(includeDeleted bool) []Entry[D] {
	if !s.cacheValid {
		all := make([]Entry[D], 0, len(s.entries))
		live := make([]Entry[D], 0, len(s.entries))
		for _, e := range s.entries {
			all = append(all, e.clone())
		}
		sort.Slice(all, func(i, j int) bool {
			return position.Compare(all[i].Pos, all[j].Pos) < 0
		})
		for _, e := range all {
			if e.DeletedAt == nil {
				live = append(live, e)
			}
		}
		s.cacheAll = all
		s.cacheLive = live
		s.cacheValid = true
	}
	if includeDeleted {
		out := make([]Entry[D], len(s.cacheAll))
		copy(out, s.cacheAll)
		return out
	}
	out := make([]Entry[D], len(s.cacheLive))
	copy(out, s.cacheLive)
	return out
}

// Get returns a copy of the live entry for id, if any.
func (s *OrderedSet[D, P]) Get(id string) (Entry[D], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.DeletedAt != nil {
		return Entry[D]{}, false
	}
	return e.clone(), true
}

// ExportState returns the full clock value and every entry (including
// tombstones), sufficient to reconstruct the set via ImportRecords.
func (s *OrderedSet[D, P]) ExportState() (uint64, []Entry[D]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Value(), s.snapshotLocked(true)
}

// ImportRecords clears current state and replaces it with entries,
// sanitising positions and folding each entry's timestamps into the clock.
func (s *OrderedSet[D, P]) ImportRecords(entries []Entry[D]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry[D], len(entries))
	s.seen = make(map[seenKey]struct{})
	for _, e := range entries {
		c := e.clone()
		c.Pos = position.Normalize(c.Pos)
		s.entries[c.ID] = &c
		if c.UpdatedAt > 0 {
			s.clock.Merge(c.UpdatedAt)
		}
		if c.DeletedAt != nil {
			s.clock.Merge(*c.DeletedAt)
		}
	}
	s.cacheValid = false
}
