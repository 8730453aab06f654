// Package snapshot implements the schema-tagged JSON export/import form
// used by dataset reset and manual import/export, shared by the sync
// engine's snapshot handler and the repository's applier.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aggregat4/prototype-lists-sub000/pkg/registry"
	"github.com/aggregat4/prototype-lists-sub000/pkg/tasklist"
)

// Schema is the schema id every envelope must carry.
const Schema = "net.aggregat4.tasklist.snapshot@v1"

// ErrSchemaMismatch is returned by Parse when the envelope's schema field
// is missing or unrecognised.
var ErrSchemaMismatch = errors.New("snapshot: unrecognised schema")

// Item is one task within a list in the envelope.
type Item struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
	Note string `json:"note,omitempty"`
}

// List is one task list within the envelope.
type List struct {
	ListID string `json:"listId"`
	Title  string `json:"title"`
	Items  []Item `json:"items"`
}

// Data is the envelope's payload.
type Data struct {
	Lists []List `json:"lists"`
}

// Envelope is the full schema-tagged export document.
type Envelope struct {
	Schema     string `json:"schema"`
	ExportedAt string `json:"exportedAt"`
	AppVersion string `json:"appVersion,omitempty"`
	Data       Data   `json:"data"`
}

// Parse decodes and validates an envelope's schema tag.
func Parse(text string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Envelope{}, fmt.Errorf("snapshot: invalid JSON: %w", err)
	}
	if env.Schema != Schema {
		return Envelope{}, fmt.Errorf("%w: got %q want %q", ErrSchemaMismatch, env.Schema, Schema)
	}
	return env, nil
}

// Marshal renders an envelope to its JSON text form.
func Marshal(env Envelope) (string, error) {
	env.Schema = Schema
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal failed: %w", err)
	}
	return string(b), nil
}

// syntheticActor is used to mint fresh, deterministic positions while
// rebuilding CRDTs from an envelope: re-importing the same document always
// produces the same ordering.
const syntheticActor = "actor-snapshot-import"

// BuildCRDTs rebuilds a registry and one TaskListCRDT per list from an
// envelope, generating fresh positions in document order so re-importing
// the same document is deterministic.
func BuildCRDTs(env Envelope) (*registry.RegistryCRDT, map[string]*tasklist.TaskListCRDT) {
	reg := registry.New(syntheticActor)
	lists := make(map[string]*tasklist.TaskListCRDT, len(env.Data.Lists))

	var afterList string
	for _, l := range env.Data.Lists {
		listID := l.ListID
		if listID == "" {
			listID = uuid.NewString()
		}
		opts := registry.InsertOptions{}
		if afterList != "" {
			opts.AfterID = afterList
		}
		reg.GenerateCreate(listID, l.Title, opts)
		afterList = listID

		tl := tasklist.New(syntheticActor)
		tl.GenerateRename(l.Title)

		var afterItem string
		for _, it := range l.Items {
			itemID := it.ID
			if itemID == "" {
				itemID = uuid.NewString()
			}
			itemOpts := tasklist.InsertOptions{}
			if afterItem != "" {
				itemOpts.AfterID = afterItem
			}
			tl.GenerateInsert(itemID, it.Text, it.Done, it.Note, itemOpts)
			afterItem = itemID
		}
		lists[listID] = tl
	}

	return reg, lists
}

// Export renders a registry and its lists into an envelope, in registry
// order, using each live task's current position order.
func Export(reg *registry.RegistryCRDT, lists map[string]*tasklist.TaskListCRDT, exportedAt, appVersion string) Envelope {
	regEntries := reg.GetSnapshot(false)
	out := Data{Lists: make([]List, 0, len(regEntries))}
	for _, re := range regEntries {
		tl, ok := lists[re.ID]
		if !ok {
			continue
		}
		items := make([]Item, 0)
		for _, te := range tl.GetSnapshot(false) {
			items = append(items, Item{ID: te.ID, Text: te.Data.Text, Done: te.Data.Done, Note: te.Data.Note})
		}
		out.Lists = append(out.Lists, List{ListID: re.ID, Title: re.Data.Title, Items: items})
	}
	return Envelope{Schema: Schema, ExportedAt: exportedAt, AppVersion: appVersion, Data: out}
}
