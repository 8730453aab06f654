// Package syncproto defines the wire types shared between the sync engine
// and the log-and-snapshot server: sync envelopes, the sync cursor, and the
// bootstrap/push/pull/reset request and response shapes.
package syncproto

import "encoding/json"

// Scope identifies which CRDT a SyncOp targets.
type Scope string

const (
	ScopeRegistry Scope = "registry"
	ScopeList     Scope = "list"
)

// RegistryResourceID is the fixed resourceId used for registry-scoped ops.
const RegistryResourceID = "registry"

// SyncOp is one envelope exchanged with the server. Payload is opaque to
// the server — it must be a JSON object, decoded client-side by the scope's
// CRDT (tasklist.Op or registry.Op).
type SyncOp struct {
	Scope      Scope           `json:"scope"`
	ResourceID string          `json:"resourceId"`
	Actor      string          `json:"actor"`
	Clock      uint64          `json:"clock"`
	Payload    json.RawMessage `json:"payload"`
	ServerSeq  *uint64         `json:"serverSeq,omitempty"`
}

// DedupeKey is the server-side dedupe identity: (actor, clock, scope, resourceId).
type DedupeKey struct {
	Actor      string
	Clock      uint64
	Scope      Scope
	ResourceID string
}

// Key returns op's dedupe identity.
func (op SyncOp) Key() DedupeKey {
	return DedupeKey{Actor: op.Actor, Clock: op.Clock, Scope: op.Scope, ResourceID: op.ResourceID}
}

// Cursor is the persisted sync position for one client replica.
type Cursor struct {
	ClientID             string `json:"clientId"`
	LastServerSeq        uint64 `json:"lastServerSeq"`
	DatasetGenerationKey string `json:"datasetGenerationKey"`
}

// BootstrapResponse is returned by GET /sync/bootstrap.
type BootstrapResponse struct {
	DatasetGenerationKey string   `json:"datasetGenerationKey"`
	Snapshot             *string  `json:"snapshot,omitempty"`
	ServerSeq            uint64   `json:"serverSeq"`
	Ops                  []SyncOp `json:"ops"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	ClientID             string   `json:"clientId"`
	DatasetGenerationKey string   `json:"datasetGenerationKey"`
	Ops                  []SyncOp `json:"ops"`
}

// PushResponse is the 200 body of POST /sync/push.
type PushResponse struct {
	ServerSeq            uint64  `json:"serverSeq"`
	DatasetGenerationKey *string `json:"datasetGenerationKey,omitempty"`
}

// ConflictResponse is the 409 body returned by push/pull on a dataset
// generation mismatch.
type ConflictResponse struct {
	DatasetGenerationKey string `json:"datasetGenerationKey"`
	Snapshot             string `json:"snapshot"`
}

// PullResponse is the 200 body of GET /sync/pull.
type PullResponse struct {
	ServerSeq            uint64   `json:"serverSeq"`
	DatasetGenerationKey string   `json:"datasetGenerationKey"`
	Ops                  []SyncOp `json:"ops"`
	Snapshot             *string  `json:"snapshot,omitempty"`
}

// ResetRequest is the body of POST /sync/reset.
type ResetRequest struct {
	ClientID             string `json:"clientId"`
	DatasetGenerationKey string `json:"datasetGenerationKey"`
	Snapshot             string `json:"snapshot"`
}

// ResetResponse is the 200 body of POST /sync/reset.
type ResetResponse struct {
	ServerSeq            uint64 `json:"serverSeq"`
	DatasetGenerationKey string `json:"datasetGenerationKey"`
}
