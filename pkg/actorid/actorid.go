// Package actorid manages the per-device replica identity that tags every
// CRDT operation generated locally.
package actorid

import (
	"fmt"

	"github.com/google/uuid"
)

// KVStore is a minimal synchronous key/value port, injected by the host so
// production can bind it to a platform store (a single row in the durable
// ListStorage backend, a browser's localStorage, ...) and tests can inject a
// stub. Failure to persist is tolerated by Ensure: the generated id is still
// returned.
type KVStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// DefaultKey is the fixed storage key actor ids are persisted under.
const DefaultKey = "actor-identity"

// Ensure reads the actor id persisted under key. If absent (or unreadable),
// it generates a new one of the form "actor-<uuid>" and writes it back;
// a failure to persist is non-fatal and the generated id is returned anyway.
func Ensure(store KVStore, key string) (string, error) {
	if key == "" {
		key = DefaultKey
	}
	if v, ok, err := store.Get(key); err == nil && ok && v != "" {
		return v, nil
	}

	id := fmt.Sprintf("actor-%s", uuid.NewString())
	_ = store.Set(key, id) // best-effort; non-fatal per spec
	return id, nil
}
