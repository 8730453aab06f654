package actorid

import (
	"errors"
	"strings"
	"testing"
)

type memKV struct {
	data    map[string]string
	setErr  error
	getErr  error
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(key string) (string, bool, error) {
	if m.getErr != nil {
		return "", false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func TestEnsureGeneratesAndPersistsOnFirstUse(t *testing.T) {
	kv := newMemKV()
	id, err := Ensure(kv, DefaultKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "actor-") {
		t.Fatalf("expected actor-<uuid> form, got %q", id)
	}
	stored, ok, _ := kv.Get(DefaultKey)
	if !ok || stored != id {
		t.Fatalf("expected id to be persisted, got %q ok=%v", stored, ok)
	}
}

func TestEnsureReusesPersistedID(t *testing.T) {
	kv := newMemKV()
	first, _ := Ensure(kv, DefaultKey)
	second, _ := Ensure(kv, DefaultKey)
	if first != second {
		t.Fatalf("expected stable id across calls, got %q then %q", first, second)
	}
}

func TestEnsureToleratesPersistFailure(t *testing.T) {
	kv := newMemKV()
	kv.setErr = errors.New("disk full")
	id, err := Ensure(kv, DefaultKey)
	if err != nil {
		t.Fatalf("persist failure must not be fatal, got %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated id despite persist failure")
	}
}
