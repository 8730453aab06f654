package syncserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aggregat4/prototype-lists-sub000/pkg/syncproto"
)

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body any) (int, []byte) {
	t.Helper()
	var reqBody *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = strings.NewReader(string(b))
	} else {
		reqBody = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec.Code, rec.Body.Bytes()
}

func TestBootstrapReturnsInitialGenerationKey(t *testing.T) {
	s := New("gen-1")
	status, body := doJSON(t, s.HandleBootstrap, http.MethodGet, "/sync/bootstrap", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var resp syncproto.BootstrapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DatasetGenerationKey != "gen-1" || resp.ServerSeq != 0 || len(resp.Ops) != 0 {
		t.Fatalf("unexpected bootstrap response: %+v", resp)
	}
}

func TestPushAssignsServerSeqAndDedupes(t *testing.T) {
	s := New("gen-1")
	op := syncproto.SyncOp{Scope: syncproto.ScopeList, ResourceID: "list-1", Actor: "a", Clock: 1, Payload: json.RawMessage(`{}`)}
	req := syncproto.PushRequest{ClientID: "c1", DatasetGenerationKey: "gen-1", Ops: []syncproto.SyncOp{op}}

	status, body := doJSON(t, s.HandlePush, http.MethodPost, "/sync/push", req)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var resp syncproto.PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ServerSeq != 1 {
		t.Fatalf("expected serverSeq 1, got %d", resp.ServerSeq)
	}

	// Re-pushing the identical op must not advance serverSeq.
	status2, body2 := doJSON(t, s.HandlePush, http.MethodPost, "/sync/push", req)
	if status2 != http.StatusOK {
		t.Fatalf("expected 200, got %d", status2)
	}
	var resp2 syncproto.PushResponse
	if err := json.Unmarshal(body2, &resp2); err != nil {
		t.Fatal(err)
	}
	if resp2.ServerSeq != 1 {
		t.Fatalf("expected dedupe to keep serverSeq at 1, got %d", resp2.ServerSeq)
	}
}

func TestPushWithStaleGenerationKeyReturnsConflict(t *testing.T) {
	s := New("gen-1")
	req := syncproto.PushRequest{ClientID: "c1", DatasetGenerationKey: "gen-stale", Ops: nil}
	status, body := doJSON(t, s.HandlePush, http.MethodPost, "/sync/push", req)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	var conflict syncproto.ConflictResponse
	if err := json.Unmarshal(body, &conflict); err != nil {
		t.Fatal(err)
	}
	if conflict.DatasetGenerationKey != "gen-1" {
		t.Fatalf("expected server to report its own key, got %+v", conflict)
	}
}

func TestPullReturnsOnlyOpsAfterSince(t *testing.T) {
	s := New("gen-1")
	for i := 0; i < 3; i++ {
		op := syncproto.SyncOp{Scope: syncproto.ScopeList, ResourceID: "l", Actor: "a", Clock: uint64(i + 1), Payload: json.RawMessage(`{}`)}
		doJSON(t, s.HandlePush, http.MethodPost, "/sync/push", syncproto.PushRequest{ClientID: "c1", DatasetGenerationKey: "gen-1", Ops: []syncproto.SyncOp{op}})
	}

	status, body := doJSON(t, s.HandlePull, http.MethodGet, "/sync/pull?since=1&clientId=c1&datasetGenerationKey=gen-1", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var resp syncproto.PullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Ops) != 2 {
		t.Fatalf("expected 2 ops after since=1, got %+v", resp.Ops)
	}
}

func TestResetRotatesGenerationKeyAndClearsLog(t *testing.T) {
	s := New("gen-1")
	doJSON(t, s.HandlePush, http.MethodPost, "/sync/push", syncproto.PushRequest{
		ClientID: "c1", DatasetGenerationKey: "gen-1",
		Ops: []syncproto.SyncOp{{Scope: syncproto.ScopeList, ResourceID: "l", Actor: "a", Clock: 1, Payload: json.RawMessage(`{}`)}},
	})

	status, body := doJSON(t, s.HandleReset, http.MethodPost, "/sync/reset", syncproto.ResetRequest{
		ClientID: "c1", DatasetGenerationKey: "gen-2", Snapshot: `{"schema":"v1"}`,
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	var resp syncproto.ResetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DatasetGenerationKey != "gen-2" || resp.ServerSeq != 0 {
		t.Fatalf("unexpected reset response: %+v", resp)
	}

	bStatus, bBody := doJSON(t, s.HandleBootstrap, http.MethodGet, "/sync/bootstrap", nil)
	if bStatus != http.StatusOK {
		t.Fatalf("expected 200, got %d", bStatus)
	}
	var bootstrap syncproto.BootstrapResponse
	if err := json.Unmarshal(bBody, &bootstrap); err != nil {
		t.Fatal(err)
	}
	if len(bootstrap.Ops) != 0 || bootstrap.Snapshot == nil || *bootstrap.Snapshot != `{"schema":"v1"}` {
		t.Fatalf("expected reset to clear the op log and install the snapshot, got %+v", bootstrap)
	}
}

func TestResetRejectsReuseOfCurrentGenerationKey(t *testing.T) {
	s := New("gen-1")
	status, _ := doJSON(t, s.HandleReset, http.MethodPost, "/sync/reset", syncproto.ResetRequest{
		ClientID: "c1", DatasetGenerationKey: "gen-1", Snapshot: `{}`,
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on key reuse, got %d", status)
	}
}
