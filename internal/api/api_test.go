package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgehq/forge/internal/alm"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/spool"
	"github.com/forgehq/forge/internal/store"
)

func testServer(t *testing.T, authToken string) (*httptest.Server, *store.Store, *spool.Spool) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sp, err := spool.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}

	driver := sandbox.NewFakeDriver()
	manager := alm.New(st, driver, driver, nil, nil, slog.New(slog.DiscardHandler), alm.Config{
		WorkspacesDir: t.TempDir(),
		FlushInterval: 10 * time.Millisecond,
	})

	srv := New(Config{Store: st, ALM: manager, Spool: sp, AuthToken: authToken}, slog.New(slog.DiscardHandler))
	return httptest.NewServer(srv.Handler()), st, sp
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestAgentSpawn_HappyPath(t *testing.T) {
	ts, st, _ := testServer(t, "")
	defer ts.Close()

	if err := st.CreateTask(context.Background(), &store.Task{ID: "t1", Title: "add ping", Status: store.TaskStatusQueued, Repo: "svc-a"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/agents/spawn", "", map[string]any{
		"taskId": "t1", "repo": "svc-a", "title": "add ping", "kind": "coding",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var agent store.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agent.TaskID != "t1" || agent.Kind != store.AgentKindCoding {
		t.Fatalf("unexpected agent: %+v", agent)
	}
}

func TestAgentSpawn_UnknownTaskReturnsNotFound(t *testing.T) {
	ts, _, _ := testServer(t, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/agents/spawn", "", map[string]any{
		"taskId": "missing", "repo": "svc-a",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != "not-found" {
		t.Fatalf("expected kind=not-found, got %+v", body)
	}
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	ts, _, _ := testServer(t, "secret")
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/agents", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_AcceptsValidToken(t *testing.T) {
	ts, _, _ := testServer(t, "secret")
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/agents", "secret", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEvents_AppendAndList(t *testing.T) {
	ts, _, sp := testServer(t, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/events", "", map[string]any{
		"kind": "task.assigned", "payload": map[string]string{"taskId": "t1"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	pending, err := sp.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}

	markResp := doJSON(t, http.MethodPost, ts.URL+"/events/"+pending[0].ID+"/processed", "", nil)
	defer markResp.Body.Close()
	if markResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", markResp.StatusCode)
	}

	processed, err := sp.ListProcessed()
	if err != nil {
		t.Fatalf("ListProcessed: %v", err)
	}
	if len(processed) != 1 {
		t.Fatalf("expected 1 processed event, got %d", len(processed))
	}
}

func TestQueue_AddAndSettings(t *testing.T) {
	ts, st, _ := testServer(t, "")
	defer ts.Close()

	if err := st.CreateTask(context.Background(), &store.Task{ID: "t2", Title: "t", Status: store.TaskStatusPending}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	addResp := doJSON(t, http.MethodPost, ts.URL+"/queue/add/t2", "", nil)
	defer addResp.Body.Close()
	if addResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", addResp.StatusCode)
	}

	maxConcurrent := 3
	setResp := doJSON(t, http.MethodPost, ts.URL+"/queue/settings", "", queueSettingsRequest{MaxConcurrent: &maxConcurrent})
	defer setResp.Body.Close()
	if setResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", setResp.StatusCode)
	}
	var settings store.QueueSettings
	if err := json.NewDecoder(setResp.Body).Decode(&settings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if settings.MaxConcurrent != 3 {
		t.Fatalf("expected max_concurrent=3, got %d", settings.MaxConcurrent)
	}
}

func TestHealth_ReportsLiveness(t *testing.T) {
	ts, _, _ := testServer(t, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
