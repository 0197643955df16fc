package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPostCompletion_SendsExpectedBody(t *testing.T) {
	var received CompletionPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil)
	code := 0
	c.PostCompletion(context.Background(), srv.URL, CompletionPayload{
		AgentID:     "coding-aaaaaaaa",
		TaskID:      "t1",
		Status:      "completed",
		ExitCode:    &code,
		CompletedAt: time.Now().UTC(),
	})

	if received.AgentID != "coding-aaaaaaaa" || received.TaskID != "t1" || received.Status != "completed" {
		t.Errorf("unexpected received payload: %+v", received)
	}
}

func TestPostCompletion_RedactsErrorText(t *testing.T) {
	var received CompletionPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil)
	c.PostCompletion(context.Background(), srv.URL, CompletionPayload{
		AgentID: "a1",
		TaskID:  "t1",
		Status:  "failed",
		Error:   "clone failed: api_key=0123456789abcdef0123456789",
	})

	if strings.Contains(received.Error, "0123456789abcdef0123456789") {
		t.Errorf("expected secret to be redacted, got %q", received.Error)
	}
}

func TestPostCompletion_EmptyURLIsNoop(t *testing.T) {
	c := New(nil)
	c.PostCompletion(context.Background(), "", CompletionPayload{AgentID: "a1"})
}
