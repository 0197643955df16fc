// Package callback posts best-effort HTTP notifications the engine
// owes to external collaborators: the agent-spawn-supplied completion
// callback and the upstream task store's comment endpoint. Both are
// fire-and-forget: failures are warn-logged, never propagated, per the
// engine's error-handling policy for outbound HTTP.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgehq/forge/internal/safety"
)

const requestTimeout = 10 * time.Second

// Client posts completion callbacks and result comments.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// New builds a Client. logger may be nil.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// CompletionPayload is POSTed to an agent's spawn-supplied callback URL.
type CompletionPayload struct {
	AgentID     string    `json:"agentId"`
	TaskID      string    `json:"taskId"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	Error       string    `json:"error,omitempty"`
}

// PostCompletion sends the completion notification. Best-effort: a
// failure is logged and swallowed, never returned to the caller, since
// downstream polling is expected to cover any lost delivery.
func (c *Client) PostCompletion(ctx context.Context, url string, payload CompletionPayload) {
	if url == "" {
		return
	}
	payload.Error = safety.Redact(payload.Error)
	c.post(ctx, url, payload, "completion callback")
}

// PostComment posts a freeform comment body (the extracted result
// block, scrubbed of secrets) to the upstream task store's comment
// endpoint for taskID.
func (c *Client) PostComment(ctx context.Context, url, taskID, body string) {
	if url == "" {
		return
	}
	scrubbed := safety.Redact(body)
	c.post(ctx, url, map[string]string{"taskId": taskID, "body": scrubbed}, "task comment")
}

func (c *Client) post(ctx context.Context, url string, payload any, what string) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("marshal outbound payload failed", "what", what, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("build outbound request failed", "what", what, "error", safety.Redact(err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("outbound request failed", "what", what, "error", safety.Redact(err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("outbound request returned non-2xx", "what", what, "status", resp.StatusCode)
	}
}
