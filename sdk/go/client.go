package shiplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Shipline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Scans run synchronously on the
// server, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Minute,
	}
}

// TicketResult is the outcome for one ticket of a scan.
type TicketResult struct {
	Key               string `json:"key"`
	Outcome           string `json:"outcome"`
	RunID             string `json:"run_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	PRURL             string `json:"pr_url,omitempty"`
	FingerprintShort  string `json:"fingerprint_short,omitempty"`
	Error             string `json:"error,omitempty"`
	CompensationError string `json:"compensation_error,omitempty"`
}

// Report summarizes one scan pass.
type Report struct {
	RunTimestamp string         `json:"run_timestamp"`
	Mode         string         `json:"mode"`
	Scanned      int            `json:"scanned"`
	Processed    int            `json:"processed"`
	Skipped      int            `json:"skipped"`
	Failed       int            `json:"failed"`
	Results      []TicketResult `json:"results"`
}

// Run represents the API run model.
type Run struct {
	ID                 string            `json:"id"`
	TicketKey          string            `json:"ticket_key"`
	CursorState        string            `json:"cursor_state"`
	CursorStep         string            `json:"cursor_step"`
	CursorAttempt      int               `json:"cursor_attempt"`
	MaxAutofixAttempts int               `json:"max_autofix_attempts"`
	LockOwner          string            `json:"lock_owner,omitempty"`
	LockExpiresAt      string            `json:"lock_expires_at,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	Fingerprint        string            `json:"fingerprint,omitempty"`
	CreatedAt          string            `json:"created_at"`
	UpdatedAt          string            `json:"updated_at"`
	Artifacts          map[string]string `json:"artifacts,omitempty"`
}

// AuditEntry represents one audit row of a run.
type AuditEntry struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	CorrelationID string         `json:"correlation_id"`
	Phase         string         `json:"phase"`
	RunID         string         `json:"run_id,omitempty"`
	TicketKey     string         `json:"ticket_key"`
	Action        string         `json:"action"`
	ActorID       string         `json:"actor_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	TicketKey string
	State     string
	Limit     int
	Cursor    string
}

// PaginatedRuns wraps run listings with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedAudit wraps audit listings with cursors.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are filled when the
// body carries the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Scan processes one ticket, or every ready ticket when issueKey is empty.
func (c *Client) Scan(ctx context.Context, issueKey string) (Report, error) {
	body := map[string]any{}
	if issueKey != "" {
		body["issue_key"] = issueKey
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, "scan", body, &resp)
	return resp, err
}

// ListRuns returns one page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, f RunFilter) (PaginatedRuns, error) {
	q := url.Values{}
	if f.TicketKey != "" {
		q.Set("ticket_key", f.TicketKey)
	}
	if f.State != "" {
		q.Set("state", f.State)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, withQuery("runs", q), nil, &resp)
	return resp, err
}

// GetRun fetches a run with its artifacts.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelRun cancels an unfinished run.
func (c *Client) CancelRun(ctx context.Context, id, reason string) (Run, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/cancel", url.PathEscape(id)), body, &resp)
	return resp, err
}

// RunAudit returns one page of the audit trail of a run, oldest first.
func (c *Client) RunAudit(ctx context.Context, id string, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedAudit
	endpoint := withQuery(fmt.Sprintf("runs/%s/audit", url.PathEscape(id)), q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
