// Package tracker talks to Jira Cloud over the REST v3 API.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shipline/internal/config"
	"shipline/internal/domain"
)

var (
	ErrUnauthorized      = errors.New("tracker: unauthorized")
	ErrNotFound          = errors.New("tracker: not found")
	ErrInvalidTransition = errors.New("tracker: invalid transition")
)

// APIError is a non-2xx response. It matches ErrUnauthorized, ErrNotFound
// and ErrInvalidTransition through errors.Is.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira %s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalidTransition:
		return e.Op == opTransition && (e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusConflict)
	}
	return false
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

const (
	opFetch      = "fetch issue"
	opSearch     = "search"
	opComment    = "comment"
	opTransition = "transition"

	defaultMaxRetries = 3
)

// Client is a Jira client scoped to one project and its workflow statuses.
type Client struct {
	URL        string
	Email      string
	APIToken   string
	ProjectKey string
	// ReadyStatus is the status name SearchReadyIssues looks for.
	ReadyStatus string
	// AcceptanceCriteriaField is an optional custom field id such as
	// customfield_10035.
	AcceptanceCriteriaField string
	MaxResults              int
	HTTPClient              *http.Client
	MaxRetries              uint64
	NewBackOff              func() backoff.BackOff
}

// New builds a client from configuration and secrets.
func New(cfg *config.Config) *Client {
	return &Client{
		URL:                     strings.TrimSuffix(cfg.Tracker.BaseURL, "/"),
		Email:                   cfg.Tracker.Email,
		APIToken:                cfg.Secrets.TrackerToken,
		ProjectKey:              cfg.Tracker.ProjectKey,
		ReadyStatus:             cfg.Tracker.ReadyStatus,
		AcceptanceCriteriaField: cfg.Tracker.AcceptanceCriteriaField,
		MaxResults:              cfg.Tracker.MaxResults,
		HTTPClient:              &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	if c.NewBackOff != nil {
		b = c.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = 30 * time.Second
		b = eb
	}
	retries := c.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	return backoff.WithMaxRetries(b, retries)
}

type issueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      *struct {
		Name string `json:"name"`
	} `json:"status"`
	Labels  []string `json:"labels"`
	Updated string   `json:"updated"`
}

type issue struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

func (c *Client) fields() string {
	f := "summary,description,status,labels,updated"
	if c.AcceptanceCriteriaField != "" {
		f += "," + c.AcceptanceCriteriaField
	}
	return f
}

func (c *Client) toTicket(is issue) (domain.Ticket, error) {
	var f issueFields
	if err := json.Unmarshal(is.Fields, &f); err != nil {
		return domain.Ticket{}, fmt.Errorf("parse issue %s: %w", is.Key, err)
	}
	t := domain.Ticket{
		Key:         is.Key,
		Summary:     f.Summary,
		Description: DescriptionToPlainText(f.Description),
	}
	if f.Status != nil {
		t.Status = f.Status.Name
	}
	for _, l := range f.Labels {
		t.Labels = append(t.Labels, strings.ToLower(l))
	}
	if f.Updated != "" {
		updated, err := ParseTimestamp(f.Updated)
		if err != nil {
			return domain.Ticket{}, fmt.Errorf("issue %s: %w", is.Key, err)
		}
		t.Updated = updated
	}
	if c.AcceptanceCriteriaField != "" {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(is.Fields, &raw); err == nil {
			t.AcceptanceCriteria = DescriptionToPlainText(raw[c.AcceptanceCriteriaField])
		}
	}
	return t, nil
}

// FetchIssue returns a snapshot of one issue.
func (c *Client) FetchIssue(ctx context.Context, key string) (domain.Ticket, error) {
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s?fields=%s", c.URL, url.PathEscape(key), url.QueryEscape(c.fields()))
	body, err := c.doRequest(ctx, opFetch, http.MethodGet, apiURL, nil)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("fetch issue %s: %w", key, err)
	}
	var is issue
	if err := json.Unmarshal(body, &is); err != nil {
		return domain.Ticket{}, fmt.Errorf("parse issue response: %w", err)
	}
	return c.toTicket(is)
}

// ReadyJQL selects the project's ready issues, most recently updated first.
func (c *Client) ReadyJQL() string {
	return fmt.Sprintf(`project = "%s" AND status = "%s" ORDER BY updated DESC`, jqlEscape(c.ProjectKey), jqlEscape(c.ReadyStatus))
}

func jqlEscape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}

// SearchReadyIssues returns up to MaxResults ready issues in a single page.
func (c *Client) SearchReadyIssues(ctx context.Context) ([]domain.Ticket, error) {
	limit := c.MaxResults
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{
		"jql":        {c.ReadyJQL()},
		"fields":     {c.fields()},
		"maxResults": {strconv.Itoa(limit)},
	}
	apiURL := fmt.Sprintf("%s/rest/api/3/search/jql?%s", c.URL, params.Encode())
	body, err := c.doRequest(ctx, opSearch, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	var result struct {
		Issues []issue `json:"issues"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}
	tickets := make([]domain.Ticket, 0, len(result.Issues))
	for _, is := range result.Issues {
		t, err := c.toTicket(is)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
		if len(tickets) == limit {
			break
		}
	}
	return tickets, nil
}

// AddComment posts text as an ADF comment.
func (c *Client) AddComment(ctx context.Context, key, text string) error {
	data, err := json.Marshal(map[string]any{"body": PlainTextToADF(text)})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s/comment", c.URL, url.PathEscape(key))
	if _, err := c.doRequest(ctx, opComment, http.MethodPost, apiURL, data); err != nil {
		return fmt.Errorf("comment on %s: %w", key, err)
	}
	return nil
}

// Transition applies a workflow transition by id.
func (c *Client) Transition(ctx context.Context, key, transitionID string) error {
	if strings.TrimSpace(transitionID) == "" {
		return fmt.Errorf("transition %s: %w: empty transition id", key, ErrInvalidTransition)
	}
	data, err := json.Marshal(map[string]any{"transition": map[string]string{"id": transitionID}})
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	apiURL := fmt.Sprintf("%s/rest/api/3/issue/%s/transitions", c.URL, url.PathEscape(key))
	if _, err := c.doRequest(ctx, opTransition, http.MethodPost, apiURL, data); err != nil {
		return fmt.Errorf("transition %s via %s: %w", key, transitionID, err)
	}
	return nil
}

// doRequest executes an authenticated request, retrying rate limits and
// server errors with exponential backoff.
func (c *Client) doRequest(ctx context.Context, op, method, apiURL string, body []byte) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("%w: tracker.base_url", config.ErrMissing)
	}
	if c.APIToken == "" {
		return nil, fmt.Errorf("%w: %s", config.ErrMissing, config.EnvTrackerToken)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	var out []byte
	err := backoff.Retry(func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		c.setAuth(req)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "shipline/1.0")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
			if retryable(resp.StatusCode) {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		out = respBody
		return nil
	}, backoff.WithContext(c.newBackOff(), ctx))
	return out, err
}

// setAuth uses basic auth when an account email is configured (Jira Cloud)
// and a bearer personal access token otherwise (Data Center).
func (c *Client) setAuth(req *http.Request) {
	if c.Email != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Email + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
}

// ParseTimestamp accepts the timestamp layouts Jira emits.
func ParseTimestamp(ts string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.000-0700",
		"2006-01-02T15:04:05-0700",
		time.RFC3339Nano,
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", ts)
}
