package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// Notifier forwards audit rows to the configured notification webhooks.
// Each hook keeps its own cursor and starts at the newest row, so history
// is never replayed on startup. A failed delivery is retried next tick.
type Notifier struct {
	Engine   engine.Engine
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// NewNotifier returns nil when cfg configures no hooks.
func NewNotifier(e engine.Engine, cfg *config.Config, logger *slog.Logger) *Notifier {
	if cfg == nil || len(cfg.Notifications) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		Engine:   e,
		Hooks:    cfg.Notifications,
		Interval: defaultNotifyInterval,
		Logger:   logger,
	}
}

// Run delivers until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	interval := n.Interval
	if interval <= 0 {
		interval = defaultNotifyInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every enabled hook.
func (n *Notifier) DispatchAll(ctx context.Context) {
	for i, hook := range n.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatch(ctx, i, hook)
	}
}

func (n *Notifier) dispatch(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := n.cursorFor(ctx, idx)
	entries, err := n.Engine.Repo.AuditAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		n.Logger.Warn("notify: fetch audit failed", "error", err)
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, a := range entries {
		// Intents are followed by a result row carrying the outcome.
		if a.Phase != "result" || !filter.match(a.Action) {
			n.setCursor(idx, a.ID)
			continue
		}
		if err := n.post(ctx, hook, a); err != nil {
			n.Logger.Warn("notify: delivery failed", "url", hook.URL, "audit_id", a.ID, "error", err)
			return
		}
		n.setCursor(idx, a.ID)
	}
}

func (n *Notifier) cursorFor(ctx context.Context, idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cursors == nil {
		n.cursors = make(map[int]int64)
	}
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.Engine.Repo.LatestAuditID(ctx)
	if err != nil {
		n.Logger.Warn("notify: init cursor failed", "error", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *Notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notification struct {
	ID            int64           `json:"id"`
	Action        string          `json:"action"`
	RunID         string          `json:"run_id,omitempty"`
	TicketKey     string          `json:"ticket_key,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	ActorID       string          `json:"actor_id"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
	PayloadRaw    string          `json:"payload_raw,omitempty"`
}

func (n *Notifier) post(ctx context.Context, hook config.WebhookConfig, a domain.AuditEntry) error {
	payload := json.RawMessage("{}")
	var raw string
	if a.Payload != "" {
		if json.Valid([]byte(a.Payload)) {
			payload = json.RawMessage(a.Payload)
		} else {
			raw = a.Payload
		}
	}
	data, err := json.Marshal(notification{
		ID:            a.ID,
		Action:        a.Action,
		RunID:         a.RunID,
		TicketKey:     a.TicketKey,
		CorrelationID: a.CorrelationID,
		ActorID:       a.ActorID,
		TS:            a.TS,
		Payload:       payload,
		PayloadRaw:    raw,
	})
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.httpClient()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shipline-Action", a.Action)
	req.Header.Set("X-Shipline-Delivery", fmt.Sprintf("%d", a.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Shipline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (n *Notifier) httpClient() *http.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client == nil {
		n.client = &http.Client{}
	}
	return n.client
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if key := strings.TrimSpace(a); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
