package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"shipline/internal/domain"
)

// WebhookSecretHeader carries the shared secret of inbound tracker webhooks.
const WebhookSecretHeader = "X-Shipline-Webhook-Secret"

const webhookScanTimeout = 15 * time.Minute

// defaultWebhookQueueLimit bounds the distinct issues waiting for a
// webhook-triggered scan.
const defaultWebhookQueueLimit = 64

// trackerEvent is the part of a Jira webhook payload a scan needs.
type trackerEvent struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key string `json:"key"`
	} `json:"issue"`
}

func registerTrackerWebhook(api huma.API, s *Server, secret string) {
	huma.Register(api, huma.Operation{
		OperationID:   "tracker-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/tracker",
		Summary:       "Receive a tracker issue event",
		Description:   "Schedules a single-ticket scan for the issue in the payload and returns immediately. A scan already waiting for the same issue absorbs the event.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Secret  string `header:"X-Shipline-Webhook-Secret"`
		RawBody []byte
	}) (*struct {
		Body WebhookAcceptedResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(secret) == "" || s.scanner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "not_configured", "tracker webhooks are not configured", nil)
		}
		if subtle.ConstantTimeCompare([]byte(input.Secret), []byte(secret)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid webhook secret", nil)
		}
		var evt trackerEvent
		if err := json.Unmarshal(input.RawBody, &evt); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid webhook payload", map[string]any{"error": err.Error()})
		}
		key := strings.TrimSpace(evt.Issue.Key)
		if key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue.key is required", nil)
		}

		out := &struct {
			Body WebhookAcceptedResponse `json:"body"`
		}{Body: WebhookAcceptedResponse{Accepted: true, IssueKey: key}}
		added, full := s.enqueue(key)
		if full {
			return nil, newAPIError(http.StatusTooManyRequests, "busy", "too many webhook scans waiting", map[string]any{"limit": s.queueLimit})
		}
		if !added {
			s.log.Info("tracker webhook absorbed", "ticket", key, "event", evt.WebhookEvent)
			out.Body.Duplicate = true
			return out, nil
		}

		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), webhookScanTimeout)
			defer cancel()
			rep, err := s.scanQueued(scanCtx, key)
			if err != nil {
				s.log.Error("webhook scan failed", "ticket", key, "error", err)
				return
			}
			for _, r := range rep.Results {
				s.log.Info("webhook scan finished", "ticket", r.Key, "outcome", r.Outcome, "run_id", r.RunID)
			}
		}()
		s.log.Info("tracker webhook accepted", "ticket", key, "event", evt.WebhookEvent)
		return out, nil
	})
}

// enqueue marks a webhook scan of key as waiting. added is false when one
// is already waiting; full reports the queue limit was reached.
func (s *Server) enqueue(key string) (added, full bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if _, ok := s.queued[key]; ok {
		return false, false
	}
	if s.queueLimit > 0 && len(s.queued) >= s.queueLimit {
		return false, true
	}
	s.queued[key] = struct{}{}
	return true, false
}

// scanQueued waits for its turn, then frees the key before scanning so an
// event arriving mid-scan schedules a fresh pass.
func (s *Server) scanQueued(ctx context.Context, key string) (domain.Report, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	s.queueMu.Lock()
	delete(s.queued, key)
	s.queueMu.Unlock()
	return s.scanner.Scan(ctx, key)
}
