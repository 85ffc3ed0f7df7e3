package server

import (
	"encoding/json"

	"shipline/internal/domain"
)

// Request payloads

type ScanRequest struct {
	IssueKey string `json:"issue_key,omitempty" doc:"Process only this ticket; empty scans every ready ticket."`
}

type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WebhookAcceptedResponse struct {
	Accepted  bool   `json:"accepted"`
	IssueKey  string `json:"issue_key"`
	// Duplicate is set when a scan of the issue was already waiting; no
	// second scan is scheduled.
	Duplicate bool   `json:"duplicate,omitempty"`
}

type RunResponse struct {
	ID                 string  `json:"id"`
	TicketKey          string  `json:"ticket_key"`
	CursorState        string  `json:"cursor_state" enum:"received,in_progress,done,failed,cancelled"`
	CursorStep         string  `json:"cursor_step"`
	CursorAttempt      int     `json:"cursor_attempt"`
	MaxAutofixAttempts int     `json:"max_autofix_attempts"`
	LockOwner          *string `json:"lock_owner,omitempty"`
	LockExpiresAt      *string `json:"lock_expires_at,omitempty"`
	LastError          *string `json:"last_error,omitempty"`
	Fingerprint        *string `json:"fingerprint,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

type RunDetailResponse struct {
	RunResponse
	Artifacts map[string]string `json:"artifacts"`
}

type AuditEntryResponse struct {
	ID            int64          `json:"id"`
	TS            string         `json:"ts"`
	CorrelationID string         `json:"correlation_id"`
	Phase         string         `json:"phase" enum:"intent,result"`
	RunID         string         `json:"run_id,omitempty"`
	TicketKey     string         `json:"ticket_key"`
	Action        string         `json:"action"`
	ActorID       string         `json:"actor_id"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:                 r.ID,
		TicketKey:          r.TicketKey,
		CursorState:        r.CursorState,
		CursorStep:         r.CursorStep,
		CursorAttempt:      r.CursorAttempt,
		MaxAutofixAttempts: r.MaxAutofixAttempts,
		LockOwner:          r.LockOwner,
		LockExpiresAt:      r.LockExpiresAt,
		LastError:          r.LastError,
		Fingerprint:        r.Fingerprint,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func runDetailResponse(r domain.Run, artifacts []domain.Artifact) RunDetailResponse {
	out := RunDetailResponse{RunResponse: runResponse(r), Artifacts: map[string]string{}}
	for _, a := range artifacts {
		out.Artifacts[a.Type] = a.Value
	}
	return out
}

func auditEntryResponse(a domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:            a.ID,
		TS:            a.TS,
		CorrelationID: a.CorrelationID,
		Phase:         a.Phase,
		RunID:         a.RunID,
		TicketKey:     a.TicketKey,
		Action:        a.Action,
		ActorID:       a.ActorID,
		Payload:       decodePayload(a.Payload),
	}
}

func decodePayload(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
