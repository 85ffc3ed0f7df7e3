// Package audit writes the intent/result pairs that trace every external
// mutation a run performs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shipline/internal/domain"
	"shipline/internal/repo"
)

const (
	PhaseIntent = "intent"
	PhaseResult = "result"
)

// Actions recorded in the audit log.
const (
	ActionRunCreate         = "run.create"
	ActionRunAdvance        = "run.advance"
	ActionRunFinish         = "run.finish"
	ActionRunCancel         = "run.cancel"
	ActionTrackerTransition = "tracker.transition"
	ActionTrackerComment    = "tracker.comment"
	ActionProposalGenerate  = "proposal.generate"
	ActionPRCreate          = "pr.create"
	ActionAPIKeyCreate      = "apikey.create"
	ActionAPIKeyRevoke      = "apikey.revoke"
)

type Payload map[string]any

// Record identifies what an audit pair is about.
type Record struct {
	RunID     string
	TicketKey string
	Action    string
	ActorID   string
}

type Writer struct {
	Repo  repo.Repo
	Now   func() time.Time
	NewID func() string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

// Intent records that rec is about to happen and returns the correlation id
// the matching Result must use.
func (w Writer) Intent(ctx context.Context, tx *sql.Tx, rec Record, payload Payload) (string, error) {
	id := w.newID()
	if err := w.append(ctx, tx, id, PhaseIntent, rec, payload); err != nil {
		return "", err
	}
	return id, nil
}

// Result closes the pair opened by Intent.
func (w Writer) Result(ctx context.Context, tx *sql.Tx, correlationID string, rec Record, payload Payload) error {
	if correlationID == "" {
		return fmt.Errorf("audit result for %s: correlation id required", rec.Action)
	}
	return w.append(ctx, tx, correlationID, PhaseResult, rec, payload)
}

// Event records an internal state change as a lone result row.
func (w Writer) Event(ctx context.Context, tx *sql.Tx, rec Record, payload Payload) error {
	return w.append(ctx, tx, w.newID(), PhaseResult, rec, payload)
}

func (w Writer) append(ctx context.Context, tx *sql.Tx, correlationID, phase string, rec Record, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	return w.Repo.InsertAudit(ctx, tx, domain.AuditEntry{
		TS:            repo.Timestamp(w.now()),
		CorrelationID: correlationID,
		Phase:         phase,
		RunID:         rec.RunID,
		TicketKey:     rec.TicketKey,
		Action:        rec.Action,
		ActorID:       rec.ActorID,
		Payload:       string(data),
	})
}
