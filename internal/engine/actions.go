package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"shipline/internal/audit"
	"shipline/internal/domain"
	"shipline/internal/repo"
)

// Reservation is the outcome of ReserveAction. When Completed is set the
// action already ran and ResultJSON holds what it returned.
type Reservation struct {
	Scope      string
	Key        string
	Completed  bool
	ResultJSON string
}

// Decode unmarshals the cached result into v.
func (r Reservation) Decode(v any) error {
	if r.ResultJSON == "" {
		return errors.New("reservation has no cached result")
	}
	return json.Unmarshal([]byte(r.ResultJSON), v)
}

// ReserveAction claims (scope, key) for runID before a side effect. A key
// completed earlier is returned as-is so the caller can reuse its result.
// A pending key is taken over when it belongs to runID or has not been
// touched for a lock TTL; otherwise ErrActionInFlight.
func (e Engine) ReserveAction(ctx context.Context, scope, key, runID string) (Reservation, error) {
	res := Reservation{Scope: scope, Key: key}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	now := e.now()
	existing, err := e.Repo.GetIdempotencyKeyTx(ctx, tx, scope, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := e.Repo.InsertIdempotencyKey(ctx, tx, scope, key, runID, repo.Timestamp(now)); err != nil {
			return res, err
		}
	case err != nil:
		return res, err
	case existing.Status == repo.KeyCompleted:
		res.Completed = true
		if existing.ResultJSON != nil {
			res.ResultJSON = *existing.ResultJSON
		}
		return res, nil
	default:
		ok, err := e.Repo.TakeOverIdempotencyKey(ctx, tx, scope, key, runID, repo.Timestamp(now), repo.Timestamp(now.Add(-e.lockTTL())))
		if err != nil {
			return res, err
		}
		if !ok {
			return res, fmt.Errorf("%w: %s %s", ErrActionInFlight, scope, key)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// LookupAction reports a completed (scope, key) without reserving it.
func (e Engine) LookupAction(ctx context.Context, scope, key string) (Reservation, bool, error) {
	res := Reservation{Scope: scope, Key: key}
	k, err := e.Repo.GetIdempotencyKey(ctx, scope, key)
	if errors.Is(err, repo.ErrNotFound) {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}
	if k.Status != repo.KeyCompleted {
		return res, false, nil
	}
	res.Completed = true
	if k.ResultJSON != nil {
		res.ResultJSON = *k.ResultJSON
	}
	return res, true, nil
}

// CompleteAction caches result under (scope, key) and marks it completed.
func (e Engine) CompleteAction(ctx context.Context, scope, key string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.CompleteIdempotencyKey(ctx, tx, scope, key, string(data), repo.Timestamp(e.now())); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseAction drops a pending reservation after the action failed.
func (e Engine) ReleaseAction(ctx context.Context, scope, key string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePendingIdempotencyKey(ctx, tx, scope, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) PutArtifact(ctx context.Context, runID, typ, value string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a := domain.Artifact{RunID: runID, Type: typ, Value: value, CreatedAt: repo.Timestamp(e.now())}
	if err := e.Repo.PutArtifact(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	return e.Repo.ListArtifacts(ctx, runID)
}

// AuditIntent opens an intent/result pair before an external call.
func (e Engine) AuditIntent(ctx context.Context, rec audit.Record, payload audit.Payload) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := e.auditor().Intent(ctx, tx, rec, payload)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// AuditResult closes the pair opened by AuditIntent.
func (e Engine) AuditResult(ctx context.Context, correlationID string, rec audit.Record, payload audit.Payload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.auditor().Result(ctx, tx, correlationID, rec, payload); err != nil {
		return err
	}
	return tx.Commit()
}
