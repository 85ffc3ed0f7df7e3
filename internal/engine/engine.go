package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shipline/internal/audit"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/repo"
	"shipline/internal/workflow"
)

var (
	ErrLockHeld             = errors.New("run is locked by another worker")
	ErrLockLost             = errors.New("run lock not held")
	ErrRunCancelled         = errors.New("run cancelled")
	ErrRunFinished          = errors.New("run already finished")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrActionInFlight       = errors.New("action reserved by another run")
)

// Engine owns every mutation of the run store. Each call runs in its own
// transaction and leaves an audit row behind.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Audit:  audit.Writer{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

// auditor shares the engine clock with the audit writer.
func (e Engine) auditor() audit.Writer {
	w := e.Audit
	if w.Repo.DB == nil {
		w.Repo = e.Repo
	}
	w.Now = e.now
	return w
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) lockTTL() time.Duration {
	if e.Config == nil {
		return config.DefaultLockTTL
	}
	return e.Config.LockTTL()
}

func (e Engine) maxAttempts() int {
	if e.Config == nil || e.Config.Runs.MaxAutofixAttempts < 1 {
		return config.DefaultMaxAutofixAttempts
	}
	return e.Config.Runs.MaxAutofixAttempts
}

// CreateRun starts a run for ticketKey already locked by owner. A ticket
// with an active run yields repo.ErrRunActive.
func (e Engine) CreateRun(ctx context.Context, ticketKey, owner string) (domain.Run, error) {
	if ticketKey == "" {
		return domain.Run{}, errors.New("ticket key is required")
	}
	if owner == "" {
		return domain.Run{}, errors.New("lock owner is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ts := repo.Timestamp(now)
	expires := repo.Timestamp(now.Add(e.lockTTL()))
	c := workflow.Initial()
	run := domain.Run{
		ID:                 uuid.NewString(),
		TicketKey:          ticketKey,
		CursorState:        c.State,
		CursorStep:         c.Step,
		CursorAttempt:      c.Attempt,
		LockOwner:          &owner,
		LockExpiresAt:      &expires,
		MaxAutofixAttempts: e.maxAttempts(),
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	if err := e.auditor().Event(ctx, tx, audit.Record{RunID: run.ID, TicketKey: ticketKey, Action: audit.ActionRunCreate, ActorID: owner},
		audit.Payload{"cursor_state": run.CursorState, "cursor_step": run.CursorStep}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// ClaimRun creates a run for ticketKey. When an active run already exists
// and its lock has expired, that run is closed as aborted and a fresh one
// takes its place; a live lock still yields repo.ErrRunActive.
func (e Engine) ClaimRun(ctx context.Context, ticketKey, owner string) (domain.Run, error) {
	run, err := e.CreateRun(ctx, ticketKey, owner)
	if !errors.Is(err, repo.ErrRunActive) {
		return run, err
	}
	stale, err := e.Repo.ActiveRun(ctx, ticketKey)
	if errors.Is(err, repo.ErrNotFound) {
		return e.CreateRun(ctx, ticketKey, owner)
	}
	if err != nil {
		return domain.Run{}, err
	}
	if stale.LockOwner != nil && *stale.LockOwner == owner && stale.LockExpiresAt != nil && *stale.LockExpiresAt > repo.Timestamp(e.now()) {
		return domain.Run{}, repo.ErrRunActive
	}
	if _, err := e.AcquireLock(ctx, stale.ID, owner); err != nil {
		switch {
		case errors.Is(err, ErrLockHeld):
			return domain.Run{}, repo.ErrRunActive
		case errors.Is(err, ErrRunCancelled), errors.Is(err, ErrRunFinished):
			return e.CreateRun(ctx, ticketKey, owner)
		}
		return domain.Run{}, err
	}
	if _, err := e.Finish(ctx, stale.ID, owner, workflow.CursorFailed, workflow.StepAborted, "lock expired; superseded by a new run"); err != nil {
		return domain.Run{}, err
	}
	return e.CreateRun(ctx, ticketKey, owner)
}

// AcquireLock claims runID for owner with a single conditional update.
func (e Engine) AcquireLock(ctx context.Context, runID, owner string) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ok, err := e.Repo.AcquireLock(ctx, tx, runID, owner, repo.Timestamp(now), repo.Timestamp(now.Add(e.lockTTL())))
	if err != nil {
		return domain.Run{}, err
	}
	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		switch {
		case run.CursorState == workflow.CursorCancelled:
			return run, ErrRunCancelled
		case workflow.IsTerminalState(run.CursorState):
			return run, ErrRunFinished
		}
		return run, ErrLockHeld
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// checkOwner rejects mutations of runs that were cancelled, finished, or
// whose lock owner no longer holds an unexpired lock.
func (e Engine) checkOwner(run domain.Run, owner string, now time.Time) error {
	if run.CursorState == workflow.CursorCancelled {
		return ErrRunCancelled
	}
	if workflow.IsTerminalState(run.CursorState) {
		return ErrRunFinished
	}
	if run.LockOwner == nil || *run.LockOwner != owner || run.LockExpiresAt == nil || *run.LockExpiresAt <= repo.Timestamp(now) {
		return ErrLockLost
	}
	return nil
}

// Advance moves the run cursor forward and renews the lock.
func (e Engine) Advance(ctx context.Context, runID, owner, state, step string) (domain.Run, error) {
	return e.move(ctx, runID, owner, state, step, "", false)
}

// RetryStep re-enters the current step, bounded by the run's
// max_autofix_attempts.
func (e Engine) RetryStep(ctx context.Context, runID, owner, reason string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.CursorAttempt >= run.MaxAutofixAttempts {
		return run, fmt.Errorf("%w: %s/%s attempt %d of %d", ErrRetryBudgetExhausted, run.CursorState, run.CursorStep, run.CursorAttempt, run.MaxAutofixAttempts)
	}
	return e.move(ctx, runID, owner, run.CursorState, run.CursorStep, reason, false)
}

// Finish moves the run to a terminal state and releases the lock. A run
// cancelled meanwhile stays cancelled; only its lock and error are updated.
func (e Engine) Finish(ctx context.Context, runID, owner, state, step, lastError string) (domain.Run, error) {
	if !workflow.IsTerminalState(state) {
		return domain.Run{}, fmt.Errorf("%w: %s is not terminal", workflow.ErrInvalidCursor, state)
	}
	run, err := e.move(ctx, runID, owner, state, step, lastError, true)
	if !errors.Is(err, ErrRunCancelled) {
		return run, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReleaseLock(ctx, tx, runID, owner, optionalString(lastError), repo.Timestamp(e.now())); err != nil {
		return domain.Run{}, err
	}
	if err := e.auditor().Event(ctx, tx, audit.Record{RunID: runID, TicketKey: run.TicketKey, Action: audit.ActionRunFinish, ActorID: owner},
		audit.Payload{"cursor_state": workflow.CursorCancelled, "requested_step": step, "last_error": lastError}); err != nil {
		return domain.Run{}, err
	}
	run, err = e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) move(ctx context.Context, runID, owner, state, step, lastError string, release bool) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	now := e.now()
	if err := e.checkOwner(run, owner, now); err != nil {
		return run, err
	}
	from := workflow.Cursor{State: run.CursorState, Step: run.CursorStep, Attempt: run.CursorAttempt}
	next, err := workflow.Next(from, state, step)
	if err != nil {
		return run, err
	}
	u := repo.CursorUpdate{
		ID:          runID,
		Owner:       owner,
		Now:         repo.Timestamp(now),
		FromState:   from.State,
		FromStep:    from.Step,
		FromAttempt: from.Attempt,
		ToState:     next.State,
		ToStep:      next.Step,
		ToAttempt:   next.Attempt,
		LastError:   optionalString(lastError),
		ReleaseLock: release,
	}
	if !release {
		u.LockExpiresAt = repo.Timestamp(now.Add(e.lockTTL()))
	}
	ok, err := e.Repo.UpdateCursor(ctx, tx, u)
	if err != nil {
		return run, err
	}
	if !ok {
		return run, ErrLockLost
	}
	action := audit.ActionRunFinish
	if !release {
		action = audit.ActionRunAdvance
	}
	payload := audit.Payload{
		"from":    fmt.Sprintf("%s/%s", from.State, from.Step),
		"to":      fmt.Sprintf("%s/%s", next.State, next.Step),
		"attempt": next.Attempt,
	}
	if lastError != "" {
		payload["last_error"] = lastError
	}
	if err := e.auditor().Event(ctx, tx, audit.Record{RunID: runID, TicketKey: run.TicketKey, Action: action, ActorID: owner}, payload); err != nil {
		return run, err
	}
	run, err = e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// Cancel marks an active run cancelled. The worker holding it notices at
// its next cursor move; in-flight calls are not interrupted.
func (e Engine) Cancel(ctx context.Context, runID, actorID, reason string) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	rec := audit.Record{RunID: runID, TicketKey: run.TicketKey, Action: audit.ActionRunCancel, ActorID: actorID}
	corr, err := e.auditor().Intent(ctx, tx, rec, audit.Payload{"reason": reason, "cursor_state": run.CursorState, "cursor_step": run.CursorStep})
	if err != nil {
		return run, err
	}
	if reason == "" {
		reason = "cancelled by " + actorID
	}
	ok, err := e.Repo.CancelRun(ctx, tx, runID, reason, repo.Timestamp(e.now()))
	if err != nil {
		return run, err
	}
	if !ok {
		if run.CursorState == workflow.CursorCancelled {
			return run, ErrRunCancelled
		}
		return run, ErrRunFinished
	}
	if err := e.auditor().Result(ctx, tx, corr, rec, audit.Payload{"cursor_state": workflow.CursorCancelled}); err != nil {
		return run, err
	}
	run, err = e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// SetFingerprint stores the content fingerprint on the run and as artifacts.
func (e Engine) SetFingerprint(ctx context.Context, runID string, fp domain.Fingerprint) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := repo.Timestamp(e.now())
	if err := e.Repo.SetFingerprint(ctx, tx, runID, fp.Full, now); err != nil {
		return err
	}
	for typ, v := range map[string]string{domain.ArtifactFingerprint: fp.Full, domain.ArtifactFingerprintShort: fp.Short} {
		if err := e.Repo.PutArtifact(ctx, tx, domain.Artifact{RunID: runID, Type: typ, Value: v, CreatedAt: now}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
