package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"shipline/internal/audit"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/repo"
	"shipline/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ORKY")
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func TestCreateRunRejectsSecondActiveRun(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "worker-a")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.CursorState != workflow.CursorReceived || run.CursorStep != workflow.StepValidating || run.CursorAttempt != 1 {
		t.Fatalf("unexpected initial cursor %s/%s/%d", run.CursorState, run.CursorStep, run.CursorAttempt)
	}
	if run.MaxAutofixAttempts != 2 {
		t.Fatalf("expected max autofix attempts 2, got %d", run.MaxAutofixAttempts)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "worker-b"); !errors.Is(err, repo.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, "ORKY-11", "worker-b"); err != nil {
		t.Fatalf("other ticket should not be blocked: %v", err)
	}
	if _, err := env.Engine.Finish(env.Ctx, run.ID, "worker-a", workflow.CursorDone, workflow.StepBlocked, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "worker-b"); err != nil {
		t.Fatalf("finished run should free the ticket: %v", err)
	}
}

func TestAcquireLockRespectsExpiry(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "worker-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, run.ID, "worker-b"); !errors.Is(err, engine.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, run.ID, "worker-a"); err != nil {
		t.Fatalf("owner should renew its lock: %v", err)
	}
	env.advance(11 * time.Minute)
	got, err := env.Engine.AcquireLock(env.Ctx, run.ID, "worker-b")
	if err != nil {
		t.Fatalf("expired lock should be claimable: %v", err)
	}
	if got.LockOwner == nil || *got.LockOwner != "worker-b" {
		t.Fatalf("expected worker-b to own the lock, got %v", got.LockOwner)
	}
	if _, err := env.Engine.Advance(env.Ctx, run.ID, "worker-a", workflow.CursorInProgress, workflow.StepTransitionInProgress); !errors.Is(err, engine.ErrLockLost) {
		t.Fatalf("previous owner must not mutate the run, got %v", err)
	}
}

func TestAdvanceForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	steps := []string{workflow.StepTransitionInProgress, workflow.StepProposalRequested, workflow.StepPrCreating}
	for _, step := range steps {
		run, err = env.Engine.Advance(env.Ctx, run.ID, "w", workflow.CursorInProgress, step)
		if err != nil {
			t.Fatalf("advance to %s: %v", step, err)
		}
		if run.CursorStep != step || run.CursorAttempt != 1 {
			t.Fatalf("expected %s attempt 1, got %s attempt %d", step, run.CursorStep, run.CursorAttempt)
		}
	}
	if _, err := env.Engine.Advance(env.Ctx, run.ID, "w", workflow.CursorInProgress, workflow.StepProposalRequested); !errors.Is(err, workflow.ErrInvalidCursor) {
		t.Fatalf("expected backward move to fail, got %v", err)
	}
	run, err = env.Engine.Finish(env.Ctx, run.ID, "w", workflow.CursorDone, workflow.StepInReview, "")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if run.LockOwner != nil || run.LockExpiresAt != nil {
		t.Fatalf("finish should release the lock")
	}
	if _, err := env.Engine.Advance(env.Ctx, run.ID, "w", workflow.CursorInProgress, workflow.StepTransitionInReview); !errors.Is(err, engine.ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}
}

func TestRetryStepBudget(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, run.ID, "w", workflow.CursorInProgress, workflow.StepProposalRequested); err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.RetryStep(env.Ctx, run.ID, "w", "rate limited")
	if err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if run.CursorAttempt != 2 {
		t.Fatalf("expected attempt 2, got %d", run.CursorAttempt)
	}
	if run.LastError == nil || *run.LastError != "rate limited" {
		t.Fatalf("expected last error to be recorded, got %v", run.LastError)
	}
	if _, err := env.Engine.RetryStep(env.Ctx, run.ID, "w", "rate limited"); !errors.Is(err, engine.ErrRetryBudgetExhausted) {
		t.Fatalf("expected ErrRetryBudgetExhausted, got %v", err)
	}
	run, err = env.Engine.Advance(env.Ctx, run.ID, "w", workflow.CursorInProgress, workflow.StepPrCreating)
	if err != nil {
		t.Fatal(err)
	}
	if run.CursorAttempt != 1 {
		t.Fatalf("new step should reset attempt, got %d", run.CursorAttempt)
	}
}

func TestCancelStopsNextStep(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.Engine.Cancel(env.Ctx, run.ID, "operator", "wrong repo")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CursorState != workflow.CursorCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.CursorState)
	}
	if _, err := env.Engine.Advance(env.Ctx, run.ID, "w", workflow.CursorInProgress, workflow.StepTransitionInProgress); !errors.Is(err, engine.ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	final, err := env.Engine.Finish(env.Ctx, run.ID, "w", workflow.CursorFailed, workflow.StepCompensated, "run cancelled")
	if err != nil {
		t.Fatalf("finish cancelled run: %v", err)
	}
	if final.CursorState != workflow.CursorCancelled || final.LockOwner != nil {
		t.Fatalf("cancelled run should stay cancelled and unlocked, got %s owner=%v", final.CursorState, final.LockOwner)
	}
	if _, err := env.Engine.Cancel(env.Ctx, run.ID, "operator", ""); !errors.Is(err, engine.ErrRunCancelled) {
		t.Fatalf("second cancel should report ErrRunCancelled, got %v", err)
	}

	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{RunID: run.ID, Action: audit.ActionRunCancel})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected intent and result rows, got %d", len(entries))
	}
	if entries[0].CorrelationID != entries[1].CorrelationID || entries[0].Phase == entries[1].Phase {
		t.Fatalf("cancel rows should share a correlation id with distinct phases: %+v", entries)
	}
}

func TestClaimRunSupersedesExpiredRun(t *testing.T) {
	env := newTestEnv(t)
	stale, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "crashed")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ClaimRun(env.Ctx, "ORKY-10", "fresh"); !errors.Is(err, repo.ErrRunActive) {
		t.Fatalf("live lock should keep the ticket in flight, got %v", err)
	}
	env.advance(time.Hour)
	run, err := env.Engine.ClaimRun(env.Ctx, "ORKY-10", "fresh")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if run.ID == stale.ID {
		t.Fatalf("expected a new run")
	}
	old, err := env.Engine.Repo.GetRun(env.Ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.CursorState != workflow.CursorFailed || old.CursorStep != workflow.StepAborted {
		t.Fatalf("stale run should be aborted, got %s/%s", old.CursorState, old.CursorStep)
	}
}

func TestReserveActionIdempotency(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CreateRun(env.Ctx, "ORKY-11", "w")
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ReserveAction(env.Ctx, "pr.create", "fp-1", first.ID)
	if err != nil || res.Completed {
		t.Fatalf("first reservation: %+v %v", res, err)
	}
	if _, err := env.Engine.ReserveAction(env.Ctx, "pr.create", "fp-1", first.ID); err != nil {
		t.Fatalf("same run may re-reserve: %v", err)
	}
	if _, err := env.Engine.ReserveAction(env.Ctx, "pr.create", "fp-1", second.ID); !errors.Is(err, engine.ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
	want := domain.ChangeResult{PRURL: "https://github.com/acme/app/pull/7", PRNumber: 7}
	if err := env.Engine.CompleteAction(env.Ctx, "pr.create", "fp-1", want); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = env.Engine.ReserveAction(env.Ctx, "pr.create", "fp-1", second.ID)
	if err != nil {
		t.Fatalf("reserve completed: %v", err)
	}
	if !res.Completed {
		t.Fatalf("expected completed reservation")
	}
	var got domain.ChangeResult
	if err := res.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.PRURL != want.PRURL || got.PRNumber != want.PRNumber {
		t.Fatalf("unexpected cached result %+v", got)
	}
	if err := env.Engine.ReleaseAction(env.Ctx, "pr.create", "fp-1"); err != nil {
		t.Fatal(err)
	}
	if res, err := env.Engine.ReserveAction(env.Ctx, "pr.create", "fp-1", second.ID); err != nil || !res.Completed {
		t.Fatalf("release must not drop a completed key: %+v %v", res, err)
	}
}

func TestReserveActionTakesOverStaleKey(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.CreateRun(env.Ctx, "ORKY-11", "w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReserveAction(env.Ctx, "transition:ready->in_progress", "fp-2", first.ID); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Hour)
	if _, err := env.Engine.ReserveAction(env.Ctx, "transition:ready->in_progress", "fp-2", second.ID); err != nil {
		t.Fatalf("stale pending key should be taken over: %v", err)
	}
}

func TestSetFingerprintRecordsArtifacts(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	fp := domain.Fingerprint{Full: "abc123", Short: "fp_abc123"}
	if err := env.Engine.SetFingerprint(env.Ctx, run.ID, fp); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.PutArtifact(env.Ctx, run.ID, domain.ArtifactBranch, "ORKY-10/1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.PutArtifact(env.Ctx, run.ID, domain.ArtifactBranch, "ORKY-10/2"); err != nil {
		t.Fatal(err)
	}
	arts, err := env.Engine.ListArtifacts(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	byType := map[string]string{}
	for _, a := range arts {
		byType[a.Type] = a.Value
	}
	if len(arts) != 3 {
		t.Fatalf("expected one artifact per type, got %+v", arts)
	}
	if byType[domain.ArtifactBranch] != "ORKY-10/2" || byType[domain.ArtifactFingerprintShort] != "fp_abc123" {
		t.Fatalf("unexpected artifacts %+v", byType)
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fingerprint == nil || *got.Fingerprint != "abc123" {
		t.Fatalf("run fingerprint not stored: %v", got.Fingerprint)
	}
}

func TestAuditPairs(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "ORKY-10", "w")
	if err != nil {
		t.Fatal(err)
	}
	rec := audit.Record{RunID: run.ID, TicketKey: "ORKY-10", Action: audit.ActionPRCreate, ActorID: "w"}
	corr, err := env.Engine.AuditIntent(env.Ctx, rec, audit.Payload{"repo": "acme/app"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AuditResult(env.Ctx, corr, rec, audit.Payload{"pr_url": "u"}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AuditResult(env.Ctx, corr, rec, nil); err == nil {
		t.Fatalf("duplicate result phase should be rejected")
	}
	latest, err := env.Engine.Repo.LatestAuditID(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Repo.AuditAfter(env.Ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) == 0 || after[len(after)-1].ID != latest {
		t.Fatalf("AuditAfter should end at the latest id")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "ops", "ci")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key.KeyHash == secret || key.KeyHash != repo.HashAPIKey(secret) {
		t.Fatalf("only the hash of the secret should be stored")
	}
	got, err := env.Engine.AuthenticateAPIKey(env.Ctx, secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != key.ID || got.ActorID != "ops" {
		t.Fatalf("unexpected key %+v", got)
	}
	keys, err := env.Engine.Repo.ListAPIKeys(env.Ctx, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("expected one key with last use stamped, got %+v", keys)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, "ops"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.AuthenticateAPIKey(env.Ctx, secret); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key should not authenticate, got %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "missing", "ops"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown key, got %v", err)
	}
	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{Action: audit.ActionAPIKeyRevoke})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RunID != "" {
		t.Fatalf("expected one revoke event without a run, got %+v", entries)
	}
}
