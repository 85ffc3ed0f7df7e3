package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/proposal"
	"shipline/internal/repo"
	"shipline/internal/vcs"
	"shipline/internal/workflow"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.list() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeTracker struct {
	rec            *recorder
	tickets        []domain.Ticket
	fetchErr       error
	failTransition map[string]error
}

func (f *fakeTracker) FetchIssue(_ context.Context, key string) (domain.Ticket, error) {
	if f.fetchErr != nil {
		return domain.Ticket{}, f.fetchErr
	}
	for _, t := range f.tickets {
		if t.Key == key {
			return t, nil
		}
	}
	return domain.Ticket{}, errors.New("tracker: not found")
}

func (f *fakeTracker) SearchReadyIssues(context.Context) ([]domain.Ticket, error) {
	return f.tickets, nil
}

func (f *fakeTracker) AddComment(_ context.Context, key, text string) error {
	f.rec.add("comment %s %s", key, text)
	return nil
}

func (f *fakeTracker) Transition(_ context.Context, key, id string) error {
	f.rec.add("transition %s %s", key, id)
	return f.failTransition[id]
}

type fakeGenerator struct {
	rec *recorder
	// errs are returned in order before any success.
	errs   []error
	errFor map[string]error
	hook   func(domain.Instruction)
	got    []domain.Instruction
}

func (f *fakeGenerator) Generate(_ context.Context, in domain.Instruction) (domain.Proposal, error) {
	f.rec.add("generate %s", in.TicketKey)
	f.got = append(f.got, in)
	if f.hook != nil {
		f.hook(in)
	}
	if err := f.errFor[in.TicketKey]; err != nil {
		return nil, err
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return domain.GitHubPRProposal{
		Summary: "Add a health endpoint",
		Payload: domain.GitHubPRPayload{
			Repo:          in.Repo,
			PRTitle:       in.TicketKey + ": add /health",
			PRBody:        "Fingerprint " + in.FingerprintShort,
			CommitMessage: "Add health endpoint",
			Files:         []domain.ChangeFile{{Path: "internal/health/health.go", Content: "package health\n"}},
		},
		Quality: domain.Quality{Assumptions: []string{}, Risks: []string{}, TestPlan: []string{"go test"}, RollbackPlan: []string{"revert"}},
	}, nil
}

type fakeMutator struct {
	rec  *recorder
	err  error
	reqs []domain.ChangeRequest
	// opened returns the pull request alongside err.
	opened bool
}

func (f *fakeMutator) CreateChange(_ context.Context, req domain.ChangeRequest) (domain.ChangeResult, error) {
	f.rec.add("create %s", req.BranchName)
	f.reqs = append(f.reqs, req)
	res := domain.ChangeResult{
		PRURL:    "https://github.com/acme/api/pull/7",
		PRNumber: 7,
		Owner:    "acme",
		Repo:     "api",
		Base:     "main",
		Head:     req.BranchName,
	}
	if f.err != nil && !f.opened {
		return domain.ChangeResult{}, f.err
	}
	return res, f.err
}

// engineClock is the run store clock; tests move it to expire locks.
type engineClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *engineClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *engineClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	scanner *Scanner
	engine  engine.Engine
	tracker *fakeTracker
	gen     *fakeGenerator
	mut     *fakeMutator
	rec     *recorder
	cfg     *config.Config
	clock   *engineClock
}

var runClock = time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)

func newEnv(t *testing.T, tickets ...domain.Ticket) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	cfg := config.Default("ORKY")
	cfg.Repository.Default = "acme/api"
	cfg.Tracker.Transitions = config.Transitions{
		ReadyToInProgress:    "21",
		ReadyToInReview:      "31",
		InProgressToInReview: "41",
	}
	clock := func() time.Time { return runClock }
	storeClock := &engineClock{now: runClock}
	eng := engine.New(conn, cfg)
	eng.Now = storeClock.Now

	rec := &recorder{}
	e := &env{
		engine:  eng,
		tracker: &fakeTracker{rec: rec, tickets: tickets, failTransition: map[string]error{}},
		gen:     &fakeGenerator{rec: rec, errFor: map[string]error{}},
		mut:     &fakeMutator{rec: rec},
		rec:     rec,
		cfg:     cfg,
		clock:   storeClock,
	}
	e.scanner = &Scanner{
		Engine:    eng,
		Tracker:   e.tracker,
		Generator: e.gen,
		Mutator:   e.mut,
		Config:    cfg,
		WorkerID:  "worker-test",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clock,
	}
	return e
}

func readyTicket(key string) domain.Ticket {
	return domain.Ticket{
		Key:                key,
		Status:             "Ready for Engineering",
		Summary:            "Add health check endpoint",
		Description:        "Expose GET /health so the load balancer can probe the service.",
		AcceptanceCriteria: "GET /health responds 200 with body ok",
		Labels:             []string{"backend"},
		Updated:            time.Date(2024, 2, 28, 9, 0, 0, 0, time.UTC),
	}
}

func invalidTicket() domain.Ticket {
	return domain.Ticket{
		Key:     "ORKY-11",
		Status:  "Ready for Engineering",
		Summary: "x",
		Updated: time.Date(2024, 2, 28, 9, 0, 0, 0, time.UTC),
	}
}

func (e *env) run(t *testing.T, id string) domain.Run {
	t.Helper()
	run, err := e.engine.Repo.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

var shortFingerprint = regexp.MustCompile(`^fp_[0-9a-f]{8}$`)

func TestScanSingleTicketOpensPullRequest(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)

	assert.Equal(t, domain.ModeSingle, rep.Mode)
	assert.Equal(t, "2024-03-01T10:15:30Z", rep.RunTimestamp)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Processed)
	require.Len(t, rep.Results, 1)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomePRCreated, res.Outcome)
	assert.Equal(t, "https://github.com/acme/api/pull/7", res.PRURL)
	assert.Regexp(t, shortFingerprint, res.FingerprintShort)
	assert.Empty(t, res.Error)

	assert.Equal(t, []string{
		"transition ORKY-10 21",
		"comment ORKY-10 Automation run started at 2024-03-01T10:15:30Z (fingerprint " + res.FingerprintShort + ")",
		"generate ORKY-10",
		"create ORKY-10/20240301T101530Z",
		"transition ORKY-10 41",
		"comment ORKY-10 Pull request opened: https://github.com/acme/api/pull/7 (fingerprint " + res.FingerprintShort + ")",
	}, e.rec.list())

	require.Len(t, e.mut.reqs, 1)
	assert.Equal(t, []string{vcs.ProvenanceLabel}, e.mut.reqs[0].Labels)
	assert.Equal(t, "acme/api", e.gen.got[0].Repo)
	assert.Len(t, e.gen.got[0].Fingerprint, 64)

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorDone, run.CursorState)
	assert.Equal(t, workflow.StepInReview, run.CursorStep)
	assert.Nil(t, run.LockOwner)

	artifacts, err := e.engine.ListArtifacts(t.Context(), res.RunID)
	require.NoError(t, err)
	byType := map[string]string{}
	for _, a := range artifacts {
		byType[a.Type] = a.Value
	}
	assert.Equal(t, res.FingerprintShort, byType[domain.ArtifactFingerprintShort])
	assert.Equal(t, "ORKY-10/20240301T101530Z", byType[domain.ArtifactBranch])
	assert.Equal(t, "https://github.com/acme/api/pull/7", byType[domain.ArtifactPRURL])
	assert.Equal(t, "7", byType[domain.ArtifactPRNumber])
}

func TestScanPairsEveryExternalCallInAudit(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)

	entries, err := e.engine.Repo.ListAudit(t.Context(), repo.AuditFilters{RunID: rep.Results[0].RunID, Limit: 500})
	require.NoError(t, err)
	phases := map[string][]string{}
	actions := map[string]int{}
	for _, a := range entries {
		phases[a.CorrelationID] = append(phases[a.CorrelationID], a.Phase)
		if a.Phase == "intent" {
			actions[a.Action]++
		}
	}
	for corr, ph := range phases {
		if len(ph) == 1 {
			assert.Equal(t, "result", ph[0], "lone audit row %s must be an event", corr)
			continue
		}
		assert.ElementsMatch(t, []string{"intent", "result"}, ph, corr)
	}
	assert.Equal(t, 2, actions["tracker.transition"])
	assert.Equal(t, 2, actions["tracker.comment"])
	assert.Equal(t, 1, actions["proposal.generate"])
	assert.Equal(t, 1, actions["pr.create"])
}

func TestScanBlocksInvalidTicket(t *testing.T) {
	e := newEnv(t, invalidTicket())
	rep, err := e.scanner.Scan(t.Context(), "ORKY-11")
	require.NoError(t, err)

	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeValidationFailed, res.Outcome)
	assert.Contains(t, res.Reason, "too-short Summary")
	assert.Contains(t, res.Reason, "Missing Description")
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Failed)

	calls := e.rec.list()
	require.Len(t, calls, 2)
	assert.Equal(t, "transition ORKY-11 31", calls[0])
	assert.Equal(t, "comment ORKY-11 Status transitioned from Ready for Engineering to In Review because - "+res.Reason, calls[1])
	assert.Zero(t, e.rec.count("generate"))

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorDone, run.CursorState)
	assert.Equal(t, workflow.StepBlocked, run.CursorStep)
}

func TestScanCompensatesMutatorFailure(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.mut.err = errors.New("github unavailable")

	rep, err := e.scanner.Scan(t.Context(), "")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeFailedCompensated, res.Outcome)
	assert.Contains(t, res.Error, "github unavailable")
	assert.Empty(t, res.CompensationError)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Processed)
	assert.Equal(t, 0, rep.Skipped)

	calls := e.rec.list()
	assert.Equal(t, "transition ORKY-10 41", calls[len(calls)-2])
	assert.Equal(t, "comment ORKY-10 Status transitioned from In Progress to In Review because - scanner execution failed: github unavailable", calls[len(calls)-1])

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorFailed, run.CursorState)
	assert.Equal(t, workflow.StepCompensated, run.CursorStep)
	require.NotNil(t, run.LastError)
	assert.Contains(t, *run.LastError, "github unavailable")

	_, err = e.engine.Repo.GetIdempotencyKey(t.Context(), ScopePRCreate, *run.Fingerprint)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestScanReportsCompensationFailure(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.mut.err = errors.New("github unavailable")
	e.tracker.failTransition["41"] = errors.New("jira transition: status 400")

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeCompensationFailed, res.Outcome)
	assert.Contains(t, res.Error, "github unavailable")
	assert.Contains(t, res.CompensationError, "status 400")
	assert.Equal(t, 1, rep.Failed)

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorFailed, run.CursorState)
	assert.Equal(t, workflow.StepCompensationFailed, run.CursorStep)
}

func TestScanSecondPassReusesPullRequest(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	first, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePRCreated, first.Results[0].Outcome)
	callsAfterFirst := len(e.rec.list())

	second, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := second.Results[0]
	assert.Equal(t, domain.OutcomePRReused, res.Outcome)
	assert.Equal(t, first.Results[0].PRURL, res.PRURL)
	assert.Equal(t, first.Results[0].FingerprintShort, res.FingerprintShort)
	assert.NotEqual(t, first.Results[0].RunID, res.RunID)
	assert.Equal(t, 1, second.Processed)

	assert.Len(t, e.rec.list(), callsAfterFirst)
	assert.Len(t, e.mut.reqs, 1)
	assert.Equal(t, 1, e.rec.count("generate"))
}

func TestScanChangedTicketOpensNewPullRequest(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	_, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)

	e.tracker.tickets[0].Updated = e.tracker.tickets[0].Updated.Add(time.Hour)
	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePRCreated, rep.Results[0].Outcome)
	assert.Len(t, e.mut.reqs, 2)
}

func TestScanBatchContinuesAfterFailure(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-12"), invalidTicket(), readyTicket("ORKY-10"))
	e.gen.errFor["ORKY-12"] = fmt.Errorf("%w: payload.files is empty", proposal.ErrMalformed)

	rep, err := e.scanner.Scan(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeBatch, rep.Mode)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Failed)

	outcomes := map[string]string{}
	for _, r := range rep.Results {
		outcomes[r.Key] = r.Outcome
	}
	assert.Equal(t, domain.OutcomeFailedCompensated, outcomes["ORKY-12"])
	assert.Equal(t, domain.OutcomeValidationFailed, outcomes["ORKY-11"])
	assert.Equal(t, domain.OutcomePRCreated, outcomes["ORKY-10"])
	assert.Equal(t, 1, e.rec.count("generate ORKY-12"), "malformed output is not retried")
}

func TestScanRetriesTransientGeneratorFailure(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.gen.errs = []error{fmt.Errorf("%w: anthropic: 529 overloaded", proposal.ErrTransient)}

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePRCreated, rep.Results[0].Outcome)
	assert.Equal(t, 2, e.rec.count("generate"))
}

func TestScanStopsRetryingAtBudget(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	transient := fmt.Errorf("%w: openai: 503", proposal.ErrTransient)
	e.gen.errs = []error{transient, transient, transient}

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeFailedCompensated, res.Outcome)
	assert.Contains(t, res.Error, engine.ErrRetryBudgetExhausted.Error())
	assert.Equal(t, e.cfg.Runs.MaxAutofixAttempts, e.rec.count("generate"))
}

func TestScanSkipsRunInFlight(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	_, err := e.engine.CreateRun(t.Context(), "ORKY-10", "worker-other")
	require.NoError(t, err)

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRunInFlight, rep.Results[0].Outcome)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, e.rec.list())
}

func TestScanCancelledRunStopsBeforeNextStep(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.gen.hook = func(in domain.Instruction) {
		run, err := e.engine.Repo.ActiveRun(context.Background(), in.TicketKey)
		require.NoError(t, err)
		_, err = e.engine.Cancel(context.Background(), run.ID, "operator", "stop")
		require.NoError(t, err)
	}

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeFailedCompensated, res.Outcome)
	assert.Contains(t, res.Error, engine.ErrRunCancelled.Error())
	assert.Empty(t, e.mut.reqs)
	assert.Equal(t, 1, e.rec.count("transition ORKY-10 41"))

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorCancelled, run.CursorState)
	assert.Nil(t, run.LockOwner)
}

func TestScanUnresolvedTransitionNeverReachesTracker(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.cfg.Tracker.Transitions.ReadyToInProgress = ""

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, workflow.ErrUnresolvedTransition.Error())
	assert.Empty(t, e.rec.list())

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorFailed, run.CursorState)
	assert.Equal(t, workflow.StepAborted, run.CursorStep)
}

func TestScanSingleFetchFailure(t *testing.T) {
	e := newEnv(t)
	e.tracker.fetchErr = errors.New("tracker: unauthorized")

	rep, err := e.scanner.Scan(t.Context(), "ORKY-99")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, domain.OutcomeFailed, rep.Results[0].Outcome)
}

func TestScanRequiresWorkerID(t *testing.T) {
	e := newEnv(t)
	e.scanner.WorkerID = ""
	_, err := e.scanner.Scan(t.Context(), "")
	assert.ErrorIs(t, err, config.ErrMissing)
}

func TestScanReclaimsExpiredLockAfterSlowStep(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.gen.hook = func(domain.Instruction) {
		e.clock.Add(e.cfg.LockTTL() + time.Minute)
	}

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomePRCreated, res.Outcome)
	assert.Len(t, e.mut.reqs, 1)
	assert.Equal(t, 1, e.rec.count("transition ORKY-10 41"))

	run := e.run(t, res.RunID)
	assert.Equal(t, workflow.CursorDone, run.CursorState)
	assert.Nil(t, run.LockOwner)
}

func TestScanLockTakenOverLeavesTicketToNewOwner(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.gen.hook = func(in domain.Instruction) {
		e.clock.Add(e.cfg.LockTTL() + time.Minute)
		run, err := e.engine.Repo.ActiveRun(context.Background(), in.TicketKey)
		require.NoError(t, err)
		_, err = e.engine.AcquireLock(context.Background(), run.ID, "worker-other")
		require.NoError(t, err)
	}

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeLockLost, res.Outcome)
	assert.Contains(t, res.Error, engine.ErrLockLost.Error())
	assert.Contains(t, res.Reason, engine.ErrLockHeld.Error())
	assert.Equal(t, 1, rep.Failed)
	assert.Empty(t, e.mut.reqs)
	assert.Zero(t, e.rec.count("transition ORKY-10 41"))

	run := e.run(t, res.RunID)
	require.NotNil(t, run.LockOwner)
	assert.Equal(t, "worker-other", *run.LockOwner)
	assert.Equal(t, workflow.CursorInProgress, run.CursorState)
}

func TestScanLockLostToSupersededRunIsNotCompensated(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.gen.hook = func(in domain.Instruction) {
		e.clock.Add(e.cfg.LockTTL() + time.Minute)
		_, err := e.engine.ClaimRun(context.Background(), in.TicketKey, "worker-other")
		require.NoError(t, err)
	}

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomeLockLost, res.Outcome)
	assert.Contains(t, res.Reason, engine.ErrRunFinished.Error())
	assert.Zero(t, e.rec.count("transition ORKY-10 41"))

	active, err := e.engine.Repo.ActiveRun(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.NotEqual(t, res.RunID, active.ID)
}

func TestScanKeepsPullRequestOpenedWithErrors(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.mut.err = errors.New("github add labels: status 403")
	e.mut.opened = true

	rep, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	res := rep.Results[0]
	assert.Equal(t, domain.OutcomePRCreated, res.Outcome)
	assert.Equal(t, "https://github.com/acme/api/pull/7", res.PRURL)

	run := e.run(t, res.RunID)
	key, err := e.engine.Repo.GetIdempotencyKey(t.Context(), ScopePRCreate, *run.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, repo.KeyCompleted, key.Status)

	again, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePRReused, again.Results[0].Outcome)
	assert.Len(t, e.mut.reqs, 1)
}

func TestScanPullRequestOpenedBeforeLaterFailureIsReused(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	e.mut.err = errors.New("github add labels: status 403")
	e.mut.opened = true
	e.tracker.failTransition["41"] = errors.New("jira transition: status 503")

	first, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompensationFailed, first.Results[0].Outcome)

	delete(e.tracker.failTransition, "41")
	e.mut.err = nil
	second, err := e.scanner.Scan(t.Context(), "ORKY-10")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePRReused, second.Results[0].Outcome)
	assert.Len(t, e.mut.reqs, 1)
}

func TestEnterAppliesTrackerEdgeBeforeMoving(t *testing.T) {
	e := newEnv(t, readyTicket("ORKY-10"))
	run, err := e.engine.CreateRun(t.Context(), "ORKY-10", "worker-test")
	require.NoError(t, err)
	tr := &ticketRun{
		ticket:  readyTicket("ORKY-10"),
		run:     run,
		fp:      domain.Fingerprint{Full: "abc123", Short: "fp_abc123"},
		machine: workflow.NewMachine(),
		log:     e.scanner.logger(),
	}

	err = e.scanner.enter(t.Context(), tr, workflow.InReview)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.Empty(t, e.rec.list())
	assert.Equal(t, workflow.Ready, tr.machine.State())

	require.NoError(t, e.scanner.enter(t.Context(), tr, workflow.Validating))
	assert.False(t, tr.moved)
	require.NoError(t, e.scanner.enter(t.Context(), tr, workflow.InProgress))
	assert.True(t, tr.moved)
	assert.Equal(t, []string{"transition ORKY-10 21"}, e.rec.list())

	e.tracker.failTransition["41"] = errors.New("jira transition: status 400")
	require.Error(t, e.scanner.enter(t.Context(), tr, workflow.InReview))
	assert.Equal(t, workflow.InProgress, tr.machine.State())
	assert.Equal(t, []workflow.State{workflow.Ready, workflow.Validating, workflow.InProgress}, tr.machine.History())
}
