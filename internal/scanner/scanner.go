// Package scanner drives tickets from "ready" to an open pull request, one
// ticket at a time, persisting every step in the run store.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"shipline/internal/audit"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/fingerprint"
	"shipline/internal/proposal"
	"shipline/internal/repo"
	"shipline/internal/telemetry"
	"shipline/internal/validate"
	"shipline/internal/vcs"
	"shipline/internal/workflow"
)

const scope = "shipline/scanner"

// BranchStampLayout renders the run timestamp inside default branch names.
const BranchStampLayout = "20060102T150405Z"

// Tracker is the subset of the ticket tracker the scanner drives.
type Tracker interface {
	FetchIssue(ctx context.Context, key string) (domain.Ticket, error)
	SearchReadyIssues(ctx context.Context) ([]domain.Ticket, error)
	AddComment(ctx context.Context, key, text string) error
	Transition(ctx context.Context, key, transitionID string) error
}

type Scanner struct {
	Engine    engine.Engine
	Tracker   Tracker
	Generator proposal.Generator
	Mutator   vcs.Mutator
	Config    *config.Config
	WorkerID  string
	Logger    *slog.Logger
	Now       func() time.Time
	// RetryDelay spaces in-place retries of transient generator failures.
	RetryDelay time.Duration
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

var scanMetrics struct {
	tickets  metric.Int64Counter
	duration metric.Float64Histogram
}

var scanMetricsOnce sync.Once

func initScanMetrics() {
	m := telemetry.Meter(scope)
	scanMetrics.tickets, _ = m.Int64Counter("shipline.scanner.tickets",
		metric.WithDescription("Tickets handled by the scanner, by outcome"),
	)
	scanMetrics.duration, _ = m.Float64Histogram("shipline.scanner.ticket.duration",
		metric.WithDescription("Time spent on one ticket in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// Scan processes one ticket when issueKey is set and every ready ticket
// otherwise. A failing ticket never stops the batch; the returned error is
// reserved for failures that prevent scanning at all.
func (s *Scanner) Scan(ctx context.Context, issueKey string) (domain.Report, error) {
	scanMetricsOnce.Do(initScanMetrics)
	runTime := s.now().UTC()
	rep := domain.Report{RunTimestamp: runTime.Format(time.RFC3339), Mode: domain.ModeBatch, Results: []domain.TicketResult{}}
	if s.Config == nil {
		return rep, fmt.Errorf("%w: scanner config", config.ErrMissing)
	}
	if strings.TrimSpace(s.WorkerID) == "" {
		return rep, fmt.Errorf("%w: runs.worker_id", config.ErrMissing)
	}

	ctx, span := telemetry.Tracer(scope).Start(ctx, "scanner.scan")
	defer span.End()

	var tickets []domain.Ticket
	if key := strings.TrimSpace(issueKey); key != "" {
		rep.Mode = domain.ModeSingle
		span.SetAttributes(attribute.String("shipline.ticket", key))
		t, err := s.Tracker.FetchIssue(ctx, key)
		if err != nil {
			rep.Scanned = 1
			rep.Add(domain.TicketResult{Key: key, Outcome: domain.OutcomeFailed, Error: err.Error()})
			s.logger().Error("fetch issue failed", "ticket", key, "error", err)
			return rep, nil
		}
		tickets = []domain.Ticket{t}
	} else {
		found, err := s.Tracker.SearchReadyIssues(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return rep, fmt.Errorf("search ready issues: %w", err)
		}
		tickets = found
	}
	span.SetAttributes(attribute.String("shipline.mode", rep.Mode), attribute.Int("shipline.tickets", len(tickets)))

	for _, t := range tickets {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		res := s.processTicket(ctx, t, runTime)
		rep.Add(res)
	}
	s.logger().Info("scan finished",
		"mode", rep.Mode,
		"scanned", rep.Scanned,
		"processed", rep.Processed,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)
	return rep, nil
}

// ticketRun carries one ticket through the pipeline.
type ticketRun struct {
	ticket  domain.Ticket
	run     domain.Run
	fp      domain.Fingerprint
	machine *workflow.Machine
	runTime time.Time
	log     *slog.Logger
	// moved is set once the ticket has left "ready" in the tracker.
	moved bool
}

func (s *Scanner) processTicket(ctx context.Context, t domain.Ticket, runTime time.Time) domain.TicketResult {
	t0 := time.Now()
	ctx, span := telemetry.Tracer(scope).Start(ctx, "scanner.ticket")
	defer span.End()
	span.SetAttributes(attribute.String("shipline.ticket", t.Key))

	res := s.runTicket(ctx, t, runTime)

	span.SetAttributes(attribute.String("shipline.outcome", res.Outcome))
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}
	attrs := metric.WithAttributes(attribute.String("outcome", res.Outcome))
	if scanMetrics.tickets != nil {
		scanMetrics.tickets.Add(ctx, 1, attrs)
		scanMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), attrs)
	}
	return res
}

func (s *Scanner) runTicket(ctx context.Context, t domain.Ticket, runTime time.Time) domain.TicketResult {
	res := domain.TicketResult{Key: t.Key}
	log := s.logger().With("ticket", t.Key)

	run, err := s.Engine.ClaimRun(ctx, t.Key, s.WorkerID)
	if errors.Is(err, repo.ErrRunActive) {
		res.Outcome = domain.OutcomeRunInFlight
		res.Reason = "another run for this ticket is in flight"
		log.Info("ticket skipped", "outcome", res.Outcome)
		return res
	}
	if err != nil {
		res.Outcome = domain.OutcomeFailed
		res.Error = err.Error()
		log.Error("claim run failed", "error", err)
		return res
	}
	res.RunID = run.ID
	tr := &ticketRun{
		ticket:  t,
		run:     run,
		machine: workflow.NewMachine(),
		runTime: runTime,
		log:     log.With("run_id", run.ID),
	}
	if err := tr.machine.Advance(workflow.Validating); err != nil {
		return s.fail(ctx, tr, res, err)
	}

	v := validate.Validate(t, validate.RulesFromConfig(s.Config))
	tr.fp = fingerprint.FromTicket(t, v.AcceptanceCriteria)
	res.FingerprintShort = tr.fp.Short
	if err := s.Engine.SetFingerprint(ctx, run.ID, tr.fp); err != nil {
		return s.fail(ctx, tr, res, err)
	}

	if !v.Passed {
		return s.block(ctx, tr, res, v)
	}
	return s.deliver(ctx, tr, res, v)
}

// block moves a ticket that failed validation to review with the blockers.
func (s *Scanner) block(ctx context.Context, tr *ticketRun, res domain.TicketResult, v validate.Result) domain.TicketResult {
	res.Reason = v.Reason()
	if err := s.enter(ctx, tr, workflow.Blocked); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	if err := s.enter(ctx, tr, workflow.InReview); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	text := fmt.Sprintf("Status transitioned from %s to %s because - %s", s.Config.Tracker.ReadyStatus, s.Config.Tracker.InReviewStatus, res.Reason)
	if err := s.comment(ctx, tr, "comment:blocked", tr.fp.Full, text); err != nil {
		// The ticket already sits in review; the missing comment is the only loss.
		tr.log.Warn("blocked comment failed", "error", err)
		res.Error = err.Error()
	}
	if _, err := s.Engine.Finish(ctx, tr.run.ID, s.WorkerID, workflow.CursorDone, workflow.StepBlocked, ""); err != nil {
		tr.log.Warn("finish run failed", "error", err)
	}
	res.Outcome = domain.OutcomeValidationFailed
	tr.log.Info("ticket blocked", "outcome", res.Outcome, "reason", res.Reason)
	return res
}

// deliver runs the pull request path for a ticket that passed validation.
func (s *Scanner) deliver(ctx context.Context, tr *ticketRun, res domain.TicketResult, v validate.Result) domain.TicketResult {
	if err := s.advance(ctx, tr, workflow.CursorInProgress, workflow.StepTransitionInProgress); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	if err := s.enter(ctx, tr, workflow.InProgress); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	startText := fmt.Sprintf("Automation run started at %s (fingerprint %s)", tr.runTime.Format(time.RFC3339), tr.fp.Short)
	if err := s.comment(ctx, tr, "comment:start", tr.fp.Full, startText); err != nil {
		return s.fail(ctx, tr, res, err)
	}

	if err := s.advance(ctx, tr, workflow.CursorInProgress, workflow.StepProposalRequested); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	if err := s.enter(ctx, tr, workflow.ProposalRequested); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	change, reused, err := s.cachedChange(ctx, tr)
	if err != nil {
		return s.fail(ctx, tr, res, err)
	}
	var req domain.ChangeRequest
	if !reused {
		p, err := s.generate(ctx, tr, v)
		if err != nil {
			return s.fail(ctx, tr, res, err)
		}
		if req, err = s.changeRequest(tr, p); err != nil {
			return s.fail(ctx, tr, res, err)
		}
	}

	if err := s.advance(ctx, tr, workflow.CursorInProgress, workflow.StepPrCreating); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	if err := s.enter(ctx, tr, workflow.PrCreating); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	if !reused {
		if change, reused, err = s.createChange(ctx, tr, req); err != nil {
			return s.fail(ctx, tr, res, err)
		}
	}
	res.PRURL = change.PRURL
	s.recordChange(ctx, tr, change)

	if err := s.advance(ctx, tr, workflow.CursorInProgress, workflow.StepTransitionInReview); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	if err := s.enter(ctx, tr, workflow.InReview); err != nil {
		return s.fail(ctx, tr, res, err)
	}
	doneText := fmt.Sprintf("Pull request opened: %s (fingerprint %s)", change.PRURL, tr.fp.Short)
	if err := s.comment(ctx, tr, "comment:success", tr.fp.Full, doneText); err != nil {
		tr.log.Warn("success comment failed", "error", err)
		res.Error = err.Error()
	}
	if _, err := s.Engine.Finish(ctx, tr.run.ID, s.WorkerID, workflow.CursorDone, workflow.StepInReview, ""); err != nil {
		tr.log.Warn("finish run failed", "error", err)
	}
	res.Outcome = domain.OutcomePRCreated
	if reused {
		res.Outcome = domain.OutcomePRReused
	}
	tr.log.Info("pull request ready", "outcome", res.Outcome, "pr_url", change.PRURL)
	return res
}

// generate asks for a proposal, retrying transient failures in place while
// the run's retry budget lasts.
func (s *Scanner) generate(ctx context.Context, tr *ticketRun, v validate.Result) (domain.Proposal, error) {
	in := domain.Instruction{
		TicketKey:          tr.ticket.Key,
		RunTimestamp:       tr.runTime.Format(time.RFC3339),
		Fingerprint:        tr.fp.Full,
		FingerprintShort:   tr.fp.Short,
		Summary:            v.Summary,
		Description:        v.Description,
		AcceptanceCriteria: v.AcceptanceCriteria,
		Repo:               v.TargetRepo,
	}
	for {
		var p domain.Proposal
		err := s.external(ctx, tr, audit.ActionProposalGenerate, audit.Payload{"repo": in.Repo}, func(ctx context.Context) (audit.Payload, error) {
			var err error
			p, err = s.Generator.Generate(ctx, in)
			if err != nil {
				return nil, err
			}
			return audit.Payload{"kind": p.Kind()}, nil
		})
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, proposal.ErrTransient) {
			return nil, err
		}
		reason := err.Error()
		if rerr := s.locked(ctx, tr, func() (domain.Run, error) {
			return s.Engine.RetryStep(ctx, tr.run.ID, s.WorkerID, reason)
		}); rerr != nil {
			if errors.Is(rerr, engine.ErrRetryBudgetExhausted) {
				return nil, fmt.Errorf("%w (%v)", err, rerr)
			}
			return nil, rerr
		}
		tr.log.Warn("retrying proposal generation", "error", err)
		if s.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.RetryDelay):
			}
		}
	}
}

// changeRequest turns a proposal into the mutator's input.
func (s *Scanner) changeRequest(tr *ticketRun, p domain.Proposal) (domain.ChangeRequest, error) {
	switch p := p.(type) {
	case domain.GitHubPRProposal:
		if len(p.Payload.Files) == 0 || p.Payload.Repo == "" {
			return domain.ChangeRequest{}, fmt.Errorf("%w: proposal has no files or repository", proposal.ErrMalformed)
		}
		branch := strings.TrimSpace(p.Payload.BranchName)
		if branch == "" {
			branch = tr.ticket.Key + "/" + tr.runTime.Format(BranchStampLayout)
		}
		return domain.ChangeRequest{
			Repo:          p.Payload.Repo,
			BranchName:    branch,
			PRTitle:       p.Payload.PRTitle,
			PRBody:        p.Payload.PRBody,
			CommitMessage: p.Payload.CommitMessage,
			Files:         p.Payload.Files,
			Labels:        []string{vcs.ProvenanceLabel},
		}, nil
	default:
		return domain.ChangeRequest{}, fmt.Errorf("%w: unsupported proposal kind %q", proposal.ErrMalformed, p.Kind())
	}
}

func (s *Scanner) recordChange(ctx context.Context, tr *ticketRun, c domain.ChangeResult) {
	for typ, v := range map[string]string{
		domain.ArtifactBranch:   c.Head,
		domain.ArtifactPRURL:    c.PRURL,
		domain.ArtifactPRNumber: fmt.Sprint(c.PRNumber),
	} {
		if err := s.Engine.PutArtifact(ctx, tr.run.ID, typ, v); err != nil {
			tr.log.Warn("record artifact failed", "type", typ, "error", err)
		}
	}
}

// fail records err on the ticket result. A ticket that already left
// "ready" is compensated by moving it to review with a failure comment.
func (s *Scanner) fail(ctx context.Context, tr *ticketRun, res domain.TicketResult, err error) domain.TicketResult {
	res.Error = err.Error()
	res.Outcome = domain.OutcomeFailed
	tr.log.Error("ticket failed", "error", err, "state", tr.machine.State(), "path", tr.machine.History())

	if errors.Is(err, engine.ErrLockLost) || errors.Is(err, engine.ErrRunFinished) {
		if rerr := s.reclaim(ctx, tr); rerr != nil {
			// The run belongs to another worker now, which also owns the ticket.
			res.Outcome = domain.OutcomeLockLost
			res.Reason = fmt.Sprintf("run lock taken over: %v", rerr)
			tr.log.Warn("lock lost", "error", rerr, "moved", tr.moved)
			return res
		}
	}
	if !tr.moved {
		s.markFailed(tr)
		s.finish(ctx, tr, workflow.StepAborted, err)
		return res
	}

	if cerr := s.compensate(ctx, tr, err); cerr != nil {
		res.Outcome = domain.OutcomeCompensationFailed
		res.CompensationError = cerr.Error()
		s.markFailed(tr)
		tr.log.Error("compensation failed", "error", cerr)
		s.finish(ctx, tr, workflow.StepCompensationFailed, err)
		return res
	}
	res.Outcome = domain.OutcomeFailedCompensated
	s.finish(ctx, tr, workflow.StepCompensated, err)
	return res
}

func (s *Scanner) markFailed(tr *ticketRun) {
	if err := tr.machine.Advance(workflow.Failed); err != nil {
		tr.log.Warn("ticket state not failed", "error", err)
	}
}

func (s *Scanner) finish(ctx context.Context, tr *ticketRun, step string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.Engine.Finish(ctx, tr.run.ID, s.WorkerID, workflow.CursorFailed, step, cause.Error()); err != nil {
		tr.log.Warn("finish run failed", "error", err)
	}
}

// compensate moves an in-progress ticket to review and explains why. It
// runs detached from ctx so an interrupted scan still compensates.
func (s *Scanner) compensate(ctx context.Context, tr *ticketRun, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := s.enter(ctx, tr, workflow.InReview); err != nil {
		return err
	}
	text := fmt.Sprintf("Status transitioned from %s to %s because - scanner execution failed: %s",
		s.Config.Tracker.InProgressStatus, s.Config.Tracker.InReviewStatus, cause.Error())
	return s.comment(ctx, tr, "comment:failure", tr.run.ID, text)
}
