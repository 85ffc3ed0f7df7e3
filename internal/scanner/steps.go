package scanner

import (
	"context"
	"errors"
	"fmt"

	"shipline/internal/audit"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/vcs"
	"shipline/internal/workflow"
)

// ScopePRCreate keys pull request creation by ticket fingerprint.
const ScopePRCreate = "pr.create"

// TransitionScope is the idempotency scope of a tracker edge.
func TransitionScope(e workflow.Edge) string {
	return "transition:" + string(e)
}

func (s *Scanner) advance(ctx context.Context, tr *ticketRun, state, step string) error {
	err := s.locked(ctx, tr, func() (domain.Run, error) {
		return s.Engine.Advance(ctx, tr.run.ID, s.WorkerID, state, step)
	})
	if err != nil {
		return fmt.Errorf("advance to %s/%s: %w", state, step, err)
	}
	return nil
}

// locked applies a cursor move. When the lock expired during a slow step
// and no other worker took the run, the lock is reclaimed and the move
// tried once more.
func (s *Scanner) locked(ctx context.Context, tr *ticketRun, move func() (domain.Run, error)) error {
	run, err := move()
	if errors.Is(err, engine.ErrLockLost) {
		if rerr := s.reclaim(ctx, tr); rerr != nil {
			return fmt.Errorf("%w: %v", err, rerr)
		}
		tr.log.Warn("run lock expired; reclaimed")
		run, err = move()
	}
	if err != nil {
		return err
	}
	tr.run = run
	return nil
}

// reclaim takes the run lock back for this worker. It fails with
// engine.ErrLockHeld or engine.ErrRunFinished when another worker took
// over the run. A cancelled run is still ours to compensate.
func (s *Scanner) reclaim(ctx context.Context, tr *ticketRun) error {
	run, err := s.Engine.AcquireLock(context.WithoutCancel(ctx), tr.run.ID, s.WorkerID)
	if errors.Is(err, engine.ErrRunCancelled) {
		return nil
	}
	if err != nil {
		return err
	}
	tr.run = run
	return nil
}

// enter moves the ticket to state to. A move with a tracker counterpart
// applies that transition first; the ticket only changes state once the
// tracker agrees.
func (s *Scanner) enter(ctx context.Context, tr *ticketRun, to workflow.State) error {
	if err := tr.machine.Allows(to); err != nil {
		return err
	}
	if edge, ok := workflow.EdgeFor(tr.machine.State(), to); ok {
		if err := s.transition(ctx, tr, edge, tr.fp.Full); err != nil {
			return err
		}
		tr.moved = true
	}
	return tr.machine.Advance(to)
}

// external wraps one collaborator call in an audit intent/result pair. The
// call does not start when the intent cannot be written.
func (s *Scanner) external(ctx context.Context, tr *ticketRun, action string, payload audit.Payload, call func(context.Context) (audit.Payload, error)) error {
	rec := audit.Record{RunID: tr.run.ID, TicketKey: tr.ticket.Key, Action: action, ActorID: s.WorkerID}
	corr, err := s.Engine.AuditIntent(ctx, rec, payload)
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	out, callErr := call(ctx)
	result := audit.Payload{"ok": callErr == nil}
	for k, v := range out {
		result[k] = v
	}
	if callErr != nil {
		result["error"] = callErr.Error()
	}
	if err := s.Engine.AuditResult(context.WithoutCancel(ctx), corr, rec, result); err != nil {
		tr.log.Warn("audit result failed", "action", action, "error", err)
	}
	return callErr
}

// once performs a side effect at most once per (scope, key). A key
// completed by an earlier pass is skipped.
func (s *Scanner) once(ctx context.Context, tr *ticketRun, scope, key, action string, payload audit.Payload, call func(context.Context) error) error {
	res, err := s.Engine.ReserveAction(ctx, scope, key, tr.run.ID)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", scope, err)
	}
	if res.Completed {
		tr.log.Debug("action already performed", "scope", scope)
		return nil
	}
	err = s.external(ctx, tr, action, payload, func(ctx context.Context) (audit.Payload, error) {
		return nil, call(ctx)
	})
	detached := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := s.Engine.ReleaseAction(detached, scope, key); rerr != nil {
			tr.log.Warn("release action failed", "scope", scope, "error", rerr)
		}
		return err
	}
	if cerr := s.Engine.CompleteAction(detached, scope, key, payload); cerr != nil {
		tr.log.Warn("complete action failed", "scope", scope, "error", cerr)
	}
	return nil
}

// transition applies a tracker edge once per key. Unresolved edges fail
// before the tracker is called.
func (s *Scanner) transition(ctx context.Context, tr *ticketRun, edge workflow.Edge, key string) error {
	id, err := workflow.ResolveTransition(s.Config.Tracker.Transitions, edge)
	if err != nil {
		return err
	}
	payload := audit.Payload{"edge": string(edge), "transition_id": id}
	return s.once(ctx, tr, TransitionScope(edge), key, audit.ActionTrackerTransition, payload, func(ctx context.Context) error {
		return s.Tracker.Transition(ctx, tr.ticket.Key, id)
	})
}

func (s *Scanner) comment(ctx context.Context, tr *ticketRun, scope, key, text string) error {
	payload := audit.Payload{"scope": scope, "text": text}
	return s.once(ctx, tr, scope, key, audit.ActionTrackerComment, payload, func(ctx context.Context) error {
		return s.Tracker.AddComment(ctx, tr.ticket.Key, text)
	})
}

// cachedChange returns the pull request an earlier pass opened for the same
// fingerprint, if any.
func (s *Scanner) cachedChange(ctx context.Context, tr *ticketRun) (domain.ChangeResult, bool, error) {
	res, ok, err := s.Engine.LookupAction(ctx, ScopePRCreate, tr.fp.Full)
	if err != nil || !ok {
		return domain.ChangeResult{}, false, err
	}
	c, err := decodeChange(res)
	if err != nil {
		return c, false, err
	}
	tr.log.Info("reusing pull request", "pr_url", c.PRURL)
	return c, true, nil
}

func (s *Scanner) createChange(ctx context.Context, tr *ticketRun, req domain.ChangeRequest) (domain.ChangeResult, bool, error) {
	res, err := s.Engine.ReserveAction(ctx, ScopePRCreate, tr.fp.Full, tr.run.ID)
	if err != nil {
		return domain.ChangeResult{}, false, fmt.Errorf("reserve %s: %w", ScopePRCreate, err)
	}
	if res.Completed {
		c, err := decodeChange(res)
		return c, err == nil, err
	}

	var c domain.ChangeResult
	payload := audit.Payload{"repo": req.Repo, "branch": req.BranchName, "files": len(req.Files)}
	err = s.external(ctx, tr, audit.ActionPRCreate, payload, func(ctx context.Context) (audit.Payload, error) {
		var err error
		c, err = s.Mutator.CreateChange(ctx, req)
		if err != nil {
			if c.PRURL != "" {
				return audit.Payload{"pr_url": c.PRURL, "pr_number": c.PRNumber}, err
			}
			return nil, err
		}
		if c.PRURL == "" {
			return nil, vcs.ErrNoPRURL
		}
		return audit.Payload{"pr_url": c.PRURL, "pr_number": c.PRNumber}, nil
	})
	detached := context.WithoutCancel(ctx)
	if err != nil && c.PRURL != "" {
		// The pull request exists; a later failure must not open another.
		tr.log.Warn("pull request opened with errors", "pr_url", c.PRURL, "error", err)
		err = nil
	}
	if err != nil {
		if rerr := s.Engine.ReleaseAction(detached, ScopePRCreate, tr.fp.Full); rerr != nil {
			tr.log.Warn("release action failed", "scope", ScopePRCreate, "error", rerr)
		}
		return c, false, err
	}
	if cerr := s.Engine.CompleteAction(detached, ScopePRCreate, tr.fp.Full, c); cerr != nil {
		tr.log.Warn("complete action failed", "scope", ScopePRCreate, "error", cerr)
	}
	return c, false, nil
}

func decodeChange(res engine.Reservation) (domain.ChangeResult, error) {
	var c domain.ChangeResult
	if err := res.Decode(&c); err != nil {
		return c, fmt.Errorf("decode cached pull request: %w", err)
	}
	if c.PRURL == "" {
		return c, errors.New("cached pull request has no url")
	}
	return c, nil
}
