package workflow

import (
	"errors"
	"fmt"
)

var ErrInvalidCursor = errors.New("invalid cursor transition")

// Run cursor states.
const (
	CursorReceived   = "received"
	CursorInProgress = "in_progress"
	CursorDone       = "done"
	CursorFailed     = "failed"
	CursorCancelled  = "cancelled"
)

// Run cursor steps. Steps inside received and in_progress are ordered; the
// rest mark how a terminal state was reached.
const (
	StepValidating           = "validating"
	StepTransitionInProgress = "transition_in_progress"
	StepProposalRequested    = "proposal_requested"
	StepPrCreating           = "pr_creating"
	StepTransitionInReview   = "transition_in_review"

	StepInReview           = "in_review"
	StepBlocked            = "blocked"
	StepCompensated        = "compensated"
	StepCompensationFailed = "compensation_failed"
	StepAborted            = "aborted"
	StepCancelled          = "cancelled"
)

var orderedSteps = map[string][]string{
	CursorReceived:   {StepValidating},
	CursorInProgress: {StepTransitionInProgress, StepProposalRequested, StepPrCreating, StepTransitionInReview},
}

var terminalSteps = map[string][]string{
	CursorDone:      {StepInReview, StepBlocked},
	CursorFailed:    {StepCompensated, StepCompensationFailed, StepAborted},
	CursorCancelled: {StepCancelled},
}

type Cursor struct {
	State   string `json:"state"`
	Step    string `json:"step"`
	Attempt int    `json:"attempt"`
}

// Initial is the cursor of a freshly created run.
func Initial() Cursor {
	return Cursor{State: CursorReceived, Step: StepValidating, Attempt: 1}
}

// IsTerminalState reports whether state ends a run.
func IsTerminalState(state string) bool {
	_, ok := terminalSteps[state]
	return ok
}

// IsActiveState reports whether a run in state counts toward the
// one-active-run-per-ticket rule.
func IsActiveState(state string) bool {
	return state == CursorReceived || state == CursorInProgress
}

func stepIndex(state, step string) int {
	for i, s := range orderedSteps[state] {
		if s == step {
			return i
		}
	}
	return -1
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// CheckCursor validates a move from one position to another. Repeating
// the current position is a retry; anything backward is rejected.
func CheckCursor(from Cursor, toState, toStep string) error {
	if IsTerminalState(from.State) {
		return fmt.Errorf("%w: run already %s", ErrInvalidCursor, from.State)
	}
	if steps, ok := terminalSteps[toState]; ok {
		if !contains(steps, toStep) {
			return fmt.Errorf("%w: step %q does not end a run as %s", ErrInvalidCursor, toStep, toState)
		}
		return nil
	}
	toIdx := stepIndex(toState, toStep)
	if toIdx < 0 {
		return fmt.Errorf("%w: unknown step %s/%s", ErrInvalidCursor, toState, toStep)
	}
	switch {
	case from.State == toState:
		if toIdx >= stepIndex(from.State, from.Step) {
			return nil
		}
	case from.State == CursorReceived && toState == CursorInProgress:
		return nil
	}
	return fmt.Errorf("%w: %s/%s -> %s/%s", ErrInvalidCursor, from.State, from.Step, toState, toStep)
}

// Next computes the cursor after a validated move. The attempt counter only
// grows when the same step is entered again.
func Next(from Cursor, toState, toStep string) (Cursor, error) {
	if err := CheckCursor(from, toState, toStep); err != nil {
		return from, err
	}
	next := Cursor{State: toState, Step: toStep, Attempt: 1}
	if from.State == toState && from.Step == toStep {
		next.Attempt = from.Attempt + 1
	}
	return next, nil
}
