// Package workflow defines the two state machines a scan drives: the coarse
// lifecycle of a ticket inside one pass, and the persisted cursor of a run.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"shipline/internal/config"
)

var (
	ErrInvalidTransition    = errors.New("invalid ticket state transition")
	ErrUnresolvedTransition = errors.New("unresolved tracker transition")
)

type State string

const (
	Ready             State = "ready"
	Validating        State = "validating"
	Blocked           State = "blocked"
	InProgress        State = "in_progress"
	ProposalRequested State = "proposal_requested"
	PrCreating        State = "pr_creating"
	InReview          State = "in_review"
	Failed            State = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == InReview || s == Failed
}

func ensureTicketTransition(from, to State) error {
	switch from {
	case Ready:
		if to == Validating {
			return nil
		}
	case Validating:
		if to == Blocked || to == InProgress || to == Failed {
			return nil
		}
	case Blocked:
		if to == InReview || to == Failed {
			return nil
		}
	case InProgress:
		if to == ProposalRequested || to == InReview || to == Failed {
			return nil
		}
	case ProposalRequested:
		if to == PrCreating || to == InReview || to == Failed {
			return nil
		}
	case PrCreating:
		if to == InReview || to == Failed {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
}

// Machine tracks one ticket through a single pass.
type Machine struct {
	state   State
	history []State
}

func NewMachine() *Machine {
	return &Machine{state: Ready, history: []State{Ready}}
}

func (m *Machine) State() State { return m.state }

// History lists every state visited, starting with Ready.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Allows reports whether the table permits moving to state to.
func (m *Machine) Allows(to State) error {
	return ensureTicketTransition(m.state, to)
}

// Advance moves to the next state if the table allows it.
func (m *Machine) Advance(to State) error {
	if err := m.Allows(to); err != nil {
		return err
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Edge names a tracker workflow transition the scanner performs.
type Edge string

const (
	EdgeStart  Edge = "ready->in_progress"
	EdgeBlock  Edge = "ready->in_review"
	EdgeFinish Edge = "in_progress->in_review"
)

// EdgeFor returns the tracker edge that carries a ticket from one state to
// another, or false when the move has no tracker counterpart.
func EdgeFor(from, to State) (Edge, bool) {
	switch {
	case from == Validating && to == InProgress:
		return EdgeStart, true
	case from == Blocked && to == InReview:
		return EdgeBlock, true
	case to == InReview && (from == InProgress || from == ProposalRequested || from == PrCreating):
		return EdgeFinish, true
	}
	return "", false
}

// ResolveTransition maps an edge to its configured transition id. An empty
// id is an error here so it never reaches the tracker.
func ResolveTransition(t config.Transitions, e Edge) (string, error) {
	var id string
	switch e {
	case EdgeStart:
		id = t.ReadyToInProgress
	case EdgeBlock:
		id = t.ReadyToInReview
	case EdgeFinish:
		id = t.InProgressToInReview
	default:
		return "", fmt.Errorf("%w: unknown edge %q", ErrUnresolvedTransition, e)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: no transition id configured for %s", ErrUnresolvedTransition, e)
	}
	return id, nil
}
