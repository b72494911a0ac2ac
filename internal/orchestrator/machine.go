package orchestrator

import (
	"fmt"

	"novelloop/internal/errs"
	"novelloop/internal/logging"
)

// State is a stage of one episode attempt.
type State string

const (
	StateDrafting          State = "DRAFTING"
	StateHardValidating    State = "HARD_VALIDATING"
	StateContinuityReview  State = "CONTINUITY_REVIEW"
	StateFactExtraction    State = "FACT_EXTRACTION"
	StateGrounding         State = "GROUNDING"
	StateConsistencyReview State = "CONSISTENCY_REVIEW"
	StatePersisting        State = "PERSISTING"
	StateDone              State = "DONE"
	StateFailed            State = "FAILED"
)

// transitions lists the legal successors of each state. DONE and FAILED
// are terminal.
var transitions = map[State][]State{
	StateDrafting:          {StateHardValidating, StateFailed},
	StateHardValidating:    {StateDrafting, StateContinuityReview, StateFailed},
	StateContinuityReview:  {StateDrafting, StateFactExtraction, StateFailed},
	StateFactExtraction:    {StateGrounding, StateFailed},
	StateGrounding:         {StateConsistencyReview, StateFailed},
	StateConsistencyReview: {StateDrafting, StatePersisting, StateDone, StateFailed},
	StatePersisting:        {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the state of one episode attempt.
type machine struct {
	state   State
	attempt int
	history []State
	audit   *logging.AuditLogger
}

func newMachine(audit *logging.AuditLogger) *machine {
	return &machine{state: StateDrafting, history: []State{StateDrafting}, audit: audit}
}

// to moves to next. An illegal transition is a programming error.
func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return errs.Unexpected("orchestrator.transition", fmt.Errorf("illegal transition %s -> %s", m.state, next))
	}
	m.audit.StateChange(string(m.state), string(next), m.attempt)
	logging.OrchestratorDebug("state %s -> %s (attempt %d)", m.state, next, m.attempt)
	m.state = next
	m.history = append(m.history, next)
	return nil
}

func (m *machine) terminal() bool {
	return m.state == StateDone || m.state == StateFailed
}
