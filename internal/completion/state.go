// Package completion decides whether an agent session is genuinely finished.
package completion

import (
	"errors"
	"fmt"

	"github.com/sevir/capataz/pkg/models"
)

// ErrInvalidTransition is returned when an operation is not allowed from the
// current state. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid completion state transition")

const (
	// DefaultMaxContinuationAttempts bounds automatic continuations per session.
	DefaultMaxContinuationAttempts = 10
	// DefaultMaxPartialDowngrades bounds how often a success report is
	// downgraded because of open todos before it is accepted as is.
	DefaultMaxPartialDowngrades = 2
)

// State is the completion flow state of one session.
type State int

const (
	StateIdle State = iota
	StateBlocked
	StatePartialContinuationPending
	StateContinuationPending
	StateMaxRetriesReached
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBlocked:
		return "BLOCKED"
	case StatePartialContinuationPending:
		return "PARTIAL_CONTINUATION_PENDING"
	case StateContinuationPending:
		return "CONTINUATION_PENDING"
	case StateMaxRetriesReached:
		return "MAX_RETRIES_REACHED"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further continuation can happen.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateBlocked || s == StateMaxRetriesReached
}

// StateMachine records how a session signaled completion and counts
// continuation attempts. It is owned by a single session and not safe for
// concurrent use.
type StateMachine struct {
	state         State
	attempts      int
	maxAttempts   int
	downgrades    int
	maxDowngrades int
	args          *models.CompleteTaskArgs
}

// NewStateMachine creates a machine in StateIdle. A negative maxDowngrades
// means success reports with open todos are always downgraded.
func NewStateMachine(maxAttempts, maxDowngrades int) *StateMachine {
	return &StateMachine{
		maxAttempts:   maxAttempts,
		maxDowngrades: maxDowngrades,
	}
}

func (m *StateMachine) State() State { return m.state }

// Attempts returns the continuation attempts counted so far.
func (m *StateMachine) Attempts() int { return m.attempts }

func (m *StateMachine) MaxAttempts() int { return m.maxAttempts }

func (m *StateMachine) Downgrades() int { return m.downgrades }

func (m *StateMachine) IsTerminal() bool { return m.state.IsTerminal() }

// Completion returns a copy of the captured payload, or nil.
func (m *StateMachine) Completion() *models.CompleteTaskArgs {
	if m.args == nil {
		return nil
	}
	c := *m.args
	return &c
}

func (m *StateMachine) invalid(op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, m.state)
}

// RecordCompletion applies a completion report from the agent.
//
// A success report while todos remain open is downgraded to partial, with the
// open todo contents as remaining work, until the downgrade cap is reached;
// after that the success is accepted.
func (m *StateMachine) RecordCompletion(args models.CompleteTaskArgs, openTodos []models.TodoItem) (State, error) {
	switch m.state {
	case StateIdle, StateContinuationPending, StatePartialContinuationPending:
	default:
		return m.state, m.invalid("record completion")
	}

	switch args.Status {
	case models.CompletionSuccess:
		if len(openTodos) > 0 && (m.maxDowngrades < 0 || m.downgrades < m.maxDowngrades) {
			m.downgrades++
			args.Status = models.CompletionPartial
			args.RemainingWork = models.RemainingWork(openTodos)
			m.state = StatePartialContinuationPending
		} else {
			m.state = StateDone
		}
	case models.CompletionPartial:
		if args.RemainingWork == "" && len(openTodos) > 0 {
			args.RemainingWork = models.RemainingWork(openTodos)
		}
		m.state = StatePartialContinuationPending
	default:
		m.state = StateBlocked
	}

	m.args = &args
	return m.state, nil
}

// CompleteConversational finishes a session that answered without doing any
// work. A success payload is synthesized.
func (m *StateMachine) CompleteConversational(summary string) error {
	if m.state != StateIdle && m.state != StateContinuationPending {
		return m.invalid("complete conversational")
	}
	m.state = StateDone
	m.args = &models.CompleteTaskArgs{
		Status:  models.CompletionSuccess,
		Summary: summary,
	}
	return nil
}

// ScheduleContinuation counts a continuation attempt. It returns false once
// the cap is exceeded, leaving the machine in StateMaxRetriesReached.
// Scheduling from StateContinuationPending is tolerated.
func (m *StateMachine) ScheduleContinuation() (bool, error) {
	if m.state != StateIdle && m.state != StateContinuationPending {
		return false, m.invalid("schedule continuation")
	}
	if !m.countAttempt() {
		return false, nil
	}
	m.state = StateContinuationPending
	return true, nil
}

// StartContinuation moves a scheduled continuation back to StateIdle.
func (m *StateMachine) StartContinuation() error {
	if m.state != StateContinuationPending {
		return m.invalid("start continuation")
	}
	m.state = StateIdle
	return nil
}

// StartPartialContinuation counts an attempt for a partial report and returns
// to StateIdle, or returns false in StateMaxRetriesReached.
func (m *StateMachine) StartPartialContinuation() (bool, error) {
	if m.state != StatePartialContinuationPending {
		return false, m.invalid("start partial continuation")
	}
	if !m.countAttempt() {
		return false, nil
	}
	m.state = StateIdle
	return true, nil
}

func (m *StateMachine) countAttempt() bool {
	m.attempts++
	if m.attempts <= m.maxAttempts {
		return true
	}
	m.state = StateMaxRetriesReached
	if m.args == nil {
		m.args = &models.CompleteTaskArgs{
			Status:  models.CompletionPartial,
			Summary: fmt.Sprintf("stopped after %d continuation attempts", m.maxAttempts),
		}
	}
	return false
}

// Reset returns to StateIdle and clears the counters and payload.
func (m *StateMachine) Reset() {
	m.state = StateIdle
	m.attempts = 0
	m.downgrades = 0
	m.args = nil
}
