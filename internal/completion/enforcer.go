package completion

import (
	"fmt"

	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/stream"
	"github.com/sevir/capataz/pkg/models"
)

const maxSummaryLen = 500

// Action is the enforcer's verdict on a step boundary.
type Action int

const (
	// ActionContinue means more steps are expected.
	ActionContinue Action = iota
	// ActionPending means a continuation will be dispatched at process exit.
	ActionPending
	// ActionComplete means the session is finished and should be reported now.
	ActionComplete
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionPending:
		return "pending"
	case ActionComplete:
		return "complete"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ExitKind is what to do once an agent process has exited.
type ExitKind int

const (
	ExitComplete ExitKind = iota
	ExitContinue
	ExitError
)

// ExitDecision is returned by HandleProcessExit.
type ExitDecision struct {
	Kind ExitKind
	// Prompt is the continuation prompt when Kind is ExitContinue.
	Prompt   string
	ExitCode int
}

// DebugFunc receives enforcer diagnostics.
type DebugFunc func(category, message string, data map[string]any)

// Option configures an Enforcer.
type Option func(*Enforcer)

func WithMaxContinuationAttempts(n int) Option {
	return func(e *Enforcer) { e.maxAttempts = n }
}

func WithMaxPartialDowngrades(n int) Option {
	return func(e *Enforcer) { e.maxDowngrades = n }
}

// Limits bounds automatic continuations and success-to-partial downgrades.
// Zero is a real limit: no continuations, or no downgrades.
type Limits struct {
	MaxContinuationAttempts int
	MaxPartialDowngrades    int
}

// DefaultLimits returns the built-in caps.
func DefaultLimits() Limits {
	return Limits{
		MaxContinuationAttempts: DefaultMaxContinuationAttempts,
		MaxPartialDowngrades:    DefaultMaxPartialDowngrades,
	}
}

// WithLimits sets both caps.
func WithLimits(l Limits) Option {
	return func(e *Enforcer) {
		e.maxAttempts = l.MaxContinuationAttempts
		e.maxDowngrades = l.MaxPartialDowngrades
	}
}

// WithDebug sets the hook for debug events.
func WithDebug(fn DebugFunc) Option {
	return func(e *Enforcer) { e.debug = fn }
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Enforcer) { e.log = l }
}

// Enforcer applies the completion policy on top of a StateMachine. Like the
// machine it belongs to one session and is driven from a single goroutine.
type Enforcer struct {
	sm             *StateMachine
	maxAttempts    int
	maxDowngrades  int
	toolsUsed      bool
	lastText       string
	todos          []models.TodoItem
	originalPrompt string
	debug          DebugFunc
	log            *logging.Logger
}

// NewEnforcer creates an Enforcer for a session started with originalPrompt.
func NewEnforcer(originalPrompt string, opts ...Option) *Enforcer {
	e := &Enforcer{
		maxAttempts:    DefaultMaxContinuationAttempts,
		maxDowngrades:  DefaultMaxPartialDowngrades,
		originalPrompt: originalPrompt,
		log:            logging.Component("completion"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sm = NewStateMachine(e.maxAttempts, e.maxDowngrades)
	return e
}

// SetDebug replaces the debug hook.
func (e *Enforcer) SetDebug(fn DebugFunc) {
	e.debug = fn
}

func (e *Enforcer) emit(category, message string, data map[string]any) {
	e.log.DebugCtx(message, map[string]any{"category": category, "state": e.sm.State().String()})
	if e.debug != nil {
		e.debug(category, message, data)
	}
}

// MarkToolsUsed records that the current invocation did real work.
func (e *Enforcer) MarkToolsUsed() {
	e.toolsUsed = true
}

func (e *Enforcer) ToolsUsed() bool { return e.toolsUsed }

// NoteText records the latest assistant text, used as the summary of a
// conversational completion.
func (e *Enforcer) NoteText(text string) {
	e.lastText = text
}

// UpdateTodos replaces the tracked todo list.
func (e *Enforcer) UpdateTodos(todos []models.TodoItem) {
	e.todos = append([]models.TodoItem(nil), todos...)
}

// Todos returns a copy of the tracked todo list.
func (e *Enforcer) Todos() []models.TodoItem {
	return append([]models.TodoItem(nil), e.todos...)
}

// HandleCompleteTask records the agent's completion report.
func (e *Enforcer) HandleCompleteTask(args models.CompleteTaskArgs) (State, error) {
	open := models.OpenTodos(e.todos)
	before := e.sm.Downgrades()
	state, err := e.sm.RecordCompletion(args, open)
	if err != nil {
		e.emit("completion", "ignored completion report", map[string]any{"error": err.Error()})
		return state, err
	}
	if e.sm.Downgrades() > before {
		e.emit("completion", "success downgraded to partial: open todos remain", map[string]any{
			"open_todos": len(open),
		})
	} else if args.Status == models.CompletionSuccess && len(open) > 0 {
		e.emit("completion", "success accepted despite open todos", map[string]any{
			"open_todos": len(open),
			"downgrades": before,
		})
	}
	return state, nil
}

// HandleStepFinish decides what a step boundary means for the session.
func (e *Enforcer) HandleStepFinish(reason stream.FinishReason) Action {
	if !reason.IsTerminating() {
		return ActionContinue
	}

	switch e.sm.State() {
	case StateDone, StateBlocked, StateMaxRetriesReached:
		return ActionComplete
	case StatePartialContinuationPending, StateContinuationPending:
		return ActionPending
	}

	if !e.toolsUsed {
		_ = e.sm.CompleteConversational(models.TruncateString(e.lastText, maxSummaryLen))
		e.emit("completion", "no tools used", map[string]any{"reason": string(reason)})
		return ActionComplete
	}

	ok, err := e.sm.ScheduleContinuation()
	if err != nil {
		e.emit("completion", "could not schedule continuation", map[string]any{"error": err.Error()})
		return ActionContinue
	}
	if !ok {
		e.emit("completion", "max continuation attempts reached", map[string]any{"attempts": e.sm.Attempts()})
		return ActionComplete
	}
	e.emit("completion", "stopped without completion report, continuation scheduled", map[string]any{
		"attempt": e.sm.Attempts(),
	})
	return ActionPending
}

// HandleProcessExit decides what to do once the agent process has exited.
// Continuations are only dispatched for a clean exit.
func (e *Enforcer) HandleProcessExit(exitCode int) ExitDecision {
	state := e.sm.State()
	if state.IsTerminal() {
		return ExitDecision{Kind: ExitComplete, ExitCode: exitCode}
	}

	if exitCode != 0 {
		if state == StatePartialContinuationPending {
			e.emit("completion", "process failed after partial report", map[string]any{"exit_code": exitCode})
			return ExitDecision{Kind: ExitComplete, ExitCode: exitCode}
		}
		return ExitDecision{Kind: ExitError, ExitCode: exitCode}
	}

	switch state {
	case StateContinuationPending:
		return e.continueWith(ReminderPrompt, e.sm.StartContinuation())

	case StatePartialContinuationPending:
		ok, err := e.sm.StartPartialContinuation()
		if err == nil && !ok {
			e.emit("completion", "max continuation attempts reached", map[string]any{"attempts": e.sm.Attempts()})
			return ExitDecision{Kind: ExitComplete}
		}
		return e.continueWith(PartialPrompt(e.originalPrompt, e.sm.Completion()), err)

	default:
		// Exited without a terminating step boundary.
		if !e.toolsUsed {
			_ = e.sm.CompleteConversational(models.TruncateString(e.lastText, maxSummaryLen))
			e.emit("completion", "no tools used", map[string]any{"reason": "exit"})
			return ExitDecision{Kind: ExitComplete}
		}
		ok, err := e.sm.ScheduleContinuation()
		if err == nil && !ok {
			e.emit("completion", "max continuation attempts reached", map[string]any{"attempts": e.sm.Attempts()})
			return ExitDecision{Kind: ExitComplete}
		}
		if err == nil {
			err = e.sm.StartContinuation()
		}
		return e.continueWith(ReminderPrompt, err)
	}
}

func (e *Enforcer) continueWith(prompt string, err error) ExitDecision {
	if err != nil {
		e.emit("completion", "continuation rejected", map[string]any{"error": err.Error()})
		return ExitDecision{Kind: ExitError}
	}
	e.toolsUsed = false
	e.lastText = ""
	e.emit("continuation", "dispatching continuation", map[string]any{"attempt": e.sm.Attempts()})
	return ExitDecision{Kind: ExitContinue, Prompt: prompt}
}

// ShouldComplete is true iff the state machine is terminal.
func (e *Enforcer) ShouldComplete() bool {
	return e.sm.IsTerminal()
}

// Outcome maps the current state to a result status and the captured payload.
func (e *Enforcer) Outcome() (models.ResultStatus, *models.CompleteTaskArgs) {
	switch e.sm.State() {
	case StateDone:
		return models.ResultSuccess, e.sm.Completion()
	case StateBlocked:
		return models.ResultBlocked, e.sm.Completion()
	case StateMaxRetriesReached, StatePartialContinuationPending:
		return models.ResultPartial, e.sm.Completion()
	default:
		return models.ResultSuccess, nil
	}
}

func (e *Enforcer) State() State { return e.sm.State() }

// Attempts returns the continuation attempts made in this session.
func (e *Enforcer) Attempts() int { return e.sm.Attempts() }

// Reset prepares the enforcer for a brand-new task.
func (e *Enforcer) Reset(originalPrompt string) {
	e.sm.Reset()
	e.toolsUsed = false
	e.lastText = ""
	e.todos = nil
	e.originalPrompt = originalPrompt
}
