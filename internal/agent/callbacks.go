package agent

import (
	"context"
	"fmt"

	"github.com/sevir/capataz/pkg/models"
)

// State is the lifecycle state of an adapter.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateCompleted
	StateErrored
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsFinal reports whether the adapter has finished its session.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateErrored || s == StateInterrupted
}

// Callbacks receive lifecycle events for one session. Any field may be nil.
// OnComplete fires exactly once per session unless the session is cancelled;
// error outcomes fire OnError first.
type Callbacks struct {
	OnMessage           func(content string)
	OnProgress          func(stage models.ProgressStage, message string)
	OnPermissionRequest func(req models.PermissionRequest)
	OnComplete          func(result models.TaskResult)
	OnError             func(err error)
	OnDebug             func(category, message string, data map[string]any)
	OnTodoUpdate        func(todos []models.TodoItem)
	OnAuthError         func(providerID, message string)
}

func (c Callbacks) message(content string) {
	if c.OnMessage != nil {
		c.OnMessage(content)
	}
}

func (c Callbacks) progress(stage models.ProgressStage, message string) {
	if c.OnProgress != nil {
		c.OnProgress(stage, message)
	}
}

func (c Callbacks) permission(req models.PermissionRequest) {
	if c.OnPermissionRequest != nil {
		c.OnPermissionRequest(req)
	}
}

func (c Callbacks) complete(result models.TaskResult) {
	if c.OnComplete != nil {
		c.OnComplete(result)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) debug(category, message string, data map[string]any) {
	if c.OnDebug != nil {
		c.OnDebug(category, message, data)
	}
}

func (c Callbacks) todos(items []models.TodoItem) {
	if c.OnTodoUpdate != nil {
		c.OnTodoUpdate(items)
	}
}

func (c Callbacks) authError(providerID, message string) {
	if c.OnAuthError != nil {
		c.OnAuthError(providerID, message)
	}
}

// Adapter runs one task session at a time. The PTY and server transports
// both implement it.
type Adapter interface {
	// Start begins the session and returns once the first invocation is
	// underway. Later events arrive through the adapter's Callbacks.
	Start(ctx context.Context, cfg models.TaskConfig) error
	// Cancel hard-stops the session. No callbacks fire afterwards.
	Cancel() error
	// Interrupt asks the agent to stop; a clean exit then reports interrupted.
	Interrupt() error
	// SendInput writes text to the running agent.
	SendInput(text string) error
	// RequestPermission surfaces a permission request through the callbacks.
	RequestPermission(req models.PermissionRequest)
	// Reset prepares a finished adapter for a new task.
	Reset() error
	State() State
	SessionID() string
	// Done is closed when the session has finished or been cancelled.
	Done() <-chan struct{}
}
