package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/capataz/internal/completion"
	"github.com/sevir/capataz/internal/diaglog"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/stream"
	"github.com/sevir/capataz/pkg/models"
)

// DefaultWaitingDelay is how long after a step starts without a tool call
// before a "waiting" progress event is emitted.
const DefaultWaitingDelay = 500 * time.Millisecond

// Tool names with special meaning to the session.
const (
	toolStartTask    = "start_task"
	toolCompleteTask = completion.CompleteTaskTool
	toolTodoWrite    = "todowrite"
)

var questionTools = []string{"question", "askuserquestion", "ask_user_question"}

// sessionCore holds the transport-independent part of a session: message
// dispatch, the completion enforcer and the finalize guard. Dispatch and exit
// handling run on one goroutine; the guard makes the diagnostic watcher safe
// to race against it.
type sessionCore struct {
	taskID       string
	cb           Callbacks
	log          *logging.Logger
	enforcer     *completion.Enforcer
	waitingDelay time.Duration

	finalized atomic.Bool

	mu          sync.Mutex
	state       State
	sessionID   string
	cfg         models.TaskConfig
	interrupted bool
	cancelled   bool
	invocations int
	waitTimer   *time.Timer
	toolSeen    bool
	textBuf     strings.Builder
	handled     map[string]bool
	startedAt   time.Time
}

func newSessionCore(taskID string, cb Callbacks, enforcer *completion.Enforcer, waitingDelay time.Duration, log *logging.Logger) *sessionCore {
	if waitingDelay <= 0 {
		waitingDelay = DefaultWaitingDelay
	}
	c := &sessionCore{
		taskID:       taskID,
		cb:           cb,
		log:          log,
		enforcer:     enforcer,
		waitingDelay: waitingDelay,
	}
	enforcer.SetDebug(func(category, message string, data map[string]any) {
		c.cb.debug(category, message, data)
	})
	return c
}

// reset returns a finished or cancelled core to idle.
func (c *sessionCore) reset() {
	c.stopWaiting()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized.Store(false)
	c.cancelled = false
	c.interrupted = false
	c.state = StateIdle
}

// begin prepares for a new task.
func (c *sessionCore) begin(cfg models.TaskConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized.Store(false)
	c.state = StateStarting
	c.cfg = cfg
	c.sessionID = cfg.SessionID
	c.interrupted = false
	c.cancelled = false
	c.invocations = 0
	c.startedAt = time.Now()
	c.enforcer.Reset(cfg.Prompt)
}

// beginInvocation resets per-invocation dispatch state.
func (c *sessionCore) beginInvocation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocations++
	c.toolSeen = false
	c.handled = make(map[string]bool)
	c.textBuf.Reset()
	c.state = StateStarting
	return c.invocations
}

func (c *sessionCore) setRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsFinal() {
		c.state = StateRunning
	}
}

func (c *sessionCore) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *sessionCore) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *sessionCore) session() models.TaskSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.TaskSession{
		TaskID:      c.taskID,
		SessionID:   c.sessionID,
		Invocations: c.invocations,
		StartedAt:   c.startedAt,
	}
}

// continuationConfig returns the config for resuming the session with prompt.
func (c *sessionCore) continuationConfig(prompt string) models.TaskConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg
	next.Prompt = prompt
	next.SessionID = c.sessionID
	return next
}

func (c *sessionCore) isFinalized() bool {
	return c.finalized.Load()
}

func (c *sessionCore) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *sessionCore) markInterrupted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
}

// cancel claims the session without emitting anything.
func (c *sessionCore) cancel() bool {
	if !c.finalized.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	c.cancelled = true
	c.state = StateInterrupted
	c.mu.Unlock()
	c.stopWaiting()
	return true
}

// finish emits the single terminal outcome. It reports false if the session
// was already finalized.
func (c *sessionCore) finish(result models.TaskResult, err error) bool {
	if !c.finalized.CompareAndSwap(false, true) {
		return false
	}
	c.emitFinal(result, err)
	return true
}

func (c *sessionCore) emitFinal(result models.TaskResult, err error) {
	c.stopWaiting()
	if result.SessionID == "" {
		result.SessionID = c.SessionID()
	}

	c.mu.Lock()
	switch {
	case result.Status == models.ResultError:
		c.state = StateErrored
	case result.Status == models.ResultInterrupted:
		c.state = StateInterrupted
	default:
		c.state = StateCompleted
	}
	c.mu.Unlock()

	c.log.InfoCtx("session finished", map[string]any{
		"status":     string(result.Status),
		"session_id": result.SessionID,
	})
	if err != nil {
		c.cb.fail(err)
	}
	c.cb.complete(result)
}

func (c *sessionCore) fail(err error) bool {
	return c.finish(models.TaskResult{Status: models.ResultError, Error: err.Error()}, err)
}

func (c *sessionCore) finishFromEnforcer() bool {
	status, args := c.enforcer.Outcome()
	return c.finish(models.TaskResult{Status: status, Completion: args}, nil)
}

// dispatch handles one protocol message and reports whether it finalized
// the session.
func (c *sessionCore) dispatch(msg stream.Message) bool {
	if c.isFinalized() {
		return false
	}
	if msg.SessionID != "" {
		c.captureSession(msg.SessionID)
	}

	switch msg.Kind {
	case stream.KindStepStart:
		c.cb.progress(models.StageConnecting, "Connected to agent")
		c.armWaiting()

	case stream.KindText:
		c.handleText(msg)

	case stream.KindToolCall, stream.KindToolUse, stream.KindToolResult:
		c.handleTool(msg)

	case stream.KindStepFinish:
		reason := stream.FinishStop
		if msg.Finish != nil {
			reason = msg.Finish.Reason
		}
		if reason == stream.FinishError {
			return c.fail(fmt.Errorf("%w: step finished with error", ErrAgentError))
		}
		action := c.enforcer.HandleStepFinish(reason)
		c.cb.debug("step_finish", "step finished", map[string]any{
			"reason": string(reason),
			"action": action.String(),
		})
		if action == completion.ActionComplete {
			return c.finishFromEnforcer()
		}

	case stream.KindError:
		return c.handleStreamError(msg.Err)
	}
	return false
}

func (c *sessionCore) captureSession(id string) {
	c.mu.Lock()
	first := c.sessionID == ""
	if first {
		c.sessionID = id
	}
	c.mu.Unlock()
	if first {
		c.cb.debug("session", "agent session started", map[string]any{"session_id": id})
	}
}

func (c *sessionCore) handleText(msg stream.Message) {
	c.mu.Lock()
	if msg.Delta {
		c.textBuf.WriteString(msg.Text)
	} else {
		c.textBuf.Reset()
		c.textBuf.WriteString(msg.Text)
	}
	text := c.textBuf.String()
	toolSeen := c.toolSeen
	c.mu.Unlock()

	if toolSeen {
		c.stopWaiting()
	}
	c.enforcer.NoteText(text)
	if msg.Text != "" {
		c.cb.message(msg.Text)
	}
}

func (c *sessionCore) handleTool(msg stream.Message) {
	c.stopWaiting()
	c.enforcer.MarkToolsUsed()

	tool := msg.Tool
	if tool == nil {
		tool = &stream.ToolPart{}
	}

	c.mu.Lock()
	c.toolSeen = true
	key := tool.CallID
	if key != "" && c.handled[key] && isSpecialTool(tool.Name) {
		c.mu.Unlock()
		return
	}
	// Specials are acted on once their input is known.
	if key != "" && len(tool.Input) > 0 {
		c.handled[key] = true
	}
	c.mu.Unlock()

	c.cb.progress(models.StageTool, tool.Name)
	if len(tool.Input) == 0 {
		return
	}

	switch {
	case toolIs(tool.Name, toolStartTask):
		c.handleStartTask(tool.Input)
	case toolIs(tool.Name, toolCompleteTask):
		c.handleCompleteTask(tool.Input)
	case toolIs(tool.Name, toolTodoWrite):
		c.handleTodoWrite(tool.Input)
	case isQuestionTool(tool.Name):
		c.handleQuestion(tool)
	}
}

func (c *sessionCore) handleStartTask(input map[string]any) {
	var plan struct {
		Goal         string `json:"goal"`
		Steps        []any  `json:"steps"`
		Verification string `json:"verification"`
	}
	if err := decodeInput(input, &plan); err != nil {
		c.cb.debug("tool", "invalid start_task input", map[string]any{"error": err.Error()})
		return
	}

	var todos []models.TodoItem
	for i, step := range plan.Steps {
		content := stepText(step)
		if content == "" {
			continue
		}
		status := models.TodoPending
		if len(todos) == 0 {
			status = models.TodoInProgress
		}
		todos = append(todos, models.TodoItem{
			ID:       fmt.Sprintf("step-%d", i+1),
			Content:  content,
			Status:   status,
			Priority: "medium",
		})
	}

	c.cb.debug("plan", "task plan captured", map[string]any{
		"goal":         plan.Goal,
		"steps":        len(todos),
		"verification": plan.Verification,
	})
	c.enforcer.UpdateTodos(todos)
	c.cb.todos(todos)
}

func (c *sessionCore) handleCompleteTask(input map[string]any) {
	args := models.CompleteTaskArgs{
		Status:                 models.CompletionStatus(strings.ToLower(inputString(input, "status"))),
		Summary:                inputString(input, "summary"),
		OriginalRequestSummary: inputString(input, "original_request_summary", "originalRequestSummary"),
		RemainingWork:          inputString(input, "remaining_work", "remainingWork"),
	}
	state, err := c.enforcer.HandleCompleteTask(args)
	data := map[string]any{"status": string(args.Status), "state": state.String()}
	if err != nil {
		data["error"] = err.Error()
	}
	c.cb.debug("completion", "complete_task received", data)
}

func (c *sessionCore) handleTodoWrite(input map[string]any) {
	var payload struct {
		Todos []models.TodoItem `json:"todos"`
	}
	if err := decodeInput(input, &payload); err != nil {
		c.cb.debug("tool", "invalid todowrite input", map[string]any{"error": err.Error()})
		return
	}
	c.enforcer.UpdateTodos(payload.Todos)
	c.cb.todos(payload.Todos)
}

func (c *sessionCore) handleQuestion(tool *stream.ToolPart) {
	req := models.PermissionRequest{
		ID:       tool.CallID,
		TaskID:   c.taskID,
		Kind:     "question",
		ToolName: tool.Name,
		Question: inputString(tool.Input, "question"),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if opts, ok := tool.Input["options"].([]any); ok {
		req.Options = optionLabels(opts)
	}
	// Multi-question form: surface the first question.
	if qs, ok := tool.Input["questions"].([]any); ok && len(qs) > 0 && req.Question == "" {
		if q, ok := qs[0].(map[string]any); ok {
			req.Question = inputString(q, "question")
			if opts, ok := q["options"].([]any); ok {
				req.Options = optionLabels(opts)
			}
		}
	}
	c.cb.permission(req)
}

func (c *sessionCore) handleStreamError(e *stream.ErrorPart) bool {
	if e == nil {
		e = &stream.ErrorPart{Message: "unknown error"}
	}
	if !c.finalized.CompareAndSwap(false, true) {
		return false
	}
	if e.StatusCode == 401 || e.StatusCode == 403 {
		c.cb.authError(c.providerFor(e.ProviderID), e.Message)
	}
	err := fmt.Errorf("%w: %s", ErrAgentError, e.Error())
	c.emitFinal(models.TaskResult{Status: models.ResultError, Error: err.Error()}, err)
	return true
}

// outOfBand handles a diagnostic record and reports whether it ended the session.
func (c *sessionCore) outOfBand(rec diaglog.Record) bool {
	sid := c.SessionID()
	if rec.SessionID != "" && sid != "" && rec.SessionID != sid {
		return false
	}
	if !c.finalized.CompareAndSwap(false, true) {
		return false
	}
	if rec.IsAuth() {
		c.cb.authError(c.providerFor(rec.ProviderID), rec.Message)
	}
	err := fmt.Errorf("%w: %s", ErrOutOfBand, rec.String())
	c.emitFinal(models.TaskResult{Status: models.ResultError, Error: err.Error()}, err)
	return true
}

func (c *sessionCore) providerFor(id string) string {
	if id != "" {
		return id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ProviderID
}

// handleExit decides what follows a finished invocation. It returns the
// continuation prompt and true when another invocation should be started.
func (c *sessionCore) handleExit(exitCode int) (string, bool) {
	c.stopWaiting()
	if c.isFinalized() {
		return "", false
	}

	c.mu.Lock()
	interrupted := c.interrupted
	c.mu.Unlock()

	if interrupted && isCleanInterruptExit(exitCode) {
		c.finish(models.TaskResult{Status: models.ResultInterrupted}, nil)
		return "", false
	}

	decision := c.enforcer.HandleProcessExit(exitCode)
	switch decision.Kind {
	case completion.ExitContinue:
		if interrupted {
			// Never resume a session the user stopped.
			c.fail(fmt.Errorf("%w: exit code %d after interrupt", ErrAbnormalExit, exitCode))
			return "", false
		}
		return decision.Prompt, true
	case completion.ExitComplete:
		c.finishFromEnforcer()
	default:
		c.fail(fmt.Errorf("%w: exit code %d", ErrAbnormalExit, exitCode))
	}
	return "", false
}

// isCleanInterruptExit accepts a zero exit, or the conventional status of a
// process that ended on SIGINT.
func isCleanInterruptExit(code int) bool {
	return code == 0 || code == 130
}

func (c *sessionCore) armWaiting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitTimer != nil {
		c.waitTimer.Stop()
	}
	c.waitTimer = time.AfterFunc(c.waitingDelay, func() {
		if c.isFinalized() {
			return
		}
		c.cb.progress(models.StageWaiting, "Waiting for the model")
	})
}

func (c *sessionCore) stopWaiting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitTimer != nil {
		c.waitTimer.Stop()
		c.waitTimer = nil
	}
}

func toolIs(name, want string) bool {
	n := strings.ToLower(name)
	return n == want || strings.HasSuffix(n, "_"+want) || strings.HasSuffix(n, "."+want)
}

func isQuestionTool(name string) bool {
	for _, q := range questionTools {
		if toolIs(name, q) {
			return true
		}
	}
	return false
}

func isSpecialTool(name string) bool {
	return toolIs(name, toolStartTask) || toolIs(name, toolCompleteTask) ||
		toolIs(name, toolTodoWrite) || isQuestionTool(name)
}

func decodeInput(input map[string]any, v any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func inputString(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stepText(step any) string {
	switch s := step.(type) {
	case string:
		return strings.TrimSpace(s)
	case map[string]any:
		return strings.TrimSpace(inputString(s, "description", "content", "title", "step"))
	default:
		return ""
	}
}

func optionLabels(opts []any) []string {
	labels := make([]string, 0, len(opts))
	for _, o := range opts {
		switch v := o.(type) {
		case string:
			labels = append(labels, v)
		case map[string]any:
			if l := inputString(v, "label", "value"); l != "" {
				labels = append(labels, l)
			}
		}
	}
	return labels
}
