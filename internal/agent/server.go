package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/capataz/internal/completion"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/stream"
	"github.com/sevir/capataz/pkg/models"
)

// ErrHubStopped is returned when the agent server is not running.
var ErrHubStopped = errors.New("agent server not running")

// hubRequest is a command written to the agent server, one JSON object per line.
type hubRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// ServerHub supervises one long-lived agent server and routes its events to
// per-task ServerAdapters by session id.
type ServerHub struct {
	cmd      Command
	launcher Launcher
	grace    time.Duration
	log      *logging.Logger

	mu        sync.Mutex
	proc      Process
	enc       *json.Encoder
	running   bool
	byRequest map[string]*ServerAdapter
	bySession map[string]*ServerAdapter
	// aborted holds request ids cancelled before their session was known.
	aborted map[string]struct{}
	exited  chan struct{}
}

// NewServerHub creates a hub for the server command cmd.
func NewServerHub(cmd Command, launcher Launcher, log *logging.Logger) *ServerHub {
	if launcher == nil {
		launcher = PipeLauncher{}
	}
	if log == nil {
		log = logging.Component("agent-server")
	}
	return &ServerHub{
		cmd:       cmd,
		launcher:  launcher,
		grace:     DefaultStopGracePeriod,
		log:       log,
		byRequest: make(map[string]*ServerAdapter),
		bySession: make(map[string]*ServerAdapter),
		aborted:   make(map[string]struct{}),
	}
}

// Start launches the agent server.
func (h *ServerHub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrAlreadyStarted
	}

	proc, err := h.launcher.Launch(ctx, h.cmd)
	if err != nil {
		return err
	}
	h.proc = proc
	h.enc = json.NewEncoder(proc)
	h.running = true
	h.exited = make(chan struct{})

	h.log.InfoCtx("agent server started", map[string]any{"pid": proc.Pid(), "cmd": h.cmd.Path})
	go h.readLoop(proc, h.exited)
	return nil
}

// Stop asks the server to exit and kills it after the grace period.
func (h *ServerHub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	proc, exited := h.proc, h.exited
	h.mu.Unlock()

	h.log.Info("stopping agent server")
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return nil
	case <-time.After(h.grace):
		h.log.Warn("agent server did not stop gracefully, killing")
		_ = proc.Kill()
		<-exited
		return fmt.Errorf("agent server stop timeout")
	}
}

func (h *ServerHub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *ServerHub) send(req hubRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubStopped
	}
	h.log.DebugCtx("sending request", map[string]any{"type": req.Type, "id": req.ID, "session_id": req.SessionID})
	return h.enc.Encode(req)
}

func (h *ServerHub) register(requestID string, a *ServerAdapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byRequest[requestID] = a
}

func (h *ServerHub) bindSession(sessionID string, a *ServerAdapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bySession[sessionID] = a
}

func (h *ServerHub) unregister(a *ServerAdapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ad := range h.byRequest {
		if ad == a {
			delete(h.byRequest, id)
		}
	}
	for id, ad := range h.bySession {
		if ad == a {
			delete(h.bySession, id)
		}
	}
}

// detach removes every route to a and returns its session id. When the
// session is not known yet, an open request is remembered so the session is
// aborted as soon as the server announces it.
func (h *ServerHub) detach(a *ServerAdapter) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sid := ""
	for id, ad := range h.bySession {
		if ad == a {
			sid = id
			delete(h.bySession, id)
		}
	}
	var pending []string
	for id, ad := range h.byRequest {
		if ad == a {
			pending = append(pending, id)
			delete(h.byRequest, id)
		}
	}
	if sid == "" {
		for _, id := range pending {
			h.aborted[id] = struct{}{}
		}
	}
	return sid
}

func (h *ServerHub) readLoop(proc Process, exited chan struct{}) {
	parser := stream.NewParser(stream.WithLogger(h.log))

	buf := make([]byte, readBufferSize)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			for _, msg := range parser.Feed(buf[:n]) {
				h.route(msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Warnf("reading agent server output: %v", err)
			}
			break
		}
	}
	for _, msg := range parser.Flush() {
		h.route(msg)
	}

	code, _ := proc.Wait()
	_ = proc.Close()

	h.mu.Lock()
	h.running = false
	orphans := make(map[*ServerAdapter]struct{})
	for _, a := range h.byRequest {
		orphans[a] = struct{}{}
	}
	for _, a := range h.bySession {
		orphans[a] = struct{}{}
	}
	h.byRequest = make(map[string]*ServerAdapter)
	h.bySession = make(map[string]*ServerAdapter)
	h.aborted = make(map[string]struct{})
	h.mu.Unlock()
	close(exited)

	h.log.InfoCtx("agent server exited", map[string]any{"exit_code": code, "orphaned": len(orphans)})
	for a := range orphans {
		a.serverGone(code)
	}
}

func (h *ServerHub) route(msg stream.Message) {
	h.mu.Lock()
	var target *ServerAdapter
	abort := false
	if msg.Kind == stream.KindSessionCreated && msg.RequestID != "" {
		target = h.byRequest[msg.RequestID]
		if target != nil && msg.SessionID != "" {
			delete(h.byRequest, msg.RequestID)
			h.bySession[msg.SessionID] = target
		}
		if _, ok := h.aborted[msg.RequestID]; ok && target == nil && msg.SessionID != "" {
			delete(h.aborted, msg.RequestID)
			abort = true
		}
	} else if msg.SessionID != "" {
		target = h.bySession[msg.SessionID]
	}
	h.mu.Unlock()

	if abort {
		h.log.InfoCtx("aborting session of a cancelled request", map[string]any{
			"request_id": msg.RequestID,
			"session_id": msg.SessionID,
		})
		if err := h.send(hubRequest{Type: "abort", SessionID: msg.SessionID}); err != nil {
			h.log.Warnf("aborting session %s: %v", msg.SessionID, err)
		}
		return
	}
	if target == nil {
		h.log.DebugCtx("dropping unrouted event", map[string]any{"type": string(msg.Kind), "session_id": msg.SessionID})
		return
	}
	target.handle(msg)
}

// ServerAdapter runs one task over a shared ServerHub. A session_idle event
// ends an invocation the way a clean process exit does.
type ServerAdapter struct {
	taskID   string
	cb       Callbacks
	hub      *ServerHub
	log      *logging.Logger
	enforcer *completion.Enforcer
	core     *sessionCore

	mu       sync.Mutex
	started  bool
	active   bool
	done     chan struct{}
	doneOnce *sync.Once
}

// ServerOptions configures a ServerAdapter.
type ServerOptions struct {
	WaitingDelay time.Duration
	// Limits caps continuations and downgrades; nil selects
	// completion.DefaultLimits.
	Limits *completion.Limits
	Logger *logging.Logger
}

// NewServerAdapter creates an adapter for taskID that talks through hub.
func NewServerAdapter(taskID string, hub *ServerHub, cb Callbacks, opts ServerOptions) *ServerAdapter {
	limits := completion.DefaultLimits()
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("agent")
	}
	log = log.WithTask(taskID)

	enforcer := completion.NewEnforcer("",
		completion.WithLimits(limits),
		completion.WithLogger(log),
	)
	a := &ServerAdapter{
		taskID:   taskID,
		cb:       cb,
		hub:      hub,
		log:      log,
		enforcer: enforcer,
		done:     make(chan struct{}),
		doneOnce: &sync.Once{},
	}
	a.core = newSessionCore(taskID, cb, enforcer, opts.WaitingDelay, log)
	return a
}

func (a *ServerAdapter) Start(ctx context.Context, cfg models.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	if a.core.isCancelled() {
		a.mu.Unlock()
		return ErrCancelled
	}
	a.started = true
	a.active = true
	a.core.begin(cfg)
	a.mu.Unlock()

	a.cb.progress(models.StageStarting, "Starting agent")
	if a.core.isCancelled() {
		return ErrCancelled
	}
	if cfg.SessionID != "" {
		a.hub.bindSession(cfg.SessionID, a)
	}
	if err := a.prompt(cfg); err != nil {
		a.core.fail(fmt.Errorf("%w: %v", ErrSpawnFailed, err))
		a.finish()
		return err
	}
	if a.core.isCancelled() {
		// Cancel raced the prompt; make sure the server drops it.
		a.abandon()
		return ErrCancelled
	}
	a.core.setRunning()
	return nil
}

func (a *ServerAdapter) prompt(cfg models.TaskConfig) error {
	a.core.beginInvocation()
	a.hub.register(a.taskID, a)
	return a.hub.send(hubRequest{
		Type:      "prompt",
		ID:        a.taskID,
		SessionID: cfg.SessionID,
		Model:     cfg.Model(),
		Prompt:    cfg.Prompt,
		Directory: cfg.WorkDir,
	})
}

// handle is called from the hub's read loop.
func (a *ServerAdapter) handle(msg stream.Message) {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if !active {
		return
	}

	if msg.Kind == stream.KindSessionCreated {
		a.core.captureSession(msg.SessionID)
		a.cb.progress(models.StageConnecting, "Session created")
		return
	}
	if msg.Kind != stream.KindSessionIdle {
		a.core.dispatch(msg)
		if a.core.isFinalized() {
			a.finish()
		}
		return
	}

	// Idle: the turn is over, like a process exiting cleanly.
	if a.core.isCancelled() {
		a.finish()
		return
	}
	prompt, cont := a.core.handleExit(0)
	if !cont {
		a.finish()
		return
	}
	a.cb.progress(models.StageContinuing,
		fmt.Sprintf("Continuing session (attempt %d)", a.enforcer.Attempts()))
	if err := a.prompt(a.core.continuationConfig(prompt)); err != nil {
		a.core.fail(fmt.Errorf("%w: %v", ErrSpawnFailed, err))
		a.finish()
		return
	}
	a.core.setRunning()
}

func (a *ServerAdapter) serverGone(code int) {
	a.core.fail(fmt.Errorf("%w: agent server exited with code %d", ErrAbnormalExit, code))
	a.finish()
}

func (a *ServerAdapter) finish() {
	a.mu.Lock()
	a.active = false
	done, once := a.done, a.doneOnce
	a.mu.Unlock()
	a.hub.unregister(a)
	once.Do(func() { close(done) })
}

// Cancel aborts the session on the server. No callbacks fire afterwards.
// Cancelling before Start is remembered and makes Start a no-op.
func (a *ServerAdapter) Cancel() error {
	a.mu.Lock()
	claimed := a.core.cancel()
	started := a.started
	a.mu.Unlock()
	if !claimed {
		return nil
	}
	a.log.Info("session cancelled")
	if started {
		a.abandon()
	}
	a.finish()
	return nil
}

// abandon stops the server working on this task. Without a session id yet,
// the hub aborts the session once it is created.
func (a *ServerAdapter) abandon() {
	sid := a.hub.detach(a)
	if sid == "" {
		sid = a.core.SessionID()
	}
	if sid == "" {
		return
	}
	if err := a.hub.send(hubRequest{Type: "abort", SessionID: sid}); err != nil {
		a.log.Warnf("aborting session: %v", err)
	}
}

// Interrupt aborts the current turn; the following idle reports interrupted.
func (a *ServerAdapter) Interrupt() error {
	sid := a.core.SessionID()
	if sid == "" || a.core.isFinalized() {
		return ErrNotRunning
	}
	a.core.markInterrupted()
	return a.hub.send(hubRequest{Type: "abort", SessionID: sid})
}

// SendInput sends text as a new prompt in the running session.
func (a *ServerAdapter) SendInput(text string) error {
	sid := a.core.SessionID()
	if sid == "" || a.core.isFinalized() {
		return ErrNotRunning
	}
	return a.hub.send(hubRequest{Type: "prompt", ID: a.taskID, SessionID: sid, Prompt: text})
}

func (a *ServerAdapter) RequestPermission(req models.PermissionRequest) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.TaskID = a.taskID
	a.cb.permission(req)
}

func (a *ServerAdapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return fmt.Errorf("%w: session still running", ErrAlreadyStarted)
	}
	a.started = false
	a.done = make(chan struct{})
	a.doneOnce = &sync.Once{}
	a.enforcer.Reset("")
	a.core.reset()
	return nil
}

func (a *ServerAdapter) State() State {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started && !a.core.isCancelled() {
		return StateIdle
	}
	return a.core.State()
}

func (a *ServerAdapter) SessionID() string { return a.core.SessionID() }

func (a *ServerAdapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}
