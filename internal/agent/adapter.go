// Package agent runs coding-agent sessions and turns their output into
// lifecycle callbacks.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/capataz/internal/completion"
	"github.com/sevir/capataz/internal/diaglog"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/stream"
	"github.com/sevir/capataz/pkg/models"
)

const (
	// DefaultStopGracePeriod is how long a process gets between SIGTERM and SIGKILL.
	DefaultStopGracePeriod = 5 * time.Second

	readBufferSize = 32 * 1024
)

// ProcessOptions configures a ProcessAdapter.
type ProcessOptions struct {
	Builder  CommandBuilder
	Launcher Launcher
	// LogDir receives a raw output log per task. Empty disables it.
	LogDir          string
	StopGracePeriod time.Duration
	WaitingDelay    time.Duration
	// Limits caps continuations and downgrades; nil selects
	// completion.DefaultLimits.
	Limits *completion.Limits
	// Diagnostics, when set, supplies a watcher for the agent's own log.
	Diagnostics func() diaglog.Source
	// Sessions is shared by adapters watching the same diagnostic log.
	Sessions *Sessions
	Logger   *logging.Logger
}

// Sessions counts live sessions that read one shared diagnostic log. While
// more than one is live, a record only ends the session it names.
type Sessions struct {
	n atomic.Int64
}

func (s *Sessions) add() {
	if s != nil {
		s.n.Add(1)
	}
}

func (s *Sessions) done() {
	if s != nil {
		s.n.Add(-1)
	}
}

// Live returns the number of sessions currently watching diagnostics.
func (s *Sessions) Live() int {
	if s == nil {
		return 0
	}
	return int(s.n.Load())
}

// invocation is one agent process within a session.
type invocation struct {
	proc   Process
	number int
	exited chan struct{}
}

// ProcessAdapter drives an agent CLI, one process per invocation, and resumes
// the same session when the completion enforcer asks for a continuation.
type ProcessAdapter struct {
	taskID   string
	cb       Callbacks
	opts     ProcessOptions
	log      *logging.Logger
	enforcer *completion.Enforcer
	core     *sessionCore

	mu       sync.Mutex
	started  bool
	current  *invocation
	logFile  *os.File
	diag     diaglog.Source
	stopDiag context.CancelFunc
	counted  bool
	done     chan struct{}
	doneOnce *sync.Once
}

// NewProcessAdapter creates an adapter for taskID.
func NewProcessAdapter(taskID string, cb Callbacks, opts ProcessOptions) *ProcessAdapter {
	if opts.Launcher == nil {
		opts.Launcher = PTYLauncher{}
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = DefaultStopGracePeriod
	}
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

	a := &ProcessAdapter{
		taskID:   taskID,
		cb:       cb,
		opts:     opts,
		log:      log,
		enforcer: enforcer,
		done:     make(chan struct{}),
		doneOnce: &sync.Once{},
	}
	a.core = newSessionCore(taskID, cb, enforcer, opts.WaitingDelay, log)
	return a
}

// Start launches the first invocation. An adapter cancelled before Start
// never launches anything and returns ErrCancelled.
func (a *ProcessAdapter) Start(ctx context.Context, cfg models.TaskConfig) error {
	if a.opts.Builder == nil {
		return fmt.Errorf("%w: no command builder", ErrExecutableNotFound)
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
	a.core.begin(cfg)
	a.mu.Unlock()

	a.cb.progress(models.StageStarting, "Starting agent")

	a.mu.Lock()
	if a.core.isCancelled() {
		// Cancel already cleaned up.
		a.mu.Unlock()
		return ErrCancelled
	}
	if err := a.openLogLocked(); err != nil {
		a.log.Warnf("raw output log disabled: %v", err)
	}
	a.startDiagnosticsLocked(ctx)

	inv, err := a.launchLocked(ctx, cfg)
	a.mu.Unlock()
	if err != nil {
		a.core.fail(err)
		a.cleanup()
		return err
	}

	a.log.InfoCtx("agent started", map[string]any{"pid": inv.proc.Pid(), "work_dir": cfg.WorkDir})
	go a.run(ctx, inv)
	return nil
}

func (a *ProcessAdapter) openLogLocked() error {
	if a.opts.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.opts.LogDir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(a.opts.LogDir, a.taskID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	a.logFile = f
	return nil
}

func (a *ProcessAdapter) startDiagnosticsLocked(ctx context.Context) {
	if a.opts.Diagnostics == nil {
		return
	}
	src := a.opts.Diagnostics()
	if src == nil {
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	if err := src.Start(dctx); err != nil {
		cancel()
		a.log.Warnf("diagnostic log watcher not started: %v", err)
		return
	}
	a.diag = src
	a.stopDiag = cancel
	a.opts.Sessions.add()
	a.counted = true

	go func() {
		for rec := range src.Records() {
			if !a.attributable(rec) {
				a.log.DebugCtx("diagnostic record not attributed", map[string]any{
					"record_session": rec.SessionID,
					"live_sessions":  a.opts.Sessions.Live(),
				})
				continue
			}
			if !a.core.outOfBand(rec) {
				continue
			}
			a.log.Warnf("agent failure from diagnostic log: %s", rec.String())
			a.mu.Lock()
			inv := a.current
			a.mu.Unlock()
			if inv != nil {
				_ = inv.proc.Kill()
			}
		}
	}()
}

// attributable reports whether rec may belong to this session. With several
// live sessions on one diagnostic log, the record must name this session.
func (a *ProcessAdapter) attributable(rec diaglog.Record) bool {
	if a.opts.Sessions.Live() <= 1 {
		return true
	}
	sid := a.core.SessionID()
	return sid != "" && rec.SessionID == sid
}

func (a *ProcessAdapter) launchLocked(ctx context.Context, cfg models.TaskConfig) (*invocation, error) {
	cmd, err := a.opts.Builder.Build(cfg)
	if err != nil {
		return nil, err
	}
	n := a.core.beginInvocation()
	if a.logFile != nil {
		fmt.Fprintf(a.logFile, "\n=== invocation %d at %s: %s %q ===\n",
			n, time.Now().Format(time.RFC3339), cmd.Path, cmd.Args)
	}

	proc, err := a.opts.Launcher.Launch(ctx, cmd)
	if err != nil {
		if !errors.Is(err, ErrSpawnFailed) {
			err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		return nil, err
	}
	inv := &invocation{proc: proc, number: n, exited: make(chan struct{})}
	a.current = inv
	a.core.setRunning()
	return inv, nil
}

// run owns the session's invocations until it finishes.
func (a *ProcessAdapter) run(ctx context.Context, inv *invocation) {
	defer a.cleanup()

	for {
		a.pump(inv)
		code, err := inv.proc.Wait()
		close(inv.exited)
		_ = inv.proc.Close()
		if err != nil {
			a.log.Warnf("waiting for agent: %v", err)
		}
		a.log.DebugCtx("agent exited", map[string]any{"exit_code": code, "invocation": inv.number})

		if a.core.isCancelled() {
			return
		}
		prompt, cont := a.core.handleExit(code)
		if !cont {
			return
		}

		a.cb.progress(models.StageContinuing,
			fmt.Sprintf("Continuing session (attempt %d)", a.enforcer.Attempts()))
		a.mu.Lock()
		if a.core.isCancelled() {
			a.mu.Unlock()
			return
		}
		next, err := a.launchLocked(ctx, a.core.continuationConfig(prompt))
		if err != nil {
			a.current = nil
			a.mu.Unlock()
			a.core.fail(err)
			return
		}
		a.mu.Unlock()
		inv = next
	}
}

// pump reads the invocation's output until EOF and dispatches every message.
func (a *ProcessAdapter) pump(inv *invocation) {
	parser := stream.NewParser(
		stream.WithLogger(a.log),
		stream.WithWarningHandler(func(w stream.Warning) {
			a.cb.debug("parse", w.Error(), map[string]any{"line": models.TruncateString(w.Line, 200)})
		}),
	)

	deliver := func(msgs []stream.Message) {
		for _, msg := range msgs {
			if a.core.dispatch(msg) {
				go a.reap(inv)
			}
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := inv.proc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if a.logFile != nil {
				_, _ = a.logFile.Write(chunk)
			}
			deliver(parser.Feed(chunk))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				a.log.Debugf("reading agent output: %v", err)
			}
			break
		}
	}
	deliver(parser.Flush())
}

// reap ends an invocation that lingers after its session was reported.
func (a *ProcessAdapter) reap(inv *invocation) {
	select {
	case <-inv.exited:
	case <-time.After(a.opts.StopGracePeriod):
		a.log.Debug("agent still running after completion, stopping it")
		a.terminate(inv)
	}
}

// terminate sends SIGTERM, then SIGKILL after the grace period.
func (a *ProcessAdapter) terminate(inv *invocation) {
	_ = inv.proc.Signal(syscall.SIGTERM)
	select {
	case <-inv.exited:
	case <-time.After(a.opts.StopGracePeriod):
		_ = inv.proc.Kill()
	}
}

func (a *ProcessAdapter) cleanup() {
	a.mu.Lock()
	a.current = nil
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
	src, cancel := a.diag, a.stopDiag
	a.diag, a.stopDiag = nil, nil
	if a.counted {
		a.opts.Sessions.done()
		a.counted = false
	}
	done, once := a.done, a.doneOnce
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		_ = src.Stop()
	}
	once.Do(func() { close(done) })
}

// Cancel hard-stops the session. It returns without waiting for the process.
// Cancelling before Start is remembered and makes Start a no-op.
func (a *ProcessAdapter) Cancel() error {
	a.mu.Lock()
	if !a.started {
		claimed := a.core.cancel()
		a.mu.Unlock()
		if claimed {
			a.log.Info("session cancelled before start")
			a.cleanup()
		}
		return nil
	}
	// Under the lock so a continuation cannot be launched after this point.
	claimed := a.core.cancel()
	inv := a.current
	a.mu.Unlock()

	if !claimed {
		return nil
	}
	a.log.Info("session cancelled")
	if inv != nil {
		go a.terminate(inv)
	} else {
		a.cleanup()
	}
	return nil
}

// Interrupt sends Ctrl-C to the agent. If it then exits cleanly the session
// reports interrupted.
func (a *ProcessAdapter) Interrupt() error {
	a.mu.Lock()
	inv := a.current
	a.mu.Unlock()
	if inv == nil || a.core.isFinalized() {
		return ErrNotRunning
	}

	a.core.markInterrupted()
	_, _ = inv.proc.Write([]byte{0x03})
	if err := inv.proc.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupting agent: %w", err)
	}
	a.cb.debug("interrupt", "interrupt sent", map[string]any{"pid": inv.proc.Pid()})
	return nil
}

// SendInput writes a line to the agent's terminal.
func (a *ProcessAdapter) SendInput(text string) error {
	a.mu.Lock()
	inv := a.current
	a.mu.Unlock()
	if inv == nil || a.core.isFinalized() {
		return ErrNotRunning
	}
	if _, err := inv.proc.Write([]byte(text + "\r")); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

// RequestPermission surfaces req to the callbacks, filling in its identity.
func (a *ProcessAdapter) RequestPermission(req models.PermissionRequest) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.TaskID = a.taskID
	a.cb.permission(req)
}

// Reset prepares a finished adapter for another task.
func (a *ProcessAdapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return fmt.Errorf("%w: session still running", ErrAlreadyStarted)
	}
	a.started = false
	a.done = make(chan struct{})
	a.doneOnce = &sync.Once{}
	a.enforcer.Reset("")
	a.core.reset()
	return nil
}

func (a *ProcessAdapter) State() State {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started && !a.core.isCancelled() {
		return StateIdle
	}
	return a.core.State()
}

func (a *ProcessAdapter) SessionID() string { return a.core.SessionID() }

// Session returns a snapshot of the session bookkeeping.
func (a *ProcessAdapter) Session() models.TaskSession { return a.core.session() }

func (a *ProcessAdapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}
