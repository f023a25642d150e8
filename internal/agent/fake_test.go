package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sevir/capataz/internal/diaglog"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/pkg/models"
)

const testTimeout = 5 * time.Second

// fakeScript describes what one fake invocation prints and how it ends.
type fakeScript struct {
	lines    []string
	exitCode int
	// hold keeps the process alive until it is signalled.
	hold bool
	// interruptCode is the exit code after SIGINT.
	interruptCode int
	// onWrite is called with everything written to the process.
	onWrite func(p *fakeProcess, data []byte)
}

type fakeProcess struct {
	script fakeScript
	pr     *io.PipeReader
	pw     *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	signals []os.Signal
	code    int

	exited   chan struct{}
	exitOnce sync.Once
}

func newFakeProcess(s fakeScript) *fakeProcess {
	pr, pw := io.Pipe()
	p := &fakeProcess{script: s, pr: pr, pw: pw, exited: make(chan struct{})}
	go func() {
		p.emit(s.lines...)
		if !s.hold {
			p.exit(s.exitCode)
		}
	}()
	return p
}

// emit writes lines the way a terminal would deliver them.
func (p *fakeProcess) emit(lines ...string) {
	for _, l := range lines {
		if _, err := p.pw.Write([]byte(l + "\r\n")); err != nil {
			return
		}
	}
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = p.pw.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.pr.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written.Write(b)
	p.mu.Unlock()
	if p.script.onWrite != nil {
		p.script.onWrite(p, append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	switch sig {
	case syscall.SIGINT:
		p.exit(p.script.interruptCode)
	case syscall.SIGTERM:
		p.exit(143)
	case syscall.SIGKILL:
		p.exit(137)
	}
	return nil
}

func (p *fakeProcess) Kill() error { return p.Signal(syscall.SIGKILL) }

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) Close() error { return p.pr.Close() }

func (p *fakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type fakeLauncher struct {
	mu      sync.Mutex
	scripts []fakeScript
	cmds    []Command
	procs   []*fakeProcess
	err     error
}

func (l *fakeLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, c)
	if l.err != nil {
		return nil, l.err
	}
	if len(l.procs) >= len(l.scripts) {
		return nil, fmt.Errorf("no script for launch %d", len(l.procs)+1)
	}
	p := newFakeProcess(l.scripts[len(l.procs)])
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) Commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.cmds...)
}

func (l *fakeLauncher) Proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	messages []string
	stages   []models.ProgressStage
	perms    []models.PermissionRequest
	results  []models.TaskResult
	errs     []error
	debug    []string
	todos    [][]models.TodoItem
	auth     []string

	completed chan models.TaskResult
}

func newRecorder() *recorder {
	return &recorder{completed: make(chan models.TaskResult, 8)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(content string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, content)
		},
		OnProgress: func(stage models.ProgressStage, message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stages = append(r.stages, stage)
		},
		OnPermissionRequest: func(req models.PermissionRequest) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.perms = append(r.perms, req)
		},
		OnComplete: func(result models.TaskResult) {
			r.mu.Lock()
			r.results = append(r.results, result)
			r.mu.Unlock()
			r.completed <- result
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnDebug: func(category, message string, data map[string]any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.debug = append(r.debug, category+": "+message)
		},
		OnTodoUpdate: func(todos []models.TodoItem) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.todos = append(r.todos, todos)
		},
		OnAuthError: func(providerID, message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.auth = append(r.auth, providerID+": "+message)
		},
	}
}

func (r *recorder) waitResult(t *testing.T) models.TaskResult {
	t.Helper()
	select {
	case res := <-r.completed:
		return res
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for completion")
		return models.TaskResult{}
	}
}

func (r *recorder) hasStage(stage models.ProgressStage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (r *recorder) hasDebug(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.debug {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}

func (r *recorder) snapshot() (results []models.TaskResult, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(results, r.results...), append(errs, r.errs...)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for channel to close")
	}
}

// fakeSource is a diagnostic source fed by the test.
type fakeSource struct {
	records  chan diaglog.Record
	stopOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: make(chan diaglog.Record, 4)}
}

func (s *fakeSource) Start(ctx context.Context) error { return nil }

func (s *fakeSource) Stop() error {
	s.stopOnce.Do(func() { close(s.records) })
	return nil
}

func (s *fakeSource) Records() <-chan diaglog.Record { return s.records }

// Event line builders in the agent's JSON output format.

func eventLine(t *testing.T, v map[string]any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func stepStartEvent(t *testing.T, sid string) string {
	return eventLine(t, map[string]any{"type": "step_start", "sessionID": sid, "part": map[string]any{"type": "step-start"}})
}

func textEvent(t *testing.T, sid, text string) string {
	return eventLine(t, map[string]any{"type": "text", "sessionID": sid, "part": map[string]any{"type": "text", "text": text}})
}

func toolEvent(t *testing.T, sid, callID, name string, input map[string]any) string {
	return eventLine(t, map[string]any{
		"type":      "tool_use",
		"sessionID": sid,
		"part": map[string]any{
			"type":   "tool",
			"tool":   name,
			"callID": callID,
			"state":  map[string]any{"status": "completed", "input": input, "output": "ok"},
		},
	})
}

func stepFinishEvent(t *testing.T, sid, reason string) string {
	return eventLine(t, map[string]any{"type": "step_finish", "sessionID": sid, "part": map[string]any{"type": "step-finish", "reason": reason}})
}

func errorEvent(t *testing.T, sid, provider, message string, status int) string {
	return eventLine(t, map[string]any{
		"type":      "error",
		"sessionID": sid,
		"error": map[string]any{
			"name": "APIError",
			"data": map[string]any{"message": message, "statusCode": status, "providerID": provider},
		},
	})
}

func completeTaskEvent(t *testing.T, sid, callID, status, summary string) string {
	return toolEvent(t, sid, callID, "complete_task", map[string]any{"status": status, "summary": summary})
}

func newTestAdapter(t *testing.T, scripts ...fakeScript) (*ProcessAdapter, *fakeLauncher, *recorder) {
	t.Helper()
	l := &fakeLauncher{scripts: scripts}
	rec := newRecorder()
	a := NewProcessAdapter("task-1", rec.callbacks(), ProcessOptions{
		Builder:         OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher:        l,
		LogDir:          t.TempDir(),
		StopGracePeriod: 100 * time.Millisecond,
		WaitingDelay:    time.Hour,
		Logger:          logging.Nop(),
	})
	return a, l, rec
}
