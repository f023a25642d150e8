// Package scheduler runs agent sessions with bounded concurrency and a FIFO
// queue for overflow.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/pkg/models"
)

var (
	ErrDuplicateTask      = errors.New("task already active or queued")
	ErrQueueFull          = errors.New("task queue is full")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotRunning     = errors.New("task is not running")
	ErrSchedulerClosed    = errors.New("scheduler is shut down")
	ErrExecutableNotFound = errors.New("cannot submit: agent executable not found")
)

const (
	DefaultMaxConcurrentTasks = 3
	DefaultMaxQueueSize       = 50
)

// AdapterFactory creates the adapter that will run one task.
type AdapterFactory func(taskID, executable string, cb agent.Callbacks) agent.Adapter

// ExecutableResolver locates the agent executable.
type ExecutableResolver func() (string, error)

// Config holds scheduler configuration.
type Config struct {
	MaxConcurrentTasks int
	MaxQueueSize       int
	Factory            AdapterFactory
	Resolve            ExecutableResolver
	Logger             *logging.Logger
}

// Handle is returned by Submit.
type Handle struct {
	TaskID string            `json:"task_id"`
	Status models.TaskStatus `json:"status"`
	// Position is the 1-based queue position of a queued task.
	Position int `json:"position,omitempty"`
}

// TaskInfo describes an active or queued task.
type TaskInfo struct {
	ID           string            `json:"id"`
	Status       models.TaskStatus `json:"status"`
	AdapterState string            `json:"adapter_state,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Prompt       string            `json:"prompt"`
	WorkDir      string            `json:"work_dir,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	Position     int               `json:"position,omitempty"`
}

// Stats holds scheduler counters.
type Stats struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxQueue      int `json:"max_queue"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	Teardowns     int `json:"teardowns"`
	DrainAttempts int `json:"drain_attempts"`
}

type queuedTask struct {
	id          string
	cfg         models.TaskConfig
	cb          agent.Callbacks
	executable  string
	submittedAt time.Time
}

type managedTask struct {
	id          string
	cfg         models.TaskConfig
	cb          agent.Callbacks
	adapter     agent.Adapter
	submittedAt time.Time
	startedAt   time.Time
	finished    atomic.Bool
}

// Scheduler admits tasks, runs up to MaxConcurrentTasks adapters at once and
// queues the rest in submission order.
type Scheduler struct {
	cfg    Config
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	active        map[string]*managedTask
	queue         []*queuedTask
	closed        bool
	completed     int
	failed        int
	cancelled     int
	teardowns     int
	drainAttempts int
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("scheduler: adapter factory is required")
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.Resolve == nil {
		cfg.Resolve = func() (string, error) { return "", nil }
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Component("scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*managedTask),
	}, nil
}

// Submit admits a task. It starts right away when a slot is free and is
// queued otherwise; either way startup happens in the background.
func (s *Scheduler) Submit(taskID string, cfg models.TaskConfig, cb agent.Callbacks) (*Handle, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exe, err := s.cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutableNotFound, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if s.knownLocked(taskID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}

	q := &queuedTask{id: taskID, cfg: cfg, cb: cb, executable: exe, submittedAt: time.Now()}
	if len(s.active) < s.cfg.MaxConcurrentTasks {
		mt := s.admitLocked(q)
		s.mu.Unlock()

		s.logReceived(q, "running")
		go s.start(mt)
		return &Handle{TaskID: taskID, Status: models.TaskStatusRunning}, nil
	}

	if len(s.queue) >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d tasks waiting", ErrQueueFull, s.cfg.MaxQueueSize)
	}
	s.queue = append(s.queue, q)
	pos := len(s.queue)
	s.mu.Unlock()

	s.logReceived(q, "queued")
	return &Handle{TaskID: taskID, Status: models.TaskStatusQueued, Position: pos}, nil
}

func (s *Scheduler) knownLocked(taskID string) bool {
	if _, ok := s.active[taskID]; ok {
		return true
	}
	for _, q := range s.queue {
		if q.id == taskID {
			return true
		}
	}
	return false
}

// admitLocked turns a queued task into a managed one. The caller starts it
// once the lock is released.
func (s *Scheduler) admitLocked(q *queuedTask) *managedTask {
	mt := &managedTask{
		id:          q.id,
		cfg:         q.cfg,
		cb:          q.cb,
		submittedAt: q.submittedAt,
		startedAt:   time.Now(),
	}
	mt.adapter = s.cfg.Factory(q.id, q.executable, s.wrap(mt))
	s.active[q.id] = mt
	return mt
}

// wrap intercepts the terminal callbacks for teardown. Nothing is forwarded
// once the task has been torn down.
func (s *Scheduler) wrap(mt *managedTask) agent.Callbacks {
	cb := mt.cb
	live := func() bool { return !mt.finished.Load() }

	var wrapped agent.Callbacks
	if cb.OnMessage != nil {
		wrapped.OnMessage = func(content string) {
			if live() {
				cb.OnMessage(content)
			}
		}
	}
	if cb.OnProgress != nil {
		wrapped.OnProgress = func(stage models.ProgressStage, message string) {
			if live() {
				cb.OnProgress(stage, message)
			}
		}
	}
	if cb.OnPermissionRequest != nil {
		wrapped.OnPermissionRequest = func(req models.PermissionRequest) {
			if live() {
				cb.OnPermissionRequest(req)
			}
		}
	}
	if cb.OnDebug != nil {
		wrapped.OnDebug = func(category, message string, data map[string]any) {
			if live() {
				cb.OnDebug(category, message, data)
			}
		}
	}
	if cb.OnTodoUpdate != nil {
		wrapped.OnTodoUpdate = func(todos []models.TodoItem) {
			if live() {
				cb.OnTodoUpdate(todos)
			}
		}
	}
	if cb.OnAuthError != nil {
		wrapped.OnAuthError = func(providerID, message string) {
			if live() {
				cb.OnAuthError(providerID, message)
			}
		}
	}
	wrapped.OnError = func(err error) {
		if live() && cb.OnError != nil {
			cb.OnError(err)
		}
	}
	wrapped.OnComplete = func(result models.TaskResult) {
		s.finish(mt, result)
	}
	return wrapped
}

func (s *Scheduler) start(mt *managedTask) {
	if mt.finished.Load() {
		// Cancelled between admission and start; the adapter refuses too.
		return
	}
	err := mt.adapter.Start(s.ctx, mt.cfg)
	if err == nil {
		return
	}
	if mt.finished.Load() {
		// Cancelled while starting, or the adapter already reported the failure.
		s.log.DebugCtx("adapter start ended after teardown", map[string]any{"task_id": mt.id, "error": err.Error()})
		return
	}
	s.log.Event("warn").Err(err).Str("task_id", mt.id).Msg("adapter failed to start")
	if mt.cb.OnError != nil {
		mt.cb.OnError(err)
	}
	s.finish(mt, models.TaskResult{Status: models.ResultError, Error: err.Error()})
}

// finish tears a task down after its session ended on its own, then fills
// freed slots from the queue.
func (s *Scheduler) finish(mt *managedTask, result models.TaskResult) {
	if !mt.finished.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.active[mt.id] == mt {
		delete(s.active, mt.id)
	}
	s.teardowns++
	if result.Status.IsFailure() {
		s.failed++
	} else {
		s.completed++
	}
	next := s.drainLocked()
	s.mu.Unlock()

	s.log.InfoCtx("task finished", map[string]any{
		"task_id":    mt.id,
		"status":     string(result.Status),
		"session_id": result.SessionID,
		"duration":   time.Since(mt.startedAt).Round(time.Millisecond).String(),
	})
	if mt.cb.OnComplete != nil {
		mt.cb.OnComplete(result)
	}
	s.startAll(next)
}

// drainLocked admits queued tasks while there is capacity.
func (s *Scheduler) drainLocked() []*managedTask {
	s.drainAttempts++
	var admitted []*managedTask
	for !s.closed && len(s.queue) > 0 && len(s.active) < s.cfg.MaxConcurrentTasks {
		q := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		admitted = append(admitted, s.admitLocked(q))
	}
	return admitted
}

func (s *Scheduler) startAll(tasks []*managedTask) {
	for _, mt := range tasks {
		s.log.InfoCtx("task startable", map[string]any{
			"task_id": mt.id,
			"waited":  mt.startedAt.Sub(mt.submittedAt).Round(time.Millisecond).String(),
		})
		go s.start(mt)
	}
}

// Cancel removes a queued task, or hard-stops a running one. A queued task
// fires no callbacks; a running task fires none after this call.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	for i, q := range s.queue {
		if q.id == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.cancelled++
			s.mu.Unlock()
			s.log.InfoCtx("queued task cancelled", map[string]any{"task_id": taskID})
			return nil
		}
	}

	mt, ok := s.active[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	mt.finished.Store(true)
	delete(s.active, taskID)
	s.teardowns++
	s.cancelled++
	next := s.drainLocked()
	s.mu.Unlock()

	if err := mt.adapter.Cancel(); err != nil && !errors.Is(err, agent.ErrNotRunning) {
		s.log.Warnf("cancelling task %s: %v", taskID, err)
	}
	s.log.InfoCtx("running task cancelled", map[string]any{"task_id": taskID})
	s.startAll(next)
	return nil
}

func (s *Scheduler) running(taskID string) (*managedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mt, ok := s.active[taskID]; ok {
		return mt, nil
	}
	for _, q := range s.queue {
		if q.id == taskID {
			return nil, fmt.Errorf("%w: %s is queued", ErrTaskNotRunning, taskID)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Interrupt asks a running session to stop. Queued tasks are not affected.
func (s *Scheduler) Interrupt(taskID string) error {
	mt, err := s.running(taskID)
	if err != nil {
		return err
	}
	if err := mt.adapter.Interrupt(); err != nil {
		if errors.Is(err, agent.ErrNotRunning) {
			return fmt.Errorf("%w: %s", ErrTaskNotRunning, taskID)
		}
		return err
	}
	s.log.InfoCtx("task interrupted", map[string]any{"task_id": taskID})
	return nil
}

// SendInput writes text to a running session.
func (s *Scheduler) SendInput(taskID, text string) error {
	mt, err := s.running(taskID)
	if err != nil {
		return err
	}
	if err := mt.adapter.SendInput(text); err != nil {
		if errors.Is(err, agent.ErrNotRunning) {
			return fmt.Errorf("%w: %s", ErrTaskNotRunning, taskID)
		}
		return err
	}
	return nil
}

// Get returns information about an active or queued task.
func (s *Scheduler) Get(taskID string) (TaskInfo, bool) {
	for _, info := range s.List() {
		if info.ID == taskID {
			return info, true
		}
	}
	return TaskInfo{}, false
}

// List returns running tasks followed by queued tasks in queue order.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	active := make([]*managedTask, 0, len(s.active))
	for _, mt := range s.active {
		active = append(active, mt)
	}
	queue := append([]*queuedTask(nil), s.queue...)
	s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(active)+len(queue))
	for _, mt := range active {
		started := mt.startedAt
		infos = append(infos, TaskInfo{
			ID:           mt.id,
			Status:       models.TaskStatusRunning,
			AdapterState: mt.adapter.State().String(),
			SessionID:    mt.adapter.SessionID(),
			Prompt:       models.TruncateString(mt.cfg.Prompt, 200),
			WorkDir:      mt.cfg.WorkDir,
			SubmittedAt:  mt.submittedAt,
			StartedAt:    &started,
		})
	}
	sortInfos(infos)
	for i, q := range queue {
		infos = append(infos, TaskInfo{
			ID:          q.id,
			Status:      models.TaskStatusQueued,
			Prompt:      models.TruncateString(q.cfg.Prompt, 200),
			WorkDir:     q.cfg.WorkDir,
			SubmittedAt: q.submittedAt,
			Position:    i + 1,
		})
	}
	return infos
}

func sortInfos(infos []TaskInfo) {
	for i := 1; i < len(infos); i++ {
		for j := i; j > 0 && infos[j].SubmittedAt.Before(infos[j-1].SubmittedAt); j-- {
			infos[j], infos[j-1] = infos[j-1], infos[j]
		}
	}
}

// RunningCount returns the number of active tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// QueueLength returns the number of queued tasks.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:       len(s.active),
		Queued:        len(s.queue),
		MaxConcurrent: s.cfg.MaxConcurrentTasks,
		MaxQueue:      s.cfg.MaxQueueSize,
		Completed:     s.completed,
		Failed:        s.failed,
		Cancelled:     s.cancelled,
		Teardowns:     s.teardowns,
		DrainAttempts: s.drainAttempts,
	}
}

// Shutdown cancels every running task, drops the queue and waits for the
// adapters to finish or ctx to expire. Later submissions are rejected.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := make([]*managedTask, 0, len(s.active))
	for id, mt := range s.active {
		mt.finished.Store(true)
		tasks = append(tasks, mt)
		delete(s.active, id)
	}
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.log.InfoCtx("shutting down", map[string]any{"running": len(tasks), "dropped": dropped})
	for _, mt := range tasks {
		_ = mt.adapter.Cancel()
	}
	defer s.cancel()

	for _, mt := range tasks {
		select {
		case <-mt.adapter.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) logReceived(q *queuedTask, status string) {
	s.log.InfoCtx("task received", map[string]any{
		"task_id":  q.id,
		"status":   status,
		"work_dir": q.cfg.WorkDir,
		"model":    q.cfg.Model(),
		"resume":   q.cfg.SessionID != "",
		"prompt":   models.TruncateString(q.cfg.Prompt, 80),
	})
}
