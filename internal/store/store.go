// Package store provides the task registry and per-task event logs served by
// the HTTP API. Everything is kept in memory.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sevir/capataz/pkg/models"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("task not found")

const (
	DefaultMaxEvents = 1000
	DefaultMaxTasks  = 500

	subscriberBuffer = 64
)

// Status is the lifecycle status of a registered task.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusBlocked     Status = "blocked"
	StatusPartial     Status = "partial"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether the task has finished.
func (s Status) IsTerminal() bool {
	return s != StatusQueued && s != StatusRunning
}

// StatusFromResult maps a session outcome onto a registry status.
func StatusFromResult(r models.ResultStatus) Status {
	switch r {
	case models.ResultSuccess:
		return StatusSuccess
	case models.ResultBlocked:
		return StatusBlocked
	case models.ResultPartial:
		return StatusPartial
	case models.ResultInterrupted:
		return StatusInterrupted
	default:
		return StatusError
	}
}

// Task is a registry entry.
type Task struct {
	ID         string             `json:"id"`
	Prompt     string             `json:"prompt"`
	WorkDir    string             `json:"work_dir,omitempty"`
	Persona    string             `json:"persona,omitempty"`
	Model      string             `json:"model,omitempty"`
	Status     Status             `json:"status"`
	SessionID  string             `json:"session_id,omitempty"`
	Result     *models.TaskResult `json:"result,omitempty"`
	Todos      []models.TodoItem  `json:"todos,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Todos = append([]models.TodoItem(nil), t.Todos...)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// ListFilter defines criteria for listing tasks.
type ListFilter struct {
	Status []Status
	Limit  int
	Offset int
}

// Store defines the interface for task storage.
type Store interface {
	Save(task *Task) error
	Get(id string) (*Task, error)
	List(filter ListFilter) ([]*Task, error)
	Delete(id string) error
	UpdateStatus(id string, status Status) error
	Close() error
}

type eventLog struct {
	events []Event
	next   int
	subs   map[chan Event]struct{}
}

// MemoryStore implements Store and keeps a bounded event log per task.
type MemoryStore struct {
	maxEvents int
	maxTasks  int

	mu     sync.RWMutex
	tasks  map[string]*Task
	logs   map[string]*eventLog
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store keeping at most maxEvents events per task and
// maxTasks tasks. Zero values select the defaults.
func NewMemoryStore(maxEvents, maxTasks int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	return &MemoryStore{
		maxEvents: maxEvents,
		maxTasks:  maxTasks,
		tasks:     make(map[string]*Task),
		logs:      make(map[string]*eventLog),
	}
}

// Save stores or updates a task.
func (ms *MemoryStore) Save(task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.tasks[task.ID] = task.clone()
	if _, ok := ms.logs[task.ID]; !ok {
		ms.logs[task.ID] = &eventLog{subs: make(map[chan Event]struct{})}
	}
	ms.pruneLocked()
	return nil
}

// pruneLocked forgets the oldest finished tasks once over capacity.
func (ms *MemoryStore) pruneLocked() {
	if len(ms.tasks) <= ms.maxTasks {
		return
	}
	var finished []*Task
	for _, t := range ms.tasks {
		if t.Status.IsTerminal() {
			finished = append(finished, t)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})
	for _, t := range finished {
		if len(ms.tasks) <= ms.maxTasks {
			return
		}
		ms.removeLocked(t.ID)
	}
}

// Get retrieves a copy of a task by ID.
func (ms *MemoryStore) Get(id string) (*Task, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	task, exists := ms.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.clone(), nil
}

// List retrieves tasks matching the filter, newest first.
func (ms *MemoryStore) List(filter ListFilter) ([]*Task, error) {
	ms.mu.RLock()
	result := make([]*Task, 0, len(ms.tasks))
	for _, task := range ms.tasks {
		if matchesFilter(task, filter) {
			result = append(result, task.clone())
		}
	}
	ms.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*Task{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesFilter(task *Task, filter ListFilter) bool {
	if len(filter.Status) == 0 {
		return true
	}
	for _, s := range filter.Status {
		if task.Status == s {
			return true
		}
	}
	return false
}

// Delete removes a task and its events. Subscribers are closed.
func (ms *MemoryStore) Delete(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ms.removeLocked(id)
	return nil
}

func (ms *MemoryStore) removeLocked(id string) {
	delete(ms.tasks, id)
	if l, ok := ms.logs[id]; ok {
		for ch := range l.subs {
			close(ch)
		}
		delete(ms.logs, id)
	}
}

// UpdateStatus updates only the status of a task.
func (ms *MemoryStore) UpdateStatus(id string, status Status) error {
	return ms.Update(id, func(t *Task) { t.Status = status })
}

// Update applies fn to a task under the store lock.
func (ms *MemoryStore) Update(id string, fn func(*Task)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(task)
	return nil
}

// Append records an event for a task and fans it out to subscribers. Slow
// subscribers miss events; they can catch up with Events.
func (ms *MemoryStore) Append(taskID string, typ EventType, data map[string]any) (Event, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	l, ok := ms.logs[taskID]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	ev := Event{Seq: l.next, TaskID: taskID, Type: typ, Time: time.Now(), Data: data}
	l.next++
	l.events = append(l.events, ev)
	if over := len(l.events) - ms.maxEvents; over > 0 {
		l.events = append([]Event(nil), l.events[over:]...)
	}
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev, nil
}

// Events returns the retained events with a sequence number above after.
// Pass -1 for everything.
func (ms *MemoryStore) Events(taskID string, after int) ([]Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	l, ok := ms.logs[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Seq > after })
	return append([]Event(nil), l.events[i:]...), nil
}

// Subscribe returns a channel receiving new events for a task. The returned
// function unsubscribes; the channel is also closed when the task is removed
// or the store is closed.
func (ms *MemoryStore) Subscribe(taskID string) (<-chan Event, func(), error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	l, ok := ms.logs[taskID]
	if !ok || ms.closed {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	ch := make(chan Event, subscriberBuffer)
	l.subs[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			ms.mu.Lock()
			defer ms.mu.Unlock()
			if cur, ok := ms.logs[taskID]; ok {
				if _, ok := cur.subs[ch]; ok {
					delete(cur.subs, ch)
					close(ch)
				}
			}
		})
	}
	return ch, unsubscribe, nil
}

// Count returns the number of registered tasks per status.
func (ms *MemoryStore) Count() map[Status]int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	counts := make(map[Status]int)
	for _, t := range ms.tasks {
		counts[t.Status]++
	}
	return counts
}

// Close closes every subscriber channel.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil
	}
	ms.closed = true
	for _, l := range ms.logs {
		for ch := range l.subs {
			close(ch)
			delete(l.subs, ch)
		}
	}
	return nil
}
