package store

import (
	"time"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/pkg/models"
)

// EventType names a recorded session event.
type EventType string

const (
	EventMessage    EventType = "message"
	EventProgress   EventType = "progress"
	EventPermission EventType = "permission"
	EventTodos      EventType = "todos"
	EventDebug      EventType = "debug"
	EventAuthError  EventType = "auth_error"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
	EventCancelled  EventType = "cancelled"
)

// IsFinal reports whether no more events follow for the task.
func (t EventType) IsFinal() bool {
	return t == EventComplete || t == EventCancelled
}

// Event is one entry of a task's event log.
type Event struct {
	Seq    int            `json:"seq"`
	TaskID string         `json:"task_id"`
	Type   EventType      `json:"type"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

// Recorder returns callbacks that log every session event for taskID and
// keep the registry entry current. next, when set, receives the callbacks
// too, after recording.
func (ms *MemoryStore) Recorder(taskID string, next agent.Callbacks) agent.Callbacks {
	record := func(typ EventType, data map[string]any) {
		_, _ = ms.Append(taskID, typ, data)
	}

	return agent.Callbacks{
		OnMessage: func(content string) {
			record(EventMessage, map[string]any{"content": content})
			if next.OnMessage != nil {
				next.OnMessage(content)
			}
		},
		OnProgress: func(stage models.ProgressStage, message string) {
			_ = ms.Update(taskID, func(t *Task) {
				if t.Status == StatusQueued {
					now := time.Now()
					t.Status = StatusRunning
					t.StartedAt = &now
				}
			})
			record(EventProgress, map[string]any{"stage": string(stage), "message": message})
			if next.OnProgress != nil {
				next.OnProgress(stage, message)
			}
		},
		OnPermissionRequest: func(req models.PermissionRequest) {
			record(EventPermission, map[string]any{
				"id":        req.ID,
				"kind":      req.Kind,
				"tool_name": req.ToolName,
				"question":  req.Question,
				"options":   req.Options,
			})
			if next.OnPermissionRequest != nil {
				next.OnPermissionRequest(req)
			}
		},
		OnTodoUpdate: func(todos []models.TodoItem) {
			items := append([]models.TodoItem(nil), todos...)
			_ = ms.Update(taskID, func(t *Task) { t.Todos = items })
			record(EventTodos, map[string]any{"todos": items})
			if next.OnTodoUpdate != nil {
				next.OnTodoUpdate(todos)
			}
		},
		OnDebug: func(category, message string, data map[string]any) {
			record(EventDebug, map[string]any{"category": category, "message": message, "data": data})
			if next.OnDebug != nil {
				next.OnDebug(category, message, data)
			}
		},
		OnAuthError: func(providerID, message string) {
			record(EventAuthError, map[string]any{"provider_id": providerID, "message": message})
			if next.OnAuthError != nil {
				next.OnAuthError(providerID, message)
			}
		},
		OnError: func(err error) {
			record(EventError, map[string]any{"error": err.Error()})
			if next.OnError != nil {
				next.OnError(err)
			}
		},
		OnComplete: func(result models.TaskResult) {
			res := result
			_ = ms.Update(taskID, func(t *Task) {
				now := time.Now()
				t.Status = StatusFromResult(result.Status)
				t.Result = &res
				t.FinishedAt = &now
				if result.SessionID != "" {
					t.SessionID = result.SessionID
				}
			})
			record(EventComplete, map[string]any{"result": res})
			if next.OnComplete != nil {
				next.OnComplete(result)
			}
		},
	}
}

// MarkCancelled records a cancellation. Cancelled sessions fire no callbacks,
// so this is the final event of their log.
func (ms *MemoryStore) MarkCancelled(taskID string) error {
	err := ms.Update(taskID, func(t *Task) {
		if t.Status.IsTerminal() {
			return
		}
		now := time.Now()
		t.Status = StatusCancelled
		t.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	_, err = ms.Append(taskID, EventCancelled, nil)
	return err
}
