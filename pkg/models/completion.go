package models

import "strings"

// CompletionStatus is the status an agent reports through the completion tool.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionPartial CompletionStatus = "partial"
	CompletionBlocked CompletionStatus = "blocked"
)

// CompleteTaskArgs is the agent's self-reported completion payload.
type CompleteTaskArgs struct {
	Status                 CompletionStatus `json:"status"`
	Summary                string           `json:"summary"`
	OriginalRequestSummary string           `json:"original_request_summary,omitempty"`
	RemainingWork          string           `json:"remaining_work,omitempty"`
}

// TodoStatus is the lifecycle state of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoItem is one unit of agent-reported sub-progress.
type TodoItem struct {
	ID       string     `json:"id"`
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Priority string     `json:"priority,omitempty"`
}

// IsOpen reports whether the item still needs work.
func (t TodoItem) IsOpen() bool {
	return t.Status == TodoPending || t.Status == TodoInProgress
}

// OpenTodos returns the items that are pending or in progress, in order.
func OpenTodos(items []TodoItem) []TodoItem {
	var open []TodoItem
	for _, it := range items {
		if it.IsOpen() {
			open = append(open, it)
		}
	}
	return open
}

// RemainingWork joins the content of the open items, one per line.
func RemainingWork(open []TodoItem) string {
	parts := make([]string, 0, len(open))
	for _, it := range open {
		parts = append(parts, it.Content)
	}
	return strings.Join(parts, "\n")
}
