package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(0, 0)
	defer store.Close()

	t.Run("Save and Get", func(t *testing.T) {
		task := &Task{
			ID:        "test-1",
			Prompt:    "Test prompt",
			WorkDir:   "/test",
			Status:    StatusQueued,
			CreatedAt: time.Now(),
		}

		if err := store.Save(task); err != nil {
			t.Fatalf("Failed to save task: %v", err)
		}

		retrieved, err := store.Get("test-1")
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		if retrieved.ID != task.ID {
			t.Errorf("Expected ID %s, got %s", task.ID, retrieved.ID)
		}
		if retrieved.Prompt != task.Prompt {
			t.Errorf("Expected Prompt %s, got %s", task.Prompt, retrieved.Prompt)
		}

		retrieved.Prompt = "mutated"
		again, _ := store.Get("test-1")
		if again.Prompt != "Test prompt" {
			t.Error("Get must return a copy")
		}
	})

	t.Run("Get non-existent", func(t *testing.T) {
		_, err := store.Get("non-existent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List with filter", func(t *testing.T) {
		base := time.Now()
		for i, status := range []Status{StatusRunning, StatusSuccess, StatusError} {
			err := store.Save(&Task{
				ID:        fmt.Sprintf("test-%d", i+2),
				Prompt:    "Task",
				Status:    status,
				CreatedAt: base.Add(time.Duration(i+1) * time.Second),
			})
			if err != nil {
				t.Fatalf("Failed to save task: %v", err)
			}
		}

		all, err := store.List(ListFilter{})
		if err != nil {
			t.Fatalf("Failed to list tasks: %v", err)
		}
		if len(all) != 4 {
			t.Errorf("Expected 4 tasks, got %d", len(all))
		}
		if all[0].ID != "test-4" {
			t.Errorf("Expected newest first, got %s", all[0].ID)
		}

		finished, _ := store.List(ListFilter{Status: []Status{StatusSuccess, StatusError}})
		if len(finished) != 2 {
			t.Errorf("Expected 2 finished tasks, got %d", len(finished))
		}

		page, _ := store.List(ListFilter{Limit: 2, Offset: 1})
		if len(page) != 2 || page[0].ID != "test-3" {
			t.Errorf("Unexpected page: %d tasks", len(page))
		}

		empty, _ := store.List(ListFilter{Offset: 10})
		if len(empty) != 0 {
			t.Errorf("Expected empty page, got %d", len(empty))
		}
	})

	t.Run("Update status", func(t *testing.T) {
		if err := store.UpdateStatus("test-1", StatusRunning); err != nil {
			t.Fatalf("Failed to update status: %v", err)
		}
		task, _ := store.Get("test-1")
		if task.Status != StatusRunning {
			t.Errorf("Expected running, got %s", task.Status)
		}
		if err := store.UpdateStatus("missing", StatusRunning); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.Delete("test-4"); err != nil {
			t.Fatalf("Failed to delete task: %v", err)
		}
		if _, err := store.Get("test-4"); err == nil {
			t.Error("Expected error after delete")
		}
		if err := store.Delete("test-4"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestEventLogIsBounded(t *testing.T) {
	store := NewMemoryStore(3, 0)
	if err := store.Save(&Task{ID: "t1", Status: StatusRunning, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := store.Append("t1", EventMessage, map[string]any{"content": i}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	events, err := store.Events("t1", -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 retained events, got %d", len(events))
	}
	if events[0].Seq != 2 || events[2].Seq != 4 {
		t.Errorf("Expected seqs 2..4, got %d..%d", events[0].Seq, events[2].Seq)
	}

	after, _ := store.Events("t1", 3)
	if len(after) != 1 || after[0].Seq != 4 {
		t.Errorf("Expected only seq 4 after 3, got %v", after)
	}

	if _, err := store.Append("missing", EventMessage, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFinishedTasksArePruned(t *testing.T) {
	store := NewMemoryStore(0, 2)
	base := time.Now()
	store.Save(&Task{ID: "old", Status: StatusSuccess, CreatedAt: base})
	store.Save(&Task{ID: "live", Status: StatusRunning, CreatedAt: base.Add(time.Second)})
	store.Save(&Task{ID: "new", Status: StatusQueued, CreatedAt: base.Add(2 * time.Second)})

	if _, err := store.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected oldest finished task to be pruned, got %v", err)
	}
	if _, err := store.Get("live"); err != nil {
		t.Errorf("Running task must be kept: %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	store := NewMemoryStore(0, 0)
	store.Save(&Task{ID: "t1", Status: StatusRunning, CreatedAt: time.Now()})

	ch, unsubscribe, err := store.Subscribe("t1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	store.Append("t1", EventMessage, map[string]any{"content": "hello"})

	select {
	case ev := <-ch:
		if ev.Type != EventMessage || ev.Data["content"] != "hello" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("No event delivered")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed after unsubscribe")
	}

	ch2, _, _ := store.Subscribe("t1")
	store.Delete("t1")
	if _, ok := <-ch2; ok {
		t.Error("Expected channel to be closed after delete")
	}

	if _, _, err := store.Subscribe("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecorder(t *testing.T) {
	store := NewMemoryStore(0, 0)
	store.Save(&Task{ID: "t1", Status: StatusQueued, CreatedAt: time.Now()})

	var forwarded []models.ResultStatus
	cb := store.Recorder("t1", agent.Callbacks{
		OnComplete: func(r models.TaskResult) { forwarded = append(forwarded, r.Status) },
	})

	cb.OnProgress(models.StageStarting, "starting")
	cb.OnMessage("working on it")
	cb.OnTodoUpdate([]models.TodoItem{{ID: "step-1", Content: "read code", Status: models.TodoInProgress}})
	cb.OnError(errors.New("boom"))
	cb.OnComplete(models.TaskResult{Status: models.ResultBlocked, SessionID: "ses_1"})

	task, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusBlocked {
		t.Errorf("Expected blocked, got %s", task.Status)
	}
	if task.SessionID != "ses_1" || task.StartedAt == nil || task.FinishedAt == nil {
		t.Errorf("Registry entry not updated: %+v", task)
	}
	if len(task.Todos) != 1 {
		t.Errorf("Expected 1 todo, got %d", len(task.Todos))
	}
	if len(forwarded) != 1 || forwarded[0] != models.ResultBlocked {
		t.Errorf("Expected completion forwarded, got %v", forwarded)
	}

	events, _ := store.Events("t1", -1)
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventProgress, EventMessage, EventTodos, EventError, EventComplete}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("Expected events %v, got %v", want, types)
	}
	if !events[len(events)-1].Type.IsFinal() {
		t.Error("Expected completion to be final")
	}
}

func TestMarkCancelled(t *testing.T) {
	store := NewMemoryStore(0, 0)
	store.Save(&Task{ID: "t1", Status: StatusRunning, CreatedAt: time.Now()})

	if err := store.MarkCancelled("t1"); err != nil {
		t.Fatalf("MarkCancelled failed: %v", err)
	}
	task, _ := store.Get("t1")
	if task.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", task.Status)
	}
	if counts := store.Count(); counts[StatusCancelled] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
}

func TestStatusFromResult(t *testing.T) {
	tests := map[models.ResultStatus]Status{
		models.ResultSuccess:     StatusSuccess,
		models.ResultBlocked:     StatusBlocked,
		models.ResultPartial:     StatusPartial,
		models.ResultError:       StatusError,
		models.ResultInterrupted: StatusInterrupted,
	}
	for in, want := range tests {
		if got := StatusFromResult(in); got != want {
			t.Errorf("StatusFromResult(%s) = %s, want %s", in, got, want)
		}
	}
}
