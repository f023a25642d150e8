package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/capataz/internal/completion"
	"github.com/sevir/capataz/internal/diaglog"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/stream"
	"github.com/sevir/capataz/pkg/models"
)

func lastArg(c Command) string { return c.Args[len(c.Args)-1] }

func TestConversationalResponseCompletesWithoutContinuation(t *testing.T) {
	a, l, rec := newTestAdapter(t, fakeScript{lines: []string{
		stepStartEvent(t, "ses_1"),
		textEvent(t, "ses_1", "Hi! How can I help?"),
		stepFinishEvent(t, "ses_1", "stop"),
	}})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "hey"}))
	res := rec.waitResult(t)
	waitClosed(t, a.Done())

	assert.Equal(t, models.ResultSuccess, res.Status)
	assert.Equal(t, "ses_1", res.SessionID)
	require.NotNil(t, res.Completion)
	assert.Equal(t, "Hi! How can I help?", res.Completion.Summary)
	assert.Len(t, l.Commands(), 1)
	assert.True(t, rec.hasDebug("no tools used"))
	assert.Equal(t, StateCompleted, a.State())

	results, errs := rec.snapshot()
	assert.Len(t, results, 1)
	assert.Empty(t, errs)
}

func TestToolUseWithoutReportGetsOneContinuation(t *testing.T) {
	a, l, rec := newTestAdapter(t,
		fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			toolEvent(t, "ses_1", "call_1", "bash", map[string]any{"command": "ls"}),
			stepFinishEvent(t, "ses_1", "stop"),
		}},
		fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			textEvent(t, "ses_1", "All done."),
			stepFinishEvent(t, "ses_1", "stop"),
		}},
	)

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "list files"}))
	res := rec.waitResult(t)
	waitClosed(t, a.Done())

	assert.Equal(t, models.ResultSuccess, res.Status)
	cmds := l.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "list files", lastArg(cmds[0]))
	assert.NotContains(t, cmds[0].Args, "--session")
	assert.Equal(t, completion.ReminderPrompt, lastArg(cmds[1]))
	assert.Contains(t, strings.Join(cmds[1].Args, " "), "--session ses_1")
	assert.True(t, rec.hasStage(models.StageContinuing))

	results, _ := rec.snapshot()
	assert.Len(t, results, 1)
}

func TestCompleteTaskReports(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		want    models.ResultStatus
		wantErr bool
	}{
		{"success", "success", models.ResultSuccess, false},
		{"blocked", "blocked", models.ResultBlocked, false},
		{"unknown status is blocked", "gave_up", models.ResultBlocked, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, l, rec := newTestAdapter(t, fakeScript{lines: []string{
				stepStartEvent(t, "ses_1"),
				toolEvent(t, "ses_1", "call_1", "edit", map[string]any{"filePath": "a.go"}),
				completeTaskEvent(t, "ses_1", "call_2", tt.status, "report"),
				stepFinishEvent(t, "ses_1", "stop"),
			}})

			require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "fix it"}))
			res := rec.waitResult(t)

			assert.Equal(t, tt.want, res.Status)
			require.NotNil(t, res.Completion)
			assert.Equal(t, "report", res.Completion.Summary)
			assert.Len(t, l.Commands(), 1)
			_, errs := rec.snapshot()
			assert.Empty(t, errs, "a deliberate report is not a crash")
		})
	}
}

func TestPartialReportResumesWithRemainingWork(t *testing.T) {
	todos := func(status string) map[string]any {
		return map[string]any{"todos": []any{
			map[string]any{"id": "1", "content": "write parser", "status": "completed", "priority": "high"},
			map[string]any{"id": "2", "content": "write tests", "status": status, "priority": "high"},
		}}
	}
	a, l, rec := newTestAdapter(t,
		fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			toolEvent(t, "ses_1", "call_1", "todowrite", todos("pending")),
			completeTaskEvent(t, "ses_1", "call_2", "success", "parser done"),
			stepFinishEvent(t, "ses_1", "stop"),
		}},
		fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			toolEvent(t, "ses_1", "call_3", "todowrite", todos("completed")),
			completeTaskEvent(t, "ses_1", "call_4", "success", "everything done"),
			stepFinishEvent(t, "ses_1", "stop"),
		}},
	)

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "build the parser with tests"}))
	res := rec.waitResult(t)

	assert.Equal(t, models.ResultSuccess, res.Status)
	require.NotNil(t, res.Completion)
	assert.Equal(t, "everything done", res.Completion.Summary)

	cmds := l.Commands()
	require.Len(t, cmds, 2)
	prompt := lastArg(cmds[1])
	assert.Contains(t, prompt, "build the parser with tests")
	assert.Contains(t, prompt, "parser done")
	assert.Contains(t, prompt, "write tests")
	assert.NotContains(t, prompt, "write parser")
	assert.True(t, rec.hasDebug("downgraded to partial"))

	rec.mu.Lock()
	assert.Len(t, rec.todos, 2)
	rec.mu.Unlock()
}

func TestMaxContinuationAttemptsEndsPartial(t *testing.T) {
	working := func(call string) fakeScript {
		return fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			toolEvent(t, "ses_1", call, "bash", map[string]any{"command": "make"}),
			stepFinishEvent(t, "ses_1", "stop"),
		}}
	}
	l := &fakeLauncher{scripts: []fakeScript{working("c1"), working("c2"), working("c3")}}
	rec := newRecorder()
	a := NewProcessAdapter("task-1", rec.callbacks(), ProcessOptions{
		Builder:                 OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher:                l,
		StopGracePeriod: 100 * time.Millisecond,
		Limits: &completion.Limits{
			MaxContinuationAttempts: 1,
			MaxPartialDowngrades:    completion.DefaultMaxPartialDowngrades,
		},
		Logger: logging.Nop(),
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "loop forever"}))
	res := rec.waitResult(t)

	assert.Equal(t, models.ResultPartial, res.Status)
	assert.Len(t, l.Commands(), 2)
	assert.True(t, rec.hasDebug("max continuation attempts reached"))
}

func TestNonZeroExitIsAbnormal(t *testing.T) {
	a, l, rec := newTestAdapter(t, fakeScript{
		lines: []string{
			stepStartEvent(t, "ses_1"),
			toolEvent(t, "ses_1", "call_1", "bash", map[string]any{"command": "ls"}),
		},
		exitCode: 2,
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "do"}))
	res := rec.waitResult(t)

	assert.Equal(t, models.ResultError, res.Status)
	assert.Contains(t, res.Error, "exit code 2")
	assert.Len(t, l.Commands(), 1, "a non-zero exit is never continued")
	_, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrAbnormalExit))
	assert.Equal(t, StateErrored, a.State())
}

func TestStreamAuthErrorRaisesAuthEvent(t *testing.T) {
	a, _, rec := newTestAdapter(t, fakeScript{
		lines: []string{
			stepStartEvent(t, "ses_1"),
			errorEvent(t, "ses_1", "anthropic", "invalid x-api-key", 401),
		},
		exitCode: 1,
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "do"}))
	res := rec.waitResult(t)
	waitClosed(t, a.Done())

	assert.Equal(t, models.ResultError, res.Status)
	results, errs := rec.snapshot()
	assert.Len(t, results, 1, "the later exit must not report again")
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrAgentError))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"anthropic: invalid x-api-key"}, rec.auth)
}

func TestStepFinishErrorReason(t *testing.T) {
	a, _, rec := newTestAdapter(t, fakeScript{lines: []string{
		stepStartEvent(t, "ses_1"),
		stepFinishEvent(t, "ses_1", "error"),
	}})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "do"}))
	res := rec.waitResult(t)
	assert.Equal(t, models.ResultError, res.Status)
}

func TestCancelRunningFiresNoCallbacks(t *testing.T) {
	a, l, rec := newTestAdapter(t, fakeScript{
		lines: []string{
			stepStartEvent(t, "ses_1"),
			toolEvent(t, "ses_1", "call_1", "bash", map[string]any{"command": "sleep 100"}),
		},
		hold: true,
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "long job"}))
	require.Eventually(t, func() bool { return rec.hasStage(models.StageTool) }, testTimeout, 5*time.Millisecond)

	require.NoError(t, a.Cancel())
	waitClosed(t, a.Done())

	results, errs := rec.snapshot()
	assert.Empty(t, results)
	assert.Empty(t, errs)
	assert.Contains(t, l.Proc(0).Signals(), os.Signal(syscall.SIGTERM))
	assert.Len(t, l.Commands(), 1, "no continuation after cancel")
	assert.Equal(t, StateInterrupted, a.State())

	// Cancelling again is harmless.
	assert.NoError(t, a.Cancel())
}

func TestCancelBeforeStartNeverLaunches(t *testing.T) {
	a, l, rec := newTestAdapter(t, fakeScript{lines: []string{
		stepStartEvent(t, "ses_1"),
		textEvent(t, "ses_1", "hello"),
		stepFinishEvent(t, "ses_1", "stop"),
	}})
	assert.Equal(t, StateIdle, a.State())
	assert.ErrorIs(t, a.Interrupt(), ErrNotRunning)
	assert.ErrorIs(t, a.SendInput("hi"), ErrNotRunning)

	require.NoError(t, a.Cancel())
	waitClosed(t, a.Done())
	assert.Equal(t, StateInterrupted, a.State())

	err := a.Start(context.Background(), models.TaskConfig{Prompt: "too late"})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, l.Commands(), "a cancelled adapter must not spawn")

	results, errs := rec.snapshot()
	assert.Empty(t, results)
	assert.Empty(t, errs)
	rec.mu.Lock()
	assert.Empty(t, rec.messages)
	assert.Empty(t, rec.stages)
	rec.mu.Unlock()

	// Reset clears the cancellation.
	require.NoError(t, a.Reset())
	assert.Equal(t, StateIdle, a.State())
	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "again"}))
	rec.waitResult(t)
	assert.Len(t, l.Commands(), 1)
}

func TestStepStartWithoutToolReportsWaiting(t *testing.T) {
	l := &fakeLauncher{scripts: []fakeScript{{
		lines: []string{stepStartEvent(t, "ses_1")},
		hold:  true,
	}}}
	rec := newRecorder()
	a := NewProcessAdapter("task-1", rec.callbacks(), ProcessOptions{
		Builder:         OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher:        l,
		StopGracePeriod: 100 * time.Millisecond,
		WaitingDelay:    20 * time.Millisecond,
		Logger:          logging.Nop(),
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "think"}))
	require.Eventually(t, func() bool { return rec.hasStage(models.StageWaiting) }, testTimeout, 5*time.Millisecond)

	require.NoError(t, a.Cancel())
	waitClosed(t, a.Done())
}

func TestToolCallCancelsWaiting(t *testing.T) {
	rec := newRecorder()
	enforcer := completion.NewEnforcer("", completion.WithLogger(logging.Nop()))
	core := newSessionCore("task-1", rec.callbacks(), enforcer, 30*time.Millisecond, logging.Nop())
	core.begin(models.TaskConfig{Prompt: "list files"})
	core.beginInvocation()

	core.dispatch(stream.Message{Kind: stream.KindStepStart, SessionID: "ses_1"})
	core.dispatch(stream.Message{
		Kind:      stream.KindToolUse,
		SessionID: "ses_1",
		Tool:      &stream.ToolPart{CallID: "call_1", Name: "bash", Input: map[string]any{"command": "ls"}},
	})

	time.Sleep(150 * time.Millisecond)
	assert.True(t, rec.hasStage(models.StageTool))
	assert.False(t, rec.hasStage(models.StageWaiting), "a tool call must cancel the waiting timer")

	// A new step arms it again.
	core.dispatch(stream.Message{Kind: stream.KindStepStart, SessionID: "ses_1"})
	require.Eventually(t, func() bool { return rec.hasStage(models.StageWaiting) }, testTimeout, 5*time.Millisecond)
}

func TestZeroDowngradeLimitAcceptsSuccess(t *testing.T) {
	l := &fakeLauncher{scripts: []fakeScript{{lines: []string{
		stepStartEvent(t, "ses_1"),
		toolEvent(t, "ses_1", "call_1", "todowrite", map[string]any{"todos": []any{
			map[string]any{"id": "1", "content": "write tests", "status": "pending", "priority": "high"},
		}}),
		completeTaskEvent(t, "ses_1", "call_2", "success", "done enough"),
		stepFinishEvent(t, "ses_1", "stop"),
	}}}}
	rec := newRecorder()
	a := NewProcessAdapter("task-1", rec.callbacks(), ProcessOptions{
		Builder:         OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher:        l,
		StopGracePeriod: 100 * time.Millisecond,
		Limits:          &completion.Limits{MaxContinuationAttempts: 10, MaxPartialDowngrades: 0},
		Logger:          logging.Nop(),
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "build"}))
	res := rec.waitResult(t)

	assert.Equal(t, models.ResultSuccess, res.Status)
	assert.Len(t, l.Commands(), 1, "a zero downgrade cap never relitigates success")
	assert.True(t, rec.hasDebug("success accepted despite open todos"))
}

func TestInterruptThenCleanExitReportsInterrupted(t *testing.T) {
	for _, code := range []int{0, 130} {
		a, l, rec := newTestAdapter(t, fakeScript{
			lines: []string{
				stepStartEvent(t, "ses_1"),
				toolEvent(t, "ses_1", "call_1", "bash", map[string]any{"command": "make"}),
			},
			hold:          true,
			interruptCode: code,
		})

		require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "build"}))
		require.Eventually(t, func() bool { return rec.hasStage(models.StageTool) }, testTimeout, 5*time.Millisecond)
		require.NoError(t, a.Interrupt())

		res := rec.waitResult(t)
		assert.Equal(t, models.ResultInterrupted, res.Status, "exit code %d", code)
		assert.Contains(t, l.Proc(0).Written(), "\x03")
		assert.Len(t, l.Commands(), 1)
		_, errs := rec.snapshot()
		assert.Empty(t, errs)
	}
}

func TestSendInputWritesLine(t *testing.T) {
	a, l, rec := newTestAdapter(t, fakeScript{lines: []string{stepStartEvent(t, "ses_1")}, hold: true})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "chat"}))
	require.Eventually(t, func() bool { return rec.hasStage(models.StageConnecting) }, testTimeout, 5*time.Millisecond)

	require.NoError(t, a.SendInput("yes"))
	assert.Equal(t, "yes\r", l.Proc(0).Written())
	require.NoError(t, a.Cancel())
}

func TestQuestionToolSurfacesPermissionOnce(t *testing.T) {
	question := map[string]any{
		"question": "Which database?",
		"options":  []any{map[string]any{"label": "postgres"}, map[string]any{"label": "sqlite"}},
	}
	a, _, rec := newTestAdapter(t, fakeScript{lines: []string{
		stepStartEvent(t, "ses_1"),
		toolEvent(t, "ses_1", "call_q", "question", question),
		toolEvent(t, "ses_1", "call_q", "question", question),
		completeTaskEvent(t, "ses_1", "call_c", "success", "asked"),
		stepFinishEvent(t, "ses_1", "stop"),
	}})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "set up storage"}))
	rec.waitResult(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.perms, 1)
	assert.Equal(t, "call_q", rec.perms[0].ID)
	assert.Equal(t, "task-1", rec.perms[0].TaskID)
	assert.Equal(t, "question", rec.perms[0].Kind)
	assert.Equal(t, "Which database?", rec.perms[0].Question)
	assert.Equal(t, []string{"postgres", "sqlite"}, rec.perms[0].Options)
}

func TestStartTaskToolSeedsTodos(t *testing.T) {
	report := func(call string) fakeScript {
		return fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			completeTaskEvent(t, "ses_1", call, "success", "shipped"),
			stepFinishEvent(t, "ses_1", "stop"),
		}}
	}
	first := fakeScript{lines: []string{
		stepStartEvent(t, "ses_1"),
		toolEvent(t, "ses_1", "call_1", "mcp_start_task", map[string]any{
			"goal":         "ship it",
			"steps":        []any{"write code", map[string]any{"description": "run tests"}},
			"verification": "go test ./...",
		}),
		completeTaskEvent(t, "ses_1", "call_2", "success", "shipped"),
		stepFinishEvent(t, "ses_1", "stop"),
	}}
	a, l, rec := newTestAdapter(t, first, report("call_3"), report("call_4"))

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "ship"}))
	res := rec.waitResult(t)

	// The plan's todos stay open: two downgrades, then the report is accepted.
	assert.Equal(t, models.ResultSuccess, res.Status)
	assert.Len(t, l.Commands(), 3)
	assert.True(t, rec.hasDebug("success accepted despite open todos"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.todos)
	plan := rec.todos[0]
	require.Len(t, plan, 2)
	assert.Equal(t, "write code", plan[0].Content)
	assert.Equal(t, models.TodoInProgress, plan[0].Status)
	assert.Equal(t, "run tests", plan[1].Content)
	assert.Equal(t, models.TodoPending, plan[1].Status)
}

func TestDiagnosticRecordEndsSession(t *testing.T) {
	src := newFakeSource()
	l := &fakeLauncher{scripts: []fakeScript{{
		lines: []string{stepStartEvent(t, "ses_1")},
		hold:  true,
	}}}
	rec := newRecorder()
	a := NewProcessAdapter("task-1", rec.callbacks(), ProcessOptions{
		Builder:         OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher:        l,
		StopGracePeriod: 100 * time.Millisecond,
		Diagnostics:     func() diaglog.Source { return src },
		Logger:          logging.Nop(),
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "do", ProviderID: "openai"}))
	require.Eventually(t, func() bool { return a.SessionID() == "ses_1" }, testTimeout, 5*time.Millisecond)

	src.records <- diaglog.Record{SessionID: "ses_other", Level: "ERROR", Message: "not ours"}
	src.records <- diaglog.Record{SessionID: "ses_1", Level: "ERROR", StatusCode: 401, Message: "Unauthorized"}

	res := rec.waitResult(t)
	waitClosed(t, a.Done())

	assert.Equal(t, models.ResultError, res.Status)
	assert.Contains(t, res.Error, "Unauthorized")
	assert.Contains(t, l.Proc(0).Signals(), os.Signal(syscall.SIGKILL))

	results, errs := rec.snapshot()
	assert.Len(t, results, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrOutOfBand)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"openai: Unauthorized"}, rec.auth)
}

func TestUnattributedRecordSparesConcurrentSessions(t *testing.T) {
	sessions := &Sessions{}
	newSession := func(taskID, sid string, src *fakeSource) (*ProcessAdapter, *fakeLauncher, *recorder) {
		l := &fakeLauncher{scripts: []fakeScript{{lines: []string{stepStartEvent(t, sid)}, hold: true}}}
		rec := newRecorder()
		a := NewProcessAdapter(taskID, rec.callbacks(), ProcessOptions{
			Builder:         OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
			Launcher:        l,
			StopGracePeriod: 100 * time.Millisecond,
			Diagnostics:     func() diaglog.Source { return src },
			Sessions:        sessions,
			Logger:          logging.Nop(),
		})
		require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "do"}))
		require.Eventually(t, func() bool { return a.SessionID() == sid }, testTimeout, 5*time.Millisecond)
		return a, l, rec
	}

	srcA, srcB := newFakeSource(), newFakeSource()
	a, _, recA := newSession("task-a", "ses_a", srcA)
	b, _, recB := newSession("task-b", "ses_b", srcB)
	assert.Equal(t, 2, sessions.Live())

	// Every watcher sees the same unattributed line.
	unattributed := diaglog.Record{Level: "ERROR", StatusCode: 401, Message: "Unauthorized"}
	srcA.records <- unattributed
	srcB.records <- unattributed
	time.Sleep(50 * time.Millisecond)
	resultsA, _ := recA.snapshot()
	resultsB, _ := recB.snapshot()
	assert.Empty(t, resultsA)
	assert.Empty(t, resultsB)

	srcB.records <- diaglog.Record{SessionID: "ses_b", Level: "ERROR", Message: "rate limited"}
	res := recB.waitResult(t)
	assert.Equal(t, models.ResultError, res.Status)
	waitClosed(t, b.Done())
	assert.Equal(t, 1, sessions.Live())

	// Alone again, an unattributed record applies.
	srcA.records <- unattributed
	res = recA.waitResult(t)
	assert.Equal(t, models.ResultError, res.Status)
	waitClosed(t, a.Done())
	assert.Equal(t, 0, sessions.Live())
}

func TestSpawnFailure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("exec format error")}
	rec := newRecorder()
	a := NewProcessAdapter("task-1", rec.callbacks(), ProcessOptions{
		Builder:  OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher: l,
		Logger:   logging.Nop(),
	})

	err := a.Start(context.Background(), models.TaskConfig{Prompt: "do"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)

	res := rec.waitResult(t)
	assert.Equal(t, models.ResultError, res.Status)
	waitClosed(t, a.Done())
}

func TestStartTwiceAndReset(t *testing.T) {
	script := func() fakeScript {
		return fakeScript{lines: []string{
			stepStartEvent(t, "ses_1"),
			stepFinishEvent(t, "ses_1", "stop"),
		}}
	}
	a, _, rec := newTestAdapter(t, script(), script())

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "one"}))
	assert.ErrorIs(t, a.Start(context.Background(), models.TaskConfig{Prompt: "two"}), ErrAlreadyStarted)
	rec.waitResult(t)
	waitClosed(t, a.Done())

	require.NoError(t, a.Reset())
	assert.Equal(t, StateIdle, a.State())
	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "two"}))
	res := rec.waitResult(t)
	assert.Equal(t, models.ResultSuccess, res.Status)
}

func TestRawOutputIsLogged(t *testing.T) {
	dir := t.TempDir()
	l := &fakeLauncher{scripts: []fakeScript{{lines: []string{
		stepStartEvent(t, "ses_1"),
		textEvent(t, "ses_1", "logged text"),
		stepFinishEvent(t, "ses_1", "stop"),
	}}}}
	rec := newRecorder()
	a := NewProcessAdapter("task-log", rec.callbacks(), ProcessOptions{
		Builder:  OpenCodeBuilder{Executable: "/usr/local/bin/opencode"},
		Launcher: l,
		LogDir:   dir,
		Logger:   logging.Nop(),
	})

	require.NoError(t, a.Start(context.Background(), models.TaskConfig{Prompt: "do"}))
	rec.waitResult(t)
	waitClosed(t, a.Done())

	data, err := os.ReadFile(filepath.Join(dir, "task-log.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== invocation 1")
	assert.Contains(t, string(data), "logged text")
}

func TestRequestPermissionFillsIdentity(t *testing.T) {
	a, _, rec := newTestAdapter(t)
	a.RequestPermission(models.PermissionRequest{Kind: "file", Question: "Write main.go?"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.perms, 1)
	assert.NotEmpty(t, rec.perms[0].ID)
	assert.Equal(t, "task-1", rec.perms[0].TaskID)
}
