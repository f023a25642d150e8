package completion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevir/capataz/pkg/models"
)

func todos(statuses ...models.TodoStatus) []models.TodoItem {
	items := make([]models.TodoItem, len(statuses))
	for i, s := range statuses {
		items[i] = models.TodoItem{ID: string(rune('a' + i)), Content: "step " + string(rune('a'+i)), Status: s}
	}
	return items
}

func TestRecordSuccessWithoutTodos(t *testing.T) {
	m := NewStateMachine(3, 2)

	state, err := m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionSuccess, Summary: "done"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.True(t, m.IsTerminal())
	require.NotNil(t, m.Completion())
	assert.Equal(t, "done", m.Completion().Summary)

	ok, err := m.ScheduleContinuation()
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateDone, m.State())
}

func TestRecordSuccessWithOpenTodosDowngrades(t *testing.T) {
	m := NewStateMachine(3, 2)
	items := todos(models.TodoCompleted, models.TodoInProgress, models.TodoPending, models.TodoCancelled)

	state, err := m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionSuccess, Summary: "mostly"}, models.OpenTodos(items))
	require.NoError(t, err)
	assert.Equal(t, StatePartialContinuationPending, state)

	args := m.Completion()
	require.NotNil(t, args)
	assert.Equal(t, models.CompletionPartial, args.Status)
	assert.Equal(t, "step b\nstep c", args.RemainingWork)
	assert.Equal(t, "mostly", args.Summary)
}

func TestDowngradeCapForcesAcceptance(t *testing.T) {
	m := NewStateMachine(10, 2)
	open := models.OpenTodos(todos(models.TodoPending))
	success := models.CompleteTaskArgs{Status: models.CompletionSuccess}

	for i := 0; i < 2; i++ {
		state, err := m.RecordCompletion(success, open)
		require.NoError(t, err)
		require.Equal(t, StatePartialContinuationPending, state)
		ok, err := m.StartPartialContinuation()
		require.NoError(t, err)
		require.True(t, ok)
	}

	state, err := m.RecordCompletion(success, open)
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)
	assert.Equal(t, models.CompletionSuccess, m.Completion().Status)
	assert.Equal(t, 2, m.Downgrades())
}

func TestUncappedDowngrades(t *testing.T) {
	m := NewStateMachine(100, -1)
	open := models.OpenTodos(todos(models.TodoPending))
	for i := 0; i < 5; i++ {
		state, err := m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionSuccess}, open)
		require.NoError(t, err)
		require.Equal(t, StatePartialContinuationPending, state)
		_, err = m.StartPartialContinuation()
		require.NoError(t, err)
	}
}

func TestRecordPartialAndBlocked(t *testing.T) {
	m := NewStateMachine(3, 2)
	state, err := m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionPartial, RemainingWork: "tests"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePartialContinuationPending, state)

	// A later report overwrites the pending partial one.
	state, err = m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionBlocked, Summary: "no creds"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, state)
	assert.Equal(t, "no creds", m.Completion().Summary)

	_, err = m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionSuccess}, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateBlocked, m.State())
}

func TestUnknownStatusIsBlocked(t *testing.T) {
	m := NewStateMachine(3, 2)
	state, err := m.RecordCompletion(models.CompleteTaskArgs{Status: "gave_up"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, state)
}

func TestPartialRemainingWorkFilledFromTodos(t *testing.T) {
	m := NewStateMachine(3, 2)
	_, err := m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionPartial}, models.OpenTodos(todos(models.TodoPending)))
	require.NoError(t, err)
	assert.Equal(t, "step a", m.Completion().RemainingWork)
}

func TestScheduleContinuationReachesMax(t *testing.T) {
	const limit = 3
	m := NewStateMachine(limit, 2)

	for i := 0; i < limit; i++ {
		ok, err := m.ScheduleContinuation()
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
		require.Equal(t, StateContinuationPending, m.State())
	}

	ok, err := m.ScheduleContinuation()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateMaxRetriesReached, m.State())
	assert.Equal(t, limit+1, m.Attempts())
	require.NotNil(t, m.Completion(), "terminal states carry a payload")
	assert.Equal(t, models.CompletionPartial, m.Completion().Status)
}

func TestCounterSharedAcrossContinuationKinds(t *testing.T) {
	m := NewStateMachine(2, 5)

	ok, err := m.ScheduleContinuation()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.StartContinuation())

	_, err = m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionPartial}, nil)
	require.NoError(t, err)
	ok, err = m.StartPartialContinuation()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateIdle, m.State())

	_, err = m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionPartial}, nil)
	require.NoError(t, err)
	ok, err = m.StartPartialContinuation()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateMaxRetriesReached, m.State())
	assert.Equal(t, models.CompletionPartial, m.Completion().Status)
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	m := NewStateMachine(3, 2)

	err := m.StartContinuation()
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateIdle, m.State())

	_, err = m.StartPartialContinuation()
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, m.Attempts())

	_, err = m.RecordCompletion(models.CompleteTaskArgs{Status: models.CompletionPartial}, nil)
	require.NoError(t, err)
	_, err = m.ScheduleContinuation()
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatePartialContinuationPending, m.State())

	err = m.CompleteConversational("")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCompleteConversational(t *testing.T) {
	m := NewStateMachine(3, 2)
	require.NoError(t, m.CompleteConversational("hi"))
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, models.CompletionSuccess, m.Completion().Status)
}

func TestReset(t *testing.T) {
	m := NewStateMachine(1, 2)
	_, _ = m.ScheduleContinuation()
	_, _ = m.ScheduleContinuation()
	require.Equal(t, StateMaxRetriesReached, m.State())

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, m.Attempts())
	assert.Nil(t, m.Completion())

	ok, err := m.ScheduleContinuation()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "PARTIAL_CONTINUATION_PENDING", StatePartialContinuationPending.String())
	assert.Equal(t, "MAX_RETRIES_REACHED", StateMaxRetriesReached.String())
	assert.Equal(t, "State(42)", State(42).String())
}
