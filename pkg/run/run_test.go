package run

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/pkg/plan"
	"taskengine/pkg/taskerrors"
)

func testPlan() *plan.Plan {
	return &plan.Plan{
		Mode:   plan.ModeSingle,
		Budget: plan.Budget{MaxSteps: 4, MaxToolCalls: 2, MaxLatencyMS: 1000},
		Tasks: []plan.TaskSpec{{
			Name: "single_executor", Agent: "executor", ReasoningLevel: plan.ReasoningLow, MaxOutputTokens: 64,
		}},
	}
}

func TestNew(t *testing.T) {
	r := New(testPlan(), "alice")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "alice", r.Owner)
	assert.Equal(t, StatusQueued, r.Status)
	assert.Equal(t, 1, r.Progress.TotalTasks)
	assert.NotNil(t, r.ResultsByTask)
	assert.NotEqual(t, New(testPlan(), "").ID, r.ID)
}

func TestPrepare(t *testing.T) {
	t.Run("literal", func(t *testing.T) {
		r := &Run{Plan: testPlan()}
		r.Prepare()
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, StatusQueued, r.Status)
		assert.False(t, r.CreatedAt.IsZero())
		assert.NotNil(t, r.ResultsByTask)
		assert.NotNil(t, r.Logs)
		assert.NotNil(t, r.Progress.Running)
		assert.Equal(t, 1, r.Progress.TotalTasks)

		r.SetResult("single_executor", &TaskResult{Status: TaskSucceeded})
		r.TaskStarted("single_executor")
		_, err := r.Append(EventRunStarted, nil)
		require.NoError(t, err)
	})

	t.Run("keeps existing fields", func(t *testing.T) {
		r := New(testPlan(), "alice")
		require.NoError(t, r.Transition(StatusRunning))
		r.SetResult("single_executor", &TaskResult{Status: TaskRunning})
		id, created := r.ID, r.CreatedAt

		r.Prepare()
		assert.Equal(t, id, r.ID)
		assert.Equal(t, created, r.CreatedAt)
		assert.Equal(t, StatusRunning, r.Status)
		assert.Len(t, r.ResultsByTask, 1)
	})
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr error
	}{
		{"happy path", []Status{StatusRunning, StatusSucceeded}, nil},
		{"straight to failed", []Status{StatusFailed}, nil},
		{"backward", []Status{StatusRunning, StatusQueued}, ErrInvalidTransition},
		{"repeat", []Status{StatusRunning, StatusRunning}, ErrInvalidTransition},
		{"out of terminal", []Status{StatusRunning, StatusFailed, StatusSucceeded}, ErrTerminal},
		{"unknown", []Status{"paused"}, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(testPlan(), "")
			var err error
			for _, s := range tt.path {
				if err = r.Transition(s); err != nil {
					break
				}
			}
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAppendAfterTerminal(t *testing.T) {
	r := New(testPlan(), "")
	require.NoError(t, r.Transition(StatusRunning))

	_, err := r.Append(EventRunStarted, Fields{"tasks": 1})
	require.NoError(t, err)

	runErr := &RunError{Code: taskerrors.CodeBudgetSteps, Message: "out of steps", At: time.Now()}
	_, err = r.Finish(runErr, EventRunFinished, Fields{"status": "failed"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.CurrentStatus())
	assert.Equal(t, runErr, r.Error)

	_, err = r.Append(EventStepStart, nil)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = r.Finish(nil, EventRunFinished, nil)
	assert.ErrorIs(t, err, ErrTerminal)

	events := r.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventRunFinished, events[1].Type)
}

func TestFinishSucceeded(t *testing.T) {
	r := New(testPlan(), "")
	require.NoError(t, r.Transition(StatusRunning))
	_, err := r.Finish(nil, EventRunFinished, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Nil(t, r.Error)
}

func TestConcurrentMutation(t *testing.T) {
	r := New(testPlan(), "")
	require.NoError(t, r.Transition(StatusRunning))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Append(EventStepStart, nil)
			r.UpdateMetrics(func(m *Metrics) { m.Steps++ })
		}()
	}
	wg.Wait()

	m, _ := r.Snapshot()
	assert.Equal(t, 50, m.Steps)
	assert.Len(t, r.EventsOf(EventStepStart), 50)
}

func TestProgress(t *testing.T) {
	r := New(testPlan(), "")
	r.TaskStarted("a")
	r.TaskStarted("b")
	r.TaskStarted("a")
	_, p := r.Snapshot()
	assert.Equal(t, []string{"a", "b"}, p.Running)

	r.TaskDone("a", true)
	r.TaskDone("b", false)
	_, p = r.Snapshot()
	assert.Empty(t, p.Running)
	assert.Equal(t, 1, p.CompletedTasks)
	assert.Equal(t, 1, p.FailedTasks)
}

func TestNewRunError(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	e := NewRunError(taskerrors.Retryable(taskerrors.CodeProviderHTTP, "gateway 503"), at)
	assert.Equal(t, taskerrors.CodeProviderHTTP, e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, "gateway 503", e.Message)
	assert.Equal(t, at, e.At)

	e = NewRunError(taskerrors.Wrap(taskerrors.CodeToolFailed, errors.New("disk"), "tool write failed"), at)
	assert.Equal(t, "tool write failed: disk", e.Message)

	e = NewRunError(errors.New("plain"), at)
	assert.Equal(t, taskerrors.CodeInternal, e.Code)
	assert.Contains(t, e.Message, "plain")
	assert.Equal(t, "INTERNAL: "+e.Message, e.Error())
}
