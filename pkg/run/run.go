// Package run holds the execution record for one Plan: status, per-task results, the
// append-only event log, progress, and aggregate metrics.
//
// A Run is created by the caller and mutated only by the engine executing it. All mutators are
// safe for concurrent use, since parallel-group members report into the same Run.
package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskengine/pkg/plan"
	"taskengine/pkg/taskerrors"
)

// Status is the run lifecycle state. Transitions are monotonic:
// queued -> running -> succeeded|failed.
type Status string

// Run statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further change is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Errors returned by Run mutators.
var (
	ErrTerminal          = errors.New("run is terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStatus is the outcome of one task.
type TaskStatus string

// Task statuses.
const (
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// RunError is the structured failure attached to a failed Run or task.
type RunError struct {
	At        time.Time       `json:"at"`
	Code      taskerrors.Code `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

// Error implements error.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewRunError converts any error into a RunError stamped with at.
func NewRunError(err error, at time.Time) *RunError {
	te := taskerrors.From(err)
	msg := te.Message
	if msg == "" {
		msg = te.Error()
	} else if te.Err != nil {
		msg = fmt.Sprintf("%s: %v", te.Message, te.Err)
	}
	return &RunError{At: at, Code: te.Code, Message: msg, Retryable: te.Retryable}
}

// TaskResult is the outcome of one task.
//
//nolint:govet // fieldalignment: logical grouping preferred
type TaskResult struct {
	Status     TaskStatus      `json:"status"`
	OutputText string          `json:"output_text,omitempty"`
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	Model      string          `json:"model,omitempty"`
	Tier       int             `json:"tier"`
	Rounds     int             `json:"rounds"`
	ToolCalls  int             `json:"tool_calls"`
	LatencyMS  int64           `json:"latency_ms"`
	Error      *RunError       `json:"error,omitempty"`
}

// Metrics aggregates resource use across every task of a run.
type Metrics struct {
	CostEstimate     float64 `json:"cost_estimate"`
	LatencyMS        int64   `json:"latency_ms"`
	Steps            int     `json:"steps"`
	ToolCalls        int     `json:"tool_calls"`
	ModelUpgrades    int     `json:"model_upgrades"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Retries          int     `json:"retries"`
}

// Progress counts tasks by state.
type Progress struct {
	Running        []string `json:"running"`
	TotalTasks     int      `json:"total_tasks"`
	CompletedTasks int      `json:"completed_tasks"`
	FailedTasks    int      `json:"failed_tasks"`
}

// Run is the execution record for one Plan.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Run struct {
	ID            string                 `json:"id"`
	Owner         string                 `json:"owner,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	Status        Status                 `json:"status"`
	Plan          *plan.Plan             `json:"plan"`
	ResultsByTask map[string]*TaskResult `json:"results_by_task"`
	Logs          []Event                `json:"logs"`
	Progress      Progress               `json:"progress"`
	Metrics       Metrics                `json:"metrics"`
	Error         *RunError              `json:"error,omitempty"`

	mu sync.Mutex
}

// New creates a queued Run for p.
func New(p *plan.Plan, owner string) *Run {
	r := &Run{
		ID:            uuid.NewString(),
		Owner:         owner,
		CreatedAt:     time.Now().UTC(),
		Status:        StatusQueued,
		Plan:          p,
		ResultsByTask: make(map[string]*TaskResult),
		Logs:          []Event{},
	}
	if p != nil {
		r.Progress.TotalTasks = len(p.Tasks)
	}
	r.Progress.Running = []string{}
	return r
}

// Prepare fills in what New would have set on a Run built some other way, such as one decoded
// from storage or written as a literal. Fields already set are left alone.
func (r *Run) Prepare() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.ResultsByTask == nil {
		r.ResultsByTask = make(map[string]*TaskResult)
	}
	if r.Logs == nil {
		r.Logs = []Event{}
	}
	if r.Progress.Running == nil {
		r.Progress.Running = []string{}
	}
	if r.Progress.TotalTasks == 0 && r.Plan != nil {
		r.Progress.TotalTasks = len(r.Plan.Tasks)
	}
}

// CurrentStatus returns the status under the run lock.
func (r *Run) CurrentStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// Transition moves the run forward. Moving backward, sideways between terminal states, or
// out of a terminal state fails.
func (r *Run) Transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Run) transitionLocked(to Status) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: already %s", ErrTerminal, r.Status)
	}
	if to.rank() <= r.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	return nil
}

// Append adds an event to the log. Nothing may be appended once the run is terminal.
func (r *Run) Append(typ EventType, data Fields) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.IsTerminal() {
		return Event{}, fmt.Errorf("%w: cannot append %s", ErrTerminal, typ)
	}
	ev := Event{Timestamp: time.Now().UTC(), Type: typ, Data: data}
	r.Logs = append(r.Logs, ev)
	return ev, nil
}

// Finish records the terminal outcome: succeeded when runErr is nil, failed otherwise. A
// final event of type typ is appended before the status closes the log.
func (r *Run) Finish(runErr *RunError, typ EventType, data Fields) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.IsTerminal() {
		return Event{}, fmt.Errorf("%w: already %s", ErrTerminal, r.Status)
	}

	to := StatusSucceeded
	if runErr != nil {
		to = StatusFailed
	}
	if err := r.transitionLocked(to); err != nil {
		return Event{}, err
	}
	ev := Event{Timestamp: time.Now().UTC(), Type: typ, Data: data}
	r.Logs = append(r.Logs, ev)
	r.Error = runErr
	return ev, nil
}

// SetResult stores a task's result.
func (r *Run) SetResult(task string, res *TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResultsByTask[task] = res
}

// Result returns a task's result, if any.
func (r *Run) Result(task string) (*TaskResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.ResultsByTask[task]
	return res, ok
}

// UpdateMetrics applies fn to the metrics under the run lock.
func (r *Run) UpdateMetrics(fn func(*Metrics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.Metrics)
}

// TaskStarted marks a task as running.
func (r *Run) TaskStarted(task string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.Progress.Running, task) {
		r.Progress.Running = append(r.Progress.Running, task)
	}
}

// TaskDone marks a task as no longer running and counts its outcome.
func (r *Run) TaskDone(task string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress.Running = slices.DeleteFunc(r.Progress.Running, func(n string) bool { return n == task })
	if ok {
		r.Progress.CompletedTasks++
	} else {
		r.Progress.FailedTasks++
	}
}

// Events returns a copy of the log.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.Logs)
}

// EventsOf returns the logged events of one type.
func (r *Run) EventsOf(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.Logs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Snapshot returns the metrics and progress as of now.
func (r *Run) Snapshot() (Metrics, Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.Progress
	p.Running = slices.Clone(r.Progress.Running)
	return r.Metrics, p
}
