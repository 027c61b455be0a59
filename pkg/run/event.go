package run

import "time"

// EventType identifies a run log entry.
type EventType string

// Round loop events.
const (
	EventRoundStart     EventType = "llm_round_start"
	EventStepStart      EventType = "llm_step_start"
	EventStepToolCalls  EventType = "llm_step_tool_calls"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallEnd    EventType = "tool_call_end"
	EventStepFinal      EventType = "llm_step_final"
	EventRoundFinal     EventType = "llm_round_final"
	EventBudgetViolated EventType = "budget_violation"
)

// Lifecycle events.
const (
	EventRunStarted    EventType = "run_started"
	EventTaskStarted   EventType = "task_started"
	EventTaskFinished  EventType = "task_finished"
	EventRunFinished   EventType = "run_finished"
	EventModelUpgrade  EventType = "model_upgrade"
	EventProviderRetry EventType = "provider_retry"
)

// Event is one append-only run log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Type      EventType      `json:"type"`
}

// Fields is shorthand for event data.
type Fields = map[string]any
