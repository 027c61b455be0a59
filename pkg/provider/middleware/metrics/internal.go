package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements Recorder with in-memory aggregation per run.
// It needs no external services and backs the CLI's end-of-run summary.
type InternalRecorder struct {
	runs map[string]*RunMetrics // runID -> aggregated metrics
	mu   sync.RWMutex
}

// RunMetrics represents aggregated metrics for a run.
//
//nolint:govet
type RunMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RoundCount       int64     `json:"round_count"`
	FailedRounds     int64     `json:"failed_rounds"`
	TotalCost        float64   `json:"total_cost_usd"`
	RunID            string    `json:"run_id"`
	Owner            string    `json:"owner,omitempty"`
	Status           string    `json:"status,omitempty"`
	Duration         string    `json:"duration,omitempty"`
	LastUpdated      time.Time `json:"last_updated"`
}

// NewInternalRecorder returns an empty internal recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{runs: make(map[string]*RunMetrics)}
}

func (r *InternalRecorder) get(runID string) *RunMetrics {
	m, ok := r.runs[runID]
	if !ok {
		m = &RunMetrics{RunID: runID}
		r.runs[runID] = m
	}
	m.LastUpdated = time.Now()
	return m
}

func (r *InternalRecorder) ObserveRound(
	_, _, runID, _ string,
	promptTokens, completionTokens int,
	success bool,
	_ string,
	_ time.Duration,
) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.get(runID)
	m.RoundCount++
	if !success {
		m.FailedRounds++
		return
	}
	m.PromptTokens += int64(promptTokens)
	m.CompletionTokens += int64(completionTokens)
	m.TotalTokens = m.PromptTokens + m.CompletionTokens
}

func (r *InternalRecorder) ObserveCost(runID, owner string, cost float64) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.get(runID)
	m.Owner = owner
	m.TotalCost += cost
}

// IncBudgetViolation is tracked on the run record itself; nothing to aggregate here.
func (r *InternalRecorder) IncBudgetViolation(_ string) {}

func (r *InternalRecorder) ObserveRun(runID, status string, duration time.Duration) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.get(runID)
	m.Status = status
	m.Duration = duration.Round(time.Millisecond).String()
}

// GetRunMetrics returns a copy of the aggregated metrics for a run, or nil.
func (r *InternalRecorder) GetRunMetrics(runID string) *RunMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.runs[runID]; ok {
		c := *m
		return &c
	}
	return nil
}

// GetAllRunMetrics returns copies of the metrics for every run seen.
func (r *InternalRecorder) GetAllRunMetrics() map[string]*RunMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*RunMetrics, len(r.runs))
	for id, m := range r.runs {
		c := *m
		result[id] = &c
	}
	return result
}

// Reset clears all metrics.
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = make(map[string]*RunMetrics)
}
