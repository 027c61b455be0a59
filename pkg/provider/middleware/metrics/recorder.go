// Package metrics provides metrics recording for provider rounds and runs.
package metrics

import "time"

// Recorder defines the interface for recording engine metrics.
type Recorder interface {
	// ObserveRound records a completed provider round.
	ObserveRound(
		providerID, model, runID, taskName string,
		promptTokens, completionTokens int,
		success bool,
		errorCode string,
		duration time.Duration,
	)

	// ObserveCost adds an estimated cost to a run, attributed to its token owner.
	ObserveCost(runID, owner string, cost float64)

	// IncBudgetViolation counts a budget ceiling hit.
	IncBudgetViolation(code string)

	// ObserveRun records a run reaching a terminal status.
	ObserveRun(runID, status string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRound(_, _, _, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

func (n *NoopRecorder) ObserveCost(_, _ string, _ float64) {}

func (n *NoopRecorder) IncBudgetViolation(_ string) {}

func (n *NoopRecorder) ObserveRun(_, _ string, _ time.Duration) {}

// Multi fans every observation out to several recorders.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}

type multiRecorder []Recorder

func (m multiRecorder) ObserveRound(
	providerID, model, runID, taskName string,
	promptTokens, completionTokens int,
	success bool,
	errorCode string,
	duration time.Duration,
) {
	for _, r := range m {
		r.ObserveRound(providerID, model, runID, taskName, promptTokens, completionTokens, success, errorCode, duration)
	}
}

func (m multiRecorder) ObserveCost(runID, owner string, cost float64) {
	for _, r := range m {
		r.ObserveCost(runID, owner, cost)
	}
}

func (m multiRecorder) IncBudgetViolation(code string) {
	for _, r := range m {
		r.IncBudgetViolation(code)
	}
}

func (m multiRecorder) ObserveRun(runID, status string, duration time.Duration) {
	for _, r := range m {
		r.ObserveRun(runID, status, duration)
	}
}
