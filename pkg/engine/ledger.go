package engine

import (
	"sync"
	"time"

	"taskengine/pkg/plan"
	"taskengine/pkg/taskerrors"
)

// ledger tracks run-level budget consumption shared by every task and parallel branch.
// Each take/check happens before the work it gates; a failed take consumes nothing.
type ledger struct {
	start     time.Time
	now       func() time.Time
	budget    plan.Budget
	cost      float64 // settled spend
	reserved  float64 // projections of rounds still in flight
	steps     int
	toolCalls int
	upgrades  int
	mu        sync.Mutex
}

func newLedger(b plan.Budget, now func() time.Time) *ledger {
	return &ledger{budget: b, now: now, start: now()}
}

// violation is a budget breach with the numbers behind it.
type violation struct {
	err   *taskerrors.Error
	limit any
	used  any
}

func (v *violation) Error() string { return v.err.Error() }
func (v *violation) Unwrap() error { return v.err }

func newViolation(code taskerrors.Code, limit, used any, format string, args ...any) *violation {
	return &violation{err: taskerrors.Newf(code, format, args...), limit: limit, used: used}
}

func (l *ledger) takeStep() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.steps >= l.budget.MaxSteps {
		return newViolation(taskerrors.CodeBudgetSteps, l.budget.MaxSteps, l.steps,
			"step budget of %d exhausted", l.budget.MaxSteps)
	}
	l.steps++
	return nil
}

// hasStep reports whether another takeStep would succeed.
func (l *ledger) hasStep() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.steps < l.budget.MaxSteps
}

func (l *ledger) takeToolCall() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.toolCalls >= l.budget.MaxToolCalls {
		return newViolation(taskerrors.CodeBudgetToolCalls, l.budget.MaxToolCalls, l.toolCalls,
			"tool call budget of %d exhausted", l.budget.MaxToolCalls)
	}
	l.toolCalls++
	return nil
}

func (l *ledger) takeUpgrade() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.upgrades >= l.budget.MaxModelUpgrades {
		return newViolation(taskerrors.CodeBudgetModelUpgrades, l.budget.MaxModelUpgrades, l.upgrades,
			"model upgrade budget of %d exhausted", l.budget.MaxModelUpgrades)
	}
	l.upgrades++
	return nil
}

// remaining returns the latency left, failing once the run has used it all.
func (l *ledger) remaining() (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := time.Duration(l.budget.MaxLatencyMS) * time.Millisecond
	elapsed := l.now().Sub(l.start)
	if elapsed >= limit {
		return 0, newViolation(taskerrors.CodeBudgetLatency, l.budget.MaxLatencyMS, elapsed.Milliseconds(),
			"latency budget of %dms exhausted after %dms", l.budget.MaxLatencyMS, elapsed.Milliseconds())
	}
	return limit - elapsed, nil
}

// reserveCost holds projected spend for a round about to start. It fails when settled spend
// plus every open reservation would cross the cost ceiling, so concurrent branches cannot all
// pass against the same spent value.
func (l *ledger) reserveCost(projected float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	committed := l.cost + l.reserved
	if committed+projected > l.budget.MaxCostEstimate {
		return newViolation(taskerrors.CodeBudgetCost, l.budget.MaxCostEstimate, committed,
			"projected cost %.6f would exceed budget %.6f (committed %.6f)",
			committed+projected, l.budget.MaxCostEstimate, committed)
	}
	l.reserved += projected
	return nil
}

// settleCost releases a reservation and records what the round actually cost. A round that
// never reached the provider settles with zero. Actual spend beyond the ceiling is reported.
func (l *ledger) settleCost(reserved, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved = max(l.reserved-reserved, 0)
	l.cost += actual
	if l.cost > l.budget.MaxCostEstimate {
		return newViolation(taskerrors.CodeBudgetCost, l.budget.MaxCostEstimate, l.cost,
			"actual cost %.6f exceeded budget %.6f", l.cost, l.budget.MaxCostEstimate)
	}
	return nil
}

func (l *ledger) elapsed() time.Duration {
	return l.now().Sub(l.start)
}
