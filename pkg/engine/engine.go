// Package engine executes a Plan: it walks the task graph in dependency waves, fans parallel
// groups out concurrently, drives each task through a bounded provider/tool round loop, and
// enforces the run-level budget throughout.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/provider/middleware/metrics"
	"taskengine/pkg/provider/middleware/retry"
	"taskengine/pkg/run"
	"taskengine/pkg/taskerrors"
	"taskengine/pkg/tools"
)

// ErrNoProvider is returned by New without a provider.
var ErrNoProvider = errors.New("engine: provider is required")

// Sink receives every event appended to a run, in order.
type Sink interface {
	WriteEvent(runID string, ev run.Event) error
}

// Options configures an Engine.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Options struct {
	Provider provider.Provider // Required
	Tools    *tools.Registry   // Defaults to an empty registry
	Pricing  config.PricingConfig
	Retry    *retry.Policy    // Defaults to retry.DefaultConfig
	Recorder metrics.Recorder // Defaults to a no-op recorder
	Sink     Sink             // Optional event sink
	Now      func() time.Time // Defaults to time.Now
}

// Engine executes runs. One Engine may execute many runs concurrently; each run is owned by
// the ExecuteRun call driving it.
type Engine struct {
	provider provider.Provider
	tools    *tools.Registry
	retry    *retry.Policy
	recorder metrics.Recorder
	sink     Sink
	now      func() time.Time
	logger   *logx.Logger
	pricing  config.PricingConfig
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	e := &Engine{
		provider: opts.Provider,
		tools:    opts.Tools,
		retry:    opts.Retry,
		recorder: opts.Recorder,
		sink:     opts.Sink,
		now:      opts.Now,
		pricing:  opts.Pricing,
		logger:   logx.NewLogger("engine"),
	}
	if e.tools == nil {
		e.tools = tools.NewRegistry()
		e.tools.Seal()
	}
	if e.retry == nil {
		e.retry = retry.NewPolicy(retry.DefaultConfig, nil)
	}
	if e.recorder == nil {
		e.recorder = metrics.Nop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if !e.provider.Enabled() {
		e.logger.Warn("⚠️  Provider %s is not enabled: %s", e.provider.ID(), e.provider.Notes())
	}
	return e, nil
}

// execution is the state of one ExecuteRun call.
type execution struct {
	e      *Engine
	run    *run.Run
	plan   *plan.Plan
	ledger *ledger
}

// ExecuteRun drives r to a terminal status and returns it. Business failures never escape as
// errors: a failed run carries a structured RunError. A nil run or a plan that fails validation
// yields a failed run with PLAN_INVALID. A run that is not queued is returned untouched. Runs
// decoded from storage are accepted as they are; missing collections are filled in first.
func (e *Engine) ExecuteRun(ctx context.Context, r *run.Run) *run.Run {
	if r == nil {
		r = run.New(nil, "")
		e.newExecution(r, plan.Budget{}).finish(taskerrors.New(taskerrors.CodePlanInvalid, "nil run"))
		return r
	}
	r.Prepare()
	if status := r.CurrentStatus(); status != run.StatusQueued {
		e.logger.Warn("Run %s is %s, not queued; not executing", r.ID, status)
		return r
	}
	if r.Plan == nil {
		e.newExecution(r, plan.Budget{}).finish(taskerrors.New(taskerrors.CodePlanInvalid, "run has no plan"))
		return r
	}
	if err := plan.Validate(r.Plan); err != nil {
		e.newExecution(r, r.Plan.Budget).finish(taskerrors.Wrap(taskerrors.CodePlanInvalid, err, "plan failed validation"))
		return r
	}

	x := e.newExecution(r, r.Plan.Budget)
	if err := r.Transition(run.StatusRunning); err != nil {
		e.logger.Error("Run %s cannot start: %v", r.ID, err)
		return r
	}
	x.emit(run.EventRunStarted, run.Fields{
		"mode":   string(x.plan.Mode),
		"tasks":  len(x.plan.Tasks),
		"owner":  r.Owner,
		"budget": x.plan.Budget,
	})
	e.logger.Info("🚀 Run %s started: %s plan with %d tasks", r.ID, x.plan.Mode, len(x.plan.Tasks))

	x.finish(x.execute(ctx))
	return r
}

func (e *Engine) newExecution(r *run.Run, b plan.Budget) *execution {
	x := &execution{e: e, run: r, ledger: newLedger(b, e.now)}
	if r.Plan != nil {
		x.plan = r.Plan.Clone()
	}
	return x
}

// execute runs ready tasks wave by wave until every task has finished or one fails the run.
func (x *execution) execute(ctx context.Context) error {
	finished := make(map[string]bool, len(x.plan.Tasks))
	for len(finished) < len(x.plan.Tasks) {
		if err := ctx.Err(); err != nil {
			return taskerrors.Wrap(taskerrors.CodeRunCanceled, err, "run canceled")
		}
		units := readyUnits(x.plan, finished)
		if len(units) == 0 {
			return taskerrors.New(taskerrors.CodeInternal, "no runnable tasks remain")
		}
		for _, unit := range units {
			var err error
			if len(unit) == 1 {
				err = x.runTask(ctx, unit[0])
			} else {
				err = x.runGroup(ctx, unit)
			}
			for _, task := range unit {
				finished[task.Name] = true
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// readyUnits returns the unfinished tasks whose dependencies have all finished, batched so that
// members of one parallel group form a single unit. Units keep plan order.
func readyUnits(p *plan.Plan, finished map[string]bool) [][]*plan.TaskSpec {
	var units [][]*plan.TaskSpec
	groupIndex := make(map[string]int)
	for i := range p.Tasks {
		task := &p.Tasks[i]
		if finished[task.Name] || !depsFinished(task, finished) {
			continue
		}
		if task.ParallelGroup != "" {
			if idx, ok := groupIndex[task.ParallelGroup]; ok {
				units[idx] = append(units[idx], task)
				continue
			}
			groupIndex[task.ParallelGroup] = len(units)
		}
		units = append(units, []*plan.TaskSpec{task})
	}
	return units
}

func depsFinished(task *plan.TaskSpec, finished map[string]bool) bool {
	for _, dep := range task.DependsOn {
		if !finished[dep] {
			return false
		}
	}
	return true
}

// runGroup executes a parallel group. The group completes when every member completes, or
// fails as soon as one member fails the run, canceling its siblings.
func (x *execution) runGroup(ctx context.Context, unit []*plan.TaskSpec) error {
	names := make([]string, 0, len(unit))
	for _, task := range unit {
		names = append(names, task.Name)
	}
	x.e.logger.Info("⚡ Fanning out parallel group %q: %v", unit[0].ParallelGroup, names)

	// The pool cancels siblings only after the failing member returns, so the first failure
	// is captured here before any sibling can report cancellation.
	var (
		once  sync.Once
		first error
	)
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, task := range unit {
		p.Go(func(ctx context.Context) error {
			err := x.runTask(ctx, task)
			if err != nil {
				once.Do(func() { first = err })
			}
			return err
		})
	}
	if err := p.Wait(); err != nil {
		if first != nil {
			return first
		}
		return err
	}
	return nil
}

// runTask executes one task and records its result. The returned error is non-nil only when
// the failure fails the run: any failure of a required task, and budget breaches or
// cancellation anywhere.
func (x *execution) runTask(ctx context.Context, task *plan.TaskSpec) error {
	start := x.e.now()
	x.run.TaskStarted(task.Name)
	x.emit(run.EventTaskStarted, run.Fields{
		"task":       task.Name,
		"agent":      task.Agent,
		"depends_on": task.DependsOn,
	})

	res, err := x.loop(ctx, task)
	res.LatencyMS = x.e.now().Sub(start).Milliseconds()
	if err != nil {
		res.Status = run.TaskFailed
		res.Error = run.NewRunError(err, x.e.now().UTC())
	}
	x.run.SetResult(task.Name, res)
	x.run.TaskDone(task.Name, err == nil)

	data := run.Fields{
		"task":       task.Name,
		"status":     string(res.Status),
		"rounds":     res.Rounds,
		"tool_calls": res.ToolCalls,
		"latency_ms": res.LatencyMS,
	}
	if res.Error != nil {
		data["error_code"] = string(res.Error.Code)
	}
	x.emit(run.EventTaskFinished, data)

	if err == nil {
		x.e.logger.Info("✅ Task %s succeeded after %d rounds", task.Name, res.Rounds)
		return nil
	}
	if task.Optional && !fatalToRun(err) {
		x.e.logger.Warn("⚠️  Optional task %s failed, continuing: %v", task.Name, err)
		return nil
	}
	x.e.logger.Error("❌ Task %s failed: %v", task.Name, err)
	return err
}

// fatalToRun reports failures no task may absorb: budgets are run-wide, and cancellation
// stops everything.
func fatalToRun(err error) bool {
	return taskerrors.IsBudget(err) || taskerrors.IsCode(err, taskerrors.CodeRunCanceled)
}

// skipUnstarted records every task the failed run never reached.
func (x *execution) skipUnstarted() {
	if x.plan == nil || x.run.CurrentStatus() != run.StatusRunning {
		return
	}
	for i := range x.plan.Tasks {
		name := x.plan.Tasks[i].Name
		if _, ok := x.run.Result(name); !ok {
			x.run.SetResult(name, &run.TaskResult{Status: run.TaskSkipped})
		}
	}
}

// emit appends an event to the run and forwards it to the sink.
func (x *execution) emit(typ run.EventType, data run.Fields) {
	ev, err := x.run.Append(typ, data)
	if err != nil {
		x.e.logger.Warn("Dropping %s event for run %s: %v", typ, x.run.ID, err)
		return
	}
	x.forward(ev)
}

func (x *execution) forward(ev run.Event) {
	if x.e.sink == nil {
		return
	}
	if err := x.e.sink.WriteEvent(x.run.ID, ev); err != nil {
		x.e.logger.Warn("Event sink failed for run %s: %v", x.run.ID, err)
	}
}

// finish closes the run with its terminal status.
func (x *execution) finish(err error) {
	elapsed := x.ledger.elapsed()
	x.run.UpdateMetrics(func(m *run.Metrics) { m.LatencyMS = elapsed.Milliseconds() })

	status := run.StatusSucceeded
	var runErr *run.RunError
	if err != nil {
		status = run.StatusFailed
		runErr = run.NewRunError(err, x.e.now().UTC())
		x.skipUnstarted()
	}

	m, p := x.run.Snapshot()
	data := run.Fields{
		"status":          string(status),
		"steps":           m.Steps,
		"tool_calls":      m.ToolCalls,
		"cost_estimate":   m.CostEstimate,
		"latency_ms":      m.LatencyMS,
		"completed_tasks": p.CompletedTasks,
		"failed_tasks":    p.FailedTasks,
	}
	if runErr != nil {
		data["error_code"] = string(runErr.Code)
	}

	ev, ferr := x.run.Finish(runErr, run.EventRunFinished, data)
	if ferr != nil {
		x.e.logger.Error("Run %s could not be finished: %v", x.run.ID, ferr)
		return
	}
	x.forward(ev)
	x.e.recorder.ObserveRun(x.run.ID, string(status), elapsed)

	if runErr != nil {
		x.e.logger.Error("❌ Run %s failed after %.3fs: %s", x.run.ID, elapsed.Seconds(), runErr.Error())
		return
	}
	x.e.logger.Info("✅ Run %s succeeded in %.3fs (%d steps, %d tool calls, cost %.6f)",
		x.run.ID, elapsed.Seconds(), m.Steps, m.ToolCalls, m.CostEstimate)
}
