// Package planner turns a natural-language request and a budget level into a validated Plan.
// Classification is purely lexical: the planner never calls a model, so a plan exists before any
// model spend begins.
package planner

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
)

// Level is a budget tier name.
type Level string

// Budget levels.
const (
	LevelCheap    Level = "cheap"
	LevelNormal   Level = "normal"
	LevelThorough Level = "thorough"
)

// MultiThreshold is the complexity score at which a request gets the multi-task plan.
const MultiThreshold = 3

// LongRequestChars is the length past which a request scores as long.
const LongRequestChars = 240

// Task names of the generated plans.
const (
	TaskSingleExecutor = "single_executor"
	TaskTriage         = "triage"
	TaskPlanner        = "planner"
	TaskExecutorA      = "executor_a"
	TaskExecutorB      = "executor_b"
	TaskVerifier       = "verifier"

	// ExecuteGroup is the parallel group of the two executors.
	ExecuteGroup = "execute"
)

// DefaultModel is written into tasks when no model is configured. The engine maps tiers to
// concrete models from the pricing table.
const DefaultModel = plan.DefaultModel

// ErrUnknownBudgetLevel is returned for levels outside cheap, normal, thorough.
var ErrUnknownBudgetLevel = errors.New("unknown budget level")

type tier struct {
	budget    plan.Budget
	timeoutMS int64
	reasoning plan.ReasoningLevel
}

//nolint:gochecknoglobals // static tier table
var tiers = map[Level]tier{
	LevelCheap: {
		budget:    plan.Budget{MaxSteps: 4, MaxToolCalls: 2, MaxLatencyMS: 20000, MaxCostEstimate: 0.02, MaxModelUpgrades: 0},
		timeoutMS: 10000,
		reasoning: plan.ReasoningLow,
	},
	LevelNormal: {
		budget:    plan.Budget{MaxSteps: 12, MaxToolCalls: 8, MaxLatencyMS: 60000, MaxCostEstimate: 0.20, MaxModelUpgrades: 1},
		timeoutMS: 30000,
		reasoning: plan.ReasoningMedium,
	},
	LevelThorough: {
		budget:    plan.Budget{MaxSteps: 30, MaxToolCalls: 24, MaxLatencyMS: 180000, MaxCostEstimate: 1.00, MaxModelUpgrades: 2},
		timeoutMS: 60000,
		reasoning: plan.ReasoningHigh,
	},
}

// Levels returns the known budget levels, cheapest first.
func Levels() []Level {
	return []Level{LevelCheap, LevelNormal, LevelThorough}
}

// ParseBudgetLevel parses a level name, case-insensitively.
func ParseBudgetLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tiers[l]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBudgetLevel, s)
	}
	return l, nil
}

// BudgetFor returns the default ceilings of a level.
func BudgetFor(level Level) (plan.Budget, error) {
	t, ok := tiers[level]
	if !ok {
		return plan.Budget{}, fmt.Errorf("%w: %q", ErrUnknownBudgetLevel, level)
	}
	return t.budget, nil
}

// TaskTimeoutFor returns the per-task timeout of a level in milliseconds.
func TaskTimeoutFor(level Level) (int64, error) {
	t, ok := tiers[level]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownBudgetLevel, level)
	}
	return t.timeoutMS, nil
}

// Options configures the planner.
type Options struct {
	Tools []string // Tool names executor tasks may use
	Model string   // Model hint written into every task
}

// Service builds plans.
type Service struct {
	logger *logx.Logger
	tools  []string
	model  string
}

// New creates a planner.
func New(opts Options) *Service {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Service{
		logger: logx.NewLogger("planner"),
		tools:  slices.Clone(opts.Tools),
		model:  model,
	}
}

// Tools returns the tool names executor tasks are granted.
func (s *Service) Tools() []string {
	return slices.Clone(s.tools)
}

// CreatePlan classifies the request and returns the plan for its complexity at the given level.
func (s *Service) CreatePlan(request string, level Level) (*plan.Plan, error) {
	score := Score(request)
	if score >= MultiThreshold {
		return s.MultiPlan(request, level, score)
	}
	return s.SinglePlan(request, level, score)
}

// SinglePlan builds the one-task plan regardless of the request's score.
func (s *Service) SinglePlan(request string, level Level, score int) (*plan.Plan, error) {
	t, ok := tiers[level]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBudgetLevel, level)
	}
	p := &plan.Plan{
		Mode:      plan.ModeSingle,
		Rationale: fmt.Sprintf("complexity %d/5 below threshold %d: one executor answers directly", score, MultiThreshold),
		Budget:    t.budget,
		Invariants: []string{
			"stay within the run budget",
			"use only the tools granted to the task",
		},
		SuccessCriteria: []string{"the request is answered with non-empty output"},
		Tasks: []plan.TaskSpec{{
			Name:            TaskSingleExecutor,
			Agent:           "executor",
			Input:           request,
			DependsOn:       []string{},
			ToolsAllowed:    s.Tools(),
			Model:           s.model,
			ReasoningLevel:  t.reasoning,
			MaxOutputTokens: 2048,
			TimeoutMS:       t.timeoutMS,
		}},
		OutputContract: "final answer from single_executor as text",
	}
	return s.finish(p, level)
}

// MultiPlan builds the five-task plan regardless of the request's score.
func (s *Service) MultiPlan(request string, level Level, score int) (*plan.Plan, error) {
	t, ok := tiers[level]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBudgetLevel, level)
	}

	newTask := func(name, agent, input string, reasoning plan.ReasoningLevel, maxTokens int, deps ...string) plan.TaskSpec {
		if deps == nil {
			deps = []string{}
		}
		return plan.TaskSpec{
			Name:            name,
			Agent:           agent,
			Input:           input,
			DependsOn:       deps,
			ToolsAllowed:    []string{},
			Model:           s.model,
			ReasoningLevel:  reasoning,
			MaxOutputTokens: maxTokens,
			TimeoutMS:       t.timeoutMS,
		}
	}

	triage := newTask(TaskTriage, "triage",
		"Identify the goals, constraints and required inputs of this request:\n"+request,
		plan.ReasoningLow, 512)
	planning := newTask(TaskPlanner, "planner",
		"Split the triaged request into two independent work items:\n"+request,
		t.reasoning, 1024, TaskTriage)
	execA := newTask(TaskExecutorA, "executor",
		"Carry out the first work item of the plan for:\n"+request,
		t.reasoning, 2048, TaskPlanner)
	execA.ParallelGroup = ExecuteGroup
	execA.ToolsAllowed = s.Tools()
	execB := newTask(TaskExecutorB, "executor",
		"Carry out the second work item of the plan for:\n"+request,
		t.reasoning, 2048, TaskPlanner)
	execB.ParallelGroup = ExecuteGroup
	execB.ToolsAllowed = s.Tools()
	verifier := VerifierTask(request, s.model, t.timeoutMS, TaskExecutorA, TaskExecutorB)

	p := &plan.Plan{
		Mode:      plan.ModeMulti,
		Rationale: fmt.Sprintf("complexity %d/5 at or above threshold %d: triage, plan, execute in parallel, verify", score, MultiThreshold),
		Budget:    t.budget,
		Invariants: []string{
			"stay within the run budget",
			"use only the tools granted to each task",
			"executors work independently of each other",
		},
		SuccessCriteria: []string{
			"both work items are completed",
			"the verifier confirms the combined result",
		},
		Tasks:          []plan.TaskSpec{triage, planning, execA, execB, verifier},
		OutputContract: "verified answer from verifier as text",
	}
	return s.finish(p, level)
}

// VerifierTask builds the verification task that checks the outputs of deps.
func VerifierTask(request, model string, timeoutMS int64, deps ...string) plan.TaskSpec {
	return plan.TaskSpec{
		Name:            TaskVerifier,
		Agent:           "verifier",
		Input:           "Verify the results against the original request and its constraints:\n" + request,
		DependsOn:       slices.Clone(deps),
		ToolsAllowed:    []string{},
		Model:           model,
		ReasoningLevel:  plan.ReasoningHigh,
		MaxOutputTokens: 1024,
		TimeoutMS:       timeoutMS,
	}
}

func (s *Service) finish(p *plan.Plan, level Level) (*plan.Plan, error) {
	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("planner produced an invalid plan: %w", err)
	}
	s.logger.Debug("📋 %s plan with %d task(s) at level %s", p.Mode, len(p.Tasks), level)
	return p, nil
}
