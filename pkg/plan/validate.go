package plan

import (
	"errors"
	"fmt"
	"slices"
)

// Validation failures. Validate joins every violation it finds; use errors.Is to test for one.
var (
	ErrInvalidMode       = errors.New("invalid plan mode")
	ErrNoTasks           = errors.New("plan has no tasks")
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task name")
	ErrUnknownDependency = errors.New("dependency on unknown task")
	ErrCycle             = errors.New("dependency cycle")
	ErrParallelGroup     = errors.New("parallel group members have different dependencies")
	ErrInvalidBudget     = errors.New("invalid budget")
)

// Validate checks p against the plan schema and graph invariants.
//
//nolint:cyclop // one pass per invariant reads better than splitting
func Validate(p *Plan) error {
	if p == nil {
		return ErrNoTasks
	}
	var errs []error

	switch p.Mode {
	case ModeSingle:
		if len(p.Tasks) != 1 {
			errs = append(errs, fmt.Errorf("%w: single mode requires exactly one task, got %d", ErrInvalidMode, len(p.Tasks)))
		}
	case ModeMulti:
		if len(p.Tasks) < 2 {
			errs = append(errs, fmt.Errorf("%w: multi mode requires at least two tasks, got %d", ErrInvalidMode, len(p.Tasks)))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidMode, p.Mode))
	}
	if len(p.Tasks) == 0 {
		errs = append(errs, ErrNoTasks)
	}

	errs = append(errs, validateBudget(p.Budget)...)

	names := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%w: tasks[%d] has no name", ErrInvalidTask, i))
			continue
		}
		if names[t.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name))
		}
		names[t.Name] = true
		errs = append(errs, validateTask(t)...)
	}

	depsOK := true
	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.DependsOn {
			if !names[dep] {
				errs = append(errs, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, t.Name, dep))
				depsOK = false
			}
		}
	}
	if depsOK {
		if err := checkCycles(p.Tasks); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, checkParallelGroups(p.Tasks)...)

	return errors.Join(errs...)
}

func validateBudget(b Budget) []error {
	var errs []error
	if b.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("%w: max_steps must be at least 1", ErrInvalidBudget))
	}
	if b.MaxToolCalls < 0 {
		errs = append(errs, fmt.Errorf("%w: max_tool_calls must not be negative", ErrInvalidBudget))
	}
	if b.MaxLatencyMS <= 0 {
		errs = append(errs, fmt.Errorf("%w: max_latency_ms must be positive", ErrInvalidBudget))
	}
	if b.MaxCostEstimate < 0 {
		errs = append(errs, fmt.Errorf("%w: max_cost_estimate must not be negative", ErrInvalidBudget))
	}
	if b.MaxModelUpgrades < 0 {
		errs = append(errs, fmt.Errorf("%w: max_model_upgrades must not be negative", ErrInvalidBudget))
	}
	return errs
}

func validateTask(t *TaskSpec) []error {
	var errs []error
	if t.Agent == "" {
		errs = append(errs, fmt.Errorf("%w: %q has no agent", ErrInvalidTask, t.Name))
	}
	if !t.ReasoningLevel.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q has reasoning_level %q", ErrInvalidTask, t.Name, t.ReasoningLevel))
	}
	if t.MaxOutputTokens <= 0 {
		errs = append(errs, fmt.Errorf("%w: %q max_output_tokens must be positive", ErrInvalidTask, t.Name))
	}
	if t.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("%w: %q timeout_ms must not be negative", ErrInvalidTask, t.Name))
	}
	if slices.Contains(t.DependsOn, t.Name) {
		errs = append(errs, fmt.Errorf("%w: %q depends on itself", ErrCycle, t.Name))
	}
	return errs
}

// checkCycles detects cycles in the dependency graph using DFS.
func checkCycles(tasks []TaskSpec) error {
	graph := make(map[string][]string, len(tasks))
	for i := range tasks {
		graph[tasks[i].Name] = tasks[i].DependsOn
	}

	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("%w involving task %q", ErrCycle, name)
		}
		if visited[name] {
			return nil
		}

		visiting[name] = true
		for _, dep := range graph[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		return nil
	}

	// Plan order keeps the reported task deterministic.
	for i := range tasks {
		if err := visit(tasks[i].Name); err != nil {
			return err
		}
	}
	return nil
}

func checkParallelGroups(tasks []TaskSpec) []error {
	first := make(map[string]*TaskSpec)
	var errs []error
	for i := range tasks {
		t := &tasks[i]
		if t.ParallelGroup == "" {
			continue
		}
		ref, ok := first[t.ParallelGroup]
		if !ok {
			first[t.ParallelGroup] = t
			continue
		}
		if !SameDependencies(ref.DependsOn, t.DependsOn) {
			errs = append(errs, fmt.Errorf("%w: group %q (%q vs %q)", ErrParallelGroup, t.ParallelGroup, ref.Name, t.Name))
		}
	}
	return errs
}

// SameDependencies reports whether two dependency lists name the same set of tasks.
func SameDependencies(a, b []string) bool {
	as, bs := slices.Clone(a), slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(slices.Compact(as), slices.Compact(bs))
}
