package strategy

import (
	"context"
	"fmt"

	"taskengine/pkg/plan"
	"taskengine/pkg/planner"
)

// HeuristicStrategy wraps the lexical planner and applies options on top of its plan.
type HeuristicStrategy struct {
	svc *planner.Service
}

// NewHeuristic creates the heuristic strategy.
func NewHeuristic(svc *planner.Service) *HeuristicStrategy {
	return &HeuristicStrategy{svc: svc}
}

// ID implements Strategy.
func (h *HeuristicStrategy) ID() ID { return Heuristic }

// CreatePlan implements Strategy.
func (h *HeuristicStrategy) CreatePlan(ctx context.Context, request string, level planner.Level, opts Options) (*plan.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("heuristic strategy: %w", err)
	}
	base, err := h.svc.CreatePlan(request, level)
	if err != nil {
		return nil, fmt.Errorf("heuristic strategy: %w", err)
	}
	p := base.Clone()

	if opts.ToolPreference == ToolsAvoid {
		stripTools(p)
	}

	if opts.MustVerify && !p.HasTask(planner.TaskVerifier) && len(p.Tasks) == 1 {
		executor := p.Tasks[0]
		p.Tasks = append(p.Tasks, planner.VerifierTask(request, executor.Model, executor.TimeoutMS, executor.Name))
		p.Mode = plan.ModeMulti
		p.SuccessCriteria = append(p.SuccessCriteria, "the verifier confirms the executor's answer")
		p.OutputContract = "verified answer from verifier as text"
	}

	p.Budget = p.Budget.Tighten(opts.MaxCostEstimate, opts.MaxLatencyMS)

	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("heuristic strategy produced an invalid plan: %w", err)
	}
	return p, nil
}
