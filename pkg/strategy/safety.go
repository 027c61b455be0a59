package strategy

import (
	"context"
	"fmt"
	"strings"

	"taskengine/pkg/plan"
	"taskengine/pkg/planner"
)

// Safety token ceilings, below the planner's defaults.
const (
	SafetyLongRequestChars = 400
	SafetySingleMaxTokens  = 512
	SafetyMultiMaxTokens   = 384
)

// SafetyStrategy prefers small single-task plans and escalates only when the request
// clearly needs the full graph.
type SafetyStrategy struct {
	svc *planner.Service
}

// NewSafety creates the safety-biased strategy.
func NewSafety(svc *planner.Service) *SafetyStrategy {
	return &SafetyStrategy{svc: svc}
}

// ID implements Strategy.
func (s *SafetyStrategy) ID() ID { return Safety }

// CreatePlan implements Strategy.
func (s *SafetyStrategy) CreatePlan(ctx context.Context, request string, level planner.Level, opts Options) (*plan.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("safety strategy: %w", err)
	}

	causes := escalationCauses(request, opts)
	score := planner.Score(request)

	var (
		p   *plan.Plan
		err error
	)
	if len(causes) > 0 {
		p, err = s.svc.MultiPlan(request, level, score)
	} else {
		p, err = s.svc.SinglePlan(request, level, score)
	}
	if err != nil {
		return nil, fmt.Errorf("safety strategy: %w", err)
	}
	p = p.Clone()
	p.Rationale = safetyRationale(causes, score)

	if opts.ToolPreference != ToolsPrefer {
		stripTools(p)
	}

	ceiling := SafetySingleMaxTokens
	if p.Mode == plan.ModeMulti {
		ceiling = SafetyMultiMaxTokens
	}
	for i := range p.Tasks {
		p.Tasks[i].MaxOutputTokens = min(p.Tasks[i].MaxOutputTokens, ceiling)
	}

	p.Budget = p.Budget.Tighten(opts.MaxCostEstimate, opts.MaxLatencyMS)

	if err := plan.Validate(p); err != nil {
		return nil, fmt.Errorf("safety strategy produced an invalid plan: %w", err)
	}
	return p, nil
}

// escalationCauses lists why the request needs the full graph. Empty means a single task suffices.
func escalationCauses(request string, opts Options) []string {
	var causes []string
	if n := len(request); n > SafetyLongRequestChars {
		causes = append(causes, fmt.Sprintf("request is %d chars, over %d", n, SafetyLongRequestChars))
	}
	if planner.HasComplexityKeywords(request) {
		causes = append(causes, "request uses multi-step keywords")
	}
	if opts.MustVerify {
		causes = append(causes, "verification was required")
	}
	return causes
}

// The complexity score is reported but never decides the shape here.
func safetyRationale(causes []string, score int) string {
	if len(causes) == 0 {
		return fmt.Sprintf("safety: one executor, nothing calls for the full graph (complexity %d/5)", score)
	}
	return fmt.Sprintf("safety: full graph because %s (complexity %d/5)", strings.Join(causes, "; "), score)
}
