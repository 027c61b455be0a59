// Package strategy holds the alternate planning algorithms selectable by id.
// The registry performs no validation: every strategy owns the conformance of the plans it returns.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"taskengine/pkg/plan"
	"taskengine/pkg/planner"
)

// ID identifies a strategy. The set is closed.
type ID int

// Strategy ids.
const (
	Heuristic ID = iota
	Safety
)

// String returns the wire name of the id.
func (id ID) String() string {
	switch id {
	case Heuristic:
		return "heuristic"
	case Safety:
		return "safety"
	default:
		return fmt.Sprintf("strategy(%d)", int(id))
	}
}

// IDs returns every strategy id.
func IDs() []ID {
	return []ID{Heuristic, Safety}
}

// ErrUnknownStrategy is returned for names or ids outside the closed set.
var ErrUnknownStrategy = errors.New("unknown strategy")

// ParseID parses a strategy name.
func ParseID(s string) (ID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, id := range IDs() {
		if id.String() == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// ToolPreference controls whether tasks are granted tools.
type ToolPreference string

// Tool preferences.
const (
	ToolsAuto   ToolPreference = "auto"
	ToolsPrefer ToolPreference = "prefer"
	ToolsAvoid  ToolPreference = "avoid"
)

// ParseToolPreference parses a preference name. Empty means auto.
func ParseToolPreference(s string) (ToolPreference, error) {
	switch p := ToolPreference(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ToolsAuto, nil
	case ToolsAuto, ToolsPrefer, ToolsAvoid:
		return p, nil
	default:
		return "", fmt.Errorf("unknown tool preference %q", s)
	}
}

// Options adjust a strategy's plan. Overrides only ever tighten the computed budget.
type Options struct {
	ToolPreference  ToolPreference
	MustVerify      bool
	MaxCostEstimate float64 // Zero keeps the level default
	MaxLatencyMS    int64   // Zero keeps the level default
}

// Strategy is a planning algorithm.
type Strategy interface {
	ID() ID
	CreatePlan(ctx context.Context, request string, level planner.Level, opts Options) (*plan.Plan, error)
}

// Registry maps ids to strategies.
type Registry struct {
	strategies map[ID]Strategy
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[ID]Strategy)}
}

// NewDefaultRegistry registers the heuristic and safety strategies over one planner.
func NewDefaultRegistry(svc *planner.Service) *Registry {
	r := NewRegistry()
	r.Register(NewHeuristic(svc))
	r.Register(NewSafety(svc))
	return r
}

// Register adds or replaces the strategy under its id.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID()] = s
}

// Get returns the strategy for id.
func (r *Registry) Get(id ID) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return s, nil
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CreatePlan dispatches to the strategy registered under id.
func (r *Registry) CreatePlan(ctx context.Context, id ID, request string, level planner.Level, opts Options) (*plan.Plan, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.CreatePlan(ctx, request, level, opts)
}

// stripTools removes every tool grant.
func stripTools(p *plan.Plan) {
	for i := range p.Tasks {
		p.Tasks[i].ToolsAllowed = []string{}
	}
}
