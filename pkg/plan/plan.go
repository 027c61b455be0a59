// Package plan defines the task dependency graph produced by planners and consumed by the
// execution engine, together with its schema validation and JSON/YAML codecs.
package plan

import (
	"slices"
)

// DefaultModel is the model alias a task carries when no concrete model is pinned. Backends
// substitute their configured model for it.
const DefaultModel = "default"

// Mode distinguishes one-task plans from multi-task graphs.
type Mode string

// Plan modes.
const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// ReasoningLevel hints how much effort a task's model should spend. It maps to a pricing tier.
type ReasoningLevel string

// Reasoning levels.
const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
)

// Tier returns the pricing tier a reasoning level starts at.
func (r ReasoningLevel) Tier() int {
	switch r {
	case ReasoningMedium:
		return 1
	case ReasoningHigh:
		return 2
	default:
		return 0
	}
}

// Valid reports whether r is one of the known levels.
func (r ReasoningLevel) Valid() bool {
	switch r {
	case ReasoningLow, ReasoningMedium, ReasoningHigh:
		return true
	default:
		return false
	}
}

// Budget holds the hard ceilings a Run may never exceed.
type Budget struct {
	MaxSteps         int     `json:"max_steps" yaml:"max_steps"`
	MaxToolCalls     int     `json:"max_tool_calls" yaml:"max_tool_calls"`
	MaxLatencyMS     int64   `json:"max_latency_ms" yaml:"max_latency_ms"`
	MaxCostEstimate  float64 `json:"max_cost_estimate" yaml:"max_cost_estimate"`
	MaxModelUpgrades int     `json:"max_model_upgrades" yaml:"max_model_upgrades"`
}

// Tighten lowers each ceiling to the matching override when the override is positive and smaller.
// Ceilings are never raised.
func (b Budget) Tighten(maxCost float64, maxLatencyMS int64) Budget {
	if maxCost > 0 && maxCost < b.MaxCostEstimate {
		b.MaxCostEstimate = maxCost
	}
	if maxLatencyMS > 0 && maxLatencyMS < b.MaxLatencyMS {
		b.MaxLatencyMS = maxLatencyMS
	}
	return b
}

// TaskSpec is one node of the graph.
//
//nolint:govet // fieldalignment: wire order preferred
type TaskSpec struct {
	Name            string         `json:"name" yaml:"name"`
	Agent           string         `json:"agent" yaml:"agent"`
	Input           string         `json:"input" yaml:"input"`
	DependsOn       []string       `json:"depends_on" yaml:"depends_on"`
	ParallelGroup   string         `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	ToolsAllowed    []string       `json:"tools_allowed" yaml:"tools_allowed"`
	Model           string         `json:"model" yaml:"model"`
	ReasoningLevel  ReasoningLevel `json:"reasoning_level" yaml:"reasoning_level"`
	MaxOutputTokens int            `json:"max_output_tokens" yaml:"max_output_tokens"`
	TimeoutMS       int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// Optional tasks are soft dependencies: their failure does not fail the run.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Plan is a validated, immutable task graph. Callers that need a variant work on Clone().
//
//nolint:govet // fieldalignment: wire order preferred
type Plan struct {
	Mode            Mode       `json:"mode" yaml:"mode"`
	Rationale       string     `json:"rationale" yaml:"rationale"`
	Budget          Budget     `json:"budget" yaml:"budget"`
	Invariants      []string   `json:"invariants" yaml:"invariants"`
	SuccessCriteria []string   `json:"success_criteria" yaml:"success_criteria"`
	Tasks           []TaskSpec `json:"tasks" yaml:"tasks"`
	OutputContract  string     `json:"output_contract" yaml:"output_contract"`
}

// Task returns the task with the given name.
func (p *Plan) Task(name string) (*TaskSpec, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].Name == name {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// HasTask reports whether a task with the given name exists.
func (p *Plan) HasTask(name string) bool {
	_, ok := p.Task(name)
	return ok
}

// Dependents returns the names of tasks that depend directly on name, in plan order.
func (p *Plan) Dependents(name string) []string {
	var out []string
	for i := range p.Tasks {
		if slices.Contains(p.Tasks[i].DependsOn, name) {
			out = append(out, p.Tasks[i].Name)
		}
	}
	return out
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Invariants = slices.Clone(p.Invariants)
	c.SuccessCriteria = slices.Clone(p.SuccessCriteria)
	c.Tasks = make([]TaskSpec, len(p.Tasks))
	for i := range p.Tasks {
		t := p.Tasks[i]
		t.DependsOn = slices.Clone(t.DependsOn)
		t.ToolsAllowed = slices.Clone(t.ToolsAllowed)
		c.Tasks[i] = t
	}
	return &c
}
