package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskengine/pkg/config"
	"taskengine/pkg/plan"
	"taskengine/pkg/planner"
	"taskengine/pkg/strategy"
)

// Output formats.
const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// planFlags select how a request becomes a plan. Shared by plan and run.
//
//nolint:govet // fieldalignment: flag order preferred
type planFlags struct {
	level        string
	strategy     string
	tools        string
	mustVerify   bool
	maxCost      float64
	maxLatencyMS int64
	format       string
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.level, "level", "l", string(planner.LevelNormal), "budget level: cheap, normal or thorough")
	cmd.Flags().StringVarP(&f.strategy, "strategy", "s", strategy.Heuristic.String(), "planning strategy: heuristic or safety")
	cmd.Flags().StringVar(&f.tools, "tools", string(strategy.ToolsAuto), "tool preference: auto, prefer or avoid")
	cmd.Flags().BoolVar(&f.mustVerify, "must-verify", false, "always plan a verifier task")
	cmd.Flags().Float64Var(&f.maxCost, "max-cost", 0, "tighten the cost ceiling (USD)")
	cmd.Flags().Int64Var(&f.maxLatencyMS, "max-latency-ms", 0, "tighten the latency ceiling")
	cmd.Flags().StringVarP(&f.format, "format", "f", formatJSON, "output format: json or yaml")
}

func (f *planFlags) validateFormat() error {
	switch f.format {
	case formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format %q", f.format)
	}
}

// createPlan runs the selected strategy over the request.
func (f *planFlags) createPlan(cmd *cobra.Command, cfg config.Config, request string) (*plan.Plan, error) {
	level, err := planner.ParseBudgetLevel(f.level)
	if err != nil {
		return nil, err
	}
	id, err := strategy.ParseID(f.strategy)
	if err != nil {
		return nil, err
	}
	pref, err := strategy.ParseToolPreference(f.tools)
	if err != nil {
		return nil, err
	}
	return newStrategies(cfg).CreatePlan(cmd.Context(), id, request, level, strategy.Options{
		ToolPreference:  pref,
		MustVerify:      f.mustVerify,
		MaxCostEstimate: f.maxCost,
		MaxLatencyMS:    f.maxLatencyMS,
	})
}

func newPlanCmd(a *app) *cobra.Command {
	var flags planFlags
	cmd := &cobra.Command{
		Use:   "plan <request>",
		Short: "Plan a request without executing it",
		Long: `Classify a request and print the validated plan the selected strategy produces.
No model is called.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validateFormat(); err != nil {
				return err
			}
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := flags.createPlan(cmd, cfg, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("failed to plan request: %w", err)
			}
			data, err := encodePlan(p, flags.format)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), data)
		},
	}
	flags.register(cmd)
	return cmd
}

func encodePlan(p *plan.Plan, format string) ([]byte, error) {
	if format == formatYAML {
		return plan.EncodeYAML(p)
	}
	return plan.EncodeJSON(p)
}

// readPlanFile decodes a plan file, choosing the codec by extension.
func readPlanFile(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return plan.DecodeYAML(data)
	default:
		return plan.DecodeJSON(data)
	}
}

// encodeValue renders v in the output format. YAML goes through JSON first so both formats
// share the json field names.
func encodeValue(v any, format string) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	if format != formatYAML {
		return data, nil
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return out, nil
}
