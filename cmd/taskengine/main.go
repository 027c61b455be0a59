// Command taskengine plans requests into budgeted task graphs and executes them against the
// configured model provider.
//
// Usage:
//
//	taskengine plan --level normal "Summarize the release notes"
//	taskengine run --config taskengine.yaml --format yaml "Compare the two vendors and verify the totals"
//	taskengine run --plan plan.json --event-log-dir ./logs --metrics-addr :9090
//	taskengine strategies
//	taskengine tools
package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/safefetch"
)

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the global flags and the test seams shared by every command.
type app struct {
	resolver safefetch.Resolver // nil resolves through DNS
	cfgPath  string
	debug    bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskengine",
		Short: "Budgeted task planning and execution engine",
		Long: `taskengine turns a natural-language request into a dependency graph of tasks,
drives each task through a bounded model/tool loop against a pluggable provider,
and enforces hard ceilings on steps, tool calls, latency, cost and model upgrades.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (YAML); environment variables override it")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newPlanCmd(a),
		newRunCmd(a),
		newStrategiesCmd(a),
		newToolsCmd(a),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration and applies the logging settings.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	if a.debug {
		cfg.Logging.Debug = true
	}
	logx.SetOutput(cmd.ErrOrStderr())
	logx.SetDebug(cfg.Logging.Debug, cfg.Logging.DebugDomains)
	return cfg, nil
}

func writeOutput(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}
