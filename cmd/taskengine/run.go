package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"taskengine/pkg/engine"
	"taskengine/pkg/eventlog"
	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider/middleware/metrics"
	"taskengine/pkg/run"
)

// errRunFailed makes the process exit non-zero after a failed run has been printed.
var errRunFailed = errors.New("run failed")

//nolint:govet // fieldalignment: flag order preferred
type runFlags struct {
	planFlags
	planFile    string
	owner       string
	eventLogDir string
	metricsAddr string
}

func newRunCmd(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Plan and execute a request",
		Long: `Plan a request (or load a plan with --plan) and execute it against the configured
provider. The finished run, including its event log and metrics, is printed to stdout.
The command exits non-zero when the run fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.validateFormat(); err != nil {
				return err
			}
			if flags.planFile == "" && len(args) == 0 {
				return errors.New("a request or --plan is required")
			}
			return a.execute(cmd, &flags, strings.Join(args, " "))
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.planFile, "plan", "p", "", "execute this plan file (JSON or YAML) instead of planning")
	cmd.Flags().StringVar(&flags.owner, "owner", "", "token owner reported with the run (default from config)")
	cmd.Flags().StringVar(&flags.eventLogDir, "event-log-dir", "", "append run events as JSONL under this directory (default from config)")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the run executes")
	return cmd
}

func (a *app) execute(cmd *cobra.Command, flags *runFlags, request string) error {
	logger := logx.NewLogger("cli")
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	if flags.owner != "" {
		cfg.Owner = flags.owner
	}
	if flags.eventLogDir != "" {
		cfg.Logging.EventLogDir = flags.eventLogDir
	}

	var p *plan.Plan
	if flags.planFile != "" {
		p, err = readPlanFile(flags.planFile)
	} else {
		p, err = flags.createPlan(cmd, cfg, request)
	}
	if err != nil {
		return fmt.Errorf("failed to plan request: %w", err)
	}

	internal := metrics.NewInternalRecorder()
	recorder := metrics.Recorder(internal)
	if flags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		stop, err := serveMetrics(flags.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer stop()
		recorder = metrics.Multi(internal, metrics.NewPrometheusRecorder(reg))
		logger.Info("📊 Serving metrics on %s/metrics", flags.metricsAddr)
	}

	fetch := outboundClient(cfg, a.resolver)
	prov, err := newProvider(cfg, fetch, recorder)
	if err != nil {
		return err
	}
	registry, err := newTools(cfg, fetch)
	if err != nil {
		return err
	}

	opts := engine.Options{
		Provider: prov,
		Tools:    registry,
		Pricing:  cfg.Pricing,
		Retry:    cfg.Retry.Policy(),
		Recorder: recorder,
	}
	if dir := cfg.Logging.EventLogDir; dir != "" {
		writer, err := eventlog.NewWriter(dir)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("Failed to close event log: %v", err)
			}
		}()
		opts.Sink = writer
	}
	eng, err := engine.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r := eng.ExecuteRun(ctx, run.New(p, cfg.Owner))

	if rm := internal.GetRunMetrics(r.ID); rm != nil {
		logger.Info("Run %s: %d rounds (%d failed), %d tokens, cost %.6f USD",
			r.ID, rm.RoundCount, rm.FailedRounds, rm.TotalTokens, rm.TotalCost)
	}
	data, err := encodeValue(r, flags.format)
	if err != nil {
		return err
	}
	if err := writeOutput(cmd.OutOrStdout(), data); err != nil {
		return err
	}
	if r.CurrentStatus() == run.StatusFailed {
		return fmt.Errorf("%w: %s", errRunFailed, r.Error.Error())
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned stop function is called.
func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.NewLogger("cli").Error("Metrics server stopped: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
