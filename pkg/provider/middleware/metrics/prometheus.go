package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	roundsTotal      *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	roundDuration    *prometheus.HistogramVec
	budgetViolations *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the engine metrics with reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler().
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		roundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_rounds_total",
				Help: "Total number of provider rounds by provider, model, status and error code",
			},
			[]string{"provider", "model", "status", "error_code"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_tokens_total",
				Help: "Total number of tokens reported by providers",
			},
			[]string{"provider", "model", "type"},
		),
		costTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_cost_estimate_total",
				Help: "Estimated spend in USD by token owner",
			},
			[]string{"owner"},
		),
		roundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_round_duration_seconds",
				Help:    "Duration of provider rounds in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		budgetViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_budget_violations_total",
				Help: "Budget ceilings hit, by code",
			},
			[]string{"code"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskengine_runs_total",
				Help: "Runs reaching a terminal status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskengine_run_duration_seconds",
				Help:    "Wall-clock duration of runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"status"},
		),
	}
}

func (p *PrometheusRecorder) ObserveRound(
	providerID, model, _, _ string,
	promptTokens, completionTokens int,
	success bool,
	errorCode string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.roundsTotal.WithLabelValues(providerID, model, status, errorCode).Inc()
	if success {
		p.tokensTotal.WithLabelValues(providerID, model, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(providerID, model, "completion").Add(float64(completionTokens))
	}
	p.roundDuration.WithLabelValues(providerID, model).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveCost(_, owner string, cost float64) {
	if cost > 0 {
		p.costTotal.WithLabelValues(owner).Add(cost)
	}
}

func (p *PrometheusRecorder) IncBudgetViolation(code string) {
	p.budgetViolations.WithLabelValues(code).Inc()
}

func (p *PrometheusRecorder) ObserveRun(_, status string, duration time.Duration) {
	p.runsTotal.WithLabelValues(status).Inc()
	p.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}
