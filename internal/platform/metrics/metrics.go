package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the engine's collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	stepExecutionsTotal *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	approvalsTotal      *prometheus.CounterVec
	tokensTotal         prometheus.Counter
	simulationsTotal    *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func New(registry *prometheus.Registry) *Recorder {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	r := &Recorder{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_runs_total",
				Help: "Runs that reached a status, by status.",
			},
			[]string{"status"},
		),
		stepExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_step_executions_total",
				Help: "Step executor invocations by step type and outcome.",
			},
			[]string{"step_type", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scenario_step_duration_seconds",
				Help:    "Step executor latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step_type"},
		),
		approvalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_approvals_total",
				Help: "Approval requests resolved, by resolution.",
			},
			[]string{"resolution"},
		),
		tokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scenario_generation_tokens_total",
				Help: "Generation tokens consumed by run steps.",
			},
		),
		simulationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_simulations_total",
				Help: "Simulations served, by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenario_http_requests_total",
				Help: "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scenario_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	registry.MustRegister(
		r.runsTotal,
		r.stepExecutionsTotal,
		r.stepDuration,
		r.approvalsTotal,
		r.tokensTotal,
		r.simulationsTotal,
		r.httpRequestsTotal,
		r.httpDuration,
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) RunStatus(status string) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) StepExecuted(stepType, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.stepExecutionsTotal.WithLabelValues(stepType, outcome).Inc()
	r.stepDuration.WithLabelValues(stepType).Observe(elapsed.Seconds())
}

func (r *Recorder) ApprovalResolved(resolution string) {
	if r == nil {
		return
	}
	r.approvalsTotal.WithLabelValues(resolution).Inc()
}

func (r *Recorder) TokensUsed(tokens int) {
	if r == nil || tokens <= 0 {
		return
	}
	r.tokensTotal.Add(float64(tokens))
}

func (r *Recorder) Simulation(mode, outcome string) {
	if r == nil {
		return
	}
	r.simulationsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveHTTP matches httpserver.Observer.
func (r *Recorder) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
