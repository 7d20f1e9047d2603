package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	crlLoss          *prometheus.HistogramVec
	routingTotal     *prometheus.CounterVec
	promotionsTotal  *prometheus.CounterVec
	replayDuration   *prometheus.HistogramVec
	curatedSamples   *prometheus.CounterVec
	modelCallsTotal  *prometheus.CounterVec
	modelCostsTotal  *prometheus.CounterVec
	modelCallSeconds *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the Learning-Ops collectors on reg.
// Use a fresh registry per test; prometheus.DefaultRegisterer in production.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		crlLoss: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "learnops_crl_loss",
				Help:    "Composite run loss per computed run",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"phase"},
		),
		routingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnops_routing_total",
				Help: "Routing decisions by doer and route",
			},
			[]string{"doer", "route"},
		),
		promotionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnops_policy_promotions_total",
				Help: "Policy lifecycle transitions by doer and target status",
			},
			[]string{"doer", "to_status"},
		),
		replayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "learnops_replay_duration_seconds",
				Help:    "Offline replay wall time by terminal status",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"status"},
		),
		curatedSamples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnops_curated_samples_total",
				Help: "Curator samples by outcome",
			},
			[]string{"outcome"},
		),
		modelCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnops_model_calls_total",
				Help: "Replay model invocations by model and status",
			},
			[]string{"model", "status"},
		),
		modelCostsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "learnops_model_costs_total",
				Help: "Estimated replay model spend in USD",
			},
			[]string{"model"},
		),
		modelCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "learnops_model_call_duration_seconds",
				Help:    "Replay model call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

// ObserveCRL records a computed run loss.
func (p *PrometheusRecorder) ObserveCRL(phase string, loss float64) {
	p.crlLoss.WithLabelValues(phase).Observe(loss)
}

// IncRouting counts a routing decision.
func (p *PrometheusRecorder) IncRouting(doer, route string) {
	p.routingTotal.WithLabelValues(doer, route).Inc()
}

// IncPromotion counts a policy lifecycle transition.
func (p *PrometheusRecorder) IncPromotion(doer, toStatus string) {
	p.promotionsTotal.WithLabelValues(doer, toStatus).Inc()
}

// ObserveReplay records a finished replay.
func (p *PrometheusRecorder) ObserveReplay(status string, duration time.Duration) {
	p.replayDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// AddCuratedSamples counts curator outcomes.
func (p *PrometheusRecorder) AddCuratedSamples(outcome string, n int) {
	if n <= 0 {
		return
	}
	p.curatedSamples.WithLabelValues(outcome).Add(float64(n))
}

// ObserveModelCall records one replay model invocation.
func (p *PrometheusRecorder) ObserveModelCall(model, status string, cost float64, duration time.Duration) {
	p.modelCallsTotal.WithLabelValues(model, status).Inc()
	if cost > 0 {
		p.modelCostsTotal.WithLabelValues(model).Add(cost)
	}
	p.modelCallSeconds.WithLabelValues(model).Observe(duration.Seconds())
}
