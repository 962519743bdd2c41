package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry         *prom.Registry
	stageDuration    *prom.HistogramVec
	stageResults     *prom.CounterVec
	platformDuration *prom.HistogramVec
	runOutcome       *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "librarian",
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual pipeline stages",
		Buckets:   prom.DefBuckets,
	}, []string{"stage"})
	pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "librarian",
		Name:      "stage_results_total",
		Help:      "Stage result counts by outcome",
	}, []string{"stage", "result"})
	pr.platformDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "librarian",
		Name:      "platform_build_duration_seconds",
		Help:      "Duration of per-platform build attempts",
		Buckets:   prom.ExponentialBuckets(1, 2, 12),
	}, []string{"platform", "result"})
	pr.runOutcome = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "librarian",
		Name:      "run_outcomes_total",
		Help:      "Pipeline run outcomes by final status",
	}, []string{"outcome"})
	pr.retries = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "librarian",
		Name:      "retries_total",
		Help:      "Transient-failure retries by scope",
	}, []string{"scope"})
	pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "librarian",
		Name:      "retry_exhausted_total",
		Help:      "Count of operations where retries were exhausted",
	}, []string{"scope"})
	reg.MustRegister(pr.stageDuration, pr.stageResults, pr.platformDuration, pr.runOutcome, pr.retries, pr.retriesExhausted)
	return pr
}

// Handler serves the /metrics endpoint for this recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) ObservePlatformBuildDuration(platform string, d time.Duration, success bool) {
	if p == nil || p.platformDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.platformDuration.WithLabelValues(platform, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunOutcome(outcome string) {
	if p == nil || p.runOutcome == nil {
		return
	}
	p.runOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncRetry(scope string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(scope).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(scope string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(scope).Inc()
}
