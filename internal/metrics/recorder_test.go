package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("build", time.Second)
	r.IncStageResult("build", ResultSuccess)
	r.ObservePlatformBuildDuration("linux/amd64", time.Second, true)
	r.IncRunOutcome("succeeded")
	r.IncRetry("build")
	r.IncRetryExhausted("build")
}

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncStageResult("build", ResultSuccess)
	r.IncStageResult("build", ResultSuccess)
	r.IncRunOutcome("succeeded")
	r.IncRetry("source")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.stageResults.WithLabelValues("build", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.runOutcome.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.retries.WithLabelValues("source")))
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var r *PrometheusRecorder
	r.ObserveStageDuration("build", time.Second)
	r.IncStageResult("build", ResultFailed)
	r.IncRunOutcome("failed")
}
