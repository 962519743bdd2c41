// Package metrics defines observability hooks for pipeline runs. The daemon
// wires a Prometheus recorder; everything else defaults to the noop.
package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultSkipped ResultLabel = "skipped"
	ResultFailed  ResultLabel = "failed"
)

// Recorder defines observability hooks for pipeline and platform-build
// metrics. All methods must be safe on the NoopRecorder so injection stays
// optional.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	ObservePlatformBuildDuration(platform string, d time.Duration, success bool)
	IncRunOutcome(outcome string) // outcome: succeeded|skipped|failed
	IncRetry(scope string)
	IncRetryExhausted(scope string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)               {}
func (NoopRecorder) IncStageResult(string, ResultLabel)                       {}
func (NoopRecorder) ObservePlatformBuildDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncRunOutcome(string)                                     {}
func (NoopRecorder) IncRetry(string)                                          {}
func (NoopRecorder) IncRetryExhausted(string)                                 {}
