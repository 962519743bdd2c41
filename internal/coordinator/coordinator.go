// Package coordinator drives one build attempt across a manifest's requested
// platforms. Platforms build concurrently and independently; the aggregate
// status is computed only after every platform worker has terminated.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/opencadc/librarian/internal/builder"
	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/metrics"
	"github.com/opencadc/librarian/internal/retry"
	"github.com/opencadc/librarian/internal/source"
)

// PlatformStatus is the outcome of one platform's build+test.
type PlatformStatus string

const (
	PlatformSuccess  PlatformStatus = "success"
	PlatformFailed   PlatformStatus = "failed"
	PlatformCanceled PlatformStatus = "canceled"
)

// PlatformResult records one platform's outcome within an attempt.
type PlatformResult struct {
	Platform   manifest.Platform `json:"platform"`
	Status     PlatformStatus    `json:"status"`
	Digest     digest.Digest     `json:"digest,omitempty"`
	ImageRef   string            `json:"image_ref,omitempty"`
	LogRef     string            `json:"log_ref,omitempty"`
	TestOutput string            `json:"test_output,omitempty"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// OverallStatus aggregates platform results.
type OverallStatus string

const (
	OverallSuccess OverallStatus = "success" // every platform built and tested
	OverallPartial OverallStatus = "partial" // some platforms succeeded
	OverallFailed  OverallStatus = "failed"  // none succeeded, or the attempt timed out
)

// BuildAttempt is the record of one build-coordination run. It is owned by a
// single coordinator invocation; no two coordinators mutate the same attempt.
type BuildAttempt struct {
	ID         string                                `json:"id"`
	Manifest   string                                `json:"manifest"`
	Commit     string                                `json:"commit"`
	Platforms  []manifest.Platform                   `json:"platforms"`
	Results    map[manifest.Platform]*PlatformResult `json:"results"`
	Overall    OverallStatus                         `json:"overall"`
	TimedOut   bool                                  `json:"timed_out,omitempty"`
	StartedAt  time.Time                             `json:"started_at"`
	FinishedAt time.Time                             `json:"finished_at"`
}

// Digests returns the per-platform digests of successful results.
func (a *BuildAttempt) Digests() map[manifest.Platform]digest.Digest {
	out := make(map[manifest.Platform]digest.Digest)
	for p, r := range a.Results {
		if r.Status == PlatformSuccess {
			out[p] = r.Digest
		}
	}
	return out
}

// StagingRefs returns the pushed staging references of successful results.
func (a *BuildAttempt) StagingRefs() []string {
	refs := make([]string, 0, len(a.Results))
	for _, p := range a.Platforms {
		if r := a.Results[p]; r != nil && r.Status == PlatformSuccess {
			refs = append(refs, r.ImageRef)
		}
	}
	return refs
}

// Coordinator executes build attempts against the external builder and test
// runner.
type Coordinator struct {
	builder  builder.Builder
	tester   builder.TestRunner
	registry string
	logDir   string
	timeout  time.Duration
	policy   retry.Policy
	recorder metrics.Recorder
}

// New creates a coordinator. timeout bounds one whole attempt; zero means no
// wall-clock limit.
func New(b builder.Builder, t builder.TestRunner, registry, logDir string, timeout time.Duration, policy retry.Policy) *Coordinator {
	return &Coordinator{
		builder:  b,
		tester:   t,
		registry: registry,
		logDir:   logDir,
		timeout:  timeout,
		policy:   policy,
		recorder: metrics.NoopRecorder{},
	}
}

// SetRecorder injects a metrics recorder (optional).
func (c *Coordinator) SetRecorder(r metrics.Recorder) {
	if r != nil {
		c.recorder = r
	}
}

// Build runs one attempt over the manifest's platform set. Failure on one
// platform never prevents attempts on the others. The returned attempt's
// Overall is success only when every platform passed both build and test.
func (c *Coordinator) Build(ctx context.Context, m *manifest.Manifest, res source.Resolution, sourceDir string) *BuildAttempt {
	attempt := &BuildAttempt{
		ID:        uuid.NewString(),
		Manifest:  m.Name,
		Commit:    res.Commit,
		Platforms: m.Build.Platforms,
		Results:   make(map[manifest.Platform]*PlatformResult, len(m.Build.Platforms)),
		StartedAt: time.Now().UTC(),
	}

	buildCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		buildCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, platform := range m.Build.Platforms {
		wg.Add(1)
		go func(p manifest.Platform) {
			defer wg.Done()
			result := c.buildPlatform(buildCtx, m, res, sourceDir, attempt.ID, p)
			mu.Lock()
			attempt.Results[p] = result
			mu.Unlock()
		}(platform)
	}
	wg.Wait() // join point: Overall may only be computed after all workers stop

	attempt.FinishedAt = time.Now().UTC()
	attempt.TimedOut = attemptTimedOut(buildCtx, ctx, attempt)
	attempt.Overall = c.aggregate(attempt)

	slog.Info("Build attempt finished",
		logfields.Manifest(m.Name),
		logfields.AttemptID(attempt.ID),
		slog.String("overall", string(attempt.Overall)),
		logfields.DurationMS(float64(attempt.FinishedAt.Sub(attempt.StartedAt).Milliseconds())))
	return attempt
}

// attemptTimedOut reports whether the attempt deadline actually cut a
// platform short. A deadline that expires after every worker finished does
// not void the attempt.
func attemptTimedOut(buildCtx, parent context.Context, attempt *BuildAttempt) bool {
	if buildCtx.Err() == nil || parent.Err() != nil {
		return false
	}
	for _, r := range attempt.Results {
		if r.Status == PlatformCanceled {
			return true
		}
	}
	return false
}

func (c *Coordinator) aggregate(attempt *BuildAttempt) OverallStatus {
	if attempt.TimedOut {
		// Partial outputs of a timed-out attempt are discarded wholesale.
		return OverallFailed
	}
	succeeded := 0
	for _, r := range attempt.Results {
		if r.Status == PlatformSuccess {
			succeeded++
		}
	}
	switch succeeded {
	case len(attempt.Platforms):
		return OverallSuccess
	case 0:
		return OverallFailed
	default:
		return OverallPartial
	}
}

// buildPlatform runs build and (if configured) test for a single platform,
// retrying transient infrastructure errors within the policy bound.
func (c *Coordinator) buildPlatform(ctx context.Context, m *manifest.Manifest, res source.Resolution, sourceDir, attemptID string, p manifest.Platform) *PlatformResult {
	start := time.Now()
	result := &PlatformResult{Platform: p}

	in := builder.BuildInput{
		SourceDir:   sourceDir,
		Path:        m.Build.Path,
		Dockerfile:  m.Build.Dockerfile,
		Context:     m.Build.Context,
		Platform:    p,
		Backend:     m.Build.Builder,
		Args:        m.Build.Args,
		Labels:      m.Build.Labels,
		Annotations: m.Build.Annotations,
		Target:      m.Build.Target,
		ImageRef:    c.stagingRef(m, res, p),
	}
	if c.logDir != "" {
		in.LogPath = filepath.Join(c.logDir, attemptID, p.Slug()+".log")
	}

	out, err := c.buildWithRetry(ctx, in)
	if err != nil {
		return c.finishPlatform(result, in.LogPath, err, start)
	}
	result.Digest = out.Digest
	result.ImageRef = out.ImageRef
	result.LogRef = out.LogRef

	// A failing test marks the platform failed even though the image built.
	if m.Build.Test != nil && m.Build.Test.Cmd != "" {
		output, err := c.tester.Run(ctx, out.ImageRef, m.Build.Test.Cmd)
		result.TestOutput = output
		if err != nil {
			return c.finishPlatform(result, in.LogPath, err, start)
		}
	}

	result.Status = PlatformSuccess
	result.Duration = time.Since(start)
	c.recorder.ObservePlatformBuildDuration(string(p), result.Duration, true)
	return result
}

func (c *Coordinator) finishPlatform(result *PlatformResult, logPath string, err error, start time.Time) *PlatformResult {
	result.Duration = time.Since(start)
	if result.LogRef == "" {
		result.LogRef = logPath
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		result.Status = PlatformCanceled
		result.Error = errors.Timeout("platform build canceled").Error()
	} else {
		result.Status = PlatformFailed
		result.Error = err.Error()
	}
	c.recorder.ObservePlatformBuildDuration(string(result.Platform), result.Duration, false)
	slog.Warn("Platform build failed",
		logfields.Platform(string(result.Platform)),
		logfields.Error(err))
	return result
}

func (c *Coordinator) buildWithRetry(ctx context.Context, in builder.BuildInput) (builder.BuildOutput, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := c.builder.Build(ctx, in)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || attempt >= c.policy.MaxRetries {
			break
		}
		c.recorder.IncRetry("build")
		delay := c.policy.Delay(attempt + 1)
		slog.Info("Retrying platform build after transient failure",
			logfields.Platform(string(in.Platform)),
			slog.Int("retry", attempt+1),
			slog.Duration("backoff", delay),
			logfields.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return builder.BuildOutput{}, ctx.Err()
		}
	}
	if errors.IsRetryable(lastErr) {
		c.recorder.IncRetryExhausted("build")
		// Exhausted transient retries escalate to a build failure.
		lastErr = errors.BuildFailure(lastErr, string(in.Platform))
	}
	return builder.BuildOutput{}, lastErr
}

// stagingRef is the per-platform reference a successful build pushes to,
// e.g. images.canfar.net/library/base:a1b2c3d4e5f6-linux-amd64.
func (c *Coordinator) stagingRef(m *manifest.Manifest, res source.Resolution, p manifest.Platform) string {
	commit := res.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s:%s-%s", m.ImageName(c.registry), commit, p.Slug())
}
