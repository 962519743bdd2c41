// Package orchestrator sequences one manifest through the pipeline stages:
// resolve the source reference, decide whether a build is needed, run the
// per-platform builds, and publish the result. Each stage short-circuits the
// run on failure; a run always ends in exactly one outcome report.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opencadc/librarian/internal/audit"
	"github.com/opencadc/librarian/internal/coordinator"
	"github.com/opencadc/librarian/internal/detect"
	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/metrics"
	"github.com/opencadc/librarian/internal/notify"
	"github.com/opencadc/librarian/internal/provenance"
	"github.com/opencadc/librarian/internal/retry"
	"github.com/opencadc/librarian/internal/source"
	"github.com/opencadc/librarian/internal/state"
)

// Pipeline stage names, used in logs, metrics, and audit events.
const (
	StageResolve = "resolve"
	StageDetect  = "detect"
	StageBuild   = "build"
	StagePublish = "publish"
)

// Outcome is the terminal classification of one run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// OutcomeReport is the single result of one orchestration run.
type OutcomeReport struct {
	RunID      string                    `json:"run_id"`
	Manifest   string                    `json:"manifest"`
	Outcome    Outcome                   `json:"outcome"`
	Stage      string                    `json:"stage,omitempty"`  // stage that decided the outcome
	Reason     string                    `json:"reason,omitempty"` // skip reason or failure summary
	Resolution source.Resolution         `json:"resolution,omitempty"`
	Diff       *detect.DiffReport        `json:"diff,omitempty"` // advisory, may be nil
	Attempt    *coordinator.BuildAttempt `json:"attempt,omitempty"`
	Record     *provenance.Record        `json:"record,omitempty"`
	Err        error                     `json:"-"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
}

// Orchestrator runs manifests through the pipeline.
type Orchestrator struct {
	resolver  source.Resolver
	states    *state.Store
	coord     *coordinator.Coordinator
	publisher *provenance.Manager
	policy    retry.Policy
	audit     *audit.SQLiteStore
	notifier  notify.Notifier
	recorder  metrics.Recorder
}

// New creates an orchestrator. policy bounds source-resolution retries.
func New(resolver source.Resolver, states *state.Store, coord *coordinator.Coordinator, publisher *provenance.Manager, policy retry.Policy) *Orchestrator {
	return &Orchestrator{
		resolver:  resolver,
		states:    states,
		coord:     coord,
		publisher: publisher,
		policy:    policy,
		notifier:  notify.NoopNotifier{},
		recorder:  metrics.NoopRecorder{},
	}
}

// SetAuditStore injects the audit event store (optional).
func (o *Orchestrator) SetAuditStore(s *audit.SQLiteStore) { o.audit = s }

// SetNotifier injects the outcome notifier (optional).
func (o *Orchestrator) SetNotifier(n notify.Notifier) { o.notifier = n }

// SetRecorder injects a metrics recorder (optional).
func (o *Orchestrator) SetRecorder(r metrics.Recorder) { o.recorder = r }

// Run orchestrates one manifest end to end. It never panics across stage
// boundaries and always returns a report; Err carries the failure when
// Outcome is failed.
func (o *Orchestrator) Run(ctx context.Context, m *manifest.Manifest) *OutcomeReport {
	report := &OutcomeReport{
		RunID:     uuid.NewString(),
		Manifest:  m.Name,
		StartedAt: time.Now().UTC(),
	}
	log := slog.With(logfields.Manifest(m.Name), "run_id", report.RunID)
	log.Info("Run started", logfields.Repo(m.Git.Repo), logfields.Ref(m.Git.Ref()))
	o.record(ctx, report, audit.EventRunStarted, map[string]string{
		"repo": m.Git.Repo,
		"ref":  m.Git.Ref(),
	})

	res, err := o.resolveWithRetry(ctx, m)
	if err != nil {
		return o.fail(ctx, m, report, StageResolve, err)
	}
	report.Resolution = res
	log.Info("Source resolved", logfields.Commit(res.Commit))

	prior, err := o.states.Get(ctx, m.Name)
	if err != nil {
		return o.fail(ctx, m, report, StageDetect, err)
	}

	decision := detect.NeedsBuild(prior, res)
	detectLabel := metrics.ResultSuccess
	if !decision.Required {
		detectLabel = metrics.ResultSkipped
	}
	o.stageFinished(ctx, report, StageDetect, report.StartedAt, string(decision.Reason), detectLabel)
	if !decision.Required {
		log.Info("Up to date, skipping build", logfields.Commit(res.Commit))
		return o.skip(ctx, m, report, string(decision.Reason))
	}
	log.Info("Build required", "reason", string(decision.Reason))

	sourceDir, err := o.resolver.Checkout(ctx, res)
	if err != nil {
		return o.fail(ctx, m, report, StageBuild, err)
	}

	// The diff is advisory: it explains what changed but never gates the
	// build decision, which is commit-identity only.
	if prior != nil && prior.LastCommit != "" {
		diff, derr := detect.Diff(sourceDir, m.Build, prior.LastCommit, res.Commit)
		if derr != nil {
			log.Warn("Change summary unavailable", logfields.Error(derr))
		} else {
			report.Diff = diff
			log.Info("Change summary", "changes", len(diff.Files))
		}
	}

	buildStart := time.Now()
	attempt := o.coord.Build(ctx, m, res, sourceDir)
	report.Attempt = attempt
	buildLabel := metrics.ResultFailed
	if attempt.Overall == coordinator.OverallSuccess {
		buildLabel = metrics.ResultSuccess
	}
	o.stageFinished(ctx, report, StageBuild, buildStart, string(attempt.Overall), buildLabel)
	for _, p := range attempt.Platforms {
		o.record(ctx, report, audit.EventPlatformBuilt, attempt.Results[p])
	}
	if attempt.Overall != coordinator.OverallSuccess {
		err := errors.New(errors.CategoryBuild, errors.SeverityError,
			"build attempt "+attempt.ID+" finished "+string(attempt.Overall))
		if attempt.TimedOut {
			err = errors.Timeout("build attempt " + attempt.ID + " exceeded its time budget")
		}
		return o.fail(ctx, m, report, StageBuild, err)
	}

	publishStart := time.Now()
	record, err := o.publisher.Publish(ctx, m, res, attempt, prior)
	if err != nil {
		o.stageFinished(ctx, report, StagePublish, publishStart, "failed", metrics.ResultFailed)
		return o.fail(ctx, m, report, StagePublish, err)
	}
	report.Record = record
	o.stageFinished(ctx, report, StagePublish, publishStart, "success", metrics.ResultSuccess)
	o.record(ctx, report, audit.EventPublished, record)

	report.Outcome = OutcomeSucceeded
	report.FinishedAt = time.Now().UTC()
	o.record(ctx, report, audit.EventRunSucceeded, record.PublishedRefs)
	o.recorder.IncRunOutcome(string(OutcomeSucceeded))
	o.notify(ctx, m, report)
	log.Info("Run succeeded",
		logfields.Commit(res.Commit),
		"published", len(record.PublishedRefs),
		logfields.DurationMS(float64(report.FinishedAt.Sub(report.StartedAt).Milliseconds())))
	return report
}

// resolveWithRetry retries transient resolution failures per the policy.
// Schema-level and not-found failures surface immediately.
func (o *Orchestrator) resolveWithRetry(ctx context.Context, m *manifest.Manifest) (source.Resolution, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := o.resolver.Resolve(ctx, m.Git)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || attempt >= o.policy.MaxRetries {
			return source.Resolution{}, lastErr
		}
		o.recorder.IncRetry(StageResolve)
		delay := o.policy.Delay(attempt + 1)
		slog.Warn("Source resolution failed, retrying",
			logfields.Manifest(m.Name),
			logfields.Error(err),
			"delay", delay.String())
		select {
		case <-ctx.Done():
			return source.Resolution{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (o *Orchestrator) skip(ctx context.Context, m *manifest.Manifest, report *OutcomeReport, reason string) *OutcomeReport {
	report.Outcome = OutcomeSkipped
	report.Stage = StageDetect
	report.Reason = reason
	report.FinishedAt = time.Now().UTC()
	o.record(ctx, report, audit.EventRunSkipped, map[string]string{"reason": reason})
	o.recorder.IncRunOutcome(string(OutcomeSkipped))
	o.notify(ctx, m, report)
	return report
}

func (o *Orchestrator) fail(ctx context.Context, m *manifest.Manifest, report *OutcomeReport, stage string, err error) *OutcomeReport {
	report.Outcome = OutcomeFailed
	report.Stage = stage
	report.Reason = err.Error()
	report.Err = err
	report.FinishedAt = time.Now().UTC()
	slog.Error("Run failed",
		logfields.Manifest(report.Manifest),
		logfields.Stage(stage),
		logfields.Error(err))
	o.record(ctx, report, audit.EventRunFailed, map[string]string{
		"stage": stage,
		"error": err.Error(),
	})
	o.recorder.IncStageResult(stage, metrics.ResultFailed)
	o.recorder.IncRunOutcome(string(OutcomeFailed))
	o.notify(ctx, m, report)
	return report
}

func (o *Orchestrator) stageFinished(ctx context.Context, report *OutcomeReport, stage string, start time.Time, result string, label metrics.ResultLabel) {
	d := time.Since(start)
	o.recorder.ObserveStageDuration(stage, d)
	// A failed stage decides the run outcome, and fail counts it once.
	if label != metrics.ResultFailed {
		o.recorder.IncStageResult(stage, label)
	}
	o.record(ctx, report, audit.EventStageFinished, map[string]string{
		"stage":    stage,
		"result":   result,
		"duration": d.String(),
	})
}

// record appends an audit event; audit failures are logged, never fatal.
func (o *Orchestrator) record(ctx context.Context, report *OutcomeReport, event audit.EventType, payload any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(ctx, report.RunID, report.Manifest, event, payload); err != nil {
		slog.Warn("Audit append failed", logfields.Error(err), "event", string(event))
	}
}

func (o *Orchestrator) notify(ctx context.Context, m *manifest.Manifest, report *OutcomeReport) {
	event := &notify.OutcomeEvent{
		RunID:      report.RunID,
		Manifest:   report.Manifest,
		Identifier: m.Metadata.Identifier,
		Outcome:    string(report.Outcome),
		Reason:     report.Reason,
		Commit:     report.Resolution.Commit,
	}
	if report.Attempt != nil {
		event.Platforms = make(map[string]string, len(report.Attempt.Results))
		for p, r := range report.Attempt.Results {
			event.Platforms[string(p)] = string(r.Status)
		}
	}
	if report.Record != nil {
		event.PublishedRefs = report.Record.PublishedRefs
	}
	if report.Err != nil {
		event.Error = report.Err.Error()
	}
	if err := o.notifier.PublishOutcome(ctx, event); err != nil {
		slog.Warn("Outcome notification failed", logfields.Error(err))
	}
}
