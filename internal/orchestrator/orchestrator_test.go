package orchestrator

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencadc/librarian/internal/builder"
	"github.com/opencadc/librarian/internal/coordinator"
	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/metrics"
	"github.com/opencadc/librarian/internal/notify"
	"github.com/opencadc/librarian/internal/provenance"
	"github.com/opencadc/librarian/internal/retry"
	"github.com/opencadc/librarian/internal/source"
	"github.com/opencadc/librarian/internal/state"
)

const testCommit = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeResolver struct {
	commit     string
	checkout   string
	resolveErr []error // consumed one per Resolve call
	calls      int
}

func (r *fakeResolver) Resolve(_ context.Context, git manifest.Git) (source.Resolution, error) {
	r.calls++
	if len(r.resolveErr) > 0 {
		err := r.resolveErr[0]
		r.resolveErr = r.resolveErr[1:]
		if err != nil {
			return source.Resolution{}, err
		}
	}
	return source.Resolution{Repo: git.Repo, Ref: git.Ref(), Commit: r.commit}, nil
}

func (r *fakeResolver) Checkout(context.Context, source.Resolution) (string, error) {
	return r.checkout, nil
}

type fakeBuilder struct {
	failPlatform manifest.Platform
}

func (b *fakeBuilder) Build(_ context.Context, in builder.BuildInput) (builder.BuildOutput, error) {
	if in.Platform == b.failPlatform {
		return builder.BuildOutput{}, errors.BuildFailure(stderrors.New("exit status 1"), string(in.Platform))
	}
	return builder.BuildOutput{
		Digest:   digest.Digest("sha256:" + string(in.Platform.Slug()) + "0000000000000000000000000000000000000000000000000000000000"),
		ImageRef: in.ImageRef,
	}, nil
}

type fakeTester struct{}

func (fakeTester) Run(context.Context, string, string) (string, error) { return "ok", nil }

type fakePublisher struct {
	published []string
}

func (p *fakePublisher) Publish(_ context.Context, target string, _ []string) error {
	p.published = append(p.published, target)
	return nil
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name: "base",
		Git:  manifest.Git{Repo: "https://example.org/base.git", Tag: "v1.0.0"},
		Build: manifest.Build{
			Path:       ".",
			Dockerfile: "Dockerfile",
			Context:    ".",
			Builder:    manifest.BuilderBuildKit,
			Tags:       []string{"latest"},
			Platforms:  []manifest.Platform{manifest.PlatformLinuxAMD64, manifest.PlatformLinuxARM64},
			Test:       &manifest.Run{Cmd: "uv --version"},
		},
		Metadata: manifest.Metadata{Identifier: "org.opencadc.base", Project: "canfar"},
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}
}

type fixture struct {
	orch      *Orchestrator
	resolver  *fakeResolver
	publisher *fakePublisher
	states    *state.Store
}

func newFixture(t *testing.T, fb *fakeBuilder, fr *fakeResolver) *fixture {
	t.Helper()
	states, err := state.NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	coord := coordinator.New(fb, fakeTester{}, "images.canfar.net", "", 0, fastPolicy())
	pub := &fakePublisher{}
	mgr := provenance.NewManager(builder.NoopSigner{}, pub, states, "images.canfar.net", "test")
	return &fixture{
		orch:      New(fr, states, coord, mgr, fastPolicy()),
		resolver:  fr,
		publisher: pub,
		states:    states,
	}
}

func TestFirstRunBuildsAndPublishes(t *testing.T) {
	fx := newFixture(t, &fakeBuilder{}, &fakeResolver{commit: testCommit, checkout: t.TempDir()})

	report := fx.orch.Run(context.Background(), testManifest())

	assert.Equal(t, OutcomeSucceeded, report.Outcome)
	require.NotNil(t, report.Record)
	assert.Equal(t, []string{"images.canfar.net/library/base:latest"}, report.Record.PublishedRefs)
	assert.Equal(t, report.Record.PublishedRefs, fx.publisher.published)
	assert.Len(t, report.Record.Digests, 2)

	st, err := fx.states.Get(context.Background(), "base")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, testCommit, st.LastCommit)
	assert.Equal(t, "v1.0.0", st.LastRef)
}

func TestUnchangedCommitSkips(t *testing.T) {
	fx := newFixture(t, &fakeBuilder{}, &fakeResolver{commit: testCommit, checkout: t.TempDir()})
	m := testManifest()

	first := fx.orch.Run(context.Background(), m)
	require.Equal(t, OutcomeSucceeded, first.Outcome)

	second := fx.orch.Run(context.Background(), m)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Equal(t, "up-to-date", second.Reason)
	assert.Nil(t, second.Attempt)
	assert.Len(t, fx.publisher.published, 1, "no republication on a skipped run")
}

func TestPartialBuildDoesNotPublish(t *testing.T) {
	fx := newFixture(t,
		&fakeBuilder{failPlatform: manifest.PlatformLinuxARM64},
		&fakeResolver{commit: testCommit, checkout: t.TempDir()})

	report := fx.orch.Run(context.Background(), testManifest())

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, StageBuild, report.Stage)
	require.NotNil(t, report.Attempt)
	assert.Equal(t, coordinator.OverallPartial, report.Attempt.Overall)
	assert.Empty(t, fx.publisher.published)

	st, err := fx.states.Get(context.Background(), "base")
	require.NoError(t, err)
	assert.Nil(t, st, "state must not advance on a failed run")
}

func TestTransientResolutionIsRetried(t *testing.T) {
	fr := &fakeResolver{
		commit:   testCommit,
		checkout: t.TempDir(),
		resolveErr: []error{
			errors.SourceUnavailable(stderrors.New("connection refused"), "https://example.org/base.git", "v1.0.0"),
		},
	}
	fx := newFixture(t, &fakeBuilder{}, fr)

	report := fx.orch.Run(context.Background(), testManifest())

	assert.Equal(t, OutcomeSucceeded, report.Outcome)
	assert.Equal(t, 2, fr.calls)
}

func TestNonRetryableResolutionFailsImmediately(t *testing.T) {
	notFound := errors.SourceUnavailable(stderrors.New("reference not found"), "https://example.org/base.git", "v9.9.9")
	notFound.Retryable = false
	fr := &fakeResolver{resolveErr: []error{notFound, notFound, notFound}}
	fx := newFixture(t, &fakeBuilder{}, fr)

	report := fx.orch.Run(context.Background(), testManifest())

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, StageResolve, report.Stage)
	assert.Equal(t, 1, fr.calls)
	assert.True(t, errors.IsCategory(report.Err, errors.CategorySource))
}

func TestResolutionRetriesExhaust(t *testing.T) {
	transient := func() error {
		return errors.SourceUnavailable(stderrors.New("i/o timeout"), "https://example.org/base.git", "v1.0.0")
	}
	fr := &fakeResolver{resolveErr: []error{transient(), transient(), transient(), transient()}}
	fx := newFixture(t, &fakeBuilder{}, fr)

	report := fx.orch.Run(context.Background(), testManifest())

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, StageResolve, report.Stage)
	assert.Equal(t, 3, fr.calls, "initial attempt plus two retries")
}

type fakeRecorder struct {
	metrics.NoopRecorder
	stageResults map[string]int // "stage/result" -> count
}

func (r *fakeRecorder) IncStageResult(stage string, result metrics.ResultLabel) {
	if r.stageResults == nil {
		r.stageResults = map[string]int{}
	}
	r.stageResults[stage+"/"+string(result)]++
}

func TestStageResultsCounted(t *testing.T) {
	fx := newFixture(t, &fakeBuilder{}, &fakeResolver{commit: testCommit, checkout: t.TempDir()})
	rec := &fakeRecorder{}
	fx.orch.SetRecorder(rec)
	m := testManifest()

	fx.orch.Run(context.Background(), m) // builds and publishes
	fx.orch.Run(context.Background(), m) // up to date

	assert.Equal(t, map[string]int{
		"detect/success":  1,
		"build/success":   1,
		"publish/success": 1,
		"detect/skipped":  1,
	}, rec.stageResults)
}

func TestFailedStageCountedOnce(t *testing.T) {
	fx := newFixture(t,
		&fakeBuilder{failPlatform: manifest.PlatformLinuxARM64},
		&fakeResolver{commit: testCommit, checkout: t.TempDir()})
	rec := &fakeRecorder{}
	fx.orch.SetRecorder(rec)

	report := fx.orch.Run(context.Background(), testManifest())

	require.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, map[string]int{
		"detect/success": 1,
		"build/failed":   1,
	}, rec.stageResults)
}

type fakeNotifier struct {
	events []*notify.OutcomeEvent
}

func (n *fakeNotifier) PublishOutcome(_ context.Context, e *notify.OutcomeEvent) error {
	n.events = append(n.events, e)
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

func TestEveryRunEmitsOneOutcomeEvent(t *testing.T) {
	fx := newFixture(t, &fakeBuilder{}, &fakeResolver{commit: testCommit, checkout: t.TempDir()})
	fn := &fakeNotifier{}
	fx.orch.SetNotifier(fn)
	m := testManifest()

	fx.orch.Run(context.Background(), m) // builds and publishes
	fx.orch.Run(context.Background(), m) // up to date

	require.Len(t, fn.events, 2)
	assert.Equal(t, "succeeded", fn.events[0].Outcome)
	assert.Equal(t, []string{"images.canfar.net/library/base:latest"}, fn.events[0].PublishedRefs)
	assert.Equal(t, "skipped", fn.events[1].Outcome)
	assert.Equal(t, "org.opencadc.base", fn.events[0].Identifier)
}

func TestDiffFailureIsAdvisoryOnly(t *testing.T) {
	// Seed a prior state so a diff is attempted; the checkout dir is not a
	// git repository, so the diff fails. The run must still succeed.
	fr := &fakeResolver{commit: testCommit, checkout: t.TempDir()}
	fx := newFixture(t, &fakeBuilder{}, fr)

	prior := state.BuildState{
		Name:       "base",
		LastRef:    "v0.9.0",
		LastCommit: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		BuiltAt:    time.Now().UTC(),
	}
	require.NoError(t, fx.states.CompareAndSwap(context.Background(), nil, prior))

	report := fx.orch.Run(context.Background(), testManifest())

	assert.Equal(t, OutcomeSucceeded, report.Outcome)
	assert.Nil(t, report.Diff)

	st, err := fx.states.Get(context.Background(), "base")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, testCommit, st.LastCommit)
}
