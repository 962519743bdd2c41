package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/manifest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleState(name, commit string, version int64) BuildState {
	return BuildState{
		Name:       name,
		LastRef:    "v0.1.0",
		LastCommit: commit,
		BuiltAt:    time.Now().UTC().Truncate(time.Second),
		Digests: map[manifest.Platform]digest.Digest{
			manifest.PlatformLinuxAMD64: digest.Digest("sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		},
		Version: version,
	}
}

func TestGetAbsent(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Get(context.Background(), "base")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestFirstBuildRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, nil, sampleState("base", "c1", 0)))

	got, err := s.Get(ctx, "base")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.LastCommit)
	assert.Equal(t, "v0.1.0", got.LastRef)
	assert.Equal(t, int64(1), got.Version)
	assert.Contains(t, got.Digests, manifest.PlatformLinuxAMD64)
}

func TestDoubleInsertConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, nil, sampleState("base", "c1", 0)))
	err := s.CompareAndSwap(ctx, nil, sampleState("base", "c2", 0))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestUpdateWithStaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, nil, sampleState("base", "c1", 0)))
	prior, err := s.Get(ctx, "base")
	require.NoError(t, err)

	// First writer advances.
	require.NoError(t, s.CompareAndSwap(ctx, prior, sampleState("base", "c2", 0)))

	// Second writer with the same prior loses.
	err = s.CompareAndSwap(ctx, prior, sampleState("base", "c3", 0))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	got, err := s.Get(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.LastCommit, "loser must not overwrite")
	assert.Equal(t, int64(2), got.Version)
}

func TestConcurrentPublishersExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, nil, sampleState("base", "c1", 0)))
	prior, err := s.Get(ctx, "base")
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CompareAndSwap(ctx, prior, sampleState("base", "c2", 0))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent writer must win")
}

func TestManifestsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, nil, sampleState("base", "c1", 0)))
	require.NoError(t, s.CompareAndSwap(ctx, nil, sampleState("astroml", "c7", 0)))

	base, err := s.Get(ctx, "base")
	require.NoError(t, err)
	astro, err := s.Get(ctx, "astroml")
	require.NoError(t, err)
	assert.Equal(t, "c1", base.LastCommit)
	assert.Equal(t, "c7", astro.LastCommit)
}
