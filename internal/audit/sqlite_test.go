package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndGetByRun(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "run-1", "base", EventRunStarted, nil))
	require.NoError(t, s.Append(ctx, "run-1", "base", EventPlatformBuilt, map[string]string{"platform": "linux/amd64"}))
	require.NoError(t, s.Append(ctx, "run-2", "astroml", EventRunStarted, nil))

	events, err := s.GetByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Equal(t, EventPlatformBuilt, events[1].Type)
	assert.Contains(t, string(events[1].Payload), "linux/amd64")
}

func TestGetByManifestNewestFirst(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "run-1", "base", EventRunStarted, nil))
	require.NoError(t, s.Append(ctx, "run-1", "base", EventRunSucceeded, nil))

	events, err := s.GetByManifest(ctx, "base", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventRunSucceeded, events[0].Type)
}
