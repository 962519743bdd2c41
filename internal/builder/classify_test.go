package builder

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/manifest"
)

func TestClassifyBuildError(t *testing.T) {
	base := stderrors.New("exit status 1")

	cases := []struct {
		name      string
		output    string
		category  errors.Category
		retryable bool
	}{
		{"dockerfile syntax", "Dockerfile:3: unknown instruction: FORM", errors.CategoryBuild, false},
		{"registry timeout", "failed to push: i/o timeout", errors.CategoryInfra, true},
		{"tls trouble", "net/http: TLS handshake timeout", errors.CategoryInfra, true},
		{"registry 503", "unexpected status: 503 Service Unavailable", errors.CategoryInfra, true},
		{"rate limited", "429 Too Many Requests", errors.CategoryInfra, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyBuildError(base, tc.output, "linux/amd64")
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, tc.category))
			assert.Equal(t, tc.retryable, errors.IsRetryable(err))
		})
	}
}

func TestClassifyPreservesCancellation(t *testing.T) {
	err := classifyBuildError(context.DeadlineExceeded, "partial output", "linux/amd64")
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classifyBuildError(nil, "", "linux/amd64"))
}

func TestBuildArgsShape(t *testing.T) {
	d := &DockerCLI{}
	in := BuildInput{
		Dockerfile: "Dockerfile",
		Context:    ".",
		Platform:   manifest.PlatformLinuxARM64,
		Backend:    manifest.BuilderBuildKit,
		ImageRef:   "images.canfar.net/library/base:abc123-linux-arm64",
		Args:       map[string]string{"B": "2", "A": "1"},
		Labels:     map[string]string{"org.opencontainers.image.source": "https://e/r"},
		Target:     "runtime",
	}
	args, err := d.buildArgs(in, "/tmp/meta.json")
	require.NoError(t, err)

	joined := " " + stringsJoin(args) + " "
	assert.Contains(t, joined, " --platform linux/arm64 ")
	assert.Contains(t, joined, " --push ")
	assert.Contains(t, joined, " --build-arg A=1 --build-arg B=2 ", "build args sorted for determinism")
	assert.Contains(t, joined, " --target runtime ")
	assert.Equal(t, ".", args[len(args)-1], "context is the final positional argument")
}

func TestBuildArgsRejectsOCIImport(t *testing.T) {
	d := &DockerCLI{}
	_, err := d.buildArgs(BuildInput{Backend: manifest.BuilderOCIImport, Platform: manifest.PlatformLinuxAMD64}, "")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryBuild))
	assert.False(t, errors.IsRetryable(err))
}

func stringsJoin(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
