// Package builder holds the narrow interfaces to the external build, test,
// signing and registry tools, plus exec-backed implementations. All
// orchestration logic lives above these interfaces; the implementations are
// deliberately thin shells around the external binaries.
package builder

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/opencadc/librarian/internal/manifest"
)

// BuildInput is everything the external builder needs for one platform.
type BuildInput struct {
	SourceDir  string // checked-out repository root
	Path       string // build root relative to SourceDir
	Dockerfile string // dockerfile name relative to Path
	Context    string // build context relative to Path

	Platform    manifest.Platform
	Backend     manifest.Builder
	Args        map[string]string
	Labels      map[string]string
	Annotations map[string]string
	Target      string

	// ImageRef is the per-platform staging reference the built image is
	// pushed to; publication later assembles tag refs from these.
	ImageRef string

	// LogPath receives the combined build output when set.
	LogPath string
}

// BuildOutput is the result of one successful platform build.
type BuildOutput struct {
	Digest   digest.Digest // image digest as pushed
	ImageRef string        // the staging reference
	LogRef   string        // where the build log landed
}

// Builder invokes the external build backend for a single platform.
type Builder interface {
	Build(ctx context.Context, in BuildInput) (BuildOutput, error)
}

// TestRunner executes a manifest's verification command against a built
// image (docker run --rm <image> <cmd>). A nonzero exit is a test failure.
type TestRunner interface {
	Run(ctx context.Context, imageRef, cmd string) (output string, err error)
}

// Signer requests an external signature over a published image reference.
type Signer interface {
	Sign(ctx context.Context, imageRef string) (attestationRef string, err error)
}

// Publisher creates a tag reference in the registry from the per-platform
// staging images.
type Publisher interface {
	Publish(ctx context.Context, targetRef string, sources []string) error
}
