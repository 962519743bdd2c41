// Package source resolves manifest git references to immutable commits and
// materializes the source tree for builds. Tags may be mutable refs, so
// every resolution goes through to a commit SHA before any comparison.
package source

import (
	"context"

	"github.com/opencadc/librarian/internal/manifest"
)

// Resolution is the immutable identity of a manifest's source at resolution
// time.
type Resolution struct {
	Repo   string // repository URL
	Ref    string // the requested ref (tag or pinned sha)
	Commit string // resolved commit SHA
	Fetch  string // ref fetched first when the commit is missing locally
}

// Resolver resolves a manifest source reference and checks out its tree.
type Resolver interface {
	// Resolve maps (repo, sha|tag) to a commit SHA without cloning.
	Resolve(ctx context.Context, git manifest.Git) (Resolution, error)

	// Checkout materializes the resolved commit in the workspace and
	// returns the repository root directory. The clone keeps full history
	// so change detection can diff against previously built commits.
	Checkout(ctx context.Context, res Resolution) (string, error)
}
