// Package detect decides whether a manifest needs a rebuild and produces an
// advisory diff of build-definition changes for reviewers. The decision
// compares resolved commits only; tag strings are never compared directly
// because tags may be mutable refs.
package detect

import (
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/source"
	"github.com/opencadc/librarian/internal/state"
)

// Reason explains a rebuild decision.
type Reason string

const (
	ReasonNeverBuilt    Reason = "never-built"
	ReasonCommitChanged Reason = "commit-changed"
	ReasonUpToDate      Reason = "up-to-date"
)

// Decision is the outcome of a rebuild check.
type Decision struct {
	Required bool
	Reason   Reason
}

// NeedsBuild reports whether the manifest must be rebuilt given its prior
// build state and the freshly resolved source commit. A tag edit that
// resolves to the already-built commit is a no-op.
func NeedsBuild(prior *state.BuildState, res source.Resolution) Decision {
	if prior == nil {
		return Decision{Required: true, Reason: ReasonNeverBuilt}
	}
	if prior.LastCommit != res.Commit {
		return Decision{Required: true, Reason: ReasonCommitChanged}
	}
	return Decision{Required: false, Reason: ReasonUpToDate}
}

// scope returns the repo-relative path prefixes that gate diff relevance:
// the build root, the dockerfile, and the build context.
func scope(b manifest.Build) []string {
	root := cleanRel(b.Path)
	dockerfile := cleanRel(joinRel(b.Path, b.Dockerfile))
	context := cleanRel(joinRel(b.Path, b.Context))
	return dedupe([]string{root, dockerfile, context})
}
