// Package state persists the last successfully built revision per manifest.
// Updates go through an optimistic-version compare-and-swap so two concurrent
// publications for the same manifest can never corrupt the recorded state.
package state

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/opencadc/librarian/internal/manifest"
)

// BuildState is the persisted record of the last successful build of a
// manifest. It is created on the first successful build and advanced
// atomically only after all required platforms succeed.
type BuildState struct {
	Name       string                              `json:"name"`
	LastRef    string                              `json:"last_ref"`    // manifest ref (tag or pinned sha) that produced the build
	LastCommit string                              `json:"last_commit"` // resolved commit SHA
	BuiltAt    time.Time                           `json:"built_at"`
	Digests    map[manifest.Platform]digest.Digest `json:"digests"`
	Version    int64                               `json:"version"` // optimistic concurrency token
}
