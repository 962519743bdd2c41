// Package provenance assembles the verifiable record of a successful build
// and publishes it: per-platform digests are signed first, tag references are
// created after, and the build state is advanced with a compare-and-swap.
// Publication is all-or-nothing over the manifest's declared platform set.
package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/opencadc/librarian/internal/builder"
	"github.com/opencadc/librarian/internal/coordinator"
	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/source"
	"github.com/opencadc/librarian/internal/state"
)

// Record captures the inputs and outputs of a published build well enough
// for independent verification. Immutable once created.
type Record struct {
	ID             string                              `json:"id"`
	Manifest       string                              `json:"manifest"`
	Identifier     string                              `json:"identifier"`
	Project        string                              `json:"project"`
	SourceRepo     string                              `json:"source_repo"`
	SourceRef      string                              `json:"source_ref"`
	Commit         string                              `json:"commit"`
	Builder        manifest.Builder                    `json:"builder"`
	BuilderVersion string                              `json:"builder_version"`
	Digests        map[manifest.Platform]digest.Digest `json:"digests"`
	Signatures     map[manifest.Platform]string        `json:"signatures,omitempty"`
	PublishedRefs  []string                            `json:"published_refs"`
	CreatedAt      time.Time                           `json:"created_at"`
}

// Manager publishes successful build attempts.
type Manager struct {
	signer         builder.Signer
	publisher      builder.Publisher
	states         *state.Store
	registry       string
	builderVersion string
}

// NewManager creates a publication manager.
func NewManager(signer builder.Signer, publisher builder.Publisher, states *state.Store, registry, builderVersion string) *Manager {
	return &Manager{
		signer:         signer,
		publisher:      publisher,
		states:         states,
		registry:       registry,
		builderVersion: builderVersion,
	}
}

// Publish signs and publishes a fully successful attempt, then advances the
// build state. prior is the state read before the build; a losing CAS writer
// surfaces a conflict instead of overwriting.
func (m *Manager) Publish(ctx context.Context, man *manifest.Manifest, res source.Resolution, attempt *coordinator.BuildAttempt, prior *state.BuildState) (*Record, error) {
	if err := m.checkPreconditions(man, attempt); err != nil {
		return nil, err
	}

	// Sign the immutable digest references before any tag exists. A signing
	// failure therefore aborts with zero tags live.
	signatures := make(map[manifest.Platform]string, len(attempt.Results))
	for _, p := range man.Build.Platforms {
		result := attempt.Results[p]
		ref := fmt.Sprintf("%s@%s", man.ImageName(m.registry), result.Digest)
		sig, err := m.signer.Sign(ctx, ref)
		if err != nil {
			return nil, err
		}
		if sig != "" {
			signatures[p] = sig
		}
	}

	published := make([]string, 0, len(man.Build.Tags))
	for _, tag := range man.Build.Tags {
		target := fmt.Sprintf("%s:%s", man.ImageName(m.registry), tag)
		if err := m.publisher.Publish(ctx, target, attempt.StagingRefs()); err != nil {
			return nil, err
		}
		published = append(published, target)
		slog.Info("Published image tag", logfields.Manifest(man.Name), logfields.ImageRef(target))
	}

	next := state.BuildState{
		Name:       man.Name,
		LastRef:    man.Git.Ref(),
		LastCommit: res.Commit,
		BuiltAt:    time.Now().UTC(),
		Digests:    attempt.Digests(),
	}
	if err := m.states.CompareAndSwap(ctx, prior, next); err != nil {
		return nil, err
	}

	record := &Record{
		ID:             attempt.ID,
		Manifest:       man.Name,
		Identifier:     man.Metadata.Identifier,
		Project:        man.Metadata.Project,
		SourceRepo:     man.Git.Repo,
		SourceRef:      man.Git.Ref(),
		Commit:         res.Commit,
		Builder:        man.Build.Builder,
		BuilderVersion: m.builderVersion,
		Digests:        attempt.Digests(),
		Signatures:     signatures,
		PublishedRefs:  published,
		CreatedAt:      time.Now().UTC(),
	}
	return record, nil
}

// checkPreconditions enforces the all-or-nothing contract: a record is only
// ever produced from a fully successful attempt covering the manifest's
// declared platform set exactly.
func (m *Manager) checkPreconditions(man *manifest.Manifest, attempt *coordinator.BuildAttempt) error {
	if attempt.Overall != coordinator.OverallSuccess {
		return errors.New(errors.CategoryPublication, errors.SeverityError,
			fmt.Sprintf("attempt %s is %s, not publishable", attempt.ID, attempt.Overall))
	}
	if len(attempt.Results) != len(man.Build.Platforms) {
		return errors.New(errors.CategoryPublication, errors.SeverityError,
			"attempt platform set does not match manifest")
	}
	for _, p := range man.Build.Platforms {
		result, ok := attempt.Results[p]
		if !ok || result.Status != coordinator.PlatformSuccess {
			return errors.New(errors.CategoryPublication, errors.SeverityError,
				fmt.Sprintf("platform %s is missing a successful result", p))
		}
	}
	return nil
}
