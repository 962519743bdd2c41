// Package manifest loads and validates the declarative image manifests that
// drive the build pipeline. The schema is closed: unknown properties are
// rejected at every nesting level, and defaults are applied at load time.
package manifest

import (
	"fmt"
	"strings"
)

// CurrentVersion is the manifest schema version written by default.
const CurrentVersion = 0.2

// Platform is an OS/architecture pair an image is built for.
type Platform string

const (
	PlatformLinuxAMD64   Platform = "linux/amd64"
	PlatformLinuxARM64   Platform = "linux/arm64"
	PlatformLinuxARMv5   Platform = "linux/arm/v5"
	PlatformLinuxARMv6   Platform = "linux/arm/v6"
	PlatformLinuxARMv7   Platform = "linux/arm/v7"
	PlatformWindowsAMD64 Platform = "windows/amd64"
)

// KnownPlatforms is the fixed platform enum manifests may request.
var KnownPlatforms = []Platform{
	PlatformLinuxAMD64,
	PlatformLinuxARM64,
	PlatformLinuxARMv5,
	PlatformLinuxARMv6,
	PlatformLinuxARMv7,
	PlatformWindowsAMD64,
}

// Valid reports whether p is a member of the platform enum.
func (p Platform) Valid() bool {
	for _, k := range KnownPlatforms {
		if p == k {
			return true
		}
	}
	return false
}

// Slug returns a registry-tag-safe form of the platform (slashes to dashes).
func (p Platform) Slug() string {
	return strings.ReplaceAll(string(p), "/", "-")
}

// Builder enumerates supported build backends.
type Builder string

const (
	BuilderBuildKit  Builder = "buildkit"
	BuilderClassic   Builder = "classic"
	BuilderOCIImport Builder = "oci-import"
)

// Valid reports whether b is a known build backend.
func (b Builder) Valid() bool {
	switch b {
	case BuilderBuildKit, BuilderClassic, BuilderOCIImport:
		return true
	}
	return false
}

// Maintainer identifies a person responsible for an image.
type Maintainer struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	GitHub string `yaml:"github,omitempty"`
	GitLab string `yaml:"gitlab,omitempty"`
}

// Git is the source reference for a manifest. Exactly one of SHA or Tag must
// be set; Fetch names the ref fetched before resolution.
type Git struct {
	Repo  string `yaml:"repo"`
	Fetch string `yaml:"fetch,omitempty"`
	SHA   string `yaml:"sha,omitempty"`
	Tag   string `yaml:"tag,omitempty"`
}

// Ref returns the checkout reference: the pinned SHA when set, else the tag.
func (g Git) Ref() string {
	if g.SHA != "" {
		return g.SHA
	}
	return g.Tag
}

// Run is a verification command executed in the built image
// (docker run --rm <image> <cmd>). A nonzero exit fails the platform.
type Run struct {
	Cmd string `yaml:"cmd,omitempty"`
}

// Build describes how an image is produced from the source tree.
type Build struct {
	Path        string            `yaml:"path,omitempty"`
	Dockerfile  string            `yaml:"dockerfile,omitempty"`
	Context     string            `yaml:"context,omitempty"`
	Builder     Builder           `yaml:"builder,omitempty"`
	Platforms   []Platform        `yaml:"platforms,omitempty"`
	Tags        []string          `yaml:"tags"`
	Args        map[string]string `yaml:"args,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Target      string            `yaml:"target,omitempty"`
	Test        *Run              `yaml:"test,omitempty"`
}

// Metadata carries the stable science identifier and project for an image.
type Metadata struct {
	Identifier string `yaml:"identifier"`
	Project    string `yaml:"project"`
}

// Manifest is the declarative unit of work: one image's source, build
// configuration, and metadata. The pair (name, resolved source commit)
// determines whether a rebuild is a no-op.
type Manifest struct {
	Version     float64      `yaml:"version,omitempty"`
	Name        string       `yaml:"name"`
	Maintainers []Maintainer `yaml:"maintainers"`
	Git         Git          `yaml:"git"`
	Build       Build        `yaml:"build"`
	Metadata    Metadata     `yaml:"metadata"`
}

// ImageName returns the canonical repository path under the given registry
// host, e.g. images.canfar.net/library/base.
func (m *Manifest) ImageName(registry string) string {
	return fmt.Sprintf("%s/library/%s", registry, m.Name)
}

// applyDefaults fills schema defaults in place. Called by Load before
// semantic validation so required-after-default fields validate uniformly.
func applyDefaults(m *Manifest) {
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
	if m.Git.Fetch == "" {
		m.Git.Fetch = "refs/heads/main"
	}
	if m.Build.Path == "" {
		m.Build.Path = "."
	}
	if m.Build.Dockerfile == "" {
		m.Build.Dockerfile = "Dockerfile"
	}
	if m.Build.Context == "" {
		m.Build.Context = "."
	}
	if m.Build.Builder == "" {
		m.Build.Builder = BuilderBuildKit
	}
	if len(m.Build.Platforms) == 0 {
		m.Build.Platforms = []Platform{PlatformLinuxAMD64}
	}
}
