package manifest

import (
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencadc/librarian/internal/errors"
)

// The schema is validated in two passes: a structural pass over the raw YAML
// node tree (unknown properties, wrong node kinds, named by field path) and a
// semantic pass over the decoded value (required fields, enums, invariants).

type nodeCheck func(n *yaml.Node, path string) error

// checkMapping verifies n is a mapping whose keys are all in fields, then
// dispatches each value to its per-field check (nil means any scalar/shape is
// left to the decode step).
func checkMapping(n *yaml.Node, path string, fields map[string]nodeCheck) error {
	if n.Kind != yaml.MappingNode {
		return errors.SchemaError(path, fmt.Sprintf("expected a mapping at %s", displayPath(path)))
	}
	for i := 0; i < len(n.Content)-1; i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		check, ok := fields[key.Value]
		if !ok {
			return errors.SchemaError(joinPath(path, key.Value),
				fmt.Sprintf("unknown property %q", displayPath(joinPath(path, key.Value))))
		}
		if check != nil {
			if err := check(value, joinPath(path, key.Value)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkSequence(elem nodeCheck) nodeCheck {
	return func(n *yaml.Node, path string) error {
		if n.Kind != yaml.SequenceNode {
			return errors.SchemaError(path, fmt.Sprintf("expected a list at %s", displayPath(path)))
		}
		for i, item := range n.Content {
			if err := elem(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
}

// checkStringMap accepts a mapping of scalar keys to scalar values (args,
// labels, annotations) without constraining the key names.
func checkStringMap(n *yaml.Node, path string) error {
	if n.Tag == "!!null" {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return errors.SchemaError(path, fmt.Sprintf("expected a mapping at %s", displayPath(path)))
	}
	for i := 1; i < len(n.Content); i += 2 {
		if n.Content[i].Kind != yaml.ScalarNode {
			return errors.SchemaError(joinPath(path, n.Content[i-1].Value),
				fmt.Sprintf("expected a scalar value at %s", displayPath(joinPath(path, n.Content[i-1].Value))))
		}
	}
	return nil
}

func checkMaintainerNode(n *yaml.Node, path string) error {
	return checkMapping(n, path, map[string]nodeCheck{
		"name": nil, "email": nil, "github": nil, "gitlab": nil,
	})
}

func checkGitNode(n *yaml.Node, path string) error {
	return checkMapping(n, path, map[string]nodeCheck{
		"repo": nil, "fetch": nil, "sha": nil, "tag": nil,
	})
}

func checkRunNode(n *yaml.Node, path string) error {
	if n.Tag == "!!null" {
		return nil
	}
	return checkMapping(n, path, map[string]nodeCheck{"cmd": nil})
}

func checkBuildNode(n *yaml.Node, path string) error {
	return checkMapping(n, path, map[string]nodeCheck{
		"path":        nil,
		"dockerfile":  nil,
		"context":     nil,
		"builder":     nil,
		"platforms":   nil,
		"tags":        nil,
		"args":        checkStringMap,
		"annotations": checkStringMap,
		"labels":      checkStringMap,
		"target":      nil,
		"test":        checkRunNode,
	})
}

func checkMetadataNode(n *yaml.Node, path string) error {
	return checkMapping(n, path, map[string]nodeCheck{
		"identifier": nil, "project": nil,
	})
}

func checkManifestNode(n *yaml.Node) error {
	return checkMapping(n, "", map[string]nodeCheck{
		"version":     nil,
		"name":        nil,
		"maintainers": checkSequence(checkMaintainerNode),
		"git":         checkGitNode,
		"build":       checkBuildNode,
		"metadata":    checkMetadataNode,
	})
}

// validate runs the semantic pass. Defaults have already been applied.
func validate(m *Manifest) error {
	if m.Name == "" {
		return errors.SchemaError("name", "name is required")
	}
	if len(m.Maintainers) == 0 {
		return errors.SchemaError("maintainers", "at least one maintainer is required")
	}
	for i, mt := range m.Maintainers {
		if mt.Name == "" {
			return errors.SchemaError(fmt.Sprintf("maintainers[%d].name", i), "maintainer name is required")
		}
		if mt.Email == "" {
			return errors.SchemaError(fmt.Sprintf("maintainers[%d].email", i), "maintainer email is required")
		}
	}
	if err := validateGit(m.Git); err != nil {
		return err
	}
	if err := validateBuild(m.Build); err != nil {
		return err
	}
	if m.Metadata.Identifier == "" {
		return errors.SchemaError("metadata.identifier", "identifier is required")
	}
	if m.Metadata.Project == "" {
		return errors.SchemaError("metadata.project", "project is required")
	}
	return nil
}

func validateGit(g Git) error {
	if g.Repo == "" {
		return errors.SchemaError("git.repo", "repo is required")
	}
	if u, err := url.Parse(g.Repo); err != nil || u.Scheme == "" {
		return errors.SchemaError("git.repo", fmt.Sprintf("repo %q is not a valid URI", g.Repo))
	}
	if g.SHA == "" && g.Tag == "" {
		return errors.SchemaError("git", "either sha or tag must be provided")
	}
	if g.SHA != "" && g.Tag != "" {
		return errors.SchemaError("git", "only one of sha or tag may be provided")
	}
	return nil
}

func validateBuild(b Build) error {
	if !b.Builder.Valid() {
		return errors.SchemaError("build.builder", fmt.Sprintf("unknown builder %q", b.Builder))
	}
	if len(b.Platforms) == 0 {
		return errors.SchemaError("build.platforms", "at least one platform is required")
	}
	seen := make(map[Platform]bool, len(b.Platforms))
	for i, p := range b.Platforms {
		if !p.Valid() {
			return errors.SchemaError(fmt.Sprintf("build.platforms[%d]", i), fmt.Sprintf("unknown platform %q", p))
		}
		if seen[p] {
			return errors.SchemaError(fmt.Sprintf("build.platforms[%d]", i), fmt.Sprintf("duplicate platform %q", p))
		}
		seen[p] = true
	}
	if len(b.Tags) == 0 {
		return errors.SchemaError("build.tags", "at least one tag is required")
	}
	for i, tag := range b.Tags {
		if tag == "" || strings.ContainsAny(tag, " /:") {
			return errors.SchemaError(fmt.Sprintf("build.tags[%d]", i), fmt.Sprintf("invalid tag %q", tag))
		}
	}
	return nil
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

func displayPath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
