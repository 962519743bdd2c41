package detect

import (
	"fmt"
	"path"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/opencadc/librarian/internal/manifest"
)

// ChangeKind classifies one file change between built commits.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange is one build-definition-affecting file change.
type FileChange struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// DiffReport is the advisory change summary between the previously built
// commit and the newly resolved one, scoped to the manifest's build inputs.
// It informs human reviewers and never gates the build decision.
type DiffReport struct {
	FromCommit string       `json:"from_commit"`
	ToCommit   string       `json:"to_commit"`
	Files      []FileChange `json:"files"`
}

// Render formats the report as reviewer-facing text.
func (r *DiffReport) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "build definition changes %.12s..%.12s\n", r.FromCommit, r.ToCommit)
	if len(r.Files) == 0 {
		sb.WriteString("  (no changes within build scope)\n")
		return sb.String()
	}
	for _, f := range r.Files {
		fmt.Fprintf(&sb, "  %-8s %s\n", f.Kind, f.Path)
	}
	return sb.String()
}

// Diff computes the file-level change set between two commits of the
// checked-out repository, restricted to the manifest's build scope.
func Diff(repoPath string, b manifest.Build, fromCommit, toCommit string) (*DiffReport, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	fromTree, err := commitTree(repo, fromCommit)
	if err != nil {
		return nil, err
	}
	toTree, err := commitTree(repo, toCommit)
	if err != nil {
		return nil, err
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	scopes := scope(b)
	report := &DiffReport{FromCommit: fromCommit, ToCommit: toCommit}
	for _, ch := range changes {
		name, kind := changeEntry(ch)
		if !inScope(name, scopes) {
			continue
		}
		report.Files = append(report.Files, FileChange{Path: name, Kind: kind})
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Path < report.Files[j].Path })
	return report, nil
}

func commitTree(repo *gogit.Repository, sha string) (*object.Tree, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", sha, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", sha, err)
	}
	return tree, nil
}

func changeEntry(ch *object.Change) (string, ChangeKind) {
	switch {
	case ch.From.Name == "":
		return ch.To.Name, ChangeAdded
	case ch.To.Name == "":
		return ch.From.Name, ChangeDeleted
	default:
		return ch.To.Name, ChangeModified
	}
}

func inScope(name string, scopes []string) bool {
	for _, s := range scopes {
		if s == "." || name == s || strings.HasPrefix(name, s+"/") {
			return true
		}
	}
	return false
}

func cleanRel(p string) string {
	c := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	c = strings.TrimPrefix(c, "./")
	if c == "" || c == "/" {
		return "."
	}
	return strings.TrimPrefix(c, "/")
}

func joinRel(base, p string) string {
	return path.Join(cleanRel(base), strings.ReplaceAll(p, "\\", "/"))
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
