package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
)

var commitSHARe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// Client implements Resolver with go-git against remote repositories.
type Client struct {
	workspaceDir string
}

// NewClient creates a resolver that clones into workspaceDir.
func NewClient(workspaceDir string) *Client {
	return &Client{workspaceDir: workspaceDir}
}

// EnsureWorkspace creates the workspace directory if it doesn't exist.
func (c *Client) EnsureWorkspace() error {
	if err := os.MkdirAll(c.workspaceDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return nil
}

// Resolve maps a manifest git reference to a commit SHA. A pinned sha is
// already immutable and returned as-is; a tag is resolved against the
// remote's advertised refs, preferring the peeled target of annotated tags.
func (c *Client) Resolve(ctx context.Context, git manifest.Git) (Resolution, error) {
	if git.SHA != "" {
		sha := strings.ToLower(git.SHA)
		if !commitSHARe.MatchString(sha) {
			return Resolution{}, errors.SchemaError("git.sha", fmt.Sprintf("invalid commit sha %q", git.SHA))
		}
		return Resolution{Repo: git.Repo, Ref: git.SHA, Commit: sha, Fetch: git.Fetch}, nil
	}

	refs, err := c.listRemote(ctx, git.Repo)
	if err != nil {
		return Resolution{}, classifyRemoteError(err, git.Repo, git.Tag)
	}

	// Annotated tags advertise both the tag object and its peeled commit
	// (name^{}); the peeled hash is the one builds and comparisons use.
	candidates := []string{
		"refs/tags/" + git.Tag,
		"refs/heads/" + git.Tag,
		git.Tag, // already a full ref name
	}
	for _, name := range candidates {
		if hash, ok := refs[name+"^{}"]; ok {
			return Resolution{Repo: git.Repo, Ref: git.Tag, Commit: hash, Fetch: git.Fetch}, nil
		}
		if hash, ok := refs[name]; ok {
			return Resolution{Repo: git.Repo, Ref: git.Tag, Commit: hash, Fetch: git.Fetch}, nil
		}
	}

	return Resolution{}, errors.SourceUnavailable(
		fmt.Errorf("ref %q not found in remote", git.Tag), git.Repo, git.Tag)
}

// Checkout clones (or reuses) the repository in the workspace and checks out
// the resolved commit. The directory name is derived from the repo URL so
// concurrent manifests sharing a repo reuse one clone path per manifest run.
func (c *Client) Checkout(ctx context.Context, res Resolution) (string, error) {
	repoPath := filepath.Join(c.workspaceDir, repoDirName(res.Repo))

	repo, err := c.openOrClone(ctx, res, repoPath)
	if err != nil {
		return "", err
	}

	hash := plumbing.NewHash(res.Commit)
	if _, err := repo.CommitObject(hash); err != nil {
		// The commit may live behind a ref the initial clone didn't fetch:
		// the manifest's configured fetch ref is tried first, then the full
		// remote namespace.
		if err := c.fetchCommit(ctx, repo, res, hash); err != nil {
			return "", err
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := worktree.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", errors.SourceUnavailable(
			fmt.Errorf("checkout %s: %w", res.Commit, err), res.Repo, res.Ref)
	}

	slog.Debug("Source checked out",
		logfields.Repo(res.Repo), logfields.Commit(res.Commit), slog.String("path", repoPath))
	return repoPath, nil
}

// fetchCommit fetches until the resolved commit is present locally.
func (c *Client) fetchCommit(ctx context.Context, repo *gogit.Repository, res Resolution, hash plumbing.Hash) error {
	var lastErr error
	for _, spec := range fetchRefSpecs(res.Fetch) {
		err := repo.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   []gitconfig.RefSpec{spec},
			Tags:       gogit.AllTags,
		})
		if err != nil && err != gogit.NoErrAlreadyUpToDate {
			lastErr = err
			continue
		}
		if _, err := repo.CommitObject(hash); err == nil {
			return nil
		}
	}
	if lastErr != nil {
		return classifyRemoteError(lastErr, res.Repo, res.Ref)
	}
	return errors.SourceUnavailable(
		fmt.Errorf("commit %s not reachable after fetch", res.Commit), res.Repo, res.Ref)
}

// fetchRefSpecs orders the refspecs tried when a commit is missing from the
// local clone: the manifest's configured fetch ref, then everything.
func fetchRefSpecs(fetch string) []gitconfig.RefSpec {
	specs := make([]gitconfig.RefSpec, 0, 2)
	if fetch != "" {
		specs = append(specs, gitconfig.RefSpec("+"+fetch+":"+fetch))
	}
	return append(specs, "+refs/*:refs/*")
}

func (c *Client) openOrClone(ctx context.Context, res Resolution, repoPath string) (*gogit.Repository, error) {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err == nil {
		repo, err := gogit.PlainOpen(repoPath)
		if err == nil {
			return repo, nil
		}
		// Corrupt checkout; fall through to a fresh clone.
		slog.Warn("Discarding unreadable clone", slog.String("path", repoPath), logfields.Error(err))
		if err := os.RemoveAll(repoPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing directory: %w", err)
		}
	}

	slog.Debug("Cloning repository", logfields.Repo(res.Repo), slog.String("path", repoPath))
	repo, err := gogit.PlainCloneContext(ctx, repoPath, false, &gogit.CloneOptions{
		URL:  res.Repo,
		Tags: gogit.AllTags,
	})
	if err != nil {
		return nil, classifyRemoteError(err, res.Repo, res.Ref)
	}
	return repo, nil
}

// listRemote advertises the remote's refs without cloning.
func (c *Client) listRemote(ctx context.Context, repoURL string) (map[string]string, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		out[ref.Name().String()] = ref.Hash().String()
	}
	return out, nil
}

// repoDirName derives a stable workspace directory from the repo URL.
func repoDirName(repoURL string) string {
	base := strings.TrimSuffix(filepath.Base(repoURL), ".git")
	sum := sha256.Sum256([]byte(repoURL))
	return fmt.Sprintf("%s-%x", base, sum[:4])
}
