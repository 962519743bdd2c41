package detect

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/source"
	"github.com/opencadc/librarian/internal/state"
)

func TestNeedsBuild(t *testing.T) {
	res := source.Resolution{Repo: "https://e/r", Ref: "v0.2.0", Commit: "c2"}

	d := NeedsBuild(nil, res)
	assert.True(t, d.Required)
	assert.Equal(t, ReasonNeverBuilt, d.Reason)

	d = NeedsBuild(&state.BuildState{LastRef: "v0.1.0", LastCommit: "c1"}, res)
	assert.True(t, d.Required)
	assert.Equal(t, ReasonCommitChanged, d.Reason)

	// A different ref string resolving to the already-built commit is a no-op.
	d = NeedsBuild(&state.BuildState{LastRef: "v0.1.0", LastCommit: "c2"}, res)
	assert.False(t, d.Required)
	assert.Equal(t, ReasonUpToDate, d.Reason)
}

func commitFiles(t *testing.T, repoPath string, w *gogit.Worktree, files map[string]string, removals []string, msg string) string {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(repoPath, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o600))
		_, err := w.Add(name)
		require.NoError(t, err)
	}
	for _, name := range removals {
		_, err := w.Remove(name)
		require.NoError(t, err)
	}
	hash, err := w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com"},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestDiffScoping(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	repo, err := gogit.PlainInit(repoPath, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)

	c1 := commitFiles(t, repoPath, w, map[string]string{
		"svc/Dockerfile":   "FROM scratch",
		"svc/app/main.py":  "print(1)",
		"svc/old.txt":      "bye",
		"docs/readme.md":   "# docs",
		"unrelated/x.conf": "k=v",
	}, nil, "one")

	c2 := commitFiles(t, repoPath, w, map[string]string{
		"svc/Dockerfile":   "FROM alpine",
		"svc/app/extra.py": "print(2)",
		"docs/readme.md":   "# docs v2",
		"unrelated/x.conf": "k=v2",
	}, []string{"svc/old.txt"}, "two")

	b := manifest.Build{Path: "svc", Dockerfile: "Dockerfile", Context: "."}
	report, err := Diff(repoPath, b, c1, c2)
	require.NoError(t, err)

	assert.Equal(t, []FileChange{
		{Path: "svc/Dockerfile", Kind: ChangeModified},
		{Path: "svc/app/extra.py", Kind: ChangeAdded},
		{Path: "svc/old.txt", Kind: ChangeDeleted},
	}, report.Files, "docs/ and unrelated/ changes are out of scope")

	text := report.Render()
	assert.Contains(t, text, "svc/Dockerfile")
	assert.NotContains(t, text, "docs/readme.md")
}

func TestDiffRootScopeSeesEverything(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	repo, err := gogit.PlainInit(repoPath, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)

	c1 := commitFiles(t, repoPath, w, map[string]string{"Dockerfile": "FROM scratch"}, nil, "one")
	c2 := commitFiles(t, repoPath, w, map[string]string{"anything/file.txt": "x"}, nil, "two")

	b := manifest.Build{Path: ".", Dockerfile: "Dockerfile", Context: "."}
	report, err := Diff(repoPath, b, c1, c2)
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "anything/file.txt", report.Files[0].Path)
}

func TestDiffIdenticalCommits(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	repo, err := gogit.PlainInit(repoPath, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)

	c1 := commitFiles(t, repoPath, w, map[string]string{"Dockerfile": "FROM scratch"}, nil, "one")

	report, err := Diff(repoPath, manifest.Build{Path: ".", Dockerfile: "Dockerfile", Context: "."}, c1, c1)
	require.NoError(t, err)
	assert.Empty(t, report.Files)
	assert.Contains(t, report.Render(), "no changes within build scope")
}

func TestScopeNormalization(t *testing.T) {
	scopes := scope(manifest.Build{Path: "./svc/", Dockerfile: "Dockerfile.alt", Context: "."})
	assert.Contains(t, scopes, "svc")
	assert.Contains(t, scopes, "svc/Dockerfile.alt")
}
