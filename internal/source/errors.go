package source

import (
	"strings"

	"github.com/opencadc/librarian/internal/errors"
)

// classifyRemoteError wraps go-git transport failures as SourceUnavailable.
// Permanent conditions (missing repository, bad credentials) are marked
// non-retryable so the bounded retry loop surfaces them immediately.
func classifyRemoteError(err error, repo, ref string) error {
	if err == nil {
		return nil
	}
	e := errors.SourceUnavailable(err, repo, ref)
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication failed"),
		strings.Contains(l, "authorization failed"),
		strings.Contains(l, "invalid credentials"),
		strings.Contains(l, "repository not found"),
		strings.Contains(l, "does not exist"):
		e.Retryable = false
	}
	return e
}
