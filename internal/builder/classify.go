package builder

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/opencadc/librarian/internal/errors"
)

// transientMarkers are substrings of builder/registry output that indicate
// infrastructure trouble worth retrying, as opposed to a broken Dockerfile.
var transientMarkers = []string{
	"i/o timeout",
	"connection reset",
	"connection refused",
	"tls handshake timeout",
	"temporary failure",
	"no route to host",
	"service unavailable",
	"502 bad gateway",
	"503 service",
	"timeout exceeded",
	"too many requests",
	"unexpected eof",
}

// classifyBuildError separates transient infrastructure failures (retried a
// bounded number of times) from build-logic failures (never retried).
// Context cancellation passes through untouched so timeouts keep their cause.
func classifyBuildError(err error, output string, platform string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	l := strings.ToLower(output)
	for _, marker := range transientMarkers {
		if strings.Contains(l, marker) {
			return errors.TransientInfra(err, platform)
		}
	}
	return errors.BuildFailure(err, platform)
}
