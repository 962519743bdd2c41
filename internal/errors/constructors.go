package errors

// SchemaError reports an invalid manifest. Path is the dotted field path of
// the offending property.
func SchemaError(path, message string) *Error {
	return New(CategorySchema, SeverityFatal, message).WithContext("path", path)
}

// SourceUnavailable reports a failed source resolution. Transient network
// conditions are retried a bounded number of times before surfacing.
func SourceUnavailable(err error, repo, ref string) *Error {
	return WrapRetryable(err, CategorySource, SeverityError, "source unavailable").
		WithContext("repo", repo).
		WithContext("ref", ref)
}

// BuildFailure reports a builder or test failure on one platform. Logic-level
// failures are never retried.
func BuildFailure(err error, platform string) *Error {
	return Wrap(err, CategoryBuild, SeverityError, "build failed").
		WithContext("platform", platform)
}

// TransientInfra reports a network/registry/timeout condition during a build.
// Retried with a small bound, then escalated to a build failure.
func TransientInfra(err error, platform string) *Error {
	return WrapRetryable(err, CategoryInfra, SeverityWarning, "transient infrastructure error").
		WithContext("platform", platform)
}

// SigningFailed aborts a publication entirely, leaving no partial tag set.
func SigningFailed(err error, ref string) *Error {
	return Wrap(err, CategorySigning, SeverityError, "signing failed").
		WithContext("ref", ref)
}

// PublicationFailed reports a registry publication failure.
func PublicationFailed(err error, ref string) *Error {
	return Wrap(err, CategoryPublication, SeverityError, "publication failed").
		WithContext("ref", ref)
}

// ConcurrentUpdateConflict reports a losing writer in the build-state
// compare-and-swap. Surfaced for re-run, never auto-retried.
func ConcurrentUpdateConflict(manifest string) *Error {
	return New(CategoryConflict, SeverityError, "concurrent build state update").
		WithContext("manifest", manifest)
}

// Timeout reports a canceled attempt that exceeded its wall-clock budget.
func Timeout(message string) *Error {
	return New(CategoryTimeout, SeverityError, message)
}
