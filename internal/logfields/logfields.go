package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyManifest   = "manifest"
	KeyIdentifier = "identifier"
	KeyAttemptID  = "attempt_id"
	KeyStage      = "stage"
	KeyPlatform   = "platform"
	KeyRepo       = "repo"
	KeyRef        = "ref"
	KeyCommit     = "commit"
	KeyTag        = "tag"
	KeyImageRef   = "image_ref"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Manifest(name string) slog.Attr    { return slog.String(KeyManifest, name) }
func Identifier(id string) slog.Attr    { return slog.String(KeyIdentifier, id) }
func AttemptID(id string) slog.Attr     { return slog.String(KeyAttemptID, id) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func Platform(p string) slog.Attr       { return slog.String(KeyPlatform, p) }
func Repo(url string) slog.Attr         { return slog.String(KeyRepo, url) }
func Ref(ref string) slog.Attr          { return slog.String(KeyRef, ref) }
func Commit(sha string) slog.Attr       { return slog.String(KeyCommit, short(sha)) }
func Tag(tag string) slog.Attr          { return slog.String(KeyTag, tag) }
func ImageRef(ref string) slog.Attr     { return slog.String(KeyImageRef, ref) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
