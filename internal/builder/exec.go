package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/opencadc/librarian/internal/errors"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
)

// DockerCLI implements Builder, TestRunner and Publisher by shelling out to
// the docker binary (buildx for the buildkit backend).
type DockerCLI struct {
	// Binary overrides the docker executable name, mainly for tests.
	Binary string
}

func (d *DockerCLI) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

// Version reports the builder identity recorded in provenance.
func (d *DockerCLI) Version(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, d.binary(), "version", "--format", "{{.Server.Version}}").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

// Build runs one per-platform image build and pushes the staging reference.
func (d *DockerCLI) Build(ctx context.Context, in BuildInput) (BuildOutput, error) {
	buildRoot := filepath.Join(in.SourceDir, in.Path)

	// The command runs with the source checkout as its working directory, so
	// the log and metadata paths must be absolute and their parent directory
	// must exist before buildx tries to write into it.
	logPath := in.LogPath
	var metadataFile string
	if logPath != "" {
		abs, err := filepath.Abs(logPath)
		if err != nil {
			return BuildOutput{}, fmt.Errorf("resolve build log path: %w", err)
		}
		logPath = abs
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return BuildOutput{}, fmt.Errorf("create build log directory: %w", err)
		}
		metadataFile = logPath + ".metadata.json"
	} else {
		f, err := os.CreateTemp("", "librarian-build-metadata-*.json")
		if err != nil {
			return BuildOutput{}, fmt.Errorf("create metadata file: %w", err)
		}
		metadataFile = f.Name()
		_ = f.Close()
	}
	defer os.Remove(metadataFile)

	args, err := d.buildArgs(in, metadataFile)
	if err != nil {
		return BuildOutput{}, err
	}

	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Dir = buildRoot
	output, runErr := d.runLogged(cmd, logPath)
	if runErr != nil {
		return BuildOutput{}, classifyBuildError(runErr, output, string(in.Platform))
	}

	dgst, err := readImageDigest(metadataFile)
	if err != nil {
		return BuildOutput{}, errors.BuildFailure(err, string(in.Platform))
	}

	slog.Debug("Platform build complete",
		logfields.Platform(string(in.Platform)),
		logfields.ImageRef(in.ImageRef),
		slog.String("digest", dgst.String()))
	return BuildOutput{Digest: dgst, ImageRef: in.ImageRef, LogRef: logPath}, nil
}

func (d *DockerCLI) buildArgs(in BuildInput, metadataFile string) ([]string, error) {
	switch in.Backend {
	case manifest.BuilderBuildKit, manifest.BuilderClassic:
		// classic builds also route through buildx; the daemon picks the
		// legacy path when no buildkit worker is available.
	case manifest.BuilderOCIImport:
		return nil, errors.BuildFailure(
			fmt.Errorf("backend %q imports a prebuilt artifact and cannot be driven by this builder", in.Backend),
			string(in.Platform))
	default:
		return nil, errors.BuildFailure(fmt.Errorf("unknown backend %q", in.Backend), string(in.Platform))
	}

	args := []string{
		"buildx", "build",
		"--platform", string(in.Platform),
		"--file", in.Dockerfile,
		"--tag", in.ImageRef,
		"--metadata-file", metadataFile,
		"--provenance=false",
		"--push",
	}
	for _, k := range sortedKeys(in.Args) {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, in.Args[k]))
	}
	for _, k := range sortedKeys(in.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, in.Labels[k]))
	}
	for _, k := range sortedKeys(in.Annotations) {
		args = append(args, "--annotation", fmt.Sprintf("%s=%s", k, in.Annotations[k]))
	}
	if in.Target != "" {
		args = append(args, "--target", in.Target)
	}
	args = append(args, in.Context)
	return args, nil
}

// Run executes the manifest's test command in the built image.
func (d *DockerCLI) Run(ctx context.Context, imageRef, cmd string) (string, error) {
	args := append([]string{"run", "--rm", imageRef}, strings.Fields(cmd)...)
	out, err := exec.CommandContext(ctx, d.binary(), args...).CombinedOutput()
	if err != nil {
		return string(out), errors.Wrap(err, errors.CategoryBuild, errors.SeverityError, "image test failed").
			WithContext("image", imageRef).
			WithContext("cmd", cmd)
	}
	return string(out), nil
}

// Publish assembles a (possibly multi-platform) tag reference from the
// per-platform staging images.
func (d *DockerCLI) Publish(ctx context.Context, targetRef string, sources []string) error {
	args := append([]string{"buildx", "imagetools", "create", "--tag", targetRef}, sources...)
	out, err := exec.CommandContext(ctx, d.binary(), args...).CombinedOutput()
	if err != nil {
		classified := classifyBuildError(err, string(out), "")
		if errors.IsRetryable(classified) {
			return classified
		}
		return errors.PublicationFailed(fmt.Errorf("%w: %s", err, firstLine(out)), targetRef)
	}
	return nil
}

// runLogged runs cmd, teeing combined output into logPath when set, and
// returns the output for error classification. The log directory must
// already exist.
func (d *DockerCLI) runLogged(cmd *exec.Cmd, logPath string) (string, error) {
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	if logPath != "" {
		_ = os.WriteFile(logPath, buf.Bytes(), 0o644)
	}
	return buf.String(), runErr
}

// readImageDigest extracts the pushed image digest from a buildx
// --metadata-file document.
func readImageDigest(path string) (digest.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read build metadata: %w", err)
	}
	var meta struct {
		Digest string `json:"containerimage.digest"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", fmt.Errorf("parse build metadata: %w", err)
	}
	if meta.Digest == "" {
		return "", fmt.Errorf("build metadata carries no image digest")
	}
	dgst, err := digest.Parse(meta.Digest)
	if err != nil {
		return "", fmt.Errorf("invalid image digest %q: %w", meta.Digest, err)
	}
	return dgst, nil
}

// CosignSigner implements Signer via the cosign binary.
type CosignSigner struct {
	KeyRef string // --key argument; empty means keyless
	Binary string
}

func (s *CosignSigner) binary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return "cosign"
}

// Sign signs an image reference and returns the signature reference.
func (s *CosignSigner) Sign(ctx context.Context, imageRef string) (string, error) {
	args := []string{"sign", "--yes"}
	if s.KeyRef != "" {
		args = append(args, "--key", s.KeyRef)
	}
	args = append(args, imageRef)
	out, err := exec.CommandContext(ctx, s.binary(), args...).CombinedOutput()
	if err != nil {
		return "", errors.SigningFailed(fmt.Errorf("%w: %s", err, firstLine(out)), imageRef)
	}
	return imageRef + ".sig", nil
}

// NoopSigner satisfies Signer when signing is disabled in configuration.
type NoopSigner struct{}

func (NoopSigner) Sign(_ context.Context, imageRef string) (string, error) {
	return "", nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
