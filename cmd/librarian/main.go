package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/opencadc/librarian/internal/audit"
	"github.com/opencadc/librarian/internal/builder"
	"github.com/opencadc/librarian/internal/config"
	"github.com/opencadc/librarian/internal/coordinator"
	"github.com/opencadc/librarian/internal/daemon"
	"github.com/opencadc/librarian/internal/detect"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/metrics"
	"github.com/opencadc/librarian/internal/notify"
	"github.com/opencadc/librarian/internal/orchestrator"
	"github.com/opencadc/librarian/internal/provenance"
	"github.com/opencadc/librarian/internal/source"
	"github.com/opencadc/librarian/internal/state"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"librarian.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Validate struct {
		Path string `arg:"" optional:"" help:"Manifest file or directory (defaults to configured manifest_dir)"`
	} `cmd:"" help:"Validate manifests against the schema without building"`

	Plan struct {
		Manifest string `arg:"" optional:"" help:"Manifest name (defaults to all)"`
		JSON     bool   `help:"Emit the plan as JSON"`
	} `cmd:"" help:"Resolve sources and report which manifests need a rebuild"`

	Build struct {
		Manifest string `arg:"" optional:"" help:"Manifest name (defaults to all)"`
	} `cmd:"" help:"Run the pipeline once for the selected manifests"`

	Daemon struct {
	} `cmd:"" help:"Run continuously: watch manifests and reconcile periodically"`
}

func main() {
	kctx := kong.Parse(&CLI)

	cfg, err := loadConfig(CLI.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "librarian: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch kctx.Command() {
	case "validate", "validate <path>":
		err = runValidate(cfg, CLI.Validate.Path)
	case "plan", "plan <manifest>":
		err = runPlan(ctx, cfg, CLI.Plan.Manifest, CLI.Plan.JSON)
	case "build", "build <manifest>":
		err = runBuild(ctx, cfg, CLI.Build.Manifest)
	case "daemon":
		err = runDaemon(ctx, cfg)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		slog.Error("Command failed", logfields.Error(err))
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == "librarian.yaml" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runValidate(cfg *config.Config, path string) error {
	if path == "" {
		path = cfg.ManifestDir
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if _, err := manifest.LoadFile(path); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", path)
		return nil
	}
	store, err := manifest.LoadDir(path)
	if err != nil {
		return err
	}
	for _, name := range store.Names() {
		fmt.Printf("%s: ok\n", name)
	}
	slog.Info("All manifests valid", "count", len(store.Names()))
	return nil
}

// planEntry is one line of the plan report.
type planEntry struct {
	Manifest string `json:"manifest"`
	Commit   string `json:"commit,omitempty"`
	Required bool   `json:"required"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

func runPlan(ctx context.Context, cfg *config.Config, name string, asJSON bool) error {
	manifests, err := selectManifests(cfg, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", cfg.DataDir, err)
	}
	states, err := state.NewStore(cfg.StateDBPath())
	if err != nil {
		return err
	}
	defer states.Close()
	resolver := source.NewClient(cfg.WorkspaceDir)

	entries := make([]planEntry, 0, len(manifests))
	for _, m := range manifests {
		entry := planEntry{Manifest: m.Name}
		res, err := resolver.Resolve(ctx, m.Git)
		if err != nil {
			entry.Error = err.Error()
			entry.Reason = "resolution failed"
			entries = append(entries, entry)
			continue
		}
		prior, err := states.Get(ctx, m.Name)
		if err != nil {
			return err
		}
		decision := detect.NeedsBuild(prior, res)
		entry.Commit = res.Commit
		entry.Required = decision.Required
		entry.Reason = string(decision.Reason)
		entries = append(entries, entry)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		if e.Error != "" {
			fmt.Printf("%-20s error: %s\n", e.Manifest, e.Error)
			continue
		}
		action := "up to date"
		if e.Required {
			action = "build (" + e.Reason + ")"
		}
		fmt.Printf("%-20s %.12s  %s\n", e.Manifest, e.Commit, action)
	}
	return nil
}

func runBuild(ctx context.Context, cfg *config.Config, name string) error {
	manifests, err := selectManifests(cfg, name)
	if err != nil {
		return err
	}
	orch, cleanup, err := buildOrchestrator(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	failed := 0
	for _, m := range manifests {
		report := orch.Run(ctx, m)
		switch report.Outcome {
		case orchestrator.OutcomeFailed:
			failed++
		case orchestrator.OutcomeSkipped:
			fmt.Printf("%s: skipped (%s)\n", m.Name, report.Reason)
		case orchestrator.OutcomeSucceeded:
			fmt.Printf("%s: published %d tag(s) at %.12s\n",
				m.Name, len(report.Record.PublishedRefs), report.Resolution.Commit)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d manifest run(s) failed", failed, len(manifests))
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	var recorder *metrics.PrometheusRecorder
	if cfg.Daemon.MetricsAddr != "" {
		recorder = metrics.NewPrometheusRecorder(nil)
	}
	orch, cleanup, err := buildOrchestrator(ctx, cfg, recorder)
	if err != nil {
		return err
	}
	defer cleanup()

	return daemon.New(cfg, orch, recorder).Run(ctx)
}

// buildOrchestrator wires the full pipeline from configuration. The returned
// cleanup closes every opened resource.
func buildOrchestrator(ctx context.Context, cfg *config.Config, recorder *metrics.PrometheusRecorder) (*orchestrator.Orchestrator, func(), error) {
	for _, dir := range []string{cfg.DataDir, cfg.WorkspaceDir, cfg.Build.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	states, err := state.NewStore(cfg.StateDBPath())
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { _ = states.Close() })

	docker := &builder.DockerCLI{}
	coord := coordinator.New(docker, docker, cfg.Registry, cfg.Build.LogDir, cfg.Build.Timeout.Std(), cfg.RetryPolicy())

	var signer builder.Signer = builder.NoopSigner{}
	if cfg.Signing.Enabled {
		signer = &builder.CosignSigner{KeyRef: cfg.Signing.KeyRef}
	}
	publisher := provenance.NewManager(signer, docker, states, cfg.Registry, docker.Version(ctx))

	orch := orchestrator.New(source.NewClient(cfg.WorkspaceDir), states, coord, publisher, cfg.RetryPolicy())

	audits, err := audit.NewSQLiteStore(cfg.AuditDBPath())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = audits.Close() })
	orch.SetAuditStore(audits)

	if cfg.Notify.Enabled {
		notifier, err := notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = notifier.Close() })
		orch.SetNotifier(notifier)
	}

	if recorder != nil {
		orch.SetRecorder(recorder)
		coord.SetRecorder(recorder)
	}

	return orch, cleanup, nil
}

// selectManifests loads the configured manifest set, optionally narrowed to
// one name.
func selectManifests(cfg *config.Config, name string) ([]*manifest.Manifest, error) {
	store, err := manifest.LoadDir(cfg.ManifestDir)
	if err != nil {
		return nil, err
	}
	if name != "" {
		m := store.Get(name)
		if m == nil {
			return nil, fmt.Errorf("manifest %q not found in %s", name, filepath.Clean(cfg.ManifestDir))
		}
		return []*manifest.Manifest{m}, nil
	}
	names := store.Names()
	out := make([]*manifest.Manifest, 0, len(names))
	for _, n := range names {
		out = append(out, store.Get(n))
	}
	return out, nil
}
