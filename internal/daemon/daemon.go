// Package daemon runs the pipeline continuously: a manifest directory
// watcher and a periodic reconcile both feed a bounded worker pool, with at
// most one run in flight per manifest at a time.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opencadc/librarian/internal/config"
	"github.com/opencadc/librarian/internal/logfields"
	"github.com/opencadc/librarian/internal/manifest"
	"github.com/opencadc/librarian/internal/metrics"
	"github.com/opencadc/librarian/internal/orchestrator"
)

// Runner runs one manifest through the pipeline. Satisfied by the
// orchestrator.
type Runner interface {
	Run(ctx context.Context, m *manifest.Manifest) *orchestrator.OutcomeReport
}

// Daemon owns the watcher, the scheduler, the worker pool, and the metrics
// endpoint.
type Daemon struct {
	cfg    *config.Config
	runner Runner

	recorder *metrics.PrometheusRecorder

	mu        sync.Mutex
	manifests *manifest.Store
	inflight  map[string]bool
	pending   map[string]bool

	queue   chan string
	workers WorkerGroup

	watcher   *Watcher
	scheduler *Scheduler
	httpSrv   *http.Server
}

// New creates a daemon. recorder may be nil when metrics are disabled.
func New(cfg *config.Config, runner Runner, recorder *metrics.PrometheusRecorder) *Daemon {
	return &Daemon{
		cfg:      cfg,
		runner:   runner,
		recorder: recorder,
		inflight: make(map[string]bool),
		pending:  make(map[string]bool),
		queue:    make(chan string, 256),
	}
}

// Run starts all daemon components and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.reload(); err != nil {
		return err
	}

	watcher, err := NewWatcher(d.cfg.ManifestDir, d.cfg.Daemon.Debounce.Std(), d.onManifestChange)
	if err != nil {
		return err
	}
	d.watcher = watcher
	if err := d.watcher.Start(ctx); err != nil {
		return err
	}

	scheduler, err := NewScheduler(d.cfg.Daemon.Interval.Std(), d.enqueueAll)
	if err != nil {
		return err
	}
	d.scheduler = scheduler
	d.scheduler.Start()

	d.startMetricsServer()

	for i := 0; i < d.cfg.Daemon.Workers; i++ {
		d.workers.Go(func() { d.workLoop(ctx) })
	}

	slog.Info("Daemon started",
		"manifest_dir", d.cfg.ManifestDir,
		"interval", d.cfg.Daemon.Interval.String(),
		"workers", d.cfg.Daemon.Workers)

	// Initial reconcile so a fresh daemon converges without waiting for the
	// first scheduled tick.
	d.enqueueAll()

	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	slog.Info("Daemon stopping")
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			slog.Warn("Scheduler shutdown failed", logfields.Error(err))
		}
	}
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown failed", logfields.Error(err))
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.workers.StopAndWait(waitCtx)
}

// reload replaces the manifest working set from the manifest directory. A
// broken manifest aborts the reload and keeps the previous set.
func (d *Daemon) reload() error {
	store, err := manifest.LoadDir(d.cfg.ManifestDir)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.manifests = store
	d.mu.Unlock()
	slog.Info("Manifests loaded", "count", len(store.Names()))
	return nil
}

// onManifestChange handles a debounced manifest directory change.
func (d *Daemon) onManifestChange() {
	if err := d.reload(); err != nil {
		slog.Error("Manifest reload failed, keeping previous set", logfields.Error(err))
		return
	}
	d.enqueueAll()
}

// enqueueAll dispatches every known manifest.
func (d *Daemon) enqueueAll() {
	d.mu.Lock()
	names := append([]string(nil), d.manifests.Names()...)
	d.mu.Unlock()
	for _, name := range names {
		d.dispatch(name)
	}
}

// dispatch queues a run for one manifest, collapsing to a single pending run
// while one is already in flight.
func (d *Daemon) dispatch(name string) {
	d.mu.Lock()
	if d.inflight[name] {
		d.pending[name] = true
		d.mu.Unlock()
		return
	}
	d.inflight[name] = true
	d.mu.Unlock()

	select {
	case d.queue <- name:
	default:
		// Queue full; drop the claim so the next tick retries.
		d.mu.Lock()
		d.inflight[name] = false
		d.mu.Unlock()
		slog.Warn("Run queue full, deferring manifest", logfields.Manifest(name))
	}
}

func (d *Daemon) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-d.queue:
			d.runOne(ctx, name)
		}
	}
}

func (d *Daemon) runOne(ctx context.Context, name string) {
	defer d.finish(name)

	d.mu.Lock()
	m := d.manifests.Get(name)
	d.mu.Unlock()
	if m == nil {
		// Removed between dispatch and execution.
		return
	}

	report := d.runner.Run(ctx, m)
	if report.Outcome == orchestrator.OutcomeFailed && report.Err != nil && !errors.Is(report.Err, context.Canceled) {
		slog.Error("Manifest run failed",
			logfields.Manifest(name),
			logfields.Stage(report.Stage),
			logfields.Error(report.Err))
	}
}

// finish releases the in-flight claim and re-dispatches when changes arrived
// during the run.
func (d *Daemon) finish(name string) {
	d.mu.Lock()
	d.inflight[name] = false
	rerun := d.pending[name]
	delete(d.pending, name)
	d.mu.Unlock()
	if rerun {
		d.dispatch(name)
	}
}

func (d *Daemon) startMetricsServer() {
	if d.recorder == nil || d.cfg.Daemon.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	d.httpSrv = &http.Server{Addr: d.cfg.Daemon.MetricsAddr, Handler: mux}
	go func() {
		slog.Info("Metrics endpoint listening", "addr", d.cfg.Daemon.MetricsAddr)
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", logfields.Error(err))
		}
	}()
}
