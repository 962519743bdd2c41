package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler wraps gocron for the periodic reconcile that catches upstream
// tag moves the filesystem watcher cannot see.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler creates a scheduler running reconcile every interval.
func NewScheduler(interval time.Duration, reconcile func()) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(reconcile),
		gocron.WithName("reconcile"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile job: %w", err)
	}
	return &Scheduler{scheduler: s}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	slog.Info("Starting reconcile scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
