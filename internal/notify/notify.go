// Package notify publishes run outcome events for downstream consumers such
// as dashboards and chat integrations.
package notify

import (
	"context"
	"time"
)

// OutcomeEvent is emitted once per orchestration run, whatever its outcome.
type OutcomeEvent struct {
	RunID         string            `json:"run_id"`
	Manifest      string            `json:"manifest"`
	Identifier    string            `json:"identifier"`
	Outcome       string            `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	Commit        string            `json:"commit,omitempty"`
	Platforms     map[string]string `json:"platforms,omitempty"`
	PublishedRefs []string          `json:"published_refs,omitempty"`
	Error         string            `json:"error,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Notifier delivers outcome events. Delivery failures are logged by the
// caller and never affect the run outcome.
type Notifier interface {
	PublishOutcome(ctx context.Context, event *OutcomeEvent) error
	Close() error
}

// NoopNotifier satisfies Notifier when notifications are disabled.
type NoopNotifier struct{}

func (NoopNotifier) PublishOutcome(context.Context, *OutcomeEvent) error { return nil }
func (NoopNotifier) Close() error                                       { return nil }
