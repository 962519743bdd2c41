// Package audit keeps an append-only record of pipeline runs: stage
// transitions, per-platform results, publications and failures. It is the
// durable trail used to diagnose a run without re-executing it.
package audit

import (
	"time"
)

// EventType names a pipeline lifecycle event.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStageFinished EventType = "stage_finished"
	EventPlatformBuilt EventType = "platform_built"
	EventPublished     EventType = "published"
	EventRunFailed     EventType = "run_failed"
	EventRunSkipped    EventType = "run_skipped"
	EventRunSucceeded  EventType = "run_succeeded"
)

// Event is one recorded audit entry.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Manifest  string    `json:"manifest"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}
