package xpos

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	EventPublishStart EventType = "publish_start"
	EventPublishDone  EventType = "publish_done"
	EventConsumeStart EventType = "consume_start"
	EventConsumeDone  EventType = "consume_done"
	EventAck          EventType = "ack"
	EventNack         EventType = "nack"
	EventCommit       EventType = "commit"
	EventRollback     EventType = "rollback"
	EventError        EventType = "error"
)

// BusEvent carries telemetry for observers. Session events carry the session
// name in Group and the number of staged messages in Staged.
type BusEvent struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	EventName string
	Staged    int
	Duration  time.Duration
	Err       error

	// attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	Panics       uint64 // Observer panics recovered by workers
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published           uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Committed           uint64
	RolledBack          uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for readiness checks.
type HealthStatus struct {
	Status    string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Metrics   Metrics   `json:"metrics"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}
