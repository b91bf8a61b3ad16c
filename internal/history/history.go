// Package history exports supervisor lifecycle events to analytics stores.
package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventKill         EventType = "kill"
	EventStartFailed  EventType = "start_failed"
	EventStaleCleared EventType = "stale_cleared"
	EventRotate       EventType = "rotate"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Project    string    `json:"project"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single Send in Recorder.
const DefaultSendTimeout = 5 * time.Second

// Recorder delivers events to an optional sink. Delivery is best effort:
// failures are logged and never returned.
type Recorder struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
}

// NewRecorder returns a Recorder; a nil sink makes every Record a no-op.
func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sink: sink, log: log, timeout: DefaultSendTimeout}
}

func (r *Recorder) Enabled() bool { return r != nil && r.sink != nil }

func (r *Recorder) Record(ctx context.Context, e Event) {
	if !r.Enabled() {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		r.log.Warn("history sink failed", "event", e.Type, "error", err)
	}
}

// Close closes the sink when it holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	if c, ok := r.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
