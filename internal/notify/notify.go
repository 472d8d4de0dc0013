// Package notify delivers aggregate lifecycle CloudEvents to a webhook,
// asynchronously and best-effort. Delivery never feeds back into slot state.
package notify

import (
	"context"
	"errors"

	"aggregator/pkg/cloudevent"
)

// Event types emitted by the service.
const (
	EventSlotFilled      = "aggregate.slot.filled"
	EventRecordCompleted = "aggregate.record.completed"
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// Notifier queues events for delivery.
type Notifier interface {
	// Notify queues an event. Non-blocking.
	Notify(event *cloudevent.CloudEvent) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close drains the queue until ctx ends.
	Close(ctx context.Context) error
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Requeued     int64
	RetriesTotal int64
	BreakerOpen  bool
}

// Discard is a Notifier that drops everything, used when no webhook is configured.
type Discard struct{}

func (Discard) Notify(*cloudevent.CloudEvent) error { return nil }
func (Discard) Stats() Stats                        { return Stats{} }
func (Discard) Close(context.Context) error         { return nil }

var _ Notifier = Discard{}
