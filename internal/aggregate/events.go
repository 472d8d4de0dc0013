package aggregate

import (
	"aggregator/internal/notify"
	"aggregator/internal/record"
	"aggregator/pkg/cloudevent"
)

// EventBuilder builds CloudEvents for record lifecycle notifications.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a builder stamping events with source.
func NewEventBuilder(source string) *EventBuilder {
	if source == "" {
		source = "aggregator"
	}
	return &EventBuilder{source: source}
}

// SlotFilled builds the event for an applied slot write.
func (b *EventBuilder) SlotFilled(rec *record.Record, ref *record.ResultRef, filled int) *cloudevent.CloudEvent {
	return cloudevent.New(notify.EventSlotFilled, b.source, rec.ID, map[string]any{
		"recordId":       rec.ID,
		"ownerId":        rec.OwnerID,
		"slotIndex":      ref.SlotIndex,
		"url":            ref.URL,
		"materializedAt": ref.MaterializedAt,
		"filled":         filled,
		"slotCount":      rec.SlotCount,
	})
}

// RecordCompleted builds the event for the completion transition.
func (b *EventBuilder) RecordCompleted(rec *record.Record) *cloudevent.CloudEvent {
	urls := make([]string, len(rec.Slots))
	for i, s := range rec.Slots {
		if s != nil {
			urls[i] = s.URL
		}
	}
	data := map[string]any{
		"recordId":  rec.ID,
		"ownerId":   rec.OwnerID,
		"slotCount": rec.SlotCount,
		"slots":     urls,
	}
	if rec.CompletedAt != nil {
		data["completedAt"] = *rec.CompletedAt
	}
	return cloudevent.New(notify.EventRecordCompleted, b.source, rec.ID, data)
}
