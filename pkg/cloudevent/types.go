// Package cloudevent sends and receives CloudEvents 1.0 in structured mode,
// optionally signed with HMAC-SHA256.
package cloudevent

import (
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents version emitted and accepted.
const SpecVersion = "1.0"

// CloudEvent is a structured-mode CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates an event with a random id stamped with the current time.
func New(eventType, source, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// headers mirrors the context attributes as Ce- headers so receivers can
// route without parsing the body.
func (e *CloudEvent) headers() map[string]string {
	h := map[string]string{
		"Ce-Specversion": e.SpecVersion,
		"Ce-Type":        e.Type,
		"Ce-Source":      e.Source,
		"Ce-Id":          e.ID,
		"Ce-Time":        e.Time.Format(time.RFC3339Nano),
	}
	if e.Subject != "" {
		h["Ce-Subject"] = e.Subject
	}
	return h
}
