package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"aggregator/pkg/cloudevent"
)

// WebhookRecorder is a webhook endpoint that keeps every CloudEvent it
// receives, counted by type.
type WebhookRecorder struct {
	*httptest.Server

	received atomic.Int64

	mu     sync.Mutex
	events []cloudevent.CloudEvent
	byType map[string]int64
	status int
	key    string
}

// NewWebhookRecorder starts a recorder that answers 200 until SetStatus is
// called. It is closed when the test ends.
func NewWebhookRecorder(tb testing.TB) *WebhookRecorder {
	tb.Helper()
	rec := &WebhookRecorder{byType: make(map[string]int64), status: http.StatusOK}
	rec.Server = httptest.NewServer(http.HandlerFunc(rec.serve))
	tb.Cleanup(rec.Close)
	return rec
}

func (rec *WebhookRecorder) serve(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	status, key := rec.status, rec.key
	rec.mu.Unlock()

	ev, err := cloudevent.Receive(r, key)
	switch {
	case errors.Is(err, cloudevent.ErrBadSignature):
		w.WriteHeader(http.StatusUnauthorized)
		return
	case err != nil:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if status < 300 {
		rec.mu.Lock()
		rec.events = append(rec.events, *ev)
		rec.byType[ev.Type]++
		rec.mu.Unlock()
		rec.received.Add(1)
	}
	w.WriteHeader(status)
}

// RequireSignature makes the recorder reject events not signed with key.
func (rec *WebhookRecorder) RequireSignature(key string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.key = key
}

// SetStatus changes the response code. Events answered with a non-2xx code
// are not recorded.
func (rec *WebhookRecorder) SetStatus(code int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = code
}

// Received is the number of accepted events, for WaitForCount.
func (rec *WebhookRecorder) Received() *atomic.Int64 { return &rec.received }

// Count returns how many events of eventType were accepted.
func (rec *WebhookRecorder) Count(eventType string) int64 {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.byType[eventType]
}

// Events returns a copy of the accepted events in arrival order.
func (rec *WebhookRecorder) Events() []cloudevent.CloudEvent {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]cloudevent.CloudEvent(nil), rec.events...)
}
