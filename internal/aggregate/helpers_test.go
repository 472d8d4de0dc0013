package aggregate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"aggregator/internal/notify"
	"aggregator/internal/provider/fake"
	"aggregator/internal/record"
	"aggregator/internal/record/memory"
	"aggregator/internal/storage/fs"
	"aggregator/pkg/backoff"
	"aggregator/pkg/cloudevent"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

func (n *recordingNotifier) Notify(ev *cloudevent.CloudEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Stats() notify.Stats         { return notify.Stats{} }
func (n *recordingNotifier) Close(context.Context) error { return nil }

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == eventType {
			c++
		}
	}
	return c
}

type testEnv struct {
	svc      *Service
	store    *memory.Store
	provider *fake.Provider
	objects  *fs.Store
	server   *httptest.Server
	notifier *recordingNotifier
}

// newTestEnv wires a service over the in-memory store, the fake provider and
// filesystem storage, with provider outputs and stored objects served by one
// test server.
func newTestEnv(t *testing.T, pollsToSucceed int) *testEnv {
	t.Helper()

	prov := fake.New(fake.Config{PollsToSucceed: pollsToSucceed})
	mux := http.NewServeMux()
	mux.Handle(fake.OutputPath, prov.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	prov.SetOutputBaseURL(srv.URL)

	objects, err := fs.New(t.TempDir(), srv.URL+"/objects")
	if err != nil {
		t.Fatalf("fs.New failed: %v", err)
	}
	mux.Handle("GET /objects/{key...}", objects.Handler())

	store := memory.New()
	notifier := &recordingNotifier{}
	svc := NewService(Deps{
		Store:    store,
		Provider: prov,
		Objects:  objects,
		Notifier: notifier,
	}, Config{
		MaxSlots: 8,
		Materializer: MaterializerConfig{
			MaxRetries: 1,
			Backoff:    &backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		},
	})

	return &testEnv{
		svc:      svc,
		store:    store,
		provider: prov,
		objects:  objects,
		server:   srv,
		notifier: notifier,
	}
}

func (e *testEnv) createRecord(t *testing.T, n int) *record.Record {
	t.Helper()
	rec, err := e.svc.CreateRecord(context.Background(), "owner-1", n)
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	return rec
}

func (e *testEnv) get(t *testing.T, id string) *record.Record {
	t.Helper()
	rec, err := e.svc.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	return rec
}

func (e *testEnv) submit(t *testing.T, rec *record.Record, slot int) *JobHandle {
	t.Helper()
	h, err := e.svc.SubmitJob(context.Background(), rec, slot, nil)
	if err != nil {
		t.Fatalf("SubmitJob(slot %d) failed: %v", slot, err)
	}
	return h
}

// pollUntilDone polls with a fresh record snapshot until the job leaves pending.
func (e *testEnv) pollUntilDone(t *testing.T, recordID string, slot int, handleID string) *PollResult {
	t.Helper()
	for i := 0; i < 20; i++ {
		res, err := e.svc.PollJob(context.Background(), e.get(t, recordID), slot, handleID)
		if err != nil {
			t.Fatalf("PollJob(slot %d) failed: %v", slot, err)
		}
		if res.Status != StatePending {
			return res
		}
	}
	t.Fatalf("job %s still pending after 20 polls", handleID)
	return nil
}
