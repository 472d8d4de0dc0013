package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func promptParams(slot int) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"prompt":"variant %d"}`, slot)), nil
}

func TestPoller_FillsEverySlot(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	rec, err := env.client.CreateRecord(ctx, "", 4)
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	var ev events
	handles := NewMemoryHandleStore()
	poller := NewPoller(env.client, handles, PollerConfig{
		Interval:    5 * time.Millisecond,
		MaxAttempts: 20,
		Observer:    ev.observe,
	})

	report, err := poller.Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Completed || report.Filled != 4 || report.SlotCount != 4 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(report.Failed) != 0 || len(report.Stalled) != 0 {
		t.Errorf("unexpected failures: %+v", report)
	}
	if ev.count(EventSubmitted) != 4 || ev.count(EventFilled) != 4 {
		t.Errorf("unexpected events: %+v", ev.list)
	}
	if env.provider.Submitted() != 4 {
		t.Errorf("expected 4 submissions, got %d", env.provider.Submitted())
	}

	left, _ := handles.Load(rec.ID)
	if len(left) != 0 {
		t.Errorf("handles should be cleared once filled, got %v", left)
	}

	// A second run on a complete record does nothing.
	report, err = poller.Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !report.Completed || env.provider.Submitted() != 4 {
		t.Errorf("second run should be a no-op: %+v, submitted=%d", report, env.provider.Submitted())
	}
}

func TestPoller_ResumesSavedHandles(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	rec, err := env.client.CreateRecord(ctx, "", 3)
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	// A previous process submitted slots 0 and 2 and then died.
	handles := NewFileHandleStore(filepath.Join(t.TempDir(), "handles.json"))
	saved := map[int]string{}
	for _, slot := range []int{0, 2} {
		h, err := env.client.SubmitJob(ctx, rec.ID, slot, nil)
		if err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}
		saved[slot] = h.ID
	}
	if err := handles.Save(rec.ID, saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var ev events
	report, err := NewPoller(env.client, handles, PollerConfig{
		Interval:    5 * time.Millisecond,
		MaxAttempts: 20,
		Observer:    ev.observe,
	}).Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.Completed {
		t.Errorf("expected completion: %+v", report)
	}
	if env.provider.Submitted() != 3 {
		t.Errorf("only the slot without a handle should be submitted, total = %d", env.provider.Submitted())
	}
	if ev.count(EventSubmitted) != 1 {
		t.Errorf("expected 1 submitted event, got %d", ev.count(EventSubmitted))
	}
}

func TestPoller_DropsHandlesForFilledSlots(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 2)
	h, err := env.client.SubmitJob(ctx, rec.ID, 0, nil)
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	if _, err := env.client.JobStatus(ctx, h.ID, rec.ID, 0); err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}

	handles := NewMemoryHandleStore()
	_ = handles.Save(rec.ID, map[int]string{0: h.ID})

	report, err := NewPoller(env.client, handles, PollerConfig{Interval: 5 * time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Completed {
		t.Errorf("expected completion: %+v", report)
	}
	if env.provider.Submitted() != 2 {
		t.Errorf("filled slot must not be resubmitted, submitted = %d", env.provider.Submitted())
	}
}

func TestPoller_StalledKeepsHandles(t *testing.T) {
	env := newTestEnv(t, 100)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 2)

	var ev events
	handles := NewMemoryHandleStore()
	report, err := NewPoller(env.client, handles, PollerConfig{
		Interval:    time.Millisecond,
		MaxAttempts: 3,
		Observer:    ev.observe,
	}).Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Completed || report.Filled != 0 {
		t.Errorf("nothing should be filled: %+v", report)
	}
	if len(report.Stalled) != 2 || report.Stalled[0] != 0 || report.Stalled[1] != 1 {
		t.Errorf("expected slots 0 and 1 stalled, got %v", report.Stalled)
	}
	if ev.count(EventStalled) != 2 {
		t.Errorf("expected 2 stalled events, got %d", ev.count(EventStalled))
	}

	saved, _ := handles.Load(rec.ID)
	if len(saved) != 2 {
		t.Errorf("stalled handles should be kept for the next run, got %v", saved)
	}
}

func TestPoller_ResubmitsFailedSlot(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 2)
	env.provider.FailSlot(1, "nsfw filter")

	var ev events
	report, err := NewPoller(env.client, nil, PollerConfig{
		Interval:     time.Millisecond,
		MaxAttempts:  10,
		MaxResubmits: 1,
		Observer: func(e Event) {
			ev.observe(e)
			if e.Kind == EventFailed {
				env.provider.ClearFailures()
			}
		},
	}).Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.Completed || len(report.Failed) != 0 {
		t.Errorf("expected completion after resubmit: %+v", report)
	}
	if ev.count(EventFailed) != 1 || ev.count(EventResubmitted) != 1 {
		t.Errorf("unexpected events: %+v", ev.list)
	}
	for _, e := range ev.list {
		if e.Kind == EventFailed && (e.Slot != 1 || e.Err == nil) {
			t.Errorf("failed event should carry slot 1 and an error: %+v", e)
		}
	}
}

func TestPoller_ReportsFailedSlot(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 3)
	env.provider.FailSlot(2, "bad prompt")

	handles := NewMemoryHandleStore()
	report, err := NewPoller(env.client, handles, PollerConfig{Interval: time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Completed || report.Filled != 2 {
		t.Errorf("expected 2 of 3 filled: %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != 2 {
		t.Errorf("expected slot 2 failed, got %v", report.Failed)
	}
	saved, _ := handles.Load(rec.ID)
	if _, ok := saved[2]; ok {
		t.Error("failed job handle should be dropped so the next run resubmits")
	}

	// The next run resubmits the failed slot and completes the record.
	env.provider.ClearFailures()
	report, err = NewPoller(env.client, handles, PollerConfig{Interval: time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !report.Completed {
		t.Errorf("expected completion on the second run: %+v", report)
	}
}

func TestPoller_UnknownSavedHandleResubmits(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 1)
	handles := NewMemoryHandleStore()
	_ = handles.Save(rec.ID, map[int]string{0: "forgotten-by-provider"})

	report, err := NewPoller(env.client, handles, PollerConfig{Interval: time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Completed || env.provider.Submitted() != 1 {
		t.Errorf("expected one resubmission and completion: %+v, submitted=%d", report, env.provider.Submitted())
	}
}

func TestPoller_FatalErrors(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	if _, err := NewPoller(env.client, nil, PollerConfig{}).Run(ctx, "missing", promptParams); err == nil {
		t.Error("expected error for missing record")
	}

	rec, _ := env.client.CreateRecord(ctx, "", 1)
	paramErr := errors.New("no prompt for slot")
	_, err := NewPoller(env.client, nil, PollerConfig{Interval: time.Millisecond}).Run(ctx, rec.ID,
		func(int) (json.RawMessage, error) { return nil, paramErr })
	if !errors.Is(err, paramErr) {
		t.Errorf("expected params error, got %v", err)
	}
}

func TestPoller_CancelKeepsProgress(t *testing.T) {
	env := newTestEnv(t, 1000)
	rec, _ := env.client.CreateRecord(context.Background(), "", 2)

	ctx, cancel := context.WithCancel(context.Background())
	handles := NewMemoryHandleStore()
	submitted := make(chan struct{}, 2)
	poller := NewPoller(env.client, handles, PollerConfig{
		Interval: 5 * time.Millisecond,
		Observer: func(e Event) {
			if e.Kind == EventSubmitted {
				submitted <- struct{}{}
			}
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := poller.Run(ctx, rec.ID, promptParams)
		done <- err
	}()

	<-submitted
	<-submitted
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	saved, _ := handles.Load(rec.ID)
	if len(saved) != 2 {
		t.Errorf("handles should survive cancellation, got %v", saved)
	}
}

func TestPoller_SlotErrorLeavesOtherSlotsRunning(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 3)
	env.faults.inject(statusPoll("1"), 1, http.StatusInternalServerError,
		`{"error":"slot write: connection reset","code":"internal","retryable":false}`)

	var ev events
	handles := NewMemoryHandleStore()
	report, err := NewPoller(env.client, handles, PollerConfig{
		Interval:    time.Millisecond,
		MaxAttempts: 10,
		Observer:    ev.observe,
	}).Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Filled != 2 || report.Completed {
		t.Errorf("expected slots 0 and 2 filled: %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != 1 {
		t.Errorf("expected slot 1 failed, got %v", report.Failed)
	}
	for _, e := range ev.list {
		if e.Kind != EventFailed {
			continue
		}
		var apiErr *APIError
		if e.Slot != 1 || !errors.As(e.Err, &apiErr) || apiErr.Code != "internal" {
			t.Errorf("unexpected failed event: %+v", e)
		}
	}
	saved, _ := handles.Load(rec.ID)
	if _, ok := saved[1]; !ok {
		t.Error("the abandoned slot's handle should be kept for the next run")
	}

	report, err = NewPoller(env.client, handles, PollerConfig{Interval: time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if !report.Completed || env.provider.Submitted() != 3 {
		t.Errorf("second run should finish slot 1 from its saved handle: %+v, submitted=%d", report, env.provider.Submitted())
	}
}

func TestPoller_RetriesStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 3)
	env.faults.inject(statusPoll("0"), 2, http.StatusServiceUnavailable,
		`{"error":"slot write: connection reset","code":"store_unavailable","retryable":true}`)

	report, err := NewPoller(env.client, nil, PollerConfig{Interval: time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Completed || len(report.Failed) != 0 {
		t.Errorf("transient store errors should be retried: %+v", report)
	}
}

func TestPoller_RefusedCredentialsEndRun(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx := context.Background()

	rec, _ := env.client.CreateRecord(ctx, "", 2)
	env.faults.inject(statusPoll("0"), 1, http.StatusUnauthorized, `{"error":"invalid API key","code":"unauthorized"}`)

	_, err := NewPoller(env.client, nil, PollerConfig{Interval: time.Millisecond, MaxAttempts: 10}).
		Run(ctx, rec.ID, promptParams)
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Errorf("expected the 401 to end the run, got %v", err)
	}
}
