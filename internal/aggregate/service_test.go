package aggregate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"aggregator/internal/apperrors"
	"aggregator/internal/notify"
	"aggregator/internal/provider/fake"
	"aggregator/internal/record"
)

func TestService_CreateRecordValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	ctx := context.Background()

	tests := []struct {
		name      string
		owner     string
		slotCount int
	}{
		{"zero slots", "o", 0},
		{"too many slots", "o", 9},
		{"owner too long", string(make([]byte, record.MaxOwnerIDLength+1)), 1},
	}
	for _, tt := range tests {
		if _, err := env.svc.CreateRecord(ctx, tt.owner, tt.slotCount); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("%s: error = %v, want validation error", tt.name, err)
		}
	}

	rec := env.createRecord(t, 8)
	if rec.ID == "" || len(rec.Slots) != 8 || rec.Completed {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestService_GetRecordNotFound(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	if _, err := env.svc.GetRecord(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestService_SubmitInvalidSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 2)

	for _, slot := range []int{-1, 2} {
		if _, err := env.svc.SubmitJob(context.Background(), rec, slot, nil); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("slot %d: error = %v, want validation error", slot, err)
		}
	}
	if env.provider.Submitted() != 0 {
		t.Error("invalid submissions must not reach the provider")
	}
}

func TestService_SubmitProviderUnavailable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 1)
	env.provider.FailSubmits(fake.ErrUnavailable)

	_, err := env.svc.SubmitJob(context.Background(), rec, 0, nil)
	if !errors.Is(err, apperrors.ErrProvider) || apperrors.HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("error = %v, want provider error mapped to 502", err)
	}
}

func TestService_PollPendingThenSucceeded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 3)
	rec := env.createRecord(t, 1)
	h := env.submit(t, rec, 0)

	for i := 0; i < 2; i++ {
		res, err := env.svc.PollJob(context.Background(), env.get(t, rec.ID), 0, h.ID)
		if err != nil {
			t.Fatalf("poll %d failed: %v", i, err)
		}
		if res.Status != StatePending || res.Outcome != "" || res.ResultURL != "" {
			t.Errorf("poll %d: unexpected result %+v", i, res)
		}
	}

	res := env.pollUntilDone(t, rec.ID, 0, h.ID)
	if res.Status != StateSucceeded || res.Outcome != record.OutcomeApplied {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Completed || res.Filled != 1 || res.SlotCount != 1 {
		t.Errorf("single-slot record should complete: %+v", res)
	}
}

// Slots complete in order 2, 0, 1.
func TestService_OutOfOrderCompletion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 3)

	handles := make(map[int]*JobHandle)
	for slot := 0; slot < 3; slot++ {
		handles[slot] = env.submit(t, rec, slot)
	}

	steps := []struct {
		slot      int
		filled    int
		completed bool
	}{
		{2, 1, false},
		{0, 2, false},
		{1, 3, true},
	}
	for _, st := range steps {
		res := env.pollUntilDone(t, rec.ID, st.slot, handles[st.slot].ID)
		if res.Outcome != record.OutcomeApplied {
			t.Fatalf("slot %d: outcome = %q, want applied", st.slot, res.Outcome)
		}
		if res.Filled != st.filled || res.Completed != st.completed {
			t.Errorf("after slot %d: filled=%d completed=%v, want %d/%v", st.slot, res.Filled, res.Completed, st.filled, st.completed)
		}
		stored := env.get(t, rec.ID)
		if stored.Completed != st.completed || stored.Filled() != st.filled {
			t.Errorf("after slot %d: stored filled=%d completed=%v", st.slot, stored.Filled(), stored.Completed)
		}
	}

	if got := env.notifier.count(notify.EventSlotFilled); got != 3 {
		t.Errorf("slot filled events = %d, want 3", got)
	}
	if got := env.notifier.count(notify.EventRecordCompleted); got != 1 {
		t.Errorf("record completed events = %d, want 1", got)
	}
}

// Two polls observe success for slot 0 at the same time.
func TestService_ConcurrentPollsSameSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 2)
	h := env.submit(t, rec, 0)

	const pollers = 8
	results := make([]*PollResult, pollers)
	errs := make([]error, pollers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			// All pollers share the stale empty snapshot so each reaches the writer.
			results[i], errs[i] = env.svc.PollJob(context.Background(), rec, 0, h.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	applied := 0
	urls := make(map[string]bool)
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("poller %d failed: %v", i, errs[i])
		}
		if results[i].Outcome == record.OutcomeApplied {
			applied++
		} else if results[i].Outcome != record.OutcomeAlreadyFilled {
			t.Errorf("poller %d: outcome = %q", i, results[i].Outcome)
		}
		urls[results[i].ResultURL] = true
	}
	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
	if len(urls) != 1 {
		t.Errorf("pollers saw %d different result URLs, want 1", len(urls))
	}

	stored := env.get(t, rec.ID)
	if stored.Filled() != 1 || stored.Slots[0] == nil || stored.Slots[1] != nil {
		t.Errorf("slot 0 should hold exactly one ref: %+v", stored.Slots)
	}
	if got := env.notifier.count(notify.EventSlotFilled); got != 1 {
		t.Errorf("slot filled events = %d, want 1", got)
	}
}

func TestService_RepollSucceededJobIsStable(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 2)
	h := env.submit(t, rec, 1)

	first := env.pollUntilDone(t, rec.ID, 1, h.ID)
	stored := env.get(t, rec.ID).Slots[1]

	for i := 0; i < 5; i++ {
		res, err := env.svc.PollJob(context.Background(), env.get(t, rec.ID), 1, h.ID)
		if err != nil {
			t.Fatalf("re-poll %d failed: %v", i, err)
		}
		if res.Outcome != record.OutcomeAlreadyFilled || res.ResultURL != first.ResultURL {
			t.Errorf("re-poll %d: %+v", i, res)
		}
	}

	after := env.get(t, rec.ID).Slots[1]
	if *after != *stored {
		t.Errorf("stored ref changed: %+v -> %+v", stored, after)
	}
}

// A client that lost its handles re-submits a slot that is already filled.
func TestService_ResubmitFilledSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 2)
	stale := env.get(t, rec.ID)

	first := env.pollUntilDone(t, rec.ID, 0, env.submit(t, rec, 0).ID)
	if first.Outcome != record.OutcomeApplied {
		t.Fatalf("first outcome = %q", first.Outcome)
	}

	second := env.submit(t, env.get(t, rec.ID), 0)
	// A stale snapshot forces the second result all the way to the writer.
	res, err := env.svc.PollJob(context.Background(), stale, 0, second.ID)
	if err != nil {
		t.Fatalf("PollJob failed: %v", err)
	}
	if res.Outcome != record.OutcomeAlreadyFilled {
		t.Errorf("outcome = %q, want already-filled", res.Outcome)
	}
	if res.ResultURL != first.ResultURL {
		t.Errorf("ResultURL = %q, want the original %q", res.ResultURL, first.ResultURL)
	}

	stored := env.get(t, rec.ID)
	if stored.Slots[0].URL != first.ResultURL || stored.Filled() != 1 {
		t.Errorf("existing slot value corrupted: %+v", stored.Slots)
	}
}

func TestService_MaterializationFailureThenRetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 1)
	h := env.submit(t, rec, 0)

	// MaxRetries is 1, so two failed downloads fail the poll.
	env.provider.FailDownloads(2)
	_, err := env.svc.PollJob(context.Background(), env.get(t, rec.ID), 0, h.ID)
	if !errors.Is(err, apperrors.ErrMaterialization) {
		t.Fatalf("error = %v, want materialization error", err)
	}
	if apperrors.HTTPStatus(err) != http.StatusServiceUnavailable || !apperrors.Retryable(err) {
		t.Errorf("materialization failure should be a retryable 503")
	}
	if mid := env.get(t, rec.ID); mid.Slots[0] != nil || mid.Completed {
		t.Fatalf("no partial state may be visible after a failed materialization: %+v", mid.Slots)
	}

	res, err := env.svc.PollJob(context.Background(), env.get(t, rec.ID), 0, h.ID)
	if err != nil {
		t.Fatalf("retry poll failed: %v", err)
	}
	if res.Outcome != record.OutcomeApplied || !res.Completed {
		t.Fatalf("unexpected result %+v", res)
	}

	resp, err := http.Get(res.ResultURL)
	if err != nil {
		t.Fatalf("result URL unreachable: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != string(fake.Output(h.ID, 0)) {
		t.Errorf("result URL served %d %q", resp.StatusCode, body)
	}
}

func TestService_PollUnknownHandle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 1)

	_, err := env.svc.PollJob(context.Background(), rec, 0, "no-such-job")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
	after := env.get(t, rec.ID)
	if after.Filled() != 0 || after.Completed || !after.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("record mutated by unknown handle poll: %+v", after)
	}
}

func TestService_PollFailedJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 2)
	env.provider.FailSlot(1, "content policy violation")
	h := env.submit(t, rec, 1)

	res := env.pollUntilDone(t, rec.ID, 1, h.ID)
	if res.Status != StateFailed || res.Error != "content policy violation" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Outcome != "" || res.ResultURL != "" {
		t.Errorf("failed job must not write: %+v", res)
	}
	if env.get(t, rec.ID).Filled() != 0 {
		t.Error("failed job filled a slot")
	}

	// A re-submission for the same slot succeeds.
	env.provider.ClearFailures()
	retry := env.pollUntilDone(t, rec.ID, 1, env.submit(t, rec, 1).ID)
	if retry.Outcome != record.OutcomeApplied {
		t.Errorf("re-submission outcome = %q", retry.Outcome)
	}
}

func TestService_PollInvalidSlot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1)
	rec := env.createRecord(t, 1)
	h := env.submit(t, rec, 0)

	if _, err := env.svc.PollJob(context.Background(), rec, 3, h.ID); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("error = %v, want validation error", err)
	}
}

// flakyCompletionStore fails the next failures MarkCompleted calls.
type flakyCompletionStore struct {
	record.Store

	mu       sync.Mutex
	failures int
}

func (s *flakyCompletionStore) MarkCompleted(ctx context.Context, id string) (*record.Completion, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.Store.MarkCompleted(ctx, id)
}

func newFlakyCompletionService(t *testing.T, failures int) (*Service, *flakyCompletionStore, *testEnv) {
	t.Helper()
	env := newTestEnv(t, 1)
	store := &flakyCompletionStore{Store: env.store, failures: failures}
	svc := NewService(Deps{
		Store:    store,
		Provider: env.provider,
		Objects:  env.objects,
		Notifier: env.notifier,
	}, Config{MaxSlots: 8, CompletionRetries: 1})
	return svc, store, env
}

func TestService_PollFinishesInterruptedCompletion(t *testing.T) {
	t.Parallel()
	svc, store, env := newFlakyCompletionService(t, 2)
	ctx := context.Background()

	rec, err := svc.CreateRecord(ctx, "owner-1", 1)
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	h, err := svc.SubmitJob(ctx, rec, 0, nil)
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	_, err = svc.PollJob(ctx, rec, 0, h.ID)
	if !errors.Is(err, apperrors.ErrUnavailable) || !apperrors.Retryable(err) {
		t.Fatalf("error = %v, want retryable store error", err)
	}

	stranded, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stranded.Filled() != 1 || stranded.Completed {
		t.Fatalf("expected a filled but unmarked record, got filled=%d completed=%v", stranded.Filled(), stranded.Completed)
	}

	res, err := svc.PollJob(ctx, stranded, 0, h.ID)
	if err != nil {
		t.Fatalf("repoll failed: %v", err)
	}
	if res.Outcome != record.OutcomeAlreadyFilled || !res.Completed || res.Filled != 1 {
		t.Errorf("repoll should finish completion: %+v", res)
	}

	if _, err := svc.PollJob(ctx, stranded, 0, h.ID); err != nil {
		t.Fatalf("third poll failed: %v", err)
	}
	if n := env.notifier.count(notify.EventRecordCompleted); n != 1 {
		t.Errorf("record.completed events = %d, want 1", n)
	}
	if n := env.notifier.count(notify.EventSlotFilled); n != 1 {
		t.Errorf("slot.filled events = %d, want 1", n)
	}
}

func TestService_GetRecordFinishesInterruptedCompletion(t *testing.T) {
	t.Parallel()
	svc, _, env := newFlakyCompletionService(t, 2)
	ctx := context.Background()

	rec, _ := svc.CreateRecord(ctx, "owner-1", 1)
	h, _ := svc.SubmitJob(ctx, rec, 0, nil)
	if _, err := svc.PollJob(ctx, rec, 0, h.ID); err == nil {
		t.Fatal("expected the completion check to fail")
	}

	got, err := svc.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !got.Completed || got.CompletedAt == nil {
		t.Errorf("read should finish completion: %+v", got)
	}
	if n := env.notifier.count(notify.EventRecordCompleted); n != 1 {
		t.Errorf("record.completed events = %d, want 1", n)
	}
}

func TestService_GetRecordToleratesFailingCompletion(t *testing.T) {
	t.Parallel()
	svc, store, _ := newFlakyCompletionService(t, 100)
	ctx := context.Background()

	rec, _ := svc.CreateRecord(ctx, "owner-1", 1)
	h, _ := svc.SubmitJob(ctx, rec, 0, nil)
	_, _ = svc.PollJob(ctx, rec, 0, h.ID)

	got, err := svc.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecord should still serve the record: %v", err)
	}
	if got.Filled() != 1 || got.Completed {
		t.Errorf("unexpected record %+v", got)
	}

	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()
	got, err = svc.GetRecord(ctx, rec.ID)
	if err != nil || !got.Completed {
		t.Errorf("the next read should complete the record: %+v, %v", got, err)
	}
}
