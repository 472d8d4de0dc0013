// Package storetest holds the behavioral suite every record.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aggregator/internal/record"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) record.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("FillSlotFirstWriterWins", func(t *testing.T) { testFillSlotFirstWriterWins(t, newStore(t)) })
	t.Run("FillSlotErrors", func(t *testing.T) { testFillSlotErrors(t, newStore(t)) })
	t.Run("ConcurrentFillSameSlot", func(t *testing.T) { testConcurrentFillSameSlot(t, newStore(t)) })
	t.Run("OutOfOrderCompletion", func(t *testing.T) { testOutOfOrderCompletion(t, newStore(t)) })
	t.Run("ConcurrentCompletion", func(t *testing.T) { testConcurrentCompletion(t, newStore(t)) })
	t.Run("MarkCompletedUnknown", func(t *testing.T) { testMarkCompletedUnknown(t, newStore(t)) })
}

func newRecord(t *testing.T, s record.Store, slots int) *record.Record {
	t.Helper()
	rec := record.New(uuid.NewString(), "owner-1", slots, time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, s.Create(context.Background(), rec))
	return rec
}

func ref(slot int, url string) *record.ResultRef {
	return &record.ResultRef{
		URL:            url,
		SlotIndex:      slot,
		MaterializedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testCreateAndGet(t *testing.T, s record.Store) {
	ctx := context.Background()
	rec := newRecord(t, s, 4)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, 4, got.SlotCount)
	require.Len(t, got.Slots, 4)
	for i, slot := range got.Slots {
		assert.Nil(t, slot, "slot %d should start empty", i)
	}
	assert.False(t, got.Completed)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Second)
}

func testGetUnknown(t *testing.T, s record.Store) {
	_, err := s.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func testCreateDuplicate(t *testing.T, s record.Store) {
	rec := newRecord(t, s, 2)
	err := s.Create(context.Background(), record.New(rec.ID, "someone-else", 5, time.Now().UTC()))
	assert.ErrorIs(t, err, record.ErrExists)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID, "duplicate create must not overwrite")
	assert.Equal(t, 2, got.SlotCount)
}

func testFillSlotFirstWriterWins(t *testing.T, s record.Store) {
	ctx := context.Background()
	rec := newRecord(t, s, 2)

	first, err := s.FillSlot(ctx, rec.ID, 1, ref(1, "https://cdn.example/first"))
	require.NoError(t, err)
	assert.Equal(t, record.OutcomeApplied, first.Outcome)
	require.NotNil(t, first.Current)
	assert.Equal(t, "https://cdn.example/first", first.Current.URL)

	for i := 0; i < 3; i++ {
		again, err := s.FillSlot(ctx, rec.ID, 1, ref(1, fmt.Sprintf("https://cdn.example/late-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, record.OutcomeAlreadyFilled, again.Outcome)
		require.NotNil(t, again.Current)
		assert.Equal(t, "https://cdn.example/first", again.Current.URL, "winner's ref must be reported")
	}

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Slots[1])
	assert.Equal(t, "https://cdn.example/first", got.Slots[1].URL)
	assert.Equal(t, 1, got.Slots[1].SlotIndex)
	assert.Nil(t, got.Slots[0])
	assert.False(t, got.Completed)
}

func testFillSlotErrors(t *testing.T, s record.Store) {
	ctx := context.Background()
	rec := newRecord(t, s, 2)

	_, err := s.FillSlot(ctx, rec.ID, 2, ref(2, "https://cdn.example/x"))
	assert.ErrorIs(t, err, record.ErrSlotOutOfRange)

	_, err = s.FillSlot(ctx, rec.ID, -1, ref(-1, "https://cdn.example/x"))
	assert.ErrorIs(t, err, record.ErrSlotOutOfRange)

	_, err = s.FillSlot(ctx, uuid.NewString(), 0, ref(0, "https://cdn.example/x"))
	assert.ErrorIs(t, err, record.ErrNotFound)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Filled())
}

func testConcurrentFillSameSlot(t *testing.T, s record.Store) {
	ctx := context.Background()
	rec := newRecord(t, s, 3)

	const callers = 16
	results := make([]*record.FillResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.FillSlot(ctx, rec.ID, 0, ref(0, fmt.Sprintf("https://cdn.example/caller-%d", i)))
		}(i)
	}
	close(start)
	wg.Wait()

	applied := 0
	winner := ""
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if results[i].Outcome == record.OutcomeApplied {
			applied++
			winner = fmt.Sprintf("https://cdn.example/caller-%d", i)
		} else {
			assert.Equal(t, record.OutcomeAlreadyFilled, results[i].Outcome)
		}
	}
	require.Equal(t, 1, applied, "exactly one caller must fill the slot")

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Slots[0])
	assert.Equal(t, winner, got.Slots[0].URL)
	assert.Equal(t, 1, got.Filled())
}

func testOutOfOrderCompletion(t *testing.T, s record.Store) {
	ctx := context.Background()
	rec := newRecord(t, s, 3)

	steps := []struct {
		slot      int
		filled    int
		completed bool
	}{
		{2, 1, false},
		{0, 2, false},
		{1, 3, true},
	}

	for _, step := range steps {
		res, err := s.FillSlot(ctx, rec.ID, step.slot, ref(step.slot, fmt.Sprintf("https://cdn.example/%d", step.slot)))
		require.NoError(t, err)
		require.Equal(t, record.OutcomeApplied, res.Outcome)

		c, err := s.MarkCompleted(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, step.filled, c.Filled, "after slot %d", step.slot)
		assert.Equal(t, 3, c.SlotCount)
		assert.Equal(t, step.completed, c.Completed, "after slot %d", step.slot)
		assert.Equal(t, step.completed, c.Transitioned, "after slot %d", step.slot)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, step.completed, got.Completed)
	}

	again, err := s.MarkCompleted(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, again.Completed)
	assert.False(t, again.Transitioned, "completion must transition only once")

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	for i := range got.Slots {
		require.NotNil(t, got.Slots[i])
		assert.Equal(t, fmt.Sprintf("https://cdn.example/%d", i), got.Slots[i].URL)
	}
}

func testConcurrentCompletion(t *testing.T, s record.Store) {
	ctx := context.Background()
	const slots = 8
	rec := newRecord(t, s, slots)

	var mu sync.Mutex
	transitions := 0

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < slots; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(slot, dup int) {
				defer wg.Done()
				<-start
				res, err := s.FillSlot(ctx, rec.ID, slot, ref(slot, fmt.Sprintf("https://cdn.example/%d-%d", slot, dup)))
				if !assert.NoError(t, err) || res.Outcome != record.OutcomeApplied {
					return
				}
				c, err := s.MarkCompleted(ctx, rec.ID)
				if !assert.NoError(t, err) {
					return
				}
				if c.Transitioned {
					mu.Lock()
					transitions++
					mu.Unlock()
				}
			}(i, dup)
		}
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, transitions, "completed must flip exactly once")

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, slots, got.Filled())
}

func testMarkCompletedUnknown(t *testing.T, s record.Store) {
	_, err := s.MarkCompleted(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, record.ErrNotFound)
}
