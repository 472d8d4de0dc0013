// Package memory implements record.Store in process memory.
//
// Every conditional write runs inside one critical section of the store's
// mutex, which is this backend's native compare-and-set. It is only safe
// when a single service instance owns the records; use a database backend
// for horizontally scaled deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aggregator/internal/record"
)

// Store is a thread-safe in-memory record store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record.Record
	now     func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]*record.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a copy of rec.
func (s *Store) Create(_ context.Context, rec *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", record.ErrExists, rec.ID)
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

// Get returns a snapshot of the record.
func (s *Store) Get(_ context.Context, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, record.ErrNotFound
	}
	return clone(rec), nil
}

// FillSlot sets the slot if it is empty.
func (s *Store) FillSlot(_ context.Context, id string, slot int, ref *record.ResultRef) (*record.FillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, record.ErrNotFound
	}
	if !rec.ValidSlot(slot) {
		return nil, record.ErrSlotOutOfRange
	}

	if current := rec.Slots[slot]; current != nil {
		c := *current
		return &record.FillResult{Outcome: record.OutcomeAlreadyFilled, Current: &c}, nil
	}

	stored := *ref
	stored.SlotIndex = slot
	rec.Slots[slot] = &stored
	rec.UpdatedAt = s.now()

	out := stored
	return &record.FillResult{Outcome: record.OutcomeApplied, Current: &out}, nil
}

// MarkCompleted flips the completed flag once every slot is filled.
func (s *Store) MarkCompleted(_ context.Context, id string) (*record.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, record.ErrNotFound
	}

	c := &record.Completion{
		Filled:    rec.Filled(),
		SlotCount: rec.SlotCount,
		Completed: rec.Completed,
	}
	if !rec.Completed && c.Filled == rec.SlotCount {
		now := s.now()
		rec.Completed = true
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		c.Completed = true
		c.Transitioned = true
	}
	return c, nil
}

// Ready always succeeds.
func (s *Store) Ready(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func clone(rec *record.Record) *record.Record {
	out := *rec
	out.Slots = make([]*record.ResultRef, len(rec.Slots))
	for i, ref := range rec.Slots {
		if ref != nil {
			r := *ref
			out.Slots[i] = &r
		}
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

var _ record.Store = (*Store)(nil)
