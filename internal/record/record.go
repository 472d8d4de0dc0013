// Package record defines the aggregate record and the Store contract every
// record backend implements.
//
// An aggregate record owns a fixed-length array of slots. Each slot is filled
// at most once, by whichever caller first performs the conditional write for
// it; the record's completed flag flips false→true exactly once, when the
// last empty slot is filled.
package record

import (
	"time"
)

// Limits applied when creating records.
const (
	MaxOwnerIDLength = 128
	DefaultMaxSlots  = 64
)

// ResultRef points at a materialized artifact in durable storage.
type ResultRef struct {
	URL            string    `json:"url"`
	SlotIndex      int       `json:"slotIndex"`
	MaterializedAt time.Time `json:"materializedAt"`
}

// Record is one batch of N independently filled slots.
// A nil entry in Slots is an empty slot.
type Record struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId"`
	SlotCount   int          `json:"slotCount"`
	Slots       []*ResultRef `json:"slots"`
	Completed   bool         `json:"completed"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// New returns a record with all slots empty.
func New(id, ownerID string, slotCount int, now time.Time) *Record {
	return &Record{
		ID:        id,
		OwnerID:   ownerID,
		SlotCount: slotCount,
		Slots:     make([]*ResultRef, slotCount),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Filled returns the number of non-empty slots.
func (r *Record) Filled() int {
	n := 0
	for _, s := range r.Slots {
		if s != nil {
			n++
		}
	}
	return n
}

// IsFilled reports whether slot i holds a result.
func (r *Record) IsFilled(i int) bool {
	return i >= 0 && i < len(r.Slots) && r.Slots[i] != nil
}

// EmptySlots returns the indexes of slots that have no result yet, in order.
func (r *Record) EmptySlots() []int {
	var out []int
	for i, s := range r.Slots {
		if s == nil {
			out = append(out, i)
		}
	}
	return out
}

// ValidSlot reports whether i addresses a slot of this record.
func (r *Record) ValidSlot(i int) bool {
	return i >= 0 && i < r.SlotCount
}

// Outcome is the observable result of a conditional slot write.
type Outcome string

const (
	// OutcomeApplied means this call filled the slot.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyFilled means another caller won; this call was a no-op.
	OutcomeAlreadyFilled Outcome = "already-filled"
)

// FillResult reports a conditional slot write.
// Current is the ref stored in the slot after the call: the caller's ref when
// applied, the winner's ref when already filled.
type FillResult struct {
	Outcome Outcome
	Current *ResultRef
}

// Completion reports a completion check.
type Completion struct {
	Filled       int  `json:"filled"`
	SlotCount    int  `json:"slotCount"`
	Completed    bool `json:"completed"`
	Transitioned bool `json:"transitioned"` // this call flipped completed to true
}
