package record

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSlotOutOfRange is returned when a slot index is outside [0, SlotCount).
	ErrSlotOutOfRange = errors.New("slot index out of range")
	// ErrExists is returned by Create for a duplicate record ID.
	ErrExists = errors.New("record already exists")
)

// Store persists aggregate records.
//
// # Concurrency contract
//
// FillSlot and MarkCompleted MUST each be a single conditional write native
// to the backend (compare-and-set, UPDATE ... WHERE, HSETNX, ...). They are
// called concurrently from any number of request handlers, in any number of
// processes, for the same record and slot. Implementations must never read
// the slot in one operation and write it in another.
//
// Slot contents are never cleared and records are never deleted.
type Store interface {
	// Create persists a new record with all slots empty.
	Create(ctx context.Context, rec *Record) error

	// Get returns the current state of a record.
	Get(ctx context.Context, id string) (*Record, error)

	// FillSlot sets slots[slot] = ref only if that slot is currently empty.
	// Both outcomes are success; an error means the write state is unknown
	// and the caller should retry.
	FillSlot(ctx context.Context, id string, slot int, ref *ResultRef) (*FillResult, error)

	// MarkCompleted sets completed = true only if it is currently false and
	// every slot is filled, with the count taken from the stored record.
	MarkCompleted(ctx context.Context, id string) (*Completion, error)

	// Ready checks that the backend is reachable.
	Ready(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}
