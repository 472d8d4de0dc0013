package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aggregator/internal/apperrors"
	"aggregator/internal/record"
)

// WriteResult reports which side of the race this write was on.
// Current is the ref stored in the slot afterwards.
type WriteResult struct {
	Outcome record.Outcome
	Current *record.ResultRef
}

// Applied reports whether this call filled the slot.
func (r *WriteResult) Applied() bool { return r.Outcome == record.OutcomeApplied }

// SlotWriter performs the first-writer-wins slot write.
// already-filled is a successful no-op, never an error.
type SlotWriter struct {
	store  record.Store
	logger *slog.Logger
}

// NewSlotWriter creates a writer over store.
func NewSlotWriter(store record.Store) *SlotWriter {
	return &SlotWriter{store: store, logger: slog.With("component", "slot-writer")}
}

// Write sets slots[slot] = ref only if the slot is empty, as one conditional
// write in the store.
func (w *SlotWriter) Write(ctx context.Context, recordID string, slot int, ref *record.ResultRef) (*WriteResult, error) {
	if ref == nil || ref.URL == "" {
		return nil, apperrors.Validation("resultRef", "result reference must carry a URL")
	}
	if ref.SlotIndex != slot {
		return nil, apperrors.Validation("slotIndex", fmt.Sprintf("result reference is for slot %d, not %d", ref.SlotIndex, slot))
	}

	res, err := w.store.FillSlot(ctx, recordID, slot, ref)
	if err != nil {
		return nil, mapStoreError("slot write", recordID, err)
	}

	logger := w.logger.With("recordId", recordID, "slot", slot, "outcome", res.Outcome)
	if res.Outcome == record.OutcomeApplied {
		logger.Info("Slot filled", "url", ref.URL)
	} else {
		logger.Info("Slot already filled, result discarded", "storedUrl", currentURL(res.Current))
	}
	return &WriteResult{Outcome: res.Outcome, Current: res.Current}, nil
}

func currentURL(ref *record.ResultRef) string {
	if ref == nil {
		return ""
	}
	return ref.URL
}

// mapStoreError converts store errors to application errors. Anything the
// store does not classify is a backend failure the caller retries.
func mapStoreError(op, recordID string, err error) error {
	switch {
	case errors.Is(err, record.ErrNotFound):
		return apperrors.NotFound("record", recordID)
	case errors.Is(err, record.ErrSlotOutOfRange):
		return apperrors.Validation("slotIndex", "slotIndex is out of range for this record")
	case errors.Is(err, record.ErrExists):
		return apperrors.Conflict("record", recordID, "record already exists")
	default:
		return apperrors.Unavailable(op, err)
	}
}
