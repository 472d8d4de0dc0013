package aggregate

import (
	"context"
	"log/slog"

	"aggregator/internal/record"
)

// CompletionDetector flips a record's completed flag exactly once.
type CompletionDetector struct {
	store  record.Store
	logger *slog.Logger
}

// NewCompletionDetector creates a detector over store.
func NewCompletionDetector(store record.Store) *CompletionDetector {
	return &CompletionDetector{store: store, logger: slog.With("component", "completion")}
}

// Check recounts filled slots from the stored record and marks it completed
// when all are filled. Only the call that performs the transition reports
// Transitioned, so concurrent last-slot writers cannot both complete it.
func (d *CompletionDetector) Check(ctx context.Context, recordID string) (*record.Completion, error) {
	c, err := d.store.MarkCompleted(ctx, recordID)
	if err != nil {
		return nil, mapStoreError("completion check", recordID, err)
	}
	if c.Transitioned {
		d.logger.Info("Record completed", "recordId", recordID, "slotCount", c.SlotCount)
	} else {
		d.logger.Debug("Record not complete", "recordId", recordID, "filled", c.Filled, "slotCount", c.SlotCount)
	}
	return c, nil
}
