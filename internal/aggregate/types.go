// Package aggregate implements the submit and poll pipeline that fills an
// aggregate record's slots from independently completing provider jobs.
//
// A poll that observes success runs materialization, the conditional slot
// write, and the completion check synchronously in the same request. There is
// no background worker: every step is idempotent and safe to repeat.
package aggregate

import (
	"encoding/json"

	"aggregator/internal/record"
)

// State is the translated provider job state.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// JobHandle is an in-flight provider job. Status is a cache of the last
// observation; the provider is authoritative until the slot is written.
type JobHandle struct {
	ID        string `json:"jobHandleId"`
	RecordID  string `json:"recordId"`
	SlotIndex int    `json:"slotIndex"`
	Status    State  `json:"status"`
}

// SubmitRequest asks for one job for one slot.
type SubmitRequest struct {
	RecordID   string          `json:"recordId"`
	SlotIndex  int             `json:"slotIndex"`
	Parameters json.RawMessage `json:"parameters"`
}

// PollResult is the response to a status poll.
// Outcome is set only when the poll observed success.
type PollResult struct {
	HandleID  string         `json:"jobHandleId"`
	Status    State          `json:"status"`
	ResultURL string         `json:"resultUrl,omitempty"`
	Error     string         `json:"error,omitempty"`
	Outcome   record.Outcome `json:"outcome,omitempty"`
	Completed bool           `json:"completed"`
	Filled    int            `json:"filled"`
	SlotCount int            `json:"slotCount"`
}
