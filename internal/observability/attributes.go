// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrSuccess   = "success"
	attrOutcome   = "outcome"
	attrJobStatus = "job_status"
	attrSlotCount = "slot_count"

	AttrRecordID  = "aggregate.record_id"
	AttrSlotIndex = "aggregate.slot_index"
	AttrJobID     = "aggregate.job_id"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

// slotCountAttr buckets record sizes so each distinct N is not its own series.
func slotCountAttr(n int) attribute.KeyValue {
	var bucket string
	switch {
	case n <= 1:
		bucket = "1"
	case n <= 4:
		bucket = "2-4"
	case n <= 16:
		bucket = "5-16"
	default:
		bucket = "17+"
	}
	return attribute.String(attrSlotCount, bucket)
}

// RecordAttr tags a span with the record id.
func RecordAttr(id string) attribute.KeyValue { return attribute.String(AttrRecordID, id) }

// SlotAttr tags a span with the slot index.
func SlotAttr(slot int) attribute.KeyValue { return attribute.Int(AttrSlotIndex, slot) }

// JobAttr tags a span with the provider job id.
func JobAttr(id string) attribute.KeyValue { return attribute.String(AttrJobID, id) }

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/jobs/") && strings.HasSuffix(path, "/status"):
		return "/v1/jobs/{jobId}/status"
	case strings.HasPrefix(path, "/v1/records/") && len(path) > len("/v1/records/"):
		return "/v1/records/{recordId}"
	case strings.HasPrefix(path, "/objects/"):
		return "/objects/{key}"
	case strings.HasPrefix(path, "/fake-outputs/"):
		return "/fake-outputs/{id}"
	}
	return path
}
