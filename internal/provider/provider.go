// Package provider defines the contract this service needs from an external
// asynchronous inference provider.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrJobNotFound is returned by Status for an id the provider does not know.
var ErrJobNotFound = errors.New("provider job not found")

// SubmitRequest is one job submission. Parameters are forwarded verbatim.
type SubmitRequest struct {
	RecordID   string
	SlotIndex  int
	Parameters json.RawMessage
}

// NativeStatus is the provider's own view of a job.
type NativeStatus struct {
	ID      string
	State   string   // provider-native state string
	Outputs []string // transient output locations, set on success
	Error   string   // provider error text, set on failure
}

// OutputURL returns the first non-empty output location.
func (s *NativeStatus) OutputURL() string {
	for _, o := range s.Outputs {
		if o = strings.TrimSpace(o); o != "" {
			return o
		}
	}
	return ""
}

// Provider submits jobs and reports their native status.
type Provider interface {
	// Submit starts one job and returns the provider's job id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Status returns the job's current native status. It is read-only and
	// safe to repeat; a succeeded job keeps reporting the same outputs.
	Status(ctx context.Context, id string) (*NativeStatus, error)

	// Ready reports whether the provider is currently usable.
	Ready(ctx context.Context) error
}

// StatusError is a non-2xx response from the provider API.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: provider returned status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: provider returned status %d: %s", e.Op, e.Code, e.Body)
}

// Rejected reports whether the provider refused the request itself
// (bad parameters, quota) rather than failing to serve it.
func (e *StatusError) Rejected() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != 429
}

// IsRejected reports whether err carries a provider rejection.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Rejected()
}
