package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aggregator/internal/apperrors"
	"aggregator/internal/provider"
)

// Translation is the provider's view of a job mapped onto State.
type Translation struct {
	HandleID  string
	State     State
	Native    string
	OutputURL string // set when State is succeeded
	Error     string // set when State is failed
}

// Translator queries the provider and maps native states.
// It is read-only and may be called any number of times per handle.
type Translator struct {
	provider provider.Provider
}

// NewTranslator creates a translator over p.
func NewTranslator(p provider.Provider) *Translator {
	return &Translator{provider: p}
}

var errMissingOutput = errors.New("provider reported success without an output location")

// Translate fetches the job status. Unknown handles map to a not found error.
func (t *Translator) Translate(ctx context.Context, handleID string) (*Translation, error) {
	if strings.TrimSpace(handleID) == "" {
		return nil, apperrors.Validation("jobId", "job handle id is required")
	}

	native, err := t.provider.Status(ctx, handleID)
	if err != nil {
		if errors.Is(err, provider.ErrJobNotFound) {
			return nil, apperrors.NotFound("job", handleID)
		}
		return nil, apperrors.Provider("provider.status", err)
	}

	tr := &Translation{
		HandleID: handleID,
		State:    TranslateState(native.State),
		Native:   native.State,
	}
	switch tr.State {
	case StateSucceeded:
		tr.OutputURL = native.OutputURL()
		if tr.OutputURL == "" {
			return nil, apperrors.Provider("provider.status", fmt.Errorf("job %s: %w", handleID, errMissingOutput))
		}
	case StateFailed:
		tr.Error = native.Error
		if tr.Error == "" {
			tr.Error = fmt.Sprintf("provider job %s", native.State)
		}
	}
	return tr, nil
}

// TranslateState maps a provider-native state. Anything unrecognized is
// pending, so an unknown state keeps the client polling and is never success.
func TranslateState(native string) State {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "succeeded", "successful", "completed":
		return StateSucceeded
	case "failed", "error", "canceled", "cancelled", "aborted":
		return StateFailed
	default:
		return StatePending
	}
}
