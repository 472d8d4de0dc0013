package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"aggregator/internal/apperrors"
	"aggregator/internal/provider"
)

// MaxParametersSize caps the opaque parameter payload forwarded to the provider.
const MaxParametersSize = 64 << 10

// GatewayConfig configures submission throttling. Zero SubmitRPS disables it.
type GatewayConfig struct {
	SubmitRPS   float64
	SubmitBurst int
}

// Gateway turns a slot submission into one provider job.
// It persists nothing; the returned handle is the caller's to remember.
type Gateway struct {
	provider provider.Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewGateway creates a gateway in front of p.
func NewGateway(p provider.Provider, cfg GatewayConfig) *Gateway {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.SubmitRPS > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRPS), burst)
	}
	return &Gateway{
		provider: p,
		limiter:  limiter,
		logger:   slog.With("component", "gateway"),
	}
}

// Submit validates the parameters and starts a provider job.
// The slot is not re-checked for emptiness: a job for a filled slot only
// wastes provider work, its result is discarded by the slot writer.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*JobHandle, error) {
	if req.SlotIndex < 0 {
		return nil, apperrors.Validation("slotIndex", "slotIndex must not be negative")
	}
	params, err := normalizeParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Provider("provider.submit", fmt.Errorf("submit throttled: %w", err))
	}

	id, err := g.provider.Submit(ctx, provider.SubmitRequest{
		RecordID:   req.RecordID,
		SlotIndex:  req.SlotIndex,
		Parameters: params,
	})
	if err != nil {
		rejected := provider.IsRejected(err)
		g.logger.Warn("Provider submission failed",
			"recordId", req.RecordID, "slot", req.SlotIndex,
			"rejected", rejected, "error", err)
		if rejected {
			// Resubmitting the same parameters cannot succeed.
			return nil, &apperrors.Error{
				Sentinel: apperrors.ErrValidation,
				Message:  fmt.Sprintf("provider rejected the job: %v", err),
				Field:    "parameters",
				Op:       "provider.submit",
				Cause:    err,
			}
		}
		return nil, apperrors.Provider("provider.submit", err)
	}
	if id == "" {
		return nil, apperrors.Provider("provider.submit", fmt.Errorf("provider returned an empty job id"))
	}

	g.logger.Info("Job submitted", "recordId", req.RecordID, "slot", req.SlotIndex, "jobId", id)
	return &JobHandle{
		ID:        id,
		RecordID:  req.RecordID,
		SlotIndex: req.SlotIndex,
		Status:    StatePending,
	}, nil
}

// normalizeParameters accepts an absent payload as {} and otherwise requires
// a JSON object of bounded size.
func normalizeParameters(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if len(trimmed) > MaxParametersSize {
		return nil, apperrors.Validation("parameters", fmt.Sprintf("parameters exceed maximum size of %d bytes", MaxParametersSize))
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, apperrors.Validation("parameters", "parameters must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}
