// Package httpapi is a Provider for prediction-style REST inference APIs:
//
//	POST {base}/v1/predictions        {"version": model, "input": {...}}
//	GET  {base}/v1/predictions/{id}   {"id", "status", "output", "error"}
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aggregator/internal/config"
	"aggregator/internal/provider"
	"aggregator/pkg/circuitbreaker"
)

const maxResponseBytes = 2 << 20

// Config configures the client.
type Config struct {
	BaseURL    string
	Model      string
	Token      string
	Timeout    time.Duration // per request, default 30s
	HTTPClient *http.Client
	Breaker    circuitbreaker.Config
}

// LoadConfigFromEnv reads the provider settings.
func LoadConfigFromEnv() Config {
	return Config{
		BaseURL: config.GetEnv("PROVIDER_URL", ""),
		Model:   config.GetEnv("PROVIDER_MODEL", ""),
		Token:   config.GetSecretFile(config.GetEnv("PROVIDER_TOKEN_FILE", "")),
		Timeout: config.GetDurationEnv("PROVIDER_TIMEOUT", 30*time.Second),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("PROVIDER_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("PROVIDER_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
}

// Client talks to the provider's prediction API.
type Client struct {
	baseURL string
	model   string
	token   string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	logger := slog.With("component", "provider", "driver", "http")
	bcfg := cfg.Breaker
	if bcfg.IsFailure == nil {
		bcfg.IsFailure = countsAgainstBreaker
	}
	if bcfg.OnStateChange == nil {
		bcfg.OnStateChange = func(_ string, from, to circuitbreaker.State) {
			logger.Warn("Provider breaker changed state", "from", from.String(), "to", to.String())
		}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		token:   cfg.Token,
		http:    hc,
		breaker: circuitbreaker.New(bcfg),
		logger:  logger,
	}
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Submit creates a prediction.
func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	input := req.Parameters
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	payload, err := json.Marshal(map[string]any{"version": c.model, "input": input})
	if err != nil {
		return "", fmt.Errorf("submit: marshal request: %w", err)
	}

	var p prediction
	err = c.breaker.Execute(func() error {
		return c.do(ctx, http.MethodPost, c.baseURL+"/v1/predictions", payload, "submit", &p)
	})
	if err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", errors.New("submit: provider response has no id")
	}

	c.logger.DebugContext(ctx, "Submitted prediction", "predictionId", p.ID, "recordId", req.RecordID, "slot", req.SlotIndex)
	return p.ID, nil
}

// Status fetches a prediction.
func (c *Client) Status(ctx context.Context, id string) (*provider.NativeStatus, error) {
	var p prediction
	err := c.breaker.Execute(func() error {
		return c.do(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+url.PathEscape(id), nil, "status", &p)
	})
	if err != nil {
		var se *provider.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, provider.ErrJobNotFound
		}
		return nil, err
	}

	return &provider.NativeStatus{
		ID:      p.ID,
		State:   p.Status,
		Outputs: decodeOutputs(p.Output),
		Error:   decodeError(p.Error),
	}, nil
}

// Ready fails while the circuit breaker is open.
func (c *Client) Ready(context.Context) error {
	if c.breaker.State() == circuitbreaker.Open {
		return circuitbreaker.ErrOpen
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, op string, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := readAllLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &provider.StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	return nil
}

// countsAgainstBreaker ignores answers the provider gave deliberately.
func countsAgainstBreaker(err error) bool {
	var se *provider.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// decodeOutputs accepts a single string, an array of strings, or null.
func decodeOutputs(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []any
	if err := json.Unmarshal(raw, &many); err == nil {
		out := make([]string, 0, len(many))
		for _, v := range many {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func decodeError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func readAllLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return data, nil
}

var _ provider.Provider = (*Client)(nil)
