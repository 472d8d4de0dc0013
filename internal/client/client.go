// Package client is a typed HTTP client for the aggregation API plus a
// resumable poller that drives a record to completion.
package client

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
	"strconv"
	"strings"
	"time"

	"aggregator/internal/aggregate"
)

const maxResponseBytes = 1 << 20

// APIError is a non-2xx response from the API.
type APIError struct {
	Op         string
	StatusCode int
	Code       string // machine-readable class, empty for non-API answers
	Field      string // offending request field of a validation error
	Message    string
	retryable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Message)
}

// Retryable reports whether the server marked the failure as transient.
func (e *APIError) Retryable() bool { return e.retryable }

// IsRetryable reports whether err is worth retrying: a retryable APIError or
// a transport failure that never reached the API.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Record is the API's view of an aggregate record.
type Record struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	SlotCount   int        `json:"slotCount"`
	Slots       []*string  `json:"slots"`
	Filled      int        `json:"filled"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SlotFilled reports whether slot holds a result URL.
func (r *Record) SlotFilled(slot int) bool {
	return slot >= 0 && slot < len(r.Slots) && r.Slots[slot] != nil && *r.Slots[slot] != ""
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithPrincipal identifies the caller to the API's ownership check.
func WithPrincipal(header, id string) Option {
	return func(c *Client) {
		c.principalHeader = header
		c.principal = id
	}
}

// WithHTTPClient replaces the default 30s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client calls the aggregation API.
type Client struct {
	baseURL         string
	apiKey          string
	principalHeader string
	principal       string
	http            *http.Client
	logger          *slog.Logger
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.With("component", "client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRecord creates a record with slotCount empty slots. An empty ownerID
// lets the server use the caller's principal.
func (c *Client) CreateRecord(ctx context.Context, ownerID string, slotCount int) (*Record, error) {
	body := map[string]any{"slotCount": slotCount}
	if ownerID != "" {
		body["ownerId"] = ownerID
	}
	var rec Record
	if err := c.do(ctx, http.MethodPost, "/v1/records", body, "create record", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord reads a record.
func (c *Client) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(recordID), nil, "get record", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SubmitJob starts a provider job for one slot.
func (c *Client) SubmitJob(ctx context.Context, recordID string, slot int, params json.RawMessage) (*aggregate.JobHandle, error) {
	body := aggregate.SubmitRequest{RecordID: recordID, SlotIndex: slot, Parameters: params}
	var handle aggregate.JobHandle
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", body, "submit job", &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// JobStatus polls a job handle. A succeeded result means the slot is filled.
func (c *Client) JobStatus(ctx context.Context, handleID, recordID string, slot int) (*aggregate.PollResult, error) {
	q := url.Values{}
	q.Set("recordId", recordID)
	q.Set("slotIndex", strconv.Itoa(slot))
	path := "/v1/jobs/" + url.PathEscape(handleID) + "/status?" + q.Encode()

	var res aggregate.PollResult
	if err := c.do(ctx, http.MethodGet, path, nil, "job status", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, op string, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.principalHeader != "" && c.principal != "" {
		req.Header.Set(c.principalHeader, c.principal)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			Field     string `json:"field"`
			Retryable bool   `json:"retryable"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       payload.Code,
			Field:      payload.Field,
			Message:    msg,
			retryable:  payload.Retryable || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", op, err)
	}
	return nil
}
