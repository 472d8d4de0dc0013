package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request body.
const SignatureHeader = "X-Signature-256"

// ContentType is the structured-mode media type.
const ContentType = "application/cloudevents+json"

// maxEventBytes bounds both received events and drained response bodies.
const maxEventBytes = 64 << 10

// ErrBadSignature is returned by Receive when the body does not match the
// signature header.
var ErrBadSignature = errors.New("cloudevent: signature mismatch")

// Sender posts CloudEvents in structured mode.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOptions controls how a CloudEvent is sent.
type SendOptions struct {
	SigningKey string // empty sends unsigned
}

// Send posts event to url. Any non-2xx answer is an *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	for name, value := range event.headers() {
		req.Header.Set(name, value)
	}
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, Sign(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event %s: %w", event.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEventBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Receive decodes a structured-mode event from r. With a non-empty key the
// body must carry a matching signature.
func Receive(r *http.Request, key string) (*CloudEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	if len(body) > maxEventBytes {
		return nil, fmt.Errorf("event exceeds %d bytes", maxEventBytes)
	}
	if key != "" && !Verify(body, r.Header.Get(SignatureHeader), key) {
		return nil, ErrBadSignature
	}

	var ev CloudEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.SpecVersion != SpecVersion || ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("not a CloudEvents %s event", SpecVersion)
	}
	return &ev, nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC-SHA256 of body under key.
func Verify(body []byte, signature, key string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, key)))
}

// HTTPError is a non-2xx answer from the receiver.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports a 4xx answer other than 429. Those are not retried.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500 && he.StatusCode != http.StatusTooManyRequests
}
