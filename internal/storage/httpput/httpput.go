// Package httpput stores objects with HTTP PUT to an upload endpoint
// (a presigning proxy, a WebDAV share, or any PUT-capable object gateway).
package httpput

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"aggregator/internal/config"
	"aggregator/internal/storage"
	"aggregator/pkg/backoff"
)

// Config configures the store.
type Config struct {
	UploadURL  string // objects are PUT to {UploadURL}/{key}
	PublicURL  string // objects are served from {PublicURL}/{key}; defaults to UploadURL
	MaxRetries int    // default 3
	HTTPClient *http.Client
}

// LoadConfigFromEnv reads the upload endpoint settings.
func LoadConfigFromEnv() Config {
	return Config{
		UploadURL:  config.GetEnv("STORAGE_UPLOAD_URL", ""),
		PublicURL:  config.GetEnv("STORAGE_PUBLIC_URL", ""),
		MaxRetries: config.GetIntEnv("STORAGE_UPLOAD_RETRIES", 3),
	}
}

// Store uploads objects over HTTP.
type Store struct {
	uploadURL  string
	publicURL  string
	maxRetries int
	client     *http.Client
}

// New creates a store.
func New(cfg Config) *Store {
	s := &Store{
		uploadURL:  cfg.UploadURL,
		publicURL:  cfg.PublicURL,
		maxRetries: cfg.MaxRetries,
		client:     cfg.HTTPClient,
	}
	if s.publicURL == "" {
		s.publicURL = s.uploadURL
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	return s
}

// Put uploads body, retrying server errors with exponential backoff.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	target := storage.JoinURL(s.uploadURL, key)

	attempt := 0
	err := backoff.Retry(ctx, s.maxRetries, nil, isClientError, func(ctx context.Context) error {
		attempt++
		err := s.upload(ctx, target, body, contentType)
		if err != nil && !isClientError(err) {
			slog.Warn("Upload failed", "attempt", attempt, "key", key, "error", err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	if attempt > 1 {
		slog.Info("Upload succeeded after retry", "attempt", attempt, "key", key)
	}
	return storage.JoinURL(s.publicURL, key), nil
}

func (s *Store) upload(ctx context.Context, target string, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = int64(len(body))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &uploadError{
		statusCode: resp.StatusCode,
		message:    string(respBody),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// Ready sends a HEAD to the upload base; any response means the gateway is up.
func (s *Store) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.uploadURL, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("upload endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

type uploadError struct {
	statusCode int
	message    string
	retryAfter time.Duration
}

func (e *uploadError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.statusCode, e.message)
}

// RetryAfter lets backoff.Retry wait as long as the gateway asked.
func (e *uploadError) RetryAfter() time.Duration { return e.retryAfter }

func isClientError(err error) bool {
	var ue *uploadError
	if errors.As(err, &ue) {
		return ue.statusCode >= 400 && ue.statusCode < 500 && ue.statusCode != http.StatusTooManyRequests
	}
	return false
}

var _ storage.ObjectStore = (*Store)(nil)
