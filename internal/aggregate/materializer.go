package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"aggregator/internal/apperrors"
	"aggregator/internal/record"
	"aggregator/internal/storage"
	"aggregator/pkg/backoff"
	"aggregator/pkg/circuitbreaker"
)

// Materializer defaults.
const (
	DefaultMaterializeRetries  = 3
	DefaultMaterializeMaxBytes = 32 << 20
)

// MaterializerConfig configures result downloads.
type MaterializerConfig struct {
	MaxRetries int   // download retries within one poll, default 3
	MaxBytes   int64 // largest accepted output, default 32MB
	HTTPClient *http.Client
	Backoff    *backoff.Config
	// HostBreaker configures the breaker kept per output host. Only
	// transient download failures count against it.
	HostBreaker circuitbreaker.Config
}

func (c MaterializerConfig) withDefaults() MaterializerConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaterializeRetries
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaterializeMaxBytes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.HostBreaker.IsFailure == nil {
		c.HostBreaker.IsFailure = func(err error) bool {
			return !isPermanentDownload(err) && !errors.Is(err, context.Canceled)
		}
	}
	return c
}

// Materializer copies a provider's transient output into durable storage.
// The storage key depends only on (recordID, slot), so repeating a
// materialization overwrites the same object with equivalent content.
type Materializer struct {
	objects  storage.ObjectStore
	cfg      MaterializerConfig
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewMaterializer creates a materializer writing to objects.
func NewMaterializer(objects storage.ObjectStore, cfg MaterializerConfig) *Materializer {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "materializer")
	if cfg.HostBreaker.OnStateChange == nil {
		cfg.HostBreaker.OnStateChange = func(host string, from, to circuitbreaker.State) {
			logger.Warn("Output host breaker changed state", "host", host, "from", from.String(), "to", to.String())
		}
	}
	return &Materializer{
		objects:  objects,
		cfg:      cfg,
		breakers: circuitbreaker.NewRegistry(cfg.HostBreaker),
		logger:   logger,
		now:      time.Now,
	}
}

// Materialize downloads outputURL and stores it under the slot's key.
// Any failure is a retryable MaterializationError and leaves no record state.
func (m *Materializer) Materialize(ctx context.Context, recordID string, slot int, outputURL string) (*record.ResultRef, error) {
	var (
		body        []byte
		contentType string
	)
	breaker := m.breakers.Get(hostOf(outputURL))
	err := backoff.Retry(ctx, m.cfg.MaxRetries, m.cfg.Backoff, isPermanentDownload, func(ctx context.Context) error {
		err := breaker.Execute(func() error {
			var err error
			body, contentType, err = m.download(ctx, outputURL)
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			// The client polls again later; retrying now cannot succeed.
			return &downloadError{err: err, permanent: true}
		}
		if err != nil {
			m.logger.Debug("Download attempt failed", "recordId", recordID, "slot", slot, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, apperrors.Materialization("materialize.download", err)
	}

	key := storage.SlotKey(recordID, slot)
	url, err := m.objects.Put(ctx, key, body, storage.ContentType(contentType, outputURL))
	if err != nil {
		return nil, apperrors.Materialization("materialize.upload", err)
	}

	m.logger.Info("Result materialized", "recordId", recordID, "slot", slot, "key", key, "bytes", len(body))
	return &record.ResultRef{
		URL:            url,
		SlotIndex:      slot,
		MaterializedAt: m.now().UTC(),
	}, nil
}

func (m *Materializer) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := storage.ValidateURL(rawURL); err != nil {
		return nil, "", &downloadError{err: fmt.Errorf("invalid output URL: %w", err), permanent: true}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, "", &downloadError{err: fmt.Errorf("invalid output URL: %w", err), permanent: true}
	}

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", &downloadError{
			err:       fmt.Errorf("download failed with status %d", resp.StatusCode),
			permanent: resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read output: %w", err)
	}
	if int64(len(body)) > m.cfg.MaxBytes {
		return nil, "", &downloadError{err: fmt.Errorf("output exceeds %d bytes", m.cfg.MaxBytes), permanent: true}
	}
	if len(body) == 0 {
		return nil, "", errors.New("provider output is empty")
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// hostOf keys the per-host breaker. Unparseable URLs share one breaker and
// fail validation before any request is made.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// downloadError marks failures that retrying within the same poll cannot fix.
// The client may still poll again later.
type downloadError struct {
	err       error
	permanent bool
}

func (e *downloadError) Error() string { return e.err.Error() }
func (e *downloadError) Unwrap() error { return e.err }

func isPermanentDownload(err error) bool {
	var de *downloadError
	return errors.As(err, &de) && de.permanent
}
