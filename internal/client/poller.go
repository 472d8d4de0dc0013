package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aggregator/internal/aggregate"
)

// ParamsFunc returns the provider parameters for a slot.
type ParamsFunc func(slot int) (json.RawMessage, error)

// EventKind names a poller event.
type EventKind string

const (
	EventSubmitted   EventKind = "submitted"
	EventResubmitted EventKind = "resubmitted"
	EventFilled      EventKind = "filled"
	EventFailed      EventKind = "failed"
	EventStalled     EventKind = "stalled"
)

// Event reports progress on one slot.
type Event struct {
	Kind     EventKind
	Slot     int
	HandleID string
	URL      string // filled only
	Err      error  // failed only
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Interval between polls of one handle. Default 2s.
	Interval time.Duration
	// MaxAttempts per handle before the slot is reported stalled. Zero or
	// negative polls until ctx ends.
	MaxAttempts int
	// MaxResubmits is how many times a failed slot is submitted again.
	MaxResubmits int
	// Observer receives events. Calls are serialized.
	Observer func(Event)
}

// Report summarizes one Run.
type Report struct {
	RecordID  string
	SlotCount int
	Filled    int
	Completed bool
	Failed    []int // failed after all resubmits, or on an API error
	Stalled   []int // still pending after MaxAttempts; handles kept
}

// Poller drives a record's empty slots to filled through the API. Progress
// lives in the record and the HandleStore, so Run can be cancelled and
// called again, from this or another process, without duplicate submits.
// A Poller runs one record at a time.
type Poller struct {
	client  *Client
	handles HandleStore
	cfg     PollerConfig
	logger  *slog.Logger

	mu      sync.Mutex // guards current and report
	current map[int]string
	report  *Report

	saveMu sync.Mutex // orders snapshots written to handles
	emitMu sync.Mutex
}

// NewPoller creates a poller. A nil handles keeps handles in memory only.
func NewPoller(c *Client, handles HandleStore, cfg PollerConfig) *Poller {
	if handles == nil {
		handles = NewMemoryHandleStore()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxResubmits < 0 {
		cfg.MaxResubmits = 0
	}
	return &Poller{
		client:  c,
		handles: handles,
		cfg:     cfg,
		logger:  slog.With("component", "poller"),
	}
}

// Run submits every empty slot that has no saved handle, then polls all
// in-flight handles concurrently until each slot is filled, failed or
// stalled. The returned report reflects the record as stored afterwards.
func (p *Poller) Run(ctx context.Context, recordID string, params ParamsFunc) (*Report, error) {
	rec, err := p.client.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	saved, err := p.handles.Load(recordID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = make(map[int]string, len(saved))
	for slot, handle := range saved {
		if slot >= 0 && slot < rec.SlotCount && !rec.SlotFilled(slot) {
			p.current[slot] = handle
		}
	}
	p.report = &Report{RecordID: recordID, SlotCount: rec.SlotCount}
	p.mu.Unlock()

	// Stale entries for filled slots go before any new submit is recorded.
	if err := p.save(recordID); err != nil {
		return nil, err
	}

	logger := p.logger.With("recordId", recordID)
	logger.InfoContext(ctx, "Resuming record",
		"slotCount", rec.SlotCount,
		"filled", rec.Filled,
		"inFlight", len(p.current),
	)

	g, gctx := errgroup.WithContext(ctx)
	for slot := range rec.SlotCount {
		if rec.SlotFilled(slot) {
			continue
		}
		p.mu.Lock()
		handle := p.current[slot]
		p.mu.Unlock()

		g.Go(func() error {
			return p.runSlot(gctx, logger, recordID, slot, handle, params)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	final, err := p.client.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	report := p.report
	p.mu.Unlock()
	report.Filled = final.Filled
	report.Completed = final.Completed
	slices.Sort(report.Failed)
	slices.Sort(report.Stalled)

	logger.InfoContext(ctx, "Run finished",
		"filled", report.Filled,
		"completed", report.Completed,
		"failed", len(report.Failed),
		"stalled", len(report.Stalled),
	)
	return report, nil
}

// runSlot takes one slot to a terminal state for this run. API failures end
// only this slot; the returned errors are the ones that concern the whole
// run and cancel the other slots.
func (p *Poller) runSlot(ctx context.Context, logger *slog.Logger, recordID string, slot int, handle string, params ParamsFunc) error {
	logger = logger.With("slot", slot)
	resubmits := 0
	attempts := 0
	resumed := handle != ""

	for {
		if handle == "" {
			h, err := p.submit(ctx, recordID, slot, params)
			switch {
			case err == nil:
				handle = h
				kind := EventSubmitted
				if resubmits > 0 {
					kind = EventResubmitted
				}
				p.emit(Event{Kind: kind, Slot: slot, HandleID: handle})
			case IsRetryable(err):
				logger.WarnContext(ctx, "Submit failed, retrying", "error", err)
			default:
				return p.abandon(ctx, logger, slot, "", err)
			}
		}

		if handle != "" {
			res, err := p.client.JobStatus(ctx, handle, recordID, slot)
			switch {
			case err == nil:
				done, retry, err := p.handleResult(ctx, logger, recordID, slot, handle, res, &resubmits)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
				if retry {
					handle = ""
					attempts = 0
					continue
				}
			case IsStatus(err, http.StatusNotFound) && resumed:
				// Saved handle the provider no longer knows; start over.
				logger.WarnContext(ctx, "Unknown job handle, resubmitting", "jobHandleId", handle)
				resumed = false
				if err := p.setHandle(recordID, slot, ""); err != nil {
					return err
				}
				handle = ""
				continue
			case IsRetryable(err):
				logger.WarnContext(ctx, "Poll failed, retrying", "jobHandleId", handle, "error", err)
			default:
				return p.abandon(ctx, logger, slot, handle, err)
			}
		}

		attempts++
		if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
			logger.WarnContext(ctx, "Slot stalled", "jobHandleId", handle, "attempts", attempts)
			p.mu.Lock()
			p.report.Stalled = append(p.report.Stalled, slot)
			p.mu.Unlock()
			p.emit(Event{Kind: EventStalled, Slot: slot, HandleID: handle})
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}
}

// abandon ends a slot on an API error that retrying will not fix. Its handle
// stays saved for the next run. Credentials being refused, a cancelled ctx
// and local failures are not about the slot and end the run instead.
func (p *Poller) abandon(ctx context.Context, logger *slog.Logger, slot int, handle string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
		return fmt.Errorf("slot %d: %w", slot, err)
	}
	logger.ErrorContext(ctx, "Slot abandoned for this run", "jobHandleId", handle, "code", apiErr.Code, "error", err)
	p.mu.Lock()
	p.report.Failed = append(p.report.Failed, slot)
	p.mu.Unlock()
	p.emit(Event{Kind: EventFailed, Slot: slot, HandleID: handle, Err: err})
	return nil
}

// handleResult applies one poll result. done ends the slot; retry asks for a
// new submission.
func (p *Poller) handleResult(ctx context.Context, logger *slog.Logger, recordID string, slot int, handle string, res *aggregate.PollResult, resubmits *int) (done, retry bool, err error) {
	switch res.Status {
	case aggregate.StateSucceeded:
		if err := p.setHandle(recordID, slot, ""); err != nil {
			return false, false, err
		}
		logger.InfoContext(ctx, "Slot filled", "jobHandleId", handle, "outcome", res.Outcome, "completed", res.Completed)
		p.emit(Event{Kind: EventFilled, Slot: slot, HandleID: handle, URL: res.ResultURL})
		return true, false, nil

	case aggregate.StateFailed:
		jobErr := fmt.Errorf("job %s failed: %s", handle, res.Error)
		p.emit(Event{Kind: EventFailed, Slot: slot, HandleID: handle, Err: jobErr})
		if err := p.setHandle(recordID, slot, ""); err != nil {
			return false, false, err
		}
		if *resubmits < p.cfg.MaxResubmits {
			*resubmits++
			logger.WarnContext(ctx, "Job failed, resubmitting", "jobHandleId", handle, "error", res.Error, "resubmit", *resubmits)
			return false, true, nil
		}
		logger.WarnContext(ctx, "Job failed", "jobHandleId", handle, "error", res.Error)
		p.mu.Lock()
		p.report.Failed = append(p.report.Failed, slot)
		p.mu.Unlock()
		return true, false, nil
	}
	return false, false, nil
}

func (p *Poller) submit(ctx context.Context, recordID string, slot int, params ParamsFunc) (string, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = params(slot); err != nil {
			return "", fmt.Errorf("parameters for slot %d: %w", slot, err)
		}
	}
	h, err := p.client.SubmitJob(ctx, recordID, slot, raw)
	if err != nil {
		return "", err
	}
	if err := p.setHandle(recordID, slot, h.ID); err != nil {
		return "", err
	}
	return h.ID, nil
}

func (p *Poller) setHandle(recordID string, slot int, handle string) error {
	p.mu.Lock()
	if handle == "" {
		delete(p.current, slot)
	} else {
		p.current[slot] = handle
	}
	p.mu.Unlock()
	return p.save(recordID)
}

// save persists a snapshot of current.
func (p *Poller) save(recordID string) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	snapshot := maps.Clone(p.current)
	p.mu.Unlock()
	if err := p.handles.Save(recordID, snapshot); err != nil {
		return fmt.Errorf("save handles: %w", err)
	}
	return nil
}

func (p *Poller) emit(ev Event) {
	if p.cfg.Observer == nil {
		return
	}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	p.cfg.Observer(ev)
}
