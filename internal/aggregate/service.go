package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"aggregator/internal/apperrors"
	"aggregator/internal/notify"
	"aggregator/internal/observability"
	"aggregator/internal/provider"
	"aggregator/internal/record"
	"aggregator/internal/storage"
	"aggregator/pkg/backoff"
	"aggregator/pkg/cloudevent"
)

// Deps are the collaborators of a Service. Notifier, Metrics and Tracer are optional.
type Deps struct {
	Store    record.Store
	Provider provider.Provider
	Objects  storage.ObjectStore
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// Service runs record creation, job submission and the poll pipeline.
//
// The Service holds no job state. Handles live with the client, slots live in
// the record store, and any instance can serve any request.
type Service struct {
	store        record.Store
	gateway      *Gateway
	translator   *Translator
	materializer *Materializer
	writer       *SlotWriter
	completion   *CompletionDetector
	events       *EventBuilder

	notifier notify.Notifier
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService wires the pipeline components.
func NewService(deps Deps, cfg Config) *Service {
	cfg = cfg.withDefaults()

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NewTracer(nil)
	}

	return &Service{
		store:        deps.Store,
		gateway:      NewGateway(deps.Provider, cfg.Gateway),
		translator:   NewTranslator(deps.Provider),
		materializer: NewMaterializer(deps.Objects, cfg.Materializer),
		writer:       NewSlotWriter(deps.Store),
		completion:   NewCompletionDetector(deps.Store),
		events:       NewEventBuilder(cfg.EventSource),
		notifier:     notifier,
		metrics:      deps.Metrics,
		tracer:       tracer,
		logger:       slog.With("component", "aggregate"),
		cfg:          cfg,
		now:          time.Now,
	}
}

// CreateRecord creates a record with slotCount empty slots.
func (s *Service) CreateRecord(ctx context.Context, ownerID string, slotCount int) (*record.Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if len(ownerID) > record.MaxOwnerIDLength {
		return nil, apperrors.Validation("ownerId", fmt.Sprintf("ownerId exceeds maximum length of %d", record.MaxOwnerIDLength))
	}
	if slotCount < 1 || slotCount > s.cfg.MaxSlots {
		return nil, apperrors.Validation("slotCount", fmt.Sprintf("slotCount must be between 1 and %d", s.cfg.MaxSlots))
	}

	rec := record.New(uuid.NewString(), ownerID, slotCount, s.now().UTC())
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, mapStoreError("record create", rec.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordRecordCreated(ctx, slotCount)
	}
	s.logger.Info("Record created", "recordId", rec.ID, "ownerId", ownerID, "slotCount", slotCount)
	return rec, nil
}

// GetRecord returns the current record state.
func (s *Service) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.Validation("recordId", "recordId is required")
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreError("record get", id, err)
	}
	settled, err := s.settle(ctx, rec)
	if err != nil {
		// Still a valid read; the next read or poll repeats the check.
		s.logger.Warn("Completion check failed on read", "recordId", id, "error", err)
		return rec, nil
	}
	return settled, nil
}

// SubmitJob starts a provider job for a slot of rec.
func (s *Service) SubmitJob(ctx context.Context, rec *record.Record, slot int, params json.RawMessage) (*JobHandle, error) {
	if !rec.ValidSlot(slot) {
		return nil, apperrors.Validation("slotIndex", fmt.Sprintf("slotIndex must be between 0 and %d", rec.SlotCount-1))
	}

	ctx, span := s.tracer.StartSubmit(ctx, rec.ID, slot)
	defer span.End()

	if rec.IsFilled(slot) {
		observability.LoggerWithTrace(ctx, s.logger).Info("Submitting job for an already filled slot",
			"recordId", rec.ID, "slot", slot)
	}

	handle, err := s.gateway.Submit(ctx, SubmitRequest{RecordID: rec.ID, SlotIndex: slot, Parameters: params})
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, err == nil)
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.JobAttr(handle.ID))
	return handle, nil
}

// PollJob translates the handle's status. When the provider reports success
// it materializes the output, writes the slot and checks completion before
// returning. Repeating a poll is always safe.
func (s *Service) PollJob(ctx context.Context, rec *record.Record, slot int, handleID string) (*PollResult, error) {
	if !rec.ValidSlot(slot) {
		return nil, apperrors.Validation("slotIndex", fmt.Sprintf("slotIndex must be between 0 and %d", rec.SlotCount-1))
	}

	ctx, span := s.tracer.StartPoll(ctx, handleID, rec.ID, slot)
	defer span.End()

	tr, err := s.translator.Translate(ctx, handleID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobPoll(ctx, string(tr.State))
	}

	res := &PollResult{
		HandleID:  handleID,
		Status:    tr.State,
		Error:     tr.Error,
		Completed: rec.Completed,
		Filled:    rec.Filled(),
		SlotCount: rec.SlotCount,
	}
	if tr.State != StateSucceeded {
		return res, nil
	}

	if rec.IsFilled(slot) {
		// Nothing left to do for this slot; skip the download.
		res.Outcome = record.OutcomeAlreadyFilled
		res.ResultURL = rec.Slots[slot].URL
		if s.metrics != nil {
			s.metrics.RecordSlotWrite(ctx, string(record.OutcomeAlreadyFilled))
		}
		settled, err := s.settle(ctx, rec)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		res.Filled, res.Completed = settled.Filled(), settled.Completed
		return res, nil
	}

	if err := s.fill(ctx, rec, slot, tr, res); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

func (s *Service) fill(ctx context.Context, rec *record.Record, slot int, tr *Translation, res *PollResult) error {
	logger := observability.LoggerWithTrace(ctx, s.logger).With("recordId", rec.ID, "slot", slot, "jobId", tr.HandleID)

	mctx, mspan := s.tracer.StartMaterialize(ctx, rec.ID, slot)
	start := time.Now()
	ref, err := s.materializer.Materialize(mctx, rec.ID, slot, tr.OutputURL)
	if s.metrics != nil {
		s.metrics.RecordMaterialization(ctx, err == nil, time.Since(start).Seconds())
	}
	observability.RecordError(mspan, err)
	mspan.End()
	if err != nil {
		logger.Warn("Materialization failed", "error", err)
		return err
	}

	wctx, wspan := s.tracer.StartSlotWrite(ctx, rec.ID, slot)
	wr, err := s.writer.Write(wctx, rec.ID, slot, ref)
	observability.RecordError(wspan, err)
	wspan.End()
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordSlotWrite(ctx, string(wr.Outcome))
	}

	res.Outcome = wr.Outcome
	res.ResultURL = currentURL(wr.Current)

	if !wr.Applied() {
		// Another poll won; report the record as it stands now.
		cur, err := s.store.Get(ctx, rec.ID)
		if err != nil {
			return nil
		}
		if settled, err := s.settle(ctx, cur); err == nil {
			cur = settled
		}
		res.Filled, res.Completed = cur.Filled(), cur.Completed
		return nil
	}

	comp, err := s.checkCompletion(ctx, rec.ID)
	if err != nil {
		// The slot is written. The next poll or read of this record sees
		// every slot filled and repeats the check.
		logger.Error("Completion check failed after applied write", "error", err)
		s.notify(logger, s.events.SlotFilled(rec, ref, rec.Filled()+1))
		return err
	}
	res.Filled, res.Completed = comp.Filled, comp.Completed

	s.notify(logger, s.events.SlotFilled(rec, ref, comp.Filled))
	if comp.Transitioned {
		s.completed(ctx, logger, rec)
	}
	return nil
}

// settle repeats the completion check for a record whose slots are all
// filled but which is not yet marked completed. That state is left behind
// when the check after the last applied write fails; no later write can
// happen, so reads and polls finish the job.
func (s *Service) settle(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if rec.Completed || rec.Filled() < rec.SlotCount {
		return rec, nil
	}
	comp, err := s.checkCompletion(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	logger := observability.LoggerWithTrace(ctx, s.logger).With("recordId", rec.ID)
	if comp.Transitioned {
		logger.Info("Fully filled record completed outside its last slot write")
		s.completed(ctx, logger, rec)
	}
	cur, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		settled := *rec
		settled.Completed = comp.Completed
		return &settled, nil
	}
	return cur, nil
}

// completed runs once per record, after the call that flipped completed.
func (s *Service) completed(ctx context.Context, logger *slog.Logger, rec *record.Record) {
	if s.metrics != nil {
		s.metrics.RecordRecordCompleted(ctx, rec.SlotCount)
	}
	final := rec
	if cur, err := s.store.Get(ctx, rec.ID); err == nil {
		final = cur
	}
	s.notify(logger, s.events.RecordCompleted(final))
}

// checkCompletion retries the completion write on store errors; it is a
// conditional write and safe to repeat.
func (s *Service) checkCompletion(ctx context.Context, recordID string) (*record.Completion, error) {
	ctx, span := s.tracer.StartCompletion(ctx, recordID)
	defer span.End()

	var comp *record.Completion
	err := backoff.Retry(ctx, s.cfg.CompletionRetries, completionBackoff, isPermanentStoreError,
		func(ctx context.Context) error {
			var err error
			comp, err = s.completion.Check(ctx, recordID)
			return err
		})
	observability.RecordError(span, err)
	return comp, err
}

// completionBackoff is jittered because the writers of a record's last
// slots retry against the same row at the same moment.
var completionBackoff = &backoff.Config{Initial: 50 * time.Millisecond, Max: time.Second, Jitter: 0.5}

func isPermanentStoreError(err error) bool {
	return !errors.Is(err, apperrors.ErrUnavailable)
}

// notify queues ev for webhook delivery. Delivery problems never fail a poll.
func (s *Service) notify(logger *slog.Logger, ev *cloudevent.CloudEvent) {
	if err := s.notifier.Notify(ev); err != nil {
		logger.Warn("Event not queued", "type", ev.Type, "error", err)
	}
}
