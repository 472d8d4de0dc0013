package notify

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"aggregator/pkg/backoff"
	"aggregator/pkg/circuitbreaker"
	"aggregator/pkg/cloudevent"
)

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

type item struct {
	event    *cloudevent.CloudEvent
	requeues int
}

// Webhook queues events in a bounded channel and delivers them with a worker pool.
// When the buffer is full events are dropped (logged and counted).
type Webhook struct {
	queue   chan *item
	sender  *cloudevent.Sender
	breaker *circuitbreaker.Breaker
	config  Config
	host    string
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewWebhook starts a webhook notifier. metrics may be nil.
func NewWebhook(cfg Config, metrics MetricsRecorder) *Webhook {
	cfg = cfg.withDefaults()

	host := extractHost(cfg.URL)
	logger := slog.With("component", "notify")
	w := &Webhook{
		queue:  make(chan *item, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.breakerCooldown,
			OnStateChange: func(_ string, from, to circuitbreaker.State) {
				logger.Warn("Callback breaker changed state", "destination", host, "from", from.String(), "to", to.String())
			},
		}),
		config:   cfg,
		host:     host,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go w.worker()
	}
	if metrics != nil {
		go w.reportQueueSize()
	}

	w.logger.Info("Notifier started", "destination", w.host, "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return w
}

// New returns a Webhook when cfg has a URL, Discard otherwise.
func New(cfg Config, metrics MetricsRecorder) Notifier {
	if !cfg.Enabled() {
		return Discard{}
	}
	return NewWebhook(cfg, metrics)
}

func (w *Webhook) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.metrics.RecordNotifyQueueSize(context.Background(), int64(len(w.queue)))
		}
	}
}

// Notify queues an event for delivery.
func (w *Webhook) Notify(event *cloudevent.CloudEvent) error {
	if w.closed.Load() {
		return ErrClosed
	}

	select {
	case w.queue <- &item{event: event}:
		w.queued.Add(1)
		return nil
	default:
		w.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current delivery statistics.
func (w *Webhook) Stats() Stats {
	return Stats{
		QueueDepth:   len(w.queue),
		Queued:       w.queued.Load(),
		Delivered:    w.delivered.Load(),
		Failed:       w.failed.Load(),
		Dropped:      w.dropped.Load(),
		Requeued:     w.requeued.Load(),
		RetriesTotal: w.retriesTotal.Load(),
		BreakerOpen:  w.breaker.State() == circuitbreaker.Open,
	}
}

// Close stops the workers after they drain the queue, or when ctx ends.
func (w *Webhook) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil
	}

	w.logger.Info("Notifier shutting down", "queued", len(w.queue))
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Notifier shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("Notifier shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.shutdown:
			w.drainQueue()
			return
		case it := <-w.queue:
			w.deliver(it)
		}
	}
}

func (w *Webhook) drainQueue() {
	for {
		select {
		case it := <-w.queue:
			w.deliver(it)
		default:
			return
		}
	}
}

func (w *Webhook) deliver(it *item) {
	if !w.breaker.Allow() {
		w.requeue(it)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := w.sendWithRetry(ctx, it.event); err != nil {
		w.breaker.RecordFailure()
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotifyFailed(ctx)
		}
		w.logger.Warn("Delivery failed", "destination", w.host, "type", it.event.Type, "subject", it.event.Subject, "error", err)
		return
	}

	w.breaker.RecordSuccess()
	w.delivered.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts the event back after the breaker cooldown.
func (w *Webhook) requeue(it *item) {
	if it.requeues >= defaultMaxRequeues {
		w.drop(it.event, "max requeues reached")
		return
	}

	it.requeues++
	w.requeued.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyRequeued(context.Background())
	}

	go func() {
		select {
		case <-w.shutdown:
			return
		case <-time.After(w.config.breakerCooldown):
		}

		select {
		case w.queue <- it:
			w.logger.Debug("Event requeued", "type", it.event.Type, "requeues", it.requeues)
		case <-w.shutdown:
		default:
			w.drop(it.event, "buffer full on requeue")
		}
	}()
}

func (w *Webhook) drop(event *cloudevent.CloudEvent, reason string) {
	w.dropped.Add(1)
	if w.metrics != nil {
		w.metrics.RecordNotifyDropped(context.Background())
	}
	w.logger.Warn("Event dropped", "reason", reason, "destination", w.host, "type", event.Type, "subject", event.Subject)
}

func (w *Webhook) sendWithRetry(ctx context.Context, event *cloudevent.CloudEvent) error {
	opts := cloudevent.SendOptions{SigningKey: w.config.SigningKey}

	attempt := 0
	return backoff.Retry(ctx, defaultMaxRetries, nil, cloudevent.IsClientError, func(ctx context.Context) error {
		if attempt > 0 {
			w.retriesTotal.Add(1)
		}
		attempt++
		return w.sender.Send(ctx, w.config.URL, event, opts)
	})
}

// extractHost extracts the host from a URL for logging.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*Webhook)(nil)
