package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"jobchain/pkg/backoff"
	"jobchain/pkg/circuitbreaker"
	"jobchain/pkg/cloudevent"
)

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher queues events in a bounded channel and delivers them from
// a worker pool. Each destination host has its own circuit breaker. Events
// for an open breaker are deferred until it is ready for a probe.
type MemoryDispatcher struct {
	queue   chan *Event
	sender  *cloudevent.Sender
	config  MemoryConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.Breaker

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

var _ Dispatcher = (*MemoryDispatcher)(nil)

// NewMemory creates and starts an in-memory dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout, cfg.UserAgent),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		breakers: make(map[string]*circuitbreaker.Breaker),
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	open := 0
	d.breakersMu.Lock()
	for _, b := range d.breakers {
		if b.State() == circuitbreaker.Open {
			open++
		}
	}
	d.breakersMu.Unlock()

	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		BreakersOpen: open,
	}
}

// Close stops the workers after they drain the queue. Deferred events that
// have not come due are dropped.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) breakerFor(host string) *circuitbreaker.Breaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	b, ok := d.breakers[host]
	if !ok {
		b = circuitbreaker.New(d.config.Breaker)
		d.breakers[host] = b
	}
	return b
}

// deliver sends one event with retry, guarded by the destination's breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakerFor(host)

	if !breaker.Allow() {
		d.deferUntil(event, host, breaker.RetryAt())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.deliveryBudget())
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// deliveryBudget bounds all attempts for one event.
func (d *MemoryDispatcher) deliveryBudget() time.Duration {
	budget := time.Duration(d.config.MaxRetries+1) * d.config.HTTPTimeout
	for delay := range backoff.Delays(d.config.MaxRetries, &d.config.Backoff) {
		budget += delay
	}
	return budget
}

// deferUntil puts event back on the queue once the breaker allows a probe.
func (d *MemoryDispatcher) deferUntil(event *Event, host string, retryAt time.Time) {
	if event.requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}

	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	wait := time.Until(retryAt)
	if wait <= 0 {
		// Another event holds the half-open probe.
		wait = backoff.Exponential(event.requeues, &d.config.Backoff)
	}

	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-d.shutdown:
			d.drop(event, "shutdown while deferred")
			return
		case <-timer.C:
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.requeues)
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	lastErr := d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
	if lastErr == nil || cloudevent.IsPermanent(lastErr) {
		return lastErr
	}

	for delay := range backoff.Delays(d.config.MaxRetries, &d.config.Backoff) {
		var he *cloudevent.HTTPError
		if errors.As(lastErr, &he) && he.RetryAfter > delay {
			delay = he.RetryAfter
		}

		d.retriesTotal.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if lastErr == nil || cloudevent.IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
