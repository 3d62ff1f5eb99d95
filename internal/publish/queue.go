package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/health"
	"github.com/Shugur-Network/outbox/internal/metrics"
)

// Publisher sends one event to one relay; a nil error means the relay
// acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, relay string, event *nostr.Event) error
}

// Result is the outcome of PublishWithRetry. Queued means the event
// failed everywhere and now sits in the retry queue; callers should
// treat that as a soft success, not a failure.
type Result struct {
	Success bool
	Queued  bool
	Acked   []string
}

// FailureListener is notified once when a queued publish is dropped for
// good (attempt cap or age limit reached).
type FailureListener func(qp QueuedPublish, err error)

// Config tunes the retry behavior. Zero values fall back to defaults.
type Config struct {
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	MaxAge         time.Duration
	ScanInterval   time.Duration
	PublishTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = constants.DefaultRetryBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = constants.DefaultRetryBackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = constants.DefaultMaxRetryAttempts
	}
	if c.MaxAge <= 0 {
		c.MaxAge = constants.DefaultQueueMaxAge
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = constants.DefaultQueueScanEvery
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = constants.DefaultPublishTimeout
	}
}

// Queue is the resilient publish path: immediate fan-out to the target
// relays, and on total failure a persisted entry retried in the
// background with capped exponential backoff. A per-event in-flight
// marker keeps the background loop and foreground callers from retrying
// the same event at the same time.
type Queue struct {
	publisher Publisher
	store     QueueStore
	tracker   *health.Tracker
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	inflight  map[string]struct{}
	listeners []FailureListener
	now       func() time.Time

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewQueue builds a queue over the given publisher and store. The
// tracker may be nil; when set, publish outcomes feed the breaker.
func NewQueue(publisher Publisher, store QueueStore, tracker *health.Tracker, cfg Config, logger *zap.Logger) *Queue {
	cfg.fillDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		publisher: publisher,
		store:     store,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger.Named("publish"),
		inflight:  make(map[string]struct{}),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// RegisterFailureListener adds a terminal-failure callback. Listeners
// fire at most once per dropped entry, never on success.
func (q *Queue) RegisterFailureListener(l FailureListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *Queue) tryAcquire(eventID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[eventID]; busy {
		return false
	}
	q.inflight[eventID] = struct{}{}
	return true
}

func (q *Queue) release(eventID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, eventID)
}

// PublishWithRetry attempts an immediate publish to the target relays.
// One acknowledgment is enough for success; zero acknowledgments queue
// the event for background retry and return Queued=true.
func (q *Queue) PublishWithRetry(ctx context.Context, event *nostr.Event, targetRelays []string) (Result, error) {
	if event == nil || event.ID == "" {
		return Result{}, fmt.Errorf("event is nil or unsigned")
	}
	if len(targetRelays) == 0 {
		return Result{}, fmt.Errorf("no target relays")
	}

	if !q.tryAcquire(event.ID) {
		// Already retrying elsewhere; report it as queued.
		return Result{Queued: true}, nil
	}
	defer q.release(event.ID)

	acked, lastErr := q.fanOut(ctx, event, targetRelays)
	if len(acked) > 0 {
		return Result{Success: true, Acked: acked}, nil
	}

	now := q.now()
	qp := QueuedPublish{
		Event:        event,
		TargetRelays: targetRelays,
		Attempts:     1,
		EnqueuedAt:   now,
		NextRetryAt:  now.Add(q.cfg.BackoffBase),
	}
	if lastErr != nil {
		qp.LastError = lastErr.Error()
	}
	if err := q.store.Put(ctx, qp); err != nil {
		return Result{}, fmt.Errorf("queue publish: %w", err)
	}

	metrics.IncrementPublishQueued()
	q.updateDepthGauge(ctx)
	q.logger.Info("publish queued for retry",
		zap.String("event_id", event.ID),
		zap.Int("relays", len(targetRelays)),
		zap.Time("next_retry", qp.NextRetryAt))

	return Result{Queued: true}, nil
}

// fanOut publishes to every relay concurrently and returns the relays
// that acked plus the last error seen.
func (q *Queue) fanOut(ctx context.Context, event *nostr.Event, relays []string) ([]string, error) {
	type outcome struct {
		relay   string
		elapsed time.Duration
		err     error
	}

	results := make(chan outcome, len(relays))
	for _, relay := range relays {
		go func(r string) {
			pctx, cancel := context.WithTimeout(ctx, q.cfg.PublishTimeout)
			defer cancel()
			start := time.Now()
			err := q.publisher.Publish(pctx, r, event)
			results <- outcome{relay: r, elapsed: time.Since(start), err: err}
		}(relay)
	}

	acked := make([]string, 0, len(relays))
	var lastErr error
	for range relays {
		out := <-results
		if out.err != nil {
			lastErr = out.err
			if q.tracker != nil {
				q.tracker.RecordFailure(out.relay, out.err)
			}
			continue
		}
		acked = append(acked, out.relay)
		if q.tracker != nil {
			q.tracker.RecordSuccess(out.relay, out.elapsed)
		}
	}
	return acked, lastErr
}

// Start launches the background retry loop. Stop cancels it and waits.
func (q *Queue) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	q.loopCancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.ScanInterval)
		defer ticker.Stop()

		q.logger.Info("retry loop started",
			zap.Duration("scan_interval", q.cfg.ScanInterval))
		for {
			select {
			case <-loopCtx.Done():
				q.logger.Info("retry loop stopped")
				return
			case <-ticker.C:
				q.retryDue(loopCtx)
			}
		}
	}()
}

// Stop shuts the retry loop down and waits for in-flight retries.
func (q *Queue) Stop() {
	if q.loopCancel != nil {
		q.loopCancel()
	}
	q.wg.Wait()
}

// retryDue scans for entries whose NextRetryAt has passed and retries
// each one. Exported indirectly through the ticker; tests call it via
// a short scan interval or a direct tick.
func (q *Queue) retryDue(ctx context.Context) {
	due, err := q.store.Due(ctx, q.now())
	if err != nil {
		q.logger.Error("queue scan failed", zap.Error(err))
		return
	}

	for _, qp := range due {
		if ctx.Err() != nil {
			return
		}
		if !q.tryAcquire(qp.Event.ID) {
			continue // foreground caller owns it right now
		}
		q.retryOne(ctx, qp)
		q.release(qp.Event.ID)
	}
	q.updateDepthGauge(ctx)
}

func (q *Queue) retryOne(ctx context.Context, qp QueuedPublish) {
	acked, lastErr := q.fanOut(ctx, qp.Event, qp.TargetRelays)
	if len(acked) > 0 {
		if err := q.store.Delete(ctx, qp.Event.ID); err != nil {
			q.logger.Error("failed to remove delivered publish", zap.Error(err))
			return
		}
		metrics.IncrementPublishRetrySuccess()
		q.logger.Info("queued publish delivered",
			zap.String("event_id", qp.Event.ID),
			zap.Int("attempts", qp.Attempts+1),
			zap.Strings("acked", acked))
		return
	}

	qp.Attempts++
	if lastErr != nil {
		qp.LastError = lastErr.Error()
	}

	now := q.now()
	expired := now.Sub(qp.EnqueuedAt) > q.cfg.MaxAge
	if qp.Attempts >= q.cfg.MaxAttempts || expired {
		if err := q.store.Delete(ctx, qp.Event.ID); err != nil {
			q.logger.Error("failed to drop exhausted publish", zap.Error(err))
			return
		}
		metrics.IncrementPublishDropped()
		q.logger.Warn("publish dropped",
			zap.String("event_id", qp.Event.ID),
			zap.Int("attempts", qp.Attempts),
			zap.Bool("expired", expired),
			zap.String("last_error", qp.LastError))
		q.notifyFailure(qp, fmt.Errorf("publish failed after %d attempts: %s", qp.Attempts, qp.LastError))
		return
	}

	qp.NextRetryAt = now.Add(q.backoff(qp.Attempts))
	if err := q.store.Update(ctx, qp); err != nil {
		q.logger.Error("failed to reschedule publish", zap.Error(err))
	}
}

// backoff is base * 2^(attempts-1), capped at BackoffMax.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		d = q.cfg.BackoffMax
	}
	return d
}

func (q *Queue) notifyFailure(qp QueuedPublish, err error) {
	q.mu.Lock()
	listeners := make([]FailureListener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, l := range listeners {
		l(qp, err)
	}
}

// Clear discards every pending retry (user abandons stuck posts).
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.Clear(ctx)
	if err != nil {
		return 0, err
	}
	q.updateDepthGauge(ctx)
	if n > 0 {
		q.logger.Info("publish queue cleared", zap.Int("dropped", n))
	}
	return n, nil
}

// Depth returns the number of entries awaiting retry.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

func (q *Queue) updateDepthGauge(ctx context.Context) {
	if n, err := q.store.Len(ctx); err == nil {
		metrics.PublishQueueDepth.Set(float64(n))
	}
}
