package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/batch"
	"github.com/Shugur-Network/outbox/internal/config"
	"github.com/Shugur-Network/outbox/internal/coverage"
	"github.com/Shugur-Network/outbox/internal/health"
	"github.com/Shugur-Network/outbox/internal/metrics"
	"github.com/Shugur-Network/outbox/internal/outboxmodel"
	"github.com/Shugur-Network/outbox/internal/publish"
	"github.com/Shugur-Network/outbox/internal/storage"
	"github.com/Shugur-Network/outbox/internal/transport"
)

// ConnectionMetrics aggregates the process-lifetime counters exposed to
// callers and the status endpoint.
type ConnectionMetrics struct {
	BatchedFetches      int64    `json:"batched_fetches"`
	RelayQueries        int64    `json:"relay_queries"`
	ConnectionsSaved    int64    `json:"connections_saved"`
	UniqueEvents        int64    `json:"unique_events"`
	DuplicatesFiltered  int64    `json:"duplicates_filtered"`
	BreakerTrips        int64    `json:"breaker_trips"`
	PublishQueued       int64    `json:"publish_queued"`
	PublishDropped      int64    `json:"publish_dropped"`
	PublishRetrySuccess int64    `json:"publish_retry_success"`
	PublishQueueDepth   int      `json:"publish_queue_depth"`
	ConnectedRelays     []string `json:"connected_relays"`
}

// Engine wires the coverage selector, batcher, resolver, health tracker
// and publish queue behind one facade. It owns the component lifecycle:
// Start launches the retry loop and the optional stats persistence,
// Shutdown flushes and tears everything down.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	transport *transport.Transport
	tracker   *health.Tracker
	resolver  *outboxmodel.Resolver
	selector  *coverage.Selector
	batcher   *batch.Batcher
	queue     *publish.Queue

	db         *storage.DB
	statsStore *storage.StatsStore

	stopOnce sync.Once
	loopStop context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a fully wired engine. When cfg.Database.URL is set the
// publish queue persists to Postgres and breaker history survives
// restarts; otherwise everything is in memory.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics.RegisterMetrics()

	tr := transport.New(transport.Config{
		DialRate:     cfg.Transport.DialRate,
		DialBurst:    cfg.Transport.DialBurst,
		LookupRelays: cfg.Resolver.LookupRelays,
	}, logger)

	tracker := health.NewTracker(health.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		FailureRateWindow: cfg.Breaker.FailureRateWindow,
		Cooldown:          cfg.Breaker.Cooldown,
		ConnectedWindow:   cfg.Breaker.ConnectedWindow,
	}, logger)

	resolver := outboxmodel.NewResolver(tr, cfg.Resolver.CacheTTL, cfg.Resolver.LookupTimeout, logger)
	selector := coverage.NewSelector(resolver, tracker, logger)
	batcher := batch.NewBatcher(selector, tracker, tr, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger.Named("engine"),
		transport: tr,
		tracker:   tracker,
		resolver:  resolver,
		selector:  selector,
		batcher:   batcher,
	}

	var queueStore publish.QueueStore = publish.NewMemoryStore()
	if cfg.Database.URL != "" {
		db, err := storage.InitDB(ctx, cfg.Database.URL, cfg.Engine.MaxRelays)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		e.db = db
		e.statsStore = storage.NewStatsStore(db)
		queueStore = storage.NewQueueStore(db)

		if stats, err := e.statsStore.Load(ctx); err != nil {
			logger.Warn("could not restore relay stats", zap.Error(err))
		} else if len(stats) > 0 {
			tracker.Restore(stats)
			logger.Info("relay stats restored", zap.Int("relays", len(stats)))
		}
	}

	e.queue = publish.NewQueue(tr, queueStore, tracker, publish.Config{
		BackoffBase:    cfg.Publish.RetryBackoffBase,
		BackoffMax:     cfg.Publish.RetryBackoffMax,
		MaxAttempts:    cfg.Publish.MaxRetryAttempts,
		MaxAge:         cfg.Publish.MaxAge,
		ScanInterval:   cfg.Publish.ScanInterval,
		PublishTimeout: cfg.Publish.PublishTimeout,
	}, logger)

	return e, nil
}

// Start launches the background loops: the publish retry scanner and,
// when a database is configured, periodic relay stats persistence.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopStop = cancel

	e.queue.Start(loopCtx)

	if e.statsStore != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					e.persistStats(loopCtx)
				}
			}
		}()
	}

	e.logger.Info("engine started",
		zap.Int("max_relays", e.cfg.Engine.MaxRelays),
		zap.Bool("durable_queue", e.db != nil))
}

// Shutdown stops the loops, persists a final stats snapshot and closes
// every connection. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) {
	e.stopOnce.Do(func() {
		if e.loopStop != nil {
			e.loopStop()
		}
		e.queue.Stop()
		e.wg.Wait()

		if e.statsStore != nil {
			e.persistStats(ctx)
		}
		e.transport.Close()
		if e.db != nil {
			e.db.Close()
		}
		e.logger.Info("engine stopped")
	})
}

func (e *Engine) persistStats(ctx context.Context) {
	snap := e.tracker.Snapshot()
	if len(snap) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.statsStore.Save(sctx, snap); err != nil {
		e.logger.Warn("could not persist relay stats", zap.Error(err))
	}
}

// FetchBatched resolves the authors' preferred relays, computes the
// covering relay set and fetches from them concurrently, returning the
// deduplicated events with per-fetch metrics. Per-relay failures degrade
// the result instead of failing it; an empty author list is an error.
func (e *Engine) FetchBatched(ctx context.Context, authors []string, filter nostr.Filter, opts batch.Options) ([]*nostr.Event, batch.Metrics, error) {
	if len(authors) == 0 {
		return nil, batch.Metrics{}, fmt.Errorf("empty author list")
	}
	if opts.MaxRelays <= 0 {
		opts.MaxRelays = e.cfg.Engine.MaxRelays
	}
	if opts.MaxRelaysPerAuthor <= 0 {
		opts.MaxRelaysPerAuthor = e.cfg.Engine.MaxRelaysPerAuthor
	}
	if opts.MinCoverage <= 0 {
		opts.MinCoverage = e.cfg.Engine.MinCoverage
	}
	if opts.PerRelayTimeout <= 0 {
		opts.PerRelayTimeout = e.cfg.Engine.PerRelayTimeout
	}
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = e.cfg.Engine.GlobalTimeout
	}
	return e.batcher.FetchBatched(ctx, authors, filter, opts)
}

// AnalyzeEfficiency reports what a batched fetch would save versus the
// naive per-author fan-out, without touching the network. A
// non-positive maxRelaysPerAuthor falls back to the configured default.
func (e *Engine) AnalyzeEfficiency(ctx context.Context, authors []string, maxRelaysPerAuthor int) (batch.Analysis, error) {
	if len(authors) == 0 {
		return batch.Analysis{}, fmt.Errorf("empty author list")
	}
	if maxRelaysPerAuthor <= 0 {
		maxRelaysPerAuthor = e.cfg.Engine.MaxRelaysPerAuthor
	}
	return e.batcher.AnalyzeEfficiency(ctx, authors, maxRelaysPerAuthor)
}

// PublishWithRetry publishes the signed event to the target relays,
// queueing it for background retry when no relay acknowledges.
func (e *Engine) PublishWithRetry(ctx context.Context, event *nostr.Event, targetRelays []string) (publish.Result, error) {
	return e.queue.PublishWithRetry(ctx, event, targetRelays)
}

// RegisterPublishFailureListener subscribes to terminal publish failures.
func (e *Engine) RegisterPublishFailureListener(l publish.FailureListener) {
	e.queue.RegisterFailureListener(l)
}

// GetRelayHealth returns a snapshot of every tracked relay's statistics
// and breaker state, sorted by URL.
func (e *Engine) GetRelayHealth() []health.RelayStats {
	return e.tracker.Snapshot()
}

// GetConnectionMetrics aggregates the lifetime counters.
func (e *Engine) GetConnectionMetrics(ctx context.Context) ConnectionMetrics {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		depth = -1
	}
	return ConnectionMetrics{
		BatchedFetches:      metrics.GetBatchedFetchCount(),
		RelayQueries:        metrics.GetRelayQueryCount(),
		ConnectionsSaved:    metrics.GetConnectionsSaved(),
		UniqueEvents:        metrics.GetUniqueEventsCount(),
		DuplicatesFiltered:  metrics.GetDuplicatesFiltered(),
		BreakerTrips:        metrics.GetBreakerTripCount(),
		PublishQueued:       metrics.GetPublishQueuedCount(),
		PublishDropped:      metrics.GetPublishDroppedCount(),
		PublishRetrySuccess: metrics.GetPublishRetrySuccess(),
		PublishQueueDepth:   depth,
		ConnectedRelays:     e.tracker.ConnectedRelays(),
	}
}

// ResetCircuitBreaker force-closes a relay's breaker. Operator action.
func (e *Engine) ResetCircuitBreaker(relay string) {
	e.tracker.ResetCircuitBreaker(relay)
}

// ClearPublishQueue drops every pending retry and returns the count.
func (e *Engine) ClearPublishQueue(ctx context.Context) (int, error) {
	return e.queue.Clear(ctx)
}

// InvalidateRelayList drops an author's cached NIP-65 list so the next
// fetch resolves it fresh.
func (e *Engine) InvalidateRelayList(author string) {
	e.resolver.Invalidate(author)
}

// Ping verifies the database connection when one is configured.
func (e *Engine) Ping(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	return e.db.Ping(ctx)
}
