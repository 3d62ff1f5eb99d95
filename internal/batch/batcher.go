package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/coverage"
	"github.com/Shugur-Network/outbox/internal/health"
	"github.com/Shugur-Network/outbox/internal/metrics"
)

// Transport executes one query against one relay. Implementations live
// in internal/transport; tests supply fakes.
type Transport interface {
	Query(ctx context.Context, relay string, filter nostr.Filter) ([]*nostr.Event, error)
}

// Metrics summarizes a single batched fetch.
type Metrics struct {
	UniqueEvents       int      `json:"unique_events"`
	ActualQueryCount   int      `json:"actual_query_count"`
	ConnectionsSaved   int      `json:"connections_saved"`
	TotalTimeMs        int64    `json:"total_time_ms"`
	CoveragePercent    float64  `json:"coverage_percent"`
	DuplicatesFiltered int      `json:"duplicates_filtered"`
	RelaysSucceeded    []string `json:"relays_succeeded"`
	RelaysFailed       []string `json:"relays_failed"`
	RelaysTimedOut     []string `json:"relays_timed_out"`
}

// Progress is handed to the OnProgress callback after each relay settles.
type Progress struct {
	Completed int
	Total     int
	Events    int
}

// Options tunes a batched fetch. Zero values fall back to defaults.
type Options struct {
	MaxRelays          int
	MaxRelaysPerAuthor int
	MinCoverage        float64
	PerRelayTimeout    time.Duration
	GlobalTimeout      time.Duration
	OnProgress         func(Progress)
}

// Analysis is the dry-run efficiency report: what the batcher would do
// versus the naive per-author fan-out, with no network calls.
type Analysis struct {
	NaiveQueries     int            `json:"naive_queries"`
	OptimizedQueries int            `json:"optimized_queries"`
	SavingsPercent   float64        `json:"savings_percent"`
	Coverage         float64        `json:"coverage"`
	RelayBreakdown   map[string]int `json:"relay_breakdown"`
}

// Batcher turns a coverage solution into concurrent relay queries,
// deduplicates the merged results and feeds outcomes back into the
// health tracker. Per-relay errors and timeouts never fail the fetch;
// they only show up in Metrics and in the breaker counters.
type Batcher struct {
	selector  *coverage.Selector
	tracker   *health.Tracker
	transport Transport
	logger    *zap.Logger
}

// NewBatcher wires the batcher to its collaborators.
func NewBatcher(selector *coverage.Selector, tracker *health.Tracker, transport Transport, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		selector:  selector,
		tracker:   tracker,
		transport: transport,
		logger:    logger.Named("batch"),
	}
}

type relayOutcome struct {
	relay       string
	authors     []string
	events      []*nostr.Event
	err         error
	timedOut    bool
	budgetCut   bool
	probeDenied bool
	elapsed     time.Duration
}

// FetchBatched plans coverage for the authors, executes one query per
// plan entry concurrently, and returns the deduplicated events with the
// aggregated metrics. The filter acts as a template; each relay query
// gets it narrowed to the authors that relay covers.
func (b *Batcher) FetchBatched(ctx context.Context, authors []string, filter nostr.Filter, opts Options) ([]*nostr.Event, Metrics, error) {
	if len(filter.IDs) > 0 {
		return nil, Metrics{}, fmt.Errorf("filter template must not pin event IDs")
	}
	if opts.PerRelayTimeout <= 0 {
		opts.PerRelayTimeout = constants.DefaultPerRelayTimeout
	}
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = constants.DefaultGlobalTimeout
	}

	start := time.Now()

	plan, cov, err := b.selector.CreateQueryPlan(ctx, authors, coverage.Options{
		MaxRelays:          opts.MaxRelays,
		MaxRelaysPerAuthor: opts.MaxRelaysPerAuthor,
		MinCoverage:        opts.MinCoverage,
	})
	if err != nil {
		return nil, Metrics{}, err
	}

	naive := b.selector.NaiveQueryCount(ctx, authors, opts.MaxRelaysPerAuthor)

	m := Metrics{
		ActualQueryCount: len(plan),
		ConnectionsSaved: naive - len(plan),
		RelaysSucceeded:  []string{},
		RelaysFailed:     []string{},
		RelaysTimedOut:   []string{},
	}

	if len(plan) == 0 {
		// Total coverage failure: degraded result, not an error.
		m.TotalTimeMs = time.Since(start).Milliseconds()
		b.logger.Warn("no reachable relay for any requested author",
			zap.Int("authors", cov.TotalAuthors))
		return []*nostr.Event{}, m, nil
	}

	// Global time budget. Per-relay contexts derive from it so expiry
	// cancels every still-pending relay task.
	gctx, cancel := context.WithTimeout(ctx, opts.GlobalTimeout)
	defer cancel()

	results := make(chan relayOutcome, len(plan))
	for _, entry := range plan {
		go b.queryRelay(gctx, entry, filter, opts.PerRelayTimeout, results)
	}

	// Dedup set: a bloom filter in front of the exact id map. A bloom
	// negative means definitely unseen; a positive is confirmed against
	// the map so false positives cannot drop events.
	seenBloom := bloom.NewWithEstimates(constants.DedupBloomCapacity, constants.DedupBloomFPRate)
	seen := make(map[string]struct{})
	merged := make([]*nostr.Event, 0)
	coveredAuthors := make(map[string]struct{})
	completed := 0

	collect := func(out relayOutcome) {
		completed++
		switch {
		case out.probeDenied:
			// The relay is effectively still open; the denied probe is
			// not a fresh failure, so the breaker counters stay put.
			m.RelaysFailed = append(m.RelaysFailed, out.relay)
		case out.budgetCut:
			// The global budget expired while this relay was still in
			// flight. That is not the relay's fault, so the breaker
			// counters stay put.
			m.RelaysTimedOut = append(m.RelaysTimedOut, out.relay)
		case out.timedOut:
			m.RelaysTimedOut = append(m.RelaysTimedOut, out.relay)
			b.tracker.RecordFailure(out.relay, out.err)
			metrics.RelayQueryDuration.WithLabelValues("timeout").Observe(out.elapsed.Seconds())
		case out.err != nil:
			m.RelaysFailed = append(m.RelaysFailed, out.relay)
			b.tracker.RecordFailure(out.relay, out.err)
			metrics.RelayQueryDuration.WithLabelValues("failure").Observe(out.elapsed.Seconds())
		default:
			m.RelaysSucceeded = append(m.RelaysSucceeded, out.relay)
			b.tracker.RecordSuccess(out.relay, out.elapsed)
			metrics.RelayQueryDuration.WithLabelValues("success").Observe(out.elapsed.Seconds())
			for _, author := range out.authors {
				coveredAuthors[author] = struct{}{}
			}
			for _, ev := range out.events {
				if ev == nil {
					continue
				}
				id := []byte(ev.ID)
				if seenBloom.TestAndAdd(id) {
					if _, dup := seen[ev.ID]; dup {
						m.DuplicatesFiltered++
						continue
					}
				}
				seen[ev.ID] = struct{}{}
				merged = append(merged, ev)
			}
		}

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Completed: completed,
				Total:     len(plan),
				Events:    len(merged),
			})
		}
	}

drain:
	for completed < len(plan) {
		select {
		case out := <-results:
			collect(out)
		case <-gctx.Done():
			// Budget expired: keep what settled, mark the rest timed out.
			for completed < len(plan) {
				select {
				case out := <-results:
					collect(out)
				default:
					break drain
				}
			}
		}
	}

	if pending := len(plan) - completed; pending > 0 {
		stillPending := pendingRelays(plan, m)
		m.RelaysTimedOut = append(m.RelaysTimedOut, stillPending...)
		b.logger.Warn("global time budget expired",
			zap.Int("pending_relays", pending),
			zap.Duration("budget", opts.GlobalTimeout))
	}

	m.UniqueEvents = len(merged)
	m.TotalTimeMs = time.Since(start).Milliseconds()
	if cov.TotalAuthors > 0 {
		m.CoveragePercent = float64(len(coveredAuthors)) / float64(cov.TotalAuthors) * 100
	}

	sort.Strings(m.RelaysSucceeded)
	sort.Strings(m.RelaysFailed)
	sort.Strings(m.RelaysTimedOut)

	metrics.IncrementBatchedFetches()
	metrics.AddRelayQueries(m.ActualQueryCount)
	if m.ConnectionsSaved > 0 {
		metrics.AddConnectionsSaved(m.ConnectionsSaved)
	}
	metrics.AddDuplicatesFiltered(m.DuplicatesFiltered)
	metrics.AddUniqueEvents(m.UniqueEvents)
	metrics.CoveragePercent.Observe(m.CoveragePercent)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	b.logger.Info("batched fetch complete",
		zap.Int("events", m.UniqueEvents),
		zap.Int("queries", m.ActualQueryCount),
		zap.Int("saved", m.ConnectionsSaved),
		zap.Int("duplicates", m.DuplicatesFiltered),
		zap.Float64("coverage_pct", m.CoveragePercent),
		zap.Int64("total_ms", m.TotalTimeMs))

	return merged, m, nil
}

func (b *Batcher) queryRelay(ctx context.Context, entry coverage.PlanEntry, template nostr.Filter, timeout time.Duration, results chan<- relayOutcome) {
	// A half-open relay admits exactly one probe; a denied probe settles
	// immediately as a failure without touching the breaker counters.
	if !b.tracker.AllowProbe(entry.Relay) {
		results <- relayOutcome{
			relay:       entry.Relay,
			authors:     entry.Authors,
			err:         fmt.Errorf("relay %s: circuit open", entry.Relay),
			probeDenied: true,
		}
		return
	}

	filter := template
	filter.Authors = entry.Authors

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	events, err := b.transport.Query(rctx, entry.Relay, filter)
	elapsed := time.Since(start)

	out := relayOutcome{
		relay:   entry.Relay,
		authors: entry.Authors,
		events:  events,
		err:     err,
		elapsed: elapsed,
	}
	switch {
	case err != nil && ctx.Err() != nil:
		out.budgetCut = true
	case err != nil && errors.Is(err, context.DeadlineExceeded) && rctx.Err() == context.DeadlineExceeded:
		out.timedOut = true
	}
	results <- out
}

// AnalyzeEfficiency is the dry-run variant: coverage math only, no
// network calls, used to report connection savings.
func (b *Batcher) AnalyzeEfficiency(ctx context.Context, authors []string, maxRelaysPerAuthor int) (Analysis, error) {
	res, err := b.selector.SelectOptimalCoverage(ctx, authors, maxRelaysPerAuthor)
	if err != nil {
		return Analysis{}, err
	}

	naive := b.selector.NaiveQueryCount(ctx, authors, maxRelaysPerAuthor)
	a := Analysis{
		NaiveQueries:     naive,
		OptimizedQueries: res.TotalRelays,
		Coverage:         res.Coverage,
		RelayBreakdown:   make(map[string]int, len(res.RelayToAuthors)),
	}
	for relay, covered := range res.RelayToAuthors {
		a.RelayBreakdown[relay] = len(covered)
	}
	if naive > 0 {
		a.SavingsPercent = float64(naive-res.TotalRelays) / float64(naive) * 100
	}
	return a, nil
}

func pendingRelays(plan []coverage.PlanEntry, m Metrics) []string {
	settled := make(map[string]struct{}, len(plan))
	for _, r := range m.RelaysSucceeded {
		settled[r] = struct{}{}
	}
	for _, r := range m.RelaysFailed {
		settled[r] = struct{}{}
	}
	for _, r := range m.RelaysTimedOut {
		settled[r] = struct{}{}
	}
	out := make([]string, 0)
	for _, entry := range plan {
		if _, ok := settled[entry.Relay]; !ok {
			out = append(out, entry.Relay)
		}
	}
	return out
}
