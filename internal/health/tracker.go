package health

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/metrics"
)

// CircuitState is the breaker state of a single relay.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// RelayStats is a point-in-time copy of a relay's rolling statistics.
type RelayStats struct {
	URL                 string       `json:"url"`
	SuccessCount        int64        `json:"success_count"`
	FailureCount        int64        `json:"failure_count"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	AvgLatencyMs        float64      `json:"avg_latency_ms"`
	LastSuccess         time.Time    `json:"last_success"`
	LastFailure         time.Time    `json:"last_failure"`
	CircuitState        CircuitState `json:"circuit_state"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// SuccessRate over the relay's lifetime. 1.0 when untested.
func (s RelayStats) SuccessRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(total)
}

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold trips the breaker on this many consecutive failures.
	FailureThreshold int
	// FailureRateWindow is the attempt window for the rate-based trip
	// (failure rate > 50% over a full window).
	FailureRateWindow int
	// Cooldown is how long an open breaker stays open before half-open.
	Cooldown time.Duration
	// ConnectedWindow bounds how recent a success must be for a relay to
	// count as connected.
	ConnectedWindow time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  constants.DefaultFailureThreshold,
		FailureRateWindow: constants.DefaultFailureRateWindow,
		Cooldown:          constants.DefaultBreakerCooldown,
		ConnectedWindow:   constants.DefaultConnectedWindow,
	}
}

type relayEntry struct {
	stats   RelayStats
	recent  []bool // ring of last FailureRateWindow outcomes, true = failure
	recentI int
	full    bool
	// probeGranted marks that the single half-open trial has been handed
	// out for the current cooldown expiry.
	probeGranted bool
}

// Tracker keeps per-relay rolling statistics and runs the circuit breaker
// state machine: closed -> open on the failure threshold, open -> half-open
// after the cooldown, half-open -> closed on success or back to open on
// failure. This is the one piece of mutable state shared by every
// concurrent relay task; all methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	relays map[string]*relayEntry
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = constants.DefaultFailureThreshold
	}
	if cfg.FailureRateWindow <= 0 {
		cfg.FailureRateWindow = constants.DefaultFailureRateWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = constants.DefaultBreakerCooldown
	}
	if cfg.ConnectedWindow <= 0 {
		cfg.ConnectedWindow = constants.DefaultConnectedWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		relays: make(map[string]*relayEntry),
		cfg:    cfg,
		logger: logger.Named("health"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *Tracker) entry(relay string) *relayEntry {
	e, ok := t.relays[relay]
	if !ok {
		e = &relayEntry{
			stats: RelayStats{
				URL:          relay,
				CircuitState: StateClosed,
			},
			recent: make([]bool, t.cfg.FailureRateWindow),
		}
		t.relays[relay] = e
	}
	return e
}

func (e *relayEntry) recordOutcome(failure bool) {
	e.recent[e.recentI] = failure
	e.recentI++
	if e.recentI == len(e.recent) {
		e.recentI = 0
		e.full = true
	}
}

func (e *relayEntry) windowFailureRate() (float64, bool) {
	if !e.full {
		return 0, false
	}
	failures := 0
	for _, f := range e.recent {
		if f {
			failures++
		}
	}
	return float64(failures) / float64(len(e.recent)), true
}

// RecordSuccess registers a successful call: bumps the success count,
// folds the latency sample into the moving average, clears the failure
// streak, and closes a half-open breaker.
func (t *Tracker) RecordSuccess(relay string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(relay)
	s := &e.stats

	s.SuccessCount++
	s.ConsecutiveFailures = 0
	s.LastSuccess = t.now()
	e.recordOutcome(false)

	sample := float64(latency.Milliseconds())
	if s.AvgLatencyMs == 0 {
		s.AvgLatencyMs = sample
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*(1-constants.LatencySmoothingAlpha) +
			sample*constants.LatencySmoothingAlpha
	}

	if s.CircuitState == StateHalfOpen || s.CircuitState == StateOpen {
		// A success while open can only come from the half-open probe.
		t.logger.Info("circuit breaker closed",
			zap.String("relay", relay),
			zap.Float64("avg_latency_ms", s.AvgLatencyMs))
		s.CircuitState = StateClosed
		s.OpenedAt = time.Time{}
		e.probeGranted = false
		metrics.CircuitBreakerOpen.Dec()
	}
}

// RecordFailure registers a failed call and trips the breaker when the
// consecutive or rate threshold is crossed. A failure while half-open
// re-opens immediately and restarts the cooldown.
func (t *Tracker) RecordFailure(relay string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(relay)
	s := &e.stats

	s.FailureCount++
	s.ConsecutiveFailures++
	s.LastFailure = t.now()
	e.recordOutcome(true)

	if s.CircuitState == StateHalfOpen {
		t.trip(e, err, "half-open probe failed")
		return
	}
	if s.CircuitState == StateOpen {
		return
	}

	if s.ConsecutiveFailures >= t.cfg.FailureThreshold {
		t.trip(e, err, "consecutive failure threshold")
		return
	}
	if rate, ok := e.windowFailureRate(); ok && rate > 0.5 {
		t.trip(e, err, "failure rate threshold")
	}
}

func (t *Tracker) trip(e *relayEntry, err error, reason string) {
	s := &e.stats
	if s.CircuitState != StateOpen {
		metrics.CircuitBreakerOpen.Inc()
	}
	s.CircuitState = StateOpen
	s.OpenedAt = t.now()
	e.probeGranted = false
	metrics.IncrementBreakerTrips(s.URL)

	fields := []zap.Field{
		zap.String("relay", s.URL),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", s.ConsecutiveFailures),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	t.logger.Warn("circuit breaker opened", fields...)
}

// State returns the relay's breaker state. An open relay whose cooldown
// has elapsed reports half-open, which admits exactly one trial call.
func (t *Tracker) State(relay string) CircuitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(t.entry(relay))
}

func (t *Tracker) stateLocked(e *relayEntry) CircuitState {
	s := &e.stats
	if s.CircuitState == StateOpen && t.now().Sub(s.OpenedAt) > t.cfg.Cooldown {
		s.CircuitState = StateHalfOpen
		e.probeGranted = false
	}
	return s.CircuitState
}

// AllowProbe reports whether a call to a half-open relay may proceed.
// Only the first caller after the cooldown gets the probe; everyone else
// must treat the relay as still open until the probe settles.
func (t *Tracker) AllowProbe(relay string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(relay)
	if t.stateLocked(e) != StateHalfOpen {
		return t.stateLocked(e) == StateClosed
	}
	if e.probeGranted {
		return false
	}
	e.probeGranted = true
	return true
}

// ResetCircuitBreaker is the operator recovery action: back to closed
// with zeroed counters.
func (t *Tracker) ResetCircuitBreaker(relay string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.relays[relay]
	if !ok {
		return
	}
	if e.stats.CircuitState == StateOpen {
		metrics.CircuitBreakerOpen.Dec()
	}
	e.stats = RelayStats{
		URL:          relay,
		CircuitState: StateClosed,
	}
	e.recent = make([]bool, t.cfg.FailureRateWindow)
	e.recentI = 0
	e.full = false
	e.probeGranted = false
	t.logger.Info("circuit breaker reset", zap.String("relay", relay))
}

// HealthMultiplier derives the coverage scoring weight from a relay's
// history: success rate damped by latency, clamped to [0.1, 1.5]. A relay
// with no history is neutral (exactly 1.0).
func (t *Tracker) HealthMultiplier(relay string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.relays[relay]
	if !ok {
		return 1.0
	}
	s := e.stats
	if s.SuccessCount+s.FailureCount == 0 {
		return 1.0
	}

	m := s.SuccessRate() * (1.5 / (1 + s.AvgLatencyMs/1000))
	if m < 0.1 {
		m = 0.1
	}
	if m > 1.5 {
		m = 1.5
	}
	return m
}

// AvgLatencyMs returns the smoothed latency for tie-breaking. Zero when
// the relay has no history.
func (t *Tracker) AvgLatencyMs(relay string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.relays[relay]; ok {
		return e.stats.AvgLatencyMs
	}
	return 0
}

// Snapshot returns a copy of every relay's stats, sorted by URL.
func (t *Tracker) Snapshot() []RelayStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RelayStats, 0, len(t.relays))
	for _, e := range t.relays {
		t.stateLocked(e) // fold in any pending open -> half-open transition
		out = append(out, e.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ConnectedRelays lists closed-circuit relays with a success inside the
// connected window.
func (t *Tracker) ConnectedRelays() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.ConnectedWindow)
	out := make([]string, 0, len(t.relays))
	for url, e := range t.relays {
		if t.stateLocked(e) == StateClosed && e.stats.LastSuccess.After(cutoff) {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

// Restore seeds the tracker from persisted stats, skipping relays that
// already have live state. Breaker state is restored as-is; an open entry
// whose cooldown has long expired will surface as half-open on first read.
func (t *Tracker) Restore(stats []RelayStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range stats {
		if _, exists := t.relays[s.URL]; exists {
			continue
		}
		e := &relayEntry{
			stats:  s,
			recent: make([]bool, t.cfg.FailureRateWindow),
		}
		if s.CircuitState == StateOpen {
			metrics.CircuitBreakerOpen.Inc()
		}
		t.relays[s.URL] = e
	}
}
