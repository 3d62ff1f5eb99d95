package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/Shugur-Network/outbox/internal/coverage"
	"github.com/Shugur-Network/outbox/internal/health"
	"github.com/Shugur-Network/outbox/internal/outboxmodel"
)

// --- mocks ---

type mockPrefs struct {
	lists map[string][]string
}

func (m *mockPrefs) GetMany(ctx context.Context, authors []string) map[string]outboxmodel.AuthorRelayList {
	out := make(map[string]outboxmodel.AuthorRelayList, len(authors))
	for _, a := range authors {
		out[a] = outboxmodel.AuthorRelayList{Author: a, Relays: m.lists[a]}
	}
	return out
}

type mockTransport struct {
	mu      sync.Mutex
	events  map[string][]*nostr.Event
	errs    map[string]error
	block   map[string]bool          // relay blocks until its context expires
	gate    map[string]chan struct{} // relay waits here before answering
	queried map[string]nostr.Filter
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events:  make(map[string][]*nostr.Event),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
		gate:    make(map[string]chan struct{}),
		queried: make(map[string]nostr.Filter),
	}
}

func (m *mockTransport) Query(ctx context.Context, relay string, filter nostr.Filter) ([]*nostr.Event, error) {
	m.mu.Lock()
	m.queried[relay] = filter
	blocked := m.block[relay]
	gate := m.gate[relay]
	err := m.errs[relay]
	events := m.events[relay]
	m.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (m *mockTransport) filterFor(relay string) (nostr.Filter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.queried[relay]
	return f, ok
}

func event(id, author string) *nostr.Event {
	return &nostr.Event{ID: id, PubKey: author, Kind: 1}
}

func newTestBatcher(prefs map[string][]string, tr *mockTransport) (*Batcher, *health.Tracker) {
	tracker := health.NewTracker(health.Config{FailureThreshold: 5}, nil)
	selector := coverage.NewSelector(&mockPrefs{lists: prefs}, tracker, nil)
	return NewBatcher(selector, tracker, tr, nil), tracker
}

// --- tests ---

func TestFetchBatchedDeduplicates(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://one.relay"},
		"bob":   {"wss://two.relay"},
	}
	tr := newMockTransport()
	tr.events["wss://one.relay"] = []*nostr.Event{event("ev1", "alice"), event("ev2", "alice")}
	tr.events["wss://two.relay"] = []*nostr.Event{event("ev2", "alice"), event("ev3", "bob")}

	b, _ := newTestBatcher(prefs, tr)
	events, m, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{Kinds: []int{1}}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 3 {
		t.Fatalf("unique events = %d, want 3", len(events))
	}
	if m.UniqueEvents != 3 {
		t.Fatalf("m.UniqueEvents = %d, want 3", m.UniqueEvents)
	}
	if m.DuplicatesFiltered != 1 {
		t.Fatalf("m.DuplicatesFiltered = %d, want 1", m.DuplicatesFiltered)
	}

	seen := make(map[string]int)
	for _, ev := range events {
		seen[ev.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("event %s appears %d times", id, n)
		}
	}
}

func TestDedupKeepsFirstSeenContent(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://one.relay"},
		"bob":   {"wss://two.relay"},
	}
	tr := newMockTransport()
	first := event("ev1", "alice")
	first.Content = "original"
	mutated := event("ev1", "alice")
	mutated.Content = "mutated"
	tr.events["wss://one.relay"] = []*nostr.Event{first}
	tr.events["wss://two.relay"] = []*nostr.Event{mutated}

	// Hold the second relay's answer until the first one has settled so
	// the arrival order is fixed.
	gate := make(chan struct{})
	tr.gate["wss://two.relay"] = gate
	var once sync.Once

	b, _ := newTestBatcher(prefs, tr)
	events, m, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{}, Options{
		OnProgress: func(Progress) { once.Do(func() { close(gate) }) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Content != "original" {
		t.Fatalf("surviving content = %q, want the first-seen copy", events[0].Content)
	}
	if m.DuplicatesFiltered != 1 {
		t.Fatalf("DuplicatesFiltered = %d, want 1", m.DuplicatesFiltered)
	}
}

func TestFetchBatchedPartialFailure(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://good.relay"},
		"bob":   {"wss://bad.relay"},
	}
	tr := newMockTransport()
	tr.events["wss://good.relay"] = []*nostr.Event{event("ev1", "alice")}
	tr.errs["wss://bad.relay"] = fmt.Errorf("connection refused")

	b, tracker := newTestBatcher(prefs, tr)
	events, m, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{}, Options{})
	if err != nil {
		t.Fatalf("per-relay failure must not fail the fetch: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 from the good relay", len(events))
	}
	if len(m.RelaysSucceeded) != 1 || m.RelaysSucceeded[0] != "wss://good.relay" {
		t.Fatalf("RelaysSucceeded = %v", m.RelaysSucceeded)
	}
	if len(m.RelaysFailed) != 1 || m.RelaysFailed[0] != "wss://bad.relay" {
		t.Fatalf("RelaysFailed = %v", m.RelaysFailed)
	}
	if m.CoveragePercent != 50 {
		t.Fatalf("CoveragePercent = %v, want 50", m.CoveragePercent)
	}

	snap := tracker.Snapshot()
	for _, rs := range snap {
		if rs.URL == "wss://bad.relay" && rs.FailureCount != 1 {
			t.Errorf("failure not recorded for bad relay: %+v", rs)
		}
	}
}

func TestFetchBatchedPerRelayTimeout(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://fast.relay"},
		"bob":   {"wss://slow.relay"},
	}
	tr := newMockTransport()
	tr.events["wss://fast.relay"] = []*nostr.Event{event("ev1", "alice")}
	tr.block["wss://slow.relay"] = true

	b, tracker := newTestBatcher(prefs, tr)
	events, m, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{}, Options{
		PerRelayTimeout: 50 * time.Millisecond,
		GlobalTimeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if len(m.RelaysTimedOut) != 1 || m.RelaysTimedOut[0] != "wss://slow.relay" {
		t.Fatalf("RelaysTimedOut = %v", m.RelaysTimedOut)
	}

	for _, rs := range tracker.Snapshot() {
		if rs.URL == "wss://slow.relay" && rs.FailureCount != 1 {
			t.Errorf("timeout should count as a breaker failure: %+v", rs)
		}
	}
}

func TestFetchBatchedGlobalBudgetExpiry(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://fast.relay"},
		"bob":   {"wss://slow.relay"},
	}
	tr := newMockTransport()
	tr.events["wss://fast.relay"] = []*nostr.Event{event("ev1", "alice")}
	tr.block["wss://slow.relay"] = true

	b, tracker := newTestBatcher(prefs, tr)
	events, m, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{}, Options{
		PerRelayTimeout: time.Hour,
		GlobalTimeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Settled results survive the budget expiry.
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 from the fast relay", len(events))
	}
	if len(m.RelaysSucceeded) != 1 || m.RelaysSucceeded[0] != "wss://fast.relay" {
		t.Fatalf("RelaysSucceeded = %v", m.RelaysSucceeded)
	}

	// The still-pending relay is reported as timed out, never as failed.
	if len(m.RelaysTimedOut) != 1 || m.RelaysTimedOut[0] != "wss://slow.relay" {
		t.Fatalf("RelaysTimedOut = %v, want the slow relay", m.RelaysTimedOut)
	}
	if len(m.RelaysFailed) != 0 {
		t.Fatalf("RelaysFailed = %v, want none on budget expiry", m.RelaysFailed)
	}

	// Budget cancellation is not the relay's fault: no breaker counters.
	for _, rs := range tracker.Snapshot() {
		if rs.URL == "wss://slow.relay" && rs.FailureCount != 0 {
			t.Errorf("budget expiry charged a breaker failure: %+v", rs)
		}
	}
}

func TestFetchBatchedBudgetExpiryNeverTripsBreaker(t *testing.T) {
	prefs := map[string][]string{"alice": {"wss://slow.relay"}}
	tr := newMockTransport()
	tr.block["wss://slow.relay"] = true

	b, tracker := newTestBatcher(prefs, tr)
	for i := 0; i < 10; i++ {
		_, _, err := b.FetchBatched(context.Background(), []string{"alice"}, nostr.Filter{}, Options{
			PerRelayTimeout: time.Hour,
			GlobalTimeout:   10 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if got := tracker.State("wss://slow.relay"); got != health.StateClosed {
		t.Fatalf("repeated budget-limited fetches tripped the breaker: state = %v", got)
	}
}

func TestFetchBatchedNoReachableRelays(t *testing.T) {
	prefs := map[string][]string{"ghost": nil}
	b, _ := newTestBatcher(prefs, newMockTransport())

	events, m, err := b.FetchBatched(context.Background(), []string{"ghost"}, nostr.Filter{}, Options{})
	if err != nil {
		t.Fatalf("total coverage failure is degraded, not an error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
	if m.ActualQueryCount != 0 || m.CoveragePercent != 0 {
		t.Fatalf("metrics = %+v, want zero queries and coverage", m)
	}
}

func TestFetchBatchedRejectsPinnedIDs(t *testing.T) {
	b, _ := newTestBatcher(map[string][]string{"alice": {"wss://a.relay"}}, newMockTransport())

	_, _, err := b.FetchBatched(context.Background(), []string{"alice"}, nostr.Filter{IDs: []string{"deadbeef"}}, Options{})
	if err == nil {
		t.Fatal("filter template with pinned IDs must be rejected")
	}
}

func TestFilterNarrowedPerRelay(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://one.relay"},
		"bob":   {"wss://two.relay"},
	}
	tr := newMockTransport()

	b, _ := newTestBatcher(prefs, tr)
	_, _, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{Kinds: []int{1}, Limit: 10}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	f, ok := tr.filterFor("wss://one.relay")
	if !ok {
		t.Fatal("one.relay was never queried")
	}
	if len(f.Authors) != 1 || f.Authors[0] != "alice" {
		t.Fatalf("one.relay filter authors = %v, want [alice]", f.Authors)
	}
	if len(f.Kinds) != 1 || f.Kinds[0] != 1 || f.Limit != 10 {
		t.Fatalf("template fields lost: %+v", f)
	}
}

func TestOnProgressCalledPerRelay(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://one.relay"},
		"bob":   {"wss://two.relay"},
	}
	tr := newMockTransport()
	tr.events["wss://one.relay"] = []*nostr.Event{event("ev1", "alice")}
	tr.events["wss://two.relay"] = []*nostr.Event{event("ev2", "bob")}

	var mu sync.Mutex
	var progress []Progress

	b, _ := newTestBatcher(prefs, tr)
	_, _, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{}, Options{
		OnProgress: func(p Progress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(progress) != 2 {
		t.Fatalf("progress calls = %d, want 2", len(progress))
	}
	last := progress[len(progress)-1]
	if last.Completed != 2 || last.Total != 2 || last.Events != 2 {
		t.Fatalf("final progress = %+v, want 2/2 with 2 events", last)
	}
}

func TestDeniedProbeDoesNotTouchBreaker(t *testing.T) {
	prefs := map[string][]string{"alice": {"wss://flaky.relay"}}
	tr := newMockTransport()
	tr.events["wss://flaky.relay"] = []*nostr.Event{event("ev1", "alice")}

	b, tracker := newTestBatcher(prefs, tr)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return now })

	// Trip the breaker, move past the cooldown, and hand the single
	// half-open probe to someone else.
	for i := 0; i < 5; i++ {
		tracker.RecordFailure("wss://flaky.relay", fmt.Errorf("down"))
	}
	now = now.Add(61 * time.Second)
	if !tracker.AllowProbe("wss://flaky.relay") {
		t.Fatal("expected to hold the probe")
	}
	failuresBefore := tracker.Snapshot()[0].FailureCount

	events, m, err := b.FetchBatched(context.Background(), []string{"alice"}, nostr.Filter{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0 when the probe is denied", len(events))
	}
	if len(m.RelaysFailed) != 1 {
		t.Fatalf("RelaysFailed = %v, want the denied relay", m.RelaysFailed)
	}
	if got := tracker.Snapshot()[0].FailureCount; got != failuresBefore {
		t.Fatalf("denied probe changed failure count: %d -> %d", failuresBefore, got)
	}
}

func TestAnalyzeEfficiency(t *testing.T) {
	prefs := map[string][]string{}
	authors := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		a := fmt.Sprintf("author%02d", i)
		authors = append(authors, a)
		prefs[a] = []string{
			fmt.Sprintf("wss://hub%d.relay", i%4),
			fmt.Sprintf("wss://hub%d.relay", (i+1)%4),
		}
	}

	b, _ := newTestBatcher(prefs, newMockTransport())
	a, err := b.AnalyzeEfficiency(context.Background(), authors, 2)
	if err != nil {
		t.Fatal(err)
	}

	if a.NaiveQueries != 80 {
		t.Fatalf("NaiveQueries = %d, want 80", a.NaiveQueries)
	}
	if a.OptimizedQueries > 4 {
		t.Fatalf("OptimizedQueries = %d, want at most 4 hubs", a.OptimizedQueries)
	}
	if a.SavingsPercent < 90 {
		t.Fatalf("SavingsPercent = %v, want >= 90", a.SavingsPercent)
	}
	if a.Coverage != 1.0 {
		t.Fatalf("Coverage = %v, want full", a.Coverage)
	}
}

func TestConnectionsSavedMetric(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://shared.relay", "wss://extra.relay"},
		"bob":   {"wss://shared.relay", "wss://other.relay"},
	}
	tr := newMockTransport()
	tr.events["wss://shared.relay"] = []*nostr.Event{event("ev1", "alice")}

	b, _ := newTestBatcher(prefs, tr)
	_, m, err := b.FetchBatched(context.Background(), []string{"alice", "bob"}, nostr.Filter{}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// Naive would be 4 (2 per author); the plan needs only the shared relay.
	if m.ActualQueryCount != 1 {
		t.Fatalf("ActualQueryCount = %d, want 1", m.ActualQueryCount)
	}
	if m.ConnectionsSaved != 3 {
		t.Fatalf("ConnectionsSaved = %d, want 3", m.ConnectionsSaved)
	}
}
