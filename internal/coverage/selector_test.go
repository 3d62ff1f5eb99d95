package coverage

import (
	"context"
	"fmt"
	"reflect"
	"testing"

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

type mockScores struct {
	states      map[string]health.CircuitState
	multipliers map[string]float64
	latencies   map[string]float64
}

func (m *mockScores) State(relay string) health.CircuitState {
	if s, ok := m.states[relay]; ok {
		return s
	}
	return health.StateClosed
}

func (m *mockScores) HealthMultiplier(relay string) float64 {
	if v, ok := m.multipliers[relay]; ok {
		return v
	}
	return 1.0
}

func (m *mockScores) AvgLatencyMs(relay string) float64 {
	return m.latencies[relay]
}

func newTestSelector(prefs map[string][]string, scores *mockScores) *Selector {
	if scores == nil {
		scores = &mockScores{}
	}
	return NewSelector(&mockPrefs{lists: prefs}, scores, nil)
}

// --- tests ---

func TestEmptyAuthorListIsError(t *testing.T) {
	s := newTestSelector(nil, nil)
	if _, err := s.SelectOptimalCoverage(context.Background(), nil, 2); err == nil {
		t.Fatal("expected error for empty author list")
	}
	if _, err := s.SelectOptimalCoverage(context.Background(), []string{"", ""}, 2); err == nil {
		t.Fatal("expected error when every author is blank")
	}
}

func TestSharedRelayCollapsesToOneQuery(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://shared.relay", "wss://a.relay"},
		"bob":   {"wss://shared.relay", "wss://b.relay"},
		"carol": {"wss://shared.relay"},
	}
	s := newTestSelector(prefs, nil)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice", "bob", "carol"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalRelays != 1 {
		t.Fatalf("TotalRelays = %d, want 1", res.TotalRelays)
	}
	if res.Coverage != 1.0 {
		t.Fatalf("Coverage = %v, want 1.0", res.Coverage)
	}
	got := res.RelayToAuthors["wss://shared.relay"]
	want := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("covered authors = %v, want %v", got, want)
	}
}

func TestDisjointRelaysEachSelected(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://a.relay"},
		"bob":   {"wss://b.relay"},
	}
	s := newTestSelector(prefs, nil)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice", "bob"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalRelays != 2 || res.Coverage != 1.0 {
		t.Fatalf("got %d relays, coverage %v; want 2 relays full coverage", res.TotalRelays, res.Coverage)
	}
}

func TestAuthorWithoutRelaysIsUncovered(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://a.relay"},
		"ghost": nil,
	}
	s := newTestSelector(prefs, nil)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice", "ghost"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Coverage != 0.5 {
		t.Fatalf("Coverage = %v, want 0.5", res.Coverage)
	}
	if !reflect.DeepEqual(res.UncoveredAuthors, []string{"ghost"}) {
		t.Fatalf("UncoveredAuthors = %v, want [ghost]", res.UncoveredAuthors)
	}
}

func TestOpenCircuitRelaysExcluded(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://dead.relay", "wss://backup.relay"},
	}
	scores := &mockScores{states: map[string]health.CircuitState{
		"wss://dead.relay": health.StateOpen,
	}}
	s := newTestSelector(prefs, scores)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, picked := res.RelayToAuthors["wss://dead.relay"]; picked {
		t.Fatal("open-circuit relay must never be selected")
	}
	if _, picked := res.RelayToAuthors["wss://backup.relay"]; !picked {
		t.Fatal("backup relay should cover the author")
	}
}

func TestHalfOpenRelayStaysCandidate(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://probing.relay"},
	}
	scores := &mockScores{states: map[string]health.CircuitState{
		"wss://probing.relay": health.StateHalfOpen,
	}}
	s := newTestSelector(prefs, scores)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Coverage != 1.0 {
		t.Fatalf("Coverage = %v, want 1.0 via the half-open relay", res.Coverage)
	}
}

func TestHealthWeightBreaksCoverageTies(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://flaky.relay", "wss://solid.relay"},
		"bob":   {"wss://flaky.relay", "wss://solid.relay"},
	}
	scores := &mockScores{multipliers: map[string]float64{
		"wss://flaky.relay": 0.3,
		"wss://solid.relay": 1.4,
	}}
	s := newTestSelector(prefs, scores)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice", "bob"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, picked := res.RelayToAuthors["wss://solid.relay"]; !picked {
		t.Fatalf("healthier relay should win the tie, got %v", res.RelayToAuthors)
	}
	if res.TotalRelays != 1 {
		t.Fatalf("TotalRelays = %d, want 1", res.TotalRelays)
	}
}

func TestEqualScoreTieBrokenByLatency(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://far.relay", "wss://near.relay"},
	}
	scores := &mockScores{latencies: map[string]float64{
		"wss://far.relay":  900,
		"wss://near.relay": 40,
	}}
	s := newTestSelector(prefs, scores)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, picked := res.RelayToAuthors["wss://near.relay"]; !picked {
		t.Fatalf("lower-latency relay should win the tie, got %v", res.RelayToAuthors)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	prefs := map[string][]string{}
	authors := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		a := fmt.Sprintf("author%02d", i)
		authors = append(authors, a)
		prefs[a] = []string{
			fmt.Sprintf("wss://relay%d.test", i%5),
			fmt.Sprintf("wss://relay%d.test", (i+1)%5),
		}
	}
	s := newTestSelector(prefs, nil)

	first, err := s.SelectOptimalCoverage(context.Background(), authors, 2)
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 5; run++ {
		again, err := s.SelectOptimalCoverage(context.Background(), authors, 2)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged:\nfirst: %+v\nagain: %+v", run, first, again)
		}
	}
}

func TestCoverageMonotonicInRelaysPerAuthor(t *testing.T) {
	// Each author lists their own relay first and the shared relay
	// second, so the shared relay only becomes a candidate once the
	// per-author cap admits second choices.
	prefs := map[string][]string{}
	authors := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		a := fmt.Sprintf("author%d", i)
		authors = append(authors, a)
		prefs[a] = []string{fmt.Sprintf("wss://own%d.relay", i), "wss://shared.relay"}
	}
	s := newTestSelector(prefs, nil)

	prev := -1.0
	for perAuthor := 1; perAuthor <= 3; perAuthor++ {
		_, res, err := s.CreateQueryPlan(context.Background(), authors, Options{
			MaxRelays:          2,
			MaxRelaysPerAuthor: perAuthor,
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.Coverage < prev {
			t.Fatalf("coverage dropped from %v to %v at maxRelaysPerAuthor=%d", prev, res.Coverage, perAuthor)
		}
		prev = res.Coverage
	}

	// With second choices admitted the shared relay covers everyone.
	if prev != 1.0 {
		t.Fatalf("final coverage = %v, want 1.0 via the shared relay", prev)
	}
}

func TestMaxRelaysCapRespected(t *testing.T) {
	prefs := map[string][]string{}
	authors := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		a := fmt.Sprintf("author%d", i)
		authors = append(authors, a)
		// Every author on their own relay forces one relay per author.
		prefs[a] = []string{fmt.Sprintf("wss://solo%d.relay", i)}
	}
	s := newTestSelector(prefs, nil)

	plan, res, err := s.CreateQueryPlan(context.Background(), authors, Options{MaxRelays: 3, MaxRelaysPerAuthor: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 {
		t.Fatalf("plan size = %d, want 3 (capped)", len(plan))
	}
	if res.Coverage >= 1.0 {
		t.Fatalf("Coverage = %v, want partial under the cap", res.Coverage)
	}
	if len(res.UncoveredAuthors) != 7 {
		t.Fatalf("uncovered = %d, want 7", len(res.UncoveredAuthors))
	}
}

func TestPlanOrderedByAuthorCount(t *testing.T) {
	prefs := map[string][]string{
		"a1": {"wss://big.relay"},
		"a2": {"wss://big.relay"},
		"a3": {"wss://big.relay"},
		"b1": {"wss://small.relay"},
	}
	s := newTestSelector(prefs, nil)

	plan, _, err := s.CreateQueryPlan(context.Background(), []string{"a1", "a2", "a3", "b1"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan size = %d, want 2", len(plan))
	}
	if plan[0].Relay != "wss://big.relay" || plan[1].Relay != "wss://small.relay" {
		t.Fatalf("plan order wrong: %s then %s", plan[0].Relay, plan[1].Relay)
	}
}

func TestDuplicateAuthorsCollapsed(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://a.relay"},
	}
	s := newTestSelector(prefs, nil)

	res, err := s.SelectOptimalCoverage(context.Background(), []string{"alice", "alice", "alice"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalAuthors != 1 {
		t.Fatalf("TotalAuthors = %d, want 1 after dedup", res.TotalAuthors)
	}
}

func TestLargeFollowListSavings(t *testing.T) {
	// 100 authors spread over 10 community relays, 2 relays each.
	prefs := map[string][]string{}
	authors := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		a := fmt.Sprintf("author%03d", i)
		authors = append(authors, a)
		prefs[a] = []string{
			fmt.Sprintf("wss://community%d.relay", i%10),
			fmt.Sprintf("wss://community%d.relay", (i+3)%10),
		}
	}
	s := newTestSelector(prefs, nil)

	res, err := s.SelectOptimalCoverage(context.Background(), authors, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Coverage != 1.0 {
		t.Fatalf("Coverage = %v, want full", res.Coverage)
	}
	if res.TotalRelays > 10 {
		t.Fatalf("TotalRelays = %d, want at most the 10 community relays", res.TotalRelays)
	}

	naive := s.NaiveQueryCount(context.Background(), authors, 2)
	if naive != 200 {
		t.Fatalf("NaiveQueryCount = %d, want 200", naive)
	}
}

func TestNaiveQueryCountCapsPerAuthor(t *testing.T) {
	prefs := map[string][]string{
		"alice": {"wss://1.relay", "wss://2.relay", "wss://3.relay", "wss://4.relay"},
		"bob":   {"wss://1.relay"},
	}
	s := newTestSelector(prefs, nil)

	if got := s.NaiveQueryCount(context.Background(), []string{"alice", "bob"}, 2); got != 3 {
		t.Fatalf("NaiveQueryCount = %d, want 3 (2 capped + 1)", got)
	}
}
