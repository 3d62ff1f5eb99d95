package coverage

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/health"
	"github.com/Shugur-Network/outbox/internal/outboxmodel"
)

// Result describes one coverage computation: which relay serves which
// authors, and what fraction of the requested authors is reachable.
type Result struct {
	RelayToAuthors   map[string][]string `json:"relay_to_authors"`
	TotalRelays      int                 `json:"total_relays"`
	TotalAuthors     int                 `json:"total_authors"`
	Coverage         float64             `json:"coverage"`
	UncoveredAuthors []string            `json:"uncovered_authors,omitempty"`
}

// PlanEntry is one relay query the batcher will execute.
type PlanEntry struct {
	Relay   string
	Authors []string
	Score   float64
}

// Options tunes a plan computation. Zero values fall back to defaults;
// MinCoverage is advisory and only surfaces through the returned Result.
type Options struct {
	MaxRelays          int
	MaxRelaysPerAuthor int
	MinCoverage        float64
}

func (o *Options) fillDefaults() {
	if o.MaxRelays <= 0 {
		o.MaxRelays = constants.DefaultMaxRelays
	}
	if o.MaxRelaysPerAuthor <= 0 {
		o.MaxRelaysPerAuthor = constants.DefaultMaxRelaysPerAuthor
	}
}

// HealthScorer is the slice of the health tracker the selector consults.
type HealthScorer interface {
	State(relay string) health.CircuitState
	HealthMultiplier(relay string) float64
	AvgLatencyMs(relay string) float64
}

// PreferenceSource supplies author relay lists (the outbox model).
type PreferenceSource interface {
	GetMany(ctx context.Context, authors []string) map[string]outboxmodel.AuthorRelayList
}

// Selector computes minimal-ish relay sets covering a group of authors
// via weighted greedy set cover. Each step picks the relay with the
// highest score: uncovered-author count times the relay's health
// multiplier. Open-circuit relays are excluded up front; half-open ones
// stay candidates so their single probe can ride a real query.
type Selector struct {
	prefs  PreferenceSource
	scores HealthScorer
	logger *zap.Logger
}

// NewSelector wires a selector to its preference source and health scores.
func NewSelector(prefs PreferenceSource, scores HealthScorer, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		prefs:  prefs,
		scores: scores,
		logger: logger.Named("coverage"),
	}
}

// SelectOptimalCoverage computes a covering relay set for the authors,
// consulting up to maxRelaysPerAuthor of each author's preferred relays.
func (s *Selector) SelectOptimalCoverage(ctx context.Context, authors []string, maxRelaysPerAuthor int) (Result, error) {
	opts := Options{MaxRelaysPerAuthor: maxRelaysPerAuthor}
	opts.fillDefaults()
	// No relay cap here; CreateQueryPlan applies MaxRelays.
	return s.compute(ctx, authors, opts.MaxRelaysPerAuthor, 0)
}

// CreateQueryPlan computes coverage and converts it into ordered plan
// entries, sorted by descending author count so the widest queries run
// first and partial results degrade gracefully under a time budget.
func (s *Selector) CreateQueryPlan(ctx context.Context, authors []string, opts Options) ([]PlanEntry, Result, error) {
	opts.fillDefaults()

	res, err := s.compute(ctx, authors, opts.MaxRelaysPerAuthor, opts.MaxRelays)
	if err != nil {
		return nil, Result{}, err
	}

	entries := make([]PlanEntry, 0, len(res.RelayToAuthors))
	for relay, covered := range res.RelayToAuthors {
		entries = append(entries, PlanEntry{
			Relay:   relay,
			Authors: covered,
			Score:   float64(len(covered)) * s.scores.HealthMultiplier(relay),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].Authors) != len(entries[j].Authors) {
			return len(entries[i].Authors) > len(entries[j].Authors)
		}
		return entries[i].Relay < entries[j].Relay
	})

	if opts.MinCoverage > 0 && res.Coverage < opts.MinCoverage {
		s.logger.Warn("coverage below requested minimum",
			zap.Float64("coverage", res.Coverage),
			zap.Float64("min_coverage", opts.MinCoverage),
			zap.Int("uncovered", len(res.UncoveredAuthors)))
	}

	return entries, res, nil
}

// NaiveQueryCount is the connection count a per-author fan-out would
// need: sum over authors of min(maxRelaysPerAuthor, len(relay list)).
func (s *Selector) NaiveQueryCount(ctx context.Context, authors []string, maxRelaysPerAuthor int) int {
	if maxRelaysPerAuthor <= 0 {
		maxRelaysPerAuthor = constants.DefaultMaxRelaysPerAuthor
	}
	prefs := s.prefs.GetMany(ctx, dedupAuthors(authors))
	total := 0
	for _, list := range prefs {
		n := len(list.Relays)
		if n > maxRelaysPerAuthor {
			n = maxRelaysPerAuthor
		}
		total += n
	}
	return total
}

func (s *Selector) compute(ctx context.Context, authors []string, maxRelaysPerAuthor, maxRelays int) (Result, error) {
	authors = dedupAuthors(authors)
	if len(authors) == 0 {
		return Result{}, fmt.Errorf("empty author list")
	}

	prefs := s.prefs.GetMany(ctx, authors)

	// Candidate bipartite graph: relay -> authors it can serve. Each
	// author contributes its first maxRelaysPerAuthor usable relays;
	// open-circuit relays never enter the graph.
	relayAuthors := make(map[string]map[string]struct{})
	for _, author := range authors {
		list := prefs[author]
		taken := 0
		for _, relay := range list.Relays {
			if taken >= maxRelaysPerAuthor {
				break
			}
			if s.scores.State(relay) == health.StateOpen {
				continue
			}
			set, ok := relayAuthors[relay]
			if !ok {
				set = make(map[string]struct{})
				relayAuthors[relay] = set
			}
			set[author] = struct{}{}
			taken++
		}
	}

	// Sorted candidate list keeps tie-breaking deterministic.
	candidates := make([]string, 0, len(relayAuthors))
	for relay := range relayAuthors {
		candidates = append(candidates, relay)
	}
	sort.Strings(candidates)

	covered := make(map[string]struct{}, len(authors))
	picked := make(map[string][]string)

	for len(covered) < len(authors) {
		if maxRelays > 0 && len(picked) >= maxRelays {
			break
		}

		best := ""
		bestScore := 0.0
		bestLatency := 0.0
		bestGain := 0

		for _, relay := range candidates {
			if _, already := picked[relay]; already {
				continue
			}
			gain := 0
			for author := range relayAuthors[relay] {
				if _, done := covered[author]; !done {
					gain++
				}
			}
			if gain == 0 {
				continue
			}
			score := float64(gain) * s.scores.HealthMultiplier(relay)
			latency := s.scores.AvgLatencyMs(relay)
			if best == "" || score > bestScore ||
				(score == bestScore && latency < bestLatency) {
				best, bestScore, bestLatency, bestGain = relay, score, latency, gain
			}
		}

		if best == "" {
			break // no candidate adds coverage; leftovers stay uncovered
		}

		gained := make([]string, 0, bestGain)
		for author := range relayAuthors[best] {
			if _, done := covered[author]; !done {
				covered[author] = struct{}{}
				gained = append(gained, author)
			}
		}
		sort.Strings(gained)
		picked[best] = gained
	}

	uncovered := make([]string, 0)
	for _, author := range authors {
		if _, done := covered[author]; !done {
			uncovered = append(uncovered, author)
		}
	}
	sort.Strings(uncovered)

	res := Result{
		RelayToAuthors:   picked,
		TotalRelays:      len(picked),
		TotalAuthors:     len(authors),
		Coverage:         float64(len(covered)) / float64(len(authors)),
		UncoveredAuthors: uncovered,
	}

	s.logger.Debug("coverage computed",
		zap.Int("authors", len(authors)),
		zap.Int("relays", len(picked)),
		zap.Float64("coverage", res.Coverage))

	return res, nil
}

func dedupAuthors(authors []string) []string {
	seen := make(map[string]struct{}, len(authors))
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
