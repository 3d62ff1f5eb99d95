package outboxmodel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/metrics"
	"github.com/Shugur-Network/outbox/internal/relayutil"
)

// RelayListFetcher is the underlying NIP-65 lookup supplied by the
// transport layer.
type RelayListFetcher interface {
	FetchRelayList(ctx context.Context, author string) ([]string, error)
}

// AuthorRelayList is an author's advertised write-relay list (their
// outbox) with the time it was fetched. Callers must treat an expired
// list as unknown, never as stale-but-usable.
type AuthorRelayList struct {
	Author    string
	Relays    []string
	FetchedAt time.Time
}

// Resolver maps authors to their preferred write relays, caching lookups
// for a TTL. Expired entries are refetched before being returned; when
// the refetch itself fails the author resolves to an empty list.
type Resolver struct {
	fetcher       RelayListFetcher
	ttl           time.Duration
	lookupTimeout time.Duration
	maxConcurrent int

	mu    sync.Mutex
	cache map[string]AuthorRelayList

	logger *zap.Logger
	now    func() time.Time
}

// NewResolver builds a resolver over the given fetcher. ttl <= 0 and
// lookupTimeout <= 0 fall back to the defaults (1h, 5s).
func NewResolver(fetcher RelayListFetcher, ttl, lookupTimeout time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = constants.DefaultRelayListTTL
	}
	if lookupTimeout <= 0 {
		lookupTimeout = constants.DefaultLookupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		fetcher:       fetcher,
		ttl:           ttl,
		lookupTimeout: lookupTimeout,
		maxConcurrent: 20,
		cache:         make(map[string]AuthorRelayList),
		logger:        logger.Named("resolver"),
		now:           time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (r *Resolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// GetMany resolves relay lists for a batch of authors, reusing unexpired
// cache entries and fetching the rest concurrently. Every requested
// author appears in the result; authors whose lookup failed map to an
// empty list.
func (r *Resolver) GetMany(ctx context.Context, authors []string) map[string]AuthorRelayList {
	result := make(map[string]AuthorRelayList, len(authors))

	r.mu.Lock()
	cutoff := r.now().Add(-r.ttl)
	missing := make([]string, 0)
	for _, author := range authors {
		if _, dup := result[author]; dup {
			continue
		}
		if entry, ok := r.cache[author]; ok && entry.FetchedAt.After(cutoff) {
			result[author] = entry
			metrics.RelayListCacheHits.Inc()
			continue
		}
		metrics.RelayListCacheMisses.Inc()
		missing = append(missing, author)
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return result
	}

	r.logger.Debug("fetching relay lists",
		zap.Int("cached", len(result)),
		zap.Int("missing", len(missing)))

	type fetched struct {
		author string
		entry  AuthorRelayList
		cache  bool
	}

	sem := make(chan struct{}, r.maxConcurrent)
	out := make(chan fetched, len(missing))
	var wg sync.WaitGroup

	for _, author := range missing {
		wg.Add(1)
		go func(a string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
			defer cancel()

			relays, err := r.fetcher.FetchRelayList(fctx, a)
			if err != nil {
				r.logger.Debug("relay list lookup failed",
					zap.String("author", a), zap.Error(err))
				// Fail open to "no known relay". Not cached, so the next
				// call retries instead of pinning the failure for a TTL.
				out <- fetched{author: a, entry: AuthorRelayList{Author: a}}
				return
			}
			out <- fetched{
				author: a,
				entry: AuthorRelayList{
					Author:    a,
					Relays:    relayutil.NormalizeAll(relays),
					FetchedAt: r.now(),
				},
				cache: true,
			}
		}(author)
	}

	wg.Wait()
	close(out)

	r.mu.Lock()
	for f := range out {
		result[f.author] = f.entry
		if f.cache {
			r.cache[f.author] = f.entry
		}
	}
	r.mu.Unlock()

	return result
}

// Invalidate drops a single author's cached list.
func (r *Resolver) Invalidate(author string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, author)
}

// PruneExpired drops every cache entry past the TTL and returns the
// number removed.
func (r *Resolver) PruneExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for author, entry := range r.cache {
		if !entry.FetchedAt.After(cutoff) {
			delete(r.cache, author)
			removed++
		}
	}
	return removed
}

// CacheSize returns the number of cached entries, expired or not.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
