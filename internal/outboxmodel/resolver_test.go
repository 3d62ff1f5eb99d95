package outboxmodel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockFetcher struct {
	mu    sync.Mutex
	lists map[string][]string
	errs  map[string]error
	calls map[string]int
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		lists: make(map[string][]string),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (m *mockFetcher) FetchRelayList(ctx context.Context, author string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[author]++
	if err, ok := m.errs[author]; ok {
		return nil, err
	}
	return m.lists[author], nil
}

func (m *mockFetcher) callCount(author string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[author]
}

func TestGetManyFetchesAndCaches(t *testing.T) {
	f := newMockFetcher()
	f.lists["alice"] = []string{"wss://a.relay"}

	r := NewResolver(f, time.Hour, time.Second, nil)

	got := r.GetMany(context.Background(), []string{"alice"})
	if len(got["alice"].Relays) != 1 || got["alice"].Relays[0] != "wss://a.relay" {
		t.Fatalf("relays = %v, want [wss://a.relay]", got["alice"].Relays)
	}

	// Second call hits the cache, no new fetch.
	r.GetMany(context.Background(), []string{"alice"})
	if n := f.callCount("alice"); n != 1 {
		t.Fatalf("fetch count = %d, want 1", n)
	}
}

func TestExpiredEntryRefetched(t *testing.T) {
	f := newMockFetcher()
	f.lists["alice"] = []string{"wss://a.relay"}

	r := NewResolver(f, time.Hour, time.Second, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	r.GetMany(context.Background(), []string{"alice"})
	now = now.Add(2 * time.Hour)
	r.GetMany(context.Background(), []string{"alice"})

	if n := f.callCount("alice"); n != 2 {
		t.Fatalf("fetch count = %d, want 2 after TTL expiry", n)
	}
}

func TestFailedLookupResolvesEmptyAndIsNotCached(t *testing.T) {
	f := newMockFetcher()
	f.errs["ghost"] = fmt.Errorf("lookup relay unreachable")

	r := NewResolver(f, time.Hour, time.Second, nil)

	got := r.GetMany(context.Background(), []string{"ghost"})
	entry, ok := got["ghost"]
	if !ok {
		t.Fatal("every requested author must appear in the result")
	}
	if len(entry.Relays) != 0 {
		t.Fatalf("relays = %v, want empty on lookup failure", entry.Relays)
	}

	// The failure is not pinned: the next call retries immediately.
	r.GetMany(context.Background(), []string{"ghost"})
	if n := f.callCount("ghost"); n != 2 {
		t.Fatalf("fetch count = %d, want 2 (failures are not cached)", n)
	}
}

func TestRelayURLsNormalized(t *testing.T) {
	f := newMockFetcher()
	f.lists["alice"] = []string{"WSS://Relay.One/", "wss://relay.one", "https://bad.example"}

	r := NewResolver(f, time.Hour, time.Second, nil)

	got := r.GetMany(context.Background(), []string{"alice"})
	relays := got["alice"].Relays
	if len(relays) != 1 || relays[0] != "wss://relay.one" {
		t.Fatalf("relays = %v, want single normalized wss://relay.one", relays)
	}
}

func TestGetManyMixedBatch(t *testing.T) {
	f := newMockFetcher()
	f.lists["alice"] = []string{"wss://a.relay"}
	f.lists["bob"] = []string{"wss://b.relay"}
	f.errs["ghost"] = fmt.Errorf("no lookup relay reachable")

	r := NewResolver(f, time.Hour, time.Second, nil)

	got := r.GetMany(context.Background(), []string{"alice", "bob", "ghost"})
	if len(got) != 3 {
		t.Fatalf("result size = %d, want 3", len(got))
	}
	if len(got["alice"].Relays) != 1 || len(got["bob"].Relays) != 1 {
		t.Fatal("successful authors should resolve their lists")
	}
	if len(got["ghost"].Relays) != 0 {
		t.Fatal("failed author should resolve to an empty list")
	}
	if r.CacheSize() != 2 {
		t.Fatalf("cache size = %d, want 2 (failure not cached)", r.CacheSize())
	}
}

func TestConcurrentGetManySingleAuthorSafe(t *testing.T) {
	f := newMockFetcher()
	for i := 0; i < 50; i++ {
		f.lists[fmt.Sprintf("author%d", i)] = []string{"wss://shared.relay"}
	}

	r := NewResolver(f, time.Hour, time.Second, nil)

	var wg sync.WaitGroup
	var failures int32
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			authors := make([]string, 0, 50)
			for i := 0; i < 50; i++ {
				authors = append(authors, fmt.Sprintf("author%d", i))
			}
			got := r.GetMany(context.Background(), authors)
			if len(got) != 50 {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	wg.Wait()
	if failures != 0 {
		t.Fatalf("%d concurrent calls returned short results", failures)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	f := newMockFetcher()
	f.lists["alice"] = []string{"wss://a.relay"}

	r := NewResolver(f, time.Hour, time.Second, nil)

	r.GetMany(context.Background(), []string{"alice"})
	r.Invalidate("alice")
	r.GetMany(context.Background(), []string{"alice"})

	if n := f.callCount("alice"); n != 2 {
		t.Fatalf("fetch count = %d, want 2 after invalidation", n)
	}
}

func TestPruneExpired(t *testing.T) {
	f := newMockFetcher()
	f.lists["alice"] = []string{"wss://a.relay"}
	f.lists["bob"] = []string{"wss://b.relay"}

	r := NewResolver(f, time.Hour, time.Second, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })

	r.GetMany(context.Background(), []string{"alice"})
	now = now.Add(30 * time.Minute)
	r.GetMany(context.Background(), []string{"bob"})
	now = now.Add(45 * time.Minute)

	// alice is 75m old (expired), bob is 45m old (fresh).
	if removed := r.PruneExpired(); removed != 1 {
		t.Fatalf("PruneExpired() = %d, want 1", removed)
	}
	if r.CacheSize() != 1 {
		t.Fatalf("cache size = %d, want 1", r.CacheSize())
	}
}
