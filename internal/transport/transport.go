package transport

import (
	"context"
	"fmt"
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Shugur-Network/outbox/internal/constants"
	"github.com/Shugur-Network/outbox/internal/relayutil"
)

// KindRelayList is the NIP-65 relay list metadata event kind.
const KindRelayList = 10002

// Config tunes the transport. Zero values fall back to defaults.
type Config struct {
	// DialRate / DialBurst bound how fast we hit a single relay.
	DialRate  float64
	DialBurst int
	// LookupRelays are the seed relays queried for NIP-65 lists.
	LookupRelays []string
}

func (c *Config) fillDefaults() {
	if c.DialRate <= 0 {
		c.DialRate = constants.DefaultDialRate
	}
	if c.DialBurst <= 0 {
		c.DialBurst = constants.DefaultDialBurst
	}
}

// Transport is the go-nostr-backed wire layer: one websocket connection
// per relay, reused across queries, with a per-relay rate limiter in
// front of every operation.
type Transport struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	conns    map[string]*nostr.Relay
	limiters map[string]*rate.Limiter
}

// New builds a transport. Lookup relay URLs are normalized up front.
func New(cfg Config, logger *zap.Logger) *Transport {
	cfg.fillDefaults()
	cfg.LookupRelays = relayutil.NormalizeAll(cfg.LookupRelays)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger.Named("transport"),
		conns:    make(map[string]*nostr.Relay),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Transport) limiter(relay string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[relay]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.cfg.DialRate), t.cfg.DialBurst)
		t.limiters[relay] = l
	}
	return l
}

// connect returns a live connection to the relay, reusing a cached one
// when possible.
func (t *Transport) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	t.mu.Lock()
	if conn, ok := t.conns[url]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	t.mu.Lock()
	// Someone else may have connected while we dialed; keep theirs.
	if existing, ok := t.conns[url]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[url] = conn
	t.mu.Unlock()

	t.logger.Debug("relay connected", zap.String("relay", url))
	return conn, nil
}

// drop discards a cached connection after an error so the next call
// redials.
func (t *Transport) drop(url string) {
	t.mu.Lock()
	conn, ok := t.conns[url]
	if ok {
		delete(t.conns, url)
	}
	t.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Query runs one subscription against one relay and collects stored
// events until EOSE or context expiry. The caller owns the timeout.
func (t *Transport) Query(ctx context.Context, relay string, filter nostr.Filter) ([]*nostr.Event, error) {
	if err := t.limiter(relay).Wait(ctx); err != nil {
		return nil, err
	}

	conn, err := t.connect(ctx, relay)
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		t.drop(relay)
		return nil, fmt.Errorf("subscribe %s: %w", relay, err)
	}
	defer sub.Unsub()

	events := make([]*nostr.Event, 0)
	for {
		select {
		case ev := <-sub.Events:
			if ev == nil {
				continue
			}
			events = append(events, ev)
		case <-sub.EndOfStoredEvents:
			return events, nil
		case <-ctx.Done():
			return events, ctx.Err()
		}
	}
}

// Publish sends one event to one relay; a nil error means the relay
// acknowledged it.
func (t *Transport) Publish(ctx context.Context, relay string, event *nostr.Event) error {
	if err := t.limiter(relay).Wait(ctx); err != nil {
		return err
	}

	conn, err := t.connect(ctx, relay)
	if err != nil {
		return err
	}
	if err := conn.Publish(ctx, *event); err != nil {
		t.drop(relay)
		return fmt.Errorf("publish to %s: %w", relay, err)
	}
	return nil
}

// FetchRelayList resolves an author's NIP-65 write relays from the
// configured lookup relays. The first lookup relay holding a kind-10002
// event for the author wins; an author with no list anywhere resolves
// to an empty slice without error.
func (t *Transport) FetchRelayList(ctx context.Context, author string) ([]string, error) {
	if len(t.cfg.LookupRelays) == 0 {
		return nil, fmt.Errorf("no lookup relays configured")
	}

	filter := nostr.Filter{
		Kinds:   []int{KindRelayList},
		Authors: []string{author},
		Limit:   1,
	}

	var lastErr error
	for _, lookup := range t.cfg.LookupRelays {
		events, err := t.Query(ctx, lookup, filter)
		if err != nil {
			lastErr = err
			continue
		}
		if len(events) == 0 {
			continue
		}
		return ExtractWriteRelays(events[0]), nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("relay list lookup for %s: %w", author, lastErr)
	}
	return []string{}, nil
}

// ExtractWriteRelays pulls the write relays out of a kind-10002 event:
// "r" tags whose marker is "write" or absent (absent means read+write).
func ExtractWriteRelays(evt *nostr.Event) []string {
	relays := make([]string, 0, len(evt.Tags))
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if len(tag) >= 3 && tag[2] != "write" {
			continue
		}
		relays = append(relays, tag[1])
	}
	return relayutil.NormalizeAll(relays)
}

// Close tears down every cached connection.
func (t *Transport) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*nostr.Relay)
	t.mu.Unlock()

	for url, conn := range conns {
		conn.Close()
		t.logger.Debug("relay connection closed", zap.String("relay", url))
	}
}

// ConnectedCount reports how many relay connections are currently cached.
func (t *Transport) ConnectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}
