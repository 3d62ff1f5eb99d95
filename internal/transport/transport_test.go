package transport

import (
	"reflect"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
)

func TestExtractWriteRelays(t *testing.T) {
	tests := []struct {
		name string
		tags nostr.Tags
		want []string
	}{
		{
			name: "marker-free tags are read+write",
			tags: nostr.Tags{
				{"r", "wss://both.relay"},
				{"r", "wss://write.relay", "write"},
				{"r", "wss://read.relay", "read"},
			},
			want: []string{"wss://both.relay", "wss://write.relay"},
		},
		{
			name: "non-r tags ignored",
			tags: nostr.Tags{
				{"p", "somepubkey"},
				{"e", "someevent"},
				{"r", "wss://only.relay"},
			},
			want: []string{"wss://only.relay"},
		},
		{
			name: "urls normalized and deduped",
			tags: nostr.Tags{
				{"r", "WSS://Relay.One/"},
				{"r", "wss://relay.one"},
				{"r", "not-a-url"},
			},
			want: []string{"wss://relay.one"},
		},
		{
			name: "short tags skipped",
			tags: nostr.Tags{
				{"r"},
				{"r", "wss://good.relay"},
			},
			want: []string{"wss://good.relay"},
		},
		{
			name: "no tags",
			tags: nostr.Tags{},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := &nostr.Event{Kind: KindRelayList, Tags: tt.tags}
			got := ExtractWriteRelays(evt)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractWriteRelays() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigFillDefaults(t *testing.T) {
	var cfg Config
	cfg.fillDefaults()
	if cfg.DialRate <= 0 || cfg.DialBurst <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
