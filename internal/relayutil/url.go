package relayutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize canonicalizes a relay URL so that two spellings of the same
// endpoint compare equal: lowercased ws/wss scheme and host, path kept,
// trailing slash stripped, query and fragment dropped.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty relay URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed relay URL %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid scheme %q, expected 'ws' or 'wss'", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("relay URL %q has no host", raw)
	}

	path := strings.TrimSuffix(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + path, nil
}

// NormalizeAll normalizes a list, silently dropping entries that do not
// parse. Order is preserved and duplicates are removed.
func NormalizeAll(raws []string) []string {
	seen := make(map[string]struct{}, len(raws))
	out := make([]string, 0, len(raws))
	for _, raw := range raws {
		n, err := Normalize(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// IsValid reports whether raw normalizes to a usable relay URL.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}
