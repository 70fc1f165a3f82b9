package relay

import "strings"

// NormalizeURL adds the wss:// scheme when none is given and trims the
// trailing slash, so "nos.lol/" and "wss://nos.lol" name the same relay.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		u = "wss://" + rest
	} else if rest, ok := strings.CutPrefix(u, "http://"); ok {
		u = "ws://" + rest
	} else if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		u = "wss://" + u
	}
	return strings.TrimRight(u, "/")
}
