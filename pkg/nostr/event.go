// Package nostr holds the content-item model the graph is built from: events,
// their reference tags, subscription filters and the relay wire envelopes.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kinds used by the graph.
const (
	KindTextNote = 1
)

// Timestamp is a unix time in seconds, as carried on the wire.
type Timestamp int64

func Now() Timestamp { return Timestamp(time.Now().Unix()) }

func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0) }

// Tag is a single reference tag: ["e", <id>, <relay hint>, <marker>].
type Tag []string

// Key is the tag name ("e", "q", "p", ...).
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value is the referenced id, or "" for malformed tags.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Marker is the role marker in position 3 ("reply", "root", "mention").
func (t Tag) Marker() string {
	if len(t) < 4 {
		return ""
	}
	return t[3]
}

type Tags []Tag

// Matching returns the tags with the given key, in order.
func (ts Tags) Matching(key string) Tags {
	var out Tags
	for _, t := range ts {
		if t.Key() == key {
			out = append(out, t)
		}
	}
	return out
}

// ContainsValue reports whether any tag with key points at value.
func (ts Tags) ContainsValue(key, value string) bool {
	for _, t := range ts {
		if t.Key() == key && t.Value() == value {
			return true
		}
	}
	return false
}

// Event is one signed content item.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

func (e *Event) MatchingTags(key string) Tags { return e.Tags.Matching(key) }

// Serialize returns the canonical array used to derive the event id:
// [0, pubkey, created_at, kind, tags, content].
func (e *Event) Serialize() []byte {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a slice of primitives and string slices cannot fail.
	_ = enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// ComputeID hashes the canonical serialization.
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// CheckID reports whether ID matches the event contents.
func (e *Event) CheckID() bool { return e.ID == e.ComputeID() }
