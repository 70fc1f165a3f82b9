// Package classify decides which reference tags of an event become graph
// edges.
//
// "e" tags may indicate a reply. Tags explicitly marked "reply" or "root"
// are replies; when no tag is marked either way and the event has exactly
// one "e" tag, that tag is an implicit reply. Any other "e" tag is an uninvolved
// reference and produces no edge. Every "q" tag is a quote edge regardless
// of the "e" tags.
package classify

import (
	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

const (
	TagReply = "e"
	TagQuote = "q"

	MarkerReply = "reply"
	MarkerRoot  = "root"
)

// Refs are the outgoing edge targets of one event, de-duplicated and in tag
// order.
type Refs struct {
	Replies []string
	Quotes  []string
}

// Targets returns every reply and quote target once.
func (r Refs) Targets() []string {
	seen := make(map[string]struct{}, len(r.Replies)+len(r.Quotes))
	out := make([]string, 0, len(r.Replies)+len(r.Quotes))
	for _, ids := range [][]string{r.Replies, r.Quotes} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (r Refs) Empty() bool { return len(r.Replies) == 0 && len(r.Quotes) == 0 }

// wellFormed drops tags too short to carry a target or with an empty one.
func wellFormed(tags nostr.Tags) nostr.Tags {
	out := tags[:0:0]
	for _, t := range tags {
		if t.Value() != "" {
			out = append(out, t)
		}
	}
	return out
}

// Outgoing classifies ev's own tags.
func Outgoing(ev *nostr.Event) Refs {
	if ev == nil {
		return Refs{}
	}
	eTags := wellFormed(ev.MatchingTags(TagReply))

	var replyTags, rootTags nostr.Tags
	for _, t := range eTags {
		switch t.Marker() {
		case MarkerReply:
			replyTags = append(replyTags, t)
		case MarkerRoot:
			rootTags = append(rootTags, t)
		}
	}

	var implicit nostr.Tags
	if len(replyTags) == 0 && len(rootTags) == 0 && len(eTags) == 1 {
		implicit = eTags
	}

	var refs Refs
	refs.Replies = appendUnique(refs.Replies, replyTags, rootTags, implicit)
	refs.Quotes = appendUnique(refs.Quotes, wellFormed(ev.MatchingTags(TagQuote)))
	return refs
}

func appendUnique(dst []string, groups ...nostr.Tags) []string {
	seen := make(map[string]struct{})
	for _, id := range dst {
		seen[id] = struct{}{}
	}
	for _, g := range groups {
		for _, t := range g {
			if _, ok := seen[t.Value()]; ok {
				continue
			}
			seen[t.Value()] = struct{}{}
			dst = append(dst, t.Value())
		}
	}
	return dst
}

// Edges turns the references into edges sourced at source, replies first.
func (r Refs) Edges(source string) []graph.Edge {
	out := make([]graph.Edge, 0, len(r.Replies)+len(r.Quotes))
	for _, id := range r.Replies {
		out = append(out, graph.Edge{Source: source, Target: id, Type: graph.EdgeReply})
	}
	for _, id := range r.Quotes {
		out = append(out, graph.Edge{Source: source, Target: id, Type: graph.EdgeQuote})
	}
	return out
}

// IsReplyTo applies the reverse rule for an incoming event: it replies to
// id when a "reply" or "root" marked tag points at id, or id is its only
// "e" tag.
func IsReplyTo(ev *nostr.Event, id string) bool {
	if ev == nil || id == "" {
		return false
	}
	eTags := wellFormed(ev.MatchingTags(TagReply))
	for _, t := range eTags {
		if t.Value() != id {
			continue
		}
		if m := t.Marker(); m == MarkerReply || m == MarkerRoot {
			return true
		}
	}
	return len(eTags) == 1 && eTags[0].Value() == id
}

// IsQuoteOf reports whether ev carries a "q" tag pointing at id.
func IsQuoteOf(ev *nostr.Event, id string) bool {
	if ev == nil || id == "" {
		return false
	}
	return ev.Tags.ContainsValue(TagQuote, id)
}
