package nostr

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Filter selects events on a relay. Tag constraints are keyed by the
// single-letter tag name and serialized as "#e", "#q", ...
type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    map[string][]string
	Since   *Timestamp
	Until   *Timestamp
	Limit   int
}

// ReferencesTo builds the reverse-lookup filter: text notes carrying a tag
// of the given key that points at id.
func ReferencesTo(key, id string) Filter {
	return Filter{
		Kinds: []int{KindTextNote},
		Tags:  map[string][]string{key: {id}},
	}
}

// Matches reports whether ev satisfies every constraint in f.
func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !slices.ContainsFunc(values, func(v string) bool { return ev.Tags.ContainsValue(key, v) }) {
			return false
		}
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	return true
}

func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 6+len(f.Tags))
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	for key, values := range f.Tags {
		m["#"+key] = values
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, val := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(val, &f.IDs)
		case key == "kinds":
			err = json.Unmarshal(val, &f.Kinds)
		case key == "authors":
			err = json.Unmarshal(val, &f.Authors)
		case key == "since":
			f.Since = new(Timestamp)
			err = json.Unmarshal(val, f.Since)
		case key == "until":
			f.Until = new(Timestamp)
			err = json.Unmarshal(val, f.Until)
		case key == "limit":
			err = json.Unmarshal(val, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) == 2:
			var values []string
			err = json.Unmarshal(val, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}
