package reconcile

import (
	"encoding/json"
	"sort"
)

// TagSet is an unordered set of lifecycle tags with idempotent add/remove.
// It serializes as a sorted JSON array.
type TagSet map[string]struct{}

// NewTagSet creates a set from the given tags.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Add inserts a tag and reports whether it was absent before.
func (s TagSet) Add(tag string) bool {
	if _, ok := s[tag]; ok {
		return false
	}
	s[tag] = struct{}{}
	return true
}

// Remove deletes a tag and reports whether it was present.
func (s TagSet) Remove(tag string) bool {
	if _, ok := s[tag]; !ok {
		return false
	}
	delete(s, tag)
	return true
}

// Contains reports whether the tag is present.
func (s TagSet) Contains(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Len returns the number of tags.
func (s TagSet) Len() int { return len(s) }

// Values returns the tags in sorted order.
func (s TagSet) Values() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for t := range s {
		out[t] = struct{}{}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return err
	}
	*s = NewTagSet(tags...)
	return nil
}
