package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// FactValue is the value of a structured fact slot: either a scalar string or
// an ordered, deduplicated list of strings.
type FactValue struct {
	scalar string
	list   []string
	isList bool
}

// ScalarValue returns a scalar fact value.
func ScalarValue(s string) FactValue {
	return FactValue{scalar: s}
}

// ListValue returns a multi-valued fact value. The input order is preserved;
// duplicates are dropped.
func ListValue(values ...string) FactValue {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return FactValue{list: out, isList: true}
}

// IsList reports whether the value is a multi-valued slot.
func (v FactValue) IsList() bool { return v.isList }

// Scalar returns the scalar value (empty for list values).
func (v FactValue) Scalar() string { return v.scalar }

// List returns a copy of the list values (nil for scalar values).
func (v FactValue) List() []string {
	if !v.isList {
		return nil
	}
	out := make([]string, len(v.list))
	copy(out, v.list)
	return out
}

// Contains reports whether a list value holds elem. Scalar values report
// equality with elem.
func (v FactValue) Contains(elem string) bool {
	if !v.isList {
		return v.scalar == elem
	}
	for _, e := range v.list {
		if e == elem {
			return true
		}
	}
	return false
}

// WithValue returns a list value with elem appended if absent. A scalar value
// is promoted to a single-element list first.
func (v FactValue) WithValue(elem string) FactValue {
	if !v.isList {
		if v.scalar == elem {
			return ListValue(v.scalar)
		}
		if v.scalar == "" {
			return ListValue(elem)
		}
		return ListValue(v.scalar, elem)
	}
	if v.Contains(elem) {
		return v
	}
	return ListValue(append(v.List(), elem)...)
}

// WithoutValue returns the value with elem removed. The second return is
// false when the removal leaves the value empty (the fact should be deleted).
func (v FactValue) WithoutValue(elem string) (FactValue, bool) {
	if !v.isList {
		if v.scalar == elem {
			return FactValue{}, false
		}
		return v, true
	}
	out := make([]string, 0, len(v.list))
	for _, e := range v.list {
		if e != elem {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return FactValue{}, false
	}
	return ListValue(out...), true
}

// Encode renders the value as its canonical JSON storage form: a JSON string
// for scalars, a JSON array for lists. Equal encoded forms mean equal values.
func (v FactValue) Encode() string {
	if v.isList {
		b, _ := json.Marshal(v.list)
		return string(b)
	}
	b, _ := json.Marshal(v.scalar)
	return string(b)
}

// String renders the value for display and dispatch text.
func (v FactValue) String() string {
	if v.isList {
		b, _ := json.Marshal(v.list)
		return string(b)
	}
	return v.scalar
}

// DecodeFactValue parses the canonical storage form produced by Encode.
// Legacy plain-text values (not valid JSON) decode as scalars.
func DecodeFactValue(raw string) (FactValue, error) {
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return ScalarValue(s), nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return ListValue(list...), nil
	}
	if raw == "" {
		return FactValue{}, fmt.Errorf("empty fact value")
	}
	return ScalarValue(raw), nil
}

// MarshalJSON encodes scalars as JSON strings and lists as JSON arrays.
func (v FactValue) MarshalJSON() ([]byte, error) {
	if v.isList {
		return json.Marshal(v.list)
	}
	return json.Marshal(v.scalar)
}

// UnmarshalJSON accepts either a JSON string or a JSON array of strings.
func (v *FactValue) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeFactValue(string(data))
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// FactItem is a structured slot about a subject, unique per (subject, key).
type FactItem struct {
	ID      int64   `json:"id"`
	Subject Subject `json:"subject"`

	// Key is a normalized lowercase token, e.g. "preferred_name".
	Key   string    `json:"key"`
	Value FactValue `json:"value"`

	Tags []string `json:"tags,omitempty"`

	// Confidence in [0,1]; drives the decay half-life and query ordering.
	Confidence float64 `json:"confidence"`

	DecayDays    float64    `json:"decay_days"`
	LastUpdated  time.Time  `json:"last_updated"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	NReinforced  int        `json:"n_reinforced"`
	Pinned       bool       `json:"pinned"`
	Source       string     `json:"source"`

	// Evidence is the supporting quote the planner supplied for this fact.
	Evidence string `json:"evidence,omitempty"`

	PersonRef string `json:"person_ref,omitempty"`
}

// ScoredFact pairs a fact with its effective (time-decayed) score at query
// time.
type ScoredFact struct {
	FactItem
	EffectiveScore float64 `json:"effective_score"`
}
