package types

import "time"

// MemoryItem is an unstructured note about a subject.
//
// At most one row exists per (subject, exact text): re-adding the same text
// merges into the existing row instead of duplicating it.
type MemoryItem struct {
	ID      int64   `json:"id"`
	Subject Subject `json:"subject"`

	Text string   `json:"text"`
	Tags []string `json:"tags,omitempty"`

	// Importance in [0,1]; drives the decay half-life and query ordering.
	Importance float64 `json:"importance"`

	// DecayDays is the decay half-life in days.
	DecayDays float64 `json:"decay_days"`

	LastUpdated  time.Time  `json:"last_updated"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	// NReinforced counts merges and touched reads; consulted items outlive
	// their initial decay schedule.
	NReinforced int `json:"n_reinforced"`

	// Pinned items are exempt from decay and eviction.
	Pinned bool `json:"pinned"`

	// Source is free text ("auto", "explicit", "manual", "system", ...)
	// ranked by SourcePriority during merges.
	Source string `json:"source"`

	// PersonRef is an optional cross-reference to a user identity,
	// e.g. "user:@alice:example.org".
	PersonRef string `json:"person_ref,omitempty"`
}

// ScoredMemory pairs a memory with its effective (time-decayed) score at
// query time.
type ScoredMemory struct {
	MemoryItem
	EffectiveScore float64 `json:"effective_score"`
}
