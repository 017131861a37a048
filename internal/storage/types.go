package storage

import (
	"errors"
	"time"

	"github.com/ogyrec-o/rune-companion/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// overfetchMultiplier controls how many candidate rows a query pulls beyond
// its limit. Decay reordering can promote rows that rank lower on raw
// importance, so queries over-fetch and re-rank in memory.
const overfetchMultiplier = 4

// overfetchFloor is the minimum candidate window, so small limits still see
// enough rows for decay reordering.
const overfetchFloor = 32

// AddMemoryParams are the inputs to MemoryStore.AddMemory.
type AddMemoryParams struct {
	Subject types.Subject
	Text    string
	Tags    []string

	// Importance is clamped to [0,1] on write.
	Importance float64

	Source    string
	PersonRef string

	// DecayDays overrides the relevance-model half-life when > 0.
	DecayDays float64

	// Pinned forces the pinned flag; when false the flag is derived from
	// source and tags.
	Pinned bool
}

// UpdateMemoryParams describes a partial memory update. Nil pointer fields
// are left unchanged; last_updated is always refreshed.
type UpdateMemoryParams struct {
	Text       *string
	Tags       []string // nil leaves tags unchanged
	Importance *float64
	Pinned     *bool
	DecayDays  *float64
	PersonRef  *string // pointer to empty string clears the reference
}

// MemoryQuery selects and ranks memories for a subject.
type MemoryQuery struct {
	SubjectType types.SubjectType // empty matches any type
	SubjectID   string            // empty matches any id
	Tag         string            // exact tag match
	PersonRef   string            // exact match
	Limit       int

	// Touch bumps last_accessed and n_reinforced on each returned row,
	// modelling spaced reinforcement.
	Touch bool

	// Now is the scoring instant; zero means time.Now().
	Now time.Time
}

// Normalize applies defaults and bounds.
func (q *MemoryQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
}

// CandidateLimit is the over-fetch window used before decay re-ranking.
func (q *MemoryQuery) CandidateLimit() int {
	n := q.Limit * overfetchMultiplier
	if n < overfetchFloor {
		n = overfetchFloor
	}
	return n
}

// FactQuery selects and ranks facts for a subject. Semantics mirror
// MemoryQuery with confidence in place of importance.
type FactQuery struct {
	SubjectType types.SubjectType
	SubjectID   string
	Tag         string
	PersonRef   string
	Limit       int
	Touch       bool
	Now         time.Time
}

// Normalize applies defaults and bounds.
func (q *FactQuery) Normalize() {
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Now.IsZero() {
		q.Now = time.Now()
	}
}

// CandidateLimit is the over-fetch window used before decay re-ranking.
func (q *FactQuery) CandidateLimit() int {
	n := q.Limit * overfetchMultiplier
	if n < overfetchFloor {
		n = overfetchFloor
	}
	return n
}

// UpsertFactParams are the inputs to FactStore.UpsertFact.
type UpsertFactParams struct {
	Subject types.Subject

	// Key is normalized to a lowercase token on write.
	Key   string
	Value types.FactValue

	Tags []string

	// Confidence is clamped to [0,1] on write.
	Confidence float64

	Source    string
	Evidence  string
	PersonRef string

	// DecayDays overrides the relevance-model half-life when > 0.
	DecayDays float64

	Pinned bool
}

// FactWriteOutcome reports what an upsert or value mutation did. A conflict
// rejection is a normal, logged no-op outcome, not an error.
type FactWriteOutcome string

const (
	FactInserted         FactWriteOutcome = "inserted"
	FactMerged           FactWriteOutcome = "merged"
	FactOverwritten      FactWriteOutcome = "overwritten"
	FactConflictRejected FactWriteOutcome = "conflict_rejected"
	FactDeleted          FactWriteOutcome = "deleted"
	FactUnchanged        FactWriteOutcome = "unchanged"
)

// AddTaskParams are the inputs to TaskStore.AddTask.
type AddTaskParams struct {
	Kind        string
	Description string

	FromUserID    string
	ToUserID      string
	ReplyToUserID string
	RoomID        string

	// DueAt of nil means "any time".
	DueAt *time.Time

	// Importance is clamped to [0,1]; zero defaults to 0.7.
	Importance float64

	Meta map[string]string

	// Status defaults to pending.
	Status types.TaskStatus

	QuestionText string
	AnswerText   string
}

// UpdateTaskParams describes a partial task update. Nil pointer fields are
// left unchanged; updated_at is always refreshed.
type UpdateTaskParams struct {
	Status       *types.TaskStatus
	DueAt        *time.Time
	Meta         map[string]string // nil leaves meta unchanged
	QuestionText *string
	AnswerText   *string
}
