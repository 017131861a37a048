package storage

import (
	"context"
	"fmt"

	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// SubjectCaps are the per-subject row caps enforced after each remember call.
type SubjectCaps struct {
	User         int
	Room         int
	Relationship int
	Global       int
}

// DefaultSubjectCaps returns the stock per-subject limits.
func DefaultSubjectCaps() SubjectCaps {
	return SubjectCaps{User: 800, Room: 400, Relationship: 600, Global: 800}
}

// Note carries the optional attributes of a remembered note. A nil
// Importance falls back to the per-subject default; an explicit zero is
// stored as zero.
type Note struct {
	Importance *float64
	Tags       []string
	Source     string
	PersonRef  string
}

// Recall is a convenience layer over a MemoryStore that applies per-subject
// defaults and caps. It is the write path used by the chat orchestration for
// simple "remember this" calls that bypass the planner.
type Recall struct {
	mem  MemoryStore
	caps SubjectCaps
}

// NewRecall wraps mem with the given caps.
func NewRecall(mem MemoryStore, caps SubjectCaps) *Recall {
	return &Recall{mem: mem, caps: caps}
}

func (r *Recall) remember(ctx context.Context, subject types.Subject, text string, note Note, defaultImportance float64, cap int) (int64, error) {
	imp := defaultImportance
	if note.Importance != nil {
		imp = *note.Importance
	}
	source := note.Source
	if source == "" {
		source = types.SourceAuto
	}

	id, err := r.mem.AddMemory(ctx, AddMemoryParams{
		Subject:    subject,
		Text:       text,
		Tags:       note.Tags,
		Importance: imp,
		Source:     source,
		PersonRef:  note.PersonRef,
	})
	if err != nil {
		return 0, err
	}

	if _, err := r.mem.PruneSubject(ctx, subject, cap); err != nil {
		return id, fmt.Errorf("prune after remember: %w", err)
	}
	return id, nil
}

// RememberUserFact stores a note about a specific user.
func (r *Recall) RememberUserFact(ctx context.Context, userID, text string, note Note) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if note.PersonRef == "" {
		note.PersonRef = "user:" + userID
	}
	subject := types.Subject{Type: types.SubjectUser, ID: userID}
	return r.remember(ctx, subject, text, note, 0.9, r.caps.User)
}

// RememberRoomFact stores a note about a specific room.
func (r *Recall) RememberRoomFact(ctx context.Context, roomID, text string, note Note) (int64, error) {
	if roomID == "" {
		return 0, fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	subject := types.Subject{Type: types.SubjectRoom, ID: roomID}
	return r.remember(ctx, subject, text, note, 0.6, r.caps.Room)
}

// RememberRelationshipFact stores a relationship-context note tied to a user.
func (r *Recall) RememberRelationshipFact(ctx context.Context, userID, text string, note Note) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if note.PersonRef == "" {
		note.PersonRef = "user:" + userID
	}
	subject := types.Subject{Type: types.SubjectRelationship, ID: userID}
	return r.remember(ctx, subject, text, note, 0.7, r.caps.Relationship)
}

// RememberGlobalFact stores a note not tied to a specific user or room.
func (r *Recall) RememberGlobalFact(ctx context.Context, text string, note Note) (int64, error) {
	return r.remember(ctx, types.Global(), text, note, 0.6, r.caps.Global)
}

// TopUserMemories returns the best-scoring notes about a user.
func (r *Recall) TopUserMemories(ctx context.Context, userID string, limit int) ([]types.ScoredMemory, error) {
	if userID == "" {
		return nil, nil
	}
	return r.mem.QueryMemories(ctx, MemoryQuery{SubjectType: types.SubjectUser, SubjectID: userID, Limit: limit, Touch: true})
}

// TopRoomMemories returns the best-scoring notes about a room.
func (r *Recall) TopRoomMemories(ctx context.Context, roomID string, limit int) ([]types.ScoredMemory, error) {
	if roomID == "" {
		return nil, nil
	}
	return r.mem.QueryMemories(ctx, MemoryQuery{SubjectType: types.SubjectRoom, SubjectID: roomID, Limit: limit, Touch: true})
}

// TopRelationshipMemories returns the best-scoring relationship notes for a user.
func (r *Recall) TopRelationshipMemories(ctx context.Context, userID string, limit int) ([]types.ScoredMemory, error) {
	if userID == "" {
		return nil, nil
	}
	return r.mem.QueryMemories(ctx, MemoryQuery{SubjectType: types.SubjectRelationship, SubjectID: userID, Limit: limit, Touch: true})
}

// GlobalMemories returns the best-scoring global notes.
func (r *Recall) GlobalMemories(ctx context.Context, limit int) ([]types.ScoredMemory, error) {
	return r.mem.QueryMemories(ctx, MemoryQuery{SubjectType: types.SubjectGlobal, SubjectID: types.GlobalSubjectID, Limit: limit, Touch: true})
}

// GlobalUserStories returns global notes tagged "other_user", stories about
// people other than the current speaker, kept apart from general notes.
func (r *Recall) GlobalUserStories(ctx context.Context, limit int) ([]types.ScoredMemory, error) {
	return r.mem.QueryMemories(ctx, MemoryQuery{
		SubjectType: types.SubjectGlobal,
		SubjectID:   types.GlobalSubjectID,
		Tag:         "other_user",
		Limit:       limit,
		Touch:       true,
	})
}
