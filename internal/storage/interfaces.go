// Package storage defines the persistence contracts for the memory, fact and
// task stores.
//
// The interfaces are small and backend-agnostic; SQLite and PostgreSQL
// implementations live in subpackages. Every operation is individually
// atomic: correctness-critical transitions (task claims, fact upserts with
// conflict policy, add-or-merge) are single conditional writes or single
// transactions, never read-then-write sequences split across calls, so the
// stores are safe to share between the chat path, the scheduler loop and any
// transport goroutines without external locking.
package storage

import (
	"context"
	"time"

	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// MemoryStore persists unstructured memory notes keyed by subject.
type MemoryStore interface {
	// AddMemory inserts a note, or merges into the existing row when one
	// already holds the exact same (subject, text): tags union, importance
	// max, higher-priority source, decay max, reinforcement +1, timestamp
	// refresh. Returns the surviving row id.
	AddMemory(ctx context.Context, p AddMemoryParams) (int64, error)

	// UpdateMemory applies a partial update. Returns ErrNotFound if the
	// row does not exist.
	UpdateMemory(ctx context.Context, id int64, p UpdateMemoryParams) error

	// DeleteMemory removes a row by id; deleting an absent row is a no-op.
	DeleteMemory(ctx context.Context, id int64) error

	// GetMemory retrieves a single row by id.
	GetMemory(ctx context.Context, id int64) (*types.MemoryItem, error)

	// QueryMemories returns the top rows by effective score. The read is
	// side-effect free apart from the optional Touch reinforcement bump;
	// expired rows are filtered from the result and left for SweepExpired.
	QueryMemories(ctx context.Context, q MemoryQuery) ([]types.ScoredMemory, error)

	// PruneSubject enforces a per-subject cap: among non-pinned rows it
	// keeps the top maxItems minus the pinned count by effective score and
	// deletes the rest. Pinned rows are never deleted. Returns the number
	// of rows removed.
	PruneSubject(ctx context.Context, subject types.Subject, maxItems int) (int, error)

	// SweepExpired deletes non-pinned rows whose effective score has
	// decayed below the eviction floor. Returns the number of rows removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// CountMemories returns the total number of stored rows.
	CountMemories(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// FactStore persists structured fact slots, unique per (subject, key).
type FactStore interface {
	// UpsertFact enforces the (subject, key) uniqueness invariant.
	// No existing row: insert. Same encoded value: merge metadata.
	// Different value: overwrite only when the new source's priority is >=
	// the existing one; otherwise the value write is rejected and only
	// metadata is merged.
	UpsertFact(ctx context.Context, p UpsertFactParams) (FactWriteOutcome, error)

	// AddFactValue appends a value to a multi-valued slot if absent,
	// creating the slot when missing. Same priority gate as UpsertFact.
	AddFactValue(ctx context.Context, p UpsertFactParams) (FactWriteOutcome, error)

	// RemoveFactValue removes one element from a multi-valued slot and
	// deletes the fact when the list empties. Same priority gate.
	RemoveFactValue(ctx context.Context, subject types.Subject, key, value, source string) (FactWriteOutcome, error)

	// DeleteFact removes a slot unconditionally; absent slots are a no-op.
	DeleteFact(ctx context.Context, subject types.Subject, key string) error

	// GetFact retrieves a single slot.
	GetFact(ctx context.Context, subject types.Subject, key string) (*types.FactItem, error)

	// QueryFacts mirrors MemoryStore.QueryMemories with confidence in
	// place of importance.
	QueryFacts(ctx context.Context, q FactQuery) ([]types.ScoredFact, error)

	// SweepExpired deletes non-pinned slots below the eviction floor.
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	// CountFacts returns the total number of stored slots.
	CountFacts(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// TaskStore persists tasks and their lifecycle state.
type TaskStore interface {
	// AddTask creates a task. Kind and description are required.
	AddTask(ctx context.Context, p AddTaskParams) (int64, error)

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, id int64) (*types.Task, error)

	// ListRunnableTasks returns pending/answer_received tasks whose due_at
	// is null or <= now, ordered by (due_at, created_at) ascending.
	ListRunnableTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error)

	// TryClaimTask atomically moves the task to in_progress if its current
	// status is in expected, recording claimedBy. Returns whether this
	// caller won the claim. This is the sole mechanism preventing two
	// scheduler instances from double-dispatching a task.
	TryClaimTask(ctx context.Context, id int64, expected []types.TaskStatus, claimedBy string) (bool, error)

	// UpdateTaskStatus sets the status and refreshes updated_at.
	UpdateTaskStatus(ctx context.Context, id int64, status types.TaskStatus) error

	// UpdateTaskFields applies a partial update.
	UpdateTaskFields(ctx context.Context, id int64, p UpdateTaskParams) error

	// ListOpenTasksForUser returns non-terminal tasks where the user is
	// requester, recipient or reply target, ordered by due date. Read-only
	// status surfacing, not dispatch.
	ListOpenTasksForUser(ctx context.Context, userID string, limit int) ([]*types.Task, error)

	// FindWaitingAskTask returns the oldest ask_user* task waiting for an
	// answer from toUserID in roomID, or nil.
	FindWaitingAskTask(ctx context.Context, toUserID, roomID string) (*types.Task, error)

	// SaveAnswerAndMarkReceived records the answer, moves the task to
	// answer_received and resets due_at to now so the scheduler picks it
	// up immediately.
	SaveAnswerAndMarkReceived(ctx context.Context, id int64, answerText string, now time.Time) error

	// ReleaseStuckClaims reverts in_progress tasks whose updated_at is
	// older than olderThan back to pending. Recovers claims orphaned by a
	// crash mid-delivery. Returns the number of rows released.
	ReleaseStuckClaims(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	// CountTasks returns the total number of stored tasks.
	CountTasks(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
