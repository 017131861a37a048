package types

import "time"

// TaskStatus is the lifecycle state of a task.
//
// pending -> in_progress -> waiting_answer -> answer_received -> done
//
// in_progress is a transient claim lock taken by a scheduler while it
// dispatches; callers must not rely on observing it between polls. done and
// cancelled are terminal.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskInProgress     TaskStatus = "in_progress"
	TaskWaitingAnswer  TaskStatus = "waiting_answer"
	TaskAnswerReceived TaskStatus = "answer_received"
	TaskDone           TaskStatus = "done"
	TaskCancelled      TaskStatus = "cancelled"
)

// TaskStatusFromDB maps a raw status column value onto a TaskStatus,
// defaulting to pending for unknown or empty values.
func TaskStatusFromDB(raw string) TaskStatus {
	switch s := TaskStatus(raw); s {
	case TaskPending, TaskInProgress, TaskWaitingAnswer, TaskAnswerReceived, TaskDone, TaskCancelled:
		return s
	default:
		return TaskPending
	}
}

// Terminal reports whether no further writes may occur on a task in this
// status.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// AskUserKindPrefix marks two-phase question/answer tasks.
const AskUserKindPrefix = "ask_user"

// KindAskUserAndReplyBack is the two-phase kind whose second phase relays the
// recorded answer to the original requester.
const KindAskUserAndReplyBack = "ask_user_and_reply_back"

// MetaReplyRoomID is the meta key holding an optional override room for the
// second-phase reply of an ask_user_and_reply_back task.
const MetaReplyRoomID = "reply_room_id"

// Task is a unit of deferred or multi-step work.
type Task struct {
	ID     int64      `json:"id"`
	Status TaskStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// DueAt of nil means "any time".
	DueAt *time.Time `json:"due_at,omitempty"`

	// Kind is a free string; the ask_user prefix marks two-phase tasks.
	Kind        string `json:"kind"`
	Description string `json:"description"`

	FromUserID    string `json:"from_user_id,omitempty"`
	ToUserID      string `json:"to_user_id,omitempty"`
	ReplyToUserID string `json:"reply_to_user_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`

	Importance float64           `json:"importance"`
	Meta       map[string]string `json:"meta,omitempty"`

	QuestionText string `json:"question_text,omitempty"`
	AnswerText   string `json:"answer_text,omitempty"`

	// ClaimedBy records the scheduler instance that last claimed this task.
	// Diagnostic only; the claim itself is the status transition.
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// TwoPhase reports whether the task follows the ask/answer lifecycle.
func (t *Task) TwoPhase() bool {
	return len(t.Kind) >= len(AskUserKindPrefix) && t.Kind[:len(AskUserKindPrefix)] == AskUserKindPrefix
}
