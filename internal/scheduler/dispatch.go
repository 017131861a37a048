// Package scheduler turns stored tasks into outbound messages. It owns the
// polling loop, claim protocol and retry policy; where and how a message is
// actually delivered belongs to the injected Deliverer.
package scheduler

import (
	"strings"

	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// Phase identifies which leg of a task the scheduler is sending.
type Phase string

const (
	// PhaseAsk sends the question of a two-phase ask_user task.
	PhaseAsk Phase = "ask"
	// PhaseReplyBack relays a captured answer to the requester.
	PhaseReplyBack Phase = "reply_back"
	// PhaseMessage sends a one-shot message.
	PhaseMessage Phase = "message"
)

// Dispatch is what the scheduler wants delivered. The scheduler decides the
// phase and text; the Deliverer decides transport and formatting.
type Dispatch struct {
	Task          *types.Task
	Phase         Phase
	Text          string
	ToUserID      string
	RoomID        string
	ReplyToUserID string
}

// BuildDispatch converts a claimed task into a deliverable message, or nil
// when the task carries nothing to send.
//
// Two-phase tasks (kinds with the ask_user prefix):
// phase one sends question_text to to_user_id and parks the task in
// waiting_answer; phase two (ask_user_and_reply_back only) relays the
// captured answer to reply_to_user_id and finishes the task.
func BuildDispatch(task *types.Task) *Dispatch {
	kind := strings.TrimSpace(task.Kind)
	if kind == "" {
		return nil
	}

	if strings.HasPrefix(kind, types.AskUserKindPrefix) {
		if task.Status == types.TaskPending || task.Status == types.TaskInProgress {
			text := strings.TrimSpace(task.QuestionText)
			if text == "" {
				text = strings.TrimSpace(task.Description)
			}
			if text == "" {
				return nil
			}
			return &Dispatch{
				Task:          task,
				Phase:         PhaseAsk,
				Text:          text,
				ToUserID:      task.ToUserID,
				RoomID:        task.RoomID,
				ReplyToUserID: task.ReplyToUserID,
			}
		}

		if kind == types.KindAskUserAndReplyBack && task.Status == types.TaskAnswerReceived {
			text := strings.TrimSpace(task.AnswerText)
			if text != "" {
				text = "Answer received: " + text
			} else {
				text = strings.TrimSpace(task.Description)
			}
			if text == "" {
				return nil
			}

			// The answer may need to land in a different room than the
			// question was asked in.
			room := task.Meta[types.MetaReplyRoomID]
			if room == "" {
				room = task.RoomID
			}
			return &Dispatch{
				Task:          task,
				Phase:         PhaseReplyBack,
				Text:          text,
				ToUserID:      task.ReplyToUserID,
				RoomID:        room,
				ReplyToUserID: task.ReplyToUserID,
			}
		}

		// Unknown ask_user combination falls back to one-shot semantics.
		return oneShot(task)
	}

	return oneShot(task)
}

func oneShot(task *types.Task) *Dispatch {
	text := strings.TrimSpace(task.Description)
	if text == "" {
		return nil
	}
	return &Dispatch{
		Task:          task,
		Phase:         PhaseMessage,
		Text:          text,
		ToUserID:      task.ToUserID,
		RoomID:        task.RoomID,
		ReplyToUserID: task.ReplyToUserID,
	}
}
