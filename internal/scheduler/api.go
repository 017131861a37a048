package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

// SimpleMessageParams describe a one-shot message to schedule.
type SimpleMessageParams struct {
	Description string
	ToUserID    string
	RoomID      string
	FromUserID  string
	RunAfter    time.Duration
	Importance  float64
}

// ScheduleSimpleMessage creates a plain "message" task due after RunAfter.
func ScheduleSimpleMessage(ctx context.Context, tasks storage.TaskStore, p SimpleMessageParams) (int64, error) {
	if p.RunAfter < 0 {
		p.RunAfter = 0
	}
	due := time.Now().Add(p.RunAfter)
	return tasks.AddTask(ctx, storage.AddTaskParams{
		Kind:        "message",
		Description: p.Description,
		FromUserID:  p.FromUserID,
		ToUserID:    p.ToUserID,
		RoomID:      p.RoomID,
		DueAt:       &due,
		Importance:  p.Importance,
	})
}

// CaptureAnswer checks whether an ask task is waiting on this user in this
// room and, if so, records messageText as the answer and makes the task
// runnable again. Returns the answered task, or nil when nothing was waiting.
func CaptureAnswer(ctx context.Context, tasks storage.TaskStore, userID, roomID, messageText string) (*types.Task, error) {
	if userID == "" || roomID == "" {
		return nil, nil
	}

	task, err := tasks.FindWaitingAskTask(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	if err := tasks.SaveAnswerAndMarkReceived(ctx, task.ID, messageText, time.Now()); err != nil {
		return nil, err
	}
	log.Printf("scheduler: captured answer task=%d user=%s room=%s", task.ID, userID, roomID)
	return task, nil
}
