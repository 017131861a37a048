package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/internal/storage/sqlite"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	sent     []Delivery
	failNext int
}

func (d *recordingDeliverer) SendText(ctx context.Context, msg Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return errors.New("transport down")
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDeliverer) deliveries() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Delivery(nil), d.sent...)
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *sqlite.TaskStore, *recordingDeliverer) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks := sqlite.NewTaskStore(db)
	deliverer := &recordingDeliverer{}
	return New(tasks, deliverer, opts), tasks, deliverer
}

func TestBuildDispatch_Phases(t *testing.T) {
	ask := &types.Task{
		Kind: "ask_user_and_reply_back", Status: types.TaskPending,
		QuestionText: "coming to the meetup?", Description: "ask bob",
		ToUserID: "bob", RoomID: "room-1", ReplyToUserID: "alice",
	}
	d := BuildDispatch(ask)
	require.NotNil(t, d)
	assert.Equal(t, PhaseAsk, d.Phase)
	assert.Equal(t, "coming to the meetup?", d.Text)
	assert.Equal(t, "bob", d.ToUserID)

	reply := &types.Task{
		Kind: "ask_user_and_reply_back", Status: types.TaskAnswerReceived,
		AnswerText: "yes!", ToUserID: "bob", RoomID: "room-1", ReplyToUserID: "alice",
		Meta: map[string]string{types.MetaReplyRoomID: "room-2"},
	}
	d = BuildDispatch(reply)
	require.NotNil(t, d)
	assert.Equal(t, PhaseReplyBack, d.Phase)
	assert.Equal(t, "Answer received: yes!", d.Text)
	assert.Equal(t, "alice", d.ToUserID, "reply goes to the requester")
	assert.Equal(t, "room-2", d.RoomID, "meta reply room overrides the ask room")

	message := &types.Task{Kind: "message", Status: types.TaskPending, Description: "hello"}
	d = BuildDispatch(message)
	require.NotNil(t, d)
	assert.Equal(t, PhaseMessage, d.Phase)

	assert.Nil(t, BuildDispatch(&types.Task{Kind: "message", Status: types.TaskPending}),
		"no text means nothing to send")
	assert.Nil(t, BuildDispatch(&types.Task{Status: types.TaskPending, Description: "x"}),
		"a task without kind is not dispatchable")

	// Plain ask_user has no phase two: an answer_received row falls back to
	// one-shot semantics on its description.
	fallback := &types.Task{
		Kind: "ask_user", Status: types.TaskAnswerReceived, Description: "follow up",
	}
	d = BuildDispatch(fallback)
	require.NotNil(t, d)
	assert.Equal(t, PhaseMessage, d.Phase)
}

func TestRunOnce_TwoPhaseLifecycle(t *testing.T) {
	sched, tasks, deliverer := newTestScheduler(t, Options{})
	ctx := context.Background()

	id, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind:          "ask_user_and_reply_back",
		Description:   "ask bob about the meetup",
		QuestionText:  "are you coming?",
		ToUserID:      "bob",
		ReplyToUserID: "alice",
		RoomID:        "room-1",
	})
	require.NoError(t, err)

	// Phase one: the question goes out and the task parks in waiting_answer.
	sched.runOnce(ctx, time.Now())

	sent := deliverer.deliveries()
	require.Len(t, sent, 1)
	assert.Equal(t, "are you coming?", sent[0].Text)
	assert.Equal(t, "bob", sent[0].ToUserID)

	task, err := tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskWaitingAnswer, task.Status)
	assert.Equal(t, sched.InstanceID(), task.ClaimedBy)

	// While waiting, polling again must not re-send the question.
	sched.runOnce(ctx, time.Now())
	assert.Len(t, deliverer.deliveries(), 1)

	// The answer arrives.
	captured, err := CaptureAnswer(ctx, tasks, "bob", "room-1", "yes, see you there")
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, id, captured.ID)

	// Phase two: the answer is relayed to the requester and the task is done.
	sched.runOnce(ctx, time.Now())

	sent = deliverer.deliveries()
	require.Len(t, sent, 2)
	assert.Equal(t, "Answer received: yes, see you there", sent[1].Text)
	assert.Equal(t, "alice", sent[1].ToUserID)

	task, err = tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, task.Status)
}

func TestRunOnce_RetryWithBackoff(t *testing.T) {
	sched, tasks, deliverer := newTestScheduler(t, Options{RetryDelay: 2 * time.Second})
	ctx := context.Background()

	id, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "hello bob", ToUserID: "bob", RoomID: "room-1",
	})
	require.NoError(t, err)

	deliverer.failNext = 1
	now := time.Now()
	sched.runOnce(ctx, now)

	// The failed send reverted the task to pending with due_at pushed out.
	task, err := tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	require.NotNil(t, task.DueAt)
	assert.True(t, task.DueAt.After(now), "backoff pushes due_at forward")
	assert.Empty(t, deliverer.deliveries())

	// Before the backoff elapses the task is not runnable.
	sched.runOnce(ctx, now)
	assert.Empty(t, deliverer.deliveries())

	// After the backoff it is retried and completes.
	sched.runOnce(ctx, now.Add(3*time.Second))
	require.Len(t, deliverer.deliveries(), 1)

	task, err = tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, task.Status)
}

func TestRunOnce_ReplyBackFailureKeepsAnswer(t *testing.T) {
	sched, tasks, deliverer := newTestScheduler(t, Options{RetryDelay: time.Second})
	ctx := context.Background()

	id, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind:          "ask_user_and_reply_back",
		Description:   "ask bob",
		QuestionText:  "coming?",
		ToUserID:      "bob",
		ReplyToUserID: "alice",
		RoomID:        "room-1",
		Status:        types.TaskAnswerReceived,
		AnswerText:    "yes",
	})
	require.NoError(t, err)

	deliverer.failNext = 1
	sched.runOnce(ctx, time.Now())

	// A failed phase-two send must retry phase two, not re-ask the question.
	task, err := tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAnswerReceived, task.Status)
	assert.Equal(t, "yes", task.AnswerText)
}

func TestRunOnce_CancelsUndispatchable(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tasks := sqlite.NewTaskStore(db)
	deliverer := &recordingDeliverer{}
	sched := New(tasks, deliverer, Options{})
	ctx := context.Background()

	id, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind: "ask_user", Description: "placeholder", ToUserID: "bob", RoomID: "room-1",
	})
	require.NoError(t, err)

	// Blank out the text directly; AddTask itself rejects empty descriptions.
	_, err = db.ExecContext(ctx, "UPDATE tasks SET description = '' WHERE id = ?", id)
	require.NoError(t, err)

	sched.runOnce(ctx, time.Now())

	task, err := tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)
	assert.Empty(t, deliverer.deliveries())
}

func TestRunOnce_EmitsEvents(t *testing.T) {
	var mu sync.Mutex
	var events []Event

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	tasks := sqlite.NewTaskStore(db)
	deliverer := &recordingDeliverer{}

	sched := New(tasks, deliverer, Options{
		OnDispatch: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	ctx := context.Background()
	id, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "hi", ToUserID: "bob",
	})
	require.NoError(t, err)

	sched.runOnce(ctx, time.Now())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].TaskID)
	assert.Equal(t, PhaseMessage, events[0].Phase)
	assert.Equal(t, types.TaskDone, events[0].Status)
	assert.Empty(t, events[0].Err)
}
