package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	return NewTaskStore(newTestDB(t))
}

func TestAddTask_ValidationAndDefaults(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	_, err := store.AddTask(ctx, storage.AddTaskParams{Description: "no kind"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	_, err = store.AddTask(ctx, storage.AddTaskParams{Kind: "message"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	id, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind:        "message",
		Description: "say hi",
		ToUserID:    "bob",
		RoomID:      "room-1",
		Meta:        map[string]string{"reply_room_id": "room-2"},
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, 0.7, got.Importance, "importance defaults when unset")
	assert.Equal(t, "room-2", got.Meta["reply_room_id"])
	assert.Empty(t, got.ClaimedBy)
}

func TestListRunnableTasks_DueOrdering(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	now := time.Now()

	later := now.Add(1 * time.Hour)
	soon := now.Add(-10 * time.Minute)

	futureID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "future", DueAt: &later,
	})
	require.NoError(t, err)
	dueID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "due", DueAt: &soon,
	})
	require.NoError(t, err)
	immediateID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "immediate",
	})
	require.NoError(t, err)
	doneID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "finished", Status: types.TaskDone,
	})
	require.NoError(t, err)

	tasks, err := store.ListRunnableTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, dueID, tasks[0].ID, "overdue task runs before the null-due one")
	assert.Equal(t, immediateID, tasks[1].ID)

	for _, task := range tasks {
		assert.NotEqual(t, futureID, task.ID)
		assert.NotEqual(t, doneID, task.ID)
	}
}

func TestListRunnableTasks_IncludesAnswerReceived(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	id, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "ask_user_and_reply_back", Description: "ask bob",
		Status: types.TaskAnswerReceived,
	})
	require.NoError(t, err)

	tasks, err := store.ListRunnableTasks(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
}

func TestTryClaimTask_ExactlyOnce(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	id, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "claim me",
	})
	require.NoError(t, err)

	ok, err := store.TryClaimTask(ctx, id, []types.TaskStatus{types.TaskPending}, "sched-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim against the already-consumed status must lose.
	ok, err = store.TryClaimTask(ctx, id, []types.TaskStatus{types.TaskPending}, "sched-b")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, "sched-a", got.ClaimedBy)
}

func TestTryClaimTask_ConcurrentWinners(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	id, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "contended",
	})
	require.NoError(t, err)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.TryClaimTask(ctx, id, []types.TaskStatus{types.TaskPending}, "worker")
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one claimer may win")
}

func TestUpdateTaskFields_Partial(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	id, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "ask_user", Description: "ask about plans",
	})
	require.NoError(t, err)

	waiting := types.TaskWaitingAnswer
	question := "what are your plans for Friday?"
	require.NoError(t, store.UpdateTaskFields(ctx, id, storage.UpdateTaskParams{
		Status:       &waiting,
		QuestionText: &question,
	}))

	got, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskWaitingAnswer, got.Status)
	assert.Equal(t, question, got.QuestionText)
	assert.Equal(t, "ask about plans", got.Description, "unset fields stay untouched")

	// No fields set is a no-op.
	require.NoError(t, store.UpdateTaskFields(ctx, id, storage.UpdateTaskParams{}))
}

func TestFindWaitingAskTaskAndSaveAnswer(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	id, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind:        "ask_user_and_reply_back",
		Description: "ask bob about the meetup",
		ToUserID:    "bob",
		RoomID:      "room-1",
	})
	require.NoError(t, err)
	waiting := types.TaskWaitingAnswer
	require.NoError(t, store.UpdateTaskFields(ctx, id, storage.UpdateTaskParams{Status: &waiting}))

	// Wrong room or user finds nothing.
	task, err := store.FindWaitingAskTask(ctx, "bob", "room-2")
	require.NoError(t, err)
	assert.Nil(t, task)
	task, err = store.FindWaitingAskTask(ctx, "carol", "room-1")
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = store.FindWaitingAskTask(ctx, "bob", "room-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)

	now := time.Now()
	require.NoError(t, store.SaveAnswerAndMarkReceived(ctx, id, "I can make it", now))

	got, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAnswerReceived, got.Status)
	assert.Equal(t, "I can make it", got.AnswerText)
	require.NotNil(t, got.DueAt, "answer capture makes the task immediately runnable")
	assert.WithinDuration(t, now, *got.DueAt, time.Second)

	// The task is no longer waiting.
	task, err = store.FindWaitingAskTask(ctx, "bob", "room-1")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestListOpenTasksForUser(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	askedID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "ask_user", Description: "asked of bob", ToUserID: "bob",
	})
	require.NoError(t, err)
	requestedID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "requested by bob", FromUserID: "bob", ToUserID: "carol",
	})
	require.NoError(t, err)
	closedID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "already done", ToUserID: "bob", Status: types.TaskDone,
	})
	require.NoError(t, err)

	tasks, err := store.ListOpenTasksForUser(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	ids := []int64{tasks[0].ID, tasks[1].ID}
	assert.Contains(t, ids, askedID)
	assert.Contains(t, ids, requestedID)
	assert.NotContains(t, ids, closedID)
}

func TestReleaseStuckClaims(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	stuckID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "stuck",
	})
	require.NoError(t, err)
	ok, err := store.TryClaimTask(ctx, stuckID, []types.TaskStatus{types.TaskPending}, "crashed-sched")
	require.NoError(t, err)
	require.True(t, ok)

	freshID, err := store.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "freshly claimed",
	})
	require.NoError(t, err)
	ok, err = store.TryClaimTask(ctx, freshID, []types.TaskStatus{types.TaskPending}, "live-sched")
	require.NoError(t, err)
	require.True(t, ok)

	// Age only the stuck claim.
	_, err = store.db.ExecContext(ctx,
		"UPDATE tasks SET updated_at = ? WHERE id = ?",
		time.Now().Add(-30*time.Minute), stuckID)
	require.NoError(t, err)

	released, err := store.ReleaseStuckClaims(ctx, 10*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := store.GetTask(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Empty(t, got.ClaimedBy)

	got, err = store.GetTask(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, "live-sched", got.ClaimedBy)
}

func TestGetTask_NotFound(t *testing.T) {
	store := newTestTaskStore(t)
	_, err := store.GetTask(context.Background(), 424242)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
