package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogyrec-o/rune-companion/internal/config"
	"github.com/ogyrec-o/rune-companion/internal/planner"
	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/internal/storage/sqlite"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) (*Server, storage.MemoryStore, storage.FactStore, storage.TaskStore) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	memories := sqlite.NewMemoryStore(db, sqlite.DefaultMemoryStoreOptions())
	facts := sqlite.NewFactStore(db, sqlite.DefaultFactStoreOptions())
	tasks := sqlite.NewTaskStore(db)
	recall := storage.NewRecall(memories, storage.DefaultSubjectCaps())
	exec := planner.NewExecutor(recall, memories, facts, tasks, planner.Options{})

	return New(cfg, memories, facts, tasks, exec, "test"), memories, facts, tasks
}

func doJSON(t *testing.T, srv http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	srv, _, _, _ := newTestServer(t, config.ServerConfig{AuthToken: "sekrit"})
	rec := doJSON(t, srv, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestAuthRequired(t *testing.T) {
	srv, _, _, _ := newTestServer(t, config.ServerConfig{AuthToken: "sekrit"})

	rec := doJSON(t, srv, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/stats", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/stats", "sekrit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsCounts(t *testing.T) {
	srv, memories, facts, _ := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()
	subject := types.Subject{Type: types.SubjectUser, ID: "alice"}

	_, err := memories.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "likes jazz", Importance: 0.6,
	})
	require.NoError(t, err)
	_, err = facts.UpsertFact(ctx, storage.UpsertFactParams{
		Subject: subject, Key: "city", Value: types.ScalarValue("Lisbon"), Confidence: 0.9,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["memories"])
	assert.Equal(t, float64(1), stats["facts"])
	assert.Equal(t, float64(0), stats["tasks"])
}

func TestListMemoriesFiltered(t *testing.T) {
	srv, memories, _, _ := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()

	_, err := memories.AddMemory(ctx, storage.AddMemoryParams{
		Subject: types.Subject{Type: types.SubjectUser, ID: "alice"},
		Text:    "plays chess", Importance: 0.7,
	})
	require.NoError(t, err)
	_, err = memories.AddMemory(ctx, storage.AddMemoryParams{
		Subject: types.Subject{Type: types.SubjectUser, ID: "bob"},
		Text:    "hates chess", Importance: 0.7,
	})
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/api/memories?subject_type=user&subject_id=alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int                  `json:"count"`
		Items []types.ScoredMemory `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "plays chess", resp.Items[0].Text)
}

func TestTaskMessageAndAnswerFlow(t *testing.T) {
	srv, _, _, tasks := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()

	rec := doJSON(t, srv, http.MethodPost, "/api/tasks/message", "", map[string]interface{}{
		"description": "ping bob",
		"to_user_id":  "bob",
		"room_id":     "room-1",
		"run_after":   "1h",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		TaskID int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.TaskID)

	task, err := tasks.GetTask(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	require.NotNil(t, task.DueAt)
	assert.True(t, task.DueAt.After(time.Now().Add(30*time.Minute)))

	// Missing description is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/message", "", map[string]interface{}{
		"to_user_id": "bob",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No task is waiting, so an answer is not captured.
	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/answer", "", map[string]interface{}{
		"user_id": "bob", "room_id": "room-1", "text": "hello?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var answer struct {
		Captured bool  `json:"captured"`
		TaskID   int64 `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.False(t, answer.Captured)

	// Park an ask task in waiting_answer, then the answer is captured.
	askID, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind: "ask_user", Description: "ask bob", QuestionText: "coming?",
		ToUserID: "bob", RoomID: "room-1", Status: types.TaskWaitingAnswer,
	})
	require.NoError(t, err)

	rec = doJSON(t, srv, http.MethodPost, "/api/tasks/answer", "", map[string]interface{}{
		"user_id": "bob", "room_id": "room-1", "text": "yes",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	assert.True(t, answer.Captured)
	assert.Equal(t, askID, answer.TaskID)

	task, err = tasks.GetTask(ctx, askID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAnswerReceived, task.Status)
	assert.Equal(t, "yes", task.AnswerText)
}

func TestApplyPlanEndpoint(t *testing.T) {
	srv, _, facts, _ := newTestServer(t, config.ServerConfig{})

	plan := map[string]interface{}{
		"ops": []map[string]interface{}{
			{
				"op": "fact_set", "subject_type": "user", "key": "city",
				"value": "Lisbon", "evidence": "I live in Lisbon",
			},
		},
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/plan", "", map[string]interface{}{
		"user_id":    "alice",
		"room_id":    "room-1",
		"transcript": "user: I live in Lisbon now",
		"plan":       plan,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report struct {
		Applied int `json:"applied"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Applied)
	assert.Zero(t, report.Failed)

	fact, err := facts.GetFact(context.Background(),
		types.Subject{Type: types.SubjectUser, ID: "alice"}, "city")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", fact.Value.Scalar())

	// A malformed envelope is the caller's error.
	rec = doJSON(t, srv, http.MethodPost, "/api/plan", "", map[string]interface{}{
		"plan": "not an object",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	srv, _, _, _ := newTestServer(t, config.ServerConfig{RateLimit: 1, RateBurst: 1})

	rec := doJSON(t, srv, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestEventHubDropsSlowSubscriber(t *testing.T) {
	hub := NewEventHub()
	ch, ok := hub.subscribe()
	require.True(t, ok)

	// Fill the buffer and push one more: the subscriber must be dropped, not
	// block the broadcaster.
	for i := 0; i < cap(ch)+1; i++ {
		hub.Broadcast(map[string]int{"n": i})
	}
	assert.Zero(t, hub.subscriberCount())

	// The channel was closed on eviction; drain to the close.
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, cap(ch), n)

	hub.Stop()
	_, ok = hub.subscribe()
	assert.False(t, ok, "no subscriptions after stop")
}
