package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/internal/storage/sqlite"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

func TestRunOnce_SweepsAndReleases(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	memories := sqlite.NewMemoryStore(db, sqlite.DefaultMemoryStoreOptions())
	facts := sqlite.NewFactStore(db, sqlite.DefaultFactStoreOptions())
	tasks := sqlite.NewTaskStore(db)

	svc := New(memories, facts, tasks, Options{ClaimLease: 10 * time.Minute})
	ctx := context.Background()
	subject := types.Subject{Type: types.SubjectUser, ID: "alice"}

	// One decayed memory, one fresh.
	staleMem, err := memories.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "stale", Importance: 0.3, DecayDays: 1,
	})
	require.NoError(t, err)
	_, err = memories.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "fresh", Importance: 0.8,
	})
	require.NoError(t, err)

	// One decayed fact.
	_, err = facts.UpsertFact(ctx, storage.UpsertFactParams{
		Subject: subject, Key: "mood", Value: types.ScalarValue("tired"),
		Confidence: 0.3, DecayDays: 1,
	})
	require.NoError(t, err)

	old := time.Now().Add(-30 * 24 * time.Hour)
	_, err = db.ExecContext(ctx, "UPDATE memories SET last_updated = ? WHERE id = ?", old, staleMem)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE facts SET last_updated = ?", old)
	require.NoError(t, err)

	// One stuck claim.
	taskID, err := tasks.AddTask(ctx, storage.AddTaskParams{
		Kind: "message", Description: "stuck",
	})
	require.NoError(t, err)
	ok, err := tasks.TryClaimTask(ctx, taskID, []types.TaskStatus{types.TaskPending}, "dead-sched")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = db.ExecContext(ctx, "UPDATE tasks SET updated_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour), taskID)
	require.NoError(t, err)

	stats, err := svc.RunOnce(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MemoriesSwept)
	assert.Equal(t, 1, stats.FactsSwept)
	assert.Equal(t, 1, stats.ClaimsReleased)

	task, err := tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestRunOnce_NilTaskStore(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := New(
		sqlite.NewMemoryStore(db, sqlite.DefaultMemoryStoreOptions()),
		sqlite.NewFactStore(db, sqlite.DefaultFactStoreOptions()),
		nil,
		Options{},
	)

	stats, err := svc.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, stats.ClaimsReleased)
}
