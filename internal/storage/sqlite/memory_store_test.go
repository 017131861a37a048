package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/pkg/types"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err, "Open should succeed")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(newTestDB(t), DefaultMemoryStoreOptions())
}

func userSubject(id string) types.Subject {
	return types.Subject{Type: types.SubjectUser, ID: id}
}

func TestAddMemory_Validation(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: userSubject("alice"),
		Text:    "   ",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: types.Subject{Type: "user"},
		Text:    "no subject id",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAddMemory_MergesDuplicateText(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	id1, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    subject,
		Text:       "likes green tea",
		Tags:       []string{"preference"},
		Importance: 0.4,
		Source:     types.SourceAuto,
	})
	require.NoError(t, err)

	id2, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    subject,
		Text:       "  likes green tea  ",
		Tags:       []string{"drink"},
		Importance: 0.8,
		Source:     types.SourceExplicit,
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same text must merge, not duplicate")

	n, err := store.CountMemories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetMemory(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Importance, "merge keeps the stronger importance")
	assert.Equal(t, types.SourceExplicit, got.Source, "higher-priority source wins")
	assert.ElementsMatch(t, []string{"drink", "preference"}, got.Tags)
	assert.Equal(t, 1, got.NReinforced)
}

func TestAddMemory_MergeKeepsPin(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	id, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject,
		Text:    "birthday is March 3",
		Source:  types.SourceManual,
	})
	require.NoError(t, err)

	_, err = store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject,
		Text:    "birthday is March 3",
		Source:  types.SourceAuto,
	})
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Pinned, "manual source pins and a later auto merge must not unpin")
	assert.Equal(t, types.SourceManual, got.Source)
}

func TestUpdateMemory_PartialAndNotFound(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	id, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    userSubject("alice"),
		Text:       "works at the library",
		Importance: 0.5,
	})
	require.NoError(t, err)

	newImportance := 0.9
	pinned := true
	require.NoError(t, store.UpdateMemory(ctx, id, storage.UpdateMemoryParams{
		Importance: &newImportance,
		Pinned:     &pinned,
	}))

	got, err := store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Importance)
	assert.True(t, got.Pinned)
	assert.Equal(t, "works at the library", got.Text, "unset fields stay untouched")

	empty := ""
	err = store.UpdateMemory(ctx, id, storage.UpdateMemoryParams{Text: &empty})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.UpdateMemory(ctx, 99999, storage.UpdateMemoryParams{Pinned: &pinned})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteMemory_Idempotent(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()

	id, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: userSubject("alice"),
		Text:    "temporary note",
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteMemory(ctx, id))
	require.NoError(t, store.DeleteMemory(ctx, id), "second delete is a no-op")

	_, err = store.GetMemory(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueryMemories_RanksByEffectiveScore(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	// An old low-importance note and a fresh one. Raw importance would rank
	// the stale one first; decay must demote it.
	staleID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    subject,
		Text:       "old note",
		Importance: 0.9,
		DecayDays:  1,
	})
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx,
		"UPDATE memories SET last_updated = ? WHERE id = ?",
		time.Now().Add(-72*time.Hour), staleID)
	require.NoError(t, err)

	freshID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    subject,
		Text:       "fresh note",
		Importance: 0.5,
	})
	require.NoError(t, err)

	results, err := store.QueryMemories(ctx, storage.MemoryQuery{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Limit:       10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, freshID, results[0].ID)
	for _, r := range results {
		assert.GreaterOrEqual(t, results[0].EffectiveScore, r.EffectiveScore)
	}
}

func TestQueryMemories_FloorHidesDecayedButKeepsPinned(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	deadID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    subject,
		Text:       "long forgotten",
		Importance: 0.3,
		DecayDays:  1,
	})
	require.NoError(t, err)
	pinnedID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject:    subject,
		Text:       "pinned forever",
		Importance: 0.3,
		DecayDays:  1,
		Pinned:     true,
	})
	require.NoError(t, err)

	old := time.Now().Add(-30 * 24 * time.Hour)
	_, err = store.db.ExecContext(ctx,
		"UPDATE memories SET last_updated = ? WHERE id IN (?, ?)", old, deadID, pinnedID)
	require.NoError(t, err)

	results, err := store.QueryMemories(ctx, storage.MemoryQuery{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, pinnedID, results[0].ID)

	// The decayed row is hidden, not deleted. Deletion belongs to SweepExpired.
	n, err := store.CountMemories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueryMemories_TouchReinforces(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	id, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject,
		Text:    "likes hiking",
	})
	require.NoError(t, err)

	_, err = store.QueryMemories(ctx, storage.MemoryQuery{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Limit:       5,
		Touch:       true,
	})
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NReinforced)
	require.NotNil(t, got.LastAccessed)

	// Without Touch the read leaves the row alone.
	_, err = store.QueryMemories(ctx, storage.MemoryQuery{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Limit:       5,
	})
	require.NoError(t, err)
	got, err = store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NReinforced)
}

func TestQueryMemories_TagFilter(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	_, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "plays guitar", Tags: []string{"hobby", "music"},
	})
	require.NoError(t, err)
	_, err = store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "allergic to nuts", Tags: []string{"health"},
	})
	require.NoError(t, err)

	results, err := store.QueryMemories(ctx, storage.MemoryQuery{
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Tag:         "music",
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "plays guitar", results[0].Text)
}

func TestPruneSubject_KeepsPinnedAndBestScored(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	_, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "pinned core fact", Pinned: true, Importance: 0.1,
	})
	require.NoError(t, err)

	weakID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "weak", Importance: 0.2,
	})
	require.NoError(t, err)
	strongID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "strong", Importance: 0.9,
	})
	require.NoError(t, err)
	_, err = store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "medium", Importance: 0.5,
	})
	require.NoError(t, err)

	removed, err := store.PruneSubject(ctx, subject, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetMemory(ctx, weakID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "lowest-scored row is pruned")
	_, err = store.GetMemory(ctx, strongID)
	assert.NoError(t, err)

	// Under the cap nothing happens.
	removed, err = store.PruneSubject(ctx, subject, 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweepExpired_DeletesOnlyDecayedUnpinned(t *testing.T) {
	store := newTestMemoryStore(t)
	ctx := context.Background()
	subject := userSubject("alice")

	deadID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "stale", Importance: 0.3, DecayDays: 1,
	})
	require.NoError(t, err)
	pinnedID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "stale but pinned", Importance: 0.3, DecayDays: 1, Pinned: true,
	})
	require.NoError(t, err)
	freshID, err := store.AddMemory(ctx, storage.AddMemoryParams{
		Subject: subject, Text: "fresh", Importance: 0.3,
	})
	require.NoError(t, err)

	old := time.Now().Add(-30 * 24 * time.Hour)
	_, err = store.db.ExecContext(ctx,
		"UPDATE memories SET last_updated = ? WHERE id IN (?, ?)", old, deadID, pinnedID)
	require.NoError(t, err)

	removed, err := store.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetMemory(ctx, deadID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetMemory(ctx, pinnedID)
	assert.NoError(t, err)
	_, err = store.GetMemory(ctx, freshID)
	assert.NoError(t, err)
}
