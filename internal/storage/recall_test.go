package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogyrec-o/rune-companion/internal/storage"
	"github.com/ogyrec-o/rune-companion/internal/storage/sqlite"
)

func newRecall(t *testing.T) (*storage.Recall, storage.MemoryStore) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mem := sqlite.NewMemoryStore(db, sqlite.DefaultMemoryStoreOptions())
	return storage.NewRecall(mem, storage.DefaultSubjectCaps()), mem
}

func TestRemember_ImportanceDefaultAndExplicitZero(t *testing.T) {
	recall, mem := newRecall(t)
	ctx := context.Background()

	id, err := recall.RememberUserFact(ctx, "alice", "likes tea", storage.Note{})
	require.NoError(t, err)
	got, err := mem.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Importance, "absent importance takes the user default")

	zero := 0.0
	id, err = recall.RememberUserFact(ctx, "alice", "mentioned the weather",
		storage.Note{Importance: &zero})
	require.NoError(t, err)
	got, err = mem.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, got.Importance, "an explicit zero is stored, not defaulted")
}

func TestRemember_PersonRefDefault(t *testing.T) {
	recall, mem := newRecall(t)
	ctx := context.Background()

	id, err := recall.RememberUserFact(ctx, "alice", "plays chess", storage.Note{})
	require.NoError(t, err)
	got, err := mem.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user:alice", got.PersonRef)
}
