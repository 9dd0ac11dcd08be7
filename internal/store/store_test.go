package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	user := "user-" + uuid.NewString()
	first := &Transcript{
		ID:            uuid.NewString(),
		UserID:        user,
		AudioKey:      strPtr(user + "/a/audio.mp3"),
		TranscriptKey: user + "/a/transcript.txt",
		Metadata:      Metadata{Source: "voice", DurationSeconds: 180, WordCount: 42, ProcessingMethod: "openai-api", ChunkCount: 1},
	}
	require.NoError(t, repo.Create(ctx, first))
	require.False(t, first.CreatedAt.IsZero())

	time.Sleep(5 * time.Millisecond)
	second := &Transcript{ID: uuid.NewString(), UserID: user, TranscriptKey: user + "/b/transcript.txt", Metadata: Metadata{Source: "document"}}
	require.NoError(t, repo.Create(ctx, second))

	got, err := repo.Get(ctx, user, first.ID)
	require.NoError(t, err)
	require.Equal(t, first.Metadata, got.Metadata)
	require.Equal(t, *first.AudioKey, *got.AudioKey)

	_, err = repo.Get(ctx, "someone-else", first.ID)
	require.ErrorIs(t, err, faults.ErrNotFound)

	list, err := repo.List(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Nil(t, list[0].AudioKey)

	require.ErrorIs(t, repo.Delete(ctx, "someone-else", first.ID), faults.ErrNotFound)
	require.NoError(t, repo.Delete(ctx, user, first.ID))
	require.ErrorIs(t, repo.Delete(ctx, user, first.ID), faults.ErrNotFound)

	list, err = repo.List(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseRepository(t, NewMemoryStore())
}

func TestMemoryStoreRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	row := &Transcript{ID: "x", UserID: "u"}
	require.NoError(t, s.Create(context.Background(), row))
	require.Error(t, s.Create(context.Background(), &Transcript{ID: "x", UserID: "u"}))
	require.Error(t, s.Create(context.Background(), &Transcript{UserID: "u"}))
}

// getTestDB skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, db.Ping(ctx))
	return db
}

func TestPostgresStore(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, Migrate(context.Background(), db), "schema must be re-runnable")
	exerciseRepository(t, NewPostgresStore(db))
}
