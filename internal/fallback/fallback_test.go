package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autodev/internal/db"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	d, err := db.OpenMigrated(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	q, err := New(Config{
		Store: d,
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	require.NoError(t, err)
	return q
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestAddAndGet(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task := Task{
		ID:            "42",
		Title:         "Add widget",
		Description:   "We need widgets",
		Repository:    "acme/widgets",
		Branch:        "autodev/42-add-widget",
		CommitMessage: "feat: add widget",
		PRTitle:       "Add widget",
		PRBody:        "Closes #42",
		Reason:        "implementation failed",
	}
	added, err := q.Add(ctx, task)
	require.NoError(t, err)
	assert.True(t, added)

	got, err := q.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, task, got.Task)
	assert.True(t, got.QueuedAt.Equal(time.Date(2025, 5, 1, 9, 0, 1, 0, time.UTC)), "QueuedAt = %s", got.QueuedAt)

	id, err := ulid.ParseStrict(got.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(got.QueuedAt), id.Time())
}

func TestAddDeduplicatesByTaskID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	added, err := q.Add(ctx, Task{ID: "7", Title: "first"})
	require.NoError(t, err)
	require.True(t, added)

	added, err = q.Add(ctx, Task{ID: "7", Title: "second"})
	require.NoError(t, err)
	assert.False(t, added)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)
}

func TestAddRequiresID(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Add(context.Background(), Task{Title: "no id"})
	assert.Error(t, err)
}

func TestListOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := q.Add(ctx, Task{ID: id})
		require.NoError(t, err)
	}

	entries, err := q.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRemove(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, Task{ID: "x"})
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, "x"))

	_, err = q.Get(ctx, "x")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = q.Remove(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	// A removed task can be queued again.
	added, err := q.Add(ctx, Task{ID: "x"})
	require.NoError(t, err)
	assert.True(t, added)
}

type brokenStore struct{ Store }

func (brokenStore) InsertFallback(context.Context, db.FallbackRow) (bool, error) {
	return false, errors.New("database is locked")
}

func TestAddReturnsStoreErrors(t *testing.T) {
	q, err := New(Config{Store: brokenStore{}})
	require.NoError(t, err)

	_, err = q.Add(context.Background(), Task{ID: "1"})
	assert.ErrorContains(t, err, "database is locked")
}
