package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/afk-supervisor/internal/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite", filepath.Join(t.TempDir(), "sessions.db"), "", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := &Session{
		ID:                "s1",
		Task:              "fix the bug",
		Status:            StatusCreated,
		IterationsPlanned: 3,
		Model:             "default",
		Metadata:          map[string]any{"plan_source": "heuristic"},
	}
	require.NoError(t, st.Create(ctx, sess))

	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", got.Task)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "heuristic", got.Metadata["plan_source"])
}

func TestCreateDuplicateIDFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &Session{ID: "dup", Task: "a", Status: StatusCreated, IterationsPlanned: 1}
	require.NoError(t, st.Create(ctx, sess))

	err := st.Create(ctx, sess)
	assert.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, apperrors.KindDuplicate, kind)
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestUpdateAppliesPartialPatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &Session{ID: "s1", Task: "a", Status: StatusCreated, IterationsPlanned: 1}
	require.NoError(t, st.Create(ctx, sess))

	running := StatusRunning
	pid := 4242
	require.NoError(t, st.Update(ctx, "s1", Patch{Status: &running, PID: &pid}))

	got, err := st.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4242, *got.PID)
}

func TestUpdateRejectsTerminalSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &Session{ID: "s1", Task: "a", Status: StatusCompleted, IterationsPlanned: 1}
	require.NoError(t, st.Create(ctx, sess))

	running := StatusRunning
	err := st.Update(ctx, "s1", Patch{Status: &running})
	assert.Error(t, err)
}

func TestUpdateRejectsIterationsBeyondPlanned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &Session{ID: "s1", Task: "a", Status: StatusRunning, IterationsPlanned: 2}
	require.NoError(t, st.Create(ctx, sess))

	over := 3
	err := st.Update(ctx, "s1", Patch{IterationsCompleted: &over})
	assert.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &Session{ID: "s1", Task: "a", Status: StatusCompleted, IterationsPlanned: 1}
	require.NoError(t, st.Create(ctx, sess))

	require.NoError(t, st.Delete(ctx, "s1"))
	require.NoError(t, st.Delete(ctx, "s1"))

	_, err := st.Get(ctx, "s1")
	assert.Error(t, err)
}

func TestListByStatusFiltersAndOrdersNewestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, &Session{ID: "a", Task: "a", Status: StatusCompleted, IterationsPlanned: 1, CreatedAt: 1000}))
	require.NoError(t, st.Create(ctx, &Session{ID: "b", Task: "b", Status: StatusFailed, IterationsPlanned: 1, CreatedAt: 2000}))
	require.NoError(t, st.Create(ctx, &Session{ID: "c", Task: "c", Status: StatusCompleted, IterationsPlanned: 1, CreatedAt: 3000}))

	sessions, err := st.ListByStatus(ctx, []Status{StatusCompleted})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "c", sessions[0].ID) // newest (highest CreatedAt) first
}

func TestListAllReturnsEverySession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &Session{ID: "a", Task: "a", Status: StatusCreated, IterationsPlanned: 1}))
	require.NoError(t, st.Create(ctx, &Session{ID: "b", Task: "b", Status: StatusRunning, IterationsPlanned: 1}))

	sessions, err := st.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusStarting.Terminal())
}
