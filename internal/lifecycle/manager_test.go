package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "sessions.db"), "", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil, logger.Default())
}

func TestCreateDefaultsToOneIteration(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(context.Background(), "do a thing", Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreated, sess.Status)
	assert.Equal(t, 1, sess.IterationsPlanned)
	assert.NotEmpty(t, sess.ID)
}

func TestValidTransitionSequence(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "task", Options{IterationsPlanned: 3})
	require.NoError(t, err)

	require.NoError(t, m.SetStatus(ctx, sess.ID, store.StatusStarting, nil))
	require.NoError(t, m.SetStatus(ctx, sess.ID, store.StatusRunning, nil))
	require.NoError(t, m.Complete(ctx, sess.ID))

	view, err := m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, view.Status)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "task", Options{})
	require.NoError(t, err)

	// created -> running is not a valid direct transition
	err = m.SetStatus(ctx, sess.ID, store.StatusRunning, nil)
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindInvalidState, kind)
}

func TestTerminalStateIsSink(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "task", Options{})
	require.NoError(t, err)

	require.NoError(t, m.Fail(ctx, sess.ID, "boom"))
	err = m.SetStatus(ctx, sess.ID, store.StatusRunning, nil)
	require.Error(t, err)
}

func TestAnyStateCanErrorOut(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "task", Options{})
	require.NoError(t, err)

	require.NoError(t, m.SetStatus(ctx, sess.ID, store.StatusError, nil))
	view, err := m.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, view.Status)
}

func TestIncrementIterationRejectsOverflow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "task", Options{IterationsPlanned: 2})
	require.NoError(t, err)

	require.NoError(t, m.IncrementIteration(ctx, sess.ID, 2))
	err = m.IncrementIteration(ctx, sess.ID, 3)
	require.Error(t, err)
}

func TestStatsAcrossSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "a", Options{})
	require.NoError(t, err)
	b, err := m.Create(ctx, "b", Options{})
	require.NoError(t, err)

	require.NoError(t, m.Fail(ctx, a.ID, "err"))
	require.NoError(t, m.SetStatus(ctx, b.ID, store.StatusStarting, nil))
	require.NoError(t, m.SetStatus(ctx, b.ID, store.StatusRunning, nil))
	require.NoError(t, m.Complete(ctx, b.ID))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[store.StatusFailed])
	assert.Equal(t, 1, stats.ByStatus[store.StatusCompleted])
	assert.InDelta(t, 50.0, stats.SuccessRatioPct, 0.01)
}

func TestCleanupCompletedKeepsRecentTerminalSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "task", Options{})
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, sess.ID, "err"))

	// A session completed moments ago is not older than a 30-day cutoff.
	deleted, err := m.CleanupCompleted(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}
