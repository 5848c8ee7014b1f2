package iteration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/afk-supervisor/internal/apperrors"
	"github.com/kandev/afk-supervisor/internal/breaker"
	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/lifecycle"
	"github.com/kandev/afk-supervisor/internal/logs"
	"github.com/kandev/afk-supervisor/internal/process"
	"github.com/kandev/afk-supervisor/internal/progress"
	"github.com/kandev/afk-supervisor/internal/store"
)

// testHarness assembles a real (non-worker-spawning) Engine: every
// collaborator is the genuine component, so a pre-tripped breaker is
// exercised through the real Allow() gate rather than a fake.
type testHarness struct {
	engine *Engine
	store  *store.Store
	br     *breaker.Registry
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	st, err := store.Open("sqlite", filepath.Join(dir, "sessions.db"), "", 5, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lm, err := logs.New(logs.Config{Dir: filepath.Join(dir, "logs"), MaxLogSizeMiB: 10, RetentionDays: 30}, log)
	require.NoError(t, err)
	pt, err := progress.New(filepath.Join(dir, "progress"), log)
	require.NoError(t, err)
	mon := process.New(log)
	br := breaker.NewRegistry(log)
	lc := lifecycle.New(st, lm, log)

	eng := New(Config{
		WorkerBinary:      "afk-worker-that-does-not-exist",
		ProbeTimeout:      time.Second,
		IterationTimeout:  time.Second,
		AttemptBudget:     3,
		BackoffBase:       time.Millisecond,
		BackoffCap:        5 * time.Millisecond,
		DefaultResetWait:  time.Millisecond,
		ForceKillDeadline: time.Millisecond,
	}, lc, pt, lm, mon, br, nil, log)

	return &testHarness{engine: eng, store: st, br: br}
}

func tripOpen(t *testing.T, br *breaker.Registry, cat breaker.Category, threshold int) {
	t.Helper()
	for i := 0; i < threshold; i++ {
		br.RecordFailure(cat)
	}
	require.Error(t, br.Allow(cat), "breaker should be open after %d failures", threshold)
}

func newCreatedSession(t *testing.T, h *testHarness) *store.Session {
	t.Helper()
	sess, err := h.engine.lifecycle.Create(context.Background(), "do the thing", lifecycle.Options{IterationsPlanned: 1})
	require.NoError(t, err)
	return sess
}

func TestRunIterationFailsFastWhenWorkerCircuitOpen(t *testing.T) {
	h := newTestHarness(t)
	tripOpen(t, h.br, breaker.CategoryWorker, 3)
	sess := newCreatedSession(t, h)

	log := h.engine.logger.WithSessionID(sess.ID)
	ok := h.engine.runIteration(context.Background(), sess, 1, log)
	require.False(t, ok, "iteration should fail fast, never reaching spawn")

	got, err := h.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	kind, ok2 := apperrors.KindOf(apperrors.CircuitOpen(string(breaker.CategoryWorker)))
	require.True(t, ok2)
	require.Equal(t, apperrors.KindCircuitOpen, kind)
}

func TestRunIterationFailsFastWhenProcessSpawnCircuitOpen(t *testing.T) {
	h := newTestHarness(t)
	tripOpen(t, h.br, breaker.CategoryProcessSpawn, 5)
	sess := newCreatedSession(t, h)

	log := h.engine.logger.WithSessionID(sess.ID)
	ok := h.engine.runIteration(context.Background(), sess, 1, log)
	require.False(t, ok)

	got, err := h.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
}

func TestRunIterationFailsFastWhenFilesystemCircuitOpen(t *testing.T) {
	h := newTestHarness(t)
	tripOpen(t, h.br, breaker.CategoryFilesystem, 10)
	sess := newCreatedSession(t, h)

	log := h.engine.logger.WithSessionID(sess.ID)
	ok := h.engine.runIteration(context.Background(), sess, 1, log)
	require.False(t, ok)

	got, err := h.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
}

// TestRunIterationDoesNotFailFastWhenCircuitsClosed sanity-checks the
// fail-fast gates don't misfire on a fresh registry: runIteration should
// proceed to spawn (and fail there, since the worker binary doesn't
// exist), not short-circuit on a closed breaker.
func TestRunIterationDoesNotFailFastWhenCircuitsClosed(t *testing.T) {
	h := newTestHarness(t)
	sess := newCreatedSession(t, h)

	log := h.engine.logger.WithSessionID(sess.ID)
	ok := h.engine.runIteration(context.Background(), sess, 1, log)
	require.False(t, ok, "spawn of a nonexistent binary should still fail the iteration")

	got, err := h.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.NotContains(t, *got.Error, "circuit", "failure should come from the spawn, not a circuit gate")
}
