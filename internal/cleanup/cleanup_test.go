package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/logs"
	"github.com/kandev/afk-supervisor/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open("sqlite", filepath.Join(dir, "sessions.db"), "", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	lm, err := logs.New(logs.Config{Dir: filepath.Join(dir, "logs")}, log)
	require.NoError(t, err)

	eng, err := New(st, lm, Config{
		LogsDir:   filepath.Join(dir, "logs"),
		AuditDir:  filepath.Join(dir, "audit"),
		LegacyDir: filepath.Join(dir, "legacy_registry"),
		Policy: RetentionPolicy{
			RetentionDays: map[store.Status]int{
				store.StatusCompleted: 7,
				store.StatusFailed:    30,
				store.StatusError:     30,
				store.StatusStopped:   14,
			},
			PreserveRecent:     2,
			LegacyRegistryDays: 7,
		},
	}, log)
	require.NoError(t, err)
	return eng, st
}

func completedSessionAt(t *testing.T, st *store.Store, id string, completedAt int64) {
	t.Helper()
	sess := &store.Session{
		ID:                  id,
		Task:                "do a thing",
		Status:              store.StatusRunning,
		IterationsPlanned:   1,
		IterationsCompleted: 1,
	}
	require.NoError(t, st.Create(context.Background(), sess))

	status := store.StatusCompleted
	require.NoError(t, st.Update(context.Background(), id, store.Patch{
		Status:      &status,
		CompletedAt: &completedAt,
	}))
}

func TestSweepPreservesRecentSessionsRegardlessOfAge(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	completedSessionAt(t, st, "s1", old)
	completedSessionAt(t, st, "s2", old)

	summary, err := eng.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Preserved)
	assert.Equal(t, 0, summary.Deleted)

	_, err = st.Get(ctx, "s1")
	assert.NoError(t, err)
}

func TestSweepDeletesOldSessionsBeyondPreserveCount(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	recent := time.Now().Add(-1 * time.Hour).UnixMilli()

	completedSessionAt(t, st, "newest-1", recent)
	completedSessionAt(t, st, "newest-2", recent)
	completedSessionAt(t, st, "oldest", old)

	summary, err := eng.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, 2, summary.Preserved)

	_, err = st.Get(ctx, "oldest")
	assert.Error(t, err)
	_, err = st.Get(ctx, "newest-1")
	assert.NoError(t, err)
}

func TestDryRunDoesNotDelete(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour).UnixMilli()
	completedSessionAt(t, st, "a", old)
	completedSessionAt(t, st, "b", old)
	completedSessionAt(t, st, "c", old)

	summary, err := eng.Sweep(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted) // computed, but not applied

	_, err = st.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = st.Get(ctx, "b")
	assert.NoError(t, err)
	_, err = st.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestSweepRemovesOrphanedLogFiles(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	orphanPath := filepath.Join(eng.logsDir, "ghost-session.log")
	require.NoError(t, os.MkdirAll(eng.logsDir, 0o755))
	require.NoError(t, os.WriteFile(orphanPath, []byte("stray output\n"), 0o644))

	summary, err := eng.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deleted)

	_, statErr := os.Stat(orphanPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSweepLegacyDirectoryRemovesOldEntriesOnly(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(eng.legacyDir, 0o755))
	oldFile := filepath.Join(eng.legacyDir, "old.json")
	newFile := filepath.Join(eng.legacyDir, "new.json")
	require.NoError(t, os.WriteFile(oldFile, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("{}"), 0o644))

	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, old, old))

	summary, err := eng.Sweep(ctx, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.Deleted, 1)

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newFile)
	assert.NoError(t, err)
}

func TestSweepWritesAuditRecordForBothModes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Sweep(ctx, true)
	require.NoError(t, err)
	_, err = eng.Sweep(ctx, false)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(eng.auditDir, "cleanup-audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mode":"dry-run"`)
	assert.Contains(t, string(data), `"mode":"execute"`)
}

func TestSweepNoSessionsIsANoop(t *testing.T) {
	eng, _ := newTestEngine(t)
	summary, err := eng.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Deleted)
	assert.Empty(t, summary.Errors)
}
