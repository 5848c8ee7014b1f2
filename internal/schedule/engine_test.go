package schedule

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/kandev/afk-supervisor/internal/store"
)

type fakeSubmitter struct {
	err      error
	sessions int
}

func (f *fakeSubmitter) Launch(ctx context.Context, task string, iterations int, model, workingDir string) (*store.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sessions++
	return &store.Session{ID: fmt.Sprintf("sess-%d", f.sessions), Task: task}, nil
}

func newTestEngine(t *testing.T, sub Submitter) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{Dir: filepath.Join(dir, "schedules")}, nil, sub, logger.Default())
	require.NoError(t, err)
	return e
}

func insertSchedule(e *Engine, sch *Schedule) {
	e.mu.Lock()
	e.schedules[sch.ID] = sch
	e.persistLocked()
	e.mu.Unlock()
}

func TestCreateRejectsWithoutOracleGateway(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	_, err := e.Create(context.Background(), "every day at noon", "do the thing", Options{})
	assert.Error(t, err)
}

func TestFireRecordsSuccessAndAdvancesNextRun(t *testing.T) {
	sub := &fakeSubmitter{}
	e := newTestEngine(t, sub)

	sch := &Schedule{
		ID:       "s1",
		Command:  "run the report",
		Cron:     "*/5 * * * *",
		Enabled:  true,
		Location: "UTC",
	}
	insertSchedule(e, sch)

	e.fire("s1")

	got, err := e.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastResult)
	assert.True(t, got.LastResult.Success)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun, "fire computes the next run of an enabled schedule")
	assert.True(t, got.Enabled, "a fire must never disable the schedule")
}

func TestFireRecordsFailureWithoutDisabling(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("worker binary missing")}
	e := newTestEngine(t, sub)

	sch := &Schedule{ID: "s1", Command: "run the report", Cron: "*/5 * * * *", Enabled: true, Location: "UTC"}
	insertSchedule(e, sch)

	e.fire("s1")

	got, err := e.Get("s1")
	require.NoError(t, err)
	assert.False(t, got.LastResult.Success)
	assert.Equal(t, "worker binary missing", got.LastResult.Error)
	assert.True(t, got.Enabled)
	assert.Equal(t, 1, got.RunCount)
}

func TestComputeNextRunForDisabledScheduleIsNil(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	sch := &Schedule{ID: "s1", Cron: "* * * * *", Enabled: false, Location: "UTC"}
	assert.Nil(t, e.computeNextRun(sch))
}

func TestComputeNextRunForEnabledScheduleIsInTheFuture(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	sch := &Schedule{ID: "s1", Cron: "* * * * *", Enabled: true, Location: "UTC"}
	next := e.computeNextRun(sch)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	insertSchedule(e, &Schedule{ID: "s1", Cron: "* * * * *", Location: "UTC"})

	require.NoError(t, e.Delete("s1"))
	require.NoError(t, e.Delete("s1")) // deleting again is a no-op, not an error

	_, err := e.Get("s1")
	assert.Error(t, err)
}

func TestStopDisablesAndClearsNextRun(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	sch := &Schedule{ID: "s1", Cron: "* * * * *", Enabled: true, Location: "UTC"}
	next := e.computeNextRun(sch)
	sch.NextRun = next
	insertSchedule(e, sch)

	require.NoError(t, e.Stop("s1"))

	got, err := e.Get("s1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)
}

func TestStopUnknownScheduleReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	err := e.Stop("nope")
	assert.Error(t, err)
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e1, err := New(Config{Dir: dir}, nil, &fakeSubmitter{}, logger.Default())
	require.NoError(t, err)
	insertSchedule(e1, &Schedule{ID: "s1", Cron: "0 9 * * *", Command: "morning sync", Location: "UTC"})
	insertSchedule(e1, &Schedule{ID: "s2", Cron: "0 18 * * *", Command: "evening sync", Enabled: true, Location: "UTC"})

	e2, err := New(Config{Dir: dir}, nil, &fakeSubmitter{}, logger.Default())
	require.NoError(t, err)
	require.NoError(t, e2.Restore())

	list := e2.List()
	assert.Len(t, list, 2)

	s2, err := e2.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, "evening sync", s2.Command)

	e2.Shutdown()
}

func TestListReturnsSnapshotNotLiveReferences(t *testing.T) {
	e := newTestEngine(t, &fakeSubmitter{})
	insertSchedule(e, &Schedule{ID: "s1", Cron: "* * * * *", Location: "UTC"})

	list := e.List()
	list[0].Command = "mutated"

	got, err := e.Get("s1")
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", got.Command)
}
