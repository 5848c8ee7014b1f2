package process

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kandev/afk-supervisor/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMonitor() *Monitor {
	return New(logger.Default())
}

func TestRegisterUnregister(t *testing.T) {
	m := testMonitor()
	m.Register("sess-1", os.Getpid(), nil)
	assert.True(t, m.IsActive("sess-1"))

	rec, ok := m.Info("sess-1")
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), rec.PID)

	m.Unregister("sess-1")
	assert.False(t, m.IsActive("sess-1"))

	// idempotent
	m.Unregister("sess-1")
}

func TestListAll(t *testing.T) {
	m := testMonitor()
	m.Register("a", 1, nil)
	m.Register("b", 2, nil)
	all := m.ListAll()
	assert.Len(t, all, 2)
}

func TestIsPidAliveSelf(t *testing.T) {
	assert.True(t, IsPidAlive(os.Getpid()))
}

func TestIsPidAliveZeroOrNegative(t *testing.T) {
	assert.False(t, IsPidAlive(0))
	assert.False(t, IsPidAlive(-1))
}

func TestIsPidAliveReapedPid(t *testing.T) {
	// PID 1 exists on a Linux host but some absurdly high PID should not;
	// a PID above the kernel's pid_max must be reported as not alive.
	assert.False(t, IsPidAlive(1<<30))
}

func TestValidateUsesRegistryAndLiveness(t *testing.T) {
	m := testMonitor()
	m.Register("sess-1", os.Getpid(), nil)

	res := m.Validate("sess-1", 0, "afk-worker")
	assert.True(t, res.InRegistry)
	assert.True(t, res.PidAlive)
	assert.True(t, res.RecentJournalActivity)
	assert.True(t, res.IsActive)
}

func TestValidateUnknownSession(t *testing.T) {
	m := testMonitor()
	res := m.Validate("ghost", 0, "afk-worker")
	assert.False(t, res.InRegistry)
	assert.False(t, res.IsActive)
}

func TestFingerprintArgRoundTrip(t *testing.T) {
	arg := FingerprintArg("sess-123")
	assert.Equal(t, "--afk-session=sess-123", arg)
}

func TestStopSessionUnknownIsNoop(t *testing.T) {
	m := testMonitor()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.StopSession(ctx, "does-not-exist")
}

func TestStopAllEmptyRegistry(t *testing.T) {
	m := testMonitor()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.StopAll(ctx)
}

func TestFindOrphansNoRegistryMatchesNothingRegistered(t *testing.T) {
	m := testMonitor()
	// Without a real worker process running, this should return either nil
	// or entries that are all legitimately unregistered; it must not panic
	// and must not include a registered session id.
	m.Register("sess-known", os.Getpid(), nil)
	orphans := m.FindOrphans("afk-worker-binary-name-that-will-not-match-anything")
	for _, o := range orphans {
		assert.NotEqual(t, "sess-known", o.SessionID)
	}
}
