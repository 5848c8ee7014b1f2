package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Window: time.Second, CooldownPeriod: 50 * time.Millisecond})
	assert.True(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Second, CooldownPeriod: 10 * time.Millisecond})
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Second, CooldownPeriod: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Second, CooldownPeriod: 10 * time.Millisecond})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Window: 20 * time.Millisecond, CooldownPeriod: time.Second})
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "failures outside the window must not accumulate")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 2, Window: time.Second, CooldownPeriod: time.Second})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRequiresTwoSuccessesWhenConfigured(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Second, CooldownPeriod: 10 * time.Millisecond, HalfOpenCloseOnNSucc: 2})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "one success must not close when two are required")

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State(), "second consecutive success must close")
}

func TestBreakerHalfOpenFailureResetsSuccessCount(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Window: time.Second, CooldownPeriod: 10 * time.Millisecond, HalfOpenCloseOnNSucc: 2})
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "the earlier success must not carry over after reopening")
}
