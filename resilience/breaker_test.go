package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCoolDown = 20 * time.Millisecond

func newTestBreaker(window time.Duration) *Breaker {
	return NewBreaker("test", BreakerConfig{Window: window, MinRequests: 4, FailureRate: 0.5, CoolDown: testCoolDown})
}

func call(t *testing.T, b *Breaker, ok bool) {
	t.Helper()
	ticket, err := b.Allow()
	require.NoError(t, err)
	ticket.Record(ok)
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 4 && b.State() == gobreaker.StateClosed; i++ {
		call(t, b, false)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerOpensOnFailureRate(t *testing.T) {
	b := newTestBreaker(time.Minute)

	call(t, b, true)
	call(t, b, false)
	call(t, b, false)
	assert.Equal(t, gobreaker.StateClosed, b.State(), "below MinRequests")

	call(t, b, false)
	assert.Equal(t, gobreaker.StateOpen, b.State())
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerClearsCountsEachWindow(t *testing.T) {
	b := newTestBreaker(30 * time.Millisecond)

	call(t, b, false)
	call(t, b, false)
	time.Sleep(40 * time.Millisecond)
	call(t, b, true)
	call(t, b, false)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerHalfOpenTrialCall(t *testing.T) {
	b := newTestBreaker(time.Minute)
	trip(t, b)

	time.Sleep(testCoolDown + 10*time.Millisecond)
	trial, err := b.Allow()
	require.NoError(t, err, "trial call admitted after cool-down")
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one trial call at a time")

	trial.Record(false)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(testCoolDown + 10*time.Millisecond)
	call(t, b, true)
	assert.Equal(t, gobreaker.StateClosed, b.State())
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreakerIgnoresOutcomeFromBeforeTrip(t *testing.T) {
	b := newTestBreaker(time.Minute)
	late, err := b.Allow()
	require.NoError(t, err)
	trip(t, b)

	time.Sleep(testCoolDown + 10*time.Millisecond)
	trial, err := b.Allow()
	require.NoError(t, err)

	late.Record(true)
	assert.Equal(t, gobreaker.StateHalfOpen, b.State(), "late success must not close the breaker")
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen, "trial call still in flight")

	trial.Record(true)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerAbandon(t *testing.T) {
	b := newTestBreaker(time.Minute)
	for i := 0; i < 6; i++ {
		ticket, err := b.Allow()
		require.NoError(t, err)
		ticket.Abandon()
	}
	assert.Equal(t, gobreaker.StateClosed, b.State(), "abandoned calls are not failures")

	b = newTestBreaker(time.Minute)
	trip(t, b)
	time.Sleep(testCoolDown + 10*time.Millisecond)
	trial, err := b.Allow()
	require.NoError(t, err)
	trial.Abandon()
	assert.Equal(t, gobreaker.StateOpen, b.State(), "abandoned trial call frees the half-open slot")
}

func TestNilBreakerAdmitsEverything(t *testing.T) {
	var b *Breaker
	ticket, err := b.Allow()
	require.NoError(t, err)
	ticket.Record(false)
	ticket.Abandon()
}

func TestDoFailsFastWhenOpen(t *testing.T) {
	p := fastPolicy(10)
	p.Breaker = newTestBreaker(time.Minute)

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return tempErr{temp: true}
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 4, calls, "breaker trips after MinRequests failures")
	assert.Equal(t, 4, Attempts(err))

	calls = 0
	err = Do(context.Background(), p, func(context.Context) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}
