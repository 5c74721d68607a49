package resilience

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures a failure-rate circuit breaker.
type BreakerConfig struct {
	// Window is the interval after which closed-state counts are cleared.
	Window      time.Duration `json:"window" yaml:"window"`
	MinRequests int           `json:"min_requests" yaml:"min_requests"`
	FailureRate float64       `json:"failure_rate" yaml:"failure_rate"`
	CoolDown    time.Duration `json:"cool_down" yaml:"cool_down"`
}

// DefaultBreakerConfig opens after half of at least five calls in 30s fail.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:      30 * time.Second,
		MinRequests: 5,
		FailureRate: 0.5,
		CoolDown:    30 * time.Second,
	}
}

// Breaker rejects calls for CoolDown once the failure rate inside a window
// crosses the threshold, then lets a single trial call through: success closes
// it, failure reopens it. Outcomes of calls admitted before the last state
// change are ignored.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = 1
	}
	if cfg.FailureRate <= 0 || cfg.FailureRate > 1 {
		cfg.FailureRate = 0.5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= uint32(cfg.MinRequests) &&
				float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				slog.Warn("resilience: breaker opened", "breaker", name, "from", from.String(), "cool_down", cfg.CoolDown)
				return
			}
			slog.Info("resilience: breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})}
}

// State returns the current state, accounting for an elapsed cool-down.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Ticket is one call admitted by a Breaker. Exactly one of Record or
// Abandon settles it. A nil Ticket, from a nil Breaker, ignores both.
type Ticket struct {
	b    *Breaker
	done func(success bool)
}

// Allow admits a call or returns ErrCircuitOpen. A nil Breaker admits
// everything.
func (b *Breaker) Allow() (*Ticket, error) {
	if b == nil {
		return nil, nil
	}
	done, err := b.cb.Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	return &Ticket{b: b, done: done}, nil
}

// Record reports whether the provider answered properly.
func (t *Ticket) Record(ok bool) {
	if t == nil {
		return
	}
	t.done(ok)
}

// Abandon settles a call the caller gave up on. It is never a failure in
// the closed state; an abandoned half-open trial call counts as one so the
// breaker does not wait on it forever.
func (t *Ticket) Abandon() {
	if t == nil {
		return
	}
	if t.b.cb.State() == gobreaker.StateHalfOpen {
		t.done(false)
	}
}
