// Package resilience wraps calls to external providers with per-call
// timeouts, retry with exponential backoff and jitter, and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCircuitOpen is returned without calling the operation while a breaker
// is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Policy configures Do. The zero value makes a single attempt with no
// timeout and no breaker.
type Policy struct {
	Name        string        `json:"name" yaml:"name"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	// Jitter is the randomisation factor: each delay lands within
	// ±Jitter of its exponential value.
	Jitter         float64       `json:"jitter" yaml:"jitter"`
	PerCallTimeout time.Duration `json:"per_call_timeout" yaml:"per_call_timeout"`
	// MaxRetryAfter caps server-provided Retry-After hints.
	MaxRetryAfter time.Duration `json:"max_retry_after" yaml:"max_retry_after"`

	Breaker *Breaker `json:"-" yaml:"-"`

	// Retryable overrides the default classification.
	Retryable func(error) bool `json:"-" yaml:"-"`
}

// DefaultPolicy mirrors the delays used against hosted LLM APIs.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:           name,
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       20 * time.Second,
		Jitter:         0.5,
		PerCallTimeout: 60 * time.Second,
		MaxRetryAfter:  60 * time.Second,
	}
}

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resilience: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Attempts returns how many times the operation ran before err was
// produced, or 0 when err did not come from Do.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.attempts
	}
	return 0
}

type attemptError struct {
	attempts int
	err      error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// temporary is implemented by provider errors that know whether they are
// worth retrying (rate limits, 5xx, transport failures).
type temporary interface {
	Temporary() bool
}

// retryAfter is implemented by errors carrying a server backoff hint.
type retryAfter interface {
	RetryAfterHint() time.Duration
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempt budget is spent or ctx is done. Each attempt gets its own
// timeout-bound context. No attempt is started after ctx is cancelled.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	delays := p.newBackOff()
	n := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(&attemptError{attempts: n, err: err})
		}
		ticket, err := p.Breaker.Allow()
		if err != nil {
			return backoff.Permanent(&attemptError{attempts: n, err: fmt.Errorf("%s: %w", p.Name, err)})
		}
		n++

		err = callOnce(ctx, p.PerCallTimeout, op)
		if err == nil {
			ticket.Record(true)
			return nil
		}
		// The caller gave up: abandon without counting against the provider.
		if ctx.Err() != nil {
			ticket.Abandon()
			return backoff.Permanent(&attemptError{attempts: n, err: ctx.Err()})
		}
		transient := retryable(err)
		// A definitive rejection still means the provider answered.
		ticket.Record(!transient)
		if !transient {
			return backoff.Permanent(&attemptError{attempts: n, err: err})
		}
		delays.observe(err)
		return err
	}
	notify := func(err error, delay time.Duration) {
		slog.Warn("resilience: retrying",
			"op", p.Name,
			"attempt", n,
			"delay", delay,
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(delays, uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return nil
	}
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae
	}
	if cerr := ctx.Err(); cerr != nil {
		return &attemptError{attempts: n, err: cerr}
	}
	return &ExhaustedError{Attempts: n, Err: err}
}

func callOnce(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := op(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("call exceeded %s: %w", timeout, context.DeadlineExceeded)
	}
	return err
}

// newBackOff returns the delay schedule for one Do: BaseDelay doubling up
// to MaxDelay, randomised by Jitter.
func (p Policy) newBackOff() *hintedBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = 100 * time.Millisecond
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = min(max(p.Jitter, 0), 1)
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(1<<63 - 1)
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &hintedBackOff{BackOff: exp, maxHint: p.MaxRetryAfter}
}

// hintedBackOff raises the next delay to the Retry-After hint of the last
// failure, capped at maxHint.
type hintedBackOff struct {
	backoff.BackOff
	maxHint time.Duration
	hint    time.Duration
}

func (h *hintedBackOff) observe(err error) {
	var ra retryAfter
	if errors.As(err, &ra) {
		h.hint = ra.RetryAfterHint()
	}
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	hint := h.hint
	h.hint = 0
	if d == backoff.Stop {
		return d
	}
	if h.maxHint > 0 && hint > h.maxHint {
		hint = h.maxHint
	}
	return max(d, hint)
}

func (h *hintedBackOff) Reset() {
	h.hint = 0
	h.BackOff.Reset()
}
