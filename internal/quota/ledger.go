package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrExceedsLimit indicates a reservation larger than the whole budget,
	// which can never be granted regardless of timing.
	ErrExceedsLimit = errors.New("quota: reservation exceeds window limit")
)

// Clock supplies the current time. Injectable so window rollover is testable
// without real delays.
type Clock func() time.Time

// Result is the outcome of a reservation attempt. When Granted is false the
// caller must wait until RetryAt before retrying; the deadline is derived from
// the issue timestamps of the oldest recorded calls.
type Result struct {
	Granted    bool
	RetryAt    time.Time
	RetryAfter time.Duration
}

// Ledger tracks consumed calls against an external rate budget inside a
// sliding time window. Reservation and recording are one atomic step.
type Ledger struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    Clock
	calls  []time.Time // ascending issue timestamps inside the window
}

// Option tunes ledger construction.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(l *Ledger) { l.now = clock }
}

// NewLedger builds a ledger for at most limit calls per window.
func NewLedger(limit int, window time.Duration, opts ...Option) (*Ledger, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("quota: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("quota: window must be positive, got %s", window)
	}

	l := &Ledger{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Reserve atomically records n consumed calls if the window budget allows,
// otherwise returns the earliest instant at which enough quota frees up.
func (l *Ledger) Reserve(n int) (Result, error) {
	if n <= 0 {
		return Result{}, fmt.Errorf("quota: reservation must be positive, got %d", n)
	}
	if n > l.limit {
		return Result{}, fmt.Errorf("%w: %d > %d", ErrExceedsLimit, n, l.limit)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.calls)+n <= l.limit {
		for i := 0; i < n; i++ {
			l.calls = append(l.calls, now)
		}
		return Result{Granted: true}, nil
	}

	// The reservation fits once the (len+n-limit) oldest calls age out.
	overflow := len(l.calls) + n - l.limit
	retryAt := l.calls[overflow-1].Add(l.window)
	return Result{
		Granted:    false,
		RetryAt:    retryAt,
		RetryAfter: retryAt.Sub(now),
	}, nil
}

// Remaining reports how many calls are still grantable right now.
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.limit - len(l.calls)
}

// Limit returns the configured window budget.
func (l *Ledger) Limit() int { return l.limit }

// prune drops calls that have aged out of the window. Caller holds mu.
func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.calls) && !l.calls[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.calls = append(l.calls[:0], l.calls[idx:]...)
	}
}
