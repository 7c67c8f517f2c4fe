// Package breaker implements the fail-fast circuit breaker that guards
// calls to the graph backend: a sliding failure window trips it OPEN,
// a cooldown admits a single HALF_OPEN probe, and only explicitly
// classified connectivity failures count toward tripping.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lineread/ingestd/engine/domain"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned for every call while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Opts configures the breaker. Zero values fall back to the defaults.
type Opts struct {
	FailureThreshold int           // failures within Window to trip (default 5)
	Window           time.Duration // sliding window (default 60s)
	Cooldown         time.Duration // OPEN -> HALF_OPEN delay (default 30s)
}

var defaults = Opts{FailureThreshold: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second}

// Status is the observable snapshot exposed to the health endpoint and DLQ
// decisions.
type Status struct {
	State           State
	FailureCount    int
	OpenedAt        time.Time
	LastFailureKind domain.FailureKind
}

// Breaker is a circuit breaker for a single backend target.
type Breaker struct {
	mu   sync.Mutex
	opts Opts

	state            State
	openedAt         time.Time
	failures         []time.Time // timestamps within the sliding window, closed state only
	halfOpenInFlight bool
	lastFailureKind  domain.FailureKind

	now func() time.Time // seam for tests
}

// New creates a Breaker with the given options.
func New(opts Opts) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaults.FailureThreshold
	}
	if opts.Window <= 0 {
		opts.Window = defaults.Window
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaults.Cooldown
	}
	return &Breaker{opts: opts, now: time.Now}
}

// Status returns a snapshot of the breaker's current state, advancing
// OPEN -> HALF_OPEN if the cooldown has elapsed.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return Status{
		State:           b.state,
		FailureCount:    len(b.failures),
		OpenedAt:        b.openedAt,
		LastFailureKind: b.lastFailureKind,
	}
}

// advance transitions OPEN -> HALF_OPEN once the cooldown elapses. Caller
// must hold mu.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.state = StateHalfOpen
		b.halfOpenInFlight = false
	}
}

// admit decides whether a call may proceed, and if so reserves the
// half-open probe slot. Caller must hold mu.
func (b *Breaker) admit() error {
	b.advance()
	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
	}
	return nil
}

// Execute runs f through the breaker. Only errors classified by
// domain.KindOf as connectivity/backend failures (Timeout, Backend5xx,
// Unknown) trip the breaker; logical errors (domain.FailureGraphLogic,
// domain.FailureValidation, ...) pass through without affecting breaker
// state.
func (b *Breaker) Execute(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return err
	}
	wasHalfOpen := b.state == StateHalfOpen
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if wasHalfOpen {
			b.close()
		}
		return nil
	}

	kind := domain.KindOf(err)
	if !tripsBreaker(kind) {
		// Logical error: surfaced to the caller, breaker state untouched,
		// except a half-open probe must release its slot.
		if wasHalfOpen {
			b.halfOpenInFlight = false
		}
		return err
	}

	b.recordFailure(kind, wasHalfOpen)
	return err
}

// tripsBreaker reports whether a FailureKind counts toward opening the
// breaker. Timeout, Backend5xx and Unknown are connectivity-class; every
// other kind (GraphLogic, Validation, BreakerOpen, ...) is treated as
// logical and does not count.
func tripsBreaker(kind domain.FailureKind) bool {
	switch kind {
	case domain.FailureTimeout, domain.FailureBackend5xx, domain.FailureUnknown:
		return true
	default:
		return false
	}
}

// recordFailure must be called with mu held.
func (b *Breaker) recordFailure(kind domain.FailureKind, wasHalfOpen bool) {
	b.lastFailureKind = kind
	now := b.now()

	if wasHalfOpen {
		b.open(now, kind)
		return
	}

	b.failures = append(b.failures, now)
	b.trimWindow(now)
	if len(b.failures) >= b.opts.FailureThreshold {
		b.open(now, kind)
	}
}

func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) open(at time.Time, kind domain.FailureKind) {
	b.state = StateOpen
	b.openedAt = at
	b.lastFailureKind = kind
	b.failures = nil
	b.halfOpenInFlight = false
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.failures = nil
	b.halfOpenInFlight = false
}
