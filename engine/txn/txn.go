// Package txn implements the transaction manager: it takes a staged batch
// of graphstore ops from the bridge and commits them as a single atomic
// backend transaction, routed through the circuit breaker and retried on
// deadlock. A batch is observable all-or-nothing; there are no partial
// commits.
package txn

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/lineread/ingestd/engine/breaker"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/graphstore"
)

// Outcome is the result kind of a Commit call.
type Outcome string

const (
	OutcomeCommitted      Outcome = "Committed"
	OutcomePartialFailure Outcome = "PartialFailure"
	OutcomeBreakerOpen    Outcome = "BreakerOpen"
)

// Result is returned by Commit.
type Result struct {
	Outcome Outcome
	OpCount int
	Err     error
}

// Opts configures retry behaviour for deadlocked transactions.
type Opts struct {
	MaxDeadlockRetries int           // default 3
	BaseBackoff        time.Duration // default 50ms
}

var defaults = Opts{MaxDeadlockRetries: 3, BaseBackoff: 50 * time.Millisecond}

// Manager is the TransactionManager.
type Manager struct {
	store   graphstore.Opener
	breaker *breaker.Breaker
	opts    Opts
}

// New creates a Manager over anything that can open a graph session
// (ordinarily a *graphstore.Store), guarded by b.
func New(store graphstore.Opener, b *breaker.Breaker, opts Opts) *Manager {
	if opts.MaxDeadlockRetries <= 0 {
		opts.MaxDeadlockRetries = defaults.MaxDeadlockRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	return &Manager{store: store, breaker: b, opts: opts}
}

// Commit stages ops and commits them as one backend transaction.
// A deadlock is retried up to MaxDeadlockRetries times with
// exponential jitter before being surfaced as a PartialFailure; any other
// error, including ErrOpen from the breaker, is surfaced immediately
// without retry — the caller (orchestrator) is responsible for deciding
// whether the document goes to the DLQ.
func (m *Manager) Commit(ctx context.Context, ops []graphstore.Op) Result {
	if len(ops) == 0 {
		return Result{Outcome: OutcomeCommitted, OpCount: 0}
	}

	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxDeadlockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{Outcome: OutcomePartialFailure, Err: domain.Classify(domain.FailureCancelled, ctx.Err())}
			case <-time.After(jitter(attempt, m.opts.BaseBackoff)):
			}
		}

		var res graphstore.TxResult
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			sess := m.store.Session(ctx)
			defer sess.Close(ctx)

			var txErr error
			res, txErr = sess.RunTx(ctx, ops)
			if txErr != nil {
				return domain.Classify(graphstore.ClassifyTxError(txErr), txErr)
			}
			return nil
		})

		if err == nil {
			return Result{Outcome: OutcomeCommitted, OpCount: res.OpCount}
		}

		if errors.Is(err, breaker.ErrOpen) {
			return Result{Outcome: OutcomeBreakerOpen, Err: domain.Classify(domain.FailureBreakerOpen, err)}
		}

		lastErr = err
		if !graphstore.IsDeadlock(err) {
			return Result{Outcome: OutcomePartialFailure, Err: err}
		}
		// deadlock: loop and retry
	}

	return Result{Outcome: OutcomePartialFailure, Err: lastErr}
}

// jitter returns an exponential backoff with full jitter, capped
// implicitly by the caller's MaxDeadlockRetries.
func jitter(attempt int, base time.Duration) time.Duration {
	span := base << uint(attempt)
	if span <= 0 {
		span = base
	}
	return time.Duration(rand.Int63n(int64(span)))
}
