package txn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lineread/ingestd/engine/breaker"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/graphstore"
)

// fakeRunner lets each test script exactly what RunTx should return on each
// call.
type fakeRunner struct {
	runTx func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error)
}

func (f *fakeRunner) RunTx(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
	return f.runTx(ctx, ops)
}
func (f *fakeRunner) CountByLabel(ctx context.Context, t domain.CanonicalType) (int64, error) {
	return 0, nil
}
func (f *fakeRunner) OrphanCount(ctx context.Context, ids []string) (int64, error) { return 0, nil }
func (f *fakeRunner) Close(ctx context.Context) error                              { return nil }

type fakeOpener struct {
	runner *fakeRunner
}

func (o *fakeOpener) Session(ctx context.Context) graphstore.TxRunner { return o.runner }

func deadlockErr() error {
	return &testNeoLikeErr{"deadlock detected"}
}

type testNeoLikeErr struct{ msg string }

func (e *testNeoLikeErr) Error() string { return e.msg }

func TestCommitSucceeds(t *testing.T) {
	runner := &fakeRunner{runTx: func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
		return graphstore.TxResult{OpCount: len(ops)}, nil
	}}
	m := New(&fakeOpener{runner}, breaker.New(breaker.Opts{}), Opts{})

	res := m.Commit(context.Background(), []graphstore.Op{
		graphstore.MergeNode{CanonicalType: domain.TypeEquipment, ID: "a"},
	})
	if res.Outcome != OutcomeCommitted || res.OpCount != 1 {
		t.Fatalf("expected committed/1, got %+v", res)
	}
}

func TestCommitEmptyBatchIsNoop(t *testing.T) {
	runner := &fakeRunner{runTx: func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
		t.Fatal("RunTx should not be called for an empty batch")
		return graphstore.TxResult{}, nil
	}}
	m := New(&fakeOpener{runner}, breaker.New(breaker.Opts{}), Opts{})

	res := m.Commit(context.Background(), nil)
	if res.Outcome != OutcomeCommitted || res.OpCount != 0 {
		t.Fatalf("expected committed/0, got %+v", res)
	}
}

func TestCommitRetriesOnDeadlockThenSucceeds(t *testing.T) {
	var calls int32
	runner := &fakeRunner{runTx: func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return graphstore.TxResult{}, deadlockErr()
		}
		return graphstore.TxResult{OpCount: len(ops)}, nil
	}}
	m := New(&fakeOpener{runner}, breaker.New(breaker.Opts{}), Opts{MaxDeadlockRetries: 3, BaseBackoff: time.Millisecond})

	res := m.Commit(context.Background(), []graphstore.Op{graphstore.MergeNode{ID: "a"}})
	if res.Outcome != OutcomeCommitted {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestCommitGivesUpAfterMaxDeadlockRetries(t *testing.T) {
	var calls int32
	runner := &fakeRunner{runTx: func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
		atomic.AddInt32(&calls, 1)
		return graphstore.TxResult{}, deadlockErr()
	}}
	m := New(&fakeOpener{runner}, breaker.New(breaker.Opts{}), Opts{MaxDeadlockRetries: 2, BaseBackoff: time.Millisecond})

	res := m.Commit(context.Background(), []graphstore.Op{graphstore.MergeNode{ID: "a"}})
	if res.Outcome != OutcomePartialFailure {
		t.Fatalf("expected partial failure, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 3 { // initial + 2 retries
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestCommitNonDeadlockErrorDoesNotRetry(t *testing.T) {
	var calls int32
	runner := &fakeRunner{runTx: func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
		atomic.AddInt32(&calls, 1)
		return graphstore.TxResult{}, errors.New("constraint violation")
	}}
	m := New(&fakeOpener{runner}, breaker.New(breaker.Opts{}), Opts{MaxDeadlockRetries: 3, BaseBackoff: time.Millisecond})

	res := m.Commit(context.Background(), []graphstore.Op{graphstore.MergeNode{ID: "a"}})
	if res.Outcome != OutcomePartialFailure {
		t.Fatalf("expected partial failure, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("non-deadlock errors must not be retried, got %d calls", calls)
	}
}

func TestCommitSurfacesBreakerOpen(t *testing.T) {
	runner := &fakeRunner{runTx: func(ctx context.Context, ops []graphstore.Op) (graphstore.TxResult, error) {
		return graphstore.TxResult{}, domain.Classify(domain.FailureBackend5xx, errors.New("unreachable"))
	}}
	b := breaker.New(breaker.Opts{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Hour})
	m := New(&fakeOpener{runner}, b, Opts{MaxDeadlockRetries: 0})

	// first call trips the breaker
	_ = m.Commit(context.Background(), []graphstore.Op{graphstore.MergeNode{ID: "a"}})

	res := m.Commit(context.Background(), []graphstore.Op{graphstore.MergeNode{ID: "b"}})
	if res.Outcome != OutcomeBreakerOpen {
		t.Fatalf("expected breaker open, got %+v", res)
	}
}
