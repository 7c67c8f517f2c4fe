package dlq

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lineread/ingestd/engine/domain"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dlq.walog")
	q, err := Open(path, Opts{BaseDelay: time.Millisecond, MaxBackoff: time.Second, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndDue(t *testing.T) {
	q := newTestQueue(t)
	clock := time.Now()
	q.now = func() time.Time { return clock }

	if err := q.Enqueue(Entry{ID: "1", OperationKind: OpCommit, ProcessID: "p1", FailureKind: domain.FailureTimeout}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	due := q.Due()
	if len(due) != 0 {
		t.Fatalf("entry should not be due immediately after enqueue, got %d", len(due))
	}

	clock = clock.Add(time.Hour)
	due = q.Due()
	if len(due) != 1 || due[0].ID != "1" {
		t.Fatalf("expected entry 1 to be due, got %+v", due)
	}
}

func TestValidationFailureIsNeverRetried(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(Entry{ID: "1", FailureKind: domain.FailureValidation}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Reschedule("1", OutcomeTransientFailure); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	entries := q.List()
	if len(entries) != 1 || !entries[0].Permanent {
		t.Fatalf("validation failure should become permanent, got %+v", entries)
	}
}

func TestUnknownFailureBecomesPermanentAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(Entry{ID: "1", FailureKind: domain.FailureUnknown}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Reschedule("1", OutcomeTransientFailure); err != nil {
			t.Fatalf("reschedule %d: %v", i, err)
		}
	}
	entries := q.List()
	if len(entries) != 1 || !entries[0].Permanent {
		t.Fatalf("expected permanent after max attempts, got %+v", entries)
	}
}

func TestBreakerOpenDoesNotConsumeAttempt(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(Entry{ID: "1", FailureKind: domain.FailureBreakerOpen}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Reschedule("1", OutcomeTransientFailure); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	entries := q.List()
	if entries[0].AttemptCount != 0 {
		t.Fatalf("breaker-open retries should not increment attempt_count, got %d", entries[0].AttemptCount)
	}
}

func TestSuccessRemovesEntry(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(Entry{ID: "1", FailureKind: domain.FailureTimeout}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Reschedule("1", OutcomeSuccess); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if len(q.List()) != 0 {
		t.Fatalf("expected entry removed on success")
	}
}

func TestDiscardAndRetryNow(t *testing.T) {
	q := newTestQueue(t)
	clock := time.Now()
	q.now = func() time.Time { return clock }
	if err := q.Enqueue(Entry{ID: "1", FailureKind: domain.FailureValidation}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Reschedule("1", OutcomeTransientFailure); err != nil { // becomes permanent
		t.Fatalf("reschedule: %v", err)
	}
	if err := q.RetryNow("1", false); err == nil {
		t.Fatal("expected RetryNow without force to refuse a permanent entry")
	}
	if err := q.RetryNow("1", true); err != nil {
		t.Fatalf("forced retry_now: %v", err)
	}
	due := q.Due()
	if len(due) != 1 {
		t.Fatalf("expected entry due after forced retry_now, got %d", len(due))
	}

	if err := q.Discard("1"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if len(q.List()) != 0 {
		t.Fatalf("expected entry removed after discard")
	}
}

func TestReplayReconstructsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.walog")
	q, err := Open(path, Opts{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := q.Enqueue(Entry{ID: "1", ProcessID: "p1", FailureKind: domain.FailureTimeout, LastError: "boom"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, Opts{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entries := reopened.List()
	if len(entries) != 1 || entries[0].ProcessID != "p1" || entries[0].LastError != "boom" {
		t.Fatalf("expected replayed entry to match, got %+v", entries)
	}
}
