// Package dlq implements the dead letter queue: a durable, append-only
// store of failed pipeline operations with a typed retry policy and
// operator controls. Entries are fsync'd before being acknowledged and
// replayed from the log on startup, so scheduled retries survive a crash.
package dlq

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/pkg/walog"
)

// OperationKind identifies which pipeline step produced the failed entry.
type OperationKind string

const (
	OpExtract OperationKind = "EXTRACT"
	OpUpload  OperationKind = "UPLOAD"
	OpCommit  OperationKind = "COMMIT"
)

// Entry is a single dead-lettered operation.
type Entry struct {
	ID            string
	OperationKind OperationKind
	ProcessID     string
	Payload       string // opaque, re-playable by the orchestrator
	FailureKind   domain.FailureKind
	AttemptCount  int
	NextAttemptAt time.Time
	FirstSeenAt   time.Time
	LastError     string
	Permanent     bool
}

// defaultMaxAttempts bounds FailureUnknown's retry count.
const defaultMaxAttempts = 8

// Opts configures the DLQ's backoff schedule.
type Opts struct {
	BaseDelay      time.Duration // default 5s (dlq.base_backoff)
	MaxBackoff     time.Duration // default 1h (dlq.max_backoff)
	MaxAttempts    int           // default 8, applies to FailureUnknown only (dlq.max_attempts)
	BreakerOpenDue time.Duration // default 5s, short delay for BreakerOpen entries
}

var defaults = Opts{BaseDelay: 5 * time.Second, MaxBackoff: time.Hour, MaxAttempts: defaultMaxAttempts, BreakerOpenDue: 5 * time.Second}

// Queue is the DeadLetterQueue.
type Queue struct {
	mu      sync.Mutex
	log     *walog.Log
	entries map[string]*Entry
	opts    Opts
	now     func() time.Time
}

// Open opens (or creates) the durable log at path and replays it into
// memory.
func Open(path string, opts Opts) (*Queue, error) {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaults.MaxBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.BreakerOpenDue <= 0 {
		opts.BreakerOpenDue = defaults.BreakerOpenDue
	}

	log, err := walog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dlq: open log: %w", err)
	}

	q := &Queue{log: log, entries: make(map[string]*Entry), opts: opts, now: time.Now}
	if err := walog.Replay(path, q.applyRecord); err != nil {
		return nil, fmt.Errorf("dlq: replay: %w", err)
	}
	return q, nil
}

// applyRecord reconstructs one Entry from a replayed WAL record. Later
// records for the same ID overwrite earlier ones, since the log is an
// event stream, not a snapshot.
func (q *Queue) applyRecord(fields map[string]any) error {
	e := &Entry{
		ID:            str(fields["id"]),
		OperationKind: OperationKind(str(fields["operation_kind"])),
		ProcessID:     str(fields["process_id"]),
		Payload:       str(fields["payload"]),
		FailureKind:   domain.FailureKind(str(fields["failure_kind"])),
		AttemptCount:  int(num(fields["attempt_count"])),
		LastError:     str(fields["last_error"]),
		Permanent:     boolean(fields["permanent"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, str(fields["next_attempt_at"])); err == nil {
		e.NextAttemptAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, str(fields["first_seen_at"])); err == nil {
		e.FirstSeenAt = t
	}
	if deleted := boolean(fields["deleted"]); deleted {
		delete(q.entries, e.ID)
		return nil
	}
	q.entries[e.ID] = e
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func (e *Entry) toFields() map[string]any {
	return map[string]any{
		"id":              e.ID,
		"operation_kind":  string(e.OperationKind),
		"process_id":      e.ProcessID,
		"payload":         e.Payload,
		"failure_kind":    string(e.FailureKind),
		"attempt_count":   float64(e.AttemptCount),
		"next_attempt_at": e.NextAttemptAt.Format(time.RFC3339Nano),
		"first_seen_at":   e.FirstSeenAt.Format(time.RFC3339Nano),
		"last_error":      e.LastError,
		"permanent":       e.Permanent,
	}
}

// Enqueue durably appends entry, fsync'ing before returning.
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.FirstSeenAt.IsZero() {
		e.FirstSeenAt = q.now()
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = q.dueTime(e.FailureKind, 0)
	}
	if err := q.log.Append(e.toFields()); err != nil {
		return fmt.Errorf("dlq: enqueue: %w", err)
	}
	cp := e
	q.entries[e.ID] = &cp
	return nil
}

// Due returns all non-permanent entries whose next_attempt_at has passed,
// ordered by next_attempt_at.
func (q *Queue) Due() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []Entry
	for _, e := range q.entries {
		if !e.Permanent && !e.NextAttemptAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	return due
}

// Outcome is the result of a retry attempt, reported via Reschedule.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

// Reschedule applies the retry policy for id's failure kind given the
// outcome of its most recent attempt: success deletes the entry,
// permanent failure pins it, and a transient failure pushes
// next_attempt_at out by the kind's backoff schedule.
func (q *Queue) Reschedule(id string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("dlq: unknown entry %s", id)
	}

	switch outcome {
	case OutcomeSuccess:
		delete(q.entries, id)
		return q.log.Append(map[string]any{"id": id, "deleted": true})
	case OutcomePermanentFailure:
		e.Permanent = true
		e.LastError = "permanent: " + e.LastError
		return q.log.Append(e.toFields())
	}

	if !e.FailureKind.Retryable() {
		e.Permanent = true
		return q.log.Append(e.toFields())
	}
	if e.FailureKind != domain.FailureBreakerOpen {
		e.AttemptCount++
	}
	if e.FailureKind == domain.FailureUnknown && e.AttemptCount >= q.opts.MaxAttempts {
		e.Permanent = true
		return q.log.Append(e.toFields())
	}

	e.NextAttemptAt = q.dueTime(e.FailureKind, e.AttemptCount)
	return q.log.Append(e.toFields())
}

// dueTime computes next_attempt_at per the policy table: BreakerOpen uses a
// short fixed delay and does not consume an attempt; everything else uses
// exponential backoff with jitter via backoff/v4, capped at MaxBackoff.
func (q *Queue) dueTime(kind domain.FailureKind, attempt int) time.Time {
	if kind == domain.FailureBreakerOpen {
		return q.now().Add(q.opts.BreakerOpenDue)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.BaseDelay
	b.MaxInterval = q.opts.MaxBackoff
	b.Multiplier = 2            // base doubles each attempt
	b.RandomizationFactor = 0.2 // +/- 20% jitter
	b.MaxElapsedTime = 0        // caller bounds attempts, not elapsed wall time
	b.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return q.now().Add(d)
}

// Get returns a copy of the entry for id, if present — used by the
// orchestrator to tell a fresh failure from a retry of one already queued.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns a snapshot of every entry, for the Admin API.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out
}

// Discard permanently removes an entry without retrying it (operator
// control).
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("dlq: unknown entry %s", id)
	}
	delete(q.entries, id)
	return q.log.Append(map[string]any{"id": id, "deleted": true})
}

// RetryNow clears an entry's schedule so it is immediately due, bypassing
// backoff (operator control). It does not reset Permanent unless force is
// true — an operator explicitly overriding a permanent failure.
func (q *Queue) RetryNow(id string, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("dlq: unknown entry %s", id)
	}
	if e.Permanent && !force {
		return fmt.Errorf("dlq: entry %s is permanently failed, use force to override", id)
	}
	e.Permanent = false
	e.NextAttemptAt = q.now()
	return q.log.Append(e.toFields())
}

// Close closes the underlying log.
func (q *Queue) Close() error { return q.log.Close() }
