// Package orchestrator implements the per-document state machine that
// drives a Document from NEW through VALIDATED, INDEX_UPLOADED, EXTRACTED,
// STAGED, to COMMITTED, routing any classified failure to the dead letter
// queue and recording every transition in the process registry. A bounded
// worker pool drains a job queue of process_ids; within one document,
// steps run strictly sequentially.
//
// The orchestrator depends on every other core component; no component
// depends on it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lineread/ingestd/engine/bridge"
	"github.com/lineread/ingestd/engine/dlq"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/graphstore"
	"github.com/lineread/ingestd/engine/progress"
	"github.com/lineread/ingestd/engine/registry"
	"github.com/lineread/ingestd/engine/txn"
	"github.com/lineread/ingestd/pkg/fn"
	"github.com/lineread/ingestd/pkg/metrics"
)

// Extractor is the subset of engine/extract.Extractor the orchestrator
// depends on, so tests can supply a fake.
type Extractor interface {
	Extract(ctx context.Context, documentID, contentHash, text string) ([]domain.RawEntity, []domain.RawRelationship, error)
}

// Index is the subset of engine/retrieval.Index the orchestrator depends on.
type Index interface {
	Upload(ctx context.Context, blob []byte, metadata map[string]string, contentHash string) (string, error)
}

// Committer is the subset of engine/txn.Manager the orchestrator depends on.
type Committer interface {
	Commit(ctx context.Context, ops []graphstore.Op) txn.Result
}

// TextFunc extracts the plain text an Extractor call needs from a blob. It
// is injected rather than hard-coded because text extraction from PDFs,
// images (OCR), and office formats is itself format-specific and belongs
// to whatever prepares the extractor's input, not to this state machine.
type TextFunc func(blob []byte, format domain.Format) (string, error)

// Opts configures the orchestrator's timeouts and concurrency.
type Opts struct {
	WorkerPoolSize   int           // default 4 (worker_pool_size)
	ExtractTimeout   time.Duration // default 300s (timeouts.extract)
	UploadTimeout    time.Duration // default 120s (timeouts.upload)
	GraphTxTimeout   time.Duration // default 60s (timeouts.graph_tx)
	DocumentDeadline time.Duration // default 30m (document.deadline)
	DLQPollInterval  time.Duration // default 2s
}

var defaults = Opts{
	WorkerPoolSize:   4,
	ExtractTimeout:   300 * time.Second,
	UploadTimeout:    120 * time.Second,
	GraphTxTimeout:   60 * time.Second,
	DocumentDeadline: 30 * time.Minute,
	DLQPollInterval:  2 * time.Second,
}

func (o Opts) withDefaults() Opts {
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if o.ExtractTimeout <= 0 {
		o.ExtractTimeout = defaults.ExtractTimeout
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = defaults.UploadTimeout
	}
	if o.GraphTxTimeout <= 0 {
		o.GraphTxTimeout = defaults.GraphTxTimeout
	}
	if o.DocumentDeadline <= 0 {
		o.DocumentDeadline = defaults.DocumentDeadline
	}
	if o.DLQPollInterval <= 0 {
		o.DLQPollInterval = defaults.DLQPollInterval
	}
	return o
}

// Blobs resolves a process_id's accepted bytes and source name so a step
// can be replayed after a crash without the caller re-submitting the
// original upload. The Accept layer owns the actual on-disk storage; this
// is its interface.
type Blobs interface {
	Load(ctx context.Context, processID string) (blob []byte, sourceName string, err error)
}

// Deps holds every external dependency the orchestrator drives. Extractor,
// Index and Txn are narrowed to interfaces so tests can supply fakes, the
// same seam style engine/txn uses for its own graphstore.Opener dependency.
type Deps struct {
	Registry  *registry.Registry
	DLQ       *dlq.Queue
	Progress  *progress.Hub
	Extractor Extractor
	Index     Index
	Bridge    *bridge.Bridge
	Txn       Committer
	Blobs     Blobs
	TextFunc  TextFunc
	Logger    *slog.Logger

	// Metrics is optional; when set, the orchestrator reports worker pool
	// occupancy and per-step duration to it.
	Metrics *metrics.Registry
}

// pendingExtraction caches one document's extracted raw entities between
// the EXTRACTED and STAGED steps, so a restart that loses this in-memory
// value simply re-extracts (which itself replays from engine/extract's own
// content_hash cache) rather than failing the document.
type pendingExtraction struct {
	entities      []domain.RawEntity
	relationships []domain.RawRelationship
}

// Orchestrator drives documents through the pipeline state machine.
type Orchestrator struct {
	deps Deps
	opts Opts
	log  *slog.Logger

	jobs chan string // process_ids queued for a worker
	wg   sync.WaitGroup
	stop context.CancelFunc

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // process_id -> cancellation for an in-flight run

	activeMu sync.Mutex
	active   map[string]struct{} // process_ids currently owned by a worker

	pendingMu sync.Mutex
	pending   map[string]pendingExtraction

	stagedMu sync.Mutex
	staged   map[string]bridge.StagedBatch

	mActive   *metrics.Gauge
	mStageDur func(state domain.State) *metrics.Histogram
}

// New constructs an Orchestrator. Call Start to run its worker pool and DLQ
// poller.
func New(deps Deps, opts Opts) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		deps:    deps,
		opts:    opts.withDefaults(),
		log:     log,
		jobs:    make(chan string, 1024),
		cancels: make(map[string]context.CancelFunc),
		active:  make(map[string]struct{}),
		pending: make(map[string]pendingExtraction),
		staged:  make(map[string]bridge.StagedBatch),
	}
	if deps.Metrics != nil {
		o.mActive = deps.Metrics.Gauge("ingestd_orchestrator_active_documents", "Documents currently being worked by a pool worker")
		o.mStageDur = func(state domain.State) *metrics.Histogram {
			return deps.Metrics.Histogram(metrics.WithLabels("ingestd_orchestrator_stage_duration_seconds", "stage", string(state)), "Wall-clock time spent in a single pipeline step", nil)
		}
	}
	return o
}

// Start launches the bounded worker pool and the DLQ-draining goroutine,
// and resumes every in-flight document found in the registry: recovery
// after a crash reads the document's recorded state and re-enters at that
// state, with no compensation logic.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.stop = cancel

	for i := 0; i < o.opts.WorkerPoolSize; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}

	o.wg.Add(1)
	go o.dlqLoop(ctx)

	for _, id := range o.deps.Registry.InFlight() {
		o.Enqueue(id)
	}
}

// Stop cancels every in-flight document and waits for workers to drain.
func (o *Orchestrator) Stop() {
	if o.stop != nil {
		o.stop()
	}
	o.wg.Wait()
}

// Enqueue schedules processID for processing by the next free worker. The
// Accept API calls this immediately after registering a NEW document; the
// DLQ loop calls it when a retry becomes due.
func (o *Orchestrator) Enqueue(processID string) {
	select {
	case o.jobs <- processID:
	default:
		// Pool saturated past its buffer: the id is dropped rather than
		// blocking the caller. The DLQ poller re-queues it on a later sweep
		// only if it has a due dead-letter entry; otherwise it stays in its
		// recorded state until Start re-queues in-flight documents.
		o.log.Warn("orchestrator: job queue full, deferring", "process_id", processID)
	}
}

// Cancel requests cooperative cancellation of processID's in-flight run,
// if any. It is a no-op if the document is not currently being worked by
// this orchestrator instance.
func (o *Orchestrator) Cancel(processID string) bool {
	o.cancelMu.Lock()
	cancel, ok := o.cancels[processID]
	o.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-o.jobs:
			if !ok {
				return
			}
			if o.mActive != nil {
				o.mActive.Inc()
			}
			o.run(ctx, id)
			if o.mActive != nil {
				o.mActive.Dec()
			}
		}
	}
}

// dlqLoop periodically drains due DLQ entries back onto the job queue;
// the entry itself only records the failure, the actual resumption
// re-enters the state machine at the document's last recorded state via
// run/step.
func (o *Orchestrator) dlqLoop(ctx context.Context) {
	defer o.wg.Done()
	t := time.NewTicker(o.opts.DLQPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, e := range o.deps.DLQ.Due() {
				// An entry stays "due" for the whole duration of the step
				// retrying it, since clearDeadLetter only runs once the step
				// finishes; don't re-queue a document a worker already owns.
				if o.isActive(e.ProcessID) {
					continue
				}
				o.Enqueue(e.ProcessID)
			}
		}
	}
}

// run drives processID through its next step(s) until it either completes a
// step that leaves it awaiting a future event (terminal for this call), or
// reaches a terminal DocumentState. The claim below makes a worker the sole
// owner of this document for the whole call, so steps execute strictly
// sequentially and there is never a second writer for its state, however
// many times the job queue holds its id. A document sitting in
// RETRY_SCHEDULED is first resumed back to the state it failed from, found
// from its open dead-letter entry, before the step loop runs.
func (o *Orchestrator) run(parent context.Context, processID string) {
	if !o.claim(processID) {
		return // another worker is already driving this document
	}
	defer o.release(processID)

	doc, ok := o.deps.Registry.Get(processID)
	if !ok {
		o.log.Error("orchestrator: unknown process_id dequeued", "process_id", processID)
		return
	}
	if doc.State.Terminal() {
		return // already finished by a prior worker; the DLQ loop can race a completion
	}

	if doc.State == domain.StateRetryScheduled {
		resumeState, found := o.resumeStateFor(processID)
		if !found {
			o.log.Error("orchestrator: retry-scheduled document has no open dead-letter entry", "process_id", processID)
			return
		}
		next, err := o.transition(doc, domain.StateRetryScheduled, resumeState)
		if err != nil {
			o.log.Error("orchestrator: failed to resume from retry schedule", "process_id", processID, "error", err)
			return
		}
		doc = next
	}

	ctx, cancel := context.WithTimeout(parent, o.opts.DocumentDeadline)
	o.cancelMu.Lock()
	o.cancels[processID] = cancel
	o.cancelMu.Unlock()
	defer func() {
		cancel()
		o.cancelMu.Lock()
		delete(o.cancels, processID)
		o.cancelMu.Unlock()
	}()

	for {
		from := doc.State
		next, err := o.step(ctx, doc)
		if err != nil {
			o.fail(doc, err)
			return
		}
		o.clearDeadLetter(doc.ProcessID, from)
		if next.State == doc.State {
			// The step made no forward progress by itself (shouldn't
			// normally happen); stop rather than spin the worker.
			return
		}
		doc = next
		if doc.State.Terminal() {
			return // transition already published the terminal event
		}
	}
}

// claim marks processID as owned by the calling worker. It returns false if
// another worker already owns it, which happens when the DLQ poller (or a
// duplicate Enqueue) queues an id whose run is still in flight.
func (o *Orchestrator) claim(processID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, taken := o.active[processID]; taken {
		return false
	}
	o.active[processID] = struct{}{}
	return true
}

func (o *Orchestrator) release(processID string) {
	o.activeMu.Lock()
	delete(o.active, processID)
	o.activeMu.Unlock()
}

func (o *Orchestrator) isActive(processID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	_, taken := o.active[processID]
	return taken
}

// resumeStateFor finds the state a RETRY_SCHEDULED document should resume
// from by reading its open (non-permanent) dead-letter entry's operation
// kind. A document can only be RETRY_SCHEDULED because some step failed and
// enqueued exactly one such entry for it.
func (o *Orchestrator) resumeStateFor(processID string) (domain.State, bool) {
	for _, e := range o.deps.DLQ.List() {
		if e.ProcessID != processID || e.Permanent {
			continue
		}
		return resumeStateForOp(e.OperationKind), true
	}
	return "", false
}

// clearDeadLetter discards the dead-letter entry (if any) for the step that
// just succeeded from state from, so a resumed retry doesn't leave a stale
// entry behind once it finally completes.
func (o *Orchestrator) clearDeadLetter(processID string, from domain.State) {
	id := dlqEntryID(processID, opKindFor(from))
	if _, ok := o.deps.DLQ.Get(id); !ok {
		return
	}
	if err := o.deps.DLQ.Reschedule(id, dlq.OutcomeSuccess); err != nil {
		o.log.Warn("orchestrator: failed to clear dead-letter entry after success", "process_id", processID, "error", err)
	}
}

// step executes exactly the action for doc's current state and returns
// the Document in its new state. Every branch is designed to be safely
// re-entered from the start of the step it is in. It is wrapped as an
// fn.Stage so each step gets its own OTel span (fn.TracedStage) and so its
// wall-clock duration is observed on Deps.Metrics when present.
func (o *Orchestrator) step(ctx context.Context, doc domain.Document) (domain.Document, error) {
	stage := fn.TracedStage("orchestrator.step."+string(doc.State), func(ctx context.Context, d domain.Document) fn.Result[domain.Document] {
		start := time.Now()
		next, err := o.dispatchStep(ctx, d)
		if o.mStageDur != nil {
			o.mStageDur(d.State).Since(start)
		}
		return fn.FromPair(next, err)
	})
	return stage(ctx, doc).Unwrap()
}

func (o *Orchestrator) dispatchStep(ctx context.Context, doc domain.Document) (domain.Document, error) {
	switch doc.State {
	case domain.StateNew:
		return o.doValidate(ctx, doc)
	case domain.StateValidated:
		return o.doUpload(ctx, doc)
	case domain.StateIndexUploaded:
		return o.doExtract(ctx, doc)
	case domain.StateExtracted:
		return o.doBridge(ctx, doc)
	case domain.StateStaged:
		return o.doCommit(ctx, doc)
	default:
		return doc, fmt.Errorf("orchestrator: no action for state %s", doc.State)
	}
}

func (o *Orchestrator) transition(doc domain.Document, from, to domain.State) (domain.Document, error) {
	doc.State = to
	if err := o.deps.Registry.Record(doc, from, to); err != nil {
		return doc, fmt.Errorf("orchestrator: record transition %s->%s: %w", from, to, err)
	}
	o.publish(doc, "")
	return doc, nil
}

// stagePercent maps a state to the rough completion fraction reported in
// progress events. RETRY_SCHEDULED and terminal failure states keep the
// percent of whatever step they interrupted at zero rather than inventing a
// number for work that didn't happen.
var stagePercent = map[domain.State]int{
	domain.StateNew:           0,
	domain.StateValidated:     20,
	domain.StateIndexUploaded: 40,
	domain.StateExtracted:     60,
	domain.StateStaged:        80,
	domain.StateCommitted:     100,
}

func (o *Orchestrator) publish(doc domain.Document, message string) {
	if o.deps.Progress == nil {
		return
	}
	o.pendingMu.Lock()
	pe, hasPending := o.pending[doc.ProcessID]
	o.pendingMu.Unlock()

	ev := progress.Event{
		ProcessID: doc.ProcessID,
		Stage:     doc.State,
		Percent:   stagePercent[doc.State],
		Message:   message,
		Error:     doc.LastError,
	}
	if hasPending {
		ev.Counts = progress.Counts{Entities: len(pe.entities), Relationships: len(pe.relationships)}
	}
	_ = o.deps.Progress.Publish(ev)
}

func (o *Orchestrator) doValidate(ctx context.Context, doc domain.Document) (domain.Document, error) {
	blob, sourceName, err := o.deps.Blobs.Load(ctx, doc.ProcessID)
	if err != nil {
		return doc, domain.Classify(domain.FailureUnknown, fmt.Errorf("load blob: %w", err))
	}
	format, err := domain.Validate(blob, sourceName)
	if err != nil {
		return doc, domain.Classify(domain.FailureValidation, err)
	}
	doc.DetectedFormat = format
	return o.transition(doc, domain.StateNew, domain.StateValidated)
}

func (o *Orchestrator) doUpload(ctx context.Context, doc domain.Document) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.UploadTimeout)
	defer cancel()

	blob, sourceName, err := o.deps.Blobs.Load(ctx, doc.ProcessID)
	if err != nil {
		return doc, domain.Classify(domain.FailureUnknown, fmt.Errorf("load blob: %w", err))
	}
	id, err := o.deps.Index.Upload(ctx, blob, map[string]string{
		"filename":     sourceName,
		"content_hash": doc.ContentHash,
	}, doc.ContentHash)
	if err != nil {
		return doc, err // already classified by the adapter
	}
	doc.RetrievalDocID = id
	return o.transition(doc, domain.StateValidated, domain.StateIndexUploaded)
}

func (o *Orchestrator) doExtract(ctx context.Context, doc domain.Document) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ExtractTimeout)
	defer cancel()

	entities, relationships, err := o.extractOnce(ctx, doc)
	if err != nil {
		return doc, err
	}
	o.publish(doc, fmt.Sprintf("extracted %d entities, %d relationships", len(entities), len(relationships)))
	return o.transition(doc, domain.StateIndexUploaded, domain.StateExtracted)
}

// extractOnce runs the Extractor and caches its output in memory for the
// STAGED step, without transitioning state, so callers that resume after a
// crash can call it without double-recording a transition.
func (o *Orchestrator) extractOnce(ctx context.Context, doc domain.Document) ([]domain.RawEntity, []domain.RawRelationship, error) {
	blob, _, err := o.deps.Blobs.Load(ctx, doc.ProcessID)
	if err != nil {
		return nil, nil, domain.Classify(domain.FailureUnknown, fmt.Errorf("load blob: %w", err))
	}
	text, err := o.deps.TextFunc(blob, doc.DetectedFormat)
	if err != nil {
		return nil, nil, domain.Classify(domain.FailureValidation, fmt.Errorf("text extraction: %w", err))
	}
	entities, relationships, err := o.deps.Extractor.Extract(ctx, doc.ProcessID, doc.ContentHash, text)
	if err != nil {
		return nil, nil, err // already classified by the adapter
	}
	o.pendingMu.Lock()
	o.pending[doc.ProcessID] = pendingExtraction{entities: entities, relationships: relationships}
	o.pendingMu.Unlock()
	return entities, relationships, nil
}

func (o *Orchestrator) doBridge(ctx context.Context, doc domain.Document) (domain.Document, error) {
	o.pendingMu.Lock()
	pe, ok := o.pending[doc.ProcessID]
	o.pendingMu.Unlock()
	if !ok {
		// Crash recovery: nothing cached in memory for a step that is pure
		// given its inputs, so re-run extraction (which itself replays from
		// engine/extract's content_hash cache) instead of failing the
		// document.
		entities, relationships, err := o.extractOnce(ctx, doc)
		if err != nil {
			return doc, err
		}
		pe = pendingExtraction{entities: entities, relationships: relationships}
	}

	batch := o.deps.Bridge.Run(pe.entities, pe.relationships, doc.RetrievalDocID)
	o.stagedMu.Lock()
	o.staged[doc.ProcessID] = batch
	o.stagedMu.Unlock()

	return o.transition(doc, domain.StateExtracted, domain.StateStaged)
}

func (o *Orchestrator) doCommit(ctx context.Context, doc domain.Document) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.GraphTxTimeout)
	defer cancel()

	o.stagedMu.Lock()
	batch, ok := o.staged[doc.ProcessID]
	o.stagedMu.Unlock()
	if !ok {
		// Crash recovery: the staged batch lived only in memory; the bridge
		// is pure, so re-derive it by re-running extract then bridge.
		entities, relationships, err := o.extractOnce(ctx, doc)
		if err != nil {
			return doc, err
		}
		batch = o.deps.Bridge.Run(entities, relationships, doc.RetrievalDocID)
		o.stagedMu.Lock()
		o.staged[doc.ProcessID] = batch
		o.stagedMu.Unlock()
	}

	res := o.deps.Txn.Commit(ctx, batch.Ops)
	switch res.Outcome {
	case txn.OutcomeCommitted:
		next, err := o.transition(doc, domain.StateStaged, domain.StateCommitted)
		o.pendingMu.Lock()
		delete(o.pending, doc.ProcessID)
		o.pendingMu.Unlock()
		o.stagedMu.Lock()
		delete(o.staged, doc.ProcessID)
		o.stagedMu.Unlock()
		return next, err
	case txn.OutcomeBreakerOpen:
		return doc, domain.Classify(domain.FailureBreakerOpen, res.Err)
	default:
		return doc, res.Err
	}
}

// dlqEntryNamespace scopes the deterministic DLQ entry id derivation so a
// repeated failure of the same (process_id, operation_kind) pair is
// idempotent across a restart, the same uuid.NewSHA1 technique
// engine/domain uses for process_id and engine/retrieval uses for
// retrieval_doc_id. Keying by operation_kind rather than the exact state
// means EXTRACTED-state bridge failures and INDEX_UPLOADED-state extractor
// failures share one entry: both resume by redoing extraction, so they are
// the same logical retry unit.
var dlqEntryNamespace = uuid.MustParse("3f9b6a2e-1d4c-4b8a-9e3f-6c2a1d8b4f70")

func dlqEntryID(processID string, opKind dlq.OperationKind) string {
	return uuid.NewSHA1(dlqEntryNamespace, []byte(processID+"\x00"+string(opKind))).String()
}

// opKindFor maps the state a failed step was attempting from to the
// OperationKind recorded on its dead-letter entry.
func opKindFor(state domain.State) dlq.OperationKind {
	switch state {
	case domain.StateValidated:
		return dlq.OpUpload
	case domain.StateStaged:
		return dlq.OpCommit
	default:
		return dlq.OpExtract
	}
}

// resumeStateForOp is opKindFor's inverse: the state to re-enter a step at
// when resuming a dead-letter entry of this kind.
func resumeStateForOp(kind dlq.OperationKind) domain.State {
	switch kind {
	case dlq.OpUpload:
		return domain.StateValidated
	case dlq.OpCommit:
		return domain.StateStaged
	default:
		return domain.StateIndexUploaded
	}
}

// fail classifies err, records the document's new state (RETRY_SCHEDULED,
// DEAD_LETTERED, or CANCELLED), and for retryable kinds enqueues (or
// reschedules an existing) DLQ entry for the step that failed.
func (o *Orchestrator) fail(doc domain.Document, err error) {
	kind := domain.KindOf(err)
	doc.LastError = err.Error()
	from := doc.State

	if kind == domain.FailureCancelled {
		doc.State = domain.StateCancelled
		if rerr := o.deps.Registry.Record(doc, from, domain.StateCancelled); rerr != nil {
			o.log.Error("orchestrator: failed to record cancellation", "process_id", doc.ProcessID, "error", rerr)
		}
		o.publish(doc, "cancelled")
		return
	}

	doc.Attempts++
	entryID := dlqEntryID(doc.ProcessID, opKindFor(from))
	_, hasExistingEntry := o.deps.DLQ.Get(entryID)

	if !kind.Retryable() {
		doc.State = domain.StateDeadLettered
		if rerr := o.deps.Registry.Record(doc, from, domain.StateDeadLettered); rerr != nil {
			o.log.Error("orchestrator: failed to record dead-letter", "process_id", doc.ProcessID, "error", rerr)
		}
		o.publish(doc, "dead-lettered: "+err.Error())
		if hasExistingEntry {
			if rerr := o.deps.DLQ.Reschedule(entryID, dlq.OutcomePermanentFailure); rerr != nil {
				o.log.Warn("orchestrator: failed to mark dead-letter entry permanent", "process_id", doc.ProcessID, "error", rerr)
			}
		}
		return
	}

	doc.State = domain.StateRetryScheduled
	if rerr := o.deps.Registry.Record(doc, from, domain.StateRetryScheduled); rerr != nil {
		o.log.Error("orchestrator: failed to record retry schedule", "process_id", doc.ProcessID, "error", rerr)
	}
	o.publish(doc, "retry scheduled: "+err.Error())

	if hasExistingEntry {
		if rerr := o.deps.DLQ.Reschedule(entryID, dlq.OutcomeTransientFailure); rerr != nil {
			o.log.Error("orchestrator: failed to reschedule dead-letter entry", "process_id", doc.ProcessID, "error", rerr)
		}
		return
	}
	if enqueueErr := o.deps.DLQ.Enqueue(dlq.Entry{
		ID:            entryID,
		OperationKind: opKindFor(from),
		ProcessID:     doc.ProcessID,
		Payload:       doc.ProcessID,
		FailureKind:   kind,
		LastError:     err.Error(),
	}); enqueueErr != nil {
		o.log.Error("orchestrator: failed to enqueue DLQ entry", "process_id", doc.ProcessID, "error", enqueueErr)
	}
}
