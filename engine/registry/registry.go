// Package registry implements the process registry: a durable, crash-safe
// mapping from process_id to Document, reconstructed from an append-only
// event log at startup. Unlike a bare state map, the registry stores the
// whole Document record, since the orchestrator must be able to resume a
// crashed document from its last completed step — including its detected
// format and retrieval_doc_id — without re-deriving them.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/pkg/walog"
)

// Registry is the durable process registry.
type Registry struct {
	log *walog.Log

	mu        sync.RWMutex
	documents map[string]*domain.Document // process_id -> latest snapshot
	byHash    map[string]string           // content_hash -> process_id
	locksMu   sync.Mutex
	locks     map[string]*sync.Mutex // per-process_id single-writer lock

	now func() time.Time
}

// Open opens (or creates) the durable log at path and reconstructs
// in-memory state from it.
func Open(path string) (*Registry, error) {
	log, err := walog.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open log: %w", err)
	}
	r := &Registry{
		log:       log,
		documents: make(map[string]*domain.Document),
		byHash:    make(map[string]string),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
	if err := walog.Replay(path, r.applyRecord); err != nil {
		return nil, fmt.Errorf("registry: replay: %w", err)
	}
	return r, nil
}

func (r *Registry) applyRecord(fields map[string]any) error {
	doc := domain.Document{
		ProcessID:      str(fields["process_id"]),
		SourceName:     str(fields["source_name"]),
		ContentHash:    str(fields["content_hash"]),
		Size:           int64(num(fields["size"])),
		DetectedFormat: domain.Format(str(fields["detected_format"])),
		RetrievalDocID: str(fields["retrieval_doc_id"]),
		State:          domain.State(str(fields["state"])),
		Attempts:       int(num(fields["attempts"])),
		LastError:      str(fields["error"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, str(fields["created_at"])); err == nil {
		doc.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, str(fields["at"])); err == nil {
		doc.UpdatedAt = t
	}
	r.documents[doc.ProcessID] = &doc
	if doc.ContentHash != "" {
		r.byHash[doc.ContentHash] = doc.ProcessID
	}
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

// lockFor returns the per-process_id mutex, creating it if necessary,
// enforcing the single-writer-per-id rule.
func (r *Registry) lockFor(processID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[processID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[processID] = l
	}
	return l
}

func toFields(doc domain.Document, from domain.State) map[string]any {
	return map[string]any{
		"process_id":       doc.ProcessID,
		"source_name":      doc.SourceName,
		"content_hash":     doc.ContentHash,
		"size":             float64(doc.Size),
		"detected_format":  string(doc.DetectedFormat),
		"retrieval_doc_id": doc.RetrievalDocID,
		"state":            string(doc.State),
		"from":             string(from),
		"attempts":         float64(doc.Attempts),
		"created_at":       doc.CreatedAt.Format(time.RFC3339Nano),
		"at":               doc.UpdatedAt.Format(time.RFC3339Nano),
		"error":            doc.LastError,
	}
}

// Put registers a brand-new Document (state NEW) in the registry, durably,
// and indexes it by content_hash so a later accept of the same bytes finds
// it instead of creating a second process.
func (r *Registry) Put(doc domain.Document) error {
	lock := r.lockFor(doc.ProcessID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.log.Append(toFields(doc, "")); err != nil {
		return fmt.Errorf("registry: put: %w", err)
	}
	cp := doc
	r.mu.Lock()
	r.documents[doc.ProcessID] = &cp
	if doc.ContentHash != "" {
		r.byHash[doc.ContentHash] = doc.ProcessID
	}
	r.mu.Unlock()
	return nil
}

// Record appends a state_transition, persisting the full updated Document
// snapshot, and updates the in-memory tail. Writers are serialized per
// process_id; readers take only the registry-wide RWMutex's read lock,
// never a per-process_id writer lock.
func (r *Registry) Record(doc domain.Document, from, to domain.State) error {
	lock := r.lockFor(doc.ProcessID)
	lock.Lock()
	defer lock.Unlock()

	doc.State = to
	doc.UpdatedAt = r.now()
	if err := r.log.Append(toFields(doc, from)); err != nil {
		return fmt.Errorf("registry: record transition: %w", err)
	}

	cp := doc
	r.mu.Lock()
	r.documents[doc.ProcessID] = &cp
	if doc.ContentHash != "" {
		r.byHash[doc.ContentHash] = doc.ProcessID
	}
	r.mu.Unlock()
	return nil
}

// Get returns the current Document snapshot for a process_id.
func (r *Registry) Get(processID string) (domain.Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.documents[processID]
	if !ok {
		return domain.Document{}, false
	}
	return *doc, true
}

// ByContentHash looks up the Document whose content_hash matches, the
// idempotency path for the Accept API.
func (r *Registry) ByContentHash(hash string) (domain.Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHash[hash]
	if !ok {
		return domain.Document{}, false
	}
	doc, ok := r.documents[id]
	if !ok {
		return domain.Document{}, false
	}
	return *doc, true
}

// State returns the current DocumentState for a process_id, and whether it
// is known at all.
func (r *Registry) State(processID string) (domain.State, bool) {
	doc, ok := r.Get(processID)
	if !ok {
		return "", false
	}
	return doc.State, true
}

// InFlight returns every process_id whose state is non-terminal, for the
// orchestrator to resume on startup.
func (r *Registry) InFlight() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, doc := range r.documents {
		if !doc.State.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close closes the underlying log.
func (r *Registry) Close() error { return r.log.Close() }
