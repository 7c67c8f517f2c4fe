package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/lineread/ingestd/engine/domain"
)

const maxAcceptBody = 500 << 20 // matches domain's largest per-format cap (AV)

// acceptResponse is the Accept API's success shape.
type acceptResponse struct {
	ProcessID      string        `json:"process_id"`
	ContentHash    string        `json:"content_hash"`
	DetectedFormat domain.Format `json:"detected_format"`
}

// handleAccept implements the Accept API. The document is persisted to
// the registry as NEW and handed to the orchestrator before this handler
// returns: success here means only "durably accepted"; all subsequent
// failures are observable via the Progress and Admin APIs.
func (d *Deps) handleAccept(w http.ResponseWriter, r *http.Request) {
	sourceName := r.URL.Query().Get("source_name")
	if sourceName == "" {
		sourceName = r.Header.Get("X-Source-Name")
	}
	if sourceName == "" {
		sourceName = "upload"
	}

	blob, err := io.ReadAll(io.LimitReader(r.Body, maxAcceptBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(blob) > maxAcceptBody {
		writeError(w, http.StatusRequestEntityTooLarge, domain.ErrTooLarge)
		return
	}

	doc, isNew, err := d.accept(r.Context(), blob, sourceName)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if isNew {
		d.Orchestrator.Enqueue(doc.ProcessID)
	}

	writeJSON(w, http.StatusOK, acceptResponse{
		ProcessID:      doc.ProcessID,
		ContentHash:    doc.ContentHash,
		DetectedFormat: doc.DetectedFormat,
	})
}

// accept is the Accept API's logic, split out from the handler so it is
// directly testable without an http.Request. Two successive accepts of
// identical bytes yield the same process_id.
//
// A prior DEAD_LETTERED document for the same content_hash is left alone
// rather than auto-retried: a duplicate accept of a dead-lettered hash
// returns that document's current (terminal) state rather than
// re-enqueuing it, and an operator must use the Admin API's retry_now to
// resume it.
func (d *Deps) accept(ctx context.Context, blob []byte, sourceName string) (domain.Document, bool, error) {
	format, err := domain.Validate(blob, sourceName)
	if err != nil {
		return domain.Document{}, false, err
	}

	hash := domain.ContentHash(blob)
	if existing, ok := d.Registry.ByContentHash(hash); ok {
		existing.DetectedFormat = format
		return existing, false, nil
	}

	doc := domain.NewDocument(blob, sourceName, time.Now())
	doc.DetectedFormat = format
	if err := d.Blobs.Save(doc.ProcessID, sourceName, blob); err != nil {
		return domain.Document{}, false, err
	}
	if err := d.Registry.Put(doc); err != nil {
		return domain.Document{}, false, err
	}
	return doc, true, nil
}
