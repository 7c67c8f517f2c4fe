package httpapi

import (
	"net/http"
)

// handleDLQList implements the Admin API's list verb. Queue already
// returns entries sorted oldest-first.
func (d *Deps) handleDLQList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.DLQ.List())
}

// handleDLQRetry implements retry_now. A permanently-failed
// (ExtractionSchema/GraphLogic) entry is refused unless ?force=true makes
// the override explicit.
func (d *Deps) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	if err := d.DLQ.RetryNow(id, force); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	entry, ok := d.DLQ.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	d.Orchestrator.Enqueue(entry.ProcessID)
	writeJSON(w, http.StatusOK, entry)
}

// handleDLQDiscard implements the discard verb: the operator accepts the
// entry's failure as final and removes it, without touching the
// document's own terminal state in the registry.
func (d *Deps) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := d.DLQ.Get(id); !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if err := d.DLQ.Discard(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Discarded string `json:"discarded"`
	}{Discarded: id})
}
