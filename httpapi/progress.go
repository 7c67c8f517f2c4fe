package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lineread/ingestd/engine/domain"
)

var errNotFound = errors.New("process_id not found")

type documentStatus struct {
	ProcessID      string        `json:"process_id"`
	SourceName     string        `json:"source_name"`
	ContentHash    string        `json:"content_hash"`
	DetectedFormat domain.Format `json:"detected_format"`
	State          domain.State  `json:"state"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
}

// handleDocumentStatus answers from the registry alone, so every external
// UI sees the same state the orchestrator will resume from.
func (d *Deps) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	doc, ok := d.Registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, documentStatus{
		ProcessID:      doc.ProcessID,
		SourceName:     doc.SourceName,
		ContentHash:    doc.ContentHash,
		DetectedFormat: doc.DetectedFormat,
		State:          doc.State,
		Attempts:       doc.Attempts,
		LastError:      doc.LastError,
	})
}

// handleCancel requests cooperative cancellation of an in-flight document.
// It is a no-op (200, cancelled=false) if this process isn't currently
// running on this instance's orchestrator — there is no cross-instance
// cancellation.
func (d *Deps) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := d.Orchestrator.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, struct {
		Cancelled bool `json:"cancelled"`
	}{Cancelled: cancelled})
}

// handleSnapshot is the pull side of the Progress API.
func (d *Deps) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ev, ok := d.Progress.Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleSubscribe is the push side of the Progress API, delivered as
// server-sent events so a browser or curl client can watch a document
// without a websocket dependency. Delivery is best-effort: a slow client's
// dropped events are surfaced as a "missed" SSE comment rather than a data
// event, since the client never received those events and shouldn't parse
// the marker as one.
func (d *Deps) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sub, err := d.Progress.Subscribe(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastMissed uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if missed, err := sub.Missed(); err == nil && missed > lastMissed {
				fmt.Fprintf(w, ": missed %d events\n\n", missed-lastMissed)
				lastMissed = missed
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if ev.Stage.Terminal() {
				return
			}
		}
	}
}
