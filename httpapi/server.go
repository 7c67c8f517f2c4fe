// Package httpapi is the HTTP surface over the ingestion engine: Accept,
// Progress, and Admin. It is kept intentionally thin — no auth, no request
// validation beyond what the engine already does — a plain net/http
// ServeMux with pkg/mid for the cross-cutting concerns, not a web
// framework.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lineread/ingestd/engine/blobstore"
	"github.com/lineread/ingestd/engine/breaker"
	"github.com/lineread/ingestd/engine/dlq"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/orchestrator"
	"github.com/lineread/ingestd/engine/progress"
	"github.com/lineread/ingestd/engine/registry"
	"github.com/lineread/ingestd/pkg/mid"
)

// Deps holds every engine component the HTTP surface is a thin façade
// over. No handler in this package touches an engine invariant directly;
// every one delegates to the component that owns it.
type Deps struct {
	Registry     *registry.Registry
	Blobs        *blobstore.Store
	Orchestrator *orchestrator.Orchestrator
	Progress     *progress.Hub
	DLQ          *dlq.Queue
	Breaker      *breaker.Breaker
	Logger       *slog.Logger
	CORSOrigin   string
}

// NewMux builds the HTTP surface: Accept, Progress, Admin, and a health
// endpoint exposing the breaker snapshot. Middleware runs recover
// outermost, then logging, then CORS.
func NewMux(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", d.handleHealth)
	mux.HandleFunc("POST /api/v1/documents", d.handleAccept)
	mux.HandleFunc("GET /api/v1/documents/{id}", d.handleDocumentStatus)
	mux.HandleFunc("POST /api/v1/documents/{id}/cancel", d.handleCancel)
	mux.HandleFunc("GET /api/v1/progress/{id}", d.handleSnapshot)
	mux.HandleFunc("GET /api/v1/progress/{id}/stream", d.handleSubscribe)
	mux.HandleFunc("GET /admin/dlq", d.handleDLQList)
	mux.HandleFunc("POST /admin/dlq/{id}/retry", d.handleDLQRetry)
	mux.HandleFunc("DELETE /admin/dlq/{id}", d.handleDLQDiscard)

	origin := d.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return mid.Chain(mux, mid.Recover(log), mid.Logger(log), mid.CORS(origin), mid.OTel("ingestd"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (d *Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := d.Breaker.Status()
	writeJSON(w, http.StatusOK, struct {
		Status          string             `json:"status"`
		BreakerState    string             `json:"breaker_state"`
		FailureCount    int                `json:"breaker_failure_count"`
		LastFailureKind domain.FailureKind `json:"breaker_last_failure_kind"`
	}{
		Status:          "ok",
		BreakerState:    st.State.String(),
		FailureCount:    st.FailureCount,
		LastFailureKind: st.LastFailureKind,
	})
}
