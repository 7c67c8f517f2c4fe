package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lineread/ingestd/engine/domain"
)

func TestPutThenRecordAdvancesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.walog")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	doc := domain.Document{ProcessID: "p1", ContentHash: "h1", State: domain.StateNew, CreatedAt: time.Now()}
	if err := r.Put(doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc.State = domain.StateValidated
	doc.DetectedFormat = domain.FormatPDF
	if err := r.Record(doc, domain.StateNew, domain.StateValidated); err != nil {
		t.Fatalf("record: %v", err)
	}

	state, ok := r.State("p1")
	if !ok || state != domain.StateValidated {
		t.Fatalf("expected VALIDATED, got %v (ok=%v)", state, ok)
	}
	got, ok := r.Get("p1")
	if !ok || got.DetectedFormat != domain.FormatPDF {
		t.Fatalf("expected detected format PDF to survive the transition, got %+v", got)
	}
}

func TestByContentHashFindsDuplicateAccept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.walog")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	doc := domain.Document{ProcessID: "p1", ContentHash: "h1", State: domain.StateNew}
	if err := r.Put(doc); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := r.ByContentHash("h1")
	if !ok || got.ProcessID != "p1" {
		t.Fatalf("expected to find p1 by content hash, got %+v (ok=%v)", got, ok)
	}
	if _, ok := r.ByContentHash("unknown"); ok {
		t.Fatal("expected unknown hash to miss")
	}
}

func TestInFlightExcludesTerminalStates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.walog")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	committed := domain.Document{ProcessID: "committed-doc", ContentHash: "hc", State: domain.StateStaged}
	_ = r.Put(committed)
	committed.State = domain.StateCommitted
	_ = r.Record(committed, domain.StateStaged, domain.StateCommitted)

	inFlight := domain.Document{ProcessID: "in-flight-doc", ContentHash: "hi", State: domain.StateNew}
	_ = r.Put(inFlight)
	inFlight.State = domain.StateValidated
	_ = r.Record(inFlight, domain.StateNew, domain.StateValidated)

	ids := r.InFlight()
	if len(ids) != 1 || ids[0] != "in-flight-doc" {
		t.Fatalf("expected only in-flight-doc, got %v", ids)
	}
}

func TestReplayReconstructsLatestStatePerProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.walog")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	doc := domain.Document{ProcessID: "p1", ContentHash: "h1", State: domain.StateNew}
	_ = r.Put(doc)
	doc.State = domain.StateValidated
	_ = r.Record(doc, domain.StateNew, domain.StateValidated)
	doc.State = domain.StateIndexUploaded
	doc.RetrievalDocID = "r1"
	_ = r.Record(doc, domain.StateValidated, domain.StateIndexUploaded)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	state, ok := reopened.State("p1")
	if !ok || state != domain.StateIndexUploaded {
		t.Fatalf("expected tail state INDEX_UPLOADED after replay, got %v (ok=%v)", state, ok)
	}
	got, ok := reopened.Get("p1")
	if !ok || got.RetrievalDocID != "r1" {
		t.Fatalf("expected retrieval_doc_id to survive replay, got %+v", got)
	}
	if _, ok := reopened.ByContentHash("h1"); !ok {
		t.Fatal("expected content_hash index to survive replay")
	}
}
