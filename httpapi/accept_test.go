package httpapi

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lineread/ingestd/engine/blobstore"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/registry"
)

func newAcceptDeps(t *testing.T) *Deps {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.walog"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	blobs, err := blobstore.Open(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}
	return &Deps{Registry: reg, Blobs: blobs}
}

func TestAcceptIsIdempotentByContentHash(t *testing.T) {
	d := newAcceptDeps(t)
	blob := []byte("%PDF-1.7\nfryer maintenance manual")

	first, isNew, err := d.accept(context.Background(), blob, "manual.pdf")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if !isNew {
		t.Fatal("first accept of fresh bytes should be new")
	}

	second, isNew, err := d.accept(context.Background(), blob, "manual-copy.pdf")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if isNew {
		t.Fatal("second accept of identical bytes must not create a new document")
	}
	if second.ProcessID != first.ProcessID {
		t.Fatalf("expected the same process_id, got %s then %s", first.ProcessID, second.ProcessID)
	}
	if second.ContentHash != first.ContentHash {
		t.Fatalf("expected the same content_hash, got %s then %s", first.ContentHash, second.ContentHash)
	}
}

func TestAcceptOfDeadLetteredHashDoesNotResurrect(t *testing.T) {
	d := newAcceptDeps(t)
	blob := []byte("%PDF-1.7\nburnt document")

	doc, _, err := d.accept(context.Background(), blob, "manual.pdf")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	stored, _ := d.Registry.Get(doc.ProcessID)
	if err := d.Registry.Record(stored, stored.State, domain.StateDeadLettered); err != nil {
		t.Fatalf("record: %v", err)
	}

	again, isNew, err := d.accept(context.Background(), blob, "manual.pdf")
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if isNew {
		t.Fatal("a dead-lettered hash must not silently re-enter the pipeline")
	}
	if again.State != domain.StateDeadLettered {
		t.Fatalf("expected the terminal state to be reported back, got %s", again.State)
	}
}

func TestAcceptRejectsUnrecognizedBytes(t *testing.T) {
	d := newAcceptDeps(t)

	_, _, err := d.accept(context.Background(), []byte{0x00, 0x01, 0x02, 0x03}, "mystery.bin")
	if err == nil {
		t.Fatal("expected a validation error for unrecognizable bytes")
	}
}

func TestAcceptedDocumentStartsInNew(t *testing.T) {
	d := newAcceptDeps(t)

	doc, _, err := d.accept(context.Background(), []byte("plain text body"), "notes.txt")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if doc.State != domain.StateNew {
		t.Fatalf("expected NEW, got %s", doc.State)
	}
	if doc.DetectedFormat != domain.FormatText {
		t.Fatalf("expected TEXT, got %s", doc.DetectedFormat)
	}
	if time.Since(doc.CreatedAt) > time.Minute {
		t.Fatalf("created_at not set: %v", doc.CreatedAt)
	}
}
