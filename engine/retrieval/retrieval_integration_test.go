//go:build integration

package retrieval

import (
	"context"
	"os"
	"testing"
)

func qdrantAddr() string {
	if v := os.Getenv("QDRANT_URL"); v != "" {
		return v
	}
	return "localhost:6334"
}

func testIndex(t *testing.T, collection string) *Index {
	t.Helper()
	idx, err := New(Opts{Addr: qdrantAddr(), Collection: collection})
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	if err := idx.EnsureCollection(context.Background()); err != nil {
		t.Fatalf("ensure collection: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUploadIsIdempotentByContentHash(t *testing.T) {
	idx := testIndex(t, "test_retrieval_idempotent")
	ctx := context.Background()

	blob := []byte("operating manual for the ice cream machine")
	hash := "deadbeefcafef00d"

	id1, err := idx.Upload(ctx, blob, map[string]string{"source_name": "manual.pdf"}, hash)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id2, err := idx.Upload(ctx, blob, map[string]string{"source_name": "manual.pdf"}, hash)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same retrieval_doc_id for the same content_hash, got %s and %s", id1, id2)
	}
}

func TestUploadDifferentHashesGetDifferentIDs(t *testing.T) {
	idx := testIndex(t, "test_retrieval_distinct")
	ctx := context.Background()

	id1, err := idx.Upload(ctx, []byte("a"), nil, "hash-a")
	if err != nil {
		t.Fatalf("upload a: %v", err)
	}
	id2, err := idx.Upload(ctx, []byte("b"), nil, "hash-b")
	if err != nil {
		t.Fatalf("upload b: %v", err)
	}
	if id1 == id2 {
		t.Fatal("expected distinct retrieval_doc_id for distinct content hashes")
	}
}
