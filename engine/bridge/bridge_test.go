package bridge

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/graphstore"
)

func nodeByID(ops []graphstore.Op, id string) (graphstore.MergeNode, bool) {
	for _, op := range ops {
		if n, ok := op.(graphstore.MergeNode); ok && n.ID == id {
			return n, true
		}
	}
	return graphstore.MergeNode{}, false
}

func countEdges(ops []graphstore.Op) int {
	n := 0
	for _, op := range ops {
		if _, ok := op.(graphstore.MergeEdge); ok {
			n++
		}
	}
	return n
}

func TestEntitiesWithSynonymNamesCanonicalizeToOneNode(t *testing.T) {
	b := New(slog.Default(), Opts{})
	raw := []domain.RawEntity{
		{RawName: "Ice Cream Machine", RawTypeHint: "equipment"},
		{RawName: "soft-serve machine", RawTypeHint: "machine"},
	}
	batch := b.Run(raw, nil, "doc-1")

	count := 0
	for _, op := range batch.Ops {
		if _, ok := op.(graphstore.MergeNode); ok {
			count++
		}
	}
	// Both raw names normalize (via the synonym table) to the same
	// entity, plus the orphan-policy DOCUMENT node.
	if count != 2 {
		t.Fatalf("expected 2 nodes (entity + document), got %d: %+v", count, batch.Ops)
	}
}

func TestRelationshipSelfLoopIsDropped(t *testing.T) {
	b := New(slog.Default(), Opts{})
	raw := []domain.RawEntity{{RawName: "fryer", RawTypeHint: "equipment"}}
	rels := []domain.RawRelationship{
		{SourceRawName: "fryer", TargetRawName: "fryer", RawTypeHint: "requires"},
	}
	batch := b.Run(raw, rels, "doc-1")

	for _, op := range batch.Ops {
		if e, ok := op.(graphstore.MergeEdge); ok && e.SourceID == e.TargetID {
			t.Fatalf("self-loop edge should have been dropped: %+v", e)
		}
	}
}

func TestDuplicateRelationshipsUnionDocumentRefs(t *testing.T) {
	b := New(slog.Default(), Opts{})
	raw := []domain.RawEntity{
		{RawName: "fryer", RawTypeHint: "equipment"},
		{RawName: "oil filter", RawTypeHint: "consumable"},
	}
	rels := []domain.RawRelationship{
		{SourceRawName: "fryer", TargetRawName: "oil filter", RawTypeHint: "requires"},
		{SourceRawName: "fryer", TargetRawName: "oil filter", RawTypeHint: "needs"},
	}
	batch := b.Run(raw, rels, "doc-1")

	edgeCount := 0
	for _, op := range batch.Ops {
		if e, ok := op.(graphstore.MergeEdge); ok && e.SemanticType == domain.RelRequires {
			edgeCount++
			if len(e.DocumentRefs) != 1 || e.DocumentRefs[0] != "doc-1" {
				t.Fatalf("expected document_refs [doc-1], got %v", e.DocumentRefs)
			}
		}
	}
	if edgeCount != 1 {
		t.Fatalf("expected duplicate relationships to dedupe to 1 edge, got %d", edgeCount)
	}
}

func TestOrphanEntityGetsSyntheticEdgeToDocumentNode(t *testing.T) {
	b := New(slog.Default(), Opts{})
	raw := []domain.RawEntity{{RawName: "haccp log", RawTypeHint: "document"}}
	batch := b.Run(raw, nil, "doc-42")

	if countEdges(batch.Ops) != 1 {
		t.Fatalf("expected exactly one synthetic orphan edge, got %d", countEdges(batch.Ops))
	}
	docID := domain.EntityID(domain.TypeDocument, "doc-42")
	if _, ok := nodeByID(batch.Ops, docID); !ok {
		t.Fatalf("expected a DOCUMENT node for doc-42 among ops")
	}
}

func TestConnectedEntityIsNotOrphaned(t *testing.T) {
	b := New(slog.Default(), Opts{})
	raw := []domain.RawEntity{
		{RawName: "fryer", RawTypeHint: "equipment"},
		{RawName: "oil filter", RawTypeHint: "consumable"},
	}
	rels := []domain.RawRelationship{
		{SourceRawName: "fryer", TargetRawName: "oil filter", RawTypeHint: "requires"},
	}
	batch := b.Run(raw, rels, "doc-1")

	// Only the real REQUIRES edge should exist; neither entity should get
	// a synthetic RELATED_TO edge to the document node.
	related := 0
	for _, op := range batch.Ops {
		if e, ok := op.(graphstore.MergeEdge); ok && e.SemanticType == domain.RelRelatedTo {
			related++
		}
	}
	if related != 0 {
		t.Fatalf("expected no synthetic RELATED_TO edges for connected entities, got %d", related)
	}
}

func TestUnresolvedTypeHintDefaultsToOther(t *testing.T) {
	raw := []domain.RawEntity{{RawName: "mystery object", RawTypeHint: "something nobody defined"}}
	entities, otherCount := canonicalizeEntities(raw, "doc-1")
	if otherCount != 1 {
		t.Fatalf("expected 1 OTHER entity, got %d", otherCount)
	}
	var found bool
	for _, e := range entities {
		if e.CanonicalType == domain.TypeOther {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an OTHER-typed canonical entity")
	}
}

func TestBridgeOutputIsDeterministic(t *testing.T) {
	raw := []domain.RawEntity{
		{RawName: "Fryer", RawTypeHint: "equipment", Attributes: map[string]string{"voltage": "230"}},
		{RawName: "fryer", RawTypeHint: "machine", Attributes: map[string]string{"voltage": "240"}},
		{RawName: "Oil Filter", RawTypeHint: "consumable"},
		{RawName: "filter", RawTypeHint: "mystery"}, // OTHER; collides with nothing
	}
	rels := []domain.RawRelationship{
		{SourceRawName: "fryer", TargetRawName: "oil filter", RawTypeHint: "requires"},
		{SourceRawName: "Oil Filter", TargetRawName: "Fryer", RawTypeHint: "part of"},
	}

	b := New(slog.Default(), Opts{})
	first := b.Run(raw, rels, "doc-1")
	for i := 0; i < 20; i++ {
		again := b.Run(raw, rels, "doc-1")
		if again.BatchID != first.BatchID {
			t.Fatalf("run %d: batch id diverged: %d vs %d", i, again.BatchID, first.BatchID)
		}
		if len(again.Ops) != len(first.Ops) {
			t.Fatalf("run %d: op count diverged: %d vs %d", i, len(again.Ops), len(first.Ops))
		}
		for j := range first.Ops {
			if !reflect.DeepEqual(first.Ops[j], again.Ops[j]) {
				t.Fatalf("run %d: op %d diverged:\n%+v\nvs\n%+v", i, j, first.Ops[j], again.Ops[j])
			}
		}
	}
}

func TestNormalizeNameStripsArticlesAndPunctuation(t *testing.T) {
	cases := map[string]string{
		"The Ice Cream Machine!": "ice cream machine",
		"  a Walk In Cooler  ":   "walk-in cooler",
		"Grill Station":          "grill",
	}
	for in, want := range cases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
