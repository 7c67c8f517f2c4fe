package graphstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func TestPartitionSplitsNodesAndEdges(t *testing.T) {
	ops := []Op{
		MergeEdge{SourceID: "a", TargetID: "b", SemanticType: domain.RelRequires},
		MergeNode{CanonicalType: domain.TypeEquipment, ID: "a"},
		MergeNode{CanonicalType: domain.TypeConsumable, ID: "b"},
	}
	nodes, edges := partition(ops)
	if len(nodes) != 2 || len(edges) != 1 {
		t.Fatalf("expected 2 nodes / 1 edge, got %d / %d", len(nodes), len(edges))
	}
}

func TestSortNodesOrdersByTypeThenID(t *testing.T) {
	nodes := []MergeNode{
		{CanonicalType: domain.TypeProcedure, ID: "z"},
		{CanonicalType: domain.TypeEquipment, ID: "b"},
		{CanonicalType: domain.TypeEquipment, ID: "a"},
	}
	sortNodes(nodes)
	want := []string{"a", "b", "z"}
	for i, n := range nodes {
		if n.ID != want[i] {
			t.Fatalf("position %d: expected id %s, got %s", i, want[i], n.ID)
		}
	}
	if nodes[2].CanonicalType != domain.TypeProcedure {
		t.Fatalf("PROCEDURE must sort after EQUIPMENT, got %+v", nodes)
	}
}

func TestSortEdgesOrdersBySourceTypeTarget(t *testing.T) {
	edges := []MergeEdge{
		{SourceID: "a", SemanticType: domain.RelUses, TargetID: "c"},
		{SourceID: "a", SemanticType: domain.RelRequires, TargetID: "z"},
		{SourceID: "a", SemanticType: domain.RelRequires, TargetID: "b"},
	}
	sortEdges(edges)
	if edges[0].TargetID != "b" || edges[1].TargetID != "z" || edges[2].SemanticType != domain.RelUses {
		t.Fatalf("unexpected edge order: %+v", edges)
	}
}

func TestMergeNodeCypherUsesMergeOnIDKey(t *testing.T) {
	n := MergeNode{CanonicalType: domain.TypeEquipment, ID: "e1", DocumentRefs: []string{"d1"}}
	cypher := mergeNodeCypher(n)
	if !strings.Contains(cypher, "MERGE (n:EQUIPMENT {id: $id})") {
		t.Fatalf("expected MERGE keyed by id under the EQUIPMENT label, got:\n%s", cypher)
	}
	if !strings.Contains(cypher, "document_refs") {
		t.Fatalf("expected document_refs union clause, got:\n%s", cypher)
	}
}

func TestMergeEdgeCypherMatchesEndpointsByID(t *testing.T) {
	e := MergeEdge{SourceID: "a", TargetID: "b", SemanticType: domain.RelHazardOf}
	cypher := mergeEdgeCypher(e)
	if !strings.Contains(cypher, "MERGE (a)-[r:HAZARD_OF]->(b)") {
		t.Fatalf("expected MERGE on the HAZARD_OF relationship, got:\n%s", cypher)
	}
}

func TestSanitizeIdentifierStripsUnsafeCharacters(t *testing.T) {
	cases := map[string]string{
		"EQUIPMENT":            "EQUIPMENT",
		"related_to":           "RELATED_TO",
		"EVIL`) DETACH DELETE": "EVILDETACHDELETE",
		"":                     "OTHER",
		"---":                  "OTHER",
	}
	for in, want := range cases {
		if got := sanitizeIdentifier(in); got != want {
			t.Errorf("sanitizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassifyTxError(t *testing.T) {
	cases := []struct {
		err  error
		want domain.FailureKind
	}{
		{context.DeadlineExceeded, domain.FailureTimeout},
		{&neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}, domain.FailureBackend5xx},
		{&neo4j.Neo4jError{Code: "Neo.ClientError.Schema.ConstraintValidationFailed"}, domain.FailureGraphLogic},
		{errors.New("dial tcp: connection refused"), domain.FailureBackend5xx},
		{errors.New("something else entirely"), domain.FailureUnknown},
	}
	for _, c := range cases {
		if got := ClassifyTxError(c.err); got != c.want {
			t.Errorf("ClassifyTxError(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestIsDeadlock(t *testing.T) {
	if !IsDeadlock(&neo4j.Neo4jError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}) {
		t.Fatal("Neo4j deadlock code should be recognized")
	}
	if IsDeadlock(errors.New("constraint violation")) {
		t.Fatal("a non-deadlock error must not be retried as one")
	}
}

func TestOpKeys(t *testing.T) {
	n := MergeNode{CanonicalType: domain.TypeEquipment, ID: "x"}
	if n.NodeKey() != "EQUIPMENT\x00x" {
		t.Fatalf("unexpected node key %q", n.NodeKey())
	}
	e := MergeEdge{SourceID: "a", SemanticType: domain.RelUses, TargetID: "b"}
	if e.EdgeKey() != "a\x00USES\x00b" {
		t.Fatalf("unexpected edge key %q", e.EdgeKey())
	}
}
