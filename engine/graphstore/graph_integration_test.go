//go:build integration

package graphstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/lineread/ingestd/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func neo4jURL() string {
	if v := os.Getenv("NEO4J_URL"); v != "" {
		return v
	}
	return "neo4j://localhost:7687"
}

func testStore(t *testing.T) *Store {
	t.Helper()
	driver, err := neo4j.NewDriverWithContext(neo4jURL(), neo4j.BasicAuth(
		os.Getenv("NEO4J_USER"), os.Getenv("NEO4J_PASS"), ""))
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Skipf("no Neo4j reachable at %s: %v", neo4jURL(), err)
	}
	t.Cleanup(func() { driver.Close(ctx) })
	return New(driver)
}

func TestRunTxMergesNodesAndEdges(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	aID, bID := uuid.NewString(), uuid.NewString()
	ops := []Op{
		MergeNode{CanonicalType: domain.TypeEquipment, ID: aID, DocumentRefs: []string{"d1"}},
		MergeNode{CanonicalType: domain.TypeConsumable, ID: bID, DocumentRefs: []string{"d1"}},
		MergeEdge{SourceID: aID, TargetID: bID, SemanticType: domain.RelRequires, DocumentRefs: []string{"d1"}},
	}

	sess := store.Session(ctx)
	defer sess.Close(ctx)

	res, err := sess.RunTx(ctx, ops)
	if err != nil {
		t.Fatalf("run tx: %v", err)
	}
	if res.OpCount != 3 {
		t.Fatalf("expected 3 ops applied, got %d", res.OpCount)
	}

	orphans, err := sess.OrphanCount(ctx, []string{aID, bID})
	if err != nil {
		t.Fatalf("orphan count: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected no orphans among committed batch, got %d", orphans)
	}
}

func TestRunTxReplayIsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	ops := []Op{MergeNode{CanonicalType: domain.TypeProcedure, ID: id, DocumentRefs: []string{"d1"}}}

	sess := store.Session(ctx)
	defer sess.Close(ctx)

	before, err := sess.CountByLabel(ctx, domain.TypeProcedure)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := sess.RunTx(ctx, ops); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	after, err := sess.CountByLabel(ctx, domain.TypeProcedure)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if after != before+1 {
		t.Fatalf("expected exactly one new PROCEDURE node after 3 replays, got %d -> %d", before, after)
	}
}
