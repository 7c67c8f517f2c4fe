package graphstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Store is the GraphStore adapter. It exposes Session() and, through a
// Session, RunTx(ops) — the only two operations the rest of the core is
// allowed to use.
type Store struct {
	driver neo4j.DriverWithContext
}

// New creates a Store over an already-connected driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// TxRunner is the minimal session surface the transaction manager depends
// on, narrow enough to fake in tests without a live driver.
type TxRunner interface {
	RunTx(ctx context.Context, ops []Op) (TxResult, error)
	CountByLabel(ctx context.Context, t domain.CanonicalType) (int64, error)
	OrphanCount(ctx context.Context, ids []string) (int64, error)
	Close(ctx context.Context) error
}

// Opener opens a TxRunner-scoped session. *Store implements this.
type Opener interface {
	Session(ctx context.Context) TxRunner
}

// Session is a single graph session, scoped to one caller.
type Session struct {
	sess neo4j.SessionWithContext
}

// Session opens a new graph session.
func (s *Store) Session(ctx context.Context) TxRunner {
	return &Session{sess: s.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

var _ Opener = (*Store)(nil)
var _ TxRunner = (*Session)(nil)

// Close releases the session.
func (s *Session) Close(ctx context.Context) error { return s.sess.Close(ctx) }

// TxResult is the outcome of a successful RunTx.
type TxResult struct {
	OpCount int
}

// RunTx executes every op inside a single backend transaction, in a fixed
// order so overlapping batches acquire locks consistently: all MergeNode
// ops sorted by (canonical_type, id), then all MergeEdge ops sorted by
// (source_id, semantic_type, target_id). Any single op error aborts the
// whole transaction; the backend guarantees nothing from the batch is
// persisted.
func (s *Session) RunTx(ctx context.Context, ops []Op) (TxResult, error) {
	nodes, edges := partition(ops)
	sortNodes(nodes)
	sortEdges(edges)

	_, err := s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, n := range nodes {
			if _, err := tx.Run(ctx, mergeNodeCypher(n), mergeNodeParams(n)); err != nil {
				return nil, fmt.Errorf("merge node %s/%s: %w", n.CanonicalType, n.ID, err)
			}
		}
		for _, e := range edges {
			if _, err := tx.Run(ctx, mergeEdgeCypher(e), mergeEdgeParams(e)); err != nil {
				return nil, fmt.Errorf("merge edge %s-%s->%s: %w", e.SourceID, e.SemanticType, e.TargetID, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{OpCount: len(ops)}, nil
}

func partition(ops []Op) (nodes []MergeNode, edges []MergeEdge) {
	for _, op := range ops {
		switch v := op.(type) {
		case MergeNode:
			nodes = append(nodes, v)
		case MergeEdge:
			edges = append(edges, v)
		}
	}
	return nodes, edges
}

func sortNodes(nodes []MergeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CanonicalType != nodes[j].CanonicalType {
			return nodes[i].CanonicalType < nodes[j].CanonicalType
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func sortEdges(edges []MergeEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		if edges[i].SemanticType != edges[j].SemanticType {
			return edges[i].SemanticType < edges[j].SemanticType
		}
		return edges[i].TargetID < edges[j].TargetID
	})
}

// unionRefsClause is shared by node and edge merges: on first creation the
// property is just the incoming refs; on a repeat merge the existing list
// and the incoming list are unioned without duplicates, entirely in Cypher
// so the operation stays a single idempotent statement and document_refs
// accumulate across documents instead of being overwritten.
const unionRefsClause = `reduce(acc = coalesce(%s.document_refs, []), r IN $refs | CASE WHEN r IN acc THEN acc ELSE acc + r END)`

func mergeNodeCypher(n MergeNode) string {
	label := sanitizeIdentifier(string(n.CanonicalType))
	return fmt.Sprintf(`MERGE (n:%s {id: $id})
ON CREATE SET n += $props, n.document_refs = $refs
ON MATCH SET n += $props, n.document_refs = `+unionRefsClause, label, "n")
}

func mergeNodeParams(n MergeNode) map[string]any {
	props := make(map[string]any, len(n.Properties)+1)
	for k, v := range n.Properties {
		props[k] = v
	}
	return map[string]any{
		"id":    n.ID,
		"props": props,
		"refs":  n.DocumentRefs,
	}
}

func mergeEdgeCypher(e MergeEdge) string {
	relType := sanitizeIdentifier(string(e.SemanticType))
	return fmt.Sprintf(`MATCH (a {id: $from}), (b {id: $to})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r += $props, r.document_refs = $refs
ON MATCH SET r += $props, r.document_refs = `+unionRefsClause, relType, "r")
}

func mergeEdgeParams(e MergeEdge) map[string]any {
	props := make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		props[k] = v
	}
	return map[string]any{
		"from":  e.SourceID,
		"to":    e.TargetID,
		"props": props,
		"refs":  e.DocumentRefs,
	}
}

// sanitizeIdentifier restricts a label/relationship-type string to safe
// Cypher identifier characters; labels cannot be parameterized, so they
// must never carry anything but [A-Z0-9_].
func sanitizeIdentifier(t string) string {
	safe := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "OTHER"
	}
	return strings.ToUpper(string(safe))
}

// CountByLabel returns the number of nodes with the given canonical type.
// Used by testing and health.
func (s *Session) CountByLabel(ctx context.Context, t domain.CanonicalType) (int64, error) {
	result, err := s.sess.Run(ctx, fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS c", sanitizeIdentifier(string(t))), nil)
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, result.Err()
	}
	v, _ := result.Record().Get("c")
	c, _ := v.(int64)
	return c, nil
}

// OrphanCount returns the number of nodes among ids with no incident
// semantic edge. Used by testing and health.
func (s *Session) OrphanCount(ctx context.Context, ids []string) (int64, error) {
	result, err := s.sess.Run(ctx, `
MATCH (n) WHERE n.id IN $ids AND NOT (n)-[]-()
RETURN count(n) AS c`, map[string]any{"ids": ids})
	if err != nil {
		return 0, err
	}
	if !result.Next(ctx) {
		return 0, result.Err()
	}
	v, _ := result.Record().Get("c")
	c, _ := v.(int64)
	return c, nil
}

// VerifyConnectivity is a thin pass-through used at startup so the daemon
// fails fast on a bad graph endpoint instead of at the first commit.
func (s *Store) VerifyConnectivity(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Close closes the underlying driver.
func (s *Store) Close(ctx context.Context) error { return s.driver.Close(ctx) }

// ClassifyTxError maps a raw error from RunTx to a FailureKind. Deadlocks
// and service-unavailable conditions are connectivity failures (retryable,
// and count toward the breaker); constraint/schema errors are logical and
// surface to the caller without tripping anything.
func ClassifyTxError(err error) domain.FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.Contains(neoErr.Code, "TransientError"), strings.Contains(neoErr.Code, "Deadlock"):
			return domain.FailureBackend5xx
		case strings.Contains(neoErr.Code, "ClientError"):
			return domain.FailureGraphLogic
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "ServiceUnavailable"),
		strings.Contains(msg, "no reachable servers"):
		return domain.FailureBackend5xx
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return domain.FailureTimeout
	default:
		return domain.FailureUnknown
	}
}

// IsDeadlock reports whether err represents a transaction deadlock, which
// the transaction manager retries with jitter rather than dead-lettering.
func IsDeadlock(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return strings.Contains(neoErr.Code, "Deadlock") || strings.Contains(neoErr.Code, "LockClient")
	}
	return strings.Contains(err.Error(), "deadlock")
}
