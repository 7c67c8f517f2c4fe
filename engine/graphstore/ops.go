// Package graphstore is the thin typed façade over the graph database.
// Callers never write Cypher: they build declarative Op values and the
// adapter translates them to MERGE statements keyed on stable ids, so that
// replaying a batch is always safe.
package graphstore

import "github.com/lineread/ingestd/engine/domain"

// Op is a single declarative graph write. The only implementations are
// MergeNode and MergeEdge.
type Op interface {
	isOp()
}

// MergeNode idempotently upserts a node keyed by (canonical_type, id).
type MergeNode struct {
	CanonicalType domain.CanonicalType
	ID            string
	Properties    map[string]string
	DocumentRefs  []string
}

func (MergeNode) isOp() {}

// MergeEdge idempotently upserts an edge keyed by
// (source_id, semantic_type, target_id).
type MergeEdge struct {
	SourceID     string
	TargetID     string
	SemanticType domain.SemanticType
	Properties   map[string]string
	DocumentRefs []string
}

func (MergeEdge) isOp() {}

// NodeKey returns the dedup/lock-ordering key for a MergeNode.
func (n MergeNode) NodeKey() string { return string(n.CanonicalType) + "\x00" + n.ID }

// EdgeKey returns the dedup/lock-ordering key for a MergeEdge.
func (e MergeEdge) EdgeKey() string {
	return e.SourceID + "\x00" + string(e.SemanticType) + "\x00" + e.TargetID
}
