// Package bridge turns the raw entities/relationships returned by the
// external extractor into a deduplicated, typed property-graph batch:
// names are normalized, type hints resolve onto the closed taxonomies,
// duplicates merge, self-loops drop, and otherwise-unconnected entities
// are attached to their source document's node so nothing is orphaned.
package bridge

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/engine/graphstore"
)

// otherWarnThreshold is the default data-quality warning threshold: a run
// whose OTHER fraction exceeds this is logged, not rejected.
const otherWarnThreshold = 0.15

// StagedBatch is an ordered, append-only-until-committed list of graph
// operations. BatchID is a hash of the ordered op keys, so equal inputs
// produce equal batches end to end, ids included.
type StagedBatch struct {
	BatchID uint64
	Ops     []graphstore.Op
}

// Opts configures the bridge's data-quality reporting.
type Opts struct {
	// OtherWarnFraction is the OTHER-type fraction above which a run is
	// logged as a data-quality warning (bridge.other_fraction_warn,
	// default 0.15). Never a failure.
	OtherWarnFraction float64
}

// Bridge holds no state beyond its logger and options; Run is a pure
// function of its inputs.
type Bridge struct {
	log  *slog.Logger
	opts Opts
}

// New creates a Bridge.
func New(log *slog.Logger, opts Opts) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if opts.OtherWarnFraction <= 0 {
		opts.OtherWarnFraction = otherWarnThreshold
	}
	return &Bridge{log: log, opts: opts}
}

// Run executes the full normalization pipeline and returns a StagedBatch
// ready for engine/txn.Manager.Commit.
func (b *Bridge) Run(rawEntities []domain.RawEntity, rawRelationships []domain.RawRelationship, retrievalDocID string) StagedBatch {
	entities, otherCount := canonicalizeEntities(rawEntities, retrievalDocID)

	if len(rawEntities) > 0 {
		fraction := float64(otherCount) / float64(len(rawEntities))
		if fraction > b.opts.OtherWarnFraction {
			b.log.Warn("high OTHER-type fraction in extraction batch",
				"retrieval_doc_id", retrievalDocID,
				"other_count", otherCount,
				"total", len(rawEntities),
				"fraction", fraction,
			)
		}
	}

	nameIndex := buildNameIndex(entities)
	relationships := canonicalizeRelationships(rawRelationships, nameIndex, retrievalDocID)

	applyOrphanPolicy(entities, relationships, retrievalDocID, b.log)

	ops := emit(entities, relationships)
	return StagedBatch{
		BatchID: batchID(ops),
		Ops:     ops,
	}
}

// batchID hashes the ordered op keys into the batch's identifier.
func batchID(ops []graphstore.Op) uint64 {
	h := fnv.New64a()
	for _, op := range ops {
		switch v := op.(type) {
		case graphstore.MergeNode:
			h.Write([]byte(v.NodeKey()))
		case graphstore.MergeEdge:
			h.Write([]byte(v.EdgeKey()))
		}
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// buildNameIndex maps a normalized name to its entity id for relationship
// endpoint resolution. Collisions (the same normalized_name resolved to
// two different canonical_types) are rare in practice for this taxonomy;
// the entity with the lowest id wins, so the index — and with it the whole
// batch — stays a deterministic function of the input set regardless of
// map iteration order.
func buildNameIndex(entities map[string]*domain.CanonicalEntity) map[string]string {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idx := make(map[string]string, len(entities))
	for _, id := range ids {
		name := entities[id].NormalizedName
		if _, taken := idx[name]; !taken {
			idx[name] = id
		}
	}
	return idx
}

// applyOrphanPolicy gives any canonical entity that is neither source nor
// target of any canonical relationship a synthetic RELATED_TO edge to the
// merged DOCUMENT node for retrievalDocID, so every entity stays reachable
// from its source document.
func applyOrphanPolicy(entities map[string]*domain.CanonicalEntity, relationships map[string]*domain.CanonicalRelationship, retrievalDocID string, log *slog.Logger) {
	if retrievalDocID == "" {
		return
	}
	connected := make(map[string]struct{}, len(relationships)*2)
	for _, r := range relationships {
		connected[r.SourceID] = struct{}{}
		connected[r.TargetID] = struct{}{}
	}

	docID := domain.EntityID(domain.TypeDocument, retrievalDocID)
	var docNodeNeeded bool
	for id := range entities {
		if _, ok := connected[id]; ok {
			continue
		}
		if id == docID {
			continue
		}
		rel := domain.CanonicalRelationship{
			SourceID:     id,
			TargetID:     docID,
			SemanticType: domain.RelRelatedTo,
			DocumentRefs: map[string]struct{}{retrievalDocID: {}},
		}
		relationships[rel.Key()] = &rel
		docNodeNeeded = true
	}

	if docNodeNeeded {
		if _, ok := entities[docID]; !ok {
			entities[docID] = &domain.CanonicalEntity{
				ID:             docID,
				CanonicalType:  domain.TypeDocument,
				NormalizedName: retrievalDocID,
				Aliases:        map[string]struct{}{},
				Attributes:     map[string]string{},
				DocumentRefs:   map[string]struct{}{retrievalDocID: {}},
			}
		}
		log.Debug("orphan entities attached to document node", "retrieval_doc_id", retrievalDocID)
	}
}

// emit converts canonical entities and relationships to MergeNode/MergeEdge
// ops, nodes first then edges; graphstore.Session.RunTx applies the final
// deterministic lock-order sort.
func emit(entities map[string]*domain.CanonicalEntity, relationships map[string]*domain.CanonicalRelationship) []graphstore.Op {
	ops := make([]graphstore.Op, 0, len(entities)+len(relationships))

	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := entities[id]
		ops = append(ops, graphstore.MergeNode{
			CanonicalType: e.CanonicalType,
			ID:            e.ID,
			Properties:    entityProperties(e),
			DocumentRefs:  setToSlice(e.DocumentRefs),
		})
	}

	keys := make([]string, 0, len(relationships))
	for k := range relationships {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := relationships[k]
		ops = append(ops, graphstore.MergeEdge{
			SourceID:     r.SourceID,
			TargetID:     r.TargetID,
			SemanticType: r.SemanticType,
			DocumentRefs: setToSlice(r.DocumentRefs),
		})
	}
	return ops
}

func entityProperties(e *domain.CanonicalEntity) map[string]string {
	props := make(map[string]string, len(e.Attributes)+2)
	for k, v := range e.Attributes {
		props[k] = v
	}
	props["normalized_name"] = e.NormalizedName
	if len(e.Aliases) > 0 {
		props["aliases"] = strings.Join(setToSlice(e.Aliases), "|")
	}
	return props
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
