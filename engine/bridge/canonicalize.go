package bridge

import (
	"sort"

	"github.com/lineread/ingestd/engine/domain"
)

// canonicalEntityBuilder accumulates everything that maps to one entity id
// before it is frozen into a domain.CanonicalEntity.
type canonicalEntityBuilder struct {
	canonicalType  domain.CanonicalType
	normalizedName string
	aliases        map[string]struct{}
	attributes     map[string]string
	documentRefs   map[string]struct{}
	sources        []domain.RawEntity // kept to apply attribute LWW in provenance order
}

// canonicalizeEntities groups raw entities by (canonical_type,
// normalized_name), unions aliases/document_refs, and resolves attribute
// conflicts last-writer-wins over a deterministic provenance ordering so
// reruns are reproducible.
func canonicalizeEntities(raw []domain.RawEntity, retrievalDocID string) (map[string]*domain.CanonicalEntity, int) {
	builders := make(map[string]*canonicalEntityBuilder)
	otherCount := 0

	for _, e := range raw {
		normalized := NormalizeName(e.RawName)
		ctype := resolveEntityType(lowerHint(e.RawTypeHint))
		if ctype == domain.TypeOther {
			otherCount++
		}
		id := domain.EntityID(ctype, normalized)

		b, ok := builders[id]
		if !ok {
			b = &canonicalEntityBuilder{
				canonicalType:  ctype,
				normalizedName: normalized,
				aliases:        map[string]struct{}{},
				attributes:     map[string]string{},
				documentRefs:   map[string]struct{}{},
			}
			builders[id] = b
		}
		if e.RawName != "" {
			b.aliases[e.RawName] = struct{}{}
		}
		if retrievalDocID != "" {
			b.documentRefs[retrievalDocID] = struct{}{}
		}
		b.sources = append(b.sources, e)
	}

	out := make(map[string]*domain.CanonicalEntity, len(builders))
	for id, b := range builders {
		sortByProvenance(b.sources)
		for _, e := range b.sources {
			for k, v := range e.Attributes {
				b.attributes[k] = v // later (higher provenance order) wins
			}
		}
		out[id] = &domain.CanonicalEntity{
			ID:             id,
			CanonicalType:  b.canonicalType,
			NormalizedName: b.normalizedName,
			Aliases:        b.aliases,
			Attributes:     b.attributes,
			DocumentRefs:   b.documentRefs,
		}
	}
	return out, otherCount
}

// sortByProvenance orders raw entities deterministically so attribute LWW
// resolution does not depend on extractor response ordering.
func sortByProvenance(entities []domain.RawEntity) {
	sort.SliceStable(entities, func(i, j int) bool {
		pi, pj := entities[i].Provenance, entities[j].Provenance
		if pi.DocumentID != pj.DocumentID {
			return pi.DocumentID < pj.DocumentID
		}
		if pi.Page != pj.Page {
			return pi.Page < pj.Page
		}
		if pi.Region != pj.Region {
			return pi.Region < pj.Region
		}
		return entities[i].RawName < entities[j].RawName
	})
}

// canonicalizeRelationships resolves endpoints through the same name
// normalization entities went through, drops self-loops, resolves the
// semantic type, and dedupes by key unioning document_refs.
func canonicalizeRelationships(raw []domain.RawRelationship, entityIDByName map[entityKey]string, retrievalDocID string) map[string]*domain.CanonicalRelationship {
	out := make(map[string]*domain.CanonicalRelationship)

	for _, r := range raw {
		sourceID, sourceOK := resolveEndpoint(r.SourceRawName, entityIDByName)
		targetID, targetOK := resolveEndpoint(r.TargetRawName, entityIDByName)
		if !sourceOK || !targetOK {
			continue // endpoint never appeared among this batch's raw entities
		}
		if sourceID == targetID {
			continue // self-loop
		}

		semType := resolveRelType(lowerHint(r.RawTypeHint))
		rel := domain.CanonicalRelationship{SourceID: sourceID, TargetID: targetID, SemanticType: semType}
		key := rel.Key()

		existing, ok := out[key]
		if !ok {
			rel.DocumentRefs = map[string]struct{}{}
			if retrievalDocID != "" {
				rel.DocumentRefs[retrievalDocID] = struct{}{}
			}
			out[key] = &rel
			continue
		}
		if retrievalDocID != "" {
			existing.DocumentRefs[retrievalDocID] = struct{}{}
		}
	}
	return out
}

// entityKey is how relationship endpoints look an entity id up: the raw
// name is resolved through the same normalization as entity canonicalization
// so "Ice Cream Machine" in a relationship matches the entity built from
// "soft-serve machine".
// The canonical type is not known from the raw name alone, so all
// (normalized_name) -> id candidates produced during entity canonicalization
// are indexed and, on a collision, the lowest id wins (see buildNameIndex).
type entityKey = string

func resolveEndpoint(rawName string, entityIDByName map[entityKey]string) (string, bool) {
	normalized := NormalizeName(rawName)
	id, ok := entityIDByName[normalized]
	return id, ok
}

func lowerHint(hint string) string {
	return NormalizeName(hint)
}
