package bridge

import "github.com/lineread/ingestd/engine/domain"

// entityTypeTable maps raw_type_hint (already lowercased by the caller) to
// the canonical entity taxonomy. Rules are tried tier by tier
// (exact/prefix/keyword); within a tier the first matching row wins, so
// table order is the tie-break. Data, not code, same as the synonym
// table — extending coverage never touches resolveEntityType.
var entityTypeTable = []struct {
	hint string
	typ  domain.CanonicalType
}{
	{"equipment", domain.TypeEquipment},
	{"machine", domain.TypeEquipment},
	{"appliance", domain.TypeEquipment},
	{"procedure", domain.TypeProcedure},
	{"sop", domain.TypeProcedure},
	{"process", domain.TypeProcess},
	{"workflow", domain.TypeProcess},
	{"location", domain.TypeLocation},
	{"station", domain.TypeLocation},
	{"area", domain.TypeLocation},
	{"safety", domain.TypeSafety},
	{"hazard", domain.TypeSafety},
	{"ppe", domain.TypeSafety},
	{"parameter", domain.TypeParameter},
	{"setting", domain.TypeParameter},
	{"temperature", domain.TypeParameter},
	{"consumable", domain.TypeConsumable},
	{"ingredient", domain.TypeConsumable},
	{"supply", domain.TypeConsumable},
	{"role", domain.TypeRole},
	{"staff", domain.TypeRole},
	{"position", domain.TypeRole},
	{"document", domain.TypeDocument},
	{"manual", domain.TypeDocument},
	{"form", domain.TypeDocument},
}

// relTypeTable maps raw_type_hint to the canonical semantic taxonomy.
var relTypeTable = []struct {
	hint string
	typ  domain.SemanticType
}{
	{"requires", domain.RelRequires},
	{"needs", domain.RelRequires},
	{"part of", domain.RelPartOf},
	{"component of", domain.RelPartOf},
	{"located at", domain.RelLocatedAt},
	{"found in", domain.RelLocatedAt},
	{"uses", domain.RelUses},
	{"operates", domain.RelUses},
	{"procedure for", domain.RelProcedureFor},
	{"instructions for", domain.RelProcedureFor},
	{"governs", domain.RelGoverns},
	{"regulates", domain.RelGoverns},
	{"hazard of", domain.RelHazardOf},
	{"risk of", domain.RelHazardOf},
}

// resolveEntityType applies exact > prefix > keyword > default OTHER, in
// that tier order, to a lowercased, trimmed raw_type_hint.
func resolveEntityType(hint string) domain.CanonicalType {
	for _, row := range entityTypeTable {
		if hint == row.hint {
			return row.typ
		}
	}
	for _, row := range entityTypeTable {
		if hasPrefix(hint, row.hint) {
			return row.typ
		}
	}
	for _, row := range entityTypeTable {
		if containsWord(hint, row.hint) {
			return row.typ
		}
	}
	return domain.TypeOther
}

// resolveRelType applies the same three-tier resolution for relationship
// hints, defaulting to RELATED_TO.
func resolveRelType(hint string) domain.SemanticType {
	for _, row := range relTypeTable {
		if hint == row.hint {
			return row.typ
		}
	}
	for _, row := range relTypeTable {
		if hasPrefix(hint, row.hint) {
			return row.typ
		}
	}
	for _, row := range relTypeTable {
		if containsWord(hint, row.hint) {
			return row.typ
		}
	}
	return domain.RelRelatedTo
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// containsWord is a keyword match: sub is found anywhere in s. Since
// hint strings in the tables are often multi-word, this is closer to a
// substring test than a tokenized word-boundary test, matching how loosely
// extractor hints are phrased in practice.
func containsWord(s, sub string) bool {
	if sub == "" {
		return false
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
