// Package domain defines the core record types of the ingestion pipeline:
// the Document and its state machine, the raw extraction shapes produced by
// the external Extractor, and the canonical graph shapes produced by the
// bridge. It carries no behaviour beyond validation and construction
// helpers — the state machine itself lives in engine/orchestrator.
package domain

import "time"

// Format is a detected document format.
type Format string

const (
	FormatPDF          Format = "PDF"
	FormatImage        Format = "IMAGE"
	FormatText         Format = "TEXT"
	FormatDoclike      Format = "DOCLIKE"
	FormatSpreadsheet  Format = "SPREADSHEET"
	FormatPresentation Format = "PRESENTATION"
	FormatAV           Format = "AV"
)

// State is a DocumentState in the ingestion state machine.
type State string

const (
	StateNew            State = "NEW"
	StateValidated      State = "VALIDATED"
	StateIndexUploaded  State = "INDEX_UPLOADED"
	StateExtracted      State = "EXTRACTED"
	StateStaged         State = "STAGED"
	StateCommitted      State = "COMMITTED"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateDeadLettered   State = "DEAD_LETTERED"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether a state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateDeadLettered, StateCancelled:
		return true
	default:
		return false
	}
}

// happyPathNext maps each non-terminal happy-path state to its successor.
// RETRY_SCHEDULED and DEAD_LETTERED are reachable from any state and are not
// modeled here; the orchestrator owns those transitions.
var happyPathNext = map[State]State{
	StateNew:           StateValidated,
	StateValidated:     StateIndexUploaded,
	StateIndexUploaded: StateExtracted,
	StateExtracted:     StateStaged,
	StateStaged:        StateCommitted,
}

// NextHappy returns the next state on the happy path, or "" if s is terminal
// or not a recognized non-terminal state.
func NextHappy(s State) State {
	return happyPathNext[s]
}

// Document is the unit of work tracked from accept through commit or
// dead-letter.
type Document struct {
	ProcessID      string
	SourceName     string
	ContentHash    string // hex SHA-256 of the accepted bytes
	Size           int64
	DetectedFormat Format
	RetrievalDocID string
	State          State
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}

// Provenance locates a raw extraction inside its source document.
type Provenance struct {
	DocumentID string
	Page       int // 0 if unknown
	Region     string
}

// RawEntity is an entity as returned by the external Extractor, before
// normalization by the bridge.
type RawEntity struct {
	RawName     string
	RawTypeHint string
	Description string
	Attributes  map[string]string
	Provenance  Provenance
}

// RawRelationship is a relationship as returned by the external Extractor.
type RawRelationship struct {
	SourceRawName string
	TargetRawName string
	RawTypeHint   string
	Description   string
	Provenance    Provenance
}

// CanonicalType is the closed taxonomy of canonical entity types.
type CanonicalType string

const (
	TypeEquipment  CanonicalType = "EQUIPMENT"
	TypeProcedure  CanonicalType = "PROCEDURE"
	TypeProcess    CanonicalType = "PROCESS"
	TypeLocation   CanonicalType = "LOCATION"
	TypeSafety     CanonicalType = "SAFETY"
	TypeParameter  CanonicalType = "PARAMETER"
	TypeConsumable CanonicalType = "CONSUMABLE"
	TypeRole       CanonicalType = "ROLE"
	TypeDocument   CanonicalType = "DOCUMENT"
	TypeOther      CanonicalType = "OTHER"
)

// SemanticType is the closed taxonomy of canonical relationship types.
type SemanticType string

const (
	RelRequires     SemanticType = "REQUIRES"
	RelPartOf       SemanticType = "PART_OF"
	RelLocatedAt    SemanticType = "LOCATED_AT"
	RelUses         SemanticType = "USES"
	RelProcedureFor SemanticType = "PROCEDURE_FOR"
	RelRelatedTo    SemanticType = "RELATED_TO"
	RelGoverns      SemanticType = "GOVERNS"
	RelHazardOf     SemanticType = "HAZARD_OF"
)

// CanonicalEntity is a deduplicated, typed node ready to be merged into the
// graph. Its ID is a deterministic hash of (canonical_type, normalized_name).
type CanonicalEntity struct {
	ID             string
	CanonicalType  CanonicalType
	NormalizedName string
	Aliases        map[string]struct{}
	Attributes     map[string]string
	DocumentRefs   map[string]struct{}
}

// CanonicalRelationship is a deduplicated, typed edge ready to be merged.
type CanonicalRelationship struct {
	SourceID     string
	TargetID     string
	SemanticType SemanticType
	DocumentRefs map[string]struct{}
}

// Key returns the dedup key (source_id, semantic_type, target_id).
func (r CanonicalRelationship) Key() string {
	return r.SourceID + "\x00" + string(r.SemanticType) + "\x00" + r.TargetID
}
