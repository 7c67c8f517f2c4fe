package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// processIDNamespace scopes the deterministic process-id UUID generation.
var processIDNamespace = uuid.MustParse("6f6e8f1a-9b8e-4f2e-8b1a-1f6c2d9a7e10")

// entityIDNamespace scopes canonical entity id derivation, kept distinct
// from processIDNamespace so the two id spaces never collide even if the
// same string were hashed under both.
var entityIDNamespace = uuid.MustParse("2f8b9e3a-7c1d-4a5e-9f0b-3d6a8c1e4b72")

// ContentHash returns the hex-encoded SHA-256 of bytes, the idempotency key
// for accept, index upload, and the extractor response cache.
func ContentHash(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// DeriveProcessID computes the stable process_id for a content hash. Because
// it is a pure function of the hash, two accepts of identical bytes
// naturally resolve to the same process_id without a lookup — the registry
// lookup in engine/registry still happens to decide whether this is a
// fresh accept or a duplicate, but the id itself never needs synchronization.
func DeriveProcessID(contentHash string) string {
	return uuid.NewSHA1(processIDNamespace, []byte(contentHash)).String()
}

// EntityID computes the deterministic id of a canonical entity as
// hash(canonical_type || "\0" || normalized_name).
// Reusing uuid.NewSHA1 keeps this consistent with DeriveProcessID instead
// of introducing a second hashing convention for the same purpose.
func EntityID(canonicalType CanonicalType, normalizedName string) string {
	key := string(canonicalType) + "\x00" + normalizedName
	return uuid.NewSHA1(entityIDNamespace, []byte(key)).String()
}

// NewDocument constructs a Document in state NEW for newly accepted bytes.
func NewDocument(blob []byte, sourceName string, now time.Time) Document {
	hash := ContentHash(blob)
	return Document{
		ProcessID:   DeriveProcessID(hash),
		SourceName:  sourceName,
		ContentHash: hash,
		Size:        int64(len(blob)),
		State:       StateNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
