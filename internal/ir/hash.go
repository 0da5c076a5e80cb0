package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Domain prefixes for derived identities.
// Version suffix enables future algorithm migration.
const (
	DomainSource = "tickflow/source/v1"
	DomainScope  = "tickflow/scope/v1"
	DomainTree   = "tickflow/tree/v1"
)

// hash64WithDomain computes a 64-bit xxhash with domain separation.
// Format: xxhash64(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hash64WithDomain(domain string, data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(domain)
	_, _ = d.Write([]byte{0x00})
	_, _ = d.Write(data)
	return d.Sum64()
}

// hashWithDomain computes a SHA-256 hex digest with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StructuralID computes the SourceID of a graph-defining expression from its
// structural shape.
//
// shape must be a value MarshalCanonical accepts (typically a
// map[string]any mirroring the definition). Two definitions with the same
// shape get the same ID regardless of formatting or position.
func StructuralID(shape any) (SourceID, error) {
	canonical, err := MarshalCanonical(shape)
	if err != nil {
		return 0, fmt.Errorf("StructuralID: failed to marshal: %w", err)
	}
	return SourceID(hash64WithDomain(DomainSource, canonical)), nil
}

// MustStructuralID is like StructuralID but panics on error.
// Use only in tests or when the shape is known to be valid.
func MustStructuralID(shape any) SourceID {
	id, err := StructuralID(shape)
	if err != nil {
		panic(err)
	}
	return id
}

// NamedSource is a convenience for hand-built graphs: the SourceID of a
// definition identified only by its name.
func NamedSource(name string) SourceID {
	return MustStructuralID(map[string]any{"name": name})
}

// TreeHash computes the content hash of a canonical output tree rendering.
// Replay compares these per tick.
func TreeHash(canonical []byte) string {
	return hashWithDomain(DomainTree, canonical)
}
