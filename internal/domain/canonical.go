package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalID computes the deterministic identity of a relationship from its
// source, type, and normalized target reference. Writing the same logical
// edge twice, before and after symbol resolution, yields the same id, so
// bulk writes merge instead of duplicating.
func CanonicalID(fromEntityID string, relType RelationshipType, target TargetRef) string {
	var b strings.Builder
	b.WriteString(fromEntityID)
	b.WriteByte('|')
	b.WriteString(string(relType))
	b.WriteByte('|')
	if target.EntityID != "" {
		b.WriteString("id:")
		b.WriteString(target.EntityID)
	} else {
		b.WriteString("ref:")
		b.WriteString(target.Symbol)
		b.WriteByte('|')
		b.WriteString(target.File)
		b.WriteByte('|')
		b.WriteString(target.Kind)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "rel_" + hex.EncodeToString(sum[:16])
}

// Canonicalize assigns the relationship's canonical id from its current
// fields, returning the id.
func (r *Relationship) Canonicalize() string {
	r.ID = CanonicalID(r.FromEntityID, r.Type, r.Target())
	return r.ID
}

// Fingerprint hashes arbitrary content for idempotency keys and batch
// de-duplication.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
