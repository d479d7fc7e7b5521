// Package namespace implements tenant scoping. A Scope is an immutable value
// bound at process start; every store applies it to ids and resource names on
// the way in and never re-applies it on read.
package namespace

import "strings"

// Scope carries the namespace prefixes for one process.
type Scope struct {
	entityPrefix   string
	keyPrefix      string
	codeCollection string
	docsCollection string
}

// Option configures a Scope at construction.
type Option func(*Scope)

// WithEntityPrefix sets the prefix applied to entity and relationship ids.
func WithEntityPrefix(prefix string) Option {
	return func(s *Scope) { s.entityPrefix = prefix }
}

// WithKeyPrefix sets the prefix applied to auxiliary KV keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Scope) { s.keyPrefix = prefix }
}

// WithCollections sets the bound vector collection names.
func WithCollections(code, docs string) Option {
	return func(s *Scope) {
		s.codeCollection = code
		s.docsCollection = docs
	}
}

// New builds an immutable Scope. The zero scope passes ids through unchanged.
func New(opts ...Option) *Scope {
	s := &Scope{
		codeCollection: "code",
		docsCollection: "documentation",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequireEntityID prefixes id with the entity prefix. Ids already carrying
// the prefix are returned unchanged.
func (s *Scope) RequireEntityID(id string) string {
	if s.entityPrefix == "" || strings.HasPrefix(id, s.entityPrefix) {
		return id
	}
	return s.entityPrefix + id
}

// OptionalEntityID prefixes id when non-empty.
func (s *Scope) OptionalEntityID(id string) string {
	if id == "" {
		return ""
	}
	return s.RequireEntityID(id)
}

// EntityIDArray prefixes every id in ids.
func (s *Scope) EntityIDArray(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = s.RequireEntityID(id)
	}
	return out
}

// RequireRelationshipID shares the entity-prefix policy.
func (s *Scope) RequireRelationshipID(id string) string {
	return s.RequireEntityID(id)
}

// OptionalRelationshipID shares the entity-prefix policy.
func (s *Scope) OptionalRelationshipID(id string) string {
	return s.OptionalEntityID(id)
}

// QualifyRedisKey prefixes an auxiliary KV key.
func (s *Scope) QualifyRedisKey(key string) string {
	if s.keyPrefix == "" || strings.HasPrefix(key, s.keyPrefix) {
		return key
	}
	return s.keyPrefix + key
}

// QdrantCollection returns the bound collection name for the given domain,
// which must be "code" or "documentation".
func (s *Scope) QdrantCollection(domain string) string {
	if domain == "documentation" {
		return s.docsCollection
	}
	return s.codeCollection
}
