package domain

import (
	"fmt"
	"sort"
	"time"

	"codegraph-backend/internal/errors"
)

// RelationshipType is the closed set of edge kinds.
type RelationshipType string

const (
	RelContains          RelationshipType = "CONTAINS"
	RelDefines           RelationshipType = "DEFINES"
	RelExports           RelationshipType = "EXPORTS"
	RelImports           RelationshipType = "IMPORTS"
	RelCalls             RelationshipType = "CALLS"
	RelReferences        RelationshipType = "REFERENCES"
	RelImplements        RelationshipType = "IMPLEMENTS"
	RelExtends           RelationshipType = "EXTENDS"
	RelDependsOn         RelationshipType = "DEPENDS_ON"
	RelUses              RelationshipType = "USES"
	RelTests             RelationshipType = "TESTS"
	RelValidates         RelationshipType = "VALIDATES"
	RelRequires          RelationshipType = "REQUIRES"
	RelImpacts           RelationshipType = "IMPACTS"
	RelPreviousVersion   RelationshipType = "PREVIOUS_VERSION"
	RelVersionOf         RelationshipType = "VERSION_OF"
	RelModifiedIn        RelationshipType = "MODIFIED_IN"
	RelIntroducedIn      RelationshipType = "INTRODUCED_IN"
	RelRemovedIn         RelationshipType = "REMOVED_IN"
	RelSessionModified   RelationshipType = "SESSION_MODIFIED"
	RelSessionImpacted   RelationshipType = "SESSION_IMPACTED"
	RelSessionCheckpoint RelationshipType = "SESSION_CHECKPOINT"
	RelBrokeIn           RelationshipType = "BROKE_IN"
	RelFixedIn           RelationshipType = "FIXED_IN"
	RelDependsOnChange   RelationshipType = "DEPENDS_ON_CHANGE"
	RelCheckpointInclude RelationshipType = "CHECKPOINT_INCLUDES"
	RelDescribesDomain   RelationshipType = "DESCRIBES_DOMAIN"
	RelBelongsToDomain   RelationshipType = "BELONGS_TO_DOMAIN"
	RelDocumentedBy      RelationshipType = "DOCUMENTED_BY"
	RelClusterMember     RelationshipType = "CLUSTER_MEMBER"
	RelDocumentsSection  RelationshipType = "DOCUMENTS_SECTION"
)

var relationshipTypes = map[RelationshipType]struct{}{
	RelContains: {}, RelDefines: {}, RelExports: {}, RelImports: {},
	RelCalls: {}, RelReferences: {}, RelImplements: {}, RelExtends: {},
	RelDependsOn: {}, RelUses: {}, RelTests: {}, RelValidates: {},
	RelRequires: {}, RelImpacts: {}, RelPreviousVersion: {}, RelVersionOf: {},
	RelModifiedIn: {}, RelIntroducedIn: {}, RelRemovedIn: {},
	RelSessionModified: {}, RelSessionImpacted: {}, RelSessionCheckpoint: {},
	RelBrokeIn: {}, RelFixedIn: {}, RelDependsOnChange: {},
	RelCheckpointInclude: {}, RelDescribesDomain: {}, RelBelongsToDomain: {},
	RelDocumentedBy: {}, RelClusterMember: {}, RelDocumentsSection: {},
}

// Valid reports whether t belongs to the closed relationship-type set.
func (t RelationshipType) Valid() bool {
	_, ok := relationshipTypes[t]
	return ok
}

// codeEdgeTypes collapse pre- and post-resolution ingests into one identity:
// their canonical id hashes the normalized target reference instead of the
// resolved entity id.
var codeEdgeTypes = map[RelationshipType]struct{}{
	RelCalls: {}, RelReferences: {}, RelUses: {}, RelImports: {},
	RelImplements: {}, RelExtends: {}, RelDependsOn: {},
}

// IsCodeEdge reports whether edges of this type use normalized target
// references for identity.
func (t RelationshipType) IsCodeEdge() bool {
	_, ok := codeEdgeTypes[t]
	return ok
}

// DependentEdgeTypes are the edge kinds traversed by impact analysis.
var DependentEdgeTypes = []RelationshipType{
	RelCalls, RelReferences, RelUses, RelImplements, RelExtends, RelDependsOn,
}

// MaxEvidence caps the evidence and location sets kept per relationship.
const MaxEvidence = 20

// Observation is a single sighting supporting a relationship: a call site,
// import statement, reference, and so on. Fingerprint identifies it within
// the evidence set.
type Observation struct {
	Fingerprint string    `json:"fingerprint"`
	File        string    `json:"file,omitempty"`
	Line        int       `json:"line,omitempty"`
	Column      int       `json:"column,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	SeenAt      time.Time `json:"seenAt"`
}

// NewObservation builds an observation with the standard
// file:line:column:kind fingerprint.
func NewObservation(file string, line, column int, kind string, seenAt time.Time) Observation {
	return Observation{
		Fingerprint: fmt.Sprintf("%s:%d:%d:%s", file, line, column, kind),
		File:        file,
		Line:        line,
		Column:      column,
		Kind:        kind,
		SeenAt:      seenAt,
	}
}

// TargetRef is the normalized reference a code edge points at. Either
// EntityID is set (structural edges) or the Symbol/File/Kind triple is
// (code edges), so unresolved and resolved sightings share one identity.
type TargetRef struct {
	EntityID string `json:"entityId,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	File     string `json:"file,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Relationship is a directed typed edge between two entities.
type Relationship struct {
	ID           string           `json:"id"`
	Type         RelationshipType `json:"type"`
	FromEntityID string           `json:"fromEntityId"`
	ToEntityID   string           `json:"toEntityId"`
	Created      time.Time        `json:"created"`
	LastModified time.Time        `json:"lastModified"`
	Version      int64            `json:"version"`

	// Temporal validity interval. ValidTo is nil exactly while Active.
	ValidFrom *time.Time `json:"validFrom,omitempty"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
	Active    bool       `json:"active"`

	// Evidence.
	Evidence         []Observation `json:"evidence,omitempty"`
	Locations        []Observation `json:"locations,omitempty"`
	Confidence       float64       `json:"confidence"`
	OccurrencesTotal int64         `json:"occurrencesTotal"`
	LastSeenAt       time.Time     `json:"lastSeenAt"`
	ChangeSetID      string        `json:"changeSetId,omitempty"`

	// Normalized target reference for code edges.
	ToRef TargetRef `json:"toRef,omitempty"`
}

// Validate checks required fields and value ranges.
func (r *Relationship) Validate() error {
	if !r.Type.Valid() {
		return errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
			WithDetails("type %q", r.Type).WithResource("relationship").Build()
	}
	if r.FromEntityID == "" || r.ToEntityID == "" {
		return errors.Validation(errors.CodeRelationshipInvalid, "relationship endpoints are required").
			WithResource("relationship").Build()
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return errors.Validation(errors.CodeRelationshipInvalid, "confidence must be within [0,1]").
			WithDetails("confidence %v", r.Confidence).WithResource("relationship").Build()
	}
	return nil
}

// Target returns the normalized reference used for canonical identity: the
// explicit ToRef for code edges when present, otherwise the entity id.
func (r *Relationship) Target() TargetRef {
	if r.Type.IsCodeEdge() && (r.ToRef.Symbol != "" || r.ToRef.File != "") {
		return TargetRef{Symbol: r.ToRef.Symbol, File: r.ToRef.File, Kind: r.ToRef.Kind}
	}
	return TargetRef{EntityID: r.ToEntityID}
}

// MergeObservations folds incoming observations into existing ones as a set
// keyed by fingerprint, newest SeenAt winning per key, sorted most recent
// first and truncated to MaxEvidence.
func MergeObservations(existing, incoming []Observation) []Observation {
	byFingerprint := make(map[string]Observation, len(existing)+len(incoming))
	for _, o := range existing {
		byFingerprint[o.Fingerprint] = o
	}
	for _, o := range incoming {
		if prev, ok := byFingerprint[o.Fingerprint]; !ok || o.SeenAt.After(prev.SeenAt) {
			byFingerprint[o.Fingerprint] = o
		}
	}
	merged := make([]Observation, 0, len(byFingerprint))
	for _, o := range byFingerprint {
		merged = append(merged, o)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].SeenAt.Equal(merged[j].SeenAt) {
			return merged[i].SeenAt.After(merged[j].SeenAt)
		}
		return merged[i].Fingerprint < merged[j].Fingerprint
	})
	if len(merged) > MaxEvidence {
		merged = merged[:MaxEvidence]
	}
	return merged
}

// MergeInto applies the evidence merge rules of a re-observation: evidence
// and locations union, occurrences sum, confidence max, lastSeenAt latest.
// The receiver is the stored edge; incoming is the new sighting.
func (r *Relationship) MergeInto(incoming *Relationship, now time.Time) {
	r.Evidence = MergeObservations(r.Evidence, incoming.Evidence)
	r.Locations = MergeObservations(r.Locations, incoming.Locations)
	occ := incoming.OccurrencesTotal
	if occ == 0 {
		occ = 1
	}
	r.OccurrencesTotal += occ
	if incoming.Confidence > r.Confidence {
		r.Confidence = incoming.Confidence
	}
	if incoming.LastSeenAt.After(r.LastSeenAt) {
		r.LastSeenAt = incoming.LastSeenAt
	} else if r.LastSeenAt.IsZero() {
		r.LastSeenAt = now
	}
	if incoming.ChangeSetID != "" {
		r.ChangeSetID = incoming.ChangeSetID
	}
	r.Version++
	r.LastModified = now
	// A re-observation reopens a closed interval.
	if !r.Active {
		r.Active = true
		r.ValidTo = nil
		from := now
		r.ValidFrom = &from
	}
}
