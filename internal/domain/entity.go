// Package domain defines the code-knowledge graph's core model: entities,
// relationships, versions, and checkpoints, together with the identity and
// merge rules the stores enforce.
package domain

import (
	"time"

	"codegraph-backend/internal/errors"
)

// EntityType is the closed set of node kinds in the graph.
type EntityType string

const (
	EntityFile            EntityType = "file"
	EntityDirectory       EntityType = "directory"
	EntityModule          EntityType = "module"
	EntitySymbol          EntityType = "symbol"
	EntityFunction        EntityType = "function"
	EntityClass           EntityType = "class"
	EntityInterface       EntityType = "interface"
	EntityTypeAlias       EntityType = "typeAlias"
	EntityTest            EntityType = "test"
	EntitySpec            EntityType = "spec"
	EntityDocumentation   EntityType = "documentation"
	EntityBusinessDomain  EntityType = "businessDomain"
	EntitySemanticCluster EntityType = "semanticCluster"
	EntitySession         EntityType = "session"
	EntityChange          EntityType = "change"
	EntityVersion         EntityType = "version"
	EntityCheckpoint      EntityType = "checkpoint"
)

var entityTypes = map[EntityType]struct{}{
	EntityFile: {}, EntityDirectory: {}, EntityModule: {}, EntitySymbol: {},
	EntityFunction: {}, EntityClass: {}, EntityInterface: {}, EntityTypeAlias: {},
	EntityTest: {}, EntitySpec: {}, EntityDocumentation: {}, EntityBusinessDomain: {},
	EntitySemanticCluster: {}, EntitySession: {}, EntityChange: {},
	EntityVersion: {}, EntityCheckpoint: {},
}

// Valid reports whether t belongs to the closed entity-type set.
func (t EntityType) Valid() bool {
	_, ok := entityTypes[t]
	return ok
}

// Entity is a polymorphic graph node. Only ID, Type and the timestamps are
// required; the remaining fields are populated per variant.
type Entity struct {
	ID           string     `json:"id"`
	Type         EntityType `json:"type"`
	Created      time.Time  `json:"created"`
	LastModified time.Time  `json:"lastModified"`

	Path      string `json:"path,omitempty"`
	Language  string `json:"language,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Name      string `json:"name,omitempty"`
	Signature string `json:"signature,omitempty"`
	Docstring string `json:"docstring,omitempty"`
	Content   string `json:"content,omitempty"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`

	// Props holds per-type fields beyond the common set. Complex values are
	// serialized to JSON strings at the storage boundary.
	Props map[string]any `json:"props,omitempty"`
}

// Labels derives the graph labels attached for indexed lookup: the generic
// Entity label plus one for the concrete type.
func (e *Entity) Labels() []string {
	labels := []string{"Entity"}
	switch e.Type {
	case EntityFile:
		labels = append(labels, "File")
	case EntityDirectory:
		labels = append(labels, "Directory")
	case EntityModule:
		labels = append(labels, "Module")
	case EntitySymbol:
		labels = append(labels, "Symbol")
	case EntityFunction:
		labels = append(labels, "Symbol", "Function")
	case EntityClass:
		labels = append(labels, "Symbol", "Class")
	case EntityInterface:
		labels = append(labels, "Symbol", "Interface")
	case EntityTypeAlias:
		labels = append(labels, "Symbol", "TypeAlias")
	case EntityTest:
		labels = append(labels, "Test")
	case EntitySpec:
		labels = append(labels, "Spec")
	case EntityDocumentation:
		labels = append(labels, "Documentation")
	case EntityBusinessDomain:
		labels = append(labels, "BusinessDomain")
	case EntitySemanticCluster:
		labels = append(labels, "SemanticCluster")
	case EntitySession:
		labels = append(labels, "Session")
	case EntityChange:
		labels = append(labels, "Change")
	case EntityVersion:
		labels = append(labels, "Version")
	case EntityCheckpoint:
		labels = append(labels, "Checkpoint")
	}
	return labels
}

// Validate checks the required fields. Timestamps may be zero; stores assign
// them on create.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return errors.Validation(errors.CodeEntityInvalid, "entity id is required").
			WithResource("entity").Build()
	}
	if !e.Type.Valid() {
		return errors.Validation(errors.CodeEntityInvalid, "unknown entity type").
			WithDetails("type %q", e.Type).WithResource("entity").Build()
	}
	return nil
}

// Touch bumps LastModified, assigning Created on first write.
func (e *Entity) Touch(now time.Time) {
	if e.Created.IsZero() {
		e.Created = now
	}
	e.LastModified = now
}
