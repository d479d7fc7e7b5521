package domain

import "time"

// Version is an immutable snapshot of an entity's content at a point in
// time. Versions of the same entity form a singly-linked chain through
// PREVIOUS_VERSION edges, ordered strictly by timestamp.
type Version struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entityId"`
	Hash        string    `json:"hash"`
	Timestamp   time.Time `json:"timestamp"`
	Path        string    `json:"path,omitempty"`
	Language    string    `json:"language,omitempty"`
	ChangeSetID string    `json:"changeSetId,omitempty"`
}

// Checkpoint is a materialized subgraph around a seed set, durable against
// history pruning. It owns its CHECKPOINT_INCLUDES edges but never its
// member entities.
type Checkpoint struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	SeedIDs     []string  `json:"seedIds"`
	Hops        int       `json:"hops"`
	MemberCount int       `json:"memberCount"`
	Created     time.Time `json:"created"`
}

// TimelineEntry is one event in an entity, relationship, or session
// timeline: a version append, an interval open or close, or a checkpoint
// inclusion.
type TimelineEntry struct {
	Kind        string    `json:"kind"` // version | edge_opened | edge_closed | checkpoint
	Timestamp   time.Time `json:"timestamp"`
	EntityID    string    `json:"entityId,omitempty"`
	VersionID   string    `json:"versionId,omitempty"`
	EdgeID      string    `json:"edgeId,omitempty"`
	EdgeType    string    `json:"edgeType,omitempty"`
	Checkpoint  string    `json:"checkpoint,omitempty"`
	ChangeSetID string    `json:"changeSetId,omitempty"`
}
