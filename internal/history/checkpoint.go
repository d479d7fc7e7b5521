package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
)

// MaxCheckpointHops bounds the neighborhood expansion around each seed.
const MaxCheckpointHops = 5

// CheckpointOptions parameterize checkpoint creation.
type CheckpointOptions struct {
	Reason      string
	Description string
	Hops        int
	// Window, when positive, restricts members to entities modified within
	// the window before creation time.
	Window time.Duration
}

// CheckpointResult reports a created checkpoint.
type CheckpointResult struct {
	CheckpointID string `json:"checkpointId"`
	MemberCount  int    `json:"memberCount"`
}

// CheckpointSummary aggregates a checkpoint's membership by entity type.
type CheckpointSummary struct {
	Checkpoint    *domain.Checkpoint `json:"checkpoint"`
	MembersByType map[string]int64   `json:"membersByType"`
}

// CheckpointExport is the portable representation written by
// ExportCheckpoint and consumed by ImportCheckpoint.
type CheckpointExport struct {
	Checkpoint *domain.Checkpoint `json:"checkpoint"`
	MemberIDs  []string           `json:"memberIds"`
	ExportedAt time.Time          `json:"exportedAt"`
}

// CreateCheckpoint materializes the union of hop-bounded neighborhoods
// around the seeds and pins every distinct member with CHECKPOINT_INCLUDES.
// Checkpointed versions survive pruning.
func (e *Engine) CreateCheckpoint(ctx context.Context, seedIDs []string, opts CheckpointOptions) (*CheckpointResult, error) {
	if !e.cfg.Enabled {
		return &CheckpointResult{CheckpointID: DisabledSentinel}, nil
	}
	start := time.Now()
	res, err := e.createCheckpoint(ctx, seedIDs, opts)
	e.observe("createCheckpoint", start, err)
	return res, err
}

func (e *Engine) createCheckpoint(ctx context.Context, seedIDs []string, opts CheckpointOptions) (*CheckpointResult, error) {
	if len(seedIDs) == 0 {
		return nil, errors.Validation(errors.CodeValidationFailed, "checkpoint requires at least one seed").
			WithComponent("history").Build()
	}
	hops := opts.Hops
	if hops <= 0 {
		hops = 2
	}
	if hops > MaxCheckpointHops {
		hops = MaxCheckpointHops
	}
	now := e.now()
	checkpointID := "checkpoint_" + e.newID()
	seeds := e.scope.EntityIDArray(seedIDs)

	var since any
	if opts.Window > 0 {
		since = domain.FormatTime(now.Add(-opts.Window))
	}

	results, err := e.g.RunTx(ctx, []graph.Query{
		{
			Text: `CREATE (c:Checkpoint:Entity)
			       SET c = {id: $id, type: 'checkpoint', reason: $reason, description: $description,
			                seedIds: $seeds, hops: $hops, memberCount: 0, created: $created}`,
			Params: map[string]any{
				"id": checkpointID, "reason": opts.Reason, "description": opts.Description,
				"seeds": seeds, "hops": hops, "created": domain.FormatTime(now),
			},
		},
		{
			// Hop 0 includes the seeds themselves. Membership is the union
			// over all seeds; MERGE makes overlap idempotent.
			Text: fmt.Sprintf(`MATCH (c:Checkpoint {id: $id})
			       UNWIND $seeds AS seedId
			       MATCH (seed:Entity {id: seedId})
			       MATCH (seed)-[*0..%d]-(m:Entity)
			       WHERE NOT m:Checkpoint
			         AND ($since IS NULL OR m.lastModified IS NULL OR m.lastModified >= $since)
			       WITH DISTINCT c, m
			       MERGE (c)-[:CHECKPOINT_INCLUDES]->(m)
			       RETURN count(m) AS members`, hops),
			Params: map[string]any{"id": checkpointID, "seeds": seeds, "since": since},
		},
		{
			Text: `MATCH (c:Checkpoint {id: $id})
			       OPTIONAL MATCH (c)-[inc:CHECKPOINT_INCLUDES]->()
			       WITH c, count(inc) AS members
			       SET c.memberCount = members
			       RETURN members`,
			Params: map[string]any{"id": checkpointID},
		},
	})
	if err != nil {
		return nil, err
	}

	members := 0
	if len(results) > 2 && len(results[2]) > 0 {
		members = intFrom(results[2][0]["members"])
	}
	e.emit("info", "checkpoint:created", map[string]any{
		"checkpointId": checkpointID, "members": members, "seeds": len(seeds),
	})
	return &CheckpointResult{CheckpointID: checkpointID, MemberCount: members}, nil
}

// ListCheckpoints returns checkpoints newest first.
func (e *Engine) ListCheckpoints(ctx context.Context, limit int) ([]*domain.Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (c:Checkpoint)
		       RETURN properties(c) AS props
		       ORDER BY c.created DESC LIMIT $limit`,
		Params: map[string]any{"limit": limit},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Checkpoint, 0, len(rows))
	for _, row := range rows {
		props, _ := row["props"].(map[string]any)
		out = append(out, checkpointFromProps(props))
	}
	return out, nil
}

// GetCheckpoint loads one checkpoint by id.
func (e *Engine) GetCheckpoint(ctx context.Context, id string) (*domain.Checkpoint, error) {
	rows, err := e.g.Run(ctx, graph.Query{
		Text:   `MATCH (c:Checkpoint {id: $id}) RETURN properties(c) AS props`,
		Params: map[string]any{"id": e.scope.RequireEntityID(id)},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NotFound(errors.CodeCheckpointNotFound, "checkpoint not found").
			WithDetails("id %s", id).WithComponent("history").Build()
	}
	props, _ := rows[0]["props"].(map[string]any)
	return checkpointFromProps(props), nil
}

// GetCheckpointMembers returns the pinned member entities.
func (e *Engine) GetCheckpointMembers(ctx context.Context, id string) ([]map[string]any, error) {
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (c:Checkpoint {id: $id})-[:CHECKPOINT_INCLUDES]->(m)
		       RETURN properties(m) AS props
		       ORDER BY m.id`,
		Params: map[string]any{"id": e.scope.RequireEntityID(id)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		props, _ := row["props"].(map[string]any)
		out = append(out, props)
	}
	return out, nil
}

// GetCheckpointSummary returns the checkpoint plus member counts by type.
func (e *Engine) GetCheckpointSummary(ctx context.Context, id string) (*CheckpointSummary, error) {
	cp, err := e.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (c:Checkpoint {id: $id})-[:CHECKPOINT_INCLUDES]->(m)
		       RETURN m.type AS type, count(m) AS count`,
		Params: map[string]any{"id": e.scope.RequireEntityID(id)},
	})
	if err != nil {
		return nil, err
	}
	summary := &CheckpointSummary{Checkpoint: cp, MembersByType: map[string]int64{}}
	for _, row := range rows {
		if t := strFrom(row["type"]); t != "" {
			summary.MembersByType[t] = int64From(row["count"])
		}
	}
	return summary, nil
}

// DeleteCheckpoint removes the checkpoint node and its inclusion edges,
// never the members themselves.
func (e *Engine) DeleteCheckpoint(ctx context.Context, id string) error {
	start := time.Now()
	_, err := e.g.Run(ctx, graph.Query{
		Text:   `MATCH (c:Checkpoint {id: $id}) DETACH DELETE c`,
		Params: map[string]any{"id": e.scope.RequireEntityID(id)},
		Write:  true,
	})
	e.observe("deleteCheckpoint", start, err)
	return err
}

// ExportCheckpoint serializes the checkpoint and its member ids to JSON.
func (e *Engine) ExportCheckpoint(ctx context.Context, id string) ([]byte, error) {
	cp, err := e.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := e.GetCheckpointMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		if mid := strFrom(m["id"]); mid != "" {
			memberIDs = append(memberIDs, mid)
		}
	}
	return json.MarshalIndent(CheckpointExport{
		Checkpoint: cp,
		MemberIDs:  memberIDs,
		ExportedAt: e.now(),
	}, "", "  ")
}

// ImportCheckpoint recreates an exported checkpoint, re-pinning whichever
// members still exist. Returns the checkpoint id and how many members were
// re-linked.
func (e *Engine) ImportCheckpoint(ctx context.Context, data []byte) (*CheckpointResult, error) {
	var export CheckpointExport
	if err := json.Unmarshal(data, &export); err != nil || export.Checkpoint == nil || export.Checkpoint.ID == "" {
		return nil, errors.Validation(errors.CodeValidationFailed, "malformed checkpoint export").
			WithComponent("history").WithCause(err).Build()
	}
	cp := export.Checkpoint
	results, err := e.g.RunTx(ctx, []graph.Query{
		{
			Text: `MERGE (c:Checkpoint:Entity {id: $id})
			       SET c.type = 'checkpoint', c.reason = $reason, c.description = $description,
			           c.seedIds = $seeds, c.hops = $hops, c.created = $created`,
			Params: map[string]any{
				"id": cp.ID, "reason": cp.Reason, "description": cp.Description,
				"seeds": cp.SeedIDs, "hops": cp.Hops,
				"created": domain.FormatTime(cp.Created),
			},
		},
		{
			Text: `MATCH (c:Checkpoint {id: $id})
			       UNWIND $memberIds AS memberId
			       MATCH (m:Entity {id: memberId})
			       MERGE (c)-[:CHECKPOINT_INCLUDES]->(m)
			       WITH DISTINCT c, m
			       WITH c, count(m) AS members
			       SET c.memberCount = members
			       RETURN members`,
			Params: map[string]any{"id": cp.ID, "memberIds": export.MemberIDs},
		},
	})
	if err != nil {
		return nil, err
	}
	members := 0
	if len(results) > 1 && len(results[1]) > 0 {
		members = intFrom(results[1][0]["members"])
	}
	return &CheckpointResult{CheckpointID: cp.ID, MemberCount: members}, nil
}

func checkpointFromProps(props map[string]any) *domain.Checkpoint {
	cp := &domain.Checkpoint{
		ID:          strFrom(props["id"]),
		Reason:      strFrom(props["reason"]),
		Description: strFrom(props["description"]),
		Hops:        intFrom(props["hops"]),
		MemberCount: intFrom(props["memberCount"]),
		Created:     timeFrom(props["created"]),
	}
	switch seeds := props["seedIds"].(type) {
	case []string:
		cp.SeedIDs = seeds
	case []any:
		for _, s := range seeds {
			if str := strFrom(s); str != "" {
				cp.SeedIDs = append(cp.SeedIDs, str)
			}
		}
	}
	return cp
}
