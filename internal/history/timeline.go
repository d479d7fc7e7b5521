package history

import (
	"context"
	"fmt"
	"sort"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
)

// EntityTimeline interleaves an entity's version appends, edge interval
// events, and checkpoint inclusions, newest first.
func (e *Engine) EntityTimeline(ctx context.Context, entityID string, limit int) ([]domain.TimelineEntry, error) {
	id := e.scope.RequireEntityID(entityID)
	if limit <= 0 {
		limit = 100
	}
	results, err := e.g.RunTx(ctx, []graph.Query{
		{
			Text: `MATCH (v:Version {entityId: $id})
			       RETURN v.id AS versionId, v.timestamp AS ts, v.changeSetId AS changeSetId`,
			Params: map[string]any{"id": id},
		},
		{
			Text: `MATCH (a:Entity {id: $id})-[r]-()
			       WHERE r.validFrom IS NOT NULL
			       RETURN r.id AS edgeId, type(r) AS edgeType,
			              r.validFrom AS validFrom, r.validTo AS validTo,
			              r.changeSetId AS changeSetId`,
			Params: map[string]any{"id": id},
		},
		{
			Text: `MATCH (c:Checkpoint)-[:CHECKPOINT_INCLUDES]->(m:Entity {id: $id})
			       RETURN c.id AS checkpointId, c.created AS ts`,
			Params: map[string]any{"id": id},
		},
	})
	if err != nil {
		return nil, err
	}

	var entries []domain.TimelineEntry
	if len(results) > 0 {
		for _, row := range results[0] {
			entries = append(entries, domain.TimelineEntry{
				Kind:        "version",
				Timestamp:   timeFrom(row["ts"]),
				EntityID:    id,
				VersionID:   strFrom(row["versionId"]),
				ChangeSetID: strFrom(row["changeSetId"]),
			})
		}
	}
	if len(results) > 1 {
		entries = append(entries, edgeIntervalEntries(results[1], id)...)
	}
	if len(results) > 2 {
		for _, row := range results[2] {
			entries = append(entries, domain.TimelineEntry{
				Kind:       "checkpoint",
				Timestamp:  timeFrom(row["ts"]),
				EntityID:   id,
				Checkpoint: strFrom(row["checkpointId"]),
			})
		}
	}
	return sortAndTrim(entries, limit), nil
}

// RelationshipTimeline reports the interval events of one canonical edge.
func (e *Engine) RelationshipTimeline(ctx context.Context, from, to string, relType domain.RelationshipType) ([]domain.TimelineEntry, error) {
	typeFilter := ""
	params := map[string]any{
		"from": e.scope.RequireEntityID(from),
		"to":   e.scope.RequireEntityID(to),
	}
	if relType != "" {
		if !relType.Valid() {
			return nil, errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
				WithDetails("type %q", relType).WithComponent("history").Build()
		}
		typeFilter = ":" + string(relType)
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (a:Entity {id: $from})-[r%s]->(b:Entity {id: $to})
		       RETURN r.id AS edgeId, type(r) AS edgeType,
		              r.validFrom AS validFrom, r.validTo AS validTo,
		              r.changeSetId AS changeSetId`, typeFilter),
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	return sortAndTrim(edgeIntervalEntries(rows, ""), 100), nil
}

// SessionTimeline reports what a session touched through its session edges.
func (e *Engine) SessionTimeline(ctx context.Context, sessionID string, limit int) ([]domain.TimelineEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (s:Session {id: $id})-[r:SESSION_MODIFIED|SESSION_IMPACTED|SESSION_CHECKPOINT]->(m)
		       RETURN r.id AS edgeId, type(r) AS edgeType, m.id AS targetId,
		              r.validFrom AS validFrom, r.changeSetId AS changeSetId`,
		Params: map[string]any{"id": e.scope.RequireEntityID(sessionID)},
	})
	if err != nil {
		return nil, err
	}
	entries := make([]domain.TimelineEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.TimelineEntry{
			Kind:        "edge_opened",
			Timestamp:   timeFrom(row["validFrom"]),
			EntityID:    strFrom(row["targetId"]),
			EdgeID:      strFrom(row["edgeId"]),
			EdgeType:    strFrom(row["edgeType"]),
			ChangeSetID: strFrom(row["changeSetId"]),
		})
	}
	return sortAndTrim(entries, limit), nil
}

// edgeIntervalEntries expands each edge row into an open event and, when the
// interval is closed, a close event.
func edgeIntervalEntries(rows []graph.Record, entityID string) []domain.TimelineEntry {
	var entries []domain.TimelineEntry
	for _, row := range rows {
		base := domain.TimelineEntry{
			EntityID:    entityID,
			EdgeID:      strFrom(row["edgeId"]),
			EdgeType:    strFrom(row["edgeType"]),
			ChangeSetID: strFrom(row["changeSetId"]),
		}
		opened := base
		opened.Kind = "edge_opened"
		opened.Timestamp = timeFrom(row["validFrom"])
		entries = append(entries, opened)

		if closedAt := timeFrom(row["validTo"]); !closedAt.IsZero() {
			closed := base
			closed.Kind = "edge_closed"
			closed.Timestamp = closedAt
			entries = append(entries, closed)
		}
	}
	return entries
}

func sortAndTrim(entries []domain.TimelineEntry, limit int) []domain.TimelineEntry {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].Kind < entries[j].Kind
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
