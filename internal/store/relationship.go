package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/observability"
)

// RelationshipListOptions filter and page an edge listing.
type RelationshipListOptions struct {
	From          string
	To            string
	Types         []domain.RelationshipType
	Active        *bool
	MinConfidence float64
	Limit         int
	Offset        int
}

// BulkEvidenceResult reports a bulk evidence upsert.
type BulkEvidenceResult struct {
	Created int `json:"created"`
	Merged  int `json:"merged"`
	Failed  int `json:"failed"`
}

// RelationshipStore persists typed edges under canonical identity: writing
// the same logical edge twice merges evidence instead of duplicating.
type RelationshipStore struct {
	g       graph.Graph
	scope   *namespace.Scope
	bus     *observability.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRelationshipStore wires a relationship store over the graph backend.
func NewRelationshipStore(g graph.Graph, scope *namespace.Scope, bus *observability.Bus, metrics *observability.Metrics, logger *zap.Logger) *RelationshipStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationshipStore{g: g, scope: scope, bus: bus, metrics: metrics, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Upsert merges the sighting into the canonical edge, creating it on first
// observation. A closed edge is re-opened; evidence follows the merge rules.
func (s *RelationshipStore) Upsert(ctx context.Context, rel *domain.Relationship) (*domain.Relationship, error) {
	start := time.Now()
	out, err := s.upsert(ctx, rel)
	s.observe("upsert", start, err)
	return out, err
}

func (s *RelationshipStore) upsert(ctx context.Context, rel *domain.Relationship) (*domain.Relationship, error) {
	if err := s.prepare(rel); err != nil {
		return nil, err
	}
	existing, err := s.readExisting(ctx, rel)
	if err != nil {
		return nil, err
	}
	now := s.now()
	merged := s.fold(existing, rel, now)

	_, err = s.g.Run(ctx, upsertQuery(merged))
	if err != nil {
		return nil, err
	}
	s.emit(observability.EventEdgeUpserted, merged)
	return merged, nil
}

// UpsertEdgeEvidenceBulk applies the evidence merge rules to every update in
// a single write transaction per batch. Reads happen up front; a failed
// transaction reports the whole batch failed.
func (s *RelationshipStore) UpsertEdgeEvidenceBulk(ctx context.Context, updates []*domain.Relationship) (*BulkEvidenceResult, error) {
	start := time.Now()
	res, err := s.upsertBulk(ctx, updates)
	s.observe("upsertEdgeEvidenceBulk", start, err)
	return res, err
}

func (s *RelationshipStore) upsertBulk(ctx context.Context, updates []*domain.Relationship) (*BulkEvidenceResult, error) {
	if len(updates) == 0 {
		return &BulkEvidenceResult{}, nil
	}
	for _, rel := range updates {
		if err := s.prepare(rel); err != nil {
			return &BulkEvidenceResult{Failed: len(updates)}, err
		}
	}

	// Collapse same-batch duplicates onto one canonical edge before touching
	// the store, preserving first-seen order.
	order := make([]string, 0, len(updates))
	byID := make(map[string]*domain.Relationship, len(updates))
	now := s.now()
	for _, rel := range updates {
		if prior, ok := byID[rel.ID]; ok {
			prior.MergeInto(rel, now)
			continue
		}
		order = append(order, rel.ID)
		byID[rel.ID] = rel
	}

	result := &BulkEvidenceResult{}
	writes := make([]graph.Query, 0, len(order))
	for _, id := range order {
		rel := byID[id]
		existing, err := s.readExisting(ctx, rel)
		if err != nil {
			return &BulkEvidenceResult{Failed: len(updates)}, err
		}
		if existing == nil {
			result.Created++
		} else {
			result.Merged++
		}
		writes = append(writes, upsertQuery(s.fold(existing, rel, now)))
	}

	if _, err := s.g.RunTx(ctx, writes); err != nil {
		return &BulkEvidenceResult{Failed: len(updates)},
			errors.Internal(errors.CodeBulkWriteFailed, "bulk relationship write failed").
				WithComponent("relationship-store").WithCause(err).Build()
	}
	return result, nil
}

// List returns edges matching the filter with endpoint ids resolved, newest
// first.
func (s *RelationshipStore) List(ctx context.Context, opts RelationshipListOptions) ([]*domain.Relationship, error) {
	var clauses []string
	params := map[string]any{}
	if opts.From != "" {
		clauses = append(clauses, "a.id = $from")
		params["from"] = s.scope.RequireEntityID(opts.From)
	}
	if opts.To != "" {
		clauses = append(clauses, "b.id = $to")
		params["to"] = s.scope.RequireEntityID(opts.To)
	}
	if len(opts.Types) > 0 {
		names := make([]string, 0, len(opts.Types))
		for _, t := range opts.Types {
			if !t.Valid() {
				return nil, errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
					WithDetails("type %q", t).Build()
			}
			names = append(names, string(t))
		}
		clauses = append(clauses, "type(r) IN $types")
		params["types"] = names
	}
	if opts.Active != nil {
		clauses = append(clauses, "r.active = $active")
		params["active"] = *opts.Active
	}
	if opts.MinConfidence > 0 {
		clauses = append(clauses, "r.confidence >= $minConfidence")
		params["minConfidence"] = opts.MinConfidence
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	params["limit"] = limit
	params["offset"] = opts.Offset

	rows, err := s.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (a:Entity)-[r]->(b:Entity) %s
		       RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props
		       ORDER BY r.lastModified DESC
		       SKIP $offset LIMIT $limit`, where),
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Relationship, 0, len(rows))
	for _, row := range rows {
		props, _ := row["props"].(map[string]any)
		rel := relationshipFromProps(props)
		rel.Type = domain.RelationshipType(asString(row["relType"]))
		rel.FromEntityID = asString(row["fromId"])
		rel.ToEntityID = asString(row["toId"])
		out = append(out, rel)
	}
	return out, nil
}

// Delete removes the specific typed edge between two entities.
func (s *RelationshipStore) Delete(ctx context.Context, from, to string, relType domain.RelationshipType) error {
	if !relType.Valid() {
		return errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
			WithDetails("type %q", relType).Build()
	}
	start := time.Now()
	_, err := s.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (a:Entity {id: $from})-[r:%s]->(b:Entity {id: $to}) DELETE r`, relType),
		Params: map[string]any{
			"from": s.scope.RequireEntityID(from),
			"to":   s.scope.RequireEntityID(to),
		},
		Write: true,
	})
	s.observe("delete", start, err)
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Emit("relationship-store", "info", observability.EventEdgeDeleted, map[string]any{
			"from": from, "to": to, "type": string(relType),
		})
	}
	return nil
}

// MarkInactiveNotSeenSince closes every active edge last seen before t and
// returns how many were closed.
func (s *RelationshipStore) MarkInactiveNotSeenSince(ctx context.Context, t time.Time) (int64, error) {
	start := time.Now()
	rows, err := s.g.Run(ctx, graph.Query{
		Text: `MATCH ()-[r]->()
		       WHERE r.lastSeenAt < $cutoff AND r.active = true
		       SET r.active = false, r.validTo = coalesce(r.validTo, $now)
		       RETURN count(r) AS closed`,
		Params: map[string]any{
			"cutoff": domain.FormatTime(t),
			"now":    domain.FormatTime(s.now()),
		},
		Write: true,
	})
	s.observe("markInactiveNotSeenSince", start, err)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return asInt64(rows[0]["closed"]), nil
}

// MergeNormalizedDuplicates folds parallel edges sharing source, type, and
// normalized target into the oldest survivor, combining evidence by the
// standard rules. Returns the number of edges folded away.
func (s *RelationshipStore) MergeNormalizedDuplicates(ctx context.Context) (int64, error) {
	start := time.Now()
	merged, err := s.mergeDuplicates(ctx)
	s.observe("mergeNormalizedDuplicates", start, err)
	return merged, err
}

func (s *RelationshipStore) mergeDuplicates(ctx context.Context) (int64, error) {
	rows, err := s.g.Run(ctx, graph.Query{
		Text: `MATCH (a:Entity)-[r]->(b:Entity)
		       WITH a.id AS fromId, type(r) AS relType, coalesce(r.targetKey, b.id) AS targetKey,
		            collect(properties(r)) AS edges
		       WHERE size(edges) > 1
		       RETURN fromId, relType, targetKey, edges`,
	})
	if err != nil {
		return 0, err
	}

	now := s.now()
	var folded int64
	var writes []graph.Query
	for _, row := range rows {
		rawEdges, _ := row["edges"].([]any)
		group := make([]*domain.Relationship, 0, len(rawEdges))
		for _, raw := range rawEdges {
			props, _ := raw.(map[string]any)
			rel := relationshipFromProps(props)
			rel.Type = domain.RelationshipType(asString(row["relType"]))
			group = append(group, rel)
		}
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Created.Before(group[j].Created) })
		survivor := group[0]
		var removeIDs []string
		for _, newer := range group[1:] {
			survivor.MergeInto(newer, now)
			removeIDs = append(removeIDs, newer.ID)
			folded++
		}
		writes = append(writes,
			graph.Query{
				Text:   `MATCH ()-[r {id: $id}]->() SET r += $props`,
				Params: map[string]any{"id": survivor.ID, "props": relationshipProps(survivor)},
				Write:  true,
			},
			graph.Query{
				Text:   `MATCH ()-[r]->() WHERE r.id IN $ids DELETE r`,
				Params: map[string]any{"ids": removeIDs},
				Write:  true,
			},
		)
	}
	if len(writes) == 0 {
		return 0, nil
	}
	if _, err := s.g.RunTx(ctx, writes); err != nil {
		return 0, err
	}
	return folded, nil
}

// prepare validates, applies the namespace, and assigns canonical identity.
func (s *RelationshipStore) prepare(rel *domain.Relationship) error {
	rel.FromEntityID = s.scope.RequireEntityID(rel.FromEntityID)
	rel.ToEntityID = s.scope.RequireEntityID(rel.ToEntityID)
	if rel.ToRef.EntityID != "" {
		rel.ToRef.EntityID = s.scope.RequireEntityID(rel.ToRef.EntityID)
	}
	if err := rel.Validate(); err != nil {
		return err
	}
	rel.Canonicalize()
	return nil
}

// readExisting loads the stored edge under the canonical id and verifies
// both endpoints exist. A canonical id carried by an edge of a different
// type is a conflict.
func (s *RelationshipStore) readExisting(ctx context.Context, rel *domain.Relationship) (*domain.Relationship, error) {
	rows, err := s.g.Run(ctx, graph.Query{
		Text: `OPTIONAL MATCH (a:Entity {id: $from})
		       OPTIONAL MATCH (b:Entity {id: $to})
		       OPTIONAL MATCH (x:Entity {id: $from})-[r {id: $relId}]->()
		       RETURN a IS NOT NULL AS fromExists, b IS NOT NULL AS toExists,
		              type(r) AS relType, properties(r) AS props`,
		Params: map[string]any{"from": rel.FromEntityID, "to": rel.ToEntityID, "relId": rel.ID},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.ForeignKeyMissing(errors.CodeEndpointMissing, "relationship endpoints not found").
			WithDetails("from %s to %s", rel.FromEntityID, rel.ToEntityID).
			WithResource("relationship").Build()
	}
	row := rows[0]
	if !asBool(row["fromExists"]) || !asBool(row["toExists"]) {
		missing := rel.FromEntityID
		if asBool(row["fromExists"]) {
			missing = rel.ToEntityID
		}
		return nil, errors.ForeignKeyMissing(errors.CodeEndpointMissing, "relationship endpoint not found").
			WithDetails("missing entity %s", missing).
			WithResource("relationship").Build()
	}
	props, ok := row["props"].(map[string]any)
	if !ok || props == nil {
		return nil, nil
	}
	storedType := domain.RelationshipType(asString(row["relType"]))
	if storedType != "" && storedType != rel.Type {
		return nil, errors.Conflict(errors.CodeTypeConflict, "canonical id already bound to another type").
			WithDetails("stored %s, incoming %s", storedType, rel.Type).
			WithResource("relationship").Build()
	}
	existing := relationshipFromProps(props)
	existing.Type = storedType
	existing.FromEntityID = rel.FromEntityID
	existing.ToEntityID = rel.ToEntityID
	return existing, nil
}

// fold merges the incoming sighting into the stored edge, or initializes a
// first observation.
func (s *RelationshipStore) fold(existing, incoming *domain.Relationship, now time.Time) *domain.Relationship {
	if existing != nil {
		existing.MergeInto(incoming, now)
		return existing
	}
	rel := incoming
	rel.Created = now
	rel.LastModified = now
	rel.Version = 1
	rel.Active = true
	rel.ValidTo = nil
	if rel.ValidFrom == nil {
		from := now
		rel.ValidFrom = &from
	}
	if rel.OccurrencesTotal == 0 {
		rel.OccurrencesTotal = 1
	}
	if rel.LastSeenAt.IsZero() {
		rel.LastSeenAt = now
	}
	rel.Evidence = domain.MergeObservations(nil, rel.Evidence)
	rel.Locations = domain.MergeObservations(nil, rel.Locations)
	return rel
}

func (s *RelationshipStore) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOp("relationship-store", op, start, err)
	}
}

func (s *RelationshipStore) emit(message string, rel *domain.Relationship) {
	if s.bus == nil {
		return
	}
	s.bus.Emit("relationship-store", "info", message, map[string]any{
		"relationshipId": rel.ID,
		"type":           string(rel.Type),
		"from":           rel.FromEntityID,
		"to":             rel.ToEntityID,
	})
}

// upsertQuery renders the canonical MERGE for one prepared relationship. The
// type is interpolated after closed-set validation; everything else is a
// parameter.
func upsertQuery(rel *domain.Relationship) graph.Query {
	return graph.Query{
		Text: fmt.Sprintf(`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
		       MERGE (a)-[r:%s {id: $relId}]->(b)
		       SET r += $props`, rel.Type),
		Params: map[string]any{
			"from":  rel.FromEntityID,
			"to":    rel.ToEntityID,
			"relId": rel.ID,
			"props": relationshipProps(rel),
		},
		Write: true,
	}
}

// targetKey is the normalized-target grouping key stored on every edge.
func targetKey(rel *domain.Relationship) string {
	target := rel.Target()
	if target.EntityID != "" {
		return "id:" + target.EntityID
	}
	return "ref:" + target.Symbol + "|" + target.File + "|" + target.Kind
}

func relationshipProps(rel *domain.Relationship) map[string]any {
	props := map[string]any{
		"id":               rel.ID,
		"created":          domain.FormatTime(rel.Created),
		"lastModified":     domain.FormatTime(rel.LastModified),
		"version":          rel.Version,
		"active":           rel.Active,
		"confidence":       rel.Confidence,
		"occurrencesTotal": rel.OccurrencesTotal,
		"lastSeenAt":       domain.FormatTime(rel.LastSeenAt),
		"targetKey":        targetKey(rel),
	}
	if rel.ValidFrom != nil {
		props["validFrom"] = domain.FormatTime(*rel.ValidFrom)
	}
	if rel.ValidTo != nil {
		props["validTo"] = domain.FormatTime(*rel.ValidTo)
	} else {
		props["validTo"] = nil
	}
	if rel.ChangeSetID != "" {
		props["changeSetId"] = rel.ChangeSetID
	}
	if len(rel.Evidence) > 0 {
		props["evidence"] = encodeValue(rel.Evidence)
	}
	if len(rel.Locations) > 0 {
		props["locations"] = encodeValue(rel.Locations)
	}
	if rel.ToRef.Symbol != "" || rel.ToRef.File != "" {
		props["toRefSymbol"] = rel.ToRef.Symbol
		props["toRefFile"] = rel.ToRef.File
		props["toRefKind"] = rel.ToRef.Kind
	}
	return props
}

func relationshipFromProps(props map[string]any) *domain.Relationship {
	rel := &domain.Relationship{
		ID:               asString(props["id"]),
		Created:          parseTime(props["created"]),
		LastModified:     parseTime(props["lastModified"]),
		Version:          asInt64(props["version"]),
		Active:           asBool(props["active"]),
		Confidence:       asFloat(props["confidence"]),
		OccurrencesTotal: asInt64(props["occurrencesTotal"]),
		LastSeenAt:       parseTime(props["lastSeenAt"]),
		ChangeSetID:      asString(props["changeSetId"]),
		ValidFrom:        parseTimePtr(props["validFrom"]),
		ValidTo:          parseTimePtr(props["validTo"]),
		ToRef: domain.TargetRef{
			Symbol: asString(props["toRefSymbol"]),
			File:   asString(props["toRefFile"]),
			Kind:   asString(props["toRefKind"]),
		},
	}
	rel.Evidence = decodeObservations(props["evidence"])
	rel.Locations = decodeObservations(props["locations"])
	return rel
}

func decodeObservations(v any) []domain.Observation {
	raw, ok := decodeValue(v).([]any)
	if !ok {
		return nil
	}
	out := make([]domain.Observation, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, domain.Observation{
			Fingerprint: asString(m["fingerprint"]),
			File:        asString(m["file"]),
			Line:        asInt(m["line"]),
			Column:      asInt(m["column"]),
			Kind:        asString(m["kind"]),
			Snippet:     asString(m["snippet"]),
			SeenAt:      parseTime(m["seenAt"]),
		})
	}
	return out
}
