// Package history implements temporal versioning: version chains, validity
// intervals on edges, checkpoints, time travel, and retention pruning.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/observability"
)

// DisabledSentinel is returned from every mutation while history is off.
const DisabledSentinel = "history-disabled"

// AppendOptions annotate a version append.
type AppendOptions struct {
	ChangeSetID string
	Timestamp   time.Time
}

// Engine owns all temporal state. When disabled it performs no writes and
// answers mutations with DisabledSentinel.
type Engine struct {
	g       graph.Graph
	scope   *namespace.Scope
	cfg     config.HistoryConfig
	bus     *observability.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewEngine wires the history engine.
func NewEngine(g graph.Graph, scope *namespace.Scope, cfg config.HistoryConfig, bus *observability.Bus, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		g:       g,
		scope:   scope,
		cfg:     cfg,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

// Enabled reports the process-wide history switch.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// AppendVersion snapshots the entity's current content as an immutable
// Version, linked VERSION_OF to the entity and PREVIOUS_VERSION to the
// latest earlier version. Returns the new version id.
func (e *Engine) AppendVersion(ctx context.Context, entity *domain.Entity, opts AppendOptions) (string, error) {
	if !e.cfg.Enabled {
		return DisabledSentinel, nil
	}
	start := time.Now()
	id, err := e.appendVersion(ctx, entity, opts)
	e.observe("appendVersion", start, err)
	return id, err
}

func (e *Engine) appendVersion(ctx context.Context, entity *domain.Entity, opts AppendOptions) (string, error) {
	if entity == nil || entity.ID == "" {
		return "", errors.Validation(errors.CodeEntityInvalid, "entity is required for a version append").
			WithComponent("history").Build()
	}
	entityID := e.scope.RequireEntityID(entity.ID)
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	versionID := "version_" + e.newID()

	props := map[string]any{
		"id":        versionID,
		"type":      string(domain.EntityVersion),
		"entityId":  entityID,
		"hash":      entity.Hash,
		"timestamp": domain.FormatTime(ts),
	}
	if entity.Path != "" {
		props["path"] = entity.Path
	}
	if entity.Language != "" {
		props["language"] = entity.Language
	}
	if opts.ChangeSetID != "" {
		props["changeSetId"] = opts.ChangeSetID
	}

	// A new Version links to at most one predecessor: the most recent
	// earlier version of the same entity. Linking only backwards from a
	// fresh node keeps the chain acyclic.
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (entity:Entity {id: $entityId})
		       OPTIONAL MATCH (prev:Version {entityId: $entityId})
		       WITH entity, prev ORDER BY prev.timestamp DESC LIMIT 1
		       CREATE (v:Version:Entity)
		       SET v += $props
		       CREATE (v)-[:VERSION_OF]->(entity)
		       FOREACH (p IN CASE WHEN prev IS NULL THEN [] ELSE [prev] END |
		         CREATE (v)-[:PREVIOUS_VERSION]->(p))
		       RETURN v.id AS versionId`,
		Params: map[string]any{"entityId": entityID, "props": props},
		Write:  true,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.NotFound(errors.CodeEntityNotFound, "cannot version a missing entity").
			WithDetails("entity %s", entityID).WithComponent("history").Build()
	}
	return versionID, nil
}

// OpenEdge opens (or reopens) the validity interval on the canonical edge.
func (e *Engine) OpenEdge(ctx context.Context, from, to string, relType domain.RelationshipType, ts time.Time, changeSetID string) (string, error) {
	if !e.cfg.Enabled {
		return DisabledSentinel, nil
	}
	if !relType.Valid() {
		return "", errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
			WithDetails("type %q", relType).WithComponent("history").Build()
	}
	start := time.Now()
	from = e.scope.RequireEntityID(from)
	to = e.scope.RequireEntityID(to)
	if ts.IsZero() {
		ts = e.now()
	}
	relID := domain.CanonicalID(from, relType, domain.TargetRef{EntityID: to})

	props := map[string]any{
		"active":       true,
		"validFrom":    domain.FormatTime(ts),
		"validTo":      nil,
		"lastModified": domain.FormatTime(e.now()),
	}
	if changeSetID != "" {
		props["changeSetId"] = changeSetID
	}
	_, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
		       MERGE (a)-[r:%s {id: $relId}]->(b)
		       SET r += $props`, relType),
		Params: map[string]any{"from": from, "to": to, "relId": relID, "props": props},
		Write:  true,
	})
	e.observe("openEdge", start, err)
	if err != nil {
		return "", err
	}
	return relID, nil
}

// CloseEdge closes the validity interval, keeping the earliest close time.
func (e *Engine) CloseEdge(ctx context.Context, from, to string, relType domain.RelationshipType, ts time.Time) error {
	if !e.cfg.Enabled {
		return nil
	}
	if !relType.Valid() {
		return errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
			WithDetails("type %q", relType).WithComponent("history").Build()
	}
	start := time.Now()
	if ts.IsZero() {
		ts = e.now()
	}
	_, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (a:Entity {id: $from})-[r:%s]->(b:Entity {id: $to})
		       SET r.validTo = coalesce(r.validTo, $ts), r.active = false`, relType),
		Params: map[string]any{
			"from": e.scope.RequireEntityID(from),
			"to":   e.scope.RequireEntityID(to),
			"ts":   domain.FormatTime(ts),
		},
		Write: true,
	})
	e.observe("closeEdge", start, err)
	return err
}

// TraversalOptions bound a time-travel walk.
type TraversalOptions struct {
	StartID           string
	RelationshipTypes []domain.RelationshipType
	NodeLabels        []string
	MaxDepth          int
	Until             time.Time
}

// TraversalNode is one entity reached by time travel, with its distance
// from the start.
type TraversalNode struct {
	Entity map[string]any `json:"entity"`
	Depth  int            `json:"depth"`
}

// TimeTravelTraversal walks outward from the start entity admitting only
// edges whose validity interval covers the until instant.
func (e *Engine) TimeTravelTraversal(ctx context.Context, opts TraversalOptions) ([]TraversalNode, error) {
	if opts.StartID == "" {
		return nil, errors.Validation(errors.CodeValidationFailed, "traversal start entity is required").
			WithComponent("history").Build()
	}
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = 3
	}
	if depth > 5 {
		depth = 5
	}
	until := opts.Until
	if until.IsZero() {
		until = e.now()
	}
	relPattern := ""
	if len(opts.RelationshipTypes) > 0 {
		for i, t := range opts.RelationshipTypes {
			if !t.Valid() {
				return nil, errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
					WithDetails("type %q", t).WithComponent("history").Build()
			}
			if i > 0 {
				relPattern += "|"
			}
			relPattern += string(t)
		}
		relPattern = ":" + relPattern
	}

	var labels []string
	if len(opts.NodeLabels) > 0 {
		labels = opts.NodeLabels
	}

	rows, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH p = (s:Entity {id: $start})-[%s*1..%d]->(m:Entity)
		       WHERE ALL(r IN relationships(p) WHERE
		               r.validFrom IS NOT NULL AND r.validFrom <= $until
		               AND (r.validTo IS NULL OR r.validTo >= $until))
		         AND ($labels IS NULL OR ANY(l IN labels(m) WHERE l IN $labels))
		       WITH m, min(length(p)) AS depth
		       RETURN m, depth
		       ORDER BY depth, m.id`, relPattern, depth),
		Params: map[string]any{
			"start":  e.scope.RequireEntityID(opts.StartID),
			"until":  domain.FormatTime(until),
			"labels": anyLabels(labels),
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]TraversalNode, 0, len(rows))
	for _, row := range rows {
		node, _ := row["m"].(map[string]any)
		out = append(out, TraversalNode{Entity: node, Depth: intFrom(row["depth"])})
	}
	return out, nil
}

func anyLabels(labels []string) any {
	if len(labels) == 0 {
		return nil
	}
	return labels
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.ObserveOp("history", op, start, err)
	}
}

func (e *Engine) emit(level, message string, data map[string]any) {
	if e.bus != nil {
		e.bus.Emit("history", level, message, data)
	}
}

func intFrom(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	}
	return 0
}

func int64From(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	}
	return 0
}

func strFrom(v any) string {
	s, _ := v.(string)
	return s
}

func timeFrom(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	case string:
		if ts, err := domain.ParseTime(val); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
