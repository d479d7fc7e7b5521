// Package analysis answers dependency and impact questions over the code
// graph: who breaks when an entity changes, what it depends on, and how two
// entities connect.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/observability"
)

// MaxImpactDepth bounds the blast-radius walk.
const MaxImpactDepth = 5

// maxPathResults bounds FindPaths output.
const maxPathResults = 10

// topNeighborCount is the K cached by ComputeAndStoreEdgeStats.
const topNeighborCount = 10

// ImpactOptions parameterize an impact analysis.
type ImpactOptions struct {
	MaxDepth int
	Types    []domain.RelationshipType
}

// AffectedEntity is one entity reached by the impact walk.
type AffectedEntity struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Distance int    `json:"distance"`
}

// ImpactReport groups affected entities by distance with a coarse severity.
type ImpactReport struct {
	EntityID      string                  `json:"entityId"`
	Severity      string                  `json:"severity"` // low | medium | high | critical
	TotalAffected int                     `json:"totalAffected"`
	ByDistance    map[int][]AffectedEntity `json:"byDistance"`
	DirectByType  map[string]int64        `json:"directByType"`
}

// DependencyEntry is one inbound or outbound dependency.
type DependencyEntry struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Via      string `json:"via"`
}

// DependencyReport holds both directions with counts.
type DependencyReport struct {
	EntityID      string            `json:"entityId"`
	Inbound       []DependencyEntry `json:"inbound"`
	Outbound      []DependencyEntry `json:"outbound"`
	InboundCount  int               `json:"inboundCount"`
	OutboundCount int               `json:"outboundCount"`
}

// Path is one connection between two entities.
type Path struct {
	NodeIDs []string `json:"nodeIds"`
	Edges   []string `json:"edges"`
	Length  int      `json:"length"`
}

// EdgeStats is the cached fan-in/fan-out summary.
type EdgeStats struct {
	EntityID     string   `json:"entityId"`
	FanIn        int64    `json:"fanIn"`
	FanOut       int64    `json:"fanOut"`
	TopNeighbors []string `json:"topNeighbors"`
}

// Engine runs graph analysis queries.
type Engine struct {
	g       graph.Graph
	scope   *namespace.Scope
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine wires the analysis engine.
func NewEngine(g graph.Graph, scope *namespace.Scope, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{g: g, scope: scope, metrics: metrics, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// AnalyzeImpact walks incoming dependent edges from the entity and reports
// everything that transitively depends on it, grouped by distance.
func (e *Engine) AnalyzeImpact(ctx context.Context, entityID string, opts ImpactOptions) (*ImpactReport, error) {
	start := time.Now()
	report, err := e.analyzeImpact(ctx, entityID, opts)
	e.observe("analyzeImpact", start, err)
	return report, err
}

func (e *Engine) analyzeImpact(ctx context.Context, entityID string, opts ImpactOptions) (*ImpactReport, error) {
	id := e.scope.RequireEntityID(entityID)
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = 3
	}
	if depth > MaxImpactDepth {
		depth = MaxImpactDepth
	}
	types := opts.Types
	if len(types) == 0 {
		types = domain.DependentEdgeTypes
	}
	pattern, names, err := relPattern(types)
	if err != nil {
		return nil, err
	}

	results, err := e.g.RunTx(ctx, []graph.Query{
		{
			Text: fmt.Sprintf(`MATCH p = (t:Entity {id: $id})<-[%s*1..%d]-(affected:Entity)
			       WHERE ALL(r IN relationships(p) WHERE coalesce(r.active, true))
			       WITH affected, min(length(p)) AS distance
			       RETURN affected.id AS id, affected.name AS name,
			              affected.type AS type, distance
			       ORDER BY distance, id`, pattern, depth),
			Params: map[string]any{"id": id},
		},
		{
			Text: `MATCH (t:Entity {id: $id})<-[r]-()
			       WHERE type(r) IN $types AND coalesce(r.active, true)
			       RETURN type(r) AS relType, count(r) AS count`,
			Params: map[string]any{"id": id, "types": names},
		},
	})
	if err != nil {
		return nil, err
	}

	report := &ImpactReport{
		EntityID:     id,
		ByDistance:   map[int][]AffectedEntity{},
		DirectByType: map[string]int64{},
	}
	if len(results) > 0 {
		for _, row := range results[0] {
			affected := AffectedEntity{
				EntityID: str(row["id"]),
				Name:     str(row["name"]),
				Type:     str(row["type"]),
				Distance: num(row["distance"]),
			}
			report.ByDistance[affected.Distance] = append(report.ByDistance[affected.Distance], affected)
			report.TotalAffected++
		}
	}
	if len(results) > 1 {
		for _, row := range results[1] {
			if t := str(row["relType"]); t != "" {
				report.DirectByType[t] = num64(row["count"])
			}
		}
	}
	report.Severity = severity(report.TotalAffected, report.DirectByType)
	return report, nil
}

// severity grades the blast radius: breadth sets the base level and contract
// edges (IMPLEMENTS, EXTENDS) bump it one step.
func severity(total int, directByType map[string]int64) string {
	level := 0
	switch {
	case total >= 50:
		level = 3
	case total >= 20:
		level = 2
	case total >= 5:
		level = 1
	}
	if directByType[string(domain.RelImplements)] > 0 || directByType[string(domain.RelExtends)] > 0 {
		if level < 3 {
			level++
		}
	}
	return [...]string{"low", "medium", "high", "critical"}[level]
}

// GetEntityDependencies reports inbound and outbound dependency sets.
// direction is "in", "out", or "both".
func (e *Engine) GetEntityDependencies(ctx context.Context, entityID, direction string, depth int) (*DependencyReport, error) {
	start := time.Now()
	report, err := e.dependencies(ctx, entityID, direction, depth)
	e.observe("getEntityDependencies", start, err)
	return report, err
}

func (e *Engine) dependencies(ctx context.Context, entityID, direction string, depth int) (*DependencyReport, error) {
	id := e.scope.RequireEntityID(entityID)
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxImpactDepth {
		depth = MaxImpactDepth
	}
	pattern, _, err := relPattern(domain.DependentEdgeTypes)
	if err != nil {
		return nil, err
	}
	report := &DependencyReport{EntityID: id}

	var queries []graph.Query
	wantIn := direction == "in" || direction == "both" || direction == ""
	wantOut := direction == "out" || direction == "both" || direction == ""
	if wantIn {
		queries = append(queries, graph.Query{
			Text: fmt.Sprintf(`MATCH p = (t:Entity {id: $id})<-[%s*1..%d]-(dep:Entity)
			       WITH dep, [r IN relationships(p) | type(r)][0] AS via
			       RETURN DISTINCT dep.id AS id, dep.name AS name, dep.type AS type, via`, pattern, depth),
			Params: map[string]any{"id": id},
		})
	}
	if wantOut {
		queries = append(queries, graph.Query{
			Text: fmt.Sprintf(`MATCH p = (t:Entity {id: $id})-[%s*1..%d]->(dep:Entity)
			       WITH dep, [r IN relationships(p) | type(r)][0] AS via
			       RETURN DISTINCT dep.id AS id, dep.name AS name, dep.type AS type, via`, pattern, depth),
			Params: map[string]any{"id": id},
		})
	}
	if len(queries) == 0 {
		return nil, errors.Validation(errors.CodeValidationFailed, "direction must be in, out, or both").
			WithDetails("direction %q", direction).WithComponent("analysis").Build()
	}

	results, err := e.g.RunTx(ctx, queries)
	if err != nil {
		return nil, err
	}
	idx := 0
	if wantIn {
		report.Inbound = dependencyEntries(results[idx])
		report.InboundCount = len(report.Inbound)
		idx++
	}
	if wantOut && idx < len(results) {
		report.Outbound = dependencyEntries(results[idx])
		report.OutboundCount = len(report.Outbound)
	}
	return report, nil
}

// FindPaths returns connections between two entities, shortest first, up to
// a bounded count.
func (e *Engine) FindPaths(ctx context.Context, from, to string, maxDepth int, types []domain.RelationshipType) ([]Path, error) {
	start := time.Now()
	paths, err := e.findPaths(ctx, from, to, maxDepth, types)
	e.observe("findPaths", start, err)
	return paths, err
}

func (e *Engine) findPaths(ctx context.Context, from, to string, maxDepth int, types []domain.RelationshipType) ([]Path, error) {
	if maxDepth <= 0 {
		maxDepth = 4
	}
	if maxDepth > MaxImpactDepth {
		maxDepth = MaxImpactDepth
	}
	if len(types) == 0 {
		types = domain.DependentEdgeTypes
	}
	pattern, _, err := relPattern(types)
	if err != nil {
		return nil, err
	}

	rows, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH p = (a:Entity {id: $from})-[%s*1..%d]->(b:Entity {id: $to})
		       RETURN [n IN nodes(p) | n.id] AS nodeIds,
		              [r IN relationships(p) | type(r)] AS edges,
		              length(p) AS len
		       ORDER BY len
		       LIMIT $maxPaths`, pattern, maxDepth),
		Params: map[string]any{
			"from":     e.scope.RequireEntityID(from),
			"to":       e.scope.RequireEntityID(to),
			"maxPaths": maxPathResults,
		},
	})
	if err != nil {
		return nil, err
	}
	paths := make([]Path, 0, len(rows))
	for _, row := range rows {
		paths = append(paths, Path{
			NodeIDs: strSlice(row["nodeIds"]),
			Edges:   strSlice(row["edges"]),
			Length:  num(row["len"]),
		})
	}
	return paths, nil
}

// ComputeAndStoreEdgeStats caches fan-in, fan-out, and the top neighbors on
// the entity so hot reads skip the aggregate queries.
func (e *Engine) ComputeAndStoreEdgeStats(ctx context.Context, entityID string) (*EdgeStats, error) {
	start := time.Now()
	stats, err := e.computeEdgeStats(ctx, entityID)
	e.observe("computeAndStoreEdgeStats", start, err)
	return stats, err
}

func (e *Engine) computeEdgeStats(ctx context.Context, entityID string) (*EdgeStats, error) {
	id := e.scope.RequireEntityID(entityID)
	results, err := e.g.RunTx(ctx, []graph.Query{
		{
			Text: `MATCH (n:Entity {id: $id})
			       OPTIONAL MATCH (n)<-[inc]-()
			       WITH n, count(inc) AS fanIn
			       OPTIONAL MATCH (n)-[out]->()
			       RETURN fanIn, count(out) AS fanOut`,
			Params: map[string]any{"id": id},
		},
		{
			Text: `MATCH (n:Entity {id: $id})-[r]-(neighbor:Entity)
			       RETURN neighbor.id AS id, sum(coalesce(r.occurrencesTotal, 1)) AS weight
			       ORDER BY weight DESC
			       LIMIT $k`,
			Params: map[string]any{"id": id, "k": topNeighborCount},
		},
	})
	if err != nil {
		return nil, err
	}

	stats := &EdgeStats{EntityID: id}
	if len(results) > 0 && len(results[0]) > 0 {
		stats.FanIn = num64(results[0][0]["fanIn"])
		stats.FanOut = num64(results[0][0]["fanOut"])
	}
	if len(results) > 1 {
		for _, row := range results[1] {
			if nid := str(row["id"]); nid != "" {
				stats.TopNeighbors = append(stats.TopNeighbors, nid)
			}
		}
	}

	_, err = e.g.Run(ctx, graph.Query{
		Text: `MATCH (n:Entity {id: $id})
		       SET n.fanIn = $fanIn, n.fanOut = $fanOut,
		           n.topNeighbors = $topNeighbors, n.edgeStatsUpdated = $now`,
		Params: map[string]any{
			"id": id, "fanIn": stats.FanIn, "fanOut": stats.FanOut,
			"topNeighbors": stats.TopNeighbors,
			"now":          domain.FormatTime(e.now()),
		},
		Write: true,
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics != nil {
		e.metrics.ObserveOp("analysis", op, start, err)
	}
}

// relPattern renders ":CALLS|USES|..." after closed-set validation.
func relPattern(types []domain.RelationshipType) (string, []string, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return "", nil, errors.Validation(errors.CodeRelationshipInvalid, "unknown relationship type").
				WithDetails("type %q", t).WithComponent("analysis").Build()
		}
		names = append(names, string(t))
	}
	return ":" + strings.Join(names, "|"), names, nil
}

func dependencyEntries(rows []graph.Record) []DependencyEntry {
	out := make([]DependencyEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, DependencyEntry{
			EntityID: str(row["id"]),
			Name:     str(row["name"]),
			Type:     str(row["type"]),
			Via:      str(row["via"]),
		})
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
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

func num64(v any) int64 {
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

func strSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
