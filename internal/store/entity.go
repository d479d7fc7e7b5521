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

// EntityListOptions filter and page a listing.
type EntityListOptions struct {
	Type         domain.EntityType
	PathPrefix   string
	NameContains string
	Limit        int
	Offset       int
	OrderBy      string // name | path | created | lastModified | id
	OrderDir     string // asc | desc
}

// EntityListResult is one page plus the total matching count.
type EntityListResult struct {
	Items []*domain.Entity `json:"items"`
	Total int64            `json:"total"`
}

// BulkCreateOptions control conflict handling during bulk ingestion.
type BulkCreateOptions struct {
	SkipExisting   bool
	UpdateExisting bool
}

// BulkCreateResult reports per-row outcomes of a bulk write.
type BulkCreateResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// EntityStats is the aggregate entity census.
type EntityStats struct {
	Total            int64            `json:"total"`
	ByType           map[string]int64 `json:"byType"`
	RecentlyModified int64            `json:"recentlyModified"`
}

// EntityStore persists graph nodes. All ids are namespace-qualified on the
// way in; stored ids keep the prefix.
type EntityStore struct {
	g       graph.Graph
	scope   *namespace.Scope
	bus     *observability.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewEntityStore wires an entity store over the graph backend.
func NewEntityStore(g graph.Graph, scope *namespace.Scope, bus *observability.Bus, metrics *observability.Metrics, logger *zap.Logger) *EntityStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityStore{g: g, scope: scope, bus: bus, metrics: metrics, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create persists the entity, assigning timestamps when absent and attaching
// the labels derived from its type. Creating an id that already exists
// updates it in place.
func (s *EntityStore) Create(ctx context.Context, e *domain.Entity) (*domain.Entity, error) {
	start := time.Now()
	ent, err := s.create(ctx, e)
	s.observe("create", start, err)
	return ent, err
}

func (s *EntityStore) create(ctx context.Context, e *domain.Entity) (*domain.Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	e.ID = s.scope.RequireEntityID(e.ID)
	e.Touch(now)

	_, err := s.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MERGE (n:Entity {id: $id})
		       SET n += $props
		       SET n%s`, labelFragment(e.Labels())),
		Params: map[string]any{"id": e.ID, "props": entityProps(e)},
		Write:  true,
	})
	if err != nil {
		return nil, err
	}
	s.emit(observability.EventEntityCreated, e.ID, string(e.Type))
	return e, nil
}

// Update merges scalar fields from patch into the stored entity. The id is
// immutable; patching it fails validation before any write.
func (s *EntityStore) Update(ctx context.Context, id string, patch map[string]any) (*domain.Entity, error) {
	start := time.Now()
	ent, err := s.update(ctx, id, patch)
	s.observe("update", start, err)
	return ent, err
}

func (s *EntityStore) update(ctx context.Context, id string, patch map[string]any) (*domain.Entity, error) {
	id = s.scope.RequireEntityID(id)
	if raw, ok := patch["id"]; ok && s.scope.RequireEntityID(asString(raw)) != id {
		return nil, errors.Validation(errors.CodeEntityIDImmutable, "entity id cannot be changed").
			WithResource("entity").WithOperation("update").Build()
	}

	props := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		if k == "id" || k == "created" {
			continue
		}
		props[k] = encodeValue(v)
	}
	props["lastModified"] = domain.FormatTime(s.now())

	rows, err := s.g.Run(ctx, graph.Query{
		Text: `MATCH (n:Entity {id: $id})
		       SET n += $props
		       RETURN n`,
		Params: map[string]any{"id": id, "props": props},
		Write:  true,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NotFound(errors.CodeEntityNotFound, "entity not found").
			WithDetails("id %s", id).WithResource("entity").WithOperation("update").Build()
	}
	ent := entityFromRow(rows[0], "n")
	s.emit(observability.EventEntityUpdated, id, string(ent.Type))
	return ent, nil
}

// Get returns the entity or nil when absent.
func (s *EntityStore) Get(ctx context.Context, id string) (*domain.Entity, error) {
	rows, err := s.g.Run(ctx, graph.Query{
		Text:   `MATCH (n:Entity {id: $id}) RETURN n`,
		Params: map[string]any{"id": s.scope.RequireEntityID(id)},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return entityFromRow(rows[0], "n"), nil
}

// Delete removes the entity and detaches every incident edge.
func (s *EntityStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	id = s.scope.RequireEntityID(id)
	_, err := s.g.Run(ctx, graph.Query{
		Text:   `MATCH (n:Entity {id: $id}) DETACH DELETE n`,
		Params: map[string]any{"id": id},
		Write:  true,
	})
	s.observe("delete", start, err)
	if err != nil {
		return err
	}
	s.emit(observability.EventEntityDeleted, id, "")
	return nil
}

// List pages entities by filter. The total is computed alongside the page in
// one transaction so the two always agree.
func (s *EntityStore) List(ctx context.Context, opts EntityListOptions) (*EntityListResult, error) {
	where, params := entityListPredicate(opts)
	orderBy, orderDir, err := listOrder(opts.OrderBy, opts.OrderDir)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	params["limit"] = limit
	params["offset"] = opts.Offset

	results, err := s.g.RunTx(ctx, []graph.Query{
		{
			Text:   fmt.Sprintf(`MATCH (n:Entity) %s RETURN count(n) AS total`, where),
			Params: params,
		},
		{
			Text: fmt.Sprintf(`MATCH (n:Entity) %s
			       RETURN n
			       ORDER BY n.%s %s
			       SKIP $offset LIMIT $limit`, where, orderBy, orderDir),
			Params: params,
		},
	})
	if err != nil {
		return nil, err
	}

	out := &EntityListResult{}
	if len(results) > 0 && len(results[0]) > 0 {
		out.Total = asInt64(results[0][0]["total"])
	}
	if len(results) > 1 {
		out.Items = make([]*domain.Entity, 0, len(results[1]))
		for _, row := range results[1] {
			out.Items = append(out.Items, entityFromRow(row, "n"))
		}
	}
	return out, nil
}

// BulkCreate writes entities with UNWIND batching, one statement per entity
// type so each group carries the right labels. A failed batch reports every
// row as failed rather than leaving a silent partial write.
func (s *EntityStore) BulkCreate(ctx context.Context, entities []*domain.Entity, opts BulkCreateOptions) (*BulkCreateResult, error) {
	start := time.Now()
	res, err := s.bulkCreate(ctx, entities, opts)
	s.observe("bulkCreate", start, err)
	return res, err
}

func (s *EntityStore) bulkCreate(ctx context.Context, entities []*domain.Entity, opts BulkCreateOptions) (*BulkCreateResult, error) {
	if len(entities) == 0 {
		return &BulkCreateResult{}, nil
	}
	now := s.now()
	byType := make(map[domain.EntityType][]*domain.Entity)
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return &BulkCreateResult{Failed: len(entities)}, err
		}
		e.ID = s.scope.RequireEntityID(e.ID)
		e.Touch(now)
		byType[e.Type] = append(byType[e.Type], e)
	}

	onMatch := `ON MATCH SET n.lastModified = row.props.lastModified`
	switch {
	case opts.UpdateExisting:
		onMatch = `ON MATCH SET n += row.props`
	case opts.SkipExisting:
		onMatch = ``
	}

	queries := make([]graph.Query, 0, len(byType))
	types := make([]domain.EntityType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		group := byType[t]
		rows := make([]map[string]any, 0, len(group))
		for _, e := range group {
			rows = append(rows, map[string]any{"id": e.ID, "props": entityProps(e)})
		}
		labels := labelFragment(group[0].Labels())
		queries = append(queries, graph.Query{
			Text: fmt.Sprintf(`UNWIND $rows AS row
			       MERGE (n:Entity {id: row.id})
			       ON CREATE SET n += row.props, n.__new = true
			       %s
			       SET n%s
			       WITH n, coalesce(n.__new, false) AS created
			       REMOVE n.__new
			       RETURN sum(CASE WHEN created THEN 1 ELSE 0 END) AS created,
			              sum(CASE WHEN created THEN 0 ELSE 1 END) AS matched`, onMatch, labels),
			Params: map[string]any{"rows": rows},
			Write:  true,
		})
	}

	results, err := s.g.RunTx(ctx, queries)
	if err != nil {
		return &BulkCreateResult{Failed: len(entities)},
			errors.Internal(errors.CodeBulkWriteFailed, "bulk entity write failed").
				WithComponent("entity-store").WithCause(err).Build()
	}

	out := &BulkCreateResult{}
	for _, rows := range results {
		if len(rows) == 0 {
			continue
		}
		out.Created += int(asInt64(rows[0]["created"]))
		if opts.UpdateExisting {
			out.Updated += int(asInt64(rows[0]["matched"]))
		}
	}
	s.emit(observability.EventEntityCreated, "", "")
	return out, nil
}

// Stats returns the census: total nodes, counts by type, and nodes modified
// within the last seven days.
func (s *EntityStore) Stats(ctx context.Context) (*EntityStats, error) {
	cutoff := domain.FormatTime(s.now().AddDate(0, 0, -7))
	results, err := s.g.RunTx(ctx, []graph.Query{
		{Text: `MATCH (n:Entity) RETURN count(n) AS total`},
		{Text: `MATCH (n:Entity) RETURN n.type AS type, count(n) AS count`},
		{
			Text:   `MATCH (n:Entity) WHERE n.lastModified >= $cutoff RETURN count(n) AS recent`,
			Params: map[string]any{"cutoff": cutoff},
		},
	})
	if err != nil {
		return nil, err
	}
	stats := &EntityStats{ByType: map[string]int64{}}
	if len(results) > 0 && len(results[0]) > 0 {
		stats.Total = asInt64(results[0][0]["total"])
	}
	if len(results) > 1 {
		for _, row := range results[1] {
			if t := asString(row["type"]); t != "" {
				stats.ByType[t] = asInt64(row["count"])
			}
		}
	}
	if len(results) > 2 && len(results[2]) > 0 {
		stats.RecentlyModified = asInt64(results[2][0]["recent"])
	}
	return stats, nil
}

func (s *EntityStore) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOp("entity-store", op, start, err)
	}
}

func (s *EntityStore) emit(message, id, entityType string) {
	if s.bus == nil {
		return
	}
	data := map[string]any{}
	if id != "" {
		data["entityId"] = id
	}
	if entityType != "" {
		data["entityType"] = entityType
	}
	s.bus.Emit("entity-store", "info", message, data)
}

// labelFragment renders ":Entity:Symbol:Function" from a label list. Labels
// come from the closed Labels() derivation, never from callers.
func labelFragment(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteByte(':')
		b.WriteString(l)
	}
	return b.String()
}

// entityProps flattens an entity into the stored property map.
func entityProps(e *domain.Entity) map[string]any {
	props := map[string]any{
		"id":           e.ID,
		"type":         string(e.Type),
		"created":      domain.FormatTime(e.Created),
		"lastModified": domain.FormatTime(e.LastModified),
	}
	setIf := func(key, val string) {
		if val != "" {
			props[key] = val
		}
	}
	setIf("path", e.Path)
	setIf("language", e.Language)
	setIf("hash", e.Hash)
	setIf("name", e.Name)
	setIf("signature", e.Signature)
	setIf("docstring", e.Docstring)
	setIf("content", e.Content)
	if e.Line > 0 {
		props["line"] = e.Line
	}
	if e.Column > 0 {
		props["column"] = e.Column
	}
	for k, v := range e.Props {
		if _, reserved := reservedEntityKeys[k]; reserved {
			continue
		}
		props[k] = encodeValue(v)
	}
	return props
}

// entityFromRow rebuilds an entity from an unwrapped node record.
func entityFromRow(row graph.Record, key string) *domain.Entity {
	node, ok := row[key].(map[string]any)
	if !ok {
		return nil
	}
	props, _ := node["properties"].(map[string]any)
	return entityFromProps(props)
}

func entityFromProps(props map[string]any) *domain.Entity {
	e := &domain.Entity{
		ID:           asString(props["id"]),
		Type:         domain.EntityType(asString(props["type"])),
		Created:      parseTime(props["created"]),
		LastModified: parseTime(props["lastModified"]),
		Path:         asString(props["path"]),
		Language:     asString(props["language"]),
		Hash:         asString(props["hash"]),
		Name:         asString(props["name"]),
		Signature:    asString(props["signature"]),
		Docstring:    asString(props["docstring"]),
		Content:      asString(props["content"]),
		Line:         asInt(props["line"]),
		Column:       asInt(props["column"]),
	}
	for k, v := range props {
		if _, reserved := reservedEntityKeys[k]; reserved {
			continue
		}
		if e.Props == nil {
			e.Props = map[string]any{}
		}
		e.Props[k] = decodeValue(v)
	}
	return e
}

func entityListPredicate(opts EntityListOptions) (string, map[string]any) {
	var clauses []string
	params := map[string]any{}
	if opts.Type != "" {
		clauses = append(clauses, "n.type = $type")
		params["type"] = string(opts.Type)
	}
	if opts.PathPrefix != "" {
		clauses = append(clauses, "n.path STARTS WITH $pathPrefix")
		params["pathPrefix"] = opts.PathPrefix
	}
	if opts.NameContains != "" {
		clauses = append(clauses, "n.name CONTAINS $nameContains")
		params["nameContains"] = opts.NameContains
	}
	if len(clauses) == 0 {
		return "", params
	}
	return "WHERE " + strings.Join(clauses, " AND "), params
}

var listOrderColumns = map[string]struct{}{
	"name": {}, "path": {}, "created": {}, "lastModified": {}, "id": {},
}

func listOrder(orderBy, orderDir string) (string, string, error) {
	if orderBy == "" {
		orderBy = "lastModified"
	}
	if _, ok := listOrderColumns[orderBy]; !ok {
		return "", "", errors.Validation(errors.CodeValidationFailed, "unsupported order column").
			WithDetails("orderBy %q", orderBy).Build()
	}
	switch strings.ToLower(orderDir) {
	case "", "desc":
		return orderBy, "DESC", nil
	case "asc":
		return orderBy, "ASC", nil
	default:
		return "", "", errors.Validation(errors.CodeValidationFailed, "order direction must be asc or desc").
			WithDetails("orderDir %q", orderDir).Build()
	}
}
