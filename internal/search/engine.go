// Package search implements structural, semantic, and hybrid retrieval over
// the code graph, fronted by a TTL LRU cache.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/observability"
	"codegraph-backend/internal/vector"
)

// Strategy selects how a query is answered.
type Strategy string

const (
	StrategyAuto       Strategy = ""
	StrategyStructural Strategy = "structural"
	StrategySemantic   Strategy = "semantic"
	StrategyHybrid     Strategy = "hybrid"
)

// structuralBoost favors exact structural hits when merging hybrid halves.
const structuralBoost = 1.2

// Request is one search invocation.
type Request struct {
	Query    string
	Strategy Strategy
	Limit    int
	Fuzzy    bool
	// Filter narrows results: type, language, pathPrefix.
	Filter   map[string]string
	MinScore float64
}

// Result is one ranked hit.
type Result struct {
	EntityID string  `json:"entityId"`
	Name     string  `json:"name,omitempty"`
	Path     string  `json:"path,omitempty"`
	Type     string  `json:"type,omitempty"`
	Score    float64 `json:"score"`
	Source   string  `json:"source"` // structural | semantic | hybrid
}

// Example is one usage site of an entity.
type Example struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
	Path     string `json:"path,omitempty"`
	Via      string `json:"via"`
	Snippet  string `json:"snippet,omitempty"`
}

// Engine answers search requests against the graph and the vector store.
type Engine struct {
	g        graph.Graph
	vectors  *vector.Store
	embedder vector.Embedder
	scope    *namespace.Scope
	cfg      config.SearchConfig
	cache    *resultCache
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewEngine wires the search engine. embedder may be nil, which disables the
// semantic half; hybrid requests then degrade to structural.
func NewEngine(g graph.Graph, vectors *vector.Store, embedder vector.Embedder, scope *namespace.Scope, cfg config.SearchConfig, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		g:        g,
		vectors:  vectors,
		embedder: embedder,
		scope:    scope,
		cfg:      cfg,
		cache:    newResultCache(cfg.CacheSize, cfg.CacheTTL),
		metrics:  metrics,
		logger:   logger,
	}
}

// Search routes the request to a strategy, consulting the cache first.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.Validation(errors.CodeValidationFailed, "search query is required").
			WithComponent("search").Build()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if limit <= 0 {
		limit = 50
	}
	strategy := req.Strategy
	if strategy == StrategyAuto {
		strategy = route(req)
	}

	key := requestKey(req, strategy, limit)
	if cached, ok := e.cache.get(key); ok {
		e.countCache(true)
		return cached, nil
	}
	e.countCache(false)

	start := time.Now()
	var results []Result
	var err error
	switch strategy {
	case StrategyStructural:
		results, err = e.structural(ctx, req, limit)
	case StrategySemantic:
		results, err = e.semantic(ctx, req, limit)
	case StrategyHybrid:
		results, err = e.hybrid(ctx, req, limit)
	default:
		err = errors.Validation(errors.CodeValidationFailed, "unknown search strategy").
			WithDetails("strategy %q", strategy).WithComponent("search").Build()
	}
	if e.metrics != nil {
		e.metrics.ObserveOp("search", string(strategy), start, err)
	}
	if err != nil {
		return nil, err
	}
	e.cache.put(key, results)
	return results, nil
}

// Invalidate drops cached results whose key satisfies the predicate; nil
// clears everything. Returns how many entries were dropped.
func (e *Engine) Invalidate(predicate func(key string) bool) int {
	return e.cache.invalidate(predicate)
}

// AutoInvalidate clears the cache whenever a mutation event appears on the
// bus, until ctx is cancelled.
func (e *Engine) AutoInvalidate(ctx context.Context, bus *observability.Bus) {
	events := bus.Subscribe(ctx)
	go func() {
		for ev := range events {
			switch ev.Message {
			case observability.EventEntityCreated, observability.EventEntityUpdated,
				observability.EventEntityDeleted, observability.EventEdgeUpserted,
				observability.EventEdgeDeleted:
				e.cache.invalidate(nil)
			}
		}
	}()
}

// CacheStats exposes hit/miss counts for the telemetry surface.
func (e *Engine) CacheStats() (hits, misses int64, size int) {
	return e.cache.stats()
}

// route picks a strategy for auto requests: path-shaped queries and highly
// constrained filters go structural, natural language goes hybrid.
func route(req Request) Strategy {
	if strings.ContainsAny(req.Query, "/:") {
		return StrategyStructural
	}
	if len(req.Filter) > 2 {
		return StrategyStructural
	}
	return StrategyHybrid
}

func (e *Engine) structural(ctx context.Context, req Request, limit int) ([]Result, error) {
	if req.Fuzzy {
		return e.fuzzyStructural(ctx, req, limit)
	}
	where, params := structuralPredicate(req)
	params["limit"] = limit
	rows, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (n:Entity)
		       WHERE (n.name CONTAINS $q OR n.path CONTAINS $q OR n.id CONTAINS $q)%s
		       RETURN n.id AS id, n.name AS name, n.path AS path, n.type AS type
		       LIMIT $limit`, where),
		Params: params,
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		r := resultFromRow(row, "structural")
		r.Score = structuralScore(req.Query, r)
		if r.Score >= req.MinScore {
			results = append(results, r)
		}
	}
	sortResults(results)
	return results, nil
}

// fuzzyStructural pulls name candidates within an edit-distance-plausible
// length window and ranks by Levenshtein similarity.
func (e *Engine) fuzzyStructural(ctx context.Context, req Request, limit int) ([]Result, error) {
	threshold := e.cfg.FuzzyThreshold
	if threshold <= 0 {
		threshold = 0.6
	}
	where, params := structuralPredicate(req)
	qLen := len(req.Query)
	// similarity >= threshold bounds the length difference.
	slack := int(float64(qLen) * (1 - threshold))
	if slack < 2 {
		slack = 2
	}
	params["minLen"] = qLen - slack
	params["maxLen"] = qLen + slack
	params["candidateLimit"] = limit * 20

	rows, err := e.g.Run(ctx, graph.Query{
		Text: fmt.Sprintf(`MATCH (n:Entity)
		       WHERE n.name IS NOT NULL
		         AND size(n.name) >= $minLen AND size(n.name) <= $maxLen%s
		       RETURN n.id AS id, n.name AS name, n.path AS path, n.type AS type
		       LIMIT $candidateLimit`, where),
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, limit)
	for _, row := range rows {
		r := resultFromRow(row, "structural")
		sim := similarity(req.Query, r.Name)
		if sim < threshold || sim < req.MinScore {
			continue
		}
		r.Score = sim
		results = append(results, r)
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (e *Engine) semantic(ctx context.Context, req Request, limit int) ([]Result, error) {
	if e.embedder == nil || e.vectors == nil {
		return nil, errors.Unavailable(errors.CodeEmbeddingUnavailable, "semantic search requires an embedder").
			WithComponent("search").Build()
	}
	vec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeEmbeddingUnavailable, "query embedding failed").
			WithComponent("search").WithCause(err).Build()
	}
	filter := map[string]string{}
	if t := req.Filter["type"]; t != "" {
		filter["nodeType"] = t
	}
	if l := req.Filter["language"]; l != "" {
		filter["language"] = l
	}
	hits, err := e.vectors.Search(ctx, vec, vector.SearchOptions{
		Limit:    limit,
		MinScore: req.MinScore,
		Filter:   filter,
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		r := Result{
			EntityID: hit.EntityID,
			Score:    hit.Score,
			Source:   "semantic",
		}
		if name, ok := hit.Metadata["name"].(string); ok {
			r.Name = name
		}
		if path, ok := hit.Metadata["path"].(string); ok {
			r.Path = path
		}
		if t, ok := hit.Metadata["nodeType"].(string); ok {
			r.Type = t
		}
		if prefix := req.Filter["pathPrefix"]; prefix != "" && !strings.HasPrefix(r.Path, prefix) {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// hybrid runs both halves in parallel with half the limit each, merges by
// entity id, averages shared scores, and boosts structural-only hits.
func (e *Engine) hybrid(ctx context.Context, req Request, limit int) ([]Result, error) {
	half := (limit + 1) / 2
	var structuralHits, semanticHits []Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.structural(gctx, req, half)
		structuralHits = hits
		return err
	})
	g.Go(func() error {
		hits, err := e.semantic(gctx, req, half)
		if err != nil {
			// Hybrid degrades to structural when embeddings are down.
			if errors.CodeOf(err) == errors.CodeEmbeddingUnavailable {
				e.logger.Warn("semantic half unavailable, degrading to structural",
					zap.Error(err))
				return nil
			}
			return err
		}
		semanticHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]Result, len(structuralHits)+len(semanticHits))
	for _, r := range structuralHits {
		merged[r.EntityID] = r
	}
	for _, sem := range semanticHits {
		if structural, ok := merged[sem.EntityID]; ok {
			structural.Score = (structural.Score + sem.Score) / 2
			structural.Source = "hybrid"
			merged[sem.EntityID] = structural
			continue
		}
		merged[sem.EntityID] = sem
	}
	results := make([]Result, 0, len(merged))
	for _, r := range merged {
		if r.Source == "structural" {
			r.Score *= structuralBoost
		}
		results = append(results, r)
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FindSymbolsByName looks up symbols by exact or fuzzy name.
func (e *Engine) FindSymbolsByName(ctx context.Context, name string, fuzzy bool, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	if fuzzy {
		return e.fuzzyStructural(ctx, Request{Query: name, Fuzzy: true}, limit)
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (n:Symbol)
		       WHERE n.name = $name OR n.name CONTAINS $name
		       RETURN n.id AS id, n.name AS name, n.path AS path, n.type AS type
		       ORDER BY CASE WHEN n.name = $name THEN 0 ELSE 1 END, n.name
		       LIMIT $limit`,
		Params: map[string]any{"name": name, "limit": limit},
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		r := resultFromRow(row, "structural")
		r.Score = structuralScore(name, r)
		results = append(results, r)
	}
	return results, nil
}

// FindNearbySymbols returns symbols in the file whose line falls within
// the range around the position, ordered by distance.
func (e *Engine) FindNearbySymbols(ctx context.Context, filePath string, line, lineRange, limit int) ([]Result, error) {
	if lineRange <= 0 {
		lineRange = 50
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (n:Symbol)
		       WHERE n.path = $path AND n.line >= $lo AND n.line <= $hi
		       RETURN n.id AS id, n.name AS name, n.path AS path, n.type AS type, n.line AS line
		       ORDER BY abs(n.line - $line)
		       LIMIT $limit`,
		Params: map[string]any{
			"path": filePath, "line": line,
			"lo": line - lineRange, "hi": line + lineRange,
			"limit": limit,
		},
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		r := resultFromRow(row, "structural")
		dist := line - intFromAny(row["line"])
		if dist < 0 {
			dist = -dist
		}
		r.Score = 1 - float64(dist)/float64(lineRange+1)
		results = append(results, r)
	}
	return results, nil
}

// PatternSearch matches names and paths by regex, or by glob translated to
// regex.
func (e *Engine) PatternSearch(ctx context.Context, pattern, kind string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	re := pattern
	if kind == "glob" {
		re = globToRegex(pattern)
	}
	if _, err := regexp.Compile(re); err != nil {
		return nil, errors.Validation(errors.CodeValidationFailed, "invalid search pattern").
			WithDetails("pattern %q", pattern).WithCause(err).WithComponent("search").Build()
	}
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (n:Entity)
		       WHERE n.name =~ $re OR n.path =~ $re
		       RETURN n.id AS id, n.name AS name, n.path AS path, n.type AS type
		       LIMIT $limit`,
		Params: map[string]any{"re": re, "limit": limit},
	})
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		r := resultFromRow(row, "structural")
		r.Score = 1
		results = append(results, r)
	}
	return results, nil
}

// GetEntityExamples returns up to five usage sites of the entity with
// evidence snippets.
func (e *Engine) GetEntityExamples(ctx context.Context, entityID string) ([]Example, error) {
	rows, err := e.g.Run(ctx, graph.Query{
		Text: `MATCH (caller:Entity)-[r:CALLS|USES|REFERENCES]->(t:Entity {id: $id})
		       RETURN caller.id AS id, caller.name AS name, caller.path AS path,
		              type(r) AS via, r.evidence AS evidence
		       ORDER BY r.occurrencesTotal DESC
		       LIMIT 5`,
		Params: map[string]any{"id": e.scope.RequireEntityID(entityID)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Example, 0, len(rows))
	for _, row := range rows {
		ex := Example{
			EntityID: stringFromAny(row["id"]),
			Name:     stringFromAny(row["name"]),
			Path:     stringFromAny(row["path"]),
			Via:      stringFromAny(row["via"]),
			Snippet:  snippetFromEvidence(row["evidence"]),
		}
		out = append(out, ex)
	}
	return out, nil
}

func (e *Engine) countCache(hit bool) {
	if e.metrics == nil {
		return
	}
	if hit {
		e.metrics.CacheHits.WithLabelValues("search").Inc()
	} else {
		e.metrics.CacheMisses.WithLabelValues("search").Inc()
	}
}

func structuralPredicate(req Request) (string, map[string]any) {
	var clauses []string
	params := map[string]any{"q": req.Query}
	if t := req.Filter["type"]; t != "" {
		clauses = append(clauses, "n.type = $ftype")
		params["ftype"] = t
	}
	if l := req.Filter["language"]; l != "" {
		clauses = append(clauses, "n.language = $flang")
		params["flang"] = l
	}
	if p := req.Filter["pathPrefix"]; p != "" {
		clauses = append(clauses, "n.path STARTS WITH $fpath")
		params["fpath"] = p
	}
	if len(clauses) == 0 {
		return "", params
	}
	return " AND " + strings.Join(clauses, " AND "), params
}

func structuralScore(query string, r Result) float64 {
	switch {
	case r.Name == query || r.Path == query || r.EntityID == query:
		return 1.0
	case strings.Contains(r.Name, query):
		return 0.8
	default:
		return 0.6
	}
}

// similarity normalizes edit distance by the longer rune count; the
// distance itself is rune-based, so byte length would overweight
// multibyte names.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntityID < results[j].EntityID
	})
}

func resultFromRow(row graph.Record, source string) Result {
	return Result{
		EntityID: stringFromAny(row["id"]),
		Name:     stringFromAny(row["name"]),
		Path:     stringFromAny(row["path"]),
		Type:     stringFromAny(row["type"]),
		Source:   source,
	}
}

func requestKey(req Request, strategy Strategy, limit int) string {
	parts := map[string]string{
		"q":        req.Query,
		"strategy": string(strategy),
		"limit":    strconv.Itoa(limit),
		"fuzzy":    strconv.FormatBool(req.Fuzzy),
		"minScore": strconv.FormatFloat(req.MinScore, 'f', -1, 64),
	}
	for k, v := range req.Filter {
		parts["f."+k] = v
	}
	return cacheKey(parts)
}

// globToRegex translates a glob into an anchored regex: * matches any run,
// ? one character, everything else literally.
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}

func snippetFromEvidence(v any) string {
	raw, ok := v.(string)
	if !ok || raw == "" {
		return ""
	}
	var observations []map[string]any
	if err := json.Unmarshal([]byte(raw), &observations); err != nil || len(observations) == 0 {
		return ""
	}
	first := observations[0]
	if snippet, _ := first["snippet"].(string); snippet != "" {
		return snippet
	}
	file, _ := first["file"].(string)
	line, _ := first["line"].(float64)
	if file == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, int(line))
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func intFromAny(v any) int {
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
