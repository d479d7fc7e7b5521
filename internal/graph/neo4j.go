package graph

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/observability"
)

// Store is the Neo4j-backed Graph implementation. One session is opened per
// call so session-specific failures never leak across operations; the
// driver owns the connection pool.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
	bus      *observability.Bus
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewStore connects to the configured Neo4j instance and verifies
// connectivity.
func NewStore(ctx context.Context, cfg config.GraphConfig, bus *observability.Bus, metrics *observability.Metrics, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
			c.MaxTransactionRetryTime = cfg.TxRetryBudget
		},
	)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeConnectionFailed, "cannot create graph driver").
			WithComponent("graph-store").WithCause(err).Build()
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, errors.Unavailable(errors.CodeConnectionFailed, "graph store unreachable").
			WithComponent("graph-store").WithCause(err).Build()
	}
	return &Store{
		driver:   driver,
		database: cfg.Database,
		timeout:  cfg.QueryTimeout,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Name implements observability.ReadinessChecker.
func (s *Store) Name() string { return "graph-store" }

// Ready implements observability.ReadinessChecker.
func (s *Store) Ready(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Run executes one parameterized statement inside a managed transaction.
func (s *Store) Run(ctx context.Context, q Query) ([]Record, error) {
	rows, err := s.runInSession(ctx, q)
	if err != nil {
		return nil, s.queryError("Run", q, err)
	}
	return rows, nil
}

// RunTx executes queries atomically in a single write transaction.
func (s *Store) RunTx(ctx context.Context, queries []Query) ([][]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer s.closeSession(ctx, session)

	start := time.Now()
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		all := make([][]Record, 0, len(queries))
		for _, q := range queries {
			rows, err := collect(ctx, tx, q)
			if err != nil {
				return nil, err
			}
			all = append(all, rows)
		}
		return all, nil
	})
	if s.metrics != nil {
		s.metrics.ObserveOp("graph-store", "RunTx", start, err)
	}
	if err != nil {
		return nil, s.queryError("RunTx", Query{Text: fmt.Sprintf("<tx of %d queries>", len(queries))}, err)
	}
	return result.([][]Record), nil
}

func (s *Store) runInSession(ctx context.Context, q Query) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	mode := neo4j.AccessModeRead
	if q.Write {
		mode = neo4j.AccessModeWrite
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   mode,
	})
	defer s.closeSession(ctx, session)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		return collect(ctx, tx, q)
	}

	start := time.Now()
	var result any
	var err error
	if q.Write {
		result, err = session.ExecuteWrite(ctx, work)
	} else {
		result, err = session.ExecuteRead(ctx, work)
	}
	if s.metrics != nil {
		s.metrics.ObserveOp("graph-store", "Run", start, err)
	}
	if err != nil {
		return nil, err
	}
	return result.([]Record), nil
}

func collect(ctx context.Context, tx neo4j.ManagedTransaction, q Query) ([]Record, error) {
	res, err := tx.Run(ctx, q.Text, q.Params)
	if err != nil {
		return nil, err
	}
	var rows []Record
	for res.Next(ctx) {
		rows = append(rows, unwrapRecord(res.Record()))
	}
	return rows, res.Err()
}

func (s *Store) closeSession(ctx context.Context, session neo4j.SessionWithContext) {
	if err := session.Close(ctx); err != nil {
		s.logger.Warn("failed to close graph session", zap.Error(err))
	}
}

// queryError redacts parameters, emits the error event, and wraps the cause.
func (s *Store) queryError(op string, q Query, err error) error {
	redacted := redactQuery(q)
	if s.bus != nil {
		s.bus.Emit("graph-store", "error", observability.EventQueryError, map[string]any{
			"op":     op,
			"query":  redacted,
			"params": redactParams(q.Params),
		})
	}
	code := errors.CodeQueryFailed
	if op == "RunTx" {
		code = errors.CodeTxFailed
	}
	kindBuilder := errors.Internal(code, "graph query failed")
	if errors.Is(err, context.DeadlineExceeded) {
		kindBuilder = errors.Timeout(errors.CodeTimeout, "graph query exceeded its deadline")
	}
	return kindBuilder.
		WithComponent("graph-store").
		WithOperation(op).
		WithCause(&QueryError{Code: string(code), Cause: err}).
		Build()
}

const maxRedactedQueryLen = 300

func redactQuery(q Query) string {
	text := q.Text
	if len(text) > maxRedactedQueryLen {
		text = text[:maxRedactedQueryLen] + "..."
	}
	return text
}

// redactParams keeps parameter names but drops values, which may contain
// file contents or credentials.
func redactParams(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	return keys
}

// identifierPattern guards the few places an identifier cannot be a query
// parameter (index names, labels).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return errors.Validation(errors.CodeValidationFailed, "invalid graph identifier").
			WithDetails("identifier %q", name).Build()
	}
	return nil
}

// CreateVectorIndex creates an ANN index over label.property.
func (s *Store) CreateVectorIndex(ctx context.Context, name, label, property string, dimensions int, similarity string) error {
	for _, ident := range []string{name, label, property} {
		if err := validIdentifier(ident); err != nil {
			return err
		}
	}
	if similarity != "cosine" && similarity != "euclidean" {
		return errors.Validation(errors.CodeValidationFailed, "unsupported vector similarity").
			WithDetails("similarity %q", similarity).Build()
	}
	q := Query{
		Text: fmt.Sprintf(
			`CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)
			 OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: $dims, `+"`vector.similarity_function`"+`: $sim}}`,
			name, label, property),
		Params: map[string]any{"dims": dimensions, "sim": similarity},
		Write:  true,
	}
	_, err := s.Run(ctx, q)
	return err
}

// UpsertVectors writes embeddings onto the given label's nodes by entity id.
func (s *Store) UpsertVectors(ctx context.Context, label string, items []VectorItem) error {
	if err := validIdentifier(label); err != nil {
		return err
	}
	rows := make([]map[string]any, len(items))
	for i, item := range items {
		vec := make([]float64, len(item.Vector))
		for j, f := range item.Vector {
			vec[j] = float64(f)
		}
		rows[i] = map[string]any{
			"entityId": item.EntityID,
			"vector":   vec,
			"metadata": item.Metadata,
		}
	}
	q := Query{
		Text: fmt.Sprintf(
			`UNWIND $rows AS row
			 MERGE (n:%s {id: row.entityId})
			 SET n += row.metadata
			 WITH n, row
			 CALL db.create.setNodeVectorProperty(n, 'embedding', row.vector)
			 RETURN count(n)`, label),
		Params: map[string]any{"rows": rows},
		Write:  true,
	}
	_, err := s.Run(ctx, q)
	return err
}

// SearchVectors queries the ANN index and returns rows of node + score.
func (s *Store) SearchVectors(ctx context.Context, index string, vector []float32, opts VectorSearchOptions) ([]Record, error) {
	if err := validIdentifier(index); err != nil {
		return nil, err
	}
	k := opts.K
	if k <= 0 {
		k = 10
	}
	vec := make([]float64, len(vector))
	for i, f := range vector {
		vec[i] = float64(f)
	}
	q := Query{
		Text: `CALL db.index.vector.queryNodes($index, $k, $vector)
		       YIELD node, score
		       WHERE score >= $minScore
		       RETURN node, score
		       ORDER BY score DESC`,
		Params: map[string]any{
			"index":    index,
			"k":        k,
			"vector":   vec,
			"minScore": opts.MinScore,
		},
	}
	return s.Run(ctx, q)
}

// baselineIndexes are created once at startup for indexed lookup of the hot
// access paths.
var baselineIndexes = []string{
	`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
	`CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.type)`,
	`CREATE INDEX entity_path IF NOT EXISTS FOR (n:Entity) ON (n.path)`,
	`CREATE INDEX entity_name IF NOT EXISTS FOR (n:Entity) ON (n.name)`,
	`CREATE INDEX file_path IF NOT EXISTS FOR (n:File) ON (n.path)`,
	`CREATE INDEX symbol_name IF NOT EXISTS FOR (n:Symbol) ON (n.name)`,
	`CREATE INDEX symbol_path IF NOT EXISTS FOR (n:Symbol) ON (n.path)`,
	`CREATE INDEX version_entity IF NOT EXISTS FOR (n:Version) ON (n.entityId)`,
	`CREATE INDEX checkpoint_id IF NOT EXISTS FOR (n:Checkpoint) ON (n.id)`,
}

// EnsureIndexes creates the baseline index set.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range baselineIndexes {
		if _, err := s.Run(ctx, Query{Text: stmt, Write: true}); err != nil {
			return errors.Internal(errors.CodeIndexCreationFailed, "baseline index creation failed").
				WithComponent("graph-store").WithCause(err).Build()
		}
	}
	return nil
}

// Stats returns node and relationship counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.Run(ctx, Query{
		Text: `MATCH (n) RETURN count(n) AS nodes`,
	})
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	if len(rows) > 0 {
		stats.NodeCount, _ = rows[0]["nodes"].(int64)
	}
	rows, err = s.Run(ctx, Query{
		Text: `MATCH ()-[r]->() RETURN count(r) AS rels`,
	})
	if err != nil {
		return Stats{}, err
	}
	if len(rows) > 0 {
		stats.RelationshipCount, _ = rows[0]["rels"].(int64)
	}
	rows, err = s.Run(ctx, Query{
		Text: `MATCH (n:Entity) RETURN n.type AS type, count(n) AS count`,
	})
	if err != nil {
		return Stats{}, err
	}
	stats.NodesByLabel = make(map[string]int64, len(rows))
	for _, row := range rows {
		if label, ok := row["type"].(string); ok {
			count, _ := row["count"].(int64)
			stats.NodesByLabel[label] = count
		}
	}
	return stats, nil
}

// Close releases the driver and its connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
