package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codegraph-backend/internal/analysis"
	"codegraph-backend/internal/backup"
	"codegraph-backend/internal/config"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/history"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/observability"
	"codegraph-backend/internal/pipeline"
	"codegraph-backend/internal/search"
	"codegraph-backend/internal/store"
	"codegraph-backend/internal/vector"
)

// app bundles the wired engine. Components are constructed once per CLI
// invocation against the configured graph database.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	graph   *graph.Store
	scope   *namespace.Scope
	bus     *observability.Bus
	metrics *observability.Metrics
	health  *observability.Health

	entities      *store.EntityStore
	relationships *store.RelationshipStore
	vectors       *vector.Store
	search        *search.Engine
	analysis      *analysis.Engine
	history       *history.Engine
	ingest        *pipeline.Pipeline
	backups       *backup.Coordinator
	backupMeta    *backup.MetadataStore
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	bus := observability.NewBus(256, logger)
	metrics := observability.NewMetrics()

	g, err := graph.NewStore(ctx, cfg.Graph, bus, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}

	scope := namespace.New(
		namespace.WithEntityPrefix(cfg.Namespace.EntityPrefix),
		namespace.WithKeyPrefix(cfg.Namespace.KeyPrefix),
		namespace.WithCollections(cfg.Namespace.CodeCollection, cfg.Namespace.DocsCollection),
	)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		graph:   g,
		scope:   scope,
		bus:     bus,
		metrics: metrics,
		health:  observability.NewHealth(0),
	}
	a.health.Register(g)

	a.entities = store.NewEntityStore(g, scope, bus, metrics, logger)
	a.relationships = store.NewRelationshipStore(g, scope, bus, metrics, logger)
	a.vectors = vector.NewStore(g, scope, cfg.Vector, logger)
	a.search = search.NewEngine(g, a.vectors, nil, scope, cfg.Search, metrics, logger)
	a.analysis = analysis.NewEngine(g, scope, metrics, logger)
	a.history = history.NewEngine(g, scope, cfg.History, bus, metrics, logger)

	var idem pipeline.IdempotencyCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		idem = pipeline.NewRedisIdempotency(client, scope.QualifyRedisKey("batch"))
	}
	a.ingest = pipeline.New(cfg.Pipeline, a.entities, a.relationships, a.vectors,
		bus, metrics, logger, pipeline.Options{Idempotency: idem})

	meta, err := backup.OpenMetadataStore(cfg.Backup.MetadataPath)
	if err != nil {
		g.Close(ctx)
		return nil, fmt.Errorf("open backup metadata: %w", err)
	}
	registry := backup.NewRegistry("local", backup.NewLocalProvider(cfg.Backup.Root))
	if cfg.Backup.S3.Bucket != "" {
		s3p, s3Err := backup.NewS3Provider(ctx, cfg.Backup.S3)
		if s3Err != nil {
			logger.Warn("s3 backup provider unavailable", zap.Error(s3Err))
		} else {
			registry.Register("s3", s3p)
		}
	}
	a.backupMeta = meta
	a.backups = backup.NewCoordinator(cfg, g, meta, registry, bus, metrics, logger)
	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.backupMeta.Close(); err != nil {
		a.logger.Warn("backup metadata close failed", zap.Error(err))
	}
	if err := a.graph.Close(ctx); err != nil {
		a.logger.Warn("graph close failed", zap.Error(err))
	}
}
