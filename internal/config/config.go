// Package config defines the engine's closed configuration surface.
// Every recognized knob is a struct field with a default; unknown fields in
// a config file are rejected at load time.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"codegraph-backend/internal/errors"
)

// Config is the root configuration.
type Config struct {
	Graph      GraphConfig      `yaml:"graph"`
	Vector     VectorConfig     `yaml:"vector"`
	History    HistoryConfig    `yaml:"history"`
	Namespace  NamespaceConfig  `yaml:"namespace"`
	Search     SearchConfig     `yaml:"search"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GraphConfig configures the property-graph driver.
type GraphConfig struct {
	URI            string        `yaml:"uri" validate:"required"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Database       string        `yaml:"database"`
	MaxPoolSize    int           `yaml:"maxPoolSize" validate:"gte=1"`
	QueryTimeout   time.Duration `yaml:"queryTimeout" validate:"gt=0"`
	TxRetryBudget  time.Duration `yaml:"txRetryBudget" validate:"gt=0"`
}

// VectorConfig configures embedding persistence and search.
type VectorConfig struct {
	IndexName  string `yaml:"indexName"`
	Dimensions int    `yaml:"dimensions" validate:"gte=1"`
	Similarity string `yaml:"similarity" validate:"oneof=cosine euclidean"`
	BatchSize  int    `yaml:"batchSize" validate:"gte=1"`
}

// HistoryConfig controls the temporal history engine.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retentionDays" validate:"gte=0"`
	PruneLockPath string `yaml:"pruneLockPath"`
}

// NamespaceConfig binds the process-wide namespace scope.
type NamespaceConfig struct {
	EntityPrefix       string `yaml:"entityPrefix"`
	KeyPrefix          string `yaml:"keyPrefix"`
	CodeCollection     string `yaml:"codeCollection"`
	DocsCollection     string `yaml:"docsCollection"`
}

// SearchConfig tunes the search engine and its cache.
type SearchConfig struct {
	CacheSize      int           `yaml:"cacheSize" validate:"gte=0"`
	CacheTTL       time.Duration `yaml:"cacheTTL" validate:"gte=0"`
	DefaultLimit   int           `yaml:"defaultLimit" validate:"gte=1"`
	FuzzyThreshold float64       `yaml:"fuzzyThreshold" validate:"gte=0,lte=1"`
}

// WorkerRange bounds one pipeline stage's pool.
type WorkerRange struct {
	Min int `yaml:"min" validate:"gte=1"`
	Max int `yaml:"max" validate:"gtefield=Min"`
}

// WorkersConfig holds per-stage pool bounds.
type WorkersConfig struct {
	Parsers             WorkerRange `yaml:"parsers"`
	EntityWorkers       WorkerRange `yaml:"entityWorkers"`
	RelationshipWorkers WorkerRange `yaml:"relationshipWorkers"`
	EmbeddingWorkers    WorkerRange `yaml:"embeddingWorkers"`
}

// BatchingConfig controls batch closure and flush concurrency.
type BatchingConfig struct {
	EntityBatchSize       int           `yaml:"entityBatchSize" validate:"gte=1"`
	RelationshipBatchSize int           `yaml:"relationshipBatchSize" validate:"gte=1"`
	EmbeddingBatchSize    int           `yaml:"embeddingBatchSize" validate:"gte=1"`
	Timeout               time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxConcurrentBatches  int           `yaml:"maxConcurrentBatches" validate:"gte=1"`
	IdempotencyTTL        time.Duration `yaml:"idempotencyTTL" validate:"gte=0"`
}

// QueuesConfig bounds the partitioned queue and its retry policy.
type QueuesConfig struct {
	Partitions  int           `yaml:"partitions" validate:"gte=1"`
	MaxDepth    int           `yaml:"maxDepth" validate:"gte=1"`
	HighWater   int           `yaml:"highWater" validate:"gte=1"`
	LowWater    int           `yaml:"lowWater" validate:"gte=0"`
	RetryBudget int           `yaml:"retryBudget" validate:"gte=0"`
	BackoffBase time.Duration `yaml:"backoffBase" validate:"gt=0"`
	BackoffCap  time.Duration `yaml:"backoffCap" validate:"gt=0"`
}

// EventBusConfig selects the pipeline event bus.
type EventBusConfig struct {
	Kind       string `yaml:"kind" validate:"oneof=memory external"`
	Partitions int    `yaml:"partitions" validate:"gte=1"`
}

// PipelineConfig aggregates the ingestion pipeline knobs.
type PipelineConfig struct {
	EventBus       EventBusConfig `yaml:"eventBus"`
	Workers        WorkersConfig  `yaml:"workers"`
	Batching       BatchingConfig `yaml:"batching"`
	Queues         QueuesConfig   `yaml:"queues"`
	FileFilters    FileFilters    `yaml:"fileFilters"`
	SkipEmbeddings bool           `yaml:"skipEmbeddings"`
}

// FileFilters accepts and rejects paths by glob.
type FileFilters struct {
	Accept []string `yaml:"accept"`
	Reject []string `yaml:"reject"`
}

// RetentionPolicy bounds stored backups.
type RetentionPolicy struct {
	MaxAgeDays        int   `yaml:"maxAgeDays" validate:"gte=0"`
	MaxEntries        int   `yaml:"maxEntries" validate:"gte=0"`
	MaxTotalSizeBytes int64 `yaml:"maxTotalSizeBytes" validate:"gte=0"`
	DeleteArtifacts   bool  `yaml:"deleteArtifacts"`
}

// S3Config configures the object-store backup provider.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// BackupConfig configures the backup coordinator.
type BackupConfig struct {
	ProviderID            string          `yaml:"providerId"`
	Root                  string          `yaml:"root"`
	MetadataPath          string          `yaml:"metadataPath"`
	TokenTTL              time.Duration   `yaml:"tokenTTL" validate:"gt=0"`
	RequireSecondApproval bool            `yaml:"requireSecondApproval"`
	Retention             RetentionPolicy `yaml:"retention"`
	S3                    S3Config        `yaml:"s3"`
}

// RedisConfig enables the optional distributed idempotency cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

// AlertThresholds trigger alert:triggered events when exceeded. This subset
// is hot-reloadable through the config watcher.
type AlertThresholds struct {
	QueueDepth      int           `yaml:"queueDepth" validate:"gte=0"`
	ErrorRatePct    float64       `yaml:"errorRatePct" validate:"gte=0,lte=100"`
	BatchLatency    time.Duration `yaml:"batchLatency" validate:"gte=0"`
	MemoryCeilingMB int           `yaml:"memoryCeilingMB" validate:"gte=0"`
}

// MonitoringConfig controls telemetry cadence.
type MonitoringConfig struct {
	MetricsInterval     time.Duration   `yaml:"metricsInterval" validate:"gt=0"`
	HealthCheckInterval time.Duration   `yaml:"healthCheckInterval" validate:"gt=0"`
	AlertThresholds     AlertThresholds `yaml:"alertThresholds"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() Config {
	return Config{
		Graph: GraphConfig{
			URI:           "bolt://localhost:7687",
			Database:      "neo4j",
			MaxPoolSize:   50,
			QueryTimeout:  30 * time.Second,
			TxRetryBudget: 30 * time.Second,
		},
		Vector: VectorConfig{
			IndexName:  "entity_embeddings",
			Dimensions: 1536,
			Similarity: "cosine",
			BatchSize:  200,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 90,
			PruneLockPath: "/tmp/codegraph-prune.lock",
		},
		Namespace: NamespaceConfig{
			CodeCollection: "code",
			DocsCollection: "documentation",
		},
		Search: SearchConfig{
			CacheSize:      500,
			CacheTTL:       5 * time.Minute,
			DefaultLimit:   50,
			FuzzyThreshold: 0.6,
		},
		Pipeline: PipelineConfig{
			EventBus: EventBusConfig{Kind: "memory", Partitions: 4},
			Workers: WorkersConfig{
				Parsers:             WorkerRange{Min: 2, Max: 8},
				EntityWorkers:       WorkerRange{Min: 2, Max: 8},
				RelationshipWorkers: WorkerRange{Min: 2, Max: 8},
				EmbeddingWorkers:    WorkerRange{Min: 1, Max: 4},
			},
			Batching: BatchingConfig{
				EntityBatchSize:       50,
				RelationshipBatchSize: 100,
				EmbeddingBatchSize:    25,
				Timeout:               5 * time.Second,
				MaxConcurrentBatches:  4,
				IdempotencyTTL:        10 * time.Minute,
			},
			Queues: QueuesConfig{
				Partitions:  4,
				MaxDepth:    10000,
				HighWater:   7500,
				LowWater:    2500,
				RetryBudget: 3,
				BackoffBase: 100 * time.Millisecond,
				BackoffCap:  3 * time.Second,
			},
		},
		Backup: BackupConfig{
			ProviderID:   "local",
			Root:         "backups",
			MetadataPath: "backups/metadata.db",
			TokenTTL:     15 * time.Minute,
			Retention: RetentionPolicy{
				MaxEntries:      10,
				DeleteArtifacts: true,
			},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Monitoring: MonitoringConfig{
			MetricsInterval:     time.Second,
			HealthCheckInterval: 10 * time.Second,
			AlertThresholds: AlertThresholds{
				QueueDepth:      7500,
				ErrorRatePct:    10,
				BatchLatency:    2 * time.Second,
				MemoryCeilingMB: 2048,
			},
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Validation(errors.CodeConfigInvalid, "configuration failed validation").
			WithCause(err).Build()
	}
	q := c.Pipeline.Queues
	if q.LowWater >= q.HighWater {
		return errors.Validation(errors.CodeConfigInvalid, "queue lowWater must be below highWater").
			WithDetails("lowWater=%d highWater=%d", q.LowWater, q.HighWater).Build()
	}
	if q.HighWater > q.MaxDepth {
		return errors.Validation(errors.CodeConfigInvalid, "queue highWater must not exceed maxDepth").
			WithDetails("highWater=%d maxDepth=%d", q.HighWater, q.MaxDepth).Build()
	}
	return nil
}

// Redacted returns a copy safe for logging and backup artifacts: secret
// fields are masked.
func (c Config) Redacted() Config {
	out := c
	if out.Graph.Password != "" {
		out.Graph.Password = "****"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "****"
	}
	return out
}
