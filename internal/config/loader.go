package config

import (
	"bytes"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"codegraph-backend/internal/errors"
)

// Load builds the configuration by layering, in order: defaults, the YAML
// file at path (optional, "" skips), then environment overrides. The result
// is validated before being returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes YAML strictly: unknown fields are a load-time error.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Validation(errors.CodeConfigInvalid, "cannot read config file").
			WithDetails("path %s", path).WithCause(err).Build()
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Validation(errors.CodeConfigUnknownField, "config file rejected").
			WithDetails("path %s", path).WithCause(err).Build()
	}
	return nil
}

// applyEnv overlays the environment knobs the deployment surface documents.
func applyEnv(cfg *Config) {
	setString(&cfg.Graph.URI, "CODEGRAPH_GRAPH_URI")
	setString(&cfg.Graph.Username, "CODEGRAPH_GRAPH_USERNAME")
	setString(&cfg.Graph.Password, "CODEGRAPH_GRAPH_PASSWORD")
	setString(&cfg.Graph.Database, "CODEGRAPH_GRAPH_DATABASE")
	setBool(&cfg.History.Enabled, "CODEGRAPH_HISTORY_ENABLED")
	setInt(&cfg.History.RetentionDays, "CODEGRAPH_HISTORY_RETENTION_DAYS")
	setString(&cfg.Namespace.EntityPrefix, "CODEGRAPH_NAMESPACE_PREFIX")
	setString(&cfg.Namespace.KeyPrefix, "CODEGRAPH_KEY_PREFIX")
	setString(&cfg.Backup.ProviderID, "CODEGRAPH_BACKUP_PROVIDER")
	setString(&cfg.Backup.Root, "CODEGRAPH_BACKUP_ROOT")
	setBool(&cfg.Backup.RequireSecondApproval, "CODEGRAPH_BACKUP_REQUIRE_APPROVAL")
	setString(&cfg.Backup.S3.Bucket, "CODEGRAPH_BACKUP_S3_BUCKET")
	setString(&cfg.Backup.S3.Region, "CODEGRAPH_BACKUP_S3_REGION")
	setBool(&cfg.Redis.Enabled, "CODEGRAPH_REDIS_ENABLED")
	setString(&cfg.Redis.Addr, "CODEGRAPH_REDIS_ADDR")
	setString(&cfg.Redis.Password, "CODEGRAPH_REDIS_PASSWORD")
	setString(&cfg.Server.Addr, "CODEGRAPH_SERVER_ADDR")
	setInt(&cfg.Pipeline.Queues.Partitions, "CODEGRAPH_QUEUE_PARTITIONS")
	setInt(&cfg.Pipeline.Queues.MaxDepth, "CODEGRAPH_QUEUE_MAX_DEPTH")
	setBool(&cfg.Pipeline.SkipEmbeddings, "CODEGRAPH_SKIP_EMBEDDINGS")
	setDuration(&cfg.Graph.QueryTimeout, "CODEGRAPH_QUERY_TIMEOUT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
