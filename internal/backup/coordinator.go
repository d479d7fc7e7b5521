package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/observability"
)

const (
	exportPageSize   = 1000
	pointChunkSize   = 200
	restoreChunkSize = 500
	componentGraph   = "graph"
	componentVectors = "vectors"
	componentTabular = "tabular"
	componentConfig  = "config"
)

// Per-backup artifact layout. Component files carry the backup id in their
// name; per-collection point files live under vectors/.
func graphDumpPath(id string) string      { return id + "/" + id + "_graph.dump" }
func vectorManifestPath(id string) string { return id + "/" + id + "_vectors_collections.json" }
func collectionPointsFile(collection string) string {
	return "vectors/" + collection + "_points.json"
}
func tabularDumpPath(id string) string     { return id + "/" + id + "_tabular.json" }
func tabularFallbackPath(id string) string { return id + "/" + id + "_tabular.sql" }
func configDumpPath(id string) string      { return id + "/" + id + "_config.json" }
func archivePath(id string) string         { return id + "/" + id + ".tar.gz" }

// CreateOptions select what a snapshot includes and where it lands.
type CreateOptions struct {
	Type              string // full | incremental
	IncludeData       bool
	IncludeConfig     bool
	Compression       bool
	Destination       string
	StorageProviderID string
	Labels            map[string]string
	// Since bounds an incremental snapshot to entities modified after it.
	Since *time.Time
}

// nodeDump is one exported graph node.
type nodeDump struct {
	Labels []string       `json:"labels"`
	Props  map[string]any `json:"props"`
}

// relDump is one exported graph relationship.
type relDump struct {
	FromID string         `json:"fromId"`
	ToID   string         `json:"toId"`
	Type   string         `json:"type"`
	Props  map[string]any `json:"props"`
}

// graphDump is the single graph artifact: nodes and relationships together.
type graphDump struct {
	Nodes         []nodeDump `json:"nodes"`
	Relationships []relDump  `json:"relationships"`
}

// pointDump is one exported embedding.
type pointDump struct {
	EntityID string         `json:"entityId"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// collectionDump describes one exported vector collection and names its
// points file relative to the backup root.
type collectionDump struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	IndexName  string `json:"indexName"`
	Dimensions int    `json:"dimensions"`
	Similarity string `json:"similarity"`
	Count      int    `json:"count"`
	PointsFile string `json:"pointsFile"`
}

// vectorManifest is the collections manifest of the embedding export.
type vectorManifest struct {
	Collections []collectionDump `json:"collections"`
}

// Coordinator owns snapshot and restore. One coordinator serializes
// restores per backup id.
type Coordinator struct {
	cfg       config.Config
	g         graph.Graph
	meta      *MetadataStore
	providers *Registry
	bus       *observability.Bus
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	tokens   map[string]*RestoreToken
	inflight map[string]bool
}

// NewCoordinator wires the coordinator. The registry must already hold the
// default provider.
func NewCoordinator(cfg config.Config, g graph.Graph, meta *MetadataStore, providers *Registry, bus *observability.Bus, metrics *observability.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:       cfg,
		g:         g,
		meta:      meta,
		providers: providers,
		bus:       bus,
		metrics:   metrics,
		logger:    logger.Named("backup"),
		now:       time.Now,
		tokens:    make(map[string]*RestoreToken),
		inflight:  make(map[string]bool),
	}
}

func maintenanceError(op string, cause error) error {
	switch errors.KindOf(cause) {
	case errors.KindUnavailable, errors.KindValidation, errors.KindRestoreGate, errors.KindIntegrity:
		return cause
	}
	return errors.Internal(errors.CodeBackupFailed, "maintenance operation failed").
		WithComponent("backup").WithOperation(op).WithCause(cause).Build()
}

// CreateBackup snapshots the enabled components and persists metadata. On
// any stage failure the metadata row is written with status failed before
// the error is returned.
func (c *Coordinator) CreateBackup(ctx context.Context, opts CreateOptions) (*Metadata, error) {
	start := c.now()
	if opts.Type == "" {
		opts.Type = "full"
	}

	md := &Metadata{
		ID:          "backup_" + strconv.FormatInt(start.UTC().UnixMilli(), 10),
		Type:        opts.Type,
		Status:      "running",
		CreatedAt:   start.UTC(),
		Components:  map[string]bool{},
		Labels:      opts.Labels,
		Destination: opts.Destination,
		ProviderID:  opts.StorageProviderID,
	}
	if md.ProviderID == "" {
		md.ProviderID = c.cfg.Backup.ProviderID
	}

	provider, err := c.providers.Resolve(opts.StorageProviderID)
	if err != nil {
		return nil, err
	}
	if err := provider.EnsureReady(ctx); err != nil {
		c.failBackup(ctx, md, err)
		return md, err
	}

	run := func() error {
		if opts.IncludeData {
			if err := c.dumpGraph(ctx, provider, md, opts.Since); err != nil {
				return err
			}
			if err := c.dumpVectors(ctx, provider, md); err != nil {
				return err
			}
			if err := c.dumpTabular(ctx, provider, md); err != nil {
				return err
			}
		}
		if opts.IncludeConfig {
			if err := c.dumpConfig(ctx, provider, md); err != nil {
				return err
			}
		}
		return nil
	}
	if err := run(); err != nil {
		wrapped := maintenanceError("CreateBackup", err)
		c.failBackup(ctx, md, wrapped)
		return md, wrapped
	}

	size, checksum, err := c.measure(ctx, provider, md.ID)
	if err != nil {
		wrapped := maintenanceError("CreateBackup", err)
		c.failBackup(ctx, md, wrapped)
		return md, wrapped
	}
	md.SizeBytes = size
	md.Checksum = checksum

	if opts.Compression && provider.SupportsStreaming() {
		if err := c.writeArchive(ctx, provider, md.ID); err != nil {
			wrapped := maintenanceError("CreateBackup", err)
			c.failBackup(ctx, md, wrapped)
			return md, wrapped
		}
	}

	completed := c.now().UTC()
	md.Status = "completed"
	md.CompletedAt = &completed
	if err := c.meta.Save(ctx, md); err != nil {
		return md, maintenanceError("CreateBackup", err)
	}
	c.writeLegacyMetadata(ctx, provider, md)

	if err := c.EnforceRetention(ctx); err != nil {
		c.logger.Warn("retention enforcement failed", zap.Error(err))
	}

	if c.bus != nil {
		c.bus.Emit("backup", "info", observability.EventBackupCompleted, map[string]any{
			"backupId":  md.ID,
			"sizeBytes": md.SizeBytes,
			"checksum":  md.Checksum,
		})
	}
	c.logger.Info("backup completed",
		zap.String("backupId", md.ID),
		zap.Int64("sizeBytes", md.SizeBytes),
		zap.Duration("took", c.now().Sub(start)))
	if c.metrics != nil {
		c.metrics.ObserveOp("backup", "createBackup", start, nil)
	}
	return md, nil
}

func (c *Coordinator) failBackup(ctx context.Context, md *Metadata, cause error) {
	md.Status = "failed"
	md.Error = cause.Error()
	if err := c.meta.Save(ctx, md); err != nil {
		c.logger.Error("cannot persist failed backup metadata",
			zap.String("backupId", md.ID), zap.Error(err))
	}
	if c.bus != nil {
		c.bus.Emit("backup", "error", observability.EventBackupFailed, map[string]any{
			"backupId": md.ID,
			"error":    cause.Error(),
		})
	}
}

// GetBackup loads metadata, falling back to the legacy per-backup JSON
// artifact when the tabular row is missing.
func (c *Coordinator) GetBackup(ctx context.Context, id string) (*Metadata, error) {
	md, err := c.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if md != nil {
		return md, nil
	}

	provider, err := c.providers.Resolve("")
	if err != nil {
		return nil, err
	}
	raw, readErr := provider.ReadFile(ctx, legacyMetadataPath(id))
	if readErr != nil {
		return nil, errors.NotFound(errors.CodeBackupNotFound, "backup not found").
			WithComponent("backup").WithResource(id).Build()
	}
	var legacy Metadata
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, errors.Internal(errors.CodeBackupFailed, "legacy metadata is unreadable").
			WithComponent("backup").WithResource(id).WithCause(err).Build()
	}
	return &legacy, nil
}

// ListBackups returns all known backups, newest first.
func (c *Coordinator) ListBackups(ctx context.Context) ([]*Metadata, error) {
	return c.meta.List(ctx)
}

func legacyMetadataPath(id string) string { return id + "/" + id + "_metadata.json" }

func (c *Coordinator) writeLegacyMetadata(ctx context.Context, provider Provider, md *Metadata) {
	raw, err := json.MarshalIndent(md, "", "  ")
	if err == nil {
		err = provider.WriteFile(ctx, legacyMetadataPath(md.ID), raw)
	}
	if err != nil {
		// Best effort only; the tabular row is authoritative.
		c.logger.Warn("legacy metadata write failed",
			zap.String("backupId", md.ID), zap.Error(err))
	}
}

func (c *Coordinator) writeJSON(ctx context.Context, provider Provider, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return provider.WriteFile(ctx, path, raw)
}

func (c *Coordinator) dumpGraph(ctx context.Context, provider Provider, md *Metadata, since *time.Time) error {
	var nodes []nodeDump
	where := ""
	params := map[string]any{"limit": exportPageSize}
	if since != nil {
		where = "WHERE n.lastModified >= $since "
		params["since"] = domain.FormatTime(*since)
	}
	for skip := 0; ; skip += exportPageSize {
		params["skip"] = skip
		rows, err := c.g.Run(ctx, graph.Query{
			Text: `MATCH (n:Entity) ` + where +
				`RETURN labels(n) AS labels, properties(n) AS props
				 ORDER BY n.id SKIP $skip LIMIT $limit`,
			Params: params,
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			nodes = append(nodes, nodeDump{Labels: stringSlice(row["labels"]), Props: propMap(row["props"])})
		}
		if len(rows) < exportPageSize {
			break
		}
	}
	var rels []relDump
	for skip := 0; ; skip += exportPageSize {
		rows, err := c.g.Run(ctx, graph.Query{
			Text: `MATCH (a:Entity)-[r]->(b:Entity)
			       RETURN a.id AS fromId, b.id AS toId, type(r) AS relType, properties(r) AS props
			       ORDER BY a.id, b.id, type(r) SKIP $skip LIMIT $limit`,
			Params: map[string]any{"skip": skip, "limit": exportPageSize},
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			rels = append(rels, relDump{
				FromID: fmt.Sprint(row["fromId"]),
				ToID:   fmt.Sprint(row["toId"]),
				Type:   fmt.Sprint(row["relType"]),
				Props:  propMap(row["props"]),
			})
		}
		if len(rows) < exportPageSize {
			break
		}
	}
	if err := c.writeJSON(ctx, provider, graphDumpPath(md.ID), graphDump{Nodes: nodes, Relationships: rels}); err != nil {
		return err
	}
	md.Components[componentGraph] = true
	return nil
}

func (c *Coordinator) dumpVectors(ctx context.Context, provider Provider, md *Metadata) error {
	collection := collectionDump{
		Name:       c.cfg.Vector.IndexName,
		Label:      "Embeddable",
		IndexName:  c.cfg.Vector.IndexName,
		Dimensions: c.cfg.Vector.Dimensions,
		Similarity: c.cfg.Vector.Similarity,
		PointsFile: collectionPointsFile(c.cfg.Vector.IndexName),
	}

	var points []pointDump
	for skip := 0; ; skip += exportPageSize {
		rows, err := c.g.Run(ctx, graph.Query{
			Text: `MATCH (n:Embeddable)
			       RETURN n.id AS id, n.embedding AS embedding, properties(n) AS props
			       ORDER BY n.id SKIP $skip LIMIT $limit`,
			Params: map[string]any{"skip": skip, "limit": exportPageSize},
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			points = append(points, pointDump{
				EntityID: fmt.Sprint(row["id"]),
				Vector:   floatSlice(row["embedding"]),
				Metadata: propMap(row["props"]),
			})
		}
		if len(rows) < exportPageSize {
			break
		}
	}

	if err := c.writeJSON(ctx, provider, md.ID+"/"+collection.PointsFile, points); err != nil {
		return err
	}
	collection.Count = len(points)

	manifest := vectorManifest{Collections: []collectionDump{collection}}
	if err := c.writeJSON(ctx, provider, vectorManifestPath(md.ID), manifest); err != nil {
		return err
	}
	md.Components[componentVectors] = true
	return nil
}

func (c *Coordinator) dumpTabular(ctx context.Context, provider Provider, md *Metadata) error {
	dumps, err := c.meta.DumpTables(ctx)
	if err != nil {
		return err
	}
	if err := c.writeJSON(ctx, provider, tabularDumpPath(md.ID), dumps); err != nil {
		return err
	}
	md.Components[componentTabular] = true
	return nil
}

func (c *Coordinator) dumpConfig(ctx context.Context, provider Provider, md *Metadata) error {
	if err := c.writeJSON(ctx, provider, configDumpPath(md.ID), c.cfg.Redacted()); err != nil {
		return err
	}
	md.Components[componentConfig] = true
	return nil
}

// measure sums artifact sizes and computes the backup checksum: sha-256
// over per-artifact digests sorted by path, excluding the archive and the
// legacy metadata file.
func (c *Coordinator) measure(ctx context.Context, provider Provider, backupID string) (int64, string, error) {
	files, err := provider.List(ctx, backupID+"/")
	if err != nil {
		return 0, "", err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	var size int64
	h := sha256.New()
	for _, f := range files {
		if isChecksumExcluded(backupID, f.Path) {
			continue
		}
		data, readErr := provider.ReadFile(ctx, f.Path)
		if readErr != nil {
			return 0, "", readErr
		}
		size += int64(len(data))
		digest := sha256.Sum256(data)
		fmt.Fprintf(h, "%s:%s\n", f.Path, hex.EncodeToString(digest[:]))
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func isChecksumExcluded(backupID, path string) bool {
	return path == archivePath(backupID) ||
		path == legacyMetadataPath(backupID)
}

// EnforceRetention prunes completed backups beyond the configured age,
// count, and total-size bounds, oldest first.
func (c *Coordinator) EnforceRetention(ctx context.Context) error {
	policy := c.cfg.Backup.Retention
	if policy.MaxAgeDays <= 0 && policy.MaxEntries <= 0 && policy.MaxTotalSizeBytes <= 0 {
		return nil
	}

	all, err := c.meta.List(ctx)
	if err != nil {
		return err
	}
	// Newest first from List; evaluate retention oldest-last.
	var doomed []*Metadata
	now := c.now().UTC()

	if policy.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.MaxAgeDays)
		for _, md := range all {
			if md.CreatedAt.Before(cutoff) {
				doomed = append(doomed, md)
			}
		}
	}
	if policy.MaxEntries > 0 && len(all) > policy.MaxEntries {
		doomed = append(doomed, all[policy.MaxEntries:]...)
	}
	if policy.MaxTotalSizeBytes > 0 {
		var total int64
		for _, md := range all {
			total += md.SizeBytes
			if total > policy.MaxTotalSizeBytes {
				doomed = append(doomed, md)
			}
		}
	}

	seen := map[string]struct{}{}
	for _, md := range doomed {
		if _, dup := seen[md.ID]; dup {
			continue
		}
		seen[md.ID] = struct{}{}
		if err := c.deleteBackup(ctx, md); err != nil {
			c.logger.Warn("retention delete failed", zap.String("backupId", md.ID), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) deleteBackup(ctx context.Context, md *Metadata) error {
	if c.cfg.Backup.Retention.DeleteArtifacts {
		provider, err := c.providers.Resolve(md.ProviderID)
		if err == nil {
			files, listErr := provider.List(ctx, md.ID+"/")
			if listErr == nil {
				for _, f := range files {
					if err := provider.RemoveFile(ctx, f.Path); err != nil {
						return err
					}
				}
			}
		}
	}
	return c.meta.Delete(ctx, md.ID)
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func floatSlice(v any) []float32 {
	switch vv := v.(type) {
	case []float32:
		return vv
	case []any:
		out := make([]float32, 0, len(vv))
		for _, item := range vv {
			switch n := item.(type) {
			case float64:
				out = append(out, float32(n))
			case float32:
				out = append(out, n)
			case int64:
				out = append(out, float32(n))
			}
		}
		return out
	default:
		return nil
	}
}

// propMap sanitizes a property map for export: nil values are dropped.
func propMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if val == nil {
			continue
		}
		out[k] = val
	}
	return out
}
