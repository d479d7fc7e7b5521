package backup

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/graph/graphtest"
)

var backupBase = time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

type coordinatorFixture struct {
	c        *Coordinator
	g        *graphtest.Fake
	provider *LocalProvider
	meta     *MetadataStore
	clock    time.Time
}

func newCoordinatorFixture(t *testing.T, mutate func(*config.Config)) *coordinatorFixture {
	t.Helper()

	cfg := config.Config{
		Vector: config.VectorConfig{
			IndexName:  "entity-embeddings",
			Dimensions: 3,
			Similarity: "cosine",
			BatchSize:  200,
		},
		Backup: config.BackupConfig{
			ProviderID: "local",
			TokenTTL:   15 * time.Minute,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	g := graphtest.NewFake()
	meta, err := OpenMetadataStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	provider := NewLocalProvider(t.TempDir())
	registry := NewRegistry("local", provider)

	fx := &coordinatorFixture{
		c:        NewCoordinator(cfg, g, meta, registry, nil, nil, zap.NewNop()),
		g:        g,
		provider: provider,
		meta:     meta,
		clock:    backupBase,
	}
	fx.c.now = func() time.Time { return fx.clock }
	return fx
}

// seedGraphDump scripts the fake so an export sees two nodes, one
// relationship, and one embedding.
func seedGraphDump(g *graphtest.Fake) {
	g.Stub(graphtest.Rule{Match: "labels(n) AS labels", Rows: []graph.Record{
		{
			"labels": []any{"Entity", "File"},
			"props":  map[string]any{"id": "file_auth", "type": "file", "path": "src/auth.ts"},
		},
		{
			"labels": []any{"Entity", "Symbol", "Function"},
			"props":  map[string]any{"id": "sym_login", "type": "function", "name": "login"},
		},
	}})
	g.Stub(graphtest.Rule{Match: "type(r) AS relType", Rows: []graph.Record{
		{
			"fromId":  "file_auth",
			"toId":    "sym_login",
			"relType": "CONTAINS",
			"props":   map[string]any{"id": "rel_contains_1", "confidence": 1.0},
		},
	}})
	g.Stub(graphtest.Rule{Match: "n.embedding AS embedding", Rows: []graph.Record{
		{
			"id":        "sym_login",
			"embedding": []float32{0.1, 0.2, 0.3},
			"props":     map[string]any{"nodeType": "function"},
		},
	}})
}

func createCompletedBackup(t *testing.T, fx *coordinatorFixture) *Metadata {
	t.Helper()
	md, err := fx.c.CreateBackup(context.Background(), CreateOptions{
		Type:          "full",
		IncludeData:   true,
		IncludeConfig: true,
	})
	require.NoError(t, err)
	require.Equal(t, "completed", md.Status)
	return md
}

func TestCreateBackupWritesArtifactsAndMetadata(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)

	md := createCompletedBackup(t, fx)
	assert.Equal(t, "backup_"+strconv.FormatInt(backupBase.UnixMilli(), 10), md.ID)
	assert.NotEmpty(t, md.Checksum)
	assert.Greater(t, md.SizeBytes, int64(0))
	require.NotNil(t, md.CompletedAt)
	for _, component := range []string{componentGraph, componentVectors, componentTabular, componentConfig} {
		assert.True(t, md.Components[component], component)
	}

	for _, path := range []string{
		md.ID + "/" + md.ID + "_graph.dump",
		md.ID + "/" + md.ID + "_vectors_collections.json",
		md.ID + "/vectors/entity-embeddings_points.json",
		md.ID + "/" + md.ID + "_tabular.json",
		md.ID + "/" + md.ID + "_config.json",
		legacyMetadataPath(md.ID),
	} {
		ok, err := fx.provider.Exists(ctx, path)
		require.NoError(t, err)
		assert.True(t, ok, path)
	}

	raw, err := fx.provider.ReadFile(ctx, graphDumpPath(md.ID))
	require.NoError(t, err)
	var dump graphDump
	require.NoError(t, json.Unmarshal(raw, &dump))
	require.Len(t, dump.Nodes, 2)
	require.Len(t, dump.Relationships, 1)
	assert.Equal(t, []string{"Entity", "File"}, dump.Nodes[0].Labels)

	raw, err = fx.provider.ReadFile(ctx, vectorManifestPath(md.ID))
	require.NoError(t, err)
	var manifest vectorManifest
	require.NoError(t, json.Unmarshal(raw, &manifest))
	require.Len(t, manifest.Collections, 1)
	assert.Equal(t, "entity-embeddings", manifest.Collections[0].Name)
	assert.Equal(t, "Embeddable", manifest.Collections[0].Label)
	assert.Equal(t, 1, manifest.Collections[0].Count)
	assert.Equal(t, "vectors/entity-embeddings_points.json", manifest.Collections[0].PointsFile)

	stored, err := fx.meta.Get(ctx, md.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, md.Checksum, stored.Checksum)
	assert.Equal(t, "local", stored.ProviderID)
}

func TestVerifyBackupDetectsTampering(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	result, err := fx.c.VerifyBackup(ctx, md.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, md.Checksum, result.ComputedChecksum)

	require.NoError(t, fx.provider.WriteFile(ctx, graphDumpPath(md.ID), []byte(`{}`)))
	result, err = fx.c.VerifyBackup(ctx, md.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEqual(t, md.Checksum, result.ComputedChecksum)
	assert.Contains(t, result.Detail, "checksum mismatch")
}

func TestVerifyBackupReportsMissingArtifacts(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	require.NoError(t, fx.provider.RemoveFile(ctx, tabularDumpPath(md.ID)))
	result, err := fx.c.VerifyBackup(ctx, md.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.MissingArtifacts, tabularDumpPath(md.ID))
}

func TestCreateBackupArchiveIsExcludedFromChecksum(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)

	md, err := fx.c.CreateBackup(ctx, CreateOptions{
		Type:          "full",
		IncludeData:   true,
		IncludeConfig: true,
		Compression:   true,
	})
	require.NoError(t, err)

	ok, err := fx.provider.Exists(ctx, archivePath(md.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	result, err := fx.c.VerifyBackup(ctx, md.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestCreateBackupFailurePersistsFailedStatus(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	fx.g.Stub(graphtest.Rule{
		Match: "labels(n) AS labels",
		Err:   errors.Unavailable(errors.CodeConnectionFailed, "graph is down").Build(),
	})

	md, err := fx.c.CreateBackup(ctx, CreateOptions{Type: "full", IncludeData: true})
	require.Error(t, err)
	require.NotNil(t, md)
	assert.Equal(t, "failed", md.Status)
	assert.NotEmpty(t, md.Error)

	stored, getErr := fx.meta.Get(ctx, md.ID)
	require.NoError(t, getErr)
	require.NotNil(t, stored)
	assert.Equal(t, "failed", stored.Status)
}

func TestGetBackupFallsBackToLegacyMetadata(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	// Simulate a lost tabular row; the artifact copy still resolves it.
	require.NoError(t, fx.meta.Delete(ctx, md.ID))
	got, err := fx.c.GetBackup(ctx, md.ID)
	require.NoError(t, err)
	assert.Equal(t, md.ID, got.ID)
	assert.Equal(t, md.Checksum, got.Checksum)

	_, err = fx.c.GetBackup(ctx, "backup_does_not_exist")
	require.Error(t, err)
	assert.Equal(t, errors.CodeBackupNotFound, errors.CodeOf(err))
}

func TestRetentionKeepsNewestEntries(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, func(cfg *config.Config) {
		cfg.Backup.Retention = config.RetentionPolicy{MaxEntries: 1, DeleteArtifacts: true}
	})
	seedGraphDump(fx.g)

	first := createCompletedBackup(t, fx)
	fx.clock = fx.clock.Add(time.Hour)
	second := createCompletedBackup(t, fx)
	require.NotEqual(t, first.ID, second.ID)

	all, err := fx.meta.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second.ID, all[0].ID)

	leftovers, err := fx.provider.List(ctx, first.ID+"/")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRetentionByAge(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, func(cfg *config.Config) {
		cfg.Backup.Retention = config.RetentionPolicy{MaxAgeDays: 7}
	})

	require.NoError(t, fx.meta.Save(ctx, &Metadata{
		ID: "backup_old", Type: "full", Status: "completed",
		CreatedAt: fx.clock.AddDate(0, 0, -30), ProviderID: "local",
	}))
	require.NoError(t, fx.meta.Save(ctx, &Metadata{
		ID: "backup_recent", Type: "full", Status: "completed",
		CreatedAt: fx.clock.AddDate(0, 0, -1), ProviderID: "local",
	}))

	require.NoError(t, fx.c.EnforceRetention(ctx))
	all, err := fx.meta.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "backup_recent", all[0].ID)
}
