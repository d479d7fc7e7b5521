package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMetadata(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := OpenMetadataStore(filepath.Join(t.TempDir(), "state", "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMetadataStoreSaveGetDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestMetadata(t)

	completed := time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC)
	md := &Metadata{
		ID:         "backup_100",
		Type:       "full",
		Status:     "completed",
		CreatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		SizeBytes:  2048,
		Checksum:   "abc123",
		Components: map[string]bool{componentGraph: true, componentConfig: true},
		Labels:     map[string]string{"reason": "pre-release"},
		ProviderID: "local",
	}
	md.CompletedAt = &completed
	require.NoError(t, store.Save(ctx, md))

	got, err := store.Get(ctx, "backup_100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, md.ID, got.ID)
	assert.Equal(t, md.Checksum, got.Checksum)
	assert.True(t, got.Components[componentGraph])
	assert.Equal(t, "pre-release", got.Labels["reason"])
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))

	// Save is an upsert.
	md.Status = "failed"
	md.Error = "disk full"
	require.NoError(t, store.Save(ctx, md))
	got, err = store.Get(ctx, "backup_100")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "disk full", got.Error)

	require.NoError(t, store.Delete(ctx, "backup_100"))
	got, err = store.Get(ctx, "backup_100")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMetadataStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestMetadata(t)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"backup_1", "backup_2", "backup_3"} {
		require.NoError(t, store.Save(ctx, &Metadata{
			ID: id, Type: "full", Status: "completed",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "backup_3", all[0].ID)
	assert.Equal(t, "backup_1", all[2].ID)
}

func TestDumpAndRestoreTables(t *testing.T) {
	ctx := context.Background()
	source := openTestMetadata(t)

	require.NoError(t, source.Save(ctx, &Metadata{
		ID: "backup_7", Type: "full", Status: "completed",
		CreatedAt: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		SizeBytes: 64,
	}))

	dumps, err := source.DumpTables(ctx)
	require.NoError(t, err)
	require.Len(t, dumps, 1)
	assert.Equal(t, "backups", dumps[0].Name)
	assert.Contains(t, dumps[0].CreateSQL, "CREATE TABLE")
	require.Len(t, dumps[0].Rows, 1)
	assert.Equal(t, "backup_7", dumps[0].Rows[0]["id"])

	target := openTestMetadata(t)
	require.NoError(t, target.RestoreTables(ctx, dumps))

	restored, err := target.Get(ctx, "backup_7")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, int64(64), restored.SizeBytes)

	// Replaying the same dump replaces rather than duplicates.
	require.NoError(t, target.RestoreTables(ctx, dumps))
	all, err := target.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
