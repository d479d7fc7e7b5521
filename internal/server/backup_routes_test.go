package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codegraph-backend/internal/backup"
	"codegraph-backend/internal/config"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/graph/graphtest"
)

// newBackupFixture wires a real coordinator behind the router so the
// create/preview/approve/apply handshake runs over HTTP.
func newBackupFixture(t *testing.T) *serverFixture {
	t.Helper()

	fx := newServerFixture(t)

	cfg := config.Config{
		Vector: config.VectorConfig{
			IndexName:  "entity-embeddings",
			Dimensions: 3,
			Similarity: "cosine",
			BatchSize:  200,
		},
		Backup: config.BackupConfig{
			ProviderID:            "local",
			TokenTTL:              15 * time.Minute,
			RequireSecondApproval: true,
		},
	}
	meta, err := backup.OpenMetadataStore(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	registry := backup.NewRegistry("local", backup.NewLocalProvider(t.TempDir()))

	fx.srv.deps.Backups = backup.NewCoordinator(cfg, fx.g, meta, registry, nil, nil, zap.NewNop())
	fx.srv.router = fx.srv.routes()

	fx.g.Stub(graphtest.Rule{Match: "labels(n) AS labels", Rows: []graph.Record{
		{
			"labels": []any{"Entity", "Symbol", "Function"},
			"props":  map[string]any{"id": "sym_login", "type": "function", "name": "login"},
		},
	}})
	fx.g.Stub(graphtest.Rule{Match: "type(r) AS relType", Rows: nil})
	fx.g.Stub(graphtest.Rule{Match: "n.embedding AS embedding", Rows: []graph.Record{
		{
			"id":        "sym_login",
			"embedding": []float32{0.1, 0.2, 0.3},
			"props":     map[string]any{"nodeType": "function"},
		},
	}})
	return fx
}

func TestBackupRestoreHandshakeOverHTTP(t *testing.T) {
	fx := newBackupFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/backups", `{"type":"full"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var md backup.Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	require.NotEmpty(t, md.ID)
	assert.Equal(t, "completed", md.Status)

	rec = fx.do(t, http.MethodGet, "/api/backups/"+md.ID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var verify backup.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
	assert.True(t, verify.Valid)

	rec = fx.do(t, http.MethodPost, "/api/backups/"+md.ID+"/restore/preview",
		`{"requestedBy":"ops@x"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview backup.RestorePreview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Equal(t, "dry_run_completed", preview.Status)
	require.NotNil(t, preview.Token)
	assert.True(t, preview.Token.RequiresApproval)

	// Unapproved apply is turned away at the gate.
	rec = fx.do(t, http.MethodPost, "/api/restore/apply",
		`{"token":"`+preview.Token.Token+`"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "RESTORE_APPROVAL_REQUIRED")

	rec = fx.do(t, http.MethodPost, "/api/restore/approve",
		`{"token":"`+preview.Token.Token+`","approver":"ops@x"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/restore/apply",
		`{"token":"`+preview.Token.Token+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result backup.RestoreResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "completed", result.Status)

	// The token was consumed by the first apply.
	rec = fx.do(t, http.MethodPost, "/api/restore/apply",
		`{"token":"`+preview.Token.Token+`"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "RESTORE_TOKEN_INVALID")
}

func TestListBackupsOverHTTP(t *testing.T) {
	fx := newBackupFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/backups", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/backups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Backups []backup.Metadata `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Backups, 1)
}
