package backup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
)

func checkFor(preview *RestorePreview, component string) *ComponentCheck {
	for i := range preview.Checks {
		if preview.Checks[i].Component == component {
			return &preview.Checks[i]
		}
	}
	return nil
}

func TestPreviewRestoreIssuesTokenOnHealthyBackup(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{
		RequestedBy:     "ops@example.com",
		VerifyIntegrity: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "dry_run_completed", preview.Status)
	assert.True(t, preview.IntegrityVerified)

	for _, component := range []string{componentGraph, componentVectors, componentTabular, componentConfig, "integrity"} {
		check := checkFor(preview, component)
		require.NotNil(t, check, component)
		assert.Equal(t, "valid", check.Status, component)
	}

	token := preview.Token
	require.NotNil(t, token)
	assert.NotEmpty(t, token.Token)
	assert.Equal(t, md.ID, token.BackupID)
	assert.True(t, token.CanProceed)
	assert.False(t, token.RequiresApproval)
	assert.Equal(t, "ops@example.com", token.RequestedBy)
	assert.True(t, token.ExpiresAt.Equal(token.IssuedAt.Add(15*time.Minute)))
}

func TestPreviewRestoreFlagsMissingArtifacts(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)

	require.NoError(t, fx.meta.Save(ctx, &Metadata{
		ID: "backup_ghost", Type: "full", Status: "completed",
		CreatedAt:  fx.clock,
		Components: map[string]bool{componentGraph: true},
		ProviderID: "local",
	}))

	preview, err := fx.c.PreviewRestore(ctx, "backup_ghost", PreviewOptions{})
	require.NoError(t, err)
	assert.Equal(t, "failed", preview.Status)

	check := checkFor(preview, componentGraph)
	require.NotNil(t, check)
	assert.Equal(t, "missing", check.Status)
	assert.False(t, preview.Token.CanProceed)
	assert.True(t, preview.Token.RequiresApproval)
}

func TestApplyRestoreTokenGateLadder(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	_, err := fx.c.ApplyRestore(ctx, ApplyOptions{})
	assert.Equal(t, errors.CodeRestoreTokenRequired, errors.CodeOf(err))

	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: "not-a-token"})
	assert.Equal(t, errors.CodeRestoreTokenInvalid, errors.CodeOf(err))

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{})
	require.NoError(t, err)
	fx.clock = fx.clock.Add(16 * time.Minute)
	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	assert.Equal(t, errors.CodeRestoreTokenExpired, errors.CodeOf(err))

	preview, err = fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{})
	require.NoError(t, err)
	fx.c.mu.Lock()
	fx.c.inflight[md.ID] = true
	fx.c.mu.Unlock()
	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	assert.Equal(t, errors.CodeRestoreInProgress, errors.CodeOf(err))
}

func TestApplyRestoreRejectsBlockedPreviewUntilApproved(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)

	require.NoError(t, fx.meta.Save(ctx, &Metadata{
		ID: "backup_partial", Type: "full", Status: "completed",
		CreatedAt:  fx.clock,
		Components: map[string]bool{componentGraph: true},
		ProviderID: "local",
	}))

	preview, err := fx.c.PreviewRestore(ctx, "backup_partial", PreviewOptions{})
	require.NoError(t, err)
	require.False(t, preview.Token.CanProceed)

	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	assert.Equal(t, errors.CodeRestoreValidationError, errors.CodeOf(err))

	// An explicit approval overrides the blocking findings; the apply then
	// fails on the genuinely absent artifacts rather than at the gate.
	_, err = fx.c.ApproveRestore(ctx, preview.Token.Token, "lead@example.com")
	require.NoError(t, err)
	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.Error(t, err)
	assert.NotEqual(t, errors.KindRestoreGate, errors.KindOf(err))
}

func TestApplyRestoreRequiresSecondApprovalWhenConfigured(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, func(cfg *config.Config) {
		cfg.Backup.RequireSecondApproval = true
	})
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{})
	require.NoError(t, err)
	assert.True(t, preview.Token.CanProceed)
	assert.True(t, preview.Token.RequiresApproval)

	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	assert.Equal(t, errors.CodeRestoreApprovalNeeded, errors.CodeOf(err))

	token, err := fx.c.ApproveRestore(ctx, preview.Token.Token, "lead@example.com")
	require.NoError(t, err)
	assert.Equal(t, "lead@example.com", token.ApprovedBy)

	result, err := fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
}

func TestApplyRestoreReplacesGraphAndVectors(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{VerifyIntegrity: true})
	require.NoError(t, err)

	result, err := fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	for _, component := range []string{componentGraph, componentVectors, componentTabular, componentConfig} {
		assert.Equal(t, "restored", result.Components[component], component)
	}

	require.Len(t, fx.g.RecordedMatching("DETACH DELETE n"), 1)
	creates := fx.g.RecordedMatching("CREATE (n:Entity")
	require.NotEmpty(t, creates)
	rels := fx.g.RecordedMatching("CREATE (a)-[r:CONTAINS]")
	require.Len(t, rels, 1)
	require.Len(t, fx.g.RecordedMatching("REMOVE n:Embeddable"), 1)

	assert.Contains(t, fx.g.Indexes, "entity-embeddings")
	points := fx.g.Vectors["Embeddable"]
	require.Len(t, points, 1)
	assert.Equal(t, "sym_login", points[0].EntityID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, points[0].Vector)
}

func TestRestoreTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{})
	require.NoError(t, err)

	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.NoError(t, err)

	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	assert.Equal(t, errors.CodeRestoreTokenInvalid, errors.CodeOf(err))
}

func TestApplyRestoreFailsIntegrityOnTamperedArtifacts(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{})
	require.NoError(t, err)

	require.NoError(t, fx.provider.WriteFile(ctx, graphDumpPath(md.ID), []byte(`{}`)))
	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.Error(t, err)
	assert.Equal(t, errors.CodeIntegrityMismatch, errors.CodeOf(err))
}

func TestApplyRestoreRejectsUnknownNodeLabel(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)

	id := "backup_crafted"
	dump := graphDump{
		Nodes: []nodeDump{{Labels: []string{"Entity", "DropTable"}, Props: map[string]any{"id": "x"}}},
	}
	raw, err := json.Marshal(dump)
	require.NoError(t, err)
	require.NoError(t, fx.provider.WriteFile(ctx, graphDumpPath(id), raw))
	require.NoError(t, fx.meta.Save(ctx, &Metadata{
		ID: id, Type: "full", Status: "completed",
		CreatedAt:  fx.clock,
		Components: map[string]bool{componentGraph: true},
		ProviderID: "local",
	}))

	preview, err := fx.c.PreviewRestore(ctx, id, PreviewOptions{})
	require.NoError(t, err)
	require.True(t, preview.Token.CanProceed)

	_, err = fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRestoreValidationError, errors.CodeOf(err))
	// The gate fails before anything destructive runs.
	assert.Empty(t, fx.g.RecordedMatching("DETACH DELETE"))
}

func TestRestoreTabularFallsBackToStatementDump(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)

	id := "backup_sqlonly"
	script := "CREATE TABLE IF NOT EXISTS notes (id TEXT PRIMARY KEY, body TEXT);\n" +
		"INSERT OR REPLACE INTO notes (id, body) VALUES ('n1', 'hello')"
	require.NoError(t, fx.provider.WriteFile(ctx, tabularFallbackPath(id), []byte(script)))
	require.NoError(t, fx.meta.Save(ctx, &Metadata{
		ID: id, Type: "full", Status: "completed",
		CreatedAt:  fx.clock,
		Components: map[string]bool{componentTabular: true},
		ProviderID: "local",
	}))

	preview, err := fx.c.PreviewRestore(ctx, id, PreviewOptions{})
	require.NoError(t, err)
	check := checkFor(preview, componentTabular)
	require.NotNil(t, check)
	assert.Equal(t, "valid", check.Status)

	result, err := fx.c.ApplyRestore(ctx, ApplyOptions{Token: preview.Token.Token})
	require.NoError(t, err)
	assert.Equal(t, "restored", result.Components[componentTabular])

	var body string
	require.NoError(t, fx.meta.db.QueryRowContext(ctx,
		`SELECT body FROM notes WHERE id = 'n1'`).Scan(&body))
	assert.Equal(t, "hello", body)
}

func TestApplyRestoreSelectsComponents(t *testing.T) {
	ctx := context.Background()
	fx := newCoordinatorFixture(t, nil)
	seedGraphDump(fx.g)
	md := createCompletedBackup(t, fx)

	preview, err := fx.c.PreviewRestore(ctx, md.ID, PreviewOptions{})
	require.NoError(t, err)

	result, err := fx.c.ApplyRestore(ctx, ApplyOptions{
		Token:      preview.Token.Token,
		Components: []string{componentTabular, componentConfig},
	})
	require.NoError(t, err)
	assert.Equal(t, "restored", result.Components[componentTabular])
	assert.Equal(t, "restored", result.Components[componentConfig])
	_, touched := result.Components[componentGraph]
	assert.False(t, touched)
	assert.Empty(t, fx.g.RecordedMatching("DETACH DELETE"))
}
