package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/graph/graphtest"
	"codegraph-backend/internal/namespace"
)

var histNow = time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, enabled bool) (*Engine, *graphtest.Fake) {
	t.Helper()
	fake := graphtest.NewFake()
	cfg := config.HistoryConfig{
		Enabled:       enabled,
		PruneLockPath: filepath.Join(t.TempDir(), "prune.lock"),
	}
	e := NewEngine(fake, namespace.New(), cfg, nil, nil, nil)
	e.now = func() time.Time { return histNow }
	seq := 0
	e.newID = func() string {
		seq++
		return "test-" + string(rune('0'+seq))
	}
	return e, fake
}

func TestDisabledEngineReturnsSentinelAndWritesNothing(t *testing.T) {
	e, fake := newEngine(t, false)

	id, err := e.AppendVersion(context.Background(), &domain.Entity{ID: "f1", Type: domain.EntityFile}, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, DisabledSentinel, id)

	edgeID, err := e.OpenEdge(context.Background(), "a", "b", domain.RelCalls, time.Time{}, "")
	require.NoError(t, err)
	assert.Equal(t, DisabledSentinel, edgeID)

	require.NoError(t, e.CloseEdge(context.Background(), "a", "b", domain.RelCalls, time.Time{}))

	cp, err := e.CreateCheckpoint(context.Background(), []string{"a"}, CheckpointOptions{Reason: "x"})
	require.NoError(t, err)
	assert.Equal(t, DisabledSentinel, cp.CheckpointID)

	assert.Empty(t, fake.Recorded())
}

func TestAppendVersionLinksChain(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{
		Match: "CREATE (v:Version:Entity)",
		RowsFn: func(q graph.Query) []graph.Record {
			props := q.Params["props"].(map[string]any)
			return []graph.Record{{"versionId": props["id"]}}
		},
	})

	id, err := e.AppendVersion(context.Background(), &domain.Entity{
		ID: "file_auth", Type: domain.EntityFile, Hash: "abc123", Path: "src/auth.ts",
	}, AppendOptions{ChangeSetID: "cs-1"})
	require.NoError(t, err)
	assert.Contains(t, id, "version_")

	q := fake.Recorded()[0]
	assert.Contains(t, q.Text, "ORDER BY prev.timestamp DESC LIMIT 1")
	assert.Contains(t, q.Text, "CREATE (v)-[:PREVIOUS_VERSION]->(p)")
	props := q.Params["props"].(map[string]any)
	assert.Equal(t, "abc123", props["hash"])
	assert.Equal(t, "cs-1", props["changeSetId"])
}

func TestAppendVersionMissingEntity(t *testing.T) {
	e, _ := newEngine(t, true)

	_, err := e.AppendVersion(context.Background(), &domain.Entity{ID: "ghost"}, AppendOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestOpenEdgeSetsIntervalOnCanonicalEdge(t *testing.T) {
	e, fake := newEngine(t, true)

	ts := histNow.Add(-time.Minute)
	id, err := e.OpenEdge(context.Background(), "sym_a", "sym_b", domain.RelCalls, ts, "cs-9")
	require.NoError(t, err)
	assert.Equal(t, domain.CanonicalID("sym_a", domain.RelCalls, domain.TargetRef{EntityID: "sym_b"}), id)

	q := fake.Recorded()[0]
	assert.Contains(t, q.Text, "MERGE (a)-[r:CALLS {id: $relId}]->(b)")
	props := q.Params["props"].(map[string]any)
	assert.Equal(t, true, props["active"])
	assert.Nil(t, props["validTo"])
	assert.Equal(t, domain.FormatTime(ts), props["validFrom"])
}

func TestCloseEdgeKeepsEarliestCloseTime(t *testing.T) {
	e, fake := newEngine(t, true)

	require.NoError(t, e.CloseEdge(context.Background(), "sym_a", "sym_b", domain.RelCalls, histNow))
	q := fake.Recorded()[0]
	assert.Contains(t, q.Text, "r.validTo = coalesce(r.validTo, $ts)")
	assert.Contains(t, q.Text, "r.active = false")
}

func TestCreateCheckpointClampsHopsAndCountsMembers(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{
		Match: "SET c.memberCount = members",
		Rows:  []graph.Record{{"members": int64(17)}},
	})

	res, err := e.CreateCheckpoint(context.Background(), []string{"sym_a", "sym_b"}, CheckpointOptions{
		Reason: "before refactor",
		Hops:   9,
	})
	require.NoError(t, err)
	assert.Equal(t, 17, res.MemberCount)

	expand := fake.RecordedMatching("CHECKPOINT_INCLUDES]->(m)")
	require.Len(t, expand, 1)
	assert.Contains(t, expand[0].Text, "[*0..5]")
}

func TestCreateCheckpointRequiresSeeds(t *testing.T) {
	e, _ := newEngine(t, true)
	_, err := e.CreateCheckpoint(context.Background(), nil, CheckpointOptions{Reason: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestTimeTravelFiltersIntervals(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{
		Match: "relationships(p)",
		Rows: []graph.Record{
			{"m": map[string]any{"properties": map[string]any{"id": "sym_b"}}, "depth": int64(1)},
			{"m": map[string]any{"properties": map[string]any{"id": "sym_c"}}, "depth": int64(2)},
		},
	})

	until := histNow.Add(-48 * time.Hour)
	nodes, err := e.TimeTravelTraversal(context.Background(), TraversalOptions{
		StartID:           "sym_a",
		RelationshipTypes: []domain.RelationshipType{domain.RelCalls, domain.RelUses},
		MaxDepth:          3,
		Until:             until,
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, 1, nodes[0].Depth)

	q := fake.Recorded()[0]
	assert.Contains(t, q.Text, "[:CALLS|USES*1..3]")
	assert.Contains(t, q.Text, "r.validFrom <= $until")
	assert.Contains(t, q.Text, "r.validTo IS NULL OR r.validTo >= $until")
	assert.Equal(t, domain.FormatTime(until), q.Params["until"])
}

func TestTimeTravelBoundsSortAtSubSecondBoundaries(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{Match: "relationships(p)", Rows: nil})

	openedAt := histNow // whole second
	until := histNow.Add(500 * time.Millisecond)
	_, err := e.TimeTravelTraversal(context.Background(), TraversalOptions{
		StartID: "sym_a",
		Until:   until,
	})
	require.NoError(t, err)

	param, ok := fake.Recorded()[0].Params["until"].(string)
	require.True(t, ok)
	assert.Equal(t, "2026-08-10T09:00:00.500000000Z", param)

	// The interval predicates compare stored strings lexicographically, so
	// an edge opened on the whole second must sort before the bound.
	assert.Less(t, domain.FormatTime(openedAt), param)
	assert.Greater(t, domain.FormatTime(until.Add(time.Nanosecond)), param)
}

func TestPruneRejectsNonPositiveRetention(t *testing.T) {
	e, fake := newEngine(t, true)
	_, err := e.PruneHistory(context.Background(), 0, PruneOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeRetentionInvalid, errors.CodeOf(err))
	assert.Empty(t, fake.Recorded())
}

func TestPruneOrdersDeletesAndProtectsCheckpointMembers(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{Match: "size(expired) AS n", Rows: []graph.Record{{"n": int64(2)}}})
	fake.Stub(graphtest.Rule{Match: "size(closed) AS n", Rows: []graph.Record{{"n": int64(8)}}})
	fake.Stub(graphtest.Rule{Match: "size(stale) AS n", Rows: []graph.Record{{"n": int64(5)}}})

	res, err := e.PruneHistory(context.Background(), 30, PruneOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CheckpointsDeleted)
	assert.Equal(t, int64(8), res.EdgesClosed)
	assert.Equal(t, int64(5), res.VersionsDeleted)

	queries := fake.Recorded()
	require.Len(t, queries, 3)
	assert.Contains(t, queries[0].Text, "Checkpoint")
	assert.Contains(t, queries[2].Text, "NOT EXISTS")
	assert.Contains(t, queries[2].Text, "CHECKPOINT_INCLUDES]->(v)")
}

func TestPruneDryRunOnlyCounts(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{Match: "count(c) AS n", Rows: []graph.Record{{"n": int64(1)}}})
	fake.Stub(graphtest.Rule{Match: "count(r) AS n", Rows: []graph.Record{{"n": int64(2)}}})
	fake.Stub(graphtest.Rule{Match: "count(v) AS n", Rows: []graph.Record{{"n": int64(3)}}})

	res, err := e.PruneHistory(context.Background(), 30, PruneOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, int64(3), res.VersionsDeleted)
	for _, q := range fake.Recorded() {
		assert.NotContains(t, q.Text, "DELETE")
	}
}

func TestCheckpointExportRoundTrip(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{
		Match: "MATCH (c:Checkpoint {id: $id}) RETURN properties(c)",
		Rows: []graph.Record{{"props": map[string]any{
			"id": "checkpoint_1", "reason": "release", "hops": int64(2),
			"memberCount": int64(2), "created": domain.FormatTime(histNow),
			"seedIds": []any{"sym_a"},
		}}},
	})
	fake.Stub(graphtest.Rule{
		Match: "UNWIND $memberIds AS memberId",
		Rows:  []graph.Record{{"members": int64(2)}},
	})
	fake.Stub(graphtest.Rule{
		Match: "RETURN properties(m) AS props",
		Rows: []graph.Record{
			{"props": map[string]any{"id": "sym_a"}},
			{"props": map[string]any{"id": "sym_b"}},
		},
	})

	data, err := e.ExportCheckpoint(context.Background(), "checkpoint_1")
	require.NoError(t, err)
	res, err := e.ImportCheckpoint(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint_1", res.CheckpointID)
	assert.Equal(t, 2, res.MemberCount)
}

func TestImportCheckpointRejectsGarbage(t *testing.T) {
	e, _ := newEngine(t, true)
	_, err := e.ImportCheckpoint(context.Background(), []byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestEntityTimelineMergesAndSorts(t *testing.T) {
	e, fake := newEngine(t, true)
	fake.Stub(graphtest.Rule{
		Match: "MATCH (v:Version {entityId: $id})",
		Rows: []graph.Record{{
			"versionId": "version_1", "ts": domain.FormatTime(histNow.Add(-time.Hour)),
			"changeSetId": "cs-1",
		}},
	})
	fake.Stub(graphtest.Rule{
		Match: "r.validFrom IS NOT NULL",
		Rows: []graph.Record{{
			"edgeId": "rel_1", "edgeType": "CALLS",
			"validFrom": domain.FormatTime(histNow.Add(-3 * time.Hour)),
			"validTo":   domain.FormatTime(histNow.Add(-30 * time.Minute)),
		}},
	})
	fake.Stub(graphtest.Rule{
		Match: "c.id AS checkpointId",
		Rows:  []graph.Record{{"checkpointId": "checkpoint_1", "ts": domain.FormatTime(histNow)}},
	})

	entries, err := e.EntityTimeline(context.Background(), "sym_a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "checkpoint", entries[0].Kind)
	assert.Equal(t, "edge_closed", entries[1].Kind)
	assert.Equal(t, "version", entries[2].Kind)
	assert.Equal(t, "edge_opened", entries[3].Kind)
}
