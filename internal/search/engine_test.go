package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/errors"
	"codegraph-backend/internal/graph"
	"codegraph-backend/internal/graph/graphtest"
	"codegraph-backend/internal/namespace"
	"codegraph-backend/internal/vector"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) { return s.vec, s.err }
func (s *stubEmbedder) Dimensions() int                                  { return len(s.vec) }

func newSearchEngine(t *testing.T, embedder vector.Embedder) (*Engine, *graphtest.Fake) {
	t.Helper()
	fake := graphtest.NewFake()
	scope := namespace.New()
	vcfg := config.VectorConfig{IndexName: "idx", Dimensions: 4, Similarity: "cosine", BatchSize: 200}
	vectors := vector.NewStore(fake, scope, vcfg, nil)
	cfg := config.SearchConfig{CacheSize: 500, CacheTTL: 5 * time.Minute, DefaultLimit: 50, FuzzyThreshold: 0.6}
	return NewEngine(fake, vectors, embedder, scope, cfg, nil, nil), fake
}

func structuralRow(id, name, path, typ string) graph.Record {
	return graph.Record{"id": id, "name": name, "path": path, "type": typ}
}

func semanticRow(id string, score float64, md map[string]any) graph.Record {
	props := map[string]any{"id": id}
	for k, v := range md {
		props[k] = v
	}
	return graph.Record{
		"node":  map[string]any{"properties": props},
		"score": score,
	}
}

func TestRouteHeuristics(t *testing.T) {
	assert.Equal(t, StrategyStructural, route(Request{Query: "src/auth.ts"}))
	assert.Equal(t, StrategyStructural, route(Request{Query: "auth:login"}))
	assert.Equal(t, StrategyStructural, route(Request{
		Query:  "login",
		Filter: map[string]string{"type": "function", "language": "ts", "pathPrefix": "src/"},
	}))
	assert.Equal(t, StrategyHybrid, route(Request{Query: "how sessions are validated"}))
}

func TestStructuralSearchScoresExactMatchesHighest(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "n.name CONTAINS $q",
		Rows: []graph.Record{
			structuralRow("sym_2", "handleLoginRetry", "src/auth.ts", "function"),
			structuralRow("sym_1", "handleLogin", "src/auth.ts", "function"),
		},
	})

	results, err := e.Search(context.Background(), Request{
		Query:    "handleLogin",
		Strategy: StrategyStructural,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "sym_1", results[0].EntityID)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 0.8, results[1].Score)
}

func TestStructuralFilterClauses(t *testing.T) {
	e, fake := newSearchEngine(t, nil)

	_, err := e.Search(context.Background(), Request{
		Query:    "login",
		Strategy: StrategyStructural,
		Filter:   map[string]string{"type": "function", "pathPrefix": "src/"},
	})
	require.NoError(t, err)

	q := fake.Recorded()[0]
	assert.Contains(t, q.Text, "n.type = $ftype")
	assert.Contains(t, q.Text, "n.path STARTS WITH $fpath")
}

func TestFuzzySearchAppliesThreshold(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "size(n.name) >= $minLen",
		Rows: []graph.Record{
			structuralRow("sym_1", "handleLogin", "src/auth.ts", "function"),
			structuralRow("sym_2", "handleLogout", "src/auth.ts", "function"),
			structuralRow("sym_3", "parseHeaders", "src/http.ts", "function"),
		},
	})

	results, err := e.Search(context.Background(), Request{
		Query:    "handleLogin",
		Strategy: StrategyStructural,
		Fuzzy:    true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "sym_1", results[0].EntityID)
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, "sym_2", results[1].EntityID)
	assert.True(t, results[1].Score >= 0.6)
}

func TestSimilarityNormalizesByRuneCount(t *testing.T) {
	assert.Equal(t, 1.0, similarity("login", "login"))
	assert.Equal(t, 0.0, similarity("", "x"))

	// One substitution over five runes scores 0.8 regardless of how many
	// bytes the runes occupy.
	assert.InDelta(t, 0.8, similarity("login", "logan"), 1e-9)
	assert.InDelta(t, 0.8, similarity("lögin", "lögan"), 1e-9)

	// Three edits over seven runes; byte-length normalization would
	// report a much higher score for these all-multibyte names.
	assert.InDelta(t, 1-3.0/7.0, similarity("ログイン処理", "ログアウト処理"), 1e-9)
}

func TestHybridMergesAndBoosts(t *testing.T) {
	e, fake := newSearchEngine(t, &stubEmbedder{vec: []float32{1, 0, 0, 0}})
	fake.Stub(graphtest.Rule{
		Match: "n.name CONTAINS $q",
		Rows: []graph.Record{
			structuralRow("shared", "login", "src/auth.ts", "function"),
			structuralRow("structOnly", "loginForm", "src/ui.ts", "function"),
		},
	})
	fake.SearchRows = []graph.Record{
		semanticRow("shared", 0.9, map[string]any{"name": "login"}),
		semanticRow("semOnly", 0.7, map[string]any{"name": "authenticate"}),
	}

	results, err := e.Search(context.Background(), Request{
		Query:    "login",
		Strategy: StrategyHybrid,
		Limit:    10,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.EntityID] = r
	}
	// Shared id averages the halves: (1.0 + 0.9) / 2.
	assert.InDelta(t, 0.95, byID["shared"].Score, 1e-9)
	assert.Equal(t, "hybrid", byID["shared"].Source)
	// Structural-only hits get the boost: 0.8 * 1.2.
	assert.InDelta(t, 0.96, byID["structOnly"].Score, 1e-9)
	assert.InDelta(t, 0.7, byID["semOnly"].Score, 1e-9)
}

func TestHybridDegradesWithoutEmbedder(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "n.name CONTAINS $q",
		Rows:  []graph.Record{structuralRow("sym_1", "login", "src/auth.ts", "function")},
	})

	results, err := e.Search(context.Background(), Request{Query: "login", Strategy: StrategyHybrid})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sym_1", results[0].EntityID)
}

func TestSemanticRequiresEmbedder(t *testing.T) {
	e, _ := newSearchEngine(t, nil)
	_, err := e.Search(context.Background(), Request{Query: "login", Strategy: StrategySemantic})
	require.Error(t, err)
	assert.Equal(t, errors.CodeEmbeddingUnavailable, errors.CodeOf(err))
}

func TestSearchCacheHitSkipsBackend(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "n.name CONTAINS $q",
		Rows:  []graph.Record{structuralRow("sym_1", "login", "src/auth.ts", "function")},
	})
	req := Request{Query: "login", Strategy: StrategyStructural}

	_, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	_, err = e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, fake.Recorded(), 1)

	hits, misses, size := e.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, 1, size)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "n.name CONTAINS $q",
		Rows:  []graph.Record{structuralRow("sym_1", "login", "src/auth.ts", "function")},
	})
	req := Request{Query: "login", Strategy: StrategyStructural}

	_, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	dropped := e.Invalidate(nil)
	assert.Equal(t, 1, dropped)

	_, err = e.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, fake.Recorded(), 2)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newResultCache(10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.put("k", []Result{{EntityID: "a"}})
	_, ok := c.get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("k")
	assert.False(t, ok)
}

func TestCacheKeyCanonicalizes(t *testing.T) {
	a := cacheKey(map[string]string{"b": "2", "a": "1"})
	b := cacheKey(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, "a=1|b=2", a)
}

func TestGlobToRegex(t *testing.T) {
	assert.Equal(t, `^src/.*\.ts$`, globToRegex("src/*.ts"))
	assert.Equal(t, `^config\..$`, globToRegex("config.?"))
}

func TestPatternSearchRejectsBadRegex(t *testing.T) {
	e, _ := newSearchEngine(t, nil)
	_, err := e.PatternSearch(context.Background(), "([", "regex", 10)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestFindNearbySymbolsRanksByDistance(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "ORDER BY abs(n.line - $line)",
		Rows: []graph.Record{
			{"id": "sym_near", "name": "a", "path": "src/x.ts", "type": "function", "line": int64(102)},
			{"id": "sym_far", "name": "b", "path": "src/x.ts", "type": "function", "line": int64(140)},
		},
	})

	results, err := e.FindNearbySymbols(context.Background(), "src/x.ts", 100, 50, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Greater(t, results[0].Score, results[1].Score)

	q := fake.Recorded()[0]
	assert.Equal(t, 50, q.Params["lo"])
	assert.Equal(t, 150, q.Params["hi"])
}

func TestGetEntityExamplesDecodesEvidence(t *testing.T) {
	e, fake := newSearchEngine(t, nil)
	fake.Stub(graphtest.Rule{
		Match: "CALLS|USES|REFERENCES",
		Rows: []graph.Record{{
			"id": "sym_caller", "name": "loginHandler", "path": "src/routes.ts", "via": "CALLS",
			"evidence": `[{"fingerprint":"src/routes.ts:42:8:call","file":"src/routes.ts","line":42,"snippet":"await login(user)"}]`,
		}},
	})

	examples, err := e.GetEntityExamples(context.Background(), "sym_login")
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "await login(user)", examples[0].Snippet)
	assert.Equal(t, "CALLS", examples[0].Via)
}
