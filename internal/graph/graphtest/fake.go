// Package graphtest provides a scriptable in-memory Graph for store tests.
package graphtest

import (
	"context"
	"strings"
	"sync"

	"codegraph-backend/internal/graph"
)

// Rule matches queries by substring and returns canned rows or an error.
type Rule struct {
	Match string
	Rows  []graph.Record
	Err   error
	// RowsFn, when set, computes rows from the query (inspect params).
	RowsFn func(q graph.Query) []graph.Record
}

// Fake implements graph.Graph by recording every query and answering from
// its rule list. The zero value returns empty rows for everything.
type Fake struct {
	mu      sync.Mutex
	rules   []Rule
	Queries []graph.Query
	Vectors map[string][]graph.VectorItem
	Indexes []string

	SearchRows []graph.Record
	SearchErr  error
	StatsValue graph.Stats
}

// NewFake builds an empty fake.
func NewFake() *Fake {
	return &Fake{Vectors: make(map[string][]graph.VectorItem)}
}

// Stub registers a rule. Rules are matched in registration order.
func (f *Fake) Stub(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
}

// Recorded returns a copy of all executed queries.
func (f *Fake) Recorded() []graph.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]graph.Query, len(f.Queries))
	copy(out, f.Queries)
	return out
}

// RecordedMatching returns executed queries containing the substring.
func (f *Fake) RecordedMatching(substr string) []graph.Query {
	var out []graph.Query
	for _, q := range f.Recorded() {
		if strings.Contains(q.Text, substr) {
			out = append(out, q)
		}
	}
	return out
}

func (f *Fake) answer(q graph.Query) ([]graph.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, q)
	for _, rule := range f.rules {
		if strings.Contains(q.Text, rule.Match) {
			if rule.Err != nil {
				return nil, rule.Err
			}
			if rule.RowsFn != nil {
				return rule.RowsFn(q), nil
			}
			return rule.Rows, nil
		}
	}
	return nil, nil
}

func (f *Fake) Run(_ context.Context, q graph.Query) ([]graph.Record, error) {
	return f.answer(q)
}

func (f *Fake) RunTx(_ context.Context, queries []graph.Query) ([][]graph.Record, error) {
	out := make([][]graph.Record, 0, len(queries))
	for _, q := range queries {
		rows, err := f.answer(q)
		if err != nil {
			return nil, err
		}
		out = append(out, rows)
	}
	return out, nil
}

func (f *Fake) CreateVectorIndex(_ context.Context, name, _, _ string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Indexes = append(f.Indexes, name)
	return nil
}

func (f *Fake) UpsertVectors(_ context.Context, label string, items []graph.VectorItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Vectors == nil {
		f.Vectors = make(map[string][]graph.VectorItem)
	}
	f.Vectors[label] = append(f.Vectors[label], items...)
	return nil
}

func (f *Fake) SearchVectors(_ context.Context, _ string, _ []float32, _ graph.VectorSearchOptions) ([]graph.Record, error) {
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}
	return f.SearchRows, nil
}

func (f *Fake) Stats(_ context.Context) (graph.Stats, error) { return f.StatsValue, nil }

func (f *Fake) EnsureIndexes(_ context.Context) error { return nil }

func (f *Fake) Close(_ context.Context) error { return nil }
