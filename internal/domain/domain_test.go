package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalIDCollapsesResolutionStates(t *testing.T) {
	// An unresolved CALLS sighting and the later resolved edge share one id
	// because code edges hash the normalized target reference.
	unresolved := Relationship{
		Type:         RelCalls,
		FromEntityID: "sym_foo",
		ToEntityID:   "pending:bar",
		ToRef:        TargetRef{Symbol: "bar", File: "src/m.ts", Kind: "function"},
	}
	resolved := Relationship{
		Type:         RelCalls,
		FromEntityID: "sym_foo",
		ToEntityID:   "sym_bar",
		ToRef:        TargetRef{Symbol: "bar", File: "src/m.ts", Kind: "function"},
	}
	assert.Equal(t, unresolved.Canonicalize(), resolved.Canonicalize())

	// Structural edges keep entity-id identity.
	a := Relationship{Type: RelContains, FromEntityID: "dir_src", ToEntityID: "file_a"}
	b := Relationship{Type: RelContains, FromEntityID: "dir_src", ToEntityID: "file_b"}
	assert.NotEqual(t, a.Canonicalize(), b.Canonicalize())
}

func TestCanonicalIDIsDeterministic(t *testing.T) {
	r := Relationship{
		Type:         RelReferences,
		FromEntityID: "sym_x",
		ToRef:        TargetRef{Symbol: "y", File: "pkg/y.go", Kind: "symbol"},
		ToEntityID:   "sym_y",
	}
	first := r.Canonicalize()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, r.Canonicalize())
	}
}

func TestMergeObservationsDeduplicatesAndCaps(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("DedupByFingerprint", func(t *testing.T) {
		a := NewObservation("m.ts", 10, 4, "call", base)
		dup := NewObservation("m.ts", 10, 4, "call", base.Add(time.Hour))
		merged := MergeObservations([]Observation{a}, []Observation{dup})
		require.Len(t, merged, 1)
		// Newest sighting wins for the shared fingerprint.
		assert.Equal(t, base.Add(time.Hour), merged[0].SeenAt)
	})

	t.Run("CapAtTwentyMostRecent", func(t *testing.T) {
		var incoming []Observation
		for i := 0; i < 30; i++ {
			incoming = append(incoming, NewObservation("m.ts", i, 0, "call", base.Add(time.Duration(i)*time.Minute)))
		}
		merged := MergeObservations(nil, incoming)
		require.Len(t, merged, MaxEvidence)
		// Most recent first; the 10 oldest were truncated.
		assert.Equal(t, base.Add(29*time.Minute), merged[0].SeenAt)
		assert.Equal(t, base.Add(10*time.Minute), merged[len(merged)-1].SeenAt)
	})
}

func TestMergeIntoAppliesEvidenceRules(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	stored := Relationship{
		Type:             RelCalls,
		FromEntityID:     "sym_foo",
		ToEntityID:       "sym_bar",
		Evidence:         []Observation{NewObservation("m.ts", 1, 0, "call", t0)},
		Confidence:       0.5,
		OccurrencesTotal: 1,
		LastSeenAt:       t0,
		Version:          1,
		Active:           true,
	}
	incoming := Relationship{
		Type:             RelCalls,
		FromEntityID:     "sym_foo",
		ToEntityID:       "sym_bar",
		Evidence:         []Observation{NewObservation("m.ts", 9, 2, "call", t0.Add(time.Minute))},
		Confidence:       0.9,
		OccurrencesTotal: 1,
		LastSeenAt:       t0.Add(time.Minute),
	}

	stored.MergeInto(&incoming, t0.Add(time.Minute))

	assert.Len(t, stored.Evidence, 2)
	assert.Equal(t, int64(2), stored.OccurrencesTotal)
	assert.Equal(t, 0.9, stored.Confidence)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, t0.Add(time.Minute), stored.LastSeenAt)
	assert.True(t, stored.Active)
}

func TestMergeIntoReopensClosedInterval(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	closed := t0.Add(time.Hour)
	stored := Relationship{
		Type: RelUses, FromEntityID: "a", ToEntityID: "b",
		Active: false, ValidTo: &closed, Version: 3,
	}
	now := t0.Add(2 * time.Hour)
	stored.MergeInto(&Relationship{Type: RelUses, FromEntityID: "a", ToEntityID: "b"}, now)

	assert.True(t, stored.Active)
	assert.Nil(t, stored.ValidTo)
	require.NotNil(t, stored.ValidFrom)
	assert.Equal(t, now, *stored.ValidFrom)
}

func TestEntityLabelsDeriveFromType(t *testing.T) {
	fn := Entity{ID: "f", Type: EntityFunction}
	assert.ElementsMatch(t, []string{"Entity", "Symbol", "Function"}, fn.Labels())

	file := Entity{ID: "x", Type: EntityFile}
	assert.ElementsMatch(t, []string{"Entity", "File"}, file.Labels())
}

func TestValidationRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"entity missing id", (&Entity{Type: EntityFile}).Validate()},
		{"entity unknown type", (&Entity{ID: "x", Type: "widget"}).Validate()},
		{"relationship unknown type", (&Relationship{Type: "LINKS", FromEntityID: "a", ToEntityID: "b"}).Validate()},
		{"relationship missing endpoint", (&Relationship{Type: RelCalls, FromEntityID: "a"}).Validate()},
		{"relationship confidence range", (&Relationship{Type: RelCalls, FromEntityID: "a", ToEntityID: "b", Confidence: 1.5}).Validate()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.err)
		})
	}

	ok := Relationship{Type: RelCalls, FromEntityID: "a", ToEntityID: "b", Confidence: 0.7}
	assert.NoError(t, ok.Validate())
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("entity", "id1", "hash1")
	b := Fingerprint("entity", "id1", "hash1")
	c := Fingerprint("entity", "id1", "hash2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// Separator keeps ("ab","c") distinct from ("a","bc").
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestObservationFingerprintFormat(t *testing.T) {
	o := NewObservation("src/m.ts", 12, 7, "call", time.Now())
	assert.Equal(t, fmt.Sprintf("%s:%d:%d:%s", "src/m.ts", 12, 7, "call"), o.Fingerprint)
}
