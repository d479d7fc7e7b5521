package domain

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeIsFixedWidth(t *testing.T) {
	whole := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{
		whole,
		whole.Add(500 * time.Millisecond),
		whole.Add(time.Nanosecond),
		whole.Add(999999999 * time.Nanosecond),
	} {
		assert.Len(t, FormatTime(ts), len("2024-01-01T00:00:00.000000000Z"))
	}
}

func TestFormatTimeOrderMatchesTemporalOrder(t *testing.T) {
	whole := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// RFC3339Nano strips trailing fractional zeros, which makes
	// "...00Z" sort after "...00.5Z"; the padded layout must not.
	instants := []time.Time{
		whole.Add(-time.Second),
		whole.Add(-time.Nanosecond),
		whole,
		whole.Add(time.Nanosecond),
		whole.Add(500 * time.Millisecond),
		whole.Add(time.Second),
		whole.Add(time.Second + 500*time.Millisecond),
	}
	for i := 1; i < len(instants); i++ {
		a, b := FormatTime(instants[i-1]), FormatTime(instants[i])
		assert.Less(t, a, b, "%v vs %v", instants[i-1], instants[i])
	}

	formatted := make([]string, len(instants))
	for i, ts := range instants {
		formatted[i] = FormatTime(ts)
	}
	assert.True(t, sort.StringsAreSorted(formatted))
}

func TestFormatTimeNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	local := time.Date(2024, 1, 1, 12, 0, 0, 0, loc)

	assert.Equal(t, "2024-01-01T10:00:00.000000000Z", FormatTime(local))
}

func TestParseTimeRoundTripAndLegacyValues(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 500000000, time.UTC)

	parsed, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))

	// Values stored before the fixed-width layout.
	legacy, err := ParseTime("2024-01-01T00:00:00.5Z")
	require.NoError(t, err)
	assert.True(t, legacy.Equal(ts))

	_, err = ParseTime("not a timestamp")
	assert.Error(t, err)
}
