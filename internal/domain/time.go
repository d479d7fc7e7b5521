package domain

import "time"

// TimeLayout is the stored timestamp form. The fractional seconds are
// zero-padded to nanosecond width so lexicographic order on stored strings
// matches temporal order; RFC3339Nano drops trailing zeros, which inverts
// string order at sub-second boundaries ("...00Z" > "...00.5Z").
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the stored layout. Every timestamp written to
// the graph, and every timestamp parameter a query compares or orders by,
// goes through here. Input is normalized to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp. Plain RFC 3339 values written by
// older snapshots parse too.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
