package timex

import "time"

// IntervalLength is the size of one rolling interval.
const IntervalLength = 10 * time.Minute

// IntervalNumber returns the rolling interval index containing t
// (seconds since the epoch divided by 600).
func IntervalNumber(t time.Time) uint32 {
	return uint32(t.Unix() / int64(IntervalLength/time.Second))
}

// IntervalStart converts an interval index back to wall-clock time.
func IntervalStart(n uint32) time.Time {
	return time.Unix(int64(n)*int64(IntervalLength/time.Second), 0).UTC()
}

// Day truncates t to UTC midnight.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
