// Package period implements billing-period calendar arithmetic.
package period

import "time"

// AddMonth returns t plus one calendar month. When the source day does not
// exist in the target month (e.g. Jan 31), the result clamps to the last
// valid day of that month instead of normalizing into the month after.
func AddMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	targetYear := year
	targetMonth := month + 1
	if targetMonth > time.December {
		targetMonth = time.January
		targetYear++
	}

	if last := daysIn(targetYear, targetMonth); day > last {
		day = last
	}

	hour, min, sec := t.Clock()
	return time.Date(targetYear, targetMonth, day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
