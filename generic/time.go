package generic

import (
	"fmt"
	"time"
)

// TimeLayout is the stored form of timestamps: fixed width, always UTC, so
// string comparison in SQL orders the same way as time comparison.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DayLayout is the stored form of report days.
const DayLayout = "2006-01-02"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
