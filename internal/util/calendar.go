package util

import (
	"fmt"
	"time"
)

// ParseDate parses a YYYY-MM-DD string as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Days lists every UTC calendar day in the half-open range [start, end).
func Days(start, end time.Time) []time.Time {
	var days []time.Time
	for d := truncateDay(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// MonthStart returns the first instant of t's UTC month.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// YearsSince lists calendar years from first through the year of now.
func YearsSince(first int, now time.Time) []int {
	var years []int
	for y := first; y <= now.UTC().Year(); y++ {
		years = append(years, y)
	}
	return years
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
