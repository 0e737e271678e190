package domain

import (
	"fmt"
	"time"
)

// DateFormat is the storage format for calendar dates.
const DateFormat = time.DateOnly

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// IsMonday reports whether the date string falls on a Monday.
func IsMonday(s string) bool {
	t, err := ParseDate(s)
	if err != nil {
		return false
	}
	return t.Weekday() == time.Monday
}

// WeekDates returns the seven dates of the week starting at weekStart.
func WeekDates(weekStart string) ([]string, error) {
	start, err := ParseDate(weekStart)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 7)
	for i := 0; i < 7; i++ {
		dates[i] = start.AddDate(0, 0, i).Format(DateFormat)
	}
	return dates, nil
}

// WeekEnd returns weekStart+6 days.
func WeekEnd(weekStart string) (string, error) {
	start, err := ParseDate(weekStart)
	if err != nil {
		return "", err
	}
	return start.AddDate(0, 0, 6).Format(DateFormat), nil
}

// WeekContains reports whether date falls inside [weekStart, weekStart+6].
func WeekContains(weekStart, date string) bool {
	start, err := ParseDate(weekStart)
	if err != nil {
		return false
	}
	d, err := ParseDate(date)
	if err != nil {
		return false
	}
	end := start.AddDate(0, 0, 6)
	return !d.Before(start) && !d.After(end)
}

// ValidClock reports whether s is an HH:MM time of day.
func ValidClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}
