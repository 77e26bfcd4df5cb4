// Package epiweek handles CDC MMWR epidemiological week identifiers in the
// YYYYWW integer form used by the Epidata API.
package epiweek

import (
	"fmt"
	"time"
)

// MaxWeek is the highest week number any year can have.
const MaxWeek = 53

// Make builds a YYYYWW identifier.
func Make(year, week int) int {
	return year*100 + week
}

// Split returns the year and week parts of an identifier.
func Split(w int) (year, week int) {
	return w / 100, w % 100
}

// YearRange returns the week filter used when requesting a whole year:
// week 01 through week 53. Years with only 52 weeks are clamped upstream.
func YearRange(year int) (start, end int) {
	return Make(year, 1), Make(year, MaxWeek)
}

// FormatRange formats a range the way the API expects it (e.g. "202401-202453").
func FormatRange(start, end int) string {
	return fmt.Sprintf("%d-%d", start, end)
}

// weekOneStart returns the Sunday that begins MMWR week 1 of year.
// Week 1 is the first Sunday-Saturday week with at least four days in the
// year, i.e. the week containing January 4.
func weekOneStart(year int) time.Time {
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	return jan4.AddDate(0, 0, -int(jan4.Weekday()))
}

// WeeksInYear returns 52 or 53.
func WeeksInYear(year int) int {
	days := weekOneStart(year+1).Sub(weekOneStart(year)).Hours() / 24
	return int(days) / 7
}

// Valid reports whether w names a week that exists.
func Valid(w int) bool {
	year, week := Split(w)
	if year < 1 || week < 1 {
		return false
	}
	return week <= WeeksInYear(year)
}

// Next returns the week following w, rolling into the next year.
func Next(w int) int {
	year, week := Split(w)
	if week >= WeeksInYear(year) {
		return Make(year+1, 1)
	}
	return Make(year, week+1)
}

// Generate lists every week from start to end inclusive.
func Generate(start, end int) []int {
	if start > end {
		return nil
	}
	var weeks []int
	for w := start; w <= end; w = Next(w) {
		weeks = append(weeks, w)
	}
	return weeks
}

// FromTime returns the epiweek containing t.
func FromTime(t time.Time) int {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	year := t.Year()
	if day.Before(weekOneStart(year)) {
		year--
	} else if !day.Before(weekOneStart(year + 1)) {
		year++
	}
	days := int(day.Sub(weekOneStart(year)).Hours() / 24)
	return Make(year, days/7+1)
}

// Format renders a week for display, e.g. "2024 - Week 5".
func Format(w int) string {
	year, week := Split(w)
	return fmt.Sprintf("%d - Week %d", year, week)
}
