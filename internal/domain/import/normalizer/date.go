package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var ErrInvalidDate = errors.New("invalid date")

// dayFirstFormats are tried in order. Day-first layouts precede month-first
// ones so "03/04/2024" reads as 3 April.
var dayFirstFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
	"2.1.2006",
	"02/01/06",
	"02-01-06",
	"02.01.06",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"02 Jan 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"02-Jan-06",
	"02 January 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 02 2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02.01.2006 15:04",
}

var monthFirstFormats = []string{
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"1-2-2006",
	"01/02/06",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
}

// ParseFlexibleDate parses a statement date, preferring day-first readings.
func ParseFlexibleDate(s string) (time.Time, error) {
	return ParseDate(s, false)
}

// ParseDate parses s trying month-first layouts first when monthFirst is set.
// The time of day is dropped.
func ParseDate(s string, monthFirst bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}

	formats := dayFirstFormats
	if monthFirst {
		formats = append(append([]string{}, monthFirstFormats...), dayFirstFormats...)
	}

	for _, layout := range formats {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() < 1900 || t.Year() > 2200 {
				continue
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}

// IsProbableDate reports whether s looks like and parses as a date.
func IsProbableDate(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 6 || len(s) > 32 {
		return false
	}
	hasDigit := false
	for _, r := range s {
		if unicode.IsDigit(r) {
			hasDigit = true
			break
		}
	}
	if !hasDigit {
		return false
	}
	_, err := ParseFlexibleDate(s)
	return err == nil
}
