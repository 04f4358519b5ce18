// Package timeparsing parses the age and date expressions accepted by
// CLI filters.
//
// Two layers:
//  1. Compact age: (\d+)([dwmy]) — 30d, 2w, 6m, 1y
//  2. Absolute date: YYYY-MM-DD
//
// Age units convert to whole days with fixed factors: w=7, m=30, y=365.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// compactAgeRe matches compact age patterns: (\d+)([dwmy])
var compactAgeRe = regexp.MustCompile(`^(\d+)([dwmy])$`)

// DateLayout is the accepted absolute date format.
const DateLayout = "2006-01-02"

// Day-conversion factors for the age units.
const (
	daysPerWeek  = 7
	daysPerMonth = 30
	daysPerYear  = 365
)

// ParseAgeDays converts a compact age expression into whole days.
//
// Examples:
//   - "30d" -> 30
//   - "30w" -> 210
//   - "6m"  -> 180
//   - "1y"  -> 365
func ParseAgeDays(s string) (int, error) {
	matches := compactAgeRe.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid age %q (expected <N>d, <N>w, <N>m, or <N>y)", s)
	}

	amount, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("invalid age amount: %q", matches[1])
	}

	switch matches[2] {
	case "d":
		return amount, nil
	case "w":
		return amount * daysPerWeek, nil
	case "m":
		return amount * daysPerMonth, nil
	case "y":
		return amount * daysPerYear, nil
	default:
		return 0, fmt.Errorf("invalid age unit %q", matches[2])
	}
}

// IsCompactAge returns true if the string matches the compact age
// syntax.
func IsCompactAge(s string) bool {
	return compactAgeRe.MatchString(s)
}

// ParseDate parses an absolute YYYY-MM-DD date at midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
	}
	return t.UTC(), nil
}
