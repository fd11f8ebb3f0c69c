package common

import (
	"fmt"
	"regexp"
	"time"
)

// periodKeyPattern matches ISO week identifiers such as 2026-W07
var periodKeyPattern = regexp.MustCompile(`^\d{4}-W(0[1-9]|[1-4]\d|5[0-3])$`)

// PeriodKey returns the ISO calendar week of t in loc, formatted YYYY-Www.
// The ISO year is used, so 2027-01-01 (a Friday) belongs to 2026-W53.
func PeriodKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	year, week := t.In(loc).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// IsPeriodKey reports whether s is a well-formed period key
func IsPeriodKey(s string) bool {
	return periodKeyPattern.MatchString(s)
}
