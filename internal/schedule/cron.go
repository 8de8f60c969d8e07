// Package schedule implements standard 5-field cron matching for the
// Scheduler / Automation Controller (C10). No repository in the reference
// pack imports an external cron library; this is adapted from the stdlib
// cron parser in tomtom215-cartographus's internal/newsletter/scheduler
// (field-list parsing + minute-by-minute scan), generalized here to also
// scan backward (PrevRun) for the cold-start ±10 minute rule (spec.md
// §4.10, §8 property 9).
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed 5-field cron expression: minute hour
// day-of-month month day-of-week.
type Expression struct {
	Minutes     []int
	Hours       []int
	DaysOfMonth []int
	Months      []int
	DaysOfWeek  []int
}

// Parse parses a standard 5-field cron expression, supporting `*`, `n`,
// `n-m`, `n,m,o`, `*/n`, and `n-m/s`.
func Parse(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("schedule: cron expression must have 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("schedule: minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("schedule: hour field: %w", err)
	}
	daysOfMonth, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("schedule: day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("schedule: month field: %w", err)
	}
	daysOfWeek, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("schedule: day-of-week field: %w", err)
	}
	for i, d := range daysOfWeek {
		if d == 7 {
			daysOfWeek[i] = 0
		}
	}

	return &Expression{
		Minutes: minutes, Hours: hours, DaysOfMonth: daysOfMonth,
		Months: months, DaysOfWeek: uniqueSorted(daysOfWeek),
	}, nil
}

const maxScanMinutes = 365 * 24 * 60 * 4 // 4 years, mirrors the teacher's bound

// NextRun returns the first matching instant strictly after `after`.
func (e *Expression) NextRun(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Add(time.Minute)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	for i := 0; i < maxScanMinutes; i++ {
		if e.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// PrevRun returns the most recent matching instant at or before `before`
// (spec.md §4.10's cold-start rule needs "the most recent scheduled
// instant", which a forward-only NextRun can't answer).
func (e *Expression) PrevRun(before time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := before.In(loc)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	for i := 0; i < maxScanMinutes; i++ {
		if e.matches(t) {
			return t
		}
		t = t.Add(-time.Minute)
	}
	return time.Time{}
}

func (e *Expression) matches(t time.Time) bool {
	if !containsInt(e.Minutes, t.Minute()) {
		return false
	}
	if !containsInt(e.Hours, t.Hour()) {
		return false
	}
	if !containsInt(e.Months, int(t.Month())) {
		return false
	}

	domMatch := containsInt(e.DaysOfMonth, t.Day())
	dowMatch := containsInt(e.DaysOfWeek, int(t.Weekday()))
	domWildcard := len(e.DaysOfMonth) == 31
	dowWildcard := len(e.DaysOfWeek) == 7

	switch {
	case domWildcard && dowWildcard:
		return true
	case domWildcard:
		return dowMatch
	case dowWildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func parseField(field string, minVal, maxVal int) ([]int, error) {
	if field == "*" {
		return rangeInts(minVal, maxVal), nil
	}
	if strings.Contains(field, ",") {
		var result []int
		for _, part := range strings.Split(field, ",") {
			vals, err := parseFieldPart(part, minVal, maxVal)
			if err != nil {
				return nil, err
			}
			result = append(result, vals...)
		}
		return uniqueSorted(result), nil
	}
	return parseFieldPart(field, minVal, maxVal)
}

func parseFieldPart(part string, minVal, maxVal int) ([]int, error) {
	if strings.Contains(part, "/") {
		halves := strings.SplitN(part, "/", 2)
		step, err := strconv.Atoi(halves[1])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", halves[1])
		}
		start, end := minVal, maxVal
		switch {
		case halves[0] == "*":
		case strings.Contains(halves[0], "-"):
			rangeParts := strings.SplitN(halves[0], "-", 2)
			start, err = strconv.Atoi(rangeParts[0])
			if err != nil {
				return nil, fmt.Errorf("invalid range start %q", rangeParts[0])
			}
			end, err = strconv.Atoi(rangeParts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid range end %q", rangeParts[1])
			}
		default:
			start, err = strconv.Atoi(halves[0])
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", halves[0])
			}
			end = maxVal
		}
		var out []int
		for i := start; i <= end; i += step {
			if i >= minVal && i <= maxVal {
				out = append(out, i)
			}
		}
		return out, nil
	}

	if strings.Contains(part, "-") {
		rangeParts := strings.SplitN(part, "-", 2)
		start, err := strconv.Atoi(rangeParts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", rangeParts[0])
		}
		end, err := strconv.Atoi(rangeParts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", rangeParts[1])
		}
		if start > end || start < minVal || end > maxVal {
			return nil, fmt.Errorf("invalid range %d-%d (bounds %d-%d)", start, end, minVal, maxVal)
		}
		return rangeInts(start, end), nil
	}

	val, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", part)
	}
	if val < minVal || val > maxVal {
		return nil, fmt.Errorf("value %d out of range %d-%d", val, minVal, maxVal)
	}
	return []int{val}, nil
}

func rangeInts(start, end int) []int {
	out := make([]int, end-start+1)
	for i := range out {
		out[i] = start + i
	}
	return out
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func uniqueSorted(xs []int) []int {
	seen := make(map[int]bool, len(xs))
	out := xs[:0]
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Ints(out)
	return out
}
