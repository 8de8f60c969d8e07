package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", expr, err)
	}
	return e
}

func TestNextRunDailyAtThreeAM(t *testing.T) {
	e := mustParse(t, "0 3 * * *")
	after := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	got := e.NextRun(after, time.UTC)
	want := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

func TestNextRunRollsToNextDay(t *testing.T) {
	e := mustParse(t, "0 3 * * *")
	after := time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC)
	got := e.NextRun(after, time.UTC)
	want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

// TestScenarioS7ColdStartWindow mirrors spec.md's S7: cron "0 3 * * *",
// startup at 03:04 should fall within the prior scheduled run's ±10 minute
// window; startup at 04:30 should not.
func TestScenarioS7ColdStartWindow(t *testing.T) {
	e := mustParse(t, "0 3 * * *")

	startupOnTime := time.Date(2026, 3, 5, 3, 4, 0, 0, time.UTC)
	prev := e.PrevRun(startupOnTime, time.UTC)
	if diff := startupOnTime.Sub(prev); diff < 0 || diff > 10*time.Minute {
		t.Fatalf("expected 03:04 startup within 10 minutes of prior run %v, diff=%v", prev, diff)
	}

	startupLate := time.Date(2026, 3, 5, 4, 30, 0, 0, time.UTC)
	prevLate := e.PrevRun(startupLate, time.UTC)
	if diff := startupLate.Sub(prevLate); diff <= 10*time.Minute {
		t.Fatalf("expected 04:30 startup to be outside 10 minutes of prior run %v, diff=%v", prevLate, diff)
	}
}

func TestPrevRunFindsMostRecentPriorMatch(t *testing.T) {
	e := mustParse(t, "30 14 * * *")
	before := time.Date(2026, 6, 10, 14, 35, 0, 0, time.UTC)
	got := e.PrevRun(before, time.UTC)
	want := time.Date(2026, 6, 10, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("PrevRun = %v, want %v", got, want)
	}
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	if _, err := Parse("0 3 * *"); err == nil {
		t.Fatal("expected error for a 4-field expression")
	}
}

func TestParseStepAndRangeFields(t *testing.T) {
	e := mustParse(t, "*/15 8-10 * * 1-5")
	if len(e.Minutes) != 4 {
		t.Fatalf("expected 4 quarter-hour minutes, got %v", e.Minutes)
	}
	if len(e.Hours) != 3 {
		t.Fatalf("expected hours 8,9,10, got %v", e.Hours)
	}
	if len(e.DaysOfWeek) != 5 {
		t.Fatalf("expected weekday range Mon-Fri, got %v", e.DaysOfWeek)
	}
}

func TestParseNormalizesSundaySeven(t *testing.T) {
	e := mustParse(t, "0 0 * * 0,7")
	if len(e.DaysOfWeek) != 1 || e.DaysOfWeek[0] != 0 {
		t.Fatalf("expected day-of-week 7 to normalize into 0, got %v", e.DaysOfWeek)
	}
}

func TestMatchesDayOfMonthOrDayOfWeekWhenBothRestricted(t *testing.T) {
	// "0 0 1 * 1" means "the 1st of the month OR every Monday".
	e := mustParse(t, "0 0 1 * 1")
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday, not the 1st
	if !e.matches(monday) {
		t.Fatalf("expected Monday-but-not-1st to match under OR semantics")
	}
	firstOfMonth := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) // a Wednesday
	if !e.matches(firstOfMonth) {
		t.Fatalf("expected the 1st-but-not-Monday to match under OR semantics")
	}
}
