package timecal

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testCalendar(t *testing.T, backtest bool) *Calendar {
	t.Helper()
	c, err := NewCalendar(filepath.Join(t.TempDir(), "calendar.db"), backtest, slog.Default())
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustDate(t *testing.T, s string, loc *time.Location) time.Time {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestTradingSessionRegularDay(t *testing.T) {
	c := testCalendar(t, true)
	loc, err := c.Location("US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}

	s, err := c.TradingSession(mustDate(t, "2025-07-02", loc), "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsTradingDay {
		t.Fatal("2025-07-02 should be a trading day")
	}
	if s.Open.Hour() != 9 || s.Open.Minute() != 30 {
		t.Errorf("open = %v, want 09:30", s.Open)
	}
	if s.Close.Hour() != 16 || s.Close.Minute() != 0 {
		t.Errorf("close = %v, want 16:00", s.Close)
	}
	if got := s.ExpectedBars(60, time.Time{}); got != 390 {
		t.Errorf("ExpectedBars(1m) = %d, want 390", got)
	}
}

func TestTradingSessionEarlyClose(t *testing.T) {
	c := testCalendar(t, true)
	loc, _ := c.Location("US_EQUITY")

	s, err := c.TradingSession(mustDate(t, "2024-11-29", loc), "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsTradingDay {
		t.Fatal("2024-11-29 should be a trading day")
	}
	if s.Close.Hour() != 13 {
		t.Errorf("close hour = %d, want 13 (early close)", s.Close.Hour())
	}
	if got := s.ExpectedBars(60, time.Time{}); got != 210 {
		t.Errorf("ExpectedBars(1m) = %d, want 210", got)
	}
}

func TestTradingSessionNonTradingDays(t *testing.T) {
	c := testCalendar(t, true)
	loc, _ := c.Location("US_EQUITY")

	for _, date := range []string{
		"2025-07-05", // Saturday
		"2025-07-06", // Sunday
		"2025-07-04", // holiday
		"2025-11-27", // Thanksgiving
	} {
		s, err := c.TradingSession(mustDate(t, date, loc), "US_EQUITY")
		if err != nil {
			t.Fatal(err)
		}
		if s.IsTradingDay {
			t.Errorf("%s should not be a trading day", date)
		}
	}
}

func TestSessionContainsExcludesClose(t *testing.T) {
	c := testCalendar(t, true)
	loc, _ := c.Location("US_EQUITY")
	s, _ := c.TradingSession(mustDate(t, "2025-07-02", loc), "US_EQUITY")

	if !s.Contains(s.Open) {
		t.Error("session open should be contained")
	}
	if s.Contains(s.Close) {
		t.Error("session close should be excluded")
	}
	if s.Contains(s.Open.Add(-time.Minute)) {
		t.Error("pre-market should be excluded")
	}
	if !s.Contains(s.Close.Add(-time.Minute)) {
		t.Error("15:59 should be contained")
	}
}

func TestPreviousTradingDate(t *testing.T) {
	c := testCalendar(t, true)
	loc, _ := c.Location("US_EQUITY")

	// 2025-07-07 is a Monday; walking back 1 trading day skips the weekend
	// and lands on Thursday 2025-07-03 (Friday was the July 4 holiday).
	got, err := c.PreviousTradingDate(mustDate(t, "2025-07-07", loc), 1, "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2025-07-03" {
		t.Errorf("PreviousTradingDate(-1) = %s, want 2025-07-03", got.Format("2006-01-02"))
	}

	got, err = c.PreviousTradingDate(mustDate(t, "2025-07-07", loc), 3, "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2025-07-01" {
		t.Errorf("PreviousTradingDate(-3) = %s, want 2025-07-01", got.Format("2006-01-02"))
	}
}

func TestNextTradingDateSkipsWeekendAndHoliday(t *testing.T) {
	c := testCalendar(t, true)
	loc, _ := c.Location("US_EQUITY")

	got, err := c.NextTradingDate(mustDate(t, "2025-07-03", loc), "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if got.Format("2006-01-02") != "2025-07-07" {
		t.Errorf("NextTradingDate = %s, want 2025-07-07", got.Format("2006-01-02"))
	}
}

func TestBacktestClock(t *testing.T) {
	c := testCalendar(t, true)

	base := time.Date(2025, 7, 2, 9, 30, 0, 0, time.UTC)
	c.SetBacktestTime(base)
	if !c.Now().Equal(base) {
		t.Errorf("Now = %v, want %v", c.Now(), base)
	}

	// Moving backwards is ignored.
	c.SetBacktestTime(base.Add(-time.Hour))
	if !c.Now().Equal(base) {
		t.Error("SetBacktestTime moved the clock backwards")
	}

	// ResetBacktestTime forces the clock.
	c.ResetBacktestTime(base.Add(-time.Hour))
	if !c.Now().Equal(base.Add(-time.Hour)) {
		t.Error("ResetBacktestTime did not force the clock")
	}
}

func TestRefreshMergesDays(t *testing.T) {
	c := testCalendar(t, false)
	loc, _ := c.Location("US_EQUITY")

	err := c.Refresh("US_EQUITY", []MarketDay{
		{Date: "2027-12-24", Close: "13:00", EarlyClose: true},
		{Date: "2027-12-25", IsHoliday: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	holiday, err := c.IsHoliday(mustDate(t, "2027-12-25", loc), "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if !holiday {
		t.Error("refreshed holiday not visible")
	}

	s, err := c.TradingSession(mustDate(t, "2027-12-24", loc), "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	if s.Close.Hour() != 13 {
		t.Errorf("refreshed early close hour = %d, want 13", s.Close.Hour())
	}
}

func TestUnknownExchangeGroup(t *testing.T) {
	c := testCalendar(t, true)
	if _, err := c.TradingSession(time.Now(), "EU_EQUITY"); err == nil {
		t.Error("expected error for unknown exchange group")
	}
}
