package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"marketd/internal/datasource"
	"marketd/internal/domain"
	"marketd/internal/timecal"
)

func daySession(t *testing.T, cal *timecal.Calendar, date string) timecal.Session {
	t.Helper()
	loc, _ := cal.Location("US_EQUITY")
	d, _ := time.ParseInLocation("2006-01-02", date, loc)
	s, err := cal.TradingSession(d, "US_EQUITY")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// dayBars loads a full synthetic session, optionally dropping minutes.
func dayBars(t *testing.T, cal *timecal.Calendar, symbol, date string, dropMinutes ...int) []domain.Bar {
	t.Helper()
	src := datasource.NewSyntheticSource(cal, "US_EQUITY", symbol)
	s := daySession(t, cal, date)
	bars, err := src.LoadBars(context.Background(), symbol, oneMin, s.Open, s.Close)
	if err != nil {
		t.Fatal(err)
	}
	drop := make(map[int64]bool)
	for _, m := range dropMinutes {
		drop[s.Open.Add(time.Duration(m)*time.Minute).Unix()] = true
	}
	kept := bars[:0]
	for _, b := range bars {
		if !drop[b.Timestamp.Unix()] {
			kept = append(kept, b)
		}
	}
	return kept
}

func TestComputeGapsFindsRuns(t *testing.T) {
	cal := backtestCalendar(t, "2025-07-02")
	session := daySession(t, cal, "2025-07-02")
	bars := dayBars(t, cal, "RIVN", "2025-07-02", 45, 46, 47)

	expected, gaps := computeGaps(session, oneMin, bars, time.Time{})
	if expected != 390 {
		t.Fatalf("expected = %d, want 390", expected)
	}
	if len(gaps) != 1 {
		t.Fatalf("gaps = %d, want 1", len(gaps))
	}
	g := gaps[0]
	if g.BarCount != 3 {
		t.Errorf("gap bar count = %d, want 3", g.BarCount)
	}
	wantStart := session.Open.Add(45 * time.Minute)
	if !g.Start.Equal(wantStart) {
		t.Errorf("gap start = %v, want %v", g.Start, wantStart)
	}
	if !g.End.Equal(wantStart.Add(2 * time.Minute)) {
		t.Errorf("gap end = %v, want %v", g.End, wantStart.Add(2*time.Minute))
	}
}

func TestComputeGapsOnlyCountsCompletedWindows(t *testing.T) {
	cal := backtestCalendar(t, "2025-07-02")
	session := daySession(t, cal, "2025-07-02")
	bars := dayBars(t, cal, "RIVN", "2025-07-02")

	limit := session.Open.Add(30 * time.Minute)
	expected, gaps := computeGaps(session, oneMin, bars, limit)
	if expected != 30 {
		t.Errorf("expected = %d, want 30", expected)
	}
	if len(gaps) != 0 {
		t.Errorf("gaps = %v, want none", gaps)
	}
}

func TestComputeGapsIgnoresNonTradingDay(t *testing.T) {
	cal := backtestCalendar(t, "2025-07-05") // Saturday
	session := daySession(t, cal, "2025-07-05")
	expected, gaps := computeGaps(session, oneMin, nil, time.Time{})
	if expected != 0 || gaps != nil {
		t.Errorf("weekend expected=%d gaps=%v, want 0 and none", expected, gaps)
	}
}

func TestSweepScoresAndRefillsGap(t *testing.T) {
	cal := backtestCalendar(t, "2025-07-02")
	session := daySession(t, cal, "2025-07-02")
	cal.SetBacktestTime(session.Close)

	sd := newTestData(t, "RIVN")
	if _, err := sd.InsertBars(oneMin, "RIVN", dayBars(t, cal, "RIVN", "2025-07-02", 45, 46, 47)); err != nil {
		t.Fatal(err)
	}

	clean := datasource.NewSyntheticSource(cal, "US_EQUITY", "RIVN")
	qm := NewQualityManager(sd, cal, "US_EQUITY", []datasource.BarSource{clean}, QualityOptions{
		SweepInterval: time.Second,
		MaxRetries:    3,
		RetryInterval: 0,
		FetchTimeout:  5 * time.Second,
		Refill:        true,
	}, slog.Default())

	qm.Sweep(context.Background())
	quality, gaps, ok := sd.Quality(StreamKey{Symbol: "RIVN", Interval: oneMin})
	if !ok {
		t.Fatal("no quality recorded")
	}
	// 387/390 is 99.23; scores carry one decimal.
	if quality != 99.2 {
		t.Errorf("quality = %v, want 99.2", quality)
	}
	if len(gaps) != 1 || gaps[0].BarCount != 3 {
		t.Fatalf("gaps = %v, want one 3-bar gap", gaps)
	}

	// The first sweep already refilled from the clean source.
	if got := sd.BarCount("RIVN", oneMin); got != 390 {
		t.Fatalf("bar count after refill = %d, want 390", got)
	}
	qm.Sweep(context.Background())
	quality, gaps, _ = sd.Quality(StreamKey{Symbol: "RIVN", Interval: oneMin})
	if quality != 100 || len(gaps) != 0 {
		t.Errorf("after refill quality = %.2f gaps = %v, want 100 and none", quality, gaps)
	}
}

func TestRoundQuality(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{100 * 387.0 / 390.0, 99.2},
		{100, 100},
		{0, 0},
		{99.95, 100},
		{33.333, 33.3},
	}
	for _, c := range cases {
		if got := roundQuality(c.in); got != c.want {
			t.Errorf("roundQuality(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestMaybeSweepPacedBySimulatedClock(t *testing.T) {
	cal := backtestCalendar(t, "2025-07-02")
	session := daySession(t, cal, "2025-07-02")
	cal.SetBacktestTime(session.Open)

	sd := newTestData(t, "RIVN")
	src := datasource.NewSyntheticSource(cal, "US_EQUITY", "RIVN")
	qm := NewQualityManager(sd, cal, "US_EQUITY", []datasource.BarSource{src}, QualityOptions{
		SweepInterval: time.Second,
		MaxRetries:    1,
		FetchTimeout:  time.Second,
		Refill:        false,
	}, slog.Default())

	qm.MaybeSweep(context.Background())
	if got := qm.SweepCount(); got != 1 {
		t.Fatalf("first MaybeSweep count = %d, want 1", got)
	}

	// Simulated clock has not advanced, so another call is a no-op.
	qm.MaybeSweep(context.Background())
	if got := qm.SweepCount(); got != 1 {
		t.Fatalf("same-instant MaybeSweep count = %d, want still 1", got)
	}

	cal.SetBacktestTime(session.Open.Add(time.Minute))
	qm.MaybeSweep(context.Background())
	if got := qm.SweepCount(); got != 2 {
		t.Fatalf("advanced-clock MaybeSweep count = %d, want 2", got)
	}

	// Reset forgets the pacing state; the next call sweeps immediately.
	qm.Reset()
	qm.MaybeSweep(context.Background())
	if got := qm.SweepCount(); got != 3 {
		t.Fatalf("post-Reset MaybeSweep count = %d, want 3", got)
	}
}

func TestSweepRetryCap(t *testing.T) {
	cal := backtestCalendar(t, "2025-07-02")
	session := daySession(t, cal, "2025-07-02")
	cal.SetBacktestTime(session.Close)
	loc, _ := cal.Location("US_EQUITY")

	sd := newTestData(t, "RIVN")
	sd.InsertBars(oneMin, "RIVN", dayBars(t, cal, "RIVN", "2025-07-02", 45))

	// The source is missing the same bar, so every refill comes back empty.
	gappy := datasource.NewSyntheticSource(cal, "US_EQUITY", "RIVN")
	gappy.Omit("RIVN", time.Date(2025, 7, 2, 10, 15, 0, 0, loc))

	qm := NewQualityManager(sd, cal, "US_EQUITY", []datasource.BarSource{gappy}, QualityOptions{
		SweepInterval: time.Second,
		MaxRetries:    2,
		RetryInterval: 0,
		FetchTimeout:  time.Second,
		Refill:        true,
	}, slog.Default())

	for i := 0; i < 4; i++ {
		qm.Sweep(context.Background())
	}
	_, gaps, _ := sd.Quality(StreamKey{Symbol: "RIVN", Interval: oneMin})
	if len(gaps) != 1 {
		t.Fatalf("gaps = %v, want the unfillable gap", gaps)
	}
	if gaps[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want capped at 2", gaps[0].RetryCount)
	}
}
