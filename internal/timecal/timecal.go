// Package timecal provides trading-calendar awareness: session hours,
// holidays, early closes, trading-date arithmetic, and the simulated clock
// used in backtests. All calendar data lives in a SQLite database keyed by
// exchange group; nothing about trading-day length is hardcoded outside it.
package timecal

import "time"

// Session describes one calendar date's regular trading session in the
// exchange timezone. The close is exclusive: a bar stamped exactly at the
// close does not belong to the session.
type Session struct {
	Date         string // YYYY-MM-DD in the exchange timezone
	Open         time.Time
	Close        time.Time
	IsTradingDay bool
	Timezone     *time.Location
}

// Contains reports whether t falls inside the regular session window.
// The open is inclusive, the close exclusive.
func (s Session) Contains(t time.Time) bool {
	if !s.IsTradingDay {
		return false
	}
	return !t.Before(s.Open) && t.Before(s.Close)
}

// ExpectedBars returns how many bars of the given stride (seconds) the
// session holds up to limit (exclusive). A zero limit means the full session.
func (s Session) ExpectedBars(strideSeconds int64, limit time.Time) int {
	if !s.IsTradingDay || strideSeconds <= 0 {
		return 0
	}
	end := s.Close
	if !limit.IsZero() && limit.Before(end) {
		end = limit
	}
	if !end.After(s.Open) {
		return 0
	}
	span := end.Unix() - s.Open.Unix()
	n := span / strideSeconds
	if span%strideSeconds != 0 {
		n++
	}
	return int(n)
}

// TimeManager is the calendar collaborator the session core consumes.
// Implementations must be safe for concurrent use.
type TimeManager interface {
	// Now returns the current time: wall clock in live mode, the simulated
	// clock in backtest mode.
	Now() time.Time

	// TradingSession returns the session covering the given date for the
	// exchange group. Non-trading dates return IsTradingDay=false.
	TradingSession(date time.Time, exchange string) (Session, error)

	// PreviousTradingDate walks back n trading days from the given date
	// (the date itself excluded) and returns the resulting trading date.
	PreviousTradingDate(from time.Time, n int, exchange string) (time.Time, error)

	// NextTradingDate returns the first trading date strictly after from.
	NextTradingDate(from time.Time, exchange string) (time.Time, error)

	// IsHoliday reports whether the date is an exchange holiday.
	IsHoliday(date time.Time, exchange string) (bool, error)

	// SetBacktestTime moves the simulated clock forward. No-op in live mode.
	SetBacktestTime(t time.Time)

	// ResetBacktestTime forces the simulated clock, regardless of direction.
	// Used when a backtest rolls over to the next trading day. No-op in live
	// mode.
	ResetBacktestTime(t time.Time)

	// Location returns the exchange group's timezone.
	Location(exchange string) (*time.Location, error)
}
