package timecal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TimeManager = (*Calendar)(nil)

// Calendar implements TimeManager backed by a SQLite calendar database.
// In backtest mode it also carries the simulated clock.
type Calendar struct {
	db  *sql.DB
	log *slog.Logger

	backtest bool
	mu       sync.RWMutex
	simTime  time.Time

	// Session-hours rows rarely change; cache per exchange group.
	hoursMu sync.Mutex
	hours   map[string]sessionHours
}

type sessionHours struct {
	open  string // "09:30"
	close string // "16:00"
	loc   *time.Location
}

const schema = `
CREATE TABLE IF NOT EXISTS session_hours (
	exchange_group TEXT PRIMARY KEY,
	open_time      TEXT NOT NULL,
	close_time     TEXT NOT NULL,
	timezone       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS holidays (
	exchange_group TEXT NOT NULL,
	date           TEXT NOT NULL,
	PRIMARY KEY (exchange_group, date)
);
CREATE TABLE IF NOT EXISTS early_closes (
	exchange_group TEXT NOT NULL,
	date           TEXT NOT NULL,
	close_time     TEXT NOT NULL,
	PRIMARY KEY (exchange_group, date)
);
`

// NewCalendar opens (or creates) the calendar database at dbPath. When the
// database is empty it is seeded with US_EQUITY defaults. backtest selects
// the simulated clock.
func NewCalendar(dbPath string, backtest bool, log *slog.Logger) (*Calendar, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening calendar db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating calendar schema: %w", err)
	}

	c := &Calendar{
		db:       db,
		log:      log,
		backtest: backtest,
		hours:    make(map[string]sessionHours),
	}

	if err := c.seedIfEmpty(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Calendar) Close() error { return c.db.Close() }

// Now returns the simulated time in backtest mode, the wall clock otherwise.
func (c *Calendar) Now() time.Time {
	if !c.backtest {
		return time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.simTime
}

// SetBacktestTime moves the simulated clock forward. Moves backwards are
// ignored so catch-up replays cannot rewind the session.
func (c *Calendar) SetBacktestTime(t time.Time) {
	if !c.backtest {
		return
	}
	c.mu.Lock()
	if t.After(c.simTime) {
		c.simTime = t
	}
	c.mu.Unlock()
}

// ResetBacktestTime forces the simulated clock, used when a session rolls to
// the next trading day.
func (c *Calendar) ResetBacktestTime(t time.Time) {
	if !c.backtest {
		return
	}
	c.mu.Lock()
	c.simTime = t
	c.mu.Unlock()
}

// Location returns the exchange group's timezone.
func (c *Calendar) Location(exchange string) (*time.Location, error) {
	h, err := c.sessionHours(exchange)
	if err != nil {
		return nil, err
	}
	return h.loc, nil
}

// TradingSession returns the regular session for the date. Weekends and
// holidays report IsTradingDay=false; early closes shorten the close.
func (c *Calendar) TradingSession(date time.Time, exchange string) (Session, error) {
	h, err := c.sessionHours(exchange)
	if err != nil {
		return Session{}, err
	}

	local := date.In(h.loc)
	dateStr := local.Format("2006-01-02")
	s := Session{Date: dateStr, Timezone: h.loc}

	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return s, nil
	}
	holiday, err := c.IsHoliday(local, exchange)
	if err != nil {
		return Session{}, err
	}
	if holiday {
		return s, nil
	}

	closeStr := h.close
	var early string
	err = c.db.QueryRow(
		`SELECT close_time FROM early_closes WHERE exchange_group = ? AND date = ?`,
		exchange, dateStr,
	).Scan(&early)
	switch {
	case err == nil:
		closeStr = early
	case err != sql.ErrNoRows:
		return Session{}, fmt.Errorf("querying early closes: %w", err)
	}

	open, err := atTime(local, h.open, h.loc)
	if err != nil {
		return Session{}, err
	}
	cl, err := atTime(local, closeStr, h.loc)
	if err != nil {
		return Session{}, err
	}

	s.Open = open
	s.Close = cl
	s.IsTradingDay = true
	return s, nil
}

// IsHoliday reports whether the date is a listed exchange holiday.
func (c *Calendar) IsHoliday(date time.Time, exchange string) (bool, error) {
	h, err := c.sessionHours(exchange)
	if err != nil {
		return false, err
	}
	dateStr := date.In(h.loc).Format("2006-01-02")
	var one int
	err = c.db.QueryRow(
		`SELECT 1 FROM holidays WHERE exchange_group = ? AND date = ?`,
		exchange, dateStr,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying holidays: %w", err)
	}
	return true, nil
}

// PreviousTradingDate walks back n trading days from the given date, the
// date itself excluded. n=0 returns the most recent trading date at or
// before from.
func (c *Calendar) PreviousTradingDate(from time.Time, n int, exchange string) (time.Time, error) {
	h, err := c.sessionHours(exchange)
	if err != nil {
		return time.Time{}, err
	}
	d := from.In(h.loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, h.loc)

	if n == 0 {
		for i := 0; i < 366; i++ {
			s, err := c.TradingSession(d, exchange)
			if err != nil {
				return time.Time{}, err
			}
			if s.IsTradingDay {
				return d, nil
			}
			d = d.AddDate(0, 0, -1)
		}
		return time.Time{}, fmt.Errorf("no trading day within a year before %s", from.Format("2006-01-02"))
	}

	remaining := n
	for i := 0; i < 366*3; i++ {
		d = d.AddDate(0, 0, -1)
		s, err := c.TradingSession(d, exchange)
		if err != nil {
			return time.Time{}, err
		}
		if s.IsTradingDay {
			remaining--
			if remaining == 0 {
				return d, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("could not walk back %d trading days from %s", n, from.Format("2006-01-02"))
}

// NextTradingDate returns the first trading date strictly after from.
func (c *Calendar) NextTradingDate(from time.Time, exchange string) (time.Time, error) {
	h, err := c.sessionHours(exchange)
	if err != nil {
		return time.Time{}, err
	}
	d := from.In(h.loc)
	d = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, h.loc)

	for i := 0; i < 366; i++ {
		d = d.AddDate(0, 0, 1)
		s, err := c.TradingSession(d, exchange)
		if err != nil {
			return time.Time{}, err
		}
		if s.IsTradingDay {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading day within a year after %s", from.Format("2006-01-02"))
}

// MarketDay is one calendar entry from an external feed, used to refresh the
// database in live mode.
type MarketDay struct {
	Date       string // YYYY-MM-DD
	Open       string // "09:30"
	Close      string // "16:00"
	IsHoliday  bool
	EarlyClose bool
}

// Refresh merges externally fetched calendar days into the database.
func (c *Calendar) Refresh(exchange string, days []MarketDay) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range days {
		if d.IsHoliday {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO holidays (exchange_group, date) VALUES (?, ?)`,
				exchange, d.Date,
			); err != nil {
				return fmt.Errorf("refreshing holiday %s: %w", d.Date, err)
			}
			continue
		}
		if d.EarlyClose {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO early_closes (exchange_group, date, close_time) VALUES (?, ?, ?)`,
				exchange, d.Date, d.Close,
			); err != nil {
				return fmt.Errorf("refreshing early close %s: %w", d.Date, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.log.Info("calendar refreshed", "exchange", exchange, "days", len(days))
	return nil
}

// sessionHours loads (and caches) the session-hours row for an exchange group.
func (c *Calendar) sessionHours(exchange string) (sessionHours, error) {
	c.hoursMu.Lock()
	defer c.hoursMu.Unlock()

	if h, ok := c.hours[exchange]; ok {
		return h, nil
	}

	var open, cl, tz string
	err := c.db.QueryRow(
		`SELECT open_time, close_time, timezone FROM session_hours WHERE exchange_group = ?`,
		exchange,
	).Scan(&open, &cl, &tz)
	if err == sql.ErrNoRows {
		return sessionHours{}, fmt.Errorf("unknown exchange group %q", exchange)
	}
	if err != nil {
		return sessionHours{}, fmt.Errorf("querying session hours: %w", err)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return sessionHours{}, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	h := sessionHours{open: open, close: cl, loc: loc}
	c.hours[exchange] = h
	return h, nil
}

// atTime combines a date with an "HH:MM" clock string in the given location.
func atTime(date time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing clock %q: %w", clock, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}
