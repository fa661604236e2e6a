package timecal

import "fmt"

// US_EQUITY defaults used to seed an empty calendar database. Live mode
// refreshes these from the exchange calendar API; backtests run entirely
// from the seeded tables.

var usHolidays = []string{
	// 2024
	"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29", "2024-05-27",
	"2024-06-19", "2024-07-04", "2024-09-02", "2024-11-28", "2024-12-25",
	// 2025 (2025-01-09: national day of mourning)
	"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17", "2025-04-18",
	"2025-05-26", "2025-06-19", "2025-07-04", "2025-09-01", "2025-11-27",
	"2025-12-25",
	// 2026
	"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
	"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
}

// 13:00 ET closes.
var usEarlyCloses = []string{
	"2024-07-03", "2024-11-29", "2024-12-24",
	"2025-07-03", "2025-11-28", "2025-12-24",
	"2026-11-27", "2026-12-24",
}

func (c *Calendar) seedIfEmpty() error {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM session_hours`).Scan(&n); err != nil {
		return fmt.Errorf("checking calendar seed: %w", err)
	}
	if n > 0 {
		return nil
	}

	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO session_hours (exchange_group, open_time, close_time, timezone)
		 VALUES (?, ?, ?, ?)`,
		"US_EQUITY", "09:30", "16:00", "America/New_York",
	); err != nil {
		return fmt.Errorf("seeding session hours: %w", err)
	}
	for _, d := range usHolidays {
		if _, err := tx.Exec(
			`INSERT INTO holidays (exchange_group, date) VALUES (?, ?)`, "US_EQUITY", d,
		); err != nil {
			return fmt.Errorf("seeding holiday %s: %w", d, err)
		}
	}
	for _, d := range usEarlyCloses {
		if _, err := tx.Exec(
			`INSERT INTO early_closes (exchange_group, date, close_time) VALUES (?, ?, ?)`,
			"US_EQUITY", d, "13:00",
		); err != nil {
			return fmt.Errorf("seeding early close %s: %w", d, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	c.log.Info("calendar seeded", "exchange", "US_EQUITY",
		"holidays", len(usHolidays), "earlyCloses", len(usEarlyCloses))
	return nil
}
