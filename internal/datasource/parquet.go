package datasource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketd/internal/domain"
)

// Compile-time interface checks.
var _ BarSource = (*ParquetSource)(nil)
var _ BarWriter = (*ParquetSource)(nil)

// ParquetSource serves bars from Parquet files on disk. Layout:
//
//	<DataDir>/<exchange>/bars/<interval>/<SYMBOL>/<YYYY-MM-DD>.parquet
//
// Dates in file names are calendar dates in the exchange timezone.
type ParquetSource struct {
	DataDir  string
	Exchange string
	Loc      *time.Location
}

// NewParquetSource creates a ParquetSource rooted at dataDir for the given
// exchange group. loc is the exchange timezone used to bucket files by date.
func NewParquetSource(dataDir, exchange string, loc *time.Location) *ParquetSource {
	return &ParquetSource{DataDir: dataDir, Exchange: exchange, Loc: loc}
}

// BarRecord is the Parquet schema for bar data.
type BarRecord struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    int64   `parquet:"volume"`
}

// Name returns the source identifier.
func (s *ParquetSource) Name() string { return domain.SourceParquet }

// HasSymbol reports whether any bar files exist for the symbol at any
// interval.
func (s *ParquetSource) HasSymbol(_ context.Context, symbol string) (bool, error) {
	root := filepath.Join(s.DataDir, s.Exchange, "bars")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		symDir := filepath.Join(root, e.Name(), strings.ToUpper(symbol))
		if fi, err := os.Stat(symDir); err == nil && fi.IsDir() {
			return true, nil
		}
	}
	return false, nil
}

// SupportsInterval reports whether bar files exist for the interval.
func (s *ParquetSource) SupportsInterval(iv domain.Interval) bool {
	dir := filepath.Join(s.DataDir, s.Exchange, "bars", iv.String())
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}

// LoadBars reads bars for [start, end) across the per-date files.
func (s *ParquetSource) LoadBars(_ context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar

	day := start.In(s.Loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.Loc)
	for ; day.Before(end); day = day.AddDate(0, 0, 1) {
		path := s.barPath(symbol, iv, day)
		records, err := parquet.ReadFile[BarRecord](path)
		if err != nil {
			// No file for this date: a non-trading day or simply no data.
			continue
		}
		for _, r := range records {
			ts := time.UnixMilli(r.Timestamp).In(s.Loc)
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			bars = append(bars, domain.Bar{
				Symbol:    strings.ToUpper(symbol),
				Timestamp: ts,
				Open:      r.Open,
				High:      r.High,
				Low:       r.Low,
				Close:     r.Close,
				Volume:    r.Volume,
				Source:    domain.SourceParquet,
			})
		}
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// SupportsStreaming returns false; parquet data is replay-only.
func (s *ParquetSource) SupportsStreaming() bool { return false }

// Stream is not available for parquet data.
func (s *ParquetSource) Stream(context.Context, string, domain.Interval, func(domain.Bar)) error {
	return fmt.Errorf("parquet source does not stream")
}

// WriteBars archives bars into the per-date files, merging with any existing
// records and deduplicating by timestamp (newest wins).
func (s *ParquetSource) WriteBars(_ context.Context, iv domain.Interval, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		symbol string
		date   string
	}
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{symbol: strings.ToUpper(b.Symbol), date: b.Timestamp.In(s.Loc).Format("2006-01-02")}
		groups[k] = append(groups[k], BarRecord{
			Symbol:    strings.ToUpper(b.Symbol),
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}

	for k, records := range groups {
		day, _ := time.ParseInLocation("2006-01-02", k.date, s.Loc)
		path := s.barPath(k.symbol, iv, day)

		existing, _ := parquet.ReadFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := parquet.WriteFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%s: %w", k.symbol, k.date, err)
		}
	}
	return nil
}

// barPath returns the file path for one (symbol, interval, date).
func (s *ParquetSource) barPath(symbol string, iv domain.Interval, day time.Time) string {
	return filepath.Join(s.DataDir, s.Exchange, "bars", iv.String(),
		strings.ToUpper(symbol), day.Format("2006-01-02")+".parquet")
}

// mergeBarRecords deduplicates by timestamp, preferring incoming records,
// and returns the result sorted chronologically.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	return merged
}
