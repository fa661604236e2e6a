// Package domain defines the core value types shared across the platform:
// OHLCV bars, interval tags, gaps, and the enums describing how a symbol
// entered the session.
package domain

import "time"

// Bar is a single OHLCV record for a (symbol, interval) window. Timestamps
// are timezone-aware and carry the exchange timezone; conversion to UTC
// happens only at interchange boundaries. Bars are immutable after creation.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Source    string
}

// Bar sources.
const (
	SourceParquet   = "parquet"
	SourceAlpaca    = "alpaca"
	SourceSynthetic = "synthetic"
	SourceDerived   = "derived"
	SourceRefill    = "refill"
)

// AddedBy records which path brought a symbol into the session.
type AddedBy string

const (
	AddedByConfig   AddedBy = "config"
	AddedByStrategy AddedBy = "strategy"
	AddedByScanner  AddedBy = "scanner"
	AddedByAdhoc    AddedBy = "adhoc"
)

// Gap is a contiguous run of expected bar timestamps missing from a stream,
// bounded to regular trading hours.
type Gap struct {
	Start      time.Time
	End        time.Time
	BarCount   int
	RetryCount int
}
