// Package datasource defines the market-data fetch layer consumed by the
// session core: historical bar loading and, in live mode, bar streaming.
package datasource

import (
	"context"
	"time"

	"marketd/internal/domain"
)

// BarSource provides bar data for symbols. Implementations must return bars
// chronologically sorted.
type BarSource interface {
	// Name identifies the source in logs and bar records.
	Name() string

	// HasSymbol reports whether the source can serve the symbol at all.
	HasSymbol(ctx context.Context, symbol string) (bool, error)

	// SupportsInterval reports whether the source can load or stream bars
	// at the given interval directly (derivation is the processor's job).
	SupportsInterval(iv domain.Interval) bool

	// LoadBars returns bars for [start, end), sorted by timestamp.
	LoadBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error)

	// SupportsStreaming reports whether Stream is available.
	SupportsStreaming() bool

	// Stream subscribes to live bars for the symbol, invoking cb from the
	// feed's callback goroutine until ctx is cancelled. Sources that do not
	// stream return an error immediately.
	Stream(ctx context.Context, symbol string, iv domain.Interval, cb func(domain.Bar)) error
}

// BarWriter is implemented by sources that can archive bars (used to persist
// live session bars for later replay).
type BarWriter interface {
	WriteBars(ctx context.Context, iv domain.Interval, bars []domain.Bar) error
}
