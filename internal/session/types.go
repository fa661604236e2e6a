package session

import (
	"time"

	"marketd/internal/domain"
)

// BarIntervalData holds the session bars for one (symbol, interval) stream
// plus its quality bookkeeping. Bars are append-only and strictly ordered by
// timestamp; readers may hold a reference to the slice because elements are
// never mutated in place.
type BarIntervalData struct {
	Interval domain.Interval
	Derived  bool            // built from Base bars rather than a source
	Base     domain.Interval // zero unless Derived

	Bars    []domain.Bar
	Quality float64 // 0..100, percentage of expected bars present
	Gaps    []domain.Gap

	// Updated is set on every append and consumed by the quality manager.
	Updated bool

	// exportCursor remembers how many bars the last delta export included.
	exportCursor int
}

// Last returns the newest bar, or false when the stream is empty.
func (d *BarIntervalData) Last() (domain.Bar, bool) {
	if len(d.Bars) == 0 {
		return domain.Bar{}, false
	}
	return d.Bars[len(d.Bars)-1], true
}

// HistoricalIntervalData holds the preloaded trailing window for one
// (symbol, interval). It is written once during provisioning and read-only
// afterwards.
type HistoricalIntervalData struct {
	Interval     domain.Interval
	TrailingDays int

	Bars    []domain.Bar        // flattened, sorted by timestamp
	ByDate  map[string][]domain.Bar // YYYY-MM-DD → that date's bars
	Quality map[string]float64      // per-date quality
	Gaps    []domain.Gap

	FirstDate string
	LastDate  string
}

// SessionMetrics is the running base-interval aggregate for one symbol.
// It is recomputed on every base bar append; derived bars do not touch it.
type SessionMetrics struct {
	Volume     int64
	High       float64
	Low        float64
	LastUpdate time.Time
}

// SymbolSessionData is everything the platform tracks for one symbol.
type SymbolSessionData struct {
	Symbol  string
	AddedBy domain.AddedBy
	AddedAt time.Time

	// MeetsSessionConfig is false only for symbols that entered through the
	// scanner or adhoc path and were never upgraded. Such symbols carry data
	// but do not satisfy the configured session requirements.
	MeetsSessionConfig bool

	// AutoProvisioned marks symbols provisioned on demand rather than from
	// configuration or an explicit strategy request.
	AutoProvisioned bool

	// UpgradedFromAdhoc records a later promotion to full requirements.
	UpgradedFromAdhoc bool

	// Active gates notification delivery. A symbol being provisioned or
	// caught up mid-session stays inactive until its data is consistent.
	Active bool

	Metrics SessionMetrics

	Session    map[domain.Interval]*BarIntervalData
	Historical map[domain.Interval]*HistoricalIntervalData

	// SessionIndicators update on every bar of their interval; historical
	// indicators are computed once over the preload window.
	SessionIndicators    map[string]*IndicatorSeries
	HistoricalIndicators map[string]IndicatorValue
}

func newSymbolSessionData(symbol string, addedBy domain.AddedBy, at time.Time) *SymbolSessionData {
	meets := addedBy == domain.AddedByConfig || addedBy == domain.AddedByStrategy
	return &SymbolSessionData{
		Symbol:               symbol,
		AddedBy:              addedBy,
		AddedAt:              at,
		MeetsSessionConfig:   meets,
		AutoProvisioned:      !meets,
		Session:              make(map[domain.Interval]*BarIntervalData),
		Historical:           make(map[domain.Interval]*HistoricalIntervalData),
		SessionIndicators:    make(map[string]*IndicatorSeries),
		HistoricalIndicators: make(map[string]IndicatorValue),
	}
}

// SymbolMeta is a copy of a symbol's provenance metadata.
type SymbolMeta struct {
	AddedBy            domain.AddedBy
	AddedAt            time.Time
	MeetsSessionConfig bool
	AutoProvisioned    bool
	UpgradedFromAdhoc  bool
}

// Counters aggregates the drop/duplicate accounting SessionData keeps.
type Counters struct {
	BarsAppended   int64
	DuplicateBars  int64
	OutOfOrderBars int64
	DerivedBars    int64
}
