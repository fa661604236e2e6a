package session

import (
	"fmt"
	"math"
	"time"

	"marketd/internal/domain"
	"marketd/internal/timecal"
)

// StreamRequirement is one session bar stream to maintain. The smallest
// configured interval becomes the base stream, loaded directly from a data
// source; every other stream is derived from it.
type StreamRequirement struct {
	Interval domain.Interval
	Derived  bool
	Base     domain.Interval
}

// Requirements is the resolved provisioning plan shared by every symbol
// under the current configuration.
type Requirements struct {
	Base    domain.Interval
	Streams []StreamRequirement

	// Historical maps interval → trailing days to preload. It covers both
	// configured historical data and indicator warmup windows.
	Historical map[domain.Interval]int

	SessionIndicators    []IndicatorSpec
	HistoricalIndicators []IndicatorSpec

	// Warmup maps interval → bars to replay into session indicators from
	// the historical window before the session starts.
	Warmup map[domain.Interval]int
}

// HistoricalNeed is one configured historical preload.
type HistoricalNeed struct {
	Interval     domain.Interval
	TrailingDays int
}

// Analyzer turns configuration into a provisioning plan. It consults the
// trading calendar to translate indicator warmup bar counts into trailing
// days.
type Analyzer struct {
	tm               timecal.TimeManager
	exchange         string
	warmupMultiplier float64
}

// NewAnalyzer creates a requirement analyzer. warmupMultiplier pads the
// indicator warmup window to absorb gappy history.
func NewAnalyzer(tm timecal.TimeManager, exchange string, warmupMultiplier float64) *Analyzer {
	if warmupMultiplier < 1 {
		warmupMultiplier = 1
	}
	return &Analyzer{tm: tm, exchange: exchange, warmupMultiplier: warmupMultiplier}
}

// Analyze resolves streams, historical windows, and indicator requirements
// into a single plan. The stream set must share a common base: every
// interval has to be derivable from the smallest one.
func (a *Analyzer) Analyze(streams []domain.Interval, historical []HistoricalNeed,
	sessionInd, historicalInd []IndicatorSpec) (*Requirements, error) {

	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: no stream intervals configured", ErrConfig)
	}

	base := streams[0]
	for _, iv := range streams[1:] {
		if iv.Seconds() < base.Seconds() {
			base = iv
		}
	}
	req := &Requirements{
		Base:       base,
		Historical: make(map[domain.Interval]int),
		Warmup:     make(map[domain.Interval]int),
	}
	seen := make(map[domain.Interval]bool)
	for _, iv := range streams {
		if seen[iv] {
			continue
		}
		seen[iv] = true
		if !iv.DerivableFrom(base) {
			return nil, fmt.Errorf("%w: stream %s is not derivable from base %s", ErrConfig, iv, base)
		}
		req.Streams = append(req.Streams, StreamRequirement{
			Interval: iv,
			Derived:  iv != base,
			Base:     base,
		})
	}

	for _, h := range historical {
		if h.TrailingDays > req.Historical[h.Interval] {
			req.Historical[h.Interval] = h.TrailingDays
		}
	}

	// Session indicators must ride an existing stream; their warmup bars
	// come out of the historical window for that interval.
	for _, spec := range sessionInd {
		if !seen[spec.Interval] {
			return nil, fmt.Errorf("%w: session indicator %q wants interval %s which is not a configured stream",
				ErrConfig, spec.Name, spec.Interval)
		}
		series, err := NewIndicatorSeries(spec)
		if err != nil {
			return nil, err
		}
		bars := int(math.Ceil(float64(series.WarmupBars()) * a.warmupMultiplier))
		if bars > req.Warmup[spec.Interval] {
			req.Warmup[spec.Interval] = bars
		}
		req.SessionIndicators = append(req.SessionIndicators, spec)
	}

	// Historical indicators only need enough trailing window to warm up.
	for _, spec := range historicalInd {
		series, err := NewIndicatorSeries(spec)
		if err != nil {
			return nil, err
		}
		bars := int(math.Ceil(float64(series.WarmupBars()) * a.warmupMultiplier))
		days, err := a.daysForBars(spec.Interval, bars)
		if err != nil {
			return nil, err
		}
		if days > req.Historical[spec.Interval] {
			req.Historical[spec.Interval] = days
		}
		req.HistoricalIndicators = append(req.HistoricalIndicators, spec)
	}

	// Warmup windows extend the historical preload of their interval.
	for iv, bars := range req.Warmup {
		days, err := a.daysForBars(iv, bars)
		if err != nil {
			return nil, err
		}
		if days > req.Historical[iv] {
			req.Historical[iv] = days
		}
	}

	return req, nil
}

// daysForBars converts a bar count at an interval into trailing trading
// days, using a recent full session as the bars-per-day reference.
func (a *Analyzer) daysForBars(iv domain.Interval, bars int) (int, error) {
	if bars <= 0 {
		return 0, nil
	}
	if !iv.Intraday() {
		// Daily and weekly bars arrive once per trading day at most.
		if iv.Unit == domain.UnitWeek {
			return bars * iv.N * 5, nil
		}
		return bars * iv.N, nil
	}

	ref, err := a.tm.PreviousTradingDate(a.tm.Now(), 0, a.exchange)
	if err != nil {
		return 0, err
	}
	session, err := a.tm.TradingSession(ref, a.exchange)
	if err != nil {
		return 0, err
	}
	perDay := session.ExpectedBars(iv.Seconds(), time.Time{})
	if perDay <= 0 {
		return 0, fmt.Errorf("%w: reference session %s holds no %s bars", ErrData, session.Date, iv)
	}
	days := bars / perDay
	if bars%perDay != 0 {
		days++
	}
	return days, nil
}
