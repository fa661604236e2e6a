package datasource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketd/internal/domain"
	"marketd/internal/timecal"
)

// Compile-time interface check.
var _ BarSource = (*SyntheticSource)(nil)

// SyntheticSource generates deterministic bars over regular trading hours.
// It backs tests and dry runs: prices are a pure function of (symbol,
// timestamp), so repeated loads return identical data. Specific timestamps
// can be omitted to simulate feed gaps.
type SyntheticSource struct {
	tm       timecal.TimeManager
	exchange string

	mu      sync.Mutex
	symbols map[string]bool
	omitted map[string]map[int64]bool // symbol → unix seconds
}

// NewSyntheticSource creates a SyntheticSource serving the given symbols.
func NewSyntheticSource(tm timecal.TimeManager, exchange string, symbols ...string) *SyntheticSource {
	s := &SyntheticSource{
		tm:       tm,
		exchange: exchange,
		symbols:  make(map[string]bool),
		omitted:  make(map[string]map[int64]bool),
	}
	for _, sym := range symbols {
		s.symbols[strings.ToUpper(sym)] = true
	}
	return s
}

// AddSymbol registers another servable symbol.
func (s *SyntheticSource) AddSymbol(symbol string) {
	s.mu.Lock()
	s.symbols[strings.ToUpper(symbol)] = true
	s.mu.Unlock()
}

// Omit suppresses the bars at the given timestamps for a symbol, creating
// gaps in every subsequent load.
func (s *SyntheticSource) Omit(symbol string, timestamps ...time.Time) {
	symbol = strings.ToUpper(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.omitted[symbol] == nil {
		s.omitted[symbol] = make(map[int64]bool)
	}
	for _, ts := range timestamps {
		s.omitted[symbol][ts.Unix()] = true
	}
}

// Name returns the source identifier.
func (s *SyntheticSource) Name() string { return domain.SourceSynthetic }

// HasSymbol reports whether the symbol was registered.
func (s *SyntheticSource) HasSymbol(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbols[strings.ToUpper(symbol)], nil
}

// SupportsInterval accepts intraday and daily intervals.
func (s *SyntheticSource) SupportsInterval(iv domain.Interval) bool {
	return iv.Intraday() || iv.Unit == domain.UnitDay
}

// LoadBars generates bars for [start, end) at the interval stride, bounded
// to regular trading hours of each session in the range.
func (s *SyntheticSource) LoadBars(_ context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)
	if ok, _ := s.HasSymbol(context.Background(), symbol); !ok {
		return nil, fmt.Errorf("unknown synthetic symbol %q", symbol)
	}

	loc, err := s.tm.Location(s.exchange)
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	day := start.In(loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	for ; day.Before(end); day = day.AddDate(0, 0, 1) {
		session, err := s.tm.TradingSession(day, s.exchange)
		if err != nil {
			return nil, err
		}
		if !session.IsTradingDay {
			continue
		}

		if iv.Unit == domain.UnitDay || iv.Unit == domain.UnitWeek {
			ts := session.Open
			if !ts.Before(start) && ts.Before(end) && !s.isOmitted(symbol, ts) {
				bars = append(bars, s.makeBar(symbol, ts, iv))
			}
			continue
		}

		stride := time.Duration(iv.Seconds()) * time.Second
		for ts := session.Open; ts.Before(session.Close); ts = ts.Add(stride) {
			if ts.Before(start) || !ts.Before(end) || s.isOmitted(symbol, ts) {
				continue
			}
			bars = append(bars, s.makeBar(symbol, ts, iv))
		}
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// SupportsStreaming returns false; synthetic data is load-only.
func (s *SyntheticSource) SupportsStreaming() bool { return false }

// Stream is not available for synthetic data.
func (s *SyntheticSource) Stream(context.Context, string, domain.Interval, func(domain.Bar)) error {
	return fmt.Errorf("synthetic source does not stream")
}

func (s *SyntheticSource) isOmitted(symbol string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.omitted[symbol][ts.Unix()]
}

// makeBar derives a deterministic bar from (symbol, timestamp).
func (s *SyntheticSource) makeBar(symbol string, ts time.Time, iv domain.Interval) domain.Bar {
	seed := float64(int64(fnv(symbol))%1000) + 20
	wobble := float64(ts.Unix()%600) / 100
	open := seed + wobble
	cl := open + 0.05
	return domain.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      open,
		High:      cl + 0.10,
		Low:       open - 0.10,
		Close:     cl,
		Volume:    1000 + ts.Unix()%500,
		Source:    domain.SourceSynthetic,
	}
}

// fnv is a tiny FNV-1a over the symbol name.
func fnv(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
