package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"marketd/internal/domain"
	"marketd/internal/strategy"
)

// Compile-time interface check.
var _ strategy.BarReader = (*SessionData)(nil)

// SessionData is the single shared in-memory store for all market data of
// the current trading session. One instance exists per process; every worker
// reads and writes through it under one lock.
//
// Locking: all exported methods acquire the lock themselves. The *Locked
// variants exist for multi-step operations (provisioning, catch-up) that
// hold WithLock around a batch.
type SessionData struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolSessionData

	// active is the session-wide read gate. While it is down, external read
	// accessors return empty results; writes keep landing so a mid-session
	// catch-up can fill data behind the gate before readers see it.
	active      bool
	sessionDate string

	counters Counters
	log      *slog.Logger
}

// NewSessionData creates an empty SessionData store.
func NewSessionData(log *slog.Logger) *SessionData {
	return &SessionData{
		symbols: make(map[string]*SymbolSessionData),
		log:     log.With("component", "session_data"),
	}
}

// WithLock runs fn while holding the write lock. fn must only call *Locked
// methods.
func (sd *SessionData) WithLock(fn func()) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	fn()
}

// ---------------------------------------------------------------------------
// Symbol lifecycle
// ---------------------------------------------------------------------------

// AddSymbol registers a new symbol. Adding an existing symbol is an error;
// use UpgradeSymbol to change how an existing symbol is tracked.
func (sd *SessionData) AddSymbol(symbol string, addedBy domain.AddedBy, at time.Time) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.addSymbolLocked(symbol, addedBy, at)
}

func (sd *SessionData) addSymbolLocked(symbol string, addedBy domain.AddedBy, at time.Time) error {
	if _, ok := sd.symbols[symbol]; ok {
		return fmt.Errorf("%w: symbol %s already exists", ErrValidation, symbol)
	}
	sd.symbols[symbol] = newSymbolSessionData(symbol, addedBy, at)
	return nil
}

// UpgradeSymbol promotes an existing symbol to full session requirements,
// typically from adhoc to strategy or config. Existing data is kept; the
// symbol records that it was upgraded rather than provisioned that way.
func (sd *SessionData) UpgradeSymbol(symbol string, addedBy domain.AddedBy) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	if !s.MeetsSessionConfig {
		s.UpgradedFromAdhoc = true
	}
	s.MeetsSessionConfig = true
	s.AddedBy = addedBy
	return nil
}

// Meta returns a copy of a symbol's provenance metadata.
func (sd *SessionData) Meta(symbol string) (SymbolMeta, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return SymbolMeta{}, false
	}
	return SymbolMeta{
		AddedBy:            s.AddedBy,
		AddedAt:            s.AddedAt,
		MeetsSessionConfig: s.MeetsSessionConfig,
		AutoProvisioned:    s.AutoProvisioned,
		UpgradedFromAdhoc:  s.UpgradedFromAdhoc,
	}, true
}

// RemoveSymbol drops a symbol and all its data.
func (sd *SessionData) RemoveSymbol(symbol string) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if _, ok := sd.symbols[symbol]; !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	delete(sd.symbols, symbol)
	return nil
}

// HasSymbol reports whether a symbol is registered.
func (sd *SessionData) HasSymbol(symbol string) bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	_, ok := sd.symbols[symbol]
	return ok
}

// Symbols returns the sorted list of registered symbols.
func (sd *SessionData) Symbols() []string {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	out := make([]string, 0, len(sd.symbols))
	for sym := range sd.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// DynamicSymbols returns symbols not added by config, with their provenance.
func (sd *SessionData) DynamicSymbols() map[string]domain.AddedBy {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	out := make(map[string]domain.AddedBy)
	for sym, s := range sd.symbols {
		if s.AddedBy != domain.AddedByConfig {
			out[sym] = s.AddedBy
		}
	}
	return out
}

// AddedBy returns a symbol's provenance tag.
func (sd *SessionData) AddedBy(symbol string) (domain.AddedBy, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return "", false
	}
	return s.AddedBy, true
}

// SetActive flips a symbol's notification gate.
func (sd *SessionData) SetActive(symbol string, active bool) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	s.Active = active
	return nil
}

// IsActive reports whether a symbol delivers notifications. Unknown symbols
// are inactive.
func (sd *SessionData) IsActive(symbol string) bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	return ok && s.Active
}

// ActivateSession raises the session-wide read gate for the given trading
// date. External readers see data only while the session is active.
func (sd *SessionData) ActivateSession(date string) {
	sd.mu.Lock()
	sd.active = true
	sd.sessionDate = date
	sd.mu.Unlock()
}

// DeactivateSession drops the session-wide read gate. Writes keep landing.
func (sd *SessionData) DeactivateSession() {
	sd.mu.Lock()
	sd.active = false
	sd.mu.Unlock()
}

// SessionActive reports the session-wide read gate.
func (sd *SessionData) SessionActive() bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.active
}

// SessionDate returns the trading date of the current session, or "" outside
// one.
func (sd *SessionData) SessionDate() string {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.sessionDate
}

// Clear empties the store at a session boundary: every symbol and its data
// is dropped and the read gate closes. The append counters survive as
// process-lifetime accounting.
func (sd *SessionData) Clear() {
	sd.mu.Lock()
	sd.symbols = make(map[string]*SymbolSessionData)
	sd.active = false
	sd.sessionDate = ""
	sd.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Interval streams
// ---------------------------------------------------------------------------

// EnsureInterval adds a session bar stream to a symbol if it does not exist.
// A derived stream names the base interval it is built from.
func (sd *SessionData) EnsureInterval(symbol string, iv domain.Interval, derived bool, base domain.Interval) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.ensureIntervalLocked(symbol, iv, derived, base)
}

func (sd *SessionData) ensureIntervalLocked(symbol string, iv domain.Interval, derived bool, base domain.Interval) error {
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	if _, ok := s.Session[iv]; ok {
		return nil
	}
	s.Session[iv] = &BarIntervalData{Interval: iv, Derived: derived, Base: base}
	return nil
}

// Intervals returns the sorted session intervals tracked for a symbol.
func (sd *SessionData) Intervals(symbol string) []domain.Interval {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	out := make([]domain.Interval, 0, len(s.Session))
	for iv := range s.Session {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seconds() < out[j].Seconds() })
	return out
}

// DerivedStreams returns the derived intervals of a symbol that are built
// from the given base, sorted by stride.
func (sd *SessionData) DerivedStreams(symbol string, base domain.Interval) []domain.Interval {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	var out []domain.Interval
	for iv, d := range s.Session {
		if d.Derived && d.Base == base {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seconds() < out[j].Seconds() })
	return out
}

// ---------------------------------------------------------------------------
// Appends
// ---------------------------------------------------------------------------

// AppendBar appends one bar to a symbol's session stream and reports
// whether it was stored. A bar whose timestamp equals the newest stored bar
// is a duplicate: it is counted and silently dropped so replays stay
// idempotent. A bar older than the newest stored bar violates the ordering
// invariant: it is logged and dropped, and ErrInvariant is returned.
func (sd *SessionData) AppendBar(iv domain.Interval, bar domain.Bar) (bool, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.appendBarLocked(iv, bar)
}

// AppendBarLocked is AppendBar for callers inside WithLock.
func (sd *SessionData) AppendBarLocked(iv domain.Interval, bar domain.Bar) (bool, error) {
	return sd.appendBarLocked(iv, bar)
}

func (sd *SessionData) appendBarLocked(iv domain.Interval, bar domain.Bar) (bool, error) {
	s, ok := sd.symbols[bar.Symbol]
	if !ok {
		return false, fmt.Errorf("%w: append for unknown symbol %s", ErrValidation, bar.Symbol)
	}
	d, ok := s.Session[iv]
	if !ok {
		return false, fmt.Errorf("%w: symbol %s has no %s stream", ErrValidation, bar.Symbol, iv)
	}

	if last, ok := d.Last(); ok {
		switch {
		case bar.Timestamp.Equal(last.Timestamp):
			sd.counters.DuplicateBars++
			return false, nil
		case bar.Timestamp.Before(last.Timestamp):
			sd.counters.OutOfOrderBars++
			sd.log.Error("out-of-order bar dropped",
				"symbol", bar.Symbol, "interval", iv.String(),
				"bar_ts", bar.Timestamp, "last_ts", last.Timestamp)
			return false, fmt.Errorf("%w: out-of-order bar %s %s at %s", ErrInvariant, bar.Symbol, iv, bar.Timestamp)
		}
	}

	d.Bars = append(d.Bars, bar)
	d.Updated = true
	sd.counters.BarsAppended++
	if bar.Source == domain.SourceDerived {
		sd.counters.DerivedBars++
	}

	// The base stream drives the symbol's running session metrics; derived
	// streams would double-count.
	if !d.Derived {
		m := &s.Metrics
		if m.LastUpdate.IsZero() {
			m.High = bar.High
			m.Low = bar.Low
		} else {
			if bar.High > m.High {
				m.High = bar.High
			}
			if bar.Low < m.Low {
				m.Low = bar.Low
			}
		}
		m.Volume += bar.Volume
		m.LastUpdate = bar.Timestamp
	}

	// Session indicators on this interval advance with the bar.
	for _, series := range s.SessionIndicators {
		if series.Interval == iv {
			series.Update(bar)
		}
	}
	return true, nil
}

// InsertBars merges bars into a stream preserving timestamp order. It is
// the refill path for gap repair: unlike AppendBar it accepts bars older
// than the newest stored bar, and skips any timestamp already present.
// It returns the number of bars actually inserted.
func (sd *SessionData) InsertBars(iv domain.Interval, symbol string, bars []domain.Bar) (int, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	s, ok := sd.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	d, ok := s.Session[iv]
	if !ok {
		return 0, fmt.Errorf("%w: symbol %s has no %s stream", ErrValidation, symbol, iv)
	}

	existing := make(map[int64]bool, len(d.Bars))
	for _, b := range d.Bars {
		existing[b.Timestamp.Unix()] = true
	}

	inserted := 0
	for _, b := range bars {
		if existing[b.Timestamp.Unix()] {
			sd.counters.DuplicateBars++
			continue
		}
		d.Bars = append(d.Bars, b)
		existing[b.Timestamp.Unix()] = true
		inserted++
		sd.counters.BarsAppended++
	}
	if inserted > 0 {
		sort.Slice(d.Bars, func(i, j int) bool { return d.Bars[i].Timestamp.Before(d.Bars[j].Timestamp) })
		// The export cursor would replay mid-stream inserts out of order;
		// reset so the next delta carries the repaired stream.
		d.exportCursor = 0
		d.Updated = true
		if !d.Derived {
			// Mid-stream inserts invalidate the running aggregate; rebuild it
			// from the merged stream.
			m := SessionMetrics{}
			for i, b := range d.Bars {
				if i == 0 {
					m.High = b.High
					m.Low = b.Low
				} else {
					if b.High > m.High {
						m.High = b.High
					}
					if b.Low < m.Low {
						m.Low = b.Low
					}
				}
				m.Volume += b.Volume
				m.LastUpdate = b.Timestamp
			}
			s.Metrics = m
		}
	}
	return inserted, nil
}

// SetHistorical installs the preload window for a (symbol, interval).
func (sd *SessionData) SetHistorical(symbol string, h *HistoricalIntervalData) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.setHistoricalLocked(symbol, h)
}

func (sd *SessionData) setHistoricalLocked(symbol string, h *HistoricalIntervalData) error {
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	s.Historical[h.Interval] = h
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// BarsRef returns a borrowed reference to the session bars of a (symbol,
// interval). The slice must not be retained across notifications; elements
// are immutable. While the session gate is down the result is nil.
func (sd *SessionData) BarsRef(symbol string, iv domain.Interval) []domain.Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	if !sd.active {
		return nil
	}
	return sd.streamBarsLocked(symbol, iv)
}

// streamBars reads a stream regardless of the session gate. The workers that
// fill and score data behind the gate use it.
func (sd *SessionData) streamBars(symbol string, iv domain.Interval) []domain.Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.streamBarsLocked(symbol, iv)
}

func (sd *SessionData) streamBarsLocked(symbol string, iv domain.Interval) []domain.Bar {
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	d, ok := s.Session[iv]
	if !ok {
		return nil
	}
	return d.Bars
}

// Bars returns a copy of the session bars of a (symbol, interval) stamped at
// or after since. Unlike BarsRef the caller may retain the result. A zero
// since returns the whole stream.
func (sd *SessionData) Bars(symbol string, iv domain.Interval, since time.Time) []domain.Bar {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	if !sd.active {
		return nil
	}
	bars := sd.streamBarsLocked(symbol, iv)
	from := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(since)
	})
	if from == len(bars) {
		return nil
	}
	out := make([]domain.Bar, len(bars)-from)
	copy(out, bars[from:])
	return out
}

// SymbolData returns one symbol's full record. External callers see nil
// while the session gate is down; internal callers bypass the gate. The
// returned pointer is shared, so fields must only be read.
func (sd *SessionData) SymbolData(symbol string, internal bool) *SymbolSessionData {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	if !internal && !sd.active {
		return nil
	}
	return sd.symbols[symbol]
}

// Metrics returns the running base-interval aggregate for a symbol.
func (sd *SessionData) Metrics(symbol string) (SessionMetrics, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return SessionMetrics{}, false
	}
	return s.Metrics, true
}

// HistoricalRef returns a borrowed reference to the preload window.
func (sd *SessionData) HistoricalRef(symbol string, iv domain.Interval) *HistoricalIntervalData {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return nil
	}
	return s.Historical[iv]
}

// LastBar returns the newest session bar for a (symbol, interval). While
// the session gate is down nothing is returned.
func (sd *SessionData) LastBar(symbol string, iv domain.Interval) (domain.Bar, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	if !sd.active {
		return domain.Bar{}, false
	}
	s, ok := sd.symbols[symbol]
	if !ok {
		return domain.Bar{}, false
	}
	d, ok := s.Session[iv]
	if !ok {
		return domain.Bar{}, false
	}
	return d.Last()
}

// BarCount returns how many session bars a (symbol, interval) holds.
func (sd *SessionData) BarCount(symbol string, iv domain.Interval) int {
	return len(sd.BarsRef(symbol, iv))
}

// Counters returns a copy of the append accounting.
func (sd *SessionData) Counters() Counters {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return sd.counters
}

// ---------------------------------------------------------------------------
// Quality bookkeeping
// ---------------------------------------------------------------------------

// ConsumeUpdated returns the (symbol, interval) streams appended to since
// the last call and clears their Updated flags.
func (sd *SessionData) ConsumeUpdated() []StreamKey {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	var out []StreamKey
	for sym, s := range sd.symbols {
		for iv, d := range s.Session {
			if d.Updated {
				d.Updated = false
				out = append(out, StreamKey{Symbol: sym, Interval: iv})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Interval.Seconds() < out[j].Interval.Seconds()
	})
	return out
}

// StreamKey identifies one (symbol, interval) session stream.
type StreamKey struct {
	Symbol   string
	Interval domain.Interval
}

// SetQuality records the quality score and gap list for a stream.
func (sd *SessionData) SetQuality(key StreamKey, quality float64, gaps []domain.Gap) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[key.Symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, key.Symbol)
	}
	d, ok := s.Session[key.Interval]
	if !ok {
		return fmt.Errorf("%w: symbol %s has no %s stream", ErrValidation, key.Symbol, key.Interval)
	}
	d.Quality = quality
	d.Gaps = gaps
	return nil
}

// Quality returns the current quality score and gaps for a stream.
func (sd *SessionData) Quality(key StreamKey) (float64, []domain.Gap, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[key.Symbol]
	if !ok {
		return 0, nil, false
	}
	d, ok := s.Session[key.Interval]
	if !ok {
		return 0, nil, false
	}
	return d.Quality, d.Gaps, true
}

// ---------------------------------------------------------------------------
// Indicators
// ---------------------------------------------------------------------------

// RegisterSessionIndicator attaches a live-updating indicator to a symbol.
func (sd *SessionData) RegisterSessionIndicator(symbol string, series *IndicatorSeries) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.registerSessionIndicatorLocked(symbol, series)
}

func (sd *SessionData) registerSessionIndicatorLocked(symbol string, series *IndicatorSeries) error {
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	s.SessionIndicators[series.Name] = series
	return nil
}

// HasSessionIndicator reports whether a live indicator is already attached.
func (sd *SessionData) HasSessionIndicator(symbol, name string) bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return false
	}
	_, ok = s.SessionIndicators[name]
	return ok
}

// HasHistoricalIndicator reports whether a one-shot indicator value exists.
func (sd *SessionData) HasHistoricalIndicator(symbol, name string) bool {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return false
	}
	_, ok = s.HistoricalIndicators[name]
	return ok
}

// SetHistoricalIndicator stores a one-shot indicator value for a symbol.
func (sd *SessionData) SetHistoricalIndicator(symbol, name string, v IndicatorValue) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	s.HistoricalIndicators[name] = v
	return nil
}

// IndicatorValueOf returns the latest value of a session indicator.
func (sd *SessionData) IndicatorValueOf(symbol, name string) (IndicatorValue, bool) {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	s, ok := sd.symbols[symbol]
	if !ok {
		return IndicatorValue{}, false
	}
	if series, ok := s.SessionIndicators[name]; ok {
		return series.Latest()
	}
	v, ok := s.HistoricalIndicators[name]
	return v, ok
}
