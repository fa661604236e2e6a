package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketd/internal/datasource"
	"marketd/internal/domain"
	"marketd/internal/timecal"
)

// Provisioning step names, in execution order.
const (
	StepCreateSymbol      = "create_symbol"
	StepUpgradeSymbol     = "upgrade_symbol"
	StepAddInterval       = "add_interval"
	StepLoadHistorical    = "load_historical"
	StepLoadSession       = "load_session"
	StepRegisterIndicator = "register_indicator"
	StepCalculateQuality  = "calculate_quality"
)

// ProvisionRequest asks for one symbol to be brought up to the current
// requirements plan.
type ProvisionRequest struct {
	Symbol  string
	AddedBy domain.AddedBy

	Requirements *Requirements

	// LoadSession also backfills session bars from the session open up to
	// now. Used when a symbol joins mid-session in live mode.
	LoadSession bool

	// SkipQuality skips quality scoring; adhoc symbols get data without
	// the gap-sweep overhead.
	SkipQuality bool
}

// ProvisionResult reports the executed step list. A request that found the
// symbol already satisfying it carries no steps.
type ProvisionResult struct {
	Symbol   string
	Upgraded bool
	NoOp     bool
	Steps    []string
	Duration time.Duration
}

// SymbolValidationResult is the outcome of the pre-provisioning checks for
// one symbol. All five must hold before any state is touched.
type SymbolValidationResult struct {
	Symbol string

	SourceReachable     bool // a source serves the symbol at the base interval
	IntervalsSupported  bool // every stream is the base or derivable from it
	HistoricalAvailable bool // the trailing windows actually hold data
	BaseConsistent      bool // every derived stream names the session base
	RequirementsMet     bool // the plan and its indicator specs are usable

	Reason string // first failing check, empty when all pass
}

// OK reports whether every check passed.
func (r SymbolValidationResult) OK() bool {
	return r.SourceReachable && r.IntervalsSupported && r.HistoricalAvailable &&
		r.BaseConsistent && r.RequirementsMet
}

// Provisioner executes the three-phase symbol provisioning flow: validate
// the request, plan the step list, then run the steps in order. The first
// failing step aborts and rolls back a newly created symbol.
type Provisioner struct {
	sd       *SessionData
	tm       timecal.TimeManager
	exchange string
	sources  []datasource.BarSource
	log      *slog.Logger
}

// NewProvisioner creates a Provisioner over the given data sources. Sources
// are consulted in order; the first one that serves a (symbol, interval)
// wins.
func NewProvisioner(sd *SessionData, tm timecal.TimeManager, exchange string,
	sources []datasource.BarSource, log *slog.Logger) *Provisioner {
	return &Provisioner{
		sd:       sd,
		tm:       tm,
		exchange: exchange,
		sources:  sources,
		log:      log.With("component", "provisioner"),
	}
}

// Provision runs the full flow for one request. Provisioning a symbol that
// already satisfies the request is a no-op; upgrading an adhoc symbol runs
// only the steps that close the gap, so data already loaded and indicators
// already warm are never redone.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	started := time.Now()
	if v := p.ValidateSymbol(ctx, req); !v.OK() {
		return nil, fmt.Errorf("%w: %s: %s", ErrValidation, req.Symbol, v.Reason)
	}

	res := &ProvisionResult{Symbol: req.Symbol}
	created := false

	if meta, exists := p.sd.Meta(req.Symbol); exists {
		promote := !meta.MeetsSessionConfig &&
			(req.AddedBy == domain.AddedByConfig || req.AddedBy == domain.AddedByStrategy)
		if !promote {
			res.NoOp = true
			p.log.Info("symbol already provisioned", "symbol", req.Symbol)
			return res, nil
		}
		res.Upgraded = true
	}

	fail := func(step string, err error) (*ProvisionResult, error) {
		if created {
			_ = p.sd.RemoveSymbol(req.Symbol)
		}
		return nil, fmt.Errorf("%w: step %s for %s: %v", ErrProvisioning, step, req.Symbol, err)
	}

	// Symbol record.
	if res.Upgraded {
		if err := p.sd.UpgradeSymbol(req.Symbol, req.AddedBy); err != nil {
			return fail(StepUpgradeSymbol, err)
		}
		res.Steps = append(res.Steps, StepUpgradeSymbol)
	} else {
		if err := p.sd.AddSymbol(req.Symbol, req.AddedBy, p.tm.Now()); err != nil {
			return fail(StepCreateSymbol, err)
		}
		created = true
		res.Steps = append(res.Steps, StepCreateSymbol)
	}

	// Streams.
	for _, s := range req.Requirements.Streams {
		if err := p.sd.EnsureInterval(req.Symbol, s.Interval, s.Derived, s.Base); err != nil {
			return fail(StepAddInterval, err)
		}
		res.Steps = append(res.Steps, StepAddInterval)
	}

	// Historical preload; windows an earlier provisioning already filled are
	// kept as they are.
	for iv, days := range req.Requirements.Historical {
		if res.Upgraded && p.sd.HistoricalRef(req.Symbol, iv) != nil {
			continue
		}
		if err := p.loadHistorical(ctx, req.Symbol, iv, days, req.SkipQuality); err != nil {
			return fail(StepLoadHistorical, err)
		}
		res.Steps = append(res.Steps, StepLoadHistorical)
	}

	// Session backfill (live mid-session joins).
	if req.LoadSession {
		if err := p.loadSession(ctx, req.Symbol, req.Requirements.Base); err != nil {
			return fail(StepLoadSession, err)
		}
		res.Steps = append(res.Steps, StepLoadSession)
	}

	// Indicators: session series get a warmup replay out of the historical
	// window; historical indicators are computed once. An upgrade never
	// replaces a registered series, which would throw away its warm state.
	for _, spec := range req.Requirements.SessionIndicators {
		if p.sd.HasSessionIndicator(req.Symbol, spec.Name) {
			continue
		}
		if err := p.registerSessionIndicator(req.Symbol, spec, req.Requirements.Warmup[spec.Interval]); err != nil {
			return fail(StepRegisterIndicator, err)
		}
		res.Steps = append(res.Steps, StepRegisterIndicator)
	}
	for _, spec := range req.Requirements.HistoricalIndicators {
		if p.sd.HasHistoricalIndicator(req.Symbol, spec.Name) {
			continue
		}
		if err := p.computeHistoricalIndicator(req.Symbol, spec); err != nil {
			return fail(StepRegisterIndicator, err)
		}
		res.Steps = append(res.Steps, StepRegisterIndicator)
	}

	// Initial quality pass over whatever session data exists.
	if !req.SkipQuality {
		if err := p.initialQuality(req.Symbol, req.Requirements); err != nil {
			return fail(StepCalculateQuality, err)
		}
		res.Steps = append(res.Steps, StepCalculateQuality)
	}

	res.Duration = time.Since(started)
	p.log.Info("symbol provisioned",
		"symbol", req.Symbol, "added_by", string(req.AddedBy),
		"steps", len(res.Steps), "duration", res.Duration)
	return res, nil
}

// ValidateSymbol is phase one: run every pre-provisioning check before any
// state is touched. The result names the first failing check so callers can
// log why a symbol was dropped.
func (p *Provisioner) ValidateSymbol(ctx context.Context, req ProvisionRequest) SymbolValidationResult {
	v := SymbolValidationResult{Symbol: req.Symbol}

	v.RequirementsMet = req.Symbol != "" &&
		req.Requirements != nil && len(req.Requirements.Streams) > 0
	if v.RequirementsMet {
		for _, spec := range append(append([]IndicatorSpec{}, req.Requirements.SessionIndicators...),
			req.Requirements.HistoricalIndicators...) {
			if _, err := NewIndicatorSeries(spec); err != nil {
				v.RequirementsMet = false
				v.Reason = fmt.Sprintf("indicator %s: %v", spec.Name, err)
				break
			}
		}
	} else {
		v.Reason = "empty symbol or no requirements resolved"
	}
	if !v.RequirementsMet {
		return v
	}

	v.SourceReachable = p.sourceFor(ctx, req.Symbol, req.Requirements.Base) != nil
	if !v.SourceReachable {
		v.Reason = fmt.Sprintf("no source serves %s at base interval %s", req.Symbol, req.Requirements.Base)
		return v
	}

	v.IntervalsSupported = true
	v.BaseConsistent = true
	for _, s := range req.Requirements.Streams {
		if s.Derived && s.Base != req.Requirements.Base {
			v.BaseConsistent = false
			v.Reason = fmt.Sprintf("stream %s rides base %s, session base is %s",
				s.Interval, s.Base, req.Requirements.Base)
			return v
		}
		if s.Interval != req.Requirements.Base && !s.Interval.DerivableFrom(req.Requirements.Base) {
			v.IntervalsSupported = false
			v.Reason = fmt.Sprintf("stream %s is not derivable from base %s",
				s.Interval, req.Requirements.Base)
			return v
		}
	}

	v.HistoricalAvailable = true
	for iv, days := range req.Requirements.Historical {
		src := p.sourceFor(ctx, req.Symbol, iv)
		if src == nil {
			v.HistoricalAvailable = false
			v.Reason = fmt.Sprintf("no source serves %s historical interval %s", req.Symbol, iv)
			return v
		}
		ok, err := p.historyExists(ctx, src, req.Symbol, iv, days)
		if err != nil {
			v.HistoricalAvailable = false
			v.Reason = fmt.Sprintf("probing %s %s history: %v", req.Symbol, iv, err)
			return v
		}
		if !ok {
			v.HistoricalAvailable = false
			v.Reason = fmt.Sprintf("%s has no %s history inside the %d-day warmup window",
				req.Symbol, iv, days)
			return v
		}
	}
	return v
}

// historyExists probes whether a source holds any bars for the symbol inside
// the trailing window. Indicator warmup needs real history, not just a
// listed symbol.
func (p *Provisioner) historyExists(ctx context.Context, src datasource.BarSource,
	symbol string, iv domain.Interval, days int) (bool, error) {
	now := p.tm.Now()
	loc, err := p.tm.Location(p.exchange)
	if err != nil {
		return false, err
	}
	today := now.In(loc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	start, err := p.tm.PreviousTradingDate(today, days, p.exchange)
	if err != nil {
		return false, err
	}
	bars, err := src.LoadBars(ctx, symbol, iv, start, today)
	if err != nil {
		return false, err
	}
	return len(bars) > 0, nil
}

// sourceFor returns the first source serving (symbol, interval), or nil.
func (p *Provisioner) sourceFor(ctx context.Context, symbol string, iv domain.Interval) datasource.BarSource {
	for _, src := range p.sources {
		if !src.SupportsInterval(iv) {
			continue
		}
		ok, err := src.HasSymbol(ctx, symbol)
		if err != nil {
			p.log.Warn("source lookup failed", "source", src.Name(), "symbol", symbol, "error", err)
			continue
		}
		if ok {
			return src
		}
	}
	return nil
}

// loadHistorical fills the trailing window for one (symbol, interval).
func (p *Provisioner) loadHistorical(ctx context.Context, symbol string, iv domain.Interval, days int, skipQuality bool) error {
	src := p.sourceFor(ctx, symbol, iv)
	if src == nil {
		return fmt.Errorf("%w: no source serves %s at %s", ErrData, symbol, iv)
	}

	now := p.tm.Now()
	loc, err := p.tm.Location(p.exchange)
	if err != nil {
		return err
	}
	today := now.In(loc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)

	start, err := p.tm.PreviousTradingDate(today, days, p.exchange)
	if err != nil {
		return err
	}

	bars, err := src.LoadBars(ctx, symbol, iv, start, today)
	if err != nil {
		return fmt.Errorf("loading %s %s history: %w", symbol, iv, err)
	}

	h := &HistoricalIntervalData{
		Interval:     iv,
		TrailingDays: days,
		Bars:         bars,
		ByDate:       make(map[string][]domain.Bar),
		Quality:      make(map[string]float64),
	}
	for _, b := range bars {
		d := b.Timestamp.In(loc).Format("2006-01-02")
		h.ByDate[d] = append(h.ByDate[d], b)
	}
	if len(bars) > 0 {
		h.FirstDate = bars[0].Timestamp.In(loc).Format("2006-01-02")
		h.LastDate = bars[len(bars)-1].Timestamp.In(loc).Format("2006-01-02")
	}

	if !skipQuality && iv.Intraday() {
		for date, dayBars := range h.ByDate {
			d, _ := time.ParseInLocation("2006-01-02", date, loc)
			session, err := p.tm.TradingSession(d, p.exchange)
			if err != nil {
				return err
			}
			expected, gaps := computeGaps(session, iv, dayBars, time.Time{})
			if expected > 0 {
				h.Quality[date] = roundQuality(100 * float64(len(dayBars)) / float64(expected))
			}
			h.Gaps = append(h.Gaps, gaps...)
		}
	}

	return p.sd.SetHistorical(symbol, h)
}

// loadSession backfills base-interval bars from the session open to now.
func (p *Provisioner) loadSession(ctx context.Context, symbol string, base domain.Interval) error {
	src := p.sourceFor(ctx, symbol, base)
	if src == nil {
		return fmt.Errorf("%w: no source serves %s at %s", ErrData, symbol, base)
	}
	now := p.tm.Now()
	session, err := p.tm.TradingSession(now, p.exchange)
	if err != nil {
		return err
	}
	if !session.IsTradingDay || now.Before(session.Open) {
		return nil
	}
	bars, err := src.LoadBars(ctx, symbol, base, session.Open, now)
	if err != nil {
		return fmt.Errorf("loading %s session bars: %w", symbol, err)
	}
	_, err = p.sd.InsertBars(base, symbol, bars)
	return err
}

// registerSessionIndicator attaches a live indicator and replays warmup
// bars out of the historical window so it is warm at the session start.
func (p *Provisioner) registerSessionIndicator(symbol string, spec IndicatorSpec, warmupBars int) error {
	series, err := NewIndicatorSeries(spec)
	if err != nil {
		return err
	}
	if warmupBars > 0 {
		h := p.sd.HistoricalRef(symbol, spec.Interval)
		if h == nil || len(h.Bars) == 0 {
			return fmt.Errorf("%w: indicator %s needs a %s historical window for warmup",
				ErrData, spec.Name, spec.Interval)
		}
		tail := h.Bars
		if len(tail) > warmupBars {
			tail = tail[len(tail)-warmupBars:]
		}
		for _, b := range tail {
			series.Update(b)
		}
	}
	return p.sd.RegisterSessionIndicator(symbol, series)
}

// computeHistoricalIndicator evaluates a one-shot indicator over the
// preload window.
func (p *Provisioner) computeHistoricalIndicator(symbol string, spec IndicatorSpec) error {
	h := p.sd.HistoricalRef(symbol, spec.Interval)
	if h == nil {
		return fmt.Errorf("%w: no %s historical window for indicator %s", ErrData, spec.Interval, spec.Name)
	}
	v, err := ComputeOver(spec, h.Bars)
	if err != nil {
		return err
	}
	return p.sd.SetHistoricalIndicator(symbol, spec.Name, v)
}

// initialQuality scores whatever session bars already exist so the quality
// manager starts from a consistent baseline.
func (p *Provisioner) initialQuality(symbol string, req *Requirements) error {
	now := p.tm.Now()
	session, err := p.tm.TradingSession(now, p.exchange)
	if err != nil {
		return err
	}
	for _, s := range req.Streams {
		if !s.Interval.Intraday() {
			continue
		}
		key := StreamKey{Symbol: symbol, Interval: s.Interval}
		bars := p.sd.streamBars(symbol, s.Interval)
		if !session.IsTradingDay || now.Before(session.Open) {
			if err := p.sd.SetQuality(key, 100, nil); err != nil {
				return err
			}
			continue
		}
		expected, gaps := computeGaps(session, s.Interval, bars, now)
		quality := 100.0
		if expected > 0 {
			quality = roundQuality(100 * float64(len(bars)) / float64(expected))
		}
		if err := p.sd.SetQuality(key, quality, gaps); err != nil {
			return err
		}
	}
	return nil
}
