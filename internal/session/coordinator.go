package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketd/internal/datasource"
	"marketd/internal/domain"
	"marketd/internal/timecal"
)

// Lifecycle phases of a coordinated session.
const (
	PhaseIdle         = "idle"
	PhaseProvisioning = "provisioning"
	PhaseWaitingOpen  = "waiting_open"
	PhaseActive       = "active"
	PhaseClosing      = "closing"
	PhaseEnded        = "ended"
)

// drainSettle is how long the coordinator lets in-flight work settle after
// closing the pause gate before it touches shared state.
const drainSettle = 100 * time.Millisecond

// CoordinatorConfig carries the settings the coordinator needs.
type CoordinatorConfig struct {
	Mode     string // "backtest" | "live"
	Exchange string

	// Backtest bounds, YYYY-MM-DD. SpeedMultiplier 0 replays free-running.
	StartDate       string
	EndDate         string
	SpeedMultiplier int
	DataDriven      bool

	Symbols []string

	MidSessionBudget time.Duration
}

type opKind int

const (
	opAddSymbol opKind = iota
	opRemoveSymbol
	opPause
	opResume
)

type coordOp struct {
	kind    opKind
	symbol  string
	addedBy domain.AddedBy
	resp    chan error
}

// Coordinator drives a trading session end to end: it resolves the
// provisioning plan, provisions the configured symbols, replays or streams
// base bars through the processor, and services control operations (pause,
// resume, symbol add/remove) between bars.
type Coordinator struct {
	cfg CoordinatorConfig

	sd       *SessionData
	tm       timecal.TimeManager
	analyzer *Analyzer
	prov     *Provisioner
	proc     *Processor
	disp     *Dispatcher
	quality  *QualityManager
	gate     *Gate
	queue    *BarQueue
	sources  []datasource.BarSource
	writer   datasource.BarWriter // optional, live bar archiving
	log      *slog.Logger

	req *Requirements
	ops chan coordOp

	running atomic.Bool
	mu      sync.Mutex
	phase   string
	date    string
	failed  []string
}

// NewCoordinator wires the coordinator over already-constructed workers.
// writer may be nil; it enables end-of-session bar archiving in live mode.
func NewCoordinator(cfg CoordinatorConfig, sd *SessionData, tm timecal.TimeManager,
	analyzer *Analyzer, prov *Provisioner, proc *Processor, disp *Dispatcher,
	quality *QualityManager, gate *Gate, sources []datasource.BarSource,
	writer datasource.BarWriter, log *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		sd:       sd,
		tm:       tm,
		analyzer: analyzer,
		prov:     prov,
		proc:     proc,
		disp:     disp,
		quality:  quality,
		gate:     gate,
		queue:    NewBarQueue(),
		sources:  sources,
		writer:   writer,
		log:      log.With("component", "coordinator"),
		ops:      make(chan coordOp, 16),
		phase:    PhaseIdle,
	}
}

// SetRequirements installs a pre-resolved plan. Normally Run resolves the
// plan itself via the analyzer; tests inject one directly.
func (c *Coordinator) SetRequirements(req *Requirements) { c.req = req }

// Requirements returns the resolved plan (nil before Run).
func (c *Coordinator) Requirements() *Requirements { return c.req }

func (c *Coordinator) setPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
	c.log.Info("phase change", "phase", phase)
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Status is the coordinator's control-plane snapshot.
type Status struct {
	Mode           string          `json:"mode"`
	Phase          string          `json:"phase"`
	Paused         bool            `json:"paused"`
	Clock          time.Time       `json:"clock"`
	SessionDate    string          `json:"session_date,omitempty"`
	QueueRemaining int             `json:"queue_remaining,omitempty"`
	Symbols        []string        `json:"symbols"`
	FailedSymbols  []string        `json:"failed_symbols,omitempty"`
	Strategies     []StrategyStats `json:"strategies,omitempty"`
	Counters       Counters        `json:"counters"`
}

// Status reports the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	phase, date, failed := c.phase, c.date, append([]string(nil), c.failed...)
	queue := c.queue
	c.mu.Unlock()
	return Status{
		Mode:           c.cfg.Mode,
		Phase:          phase,
		Paused:         c.gate.Paused(),
		Clock:          c.tm.Now(),
		SessionDate:    date,
		QueueRemaining: queue.Len(),
		Symbols:        c.sd.Symbols(),
		FailedSymbols:  failed,
		Strategies:     c.disp.Stats(),
		Counters:       c.sd.Counters(),
	}
}

// Threads reports the per-worker state and counters of the session stack,
// keyed by worker name. The system manager attaches it to exported
// snapshots.
func (c *Coordinator) Threads() map[string]ThreadInfo {
	running := c.running.Load()
	counters := c.sd.Counters()
	out := map[string]ThreadInfo{
		"coordinator": {
			ThreadInfo: "session lifecycle, phase " + c.Phase(),
			Running:    running,
		},
		"processor": {
			ThreadInfo: "base bar ingestion and derived aggregation",
			Running:    running,
			Counters: map[string]int64{
				"bars_appended":     counters.BarsAppended,
				"derived_bars":      counters.DerivedBars,
				"duplicate_bars":    counters.DuplicateBars,
				"out_of_order_bars": counters.OutOfOrderBars,
			},
		},
		"quality": {
			ThreadInfo: "gap detection and scoring",
			Running:    running,
			Counters:   map[string]int64{"sweeps": c.quality.SweepCount()},
		},
	}
	for _, s := range c.disp.Stats() {
		out["dispatcher/"+s.Name] = ThreadInfo{
			ThreadInfo: "strategy notification queue",
			Running:    running,
			Counters: map[string]int64{
				"dispatched": s.Dispatched,
				"overruns":   s.Overruns,
				"errors":     s.Errors,
			},
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Control surface
// ---------------------------------------------------------------------------

// AddSymbol enqueues a mid-session symbol addition and returns once the
// request is queued; the coordinator executes it between bars. The outcome
// is logged, not returned, so a slow provisioning flow never blocks the
// caller.
func (c *Coordinator) AddSymbol(ctx context.Context, symbol string, addedBy domain.AddedBy) error {
	if !c.running.Load() {
		return fmt.Errorf("%w: coordinator not running", ErrValidation)
	}
	op := coordOp{kind: opAddSymbol, symbol: symbol, addedBy: addedBy, resp: make(chan error, 1)}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	go func() {
		if err := <-op.resp; err != nil {
			c.log.Error("queued symbol addition failed", "symbol", symbol, "error", err)
		}
	}()
	return nil
}

// RemoveSymbol requests removal of a dynamically added symbol.
func (c *Coordinator) RemoveSymbol(ctx context.Context, symbol string) error {
	return c.submit(ctx, coordOp{kind: opRemoveSymbol, symbol: symbol})
}

// Pause closes the pause gate between bars.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.submit(ctx, coordOp{kind: opPause})
}

// Resume reopens the pause gate.
func (c *Coordinator) Resume(ctx context.Context) error {
	// Resume cannot go through the op loop: the loop may be blocked at the
	// gate it is supposed to reopen.
	if !c.running.Load() {
		return fmt.Errorf("%w: coordinator not running", ErrValidation)
	}
	c.gate.Resume()
	return nil
}

func (c *Coordinator) submit(ctx context.Context, op coordOp) error {
	if !c.running.Load() {
		return fmt.Errorf("%w: coordinator not running", ErrValidation)
	}
	op.resp = make(chan error, 1)
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run drives the session until the backtest window is exhausted or the
// context is cancelled.
func (c *Coordinator) Run(ctx context.Context, historical []HistoricalNeed,
	sessionInd, historicalInd []IndicatorSpec, streams []domain.Interval) error {

	c.running.Store(true)
	defer c.running.Store(false)
	defer c.setPhase(PhaseEnded)

	if c.cfg.Mode == "backtest" {
		// Anchor the simulated clock before the analyzer and provisioner
		// consult it, so trailing windows count back from the backtest
		// start rather than the wall clock.
		if err := c.anchorClock(); err != nil {
			return err
		}
	}

	if c.req == nil {
		req, err := c.analyzer.Analyze(streams, historical, sessionInd, historicalInd)
		if err != nil {
			return err
		}
		c.req = req
	}

	if err := c.provisionConfigured(ctx); err != nil {
		return err
	}

	if err := c.disp.Start(ctx); err != nil {
		return err
	}

	if c.cfg.Mode == "backtest" {
		// Backtest sweeps are paced by the simulated clock inside the replay
		// loop; a wall-clock ticker would be meaningless there.
		return c.runBacktest(ctx)
	}
	go c.quality.Run(ctx)
	return c.runLive(ctx)
}

// provisionConfigured provisions every configured symbol. One bad symbol
// degrades the session; every symbol failing is a startup error, because a
// session with no data cannot do anything.
func (c *Coordinator) provisionConfigured(ctx context.Context) error {
	c.setPhase(PhaseProvisioning)
	var failed []string
	for _, symbol := range c.cfg.Symbols {
		_, err := c.prov.Provision(ctx, ProvisionRequest{
			Symbol:       symbol,
			AddedBy:      domain.AddedByConfig,
			Requirements: c.req,
		})
		if err != nil {
			c.log.Error("symbol provisioning failed, continuing without it",
				"symbol", symbol, "error", err)
			failed = append(failed, symbol)
		}
	}
	c.mu.Lock()
	c.failed = failed
	c.mu.Unlock()
	if len(c.cfg.Symbols) > 0 && len(failed) == len(c.cfg.Symbols) {
		return fmt.Errorf("%w: all %d configured symbols failed to provision",
			ErrProvisioning, len(failed))
	}
	return nil
}

func (c *Coordinator) anchorClock() error {
	loc, err := c.tm.Location(c.cfg.Exchange)
	if err != nil {
		return err
	}
	start, err := time.ParseInLocation("2006-01-02", c.cfg.StartDate, loc)
	if err != nil {
		return fmt.Errorf("%w: backtest start date: %v", ErrConfig, err)
	}
	c.tm.ResetBacktestTime(start)
	return nil
}

// ---------------------------------------------------------------------------
// Backtest replay
// ---------------------------------------------------------------------------

func (c *Coordinator) runBacktest(ctx context.Context) error {
	loc, err := c.tm.Location(c.cfg.Exchange)
	if err != nil {
		return err
	}
	start, _ := time.ParseInLocation("2006-01-02", c.cfg.StartDate, loc)
	end, err := time.ParseInLocation("2006-01-02", c.cfg.EndDate, loc)
	if err != nil {
		return fmt.Errorf("%w: backtest end date: %v", ErrConfig, err)
	}

	first := true
	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		session, err := c.tm.TradingSession(date, c.cfg.Exchange)
		if err != nil {
			return err
		}
		if !session.IsTradingDay {
			continue
		}
		if !first {
			// Day rollover: tear the previous session down and provision the
			// configured symbols fresh. The clock is forced to the new date
			// first so trailing windows count back from the right day.
			c.teardown()
			c.tm.ResetBacktestTime(date)
			if err := c.provisionConfigured(ctx); err != nil {
				return err
			}
		}
		first = false
		if err := c.runBacktestDay(ctx, session); err != nil {
			return err
		}
	}
	return nil
}

// teardown clears all per-session state between trading days: stored bars
// and symbols, pending derived windows, queued replay bars, and quality
// bookkeeping. Dynamically added symbols do not survive the boundary; the
// next day starts from configuration alone.
func (c *Coordinator) teardown() {
	c.sd.Clear()
	c.mu.Lock()
	c.queue = NewBarQueue()
	c.mu.Unlock()
	c.proc.Reset()
	c.quality.Reset()
	c.log.Info("session state cleared")
}

func (c *Coordinator) runBacktestDay(ctx context.Context, session timecal.Session) error {
	c.mu.Lock()
	c.date = session.Date
	c.mu.Unlock()

	c.setPhase(PhaseWaitingOpen)
	c.tm.SetBacktestTime(session.Open)

	// Preload the day's base bars for every healthy symbol.
	for _, symbol := range c.activeSymbols() {
		bars, err := c.loadDayBars(ctx, symbol, session)
		if err != nil {
			c.log.Error("day preload failed", "symbol", symbol, "date", session.Date, "error", err)
			continue
		}
		c.queue.AddStream(StreamKey{Symbol: symbol, Interval: c.req.Base}, bars)
		if err := c.sd.SetActive(symbol, true); err != nil {
			return err
		}
	}

	c.sd.ActivateSession(session.Date)
	c.setPhase(PhaseActive)
	c.log.Info("session open", "date", session.Date, "bars_queued", c.queue.Len())

	baseStride := time.Duration(c.req.Base.Seconds()) * time.Second
	var prevTS time.Time
	for {
		if err := c.drainOps(ctx); err != nil {
			return err
		}
		if err := c.gate.Wait(ctx); err != nil {
			return err
		}

		qb, ok := c.queue.Pop()
		if !ok {
			break
		}

		if c.cfg.SpeedMultiplier > 0 && !prevTS.IsZero() {
			gap := qb.Bar.Timestamp.Sub(prevTS) / time.Duration(c.cfg.SpeedMultiplier)
			if gap > 0 {
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		prevTS = qb.Bar.Timestamp

		// The bar's window is complete once the clock passes its end.
		c.tm.SetBacktestTime(qb.Bar.Timestamp.Add(baseStride))
		if err := c.proc.ProcessBase(ctx, qb.Key.Interval, qb.Bar); err != nil {
			return err
		}
		// Quality tracks the replay at simulated-clock pace, so mid-session
		// scores stay fresh instead of appearing only at the close.
		c.quality.MaybeSweep(ctx)
	}

	c.setPhase(PhaseClosing)
	c.tm.SetBacktestTime(session.Close)
	if err := c.proc.Flush(ctx); err != nil {
		return err
	}
	c.quality.Sweep(ctx)
	c.log.Info("session closed", "date", session.Date)
	return nil
}

// loadDayBars fetches one symbol's base bars for the session window.
func (c *Coordinator) loadDayBars(ctx context.Context, symbol string, session timecal.Session) ([]domain.Bar, error) {
	src := c.sourceFor(ctx, symbol, c.req.Base)
	if src == nil {
		return nil, fmt.Errorf("%w: no source serves %s at %s", ErrData, symbol, c.req.Base)
	}
	return src.LoadBars(ctx, symbol, c.req.Base, session.Open, session.Close)
}

func (c *Coordinator) sourceFor(ctx context.Context, symbol string, iv domain.Interval) datasource.BarSource {
	for _, src := range c.sources {
		if !src.SupportsInterval(iv) {
			continue
		}
		if ok, _ := src.HasSymbol(ctx, symbol); ok {
			return src
		}
	}
	return nil
}

// activeSymbols returns the provisioned symbols, skipping failures.
func (c *Coordinator) activeSymbols() []string {
	symbols := c.sd.Symbols()
	sort.Strings(symbols)
	return symbols
}

// ---------------------------------------------------------------------------
// Live streaming
// ---------------------------------------------------------------------------

func (c *Coordinator) runLive(ctx context.Context) error {
	for {
		if err := c.drainOps(ctx); err != nil {
			return err
		}

		now := c.tm.Now()
		session, err := c.tm.TradingSession(now, c.cfg.Exchange)
		if err != nil {
			return err
		}

		switch {
		case session.IsTradingDay && now.Before(session.Open):
			c.setPhase(PhaseWaitingOpen)
			if err := c.sleepUntil(ctx, session.Open); err != nil {
				return err
			}
		case session.Contains(now):
			if err := c.runLiveSession(ctx, session); err != nil {
				return err
			}
			// The day is over: clear the session and provision fresh for the
			// next one.
			c.teardown()
			if err := c.provisionConfigured(ctx); err != nil {
				return err
			}
		default:
			next, err := c.tm.NextTradingDate(now, c.cfg.Exchange)
			if err != nil {
				return err
			}
			nextSession, err := c.tm.TradingSession(next, c.cfg.Exchange)
			if err != nil {
				return err
			}
			c.setPhase(PhaseWaitingOpen)
			if err := c.sleepUntil(ctx, nextSession.Open); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) runLiveSession(ctx context.Context, session timecal.Session) error {
	c.mu.Lock()
	c.date = session.Date
	c.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, symbol := range c.activeSymbols() {
		if err := c.sd.SetActive(symbol, true); err != nil {
			return err
		}
		c.startStream(streamCtx, &wg, symbol)
	}

	c.sd.ActivateSession(session.Date)
	c.setPhase(PhaseActive)
	c.log.Info("live session open", "date", session.Date)

	// Service control operations until the close.
	timer := time.NewTimer(time.Until(session.Close))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-c.ops:
			op.resp <- c.handleOp(ctx, op)
		case <-timer.C:
			c.setPhase(PhaseClosing)
			cancel()
			wg.Wait()
			if err := c.proc.Flush(ctx); err != nil {
				return err
			}
			c.quality.Sweep(ctx)
			c.archive(ctx)
			c.log.Info("live session closed", "date", session.Date)
			return nil
		}
	}
}

// startStream launches the per-symbol live bar subscription with reconnect.
func (c *Coordinator) startStream(ctx context.Context, wg *sync.WaitGroup, symbol string) {
	var src datasource.BarSource
	for _, s := range c.sources {
		if s.SupportsStreaming() {
			src = s
			break
		}
	}
	if src == nil {
		c.log.Error("no streaming source available", "symbol", symbol)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			err := src.Stream(ctx, symbol, c.req.Base, func(bar domain.Bar) {
				if err := c.proc.ProcessBase(ctx, c.req.Base, bar); err != nil && ctx.Err() == nil {
					c.log.Error("bar processing failed", "symbol", symbol, "error", err)
				}
			})
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("stream disconnected, reconnecting", "symbol", symbol, "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// archive persists the day's base bars through the writer.
func (c *Coordinator) archive(ctx context.Context) {
	if c.writer == nil {
		return
	}
	for _, symbol := range c.activeSymbols() {
		bars := c.sd.streamBars(symbol, c.req.Base)
		if len(bars) == 0 {
			continue
		}
		if err := c.writer.WriteBars(ctx, c.req.Base, bars); err != nil {
			c.log.Error("bar archiving failed", "symbol", symbol, "error", err)
		}
	}
}

func (c *Coordinator) sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case op := <-c.ops:
		op.resp <- c.handleOp(ctx, op)
		return nil
	case <-timer.C:
		return nil
	}
}

// ---------------------------------------------------------------------------
// Control operations
// ---------------------------------------------------------------------------

func (c *Coordinator) drainOps(ctx context.Context) error {
	for {
		select {
		case op := <-c.ops:
			op.resp <- c.handleOp(ctx, op)
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
}

func (c *Coordinator) handleOp(ctx context.Context, op coordOp) error {
	switch op.kind {
	case opPause:
		c.gate.Pause()
		c.log.Info("paused")
		return nil
	case opResume:
		c.gate.Resume()
		c.log.Info("resumed")
		return nil
	case opAddSymbol:
		return c.handleAddSymbol(ctx, op.symbol, op.addedBy)
	case opRemoveSymbol:
		return c.handleRemoveSymbol(op.symbol)
	default:
		return fmt.Errorf("%w: unknown op %d", ErrValidation, op.kind)
	}
}

// handleAddSymbol executes the mid-session addition flow under the
// provisioning budget: drain the pipeline, provision, catch the symbol up
// to the current clock without notifications, then reactivate everything.
// A failure inside the flow rolls the symbol back completely.
func (c *Coordinator) handleAddSymbol(ctx context.Context, symbol string, addedBy domain.AddedBy) error {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.MidSessionBudget)
	defer cancel()

	upgrade := c.sd.HasSymbol(symbol)
	started := time.Now()

	// Readers are blinded for the duration: the pause gate stops the data
	// path, notifications are muted, and the session read gate drops so
	// nothing observes the half-provisioned symbol. Writes keep landing.
	wasPaused := c.gate.Paused()
	c.gate.Pause()
	c.proc.PauseNotifications(true)
	sessionDate := c.sd.SessionDate()
	wasActive := c.sd.SessionActive()
	c.sd.DeactivateSession()
	defer func() {
		if wasActive {
			c.sd.ActivateSession(sessionDate)
		}
		c.proc.PauseNotifications(false)
		if !wasPaused {
			c.gate.Resume()
		}
	}()
	time.Sleep(drainSettle)

	rollback := func(err error) error {
		if !upgrade {
			c.queue.RemoveSymbol(symbol)
			c.proc.DropSymbol(symbol)
			_ = c.sd.RemoveSymbol(symbol)
		}
		c.log.Error("mid-session addition rolled back", "symbol", symbol, "error", err)
		return err
	}

	adhoc := addedBy == domain.AddedByAdhoc
	res, err := c.prov.Provision(opCtx, ProvisionRequest{
		Symbol:       symbol,
		AddedBy:      addedBy,
		Requirements: c.req,
		LoadSession:  c.cfg.Mode == "live",
		SkipQuality:  adhoc,
	})
	if err != nil {
		return rollback(err)
	}
	if res.NoOp {
		// Already provisioned at this level or better: nothing to catch up,
		// nothing to queue.
		c.log.Info("symbol already provisioned", "symbol", symbol)
		return nil
	}

	// An upgrade's session bars and queued remainder are already in place
	// from the original addition; replaying them would double-queue the rest
	// of the day.
	if c.cfg.Mode == "backtest" && !res.Upgraded {
		if err := c.catchUp(opCtx, symbol); err != nil {
			return rollback(err)
		}
	}

	if err := c.sd.SetActive(symbol, true); err != nil {
		return rollback(err)
	}
	if !adhoc {
		c.quality.Sweep(opCtx)
	}

	c.log.Info("symbol added mid-session",
		"symbol", symbol, "added_by", string(addedBy),
		"upgrade", upgrade, "duration", time.Since(started))
	return nil
}

// catchUp replays a new symbol's bars from the session open to the current
// simulated clock, then queues the remainder of the day behind the live
// cursor.
func (c *Coordinator) catchUp(ctx context.Context, symbol string) error {
	now := c.tm.Now()
	session, err := c.tm.TradingSession(now, c.cfg.Exchange)
	if err != nil {
		return err
	}
	if !session.IsTradingDay || now.Before(session.Open) {
		return nil
	}

	bars, err := c.loadDayBars(ctx, symbol, session)
	if err != nil {
		return err
	}

	caught := 0
	var remainder []domain.Bar
	for _, bar := range bars {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if bar.Timestamp.Before(now) {
			if err := c.proc.CatchUp(ctx, c.req.Base, bar); err != nil {
				return err
			}
			caught++
			continue
		}
		remainder = append(remainder, bar)
	}
	c.queue.AddStream(StreamKey{Symbol: symbol, Interval: c.req.Base}, remainder)

	c.log.Info("catch-up complete",
		"symbol", symbol, "caught_up", caught, "queued", len(remainder))
	return nil
}

// handleRemoveSymbol drops a dynamically added symbol between bars.
func (c *Coordinator) handleRemoveSymbol(symbol string) error {
	addedBy, ok := c.sd.AddedBy(symbol)
	if !ok {
		return fmt.Errorf("%w: unknown symbol %s", ErrValidation, symbol)
	}
	if addedBy == domain.AddedByConfig {
		return fmt.Errorf("%w: symbol %s is configured, not dynamic", ErrValidation, symbol)
	}

	wasPaused := c.gate.Paused()
	c.gate.Pause()
	defer func() {
		if !wasPaused {
			c.gate.Resume()
		}
	}()
	time.Sleep(drainSettle)

	c.queue.RemoveSymbol(symbol)
	c.proc.DropSymbol(symbol)
	if err := c.sd.RemoveSymbol(symbol); err != nil {
		return err
	}
	c.log.Info("symbol removed", "symbol", symbol)
	return nil
}
