package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"marketd/internal/domain"
	"marketd/internal/timecal"
)

// Processor is the single ingestion path for base-interval bars. It appends
// the bar to SessionData, rolls it into every derived stream of the symbol,
// and notifies the dispatcher. Backtest replay, live streams, and catch-up
// all funnel through ProcessBase; what differs is only whether
// notifications fire.
type Processor struct {
	sd         *SessionData
	tm         timecal.TimeManager
	exchange   string
	dispatcher *Dispatcher
	gate       *Gate
	dataDriven bool
	log        *slog.Logger

	// paused suppresses notifications while data still flows (catch-up).
	paused atomic.Bool

	mu       sync.Mutex
	windows  map[StreamKey]*aggWindow
	sessions map[string]timecal.Session
}

// aggWindow accumulates base bars into one derived bar.
type aggWindow struct {
	start  time.Time
	open   float64
	high   float64
	low    float64
	close_ float64
	volume int64
	count  int
}

func (w *aggWindow) add(b domain.Bar) {
	if w.count == 0 {
		w.open = b.Open
		w.high = b.High
		w.low = b.Low
	} else {
		if b.High > w.high {
			w.high = b.High
		}
		if b.Low < w.low {
			w.low = b.Low
		}
	}
	w.close_ = b.Close
	w.volume += b.Volume
	w.count++
}

// NewProcessor creates the bar processor. dataDriven selects synchronous
// strategy dispatch.
func NewProcessor(sd *SessionData, tm timecal.TimeManager, exchange string,
	dispatcher *Dispatcher, gate *Gate, dataDriven bool, log *slog.Logger) *Processor {
	return &Processor{
		sd:         sd,
		tm:         tm,
		exchange:   exchange,
		dispatcher: dispatcher,
		gate:       gate,
		dataDriven: dataDriven,
		log:        log.With("component", "processor"),
		windows:    make(map[StreamKey]*aggWindow),
		sessions:   make(map[string]timecal.Session),
	}
}

// PauseNotifications suppresses strategy notification while letting data
// keep flowing. Used during mid-session catch-up.
func (p *Processor) PauseNotifications(v bool) { p.paused.Store(v) }

// NotificationsPaused reports the notification switch.
func (p *Processor) NotificationsPaused() bool { return p.paused.Load() }

// ProcessBase ingests one base-interval bar. It blocks at the pause gate,
// appends the bar, updates derived streams, and dispatches notifications
// for every stream that gained a bar.
func (p *Processor) ProcessBase(ctx context.Context, base domain.Interval, bar domain.Bar) error {
	if err := p.gate.Wait(ctx); err != nil {
		return err
	}
	return p.process(ctx, base, bar)
}

// CatchUp ingests a bar while the gate is paused. Only the catch-up path of
// a mid-session addition uses it; notifications are expected to be paused.
func (p *Processor) CatchUp(ctx context.Context, base domain.Interval, bar domain.Bar) error {
	return p.process(ctx, base, bar)
}

func (p *Processor) process(ctx context.Context, base domain.Interval, bar domain.Bar) error {

	appended, err := p.sd.AppendBar(base, bar)
	if err != nil {
		if errors.Is(err, ErrInvariant) {
			return nil // logged and dropped inside SessionData
		}
		return err
	}
	if !appended {
		return nil
	}

	completed := p.updateDerived(bar.Symbol, base, bar)

	if p.paused.Load() || !p.sd.IsActive(bar.Symbol) {
		return nil
	}
	if err := p.notify(ctx, bar.Symbol, base); err != nil {
		return err
	}
	for _, iv := range completed {
		if err := p.notify(ctx, bar.Symbol, iv); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) notify(ctx context.Context, symbol string, iv domain.Interval) error {
	if p.dataDriven {
		return p.dispatcher.NotifySync(ctx, symbol, iv)
	}
	p.dispatcher.Notify(symbol, iv)
	return nil
}

// updateDerived rolls the base bar into every derived window of the symbol
// and returns the intervals whose bar completed on this input.
func (p *Processor) updateDerived(symbol string, base domain.Interval, bar domain.Bar) []domain.Interval {
	derived := p.sd.DerivedStreams(symbol, base)
	if len(derived) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var completed []domain.Interval
	for _, iv := range derived {
		start, end, ok := p.windowBounds(iv, base, bar.Timestamp)
		if !ok {
			continue
		}
		key := StreamKey{Symbol: symbol, Interval: iv}
		w := p.windows[key]

		// A bar landing outside the current window closes it late; this
		// only happens when the window's final base bar was missing.
		if w != nil && !w.start.Equal(start) {
			p.emit(key, w)
			w = nil
		}
		if w == nil {
			w = &aggWindow{start: start}
			p.windows[key] = w
		}
		w.add(bar)

		// The window completes when its last base slot arrives.
		baseStride := time.Duration(base.Seconds()) * time.Second
		if !bar.Timestamp.Add(baseStride).Before(end) {
			p.emit(key, w)
			delete(p.windows, key)
			completed = append(completed, iv)
		}
	}
	return completed
}

// windowBounds returns the [start, end) derived window covering ts.
func (p *Processor) windowBounds(iv, base domain.Interval, ts time.Time) (time.Time, time.Time, bool) {
	session, ok := p.sessionFor(ts)
	if !ok || !session.Contains(ts) {
		return time.Time{}, time.Time{}, false
	}
	if iv.Intraday() {
		stride := time.Duration(iv.Seconds()) * time.Second
		offset := ts.Sub(session.Open) / stride * stride
		start := session.Open.Add(offset)
		return start, start.Add(stride), true
	}
	// Daily (and weekly) windows span the whole session; weekly bars are
	// only derivable from a daily base, which is not intraday, so here the
	// window is always one session.
	return session.Open, session.Close, true
}

func (p *Processor) sessionFor(ts time.Time) (timecal.Session, bool) {
	loc, err := p.tm.Location(p.exchange)
	if err != nil {
		return timecal.Session{}, false
	}
	date := ts.In(loc).Format("2006-01-02")
	if s, ok := p.sessions[date]; ok {
		return s, s.IsTradingDay
	}
	s, err := p.tm.TradingSession(ts.In(loc), p.exchange)
	if err != nil {
		p.log.Error("calendar lookup failed", "date", date, "error", err)
		return timecal.Session{}, false
	}
	p.sessions[date] = s
	return s, s.IsTradingDay
}

// emit appends a completed derived bar. Caller holds p.mu.
func (p *Processor) emit(key StreamKey, w *aggWindow) {
	bar := domain.Bar{
		Symbol:    key.Symbol,
		Timestamp: w.start,
		Open:      w.open,
		High:      w.high,
		Low:       w.low,
		Close:     w.close_,
		Volume:    w.volume,
		Source:    domain.SourceDerived,
	}
	if _, err := p.sd.AppendBar(key.Interval, bar); err != nil {
		p.log.Error("derived bar append failed",
			"symbol", key.Symbol, "interval", key.Interval.String(), "error", err)
	}
}

// Flush closes every pending derived window, notifying subscribers of the
// emitted bars. Called at session end.
func (p *Processor) Flush(ctx context.Context) error {
	p.mu.Lock()
	var flushed []StreamKey
	for key, w := range p.windows {
		p.emit(key, w)
		flushed = append(flushed, key)
		delete(p.windows, key)
	}
	p.mu.Unlock()

	if p.paused.Load() {
		return nil
	}
	for _, key := range flushed {
		if !p.sd.IsActive(key.Symbol) {
			continue
		}
		if err := p.notify(ctx, key.Symbol, key.Interval); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards every pending derived window and the cached session
// lookups. Called at the session boundary before the next day provisions.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windows = make(map[StreamKey]*aggWindow)
	p.sessions = make(map[string]timecal.Session)
}

// DropSymbol discards any pending derived windows of a symbol. Used when a
// mid-session addition rolls back.
func (p *Processor) DropSymbol(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.windows {
		if key.Symbol == symbol {
			delete(p.windows, key)
		}
	}
}
