package session

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"marketd/internal/datasource"
	"marketd/internal/domain"
	"marketd/internal/timecal"
)

// roundQuality clamps a score to one decimal place, the precision quality is
// reported at everywhere.
func roundQuality(q float64) float64 {
	return math.Round(q*10) / 10
}

// computeGaps walks the expected bar grid of a session and returns how many
// bars were due by limit (zero limit means the whole session) plus the runs
// of missing timestamps. Only completed bar windows count: a window still in
// flight is never reported as a gap.
func computeGaps(session timecal.Session, iv domain.Interval, bars []domain.Bar, limit time.Time) (int, []domain.Gap) {
	if !session.IsTradingDay || !iv.Intraday() {
		return 0, nil
	}
	stride := time.Duration(iv.Seconds()) * time.Second
	end := session.Close
	if !limit.IsZero() && limit.Before(end) {
		end = limit
	}

	have := make(map[int64]bool, len(bars))
	for _, b := range bars {
		have[b.Timestamp.Unix()] = true
	}

	expected := 0
	var gaps []domain.Gap
	open := false
	for ts := session.Open; !ts.Add(stride).After(end); ts = ts.Add(stride) {
		expected++
		if have[ts.Unix()] {
			open = false
			continue
		}
		if open {
			gaps[len(gaps)-1].End = ts
			gaps[len(gaps)-1].BarCount++
		} else {
			gaps = append(gaps, domain.Gap{Start: ts, End: ts, BarCount: 1})
			open = true
		}
	}
	return expected, gaps
}

// QualityManager periodically scores every intraday session stream against
// its expected bar grid and, in live mode, refetches missing ranges from the
// data sources.
type QualityManager struct {
	sd       *SessionData
	tm       timecal.TimeManager
	exchange string
	sources  []datasource.BarSource

	sweepInterval time.Duration
	maxRetries    int
	retryInterval time.Duration
	fetchTimeout  time.Duration
	refill        bool

	// retries tracks refill attempts per gap start across sweeps, because
	// gaps are recomputed from scratch each pass.
	retries map[StreamKey]map[int64]*retryInfo

	// lastSweep is in session time: wall clock live, simulated in backtests.
	sweepMu   sync.Mutex
	lastSweep time.Time
	sweeps    atomic.Int64

	log *slog.Logger
}

type retryInfo struct {
	count int
	last  time.Time
}

// QualityOptions tunes the sweep. Refill enables live gap refetching.
type QualityOptions struct {
	SweepInterval time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	FetchTimeout  time.Duration
	Refill        bool
}

// NewQualityManager creates the quality worker.
func NewQualityManager(sd *SessionData, tm timecal.TimeManager, exchange string,
	sources []datasource.BarSource, opts QualityOptions, log *slog.Logger) *QualityManager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &QualityManager{
		sd:            sd,
		tm:            tm,
		exchange:      exchange,
		sources:       sources,
		sweepInterval: opts.SweepInterval,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		fetchTimeout:  opts.FetchTimeout,
		refill:        opts.Refill,
		retries:       make(map[StreamKey]map[int64]*retryInfo),
		log:           log.With("component", "quality"),
	}
}

// Run sweeps until the context is cancelled.
func (q *QualityManager) Run(ctx context.Context) {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// MaybeSweep runs a sweep when at least one sweep interval of session time
// has passed since the last one. Backtest replay calls it per bar, which
// paces sweeps by the simulated clock instead of a wall-clock ticker.
func (q *QualityManager) MaybeSweep(ctx context.Context) {
	now := q.tm.Now()
	q.sweepMu.Lock()
	due := q.lastSweep.IsZero() || now.Sub(q.lastSweep) >= q.sweepInterval
	q.sweepMu.Unlock()
	if due {
		q.Sweep(ctx)
	}
}

// SweepCount returns how many sweeps have run.
func (q *QualityManager) SweepCount() int64 { return q.sweeps.Load() }

// Reset drops the retry bookkeeping and sweep pacing at a session boundary.
func (q *QualityManager) Reset() {
	q.sweepMu.Lock()
	q.lastSweep = time.Time{}
	q.sweepMu.Unlock()
	q.retries = make(map[StreamKey]map[int64]*retryInfo)
}

// Sweep scores every intraday stream once. Exported so the coordinator can
// force a pass at phase boundaries.
func (q *QualityManager) Sweep(ctx context.Context) {
	now := q.tm.Now()
	q.sweepMu.Lock()
	q.lastSweep = now
	q.sweepMu.Unlock()
	q.sweeps.Add(1)
	session, err := q.tm.TradingSession(now, q.exchange)
	if err != nil {
		q.log.Error("calendar lookup failed", "error", err)
		return
	}
	if !session.IsTradingDay || now.Before(session.Open) {
		return
	}

	for _, symbol := range q.sd.Symbols() {
		for _, iv := range q.sd.Intervals(symbol) {
			if !iv.Intraday() {
				continue
			}
			q.sweepStream(ctx, StreamKey{Symbol: symbol, Interval: iv}, session, now)
		}
	}
}

func (q *QualityManager) sweepStream(ctx context.Context, key StreamKey, session timecal.Session, now time.Time) {
	bars := q.sd.streamBars(key.Symbol, key.Interval)
	expected, gaps := computeGaps(session, key.Interval, bars, now)

	quality := 100.0
	if expected > 0 {
		present := expected - missingCount(gaps)
		quality = roundQuality(100 * float64(present) / float64(expected))
	}

	q.attachRetries(key, gaps)
	if err := q.sd.SetQuality(key, quality, gaps); err != nil {
		return // symbol removed between listing and scoring
	}

	if quality < 100 {
		q.log.Debug("stream quality", "symbol", key.Symbol, "interval", key.Interval.String(),
			"quality", quality, "gaps", len(gaps))
	}

	if q.refill {
		for _, g := range gaps {
			q.maybeRefill(ctx, key, g, now)
		}
	}
}

func missingCount(gaps []domain.Gap) int {
	n := 0
	for _, g := range gaps {
		n += g.BarCount
	}
	return n
}

// attachRetries carries refill attempt counts across sweeps and prunes
// bookkeeping for gaps that closed.
func (q *QualityManager) attachRetries(key StreamKey, gaps []domain.Gap) {
	book := q.retries[key]
	if book == nil {
		if len(gaps) == 0 {
			return
		}
		book = make(map[int64]*retryInfo)
		q.retries[key] = book
	}
	live := make(map[int64]bool, len(gaps))
	for i := range gaps {
		start := gaps[i].Start.Unix()
		live[start] = true
		if info, ok := book[start]; ok {
			gaps[i].RetryCount = info.count
		}
	}
	for start := range book {
		if !live[start] {
			delete(book, start)
		}
	}
}

// maybeRefill refetches a gap from the sources, respecting the retry cap
// and the backoff interval.
func (q *QualityManager) maybeRefill(ctx context.Context, key StreamKey, gap domain.Gap, now time.Time) {
	book := q.retries[key]
	if book == nil {
		book = make(map[int64]*retryInfo)
		q.retries[key] = book
	}
	info := book[gap.Start.Unix()]
	if info == nil {
		info = &retryInfo{}
		book[gap.Start.Unix()] = info
	}
	if info.count >= q.maxRetries {
		return
	}
	if !info.last.IsZero() && now.Sub(info.last) < q.retryInterval {
		return
	}
	info.count++
	info.last = now

	var src datasource.BarSource
	for _, s := range q.sources {
		if !s.SupportsInterval(key.Interval) {
			continue
		}
		if ok, _ := s.HasSymbol(ctx, key.Symbol); ok {
			src = s
			break
		}
	}
	if src == nil {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, q.fetchTimeout)
	defer cancel()

	stride := time.Duration(key.Interval.Seconds()) * time.Second
	bars, err := src.LoadBars(fetchCtx, key.Symbol, key.Interval, gap.Start, gap.End.Add(stride))
	if err != nil {
		q.log.Warn("gap refill failed",
			"symbol", key.Symbol, "interval", key.Interval.String(),
			"gap_start", gap.Start, "attempt", info.count, "error", err)
		return
	}
	for i := range bars {
		bars[i].Source = domain.SourceRefill
	}
	inserted, err := q.sd.InsertBars(key.Interval, key.Symbol, bars)
	if err != nil {
		q.log.Warn("gap refill insert failed", "symbol", key.Symbol, "error", err)
		return
	}
	if inserted > 0 {
		q.log.Info("gap refilled",
			"symbol", key.Symbol, "interval", key.Interval.String(),
			"gap_start", gap.Start, "bars", inserted)
	}
}
