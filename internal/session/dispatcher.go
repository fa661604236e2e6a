package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"marketd/internal/domain"
	"marketd/internal/strategy"
)

// queueDepth is the per-strategy notification buffer. A strategy that falls
// further behind than this starts losing notifications (counted, never
// blocking the data path).
const queueDepth = 256

type notice struct {
	symbol   string
	interval domain.Interval
	done     *sync.WaitGroup // non-nil for synchronous dispatch
}

type strategyRunner struct {
	strat strategy.Strategy
	subs  []strategy.Subscription
	queue chan notice

	dispatched atomic.Int64
	overruns   atomic.Int64
	errors     atomic.Int64
}

func (r *strategyRunner) matches(symbol string, iv domain.Interval) bool {
	for _, sub := range r.subs {
		if sub.Interval == iv && (sub.Symbol == "" || sub.Symbol == symbol) {
			return true
		}
	}
	return false
}

// Dispatcher fans bar notifications out to registered strategies. Each
// strategy runs on its own goroutine behind a buffered queue, so a slow
// strategy delays only itself: in free-running mode notifications to a full
// queue are dropped and counted, while synchronous dispatch (data-driven
// backtests) blocks until every subscriber has processed the bar.
type Dispatcher struct {
	sd      *SessionData
	runners []*strategyRunner
	log     *slog.Logger

	started bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher reading bars from sd.
func NewDispatcher(sd *SessionData, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sd:  sd,
		log: log.With("component", "dispatcher"),
	}
}

// Register adds a strategy. Must be called before Start.
func (d *Dispatcher) Register(s strategy.Strategy) error {
	if d.started {
		return fmt.Errorf("%w: dispatcher already started", ErrValidation)
	}
	subs := s.Subscriptions()
	if len(subs) == 0 {
		return fmt.Errorf("%w: strategy %s has no subscriptions", ErrValidation, s.Name())
	}
	d.runners = append(d.runners, &strategyRunner{
		strat: s,
		subs:  subs,
		queue: make(chan notice, queueDepth),
	})
	return nil
}

// Start initializes every strategy and launches its runner goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, r := range d.runners {
		if err := r.strat.Init(ctx); err != nil {
			return fmt.Errorf("initializing strategy %s: %w", r.strat.Name(), err)
		}
	}
	d.started = true
	for _, r := range d.runners {
		d.wg.Add(1)
		go d.run(ctx, r)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, r *strategyRunner) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-r.queue:
			if err := r.strat.OnBars(ctx, d.sd, n.symbol, n.interval); err != nil {
				r.errors.Add(1)
				d.log.Error("strategy error",
					"strategy", r.strat.Name(), "symbol", n.symbol,
					"interval", n.interval.String(), "error", err)
			}
			if n.done != nil {
				n.done.Done()
			}
		}
	}
}

// Wait blocks until all runner goroutines have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Notify delivers a bar notification to every subscribed strategy without
// blocking. A full queue drops the notification and counts the overrun.
func (d *Dispatcher) Notify(symbol string, iv domain.Interval) {
	for _, r := range d.runners {
		if !r.matches(symbol, iv) {
			continue
		}
		select {
		case r.queue <- notice{symbol: symbol, interval: iv}:
			r.dispatched.Add(1)
		default:
			r.overruns.Add(1)
		}
	}
}

// NotifySync delivers a notification and waits for every subscribed
// strategy to finish processing it. This is the completion barrier of
// data-driven backtests: the clock does not advance past a bar until all
// its consumers have seen it.
func (d *Dispatcher) NotifySync(ctx context.Context, symbol string, iv domain.Interval) error {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		if !r.matches(symbol, iv) {
			continue
		}
		wg.Add(1)
		select {
		case r.queue <- notice{symbol: symbol, interval: iv, done: &wg}:
			r.dispatched.Add(1)
		case <-ctx.Done():
			wg.Done()
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StrategyStats is one strategy's dispatch accounting.
type StrategyStats struct {
	Name       string `json:"name"`
	Dispatched int64  `json:"dispatched"`
	Overruns   int64  `json:"overruns"`
	Errors     int64  `json:"errors"`
}

// Stats returns per-strategy dispatch counters.
func (d *Dispatcher) Stats() []StrategyStats {
	out := make([]StrategyStats, 0, len(d.runners))
	for _, r := range d.runners {
		out = append(out, StrategyStats{
			Name:       r.strat.Name(),
			Dispatched: r.dispatched.Load(),
			Overruns:   r.overruns.Load(),
			Errors:     r.errors.Load(),
		})
	}
	return out
}
