// Package builtins provides built-in strategy implementations that ship with
// the marketd platform.
package builtins

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"marketd/internal/domain"
	"marketd/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It logs a
// buy signal when the short-period SMA crosses above the long-period SMA,
// and a sell signal when it crosses below.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	interval    domain.Interval
	symbols     []string

	// wasAbove tracks the last crossover side per symbol.
	wasAbove map[string]bool
	log      *slog.Logger
}

// NewSMACross creates a new SMACross strategy from its config map. Keys:
// "short", "long" (periods), "interval" (tag), "symbols" (comma separated;
// empty means all).
func NewSMACross(cfg map[string]string) (strategy.Strategy, error) {
	short, err := atoiDefault(cfg["short"], 10)
	if err != nil {
		return nil, err
	}
	long, err := atoiDefault(cfg["long"], 30)
	if err != nil {
		return nil, err
	}
	iv := domain.MustInterval("1m")
	if tag := cfg["interval"]; tag != "" {
		iv, err = domain.ParseInterval(tag)
		if err != nil {
			return nil, err
		}
	}
	var symbols []string
	if s := cfg["symbols"]; s != "" {
		symbols = strings.Split(s, ",")
	}

	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		interval:    iv,
		symbols:     symbols,
		wasAbove:    make(map[string]bool),
		log:         slog.Default().With("strategy", "sma-cross"),
	}, nil
}

func atoiDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// Name returns "sma-cross".
func (s *SMACross) Name() string { return "sma-cross" }

// Init performs any setup required by the SMA crossover strategy.
func (s *SMACross) Init(_ context.Context) error { return nil }

// Subscriptions subscribes to the configured symbols (or all) at the
// configured interval.
func (s *SMACross) Subscriptions() []strategy.Subscription {
	if len(s.symbols) == 0 {
		return []strategy.Subscription{{Interval: s.interval}}
	}
	subs := make([]strategy.Subscription, 0, len(s.symbols))
	for _, sym := range s.symbols {
		subs = append(subs, strategy.Subscription{Symbol: strings.ToUpper(sym), Interval: s.interval})
	}
	return subs
}

// OnBars recomputes both SMAs over the session buffer and logs crossovers.
func (s *SMACross) OnBars(_ context.Context, bars strategy.BarReader, symbol string, interval domain.Interval) error {
	data := bars.BarsRef(symbol, interval)
	if len(data) < s.longPeriod {
		return nil
	}

	short := smaOf(data, s.shortPeriod)
	long := smaOf(data, s.longPeriod)
	above := short > long

	if was, seen := s.wasAbove[symbol]; seen && was != above {
		side := "sell"
		if above {
			side = "buy"
		}
		s.log.Info("crossover", "symbol", symbol, "side", side,
			"short", short, "long", long, "bar", data[len(data)-1].Timestamp)
	}
	s.wasAbove[symbol] = above
	return nil
}

// smaOf averages the closes of the last n bars.
func smaOf(data []domain.Bar, n int) float64 {
	sum := 0.0
	for _, b := range data[len(data)-n:] {
		sum += b.Close
	}
	return sum / float64(n)
}
