package builtins

import (
	"context"
	"strings"
	"sync"

	"marketd/internal/domain"
	"marketd/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Recorder)(nil)

// Recorder counts the notifications it receives per (symbol, interval).
// It is used by tests and as a smoke-test strategy in dry runs.
type Recorder struct {
	subs []strategy.Subscription

	mu     sync.Mutex
	counts map[string]int
	lastTS map[string]int64
}

// NewRecorder creates a Recorder from its config map. Key "subscribe" holds
// comma-separated "SYMBOL@interval" entries; "@interval" alone subscribes to
// all symbols at that interval.
func NewRecorder(cfg map[string]string) (strategy.Strategy, error) {
	r := &Recorder{
		counts: make(map[string]int),
		lastTS: make(map[string]int64),
	}
	for _, entry := range strings.Split(cfg["subscribe"], ",") {
		if entry == "" {
			continue
		}
		sym, tag, found := strings.Cut(entry, "@")
		if !found {
			tag = sym
			sym = ""
		}
		iv, err := domain.ParseInterval(tag)
		if err != nil {
			return nil, err
		}
		r.subs = append(r.subs, strategy.Subscription{Symbol: strings.ToUpper(sym), Interval: iv})
	}
	return r, nil
}

// Name returns "recorder".
func (r *Recorder) Name() string { return "recorder" }

// Init is a no-op.
func (r *Recorder) Init(_ context.Context) error { return nil }

// Subscriptions returns the configured subscriptions.
func (r *Recorder) Subscriptions() []strategy.Subscription { return r.subs }

// OnBars records the notification and the latest bar timestamp.
func (r *Recorder) OnBars(_ context.Context, bars strategy.BarReader, symbol string, interval domain.Interval) error {
	key := symbol + "@" + interval.String()
	data := bars.BarsRef(symbol, interval)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
	if len(data) > 0 {
		r.lastTS[key] = data[len(data)-1].Timestamp.Unix()
	}
	return nil
}

// Count returns how many notifications arrived for a (symbol, interval).
func (r *Recorder) Count(symbol string, interval domain.Interval) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[symbol+"@"+interval.String()]
}

// LastTimestamp returns the Unix time of the newest bar seen for the key.
func (r *Recorder) LastTimestamp(symbol string, interval domain.Interval) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTS[symbol+"@"+interval.String()]
}
