// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing multiple strategy implementations.
package strategy

import (
	"context"
	"sort"

	"marketd/internal/domain"
)

// Subscription selects the (symbol, interval) streams a strategy wants.
// An empty Symbol subscribes to every symbol at that interval.
type Subscription struct {
	Symbol   string
	Interval domain.Interval
}

// BarReader is the zero-copy read surface strategies pull bars through.
// The returned slice is a borrowed reference to the live session buffer:
// bars are immutable and append-only, so reading it is safe, but callers
// must not retain it across notifications.
type BarReader interface {
	BarsRef(symbol string, interval domain.Interval) []domain.Bar
}

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// Subscriptions returns the (symbol, interval) streams the strategy
	// wants bar notifications for.
	Subscriptions() []Subscription

	// OnBars is called when new bars are available for a subscribed
	// (symbol, interval). Implementations pull data through the BarReader.
	OnBars(ctx context.Context, bars BarReader, symbol string, interval domain.Interval) error
}

// Factory builds a strategy instance from its config map.
type Factory func(cfg map[string]string) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a strategy factory to the registry under the given module
// name.
func (r *Registry) Register(module string, f Factory) {
	r.factories[module] = f
}

// Build constructs a strategy by module name. The second return value
// indicates whether the module was found.
func (r *Registry) Build(module string, cfg map[string]string) (Strategy, bool, error) {
	f, ok := r.factories[module]
	if !ok {
		return nil, false, nil
	}
	s, err := f(cfg)
	return s, true, err
}

// List returns a sorted slice of all registered module names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
