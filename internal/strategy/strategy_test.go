package strategy

import (
	"context"
	"fmt"
	"testing"

	"marketd/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) Init(_ context.Context) error { return nil }
func (s *stubStrategy) Subscriptions() []Subscription {
	return []Subscription{{Symbol: "AAPL", Interval: domain.MustInterval("1m")}}
}
func (s *stubStrategy) OnBars(_ context.Context, _ BarReader, _ string, _ domain.Interval) error {
	return nil
}

func TestRegistryBuildPassesConfig(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(cfg map[string]string) (Strategy, error) {
		return &stubStrategy{name: cfg["name"]}, nil
	})

	s, found, err := r.Build("stub", map[string]string{"name": "alpha"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !found {
		t.Fatal("Build did not find registered module")
	}
	if s.Name() != "alpha" {
		t.Errorf("Name() = %q, want alpha", s.Name())
	}
}

func TestRegistryBuildUnknownModule(t *testing.T) {
	r := NewRegistry()
	_, found, err := r.Build("nonexistent", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if found {
		t.Error("Build reported an unregistered module as found")
	}
}

func TestRegistryBuildPropagatesFactoryError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(cfg map[string]string) (Strategy, error) {
		return nil, fmt.Errorf("bad config")
	})
	_, found, err := r.Build("broken", nil)
	if !found {
		t.Fatal("module should be found")
	}
	if err == nil {
		t.Error("factory error was swallowed")
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", func(map[string]string) (Strategy, error) { return nil, nil })
	r.Register("alpha", func(map[string]string) (Strategy, error) { return nil, nil })

	got := r.List()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("List() = %v, want [alpha zeta]", got)
	}
}
