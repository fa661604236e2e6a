package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"

	"marketd/internal/datasource"
	"marketd/internal/domain"
)

// newProvisioner builds a provisioner over a synthetic source with the plan
// resolved from one 1m stream and a warm sma5 session indicator. The clock
// sits at midnight of 2025-07-02, before the open.
func newProvisioner(t *testing.T, symbols ...string) (*Provisioner, *SessionData, *Requirements) {
	t.Helper()
	cal := backtestCalendar(t, "2025-07-02")
	src := datasource.NewSyntheticSource(cal, "US_EQUITY", symbols...)
	sd := NewSessionData(slog.Default())
	prov := NewProvisioner(sd, cal, "US_EQUITY", []datasource.BarSource{src}, slog.Default())

	a := NewAnalyzer(cal, "US_EQUITY", 1.5)
	req, err := a.Analyze([]domain.Interval{oneMin}, nil,
		[]IndicatorSpec{{Name: "sma5", Type: "sma", Period: 5, Interval: oneMin}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return prov, sd, req
}

func TestProvisionSecondAddIsNoOp(t *testing.T) {
	prov, _, req := newProvisioner(t, "RIVN")
	ctx := context.Background()

	first, err := prov.Provision(ctx, ProvisionRequest{
		Symbol: "RIVN", AddedBy: domain.AddedByConfig, Requirements: req,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.NoOp || len(first.Steps) == 0 {
		t.Fatalf("first provision = %+v, want executed steps", first)
	}

	second, err := prov.Provision(ctx, ProvisionRequest{
		Symbol: "RIVN", AddedBy: domain.AddedByConfig, Requirements: req,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !second.NoOp || second.Upgraded || len(second.Steps) != 0 {
		t.Fatalf("re-provision = %+v, want a pure no-op", second)
	}
}

func TestUpgradePreservesLoadedState(t *testing.T) {
	prov, sd, req := newProvisioner(t, "MSFT")
	ctx := context.Background()

	if _, err := prov.Provision(ctx, ProvisionRequest{
		Symbol: "MSFT", AddedBy: domain.AddedByAdhoc, Requirements: req,
	}); err != nil {
		t.Fatal(err)
	}

	meta, _ := sd.Meta("MSFT")
	if meta.MeetsSessionConfig || !meta.AutoProvisioned {
		t.Fatalf("adhoc metadata = %+v", meta)
	}
	warm, warmOK := sd.IndicatorValueOf("MSFT", "sma5")
	if !warmOK {
		t.Fatal("indicator not warm after adhoc provisioning")
	}
	h := sd.HistoricalRef("MSFT", oneMin)
	if h == nil || len(h.Bars) == 0 {
		t.Fatal("no historical window after adhoc provisioning")
	}
	loaded := len(h.Bars)

	res, err := prov.Provision(ctx, ProvisionRequest{
		Symbol: "MSFT", AddedBy: domain.AddedByStrategy, Requirements: req,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Upgraded || res.NoOp {
		t.Fatalf("upgrade result = %+v", res)
	}
	if slices.Contains(res.Steps, StepLoadHistorical) {
		t.Error("upgrade re-loaded the historical window")
	}
	if slices.Contains(res.Steps, StepRegisterIndicator) {
		t.Error("upgrade re-registered the warm indicator")
	}

	meta, _ = sd.Meta("MSFT")
	if !meta.MeetsSessionConfig || !meta.UpgradedFromAdhoc || meta.AddedBy != domain.AddedByStrategy {
		t.Errorf("upgraded metadata = %+v", meta)
	}
	if h2 := sd.HistoricalRef("MSFT", oneMin); h2 != h || len(h2.Bars) != loaded {
		t.Error("historical window replaced by upgrade")
	}
	if v, ok := sd.IndicatorValueOf("MSFT", "sma5"); !ok || v.Value != warm.Value || !v.Timestamp.Equal(warm.Timestamp) {
		t.Errorf("indicator state changed across upgrade: %+v -> %+v", warm, v)
	}

	// A further add of the now-promoted symbol does nothing.
	again, err := prov.Provision(ctx, ProvisionRequest{
		Symbol: "MSFT", AddedBy: domain.AddedByStrategy, Requirements: req,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !again.NoOp || len(again.Steps) != 0 {
		t.Fatalf("post-upgrade provision = %+v, want no-op", again)
	}
}

func TestValidateSymbolChecks(t *testing.T) {
	prov, _, req := newProvisioner(t, "RIVN")
	ctx := context.Background()

	v := prov.ValidateSymbol(ctx, ProvisionRequest{Symbol: "RIVN", Requirements: req})
	if !v.OK() || v.Reason != "" {
		t.Fatalf("healthy symbol validation = %+v", v)
	}
	if !v.SourceReachable || !v.IntervalsSupported || !v.HistoricalAvailable ||
		!v.BaseConsistent || !v.RequirementsMet {
		t.Fatalf("healthy symbol should pass every check: %+v", v)
	}

	v = prov.ValidateSymbol(ctx, ProvisionRequest{Symbol: "NOPE", Requirements: req})
	if v.OK() || v.SourceReachable || v.Reason == "" {
		t.Errorf("unknown symbol validation = %+v, want source check to fail", v)
	}

	v = prov.ValidateSymbol(ctx, ProvisionRequest{Symbol: "RIVN"})
	if v.OK() || v.RequirementsMet {
		t.Errorf("nil requirements validation = %+v, want requirements check to fail", v)
	}

	badInd := *req
	badInd.SessionIndicators = []IndicatorSpec{{Name: "bogus", Type: "nope", Period: 5, Interval: oneMin}}
	v = prov.ValidateSymbol(ctx, ProvisionRequest{Symbol: "RIVN", Requirements: &badInd})
	if v.OK() || v.RequirementsMet {
		t.Errorf("bad indicator validation = %+v, want requirements check to fail", v)
	}
}

func TestProvisionRejectsInvalidSymbol(t *testing.T) {
	prov, sd, req := newProvisioner(t, "RIVN")

	_, err := prov.Provision(context.Background(), ProvisionRequest{
		Symbol: "NOPE", AddedBy: domain.AddedByConfig, Requirements: req,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if sd.HasSymbol("NOPE") {
		t.Error("failed validation left the symbol registered")
	}
}
