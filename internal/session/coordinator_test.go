package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketd/internal/datasource"
	"marketd/internal/domain"
	"marketd/internal/strategy"
	"marketd/internal/timecal"
)

// countingStrategy counts notifications per (symbol, interval). An optional
// per-notification delay simulates slow strategies.
type countingStrategy struct {
	subs  []strategy.Subscription
	delay time.Duration

	mu     sync.Mutex
	counts map[string]int
}

func newCounting(delay time.Duration, subs ...strategy.Subscription) *countingStrategy {
	return &countingStrategy{subs: subs, delay: delay, counts: make(map[string]int)}
}

func (s *countingStrategy) Name() string                               { return "counter" }
func (s *countingStrategy) Init(context.Context) error                 { return nil }
func (s *countingStrategy) Subscriptions() []strategy.Subscription     { return s.subs }
func (s *countingStrategy) OnBars(_ context.Context, _ strategy.BarReader, symbol string, iv domain.Interval) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.counts[symbol+"@"+iv.String()]++
	s.mu.Unlock()
	return nil
}

func (s *countingStrategy) count(symbol string, iv domain.Interval) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[symbol+"@"+iv.String()]
}

type testStack struct {
	cal      *timecal.Calendar
	src      *datasource.SyntheticSource
	sd       *SessionData
	gate     *Gate
	disp     *Dispatcher
	proc     *Processor
	analyzer *Analyzer
	prov     *Provisioner
	qm       *QualityManager
	coord    *Coordinator
}

func newBacktestStack(t *testing.T, start, end string, dataDriven bool,
	cfgSymbols, srcSymbols []string) *testStack {
	t.Helper()
	log := slog.Default()

	cal := backtestCalendar(t, start)
	src := datasource.NewSyntheticSource(cal, "US_EQUITY", srcSymbols...)
	sources := []datasource.BarSource{src}

	sd := NewSessionData(log)
	gate := NewGate()
	disp := NewDispatcher(sd, log)
	proc := NewProcessor(sd, cal, "US_EQUITY", disp, gate, dataDriven, log)
	analyzer := NewAnalyzer(cal, "US_EQUITY", 1.5)
	prov := NewProvisioner(sd, cal, "US_EQUITY", sources, log)
	qm := NewQualityManager(sd, cal, "US_EQUITY", sources, QualityOptions{
		SweepInterval: time.Second,
		MaxRetries:    3,
		RetryInterval: 10 * time.Second,
		FetchTimeout:  5 * time.Second,
	}, log)

	coord := NewCoordinator(CoordinatorConfig{
		Mode:             "backtest",
		Exchange:         "US_EQUITY",
		StartDate:        start,
		EndDate:          end,
		DataDriven:       dataDriven,
		Symbols:          cfgSymbols,
		MidSessionBudget: 30 * time.Second,
	}, sd, cal, analyzer, prov, proc, disp, qm, gate, sources, nil, log)

	return &testStack{
		cal: cal, src: src, sd: sd, gate: gate, disp: disp,
		proc: proc, analyzer: analyzer, prov: prov, qm: qm, coord: coord,
	}
}

func TestBacktestSingleDayHappyPath(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"RIVN"}, []string{"RIVN"})

	counter := newCounting(0,
		strategy.Subscription{Symbol: "RIVN", Interval: oneMin},
		strategy.Subscription{Symbol: "RIVN", Interval: fiveMin},
	)
	if err := st.disp.Register(counter); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.coord.Run(ctx, nil, nil, nil, []domain.Interval{oneMin, fiveMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := st.sd.BarCount("RIVN", oneMin); got != 390 {
		t.Errorf("1m bars = %d, want 390", got)
	}
	if got := st.sd.BarCount("RIVN", fiveMin); got != 78 {
		t.Errorf("5m bars = %d, want 78", got)
	}
	if got := counter.count("RIVN", oneMin); got != 390 {
		t.Errorf("1m notifications = %d, want 390", got)
	}
	if got := counter.count("RIVN", fiveMin); got != 78 {
		t.Errorf("5m notifications = %d, want 78", got)
	}

	last, _ := st.sd.LastBar("RIVN", oneMin)
	if last.Timestamp.Hour() != 15 || last.Timestamp.Minute() != 59 {
		t.Errorf("last 1m bar at %v, want 15:59", last.Timestamp)
	}
	last, _ = st.sd.LastBar("RIVN", fiveMin)
	if last.Timestamp.Hour() != 15 || last.Timestamp.Minute() != 55 {
		t.Errorf("last 5m bar at %v, want 15:55", last.Timestamp)
	}

	for _, iv := range []domain.Interval{oneMin, fiveMin} {
		quality, gaps, ok := st.sd.Quality(StreamKey{Symbol: "RIVN", Interval: iv})
		if !ok || quality != 100 || len(gaps) != 0 {
			t.Errorf("%s quality = %.2f gaps = %v, want 100 and none", iv, quality, gaps)
		}
	}
	if st.coord.Phase() != PhaseEnded {
		t.Errorf("phase = %s, want ended", st.coord.Phase())
	}
}

func TestBacktestDetectsFeedGap(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"RIVN"}, []string{"RIVN"})
	loc, _ := st.cal.Location("US_EQUITY")
	st.src.Omit("RIVN",
		time.Date(2025, 7, 2, 10, 15, 0, 0, loc),
		time.Date(2025, 7, 2, 10, 16, 0, 0, loc),
		time.Date(2025, 7, 2, 10, 17, 0, 0, loc),
	)

	if err := st.coord.Run(context.Background(), nil, nil, nil, []domain.Interval{oneMin, fiveMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := st.sd.BarCount("RIVN", oneMin); got != 387 {
		t.Errorf("1m bars = %d, want 387", got)
	}
	quality, gaps, _ := st.sd.Quality(StreamKey{Symbol: "RIVN", Interval: oneMin})
	if quality != 99.2 {
		t.Errorf("quality = %v, want 99.2", quality)
	}
	if len(gaps) != 1 || gaps[0].BarCount != 3 {
		t.Errorf("gaps = %v, want one 3-bar run", gaps)
	}

	// The 5m window covering the gap still closes from its surviving bars.
	if got := st.sd.BarCount("RIVN", fiveMin); got != 78 {
		t.Errorf("5m bars = %d, want 78", got)
	}
}

func TestBacktestDegradesOnUnservableSymbol(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"RIVN", "BADTKR"}, []string{"RIVN"})

	if err := st.coord.Run(context.Background(), nil, nil, nil, []domain.Interval{oneMin}); err != nil {
		t.Fatalf("Run should degrade, not fail: %v", err)
	}

	status := st.coord.Status()
	if len(status.FailedSymbols) != 1 || status.FailedSymbols[0] != "BADTKR" {
		t.Errorf("failed symbols = %v, want [BADTKR]", status.FailedSymbols)
	}
	if st.sd.HasSymbol("BADTKR") {
		t.Error("BADTKR should not be registered after failed provisioning")
	}
	if got := st.sd.BarCount("RIVN", oneMin); got != 390 {
		t.Errorf("RIVN bars = %d, want 390", got)
	}
}

func TestBacktestEarlyClose(t *testing.T) {
	st := newBacktestStack(t, "2024-11-29", "2024-11-29", true,
		[]string{"RIVN"}, []string{"RIVN"})

	if err := st.coord.Run(context.Background(), nil, nil, nil, []domain.Interval{oneMin, fiveMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Half-day session, 09:30-13:00.
	if got := st.sd.BarCount("RIVN", oneMin); got != 210 {
		t.Errorf("1m bars = %d, want 210", got)
	}
	if got := st.sd.BarCount("RIVN", fiveMin); got != 42 {
		t.Errorf("5m bars = %d, want 42", got)
	}
	quality, gaps, _ := st.sd.Quality(StreamKey{Symbol: "RIVN", Interval: oneMin})
	if quality != 100 || len(gaps) != 0 {
		t.Errorf("early close scored quality=%.2f gaps=%v, want 100 and none", quality, gaps)
	}
	last, _ := st.sd.LastBar("RIVN", oneMin)
	if last.Timestamp.Hour() != 12 || last.Timestamp.Minute() != 59 {
		t.Errorf("last bar at %v, want 12:59", last.Timestamp)
	}
}

func TestBacktestMultiDay(t *testing.T) {
	st := newBacktestStack(t, "2025-07-01", "2025-07-02", true,
		[]string{"RIVN"}, []string{"RIVN"})

	if err := st.coord.Run(context.Background(), nil, nil, nil, []domain.Interval{oneMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The store is torn down at the day boundary, so after the run it holds
	// only the final session.
	if got := st.sd.BarCount("RIVN", oneMin); got != 390 {
		t.Errorf("1m bars in final session = %d, want 390", got)
	}
	if got := st.sd.SessionDate(); got != "2025-07-02" {
		t.Errorf("session date = %q, want 2025-07-02", got)
	}
	// Both days flowed through the processor; the lifetime counters see all
	// 780 base bars.
	if c := st.sd.Counters(); c.BarsAppended != 780 {
		t.Errorf("lifetime bars appended = %d, want 780", c.BarsAppended)
	}
}

func TestBacktestAllSymbolsFailingIsFatal(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"BADTKR", "WORSE"}, []string{"RIVN"})

	err := st.coord.Run(context.Background(), nil, nil, nil, []domain.Interval{oneMin})
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("Run = %v, want ErrProvisioning when no configured symbol provisions", err)
	}
	if st.coord.Phase() != PhaseEnded {
		t.Errorf("phase = %s, want ended", st.coord.Phase())
	}
}

func TestBacktestSweepsDuringReplay(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"RIVN"}, []string{"RIVN"})

	if err := st.coord.Run(context.Background(), nil, nil, nil, []domain.Interval{oneMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One sweep per simulated second would be 390 over the session; at the
	// very least the replay must sweep well before the close, not only once
	// at the end.
	if got := st.qm.SweepCount(); got < 100 {
		t.Errorf("sweeps during replay = %d, want at least 100", got)
	}
}

func TestAddSymbolReturnsWithoutWaiting(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", false,
		[]string{"RIVN"}, []string{"RIVN", "AAPL"})
	st.coord.running.Store(true)
	defer st.coord.running.Store(false)

	// Nobody is draining the op channel; the call must still come back.
	done := make(chan error, 1)
	go func() {
		done <- st.coord.AddSymbol(context.Background(), "AAPL", domain.AddedByStrategy)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AddSymbol: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AddSymbol blocked on the unserviced op")
	}

	// The operation itself is queued for the replay loop.
	select {
	case op := <-st.coord.ops:
		if op.kind != opAddSymbol || op.symbol != "AAPL" {
			t.Fatalf("queued op = %+v", op)
		}
		op.resp <- nil
	default:
		t.Fatal("no op queued")
	}
}

// replayUntil drives the stack through a partial day, leaving the simulated
// clock just past the last processed bar.
func replayUntil(t *testing.T, st *testStack, bars int) {
	t.Helper()
	ctx := context.Background()

	req, err := st.analyzer.Analyze([]domain.Interval{oneMin, fiveMin}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	st.coord.SetRequirements(req)

	if _, err := st.prov.Provision(ctx, ProvisionRequest{
		Symbol: "RIVN", AddedBy: domain.AddedByConfig, Requirements: req,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.sd.SetActive("RIVN", true); err != nil {
		t.Fatal(err)
	}
	st.sd.ActivateSession("2025-07-02")

	session := daySession(t, st.cal, "2025-07-02")
	day, err := st.src.LoadBars(ctx, "RIVN", oneMin, session.Open, session.Close)
	if err != nil {
		t.Fatal(err)
	}
	for _, bar := range day[:bars] {
		st.cal.SetBacktestTime(bar.Timestamp.Add(time.Minute))
		if err := st.proc.ProcessBase(ctx, oneMin, bar); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMidSessionAddCatchesUp(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", false,
		[]string{"RIVN"}, []string{"RIVN", "AAPL"})

	// Process 09:30 through 12:05; the clock lands on 12:06.
	replayUntil(t, st, 156)

	if err := st.coord.handleAddSymbol(context.Background(), "AAPL", domain.AddedByStrategy); err != nil {
		t.Fatalf("handleAddSymbol: %v", err)
	}

	if got := st.sd.BarCount("AAPL", oneMin); got != 156 {
		t.Errorf("caught-up 1m bars = %d, want 156", got)
	}
	// 31 complete 5m windows by 12:05; the 12:05 window is still open.
	if got := st.sd.BarCount("AAPL", fiveMin); got != 31 {
		t.Errorf("caught-up 5m bars = %d, want 31", got)
	}
	if got := st.coord.queue.Len(); got != 234 {
		t.Errorf("queued remainder = %d, want 234", got)
	}
	if !st.sd.IsActive("AAPL") {
		t.Error("AAPL should be active after catch-up")
	}
	if by, _ := st.sd.AddedBy("AAPL"); by != domain.AddedByStrategy {
		t.Errorf("AddedBy = %s, want strategy", by)
	}
	if st.gate.Paused() {
		t.Error("gate should be resumed after the addition")
	}
	if st.proc.NotificationsPaused() {
		t.Error("notifications should be unpaused after the addition")
	}
}

func TestMidSessionAddRollsBackUnknownSymbol(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", false,
		[]string{"RIVN"}, []string{"RIVN"})
	replayUntil(t, st, 10)

	if err := st.coord.handleAddSymbol(context.Background(), "NOPE", domain.AddedByStrategy); err == nil {
		t.Fatal("adding an unservable symbol should fail")
	}
	if st.sd.HasSymbol("NOPE") {
		t.Error("failed addition left the symbol registered")
	}
	if st.gate.Paused() {
		t.Error("gate should be resumed after rollback")
	}
}

func TestAdhocAddAndUpgrade(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", false,
		[]string{"RIVN"}, []string{"RIVN", "MSFT"})
	replayUntil(t, st, 156)

	ctx := context.Background()
	if err := st.coord.handleAddSymbol(ctx, "MSFT", domain.AddedByAdhoc); err != nil {
		t.Fatalf("adhoc add: %v", err)
	}
	if by, _ := st.sd.AddedBy("MSFT"); by != domain.AddedByAdhoc {
		t.Fatalf("AddedBy = %s, want adhoc", by)
	}
	if got := st.sd.BarCount("MSFT", oneMin); got != 156 {
		t.Fatalf("adhoc bars = %d, want 156", got)
	}

	// Upgrading keeps the data and re-tags the provenance.
	if err := st.coord.handleAddSymbol(ctx, "MSFT", domain.AddedByStrategy); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if by, _ := st.sd.AddedBy("MSFT"); by != domain.AddedByStrategy {
		t.Errorf("AddedBy after upgrade = %s, want strategy", by)
	}
	if got := st.sd.BarCount("MSFT", oneMin); got != 156 {
		t.Errorf("bars after upgrade = %d, want 156 (no duplicates)", got)
	}
	if !st.sd.IsActive("MSFT") {
		t.Error("MSFT should stay active after upgrade")
	}
}

func TestRemoveSymbolRejectsConfigured(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", false,
		[]string{"RIVN"}, []string{"RIVN"})
	replayUntil(t, st, 10)

	if err := st.coord.handleRemoveSymbol("RIVN"); err == nil {
		t.Fatal("removing a configured symbol should fail")
	}
}

func TestMidSessionAddDuringRun(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"RIVN"}, []string{"RIVN", "AAPL"})

	// The per-bar delay keeps the replay slow enough for the addition to
	// land mid-session.
	counter := newCounting(time.Millisecond,
		strategy.Subscription{Symbol: "RIVN", Interval: oneMin})
	if err := st.disp.Register(counter); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	addErr := make(chan error, 1)
	go func() {
		for counter.count("RIVN", oneMin) < 100 {
			time.Sleep(time.Millisecond)
		}
		addErr <- st.coord.AddSymbol(ctx, "AAPL", domain.AddedByStrategy)
	}()

	if err := st.coord.Run(ctx, nil, nil, nil, []domain.Interval{oneMin, fiveMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-addErr; err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}

	// Catch-up plus queued remainder covers the whole day.
	if got := st.sd.BarCount("AAPL", oneMin); got != 390 {
		t.Errorf("AAPL 1m bars = %d, want 390", got)
	}
	if got := st.sd.BarCount("AAPL", fiveMin); got != 78 {
		t.Errorf("AAPL 5m bars = %d, want 78", got)
	}
	if !st.sd.IsActive("AAPL") {
		t.Error("AAPL should be active")
	}
}

func TestIndicatorsThroughRun(t *testing.T) {
	st := newBacktestStack(t, "2025-07-02", "2025-07-02", true,
		[]string{"RIVN"}, []string{"RIVN"})

	sessionInd := []IndicatorSpec{{Name: "sma20", Type: "sma", Period: 20, Interval: oneMin}}
	historicalInd := []IndicatorSpec{{Name: "sma5d", Type: "sma", Period: 5, Interval: domain.MustInterval("1d")}}

	if err := st.coord.Run(context.Background(), nil, sessionInd, historicalInd, []domain.Interval{oneMin}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The warmup replay out of the trailing window means the SMA tracks
	// every session bar from the open.
	v, ok := st.sd.IndicatorValueOf("RIVN", "sma20")
	if !ok {
		t.Fatal("session indicator has no value")
	}
	last, _ := st.sd.LastBar("RIVN", oneMin)
	if !v.Timestamp.Equal(last.Timestamp) {
		t.Errorf("indicator timestamp %v, want last bar %v", v.Timestamp, last.Timestamp)
	}

	if _, ok := st.sd.IndicatorValueOf("RIVN", "sma5d"); !ok {
		t.Error("historical indicator has no value")
	}

	h := st.sd.HistoricalRef("RIVN", oneMin)
	if h == nil || len(h.Bars) == 0 {
		t.Error("expected a 1m historical window for warmup")
	}
}
