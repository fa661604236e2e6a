// Package system owns the long-lived objects of a marketd process: the
// calendar, data sources, session store, workers, and the coordinator. The
// control plane starts and stops sessions through the Manager.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"marketd/internal/config"
	"marketd/internal/datasource"
	"marketd/internal/domain"
	"marketd/internal/session"
	"marketd/internal/strategy"
	"marketd/internal/strategy/builtins"
	"marketd/internal/timecal"
	"marketd/internal/util"
)

// Manager states.
const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// Manager builds and supervises one session stack at a time.
type Manager struct {
	cfg      *config.Config
	registry *strategy.Registry
	log      *slog.Logger

	mu        sync.Mutex
	state     string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error

	cal    *timecal.Calendar
	sd     *session.SessionData
	coord  *session.Coordinator
	alpaca *datasource.AlpacaSource
	tz     string
}

// NewManager creates a stopped Manager. Built-in strategies are registered;
// callers may register more before Start.
func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	reg := strategy.NewRegistry()
	reg.Register("sma-cross", builtins.NewSMACross)
	reg.Register("recorder", builtins.NewRecorder)
	return &Manager{
		cfg:      cfg,
		registry: reg,
		log:      log,
		state:    StateStopped,
	}
}

// Registry exposes the strategy registry for external registration.
func (m *Manager) Registry() *strategy.Registry { return m.registry }

// State returns the manager state.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionData returns the live session store, or nil when stopped.
func (m *Manager) SessionData() *session.SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sd
}

// Coordinator returns the running coordinator, or nil when stopped.
func (m *Manager) Coordinator() *session.Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coord
}

// Start builds the session stack from configuration and launches the
// coordinator. It returns once the stack is running.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped {
		return fmt.Errorf("system is %s, not stopped", m.state)
	}

	cfg := m.cfg
	backtest := cfg.Mode == "backtest"

	cal, err := timecal.NewCalendar(cfg.Storage.CalendarDB, backtest, m.log)
	if err != nil {
		return err
	}
	loc, err := cal.Location(cfg.ExchangeGroup)
	if err != nil {
		cal.Close()
		return err
	}

	parquetSrc := datasource.NewParquetSource(cfg.Storage.DataDir, cfg.ExchangeGroup, loc)
	sources := []datasource.BarSource{parquetSrc}
	var writer datasource.BarWriter

	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		m.alpaca = datasource.NewAlpacaSource(
			cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
			cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL, m.log)
		sources = append(sources, m.alpaca)
	} else if !backtest {
		cal.Close()
		return fmt.Errorf("live mode requires alpaca credentials")
	}
	if !backtest {
		writer = parquetSrc
	}

	sd := session.NewSessionData(m.log)
	gate := session.NewGate()
	disp := session.NewDispatcher(sd, m.log)
	proc := session.NewProcessor(sd, cal, cfg.ExchangeGroup, disp, gate,
		cfg.Backtest.DataDriven, m.log)
	analyzer := session.NewAnalyzer(cal, cfg.ExchangeGroup, cfg.Provisioning.WarmupMultiplier)
	prov := session.NewProvisioner(sd, cal, cfg.ExchangeGroup, sources, m.log)
	qm := session.NewQualityManager(sd, cal, cfg.ExchangeGroup, sources, session.QualityOptions{
		SweepInterval: cfg.Quality.SweepInterval,
		MaxRetries:    cfg.Quality.MaxGapRetries,
		RetryInterval: cfg.Quality.GapRetryInterval,
		FetchTimeout:  cfg.Quality.FetchTimeout,
		Refill:        !backtest,
	}, m.log)

	coord := session.NewCoordinator(session.CoordinatorConfig{
		Mode:             cfg.Mode,
		Exchange:         cfg.ExchangeGroup,
		StartDate:        cfg.Backtest.StartDate,
		EndDate:          cfg.Backtest.EndDate,
		SpeedMultiplier:  cfg.Backtest.SpeedMultiplier,
		DataDriven:       cfg.Backtest.DataDriven,
		Symbols:          cfg.SessionData.Symbols,
		MidSessionBudget: cfg.Provisioning.MidSessionBudget,
	}, sd, cal, analyzer, prov, proc, disp, qm, gate, sources, writer, m.log)

	if err := m.registerStrategies(disp); err != nil {
		cal.Close()
		return err
	}

	historical, sessionInd, historicalInd, streams, err := resolvePlanInputs(cfg)
	if err != nil {
		cal.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.cal = cal
	m.sd = sd
	m.coord = coord
	m.tz = loc.String()
	m.cancel = cancel
	m.done = done
	m.state = StateRunning
	m.startedAt = time.Now()
	m.runErr = nil

	go func() {
		defer close(done)
		err := coord.Run(runCtx, historical, sessionInd, historicalInd, streams)
		if err != nil && runCtx.Err() == nil {
			m.log.Error("coordinator exited", "error", err)
		}
		m.mu.Lock()
		m.runErr = err
		m.state = StateStopped
		m.cal.Close()
		m.mu.Unlock()
	}()

	if !backtest {
		// Top up the calendar from the exchange API so upcoming holidays
		// and early closes are known before they arrive.
		go func() {
			if n, err := m.RefreshCalendar(runCtx); err != nil {
				m.log.Warn("startup calendar refresh failed", "error", err)
			} else {
				m.log.Info("calendar refreshed", "days", n)
			}
		}()
	}

	m.log.Info("system started", "mode", cfg.Mode, "symbols", cfg.SessionData.Symbols)
	return nil
}

// Stop cancels the coordinator and waits for it to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("system is %s, not running", m.state)
	}
	m.state = StateStopping
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("system stopped")
	return nil
}

// Wait blocks until the coordinator exits and returns its error.
func (m *Manager) Wait() error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runErr
}

// Status is the control-plane view of the process.
type Status struct {
	State       string          `json:"state"`
	Mode        string          `json:"mode"`
	UptimeSec   int64           `json:"uptime_sec,omitempty"`
	Goroutines  int             `json:"goroutines"`
	Coordinator *session.Status `json:"coordinator,omitempty"`
}

// Status reports the manager and coordinator state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	state, startedAt, coord := m.state, m.startedAt, m.coord
	m.mu.Unlock()

	st := Status{
		State:      state,
		Mode:       m.cfg.Mode,
		Goroutines: runtime.NumGoroutine(),
	}
	if state == StateRunning {
		st.UptimeSec = int64(time.Since(startedAt).Seconds())
		cs := coord.Status()
		st.Coordinator = &cs
	}
	return st
}

// SessionSnapshot exports the session store and attaches the control-plane
// blocks only the manager knows: its own state, the exchange timezone, the
// backtest window, and the per-worker thread table. Returns nil when no
// session stack has been built yet.
func (m *Manager) SessionSnapshot(full bool) *session.Snapshot {
	m.mu.Lock()
	sd, coord, state, tz := m.sd, m.coord, m.state, m.tz
	m.mu.Unlock()
	if sd == nil {
		return nil
	}

	clock := time.Now()
	if coord != nil {
		if t := coord.Status().Clock; !t.IsZero() {
			clock = t
		}
	}

	var snap *session.Snapshot
	if full {
		snap = sd.ExportFull(clock)
	} else {
		snap = sd.ExportStatus(clock)
	}

	info := &session.SystemManagerInfo{
		State:         state,
		Mode:          m.cfg.Mode,
		Timezone:      tz,
		ExchangeGroup: m.cfg.ExchangeGroup,
	}
	if m.cfg.Mode == "backtest" {
		info.BacktestWindow = &session.BacktestWindow{
			Start: m.cfg.Backtest.StartDate,
			End:   m.cfg.Backtest.EndDate,
		}
	}
	snap.SystemManager = info
	if coord != nil {
		snap.Threads = coord.Threads()
	}
	return snap
}

// RefreshCalendar fetches the upcoming exchange calendar and merges it into
// the calendar database. Live mode only.
func (m *Manager) RefreshCalendar(ctx context.Context) (int, error) {
	m.mu.Lock()
	alpaca, cal := m.alpaca, m.cal
	m.mu.Unlock()
	if alpaca == nil {
		return 0, fmt.Errorf("calendar refresh requires alpaca credentials")
	}
	if cal == nil {
		return 0, fmt.Errorf("system is not running")
	}

	now := time.Now()
	var days []timecal.MarketDay
	err := util.Retry(ctx, 3, 500*time.Millisecond, 5*time.Second, func() error {
		var ferr error
		days, ferr = alpaca.FetchCalendar(now, now.AddDate(0, 3, 0))
		return ferr
	})
	if err != nil {
		return 0, err
	}
	if err := cal.Refresh(m.cfg.ExchangeGroup, days); err != nil {
		return 0, err
	}
	return len(days), nil
}

func (m *Manager) registerStrategies(disp *session.Dispatcher) error {
	for _, sc := range m.cfg.SessionData.Strategies {
		if !sc.Enabled {
			continue
		}
		s, found, err := m.registry.Build(sc.Module, sc.Config)
		if err != nil {
			return fmt.Errorf("building strategy %s: %w", sc.Module, err)
		}
		if !found {
			return fmt.Errorf("unknown strategy module %q (have %v)", sc.Module, m.registry.List())
		}
		if err := disp.Register(s); err != nil {
			return err
		}
		m.log.Info("strategy registered", "module", sc.Module)
	}
	return nil
}

// resolvePlanInputs converts config declarations into the coordinator's
// plan inputs.
func resolvePlanInputs(cfg *config.Config) ([]session.HistoricalNeed,
	[]session.IndicatorSpec, []session.IndicatorSpec, []domain.Interval, error) {

	var historical []session.HistoricalNeed
	if cfg.SessionData.Historical.Enabled {
		for _, h := range cfg.SessionData.Historical.Data {
			historical = append(historical, session.HistoricalNeed{
				Interval:     domain.MustInterval(h.Interval),
				TrailingDays: h.TrailingDays,
			})
		}
	}

	toSpecs := func(in []config.IndicatorConfig) []session.IndicatorSpec {
		out := make([]session.IndicatorSpec, 0, len(in))
		for _, ic := range in {
			out = append(out, session.IndicatorSpec{
				Name:     ic.Name,
				Type:     ic.Type,
				Period:   ic.Period,
				Interval: domain.MustInterval(ic.Interval),
				Params:   ic.Params,
			})
		}
		return out
	}

	return historical,
		toSpecs(cfg.SessionData.Indicators.Session),
		toSpecs(cfg.SessionData.Indicators.Historical),
		cfg.StreamIntervals(),
		nil
}
