package session

import (
	"sort"
	"time"

	"marketd/internal/domain"
)

// barColumns is the column order of exported bar tables.
var barColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

// ExportBars is the columnar wire shape of a bar stream: one row per bar,
// ordered as Columns. Column-major framing keeps large snapshots compact.
type ExportBars struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

func exportBarRow(b domain.Bar) []any {
	return []any{b.Timestamp.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume}
}

// ExportGap is the wire shape of one gap.
type ExportGap struct {
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
	BarCount   int   `json:"bar_count"`
	RetryCount int   `json:"retry_count"`
}

// ExportStream is one (symbol, interval) session stream.
type ExportStream struct {
	Interval string      `json:"interval"`
	Derived  bool        `json:"derived,omitempty"`
	BarCount int         `json:"bar_count"`
	Quality  float64     `json:"quality"`
	Gaps     []ExportGap `json:"gaps,omitempty"`
	Bars     *ExportBars `json:"bars,omitempty"`
}

// ExportIndicator is the latest value of one indicator.
type ExportIndicator struct {
	Name       string             `json:"name"`
	Timestamp  int64              `json:"t"`
	Value      float64            `json:"value"`
	Components map[string]float64 `json:"components,omitempty"`
}

// ExportHistorical summarizes one preloaded window.
type ExportHistorical struct {
	Interval  string `json:"interval"`
	BarCount  int    `json:"bar_count"`
	FirstDate string `json:"first_date,omitempty"`
	LastDate  string `json:"last_date,omitempty"`
}

// ExportMetadata is a symbol's provenance block.
type ExportMetadata struct {
	MeetsSessionConfig bool   `json:"meets_session_config_requirements"`
	AddedBy            string `json:"added_by"`
	AutoProvisioned    bool   `json:"auto_provisioned"`
	AddedAt            int64  `json:"added_at"`
	UpgradedFromAdhoc  bool   `json:"upgraded_from_adhoc"`
}

// ExportMetrics is a symbol's running base-interval aggregate.
type ExportMetrics struct {
	Volume     int64   `json:"volume"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	LastUpdate int64   `json:"last_update"`
}

// ExportSymbol is everything exported for one symbol.
type ExportSymbol struct {
	Symbol     string             `json:"symbol"`
	Active     bool               `json:"active"`
	Metadata   ExportMetadata     `json:"metadata"`
	Metrics    *ExportMetrics     `json:"metrics,omitempty"`
	Streams    []ExportStream     `json:"streams"`
	Historical []ExportHistorical `json:"historical,omitempty"`
	Indicators []ExportIndicator  `json:"indicators,omitempty"`
}

// BacktestWindow is the configured replay range.
type BacktestWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SystemManagerInfo is the control-plane block the system manager attaches
// to exported snapshots.
type SystemManagerInfo struct {
	State          string          `json:"state"`
	Mode           string          `json:"mode"`
	Timezone       string          `json:"timezone"`
	ExchangeGroup  string          `json:"exchange_group"`
	BacktestWindow *BacktestWindow `json:"backtest_window,omitempty"`
}

// ThreadInfo describes one worker of the session stack in an exported
// snapshot.
type ThreadInfo struct {
	ThreadInfo string           `json:"thread_info"`
	Running    bool             `json:"running"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// Snapshot is one export of the session store. Delta snapshots carry only
// bars appended since the previous delta. SystemManager and Threads are
// filled by the system manager, not by SessionData.
type Snapshot struct {
	Time          time.Time             `json:"time"`
	Delta         bool                  `json:"delta"`
	SessionDate   string                `json:"session_date,omitempty"`
	SessionActive bool                  `json:"session_active"`
	SystemManager *SystemManagerInfo    `json:"system_manager,omitempty"`
	Threads       map[string]ThreadInfo `json:"threads,omitempty"`
	Symbols       []ExportSymbol        `json:"symbols"`
	Counters      Counters              `json:"counters"`
}

// ExportFull returns the complete session state including every stored bar.
// It does not advance delta cursors.
func (sd *SessionData) ExportFull(now time.Time) *Snapshot {
	return sd.export(now, false, true)
}

// ExportStatus returns the session state without bar payloads.
func (sd *SessionData) ExportStatus(now time.Time) *Snapshot {
	return sd.export(now, false, false)
}

// ExportDelta returns the bars appended since the previous delta and
// advances the per-stream cursors.
func (sd *SessionData) ExportDelta(now time.Time) *Snapshot {
	return sd.export(now, true, true)
}

func (sd *SessionData) export(now time.Time, delta, withBars bool) *Snapshot {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	snap := &Snapshot{
		Time:          now,
		Delta:         delta,
		SessionDate:   sd.sessionDate,
		SessionActive: sd.active,
		Counters:      sd.counters,
	}

	symbols := make([]string, 0, len(sd.symbols))
	for sym := range sd.symbols {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		s := sd.symbols[sym]
		es := ExportSymbol{
			Symbol: sym,
			Active: s.Active,
			Metadata: ExportMetadata{
				MeetsSessionConfig: s.MeetsSessionConfig,
				AddedBy:            string(s.AddedBy),
				AutoProvisioned:    s.AutoProvisioned,
				AddedAt:            s.AddedAt.Unix(),
				UpgradedFromAdhoc:  s.UpgradedFromAdhoc,
			},
		}

		intervals := make([]domain.Interval, 0, len(s.Session))
		for iv := range s.Session {
			intervals = append(intervals, iv)
		}
		sort.Slice(intervals, func(i, j int) bool { return intervals[i].Seconds() < intervals[j].Seconds() })

		for _, iv := range intervals {
			d := s.Session[iv]
			stream := ExportStream{
				Interval: iv.String(),
				Derived:  d.Derived,
				BarCount: len(d.Bars),
				Quality:  d.Quality,
			}
			for _, g := range d.Gaps {
				stream.Gaps = append(stream.Gaps, ExportGap{
					Start:      g.Start.Unix(),
					End:        g.End.Unix(),
					BarCount:   g.BarCount,
					RetryCount: g.RetryCount,
				})
			}
			if withBars {
				from := 0
				if delta {
					from = d.exportCursor
					if from > len(d.Bars) {
						from = len(d.Bars)
					}
					d.exportCursor = len(d.Bars)
				}
				if delta && from == len(d.Bars) {
					continue
				}
				rows := make([][]any, 0, len(d.Bars)-from)
				for _, b := range d.Bars[from:] {
					rows = append(rows, exportBarRow(b))
				}
				if len(rows) > 0 {
					stream.Bars = &ExportBars{Columns: barColumns, Data: rows}
				}
			}
			es.Streams = append(es.Streams, stream)
		}

		if !delta {
			m := s.Metrics
			if !m.LastUpdate.IsZero() {
				es.Metrics = &ExportMetrics{
					Volume:     m.Volume,
					High:       m.High,
					Low:        m.Low,
					LastUpdate: m.LastUpdate.Unix(),
				}
			}

			hivs := make([]domain.Interval, 0, len(s.Historical))
			for iv := range s.Historical {
				hivs = append(hivs, iv)
			}
			sort.Slice(hivs, func(i, j int) bool { return hivs[i].Seconds() < hivs[j].Seconds() })
			for _, iv := range hivs {
				h := s.Historical[iv]
				es.Historical = append(es.Historical, ExportHistorical{
					Interval:  iv.String(),
					BarCount:  len(h.Bars),
					FirstDate: h.FirstDate,
					LastDate:  h.LastDate,
				})
			}

			names := make([]string, 0, len(s.SessionIndicators)+len(s.HistoricalIndicators))
			for name := range s.SessionIndicators {
				names = append(names, name)
			}
			for name := range s.HistoricalIndicators {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if series, ok := s.SessionIndicators[name]; ok {
					if v, ok := series.Latest(); ok {
						es.Indicators = append(es.Indicators, ExportIndicator{
							Name: name, Timestamp: v.Timestamp.Unix(),
							Value: v.Value, Components: v.Components,
						})
					}
					continue
				}
				v := s.HistoricalIndicators[name]
				es.Indicators = append(es.Indicators, ExportIndicator{
					Name: name, Timestamp: v.Timestamp.Unix(),
					Value: v.Value, Components: v.Components,
				})
			}
		}

		if delta && len(es.Streams) == 0 {
			continue
		}
		snap.Symbols = append(snap.Symbols, es)
	}
	return snap
}
