package session

import (
	"fmt"
	"math"
	"time"

	"marketd/internal/domain"
)

// IndicatorSpec declares one indicator instance to attach to a symbol.
type IndicatorSpec struct {
	Name     string
	Type     string // sma, ema, rsi, macd, bollinger, atr, obv, vwap
	Period   int
	Interval domain.Interval
	Params   map[string]float64
}

// IndicatorValue is one computed indicator point. Multi-line indicators
// carry their auxiliary lines in Components (macd: "signal", "histogram";
// bollinger: "upper", "lower").
type IndicatorValue struct {
	Timestamp  time.Time
	Value      float64
	Components map[string]float64
}

// IndicatorSeries is a live indicator bound to one (symbol, interval)
// stream. Update is called under the SessionData lock; values are published
// only once the warmup requirement is met.
type IndicatorSeries struct {
	Name     string
	Type     string
	Interval domain.Interval

	state  indicatorState
	values []IndicatorValue
}

// NewIndicatorSeries builds a series from its spec.
func NewIndicatorSeries(spec IndicatorSpec) (*IndicatorSeries, error) {
	state, err := newIndicatorState(spec)
	if err != nil {
		return nil, err
	}
	return &IndicatorSeries{
		Name:     spec.Name,
		Type:     spec.Type,
		Interval: spec.Interval,
		state:    state,
	}, nil
}

// Update advances the indicator with one bar.
func (s *IndicatorSeries) Update(bar domain.Bar) {
	v, components, warm := s.state.update(bar)
	if !warm {
		return
	}
	s.values = append(s.values, IndicatorValue{
		Timestamp:  bar.Timestamp,
		Value:      v,
		Components: components,
	})
}

// Latest returns the newest published value.
func (s *IndicatorSeries) Latest() (IndicatorValue, bool) {
	if len(s.values) == 0 {
		return IndicatorValue{}, false
	}
	return s.values[len(s.values)-1], true
}

// Values returns all published values.
func (s *IndicatorSeries) Values() []IndicatorValue {
	return s.values
}

// WarmupBars returns how many bars the indicator consumes before it
// publishes its first value.
func (s *IndicatorSeries) WarmupBars() int {
	return s.state.warmupBars()
}

// ComputeOver runs an indicator spec over a fixed bar window and returns
// its final value. Used for historical indicators at provisioning time.
func ComputeOver(spec IndicatorSpec, bars []domain.Bar) (IndicatorValue, error) {
	series, err := NewIndicatorSeries(spec)
	if err != nil {
		return IndicatorValue{}, err
	}
	for _, b := range bars {
		series.Update(b)
	}
	v, ok := series.Latest()
	if !ok {
		return IndicatorValue{}, fmt.Errorf("%w: indicator %s needs %d bars, window has %d",
			ErrData, spec.Name, series.WarmupBars(), len(bars))
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Per-type state machines
// ---------------------------------------------------------------------------

type indicatorState interface {
	update(bar domain.Bar) (value float64, components map[string]float64, warm bool)
	warmupBars() int
}

func newIndicatorState(spec IndicatorSpec) (indicatorState, error) {
	p := func(key string, def float64) float64 {
		if v, ok := spec.Params[key]; ok {
			return v
		}
		return def
	}
	switch spec.Type {
	case "sma":
		return &smaState{period: spec.Period, buf: make([]float64, spec.Period)}, nil
	case "ema":
		return &emaState{period: spec.Period, mult: 2.0 / float64(spec.Period+1)}, nil
	case "rsi":
		return &rsiState{period: spec.Period}, nil
	case "macd":
		fast, slow, signal := int(p("fast", 12)), int(p("slow", 26)), int(p("signal", 9))
		if fast >= slow {
			return nil, fmt.Errorf("%w: macd fast period %d must be below slow %d", ErrConfig, fast, slow)
		}
		return &macdState{
			fast:      emaState{period: fast, mult: 2.0 / float64(fast+1)},
			slow:      emaState{period: slow, mult: 2.0 / float64(slow+1)},
			signal:    emaState{period: signal, mult: 2.0 / float64(signal+1)},
			slowBars:  slow,
			signalLen: signal,
		}, nil
	case "bollinger":
		return &bollingerState{
			smaState: smaState{period: spec.Period, buf: make([]float64, spec.Period)},
			k:        p("k", 2),
		}, nil
	case "atr":
		return &atrState{period: spec.Period}, nil
	case "obv":
		return &obvState{}, nil
	case "vwap":
		return &vwapState{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown indicator type %q", ErrConfig, spec.Type)
	}
}

// smaState is a ring-buffer simple moving average over closes.
type smaState struct {
	period int
	buf    []float64
	idx    int
	sum    float64
	n      int
}

func (s *smaState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	if s.n >= s.period {
		s.sum -= s.buf[s.idx]
	}
	s.buf[s.idx] = bar.Close
	s.sum += bar.Close
	s.idx = (s.idx + 1) % s.period
	if s.n < s.period {
		s.n++
	}
	if s.n < s.period {
		return 0, nil, false
	}
	return s.sum / float64(s.period), nil, true
}

func (s *smaState) warmupBars() int { return s.period }

// emaState seeds with the SMA of the first period closes, then applies the
// standard smoothing multiplier.
type emaState struct {
	period  int
	mult    float64
	seedSum float64
	seen    int
	ema     float64
}

func (s *emaState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	return s.push(bar.Close)
}

func (s *emaState) push(v float64) (float64, map[string]float64, bool) {
	s.seen++
	if s.seen < s.period {
		s.seedSum += v
		return 0, nil, false
	}
	if s.seen == s.period {
		s.seedSum += v
		s.ema = s.seedSum / float64(s.period)
		return s.ema, nil, true
	}
	s.ema = (v-s.ema)*s.mult + s.ema
	return s.ema, nil, true
}

func (s *emaState) warmupBars() int { return s.period }

// rsiState uses Wilder smoothing over gains and losses.
type rsiState struct {
	period    int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	seen      int
}

func (s *rsiState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	s.seen++
	if s.seen == 1 {
		s.prevClose = bar.Close
		return 0, nil, false
	}
	change := bar.Close - s.prevClose
	s.prevClose = bar.Close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if s.seen <= s.period {
		s.avgGain += gain
		s.avgLoss += loss
		return 0, nil, false
	}
	if s.seen == s.period+1 {
		s.avgGain = (s.avgGain + gain) / float64(s.period)
		s.avgLoss = (s.avgLoss + loss) / float64(s.period)
	} else {
		s.avgGain = (s.avgGain*float64(s.period-1) + gain) / float64(s.period)
		s.avgLoss = (s.avgLoss*float64(s.period-1) + loss) / float64(s.period)
	}

	if s.avgLoss == 0 {
		return 100, nil, true
	}
	rs := s.avgGain / s.avgLoss
	return 100 - 100/(1+rs), nil, true
}

func (s *rsiState) warmupBars() int { return s.period + 1 }

type macdState struct {
	fast, slow, signal emaState
	slowBars           int
	signalLen          int
}

func (s *macdState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	fv, _, fok := s.fast.push(bar.Close)
	sv, _, sok := s.slow.push(bar.Close)
	if !fok || !sok {
		return 0, nil, false
	}
	macd := fv - sv
	sig, _, ok := s.signal.push(macd)
	if !ok {
		return 0, nil, false
	}
	return macd, map[string]float64{"signal": sig, "histogram": macd - sig}, true
}

func (s *macdState) warmupBars() int { return s.slowBars + s.signalLen - 1 }

type bollingerState struct {
	smaState
	k float64
}

func (s *bollingerState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	mid, _, ok := s.smaState.update(bar)
	if !ok {
		return 0, nil, false
	}
	variance := 0.0
	for _, v := range s.buf {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(s.period))
	return mid, map[string]float64{"upper": mid + s.k*sd, "lower": mid - s.k*sd}, true
}

// atrState computes the Wilder-smoothed average true range.
type atrState struct {
	period    int
	prevClose float64
	trSum     float64
	atr       float64
	seen      int
}

func (s *atrState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	s.seen++
	if s.seen == 1 {
		s.prevClose = bar.Close
		return 0, nil, false
	}
	tr := math.Max(bar.High-bar.Low,
		math.Max(math.Abs(bar.High-s.prevClose), math.Abs(bar.Low-s.prevClose)))
	s.prevClose = bar.Close

	if s.seen <= s.period {
		s.trSum += tr
		return 0, nil, false
	}
	if s.seen == s.period+1 {
		s.atr = (s.trSum + tr) / float64(s.period)
	} else {
		s.atr = (s.atr*float64(s.period-1) + tr) / float64(s.period)
	}
	return s.atr, nil, true
}

func (s *atrState) warmupBars() int { return s.period + 1 }

// obvState is cumulative on-balance volume.
type obvState struct {
	obv       float64
	prevClose float64
	started   bool
}

func (s *obvState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	if !s.started {
		s.started = true
		s.prevClose = bar.Close
		return s.obv, nil, true
	}
	switch {
	case bar.Close > s.prevClose:
		s.obv += float64(bar.Volume)
	case bar.Close < s.prevClose:
		s.obv -= float64(bar.Volume)
	}
	s.prevClose = bar.Close
	return s.obv, nil, true
}

func (s *obvState) warmupBars() int { return 1 }

// vwapState accumulates volume-weighted average price and resets at the
// session-date boundary.
type vwapState struct {
	date  string
	cumPV float64
	cumV  float64
}

func (s *vwapState) update(bar domain.Bar) (float64, map[string]float64, bool) {
	d := bar.Timestamp.Format("2006-01-02")
	if d != s.date {
		s.date = d
		s.cumPV = 0
		s.cumV = 0
	}
	typical := (bar.High + bar.Low + bar.Close) / 3
	s.cumPV += typical * float64(bar.Volume)
	s.cumV += float64(bar.Volume)
	if s.cumV == 0 {
		return typical, nil, true
	}
	return s.cumPV / s.cumV, nil, true
}

func (s *vwapState) warmupBars() int { return 1 }
