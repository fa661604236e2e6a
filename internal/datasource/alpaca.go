package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	mdstream "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"marketd/internal/domain"
	"marketd/internal/timecal"
	"marketd/internal/util"
)

// Compile-time interface check.
var _ BarSource = (*AlpacaSource)(nil)

// AlpacaSource serves bars from the Alpaca market-data API: historical bars
// on demand and live bar streaming over the IEX feed.
type AlpacaSource struct {
	client    *marketdata.Client
	trading   *alpaca.Client
	apiKey    string
	apiSecret string
	limiter   *util.RateLimiter
	log       *slog.Logger
}

// NewAlpacaSource creates an AlpacaSource with the given credentials.
// baseURL/dataURL override the SDK defaults when non-empty.
func NewAlpacaSource(apiKey, apiSecret, baseURL, dataURL string, log *slog.Logger) *AlpacaSource {
	mdOpts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		mdOpts.BaseURL = dataURL
	}
	trOpts := alpaca.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if baseURL != "" {
		trOpts.BaseURL = baseURL
	}

	return &AlpacaSource{
		client:    marketdata.NewClient(mdOpts),
		trading:   alpaca.NewClient(trOpts),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		limiter:   util.NewRateLimiter(200),
		log:       log.With("source", "alpaca"),
	}
}

// Name returns the source identifier.
func (s *AlpacaSource) Name() string { return domain.SourceAlpaca }

// HasSymbol checks the asset catalog for the symbol.
func (s *AlpacaSource) HasSymbol(ctx context.Context, symbol string) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	asset, err := s.trading.GetAsset(strings.ToUpper(symbol))
	if err != nil {
		// The API reports unknown symbols as an error; treat as not found.
		return false, nil
	}
	return asset.Tradable, nil
}

// SupportsInterval reports whether the interval maps to an Alpaca timeframe.
// Second-resolution bars are not offered by the API.
func (s *AlpacaSource) SupportsInterval(iv domain.Interval) bool {
	_, ok := s.timeFrame(iv)
	return ok
}

func (s *AlpacaSource) timeFrame(iv domain.Interval) (marketdata.TimeFrame, bool) {
	switch iv.Unit {
	case domain.UnitMinute:
		return marketdata.NewTimeFrame(iv.N, marketdata.Min), true
	case domain.UnitDay:
		if iv.N == 1 {
			return marketdata.OneDay, true
		}
		return marketdata.TimeFrame{}, false
	case domain.UnitWeek:
		if iv.N == 1 {
			return marketdata.NewTimeFrame(1, marketdata.Week), true
		}
		return marketdata.TimeFrame{}, false
	default:
		return marketdata.TimeFrame{}, false
	}
}

// LoadBars fetches historical bars for [start, end).
func (s *AlpacaSource) LoadBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	tf, ok := s.timeFrame(iv)
	if !ok {
		return nil, fmt.Errorf("alpaca does not serve %s bars", iv)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	alpacaBars, err := s.client.GetBars(strings.ToUpper(symbol), marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s %s: %w", symbol, iv, err)
	}

	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		if !ab.Timestamp.Before(end) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    strings.ToUpper(symbol),
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
			Source:    domain.SourceAlpaca,
		})
	}
	return bars, nil
}

// SupportsStreaming returns true.
func (s *AlpacaSource) SupportsStreaming() bool { return true }

// Stream subscribes to live minute bars for the symbol. Only 1m streaming is
// offered by the feed; wider intervals are derived downstream. Blocks until
// ctx is cancelled.
func (s *AlpacaSource) Stream(ctx context.Context, symbol string, iv domain.Interval, cb func(domain.Bar)) error {
	if iv.Unit != domain.UnitMinute || iv.N != 1 {
		return fmt.Errorf("alpaca streams 1m bars only, got %s", iv)
	}

	client := mdstream.NewStocksClient(marketdata.IEX,
		mdstream.WithCredentials(s.apiKey, s.apiSecret),
	)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting bar stream: %w", err)
	}

	handler := func(b mdstream.Bar) {
		cb(domain.Bar{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    int64(b.Volume),
			Source:    domain.SourceAlpaca,
		})
	}
	if err := client.SubscribeToBars(handler, strings.ToUpper(symbol)); err != nil {
		return fmt.Errorf("subscribing to %s bars: %w", symbol, err)
	}

	s.log.Info("bar stream subscribed", "symbol", symbol)
	<-ctx.Done()
	return ctx.Err()
}

// FetchCalendar retrieves the exchange calendar for [start, end] so the
// time manager's database can be refreshed in live mode.
func (s *AlpacaSource) FetchCalendar(start, end time.Time) ([]timecal.MarketDay, error) {
	days, err := s.trading.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}

	out := make([]timecal.MarketDay, 0, len(days))
	for _, d := range days {
		md := timecal.MarketDay{Date: d.Date, Open: d.Open, Close: d.Close}
		md.EarlyClose = d.Close != "" && d.Close < "16:00"
		out = append(out, md)
	}
	return out, nil
}
