package market

import (
	"context"
	"fmt"
	"time"

	"perptrader/pkg/exchange"
)

// TickerSource is the quote side of a venue adapter.
type TickerSource interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// TickerProvider builds minimal snapshots from venue tickers: price,
// day range and volume, no indicator enrichment. Richer providers can
// replace it without touching the engine.
type TickerProvider struct {
	Source TickerSource
}

func (p *TickerProvider) FetchSnapshot(ctx context.Context, symbol, timeframe string, dataPoints int) (*Snapshot, error) {
	t, err := p.Source.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}
	if t.Last <= 0 {
		return nil, fmt.Errorf("ticker %s has no last price", symbol)
	}

	snap := &Snapshot{
		Symbol:    symbol,
		Timestamp: t.Timestamp,
		Price:     t.Last,
		High24h:   t.High24h,
		Low24h:    t.Low24h,
		Volume24h: t.Volume24h,
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	if t.Open24h > 0 {
		snap.PriceChangePct = (t.Last - t.Open24h) / t.Open24h * 100
	}
	return snap, nil
}
