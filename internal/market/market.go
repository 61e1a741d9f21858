// Package market defines the market-data surface the engine consumes.
// The engine only reads snapshots; how they are assembled (candles,
// indicators, external feeds) is a provider concern.
package market

import (
	"context"
	"time"
)

// Snapshot is one symbol's market state at decision time.
type Snapshot struct {
	Symbol    string
	Timestamp time.Time

	Price          float64
	PriceChangePct float64
	High24h        float64
	Low24h         float64
	Volume24h      float64

	// Optional enrichment; absent entries simply do not reach the
	// decision source.
	Indicators map[string]float64
	Support    float64
	Resistance float64
}

// Provider supplies snapshots for one instrument.
type Provider interface {
	FetchSnapshot(ctx context.Context, symbol, timeframe string, dataPoints int) (*Snapshot, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, symbol, timeframe string, dataPoints int) (*Snapshot, error)

func (f ProviderFunc) FetchSnapshot(ctx context.Context, symbol, timeframe string, dataPoints int) (*Snapshot, error) {
	return f(ctx, symbol, timeframe, dataPoints)
}
