// Package decision binds the engine to an external decision source: an
// OpenAI-compatible chat endpoint that returns a JSON trade decision.
// Responses are parsed defensively; anything unusable degrades to a
// conservative HOLD instead of an error.
package decision

import (
	"context"

	"perptrader/internal/ledger"
	"perptrader/internal/market"
	"perptrader/internal/sizing"
	"perptrader/pkg/exchange"
)

// Decision is the validated output of a decision source.
type Decision struct {
	Signal     ledger.Signal
	Confidence sizing.Confidence
	Leverage   int
	Quantity   float64 // base units; 0 means the source left sizing to the matrix
	StopLoss   float64
	TakeProfit float64
	Reason     string

	// Fallback marks a decision synthesized locally because the source
	// failed or returned garbage.
	Fallback bool
	// Forced marks a decision synthesized by a stop-loss or take-profit
	// trigger; it bypasses the decision source entirely.
	Forced      bool
	TriggerType string
}

// LeverageLimits clamp a source-proposed leverage to the symbol's range.
type LeverageLimits struct {
	Min     int
	Default int
	Max     int
}

// Clamp normalizes lev into the configured range, substituting the
// default when the source proposed nothing.
func (l LeverageLimits) Clamp(lev int) int {
	if lev == 0 {
		return l.Default
	}
	if lev < l.Min {
		return l.Min
	}
	if lev > l.Max {
		return l.Max
	}
	return lev
}

// Input is everything a decision source may consider for one cycle.
type Input struct {
	Snapshot *market.Snapshot
	Matrix   sizing.Matrix
	Position *exchange.Position
	Accuracy ledger.Accuracy
	Recent   []ledger.Record
	Limits   LeverageLimits
}

// Source produces one decision per cycle for one symbol.
type Source interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// fallback HOLD protective band, percent of price
const fallbackBandPct = 0.02

// Fallback builds the conservative HOLD used when no usable decision
// exists.
func Fallback(price float64, reason string) Decision {
	return Decision{
		Signal:     ledger.SignalHold,
		Confidence: sizing.Low,
		StopLoss:   price * (1 - fallbackBandPct),
		TakeProfit: price * (1 + fallbackBandPct),
		Reason:     reason,
		Fallback:   true,
	}
}
