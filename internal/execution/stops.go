package execution

import (
	"context"
	"fmt"

	"perptrader/internal/decision"
	"perptrader/internal/ledger"
	"perptrader/internal/sizing"
	"perptrader/pkg/exchange"
)

// defaultStopBandPct is the protective band assumed when no recorded
// levels exist for an open position.
const defaultStopBandPct = 0.05

// StopCheck is the result of the stop-loss / take-profit scan. It runs
// before anything else in a cycle; a triggered check forces a close and
// skips the decision source entirely.
type StopCheck struct {
	Triggered   bool
	TriggerType string // "stop_loss" or "take_profit"
	StopLoss    float64
	TakeProfit  float64
	PnLPct      float64
	Reason      string
}

// ForcedClose converts a triggered check into the close decision the
// engine executes with absolute priority.
func (c StopCheck) ForcedClose() decision.Decision {
	return decision.Decision{
		Signal:      ledger.SignalClose,
		Confidence:  sizing.High,
		Reason:      c.Reason,
		Forced:      true,
		TriggerType: c.TriggerType,
	}
}

// CheckStops evaluates the open position against its protective levels.
// Levels come from the most recent directional signal; a position with
// no recorded levels falls back to a band around its entry price.
func (e *Engine) CheckStops(ctx context.Context, symbol string, price float64) (StopCheck, error) {
	if price <= 0 {
		return StopCheck{}, nil
	}
	pos, err := e.tc.Exchange.FetchPosition(ctx, symbol)
	if err != nil {
		return StopCheck{}, fmt.Errorf("fetch position: %w", err)
	}
	e.tc.SetPosition(symbol, pos)
	if pos == nil || pos.Contracts <= 0 || pos.EntryPrice <= 0 {
		return StopCheck{}, nil
	}

	stopLoss, takeProfit, ok := e.tc.Ledger.LastStopLevels(symbol)
	if !ok {
		if pos.Side == exchange.PositionLong {
			stopLoss = pos.EntryPrice * (1 - defaultStopBandPct)
			takeProfit = pos.EntryPrice * (1 + defaultStopBandPct)
		} else {
			stopLoss = pos.EntryPrice * (1 + defaultStopBandPct)
			takeProfit = pos.EntryPrice * (1 - defaultStopBandPct)
		}
	}

	check := StopCheck{StopLoss: stopLoss, TakeProfit: takeProfit}
	if pos.Side == exchange.PositionLong {
		check.PnLPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
		switch {
		case price <= stopLoss:
			check.Triggered, check.TriggerType = true, "stop_loss"
		case price >= takeProfit:
			check.Triggered, check.TriggerType = true, "take_profit"
		}
	} else {
		check.PnLPct = (pos.EntryPrice - price) / pos.EntryPrice * 100
		switch {
		case price >= stopLoss:
			check.Triggered, check.TriggerType = true, "stop_loss"
		case price <= takeProfit:
			check.Triggered, check.TriggerType = true, "take_profit"
		}
	}
	if check.Triggered {
		check.Reason = fmt.Sprintf("%s hit at %.4f (entry %.4f, pnl %.2f%%)",
			check.TriggerType, price, pos.EntryPrice, check.PnLPct)
	}
	return check, nil
}
