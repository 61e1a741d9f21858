// Package runner drives the trading loop: wall-clock aligned rounds,
// contexts in sequence, symbols in parallel within a context, and the
// end-of-round balance snapshot and archive compaction.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"perptrader/internal/decision"
	"perptrader/internal/execution"
	"perptrader/internal/history"
	"perptrader/internal/ledger"
	"perptrader/internal/market"
	"perptrader/internal/monitor"
	"perptrader/internal/sizing"
	"perptrader/internal/trading"
	"perptrader/pkg/config"
)

// recentRecords caps how much signal history is sent to the decision
// source each cycle.
const recentRecords = 10

// Runner owns the scheduling loop.
type Runner struct {
	Registry *trading.Registry
	History  *history.Store
	Market   market.Provider
	Symbols  []config.SymbolConfig

	Period        time.Duration
	CycleTimeout  time.Duration
	Stagger       time.Duration
	MaxConcurrent int
}

// Run blocks until ctx is cancelled, firing one round at each period
// boundary.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Registry.Validate(); err != nil {
		return err
	}
	log.Printf("[Runner] started: %d contexts, %d symbols, period %s",
		len(r.Registry.Contexts()), len(r.Symbols), r.Period)

	for {
		wait := alignDelay(time.Now(), r.Period)
		select {
		case <-ctx.Done():
			log.Printf("[Runner] stopping: %v", ctx.Err())
			return nil
		case <-time.After(wait):
		}
		r.runRound(ctx)
	}
}

// alignDelay returns the time until the next period boundary.
func alignDelay(now time.Time, period time.Duration) time.Duration {
	return now.Truncate(period).Add(period).Sub(now)
}

func (r *Runner) runRound(ctx context.Context) {
	for _, tc := range r.Registry.Contexts() {
		if ctx.Err() != nil {
			return
		}
		r.runContext(ctx, tc)
		r.snapshotBalance(ctx, tc)
	}
	if r.History != nil {
		if err := r.History.CompactIfNeeded(time.Now()); err != nil {
			log.Printf("[Runner] compaction: %v", err)
		}
	}
}

// runContext runs every symbol for one context. Symbols launch with a
// stagger and run under a bounded worker pool; each cycle gets its own
// deadline and an overrunning cycle is abandoned, not retried.
func (r *Runner) runContext(ctx context.Context, tc *trading.Context) {
	limit := r.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, cfg := range r.Symbols {
		wg.Add(1)
		go func(offset int, cfg config.SymbolConfig) {
			defer wg.Done()
			if r.Stagger > 0 && offset > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(offset) * r.Stagger):
				}
			}
			sem <- struct{}{}
			defer func() { <-sem }()

			cycleCtx, cancel := context.WithTimeout(ctx, r.CycleTimeout)
			defer cancel()

			err := r.runCycle(cycleCtx, tc, cfg)
			switch {
			case err == nil:
				monitor.CycleDone(tc.Key, cfg.Symbol)
			case errors.Is(err, context.DeadlineExceeded):
				monitor.CycleTimeout(tc.Key, cfg.Symbol)
				log.Printf("[Runner] %s %s: cycle abandoned after %s", tc.Key, cfg.Symbol, r.CycleTimeout)
			default:
				log.Printf("[Runner] %s %s: cycle failed: %v", tc.Key, cfg.Symbol, err)
			}
		}(i, cfg)
	}
	wg.Wait()
}

// runCycle is one symbol pass: snapshot, stop scan, validation, sizing,
// decision, execution, ledger record.
func (r *Runner) runCycle(ctx context.Context, tc *trading.Context, cfg config.SymbolConfig) error {
	snap, err := r.Market.FetchSnapshot(ctx, cfg.Symbol, cfg.Timeframe, cfg.DataPoints)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if snap == nil || snap.Price <= 0 {
		return fmt.Errorf("no usable price for %s", cfg.Symbol)
	}
	price := snap.Price

	engine := execution.New(tc, r.Registry.ExecutionLock(tc.AccountKey), cfg)

	// Protective levels outrank everything, including the model.
	check, err := engine.CheckStops(ctx, cfg.Symbol, price)
	if err != nil {
		return err
	}
	if check.Triggered {
		log.Printf("[Runner] %s %s: %s", tc.Key, cfg.Symbol, check.Reason)
		return r.execute(ctx, engine, tc, cfg, check.ForcedClose(), price)
	}

	tc.Ledger.ValidatePending(cfg.Symbol, price, snap.Timestamp)

	balance, err := tc.Exchange.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	spec := tc.Contracts.Resolve(ctx, cfg.Symbol)
	matrix := sizing.BuildMatrix(spec, cfg.Symbol, cfg.Leverages(), price, balance.Available)

	var d decision.Decision
	if !matrix.CanTrade() {
		// No feasible cell: hold without spending a model call.
		d = decision.Fallback(price, "balance cannot carry any viable position")
		log.Printf("[Runner] %s %s: sizing infeasible, holding", tc.Key, cfg.Symbol)
	} else {
		d = r.decide(ctx, tc, cfg, snap, matrix)
	}
	return r.execute(ctx, engine, tc, cfg, d, price)
}

func (r *Runner) decide(ctx context.Context, tc *trading.Context, cfg config.SymbolConfig, snap *market.Snapshot, matrix sizing.Matrix) decision.Decision {
	hist := tc.Ledger.History(cfg.Symbol)
	recent := hist
	if len(recent) > recentRecords {
		recent = recent[len(recent)-recentRecords:]
	}
	in := decision.Input{
		Snapshot: snap,
		Matrix:   matrix,
		Position: tc.CachedPosition(cfg.Symbol),
		Accuracy: ledger.ComputeAccuracy(hist),
		Recent:   recent,
		Limits: decision.LeverageLimits{
			Min:     cfg.LeverageMin,
			Default: cfg.LeverageDefault,
			Max:     cfg.LeverageMax,
		},
	}

	monitor.DecisionCall(tc.Key)
	d, err := tc.Decider.Decide(ctx, in)
	if err != nil {
		log.Printf("[Runner] %s %s: decision source failed: %v", tc.Key, cfg.Symbol, err)
		d = decision.Fallback(snap.Price, "decision source unavailable")
	}
	if d.Fallback {
		monitor.DecisionFallback(tc.Key)
	}
	return d
}

// execute applies the decision and appends the ledger record. Forced
// closes are recorded too, so the history shows why a position vanished.
func (r *Runner) execute(ctx context.Context, engine *execution.Engine, tc *trading.Context, cfg config.SymbolConfig, d decision.Decision, price float64) error {
	out, err := engine.Apply(ctx, cfg.Symbol, d, price)

	monitor.Signal(tc.Key, string(d.Signal))
	tc.Ledger.Append(cfg.Symbol, ledger.Record{
		Timestamp:  time.Now(),
		Signal:     d.Signal,
		Confidence: d.Confidence,
		Leverage:   d.Leverage,
		EntryPrice: price,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		Quantity:   d.Quantity,
		Reason:     d.Reason,
		Executed:   out.Status == execution.StatusExecuted,
	})

	if err != nil {
		return fmt.Errorf("execute %s: %w", d.Signal, err)
	}
	if out.Status == execution.StatusSuppressed {
		log.Printf("[Runner] %s %s: %s suppressed: %s", tc.Key, cfg.Symbol, d.Signal, out.Reason)
	}
	return nil
}

// snapshotBalance persists the post-round balance for the context.
func (r *Runner) snapshotBalance(ctx context.Context, tc *trading.Context) {
	if r.History == nil {
		return
	}
	balance, err := tc.Exchange.FetchBalance(ctx)
	if err != nil {
		log.Printf("[Runner] %s: balance snapshot failed: %v", tc.Key, err)
		return
	}
	monitor.SetEquity(tc.Key, balance.Equity)
	err = r.History.Append(tc.Key, history.Snapshot{
		Timestamp:     time.Now(),
		Available:     balance.Available,
		Equity:        balance.Equity,
		UnrealizedPnL: balance.UnrealizedPnL,
		Currency:      balance.Currency,
	})
	if err != nil {
		log.Printf("[Runner] %s: balance snapshot not stored: %v", tc.Key, err)
	}
}
