// Package execution turns decisions into orders. It owns the unsafe
// part of the pipeline: margin verification, order submission, retries,
// and the trade history that only confirmed executions may enter.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"perptrader/internal/contract"
	"perptrader/internal/decision"
	"perptrader/internal/ledger"
	"perptrader/internal/monitor"
	"perptrader/internal/sizing"
	"perptrader/internal/trading"
	"perptrader/pkg/config"
	"perptrader/pkg/exchange"
)

const (
	// ReversalCooldown blocks repeating a reversal direction that was
	// already executed recently.
	ReversalCooldown = 30 * time.Minute

	// resizeFactor shaves a downsized order below verified headroom.
	resizeFactor = 0.95

	// maxSubmitAttempts is the total submission budget per order,
	// the first try included.
	maxSubmitAttempts = 2

	defaultSettleDelay   = 500 * time.Millisecond
	defaultReversalDelay = 1 * time.Second
	defaultShrinkDelay   = 1 * time.Second
	defaultRetryBackoff  = 2 * time.Second
	defaultConfirmDelay  = 2 * time.Second
)

// Status tags an execution outcome.
type Status string

const (
	StatusExecuted   Status = "executed"
	StatusHold       Status = "hold"
	StatusSkipped    Status = "skipped"    // nothing to do (test mode, no position)
	StatusSuppressed Status = "suppressed" // a guard refused the intent
	StatusAborted    Status = "aborted"    // sizing or margin made it infeasible
)

// Outcome is the result of applying one decision. Trade is set only for
// StatusExecuted.
type Outcome struct {
	Status Status
	Reason string
	Trade  *trading.TradeRecord
}

func outcome(status Status, reason string) Outcome {
	return Outcome{Status: status, Reason: reason}
}

// Engine executes decisions for one symbol within one strategy context.
// The execution lock is shared by every engine trading the same account
// so margin reads and order placement never interleave.
type Engine struct {
	tc   *trading.Context
	lock *sync.Mutex
	cfg  config.SymbolConfig

	settleDelay   time.Duration
	reversalDelay time.Duration
	shrinkDelay   time.Duration
	retryBackoff  time.Duration
	confirmDelay  time.Duration
	now           func() time.Time
	sleep         func(time.Duration)
}

// New builds an engine for one (context, symbol) pair.
func New(tc *trading.Context, lock *sync.Mutex, cfg config.SymbolConfig) *Engine {
	return &Engine{
		tc:            tc,
		lock:          lock,
		cfg:           cfg,
		settleDelay:   defaultSettleDelay,
		reversalDelay: defaultReversalDelay,
		shrinkDelay:   defaultShrinkDelay,
		retryBackoff:  defaultRetryBackoff,
		confirmDelay:  defaultConfirmDelay,
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// Apply routes one decision through the guard chain and, when every
// guard passes, submits it. Only venue read failures surface as errors;
// refused or infeasible intents come back as non-executed outcomes.
func (e *Engine) Apply(ctx context.Context, symbol string, d decision.Decision, price float64) (Outcome, error) {
	if price <= 0 {
		return outcome(StatusAborted, "no valid price"), nil
	}

	pos, err := e.tc.Exchange.FetchPosition(ctx, symbol)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch position: %w", err)
	}
	e.tc.SetPosition(symbol, pos)

	switch d.Signal {
	case ledger.SignalHold:
		return outcome(StatusHold, d.Reason), nil
	case ledger.SignalClose:
		return e.close(ctx, symbol, d, pos)
	case ledger.SignalBuy, ledger.SignalSell:
		return e.open(ctx, symbol, d, price, pos)
	default:
		return outcome(StatusSuppressed, fmt.Sprintf("unknown signal %q", d.Signal)), nil
	}
}

func (e *Engine) close(ctx context.Context, symbol string, d decision.Decision, pos *exchange.Position) (Outcome, error) {
	if pos == nil || pos.Contracts <= 0 {
		return outcome(StatusSkipped, "no position to close"), nil
	}
	if e.cfg.TestMode {
		log.Printf("[Execution] %s %s: test mode, close not sent", e.tc.Key, symbol)
		return outcome(StatusSkipped, "test mode"), nil
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	req := exchange.OrderRequest{
		Symbol:     symbol,
		Side:       exchange.SideFor(pos.Side.Opposite()),
		Contracts:  pos.Contracts,
		ReduceOnly: true,
	}
	if _, err := e.tc.Exchange.SubmitOrder(ctx, req); err != nil {
		return outcome(StatusAborted, "close rejected"), fmt.Errorf("close %s: %w", symbol, err)
	}
	monitor.OrderSubmitted(e.tc.Key, "close")
	log.Printf("[Execution] %s %s: closed %.4f contracts (%s)", e.tc.Key, symbol, pos.Contracts, d.Reason)

	e.sleep(e.confirmDelay)
	e.refreshPosition(ctx, symbol)
	return outcome(StatusExecuted, d.Reason), nil
}

func (e *Engine) open(ctx context.Context, symbol string, d decision.Decision, price float64, pos *exchange.Position) (Outcome, error) {
	newSide := exchange.PositionLong
	if d.Signal == ledger.SignalSell {
		newSide = exchange.PositionShort
	}

	tradeType := trading.TradeOpen
	if pos != nil && pos.Contracts > 0 {
		if pos.Side == newSide {
			if !e.cfg.EnableAddPosition {
				return outcome(StatusSkipped, "position already open in this direction"), nil
			}
			if d.Confidence != sizing.High {
				monitor.OrderSuppressed(e.tc.Key, "add_needs_high")
				return outcome(StatusSuppressed, "adding requires high confidence"), nil
			}
			tradeType = trading.TradeAdd
		} else {
			if d.Confidence != sizing.High && !d.Forced {
				monitor.OrderSuppressed(e.tc.Key, "reversal_needs_high")
				return outcome(StatusSuppressed, "reversal requires high confidence"), nil
			}
			// Anti-flip-flop: the same reversal direction executed once
			// inside the cooldown window is not executed again. A first
			// reversal passes; only the repeat is thrash.
			if last, ok := e.tc.LastTrade(symbol); ok && !d.Forced {
				if last.Side == newSide && e.now().Sub(last.Timestamp) < ReversalCooldown {
					monitor.OrderSuppressed(e.tc.Key, "cooldown")
					return outcome(StatusSuppressed, "repeat reversal inside cooldown"), nil
				}
			}
			tradeType = trading.TradeReverse
		}
	}

	if d.Confidence == sizing.Low && !d.Forced {
		return outcome(StatusSuppressed, "low confidence entries are not executed"), nil
	}
	if e.cfg.TestMode {
		log.Printf("[Execution] %s %s: test mode, %s %s not sent", e.tc.Key, symbol, tradeType, newSide)
		return outcome(StatusSkipped, "test mode"), nil
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	spec := e.tc.Contracts.Resolve(ctx, symbol)

	lev := d.Leverage
	if lev <= 0 {
		lev = e.cfg.LeverageDefault
	}

	// Optimistic sizing from a fresh balance read under the lock.
	balance, err := e.tc.Exchange.FetchBalance(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch balance: %w", err)
	}
	usable := sizing.UsableMargin(balance)
	if usable <= 0 {
		return outcome(StatusAborted, "no usable margin"), nil
	}

	expectedQty := usable * sizing.ConfidenceRatio(d.Confidence) * float64(lev) / price
	qty, overridden := sizing.ValidateQuantity(spec.RoundBase(expectedQty, true), d.Quantity)
	if overridden {
		log.Printf("[Execution] %s %s: proposed quantity %.6f outside tolerance, using %.6f",
			e.tc.Key, symbol, d.Quantity, qty)
	}

	contracts := spec.BaseToContracts(qty)
	if spec.MinContracts > 0 && contracts < spec.MinContracts {
		minMargin := price * spec.MinBaseQty / float64(lev)
		if minMargin > usable {
			return outcome(StatusAborted, "minimum order size exceeds usable margin"), nil
		}
		contracts = spec.MinContracts
	}
	contracts = spec.RoundContracts(contracts, true)
	required := price * spec.ContractsToBase(contracts) / float64(lev)

	if required > usable {
		var ok bool
		contracts, required, ok = e.resize(spec, usable, price, lev)
		if !ok {
			return outcome(StatusAborted, "order does not fit usable margin"), nil
		}
	}

	// Authoritative margin check after the venue settles the last read.
	e.sleep(e.settleDelay)
	balance, err = e.tc.Exchange.FetchBalance(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("verify balance: %w", err)
	}
	verified := sizing.UsableMargin(balance)
	if required > verified {
		var ok bool
		contracts, required, ok = e.resize(spec, verified, price, lev)
		if !ok {
			log.Printf("[Execution] %s %s: verified margin %.2f cannot carry the order, not submitting",
				e.tc.Key, symbol, verified)
			return outcome(StatusAborted, "verified margin too small"), nil
		}
		monitor.MarginResize(e.tc.Key)
	}

	if tradeType == trading.TradeAdd && pos != nil {
		total := pos.Contracts*spec.ContractSize*price + spec.ContractsToBase(contracts)*price
		if total > verified*float64(lev) {
			monitor.OrderSuppressed(e.tc.Key, "add_cap")
			return outcome(StatusSuppressed, "addition would exceed total exposure cap"), nil
		}
	}

	lev, required = e.applyLeverage(ctx, symbol, pos, lev, price, spec.ContractsToBase(contracts))

	filled, err := e.submit(ctx, symbol, newSide, contracts, spec, tradeType, pos)
	if err != nil {
		return outcome(StatusAborted, "order rejected"), err
	}

	e.sleep(e.confirmDelay)
	e.refreshPosition(ctx, symbol)

	rec := e.tc.RecordTrade(trading.TradeRecord{
		Timestamp:  e.now(),
		Symbol:     symbol,
		Type:       tradeType,
		Side:       newSide,
		Price:      price,
		Quantity:   spec.ContractsToBase(filled),
		Contracts:  filled,
		Leverage:   lev,
		Confidence: d.Confidence,
		Reason:     d.Reason,
	})
	monitor.OrderSubmitted(e.tc.Key, string(tradeType))
	log.Printf("[Execution] %s %s: %s %s %.4f contracts at %.4f, margin %.2f",
		e.tc.Key, symbol, tradeType, newSide, filled, price, required)
	return Outcome{Status: StatusExecuted, Reason: d.Reason, Trade: &rec}, nil
}

// resize shrinks an order to fit headroom, clamping down to the step.
// Returns ok=false when even the shrunk order falls under the minimum.
func (e *Engine) resize(spec contract.Spec, headroom, price float64, lev int) (contracts, required float64, ok bool) {
	if headroom <= 0 {
		return 0, 0, false
	}
	qty := headroom * resizeFactor * float64(lev) / price
	contracts = spec.RoundContracts(spec.BaseToContracts(qty), false)
	if contracts <= 0 || (spec.MinContracts > 0 && contracts < spec.MinContracts) {
		return 0, 0, false
	}
	required = price * spec.ContractsToBase(contracts) / float64(lev)
	return contracts, required, true
}

// applyLeverage pushes the target leverage to the venue, falling back to
// the position's current setting when the call fails.
func (e *Engine) applyLeverage(ctx context.Context, symbol string, pos *exchange.Position, lev int, price, qty float64) (int, float64) {
	current := 0
	if pos != nil {
		current = pos.Leverage
	}
	if lev == current {
		return lev, price * qty / float64(lev)
	}
	if err := e.tc.Exchange.SetLeverage(ctx, symbol, lev); err != nil {
		log.Printf("[Execution] %s %s: set leverage %dx failed, keeping current: %v", e.tc.Key, symbol, lev, err)
		if current > 0 {
			lev = current
		} else {
			lev = e.cfg.LeverageDefault
		}
	}
	return lev, price * qty / float64(lev)
}

// submit sends the order, handling reversals and the retry ladder. An
// insufficient-margin rejection halves the size and retries; any other
// rejection retries after a backoff. Returns the contracts actually
// submitted.
func (e *Engine) submit(ctx context.Context, symbol string, side exchange.PositionSide, contracts float64, spec contract.Spec, tradeType trading.TradeType, pos *exchange.Position) (float64, error) {
	if tradeType == trading.TradeReverse && pos != nil {
		closeReq := exchange.OrderRequest{
			Symbol:     symbol,
			Side:       exchange.SideFor(pos.Side.Opposite()),
			Contracts:  pos.Contracts,
			ReduceOnly: true,
		}
		if _, err := e.tc.Exchange.SubmitOrder(ctx, closeReq); err != nil {
			return 0, fmt.Errorf("reversal close %s: %w", symbol, err)
		}
		monitor.OrderSubmitted(e.tc.Key, "close")
		e.sleep(e.reversalDelay)
	}

	for attempt := 1; ; attempt++ {
		req := exchange.OrderRequest{
			Symbol:    symbol,
			Side:      exchange.SideFor(side),
			Contracts: contracts,
			ClientID:  newClientID(),
		}
		_, err := e.tc.Exchange.SubmitOrder(ctx, req)
		if err == nil {
			return contracts, nil
		}
		if attempt >= maxSubmitAttempts {
			return 0, fmt.Errorf("submit %s after %d attempts: %w", symbol, attempt, err)
		}
		if errors.Is(err, exchange.ErrInsufficientMargin) {
			shrunk := spec.RoundContracts(contracts/2, true)
			if shrunk <= 0 || shrunk >= contracts || (spec.MinContracts > 0 && shrunk < spec.MinContracts) {
				return 0, fmt.Errorf("submit %s: %w, no viable smaller size", symbol, err)
			}
			log.Printf("[Execution] %s %s: margin rejection, shrinking %.4f -> %.4f contracts",
				e.tc.Key, symbol, contracts, shrunk)
			contracts = shrunk
			e.sleep(e.shrinkDelay)
			continue
		}
		log.Printf("[Execution] %s %s: submit failed (attempt %d): %v", e.tc.Key, symbol, attempt, err)
		e.sleep(e.retryBackoff)
	}
}

// newClientID issues an idempotency key the venue accepts as clOrdId
// (alphanumeric, at most 32 characters).
func newClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *Engine) refreshPosition(ctx context.Context, symbol string) {
	pos, err := e.tc.Exchange.FetchPosition(ctx, symbol)
	if err != nil {
		log.Printf("[Execution] %s %s: position refresh failed: %v", e.tc.Key, symbol, err)
		return
	}
	e.tc.SetPosition(symbol, pos)
}
