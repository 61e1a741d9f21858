package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"perptrader/internal/contract"
	"perptrader/internal/decision"
	"perptrader/internal/ledger"
	"perptrader/internal/sizing"
	"perptrader/internal/trading"
	"perptrader/pkg/config"
	"perptrader/pkg/exchange"
)

type fakeAdapter struct {
	mu       sync.Mutex
	balance  exchange.Balance
	position *exchange.Position
	market   exchange.Market
	leverage int

	submits  []exchange.OrderRequest
	submitFn func(req exchange.OrderRequest) error
}

func (f *fakeAdapter) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeAdapter) FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.position == nil {
		return nil, nil
	}
	cp := *f.position
	return &cp, nil
}

func (f *fakeAdapter) FetchMarket(ctx context.Context, symbol string) (exchange.Market, error) {
	return f.market, nil
}

func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = leverage
	return nil
}

func (f *fakeAdapter) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(req); err != nil {
			return exchange.OrderResult{}, err
		}
	}
	f.mu.Lock()
	f.submits = append(f.submits, req)
	f.mu.Unlock()
	return exchange.OrderResult{OrderID: "ok"}, nil
}

func (f *fakeAdapter) submitted() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.submits))
	copy(out, f.submits)
	return out
}

// stubDecider satisfies the registry's decider requirement; the
// engine tests drive Apply with explicit decisions instead.
type stubDecider struct{}

func (stubDecider) Decide(ctx context.Context, in decision.Input) (decision.Decision, error) {
	return decision.Decision{}, nil
}

func fptr(v float64) *float64 { return &v }

// ethAdapter returns a fake venue with an ETH-style contract: size
// 0.01, minimum 1 contract, whole-contract step.
func ethAdapter(available float64) *fakeAdapter {
	return &fakeAdapter{
		balance: exchange.Balance{Available: available},
		market: exchange.Market{
			Symbol:       "ETH-USDT-SWAP",
			ContractSize: 0.01,
			MinContracts: 1,
			Precision:    fptr(0),
		},
	}
}

func ethConfig() config.SymbolConfig {
	return config.SymbolConfig{
		Symbol:          "ETH-USDT-SWAP",
		MinQuantity:     0.01,
		LeverageMin:     1,
		LeverageDefault: 2,
		LeverageMax:     3,
	}
}

func newTestEngine(t *testing.T, adapter *fakeAdapter, cfg config.SymbolConfig) (*Engine, *trading.Context) {
	t.Helper()
	reg := trading.NewRegistry()
	resolver := contract.NewResolver(adapter, map[string]float64{cfg.Symbol: cfg.MinQuantity})
	tc, err := reg.Create("test", "Test", "", adapter, stubDecider{}, resolver)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	tc.EnsureSymbol(cfg.Symbol)

	e := New(tc, reg.ExecutionLock(tc.AccountKey), cfg)
	e.sleep = func(time.Duration) {}
	return e, tc
}

func buyHigh(lev int) decision.Decision {
	return decision.Decision{
		Signal:     ledger.SignalBuy,
		Confidence: sizing.High,
		Leverage:   lev,
		StopLoss:   1900,
		TakeProfit: 2150,
		Reason:     "test entry",
	}
}

func TestApplyHoldDoesNothing(t *testing.T) {
	adapter := ethAdapter(1000)
	e, tc := newTestEngine(t, adapter, ethConfig())

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", decision.Fallback(2000, "quiet"), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusHold {
		t.Fatalf("status = %s, want hold", out.Status)
	}
	if len(adapter.submitted()) != 0 {
		t.Fatal("HOLD must not submit orders")
	}
	if _, ok := tc.LastTrade("ETH-USDT-SWAP"); ok {
		t.Fatal("HOLD must not record trades")
	}
}

func TestOpenSizesFromUsableMargin(t *testing.T) {
	adapter := ethAdapter(1000)
	e, tc := newTestEngine(t, adapter, ethConfig())

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status = %s (%s), want executed", out.Status, out.Reason)
	}

	subs := adapter.submitted()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(subs))
	}
	// usable 800, HIGH ratio 0.30 -> 240 margin, at 2x and 2000 -> 24 contracts.
	if math.Abs(subs[0].Contracts-24) > 1e-9 {
		t.Fatalf("contracts = %v, want 24", subs[0].Contracts)
	}
	if subs[0].Side != exchange.SideBuy || subs[0].ReduceOnly {
		t.Fatalf("unexpected request %+v", subs[0])
	}

	trade, ok := tc.LastTrade("ETH-USDT-SWAP")
	if !ok {
		t.Fatal("executed trade not recorded")
	}
	if trade.Type != trading.TradeOpen || trade.Leverage != 2 {
		t.Fatalf("trade = %+v", trade)
	}
	if math.Abs(trade.Quantity-0.24) > 1e-9 {
		t.Fatalf("trade quantity = %v, want 0.24", trade.Quantity)
	}
}

func TestOpenOverridesOutOfBandQuantity(t *testing.T) {
	adapter := ethAdapter(1000)
	e, _ := newTestEngine(t, adapter, ethConfig())

	d := buyHigh(2)
	d.Quantity = 0.50 // far above the 0.24 expectation
	if _, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := adapter.submitted()[0].Contracts; math.Abs(got-24) > 1e-9 {
		t.Fatalf("contracts = %v, want overridden 24", got)
	}
}

func TestOpenAcceptsInBandQuantity(t *testing.T) {
	adapter := ethAdapter(1000)
	e, _ := newTestEngine(t, adapter, ethConfig())

	d := buyHigh(2)
	d.Quantity = 0.26
	if _, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := adapter.submitted()[0].Contracts; math.Abs(got-26) > 1e-9 {
		t.Fatalf("contracts = %v, want proposed 26", got)
	}
}

func TestInsufficientMarginRetryHalves(t *testing.T) {
	adapter := ethAdapter(1000)
	rejections := 1
	adapter.submitFn = func(req exchange.OrderRequest) error {
		if rejections > 0 {
			rejections--
			return fmt.Errorf("order rejected: %w", exchange.ErrInsufficientMargin)
		}
		return nil
	}
	e, _ := newTestEngine(t, adapter, ethConfig())

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status = %s, want executed after shrink", out.Status)
	}
	subs := adapter.submitted()
	if len(subs) != 1 {
		t.Fatalf("acknowledged submissions = %d, want 1", len(subs))
	}
	if math.Abs(subs[0].Contracts-12) > 1e-9 {
		t.Fatalf("retried contracts = %v, want halved 12", subs[0].Contracts)
	}
}

func TestInsufficientMarginAbortsBelowMinimum(t *testing.T) {
	adapter := ethAdapter(1000)
	adapter.market.MinContracts = 20
	adapter.submitFn = func(req exchange.OrderRequest) error {
		return fmt.Errorf("order rejected: %w", exchange.ErrInsufficientMargin)
	}
	e, tc := newTestEngine(t, adapter, ethConfig())

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err == nil || !errors.Is(err, exchange.ErrInsufficientMargin) {
		t.Fatalf("err = %v, want wrapped insufficient margin", err)
	}
	if out.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", out.Status)
	}
	if _, ok := tc.LastTrade("ETH-USDT-SWAP"); ok {
		t.Fatal("failed submission must not record a trade")
	}
}

func TestSubmitStopsAfterSecondRejection(t *testing.T) {
	adapter := ethAdapter(1000)
	attempts := 0
	adapter.submitFn = func(req exchange.OrderRequest) error {
		attempts++
		return errors.New("venue error 50011")
	}
	e, tc := newTestEngine(t, adapter, ethConfig())

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err == nil {
		t.Fatal("persistent rejection must surface an error")
	}
	if out.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", out.Status)
	}
	if attempts != 2 {
		t.Fatalf("submit attempts = %d, want 2", attempts)
	}
	if _, ok := tc.LastTrade("ETH-USDT-SWAP"); ok {
		t.Fatal("failed submission must not record a trade")
	}
}

func TestReversalRequiresHighConfidence(t *testing.T) {
	adapter := ethAdapter(1000)
	adapter.position = &exchange.Position{
		Symbol: "ETH-USDT-SWAP", Side: exchange.PositionLong,
		Contracts: 10, EntryPrice: 1950, Leverage: 2,
	}
	e, _ := newTestEngine(t, adapter, ethConfig())

	d := decision.Decision{
		Signal: ledger.SignalSell, Confidence: sizing.Medium, Leverage: 2,
		StopLoss: 2100, TakeProfit: 1800, Reason: "weakness",
	}
	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusSuppressed {
		t.Fatalf("status = %s, want suppressed", out.Status)
	}
	if len(adapter.submitted()) != 0 {
		t.Fatal("suppressed reversal must not submit")
	}
}

func TestReversalClosesThenOpens(t *testing.T) {
	adapter := ethAdapter(1000)
	adapter.position = &exchange.Position{
		Symbol: "ETH-USDT-SWAP", Side: exchange.PositionLong,
		Contracts: 10, EntryPrice: 1950, Leverage: 2,
	}
	e, tc := newTestEngine(t, adapter, ethConfig())

	d := decision.Decision{
		Signal: ledger.SignalSell, Confidence: sizing.High, Leverage: 2,
		StopLoss: 2100, TakeProfit: 1800, Reason: "trend break",
	}
	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status = %s (%s), want executed", out.Status, out.Reason)
	}

	subs := adapter.submitted()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want close then open", len(subs))
	}
	if !subs[0].ReduceOnly || subs[0].Side != exchange.SideSell || subs[0].Contracts != 10 {
		t.Fatalf("close leg = %+v", subs[0])
	}
	if subs[1].ReduceOnly || subs[1].Side != exchange.SideSell {
		t.Fatalf("open leg = %+v", subs[1])
	}
	trade, _ := tc.LastTrade("ETH-USDT-SWAP")
	if trade.Type != trading.TradeReverse || trade.Side != exchange.PositionShort {
		t.Fatalf("trade = %+v", trade)
	}
}

func TestFirstReversalExecutesInsideCooldown(t *testing.T) {
	adapter := ethAdapter(1000)
	adapter.position = &exchange.Position{
		Symbol: "ETH-USDT-SWAP", Side: exchange.PositionLong,
		Contracts: 10, EntryPrice: 1950, Leverage: 2,
	}
	e, tc := newTestEngine(t, adapter, ethConfig())

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc.RecordTrade(trading.TradeRecord{
		Symbol: "ETH-USDT-SWAP", Type: trading.TradeOpen,
		Side: exchange.PositionLong, Timestamp: start,
	})
	e.now = func() time.Time { return start.Add(10 * time.Minute) }

	sell := decision.Decision{
		Signal: ledger.SignalSell, Confidence: sizing.High, Leverage: 2,
		StopLoss: 2100, TakeProfit: 1800, Reason: "trend break",
	}
	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", sell, 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status = %s (%s), want executed", out.Status, out.Reason)
	}
	if subs := adapter.submitted(); len(subs) != 2 {
		t.Fatalf("submissions = %d, want close then open", len(subs))
	}
}

func TestRepeatReversalSuppressedInsideCooldown(t *testing.T) {
	adapter := ethAdapter(1000)
	adapter.position = &exchange.Position{
		Symbol: "ETH-USDT-SWAP", Side: exchange.PositionLong,
		Contracts: 10, EntryPrice: 1950, Leverage: 2,
	}
	e, tc := newTestEngine(t, adapter, ethConfig())

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc.RecordTrade(trading.TradeRecord{
		Symbol: "ETH-USDT-SWAP", Type: trading.TradeReverse,
		Side: exchange.PositionShort, Timestamp: start,
	})

	sell := decision.Decision{
		Signal: ledger.SignalSell, Confidence: sizing.High, Leverage: 2,
		StopLoss: 2100, TakeProfit: 1800, Reason: "flip again",
	}

	e.now = func() time.Time { return start.Add(10 * time.Minute) }
	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", sell, 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusSuppressed {
		t.Fatalf("status inside cooldown = %s, want suppressed", out.Status)
	}
	if len(adapter.submitted()) != 0 {
		t.Fatal("suppressed repeat reversal must not submit")
	}

	e.now = func() time.Time { return start.Add(ReversalCooldown + time.Minute) }
	out, err = e.Apply(context.Background(), "ETH-USDT-SWAP", sell, 2000)
	if err != nil {
		t.Fatalf("apply after cooldown: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status after cooldown = %s (%s), want executed", out.Status, out.Reason)
	}
}

func TestSameDirectionIgnoresCooldown(t *testing.T) {
	adapter := ethAdapter(1000)
	e, tc := newTestEngine(t, adapter, ethConfig())

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc.RecordTrade(trading.TradeRecord{
		Symbol: "ETH-USDT-SWAP", Type: trading.TradeOpen,
		Side: exchange.PositionLong, Timestamp: start,
	})
	e.now = func() time.Time { return start.Add(time.Minute) }

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status = %s (%s), want executed", out.Status, out.Reason)
	}
}

func TestLowConfidenceEntrySuppressed(t *testing.T) {
	adapter := ethAdapter(1000)
	e, _ := newTestEngine(t, adapter, ethConfig())

	d := buyHigh(2)
	d.Confidence = sizing.Low
	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusSuppressed {
		t.Fatalf("status = %s, want suppressed", out.Status)
	}
}

func TestTestModeNeverSubmits(t *testing.T) {
	adapter := ethAdapter(1000)
	cfg := ethConfig()
	cfg.TestMode = true
	e, tc := newTestEngine(t, adapter, cfg)

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", out.Status)
	}
	if len(adapter.submitted()) != 0 {
		t.Fatal("test mode must not submit")
	}
	if _, ok := tc.LastTrade("ETH-USDT-SWAP"); ok {
		t.Fatal("test mode must not record trades")
	}
}

func TestVerifiedMarginShrinksOrder(t *testing.T) {
	adapter := ethAdapter(1000)
	e, _ := newTestEngine(t, adapter, ethConfig())

	// The settling delay reveals most of the balance is already consumed.
	reads := 0
	e.sleep = func(time.Duration) {
		reads++
		if reads == 1 {
			adapter.mu.Lock()
			adapter.balance.Available = 100
			adapter.mu.Unlock()
		}
	}

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusExecuted {
		t.Fatalf("status = %s (%s), want executed", out.Status, out.Reason)
	}
	// verified usable 80, buffered 76, at 2x and 2000 -> 0.076 -> 7 contracts.
	if got := adapter.submitted()[0].Contracts; math.Abs(got-7) > 1e-9 {
		t.Fatalf("contracts = %v, want shrunk 7", got)
	}
}

func TestVerifiedMarginAbortsSilently(t *testing.T) {
	adapter := ethAdapter(1000)
	e, tc := newTestEngine(t, adapter, ethConfig())

	reads := 0
	e.sleep = func(time.Duration) {
		reads++
		if reads == 1 {
			adapter.mu.Lock()
			adapter.balance.Available = 0.5
			adapter.mu.Unlock()
		}
	}

	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", out.Status)
	}
	if len(adapter.submitted()) != 0 {
		t.Fatal("infeasible order must not be submitted")
	}
	if _, ok := tc.LastTrade("ETH-USDT-SWAP"); ok {
		t.Fatal("aborted order must not record a trade")
	}
}

func TestConcurrentOpensSeeEachOthersMargin(t *testing.T) {
	const price, size, lev = 2000.0, 0.01, 2.0
	adapter := ethAdapter(1000)
	adapter.submitFn = func(req exchange.OrderRequest) error {
		// The fake venue consumes margin on fill. The execution lock
		// serializes fills against balance reads.
		margin := req.Contracts * size * price / lev
		if margin > adapter.balance.Available {
			return exchange.ErrInsufficientMargin
		}
		adapter.balance.Available -= margin
		return nil
	}

	reg := trading.NewRegistry()
	resolver := contract.NewResolver(adapter, nil)
	tc, err := reg.Create("test", "Test", "", adapter, stubDecider{}, resolver)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	lock := reg.ExecutionLock(tc.AccountKey)

	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	for i, symbol := range []string{"ETH-USDT-SWAP", "BTC-USDT-SWAP"} {
		cfg := ethConfig()
		cfg.Symbol = symbol
		e := New(tc, lock, cfg)
		e.sleep = func(time.Duration) {}

		wg.Add(1)
		go func(i int, e *Engine, symbol string) {
			defer wg.Done()
			out, err := e.Apply(context.Background(), symbol, buyHigh(2), price)
			if err != nil {
				t.Errorf("apply %s: %v", symbol, err)
				return
			}
			results[i] = out
		}(i, e, symbol)
	}
	wg.Wait()

	for i, out := range results {
		if out.Status != StatusExecuted {
			t.Fatalf("order %d status = %s (%s), want executed", i, out.Status, out.Reason)
		}
	}
	adapter.mu.Lock()
	remaining := adapter.balance.Available
	adapter.mu.Unlock()
	if remaining < 0 {
		t.Fatalf("venue balance went negative: %v", remaining)
	}
	// The second order must have been sized from the post-fill balance,
	// not the original 1000.
	subs := adapter.submitted()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	if subs[0].Contracts == subs[1].Contracts {
		t.Fatalf("both orders sized identically (%v), second ignored consumed margin", subs[0].Contracts)
	}
}

func TestCheckStops(t *testing.T) {
	tests := []struct {
		name     string
		side     exchange.PositionSide
		levels   bool // record 1900/2200 levels via a BUY signal
		price    float64
		wantTrig string
	}{
		{"long stop hit", exchange.PositionLong, true, 1890, "stop_loss"},
		{"long target hit", exchange.PositionLong, true, 2210, "take_profit"},
		{"long in range", exchange.PositionLong, true, 2050, ""},
		{"long fallback band stop", exchange.PositionLong, false, 1880, "stop_loss"},
		{"short fallback band stop", exchange.PositionShort, false, 2110, "stop_loss"},
		{"short fallback band target", exchange.PositionShort, false, 1890, "take_profit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := ethAdapter(1000)
			adapter.position = &exchange.Position{
				Symbol: "ETH-USDT-SWAP", Side: tt.side,
				Contracts: 10, EntryPrice: 2000, Leverage: 2,
			}
			e, tc := newTestEngine(t, adapter, ethConfig())
			if tt.levels {
				tc.Ledger.Append("ETH-USDT-SWAP", ledger.Record{
					Signal: ledger.SignalBuy, EntryPrice: 2000,
					StopLoss: 1900, TakeProfit: 2200,
				})
			}

			check, err := e.CheckStops(context.Background(), "ETH-USDT-SWAP", tt.price)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if tt.wantTrig == "" {
				if check.Triggered {
					t.Fatalf("unexpected trigger %s", check.TriggerType)
				}
				return
			}
			if !check.Triggered || check.TriggerType != tt.wantTrig {
				t.Fatalf("trigger = (%v, %s), want %s", check.Triggered, check.TriggerType, tt.wantTrig)
			}
			forced := check.ForcedClose()
			if forced.Signal != ledger.SignalClose || forced.Confidence != sizing.High || !forced.Forced {
				t.Fatalf("forced close = %+v", forced)
			}
		})
	}
}

func TestCheckStopsFlatPosition(t *testing.T) {
	adapter := ethAdapter(1000)
	e, _ := newTestEngine(t, adapter, ethConfig())
	check, err := e.CheckStops(context.Background(), "ETH-USDT-SWAP", 2000)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Triggered {
		t.Fatal("flat position must not trigger")
	}
}

func TestCloseWithoutPositionSkips(t *testing.T) {
	adapter := ethAdapter(1000)
	e, _ := newTestEngine(t, adapter, ethConfig())

	d := decision.Decision{Signal: ledger.SignalClose, Confidence: sizing.High, Reason: "exit"}
	out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", out.Status)
	}
}

func TestAddPositionRules(t *testing.T) {
	base := func() *fakeAdapter {
		a := ethAdapter(1000)
		a.position = &exchange.Position{
			Symbol: "ETH-USDT-SWAP", Side: exchange.PositionLong,
			Contracts: 10, EntryPrice: 1950, Leverage: 2,
		}
		return a
	}

	t.Run("disabled add skips", func(t *testing.T) {
		e, _ := newTestEngine(t, base(), ethConfig())
		out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if out.Status != StatusSkipped {
			t.Fatalf("status = %s, want skipped", out.Status)
		}
	})

	t.Run("enabled add executes at high confidence", func(t *testing.T) {
		adapter := base()
		cfg := ethConfig()
		cfg.EnableAddPosition = true
		e, tc := newTestEngine(t, adapter, cfg)

		out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", buyHigh(2), 2000)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if out.Status != StatusExecuted {
			t.Fatalf("status = %s (%s), want executed", out.Status, out.Reason)
		}
		trade, _ := tc.LastTrade("ETH-USDT-SWAP")
		if trade.Type != trading.TradeAdd {
			t.Fatalf("trade type = %s, want add", trade.Type)
		}
	})

	t.Run("medium confidence add suppressed", func(t *testing.T) {
		adapter := base()
		cfg := ethConfig()
		cfg.EnableAddPosition = true
		e, _ := newTestEngine(t, adapter, cfg)

		d := buyHigh(2)
		d.Confidence = sizing.Medium
		out, err := e.Apply(context.Background(), "ETH-USDT-SWAP", d, 2000)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if out.Status != StatusSuppressed {
			t.Fatalf("status = %s, want suppressed", out.Status)
		}
	})
}
