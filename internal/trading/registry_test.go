package trading

import (
	"context"
	"testing"

	"perptrader/internal/contract"
	"perptrader/internal/decision"
	"perptrader/pkg/exchange"
)

type noopDecider struct{}

func (noopDecider) Decide(ctx context.Context, in decision.Input) (decision.Decision, error) {
	return decision.Fallback(0, "noop"), nil
}

type noopMarkets struct{}

func (noopMarkets) FetchMarket(ctx context.Context, symbol string) (exchange.Market, error) {
	return exchange.Market{ContractSize: 1}, nil
}

func testResolver() *contract.Resolver {
	return contract.NewResolver(noopMarkets{}, nil)
}

func TestRegistryValidateRejectsEmpty(t *testing.T) {
	r := NewRegistry()
	if err := r.Validate(); err == nil {
		t.Fatal("expected error for empty registry")
	}
}

func TestRegistryRejectsDuplicateKeys(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("alpha", "Alpha", "", nil, noopDecider{}, testResolver()); err == nil {
		t.Fatal("expected error for nil adapter")
	}

	adapter := &struct{ exchange.Adapter }{}
	if _, err := r.Create("alpha", "Alpha", "", adapter, noopDecider{}, testResolver()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("alpha", "Alpha again", "", adapter, noopDecider{}, testResolver()); err == nil {
		t.Fatal("expected error for duplicate key")
	}
}

func TestRegistryContextIsolation(t *testing.T) {
	r := NewRegistry()
	adapter := &struct{ exchange.Adapter }{}
	a, _ := r.Create("alpha", "Alpha", "acct-1", adapter, noopDecider{}, testResolver())
	b, _ := r.Create("beta", "Beta", "acct-2", adapter, noopDecider{}, testResolver())

	a.RecordTrade(TradeRecord{Symbol: "ETH-USDT-SWAP", Type: TradeOpen, Side: exchange.PositionLong})
	if _, ok := b.LastTrade("ETH-USDT-SWAP"); ok {
		t.Fatal("trade leaked between contexts")
	}
	if a.Ledger == b.Ledger {
		t.Fatal("contexts must not share a ledger")
	}
}

func TestExecutionLockSharedPerAccount(t *testing.T) {
	r := NewRegistry()
	adapter := &struct{ exchange.Adapter }{}
	r.Create("alpha", "Alpha", "main", adapter, noopDecider{}, testResolver())
	r.Create("beta", "Beta", "main", adapter, noopDecider{}, testResolver())
	r.Create("gamma", "Gamma", "sub", adapter, noopDecider{}, testResolver())

	if r.ExecutionLock("main") != r.ExecutionLock("main") {
		t.Fatal("same account must share one lock")
	}
	if r.ExecutionLock("main") == r.ExecutionLock("sub") {
		t.Fatal("different accounts must not share a lock")
	}
}

func TestTradeHistoryBounded(t *testing.T) {
	c := newContext("k", "K", "k", nil, nil, nil)
	for i := 0; i < maxTradeRecords+10; i++ {
		c.RecordTrade(TradeRecord{Symbol: "X", Type: TradeOpen})
	}
	if got := len(c.Trades("X")); got != maxTradeRecords {
		t.Fatalf("history length = %d, want %d", got, maxTradeRecords)
	}
}
