// Package trading holds the strategy context registry. A context is one
// decision-model-to-account binding with fully isolated state: its own
// venue adapter, decision source, signal ledger, caches, and locks.
// Nothing in the engine is shared between contexts except the execution
// lock of contexts trading the same account.
package trading

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"perptrader/internal/contract"
	"perptrader/internal/decision"
	"perptrader/internal/ledger"
	"perptrader/internal/sizing"
	"perptrader/pkg/exchange"
)

// TradeType classifies an executed entry.
type TradeType string

const (
	TradeOpen    TradeType = "open"
	TradeAdd     TradeType = "add"
	TradeReverse TradeType = "reverse"
)

// maxTradeRecords bounds the per-symbol executed-trade history.
const maxTradeRecords = 100

// TradeRecord is one confirmed execution. Records exist only for
// submissions the venue acknowledged.
type TradeRecord struct {
	ID         string
	Timestamp  time.Time
	Symbol     string
	Type       TradeType
	Side       exchange.PositionSide
	Price      float64
	Quantity   float64
	Contracts  float64
	Leverage   int
	Confidence sizing.Confidence
	Reason     string
}

// Context is one isolated strategy context.
type Context struct {
	Key        string
	Display    string
	AccountKey string

	Exchange  exchange.Adapter
	Decider   decision.Source
	Contracts *contract.Resolver
	Ledger    *ledger.Ledger

	mu        sync.Mutex
	trades    map[string][]TradeRecord
	positions map[string]*exchange.Position
}

func newContext(key, display, accountKey string, adapter exchange.Adapter, decider decision.Source, contracts *contract.Resolver) *Context {
	return &Context{
		Key:        key,
		Display:    display,
		AccountKey: accountKey,
		Exchange:   adapter,
		Decider:    decider,
		Contracts:  contracts,
		Ledger:     ledger.New(),
		trades:     make(map[string][]TradeRecord),
		positions:  make(map[string]*exchange.Position),
	}
}

// EnsureSymbol initializes the per-symbol state slots. Call it once per
// configured symbol at startup so later reads never allocate implicitly.
func (c *Context) EnsureSymbol(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.trades[symbol]; !ok {
		c.trades[symbol] = nil
	}
	if _, ok := c.positions[symbol]; !ok {
		c.positions[symbol] = nil
	}
}

// RecordTrade appends a confirmed execution, assigning it an id, and
// returns the stored record.
func (c *Context) RecordTrade(rec TradeRecord) TradeRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.trades[rec.Symbol], rec)
	if len(list) > maxTradeRecords {
		list = list[len(list)-maxTradeRecords:]
	}
	c.trades[rec.Symbol] = list
	return rec
}

// LastTrade returns the most recent confirmed execution for symbol.
func (c *Context) LastTrade(symbol string) (TradeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.trades[symbol]
	if len(list) == 0 {
		return TradeRecord{}, false
	}
	return list[len(list)-1], true
}

// Trades returns a copy of the executed-trade history for symbol.
func (c *Context) Trades(symbol string) []TradeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TradeRecord, len(c.trades[symbol]))
	copy(out, c.trades[symbol])
	return out
}

// SetPosition caches the latest known position for symbol; nil records
// a flat state.
func (c *Context) SetPosition(symbol string, pos *exchange.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = pos
}

// CachedPosition returns the last cached position for symbol. The cache
// is advisory; execution always refetches before acting.
func (c *Context) CachedPosition(symbol string) *exchange.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[symbol]
}
