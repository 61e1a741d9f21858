// Package ledger keeps the per-symbol signal history: an append-only,
// bounded record of every decision, validated once against a later
// price and summarized into rolling accuracy statistics.
package ledger

import (
	"math"
	"sync"
	"time"

	"perptrader/internal/sizing"
)

// Signal is a trading decision kind.
type Signal string

const (
	SignalBuy   Signal = "BUY"
	SignalSell  Signal = "SELL"
	SignalClose Signal = "CLOSE"
	SignalHold  Signal = "HOLD"
)

// Result of validating a signal against later price action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFail    Result = "fail"
)

const (
	// MaxRecords bounds the per-symbol history.
	MaxRecords = 200

	// HoldTolerancePct is the absolute price move, in percent, inside
	// which a HOLD counts as correct.
	HoldTolerancePct = 0.5
)

// Record is one ledger entry. Validation fields stay nil until the
// record is scored; a scored record is never scored again.
type Record struct {
	Timestamp  time.Time
	Signal     Signal
	Confidence sizing.Confidence
	Leverage   int
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Quantity   float64
	Reason     string
	Executed   bool

	ValidationPrice *float64
	ValidationTime  *time.Time
	PriceChangePct  *float64
	Result          Result
}

func (r *Record) validated() bool { return r.ValidationPrice != nil }

// Ledger holds bounded signal histories keyed by symbol.
type Ledger struct {
	mu      sync.Mutex
	records map[string][]*Record
}

func New() *Ledger {
	return &Ledger{records: make(map[string][]*Record)}
}

// Append adds a record for symbol, evicting the oldest entry once the
// bound is reached.
func (l *Ledger) Append(symbol string, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.records[symbol]
	list = append(list, &rec)
	if len(list) > MaxRecords {
		list = list[len(list)-MaxRecords:]
	}
	l.records[symbol] = list
}

// ValidatePending scores every unvalidated directional or HOLD record
// for symbol against price. Records are scored at most once; CLOSE
// records are never scored. Returns the number of records scored.
func (l *Ledger) ValidatePending(symbol string, price float64, now time.Time) int {
	if price <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	scored := 0
	for _, r := range l.records[symbol] {
		if r.validated() || r.EntryPrice <= 0 {
			continue
		}
		if r.Signal != SignalBuy && r.Signal != SignalSell && r.Signal != SignalHold {
			continue
		}
		change := (price - r.EntryPrice) / r.EntryPrice * 100

		p, ts, ch := price, now, change
		r.ValidationPrice = &p
		r.ValidationTime = &ts
		r.PriceChangePct = &ch
		r.Result = score(r.Signal, change)
		scored++
	}
	return scored
}

func score(sig Signal, changePct float64) Result {
	ok := false
	switch sig {
	case SignalBuy:
		ok = changePct >= 0
	case SignalSell:
		ok = changePct <= 0
	case SignalHold:
		ok = math.Abs(changePct) <= HoldTolerancePct
	}
	if ok {
		return ResultSuccess
	}
	return ResultFail
}

// History returns a copy of the records for symbol, oldest first.
func (l *Ledger) History(symbol string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.records[symbol]
	out := make([]Record, len(list))
	for i, r := range list {
		out[i] = *r
	}
	return out
}

// Len returns the number of records held for symbol.
func (l *Ledger) Len(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records[symbol])
}

// LastStopLevels returns the stop-loss and take-profit from the most
// recent directional record carrying both, or ok=false when none exists.
func (l *Ledger) LastStopLevels(symbol string) (stopLoss, takeProfit float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.records[symbol]
	for i := len(list) - 1; i >= 0; i-- {
		r := list[i]
		if r.Signal != SignalBuy && r.Signal != SignalSell {
			continue
		}
		if r.StopLoss > 0 && r.TakeProfit > 0 {
			return r.StopLoss, r.TakeProfit, true
		}
	}
	return 0, 0, false
}
