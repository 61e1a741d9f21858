package exchange

import "time"

// Side is the order direction on the venue.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Opposite returns the reversed position side.
func (p PositionSide) Opposite() PositionSide {
	if p == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// SideFor maps a position side to the order side that grows it.
func SideFor(p PositionSide) Side {
	if p == PositionLong {
		return SideBuy
	}
	return SideSell
}

// Balance is an account margin snapshot. HasDetail reports whether the
// venue returned the full detail block (equity, frozen, initial margin);
// without it callers must fall back to fraction-based headroom.
type Balance struct {
	Currency      string
	Available     float64
	Equity        float64
	Frozen        float64
	UsedMargin    float64
	UnrealizedPnL float64
	HasDetail     bool
	FetchedAt     time.Time
}

// Position is an open perpetual-swap position.
type Position struct {
	Symbol        string
	Side          PositionSide
	Contracts     float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}

// Market carries the venue's contract metadata for one instrument.
// Step is the explicit amount increment when the venue reports one;
// Precision is the amount precision otherwise (integer decimal places,
// or a fractional value that is itself the step).
type Market struct {
	Symbol       string
	ContractSize float64
	MinContracts float64
	Step         *float64
	Precision    *float64
}

// Ticker is a lightweight last-price quote.
type Ticker struct {
	Symbol    string
	Last      float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	Open24h   float64
	Timestamp time.Time
}

// OrderRequest is a market order in contract units.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Contracts  float64
	ReduceOnly bool
	ClientID   string
}

// OrderResult is the venue acknowledgement for a submitted order.
type OrderResult struct {
	OrderID  string
	ClientID string
}
