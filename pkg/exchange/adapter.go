package exchange

import (
	"context"
	"errors"
)

// ErrInsufficientMargin is returned by SubmitOrder when the venue rejects
// an order for lack of free margin. Callers match it with errors.Is and
// shrink the order instead of treating the rejection as fatal.
var ErrInsufficientMargin = errors.New("insufficient margin")

// ErrNotFound is returned when the venue has no data for the requested
// instrument or position.
var ErrNotFound = errors.New("not found")

// Adapter is the venue surface the engine trades through. One Adapter
// instance is bound to exactly one account (or sub-account); isolation
// between strategy contexts is achieved by giving each its own Adapter.
type Adapter interface {
	// FetchBalance returns the current margin balance for the account's
	// settlement currency.
	FetchBalance(ctx context.Context) (Balance, error)

	// FetchPosition returns the open position for symbol, or nil when flat.
	FetchPosition(ctx context.Context, symbol string) (*Position, error)

	// FetchMarket returns contract metadata for symbol.
	FetchMarket(ctx context.Context, symbol string) (Market, error)

	// FetchTicker returns the latest quote for symbol.
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)

	// SetLeverage sets cross-margin leverage for symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SubmitOrder places a market order. Insufficient-margin rejections
	// are reported as errors wrapping ErrInsufficientMargin.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}
