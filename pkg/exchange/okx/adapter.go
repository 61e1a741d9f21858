package okx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"perptrader/pkg/exchange"
)

// Client implements exchange.Adapter.
var _ exchange.Adapter = (*Client)(nil)

// FetchBalance reads the USDT trading balance. The detail block, when
// present, enables the equity-aware margin headroom path.
func (c *Client) FetchBalance(ctx context.Context) (exchange.Balance, error) {
	query := url.Values{"ccy": {"USDT"}}
	var data []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy       string `json:"ccy"`
			AvailBal  string `json:"availBal"`
			Eq        string `json:"eq"`
			FrozenBal string `json:"frozenBal"`
			Imr       string `json:"imr"`
			Upl       string `json:"upl"`
		} `json:"details"`
	}
	if err := c.do(ctx, "GET", "/api/v5/account/balance", query, nil, &data); err != nil {
		return exchange.Balance{}, err
	}
	if len(data) == 0 {
		return exchange.Balance{}, fmt.Errorf("okx: empty balance response")
	}

	bal := exchange.Balance{Currency: "USDT", FetchedAt: time.Now()}
	for _, d := range data[0].Details {
		if d.Ccy != "USDT" {
			continue
		}
		bal.Available = parseFloat(d.AvailBal)
		bal.Equity = parseFloat(d.Eq)
		bal.Frozen = parseFloat(d.FrozenBal)
		bal.UsedMargin = parseFloat(d.Imr)
		bal.UnrealizedPnL = parseFloat(d.Upl)
		bal.HasDetail = d.Eq != "" && d.Imr != ""
		return bal, nil
	}
	// No USDT detail row: fall back to the account total.
	bal.Equity = parseFloat(data[0].TotalEq)
	return bal, nil
}

// FetchPosition returns the open swap position for instId, nil when flat.
func (c *Client) FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	query := url.Values{"instType": {"SWAP"}, "instId": {symbol}}
	var data []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		MarkPx   string `json:"markPx"`
		Lever    string `json:"lever"`
		Upl      string `json:"upl"`
	}
	if err := c.do(ctx, "GET", "/api/v5/account/positions", query, nil, &data); err != nil {
		return nil, err
	}

	for _, d := range data {
		contracts := parseFloat(d.Pos)
		if contracts == 0 {
			continue
		}
		side := exchange.PositionLong
		// In net mode posSide is "net" and direction rides on the sign.
		if d.PosSide == "short" || contracts < 0 {
			side = exchange.PositionShort
			if contracts < 0 {
				contracts = -contracts
			}
		}
		return &exchange.Position{
			Symbol:        d.InstID,
			Side:          side,
			Contracts:     contracts,
			EntryPrice:    parseFloat(d.AvgPx),
			MarkPrice:     parseFloat(d.MarkPx),
			Leverage:      int(parseFloat(d.Lever)),
			UnrealizedPnL: parseFloat(d.Upl),
		}, nil
	}
	return nil, nil
}

// FetchMarket reads the instrument definition for a swap.
func (c *Client) FetchMarket(ctx context.Context, symbol string) (exchange.Market, error) {
	query := url.Values{"instType": {"SWAP"}, "instId": {symbol}}
	var data []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		MinSz  string `json:"minSz"`
		LotSz  string `json:"lotSz"`
	}
	if err := c.do(ctx, "GET", "/api/v5/public/instruments", query, nil, &data); err != nil {
		return exchange.Market{}, err
	}
	if len(data) == 0 {
		return exchange.Market{}, fmt.Errorf("okx: instrument %s: %w", symbol, exchange.ErrNotFound)
	}

	m := exchange.Market{
		Symbol:       data[0].InstID,
		ContractSize: parseFloat(data[0].CtVal),
		MinContracts: parseFloat(data[0].MinSz),
	}
	if lot := parseFloat(data[0].LotSz); lot > 0 {
		m.Step = &lot
	}
	return m, nil
}

// FetchTicker reads the latest quote.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	query := url.Values{"instId": {symbol}}
	var data []struct {
		InstID  string `json:"instId"`
		Last    string `json:"last"`
		High24h string `json:"high24h"`
		Low24h  string `json:"low24h"`
		Open24h string `json:"open24h"`
		Vol24h  string `json:"vol24h"`
		Ts      string `json:"ts"`
	}
	if err := c.do(ctx, "GET", "/api/v5/market/ticker", query, nil, &data); err != nil {
		return exchange.Ticker{}, err
	}
	if len(data) == 0 {
		return exchange.Ticker{}, fmt.Errorf("okx: ticker %s: %w", symbol, exchange.ErrNotFound)
	}

	t := exchange.Ticker{
		Symbol:    data[0].InstID,
		Last:      parseFloat(data[0].Last),
		High24h:   parseFloat(data[0].High24h),
		Low24h:    parseFloat(data[0].Low24h),
		Open24h:   parseFloat(data[0].Open24h),
		Volume24h: parseFloat(data[0].Vol24h),
	}
	if ms := parseFloat(data[0].Ts); ms > 0 {
		t.Timestamp = time.UnixMilli(int64(ms))
	}
	return t, nil
}

// SetLeverage sets cross-margin leverage for the instrument.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"instId":  symbol,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	return c.do(ctx, "POST", "/api/v5/account/set-leverage", nil, body, nil)
}

// SubmitOrder places a cross-margin market order in contract units.
func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	body := map[string]any{
		"instId":  req.Symbol,
		"tdMode":  "cross",
		"side":    string(req.Side),
		"ordType": "market",
		"sz":      strconv.FormatFloat(req.Contracts, 'f', -1, 64),
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.ClientID != "" {
		body["clOrdId"] = req.ClientID
	}

	var data []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}
	if err := c.do(ctx, "POST", "/api/v5/trade/order", nil, body, &data); err != nil {
		return exchange.OrderResult{}, err
	}
	if len(data) == 0 {
		return exchange.OrderResult{}, fmt.Errorf("okx: empty order response")
	}
	if data[0].SCode != "" && data[0].SCode != "0" {
		if marginErrorCodes[data[0].SCode] {
			return exchange.OrderResult{}, fmt.Errorf("okx: code %s: %s: %w",
				data[0].SCode, data[0].SMsg, exchange.ErrInsufficientMargin)
		}
		return exchange.OrderResult{}, fmt.Errorf("okx: order rejected, code %s: %s", data[0].SCode, data[0].SMsg)
	}
	return exchange.OrderResult{OrderID: data[0].OrdID, ClientID: data[0].ClOrdID}, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
