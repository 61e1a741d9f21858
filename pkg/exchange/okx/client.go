// Package okx implements the venue adapter over the OKX v5 REST API.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"perptrader/pkg/exchange"
)

const defaultBaseURL = "https://www.okx.com"

// Client is a signed OKX v5 REST client bound to one account or
// sub-account.
type Client struct {
	baseURL    string
	apiKey     string
	secret     string
	passphrase string
	subAccount string
	simulated  bool

	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint (tests, mirrors).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithSubAccount routes requests to a sub-account.
func WithSubAccount(name string) Option {
	return func(c *Client) { c.subAccount = name }
}

// WithSimulated flags requests for OKX demo trading.
func WithSimulated(on bool) Option {
	return func(c *Client) { c.simulated = on }
}

// New builds a client. Ten requests per second with a small burst keeps
// the account far from the venue's per-endpoint limits.
func New(apiKey, secret, passphrase string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse is the OKX envelope: code "0" means success.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// insufficient margin / balance error codes
var marginErrorCodes = map[string]bool{
	"51008": true, // order amount exceeds available balance
	"51119": true, // insufficient margin
	"59200": true, // insufficient account balance
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("okx: rate limit wait: %w", err)
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("okx: marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("okx: build request: %w", err)
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, payload))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	if c.subAccount != "" {
		req.Header.Set("OK-ACCESS-SUBACCOUNT", c.subAccount)
	}
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("okx: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("okx: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("okx: %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("okx: decode envelope: %w", err)
	}
	if envelope.Code != "0" {
		if err := orderError(envelope); err != nil {
			return err
		}
		return fmt.Errorf("okx: %s %s: code %s: %s", method, path, envelope.Code, envelope.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("okx: decode data: %w", err)
		}
	}
	return nil
}

// orderError maps venue rejection codes to sentinel errors, including
// per-order codes nested under a top-level failure.
func orderError(envelope apiResponse) error {
	if marginErrorCodes[envelope.Code] {
		return fmt.Errorf("okx: code %s: %s: %w", envelope.Code, envelope.Msg, exchange.ErrInsufficientMargin)
	}
	// Batch order responses carry the real code per item.
	var items []struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(envelope.Data, &items); err == nil {
		for _, it := range items {
			if marginErrorCodes[it.SCode] {
				return fmt.Errorf("okx: code %s: %s: %w", it.SCode, it.SMsg, exchange.ErrInsufficientMargin)
			}
			if it.SCode != "" && it.SCode != "0" {
				return fmt.Errorf("okx: order rejected, code %s: %s", it.SCode, it.SMsg)
			}
		}
	}
	return nil
}

func (c *Client) sign(timestamp, method, requestPath string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(requestPath))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
