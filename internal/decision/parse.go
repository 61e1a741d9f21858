package decision

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"perptrader/internal/ledger"
	"perptrader/internal/sizing"
)

// flexNumber decodes a numeric field sent as a number, a quoted number,
// or a value with a trailing unit ("2x"). Garbage decodes to zero so a
// bad field degrades the decision instead of rejecting the whole reply.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	s = strings.TrimSuffix(strings.TrimSpace(s), "x")
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexNumber(v)
	return nil
}

// rawDecision mirrors the JSON shape the model is asked to emit.
type rawDecision struct {
	Signal     string     `json:"signal"`
	Confidence string     `json:"confidence"`
	Leverage   flexNumber `json:"leverage"`
	Quantity   flexNumber `json:"quantity"`
	StopLoss   flexNumber `json:"stop_loss"`
	TakeProfit flexNumber `json:"take_profit"`
	Reason     string     `json:"reason"`
}

// Parse extracts a decision from a model reply. The reply may wrap the
// JSON in prose or code fences and may be mildly malformed; repair is
// attempted before giving up. Missing required fields produce the
// fallback HOLD rather than an error.
func Parse(reply string, limits LeverageLimits, price float64) Decision {
	payload := extractJSON(reply)
	if payload == "" {
		return Fallback(price, "no JSON object in model reply")
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		repaired := repairJSON(payload)
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return Fallback(price, "unparseable model reply")
		}
	}

	sig := ledger.Signal(strings.ToUpper(strings.TrimSpace(raw.Signal)))
	switch sig {
	case ledger.SignalBuy, ledger.SignalSell, ledger.SignalClose, ledger.SignalHold:
	default:
		return Fallback(price, "model reply missing signal")
	}
	if strings.TrimSpace(raw.Reason) == "" {
		return Fallback(price, "model reply missing reason")
	}

	stopLoss := float64(raw.StopLoss)
	takeProfit := float64(raw.TakeProfit)
	if sig == ledger.SignalBuy || sig == ledger.SignalSell {
		if stopLoss <= 0 || takeProfit <= 0 {
			return Fallback(price, "model reply missing protective levels")
		}
	}

	return Decision{
		Signal:     sig,
		Confidence: sizing.ParseConfidence(strings.ToUpper(strings.TrimSpace(raw.Confidence))),
		Leverage:   limits.Clamp(int(raw.Leverage)),
		Quantity:   float64(raw.Quantity),
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Reason:     strings.TrimSpace(raw.Reason),
	}
}

// extractJSON returns the outermost {...} span of s, stripping any
// markdown code fences first.
func extractJSON(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

var (
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	singleQuoteRe   = regexp.MustCompile(`'([^']*)'`)
)

// repairJSON fixes the malformations models actually produce: bare
// keys, single-quoted strings, and trailing commas.
func repairJSON(s string) string {
	s = singleQuoteRe.ReplaceAllString(s, `"$1"`)
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	s = trailingCommaRe.ReplaceAllString(s, `$1`)
	return s
}
