// Package sizing turns an account balance into a feasibility matrix of
// margin-safe position sizes across confidence levels and leverage
// tiers, and validates model-proposed quantities against it.
package sizing

import (
	"fmt"
	"math"
	"sort"

	"perptrader/internal/contract"
	"perptrader/pkg/exchange"
)

// Confidence is the decision source's conviction level.
type Confidence string

const (
	High   Confidence = "HIGH"
	Medium Confidence = "MEDIUM"
	Low    Confidence = "LOW"
)

// ParseConfidence normalizes a raw confidence string, defaulting to Low.
func ParseConfidence(raw string) Confidence {
	switch Confidence(raw) {
	case High:
		return High
	case Medium:
		return Medium
	default:
		return Low
	}
}

const (
	// UsableFraction of the available balance is exposed to sizing; the
	// rest stays as liquidation buffer.
	UsableFraction = 0.8

	// QuantityBand is the relative tolerance around the matrix quantity
	// inside which a model-proposed quantity is accepted as-is.
	QuantityBand = 0.20

	// MaxTotalMarginRatio caps total initial margin against equity when
	// the venue reports the full balance detail.
	MaxTotalMarginRatio = 0.85

	// MarginSafetyBuffer shaves the computed headroom before any order
	// is sized against it.
	MarginSafetyBuffer = 0.90
)

// ConfidenceRatio returns the fraction of usable margin committed per
// confidence level.
func ConfidenceRatio(c Confidence) float64 {
	switch c {
	case High:
		return 0.30
	case Medium:
		return 0.20
	default:
		return 0.05
	}
}

// UsableMargin computes spendable margin from a balance snapshot. With
// the full detail block it takes the tighter of available balance and
// equity headroom under the total margin cap; otherwise it falls back to
// the plain fraction of available balance.
func UsableMargin(b exchange.Balance) float64 {
	if !b.HasDetail {
		return b.Available * UsableFraction
	}
	headroom := b.Equity*MaxTotalMarginRatio - b.UsedMargin
	usable := math.Min(b.Available, headroom) * MarginSafetyBuffer
	if usable < 0 {
		return 0
	}
	return usable
}

// Key addresses one matrix cell.
type Key struct {
	Confidence Confidence
	Leverage   int
}

// MarshalText renders the key as "HIGH@3x" so a matrix can be
// JSON-encoded when handed to a decision model.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%s@%dx", k.Confidence, k.Leverage)), nil
}

// Cell is one sized candidate position.
type Cell struct {
	Quantity       float64 // base units, step-aligned
	Contracts      float64
	NotionalValue  float64
	RequiredMargin float64 // recomputed from the rounded quantity
	MeetsMinimum   bool
	MeetsMarginCap bool
}

// Feasible reports whether the cell can actually be traded.
func (c Cell) Feasible() bool { return c.MeetsMinimum && c.MeetsMarginCap }

// Matrix is the per-cycle sizing result for one symbol.
type Matrix struct {
	Symbol           string
	Price            float64
	AvailableBalance float64
	UsableMargin     float64
	MinQuantity      float64
	MinContracts     float64
	Cells            map[Key]Cell
}

// CanTrade reports whether at least one cell is feasible. A matrix that
// cannot trade short-circuits the cycle to HOLD before the decision
// source is ever consulted.
func (m Matrix) CanTrade() bool {
	for _, c := range m.Cells {
		if c.Feasible() {
			return true
		}
	}
	return false
}

// Cell looks up the entry for a confidence and leverage, falling back to
// the nearest configured leverage tier when the exact one is absent.
func (m Matrix) Cell(conf Confidence, leverage int) (Cell, bool) {
	if c, ok := m.Cells[Key{conf, leverage}]; ok {
		return c, true
	}
	best, found := Key{}, false
	for k := range m.Cells {
		if k.Confidence != conf {
			continue
		}
		if !found || abs(k.Leverage-leverage) < abs(best.Leverage-leverage) {
			best, found = k, true
		}
	}
	if !found {
		return Cell{}, false
	}
	return m.Cells[best], true
}

// Leverages returns the leverage tiers present in the matrix, ascending.
func (m Matrix) Leverages() []int {
	seen := map[int]bool{}
	for k := range m.Cells {
		seen[k.Leverage] = true
	}
	out := make([]int, 0, len(seen))
	for lv := range seen {
		out = append(out, lv)
	}
	sort.Ints(out)
	return out
}

// BuildMatrix sizes every (confidence, leverage) cell for one symbol.
// available is the venue's free margin and price the current mark.
func BuildMatrix(spec contract.Spec, symbol string, leverages []int, price, available float64) Matrix {
	m := Matrix{
		Symbol:           symbol,
		Price:            price,
		AvailableBalance: available,
		UsableMargin:     available * UsableFraction,
		MinContracts:     spec.MinContracts,
		MinQuantity:      spec.MinBaseQty,
		Cells:            make(map[Key]Cell),
	}
	if price <= 0 || available <= 0 {
		return m
	}

	for _, conf := range []Confidence{High, Medium, Low} {
		ratio := ConfidenceRatio(conf)
		for _, lv := range leverages {
			if lv <= 0 {
				continue
			}
			m.Cells[Key{conf, lv}] = buildCell(spec, price, m.UsableMargin, ratio, lv)
		}
	}
	return m
}

func buildCell(spec contract.Spec, price, usable, ratio float64, leverage int) Cell {
	targetMargin := usable * ratio
	rawQty := targetMargin * float64(leverage) / price
	if spec.MinBaseQty > 0 && rawQty < spec.MinBaseQty {
		rawQty = spec.MinBaseQty
	}

	contracts := spec.BaseToContracts(rawQty)
	if spec.MinContracts > 0 && contracts < spec.MinContracts {
		contracts = spec.MinContracts
	}
	contracts = spec.RoundContracts(contracts, true)
	qty := spec.ContractsToBase(contracts)

	// Rounding up changes the quantity, so the margin is recomputed from
	// the final size rather than carried over from the target.
	required := price * qty / float64(leverage)

	// MeetsMinimum is judged on the final rounded size. A target that had
	// to be clamped up to the venue minimum is still tradable as long as
	// the minimum-size order's margin fits; affordability is the margin
	// cap's job.
	return Cell{
		Quantity:       qty,
		Contracts:      contracts,
		NotionalValue:  price * qty,
		RequiredMargin: required,
		MeetsMinimum:   spec.MinContracts <= 0 || contracts >= spec.MinContracts,
		MeetsMarginCap: required <= usable,
	}
}

// ValidateQuantity checks a model-proposed base quantity against the
// matrix expectation. Outside the tolerance band the matrix value
// overrides the proposal.
func ValidateQuantity(expected, proposed float64) (qty float64, overridden bool) {
	if expected <= 0 {
		return proposed, false
	}
	if proposed <= 0 {
		return expected, true
	}
	low := expected * (1 - QuantityBand)
	high := expected * (1 + QuantityBand)
	if proposed < low || proposed > high {
		return expected, true
	}
	return proposed, false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
