// Package contract resolves venue contract metadata into the quantity
// rules the sizing and execution layers depend on: contract size,
// minimum order size, and the amount step used for rounding.
package contract

import (
	"context"
	"log"
	"math"
	"sync"

	"perptrader/pkg/exchange"
)

// Spec is the resolved quantity ruleset for one instrument. All
// quantities in the engine exist in two units: base units (what the
// model reasons about) and contract units (what the venue accepts);
// ContractSize converts between them.
type Spec struct {
	Symbol       string
	ContractSize float64
	MinContracts float64
	MinBaseQty   float64
	step         float64 // 0 when the venue reported no usable granularity
	Fallback     bool    // metadata fetch failed, conservative defaults in use
}

// MarketSource is the metadata side of the venue adapter.
type MarketSource interface {
	FetchMarket(ctx context.Context, symbol string) (exchange.Market, error)
}

// Resolver caches resolved specs per symbol. Resolution never fails:
// when metadata cannot be fetched it falls back to a contract size of 1
// and the configured minimum, logging a warning, so one bad metadata
// call cannot stop the engine.
type Resolver struct {
	source  MarketSource
	minBase map[string]float64 // configured per-symbol minimum base quantity

	mu    sync.RWMutex
	cache map[string]Spec
}

// NewResolver builds a resolver over source. minBase maps symbol to the
// configured minimum base quantity and may be nil.
func NewResolver(source MarketSource, minBase map[string]float64) *Resolver {
	if minBase == nil {
		minBase = map[string]float64{}
	}
	return &Resolver{
		source:  source,
		minBase: minBase,
		cache:   make(map[string]Spec),
	}
}

// Resolve returns the spec for symbol, fetching and caching it on first
// use.
func (r *Resolver) Resolve(ctx context.Context, symbol string) Spec {
	r.mu.RLock()
	spec, ok := r.cache[symbol]
	r.mu.RUnlock()
	if ok {
		return spec
	}

	spec = r.resolve(ctx, symbol)

	r.mu.Lock()
	r.cache[symbol] = spec
	r.mu.Unlock()
	return spec
}

// Invalidate drops the cached spec for symbol so the next Resolve
// refetches it.
func (r *Resolver) Invalidate(symbol string) {
	r.mu.Lock()
	delete(r.cache, symbol)
	r.mu.Unlock()
}

func (r *Resolver) resolve(ctx context.Context, symbol string) Spec {
	configured := r.minBase[symbol]

	m, err := r.source.FetchMarket(ctx, symbol)
	if err != nil {
		log.Printf("[Contract] %s: metadata fetch failed, using fallback spec: %v", symbol, err)
		return fallbackSpec(symbol, configured)
	}

	size := m.ContractSize
	if size <= 0 {
		log.Printf("[Contract] %s: venue reported contract size %v, using fallback spec", symbol, m.ContractSize)
		return fallbackSpec(symbol, configured)
	}

	spec := Spec{
		Symbol:       symbol,
		ContractSize: size,
		step:         deriveStep(m),
	}

	// The effective minimum is the stricter of the venue minimum and the
	// configured base-quantity floor, both expressed in contracts.
	minContracts := m.MinContracts
	if configured > 0 {
		if fromConfig := configured / size; fromConfig > minContracts {
			minContracts = fromConfig
		}
	}
	spec.MinContracts = spec.RoundContracts(minContracts, true)
	spec.MinBaseQty = spec.MinContracts * size
	return spec
}

func fallbackSpec(symbol string, configuredMin float64) Spec {
	if configuredMin < 0 {
		configuredMin = 0
	}
	return Spec{
		Symbol:       symbol,
		ContractSize: 1,
		MinContracts: configuredMin,
		MinBaseQty:   configuredMin,
		Fallback:     true,
	}
}

// deriveStep picks the amount granularity: an explicit increment wins;
// otherwise an integer precision means 10^-p and a fractional precision
// in (0,1) is itself the step.
func deriveStep(m exchange.Market) float64 {
	if m.Step != nil && *m.Step > 0 {
		return *m.Step
	}
	if m.Precision == nil {
		return 0
	}
	p := *m.Precision
	if p > 0 && p < 1 {
		return p
	}
	if p == math.Trunc(p) && p >= 0 {
		return math.Pow(10, -p)
	}
	return 0
}

// Step returns the contract amount granularity, or 0 when unknown.
func (s Spec) Step() float64 { return s.step }

// BaseToContracts converts a base-unit quantity to contract units.
func (s Spec) BaseToContracts(qty float64) float64 {
	if s.ContractSize <= 0 {
		return qty
	}
	return qty / s.ContractSize
}

// ContractsToBase converts a contract-unit quantity to base units.
func (s Spec) ContractsToBase(contracts float64) float64 {
	if s.ContractSize <= 0 {
		return contracts
	}
	return contracts * s.ContractSize
}

// floating point slack when snapping to a step boundary
const stepEpsilon = 1e-9

// RoundContracts snaps a contract quantity to the amount step. With
// roundUp it rounds away from zero so the result never falls below the
// requested amount; otherwise it clamps down to the venue precision.
func (s Spec) RoundContracts(contracts float64, roundUp bool) float64 {
	if contracts <= 0 {
		return 0
	}
	if s.step <= 0 {
		if roundUp {
			return math.Ceil(contracts - stepEpsilon)
		}
		return contracts
	}
	n := contracts / s.step
	if roundUp {
		n = math.Ceil(n - stepEpsilon)
	} else {
		n = math.Floor(n + stepEpsilon)
	}
	return n * s.step
}

// RoundBase snaps a base-unit quantity to the step, via contract units.
func (s Spec) RoundBase(qty float64, roundUp bool) float64 {
	return s.ContractsToBase(s.RoundContracts(s.BaseToContracts(qty), roundUp))
}
