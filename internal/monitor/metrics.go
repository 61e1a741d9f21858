// Package monitor exposes engine counters over a Prometheus /metrics
// endpoint.
package monitor

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_cycles_total", Help: "Completed symbol cycles."},
		[]string{"context", "symbol"},
	)
	cycleTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_cycle_timeouts_total", Help: "Symbol cycles abandoned on timeout."},
		[]string{"context", "symbol"},
	)
	decisionCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_decision_calls_total", Help: "Decision source invocations."},
		[]string{"context"},
	)
	decisionFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_decision_fallbacks_total", Help: "Decisions degraded to the fallback HOLD."},
		[]string{"context"},
	)
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_signals_total", Help: "Signals recorded, by kind."},
		[]string{"context", "signal"},
	)
	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_submitted_total", Help: "Orders acknowledged by the venue."},
		[]string{"context", "type"},
	)
	ordersSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_suppressed_total", Help: "Intents suppressed before submission."},
		[]string{"context", "reason"},
	)
	marginResizes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_margin_resizes_total", Help: "Orders shrunk to fit verified margin."},
		[]string{"context"},
	)
	equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "trader_equity", Help: "Last observed account equity."},
		[]string{"context"},
	)
)

func init() {
	prometheus.MustRegister(
		cycles, cycleTimeouts,
		decisionCalls, decisionFallbacks,
		signals, ordersSubmitted, ordersSuppressed, marginResizes,
		equity,
	)
}

func CycleDone(contextKey, symbol string) { cycles.WithLabelValues(contextKey, symbol).Inc() }

func CycleTimeout(contextKey, symbol string) {
	cycleTimeouts.WithLabelValues(contextKey, symbol).Inc()
}

func DecisionCall(contextKey string) { decisionCalls.WithLabelValues(contextKey).Inc() }

func DecisionFallback(contextKey string) { decisionFallbacks.WithLabelValues(contextKey).Inc() }

func Signal(contextKey, signal string) { signals.WithLabelValues(contextKey, signal).Inc() }

func OrderSubmitted(contextKey, orderType string) {
	ordersSubmitted.WithLabelValues(contextKey, orderType).Inc()
}

func OrderSuppressed(contextKey, reason string) {
	ordersSuppressed.WithLabelValues(contextKey, reason).Inc()
}

func MarginResize(contextKey string) { marginResizes.WithLabelValues(contextKey).Inc() }

func SetEquity(contextKey string, v float64) { equity.WithLabelValues(contextKey).Set(v) }

// Serve starts the metrics endpoint in the background and returns the
// server for shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Monitor] metrics server: %v", err)
		}
	}()
	return srv
}
