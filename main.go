package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perptrader/internal/contract"
	"perptrader/internal/decision"
	"perptrader/internal/history"
	"perptrader/internal/market"
	"perptrader/internal/monitor"
	"perptrader/internal/runner"
	"perptrader/internal/trading"
	"perptrader/pkg/config"
	"perptrader/pkg/db"
	"perptrader/pkg/exchange/okx"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := run(); err != nil {
		log.Fatalf("[Main] %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	strategies, err := config.LoadStrategies(cfg.StrategiesFile)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	if len(strategies.Symbols) == 0 {
		return fmt.Errorf("no symbols configured in %s", cfg.StrategiesFile)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store, err := history.NewStore(database, cfg.ArchiveDir)
	if err != nil {
		return err
	}

	minQuantities := make(map[string]float64, len(strategies.Symbols))
	for _, s := range strategies.Symbols {
		minQuantities[s.Symbol] = s.MinQuantity
	}

	registry := trading.NewRegistry()
	var provider market.Provider
	for _, cc := range strategies.EnabledContexts() {
		tc, err := buildContext(registry, cc, minQuantities)
		if err != nil {
			return err
		}
		for _, s := range strategies.Symbols {
			tc.EnsureSymbol(s.Symbol)
		}
		if provider == nil {
			// Quotes are public data; any context's venue client serves.
			provider = &market.TickerProvider{Source: tc.Exchange}
		}
		log.Printf("[Main] context %s ready (account %s)", tc.Key, tc.AccountKey)
	}
	if err := registry.Validate(); err != nil {
		return fmt.Errorf("%w: enable at least one context in %s", err, cfg.StrategiesFile)
	}

	metricsSrv := monitor.Serve(cfg.MetricsAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()
	log.Printf("[Main] metrics on %s/metrics", cfg.MetricsAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &runner.Runner{
		Registry:      registry,
		History:       store,
		Market:        provider,
		Symbols:       strategies.Symbols,
		Period:        time.Duration(cfg.PeriodMinutes) * time.Minute,
		CycleTimeout:  time.Duration(cfg.CycleTimeout) * time.Second,
		Stagger:       time.Duration(cfg.StaggerSeconds) * time.Second,
		MaxConcurrent: cfg.MaxConcurrent,
	}
	return r.Run(ctx)
}

func buildContext(registry *trading.Registry, cc config.ContextConfig, minQuantities map[string]float64) (*trading.Context, error) {
	creds, err := config.VenueCredentials(cc.Key)
	if err != nil {
		return nil, err
	}
	apiKey, err := config.DecisionAPIKey(cc.APIKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", cc.Key, err)
	}

	opts := []okx.Option{okx.WithSimulated(creds.Simulated)}
	if creds.SubAccount != "" {
		opts = append(opts, okx.WithSubAccount(creds.SubAccount))
	}
	adapter := okx.New(creds.APIKey, creds.Secret, creds.Passphrase, opts...)

	decider := &decision.ModelSource{
		BaseURL: cc.BaseURL,
		APIKey:  apiKey,
		Model:   cc.Model,
	}
	resolver := contract.NewResolver(adapter, minQuantities)
	return registry.Create(cc.Key, cc.Display, cc.AccountKey, adapter, decider, resolver)
}
