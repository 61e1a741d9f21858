package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
// Per-context and per-symbol settings live in the strategies YAML file,
// see LoadStrategies.
type Config struct {
	// Storage
	DBPath     string
	ArchiveDir string

	// Strategy wiring
	StrategiesFile string

	// Observability
	MetricsAddr string

	// Scheduling
	PeriodMinutes  int
	CycleTimeout   int // seconds, per-symbol budget inside a round
	MaxConcurrent  int // parallel symbols per context
	StaggerSeconds int // launch offset between symbols
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:         getEnv("DB_PATH", "./data/trader.db"),
		ArchiveDir:     getEnv("ARCHIVE_DIR", "./data/archive"),
		StrategiesFile: getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9109"),
		PeriodMinutes:  getEnvInt("PERIOD_MINUTES", 5),
		CycleTimeout:   getEnvInt("CYCLE_TIMEOUT_SEC", 60),
		MaxConcurrent:  getEnvInt("MAX_CONCURRENT_SYMBOLS", 4),
		StaggerSeconds: getEnvInt("SYMBOL_STAGGER_SEC", 2),
	}

	if cfg.PeriodMinutes <= 0 {
		return nil, fmt.Errorf("PERIOD_MINUTES must be positive, got %d", cfg.PeriodMinutes)
	}
	if cfg.CycleTimeout <= 0 {
		return nil, fmt.Errorf("CYCLE_TIMEOUT_SEC must be positive, got %d", cfg.CycleTimeout)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return cfg, nil
}

// Credentials holds venue API credentials for one account context.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
	SubAccount string
	Simulated  bool
}

// VenueCredentials resolves credentials for a context key, preferring
// key-scoped variables (OKX_API_KEY_<KEY>) over the shared defaults.
func VenueCredentials(contextKey string) (Credentials, error) {
	suffix := "_" + envKey(contextKey)
	c := Credentials{
		APIKey:     getEnv("OKX_API_KEY"+suffix, os.Getenv("OKX_API_KEY")),
		Secret:     getEnv("OKX_SECRET"+suffix, os.Getenv("OKX_SECRET")),
		Passphrase: getEnv("OKX_PASSPHRASE"+suffix, os.Getenv("OKX_PASSPHRASE")),
		SubAccount: getEnv("OKX_SUBACCOUNT"+suffix, os.Getenv("OKX_SUBACCOUNT")),
		Simulated:  getEnv("OKX_SIMULATED", "false") == "true",
	}
	if c.APIKey == "" || c.Secret == "" || c.Passphrase == "" {
		return Credentials{}, fmt.Errorf("missing OKX credentials for context %q", contextKey)
	}
	return c, nil
}

// DecisionAPIKey resolves the model API key from the environment
// variable named in the strategies file.
func DecisionAPIKey(envName string) (string, error) {
	v := os.Getenv(envName)
	if v == "" {
		return "", fmt.Errorf("decision API key env %s is not set", envName)
	}
	return v, nil
}

// envKey uppercases a context key into an env-var-safe suffix.
func envKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
