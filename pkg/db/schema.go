package db

import "fmt"

const schema = `
CREATE TABLE IF NOT EXISTS balance_history (
    context_key TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    available_balance REAL NOT NULL,
    total_equity REAL NOT NULL,
    unrealized_pnl REAL DEFAULT 0,
    currency TEXT DEFAULT 'USDT',
    PRIMARY KEY (context_key, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_balance_history_ts
    ON balance_history (timestamp);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
