// Package history persists balance snapshots to SQLite and compacts
// settled days into CSV archives. The write path is idempotent so a
// replayed cycle never duplicates rows.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"perptrader/pkg/db"
)

// timeLayout matches SQLite's datetime() text format; lexicographic
// order equals chronological order.
const timeLayout = "2006-01-02 15:04:05"

const lastArchiveKey = "last_archive_date"

// Snapshot is one balance observation for a context.
type Snapshot struct {
	Timestamp     time.Time
	Available     float64
	Equity        float64
	UnrealizedPnL float64
	Currency      string
}

// Store is the durable balance history.
type Store struct {
	database *db.Database
	archive  *Archiver

	mu           sync.Mutex
	lastArchived string // "2006-01-02" of the newest archived day
}

// NewStore wires the store over an opened database and loads the
// archive high-water mark.
func NewStore(database *db.Database, archiveDir string) (*Store, error) {
	if database == nil || database.DB == nil {
		return nil, errors.New("history: database is not initialized")
	}
	s := &Store{
		database: database,
		archive:  NewArchiver(archiveDir),
	}

	var mark string
	err := database.DB.QueryRow(`SELECT value FROM meta WHERE key = ?`, lastArchiveKey).Scan(&mark)
	switch {
	case err == nil:
		s.lastArchived = mark
	case errors.Is(err, sql.ErrNoRows):
		// fresh database
	default:
		return nil, fmt.Errorf("history: load archive mark: %w", err)
	}
	return s, nil
}

// Append upserts one snapshot. A snapshot with the same context and
// timestamp replaces the earlier row instead of duplicating it.
func (s *Store) Append(contextKey string, snap Snapshot) error {
	if contextKey == "" {
		return errors.New("history: context key is required")
	}
	if snap.Currency == "" {
		snap.Currency = "USDT"
	}
	_, err := s.database.DB.Exec(`
		INSERT INTO balance_history (context_key, timestamp, available_balance, total_equity, unrealized_pnl, currency)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_key, timestamp) DO UPDATE SET
			available_balance = excluded.available_balance,
			total_equity = excluded.total_equity,
			unrealized_pnl = excluded.unrealized_pnl,
			currency = excluded.currency`,
		contextKey, snap.Timestamp.UTC().Format(timeLayout),
		snap.Available, snap.Equity, snap.UnrealizedPnL, snap.Currency)
	if err != nil {
		return fmt.Errorf("history: append snapshot: %w", err)
	}
	return nil
}

// QueryRange returns snapshots for contextKey in [start, end),
// chronological order.
func (s *Store) QueryRange(contextKey string, start, end time.Time) ([]Snapshot, error) {
	rows, err := s.database.DB.Query(`
		SELECT timestamp, available_balance, total_equity, unrealized_pnl, currency
		FROM balance_history
		WHERE context_key = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`,
		contextKey, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("history: query range: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LatestBefore returns the newest snapshot at or before ts, or nil when
// none exists.
func (s *Store) LatestBefore(contextKey string, ts time.Time) (*Snapshot, error) {
	row := s.database.DB.QueryRow(`
		SELECT timestamp, available_balance, total_equity, unrealized_pnl, currency
		FROM balance_history
		WHERE context_key = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1`,
		contextKey, ts.UTC().Format(timeLayout))

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var (
		ts   string
		snap Snapshot
	)
	if err := r.Scan(&ts, &snap.Available, &snap.Equity, &snap.UnrealizedPnL, &snap.Currency); err != nil {
		return Snapshot{}, err
	}
	parsed, err := time.ParseInLocation(timeLayout, ts, time.UTC)
	if err != nil {
		return Snapshot{}, fmt.Errorf("history: bad timestamp %q: %w", ts, err)
	}
	snap.Timestamp = parsed
	return snap, nil
}

// CompactIfNeeded archives yesterday once its day has fully elapsed.
// Safe to call every round; days already past the high-water mark are
// skipped.
func (s *Store) CompactIfNeeded(now time.Time) error {
	yesterday := now.UTC().AddDate(0, 0, -1)
	day := yesterday.Format("2006-01-02")

	s.mu.Lock()
	done := s.lastArchived >= day
	s.mu.Unlock()
	if done {
		return nil
	}
	archived, err := s.Compact(yesterday)
	if err != nil {
		return err
	}
	if archived {
		log.Printf("[History] archived balance snapshots for %s", day)
	}
	return nil
}

// Compact exports every snapshot of the given UTC day to a CSV archive
// and advances the high-water mark. Returns false when the day held no
// rows; the mark is then left untouched so a late write still gets
// archived on a later pass.
func (s *Store) Compact(day time.Time) (bool, error) {
	dayStart := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)
	dayKey := dayStart.Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastArchived >= dayKey {
		return false, nil
	}

	rows, err := s.database.DB.Query(`
		SELECT context_key, timestamp, available_balance, total_equity, unrealized_pnl, currency
		FROM balance_history
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY context_key, timestamp`,
		dayStart.Format(timeLayout), dayEnd.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("history: query day %s: %w", dayKey, err)
	}
	defer rows.Close()

	var entries []ArchiveRow
	for rows.Next() {
		var (
			key  string
			ts   string
			snap Snapshot
		)
		if err := rows.Scan(&key, &ts, &snap.Available, &snap.Equity, &snap.UnrealizedPnL, &snap.Currency); err != nil {
			return false, fmt.Errorf("history: scan day %s: %w", dayKey, err)
		}
		entries = append(entries, ArchiveRow{ContextKey: key, Timestamp: ts, Snapshot: snap})
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	if err := s.archive.WriteDay(dayKey, entries); err != nil {
		return false, err
	}

	if _, err := s.database.DB.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastArchiveKey, dayKey); err != nil {
		return false, fmt.Errorf("history: advance archive mark: %w", err)
	}
	s.lastArchived = dayKey
	return true, nil
}
