package history

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ArchiveRow is one exported balance row.
type ArchiveRow struct {
	ContextKey string
	Timestamp  string
	Snapshot   Snapshot
}

// Archiver writes per-day CSV exports.
type Archiver struct {
	dir string
}

func NewArchiver(dir string) *Archiver {
	return &Archiver{dir: dir}
}

// Path returns the archive file path for a day key (2006-01-02).
func (a *Archiver) Path(dayKey string) string {
	return filepath.Join(a.dir, "balances-"+dayKey+".csv")
}

// WriteDay exports entries for one day. The file is written atomically
// via a temp file so a crash never leaves a half archive behind.
func (a *Archiver) WriteDay(dayKey string, entries []ArchiveRow) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("history: create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(a.dir, "balances-"+dayKey+"-*.tmp")
	if err != nil {
		return fmt.Errorf("history: create archive temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"context_key", "timestamp", "available_balance", "total_equity", "unrealized_pnl", "currency"}); err != nil {
		tmp.Close()
		return fmt.Errorf("history: write archive header: %w", err)
	}
	for _, e := range entries {
		record := []string{
			e.ContextKey,
			e.Timestamp,
			strconv.FormatFloat(e.Snapshot.Available, 'f', -1, 64),
			strconv.FormatFloat(e.Snapshot.Equity, 'f', -1, 64),
			strconv.FormatFloat(e.Snapshot.UnrealizedPnL, 'f', -1, 64),
			e.Snapshot.Currency,
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return fmt.Errorf("history: write archive row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("history: flush archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: close archive temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.Path(dayKey)); err != nil {
		return fmt.Errorf("history: publish archive: %w", err)
	}
	return nil
}
