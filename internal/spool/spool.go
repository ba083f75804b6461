// Package spool is the device's local persistence: an outbox for telemetry
// produced while the store is unreachable, and a journal of delivered dedup
// keys that lets the uploader skip a remote existence check for records this
// device already delivered.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	record_type TEXT NOT NULL,
	path        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delivered_keys (
	path         TEXT PRIMARY KEY,
	delivered_at INTEGER NOT NULL
);
`

// Record is one spooled telemetry write.
type Record struct {
	ID         int64
	RecordType string
	Path       string
	Payload    map[string]any
	EnqueuedAt time.Time
}

// Spool is a sqlite-backed outbox and delivery journal. Safe for concurrent
// use; the connection pool is capped at one to keep sqlite happy under WAL.
type Spool struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func Open(path string, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Spool{db: db, logger: logger, now: time.Now}
	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init spool schema: %w", err)
	}
	return s, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

// Enqueue appends one record to the outbox.
func (s *Spool) Enqueue(ctx context.Context, recordType, path string, payload map[string]any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal spooled payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox (record_type, path, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		recordType, path, string(encoded), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue record: %w", err)
	}
	return nil
}

// Depth reports the number of records waiting in the outbox.
func (s *Spool) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Drain delivers spooled records in enqueue order. A record is deleted only
// after deliver returns nil; the first delivery error stops the drain,
// leaving that record and everything behind it for the next attempt.
func (s *Spool) Drain(ctx context.Context, deliver func(ctx context.Context, rec Record) error) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_type, path, payload, enqueued_at FROM outbox ORDER BY id`,
	)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}

	var pending []Record
	for rows.Next() {
		var rec Record
		var payload string
		var enqueued int64
		if err := rows.Scan(&rec.ID, &rec.RecordType, &rec.Path, &payload, &enqueued); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("decode spooled payload id=%d: %w", rec.ID, err)
		}
		rec.EnqueuedAt = time.UnixMilli(enqueued)
		pending = append(pending, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}

	delivered := 0
	for _, rec := range pending {
		if err := deliver(ctx, rec); err != nil {
			return delivered, fmt.Errorf("deliver spooled record %s: %w", rec.Path, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, rec.ID); err != nil {
			return delivered, fmt.Errorf("dequeue record %d: %w", rec.ID, err)
		}
		delivered++
	}
	if delivered > 0 {
		s.logger.Info("spool drained", "delivered", delivered)
	}
	return delivered, nil
}

// Seen reports whether a dedup key was already delivered by this device.
// Part of the uploader's journal contract.
func (s *Spool) Seen(path string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM delivered_keys WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query delivered key: %w", err)
	}
	return true, nil
}

// MarkDelivered journals a dedup key after a successful upload.
func (s *Spool) MarkDelivered(path string) error {
	_, err := s.db.Exec(
		`INSERT INTO delivered_keys (path, delivered_at) VALUES (?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal delivered key: %w", err)
	}
	return nil
}

// PruneJournal drops delivered keys older than the retention window. The
// remote existence check stays authoritative, so pruning only costs a remote
// read per pruned key on redelivery.
func (s *Spool) PruneJournal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivered_keys WHERE delivered_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
