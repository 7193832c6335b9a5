package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/pkg/exchange"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

type sqliteBackend struct {
	db   *sql.DB
	opts Options
	log  logger.Logger
}

// NewSQLite opens a SQLite database at opts.Path.
func NewSQLite(opts Options, log logger.Logger) (Backend, error) {
	path := opts.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	b := &sqliteBackend{db: db, opts: opts, log: log}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqliteBackend) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS exchanges (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    timestamp_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    path TEXT,
    status INTEGER,
    duration_ms INTEGER,
    payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_ts ON exchanges(timestamp_ns);
`
	_, err := b.db.Exec(schema)
	return err
}

func (b *sqliteBackend) Store(entry *exchange.Entry) (err error) {
	if entry == nil || entry.ID() == "" {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", entry.ID(), err)
	}

	ctx := context.Background()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			b.log.Warn("Storage write failed", "id", entry.ID(), "error", err)
		}
	}()

	upsert := `INSERT INTO exchanges (id, timestamp_ns, method, path, status, duration_ms, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            timestamp_ns = excluded.timestamp_ns,
            method = excluded.method,
            path = excluded.path,
            status = excluded.status,
            duration_ms = excluded.duration_ms,
            payload = excluded.payload`
	if _, err = tx.ExecContext(ctx, upsert,
		entry.ID(),
		entry.Exchange.Timestamp.UTC().UnixNano(),
		entry.Exchange.Method,
		entry.Exchange.Path,
		entry.Status(),
		entry.DurationMs,
		string(payload),
	); err != nil {
		return fmt.Errorf("%w: upsert exchange: %v", ErrWriteFailed, err)
	}

	if err = b.prune(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (b *sqliteBackend) prune(ctx context.Context, tx *sql.Tx) error {
	if b.opts.MaxAge > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM exchanges WHERE timestamp_ns < ?", b.cutoff()); err != nil {
			return fmt.Errorf("prune by age: %w", err)
		}
	}
	if b.opts.MaxEntries > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM exchanges").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - b.opts.MaxEntries; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM exchanges WHERE seq IN (SELECT seq FROM exchanges ORDER BY seq ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max entries: %w", err)
			}
		}
	}
	return nil
}

// cutoff returns the oldest capture time still visible, in unix nanoseconds.
func (b *sqliteBackend) cutoff() int64 {
	if b.opts.MaxAge <= 0 {
		return math.MinInt64
	}
	return b.opts.now().Add(-b.opts.MaxAge).UTC().UnixNano()
}

func (b *sqliteBackend) Get(id string) (*exchange.Entry, error) {
	row := b.db.QueryRowContext(context.Background(),
		"SELECT payload FROM exchanges WHERE id = ? AND timestamp_ns >= ?", id, b.cutoff())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *sqliteBackend) List() ([]*exchange.Entry, error) {
	return b.Recent(0)
}

func (b *sqliteBackend) Recent(limit int) ([]*exchange.Entry, error) {
	query := "SELECT payload FROM exchanges WHERE timestamp_ns >= ? ORDER BY seq DESC"
	args := []interface{}{b.cutoff()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*exchange.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			b.log.Warn("Skipping undecodable entry", "error", err)
			continue
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (b *sqliteBackend) Delete(id string) (bool, error) {
	res, err := b.db.ExecContext(context.Background(), "DELETE FROM exchanges WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *sqliteBackend) Clear() error {
	if _, err := b.db.ExecContext(context.Background(), "DELETE FROM exchanges"); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (b *sqliteBackend) Count() int {
	var count int
	if err := b.db.QueryRowContext(context.Background(),
		"SELECT COUNT(1) FROM exchanges WHERE timestamp_ns >= ?", b.cutoff()).Scan(&count); err != nil {
		b.log.Warn("Failed to count exchanges", "error", err)
		return 0
	}
	return count
}

func (b *sqliteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}) (*exchange.Entry, error) {
	var payload string
	if err := scanner.Scan(&payload); err != nil {
		return nil, err
	}
	var entry exchange.Entry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}
