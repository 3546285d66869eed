package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/onionproxy/internal/model"
)

// FileName is the journal file inside the data directory.
const FileName = "events.db"

// ErrNotFound is returned when the journal file does not exist and
// CreateIfNotExists is false.
var ErrNotFound = errors.New("event journal not found")

// EventDB stores proxy lifecycle events.
//
// Design decision: The `run` command writes and the `status` command reads
// the same file from another process. WAL mode lets status read while run
// is writing.
type EventDB struct {
	db     *sql.DB
	dbPath string
}

// Options configures EventDB behavior.
type Options struct {
	// CreateIfNotExists creates the directory and database file if missing.
	// The status command opens with false so that it never creates a
	// journal as a side effect.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the options used by the run command.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the journal in dbDir.
func Open(dbDir string, opts Options) (*EventDB, error) {
	dbPath := filepath.Join(dbDir, FileName)

	var dsn string
	if opts.CreateIfNotExists {
		if err := os.MkdirAll(dbDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + "?mode=rwc"
	} else {
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
		dsn = dbPath + "?mode=rw"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	edb := &EventDB{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := edb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return edb, nil
}

// Path returns the database file path.
func (edb *EventDB) Path() string {
	return edb.dbPath
}

// Close closes the database connection.
func (edb *EventDB) Close() error {
	return edb.db.Close()
}

// createTables creates the schema if it is missing. It is idempotent.
func (edb *EventDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		state TEXT NOT NULL,
		message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := edb.db.ExecContext(context.Background(), schema)
	return err
}

// RecordEvent appends ev to the journal.
func (edb *EventDB) RecordEvent(ctx context.Context, ev model.Event) error {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := edb.db.ExecContext(ctx,
		`INSERT INTO events (timestamp, state, message) VALUES (?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), ev.State.String(), ev.Message)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A limit of zero or
// less returns every event.
func (edb *EventDB) Recent(ctx context.Context, limit int) ([]model.Event, error) {
	query := `SELECT id, timestamp, state, message FROM events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := edb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			ev        model.Event
			timestamp string
			state     string
			message   sql.NullString
		)
		if err := rows.Scan(&ev.ID, &timestamp, &state, &message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Time = parseTimestamp(timestamp)
		if ev.State, err = model.ParseState(state); err != nil {
			return nil, err
		}
		ev.Message = message.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes all but the newest keep events and returns how many rows
// were removed.
func (edb *EventDB) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := edb.db.ExecContext(ctx,
		`DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// timestampFormats lists the formats found in the timestamp column. Rows
// written by RecordEvent use RFC3339Nano; the SQLite format covers rows
// inserted by hand with CURRENT_TIMESTAMP.
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// parseTimestamp tries each of timestampFormats and returns the zero time
// when none match.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
