package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Lifecycle phases recorded per dispatch.
const (
	PhaseDispatching = "dispatching"
	PhaseSettled     = "settled"
)

// Record is one dispatch-lifecycle row.
type Record struct {
	Seq     int64  // logical clock value, authoritative ordering
	Token   string // dispatch token
	Parent  string // issuing dispatch's token, empty for top-level dispatches
	Event   string // namespaced event name
	Payload string // canonical JSON array of payload arguments
	Phase   string // PhaseDispatching or PhaseSettled
	At      time.Time
	Error   string // settle error message, empty on success
}

// Journal is a durable append-only dispatch log backed by SQLite.
type Journal struct {
	db *sql.DB
}

// Open creates or opens a journal database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode so readers don't block the appending engine
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append inserts a lifecycle row. Duplicate sequence numbers are silently
// ignored so replays of the same engine run stay idempotent.
func (j *Journal) Append(ctx context.Context, rec Record) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO dispatches
		(seq, token, parent, event, payload, phase, at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		rec.Seq,
		rec.Token,
		rec.Parent,
		rec.Event,
		rec.Payload,
		rec.Phase,
		rec.At.UTC().Format(time.RFC3339Nano),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("append dispatch: %w", err)
	}

	return nil
}

// List returns all rows in logical-clock order.
//
// Returns an empty slice (not nil) when the journal holds no rows.
func (j *Journal) List(ctx context.Context) ([]Record, error) {
	return j.list(ctx, `
		SELECT seq, token, parent, event, payload, phase, at, error
		FROM dispatches
		ORDER BY seq ASC
	`)
}

// ListByToken returns the lifecycle rows of a single dispatch in
// logical-clock order.
func (j *Journal) ListByToken(ctx context.Context, token string) ([]Record, error) {
	return j.list(ctx, `
		SELECT seq, token, parent, event, payload, phase, at, error
		FROM dispatches
		WHERE token = ?
		ORDER BY seq ASC
	`, token)
}

// ListByEvent returns all lifecycle rows for an event in logical-clock order.
func (j *Journal) ListByEvent(ctx context.Context, event string) ([]Record, error) {
	return j.list(ctx, `
		SELECT seq, token, parent, event, payload, phase, at, error
		FROM dispatches
		WHERE event = ?
		ORDER BY seq ASC
	`, event)
}

func (j *Journal) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}

	// Return empty slice instead of nil
	if records == nil {
		records = []Record{}
	}

	return records, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var at string
	if err := rows.Scan(
		&rec.Seq,
		&rec.Token,
		&rec.Parent,
		&rec.Event,
		&rec.Payload,
		&rec.Phase,
		&at,
		&rec.Error,
	); err != nil {
		return Record{}, fmt.Errorf("scan dispatch: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Record{}, fmt.Errorf("parse dispatch timestamp %q: %w", at, err)
	}
	rec.At = parsed

	return rec, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}
