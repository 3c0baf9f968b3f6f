// Package journal keeps an append-only SQLite record of lifecycle events
// for later inspection. It is never read back to restore in-memory state.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/forecourt/internal/lifecycle"
	"github.com/banshee-data/forecourt/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var journalLog = monitoring.Component("journal")

// Journal is the SQLite event journal.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Writes come from a single recorder goroutine.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal %s: %w", pragma, err)
		}
	}

	j := &Journal{db: db, path: path}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: closing it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { journalLog("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

// SchemaVersion returns the applied migration version.
func (j *Journal) SchemaVersion() (uint, error) {
	var v uint
	err := j.db.QueryRow("SELECT version FROM schema_migrations LIMIT 1").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Append writes one event.
func (j *Journal) Append(ctx context.Context, ev lifecycle.Event) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events
			(kind, local_id, server_id, class_label, state, at_unix_nanos, dwell_ms, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.LocalID, ev.ServerID.String(), ev.ClassLabel, string(ev.State),
		ev.At.UnixNano(), ev.Dwell.Milliseconds(), ev.Reason,
	)
	if err != nil {
		return fmt.Errorf("append %s event for %s: %w", ev.Kind, ev.LocalID, err)
	}
	return nil
}

// Events returns up to limit events for localID (all vehicles when empty),
// oldest first. A limit of zero or less returns every match.
func (j *Journal) Events(ctx context.Context, localID string, limit int) ([]lifecycle.Event, error) {
	query := `SELECT kind, local_id, server_id, class_label, state, at_unix_nanos, dwell_ms, reason
		FROM lifecycle_events`
	var args []interface{}
	if localID != "" {
		query += ` WHERE local_id = ?`
		args = append(args, localID)
	}
	query += ` ORDER BY event_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		var (
			ev          lifecycle.Event
			kind, state string
			serverID    string
			atNanos     int64
			dwellMillis int64
		)
		if err := rows.Scan(&kind, &ev.LocalID, &serverID, &ev.ClassLabel, &state, &atNanos, &dwellMillis, &ev.Reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = lifecycle.EventKind(kind)
		ev.State = lifecycle.State(state)
		if err := ev.ServerID.UnmarshalText([]byte(serverID)); err != nil {
			return nil, fmt.Errorf("event %s server id: %w", ev.LocalID, err)
		}
		ev.At = time.Unix(0, atNanos).UTC()
		ev.Dwell = time.Duration(dwellMillis) * time.Millisecond
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Count returns the number of journalled events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lifecycle_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
