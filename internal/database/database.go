package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path and brings the
// schema up to date. A nil logger discards migration messages.
func Open(dbPath string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(conn, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// newDB wraps an already-migrated connection.
func newDB(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// GetStats returns aggregate counts across all tables.
func (db *DB) GetStats() (*Stats, error) {
	var s Stats
	var minWeek, maxWeek sql.NullInt64
	err := db.conn.QueryRow(
		`SELECT COUNT(*), COUNT(DISTINCT region), MIN(epiweek), MAX(epiweek) FROM ili_data`,
	).Scan(&s.Observations, &s.Regions, &minWeek, &maxWeek)
	if err != nil {
		return nil, fmt.Errorf("counting observations: %w", err)
	}
	s.FirstEpiweek = int(minWeek.Int64)
	s.LastEpiweek = int(maxWeek.Int64)

	if err := db.conn.QueryRow("SELECT COUNT(*) FROM ingest_runs").Scan(&s.Runs); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM releases").Scan(&s.Releases); err != nil {
		return nil, fmt.Errorf("counting releases: %w", err)
	}
	return &s, nil
}
