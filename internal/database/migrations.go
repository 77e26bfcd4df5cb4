package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "ili_data table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS ili_data (
    release_date TEXT,
    region TEXT,
    issue INTEGER,
    epiweek INTEGER,
    lag INTEGER,
    num_ili INTEGER,
    num_patients INTEGER,
    num_providers INTEGER,
    num_age_0 INTEGER,
    num_age_1 INTEGER,
    num_age_2 INTEGER,
    num_age_3 INTEGER,
    num_age_4 INTEGER,
    num_age_5 INTEGER,
    wili REAL,
    ili REAL,
    PRIMARY KEY (region, epiweek)
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "ingest runs, releases, epiweek index",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS ingest_runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    start_year INTEGER NOT NULL,
    end_year INTEGER NOT NULL,
    rows_written INTEGER DEFAULT 0,
    years_ok INTEGER DEFAULT 0,
    years_empty INTEGER DEFAULT 0,
    years_failed INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS releases (
    guid TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    link TEXT,
    published_date TEXT,
    content TEXT,
    content_fetched INTEGER DEFAULT 0,
    feed TEXT,
    collected_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ili_data_epiweek ON ili_data(epiweek);
CREATE INDEX IF NOT EXISTS idx_releases_published ON releases(published_date);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
