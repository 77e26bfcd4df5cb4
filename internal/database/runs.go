package database

import (
	"database/sql"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05"

// StartRun records the beginning of an ingest run.
func (db *DB) StartRun(id string, startYear, endYear int) error {
	_, err := db.conn.Exec(
		`INSERT INTO ingest_runs (id, started_at, start_year, end_year) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC().Format(timestampLayout), startYear, endYear,
	)
	return err
}

// FinishRun stores the outcome counters of a run.
func (db *DB) FinishRun(id string, rowsWritten, yearsOK, yearsEmpty, yearsFailed int) error {
	_, err := db.conn.Exec(
		`UPDATE ingest_runs
		SET finished_at = ?, rows_written = ?, years_ok = ?, years_empty = ?, years_failed = ?
		WHERE id = ?`,
		time.Now().UTC().Format(timestampLayout), rowsWritten, yearsOK, yearsEmpty, yearsFailed, id,
	)
	return err
}

// GetLastRun returns the most recently started run, or nil if none.
func (db *DB) GetLastRun() (*IngestRun, error) {
	row := db.conn.QueryRow(
		`SELECT id, started_at, finished_at, start_year, end_year,
		rows_written, years_ok, years_empty, years_failed
		FROM ingest_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	)
	var r IngestRun
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.StartYear, &r.EndYear,
		&r.RowsWritten, &r.YearsOK, &r.YearsEmpty, &r.YearsFailed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
