package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const observationColumns = `release_date, region, issue, epiweek, lag, num_ili, num_patients,
	num_providers, num_age_0, num_age_1, num_age_2, num_age_3,
	num_age_4, num_age_5, wili, ili`

const upsertObservationSQL = `INSERT OR REPLACE INTO ili_data (` + observationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (o *Observation) args() []any {
	return []any{
		o.ReleaseDate, o.Region, o.Issue, o.Epiweek, o.Lag,
		o.NumILI, o.NumPatients, o.NumProviders,
		o.NumAge0, o.NumAge1, o.NumAge2, o.NumAge3, o.NumAge4, o.NumAge5,
		o.WILI, o.ILI,
	}
}

// UpsertObservations writes observations with replace-on-conflict semantics
// on (region, epiweek) inside a single transaction. Either all rows are
// committed or none are. Returns the number of rows written.
func (db *DB) UpsertObservations(ctx context.Context, obs []Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertObservationSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for i := range obs {
		if _, err := stmt.ExecContext(ctx, obs[i].args()...); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("upserting %s: %w", describe(&obs[i]), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return len(obs), nil
}

func describe(o *Observation) string {
	region, week := "?", "?"
	if o.Region != nil {
		region = *o.Region
	}
	if o.Epiweek != nil {
		week = fmt.Sprintf("%d", *o.Epiweek)
	}
	return region + "/" + week
}

// GetObservation returns the stored row for a key, or nil if absent.
func (db *DB) GetObservation(region string, epiweek int) (*Observation, error) {
	row := db.conn.QueryRow(
		`SELECT `+observationColumns+` FROM ili_data WHERE region = ? AND epiweek = ?`,
		region, epiweek,
	)
	o, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetObservationsForWeek returns every region's row for one epiweek, highest
// ILI first. Rows without an ILI value sort last. Legacy files may hold rows
// with a NULL region; those are left out.
func (db *DB) GetObservationsForWeek(epiweek int) ([]Observation, error) {
	rows, err := db.conn.Query(
		`SELECT `+observationColumns+` FROM ili_data WHERE epiweek = ? AND region IS NOT NULL
		ORDER BY ili IS NULL, ili DESC, region`, epiweek,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CountObservations returns the number of rows with epiweek in [start, end].
func (db *DB) CountObservations(start, end int) (int, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM ili_data WHERE epiweek BETWEEN ? AND ?", start, end,
	).Scan(&n)
	return n, err
}

// LatestEpiweek returns the most recent stored epiweek, or 0 when empty.
func (db *DB) LatestEpiweek() (int, error) {
	var w sql.NullInt64
	if err := db.conn.QueryRow("SELECT MAX(epiweek) FROM ili_data").Scan(&w); err != nil {
		return 0, err
	}
	return int(w.Int64), nil
}

// GetAvailableWeeks returns the distinct stored epiweeks in ascending order.
func (db *DB) GetAvailableWeeks() ([]int, error) {
	rows, err := db.conn.Query("SELECT DISTINCT epiweek FROM ili_data WHERE epiweek IS NOT NULL ORDER BY epiweek")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	weeks := []int{}
	for rows.Next() {
		var w int
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		weeks = append(weeks, w)
	}
	return weeks, rows.Err()
}

// GetLatestILIByRegion returns, for each region, the ILI at the most recent
// epiweek not after week.
func (db *DB) GetLatestILIByRegion(week int) ([]RegionValue, error) {
	rows, err := db.conn.Query(
		`SELECT d.region, d.epiweek, d.ili
		FROM ili_data d
		JOIN (
			SELECT region, MAX(epiweek) AS epiweek
			FROM ili_data
			WHERE epiweek <= ?
			GROUP BY region
		) latest
		ON d.region = latest.region
		AND d.epiweek = latest.epiweek
		ORDER BY d.region`, week,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRegionValues(rows)
}

// GetSeries returns the ILI values of the given regions (matched without
// regard to case) with epiweek in [from, to], ordered by epiweek.
func (db *DB) GetSeries(regions []string, from, to int) ([]RegionValue, error) {
	if len(regions) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(regions))
	args := make([]any, 0, len(regions)+2)
	for i, r := range regions {
		placeholders[i] = "?"
		args = append(args, strings.ToLower(r))
	}
	args = append(args, from, to)

	rows, err := db.conn.Query(
		`SELECT lower(region), epiweek, ili FROM ili_data
		WHERE lower(region) IN (`+strings.Join(placeholders, ",")+`)
		AND epiweek BETWEEN ? AND ?
		ORDER BY epiweek, region`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRegionValues(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(s scanner) (*Observation, error) {
	var o Observation
	if err := s.Scan(&o.ReleaseDate, &o.Region, &o.Issue, &o.Epiweek, &o.Lag,
		&o.NumILI, &o.NumPatients, &o.NumProviders,
		&o.NumAge0, &o.NumAge1, &o.NumAge2, &o.NumAge3, &o.NumAge4, &o.NumAge5,
		&o.WILI, &o.ILI); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanRegionValues(rows *sql.Rows) ([]RegionValue, error) {
	var out []RegionValue
	for rows.Next() {
		var v RegionValue
		if err := rows.Scan(&v.Region, &v.Epiweek, &v.ILI); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
