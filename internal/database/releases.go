package database

import (
	"database/sql"
)

// InsertRelease inserts a release entry. Returns true if it was new,
// false if the GUID was already stored.
func (db *DB) InsertRelease(guid, title string, link, publishedDate, content, feed *string) (bool, error) {
	result, err := db.conn.Exec(
		`INSERT OR IGNORE INTO releases (guid, title, link, published_date, content, feed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		guid, title, link, publishedDate, content, feed,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetReleasesNeedingFetch returns releases with a link whose page has not
// been fetched yet.
func (db *DB) GetReleasesNeedingFetch() ([]Release, error) {
	rows, err := db.conn.Query(
		`SELECT guid, title, link, published_date, content, content_fetched, feed, collected_at
		FROM releases WHERE content_fetched = 0 AND link IS NOT NULL AND link != ''
		ORDER BY published_date DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReleases(rows)
}

// UpdateReleaseContent stores fetched page text and marks the release fetched.
func (db *DB) UpdateReleaseContent(guid string, content *string) error {
	_, err := db.conn.Exec(
		"UPDATE releases SET content = ?, content_fetched = 1 WHERE guid = ?",
		content, guid,
	)
	return err
}

// MarkReleaseFetchAttempted marks that we tried to fetch the page.
func (db *DB) MarkReleaseFetchAttempted(guid string) error {
	_, err := db.conn.Exec("UPDATE releases SET content_fetched = 1 WHERE guid = ?", guid)
	return err
}

// GetRecentReleases returns up to limit releases, newest first.
func (db *DB) GetRecentReleases(limit int) ([]Release, error) {
	rows, err := db.conn.Query(
		`SELECT guid, title, link, published_date, content, content_fetched, feed, collected_at
		FROM releases ORDER BY published_date DESC, collected_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReleases(rows)
}

// GetRelease returns a single release by GUID.
func (db *DB) GetRelease(guid string) (*Release, error) {
	rows, err := db.conn.Query(
		`SELECT guid, title, link, published_date, content, content_fetched, feed, collected_at
		FROM releases WHERE guid = ?`, guid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	releases, err := scanReleases(rows)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, nil
	}
	return &releases[0], nil
}

func scanReleases(rows *sql.Rows) ([]Release, error) {
	var releases []Release
	for rows.Next() {
		var r Release
		var fetched int
		if err := rows.Scan(&r.GUID, &r.Title, &r.Link, &r.PublishedDate,
			&r.Content, &fetched, &r.Feed, &r.CollectedAt); err != nil {
			return nil, err
		}
		r.ContentFetched = fetched != 0
		releases = append(releases, r)
	}
	return releases, rows.Err()
}
