package archive

import (
	"database/sql"
)

// Digest is one archived notification.
type Digest struct {
	ID           int64
	CreatorRef   string
	CreatorName  string
	PostID       string
	Title        string
	BodyMarkdown string
	Summary      string
	ImageCount   int
	PublishedAt  string
	Dispatched   bool
	CreatedAt    string
}

// InsertDigest records one digest, replacing any prior record for the same
// creator/post pair.
func (db *DB) InsertDigest(d Digest) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT OR REPLACE INTO digests
		(creator_ref, creator_name, post_id, title, body_markdown, summary, image_count, published_at, dispatched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CreatorRef, d.CreatorName, d.PostID, d.Title, d.BodyMarkdown,
		d.Summary, d.ImageCount, d.PublishedAt, boolToInt(d.Dispatched),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetDigest returns one digest by id, or nil when absent.
func (db *DB) GetDigest(id int64) (*Digest, error) {
	row := db.conn.QueryRow(
		`SELECT id, creator_ref, creator_name, post_id, title, body_markdown,
		        COALESCE(summary, ''), image_count, COALESCE(published_at, ''), dispatched, created_at
		FROM digests WHERE id = ?`, id,
	)
	var d Digest
	var dispatched int
	if err := row.Scan(&d.ID, &d.CreatorRef, &d.CreatorName, &d.PostID, &d.Title,
		&d.BodyMarkdown, &d.Summary, &d.ImageCount, &d.PublishedAt, &dispatched, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.Dispatched = dispatched != 0
	return &d, nil
}

// RecentDigests returns the newest digests, most recent first.
func (db *DB) RecentDigests(limit int) ([]Digest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT id, creator_ref, creator_name, post_id, title, body_markdown,
		        COALESCE(summary, ''), image_count, COALESCE(published_at, ''), dispatched, created_at
		FROM digests ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digests []Digest
	for rows.Next() {
		var d Digest
		var dispatched int
		if err := rows.Scan(&d.ID, &d.CreatorRef, &d.CreatorName, &d.PostID, &d.Title,
			&d.BodyMarkdown, &d.Summary, &d.ImageCount, &d.PublishedAt, &dispatched, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Dispatched = dispatched != 0
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// CreatorCount is a per-creator digest tally for the status command.
type CreatorCount struct {
	CreatorRef  string
	CreatorName string
	Count       int
	LastCreated string
}

// CountsByCreator returns digest tallies grouped by creator.
func (db *DB) CountsByCreator() ([]CreatorCount, error) {
	rows, err := db.conn.Query(
		`SELECT creator_ref, MAX(creator_name), COUNT(*), MAX(created_at)
		FROM digests GROUP BY creator_ref ORDER BY MAX(created_at) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []CreatorCount
	for rows.Next() {
		var c CreatorCount
		if err := rows.Scan(&c.CreatorRef, &c.CreatorName, &c.Count, &c.LastCreated); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
