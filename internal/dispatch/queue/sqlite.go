package queue

import (
	"context"
	"database/sql"
	"time"

	"autopost/internal/item"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
  item_id    TEXT PRIMARY KEY,
  revision   INTEGER NOT NULL,
  not_before INTEGER NOT NULL,
  attempt    INTEGER NOT NULL DEFAULT 0,
  ready_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_ready ON dispatch_jobs(ready_at);
`

// SQLite keeps jobs in the application database. Times are unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates the jobs table on db if needed. The caller owns db.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (q *SQLite) Put(ctx context.Context, j Job) error {
	nb := j.NotBefore.UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO dispatch_jobs(item_id, revision, not_before, attempt, ready_at) VALUES(?,?,?,0,?)
		 ON CONFLICT(item_id) DO UPDATE SET revision=excluded.revision, not_before=excluded.not_before, attempt=0, ready_at=excluded.ready_at`,
		j.ItemID, j.Revision, nb, nb)
	if err != nil {
		return item.Unavailable("queue put", err)
	}
	return nil
}

func (q *SQLite) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMS := now.UnixMilli()
	rows, err := q.db.QueryContext(ctx,
		`UPDATE dispatch_jobs SET ready_at = ?
		 WHERE item_id IN (
		   SELECT item_id FROM dispatch_jobs WHERE ready_at <= ? ORDER BY ready_at, item_id LIMIT ?
		 )
		 RETURNING item_id, revision, not_before, attempt`,
		now.Add(lease).UnixMilli(), nowMS, limit)
	if err != nil {
		return nil, item.Unavailable("queue claim", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var (
			j  Job
			nb int64
		)
		if err := rows.Scan(&j.ItemID, &j.Revision, &nb, &j.Attempt); err != nil {
			return nil, item.Unavailable("queue claim", err)
		}
		j.NotBefore = time.UnixMilli(nb).UTC()
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, item.Unavailable("queue claim", err)
	}
	sortJobs(out)
	return out, nil
}

func (q *SQLite) Ack(ctx context.Context, itemID string, revision int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE item_id = ? AND revision = ?`, itemID, revision); err != nil {
		return item.Unavailable("queue ack", err)
	}
	return nil
}

func (q *SQLite) Nack(ctx context.Context, j Job, notBefore time.Time) error {
	nb := notBefore.UnixMilli()
	if _, err := q.db.ExecContext(ctx,
		`UPDATE dispatch_jobs SET attempt = attempt + 1, not_before = ?, ready_at = ?
		 WHERE item_id = ? AND revision = ?`, nb, nb, j.ItemID, j.Revision); err != nil {
		return item.Unavailable("queue nack", err)
	}
	return nil
}

func (q *SQLite) Remove(ctx context.Context, itemID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM dispatch_jobs WHERE item_id = ?`, itemID); err != nil {
		return item.Unavailable("queue remove", err)
	}
	return nil
}

func (q *SQLite) NextReady(ctx context.Context) (time.Time, bool, error) {
	var v sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT MIN(ready_at) FROM dispatch_jobs`).Scan(&v); err != nil {
		return time.Time{}, false, item.Unavailable("queue next", err)
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(v.Int64).UTC(), true, nil
}

func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_jobs`).Scan(&n); err != nil {
		return 0, item.Unavailable("queue len", err)
	}
	return n, nil
}

// Close is a no-op: the database belongs to the store.
func (q *SQLite) Close() error { return nil }
