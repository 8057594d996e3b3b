package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"autopost/internal/item"
	logx "autopost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const itemColumns = `id, owner_id, title, body, image_ref, scheduled_for, status, revision, last_error, created_at, updated_at`

// SQLite is the database-backed Store.
type SQLite struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; it also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &SQLite{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// DB exposes the handle for components that keep their tables in the same file.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) CreateItem(ctx context.Context, it item.ScheduledItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_items(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.OwnerID, it.Title, it.Body, nullStr(it.ImageRef), ms(it.ScheduledFor), string(it.Status),
		it.Revision, nullStr(it.LastError), ms(it.CreatedAt), ms(it.UpdatedAt),
	)
	if err != nil {
		return item.Unavailable("create item", err)
	}
	return nil
}

func (s *SQLite) GetItem(ctx context.Context, id string) (item.ScheduledItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return item.ScheduledItem{}, item.ErrNotFound
	}
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("get item", err)
	}
	return it, nil
}

func (s *SQLite) ListItems(ctx context.Context, ownerID string) ([]item.ScheduledItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items WHERE owner_id = ? ORDER BY scheduled_for ASC, id ASC`, ownerID)
	if err != nil {
		return nil, item.Unavailable("list items", err)
	}
	return collectItems(rows, "list items")
}

func (s *SQLite) ListDue(ctx context.Context, now time.Time, limit int) ([]item.ScheduledItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items
		 WHERE status = ? AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC, id ASC LIMIT ?`,
		string(item.StatusScheduled), ms(now), limit)
	if err != nil {
		return nil, item.Unavailable("list due", err)
	}
	return collectItems(rows, "list due")
}

func (s *SQLite) Reschedule(ctx context.Context, id string, at, now time.Time) (item.ScheduledItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("reschedule", err)
	}
	defer func() { _ = tx.Rollback() }()

	from := item.AllowedFrom(item.OpReschedule)
	args := []any{ms(at), string(item.StatusScheduled), ms(now), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_items
		 SET scheduled_for = ?, status = ?, revision = revision + 1, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("reschedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("reschedule", err)
	}

	it, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM scheduled_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return item.ScheduledItem{}, item.ErrNotFound
	}
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("reschedule", err)
	}
	if n == 0 {
		return item.ScheduledItem{}, fmt.Errorf("%w: reschedule from %s", item.ErrInvalidTransition, it.Status)
	}
	if err := tx.Commit(); err != nil {
		return item.ScheduledItem{}, item.Unavailable("reschedule", err)
	}
	return it, nil
}

func (s *SQLite) TransitionPublished(ctx context.Context, id string, revision int64, postID string, at time.Time) (item.PublishedRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return item.PublishedRecord{}, item.Unavailable("transition published", err)
	}
	defer func() { _ = tx.Rollback() }()

	it, err := takeScheduled(ctx, tx, id, revision)
	if err != nil {
		return item.PublishedRecord{}, err
	}
	rec := item.PublishedRecord{
		ID:             uuid.NewString(),
		OwnerID:        it.OwnerID,
		Title:          it.Title,
		Body:           it.Body,
		ImageRef:       it.ImageRef,
		PlatformPostID: postID,
		PublishedAt:    at.UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO published_records(id, item_id, owner_id, title, body, image_ref, platform_post_id, published_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, it.ID, rec.OwnerID, rec.Title, rec.Body, nullStr(rec.ImageRef), nullStr(rec.PlatformPostID), ms(rec.PublishedAt),
	); err != nil {
		return item.PublishedRecord{}, item.Unavailable("transition published", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO owner_cursors(owner_id, last_processed_at) VALUES(?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET last_processed_at = MAX(last_processed_at, excluded.last_processed_at)`,
		rec.OwnerID, ms(rec.PublishedAt),
	); err != nil {
		return item.PublishedRecord{}, item.Unavailable("transition published", err)
	}
	if err := tx.Commit(); err != nil {
		return item.PublishedRecord{}, item.Unavailable("transition published", err)
	}
	return rec, nil
}

func (s *SQLite) TransitionFailed(ctx context.Context, id string, revision int64, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items
		 SET status = ?, last_error = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND revision = ?`,
		string(item.StatusFailed), nullStr(reason), ms(at), id, string(item.StatusScheduled), revision)
	if err != nil {
		return item.Unavailable("transition failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return item.Unavailable("transition failed", err)
	}
	if n == 0 {
		return item.ErrConflict
	}
	return nil
}

func (s *SQLite) TransitionCancelled(ctx context.Context, id string, revision int64, at time.Time) (item.Draft, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return item.Draft{}, item.Unavailable("transition cancelled", err)
	}
	defer func() { _ = tx.Rollback() }()

	it, err := takeScheduled(ctx, tx, id, revision)
	if err != nil {
		return item.Draft{}, err
	}
	d := item.Draft{
		ID:        uuid.NewString(),
		OwnerID:   it.OwnerID,
		Title:     it.Title,
		Body:      it.Body,
		ImageRef:  it.ImageRef,
		CreatedAt: at.UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO drafts(id, owner_id, title, body, image_ref, created_at) VALUES(?,?,?,?,?,?)`,
		d.ID, d.OwnerID, d.Title, d.Body, nullStr(d.ImageRef), ms(d.CreatedAt),
	); err != nil {
		return item.Draft{}, item.Unavailable("transition cancelled", err)
	}
	if err := tx.Commit(); err != nil {
		return item.Draft{}, item.Unavailable("transition cancelled", err)
	}
	return d, nil
}

// takeScheduled reads and deletes a scheduled item at revision inside tx.
func takeScheduled(ctx context.Context, tx *sql.Tx, id string, revision int64) (item.ScheduledItem, error) {
	it, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM scheduled_items WHERE id = ? AND status = ? AND revision = ?`,
		id, string(item.StatusScheduled), revision))
	if errors.Is(err, sql.ErrNoRows) {
		return item.ScheduledItem{}, item.ErrConflict
	}
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("take item", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scheduled_items WHERE id = ? AND status = ? AND revision = ?`,
		id, string(item.StatusScheduled), revision)
	if err != nil {
		return item.ScheduledItem{}, item.Unavailable("take item", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return item.ScheduledItem{}, item.Unavailable("take item", err)
	} else if n != 1 {
		return item.ScheduledItem{}, item.ErrConflict
	}
	return it, nil
}

func (s *SQLite) ListPublished(ctx context.Context, ownerID string) ([]item.PublishedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, body, image_ref, platform_post_id, published_at
		 FROM published_records WHERE owner_id = ? ORDER BY published_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, item.Unavailable("list published", err)
	}
	defer rows.Close()
	var out []item.PublishedRecord
	for rows.Next() {
		var (
			r             item.PublishedRecord
			img, post     sql.NullString
			publishedAtMS int64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Title, &r.Body, &img, &post, &publishedAtMS); err != nil {
			return nil, item.Unavailable("list published", err)
		}
		r.ImageRef, r.PlatformPostID = img.String, post.String
		r.PublishedAt = fromMS(publishedAtMS)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, item.Unavailable("list published", err)
	}
	return out, nil
}

func (s *SQLite) ListDrafts(ctx context.Context, ownerID string) ([]item.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, body, image_ref, created_at
		 FROM drafts WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, item.Unavailable("list drafts", err)
	}
	defer rows.Close()
	var out []item.Draft
	for rows.Next() {
		var (
			d         item.Draft
			img       sql.NullString
			createdMS int64
		)
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Body, &img, &createdMS); err != nil {
			return nil, item.Unavailable("list drafts", err)
		}
		d.ImageRef = img.String
		d.CreatedAt = fromMS(createdMS)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, item.Unavailable("list drafts", err)
	}
	return out, nil
}

func (s *SQLite) OwnerCursor(ctx context.Context, ownerID string) (time.Time, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT last_processed_at FROM owner_cursors WHERE owner_id = ?`, ownerID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, item.Unavailable("owner cursor", err)
	}
	return fromMS(v), true, nil
}

func (s *SQLite) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms(until),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	if err != nil {
		return item.Unavailable("put dedup", err)
	}
	return nil
}

func (s *SQLite) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, item.Unavailable("get dedup", err)
	}
	return fromMS(v), true, nil
}

func (s *SQLite) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (item.ScheduledItem, error) {
	var (
		it                          item.ScheduledItem
		img, lastErr                sql.NullString
		status                      string
		schedMS, createdMS, updated int64
	)
	if err := r.Scan(&it.ID, &it.OwnerID, &it.Title, &it.Body, &img, &schedMS, &status, &it.Revision, &lastErr, &createdMS, &updated); err != nil {
		return item.ScheduledItem{}, err
	}
	it.ImageRef = img.String
	it.LastError = lastErr.String
	it.Status = item.Status(status)
	if !it.Status.Valid() {
		return item.ScheduledItem{}, fmt.Errorf("item %s: unknown status %q", it.ID, status)
	}
	it.ScheduledFor = fromMS(schedMS)
	it.CreatedAt = fromMS(createdMS)
	it.UpdatedAt = fromMS(updated)
	return it, nil
}

func collectItems(rows *sql.Rows, op string) ([]item.ScheduledItem, error) {
	defer rows.Close()
	var out []item.ScheduledItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, item.Unavailable(op, err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, item.Unavailable(op, err)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
