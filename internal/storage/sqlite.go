// Package storage persists content, variants and the publish queue in a
// single sqlite database. The queue carries a revision counter bumped on
// every schedule write; writers pass the revision their snapshot was read
// at and get ErrConflict when another writer got there first.
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
	"time"

	_ "modernc.org/sqlite"

	"repost/internal/domain"
	logx "repost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the queue revision moved between snapshot and
	// write-back.
	ErrConflict = errors.New("schedule changed since snapshot")
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- content and variants ---

func (s *Store) SaveContent(ctx context.Context, c *domain.ContentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_items(id, source_url, author_handle, author_name, body, posted_at, discovered_at, status, last_error)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		c.ID, c.SourceURL, c.AuthorHandle, c.AuthorName, c.Text,
		nullTime(c.PostedAt), fmtTime(c.DiscoveredAt), string(c.Status), c.LastError,
	)
	return err
}

func (s *Store) ContentByID(ctx context.Context, id string) (*domain.ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_url, author_handle, author_name, body, posted_at, discovered_at, status, last_error
		 FROM content_items WHERE id = ?`, id)
	return scanContent(row)
}

// HasSourceURL reports whether a discovered post was already ingested.
func (s *Store) HasSourceURL(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM content_items WHERE source_url = ?`, url).Scan(&n)
	return n > 0, err
}

func (s *Store) UpdateContentStatus(ctx context.Context, id string, status domain.ContentStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_items SET status = ?, last_error = ? WHERE id = ?`,
		string(status), lastError, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) SaveVariants(ctx context.Context, vs []*domain.Variant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, v := range vs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variants(id, content_id, ordinal, body, model, status, generated_at, approved_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			v.ID, v.ContentID, v.Ordinal, v.Text, v.Model, string(v.Status),
			fmtTime(v.GeneratedAt), nullTime(v.ApprovedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) VariantsByContent(ctx context.Context, contentID string) ([]*domain.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, ordinal, body, model, status, generated_at, approved_at
		 FROM variants WHERE content_id = ? ORDER BY ordinal`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) VariantByID(ctx context.Context, id string) (*domain.Variant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_id, ordinal, body, model, status, generated_at, approved_at
		 FROM variants WHERE id = ?`, id)
	return scanVariant(row)
}

func (s *Store) VariantByOrdinal(ctx context.Context, contentID string, ordinal int) (*domain.Variant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_id, ordinal, body, model, status, generated_at, approved_at
		 FROM variants WHERE content_id = ? AND ordinal = ?`, contentID, ordinal)
	return scanVariant(row)
}

// --- schedule ---

// Snapshot is the queue state a mutation computes against. Published holds
// only recent items; they constrain spacing and caps but never move.
type Snapshot struct {
	Rev       int64
	Pending   []*domain.ScheduledItem
	Published []*domain.ScheduledItem
}

// ApprovalWrite records variant approval alongside the schedule write that
// created the item, keeping the sibling-rejection invariant transactional.
type ApprovalWrite struct {
	ContentID  string
	VariantID  string
	ApprovedAt time.Time
}

// ScheduleWrite is one transactional write-back of schedule state.
type ScheduleWrite struct {
	// Rev is the revision the snapshot was read at.
	Rev     int64
	Upsert  []*domain.ScheduledItem
	Approve *ApprovalWrite
}

func (s *Store) ScheduleSnapshot(ctx context.Context, publishedSince time.Time) (*Snapshot, error) {
	snap := &Snapshot{}
	if err := s.db.QueryRowContext(ctx, `SELECT rev FROM queue_rev WHERE id = 1`).Scan(&snap.Rev); err != nil {
		return nil, err
	}

	var err error
	snap.Pending, err = s.queryScheduled(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_items WHERE status = ? ORDER BY publish_at`,
		string(domain.SchedulePending))
	if err != nil {
		return nil, err
	}
	snap.Published, err = s.queryScheduled(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_items WHERE status = ? AND publish_at >= ? ORDER BY publish_at`,
		string(domain.SchedulePublished), fmtTime(publishedSince))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) ScheduledByID(ctx context.Context, id string) (*domain.ScheduledItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_items WHERE id = ?`, id)
	it, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// WriteSchedule applies one mutation transactionally: revision check, item
// upserts, optional approval bookkeeping, revision bump.
func (s *Store) WriteSchedule(ctx context.Context, w ScheduleWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT rev FROM queue_rev WHERE id = 1`).Scan(&rev); err != nil {
		return err
	}
	if rev != w.Rev {
		return ErrConflict
	}

	for _, it := range w.Upsert {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduled_items(id, content_id, variant_id, tier, score, publish_at, published_at, status, retries, last_error, unplaceable, approved_at, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			   tier = excluded.tier,
			   score = excluded.score,
			   publish_at = excluded.publish_at,
			   published_at = excluded.published_at,
			   status = excluded.status,
			   retries = excluded.retries,
			   last_error = excluded.last_error,
			   unplaceable = excluded.unplaceable`,
			it.ID, it.ContentID, it.VariantID, string(it.Tier), it.Score,
			fmtTime(it.PublishAt), nullTime(it.PublishedAt), string(it.Status),
			it.Retries, it.LastError, boolInt(it.Unplaceable),
			fmtTime(it.ApprovedAt), fmtTime(it.CreatedAt),
		); err != nil {
			return err
		}
	}

	if a := w.Approve; a != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE variants SET status = ?, approved_at = ? WHERE id = ?`,
			string(domain.VariantApproved), fmtTime(a.ApprovedAt), a.VariantID,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE variants SET status = ? WHERE content_id = ? AND id <> ? AND status = ?`,
			string(domain.VariantRejected), a.ContentID, a.VariantID, string(domain.VariantPending),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_items SET status = ? WHERE id = ?`,
			string(domain.ContentApproved), a.ContentID,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_rev SET rev = rev + 1 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordOutcome persists a publish attempt's result: the item row, the
// variant/content terminal states on success, and the health counters. The
// revision still advances so concurrent reconcilers see the change. The
// update only lands on a still-pending row; an item cancelled between the
// executor's snapshot and this commit keeps its cancelled state and the
// whole outcome is dropped.
func (s *Store) RecordOutcome(ctx context.Context, it *domain.ScheduledItem, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_items SET publish_at = ?, published_at = ?, status = ?, retries = ?, last_error = ? WHERE id = ? AND status = ?`,
		fmtTime(it.PublishAt), nullTime(it.PublishedAt), string(it.Status), it.Retries, it.LastError, it.ID, string(domain.SchedulePending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		s.log.Warn("publish outcome dropped, item no longer pending",
			logx.String("item", it.ID), logx.String("outcome", string(it.Status)))
		return nil
	}

	switch it.Status {
	case domain.SchedulePublished:
		if _, err := tx.ExecContext(ctx,
			`UPDATE variants SET status = ? WHERE id = ?`, string(domain.VariantPublished), it.VariantID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_items SET status = ? WHERE id = ?`, string(domain.ContentPublished), it.ContentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE health SET total_published = total_published + 1, last_success_at = ? WHERE id = 1`,
			fmtTime(at)); err != nil {
			return err
		}
	case domain.ScheduleFailed:
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_items SET status = ?, last_error = ? WHERE id = ?`,
			string(domain.ContentFailed), it.LastError, it.ContentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE health SET total_failed = total_failed + 1, last_failure_at = ? WHERE id = 1`,
			fmtTime(at)); err != nil {
			return err
		}
	default:
		// Deferred retry: only the item row changed.
		if _, err := tx.ExecContext(ctx,
			`UPDATE health SET last_failure_at = ? WHERE id = 1`, fmtTime(at)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_rev SET rev = rev + 1 WHERE id = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// --- health ---

type HealthState struct {
	TotalPublished int64
	TotalFailed    int64
	LastSuccessAt  *time.Time
	LastFailureAt  *time.Time
	LastAlertAt    *time.Time
}

func (s *Store) Health(ctx context.Context) (HealthState, error) {
	var (
		h                          HealthState
		success, failure, alerted  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT total_published, total_failed, last_success_at, last_failure_at, last_alert_at FROM health WHERE id = 1`,
	).Scan(&h.TotalPublished, &h.TotalFailed, &success, &failure, &alerted)
	if err != nil {
		return h, err
	}
	if h.LastSuccessAt, err = parseNullTime(success); err != nil {
		return h, err
	}
	if h.LastFailureAt, err = parseNullTime(failure); err != nil {
		return h, err
	}
	if h.LastAlertAt, err = parseNullTime(alerted); err != nil {
		return h, err
	}
	return h, nil
}

func (s *Store) RecordAlert(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE health SET last_alert_at = ? WHERE id = 1`, fmtTime(at))
	return err
}

// --- audit ---

type AuditEntry struct {
	At     time.Time
	Action string
	ItemID string
	Detail string
}

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, item_id, detail) VALUES(?,?,?,?)`,
		fmtTime(e.At), e.Action, e.ItemID, e.Detail)
	return err
}

// --- scanning helpers ---

const scheduledCols = `id, content_id, variant_id, tier, score, publish_at, published_at, status, retries, last_error, unplaceable, approved_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) queryScheduled(ctx context.Context, query string, args ...any) ([]*domain.ScheduledItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScheduledItem
	for rows.Next() {
		it, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanScheduled(r rowScanner) (*domain.ScheduledItem, error) {
	var (
		it                              domain.ScheduledItem
		tier, status                    string
		publishAt, approvedAt, created  string
		publishedAt                     sql.NullString
		unplaceable                     int
	)
	err := r.Scan(&it.ID, &it.ContentID, &it.VariantID, &tier, &it.Score,
		&publishAt, &publishedAt, &status, &it.Retries, &it.LastError,
		&unplaceable, &approvedAt, &created)
	if err != nil {
		return nil, err
	}
	it.Tier = domain.Tier(tier)
	it.Status = domain.ScheduleStatus(status)
	it.Unplaceable = unplaceable != 0
	if it.PublishAt, err = parseTime(publishAt); err != nil {
		return nil, err
	}
	if it.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return nil, err
	}
	if it.ApprovedAt, err = parseTime(approvedAt); err != nil {
		return nil, err
	}
	if it.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &it, nil
}

func scanContent(r rowScanner) (*domain.ContentItem, error) {
	var (
		c                      domain.ContentItem
		status, discoveredAt   string
		postedAt               sql.NullString
	)
	err := r.Scan(&c.ID, &c.SourceURL, &c.AuthorHandle, &c.AuthorName, &c.Text,
		&postedAt, &discoveredAt, &status, &c.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = domain.ContentStatus(status)
	if c.PostedAt, err = parseNullTime(postedAt); err != nil {
		return nil, err
	}
	if c.DiscoveredAt, err = parseTime(discoveredAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanVariant(r rowScanner) (*domain.Variant, error) {
	var (
		v                     domain.Variant
		status, generatedAt   string
		approvedAt            sql.NullString
	)
	err := r.Scan(&v.ID, &v.ContentID, &v.Ordinal, &v.Text, &v.Model, &status, &generatedAt, &approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Status = domain.VariantStatus(status)
	if v.GeneratedAt, err = parseTime(generatedAt); err != nil {
		return nil, err
	}
	if v.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
