package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 100

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  at          INTEGER NOT NULL,
  operation   TEXT NOT NULL,
  queue       TEXT NOT NULL,
  actor       TEXT NOT NULL,
  request_id  TEXT NOT NULL,
  status      INTEGER NOT NULL,
  count       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_at
  ON audit_entries(at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_entries_queue
  ON audit_entries(queue, at DESC, id DESC);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
  id          BIGSERIAL PRIMARY KEY,
  at          BIGINT NOT NULL,
  operation   TEXT NOT NULL,
  queue       TEXT NOT NULL,
  actor       TEXT NOT NULL,
  request_id  TEXT NOT NULL,
  status      INTEGER NOT NULL,
  count       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_at
  ON audit_entries(at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_entries_queue
  ON audit_entries(queue, at DESC, id DESC);
`

var ErrClosed = errors.New("audit: journal is closed")

// Entry is one recorded mutation.
type Entry struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Operation string    `json:"operation"`
	Queue     string    `json:"queue,omitempty"`
	Actor     string    `json:"actor"`
	RequestID string    `json:"request_id"`
	Status    int       `json:"status"`
	Count     int64     `json:"count"`
}

type Filter struct {
	Queue string
	Limit int
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

type Option func(*Journal)

func WithNowFunc(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.nowFn = now
		}
	}
}

// Journal persists audit entries in sqlite or postgres.
type Journal struct {
	db      *sql.DB
	dialect dialect
	nowFn   func() time.Time
}

// Open picks the backend from dsn: postgres:// and postgresql:// URLs use
// postgres, anything else is a sqlite file path (an optional sqlite: scheme
// is stripped).
func Open(dsn string, opts ...Option) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return NewPostgresJournal(dsn, opts...)
	}
	return NewSQLiteJournal(strings.TrimPrefix(dsn, "sqlite:"), opts...)
}

func NewSQLiteJournal(dbPath string, opts ...Option) (*Journal, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("audit: empty db path")
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	j := newJournal(db, dialectSQLite, opts)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: init sqlite schema: %w", err)
	}
	return j, nil
}

func NewPostgresJournal(dsn string, opts ...Option) (*Journal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("audit: empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	j := newJournal(db, dialectPostgres, opts)
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: init postgres schema: %w", err)
	}
	return j, nil
}

func newJournal(db *sql.DB, d dialect, opts []Option) *Journal {
	j := &Journal{db: db, dialect: d, nowFn: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends e. A zero At is set to the current time.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j == nil || j.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = j.nowFn()
	}
	_, err := j.db.ExecContext(ctx, j.rebind(`
INSERT INTO audit_entries (at, operation, queue, actor, request_id, status, count)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.At.UTC().UnixNano(), e.Operation, e.Queue, e.Actor, e.RequestID, e.Status, e.Count,
	)
	return err
}

// List returns the newest entries first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, ErrClosed
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, at, operation, queue, actor, request_id, status, count FROM audit_entries`
	args := []any{}
	if f.Queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, f.Queue)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, j.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Operation, &e.Queue, &e.Actor, &e.RequestID, &e.Status, &e.Count); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries recorded before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if j == nil || j.db == nil {
		return 0, ErrClosed
	}
	res, err := j.db.ExecContext(ctx, j.rebind(`DELETE FROM audit_entries WHERE at < ?`), cutoff.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// rebind rewrites ? placeholders to $n for postgres.
func (j *Journal) rebind(query string) string {
	if j.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
