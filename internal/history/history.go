// Package history keeps a log of the requests sent to an API server, in
// SQLite or Postgres.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/golovatskygroup/bard/internal/request"
)

// timeLayout is fixed width so executed_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one logged request.
type Entry struct {
	ID         string        `json:"id"`
	Instance   string        `json:"instance"`
	Endpoint   string        `json:"endpoint"`
	URL        string        `json:"url"`
	Status     int           `json:"status"`
	Results    int           `json:"results"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// Store writes and lists entries for one instance.
type Store struct {
	db       *sql.DB
	dialect  string
	owned    bool
	instance string
	now      func() time.Time
}

// New creates the requests table in a SQLite db if needed. The caller owns
// db.
func New(db *sql.DB, instance string) (*Store, error) {
	return newStore(db, dialectSQLite, instance)
}

func newStore(db *sql.DB, dialect, instance string) (*Store, error) {
	s := &Store{db: db, dialect: dialect, instance: instance, now: time.Now}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize requests table: %w", err)
	}
	return s, nil
}

func (s *Store) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		instance TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		results INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		executed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_instance ON requests(instance, executed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record implements request.Recorder.
func (s *Store) Record(ctx context.Context, ex request.Exchange) error {
	id := ex.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := ex.At
	if at.IsZero() {
		at = s.now()
	}
	var errMsg sql.NullString
	if ex.Err != nil {
		errMsg = sql.NullString{String: ex.Err.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO requests (id, instance, endpoint, url, status, results, duration_ms, error_message, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), id, s.instance, ex.Endpoint, ex.URL, ex.Status, ex.Results, ex.Duration.Milliseconds(), errMsg,
		at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("record request %s: %w", id, err)
	}
	return nil
}

// Recent lists the newest entries first. limit <= 0 means 20.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, instance, endpoint, url, status, results, duration_ms, error_message, executed_at
		FROM requests
		WHERE instance = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`), s.instance, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			ms       int64
			errMsg   sql.NullString
			executed string
		)
		if err := rows.Scan(&e.ID, &e.Instance, &e.Endpoint, &e.URL, &e.Status, &e.Results, &ms, &errMsg, &executed); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		e.Error = errMsg.String
		if e.ExecutedAt, err = time.Parse(timeLayout, executed); err != nil {
			return nil, fmt.Errorf("request %s: bad timestamp %q: %w", e.ID, executed, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before and reports how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM requests WHERE instance = ? AND executed_at < ?`),
		s.instance, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	return res.RowsAffected()
}
