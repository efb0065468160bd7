package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore keeps one session per instance name in a sessions table, so
// several configured API servers can share a database file.
type SQLiteStore struct {
	db       *sql.DB
	instance string
}

// NewSQLiteStore creates the sessions table if needed. The caller owns db
// and must have imported a sqlite3 driver.
func NewSQLiteStore(db *sql.DB, instance string) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, instance: instance}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize sessions table: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		instance TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (Session, error) {
	var sess Session
	var expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, endpoint, expires_at FROM sessions WHERE instance = ?`, s.instance,
	).Scan(&sess.Token, &sess.Endpoint, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", s.instance, err)
	}
	sess.Expiry, err = time.Parse(time.RFC3339Nano, expires)
	if err != nil {
		return Session{}, fmt.Errorf("%w: bad expiry %q", ErrNoSession, expires)
	}
	return sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (instance, token, endpoint, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance) DO UPDATE SET
			token = excluded.token,
			endpoint = excluded.endpoint,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, s.instance, sess.Token, sess.Endpoint, sess.Expiry.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.instance, err)
	}
	return tx.Commit()
}
