package history

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"           // postgres
	_ "github.com/mattn/go-sqlite3" // sqlite3
)

const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

// Open connects to dsn and prepares the requests table. postgres:// and
// postgresql:// URLs use Postgres; anything else is a SQLite file path.
// The returned store owns the connection; call Close when done.
func Open(dsn, instance string) (*Store, error) {
	dialect := dialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = dialectPostgres
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if dialect == dialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := newStore(db, dialect, instance)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close releases the connection if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// rebind turns ? placeholders into $1, $2... for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
