package fetch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and type syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on a SQL database (SQLite via modernc.org/sqlite,
// PostgreSQL via lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLiteStore wraps db and creates the cache table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: DialectSQLite, clock: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps db. Call Migrate when the schema is not managed elsewhere.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: DialectPostgres, clock: time.Now}
}

// Migrate creates the fetch_cache table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS fetch_cache (
		fingerprint TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		body %s NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`, blob)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate fetch_cache: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, fingerprint string) (*Response, bool, error) {
	query := "SELECT status, body FROM fetch_cache WHERE fingerprint = " + s.placeholder(1)
	var r Response
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(&r.Status, &r.Body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached response: %w", err)
	}
	return &r, true, nil
}

func (s *SQLStore) Set(ctx context.Context, fingerprint string, resp *Response) error {
	query := fmt.Sprintf(
		"INSERT INTO fetch_cache (fingerprint, status, body, created_at) VALUES (%s, %s, %s, %s) ON CONFLICT (fingerprint) DO NOTHING",
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, query, fingerprint, resp.Status, body, s.clock().UTC()); err != nil {
		return fmt.Errorf("failed to persist cached response: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
