package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL. It shares the ledger's
// database; a NULL column is an unlimited period.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS gas_quotas (
	caller_id TEXT PRIMARY KEY,
	daily_limit NUMERIC(78, 0),
	monthly_limit NUMERIC(78, 0),
	updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
`

// Init creates the quota table.
func (s *PostgresStorage) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStorage) Limits(ctx context.Context, callerID string) (Limits, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT daily_limit::TEXT, monthly_limit::TEXT FROM gas_quotas WHERE caller_id = $1", callerID)
	var daily, monthly sql.NullString
	err := row.Scan(&daily, &monthly)
	if errors.Is(err, sql.ErrNoRows) {
		return Limits{}, false, nil
	}
	if err != nil {
		return Limits{}, false, fmt.Errorf("quota: failed to get limits: %w", err)
	}
	return Limits{Daily: daily.String, Monthly: monthly.String}, true, nil
}

func (s *PostgresStorage) SetLimits(ctx context.Context, callerID string, limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO gas_quotas (caller_id, daily_limit, monthly_limit, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (caller_id) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, callerID, nullable(limits.Daily), nullable(limits.Monthly))
	if err != nil {
		return fmt.Errorf("quota: failed to set limits: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
