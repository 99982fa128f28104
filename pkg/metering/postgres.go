package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLedger implements Ledger with PostgreSQL storage.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS gas_usage (
	execution_id TEXT PRIMARY KEY,
	caller_id TEXT NOT NULL,
	status TEXT NOT NULL,
	gas_used NUMERIC(78, 0) NOT NULL,
	breakdown JSONB,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_gas_usage_caller_time ON gas_usage(caller_id, timestamp);
`

const insertEntry = `
		INSERT INTO gas_usage (execution_id, caller_id, status, gas_used, breakdown, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

// Init creates the necessary database tables.
func (l *PostgresLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func encodeEntry(e Entry, now time.Time) (Entry, []byte, error) {
	if err := e.Validate(); err != nil {
		return e, nil, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	var breakdown []byte
	if e.Breakdown != nil {
		var err error
		breakdown, err = json.Marshal(e.Breakdown)
		if err != nil {
			return e, nil, fmt.Errorf("metering: failed to marshal breakdown: %w", err)
		}
	}
	return e, breakdown, nil
}

// Record stores a single entry.
func (l *PostgresLedger) Record(ctx context.Context, entry Entry) error {
	e, breakdown, err := encodeEntry(entry, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, insertEntry, e.ExecutionID, e.CallerID, string(e.Status), e.GasUsed, breakdown, e.Timestamp)
	if err != nil {
		return fmt.Errorf("metering: failed to record entry: %w", err)
	}
	return nil
}

// RecordBatch stores multiple entries in a single transaction.
func (l *PostgresLedger) RecordBatch(ctx context.Context, entries []Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEntry)
	if err != nil {
		return fmt.Errorf("metering: failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, entry := range entries {
		e, breakdown, err := encodeEntry(entry, now)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, e.ExecutionID, e.CallerID, string(e.Status), e.GasUsed, breakdown, e.Timestamp); err != nil {
			return fmt.Errorf("metering: failed to insert entry: %w", err)
		}
	}

	return tx.Commit()
}

// GetUsage aggregates executions and gas by status and by operation kind.
func (l *PostgresLedger) GetUsage(ctx context.Context, callerID string, period Period) (*Usage, error) {
	usage := &Usage{
		CallerID:   callerID,
		Period:     period,
		GasUsed:    "0",
		ByStatus:   make(map[Status]int64),
		ByKind:     make(map[string]string),
		LastUpdate: time.Now().UTC(),
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT status, COUNT(*), SUM(gas_used)::TEXT
		FROM gas_usage
		WHERE caller_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY status
	`, callerID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query usage: %w", err)
	}
	var gas []string
	for rows.Next() {
		var status Status
		var count int64
		var sum string
		if err := rows.Scan(&status, &count, &sum); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		usage.ByStatus[status] = count
		usage.Executions += count
		gas = append(gas, sum)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	total, err := sumDecimal(gas)
	if err != nil {
		return nil, err
	}
	usage.GasUsed = total

	kindRows, err := l.db.QueryContext(ctx, `
		SELECT kv.key, SUM(kv.value::NUMERIC)::TEXT
		FROM gas_usage, jsonb_each_text(gas_usage.breakdown) AS kv
		WHERE caller_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY kv.key
	`, callerID, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("metering: failed to query usage by kind: %w", err)
	}
	defer func() { _ = kindRows.Close() }()
	for kindRows.Next() {
		var kind, sum string
		if err := kindRows.Scan(&kind, &sum); err != nil {
			return nil, fmt.Errorf("metering: failed to scan row: %w", err)
		}
		usage.ByKind[kind] = sum
	}
	return usage, kindRows.Err()
}

func sumDecimal(values []string) (string, error) {
	total := "0"
	acc, _ := parseGas(total)
	for _, v := range values {
		n, err := parseGas(v)
		if err != nil {
			return "", fmt.Errorf("metering: bad gas sum %q: %w", v, err)
		}
		acc.Add(acc, n)
	}
	return acc.String(), nil
}
