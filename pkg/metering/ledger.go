// Package metering keeps a per-caller ledger of the gas consumed by executions.
package metering

import (
	"context"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrEmptyCallerID is returned when an entry has no caller ID.
	ErrEmptyCallerID = errors.New("metering: caller_id must not be empty")
	// ErrEmptyExecutionID is returned when an entry has no execution ID.
	ErrEmptyExecutionID = errors.New("metering: execution_id must not be empty")
	// ErrInvalidGas is returned when gas_used is not an unsigned decimal integer.
	ErrInvalidGas = errors.New("metering: gas_used must be an unsigned decimal integer")
)

// Status is how an execution ended.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusOutOfGas  Status = "out_of_gas"
	StatusTrapped   Status = "trapped"
	StatusRejected  Status = "rejected"
)

// Entry is the ledger row written after each execution.
type Entry struct {
	ExecutionID string            `json:"execution_id"`
	CallerID    string            `json:"caller_id"`
	Status      Status            `json:"status"`
	GasUsed     string            `json:"gas_used"`
	Breakdown   map[string]string `json:"breakdown,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Validate checks that the entry has valid fields.
func (e Entry) Validate() error {
	if e.ExecutionID == "" {
		return ErrEmptyExecutionID
	}
	if e.CallerID == "" {
		return ErrEmptyCallerID
	}
	if _, err := parseGas(e.GasUsed); err != nil {
		return err
	}
	for _, v := range e.Breakdown {
		if _, err := parseGas(v); err != nil {
			return err
		}
	}
	return nil
}

func parseGas(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, ErrInvalidGas
	}
	return v, nil
}

// Period defines a time range [Start, End) for usage aggregation.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DailyPeriod returns a Period for the current day.
func DailyPeriod() Period {
	return DayOf(time.Now())
}

// DayOf returns the UTC day containing t.
func DayOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns a Period for the current month.
func MonthlyPeriod() Period {
	return MonthOf(time.Now())
}

// MonthOf returns the UTC month containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Usage contains aggregated gas usage for a caller.
type Usage struct {
	CallerID   string            `json:"caller_id"`
	Period     Period            `json:"period"`
	Executions int64             `json:"executions"`
	GasUsed    string            `json:"gas_used"`
	ByStatus   map[Status]int64  `json:"by_status"`
	ByKind     map[string]string `json:"by_kind"`
	LastUpdate time.Time         `json:"last_update"`
}

// Ledger is the interface for recording and querying gas usage.
type Ledger interface {
	// Record stores one execution's entry.
	Record(ctx context.Context, entry Entry) error

	// RecordBatch stores multiple entries atomically.
	RecordBatch(ctx context.Context, entries []Entry) error

	// GetUsage aggregates a caller's entries in a period.
	GetUsage(ctx context.Context, callerID string, period Period) (*Usage, error)
}
