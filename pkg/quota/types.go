// Package quota enforces per-caller gas quotas. A quota caps the gas a caller
// may commit per UTC day and per UTC month; usage is read from the metering
// ledger, so the ledger is the single record of spend.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrExceeded is returned by Admit when a gas limit does not fit the quota.
	ErrExceeded = errors.New("quota: gas quota exceeded")
	// ErrInvalidAmount is returned for a limit or gas amount that is not an
	// unsigned decimal integer.
	ErrInvalidAmount = errors.New("quota: amount must be an unsigned decimal integer")
)

// Limits caps gas per period. An empty value means unlimited.
type Limits struct {
	Daily   string `json:"daily,omitempty" yaml:"daily"`
	Monthly string `json:"monthly,omitempty" yaml:"monthly"`
}

// Validate checks both limits.
func (l Limits) Validate() error {
	for _, v := range []string{l.Daily, l.Monthly} {
		if v == "" {
			continue
		}
		if _, err := parseAmount(v); err != nil {
			return err
		}
	}
	return nil
}

// Unlimited reports whether neither period is capped.
func (l Limits) Unlimited() bool {
	return l.Daily == "" && l.Monthly == ""
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// Status is a caller's standing against its limits.
type Status struct {
	CallerID         string `json:"caller_id"`
	Limits           Limits `json:"limits"`
	DailyUsed        string `json:"daily_used"`
	MonthlyUsed      string `json:"monthly_used"`
	DailyRemaining   string `json:"daily_remaining,omitempty"`
	MonthlyRemaining string `json:"monthly_remaining,omitempty"`
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason"`
	Status  *Status  `json:"status,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// Receipt records one enforcement decision.
type Receipt struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	Action    string    `json:"action"` // "allowed" or "denied"
	GasLimit  string    `json:"gas_limit"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Storage persists per-caller limits.
type Storage interface {
	// Limits returns the caller's limits and whether any were set.
	Limits(ctx context.Context, callerID string) (Limits, bool, error)
	SetLimits(ctx context.Context, callerID string, limits Limits) error
}
