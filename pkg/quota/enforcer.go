package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/fluxprotocol/oraclevm/pkg/metering"
)

// Enforcer admits executions whose gas limit fits the caller's remaining
// quota. It fails closed: any storage or ledger error denies.
type Enforcer struct {
	storage  Storage
	ledger   metering.Ledger
	defaults Limits
	clock    func() time.Time
	logger   *slog.Logger
}

// NewEnforcer creates an enforcer. defaults apply to callers without stored
// limits.
func NewEnforcer(s Storage, ledger metering.Ledger, defaults Limits) *Enforcer {
	return &Enforcer{
		storage:  s,
		ledger:   ledger,
		defaults: defaults,
		clock:    time.Now,
		logger:   slog.Default().With("component", "quota"),
	}
}

// WithClock overrides the clock used to pick the current day and month.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

// SetLimits stores limits for a caller.
func (e *Enforcer) SetLimits(ctx context.Context, callerID string, limits Limits) error {
	return e.storage.SetLimits(ctx, callerID, limits)
}

func (e *Enforcer) limits(ctx context.Context, callerID string) (Limits, error) {
	l, ok, err := e.storage.Limits(ctx, callerID)
	if err != nil {
		return Limits{}, err
	}
	if !ok {
		return e.defaults, nil
	}
	return l, nil
}

// Status reports the caller's usage against its limits.
func (e *Enforcer) Status(ctx context.Context, callerID string) (*Status, error) {
	limits, err := e.limits(ctx, callerID)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	day, err := e.used(ctx, callerID, metering.DayOf(now))
	if err != nil {
		return nil, err
	}
	month, err := e.used(ctx, callerID, metering.MonthOf(now))
	if err != nil {
		return nil, err
	}
	st := &Status{
		CallerID:    callerID,
		Limits:      limits,
		DailyUsed:   day.String(),
		MonthlyUsed: month.String(),
	}
	if st.DailyRemaining, err = remaining(limits.Daily, day); err != nil {
		return nil, err
	}
	if st.MonthlyRemaining, err = remaining(limits.Monthly, month); err != nil {
		return nil, err
	}
	return st, nil
}

// Check decides whether gasLimit more gas may be committed by callerID.
// The whole limit is counted since a run may consume all of it.
func (e *Enforcer) Check(ctx context.Context, callerID, gasLimit string) (*Decision, error) {
	want, err := parseAmount(gasLimit)
	if err != nil {
		return e.deny(callerID, gasLimit, "invalid_gas_limit", nil), err
	}
	st, err := e.Status(ctx, callerID)
	if err != nil {
		e.logger.Warn("quota check failed", "caller_id", callerID, "error", err)
		return e.deny(callerID, gasLimit, "internal_error", nil), err
	}

	for _, p := range []struct {
		name, limit, used string
	}{
		{"daily", st.Limits.Daily, st.DailyUsed},
		{"monthly", st.Limits.Monthly, st.MonthlyUsed},
	} {
		if p.limit == "" {
			continue
		}
		limit, _ := parseAmount(p.limit)
		used, _ := parseAmount(p.used)
		next := new(big.Int).Add(used, want)
		if next.Cmp(limit) > 0 {
			e.logger.Info("quota exceeded", "caller_id", callerID, "period", p.name, "requested", next.String(), "limit", p.limit)
			d := e.deny(callerID, gasLimit, p.name+"_limit_exceeded", st)
			d.Reason = fmt.Sprintf("%s limit exceeded: %s > %s", p.name, next.String(), p.limit)
			return d, nil
		}
	}
	return &Decision{
		Allowed: true,
		Reason:  "within limits",
		Status:  st,
		Receipt: e.receipt(callerID, "allowed", gasLimit, "ok"),
	}, nil
}

// Admit returns nil when gasLimit fits, and an error wrapping ErrExceeded
// when it does not.
func (e *Enforcer) Admit(ctx context.Context, callerID, gasLimit string) error {
	d, err := e.Check(ctx, callerID, gasLimit)
	if err != nil {
		return fmt.Errorf("quota: check failed: %w", err)
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrExceeded, d.Reason)
	}
	return nil
}

func (e *Enforcer) used(ctx context.Context, callerID string, p metering.Period) (*big.Int, error) {
	u, err := e.ledger.GetUsage(ctx, callerID, p)
	if err != nil {
		return nil, err
	}
	if u.GasUsed == "" {
		return new(big.Int), nil
	}
	return parseAmount(u.GasUsed)
}

func (e *Enforcer) deny(callerID, gasLimit, reason string, st *Status) *Decision {
	return &Decision{
		Allowed: false,
		Reason:  reason,
		Status:  st,
		Receipt: e.receipt(callerID, "denied", gasLimit, reason),
	}
}

func (e *Enforcer) receipt(callerID, action, gasLimit, reason string) *Receipt {
	return &Receipt{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		Action:    action,
		GasLimit:  gasLimit,
		Reason:    reason,
		Timestamp: e.clock().UTC(),
	}
}

func remaining(limit string, used *big.Int) (string, error) {
	if limit == "" {
		return "", nil
	}
	l, err := parseAmount(limit)
	if err != nil {
		return "", err
	}
	r := new(big.Int).Sub(l, used)
	if r.Sign() < 0 {
		return "0", nil
	}
	return r.String(), nil
}
