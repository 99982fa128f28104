// Package budget provides the gas meter that bounds a single oracle execution.
package budget

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
)

// Deterministic error codes for gas violations.
const (
	ErrCodeOutOfGas     = "ERR_OUT_OF_GAS"
	ErrCodeInvalidLimit = "ERR_INVALID_GAS_LIMIT"
)

// ErrOutOfGas is matched by every *GasError raised on exhaustion.
var ErrOutOfGas = errors.New("out of gas")

// GasError is a typed gas violation error.
type GasError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      OpKind `json:"kind,omitempty"`
	Limit     string `json:"limit"`
	Requested string `json:"requested,omitempty"`
}

func (e *GasError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s (kind=%s, limit=%s, requested=%s)", e.Code, e.Message, e.Kind, e.Limit, e.Requested)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrOutOfGas) match exhaustion errors.
func (e *GasError) Is(target error) bool {
	return target == ErrOutOfGas && e.Code == ErrCodeOutOfGas
}

var maxWindow = new(big.Int).SetUint64(math.MaxUint64)

// Meter is the remaining-gas counter for one execution. It is the only
// component allowed to decrement gas; instrumented guest code spends from a
// window lent by the meter and the host settles it back in program order.
type Meter struct {
	mu        sync.Mutex
	schedule  *Schedule
	limit     *big.Int
	remaining *big.Int
	lent      uint64
	breakdown map[OpKind]*big.Int
}

// NewMeter parses limit as an unsigned decimal integer of any width.
func NewMeter(limit string, schedule *Schedule) (*Meter, error) {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	l, ok := new(big.Int).SetString(strings.TrimSpace(limit), 10)
	if !ok || l.Sign() < 0 {
		return nil, &GasError{
			Code:    ErrCodeInvalidLimit,
			Message: fmt.Sprintf("gas limit %q is not an unsigned decimal integer", limit),
		}
	}
	return &Meter{
		schedule:  schedule,
		limit:     l,
		remaining: new(big.Int).Set(l),
		breakdown: make(map[OpKind]*big.Int),
	}, nil
}

// Schedule returns the cost schedule the meter prices operations with.
func (m *Meter) Schedule() *Schedule {
	return m.schedule
}

// Charge subtracts amount. When the balance would go negative the counter is
// clamped to zero and an out-of-gas error is returned.
func (m *Meter) Charge(kind OpKind, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charge(kind, new(big.Int).SetUint64(amount))
}

// ChargeOp charges the scheduled price of one kind operation.
func (m *Meter) ChargeOp(kind OpKind) error {
	return m.Charge(kind, m.schedule.Cost(kind))
}

// ChargeBytes charges the scheduled per-byte price of kind times n.
func (m *Meter) ChargeBytes(kind OpKind, n int) error {
	if n <= 0 {
		return nil
	}
	amount := new(big.Int).SetUint64(m.schedule.Cost(kind))
	amount.Mul(amount, big.NewInt(int64(n)))

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charge(kind, amount)
}

func (m *Meter) charge(kind OpKind, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if m.remaining.Cmp(amount) < 0 {
		m.record(kind, m.remaining)
		m.remaining.SetInt64(0)
		return &GasError{
			Code:      ErrCodeOutOfGas,
			Message:   "gas limit exhausted",
			Kind:      kind,
			Limit:     m.limit.String(),
			Requested: amount.String(),
		}
	}
	m.remaining.Sub(m.remaining, amount)
	m.record(kind, amount)
	return nil
}

func (m *Meter) record(kind OpKind, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	total, ok := m.breakdown[kind]
	if !ok {
		total = new(big.Int)
		m.breakdown[kind] = total
	}
	total.Add(total, amount)
}

// Lend hands a window of gas to instrumented guest code. The window is the
// remaining balance capped at 64 bits. Any previously lent window must have
// been settled first.
func (m *Meter) Lend() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remaining.Cmp(maxWindow) > 0 {
		m.lent = math.MaxUint64
	} else {
		m.lent = m.remaining.Uint64()
	}
	return m.lent
}

// Share attributes part of a settled window to an operation kind.
type Share struct {
	Kind   OpKind
	Amount uint64
}

// Settle charges the part of the lent window the guest spent, given the value
// it has left. Shares are charged first, each capped at what is still
// unaccounted; the rest is recorded as OpInstruction.
func (m *Meter) Settle(left uint64, shares ...Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if left > m.lent {
		left = m.lent
	}
	used := m.lent - left
	m.lent = 0
	for _, s := range shares {
		amount := min(s.Amount, used)
		used -= amount
		if err := m.charge(s.Kind, new(big.Int).SetUint64(amount)); err != nil {
			return err
		}
	}
	return m.charge(OpInstruction, new(big.Int).SetUint64(used))
}

// Exhaust clamps the balance to zero. Used when the guest runs its window dry.
func (m *Meter) Exhaust() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(OpInstruction, m.remaining)
	m.remaining.SetInt64(0)
	m.lent = 0
}

// Exhausted reports whether no gas remains.
func (m *Meter) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining.Sign() == 0
}

// Limit returns a copy of the initial gas limit.
func (m *Meter) Limit() *big.Int {
	return new(big.Int).Set(m.limit)
}

// Remaining returns a copy of the balance.
func (m *Meter) Remaining() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.remaining)
}

// GasUsed returns limit - remaining.
func (m *Meter) GasUsed() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Sub(m.limit, m.remaining)
}

// Breakdown returns the gas charged per operation kind as decimal strings.
func (m *Meter) Breakdown() map[OpKind]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[OpKind]string, len(m.breakdown))
	for k, v := range m.breakdown {
		out[k] = v.String()
	}
	return out
}
