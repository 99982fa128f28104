// Package sandbox runs oracle programs, either WebAssembly guests or Go-native
// programs, against a gas meter and the host function bridge.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fluxprotocol/oraclevm/pkg/canonicalize"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
)

// Deterministic error codes for failed executions.
const (
	ErrCodeOutOfGas       = "ERR_OUT_OF_GAS"
	ErrCodeTrap           = "ERR_TRAP"
	ErrCodeInvalidContext = "ERR_INVALID_CONTEXT"
	ErrCodeInvalidModule  = "ERR_INVALID_MODULE"
	// ErrCodeQuotaExceeded rejects an execution before it starts. Unlike
	// the codes above it depends on host state, not on the context.
	ErrCodeQuotaExceeded = "ERR_QUOTA_EXCEEDED"
)

// ErrTrap matches every ExecutionError with code ERR_TRAP.
var ErrTrap = errors.New("guest trapped")

// ExecutionError is a typed, deterministic error for a failed execution.
// Run returns it together with the partial Outcome.
type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrTrap and budget.ErrOutOfGas by code.
func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrTrap:
		return e.Code == ErrCodeTrap
	case budget.ErrOutOfGas:
		return e.Code == ErrCodeOutOfGas
	}
	return false
}

func invalidContext(format string, args ...any) *ExecutionError {
	return &ExecutionError{Code: ErrCodeInvalidContext, Message: fmt.Sprintf(format, args...)}
}

// ExecutionContext is the input of one execution.
type ExecutionContext struct {
	// Args is passed to the guest as argv. By convention Args[0] names the
	// caller, Args[1] holds the sources JSON, Args[2] the output kind and
	// Args[3] the factor.
	Args []string `json:"args"`
	// Binary is the WebAssembly module. Unused by RunNative.
	Binary []byte            `json:"-"`
	Env    map[string]string `json:"env,omitempty"`
	// GasLimit is an unsigned decimal integer of any width.
	GasLimit   string `json:"gas_limit"`
	RandomSeed string `json:"random_seed"`
	// Timestamp is the wall clock seen by the guest, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// CallerID returns Args[0], or "anonymous" when there are no args.
func (ec ExecutionContext) CallerID() string {
	if len(ec.Args) == 0 || ec.Args[0] == "" {
		return "anonymous"
	}
	return ec.Args[0]
}

func (ec ExecutionContext) validate(needBinary bool) error {
	if needBinary && len(ec.Binary) == 0 {
		return invalidContext("binary is empty")
	}
	if strings.TrimSpace(ec.GasLimit) == "" {
		return invalidContext("gas limit is empty")
	}
	if ec.Timestamp < 0 {
		return invalidContext("timestamp %d is negative", ec.Timestamp)
	}
	for k := range ec.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return invalidContext("invalid environment key %q", k)
		}
	}
	return nil
}

// Outcome is the result of an execution.
type Outcome struct {
	ExecutionID string            `json:"execution_id"`
	Logs        []string          `json:"logs"`
	GasUsed     string            `json:"gas_used"`
	Breakdown   map[string]string `json:"breakdown,omitempty"`
	// Digest is the canonical hash of Logs and GasUsed. Two nodes running
	// the same context against the same cache state produce the same digest.
	Digest string `json:"digest"`
}

type digestInput struct {
	Logs    []string `json:"logs"`
	GasUsed string   `json:"gas_used"`
}

func newOutcome(id string, logs []string, gasUsed string, breakdown map[budget.OpKind]string) (*Outcome, error) {
	if logs == nil {
		logs = []string{}
	}
	digest, err := canonicalize.Digest(digestInput{Logs: logs, GasUsed: gasUsed})
	if err != nil {
		return nil, fmt.Errorf("sandbox: outcome digest: %w", err)
	}
	o := &Outcome{
		ExecutionID: id,
		Logs:        logs,
		GasUsed:     gasUsed,
		Digest:      digest,
	}
	if len(breakdown) > 0 {
		o.Breakdown = make(map[string]string, len(breakdown))
		for k, v := range breakdown {
			o.Breakdown[string(k)] = v
		}
	}
	return o, nil
}

// Value decodes the last log line as {"value": "..."}.
func (o *Outcome) Value() (string, bool) {
	if o == nil || len(o.Logs) == 0 {
		return "", false
	}
	var v struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal([]byte(o.Logs[len(o.Logs)-1]), &v); err != nil || v.Value == nil {
		return "", false
	}
	return *v.Value, true
}
