// Package bridge exposes the host capabilities a guest program may call.
// Every call is charged to the execution's gas meter before any work
// proportional to its declared input is done.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/jsonpath"
	"github.com/fluxprotocol/oraclevm/pkg/numeric"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
)

// ErrMemoryAccess is raised when a guest passes a pointer outside its memory.
var ErrMemoryAccess = errors.New("bridge: guest memory access out of bounds")

// AbortError is the trap raised by an explicit guest abort.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return "guest aborted: " + e.Message
}

// Capabilities is the closed set of operations a guest may request.
type Capabilities interface {
	// Fetch returns the response for req, from cache when possible.
	// Network and policy failures are *fetch.FetchError and are recoverable.
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
	// JSONExtract evaluates path against doc. No match is not an error.
	JSONExtract(ctx context.Context, doc []byte, path string) (Extraction, error)
	// ToFixedDecimal scales value by multiplier and renders scale fraction digits.
	ToFixedDecimal(ctx context.Context, value, multiplier string, scale int32) (string, error)
	// Aggregate combines per-source values.
	Aggregate(ctx context.Context, entries []numeric.Entry, factor string, kind numeric.Kind) (string, numeric.Stats, error)
	// Log appends a line to the execution trace.
	Log(ctx context.Context, line string) error
	// Abort stops the execution with a trap carrying message.
	Abort(ctx context.Context, message string) error
}

// Extraction holds the matches of a path, in document order.
type Extraction struct {
	Matches []*jsonpath.Node
}

// Found reports whether the path matched anything.
func (e Extraction) Found() bool { return len(e.Matches) > 0 }

// First returns the first match or nil.
func (e Extraction) First() *jsonpath.Node {
	if len(e.Matches) == 0 {
		return nil
	}
	return e.Matches[0]
}

// Bridge implements Capabilities for one execution.
type Bridge struct {
	meter  *budget.Meter
	cache  *fetch.Cache
	trace  *Trace
	logger *slog.Logger

	// result is the register filled by the WebAssembly binding.
	result []byte
}

var _ Capabilities = (*Bridge)(nil)

// New wires a bridge to the execution's meter and trace and to the shared fetch cache.
func New(meter *budget.Meter, cache *fetch.Cache, trace *Trace) *Bridge {
	return &Bridge{
		meter:  meter,
		cache:  cache,
		trace:  trace,
		logger: slog.Default().With("component", "bridge"),
	}
}

// Meter returns the execution's meter.
func (b *Bridge) Meter() *budget.Meter { return b.meter }

// Trace returns the execution's trace.
func (b *Bridge) Trace() *Trace { return b.trace }

func (b *Bridge) Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	if err := b.meter.ChargeOp(budget.OpFetch); err != nil {
		return nil, err
	}
	req = req.Normalize()
	fp, err := fetch.Fingerprint(req)
	if err != nil {
		return nil, &fetch.FetchError{Code: fetch.ErrCodeBadRequest, URL: req.URL, Err: err}
	}

	lookup, fetchErr := b.cache.GetOrFetch(ctx, fp, req)
	if fetchErr != nil || !lookup.Hit {
		if err := b.meter.ChargeOp(budget.OpFetchMiss); err != nil {
			return nil, err
		}
	}
	if fetchErr != nil {
		b.logger.Debug("fetch failed", "url", req.URL, "fingerprint", fp, "error", fetchErr)
		return nil, fetchErr
	}
	if err := b.meter.ChargeBytes(budget.OpFetchByte, len(lookup.Response.Body)); err != nil {
		return nil, err
	}
	return lookup.Response, nil
}

func (b *Bridge) JSONExtract(ctx context.Context, doc []byte, path string) (Extraction, error) {
	if err := b.meter.ChargeOp(budget.OpJSONExtract); err != nil {
		return Extraction{}, err
	}
	if err := b.meter.ChargeBytes(budget.OpJSONExtractByte, len(doc)+len(path)); err != nil {
		return Extraction{}, err
	}
	nodes, err := jsonpath.Extract(doc, path)
	if err != nil {
		return Extraction{}, err
	}
	return Extraction{Matches: nodes}, nil
}

func (b *Bridge) ToFixedDecimal(ctx context.Context, value, multiplier string, scale int32) (string, error) {
	if err := b.meter.ChargeOp(budget.OpToFixedDecimal); err != nil {
		return "", err
	}
	return numeric.ToFixedDecimal(value, multiplier, scale)
}

func (b *Bridge) Aggregate(ctx context.Context, entries []numeric.Entry, factor string, kind numeric.Kind) (string, numeric.Stats, error) {
	if err := b.meter.ChargeOp(budget.OpAggregate); err != nil {
		return "", numeric.Stats{}, err
	}
	if err := b.meter.ChargeBytes(budget.OpAggregateSource, len(entries)); err != nil {
		return "", numeric.Stats{}, err
	}
	return numeric.Aggregate(entries, factor, kind)
}

func (b *Bridge) Log(ctx context.Context, line string) error {
	if err := b.meter.ChargeOp(budget.OpLog); err != nil {
		return err
	}
	if err := b.meter.ChargeBytes(budget.OpLogByte, len(line)); err != nil {
		return err
	}
	return b.trace.Append(line)
}

// Logf formats and logs a line.
func (b *Bridge) Logf(ctx context.Context, format string, args ...any) error {
	return b.Log(ctx, fmt.Sprintf(format, args...))
}

func (b *Bridge) Abort(ctx context.Context, message string) error {
	return &AbortError{Message: message}
}

// IsTrap reports whether err must end the execution: out of gas, an abort,
// a memory fault or an exhausted trace. Other capability errors are
// reported to the guest.
func IsTrap(err error) bool {
	var abort *AbortError
	return errors.Is(err, budget.ErrOutOfGas) ||
		errors.As(err, &abort) ||
		errors.Is(err, ErrMemoryAccess) ||
		errors.Is(err, ErrOutputExhausted)
}
