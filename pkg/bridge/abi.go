package bridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/jsonpath"
	"github.com/fluxprotocol/oraclevm/pkg/numeric"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
)

// ModuleName is the import module guests bind the bridge from.
const ModuleName = "env"

// ABIVersion is the version of the import table below. Guests may declare the
// version they target in an "oracle_abi" custom section.
const ABIVersion = "1.0.0"

// Imported function names.
const (
	FuncFetch          = "oracle_fetch"
	FuncJSONExtract    = "oracle_json_extract"
	FuncToFixedDecimal = "oracle_to_fixed_decimal"
	FuncAggregate      = "oracle_aggregate"
	FuncReadResult     = "oracle_read_result"
	FuncLog            = "oracle_log"
	FuncAbort          = "oracle_abort"
)

// Negative results of the length-returning functions.
const (
	ResultAbsent    int64 = -1 // json_extract: no match
	ResultFailed    int64 = -1 // fetch, to_fixed_decimal, aggregate
	ResultMalformed int64 = -2 // malformed request or path
	ResultBadDoc    int64 = -3 // json_extract: document is not JSON
)

// FunctionNames returns the set of functions guests may import from ModuleName.
func FunctionNames() map[string]bool {
	return map[string]bool{
		FuncFetch:          true,
		FuncJSONExtract:    true,
		FuncToFixedDecimal: true,
		FuncAggregate:      true,
		FuncReadResult:     true,
		FuncLog:            true,
		FuncAbort:          true,
	}
}

// AggregateRequest is the JSON payload of oracle_aggregate.
type AggregateRequest struct {
	Entries []AggregateEntry `json:"entries"`
	Factor  string           `json:"factor"`
	Kind    string           `json:"kind"`
}

// AggregateEntry is one source in an AggregateRequest.
type AggregateEntry struct {
	Value      string `json:"value"`
	Multiplier string `json:"multiplier,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

type sessionKey struct{}

type session struct {
	bridge *Bridge
	window Window
}

// Window names the guest globals an instrumented module exports for gas.
type Window struct {
	// Gas is the unspent window. Empty, or a guest without it, disables
	// window settling.
	Gas string
	// ImportGas counts the part of the spent window owed to WASI calls.
	ImportGas string
}

// WithSession binds b to ctx for the host functions.
func WithSession(ctx context.Context, b *Bridge, w Window) context.Context {
	return context.WithValue(ctx, sessionKey{}, &session{bridge: b, window: w})
}

// SettleWindow settles the guest's window into meter, attributing the import
// gas counter to budget.OpWASICall and resetting it.
func SettleWindow(meter *budget.Meter, gas api.Global, importGas api.Global) error {
	var shares []budget.Share
	if ig, ok := importGas.(api.MutableGlobal); ok {
		shares = append(shares, budget.Share{Kind: budget.OpWASICall, Amount: ig.Get()})
		ig.Set(0)
	}
	return meter.Settle(gas.Get(), shares...)
}

// Instantiate registers the host module on r. It is shared by every
// execution on r; per-execution state travels in the call context.
func Instantiate(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return r.NewHostModuleBuilder(ModuleName).
		NewFunctionBuilder().WithFunc(hostFetch).Export(FuncFetch).
		NewFunctionBuilder().WithFunc(hostJSONExtract).Export(FuncJSONExtract).
		NewFunctionBuilder().WithFunc(hostToFixedDecimal).Export(FuncToFixedDecimal).
		NewFunctionBuilder().WithFunc(hostAggregate).Export(FuncAggregate).
		NewFunctionBuilder().WithFunc(hostReadResult).Export(FuncReadResult).
		NewFunctionBuilder().WithFunc(hostLog).Export(FuncLog).
		NewFunctionBuilder().WithFunc(hostAbort).Export(FuncAbort).
		Instantiate(ctx)
}

// enter settles the guest's gas window into the meter and returns the session.
// The returned func lends a fresh window and must be deferred.
func enter(ctx context.Context, m api.Module) (*session, func()) {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		panic(errors.New("bridge: host function called outside an execution"))
	}
	var g, ig api.Global
	if s.window.Gas != "" {
		g = m.ExportedGlobal(s.window.Gas)
	}
	if g == nil {
		return s, func() {}
	}
	if s.window.ImportGas != "" {
		ig = m.ExportedGlobal(s.window.ImportGas)
	}
	must(SettleWindow(s.bridge.meter, g, ig))
	return s, func() {
		if mg, ok := g.(api.MutableGlobal); ok {
			mg.Set(s.bridge.meter.Lend())
		}
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func read(m api.Module, ptr, n uint32) []byte {
	if n == 0 {
		return nil
	}
	mem := m.Memory()
	if mem == nil {
		panic(ErrMemoryAccess)
	}
	v, ok := mem.Read(ptr, n)
	if !ok {
		panic(ErrMemoryAccess)
	}
	return append([]byte(nil), v...)
}

func (s *session) setResult(b []byte) int64 {
	s.bridge.result = b
	return int64(len(b))
}

func hostFetch(ctx context.Context, m api.Module, reqPtr, reqLen uint32) int64 {
	s, leave := enter(ctx, m)
	defer leave()

	var req fetch.Request
	if err := json.Unmarshal(read(m, reqPtr, reqLen), &req); err != nil || req.URL == "" {
		must(s.bridge.meter.ChargeOp(budget.OpFetch))
		return ResultMalformed
	}
	resp, err := s.bridge.Fetch(ctx, req)
	if err != nil {
		if IsTrap(err) {
			panic(err)
		}
		return ResultFailed
	}
	return s.setResult(resp.Body)
}

func hostJSONExtract(ctx context.Context, m api.Module, docPtr, docLen, pathPtr, pathLen uint32) int64 {
	s, leave := enter(ctx, m)
	defer leave()

	doc := read(m, docPtr, docLen)
	path := string(read(m, pathPtr, pathLen))
	ex, err := s.bridge.JSONExtract(ctx, doc, path)
	switch {
	case err == nil:
	case errors.Is(err, jsonpath.ErrInvalidPath):
		return ResultMalformed
	case errors.Is(err, jsonpath.ErrInvalidDocument):
		return ResultBadDoc
	default:
		panic(err)
	}
	if !ex.Found() {
		return ResultAbsent
	}
	return s.setResult([]byte(ex.First().Text()))
}

func hostToFixedDecimal(ctx context.Context, m api.Module, valPtr, valLen, mulPtr, mulLen, scale uint32) int64 {
	s, leave := enter(ctx, m)
	defer leave()

	value := string(read(m, valPtr, valLen))
	mul := string(read(m, mulPtr, mulLen))
	out, err := s.bridge.ToFixedDecimal(ctx, value, mul, int32(scale))
	if err != nil {
		if IsTrap(err) {
			panic(err)
		}
		return ResultFailed
	}
	return s.setResult([]byte(out))
}

func hostAggregate(ctx context.Context, m api.Module, reqPtr, reqLen uint32) int64 {
	s, leave := enter(ctx, m)
	defer leave()

	var req AggregateRequest
	if err := json.Unmarshal(read(m, reqPtr, reqLen), &req); err != nil {
		must(s.bridge.meter.ChargeOp(budget.OpAggregate))
		return ResultMalformed
	}
	entries := make([]numeric.Entry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = numeric.Entry{Value: e.Value, Multiplier: e.Multiplier, Skipped: e.Skipped}
	}
	out, _, err := s.bridge.Aggregate(ctx, entries, req.Factor, numeric.Kind(req.Kind))
	switch {
	case err == nil:
		return s.setResult([]byte(out))
	case IsTrap(err):
		panic(err)
	case errors.Is(err, numeric.ErrNoUsableSources):
		return ResultFailed
	}
	return ResultMalformed
}

func hostReadResult(ctx context.Context, m api.Module, ptr, capacity uint32) uint32 {
	s, leave := enter(ctx, m)
	defer leave()

	n := uint32(len(s.bridge.result))
	if capacity < n {
		n = capacity
	}
	must(s.bridge.meter.ChargeOp(budget.OpReadResult))
	must(s.bridge.meter.ChargeBytes(budget.OpReadResultByte, int(n)))
	if n == 0 {
		return 0
	}
	mem := m.Memory()
	if mem == nil || !mem.Write(ptr, s.bridge.result[:n]) {
		panic(ErrMemoryAccess)
	}
	return n
}

func hostLog(ctx context.Context, m api.Module, ptr, length uint32) {
	s, leave := enter(ctx, m)
	defer leave()

	must(s.bridge.Log(ctx, string(read(m, ptr, length))))
}

func hostAbort(ctx context.Context, m api.Module, ptr, length uint32) {
	s, leave := enter(ctx, m)
	defer leave()

	panic(s.bridge.Abort(ctx, string(read(m, ptr, length))))
}
