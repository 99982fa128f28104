package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/fluxprotocol/oraclevm/pkg/bridge"
	"github.com/fluxprotocol/oraclevm/pkg/canonicalize"
	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/metering"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
	"github.com/fluxprotocol/oraclevm/pkg/wasm"
)

// Names the instrumentation adds to a guest's exports.
const (
	GasGlobal       = "__oracle_gas"
	ExhaustedGlobal = "__oracle_gas_exhausted"
	ImportGasGlobal = "__oracle_import_gas"
	StartExport     = "__oracle_start"
)

const pageSize = 64 * 1024

// HostConfig configures a Host.
type HostConfig struct {
	// MemoryLimitBytes caps guest linear memory. Rounded down to whole pages.
	MemoryLimitBytes int64 `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`
	// CPUTimeLimit is a wall-clock backstop. Zero disables it; gas is the
	// deterministic bound.
	CPUTimeLimit time.Duration `json:"cpu_time_limit" yaml:"cpu_time_limit"`
	// MaxOutputBytes bounds the log trace of one execution.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
	// EntryPoint is the export called after instantiation.
	EntryPoint string `json:"entry_point" yaml:"entry_point"`
	// ABIConstraint is matched against a guest's declared ABI version.
	ABIConstraint string `json:"abi_constraint" yaml:"abi_constraint"`
	// Schedule prices operations. Nil means budget.DefaultSchedule.
	Schedule *budget.Schedule `json:"-" yaml:"-"`
}

// DefaultHostConfig returns the limits used when none are configured.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		MemoryLimitBytes: 64 * 1024 * 1024, // 64MB
		MaxOutputBytes:   bridge.DefaultTraceMaxBytes,
		EntryPoint:       "_start",
		ABIConstraint:    "^" + bridge.ABIVersion,
	}
}

// Report describes a finished execution to an observer.
type Report struct {
	ExecutionID string
	CallerID    string
	Mode        string
	Status      metering.Status
	GasUsed     string
	Breakdown   map[string]string
	Duration    time.Duration
}

// Execution modes reported to observers.
const (
	ModeWASM   = "wasm"
	ModeNative = "native"
)

// HostOption configures optional Host collaborators.
type HostOption func(*Host)

// WithLedger records every execution in l.
func WithLedger(l metering.Ledger) HostOption {
	return func(h *Host) { h.ledger = l }
}

// WithObserver calls fn after every execution, including rejected ones.
func WithObserver(fn func(ctx context.Context, r Report)) HostOption {
	return func(h *Host) { h.observe = fn }
}

// Admitter decides whether a caller may start an execution with gasLimit.
type Admitter interface {
	Admit(ctx context.Context, callerID, gasLimit string) error
}

// WithAdmission checks every valid context against a before it runs.
func WithAdmission(a Admitter) HostOption {
	return func(h *Host) { h.admit = a }
}

// WithClock overrides the clock used for ledger timestamps and durations.
func WithClock(clock func() time.Time) HostOption {
	return func(h *Host) { h.clock = clock }
}

// Host executes oracle programs. It owns one wazero runtime with the WASI and
// bridge host modules instantiated once; every execution gets its own guest
// instance, meter and trace. A Host is safe for concurrent use.
type Host struct {
	runtime  wazero.Runtime
	cfg      HostConfig
	schedule *budget.Schedule
	cache    *fetch.Cache
	ledger   metering.Ledger
	observe  func(ctx context.Context, r Report)
	admit    Admitter
	clock    func() time.Time
	logger   *slog.Logger

	modules sync.Map // module hash -> *compiledModule
}

type compiledModule struct {
	compiled wazero.CompiledModule
	hasStart bool
}

// NewHost creates a host. A nil cache fetches through a default client with
// an in-memory store.
func NewHost(ctx context.Context, cfg HostConfig, cache *fetch.Cache, opts ...HostOption) (*Host, error) {
	def := DefaultHostConfig()
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = def.EntryPoint
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = budget.DefaultSchedule()
	}
	if cache == nil {
		cache = fetch.NewCache(nil, fetch.NewClient(fetch.DefaultClientOptions()))
	}

	rConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(min(cfg.MemoryLimitBytes/pageSize, 65536))
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: failed to instantiate WASI: %w", err)
	}
	if _, err := bridge.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: failed to instantiate bridge: %w", err)
	}

	h := &Host{
		runtime:  r,
		cfg:      cfg,
		schedule: schedule,
		cache:    cache,
		clock:    time.Now,
		logger:   slog.Default().With("component", "sandbox"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Cache returns the fetch cache shared by every execution of h.
func (h *Host) Cache() *fetch.Cache {
	return h.cache
}

// Close releases the runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Run executes a WebAssembly guest. On a trap or gas exhaustion it returns
// the partial Outcome together with an *ExecutionError.
func (h *Host) Run(ctx context.Context, ec ExecutionContext) (*Outcome, error) {
	start := h.clock()
	id := uuid.NewString()

	if err := ec.validate(true); err != nil {
		return nil, h.reject(ctx, id, ModeWASM, ec, start, err)
	}
	meter, err := budget.NewMeter(ec.GasLimit, h.schedule)
	if err != nil {
		return nil, h.reject(ctx, id, ModeWASM, ec, start,
			&ExecutionError{Code: ErrCodeInvalidContext, Message: err.Error(), Err: err})
	}
	if err := h.admission(ctx, ec); err != nil {
		return nil, h.reject(ctx, id, ModeWASM, ec, start, err)
	}
	mod, err := h.compile(ctx, ec.Binary)
	if err != nil {
		return nil, h.reject(ctx, id, ModeWASM, ec, start, err)
	}
	rnd, err := NewRandSource(ec.RandomSeed)
	if err != nil {
		return nil, err
	}

	trace := bridge.NewTrace(h.cfg.MaxOutputBytes)
	br := bridge.New(meter, h.cache, trace)
	stdout, stderr := trace.Writer(meter), trace.Writer(meter)

	exhausted, runErr := h.execute(ctx, mod, ec, br, stdout, stderr, rnd)
	_ = stdout.Flush()
	_ = stderr.Flush()

	execErr := classify(runErr, exhausted, trace)
	if execErr == nil || execErr.Code == ErrCodeTrap {
		// A refused stdio line shows up in the guest only as an errno.
		if werr := firstErr(stdout.Err(), stderr.Err()); werr != nil {
			execErr = classify(werr, false, trace)
		}
	}
	return h.finish(ctx, id, ModeWASM, ec, meter, trace, start, execErr)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) execute(ctx context.Context, mod *compiledModule, ec ExecutionContext, br *bridge.Bridge, stdout, stderr *bridge.LineWriter, rnd io.Reader) (bool, error) {
	if h.cfg.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.CPUTimeLimit)
		defer cancel()
	}
	window := bridge.Window{Gas: GasGlobal, ImportGas: ImportGasGlobal}
	ctx = bridge.WithSession(ctx, br, window)

	inst, err := h.runtime.InstantiateModule(ctx, mod.compiled, moduleConfig(ec, stdout, stderr, rnd))
	if err != nil {
		return false, &ExecutionError{Code: ErrCodeInvalidModule, Message: fmt.Sprintf("instantiate: %v", err), Err: err}
	}
	defer func() { _ = inst.Close(context.WithoutCancel(ctx)) }()

	// Captured before the call: a proc_exit closes the instance.
	gas, ok := inst.ExportedGlobal(GasGlobal).(api.MutableGlobal)
	flag := inst.ExportedGlobal(ExhaustedGlobal)
	imports := inst.ExportedGlobal(ImportGasGlobal)
	if !ok || flag == nil || imports == nil {
		return false, &ExecutionError{Code: ErrCodeInvalidModule, Message: "gas globals missing after instrumentation"}
	}
	stdout.Bind(inst, window)
	stderr.Bind(inst, window)

	meter := br.Meter()
	gas.Set(meter.Lend())
	err = h.call(ctx, inst, mod.hasStart)
	if serr := bridge.SettleWindow(meter, gas, imports); serr != nil && err == nil {
		err = serr
	}
	if flag.Get() != 0 {
		meter.Exhaust()
		return true, err
	}
	return false, err
}

func (h *Host) call(ctx context.Context, inst api.Module, hasStart bool) error {
	if hasStart {
		if _, err := inst.ExportedFunction(StartExport).Call(ctx); err != nil {
			return err
		}
	}
	_, err := inst.ExportedFunction(h.cfg.EntryPoint).Call(ctx)
	return err
}

func moduleConfig(ec ExecutionContext, stdout, stderr io.Writer, rnd io.Reader) wazero.ModuleConfig {
	sec, nsec := ec.Timestamp/1000, int32(ec.Timestamp%1000)*int32(time.Millisecond)
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(ec.Args...).
		WithStdout(stdout).
		WithStderr(stderr).
		WithRandSource(rnd).
		WithWalltime(func() (int64, int32) { return sec, nsec }, sys.ClockResolution(time.Millisecond)).
		WithNanotime(func() int64 { return ec.Timestamp * int64(time.Millisecond) }, sys.ClockResolution(time.Millisecond)).
		WithStartFunctions()

	keys := make([]string, 0, len(ec.Env))
	for k := range ec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, ec.Env[k])
	}
	return cfg
}

// compile validates, instruments and compiles bin, caching by content hash.
func (h *Host) compile(ctx context.Context, bin []byte) (*compiledModule, error) {
	key := canonicalize.HashBytes(bin)
	if m, ok := h.modules.Load(key); ok {
		return m.(*compiledModule), nil
	}

	m, err := wasm.Decode(bin)
	if err != nil {
		return nil, invalidModule(err)
	}
	policy := wasm.ImportPolicy{Functions: map[string]map[string]bool{
		bridge.ModuleName:                 bridge.FunctionNames(),
		wasi_snapshot_preview1.ModuleName: nil,
	}}
	if err := wasm.CheckImports(m, policy); err != nil {
		return nil, invalidModule(err)
	}
	if err := wasm.CheckABI(m, h.cfg.ABIConstraint); err != nil {
		return nil, invalidModule(err)
	}
	if err := checkEntry(m, h.cfg.EntryPoint); err != nil {
		return nil, invalidModule(err)
	}
	// Indices past the guest's own would resolve to the injected gas globals
	// and charge function once instrumented, so the guest is validated first.
	original, err := h.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, invalidModule(err)
	}
	_ = original.Close(ctx)

	inst, err := wasm.Instrument(m, wasm.Options{
		InstructionCost: h.schedule.Cost(budget.OpInstruction),
		MemoryGrowCost:  h.schedule.Cost(budget.OpMemoryGrow),
		ImportCallCost: func(imp wasm.Import) uint64 {
			if imp.Module == wasi_snapshot_preview1.ModuleName {
				return h.schedule.Cost(budget.OpWASICall)
			}
			return 0
		},
		GasExport:       GasGlobal,
		ExhaustedExport: ExhaustedGlobal,
		ImportGasExport: ImportGasGlobal,
		StartExport:     StartExport,
	})
	if err != nil {
		return nil, invalidModule(err)
	}
	compiled, err := h.runtime.CompileModule(ctx, inst.Binary)
	if err != nil {
		return nil, invalidModule(err)
	}

	cm := &compiledModule{compiled: compiled, hasStart: inst.HasStart}
	if actual, loaded := h.modules.LoadOrStore(key, cm); loaded {
		_ = compiled.Close(ctx)
		return actual.(*compiledModule), nil
	}
	h.logger.Debug("module compiled", "hash", key, "has_start", inst.HasStart)
	return cm, nil
}

func invalidModule(err error) *ExecutionError {
	return &ExecutionError{Code: ErrCodeInvalidModule, Message: err.Error(), Err: err}
}

// checkEntry requires name to export a function taking no parameters.
func checkEntry(m *wasm.Module, name string) error {
	exp, ok := m.Export(name)
	if !ok || exp.Kind != wasm.KindFunc {
		return fmt.Errorf("entry point %q is not an exported function", name)
	}
	var typeIdx uint32
	if imp, ok := m.FuncImport(exp.Index); ok {
		typeIdx = imp.TypeIndex
	} else {
		i := exp.Index - m.ImportedFuncCount()
		if int(i) >= len(m.Functions) {
			return fmt.Errorf("entry point %q has no function body", name)
		}
		typeIdx = m.Functions[i]
	}
	if int(typeIdx) >= len(m.Types) || len(m.Types[typeIdx].Params) != 0 {
		return fmt.Errorf("entry point %q must take no parameters", name)
	}
	return nil
}

// classify maps how a run ended to an ExecutionError, or nil on success.
func classify(err error, exhausted bool, trace *bridge.Trace) *ExecutionError {
	if exhausted || errors.Is(err, budget.ErrOutOfGas) {
		return &ExecutionError{Code: ErrCodeOutOfGas, Message: "gas limit exhausted", Err: err}
	}
	if err == nil {
		if trace.Exhausted() {
			return &ExecutionError{Code: ErrCodeTrap, Message: "log output limit exceeded", Err: bridge.ErrOutputExhausted}
		}
		return nil
	}

	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case 0:
			return classify(nil, false, trace)
		case sys.ExitCodeDeadlineExceeded:
			return &ExecutionError{Code: ErrCodeTrap, Message: "cpu time limit exceeded", Err: err}
		case sys.ExitCodeContextCanceled:
			return &ExecutionError{Code: ErrCodeTrap, Message: "execution cancelled", Err: err}
		}
		return &ExecutionError{Code: ErrCodeTrap, Message: fmt.Sprintf("exit code %d", exit.ExitCode()), Err: err}
	}
	var abort *bridge.AbortError
	if errors.As(err, &abort) {
		return &ExecutionError{Code: ErrCodeTrap, Message: abort.Error(), Err: err}
	}
	return &ExecutionError{Code: ErrCodeTrap, Message: err.Error(), Err: err}
}

func statusOf(err *ExecutionError) metering.Status {
	switch {
	case err == nil:
		return metering.StatusSucceeded
	case err.Code == ErrCodeOutOfGas:
		return metering.StatusOutOfGas
	case err.Code == ErrCodeTrap:
		return metering.StatusTrapped
	}
	return metering.StatusRejected
}

func (h *Host) finish(ctx context.Context, id, mode string, ec ExecutionContext, meter *budget.Meter, trace *bridge.Trace, start time.Time, execErr *ExecutionError) (*Outcome, error) {
	out, err := newOutcome(id, trace.Lines(), meter.GasUsed().String(), meter.Breakdown())
	if err != nil {
		return nil, err
	}
	h.record(ctx, Report{
		ExecutionID: id,
		CallerID:    ec.CallerID(),
		Mode:        mode,
		Status:      statusOf(execErr),
		GasUsed:     out.GasUsed,
		Breakdown:   out.Breakdown,
		Duration:    h.clock().Sub(start),
	})
	if execErr != nil {
		h.logger.Info("execution failed", "execution_id", id, "code", execErr.Code, "message", execErr.Message, "gas_used", out.GasUsed)
		return out, execErr
	}
	h.logger.Debug("execution finished", "execution_id", id, "gas_used", out.GasUsed, "lines", len(out.Logs))
	return out, nil
}

func (h *Host) admission(ctx context.Context, ec ExecutionContext) error {
	if h.admit == nil {
		return nil
	}
	if err := h.admit.Admit(ctx, ec.CallerID(), ec.GasLimit); err != nil {
		return &ExecutionError{Code: ErrCodeQuotaExceeded, Message: err.Error(), Err: err}
	}
	return nil
}

func (h *Host) reject(ctx context.Context, id, mode string, ec ExecutionContext, start time.Time, err error) error {
	h.record(ctx, Report{
		ExecutionID: id,
		CallerID:    ec.CallerID(),
		Mode:        mode,
		Status:      metering.StatusRejected,
		GasUsed:     "0",
		Duration:    h.clock().Sub(start),
	})
	h.logger.Warn("execution rejected", "execution_id", id, "error", err)
	return err
}

func (h *Host) record(ctx context.Context, r Report) {
	if h.ledger != nil {
		err := h.ledger.Record(ctx, metering.Entry{
			ExecutionID: r.ExecutionID,
			CallerID:    r.CallerID,
			Status:      r.Status,
			GasUsed:     r.GasUsed,
			Breakdown:   r.Breakdown,
			Timestamp:   h.clock(),
		})
		if err != nil {
			h.logger.Warn("ledger record failed", "execution_id", r.ExecutionID, "error", err)
		}
	}
	if h.observe != nil {
		h.observe(ctx, r)
	}
}
