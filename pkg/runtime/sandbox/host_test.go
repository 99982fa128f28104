package sandbox_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxprotocol/oraclevm/pkg/bridge"
	"github.com/fluxprotocol/oraclevm/pkg/fetch"
	"github.com/fluxprotocol/oraclevm/pkg/metering"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
	wt "github.com/fluxprotocol/oraclevm/pkg/wasm/wasmtest"
)

const wasi = "wasi_snapshot_preview1"

var (
	i32x2 = []byte{wt.I32, wt.I32}
	i32x4 = []byte{wt.I32, wt.I32, wt.I32, wt.I32}
)

func newHost(t *testing.T, cfg sandbox.HostConfig, cache *fetch.Cache, opts ...sandbox.HostOption) *sandbox.Host {
	t.Helper()
	ctx := context.Background()
	h, err := sandbox.NewHost(ctx, cfg, cache, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(ctx) })
	return h
}

func execCtx(bin []byte, gas string) sandbox.ExecutionContext {
	return sandbox.ExecutionContext{
		Args:       []string{"alice"},
		Binary:     bin,
		GasLimit:   gas,
		RandomSeed: "seed-1",
		Timestamp:  1634718240123,
	}
}

// logGuest logs each line through oracle_log from _start.
func logGuest(lines ...string) []byte {
	b := wt.New()
	logFn := b.ImportFunc(bridge.ModuleName, bridge.FuncLog, i32x2, nil)
	var code []byte
	at := uint32(0)
	for _, l := range lines {
		b.Data(at, []byte(l))
		code = wt.Code(code, wt.I32Const(int32(at)), wt.I32Const(int32(len(l))), wt.Call(logFn))
		at += uint32(len(l))
	}
	run := b.Func(nil, nil, nil, wt.Code(code, wt.End))
	return b.Memory(1).Export("_start", run).Build()
}

func body(parts ...[]byte) []byte {
	return wt.Code(append(parts, wt.End)...)
}

func TestHost_RunLogsAndChargesGas(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)

	out, err := h.Run(context.Background(), execCtx(logGuest("hello", `{"value":"42"}`), "1000000"))
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", `{"value":"42"}`}, out.Logs)

	// Two segments of const, const, call plus the final end; two logs.
	assert.Equal(t, "226", out.GasUsed)
	assert.Equal(t, map[string]string{
		"instruction": "7",
		"log":         "200",
		"log_byte":    "19",
	}, out.Breakdown)

	v, ok := out.Value()
	require.True(t, ok)
	assert.Equal(t, "42", v)
	assert.NotEmpty(t, out.ExecutionID)
	assert.Contains(t, out.Digest, "sha256:")
}

func TestHost_DeterministicOutcome(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	bin := logGuest("a", "b", `{"value":"x"}`)

	first, err := h.Run(context.Background(), execCtx(bin, "100000"))
	require.NoError(t, err)
	second, err := h.Run(context.Background(), execCtx(bin, "100000"))
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.GasUsed, second.GasUsed)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	other := newHost(t, sandbox.DefaultHostConfig(), nil)
	third, err := other.Run(context.Background(), execCtx(bin, "100000"))
	require.NoError(t, err)
	assert.Equal(t, first.Digest, third.Digest)
}

// stdoutGuest writes text to fd 1 with a single fd_write.
func stdoutGuest(text string) []byte {
	b := wt.New()
	fdWrite := b.ImportFunc(wasi, "fd_write", i32x4, []byte{wt.I32})
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], 16)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(text)))
	b.Data(0, iov).Data(16, []byte(text))
	run := b.Func(nil, nil, nil, body(
		wt.I32Const(1), wt.I32Const(0), wt.I32Const(1), wt.I32Const(8), wt.Call(fdWrite),
		wt.Drop,
	))
	return b.Memory(1).Export("_start", run).Build()
}

func TestHost_StdoutJoinsTrace(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(stdoutGuest("from stdout\n"), "1000"))
	require.NoError(t, err)
	assert.Equal(t, []string{"from stdout"}, out.Logs)
	// Four consts, a WASI call, drop and end, plus the line priced as a log.
	assert.Equal(t, "218", out.GasUsed)
	assert.Equal(t, map[string]string{
		"instruction": "7",
		"wasi_call":   "100",
		"log":         "100",
		"log_byte":    "11",
	}, out.Breakdown)
}

func TestHost_StdoutPricedBySize(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	short, err := h.Run(context.Background(), execCtx(stdoutGuest("ok\n"), "100000"))
	require.NoError(t, err)
	long, err := h.Run(context.Background(), execCtx(stdoutGuest(strings.Repeat("x", 1000)+"\n"), "100000"))
	require.NoError(t, err)

	assert.Equal(t, "209", short.GasUsed)
	assert.Equal(t, "1207", long.GasUsed)

	// the same line through oracle_log costs the same apart from the call
	logged, err := h.Run(context.Background(), execCtx(logGuest("ok"), "100000"))
	require.NoError(t, err)
	assert.Equal(t, short.Breakdown["log"], logged.Breakdown["log"])
	assert.Equal(t, short.Breakdown["log_byte"], logged.Breakdown["log_byte"])
}

func TestHost_OutOfGasInsideStdoutWrite(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(stdoutGuest("from stdout\n"), "150"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrOutOfGas))

	var ee *sandbox.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, sandbox.ErrCodeOutOfGas, ee.Code)
	require.NotNil(t, out)
	assert.Empty(t, out.Logs)
	assert.Equal(t, "150", out.GasUsed)
}

func TestHost_ProcExit(t *testing.T) {
	exit := func(code int32) []byte {
		b := wt.New()
		procExit := b.ImportFunc(wasi, "proc_exit", []byte{wt.I32}, nil)
		run := b.Func(nil, nil, nil, body(wt.I32Const(code), wt.Call(procExit)))
		return b.Memory(1).Export("_start", run).Build()
	}
	h := newHost(t, sandbox.DefaultHostConfig(), nil)

	out, err := h.Run(context.Background(), execCtx(exit(0), "1000"))
	require.NoError(t, err)
	assert.Equal(t, "102", out.GasUsed)

	out, err = h.Run(context.Background(), execCtx(exit(3), "1000"))
	require.Error(t, err)
	require.NotNil(t, out)
	var ee *sandbox.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, sandbox.ErrCodeTrap, ee.Code)
	assert.Equal(t, "exit code 3", ee.Message)
}

func TestHost_OutOfGasReturnsPartialOutcome(t *testing.T) {
	b := wt.New()
	logFn := b.ImportFunc(bridge.ModuleName, bridge.FuncLog, i32x2, nil)
	b.Data(0, []byte("before"))
	run := b.Func(nil, nil, nil, body(
		wt.I32Const(0), wt.I32Const(6), wt.Call(logFn),
		wt.Loop(), wt.Br(0), wt.End,
	))
	bin := b.Memory(1).Export("_start", run).Build()

	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(bin, "5000"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrOutOfGas))
	assert.False(t, errors.Is(err, sandbox.ErrTrap))

	var ee *sandbox.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, sandbox.ErrCodeOutOfGas, ee.Code)

	require.NotNil(t, out)
	assert.Equal(t, []string{"before"}, out.Logs)
	assert.Equal(t, "5000", out.GasUsed)
}

func TestHost_OutOfGasInsideHostCall(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(logGuest("this line is too expensive"), "50"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrOutOfGas))
	assert.Empty(t, out.Logs)
	assert.Equal(t, "50", out.GasUsed)
}

func TestHost_BigGasLimit(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(logGuest("x"), "1000000000000000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, "105", out.GasUsed)
}

func TestHost_Traps(t *testing.T) {
	cases := []struct {
		name  string
		build func(b *wt.Builder) []byte
		want  string
		is    error
	}{
		{
			name: "unreachable",
			build: func(b *wt.Builder) []byte {
				run := b.Func(nil, nil, nil, body(wt.Unreachable))
				return b.Memory(1).Export("_start", run).Build()
			},
			want: "unreachable",
		},
		{
			name: "abort",
			build: func(b *wt.Builder) []byte {
				abort := b.ImportFunc(bridge.ModuleName, bridge.FuncAbort, i32x2, nil)
				b.Data(0, []byte("ERR_NO_SOURCES"))
				run := b.Func(nil, nil, nil, body(wt.I32Const(0), wt.I32Const(14), wt.Call(abort)))
				return b.Memory(1).Export("_start", run).Build()
			},
			want: "ERR_NO_SOURCES",
		},
		{
			name: "memory access",
			build: func(b *wt.Builder) []byte {
				logFn := b.ImportFunc(bridge.ModuleName, bridge.FuncLog, i32x2, nil)
				run := b.Func(nil, nil, nil, body(wt.I32Const(70000), wt.I32Const(5), wt.Call(logFn)))
				return b.Memory(1).Export("_start", run).Build()
			},
			is: bridge.ErrMemoryAccess,
		},
	}
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := h.Run(context.Background(), execCtx(tc.build(wt.New()), "100000"))
			require.Error(t, err)
			require.NotNil(t, out)
			assert.True(t, errors.Is(err, sandbox.ErrTrap))
			assert.False(t, errors.Is(err, budget.ErrOutOfGas))
			if tc.want != "" {
				assert.Contains(t, err.Error(), tc.want)
			}
			if tc.is != nil {
				assert.True(t, errors.Is(err, tc.is))
			}
		})
	}
}

func TestHost_OutputLimit(t *testing.T) {
	cfg := sandbox.DefaultHostConfig()
	cfg.MaxOutputBytes = 4
	h := newHost(t, cfg, nil)

	out, err := h.Run(context.Background(), execCtx(logGuest("hi", "there"), "100000"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrTrap))
	assert.True(t, errors.Is(err, bridge.ErrOutputExhausted))
	assert.Equal(t, []string{"hi"}, out.Logs)
}

func TestHost_StartFunctionRunsFirst(t *testing.T) {
	b := wt.New()
	logFn := b.ImportFunc(bridge.ModuleName, bridge.FuncLog, i32x2, nil)
	b.Data(0, []byte("initrun"))
	initFn := b.Func(nil, nil, nil, body(wt.I32Const(0), wt.I32Const(4), wt.Call(logFn)))
	run := b.Func(nil, nil, nil, body(wt.I32Const(4), wt.I32Const(3), wt.Call(logFn)))
	bin := b.Memory(1).Export("_start", run).Start(initFn).Build()

	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(bin, "100000"))
	require.NoError(t, err)
	assert.Equal(t, []string{"init", "run"}, out.Logs)
}

func TestHost_RejectsInvalidModules(t *testing.T) {
	disallowed := func() []byte {
		b := wt.New()
		b.ImportFunc(bridge.ModuleName, "oracle_sleep", nil, nil)
		run := b.Func(nil, nil, nil, body())
		return b.Export("_start", run).Build()
	}
	foreign := func() []byte {
		b := wt.New()
		b.ImportFunc("host", "anything", nil, nil)
		run := b.Func(nil, nil, nil, body())
		return b.Export("_start", run).Build()
	}
	abi := func(v string) []byte {
		b := wt.New()
		run := b.Func(nil, nil, nil, body())
		return b.Export("_start", run).Custom("oracle_abi", []byte(v)).Build()
	}
	noEntry := func() []byte {
		b := wt.New()
		run := b.Func(nil, nil, nil, body())
		return b.Export("main", run).Build()
	}
	entryWithParams := func() []byte {
		b := wt.New()
		run := b.Func([]byte{wt.I32}, nil, nil, body())
		return b.Export("_start", run).Build()
	}

	// Both reference indices the guest does not define but instrumentation
	// would add: the gas global and the charge function.
	refillsGas := func() []byte {
		b := wt.New()
		run := b.Func(nil, nil, nil, body(wt.I64Const(1<<40), []byte{0x24, 0x00}))
		return b.Export("_start", run).Build()
	}
	callsCharge := func() []byte {
		b := wt.New()
		run := b.Func(nil, nil, nil, body(wt.I64Const(-1_000_000), wt.Call(1)))
		return b.Export("_start", run).Build()
	}

	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	for name, bin := range map[string][]byte{
		"garbage":           []byte("definitely not wasm"),
		"undefined global":  refillsGas(),
		"undefined func":    callsCharge(),
		"unknown function":  disallowed(),
		"foreign module":    foreign(),
		"abi too new":       abi("2.0.0"),
		"abi unparsable":    abi("one"),
		"missing entry":     noEntry(),
		"entry with params": entryWithParams(),
	} {
		out, err := h.Run(context.Background(), execCtx(bin, "1000"))
		require.Error(t, err, name)
		assert.Nil(t, out, name)
		var ee *sandbox.ExecutionError
		require.True(t, errors.As(err, &ee), name)
		assert.Equal(t, sandbox.ErrCodeInvalidModule, ee.Code, name)
	}

	out, err := h.Run(context.Background(), execCtx(abi("1.4.2"), "1000"))
	require.NoError(t, err)
	assert.Equal(t, "1", out.GasUsed)
}

func TestHost_RejectsInvalidContext(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	bin := logGuest("x")

	for name, ec := range map[string]sandbox.ExecutionContext{
		"empty binary":  execCtx(nil, "10"),
		"empty gas":     execCtx(bin, ""),
		"negative gas":  execCtx(bin, "-1"),
		"fractional":    execCtx(bin, "1.5"),
		"bad env key":   {Binary: bin, GasLimit: "10", Env: map[string]string{"A=B": "c"}},
		"negative time": {Binary: bin, GasLimit: "10", Timestamp: -1},
	} {
		_, err := h.Run(context.Background(), ec)
		var ee *sandbox.ExecutionError
		require.True(t, errors.As(err, &ee), name)
		assert.Equal(t, sandbox.ErrCodeInvalidContext, ee.Code, name)
	}
}

func TestHost_ClockAndRandomAreSeeded(t *testing.T) {
	b := wt.New()
	clock := b.ImportFunc(wasi, "clock_time_get", []byte{wt.I32, wt.I64, wt.I32}, []byte{wt.I32})
	random := b.ImportFunc(wasi, "random_get", i32x2, []byte{wt.I32})
	logFn := b.ImportFunc(bridge.ModuleName, bridge.FuncLog, i32x2, nil)
	run := b.Func(nil, nil, nil, body(
		wt.I32Const(0), wt.I64Const(1), wt.I32Const(0), wt.Call(clock), wt.Drop,
		wt.I32Const(0), wt.I32Const(8), wt.Call(logFn),
		wt.I32Const(16), wt.I32Const(8), wt.Call(random), wt.Drop,
		wt.I32Const(16), wt.I32Const(8), wt.Call(logFn),
	))
	bin := b.Memory(1).Export("_start", run).Build()

	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.Run(context.Background(), execCtx(bin, "100000"))
	require.NoError(t, err)
	require.Len(t, out.Logs, 2)

	assert.Equal(t, uint64(1634718240123000000), binary.LittleEndian.Uint64([]byte(out.Logs[0])))

	want := make([]byte, 8)
	src, err := sandbox.NewRandSource("seed-1")
	require.NoError(t, err)
	_, err = io.ReadFull(src, want)
	require.NoError(t, err)
	assert.Equal(t, string(want), out.Logs[1])

	ec := execCtx(bin, "100000")
	ec.RandomSeed = "seed-2"
	other, err := h.Run(context.Background(), ec)
	require.NoError(t, err)
	assert.NotEqual(t, out.Logs[1], other.Logs[1])
}

func TestHost_FetchThroughSharedCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"weight":40}`))
	}))
	defer srv.Close()

	req, err := json.Marshal(fetch.Request{URL: srv.URL})
	require.NoError(t, err)

	b := wt.New()
	fetchFn := b.ImportFunc(bridge.ModuleName, bridge.FuncFetch, i32x2, []byte{wt.I64})
	readFn := b.ImportFunc(bridge.ModuleName, bridge.FuncReadResult, i32x2, []byte{wt.I32})
	logFn := b.ImportFunc(bridge.ModuleName, bridge.FuncLog, i32x2, nil)
	b.Data(64, req)
	run := b.Func(nil, nil, nil, body(
		wt.I32Const(64), wt.I32Const(int32(len(req))), wt.Call(fetchFn), wt.Drop,
		wt.I32Const(1024), wt.I32Const(1024), wt.I32Const(256), wt.Call(readFn),
		wt.Call(logFn),
	))
	bin := b.Memory(1).Export("_start", run).Build()

	store := fetch.NewMemoryStore()
	h := newHost(t, sandbox.DefaultHostConfig(), fetch.NewCache(store, fetch.NewClient(fetch.DefaultClientOptions())))

	miss, err := h.Run(context.Background(), execCtx(bin, "1000000"))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"weight":40}`}, miss.Logs)
	assert.Equal(t, "40000", miss.Breakdown["fetch_miss"])

	hit, err := h.Run(context.Background(), execCtx(bin, "1000000"))
	require.NoError(t, err)
	assert.Equal(t, miss.Logs, hit.Logs)
	assert.NotContains(t, hit.Breakdown, "fetch_miss")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 1, store.Len())
}

func TestHost_CPUTimeLimit(t *testing.T) {
	b := wt.New()
	run := b.Func(nil, nil, nil, body(wt.Loop(), wt.Br(0), wt.End))
	bin := b.Export("_start", run).Build()

	cfg := sandbox.DefaultHostConfig()
	cfg.CPUTimeLimit = 50 * time.Millisecond
	h := newHost(t, cfg, nil)

	_, err := h.Run(context.Background(), execCtx(bin, "1000000000000000000000000"))
	require.Error(t, err)
	var ee *sandbox.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, sandbox.ErrCodeTrap, ee.Code)
	assert.Equal(t, "cpu time limit exceeded", ee.Message)
}

func TestHost_LedgerAndObserver(t *testing.T) {
	ledger := metering.NewMemoryLedger()
	var mu sync.Mutex
	var reports []sandbox.Report
	h := newHost(t, sandbox.DefaultHostConfig(), nil,
		sandbox.WithLedger(ledger),
		sandbox.WithObserver(func(_ context.Context, r sandbox.Report) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, r)
		}),
	)
	ctx := context.Background()

	_, err := h.Run(ctx, execCtx(logGuest("ok"), "1000"))
	require.NoError(t, err)
	_, err = h.Run(ctx, execCtx(logGuest("too expensive"), "10"))
	require.Error(t, err)
	_, err = h.Run(ctx, execCtx(nil, "10"))
	require.Error(t, err)

	usage, err := ledger.GetUsage(ctx, "alice", metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Executions)
	assert.Equal(t, int64(1), usage.ByStatus[metering.StatusSucceeded])
	assert.Equal(t, int64(1), usage.ByStatus[metering.StatusOutOfGas])
	assert.Equal(t, int64(1), usage.ByStatus[metering.StatusRejected])
	assert.Equal(t, "116", usage.GasUsed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 3)
	assert.Equal(t, sandbox.ModeWASM, reports[0].Mode)
	assert.Equal(t, "alice", reports[0].CallerID)
	assert.Equal(t, "106", reports[0].GasUsed)
	assert.Equal(t, metering.StatusRejected, reports[2].Status)
}

func TestOutcome_Value(t *testing.T) {
	cases := []struct {
		logs []string
		want string
		ok   bool
	}{
		{[]string{"x", `{"value":"70500"}`}, "70500", true},
		{[]string{`{"value":""}`}, "", true},
		{[]string{`{"other":"1"}`}, "", false},
		{[]string{"plain"}, "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := (&sandbox.Outcome{Logs: tc.logs}).Value()
		assert.Equal(t, tc.ok, ok, "%v", tc.logs)
		assert.Equal(t, tc.want, got)
	}
}
