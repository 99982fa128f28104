package sandbox_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxprotocol/oraclevm/pkg/metering"
	"github.com/fluxprotocol/oraclevm/pkg/numeric"
	"github.com/fluxprotocol/oraclevm/pkg/quota"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

func TestRunNative_Success(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	ec := execCtx(nil, "100000")
	ec.Args = []string{"alice", "[]", "number", "1000"}
	ec.Env = map[string]string{"NETWORK": "testnet"}

	prog := sandbox.ProgramFunc(func(ctx context.Context, call *sandbox.Call) error {
		assert.Equal(t, ec.Args, call.Args)
		assert.Equal(t, "testnet", call.Env["NETWORK"])
		assert.Equal(t, ec.Timestamp, call.Timestamp)

		v, stats, err := call.Caps.Aggregate(ctx, []numeric.Entry{{Value: "40"}, {Value: "101"}}, call.Args[3], numeric.KindNumber)
		if err != nil {
			return err
		}
		if err := call.Caps.Log(ctx, stats.LogLine()); err != nil {
			return err
		}
		return call.Caps.Log(ctx, `{"value":"`+v+`"}`)
	})

	out, err := h.RunNative(context.Background(), ec, prog)
	require.NoError(t, err)
	assert.Equal(t, []string{"used sources: 2/2", `{"value":"70500"}`}, out.Logs)
	// aggregate with two sources, then two 17 byte logs
	assert.Equal(t, "2234", out.GasUsed)
	v, ok := out.Value()
	require.True(t, ok)
	assert.Equal(t, "70500", v)
}

func TestRunNative_Abort(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.RunNative(context.Background(), execCtx(nil, "1000"), sandbox.ProgramFunc(
		func(ctx context.Context, call *sandbox.Call) error {
			_ = call.Caps.Log(ctx, "used sources: 0/2")
			return call.Caps.Abort(ctx, "ERR_FAILING_SOURCES")
		}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrTrap))
	assert.Contains(t, err.Error(), "ERR_FAILING_SOURCES")
	assert.Equal(t, []string{"used sources: 0/2"}, out.Logs)
}

func TestRunNative_OutOfGas(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	out, err := h.RunNative(context.Background(), execCtx(nil, "150"), sandbox.ProgramFunc(
		func(ctx context.Context, call *sandbox.Call) error {
			for {
				if err := call.Caps.Log(ctx, "spin"); err != nil {
					return err
				}
			}
		}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, budget.ErrOutOfGas))
	assert.Equal(t, []string{"spin"}, out.Logs)
	assert.Equal(t, "150", out.GasUsed)
}

func TestRunNative_PanicIsTrap(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	_, err := h.RunNative(context.Background(), execCtx(nil, "1000"), sandbox.ProgramFunc(
		func(ctx context.Context, call *sandbox.Call) error {
			var m map[string]int
			m["boom"]++
			return nil
		}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrTrap))
	assert.Contains(t, err.Error(), "program panicked")
}

func TestRunNative_InvalidContext(t *testing.T) {
	h := newHost(t, sandbox.DefaultHostConfig(), nil)
	_, err := h.RunNative(context.Background(), execCtx(nil, "lots"), sandbox.ProgramFunc(
		func(context.Context, *sandbox.Call) error { return nil }))
	var ee *sandbox.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, sandbox.ErrCodeInvalidContext, ee.Code)
}

func TestRunNative_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	ledger := metering.NewMemoryLedger()
	require.NoError(t, ledger.Record(ctx, metering.Entry{
		ExecutionID: "earlier",
		CallerID:    "alice",
		Status:      metering.StatusSucceeded,
		GasUsed:     "900",
		Timestamp:   time.Now(),
	}))
	enforcer := quota.NewEnforcer(quota.NewMemoryStorage(), ledger, quota.Limits{Daily: "1000"})
	h := newHost(t, sandbox.DefaultHostConfig(), nil, sandbox.WithLedger(ledger), sandbox.WithAdmission(enforcer))

	ran := false
	prog := sandbox.ProgramFunc(func(context.Context, *sandbox.Call) error {
		ran = true
		return nil
	})

	out, err := h.RunNative(ctx, execCtx(nil, "200"), prog)
	assert.Nil(t, out)
	var ee *sandbox.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, sandbox.ErrCodeQuotaExceeded, ee.Code)
	assert.True(t, errors.Is(err, quota.ErrExceeded))
	assert.False(t, ran)

	_, err = h.RunNative(ctx, execCtx(nil, "100"), prog)
	require.NoError(t, err)
	assert.True(t, ran)

	usage, err := ledger.GetUsage(ctx, "alice", metering.DailyPeriod())
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.ByStatus[metering.StatusRejected])
}

func TestNewRandSource_Deterministic(t *testing.T) {
	read := func(seed string) []byte {
		src, err := sandbox.NewRandSource(seed)
		require.NoError(t, err)
		buf := make([]byte, 64)
		_, err = io.ReadFull(src, buf)
		require.NoError(t, err)
		return buf
	}
	assert.Equal(t, read("a"), read("a"))
	assert.NotEqual(t, read("a"), read("b"))
	assert.NotEqual(t, make([]byte, 64), read(""))

	// Successive reads continue the stream.
	src, err := sandbox.NewRandSource("a")
	require.NoError(t, err)
	first, second := make([]byte, 32), make([]byte, 32)
	_, _ = io.ReadFull(src, first)
	_, _ = io.ReadFull(src, second)
	assert.Equal(t, read("a"), append(first, second...))
}
