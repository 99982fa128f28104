package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/fluxprotocol/oraclevm/pkg/bridge"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
)

// Call is what a native Program receives: the same capabilities, arguments,
// environment, clock and random source a WebAssembly guest sees.
type Call struct {
	Caps      bridge.Capabilities
	Args      []string
	Env       map[string]string
	Timestamp int64
	Rand      io.Reader
}

// Program is an oracle program written in Go. It reports its result through
// Caps.Log and fails through Caps.Abort or by returning an error.
type Program interface {
	Run(ctx context.Context, call *Call) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(ctx context.Context, call *Call) error

func (f ProgramFunc) Run(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// RunNative executes p against a fresh meter and trace. Only capability calls
// are charged; native code has no instruction metering.
func (h *Host) RunNative(ctx context.Context, ec ExecutionContext, p Program) (*Outcome, error) {
	start := h.clock()
	id := uuid.NewString()

	if err := ec.validate(false); err != nil {
		return nil, h.reject(ctx, id, ModeNative, ec, start, err)
	}
	meter, err := budget.NewMeter(ec.GasLimit, h.schedule)
	if err != nil {
		return nil, h.reject(ctx, id, ModeNative, ec, start,
			&ExecutionError{Code: ErrCodeInvalidContext, Message: err.Error(), Err: err})
	}
	if err := h.admission(ctx, ec); err != nil {
		return nil, h.reject(ctx, id, ModeNative, ec, start, err)
	}
	rnd, err := NewRandSource(ec.RandomSeed)
	if err != nil {
		return nil, err
	}

	trace := bridge.NewTrace(h.cfg.MaxOutputBytes)
	call := &Call{
		Caps:      bridge.New(meter, h.cache, trace),
		Args:      append([]string(nil), ec.Args...),
		Env:       ec.Env,
		Timestamp: ec.Timestamp,
		Rand:      rnd,
	}

	if h.cfg.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.CPUTimeLimit)
		defer cancel()
	}
	runErr := runProgram(ctx, p, call)
	return h.finish(ctx, id, ModeNative, ec, meter, trace, start, classify(runErr, false, trace))
}

func runProgram(ctx context.Context, p Program, call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("program panicked: %w", e)
				return
			}
			err = fmt.Errorf("program panicked: %v", r)
		}
	}()
	return p.Run(ctx, call)
}
