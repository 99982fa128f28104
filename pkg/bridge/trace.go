package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/fluxprotocol/oraclevm/pkg/runtime/budget"
)

// DefaultTraceMaxBytes bounds the total size of a trace.
const DefaultTraceMaxBytes = 1024 * 1024 // 1MB

// ErrOutputExhausted is returned once a trace has reached its size limit.
var ErrOutputExhausted = errors.New("bridge: log output limit exceeded")

// Trace is the ordered, append-only log of one execution. Guest stdout,
// guest stderr and explicit log calls all append to the same sequence.
type Trace struct {
	mu       sync.Mutex
	lines    []string
	size     int
	maxBytes int
	full     bool
	logger   *slog.Logger
}

// NewTrace creates a trace bounded to maxBytes (DefaultTraceMaxBytes if <= 0).
func NewTrace(maxBytes int) *Trace {
	if maxBytes <= 0 {
		maxBytes = DefaultTraceMaxBytes
	}
	return &Trace{
		maxBytes: maxBytes,
		logger:   slog.Default().With("component", "guest"),
	}
}

// Append adds one line.
func (t *Trace) Append(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.size+len(line) > t.maxBytes {
		t.full = true
		return fmt.Errorf("%w: %d bytes", ErrOutputExhausted, t.maxBytes)
	}
	t.size += len(line)
	t.lines = append(t.lines, line)
	t.logger.Debug(line)
	return nil
}

// Exhausted reports whether an append was refused for exceeding the limit.
func (t *Trace) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.full
}

// Lines returns a copy of the lines appended so far.
func (t *Trace) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// LineWriter adapts a Trace to io.Writer, appending one line per '\n'.
// Each line is charged like an explicit log call. Flush appends a trailing
// partial line.
type LineWriter struct {
	trace  *Trace
	meter  *budget.Meter
	guest  api.Module
	window Window
	buf    bytes.Buffer
	err    error
}

// Writer returns a new LineWriter charging lines to meter; a nil meter
// leaves them free. Use one writer per stream so partial lines of different
// streams are not interleaved.
func (t *Trace) Writer(meter *budget.Meter) *LineWriter {
	return &LineWriter{trace: t, meter: meter}
}

// Bind makes every charge settle the guest's gas window first and lend a
// fresh one afterwards, the way host calls do.
func (w *LineWriter) Bind(guest api.Module, window Window) {
	w.guest, w.window = guest, window
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.buf.Next(i+1)[:i]), "\r")
		if err := w.emit(line, w.guest != nil); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush appends any buffered partial line. It must only be called once the
// guest has stopped.
func (w *LineWriter) Flush() error {
	if w.buf.Len() == 0 {
		return nil
	}
	line := strings.TrimSuffix(w.buf.String(), "\r")
	w.buf.Reset()
	return w.emit(line, false)
}

// Err returns the first error a line was refused with. The guest only sees
// an errno for it.
func (w *LineWriter) Err() error {
	return w.err
}

func (w *LineWriter) emit(line string, settle bool) (err error) {
	defer func() {
		if err != nil && w.err == nil {
			w.err = err
		}
	}()
	if w.meter == nil {
		return w.trace.Append(line)
	}
	if settle {
		if gas, ok := w.guest.ExportedGlobal(w.window.Gas).(api.MutableGlobal); ok {
			var imports api.Global
			if w.window.ImportGas != "" {
				imports = w.guest.ExportedGlobal(w.window.ImportGas)
			}
			if err := SettleWindow(w.meter, gas, imports); err != nil {
				gas.Set(0)
				return err
			}
			defer func() { gas.Set(w.meter.Lend()) }()
		}
	}
	if err := w.meter.ChargeOp(budget.OpLog); err != nil {
		return err
	}
	if err := w.meter.ChargeBytes(budget.OpLogByte, len(line)); err != nil {
		return err
	}
	return w.trace.Append(line)
}
