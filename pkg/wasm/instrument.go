package wasm

import (
	"bytes"
	"fmt"
)

const (
	valI32 byte = 0x7F
	valI64 byte = 0x7E
)

// Options configures Instrument.
type Options struct {
	// InstructionCost is charged for every executed instruction.
	InstructionCost uint64
	// MemoryGrowCost is charged on top of InstructionCost per memory.grow.
	MemoryGrowCost uint64
	// ImportCallCost prices a call to an imported function on top of
	// InstructionCost. Nil means imports cost nothing extra.
	ImportCallCost func(imp Import) uint64
	// GasExport names the exported i64 global holding the unspent window.
	GasExport string
	// ExhaustedExport names the exported i32 global set to 1 when the guest
	// runs out of gas.
	ExhaustedExport string
	// ImportGasExport, when set, names an exported i64 global that counts
	// the ImportCallCost share of the gas spent from the window. Without it
	// import costs are only visible as part of the window.
	ImportGasExport string
	// StartExport is the export a start function is moved to, so that the
	// host can run it after lending gas.
	StartExport string
}

// Instrumented is the result of Instrument.
type Instrumented struct {
	Binary []byte
	// HasStart is true when a start function was moved to Options.StartExport.
	HasStart bool
}

// Instrument rewrites m so that every straight-line run of instructions first
// calls an injected charge function with the run's total cost. The charge
// function decrements the exported gas global and traps, after zeroing it and
// raising the exhausted flag, when the cost exceeds what is left. Only
// appends are made to the index spaces, so existing indices stay valid.
func Instrument(m *Module, opts Options) (*Instrumented, error) {
	for _, name := range []string{opts.GasExport, opts.ExhaustedExport, opts.StartExport} {
		if name == "" {
			return nil, fmt.Errorf("wasm: instrumentation export names must be set")
		}
	}
	for _, name := range []string{opts.GasExport, opts.ExhaustedExport, opts.StartExport, opts.ImportGasExport} {
		if _, clash := m.Export(name); clash && name != "" {
			return nil, fmt.Errorf("%w: module already exports reserved name %q", ErrUnsupported, name)
		}
	}

	typeIdx := uint32(len(m.Types))
	chargeIdx := m.importedFuncs + uint32(len(m.Functions))
	gasIdx := m.importedGlobals + m.GlobalCount
	flagIdx := gasIdx + 1
	importIdx := gasIdx + 2

	out := &Module{Sections: append([]Section(nil), m.Sections...)}

	// (i64) -> ()
	if err := out.appendEntries(SectionType, uint32(len(m.Types)), []byte{0x60, 0x01, valI64, 0x00}); err != nil {
		return nil, err
	}
	if err := out.appendEntries(SectionFunction, uint32(len(m.Functions)), appendVarUint(nil, uint64(typeIdx))); err != nil {
		return nil, err
	}
	globals := []byte{
		valI64, 0x01, opI64Const, 0x00, opEnd,
		valI32, 0x01, opI32Const, 0x00, opEnd,
	}
	newGlobals := uint32(2)
	if opts.ImportGasExport != "" {
		globals = append(globals, valI64, 0x01, opI64Const, 0x00, opEnd)
		newGlobals++
	}
	if err := out.appendRawEntries(SectionGlobal, m.GlobalCount, newGlobals, globals); err != nil {
		return nil, err
	}

	var exports []byte
	exports = appendExport(exports, opts.GasExport, KindGlobal, gasIdx)
	exports = appendExport(exports, opts.ExhaustedExport, KindGlobal, flagIdx)
	added := uint32(2)
	if opts.ImportGasExport != "" {
		exports = appendExport(exports, opts.ImportGasExport, KindGlobal, importIdx)
		added++
	}
	if m.Start != nil {
		exports = appendExport(exports, opts.StartExport, KindFunc, *m.Start)
		added++
		out.setSection(SectionStart, nil)
	}
	if err := out.appendRawEntries(SectionExport, uint32(len(m.Exports)), added, exports); err != nil {
		return nil, err
	}

	ins := &instrumenter{mod: m, opts: opts, chargeIdx: chargeIdx}
	if opts.ImportGasExport != "" {
		ins.importIdx = &importIdx
	}
	code, err := ins.code(chargeBody(gasIdx, flagIdx))
	if err != nil {
		return nil, err
	}
	out.setSection(SectionCode, code)

	return &Instrumented{Binary: out.Encode(), HasStart: m.Start != nil}, nil
}

// appendEntries appends one encoded vector entry to section id.
func (m *Module) appendEntries(id byte, count uint32, entry []byte) error {
	return m.appendRawEntries(id, count, 1, entry)
}

func (m *Module) appendRawEntries(id byte, count, added uint32, entries []byte) error {
	var rest []byte
	if s, ok := m.Section(id); ok {
		r := bytes.NewReader(s.Data)
		n, err := readVarUint32(r)
		if err != nil {
			return fmt.Errorf("%w: section %d count: %v", ErrMalformed, id, err)
		}
		if n != count {
			return fmt.Errorf("%w: section %d count %d, expected %d", ErrMalformed, id, n, count)
		}
		rest = s.Data[offset(r):]
	}
	data := appendVarUint(nil, uint64(count+added))
	data = append(data, rest...)
	data = append(data, entries...)
	m.setSection(id, data)
	return nil
}

func appendExport(buf []byte, name string, kind byte, idx uint32) []byte {
	buf = appendName(buf, name)
	buf = append(buf, kind)
	return appendVarUint(buf, uint64(idx))
}

// chargeBody is the body of
//
//	(func (param $cost i64)
//	  (if (i64.lt_u (global.get $gas) (local.get $cost))
//	    (then (global.set $gas (i64.const 0))
//	          (global.set $exhausted (i32.const 1))
//	          (unreachable)))
//	  (global.set $gas (i64.sub (global.get $gas) (local.get $cost))))
func chargeBody(gasIdx, flagIdx uint32) []byte {
	g := appendVarUint(nil, uint64(gasIdx))
	f := appendVarUint(nil, uint64(flagIdx))

	b := []byte{0x00} // no locals
	b = append(append(b, opGlobalGet), g...)
	b = append(b, 0x20, 0x00, 0x54, opIf, 0x40, opI64Const, 0x00, opGlobalSet)
	b = append(b, g...)
	b = append(b, opI32Const, 0x01, opGlobalSet)
	b = append(b, f...)
	b = append(b, opUnreachable, opEnd, opGlobalGet)
	b = append(b, g...)
	b = append(b, 0x20, 0x00, 0x7D, opGlobalSet)
	b = append(b, g...)
	return append(b, opEnd)
}

type instrumenter struct {
	mod       *Module
	opts      Options
	chargeIdx uint32
	importIdx *uint32 // import gas counter, if exported
}

func (in *instrumenter) code(charge []byte) ([]byte, error) {
	var bodies [][]byte
	if s, ok := in.mod.Section(SectionCode); ok {
		r := bytes.NewReader(s.Data)
		count, err := readVarUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: code count: %v", ErrMalformed, err)
		}
		if int(count) != len(in.mod.Functions) {
			return nil, fmt.Errorf("%w: %d bodies for %d functions", ErrMalformed, count, len(in.mod.Functions))
		}
		for i := uint32(0); i < count; i++ {
			size, err := readVarUint32(r)
			if err != nil {
				return nil, fmt.Errorf("%w: body %d size: %v", ErrMalformed, i, err)
			}
			body, err := readBytes(r, size)
			if err != nil {
				return nil, fmt.Errorf("%w: body %d: %v", ErrMalformed, i, err)
			}
			metered, err := in.body(body)
			if err != nil {
				return nil, fmt.Errorf("function %d: %w", in.mod.importedFuncs+i, err)
			}
			bodies = append(bodies, metered)
		}
	} else if len(in.mod.Functions) > 0 {
		return nil, fmt.Errorf("%w: missing code section", ErrMalformed)
	}
	bodies = append(bodies, charge)

	out := appendVarUint(nil, uint64(len(bodies)))
	for _, b := range bodies {
		out = appendVarUint(out, uint64(len(b)))
		out = append(out, b...)
	}
	return out, nil
}

func (in *instrumenter) body(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	groups, err := readVarUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: locals: %v", ErrMalformed, err)
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := readVarUint32(r); err != nil {
			return nil, fmt.Errorf("%w: locals: %v", ErrMalformed, err)
		}
		if _, err := r.ReadByte(); err != nil {
			return nil, fmt.Errorf("%w: locals: %v", ErrMalformed, err)
		}
	}

	start := offset(r)
	out := make([]byte, 0, len(body)+len(body)/2)
	out = append(out, body[:start]...)

	var cost, importCost uint64
	depth := 0
	for r.Len() > 0 {
		op, _ := r.ReadByte()
		ins, err := readInstr(op, r)
		if err != nil {
			return nil, err
		}
		c, ic := in.cost(ins)
		cost += c + ic
		importCost += ic
		switch {
		case ins.opens:
			depth++
		case ins.closes:
			depth--
		}
		if depth < 0 && r.Len() > 0 {
			return nil, fmt.Errorf("%w: code after final end", ErrMalformed)
		}
		if !ins.boundary {
			continue
		}
		out = in.charge(out, cost, importCost)
		end := offset(r)
		out = append(out, body[start:end]...)
		start, cost, importCost = end, 0, 0
	}
	if depth != -1 {
		return nil, fmt.Errorf("%w: unbalanced blocks", ErrMalformed)
	}
	return out, nil
}

// cost returns the instruction's own cost and the import call share of it.
func (in *instrumenter) cost(ins instr) (uint64, uint64) {
	c := in.opts.InstructionCost
	switch ins.op {
	case opMemoryGrow:
		c += in.opts.MemoryGrowCost
	case opCall, opReturnCall:
		if in.opts.ImportCallCost == nil {
			break
		}
		if imp, ok := in.mod.FuncImport(ins.index); ok {
			return c, in.opts.ImportCallCost(imp)
		}
	}
	return c, 0
}

// charge emits the call to the charge function and, once it has passed,
// adds importCost to the import gas counter.
func (in *instrumenter) charge(out []byte, cost, importCost uint64) []byte {
	if cost == 0 {
		return out
	}
	out = append(out, opI64Const)
	out = appendVarInt(out, int64(cost))
	out = append(out, opCall)
	out = appendVarUint(out, uint64(in.chargeIdx))
	if importCost == 0 || in.importIdx == nil {
		return out
	}
	idx := appendVarUint(nil, uint64(*in.importIdx))
	out = append(append(out, opGlobalGet), idx...)
	out = append(out, opI64Const)
	out = appendVarInt(out, int64(importCost))
	out = append(out, opI64Add, opGlobalSet)
	return append(out, idx...)
}
