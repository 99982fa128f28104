// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import "encoding/binary"

// Value types.
const (
	I32 byte = 0x7F
	I64 byte = 0x7E
)

// Single-byte instructions.
var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	Return      = []byte{0x0F}
	Drop        = []byte{0x1A}
	End         = []byte{0x0B}
	I32Add      = []byte{0x6A}
	I64Add      = []byte{0x7C}
	I32WrapI64  = []byte{0xA7}
)

// I32Const encodes i32.const v.
func I32Const(v int32) []byte { return appendSLEB([]byte{0x41}, int64(v)) }

// I64Const encodes i64.const v.
func I64Const(v int64) []byte { return appendSLEB([]byte{0x42}, v) }

// Call encodes call idx.
func Call(idx uint32) []byte { return appendULEB([]byte{0x10}, uint64(idx)) }

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte { return appendULEB([]byte{0x20}, uint64(idx)) }

// LocalSet encodes local.set idx.
func LocalSet(idx uint32) []byte { return appendULEB([]byte{0x21}, uint64(idx)) }

// Br encodes br depth.
func Br(depth uint32) []byte { return appendULEB([]byte{0x0C}, uint64(depth)) }

// BrIf encodes br_if depth.
func BrIf(depth uint32) []byte { return appendULEB([]byte{0x0D}, uint64(depth)) }

// Loop opens a loop with an empty block type.
func Loop() []byte { return []byte{0x03, 0x40} }

// Block opens a block with an empty block type.
func Block() []byte { return []byte{0x02, 0x40} }

// MemoryGrow encodes memory.grow 0.
func MemoryGrow() []byte { return []byte{0x40, 0x00} }

// I32Store encodes i32.store with the given offset.
func I32Store(offset uint32) []byte { return appendULEB([]byte{0x36, 0x02}, uint64(offset)) }

// I32Load encodes i32.load with the given offset.
func I32Load(offset uint32) []byte { return appendULEB([]byte{0x28, 0x02}, uint64(offset)) }

// Code concatenates instruction encodings.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type funcType struct {
	params, results []byte
}

type function struct {
	typeIdx uint32
	locals  []byte
	code    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type funcImport struct {
	module, name string
	typeIdx      uint32
}

type data struct {
	offset uint32
	bytes  []byte
}

type custom struct {
	name    string
	payload []byte
}

// Builder accumulates module parts. Imports must be added before functions so
// that the returned function indices stay stable.
type Builder struct {
	types   []funcType
	imports []funcImport
	funcs   []function
	memory  *uint32
	globals []int32
	exports []export
	start   *uint32
	data    []data
	customs []custom
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results []byte) uint32 {
	for i, t := range b.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []byte) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.imports = append(b.imports, funcImport{module: module, name: name, typeIdx: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func defines a function. locals lists one value type per local; code must
// end with End.
func (b *Builder) Func(params, results, locals, code []byte) uint32 {
	b.funcs = append(b.funcs, function{typeIdx: b.typeIndex(params, results), locals: locals, code: code})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares a memory of minPages pages exported as "memory".
func (b *Builder) Memory(minPages uint32) *Builder {
	b.memory = &minPages
	b.exports = append(b.exports, export{name: "memory", kind: 0x02, idx: 0})
	return b
}

// Global declares a mutable i32 global initialised to v.
func (b *Builder) Global(v int32) *Builder {
	b.globals = append(b.globals, v)
	return b
}

// Export exports function idx under name.
func (b *Builder) Export(name string, idx uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: 0x00, idx: idx})
	return b
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.start = &idx
	return b
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset uint32, bytes []byte) *Builder {
	b.data = append(b.data, data{offset: offset, bytes: bytes})
	return b
}

// Custom adds a custom section.
func (b *Builder) Custom(name string, payload []byte) *Builder {
	b.customs = append(b.customs, custom{name: name, payload: payload})
	return b
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], 0x6d736100)
	binary.LittleEndian.PutUint32(out[4:8], 1)

	if len(b.types) > 0 {
		s := appendULEB(nil, uint64(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = appendBytes(s, t.params)
			s = appendBytes(s, t.results)
		}
		out = section(out, 1, s)
	}
	if len(b.imports) > 0 {
		s := appendULEB(nil, uint64(len(b.imports)))
		for _, imp := range b.imports {
			s = appendBytes(s, []byte(imp.module))
			s = appendBytes(s, []byte(imp.name))
			s = append(s, 0x00)
			s = appendULEB(s, uint64(imp.typeIdx))
		}
		out = section(out, 2, s)
	}
	if len(b.funcs) > 0 {
		s := appendULEB(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			s = appendULEB(s, uint64(f.typeIdx))
		}
		out = section(out, 3, s)
	}
	if b.memory != nil {
		s := []byte{0x01, 0x00}
		s = appendULEB(s, uint64(*b.memory))
		out = section(out, 5, s)
	}
	if len(b.globals) > 0 {
		s := appendULEB(nil, uint64(len(b.globals)))
		for _, v := range b.globals {
			s = append(s, I32, 0x01)
			s = append(s, I32Const(v)...)
			s = append(s, End...)
		}
		out = section(out, 6, s)
	}
	if len(b.exports) > 0 {
		s := appendULEB(nil, uint64(len(b.exports)))
		for _, e := range b.exports {
			s = appendBytes(s, []byte(e.name))
			s = append(s, e.kind)
			s = appendULEB(s, uint64(e.idx))
		}
		out = section(out, 7, s)
	}
	if b.start != nil {
		out = section(out, 8, appendULEB(nil, uint64(*b.start)))
	}
	if len(b.funcs) > 0 {
		s := appendULEB(nil, uint64(len(b.funcs)))
		for _, f := range b.funcs {
			body := appendULEB(nil, uint64(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.code...)
			s = appendBytes(s, body)
		}
		out = section(out, 10, s)
	}
	if len(b.data) > 0 {
		s := appendULEB(nil, uint64(len(b.data)))
		for _, d := range b.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(d.offset))...)
			s = append(s, End...)
			s = appendBytes(s, d.bytes)
		}
		out = section(out, 11, s)
	}
	for _, c := range b.customs {
		s := appendBytes(nil, []byte(c.name))
		s = append(s, c.payload...)
		out = section(out, 0, s)
	}
	return out
}

func section(out []byte, id byte, data []byte) []byte {
	out = append(out, id)
	return appendBytes(out, data)
}

func appendBytes(out, b []byte) []byte {
	out = appendULEB(out, uint64(len(b)))
	return append(out, b...)
}

func appendULEB(out []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, c|0x80)
			continue
		}
		return append(out, c)
	}
}

func appendSLEB(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}
