package wasm

import (
	"bytes"
	"fmt"
)

const (
	opUnreachable        byte = 0x00
	opBlock              byte = 0x02
	opLoop               byte = 0x03
	opIf                 byte = 0x04
	opElse               byte = 0x05
	opEnd                byte = 0x0B
	opBr                 byte = 0x0C
	opBrIf               byte = 0x0D
	opBrTable            byte = 0x0E
	opReturn             byte = 0x0F
	opCall               byte = 0x10
	opCallIndirect       byte = 0x11
	opReturnCall         byte = 0x12
	opReturnCallIndirect byte = 0x13
	opGlobalGet          byte = 0x23
	opGlobalSet          byte = 0x24
	opMemoryGrow         byte = 0x40
	opI32Const           byte = 0x41
	opI64Const           byte = 0x42
	opI64Add             byte = 0x7C
	opPrefixMisc         byte = 0xFC
	opPrefixSIMD         byte = 0xFD
	opPrefixAtomic       byte = 0xFE
)

// instr describes one decoded instruction.
type instr struct {
	op     byte
	index  uint32 // call target for call/return_call
	opens  bool   // block, loop, if
	closes bool   // end
	// boundary is set when control may leave the straight-line sequence
	// after this instruction.
	boundary bool
}

// readInstr decodes the instruction starting with op, consuming its immediates.
func readInstr(op byte, r *bytes.Reader) (instr, error) {
	in := instr{op: op}
	var err error
	switch {
	case op == opUnreachable, op == opReturn:
		in.boundary = true
	case op == 0x01: // nop
	case op == opBlock, op == opLoop, op == opIf:
		in.opens, in.boundary = true, true
		_, err = readVarInt(r, 33)
	case op == opElse:
		in.boundary = true
	case op == opEnd:
		in.closes, in.boundary = true, true
	case op == opBr, op == opBrIf:
		in.boundary = true
		_, err = readVarUint32(r)
	case op == opBrTable:
		in.boundary = true
		var n uint32
		if n, err = readVarUint32(r); err == nil {
			for i := uint32(0); i <= n && err == nil; i++ {
				_, err = readVarUint32(r)
			}
		}
	case op == opCall, op == opReturnCall:
		in.boundary = true
		in.index, err = readVarUint32(r)
	case op == opCallIndirect, op == opReturnCallIndirect:
		in.boundary = true
		err = skipUints(r, 2)
	case op == 0x1A, op == 0x1B: // drop, select
	case op == 0x1C: // select t*
		var n uint32
		if n, err = readVarUint32(r); err == nil {
			_, err = readBytes(r, n)
		}
	case op >= 0x20 && op <= 0x26: // local.*, global.*, table.get/set
		_, err = readVarUint32(r)
	case op >= 0x28 && op <= 0x3E: // loads and stores
		err = skipMemArg(r)
	case op == 0x3F, op == opMemoryGrow:
		_, err = readVarUint32(r)
	case op == opI32Const:
		_, err = readVarInt(r, 32)
	case op == opI64Const:
		_, err = readVarInt(r, 64)
	case op == 0x43:
		_, err = readBytes(r, 4)
	case op == 0x44:
		_, err = readBytes(r, 8)
	case op >= 0x45 && op <= 0xC4: // numeric, conversions, sign extension
	case op == 0xD0: // ref.null
		_, err = readVarInt(r, 33)
	case op == 0xD1: // ref.is_null
	case op == 0xD2: // ref.func
		_, err = readVarUint32(r)
	case op == opPrefixMisc:
		err = skipMisc(r)
	case op == opPrefixSIMD:
		err = skipSIMD(r)
	case op == opPrefixAtomic:
		return in, fmt.Errorf("%w: threads opcode", ErrUnsupported)
	case op >= 0x06 && op <= 0x0A, op == 0x18, op == 0x19, op == 0x1F:
		return in, fmt.Errorf("%w: exception handling opcode 0x%02x", ErrUnsupported, op)
	default:
		return in, fmt.Errorf("%w: unknown opcode 0x%02x", ErrMalformed, op)
	}
	if err != nil {
		return in, fmt.Errorf("%w: opcode 0x%02x: %v", ErrMalformed, op, err)
	}
	return in, nil
}

func skipUints(r *bytes.Reader, n int) error {
	for i := 0; i < n; i++ {
		if _, err := readVarUint32(r); err != nil {
			return err
		}
	}
	return nil
}

func skipMemArg(r *bytes.Reader) error {
	align, err := readVarUint32(r)
	if err != nil {
		return err
	}
	if align&0x40 != 0 { // explicit memory index
		if _, err := readVarUint32(r); err != nil {
			return err
		}
	}
	_, err = readVarUint64(r)
	return err
}

func skipMisc(r *bytes.Reader) error {
	sub, err := readVarUint32(r)
	if err != nil {
		return err
	}
	switch {
	case sub <= 7: // saturating truncation
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14: // memory.init, memory.copy, table.init, table.copy
		return skipUints(r, 2)
	case sub == 9, sub == 11, sub == 13, sub <= 17: // data.drop, memory.fill, elem.drop, table.grow/size/fill
		return skipUints(r, 1)
	}
	return fmt.Errorf("unknown 0xfc sub-opcode %d", sub)
}

func skipSIMD(r *bytes.Reader) error {
	sub, err := readVarUint32(r)
	if err != nil {
		return err
	}
	switch {
	case sub <= 11, sub == 92, sub == 93: // v128 loads and stores
		return skipMemArg(r)
	case sub == 12, sub == 13: // v128.const, i8x16.shuffle
		_, err = readBytes(r, 16)
		return err
	case sub >= 21 && sub <= 34: // extract/replace lane
		_, err = r.ReadByte()
		return err
	case sub >= 84 && sub <= 91: // load/store lane
		if err := skipMemArg(r); err != nil {
			return err
		}
		_, err = r.ReadByte()
		return err
	case sub <= 0x113: // lane-wise arithmetic, including relaxed SIMD
		return nil
	}
	return fmt.Errorf("unknown 0xfd sub-opcode %d", sub)
}
