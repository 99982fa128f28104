package wasm

import (
	"bytes"
	"fmt"
)

func readVarUint32(r *bytes.Reader) (uint32, error) {
	v, err := readVarUint(r, 32)
	return uint32(v), err
}

func readVarUint64(r *bytes.Reader) (uint64, error) {
	return readVarUint(r, 64)
}

func readVarUint(r *bytes.Reader, bits uint) (uint64, error) {
	var result uint64
	var shift uint
	for {
		if shift >= bits {
			return 0, fmt.Errorf("varuint%d too long", bits)
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

// readVarInt reads a signed LEB128 value of up to bits width.
func readVarInt(r *bytes.Reader, bits uint) (int64, error) {
	var result int64
	var shift uint
	var b byte
	for {
		if shift >= bits {
			return 0, fmt.Errorf("varint%d too long", bits)
		}
		var err error
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7F) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func appendVarUint(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			buf = append(buf, b|0x80)
			continue
		}
		return append(buf, b)
	}
}

func appendVarInt(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

func appendName(buf []byte, name string) []byte {
	buf = appendVarUint(buf, uint64(len(name)))
	return append(buf, name...)
}

func offset(r *bytes.Reader) int {
	return int(r.Size()) - r.Len()
}
