// Package wasm decodes WebAssembly binaries far enough to validate an oracle
// module's imports and rewrite it with gas metering.
package wasm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Section ids.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// External kinds used by imports and exports.
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
	KindTag    byte = 0x04
)

const (
	magic   uint32 = 0x6d736100 // "\0asm" little endian
	version uint32 = 1
)

var (
	// ErrMalformed is wrapped by every decoding failure.
	ErrMalformed = errors.New("wasm: malformed module")
	// ErrUnsupported is wrapped when a module uses a feature the host does not meter.
	ErrUnsupported = errors.New("wasm: unsupported feature")
)

// Section is one raw section of a module.
type Section struct {
	ID   byte
	Data []byte
}

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Kind   byte
	// TypeIndex is set for function imports.
	TypeIndex uint32
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Module is a decoded WebAssembly binary. Sections are kept raw so the module
// can be re-encoded unchanged; the index fields are parsed views over them.
type Module struct {
	Sections []Section

	Types           []FuncType
	Imports         []Import
	Functions       []uint32 // type index per defined function
	GlobalCount     uint32   // defined globals
	Exports         []Export
	Start           *uint32
	importedFuncs   uint32
	importedGlobals uint32
}

// Decode parses a binary module.
func Decode(b []byte) (*Module, error) {
	r := bytes.NewReader(b)

	var m uint32
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrMalformed, err)
	}
	if m != magic {
		return nil, fmt.Errorf("%w: invalid magic 0x%x", ErrMalformed, m)
	}
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrMalformed, err)
	}
	if v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrUnsupported, v)
	}

	mod := &Module{}
	for {
		id, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading section id: %v", ErrMalformed, err)
		}
		size, err := readVarUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading section size: %v", ErrMalformed, err)
		}
		if int(size) > r.Len() {
			return nil, fmt.Errorf("%w: section %d overruns module (%d > %d)", ErrMalformed, id, size, r.Len())
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: reading section %d: %v", ErrMalformed, id, err)
		}
		if id > SectionTag {
			return nil, fmt.Errorf("%w: unknown section id %d", ErrMalformed, id)
		}
		mod.Sections = append(mod.Sections, Section{ID: id, Data: data})
		if err := mod.parseSection(id, data); err != nil {
			return nil, err
		}
	}
	return mod, nil
}

func (m *Module) parseSection(id byte, data []byte) error {
	var err error
	switch id {
	case SectionType:
		m.Types, err = parseTypes(data)
	case SectionImport:
		m.Imports, err = parseImports(data)
		for _, imp := range m.Imports {
			switch imp.Kind {
			case KindFunc:
				m.importedFuncs++
			case KindGlobal:
				m.importedGlobals++
			}
		}
	case SectionFunction:
		m.Functions, err = parseIndexVector(data)
	case SectionGlobal:
		m.GlobalCount, err = readCount(data)
	case SectionExport:
		m.Exports, err = parseExports(data)
	case SectionStart:
		var idx uint32
		idx, err = readVarUint32(bytes.NewReader(data))
		m.Start = &idx
	case SectionTag:
		return fmt.Errorf("%w: exception handling", ErrUnsupported)
	}
	if err != nil {
		return fmt.Errorf("%w: section %d: %v", ErrMalformed, id, err)
	}
	return nil
}

// ImportedFuncCount is the number of function imports, which precede defined
// functions in the function index space.
func (m *Module) ImportedFuncCount() uint32 {
	return m.importedFuncs
}

// ImportedGlobalCount is the number of imported globals.
func (m *Module) ImportedGlobalCount() uint32 {
	return m.importedGlobals
}

// FuncImport returns the import backing function index idx, if it is imported.
func (m *Module) FuncImport(idx uint32) (Import, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if n == idx {
			return imp, true
		}
		n++
	}
	return Import{}, false
}

// Export looks up an export by name.
func (m *Module) Export(name string) (Export, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}

// CustomSection returns the payload of the first custom section called name.
func (m *Module) CustomSection(name string) ([]byte, bool) {
	for _, s := range m.Sections {
		if s.ID != SectionCustom {
			continue
		}
		r := bytes.NewReader(s.Data)
		n, err := readName(r)
		if err != nil || n != name {
			continue
		}
		return s.Data[offset(r):], true
	}
	return nil, false
}

// Section returns the raw section with the given id.
func (m *Module) Section(id byte) (*Section, bool) {
	for i := range m.Sections {
		if m.Sections[i].ID == id {
			return &m.Sections[i], true
		}
	}
	return nil, false
}

// Encode serialises the module's raw sections.
func (m *Module) Encode() []byte {
	out := make([]byte, 8, 8+m.size())
	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint32(out[4:8], version)
	for _, s := range m.Sections {
		out = append(out, s.ID)
		out = appendVarUint(out, uint64(len(s.Data)))
		out = append(out, s.Data...)
	}
	return out
}

func (m *Module) size() int {
	n := 0
	for _, s := range m.Sections {
		n += len(s.Data) + 6
	}
	return n
}

// sectionRank orders known sections as the binary format requires.
func sectionRank(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	}
	return 0
}

// setSection replaces the section with id, inserting it in canonical order
// when the module does not have one yet. A nil data removes the section.
func (m *Module) setSection(id byte, data []byte) {
	for i := range m.Sections {
		if m.Sections[i].ID == id {
			if data == nil {
				m.Sections = append(m.Sections[:i], m.Sections[i+1:]...)
				return
			}
			m.Sections[i].Data = data
			return
		}
	}
	if data == nil {
		return
	}
	rank := sectionRank(id)
	pos := len(m.Sections)
	for i, s := range m.Sections {
		if s.ID != SectionCustom && sectionRank(s.ID) > rank {
			pos = i
			break
		}
	}
	m.Sections = append(m.Sections, Section{})
	copy(m.Sections[pos+1:], m.Sections[pos:])
	m.Sections[pos] = Section{ID: id, Data: data}
}

func readCount(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	return readVarUint32(bytes.NewReader(data))
}

func readName(r *bytes.Reader) (string, error) {
	n, err := readVarUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("name length %d overruns section", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readBytes(r *bytes.Reader, n uint32) ([]byte, error) {
	if int(n) > r.Len() {
		return nil, fmt.Errorf("vector length %d overruns section", n)
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func parseTypes(data []byte) ([]FuncType, error) {
	r := bytes.NewReader(data)
	count, err := readVarUint32(r)
	if err != nil {
		return nil, err
	}
	types := make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if form != 0x60 {
			return nil, fmt.Errorf("type %d: unsupported form 0x%02x", i, form)
		}
		np, err := readVarUint32(r)
		if err != nil {
			return nil, err
		}
		params, err := readBytes(r, np)
		if err != nil {
			return nil, err
		}
		nr, err := readVarUint32(r)
		if err != nil {
			return nil, err
		}
		results, err := readBytes(r, nr)
		if err != nil {
			return nil, err
		}
		types = append(types, FuncType{Params: params, Results: results})
	}
	return types, nil
}

func parseImports(data []byte) ([]Import, error) {
	r := bytes.NewReader(data)
	count, err := readVarUint32(r)
	if err != nil {
		return nil, err
	}
	imports := make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, err := readName(r)
		if err != nil {
			return nil, err
		}
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		imp := Import{Module: mod, Name: name, Kind: kind}
		switch kind {
		case KindFunc:
			if imp.TypeIndex, err = readVarUint32(r); err != nil {
				return nil, err
			}
		case KindTable:
			if _, err := r.ReadByte(); err != nil { // reftype
				return nil, err
			}
			if err := skipLimits(r); err != nil {
				return nil, err
			}
		case KindMemory:
			if err := skipLimits(r); err != nil {
				return nil, err
			}
		case KindGlobal:
			if _, err := r.ReadByte(); err != nil { // valtype
				return nil, err
			}
			if _, err := r.ReadByte(); err != nil { // mutability
				return nil, err
			}
		default:
			return nil, fmt.Errorf("import %s.%s: unsupported kind 0x%02x", mod, name, kind)
		}
		imports = append(imports, imp)
	}
	return imports, nil
}

func skipLimits(r *bytes.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if _, err := readVarUint64(r); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := readVarUint64(r); err != nil {
			return err
		}
	}
	return nil
}

func parseIndexVector(data []byte) ([]uint32, error) {
	r := bytes.NewReader(data)
	count, err := readVarUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		idx, err := readVarUint32(r)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func parseExports(data []byte) ([]Export, error) {
	r := bytes.NewReader(data)
	count, err := readVarUint32(r)
	if err != nil {
		return nil, err
	}
	exports := make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		idx, err := readVarUint32(r)
		if err != nil {
			return nil, err
		}
		exports = append(exports, Export{Name: name, Kind: kind, Index: idx})
	}
	return exports, nil
}
