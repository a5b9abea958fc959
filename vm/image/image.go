// Package image stores compiled programs on disk. An image holds one or more
// programs (bytecode plus side tables) in canonical CBOR, ordered so that
// every program appears after the programs it inherits or refers to. The
// last program is the one the image runs.
package image

import (
	"fmt"
	"os"

	"github.com/chazu/pikevm/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the image format version written by Encode.
const Version = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Wire records
// ---------------------------------------------------------------------------

// Image is the top-level record.
type Image struct {
	Version  int             `cbor:"1,keyasint"`
	Programs []ProgramRecord `cbor:"2,keyasint"`
}

// ProgramRecord is one program. Inherit and constant program references are
// indexes into Image.Programs; Inherits[0] always names the program itself.
type ProgramRecord struct {
	Filename    string             `cbor:"1,keyasint"`
	Code        []byte             `cbor:"2,keyasint"`
	Strings     []string           `cbor:"3,keyasint,omitempty"`
	Constants   []ConstantRecord   `cbor:"4,keyasint,omitempty"`
	Identifiers []IdentifierRecord `cbor:"5,keyasint,omitempty"`
	References  []ReferenceRecord  `cbor:"6,keyasint,omitempty"`
	Inherits    []InheritRecord    `cbor:"7,keyasint"`
	StorageSize int                `cbor:"8,keyasint,omitempty"`
	Lines       []LineRecord       `cbor:"9,keyasint,omitempty"`
}

// ConstantRecord is a constant value. Kind is the type name ("int",
// "float", "string", "array", "mapping", "multiset", "program", "type") or
// "efun" for a builtin referenced by name.
type ConstantRecord struct {
	Kind    string           `cbor:"1,keyasint"`
	Int     int64            `cbor:"2,keyasint,omitempty"`
	Float   float64          `cbor:"3,keyasint,omitempty"`
	Str     string           `cbor:"4,keyasint,omitempty"`
	Items   []ConstantRecord `cbor:"5,keyasint,omitempty"`
	Values  []ConstantRecord `cbor:"6,keyasint,omitempty"` // mapping values, parallel to Items
	Program int              `cbor:"7,keyasint,omitempty"`
}

// IdentifierRecord is one identifier.
type IdentifierRecord struct {
	Name   string `cbor:"1,keyasint"`
	Type   string `cbor:"2,keyasint"`
	Flags  uint8  `cbor:"3,keyasint,omitempty"`
	Offset int    `cbor:"4,keyasint"`
	Native string `cbor:"5,keyasint,omitempty"` // efun name
}

// ReferenceRecord mirrors vm.Reference.
type ReferenceRecord struct {
	InheritOffset    int `cbor:"1,keyasint"`
	IdentifierOffset int `cbor:"2,keyasint"`
}

// InheritRecord mirrors vm.Inherit with the program as an image index.
type InheritRecord struct {
	Program         int `cbor:"1,keyasint"`
	IdentifierLevel int `cbor:"2,keyasint"`
	StorageOffset   int `cbor:"3,keyasint"`
}

// LineRecord mirrors vm.LineEntry.
type LineRecord struct {
	PC   int `cbor:"1,keyasint"`
	Line int `cbor:"2,keyasint"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

type encoder struct {
	index map[*vm.Program]int
	busy  map[*vm.Program]bool
	img   *Image
}

// Encode serializes main together with every program it depends on.
func Encode(main *vm.Program) ([]byte, error) {
	img, err := Build(main)
	if err != nil {
		return nil, err
	}
	return Marshal(img)
}

// Build converts main and its dependencies to an Image without encoding it.
func Build(main *vm.Program) (*Image, error) {
	e := &encoder{
		index: make(map[*vm.Program]int),
		busy:  make(map[*vm.Program]bool),
		img:   &Image{Version: Version},
	}
	if _, err := e.program(main); err != nil {
		return nil, err
	}
	return e.img, nil
}

// Marshal encodes img in canonical CBOR.
func Marshal(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

func (e *encoder) program(p *vm.Program) (int, error) {
	if idx, ok := e.index[p]; ok {
		return idx, nil
	}
	if e.busy[p] {
		return 0, fmt.Errorf("image: program %s refers to itself", p.Filename)
	}
	e.busy[p] = true
	defer delete(e.busy, p)

	rec := ProgramRecord{
		Filename:    p.Filename,
		Code:        p.Code,
		StorageSize: p.StorageSize,
	}
	for _, s := range p.Strings {
		rec.Strings = append(rec.Strings, s.String())
	}
	for k, c := range p.Constants {
		cr, err := e.constant(c)
		if err != nil {
			return 0, fmt.Errorf("image: %s: constant %d: %w", p.Filename, k, err)
		}
		rec.Constants = append(rec.Constants, cr)
	}
	for _, id := range p.Identifiers {
		ir := IdentifierRecord{
			Name:   id.Name,
			Type:   id.RunTimeType.String(),
			Flags:  uint8(id.Flags),
			Offset: id.Offset,
		}
		if id.Native != nil {
			if vm.LookupEfun(id.Native.Name) != id.Native {
				return 0, fmt.Errorf("image: %s: native %s is not a registered builtin", p.Filename, id.Name)
			}
			ir.Native = id.Native.Name
		}
		rec.Identifiers = append(rec.Identifiers, ir)
	}
	for _, r := range p.References {
		rec.References = append(rec.References, ReferenceRecord(r))
	}
	for _, l := range p.Lines {
		rec.Lines = append(rec.Lines, LineRecord(l))
	}

	// Dependencies first, then this program; its own index is the next free
	// slot once they are placed.
	inherits := make([]InheritRecord, len(p.Inherits))
	for k, inh := range p.Inherits {
		if k == 0 {
			continue
		}
		idx, err := e.program(inh.Prog)
		if err != nil {
			return 0, err
		}
		inherits[k] = InheritRecord{Program: idx, IdentifierLevel: inh.IdentifierLevel, StorageOffset: inh.StorageOffset}
	}
	self := len(e.img.Programs)
	inherits[0] = InheritRecord{Program: self}
	rec.Inherits = inherits

	e.index[p] = self
	e.img.Programs = append(e.img.Programs, rec)
	return self, nil
}

func (e *encoder) constant(v vm.Value) (ConstantRecord, error) {
	switch v.Kind() {
	case vm.KindInt:
		return ConstantRecord{Kind: "int", Int: v.Int()}, nil
	case vm.KindFloat:
		return ConstantRecord{Kind: "float", Float: v.Float()}, nil
	case vm.KindString:
		return ConstantRecord{Kind: "string", Str: v.Str()}, nil
	case vm.KindType:
		return ConstantRecord{Kind: "type", Str: v.TypeKind().String()}, nil
	case vm.KindArray:
		items, err := e.constants(v.Array().Items)
		return ConstantRecord{Kind: "array", Items: items}, err
	case vm.KindMultiset:
		items, err := e.constants(v.Multiset().Items())
		return ConstantRecord{Kind: "multiset", Items: items}, err
	case vm.KindMapping:
		m := v.Mapping()
		keys, err := e.constants(m.Keys())
		if err != nil {
			return ConstantRecord{}, err
		}
		vals, err := e.constants(m.Values())
		return ConstantRecord{Kind: "mapping", Items: keys, Values: vals}, err
	case vm.KindProgram:
		idx, err := e.program(v.Program())
		return ConstantRecord{Kind: "program", Program: idx}, err
	case vm.KindFunction:
		if ef := v.Efun(); ef != nil && vm.LookupEfun(ef.Name) == ef {
			return ConstantRecord{Kind: "efun", Str: ef.Name}, nil
		}
	}
	return ConstantRecord{}, fmt.Errorf("cannot store %s in an image", vm.Describe(v))
}

func (e *encoder) constants(vs []vm.Value) ([]ConstantRecord, error) {
	out := make([]ConstantRecord, 0, len(vs))
	for _, v := range vs {
		c, err := e.constant(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Unmarshal parses an image without building programs.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("image: unsupported version %d", img.Version)
	}
	if len(img.Programs) == 0 {
		return nil, fmt.Errorf("image: no programs")
	}
	return &img, nil
}

// Decode parses data and rebuilds its programs, interning strings through
// intern (a fresh table when nil). It returns the main program.
func Decode(data []byte, intern vm.Interner) (*vm.Program, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	progs, err := img.Load(intern)
	if err != nil {
		return nil, err
	}
	return progs[len(progs)-1], nil
}

// Load rebuilds every program of img in order.
func (img *Image) Load(intern vm.Interner) ([]*vm.Program, error) {
	if intern == nil {
		intern = vm.NewStringTable()
	}
	progs := make([]*vm.Program, 0, len(img.Programs))
	for k := range img.Programs {
		p, err := loadProgram(&img.Programs[k], k, progs, intern)
		if err != nil {
			return nil, fmt.Errorf("image: program %d: %w", k, err)
		}
		progs = append(progs, p)
	}
	return progs, nil
}

func loadProgram(rec *ProgramRecord, self int, loaded []*vm.Program, intern vm.Interner) (*vm.Program, error) {
	p := vm.NewProgram(rec.Filename)
	p.Code = rec.Code
	p.StorageSize = rec.StorageSize
	if p.StorageSize < 0 {
		return nil, fmt.Errorf("negative storage size")
	}

	if len(rec.Inherits) == 0 || rec.Inherits[0].Program != self {
		return nil, fmt.Errorf("first inherit must be the program itself")
	}
	for _, inh := range rec.Inherits[1:] {
		if inh.Program < 0 || inh.Program >= self {
			return nil, fmt.Errorf("inherit of program %d out of order", inh.Program)
		}
		if inh.StorageOffset < 0 || inh.StorageOffset+loaded[inh.Program].StorageSize > p.StorageSize {
			return nil, fmt.Errorf("inherit storage %d outside object", inh.StorageOffset)
		}
		p.Inherits = append(p.Inherits, vm.Inherit{
			Prog:            loaded[inh.Program].Retain(),
			IdentifierLevel: inh.IdentifierLevel,
			StorageOffset:   inh.StorageOffset,
		})
	}

	for _, s := range rec.Strings {
		p.Strings = append(p.Strings, intern.Intern(s))
	}
	for k := range rec.Constants {
		v, err := loadConstant(&rec.Constants[k], self, loaded)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", k, err)
		}
		p.Constants = append(p.Constants, v)
	}

	for _, ir := range rec.Identifiers {
		kind, ok := vm.KindByName(ir.Type)
		if !ok {
			return nil, fmt.Errorf("identifier %s: unknown type %q", ir.Name, ir.Type)
		}
		id := vm.Identifier{Name: ir.Name, RunTimeType: kind, Flags: vm.IdentifierFlags(ir.Flags), Offset: ir.Offset}
		switch {
		case ir.Native != "":
			if id.Native = vm.LookupEfun(ir.Native); id.Native == nil {
				return nil, fmt.Errorf("identifier %s: unknown builtin %q", ir.Name, ir.Native)
			}
		case id.IsFunction():
			if id.Offset != -1 && (id.Offset < 0 || id.Offset+2 > len(p.Code)) {
				return nil, fmt.Errorf("function %s: offset %d outside code", ir.Name, id.Offset)
			}
		default:
			if id.Offset < 0 || id.Offset >= p.StorageSize {
				return nil, fmt.Errorf("variable %s: slot %d outside storage", ir.Name, id.Offset)
			}
		}
		p.Identifiers = append(p.Identifiers, id)
	}

	for _, r := range rec.References {
		if r.InheritOffset < 0 || r.InheritOffset >= len(p.Inherits) {
			return nil, fmt.Errorf("reference to inherit %d out of range", r.InheritOffset)
		}
		if n := len(p.Inherits[r.InheritOffset].Prog.Identifiers); r.IdentifierOffset < 0 || r.IdentifierOffset >= n {
			return nil, fmt.Errorf("reference to identifier %d out of range", r.IdentifierOffset)
		}
		p.References = append(p.References, vm.Reference(r))
	}
	for _, l := range rec.Lines {
		p.Lines = append(p.Lines, vm.LineEntry(l))
	}
	p.ResolveLfuns()
	return p, nil
}

func loadConstant(c *ConstantRecord, self int, loaded []*vm.Program) (vm.Value, error) {
	switch c.Kind {
	case "int":
		return vm.Int(c.Int), nil
	case "float":
		return vm.Float(c.Float), nil
	case "string":
		return vm.Str(c.Str), nil
	case "type":
		k, ok := vm.KindByName(c.Str)
		if !ok {
			return vm.Value{}, fmt.Errorf("unknown type %q", c.Str)
		}
		return vm.TypeValue(k), nil
	case "efun":
		ef := vm.LookupEfun(c.Str)
		if ef == nil {
			return vm.Value{}, fmt.Errorf("unknown builtin %q", c.Str)
		}
		return vm.EfunValue(ef), nil
	case "program":
		if c.Program < 0 || c.Program >= self {
			return vm.Value{}, fmt.Errorf("program %d out of order", c.Program)
		}
		return vm.ProgramValue(loaded[c.Program].Retain()), nil
	case "array":
		items, err := loadConstants(c.Items, self, loaded)
		if err != nil {
			return vm.Value{}, err
		}
		return vm.ArrayValue(vm.NewArray(items...)), nil
	case "multiset":
		items, err := loadConstants(c.Items, self, loaded)
		if err != nil {
			return vm.Value{}, err
		}
		m := vm.NewMultiset()
		for _, v := range items {
			m.Insert(v)
			v.Free()
		}
		return vm.MultisetValue(m), nil
	case "mapping":
		if len(c.Items) != len(c.Values) {
			return vm.Value{}, fmt.Errorf("mapping with %d keys and %d values", len(c.Items), len(c.Values))
		}
		keys, err := loadConstants(c.Items, self, loaded)
		if err != nil {
			return vm.Value{}, err
		}
		vals, err := loadConstants(c.Values, self, loaded)
		if err != nil {
			return vm.Value{}, err
		}
		m := vm.NewMapping()
		for k := range keys {
			m.Insert(keys[k], vals[k])
			keys[k].Free()
			vals[k].Free()
		}
		return vm.MappingValue(m), nil
	}
	return vm.Value{}, fmt.Errorf("unknown constant kind %q", c.Kind)
}

func loadConstants(cs []ConstantRecord, self int, loaded []*vm.Program) ([]vm.Value, error) {
	out := make([]vm.Value, 0, len(cs))
	for k := range cs {
		v, err := loadConstant(&cs[k], self, loaded)
		if err != nil {
			for _, done := range out {
				done.Free()
			}
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// WriteFile encodes main and writes it to path.
func WriteFile(path string, main *vm.Program) error {
	data, err := Encode(main)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("image: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads the main program of the image at path.
func ReadFile(path string, intern vm.Interner) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: read %s: %w", path, err)
	}
	return Decode(data, intern)
}
