package vm

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Program: compiled code plus its side tables
// ---------------------------------------------------------------------------

// IdentifierFlags describe an identifier.
type IdentifierFlags uint8

const (
	IdentifierFunction IdentifierFlags = 1 << iota // callable, Offset is a code offset
	IdentifierVarargs                              // extra arguments are collected into an array
	IdentifierNative                               // implemented by Native
)

// Identifier is a named variable or function defined by one program.
//
// For functions Offset is the position of the two-byte header
// (num_locals, num_args) in Code, or -1 when the function is only declared.
// For variables Offset is the storage slot relative to the defining
// program's storage block.
type Identifier struct {
	Name        string
	RunTimeType Kind
	Flags       IdentifierFlags
	Offset      int
	Native      *Efun
}

// IsFunction reports whether the identifier is callable.
func (id *Identifier) IsFunction() bool { return id.Flags&IdentifierFunction != 0 }

// Reference maps a reference index of a program onto an identifier of one of
// its inherited programs.
type Reference struct {
	InheritOffset    int
	IdentifierOffset int
}

// Inherit is one inheritance level. Inherits[0] of every program is the
// program itself. IdentifierLevel is added to reference indexes used by the
// inherited program's code; StorageOffset locates its variables inside the
// object storage.
type Inherit struct {
	Prog            *Program
	IdentifierLevel int
	StorageOffset   int
}

// LineEntry maps a code offset to a source line.
type LineEntry struct {
	PC   int
	Line int
}

// Lfun slots name functions the runtime calls on its own.
const (
	LfunInit = iota
	LfunCreate
	LfunDestroy
	LfunIndex
	LfunAssignIndex
	NumLfuns
)

// LfunNames are the identifier names bound to the lfun slots.
var LfunNames = [NumLfuns]string{"__INIT", "create", "destroy", "`[]", "`[]="}

// Program is a compiled unit: bytecode, string and constant pools,
// identifiers and the inheritance table.
type Program struct {
	refHeader
	ID          int
	Filename    string
	Code        []byte
	Strings     []*String
	Constants   []Value
	Identifiers []Identifier
	References  []Reference
	Inherits    []Inherit
	Lfuns       [NumLfuns]int
	StorageSize int
	Lines       []LineEntry
}

var programIDs atomic.Int64

// NewProgram returns an empty program whose first inherit is itself.
func NewProgram(filename string) *Program {
	p := &Program{refHeader: newHeader(), ID: int(programIDs.Add(1)), Filename: filename}
	p.Inherits = []Inherit{{Prog: p}}
	for k := range p.Lfuns {
		p.Lfuns[k] = -1
	}
	return p
}

// Retain adds a reference and returns p.
func (p *Program) Retain() *Program { p.refs++; return p }

func (p *Program) release() {}

// IdentifierAt resolves reference index ref.
func (p *Program) IdentifierAt(ref int) (*Identifier, Inherit) {
	r := p.References[ref]
	inh := p.Inherits[r.InheritOffset]
	return &inh.Prog.Identifiers[r.IdentifierOffset], inh
}

// FindIdentifier returns the reference index bound to name, or -1.
func (p *Program) FindIdentifier(name string) int {
	for ref := range p.References {
		if id, _ := p.IdentifierAt(ref); id.Name == name {
			return ref
		}
	}
	return -1
}

// LineFor returns the source line of code offset pc.
func (p *Program) LineFor(pc int) int {
	k := sort.Search(len(p.Lines), func(n int) bool { return p.Lines[n].PC > pc })
	if k == 0 {
		return 0
	}
	return p.Lines[k-1].Line
}

// ResolveLfuns binds the lfun slots. It runs once the reference table is
// final.
func (p *Program) ResolveLfuns() {
	for k, name := range LfunNames {
		p.Lfuns[k] = p.FindIdentifier(name)
	}
}

// ---------------------------------------------------------------------------
// ProgramBuilder
// ---------------------------------------------------------------------------

// Function describes the code of one interpreted function.
type Function struct {
	NumArgs   int
	NumLocals int
	Varargs   bool
	Body      []byte
	Lines     []LineEntry // offsets relative to Body
}

// ProgramBuilder assembles a Program from functions, variables, constants and
// inherited programs.
type ProgramBuilder struct {
	p       *Program
	strings map[string]int
	intern  Interner
}

// NewProgramBuilder starts a program for the given file name.
func NewProgramBuilder(filename string, intern Interner) *ProgramBuilder {
	if intern == nil {
		intern = NewStringTable()
	}
	return &ProgramBuilder{p: NewProgram(filename), strings: make(map[string]int), intern: intern}
}

// Inherit copies the reference table and storage layout of parent.
func (b *ProgramBuilder) Inherit(parent *Program) {
	p := b.p
	inheritBase := len(p.Inherits)
	levelBase := len(p.References)
	storageBase := p.StorageSize

	parent.Retain()
	for _, inh := range parent.Inherits {
		p.Inherits = append(p.Inherits, Inherit{
			Prog:            inh.Prog,
			IdentifierLevel: inh.IdentifierLevel + levelBase,
			StorageOffset:   inh.StorageOffset + storageBase,
		})
	}
	for _, r := range parent.References {
		p.References = append(p.References, Reference{
			InheritOffset:    r.InheritOffset + inheritBase,
			IdentifierOffset: r.IdentifierOffset,
		})
	}
	p.StorageSize += parent.StorageSize
}

// AddString adds s to the string pool, returning its index.
func (b *ProgramBuilder) AddString(s string) int {
	if idx, ok := b.strings[s]; ok {
		return idx
	}
	idx := len(b.p.Strings)
	b.p.Strings = append(b.p.Strings, b.intern.Intern(s))
	b.strings[s] = idx
	return idx
}

// AddConstant takes over v and returns its constant index.
func (b *ProgramBuilder) AddConstant(v Value) int {
	b.p.Constants = append(b.p.Constants, v)
	return len(b.p.Constants) - 1
}

// AddVariable defines a variable of run-time type kind and returns its
// reference index.
func (b *ProgramBuilder) AddVariable(name string, kind Kind) int {
	slot := b.p.StorageSize
	b.p.StorageSize++
	return b.define(Identifier{Name: name, RunTimeType: kind, Offset: slot})
}

// DeclareFunction reserves a reference index for a function defined later.
// Calling it before AddFunction supplies a body raises an error.
func (b *ProgramBuilder) DeclareFunction(name string, varargs bool) int {
	if ref := b.ownReference(name); ref >= 0 {
		return ref
	}
	flags := IdentifierFunction
	if varargs {
		flags |= IdentifierVarargs
	}
	return b.define(Identifier{Name: name, RunTimeType: KindFunction, Flags: flags, Offset: -1})
}

// AddFunction appends fn's code and defines name, overriding any inherited
// definition. It returns the reference index.
func (b *ProgramBuilder) AddFunction(name string, fn Function) int {
	if fn.NumLocals < fn.NumArgs || (fn.Varargs && fn.NumLocals <= fn.NumArgs) {
		panic(fmt.Sprintf("function %s: %d locals cannot hold %d arguments", name, fn.NumLocals, fn.NumArgs))
	}
	if fn.NumLocals > 255 {
		panic(fmt.Sprintf("function %s: too many locals", name))
	}
	p := b.p

	// The header sits two bytes before a four-byte aligned body so that
	// switch tables align the same way they did in the builder.
	for len(p.Code)%4 != 2 {
		p.Code = append(p.Code, 0)
	}
	offset := len(p.Code)
	p.Code = append(p.Code, byte(fn.NumLocals), byte(fn.NumArgs))
	body := len(p.Code)
	p.Code = append(p.Code, fn.Body...)
	for _, l := range fn.Lines {
		p.Lines = append(p.Lines, LineEntry{PC: body + l.PC, Line: l.Line})
	}

	flags := IdentifierFunction
	if fn.Varargs {
		flags |= IdentifierVarargs
	}
	id := Identifier{Name: name, RunTimeType: KindFunction, Flags: flags, Offset: offset}
	if ref := b.ownReference(name); ref >= 0 {
		p.Identifiers[p.References[ref].IdentifierOffset] = id
		return ref
	}
	return b.define(id)
}

// AddNative defines a function implemented in Go.
func (b *ProgramBuilder) AddNative(name string, e *Efun) int {
	return b.define(Identifier{
		Name:        name,
		RunTimeType: KindFunction,
		Flags:       IdentifierFunction | IdentifierNative,
		Native:      e,
	})
}

// ownReference returns the reference of an identifier defined by this
// program itself.
func (b *ProgramBuilder) ownReference(name string) int {
	for ref, r := range b.p.References {
		if r.InheritOffset == 0 && b.p.Identifiers[r.IdentifierOffset].Name == name {
			return ref
		}
	}
	return -1
}

// define adds id to this program. Inherited references with the same name
// are redirected to it so that inherited code dispatches to the override.
func (b *ProgramBuilder) define(id Identifier) int {
	p := b.p
	p.Identifiers = append(p.Identifiers, id)
	own := Reference{InheritOffset: 0, IdentifierOffset: len(p.Identifiers) - 1}
	overridden := -1
	for ref := range p.References {
		if cur, _ := p.IdentifierAt(ref); cur.Name == id.Name {
			p.References[ref] = own
			overridden = ref
		}
	}
	if overridden >= 0 {
		return overridden
	}
	p.References = append(p.References, own)
	return len(p.References) - 1
}

// Program finishes the build.
func (b *ProgramBuilder) Program() *Program {
	b.p.ResolveLfuns()
	return b.p
}
