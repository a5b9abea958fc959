package vm

import (
	"math"
	"sync/atomic"
)

// Value is the universal runtime datum: a tagged union over the value
// kinds the interpreter knows about.
//
// Layout:
//   - kind selects the variant
//   - sub carries the per-kind subtype: the integer subtype for KindInt,
//     the reference index for KindFunction (-1 for efuns), the declared
//     slot kind for KindShortLvalue and the target kind for KindType
//   - n holds integer payloads and float bits
//   - ref holds the referent for handle kinds and the slot pointer for
//     direct lvalues
//
// Handle kinds share ownership of a reference-counted referent. Copy adds a
// reference, Free drops one. A Value placed on the stack or in a slot owns
// exactly one reference to its referent.
type Value struct {
	kind Kind
	sub  int32
	n    int64
	ref  any
}

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindArray
	KindMapping
	KindMultiset
	KindObject
	KindFunction
	KindProgram
	KindType
	KindLvalue
	KindShortLvalue
	KindVoid

	// KindMixed never appears in a Value. It is the run-time type of
	// identifiers whose storage is a generic Value slot.
	KindMixed
)

var kindNames = [...]string{
	KindInt:         "int",
	KindFloat:       "float",
	KindString:      "string",
	KindArray:       "array",
	KindMapping:     "mapping",
	KindMultiset:    "multiset",
	KindObject:      "object",
	KindFunction:    "function",
	KindProgram:     "program",
	KindType:        "type",
	KindLvalue:      "lvalue",
	KindShortLvalue: "short lvalue",
	KindVoid:        "void",
	KindMixed:       "mixed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// KindByName maps a type name back to its Kind.
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// Integer subtypes.
const (
	NumberNumber     int32 = 0
	NumberUndefined  int32 = 1
	NumberDestructed int32 = 2
)

// ---------------------------------------------------------------------------
// Reference counting
// ---------------------------------------------------------------------------

var serialCounter atomic.Uint64

// refHeader is embedded in every reference-counted referent.
type refHeader struct {
	refs   int32
	serial uint64
}

func newHeader() refHeader {
	return refHeader{refs: 1, serial: serialCounter.Add(1)}
}

func (h *refHeader) header() *refHeader { return h }

// Refs returns the current reference count.
func (h *refHeader) Refs() int32 { return h.refs }

// referent is implemented by all reference-counted kinds.
type referent interface {
	header() *refHeader
	release()
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: KindInt, n: n} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, n: int64(math.Float64bits(f))} }

// Undefined returns the integer zero tagged as undefined, the result of
// reading a location that holds nothing.
func Undefined() Value { return Value{kind: KindInt, sub: NumberUndefined} }

// Void returns the filler value used as the second slot of direct lvalues.
func Void() Value { return Value{kind: KindVoid} }

// TypeValue returns a type value naming kind k.
func TypeValue(k Kind) Value { return Value{kind: KindType, sub: int32(k)} }

// The handle constructors below take over the caller's reference.

// StringValue wraps s.
func StringValue(s *String) Value { return Value{kind: KindString, ref: s} }

// ArrayValue wraps a.
func ArrayValue(a *Array) Value { return Value{kind: KindArray, ref: a} }

// MappingValue wraps m.
func MappingValue(m *Mapping) Value { return Value{kind: KindMapping, ref: m} }

// MultisetValue wraps m.
func MultisetValue(m *Multiset) Value { return Value{kind: KindMultiset, ref: m} }

// ObjectValue wraps o.
func ObjectValue(o *Object) Value { return Value{kind: KindObject, ref: o} }

// ProgramValue wraps p.
func ProgramValue(p *Program) Value { return Value{kind: KindProgram, ref: p} }

// FunctionValue names the function at reference index fun in o.
func FunctionValue(o *Object, fun int) Value {
	return Value{kind: KindFunction, sub: int32(fun), ref: o}
}

// EfunValue wraps a builtin function.
func EfunValue(e *Efun) Value { return Value{kind: KindFunction, sub: -1, ref: e} }

// Str is a shorthand for a fresh, uninterned string value.
func Str(s string) Value { return StringValue(NewString(s)) }

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// Subtype returns the per-kind subtype.
func (v Value) Subtype() int32 { return v.sub }

// Int returns the integer payload.
func (v Value) Int() int64 { return v.n }

// Float returns the float payload.
func (v Value) Float() float64 { return math.Float64frombits(uint64(v.n)) }

// Str returns the string contents of a string value.
func (v Value) Str() string {
	if s, ok := v.ref.(*String); ok {
		return s.s
	}
	return ""
}

// Array returns the array referent or nil.
func (v Value) Array() *Array { a, _ := v.ref.(*Array); return a }

// Mapping returns the mapping referent or nil.
func (v Value) Mapping() *Mapping { m, _ := v.ref.(*Mapping); return m }

// Multiset returns the multiset referent or nil.
func (v Value) Multiset() *Multiset { m, _ := v.ref.(*Multiset); return m }

// Object returns the object referent (also for function values) or nil.
func (v Value) Object() *Object { o, _ := v.ref.(*Object); return o }

// Program returns the program referent or nil.
func (v Value) Program() *Program { p, _ := v.ref.(*Program); return p }

// Efun returns the builtin referent of an efun function value or nil.
func (v Value) Efun() *Efun { e, _ := v.ref.(*Efun); return e }

// TypeKind returns the kind named by a type value.
func (v Value) TypeKind() Kind { return Kind(v.sub) }

// IsUndefined reports whether v is the integer zero produced by reading an
// absent or destructed location.
func (v Value) IsUndefined() bool {
	return v.kind == KindInt && v.n == 0 && v.sub != NumberNumber
}

// IsDestructed reports whether v is a handle to an object whose program has
// been torn down.
func (v Value) IsDestructed() bool {
	switch v.kind {
	case KindObject:
		return v.ref.(*Object).prog == nil
	case KindFunction:
		if o, ok := v.ref.(*Object); ok {
			return o.prog == nil
		}
	}
	return false
}

// IsZero is the language notion of falsehood: integer zero and destructed
// objects or functions. Every other value, float zero included, is true.
func (v Value) IsZero() bool {
	switch v.kind {
	case KindInt:
		return v.n == 0
	case KindObject, KindFunction:
		return v.IsDestructed()
	}
	return false
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

// Copy adds a reference for the returned copy.
func (v Value) Copy() Value {
	if r, ok := v.ref.(referent); ok {
		r.header().refs++
	}
	return v
}

// Free drops the reference held by v. The referent's release hook runs
// when the last reference goes away.
func (v Value) Free() {
	if r, ok := v.ref.(referent); ok {
		h := r.header()
		h.refs--
		if h.refs == 0 {
			r.release()
		}
	}
}

// Assign frees the value in dst and stores a copy of src there.
func Assign(dst *Value, src Value) {
	src = src.Copy()
	old := *dst
	*dst = src
	old.Free()
}

// checkDestructed re-tags a handle to a destructed object as integer zero.
func checkDestructed(v *Value) {
	if v.IsDestructed() {
		v.Free()
		*v = Value{kind: KindInt, sub: NumberDestructed}
	}
}

// freeValues frees every value in vs and zeroes the slots.
func freeValues(vs []Value) {
	for k := range vs {
		vs[k].Free()
		vs[k] = Value{}
	}
}
