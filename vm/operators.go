package vm

import (
	"math"
	"strconv"
	"strings"
)

// The operators below read borrowed operands and return an owned result.
// Type errors are raised as language-level errors.

// binary applies op to the top two stack values and replaces them with the
// result. The operands stay on the stack while op runs so that a throw
// releases them.
func (i *Interpreter) binary(op func(a, b Value) Value) {
	r := op(*i.At(2), *i.At(1))
	i.PopN(2)
	i.Push(r)
}

// unary replaces the top stack value with op applied to it.
func (i *Interpreter) unary(op func(a Value) Value) {
	r := op(*i.At(1))
	i.PopN(1)
	i.Push(r)
}

func boolValue(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (i *Interpreter) Add(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.n + b.n)
	case isNumeric(a) && isNumeric(b):
		return Float(numeric(a) + numeric(b))
	case a.kind == KindString || b.kind == KindString:
		if s1, ok1 := stringOf(a); ok1 {
			if s2, ok2 := stringOf(b); ok2 {
				return Str(s1 + s2)
			}
		}
	case a.kind != b.kind:
	case a.kind == KindArray:
		items := make([]Value, 0, a.Array().Len()+b.Array().Len())
		for _, v := range a.Array().Items {
			items = append(items, v.Copy())
		}
		for _, v := range b.Array().Items {
			items = append(items, v.Copy())
		}
		return ArrayValue(NewArray(items...))
	case a.kind == KindMapping:
		m := copyMapping(a.Mapping())
		bm := b.Mapping()
		for k, key := range bm.Keys() {
			m.Insert(key, bm.Values()[k])
		}
		return MappingValue(m)
	case a.kind == KindMultiset:
		m := copyMultiset(a.Multiset())
		for _, v := range b.Multiset().Items() {
			m.Insert(v)
		}
		return MultisetValue(m)
	}
	i.Error("Incompatible types to addition.")
	return Value{}
}

func (i *Interpreter) Subtract(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.n - b.n)
	case isNumeric(a) && isNumeric(b):
		return Float(numeric(a) - numeric(b))
	case a.kind != b.kind:
		i.Error("Subtract on different types.")
	case a.kind == KindString:
		return Str(strings.ReplaceAll(a.Str(), b.Str(), ""))
	case a.kind == KindArray:
		var items []Value
		for _, v := range a.Array().Items {
			if !arrayContains(b.Array(), v) {
				items = append(items, v.Copy())
			}
		}
		return ArrayValue(NewArray(items...))
	case a.kind == KindMapping:
		m := copyMapping(a.Mapping())
		for _, k := range b.Mapping().Keys() {
			m.Delete(k)
		}
		return MappingValue(m)
	case a.kind == KindMultiset:
		m := copyMultiset(a.Multiset())
		for _, v := range b.Multiset().Items() {
			m.Delete(v)
		}
		return MultisetValue(m)
	}
	i.Error("Bad argument 1 to subtraction.")
	return Value{}
}

func (i *Interpreter) Multiply(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.n * b.n)
	case isNumeric(a) && isNumeric(b):
		return Float(numeric(a) * numeric(b))
	case a.kind == KindString && b.kind == KindInt:
		if b.n < 0 {
			i.Error("Cannot multiply string by negative number.")
		}
		i.checkAllocation(int64(len(a.Str())), b.n)
		return Str(strings.Repeat(a.Str(), int(b.n)))
	case a.kind == KindArray && b.kind == KindInt:
		if b.n < 0 {
			i.Error("Cannot multiply array by negative number.")
		}
		src := a.Array().Items
		i.checkAllocation(int64(len(src)), b.n)
		items := make([]Value, 0, len(src)*int(b.n))
		for range b.n {
			for _, v := range src {
				items = append(items, v.Copy())
			}
		}
		return ArrayValue(NewArray(items...))
	}
	i.Error("Bad arguments to multiplication.")
	return Value{}
}

// maxAllocation bounds the element count of a single repeated string or
// array.
const maxAllocation = 1 << 28

func (i *Interpreter) checkAllocation(size, times int64) {
	if size != 0 && times > maxAllocation/size {
		i.Error("Result of multiplication too large.")
	}
}

// Divide rounds integer quotients towards negative infinity. Dividing a
// string by a string splits it.
func (i *Interpreter) Divide(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		if b.n == 0 {
			i.Error("Division by zero.")
		}
		q := a.n / b.n
		if (a.n%b.n != 0) && ((a.n < 0) != (b.n < 0)) {
			q--
		}
		return Int(q)
	case isNumeric(a) && isNumeric(b):
		if numeric(b) == 0 {
			i.Error("Division by zero.")
		}
		return Float(numeric(a) / numeric(b))
	case a.kind == KindString && b.kind == KindString:
		parts := strings.Split(a.Str(), b.Str())
		items := make([]Value, len(parts))
		for k, s := range parts {
			items[k] = Str(s)
		}
		return ArrayValue(NewArray(items...))
	}
	i.Error("Division on different types.")
	return Value{}
}

// Mod takes the sign of the divisor.
func (i *Interpreter) Mod(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		if b.n == 0 {
			i.Error("Modulo by zero.")
		}
		r := a.n % b.n
		if r != 0 && ((r < 0) != (b.n < 0)) {
			r += b.n
		}
		return Int(r)
	case isNumeric(a) && isNumeric(b):
		d := numeric(b)
		if d == 0 {
			i.Error("Modulo by zero.")
		}
		r := math.Mod(numeric(a), d)
		if r != 0 && ((r < 0) != (d < 0)) {
			r += d
		}
		return Float(r)
	}
	i.Error("Modulo on different types.")
	return Value{}
}

func (i *Interpreter) Negate(a Value) Value {
	switch a.kind {
	case KindInt:
		return Int(-a.n)
	case KindFloat:
		return Float(-a.Float())
	}
	i.Error("Bad argument to unary minus.")
	return Value{}
}

func (i *Interpreter) Compl(a Value) Value {
	switch a.kind {
	case KindInt:
		return Int(^a.n)
	case KindFloat:
		return Float(-1 - a.Float())
	}
	i.Error("Bad argument to ~.")
	return Value{}
}

// ---------------------------------------------------------------------------
// Bitwise and set operators
// ---------------------------------------------------------------------------

type setOp int

const (
	setAnd setOp = iota
	setOr
	setXor
)

var setOpNames = [...]string{"and", "or", "xor"}

func (i *Interpreter) bitwise(op setOp, a, b Value) Value {
	if a.kind != b.kind {
		i.Error("Bitwise %s on different types.", setOpNames[op])
	}
	switch a.kind {
	case KindInt:
		switch op {
		case setAnd:
			return Int(a.n & b.n)
		case setOr:
			return Int(a.n | b.n)
		}
		return Int(a.n ^ b.n)

	case KindMultiset:
		am, bm := a.Multiset(), b.Multiset()
		m := NewMultiset()
		for _, v := range am.Items() {
			in := bm.Member(v)
			if (op == setAnd && in) || (op != setAnd && !(op == setXor && in)) {
				m.Insert(v)
			}
		}
		if op != setAnd {
			for _, v := range bm.Items() {
				if !am.Member(v) {
					m.Insert(v)
				}
			}
		}
		return MultisetValue(m)

	case KindMapping:
		am, bm := a.Mapping(), b.Mapping()
		m := NewMapping()
		for k, key := range am.Keys() {
			_, in := bm.Lookup(key)
			switch {
			case op == setAnd && in:
				v, _ := bm.Lookup(key)
				m.Insert(key, v)
			case op == setOr && !in, op == setXor && !in:
				m.Insert(key, am.Values()[k])
			}
		}
		if op != setAnd {
			for k, key := range bm.Keys() {
				if _, in := am.Lookup(key); !in || op == setOr {
					m.Insert(key, bm.Values()[k])
				}
			}
		}
		return MappingValue(m)

	case KindArray:
		aa, ba := a.Array(), b.Array()
		var items []Value
		for _, v := range aa.Items {
			in := arrayContains(ba, v)
			if (op == setAnd && in) || op == setOr || (op == setXor && !in) {
				items = append(items, v.Copy())
			}
		}
		if op != setAnd {
			for _, v := range ba.Items {
				if !arrayContains(aa, v) {
					items = append(items, v.Copy())
				}
			}
		}
		return ArrayValue(NewArray(items...))
	}
	i.Error("Bitwise %s on illegal type.", setOpNames[op])
	return Value{}
}

func (i *Interpreter) And(a, b Value) Value { return i.bitwise(setAnd, a, b) }
func (i *Interpreter) Or(a, b Value) Value  { return i.bitwise(setOr, a, b) }
func (i *Interpreter) Xor(a, b Value) Value { return i.bitwise(setXor, a, b) }

func (i *Interpreter) Lsh(a, b Value) Value {
	if a.kind != KindInt {
		i.Error("Bad argument 1 to <<.")
	}
	if b.kind != KindInt || b.n < 0 {
		i.Error("Bad argument 2 to <<.")
	}
	if b.n >= 64 {
		return Int(0)
	}
	return Int(a.n << uint(b.n))
}

func (i *Interpreter) Rsh(a, b Value) Value {
	if a.kind != KindInt {
		i.Error("Bad argument 1 to >>.")
	}
	if b.kind != KindInt || b.n < 0 {
		i.Error("Bad argument 2 to >>.")
	}
	if b.n >= 64 {
		if a.n < 0 {
			return Int(-1)
		}
		return Int(0)
	}
	return Int(a.n >> uint(b.n))
}

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

// Index reads container[index].
func (i *Interpreter) Index(container, index Value) Value {
	switch container.kind {
	case KindString:
		if index.kind != KindInt {
			i.Error("Index is not an integer.")
		}
		r := []rune(container.Str())
		k := index.n
		if k < 0 {
			k += int64(len(r))
		}
		if k < 0 || k >= int64(len(r)) {
			i.Error("Index %d is out of range %d - %d.", index.n, -len(r), len(r)-1)
		}
		return Int(int64(r[k]))
	case KindArray, KindMapping, KindMultiset:
		return i.ReadLvalue(container, index)
	case KindObject:
		return i.objectIndex(container.Object(), index)
	case KindFunction:
		if o := container.Object(); o != nil {
			return i.objectIndex(o, index)
		}
	}
	i.Error("Indexing on illegal type.")
	return Value{}
}

// Range returns the inclusive slice v[lo..hi]; bounds are clamped.
func (i *Interpreter) Range(v, lo, hi Value) Value {
	if lo.kind != KindInt {
		i.Error("Bad argument 1 to [ .. ].")
	}
	if hi.kind != KindInt {
		i.Error("Bad argument 2 to [ .. ].")
	}
	clamp := func(n int) (int, int) {
		// Clamp hi before adding one so MaxInt64 stays open-ended.
		from, to := max(lo.n, 0), min(hi.n, int64(n)-1)+1
		if to < from {
			to = from
		}
		return int(from), int(to)
	}
	switch v.kind {
	case KindString:
		r := []rune(v.Str())
		from, to := clamp(len(r))
		if from > len(r) {
			return Str("")
		}
		return Str(string(r[from:to]))
	case KindArray:
		src := v.Array().Items
		from, to := clamp(len(src))
		if from > len(src) {
			return ArrayValue(NewArray())
		}
		items := make([]Value, 0, to-from)
		for _, e := range src[from:to] {
			items = append(items, e.Copy())
		}
		return ArrayValue(NewArray(items...))
	}
	i.Error("[ .. ] on non-scalar type.")
	return Value{}
}

// Sizeof returns the number of elements of a container or characters of a
// string.
func (i *Interpreter) Sizeof(v Value) int64 {
	switch v.kind {
	case KindString:
		return int64(len([]rune(v.Str())))
	case KindArray:
		return int64(v.Array().Len())
	case KindMapping:
		return int64(v.Mapping().Len())
	case KindMultiset:
		return int64(v.Multiset().Len())
	}
	i.Error("Bad argument 1 to sizeof().")
	return 0
}

// ---------------------------------------------------------------------------
// Casts
// ---------------------------------------------------------------------------

// Cast converts v to kind.
func (i *Interpreter) Cast(v Value, kind Kind) Value {
	if v.kind == kind || kind == KindMixed {
		return v.Copy()
	}
	switch kind {
	case KindInt:
		switch v.kind {
		case KindFloat:
			return Int(int64(v.Float()))
		case KindString:
			return Int(leadingInt(v.Str()))
		}
	case KindFloat:
		switch v.kind {
		case KindInt:
			return Float(float64(v.n))
		case KindString:
			f, _ := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
			return Float(f)
		}
	case KindString:
		switch v.kind {
		case KindInt, KindFloat:
			s, _ := stringOf(v)
			return Str(s)
		case KindArray:
			var sb strings.Builder
			for _, e := range v.Array().Items {
				if e.kind != KindInt {
					i.Error("Cannot cast array with non-integer elements to string.")
				}
				sb.WriteRune(rune(e.n))
			}
			return Str(sb.String())
		}
	case KindArray:
		switch v.kind {
		case KindString:
			var items []Value
			for _, r := range v.Str() {
				items = append(items, Int(int64(r)))
			}
			return ArrayValue(NewArray(items...))
		case KindMultiset:
			var items []Value
			for _, e := range v.Multiset().Items() {
				items = append(items, e.Copy())
			}
			return ArrayValue(NewArray(items...))
		case KindMapping:
			m := v.Mapping()
			items := make([]Value, m.Len())
			for k, key := range m.Keys() {
				items[k] = ArrayValue(NewArray(key.Copy(), m.Values()[k].Copy()))
			}
			return ArrayValue(NewArray(items...))
		}
	case KindMultiset:
		if v.kind == KindArray {
			m := NewMultiset()
			for _, e := range v.Array().Items {
				m.Insert(e)
			}
			return MultisetValue(m)
		}
	case KindMapping:
		if v.kind == KindArray {
			m := NewMapping()
			for _, e := range v.Array().Items {
				pair := e.Array()
				if e.kind != KindArray || pair.Len() != 2 {
					i.Error("Cannot cast array to mapping: element is not a pair.")
				}
				m.Insert(pair.Items[0], pair.Items[1])
			}
			return MappingValue(m)
		}
	}
	i.Error("Cannot cast %s to %s.", v.kind, kind)
	return Value{}
}

// leadingInt parses an optional sign and the digits that follow it,
// ignoring anything after.
func leadingInt(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.ParseInt(s[:end], 10, 64)
	return n
}

// stringOf renders strings and numbers for concatenation.
func stringOf(v Value) (string, bool) {
	switch v.kind {
	case KindString:
		return v.Str(), true
	case KindInt:
		return strconv.FormatInt(v.n, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Copying
// ---------------------------------------------------------------------------

func copyMapping(src *Mapping) *Mapping {
	m := NewMapping()
	for k, key := range src.Keys() {
		m.Insert(key, src.Values()[k])
	}
	return m
}

func copyMultiset(src *Multiset) *Multiset {
	m := NewMultiset()
	for _, v := range src.Items() {
		m.Insert(v)
	}
	return m
}

func arrayContains(a *Array, v Value) bool {
	for _, e := range a.Items {
		if IsEq(e, v) {
			return true
		}
	}
	return false
}

// CopyValue returns a deep copy of v. Shared and cyclic structure is
// preserved.
func CopyValue(v Value) Value {
	return copyValue(v, make(map[any]Value))
}

func copyValue(v Value, seen map[any]Value) Value {
	switch v.kind {
	case KindArray, KindMapping, KindMultiset:
	default:
		return v.Copy()
	}
	if c, ok := seen[v.ref]; ok {
		return c.Copy()
	}
	switch v.kind {
	case KindArray:
		src := v.Array()
		a := AllocateArray(src.Len())
		seen[v.ref] = ArrayValue(a)
		for k, e := range src.Items {
			a.Items[k] = copyValue(e, seen)
		}
		return ArrayValue(a)
	case KindMapping:
		src := v.Mapping()
		m := NewMapping()
		seen[v.ref] = MappingValue(m)
		for k, key := range src.Keys() {
			nk := copyValue(key, seen)
			nv := copyValue(src.Values()[k], seen)
			m.Insert(nk, nv)
			nk.Free()
			nv.Free()
		}
		return MappingValue(m)
	}
	src := v.Multiset()
	m := NewMultiset()
	seen[v.ref] = MultisetValue(m)
	for _, e := range src.Items() {
		ne := copyValue(e, seen)
		m.Insert(ne)
		ne.Free()
	}
	return MultisetValue(m)
}
