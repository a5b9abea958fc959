package vm

import "strings"

// kindRank orders values of unrelated kinds. Integers and floats share a
// rank because they compare numerically.
func kindRank(k Kind) int {
	switch k {
	case KindInt, KindFloat:
		return 0
	default:
		return int(k)
	}
}

func isNumeric(v Value) bool { return v.kind == KindInt || v.kind == KindFloat }

func numeric(v Value) float64 {
	if v.kind == KindFloat {
		return v.Float()
	}
	return float64(v.n)
}

// destructedAsZero views handles to destructed objects as integer zero.
func destructedAsZero(v Value) Value {
	if v.IsDestructed() {
		return Value{kind: KindInt, sub: NumberDestructed}
	}
	return v
}

// IsEq reports language equality. Numbers compare by value across int and
// float, strings by contents, handles by identity.
func IsEq(a, b Value) bool {
	a, b = destructedAsZero(a), destructedAsZero(b)
	if isNumeric(a) && isNumeric(b) {
		if a.kind == KindInt && b.kind == KindInt {
			return a.n == b.n
		}
		return numeric(a) == numeric(b)
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindString:
		return a.Str() == b.Str()
	case KindType:
		return a.sub == b.sub
	case KindFunction:
		return a.ref == b.ref && a.sub == b.sub
	case KindVoid:
		return true
	}
	return a.ref == b.ref
}

// IsLt is the total "less than" order used by comparisons, sorting and
// switch tables. Values of unrelated kinds order by kind, then by creation.
func IsLt(a, b Value) bool {
	a, b = destructedAsZero(a), destructedAsZero(b)
	if isNumeric(a) && isNumeric(b) {
		if a.kind == KindInt && b.kind == KindInt {
			return a.n < b.n
		}
		return numeric(a) < numeric(b)
	}
	if ra, rb := kindRank(a.kind), kindRank(b.kind); ra != rb {
		return ra < rb
	}
	switch a.kind {
	case KindString:
		return strings.Compare(a.Str(), b.Str()) < 0
	case KindType:
		return a.sub < b.sub
	case KindFunction:
		if a.ref == b.ref {
			return a.sub < b.sub
		}
	}
	return serialOf(a) < serialOf(b)
}

// IsGt is IsLt with the operands swapped.
func IsGt(a, b Value) bool { return IsLt(b, a) }

// Compare returns -1, 0 or 1 following IsLt.
func Compare(a, b Value) int {
	switch {
	case IsLt(a, b):
		return -1
	case IsLt(b, a):
		return 1
	}
	return 0
}

func serialOf(v Value) uint64 {
	if r, ok := v.ref.(referent); ok {
		return r.header().serial
	}
	if e, ok := v.ref.(*Efun); ok {
		return e.serial
	}
	return 0
}
