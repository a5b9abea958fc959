package vm

import (
	"strconv"
	"strings"
)

// Describe renders v for diagnostics in the notation of the language:
// ({ }) arrays, ([ ]) mappings, (< >) multisets. Cycles print as "...".
func Describe(v Value) string {
	var sb strings.Builder
	describe(&sb, v, make(map[any]bool))
	return sb.String()
}

func describe(sb *strings.Builder, v Value, seen map[any]bool) {
	switch v.kind {
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.n, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(v.Str()))
	case KindType:
		sb.WriteString(v.TypeKind().String())
	case KindVoid:
		sb.WriteString("void")
	case KindLvalue, KindShortLvalue:
		sb.WriteString("lvalue")
	case KindProgram:
		sb.WriteString("program(" + v.Program().Filename + ")")
	case KindObject:
		if o := v.Object(); o.prog != nil {
			sb.WriteString("object(" + o.prog.Filename + ")")
		} else {
			sb.WriteString("object(destructed)")
		}
	case KindFunction:
		if e := v.Efun(); e != nil {
			sb.WriteString(e.Name)
			return
		}
		o := v.Object()
		if o.prog == nil {
			sb.WriteString("function(destructed)")
			return
		}
		if int(v.sub) >= len(o.prog.References) {
			sb.WriteString("function(?)")
			return
		}
		id, _ := o.prog.IdentifierAt(int(v.sub))
		sb.WriteString(id.Name)
	case KindArray, KindMapping, KindMultiset:
		if seen[v.ref] {
			sb.WriteString("...")
			return
		}
		seen[v.ref] = true
		defer delete(seen, v.ref)
		switch v.kind {
		case KindArray:
			sb.WriteString("({ ")
			for k, e := range v.Array().Items {
				if k > 0 {
					sb.WriteString(", ")
				}
				describe(sb, e, seen)
			}
			sb.WriteString(" })")
		case KindMapping:
			m := v.Mapping()
			sb.WriteString("([ ")
			for k, key := range m.Keys() {
				if k > 0 {
					sb.WriteString(", ")
				}
				describe(sb, key, seen)
				sb.WriteString(": ")
				describe(sb, m.Values()[k], seen)
			}
			sb.WriteString(" ])")
		default:
			sb.WriteString("(< ")
			for k, e := range v.Multiset().Items() {
				if k > 0 {
					sb.WriteString(", ")
				}
				describe(sb, e, seen)
			}
			sb.WriteString(" >)")
		}
	default:
		sb.WriteString("unknown")
	}
}
