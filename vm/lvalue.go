package vm

// ---------------------------------------------------------------------------
// Lvalues
// ---------------------------------------------------------------------------
//
// An lvalue occupies two stack slots. The first names the container, the
// second the index within it:
//
//	KindLvalue       slot pointer      void
//	KindShortLvalue  slot pointer      void      (sub holds the slot kind)
//	KindObject       object            index
//	KindArray        array             index
//	KindMapping      mapping           key
//	KindMultiset     multiset          member
//
// Slot pointers do not own anything; the frame or object that owns the
// slot outlives the lvalue.

// SlotLvalue names a generic value slot.
func SlotLvalue(p *Value) Value { return Value{kind: KindLvalue, ref: p} }

// TypedSlotLvalue names a slot declared to hold only kind.
func TypedSlotLvalue(p *Value, kind Kind) Value {
	return Value{kind: KindShortLvalue, sub: int32(kind), ref: p}
}

func (v Value) slot() *Value { p, _ := v.ref.(*Value); return p }

// ReadLvalue returns a copy of the value the lvalue names.
func (i *Interpreter) ReadLvalue(lv, index Value) Value {
	switch lv.kind {
	case KindLvalue:
		p := lv.slot()
		checkDestructed(p)
		return p.Copy()

	case KindShortLvalue:
		return readShort(lv.slot(), Kind(lv.sub))

	case KindObject:
		return i.objectIndex(lv.Object(), index)

	case KindArray:
		return i.arrayIndex(lv.Array(), index)

	case KindMapping:
		v, ok := lv.Mapping().Lookup(index)
		if !ok {
			return Undefined()
		}
		v = v.Copy()
		checkDestructed(&v)
		return v

	case KindMultiset:
		if lv.Multiset().Member(index) {
			return Int(1)
		}
		return Undefined()
	}
	i.Error("Indexing a basic type.")
	return Value{}
}

// AssignLvalue stores a copy of from in the location the lvalue names.
// Assigning a false value to a multiset member removes it.
func (i *Interpreter) AssignLvalue(lv, index, from Value) {
	switch lv.kind {
	case KindLvalue:
		Assign(lv.slot(), from)

	case KindShortLvalue:
		i.assignToShort(lv.slot(), Kind(lv.sub), from)

	case KindObject:
		i.objectSetIndex(lv.Object(), index, from)

	case KindArray:
		Assign(i.arraySlot(lv.Array(), index), from)

	case KindMapping:
		lv.Mapping().Insert(index, from)

	case KindMultiset:
		if from.IsZero() {
			lv.Multiset().Delete(index)
		} else {
			lv.Multiset().Insert(index)
		}

	default:
		i.Error("Indexing a basic type.")
	}
}

// AddressIfKind returns the slot behind the lvalue when it already holds a
// value of kind, so the caller can update it in place. A missing mapping
// entry is created as integer zero when kind is KindInt. Multiset members
// have no slot.
func (i *Interpreter) AddressIfKind(lv, index Value, kind Kind) *Value {
	switch lv.kind {
	case KindLvalue:
		if p := lv.slot(); p.kind == kind {
			return p
		}

	case KindShortLvalue:
		if Kind(lv.sub) == kind {
			return lv.slot()
		}

	case KindObject:
		return i.objectItemPtr(lv.Object(), index, kind)

	case KindArray:
		if p := i.arraySlot(lv.Array(), index); p.kind == kind {
			return p
		}

	case KindMapping:
		m := lv.Mapping()
		p := m.slot(index)
		if p == nil && kind == KindInt {
			m.Insert(index, Int(0))
			p = m.slot(index)
		}
		if p != nil && p.kind == kind {
			return p
		}

	case KindMultiset:

	default:
		i.Error("Indexing a basic type.")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Array slots
// ---------------------------------------------------------------------------

func (i *Interpreter) arraySlot(a *Array, index Value) *Value {
	if index.kind != KindInt {
		i.Error("Index is not an integer.")
	}
	k, ok := a.normalizeIndex(index.n)
	if !ok {
		i.Error("Index %d is out of range %d - %d.", index.n, -a.Len(), a.Len()-1)
	}
	return &a.Items[k]
}

func (i *Interpreter) arrayIndex(a *Array, index Value) Value {
	v := i.arraySlot(a, index).Copy()
	checkDestructed(&v)
	return v
}
