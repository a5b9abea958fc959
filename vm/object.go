package vm

// Object is an instance of a Program. Its storage holds one slot per
// variable of the program and every program it inherits. An object whose
// program has been torn down is destructed: prog is nil and handles to it
// read as integer zero.
type Object struct {
	refHeader
	prog    *Program
	Storage []Value

	// OnFree runs when the last reference to the object is dropped.
	OnFree func(*Object)
}

// NewObject allocates zeroed storage for p. It does not run any code.
func NewObject(p *Program) *Object {
	o := &Object{refHeader: newHeader(), prog: p.Retain(), Storage: make([]Value, p.StorageSize)}
	for ref := range p.References {
		id, inh := p.IdentifierAt(ref)
		if !id.IsFunction() && id.RunTimeType == KindFloat {
			o.Storage[inh.StorageOffset+id.Offset] = Float(0)
		}
	}
	return o
}

// Retain adds a reference and returns o.
func (o *Object) Retain() *Object { o.refs++; return o }

// Program returns the object's program, nil once destructed.
func (o *Object) Program() *Program { return o.prog }

// Destructed reports whether the object has been torn down.
func (o *Object) Destructed() bool { return o.prog == nil }

func (o *Object) release() {
	if o.OnFree != nil {
		o.OnFree(o)
	}
}

// teardown frees the storage and detaches the program.
func (o *Object) teardown() {
	freeValues(o.Storage)
	o.Storage = nil
	release(o.prog)
	o.prog = nil
}

// variable resolves reference index ref to its storage slot.
func (o *Object) variable(ref int) (*Value, *Identifier) {
	id, inh := o.prog.IdentifierAt(ref)
	return &o.Storage[inh.StorageOffset+id.Offset], id
}

// ---------------------------------------------------------------------------
// Typed storage slots
// ---------------------------------------------------------------------------

// readShort reads a slot declared with a specific run-time type. An empty
// slot of a handle type reads as integer zero.
func readShort(slot *Value, kind Kind) Value {
	switch kind {
	case KindInt, KindFloat:
		return *slot
	}
	if slot.kind != kind {
		return Int(0)
	}
	checkDestructed(slot)
	return slot.Copy()
}

// assignToShort stores from into a typed slot. Zero clears a handle slot;
// any other mismatch is an error.
func (i *Interpreter) assignToShort(slot *Value, kind Kind, from Value) {
	switch {
	case from.kind == kind:
		Assign(slot, from)
	case kind == KindFloat && from.IsZero():
		Assign(slot, Float(0))
	case kind != KindInt && from.IsZero():
		Assign(slot, Int(0))
	default:
		i.Error("Wrong type in assignment, expected %s, got %s.", kind, from.kind)
	}
}

// ---------------------------------------------------------------------------
// Indexing objects
// ---------------------------------------------------------------------------

// objectIndex reads o[index]. A destructed object reads as undefined.
func (i *Interpreter) objectIndex(o *Object, index Value) Value {
	p := o.prog
	if p == nil {
		return Undefined()
	}
	if fun := p.Lfuns[LfunIndex]; fun >= 0 {
		i.Push(index.Copy())
		i.ApplyLow(o, fun, 1)
		return i.Pop()
	}
	if index.kind != KindString {
		i.Error("Object indexed with a non-string.")
	}
	ref := p.FindIdentifier(index.Str())
	if ref < 0 {
		return Undefined()
	}
	slot, id := o.variable(ref)
	if id.IsFunction() {
		return FunctionValue(o.Retain(), ref)
	}
	if id.RunTimeType == KindMixed {
		checkDestructed(slot)
		return slot.Copy()
	}
	return readShort(slot, id.RunTimeType)
}

// objectSetIndex assigns o[index] = from.
func (i *Interpreter) objectSetIndex(o *Object, index, from Value) {
	p := o.prog
	if p == nil {
		i.Error("Lookup in destructed object.")
	}
	if fun := p.Lfuns[LfunAssignIndex]; fun >= 0 {
		i.Push(index.Copy())
		i.Push(from.Copy())
		i.ApplyLow(o, fun, 2)
		i.PopN(1)
		return
	}
	if index.kind != KindString {
		i.Error("Object indexed with a non-string.")
	}
	ref := p.FindIdentifier(index.Str())
	if ref < 0 {
		i.Error("No such variable (%s) in object.", index.Str())
	}
	slot, id := o.variable(ref)
	switch {
	case id.IsFunction():
		i.Error("Cannot assign functions or constants.")
	case id.RunTimeType == KindMixed:
		Assign(slot, from)
	default:
		i.assignToShort(slot, id.RunTimeType, from)
	}
}

// objectItemPtr returns the slot behind o[index] when it holds kind.
func (i *Interpreter) objectItemPtr(o *Object, index Value, kind Kind) *Value {
	p := o.prog
	if p == nil {
		i.Error("Lookup in destructed object.")
	}
	if p.Lfuns[LfunAssignIndex] >= 0 || index.kind != KindString {
		return nil
	}
	ref := p.FindIdentifier(index.Str())
	if ref < 0 {
		return nil
	}
	slot, id := o.variable(ref)
	if id.IsFunction() {
		return nil
	}
	if id.RunTimeType == kind || (id.RunTimeType == KindMixed && slot.kind == kind) {
		return slot
	}
	return nil
}
