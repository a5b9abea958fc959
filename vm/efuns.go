package vm

import (
	"sort"
	"sync"
)

// NativeFunc implements a builtin. It finds its arguments on top of the
// stack and must replace them with exactly one result.
type NativeFunc func(i *Interpreter, args int)

// Efun is a builtin function. Builtins are shared by every interpreter and
// are not reference counted.
type Efun struct {
	Name   string
	Fn     NativeFunc
	serial uint64
}

// NewEfun wraps fn.
func NewEfun(name string, fn NativeFunc) *Efun {
	return &Efun{Name: name, Fn: fn, serial: serialCounter.Add(1)}
}

var (
	efunsMu sync.RWMutex
	efuns   = make(map[string]*Efun)
)

// RegisterEfun adds a builtin to the global table, replacing any builtin of
// the same name.
func RegisterEfun(name string, fn NativeFunc) *Efun {
	e := NewEfun(name, fn)
	efunsMu.Lock()
	efuns[name] = e
	efunsMu.Unlock()
	return e
}

// LookupEfun returns the builtin called name, or nil.
func LookupEfun(name string) *Efun {
	efunsMu.RLock()
	defer efunsMu.RUnlock()
	return efuns[name]
}

// Efuns returns the names of all builtins, sorted.
func Efuns() []string {
	efunsMu.RLock()
	defer efunsMu.RUnlock()
	names := make([]string, 0, len(efuns))
	for name := range efuns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterEfun("aggregate", efunAggregate)
	RegisterEfun("aggregate_mapping", efunAggregateMapping)
	RegisterEfun("aggregate_multiset", efunAggregateMultiset)
	RegisterEfun("throw", efunThrow)
	RegisterEfun("destruct", efunDestruct)
	RegisterEfun("call_function", efunCallFunction)
	RegisterEfun("backtrace", efunBacktrace)
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

func efunAggregate(i *Interpreter, args int) {
	i.aggregate(args)
}

func efunAggregateMapping(i *Interpreter, args int) {
	if args%2 != 0 {
		i.Error("Uneven number of arguments to aggregate_mapping.")
	}
	m := NewMapping()
	argv := i.Args(args)
	for k := 0; k < args; k += 2 {
		m.Insert(argv[k], argv[k+1])
	}
	i.PopN(args)
	i.Push(MappingValue(m))
}

func efunAggregateMultiset(i *Interpreter, args int) {
	m := NewMultiset()
	for _, v := range i.Args(args) {
		m.Insert(v)
	}
	i.PopN(args)
	i.Push(MultisetValue(m))
}

func efunThrow(i *Interpreter, args int) {
	if args < 1 {
		i.Error("Too few arguments to throw().")
	}
	v := i.At(args).Copy()
	i.PopN(args)
	i.ThrowValue(v)
}

// efunDestruct destructs its argument, or the calling object when called
// without one.
func efunDestruct(i *Interpreter, args int) {
	var o *Object
	if args == 0 {
		if f := i.callerFrame(); f != nil {
			o = f.Object
		}
	} else {
		v := *i.At(args)
		if v.kind != KindObject {
			i.Error("Bad argument 1 to destruct().")
		}
		o = v.Object()
	}
	if o != nil {
		o.Retain()
		i.Destruct(o)
		ObjectValue(o).Free()
	}
	i.PopN(args)
	i.Push(Int(0))
}

func efunCallFunction(i *Interpreter, args int) {
	if args < 1 {
		i.Error("Too few arguments to call_function().")
	}
	i.StrictApplySvalue(*i.At(args), args-1)
	r := i.Pop()
	i.PopN(1)
	i.Push(r)
}

func efunBacktrace(i *Interpreter, args int) {
	i.PopN(args)
	i.Push(ArrayValue(i.backtraceArray()))
}

// callerFrame returns the innermost frame running interpreted code.
// Builtins called as constants run without a frame of their own; builtins
// bound into a program run in a frame with no code.
func (i *Interpreter) callerFrame() *Frame {
	for fp := i.fp; fp >= 0; fp = i.frames[fp].Parent {
		f := &i.frames[fp]
		if f.Fun < 0 || f.Object.prog == nil {
			return f
		}
		if id, _ := f.Object.prog.IdentifierAt(f.Fun); id.Native == nil {
			return f
		}
	}
	return nil
}
