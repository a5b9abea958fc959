package vm

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Invocation protocol
// ---------------------------------------------------------------------------

// ApplyLow calls the function at reference index fun in o with the top args
// stack values as arguments and leaves exactly one result in their place.
//
// Missing arguments are padded with zero. Surplus arguments are collected
// into an array for varargs functions and discarded otherwise. The
// remaining locals start as zero. A negative fun pops the arguments and
// yields zero.
func (i *Interpreter) ApplyLow(o *Object, fun int, args int) {
	if fun < 0 {
		i.PopN(args)
		i.Push(Int(0))
		return
	}
	i.checkThreads()
	i.checkStack(stackHeadroom)
	i.checkMarkStack(stackHeadroom)

	p := o.prog
	if p == nil {
		i.Error("Cannot call functions in destructed objects.")
	}
	if fun >= len(p.References) {
		i.fatal("Function %d out of range.", fun)
	}
	id, inh := p.IdentifierAt(fun)
	if !id.IsFunction() {
		i.Error("Calling non-function '%s'.", id.Name)
	}
	if id.Native == nil && id.Offset < 0 {
		i.Error("Calling undefined function '%s'.", id.Name)
	}

	expected := i.sp - args
	f := i.pushFrame(o, inh, fun, args)
	if i.trace > 0 {
		i.traceApply(f, args)
	}

	if id.Native != nil {
		id.Native.Fn(i, args)
	} else {
		code := inh.Prog.Code
		numLocals, numArgs := int(code[id.Offset]), int(code[id.Offset+1])
		if numLocals < numArgs {
			i.fatal("Wrong number of arguments or locals in function def.")
		}
		for ; args < numArgs; args++ {
			i.Push(Int(0))
		}
		if id.Flags&IdentifierVarargs != 0 {
			i.aggregate(args - numArgs)
			args = numArgs + 1
		} else if args > numArgs {
			i.PopN(args - numArgs)
			args = numArgs
		}
		if numLocals < args {
			i.fatal("Wrong number of arguments or locals in function def.")
		}
		for n := args; n < numLocals; n++ {
			i.Push(Int(0))
		}
		f.Args, f.NumArgs, f.NumLocals = args, numArgs, numLocals
		i.evalInstruction(id.Offset + 2)
	}

	i.normalizeResult(expected)
	if i.trace > 0 {
		i.traceReturn(f)
	}
	i.popFrame()
}

// normalizeResult leaves exactly one value at stack index expected.
func (i *Interpreter) normalizeResult(expected int) {
	switch {
	case i.sp < expected:
		i.fatal("Frame underflow.")
	case i.sp == expected:
		i.Push(Int(0))
	case i.sp > expected+1:
		top := i.Pop()
		i.PopN(i.sp - expected)
		i.Push(top)
	}
}

// aggregate replaces the top n values with an array holding them.
func (i *Interpreter) aggregate(n int) {
	if n < 0 || n > i.sp {
		i.fatal("Aggregating %d values with %d on the stack.", n, i.sp)
	}
	items := make([]Value, n)
	copy(items, i.stack[i.sp-n:i.sp])
	clear(i.stack[i.sp-n : i.sp])
	i.sp -= n
	i.Push(ArrayValue(NewArray(items...)))
}

// Apply calls the function named name in o.
func (i *Interpreter) Apply(o *Object, name string, args int) {
	if o.prog == nil {
		i.Error("Cannot call functions in destructed objects.")
	}
	i.ApplyLow(o, o.prog.FindIdentifier(name), args)
}

// ApplyShared calls the function named by an interned string.
func (i *Interpreter) ApplyShared(o *Object, name *String, args int) {
	i.Apply(o, name.String(), args)
}

// ApplyLfun calls one of the functions the runtime knows by slot.
func (i *Interpreter) ApplyLfun(o *Object, lfun int, args int) {
	if o.prog == nil {
		i.Error("Apply on destructed object.")
	}
	i.ApplyLow(o, o.prog.Lfuns[lfun], args)
}

// StrictApplySvalue calls a function value, a builtin, or every element of
// an array of callables. Anything else is an error.
func (i *Interpreter) StrictApplySvalue(s Value, args int) {
	switch s.kind {
	case KindFunction:
		if e := s.Efun(); e != nil {
			if i.trace > 1 {
				i.log.Debugf("- %s(%s)", e.Name, i.describeArgs(args))
			}
			expected := i.sp - args
			e.Fn(i, args)
			i.normalizeResult(expected)
			return
		}
		i.ApplyLow(s.Object(), int(s.sub), args)
	case KindArray:
		i.applyArray(s.Array(), args)
	default:
		i.Error("Call to non-function value.")
	}
}

// applyArray calls each element of a with the same arguments and yields the
// array of results. Results accumulate on the stack above the arguments so
// that a throw releases them.
func (i *Interpreter) applyArray(a *Array, args int) {
	base := i.sp - args
	a.Retain()
	c := i.SetOnError(func() { ArrayValue(a).Free() })
	for _, fn := range a.Items {
		i.checkStack(args + 1)
		for n := 0; n < args; n++ {
			i.Push(i.stack[base+n].Copy())
		}
		i.StrictApplySvalue(fn, args)
	}
	i.CallAndUnsetOnError(c)
	i.aggregate(a.Len())
	r := i.Pop()
	i.PopN(args)
	i.Push(r)
}

// ApplySvalue is StrictApplySvalue except that calling an integer yields
// zero.
func (i *Interpreter) ApplySvalue(s Value, args int) {
	if s.kind == KindInt {
		i.PopN(args)
		i.Push(Int(0))
		return
	}
	expected := i.sp - args
	i.StrictApplySvalue(s, args)
	i.normalizeResult(expected)
}

// ---------------------------------------------------------------------------
// Safe entry points
// ---------------------------------------------------------------------------

// ErrorHandler receives language-level errors that reach a safe-invoke
// boundary.
type ErrorHandler interface {
	HandleError(i *Interpreter, err *ThrownError)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(i *Interpreter, err *ThrownError)

func (fn ErrorHandlerFunc) HandleError(i *Interpreter, err *ThrownError) { fn(i, err) }

// LogErrorHandler logs uncaught errors.
type LogErrorHandler struct {
	Log commonlog.Logger
}

func (h LogErrorHandler) HandleError(_ *Interpreter, err *ThrownError) {
	h.Log.Errorf("%s", err.Error())
}

// SafeApplyLow is ApplyLow under its own recovery point. A thrown error is
// reported to the master object's handle_error, or to the ErrorHandler when
// there is no master, and the result is zero.
func (i *Interpreter) SafeApplyLow(o *Object, fun int, args int) {
	if i.catchFrom(i.sp-args, func() { i.ApplyLow(o, fun, args) }) {
		i.reportError(i.takeThrowValue())
		i.Push(Int(0))
	}
}

// SafeApply is SafeApplyLow by function name.
func (i *Interpreter) SafeApply(o *Object, name string, args int) {
	fun := -1
	if o.prog != nil {
		fun = o.prog.FindIdentifier(name)
	}
	i.SafeApplyLow(o, fun, args)
}

// reportError takes over v and hands it to the error handler.
func (i *Interpreter) reportError(v Value) {
	if m := i.master; m != nil && m.prog != nil {
		if fun := m.prog.FindIdentifier("handle_error"); fun >= 0 {
			i.Push(v)
			if i.catchFrom(i.sp-1, func() { i.ApplyLow(m, fun, 1) }) {
				i.takeThrowValue().Free()
				i.fatal("Error in handle_error in master object!")
			}
			i.PopN(1)
			return
		}
	}
	err := NewThrownError(v)
	v.Free()
	i.handler.HandleError(i, err)
}

// RunInit runs the initializer of o's program under a recovery point and
// discards its result. It reports whether an error was thrown; the error is
// reported as SafeApplyLow does.
func (i *Interpreter) RunInit(o *Object) (failed bool) {
	p := o.prog
	if p == nil || p.Lfuns[LfunInit] < 0 {
		return false
	}
	if i.catchFrom(i.sp, func() {
		i.ApplyLfun(o, LfunInit, 0)
		i.PopN(1)
	}) {
		i.reportError(i.takeThrowValue())
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// Clone instantiates p, runs its initializer and passes the top args values
// to create. The object is released if either throws.
func (i *Interpreter) Clone(p *Program, args int) *Object {
	o := NewObject(p)
	c := i.SetOnError(func() { ObjectValue(o).Free() })
	if p.Lfuns[LfunInit] >= 0 {
		i.ApplyLow(o, p.Lfuns[LfunInit], 0)
		i.PopN(1)
	}
	if p.Lfuns[LfunCreate] >= 0 {
		i.ApplyLow(o, p.Lfuns[LfunCreate], args)
		i.PopN(1)
	} else {
		i.PopN(args)
	}
	i.UnsetOnError(c)
	return o
}

// Destruct runs o's destroy function and tears the object down. Handles to
// it read as zero afterwards.
func (i *Interpreter) Destruct(o *Object) {
	if o.prog == nil {
		return
	}
	if fun := o.prog.Lfuns[LfunDestroy]; fun >= 0 {
		i.ApplyLow(o, fun, 0)
		i.PopN(1)
	}
	o.teardown()
}

// Call is the Go-facing entry point: it calls name in o with copies of args
// and returns the result, or the uncaught error as a *ThrownError.
func (i *Interpreter) Call(o *Object, name string, args ...Value) (Value, error) {
	if o.prog == nil {
		return Value{}, fmt.Errorf("call %s: object is destructed", name)
	}
	fun := o.prog.FindIdentifier(name)
	if fun < 0 {
		return Value{}, fmt.Errorf("call %s: no such function", name)
	}
	base := i.sp
	for _, a := range args {
		i.Push(a.Copy())
	}
	if i.catchFrom(base, func() { i.ApplyLow(o, fun, len(args)) }) {
		v := i.takeThrowValue()
		err := NewThrownError(v)
		v.Free()
		return Value{}, err
	}
	return i.Pop(), nil
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

func (i *Interpreter) traceLen() int { return 100 + 10*i.trace }

func (i *Interpreter) truncate(s string) string {
	if n := i.traceLen(); len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func (i *Interpreter) describeArgs(args int) string {
	parts := make([]string, 0, args)
	for _, v := range i.Args(args) {
		parts = append(parts, Describe(v))
	}
	return i.truncate(strings.Join(parts, ", "))
}

func (i *Interpreter) traceApply(f *Frame, args int) {
	t := f.traceEntry()
	i.log.Debugf("- %s:%d: %s(%s)", t.File, t.Line, t.Function, i.describeArgs(args))
}

func (i *Interpreter) traceReturn(f *Frame) {
	i.log.Debugf("- %s() returns %s", f.Name(), i.truncate(Describe(i.Top())))
}
