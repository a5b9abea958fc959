package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestInterpreter(opts ...Option) *Interpreter {
	base := []Option{WithStackSize(4096), WithMaxDepth(128)}
	return NewInterpreter(append(base, opts...)...)
}

// efunConstant adds the named builtin to the constant pool.
func efunConstant(t *testing.T, pb *ProgramBuilder, name string) int {
	t.Helper()
	e := LookupEfun(name)
	if e == nil {
		t.Fatalf("no builtin %q", name)
	}
	return pb.AddConstant(EfunValue(e))
}

// addFunc assembles one function into pb.
func addFunc(pb *ProgramBuilder, name string, args, locals int, varargs bool, body func(b *BytecodeBuilder)) int {
	b := NewBytecodeBuilder()
	body(b)
	return pb.AddFunction(name, b.Function(args, locals, varargs))
}

// call invokes name in o and fails the test on an uncaught error.
func call(t *testing.T, i *Interpreter, o *Object, name string, args ...Value) Value {
	t.Helper()
	v, err := i.Call(o, name, args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return v
}

// callError invokes name in o and returns the message of the error it
// throws.
func callError(t *testing.T, i *Interpreter, o *Object, name string, args ...Value) string {
	t.Helper()
	v, err := i.Call(o, name, args...)
	if err == nil {
		t.Fatalf("%s: got %s, want an error", name, Describe(v))
	}
	te, ok := err.(*ThrownError)
	if !ok {
		t.Fatalf("%s: error %T, want *ThrownError", name, err)
	}
	return te.Message
}

// expectFatal runs fn and returns the fatal error it raises.
func expectFatal(t *testing.T, fn func()) (fe *FatalError) {
	t.Helper()
	defer func() {
		r := recover()
		var ok bool
		if fe, ok = r.(*FatalError); !ok {
			t.Fatalf("got panic %v, want *FatalError", r)
		}
	}()
	fn()
	return nil
}

// ints extracts the integers of an array value.
func ints(t *testing.T, v Value) []int64 {
	t.Helper()
	if v.Kind() != KindArray {
		t.Fatalf("got %s, want an array", Describe(v))
	}
	var out []int64
	for _, e := range v.Array().Items {
		out = append(out, e.Int())
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}
