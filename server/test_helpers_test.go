package server

import (
	"testing"

	"github.com/chazu/pikevm/vm"
	"github.com/chazu/pikevm/vm/image"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own interpreter and server; programs are built with
// the bytecode builder and shipped as encoded images, as a client would.
// ---------------------------------------------------------------------------

func newTestInterpreter() *vm.Interpreter {
	return vm.NewInterpreter(vm.WithStackSize(4096), vm.WithMaxDepth(64), vm.WithInterruptShift(4))
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := New(newTestInterpreter(), opts...)
	t.Cleanup(s.Stop)
	return s
}

// programImage encodes a one-function program whose main is produced by
// body. body receives the program builder so it can add constants.
func programImage(t *testing.T, filename string, body func(pb *vm.ProgramBuilder, b *vm.BytecodeBuilder)) []byte {
	t.Helper()
	pb := vm.NewProgramBuilder(filename, nil)
	b := vm.NewBytecodeBuilder()
	body(pb, b)
	pb.AddFunction("main", b.Function(0, 0, false))
	data, err := image.Encode(pb.Program())
	if err != nil {
		t.Fatalf("image.Encode: %v", err)
	}
	return data
}

func efun(pb *vm.ProgramBuilder, name string) int {
	return pb.AddConstant(vm.EfunValue(vm.LookupEfun(name)))
}

// listImage returns ({ 1, "two", ({ 3 }) }).
func listImage(t *testing.T) []byte {
	return programImage(t, "list.pike", func(pb *vm.ProgramBuilder, b *vm.BytecodeBuilder) {
		agg := efun(pb, "aggregate")
		inner := pb.AddConstant(vm.ArrayValue(vm.NewArray(vm.Int(3))))
		two := pb.AddString("two")
		b.Emit(vm.OpMark)
		b.Emit(vm.OpConst1)
		b.EmitArg(vm.OpString, uint32(two))
		b.EmitArg(vm.OpConstant, uint32(inner))
		b.EmitCallConstant(agg)
		b.Emit(vm.OpReturn)
	})
}

// divideImage fails with "Division by zero." on line 7.
func divideImage(t *testing.T) []byte {
	return programImage(t, "divide.pike", func(pb *vm.ProgramBuilder, b *vm.BytecodeBuilder) {
		b.Line(7)
		b.Emit(vm.OpConst1)
		b.Emit(vm.OpConst0)
		b.Emit(vm.OpDivide)
		b.Emit(vm.OpReturn)
	})
}

// spinImage never returns.
func spinImage(t *testing.T) []byte {
	return programImage(t, "spin.pike", func(pb *vm.ProgramBuilder, b *vm.BytecodeBuilder) {
		top := b.NewLabel()
		b.Mark(top)
		b.EmitJump(vm.OpBranch, top)
	})
}

// corruptImage pops more values than the stack holds.
func corruptImage(t *testing.T) []byte {
	return programImage(t, "corrupt.pike", func(pb *vm.ProgramBuilder, b *vm.BytecodeBuilder) {
		b.EmitArg(vm.OpPopNElems, 9)
		b.Emit(vm.OpReturn0)
	})
}

func field(t *testing.T, fields map[string]any, name string) any {
	t.Helper()
	v, ok := fields[name]
	if !ok {
		t.Fatalf("response has no %q field: %v", name, fields)
	}
	return v
}

func encodeProgram(t *testing.T, p *vm.Program) []byte {
	t.Helper()
	data, err := image.Encode(p)
	if err != nil {
		t.Fatalf("image.Encode: %v", err)
	}
	return data
}
