package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func TestEvalForeach(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("sum.pike", nil)
	addFunc(pb, "sum", 1, 3, false, func(b *BytecodeBuilder) {
		body := b.NewLabel()
		test := b.NewLabel()
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpLocalLvalue, 2)
		b.Emit(OpConst0)
		b.EmitJump(OpBranch, test)
		b.Mark(body)
		b.EmitArg(OpLocal, 1)
		b.EmitArg(OpLocal, 2)
		b.Emit(OpAdd)
		b.EmitArg(OpAssignLocalAndPop, 1)
		b.Mark(test)
		b.EmitJump(OpForeach, body)
		b.EmitArg(OpLocal, 1)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	arr := ArrayValue(NewArray(Int(1), Int(2), Int(3), Int(4)))
	if v := call(t, i, o, "sum", arr); v.Int() != 10 {
		t.Errorf("sum(({1,2,3,4})) = %s, want 10", Describe(v))
	}
	if v := call(t, i, o, "sum", ArrayValue(NewArray())); v.Int() != 0 {
		t.Errorf("sum(({})) = %s, want 0", Describe(v))
	}
	if msg := callError(t, i, o, "sum", Int(5)); msg != "Bad argument 1 to foreach()" {
		t.Errorf("sum(5) error = %q", msg)
	}
}

func TestEvalForeachPopsOperands(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("depth.pike", nil)
	depth := pb.AddConstant(EfunValue(NewEfun("depth", func(i *Interpreter, args int) {
		i.PopN(args)
		i.Push(Int(int64(i.Depth())))
	})))
	// growth returns how many slots the loop left behind.
	addFunc(pb, "growth", 1, 3, false, func(b *BytecodeBuilder) {
		body := b.NewLabel()
		test := b.NewLabel()
		b.Emit(OpMark)
		b.EmitCallConstant(depth)
		b.EmitArg(OpAssignLocalAndPop, 1)
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpLocalLvalue, 2)
		b.Emit(OpConst0)
		b.EmitJump(OpBranch, test)
		b.Mark(body)
		b.Mark(test)
		b.EmitJump(OpForeach, body)
		b.Emit(OpMark)
		b.EmitCallConstant(depth)
		b.EmitArg(OpLocal, 1)
		b.Emit(OpSubtract)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	for _, arr := range []Value{ArrayValue(NewArray(Int(1), Int(2))), ArrayValue(NewArray())} {
		if v := call(t, i, o, "growth", arr); v.Int() != 0 {
			t.Errorf("growth(%s) = %d, want 0", Describe(arr), v.Int())
		}
	}
	if got := i.Depth(); got != 0 {
		t.Errorf("Depth() after calls = %d, want 0", got)
	}
}

func TestEvalIncLoop(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("loop.pike", nil)
	addFunc(pb, "triangle", 1, 3, false, func(b *BytecodeBuilder) {
		body := b.NewLabel()
		test := b.NewLabel()
		b.Emit(OpConstMinus1)
		b.EmitArg(OpAssignLocalAndPop, 1)
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpLocalLvalue, 1)
		b.EmitJump(OpBranch, test)
		b.Mark(body)
		b.EmitArg(OpLocal, 2)
		b.EmitArg(OpLocal, 1)
		b.Emit(OpAdd)
		b.EmitArg(OpAssignLocalAndPop, 2)
		b.Mark(test)
		b.EmitJump(OpIncLoop, body)
		b.EmitArg(OpLocal, 2)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	for n, want := range map[int64]int64{0: 0, 1: 0, 5: 10, 100: 4950} {
		if v := call(t, i, o, "triangle", Int(n)); v.Int() != want {
			t.Errorf("triangle(%d) = %d, want %d", n, v.Int(), want)
		}
	}
	if i.Depth() != 0 {
		t.Errorf("Depth() = %d", i.Depth())
	}
}

func TestEvalDecNeqLoop(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("down.pike", nil)
	addFunc(pb, "countdown", 1, 2, false, func(b *BytecodeBuilder) {
		body := b.NewLabel()
		b.Emit(OpConst0)
		b.EmitArg(OpLocalLvalue, 0)
		b.Mark(body)
		b.EmitArg(OpIncLocalAndPop, 1)
		b.EmitJump(OpDecNeqLoop, body)
		b.EmitArg(OpLocal, 1)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	if v := call(t, i, o, "countdown", Int(3)); v.Int() != 3 {
		t.Errorf("countdown(3) = %d, want 3", v.Int())
	}
	if msg := callError(t, i, o, "countdown", Str("x")); msg != "Lvalue not usable in loop." {
		t.Errorf("countdown(\"x\") error = %q", msg)
	}
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

func TestEvalLandLor(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("logic.pike", nil)
	for _, op := range []Opcode{OpLand, OpLor} {
		addFunc(pb, op.Name(), 2, 2, false, func(b *BytecodeBuilder) {
			end := b.NewLabel()
			b.EmitArg(OpLocal, 0)
			b.EmitJump(op, end)
			b.EmitArg(OpLocal, 1)
			b.Mark(end)
			b.Emit(OpReturn)
		})
	}
	o := NewObject(pb.Program())

	tests := []struct {
		fn   string
		a, b int64
		want int64
	}{
		{"LAND", 0, 5, 0},
		{"LAND", 3, 5, 5},
		{"LOR", 0, 5, 5},
		{"LOR", 3, 5, 3},
	}
	for _, tt := range tests {
		if v := call(t, i, o, tt.fn, Int(tt.a), Int(tt.b)); v.Int() != tt.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tt.fn, tt.a, tt.b, v.Int(), tt.want)
		}
	}
}

func TestEvalCompareBranches(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("max.pike", nil)
	addFunc(pb, "max", 2, 2, false, func(b *BytecodeBuilder) {
		second := b.NewLabel()
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpLocal, 1)
		b.EmitJump(OpBranchWhenLt, second)
		b.EmitArg(OpLocal, 0)
		b.Emit(OpReturn)
		b.Mark(second)
		b.EmitArg(OpLocal, 1)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	if v := call(t, i, o, "max", Int(3), Int(9)); v.Int() != 9 {
		t.Errorf("max(3, 9) = %d", v.Int())
	}
	if v := call(t, i, o, "max", Float(2.5), Int(1)); v.Float() != 2.5 {
		t.Errorf("max(2.5, 1) = %s", Describe(v))
	}
}

// ---------------------------------------------------------------------------
// Switch
// ---------------------------------------------------------------------------

func TestSwitchLookup(t *testing.T) {
	cases := NewArray(Int(1), Int(5), Int(9))
	tests := []struct {
		v    int64
		want int
	}{
		{0, ^0},
		{1, 0},
		{3, ^1},
		{5, 1},
		{7, ^2},
		{9, 2},
		{10, ^3},
	}
	for _, tt := range tests {
		if got := SwitchLookup(cases, Int(tt.v)); got != tt.want {
			t.Errorf("SwitchLookup(%d) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestEvalSwitch(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("switch.pike", nil)
	cases := pb.AddConstant(ArrayValue(NewArray(Int(1), Int(5), Int(9))))
	addFunc(pb, "classify", 1, 1, false, func(b *BytecodeBuilder) {
		labels := make([]*Label, 7)
		for k := range labels {
			labels[k] = b.NewLabel()
		}
		b.EmitArg(OpLocal, 0)
		b.EmitSwitch(uint32(cases), labels)
		for k, l := range labels {
			b.Mark(l)
			b.EmitInt(int64(k))
			b.Emit(OpReturn)
		}
	})
	o := NewObject(pb.Program())

	for v, slot := range map[int64]int64{0: 0, 1: 1, 3: 2, 5: 3, 7: 4, 9: 5, 10: 6} {
		if got := call(t, i, o, "classify", Int(v)); got.Int() != slot {
			t.Errorf("classify(%d) = %d, want %d", v, got.Int(), slot)
		}
	}
	if got := call(t, i, o, "classify", Float(5)); got.Int() != 3 {
		t.Errorf("classify(5.0) = %d, want 3", got.Int())
	}
}

// ---------------------------------------------------------------------------
// Operand prefixes and constant calls
// ---------------------------------------------------------------------------

func TestEvalPrefixedOperands(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("big.pike", nil)
	agg := efunConstant(t, pb, "aggregate")
	values := []uint32{255, 1000, 1279, 70000, 1 << 24, 1<<32 - 1}
	addFunc(pb, "numbers", 0, 0, false, func(b *BytecodeBuilder) {
		b.Emit(OpMark)
		for _, n := range values {
			b.EmitArg(OpNumber, n)
		}
		b.EmitArg(OpNegNumber, 300)
		b.EmitCallConstant(agg)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	got := ints(t, call(t, i, o, "numbers"))
	want := []int64{255, 1000, 1279, 70000, 1 << 24, 1<<32 - 1, -300}
	if !equalInts(got, want) {
		t.Errorf("numbers() = %v, want %v", got, want)
	}
}

func TestEvalExtendedConstantCall(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("many.pike", nil)
	for n := 0; n < 300; n++ {
		pb.AddConstant(Int(int64(n)))
	}
	agg := efunConstant(t, pb, "aggregate")
	addFunc(pb, "f", 0, 0, false, func(b *BytecodeBuilder) {
		b.Emit(OpMark)
		b.EmitArg(OpConstant, 299)
		b.EmitArg(OpConstant, 7)
		b.EmitCallConstant(agg)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	got := ints(t, call(t, i, o, "f"))
	if want := []int64{299, 7}; !equalInts(got, want) {
		t.Errorf("f() = %v, want %v", got, want)
	}
}

func TestEvalStringsAndFloats(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("mix.pike", nil)
	foo := pb.AddString("foo")
	addFunc(pb, "concat", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpString, uint32(foo))
		b.EmitFloat(1.5)
		b.Emit(OpAdd)
		b.EmitInt(2)
		b.Emit(OpAdd)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	if v := call(t, i, o, "concat"); v.Str() != "foo1.52" {
		t.Errorf("concat() = %s", Describe(v))
	}
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

func TestEvalGlobals(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("counter.pike", nil)
	count := pb.AddVariable("count", KindInt)
	addFunc(pb, "bump", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpGlobalLvalue, uint32(count))
		b.Emit(OpIncAndPop)
		b.EmitArg(OpGlobal, uint32(count))
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	for n := int64(1); n <= 3; n++ {
		if v := call(t, i, o, "bump"); v.Int() != n {
			t.Errorf("bump() = %d, want %d", v.Int(), n)
		}
	}
}

func TestEvalDestructedReadsAsUndefined(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("holder.pike", nil)
	held := pb.AddVariable("held", KindMixed)
	typed := pb.AddVariable("typed", KindObject)
	addFunc(pb, "set", 1, 1, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpAssignGlobalAndPop, uint32(held))
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpAssignGlobalAndPop, uint32(typed))
		b.Emit(OpReturn0)
	})
	addFunc(pb, "get_held", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpGlobal, uint32(held))
		b.Emit(OpReturn)
	})
	addFunc(pb, "get_typed", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpGlobal, uint32(typed))
		b.Emit(OpReturn)
	})
	holder := NewObject(pb.Program())

	tb := NewProgramBuilder("target.pike", nil)
	tb.AddVariable("value", KindMixed)
	target := NewObject(tb.Program())
	handle := ObjectValue(target)

	call(t, i, holder, "set", handle)
	if v := call(t, i, holder, "get_held"); v.Kind() != KindObject {
		t.Fatalf("get_held() before destruct = %s, want the object", Describe(v))
	} else {
		v.Free()
	}

	i.Destruct(target)
	for _, fn := range []string{"get_held", "get_typed"} {
		v := call(t, i, holder, fn)
		if !v.IsUndefined() {
			t.Errorf("%s() after destruct = %s, want undefined", fn, Describe(v))
		}
		v.Free()
	}
	if v := i.Index(handle, Str("value")); !v.IsUndefined() {
		t.Errorf("destructed[\"value\"] = %s, want undefined", Describe(v))
	}
	handle.Free()
}

func TestEvalLocalIncrements(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("inc.pike", nil)
	agg := efunConstant(t, pb, "aggregate")
	addFunc(pb, "steps", 1, 1, false, func(b *BytecodeBuilder) {
		b.Emit(OpMark)
		b.EmitArg(OpPostIncLocal, 0)
		b.EmitArg(OpIncLocal, 0)
		b.EmitArg(OpDecLocalAndPop, 0)
		b.EmitArg(OpPostDecLocal, 0)
		b.EmitArg(OpLocal, 0)
		b.EmitCallConstant(agg)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	got := ints(t, call(t, i, o, "steps", Int(10)))
	if want := []int64{10, 12, 11, 10}; !equalInts(got, want) {
		t.Errorf("steps(10) = %v, want %v", got, want)
	}
	if msg := callError(t, i, o, "steps", Str("x")); msg != "Bad argument to ++." {
		t.Errorf("steps(\"x\") error = %q", msg)
	}
}

func TestEvalAssignThroughLvalue(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("assign.pike", nil)
	addFunc(pb, "set", 1, 1, false, func(b *BytecodeBuilder) {
		// arg[1] = arg[0] + 40; return arg
		b.EmitArg(OpLocal, 0)
		b.Emit(OpConst1)
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpPosIntIndex, 0)
		b.EmitInt(40)
		b.Emit(OpAdd)
		b.Emit(OpAssignAndPop)
		b.EmitArg(OpLocal, 0)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	a := NewArray(Int(2), Int(0))
	call(t, i, o, "set", ArrayValue(a))
	if a.Items[1].Int() != 42 {
		t.Errorf("a[1] = %d, want 42", a.Items[1].Int())
	}
	if i.Depth() != 0 {
		t.Errorf("Depth() = %d", i.Depth())
	}
}

func TestEvalPushArrayAndSizeof(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("splice.pike", nil)
	agg := efunConstant(t, pb, "aggregate")
	addFunc(pb, "splice", 1, 1, false, func(b *BytecodeBuilder) {
		b.Emit(OpMark)
		b.EmitArg(OpSizeofLocal, 0)
		b.EmitArg(OpLocal, 0)
		b.Emit(OpPushArray)
		b.EmitCallConstant(agg)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	got := ints(t, call(t, i, o, "splice", ArrayValue(NewArray(Int(7), Int(8)))))
	if want := []int64{2, 7, 8}; !equalInts(got, want) {
		t.Errorf("splice = %v, want %v", got, want)
	}
}

// ---------------------------------------------------------------------------
// Inheritance
// ---------------------------------------------------------------------------

func TestEvalInheritedCallDispatchesToOverride(t *testing.T) {
	i := newTestInterpreter()

	parent := NewProgramBuilder("parent.pike", nil)
	greet := addFunc(parent, "greet", 0, 0, false, func(b *BytecodeBuilder) {
		b.Emit(OpConst1)
		b.Emit(OpReturn)
	})
	addFunc(parent, "run", 0, 0, false, func(b *BytecodeBuilder) {
		b.Emit(OpMark)
		b.EmitArg(OpCallLfun, uint32(greet))
		b.Emit(OpReturn)
	})
	pp := parent.Program()

	child := NewProgramBuilder("child.pike", nil)
	child.Inherit(pp)
	addFunc(child, "greet", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitInt(2)
		b.Emit(OpReturn)
	})
	cp := child.Program()

	if v := call(t, i, NewObject(pp), "run"); v.Int() != 1 {
		t.Errorf("parent run() = %d, want 1", v.Int())
	}
	if v := call(t, i, NewObject(cp), "run"); v.Int() != 2 {
		t.Errorf("child run() = %d, want 2", v.Int())
	}
}

func TestEvalInheritedVariables(t *testing.T) {
	i := newTestInterpreter()

	parent := NewProgramBuilder("base.pike", nil)
	x := parent.AddVariable("x", KindMixed)
	addFunc(parent, "setx", 1, 1, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpLocal, 0)
		b.EmitArg(OpAssignGlobalAndPop, uint32(x))
		b.Emit(OpReturn0)
	})
	pp := parent.Program()

	child := NewProgramBuilder("derived.pike", nil)
	child.AddVariable("y", KindMixed)
	child.Inherit(pp)
	cp := child.Program()

	o := NewObject(cp)
	call(t, i, o, "setx", Int(8))
	if o.Storage[1].Int() != 8 {
		t.Errorf("storage = %s %s, want x in slot 1", Describe(o.Storage[0]), Describe(o.Storage[1]))
	}
}

// ---------------------------------------------------------------------------
// Profiling and tracing
// ---------------------------------------------------------------------------

func TestOpcodeCounts(t *testing.T) {
	i := newTestInterpreter(WithProfile(true))
	pb := NewProgramBuilder("prof.pike", nil)
	agg := efunConstant(t, pb, "aggregate")
	addFunc(pb, "f", 0, 0, false, func(b *BytecodeBuilder) {
		b.Emit(OpMark)
		b.Emit(OpConst1)
		b.Emit(OpConst1)
		b.EmitCallConstant(agg)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())
	call(t, i, o, "f")

	counts := i.OpcodeCounts()
	if len(counts) == 0 || counts[0].Name != "CONST1" || counts[0].Count != 2 {
		t.Fatalf("counts = %v", counts)
	}
	found := false
	for _, c := range counts {
		if c.Name == "CALL_CONSTANT" && c.Count == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("constant call not counted: %v", counts)
	}

	i.ResetOpcodeCounts()
	if len(i.OpcodeCounts()) != 0 {
		t.Error("counts survived reset")
	}
}

func TestDebugBacklog(t *testing.T) {
	i := newTestInterpreter(WithDebug(1))
	pb := NewProgramBuilder("dbg.pike", nil)
	addFunc(pb, "f", 0, 0, false, func(b *BytecodeBuilder) {
		b.Line(3)
		b.EmitInt(4)
		b.Line(4)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())
	call(t, i, o, "f")

	bl := i.DumpBacklog()
	if len(bl) != 2 || bl[0] != "dbg.pike:3: NUMBER 4" || bl[1] != "dbg.pike:4: RETURN" {
		t.Errorf("backlog = %q", bl)
	}
}

func TestDebugLocalOutOfRangeIsFatal(t *testing.T) {
	i := newTestInterpreter(WithDebug(1))
	pb := NewProgramBuilder("bad.pike", nil)
	addFunc(pb, "f", 0, 1, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpLocal, 3)
		b.Emit(OpReturn)
	})
	o := NewObject(pb.Program())

	fe := expectFatal(t, func() { i.Call(o, "f") })
	if len(fe.Backlog) == 0 {
		t.Error("fatal error carries no backlog")
	}
}

func TestStrangeInstructionIsFatal(t *testing.T) {
	i := newTestInterpreter()
	pb := NewProgramBuilder("strange.pike", nil)
	addFunc(pb, "f", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitRaw(0x0F)
	})
	o := NewObject(pb.Program())

	fe := expectFatal(t, func() { i.Call(o, "f") })
	if fe.Message != "Strange instruction 15." {
		t.Errorf("message = %q", fe.Message)
	}
}

func TestSlowCheckStack(t *testing.T) {
	i := newTestInterpreter(WithDebug(10))
	o := NewObject(localsProgram(t))
	got := ints(t, call(t, i, o, "collect", Int(1), Int(2)))
	if want := []int64{1, 2, 0, 0, 0}; !equalInts(got, want) {
		t.Errorf("collect = %v, want %v", got, want)
	}
}
