package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op      Opcode
		name    string
		operand OperandKind
	}{
		{OpConst0, "CONST0", OperandNone},
		{OpBignum, "BIGNUM", OperandInt32},
		{OpNumber, "NUMBER", OperandArg},
		{OpFloat, "FLOAT", OperandFloat},
		{OpLocalLvalue, "LOCAL_LVALUE", OperandArg},
		{OpBranch, "BRANCH", OperandJump},
		{OpCatch, "CATCH", OperandJump},
		{OpSwitch, "SWITCH", OperandSwitch},
		{OpForeach, "FOREACH", OperandJump},
		{OpPrefixCharX256, "PREFIX_CHARX256", OperandPrefix},
		{OpReturn, "RETURN", OperandNone},
		{OpCallLfun, "CALL_LFUN", OperandArg},
	}

	for _, tt := range tests {
		info := tt.op.Info()
		if info.Name != tt.name {
			t.Errorf("%#x: Name = %q, want %q", byte(tt.op), info.Name, tt.name)
		}
		if info.Operand != tt.operand {
			t.Errorf("%s: Operand = %d, want %d", tt.name, info.Operand, tt.operand)
		}
	}
}

func TestInstructionName(t *testing.T) {
	if got := InstructionName(MaxOpcode + 3); got != "CALL_CONSTANT_3" {
		t.Errorf("InstructionName(MaxOpcode+3) = %q", got)
	}
	if got := Opcode(0x0F).Name(); got != "UNKNOWN_0F" {
		t.Errorf("Opcode(0x0F).Name() = %q", got)
	}
	if Opcode(0x0F).Valid() {
		t.Error("0x0F should not be valid")
	}
	if !OpAdd.Valid() {
		t.Error("ADD should be valid")
	}
}

// ---------------------------------------------------------------------------
// Operand prefix encoding
// ---------------------------------------------------------------------------

func TestEmitArgRoundTrip(t *testing.T) {
	args := []uint32{0, 1, 255, 256, 511, 1000, 1279, 1280, 65535, 65536, 70000, 1<<24 - 1, 1 << 24, 1 << 31, 1<<32 - 1}

	for _, arg := range args {
		b := NewBytecodeBuilder()
		b.EmitArg(OpNumber, arg)
		in, err := DecodeInstruction(b.Bytes(), 0)
		if err != nil {
			t.Errorf("%d: %v", arg, err)
			continue
		}
		if in.Op() != OpNumber {
			t.Errorf("%d: op = %s, want NUMBER", arg, in.Name())
		}
		if uint32(in.Arg) != arg {
			t.Errorf("%d: decoded arg = %d", arg, in.Arg)
		}
		if in.Len != b.Len() {
			t.Errorf("%d: Len = %d, want %d", arg, in.Len, b.Len())
		}
	}
}

func TestEmitArgEncodingSizes(t *testing.T) {
	tests := []struct {
		arg  uint32
		size int
	}{
		{255, 2},
		{256, 3},
		{1279, 3},
		{1280, 4},
		{65535, 4},
		{65536, 5},
		{1 << 24, 6},
	}

	for _, tt := range tests {
		b := NewBytecodeBuilder()
		b.EmitArg(OpLocal, tt.arg)
		if b.Len() != tt.size {
			t.Errorf("EmitArg(%d) emitted %d bytes, want %d", tt.arg, b.Len(), tt.size)
		}
	}
}

func TestEmitCallConstantRoundTrip(t *testing.T) {
	for _, k := range []int{0, 1, 100, 200, 500, 1100, 5000} {
		b := NewBytecodeBuilder()
		b.EmitCallConstant(k)
		in, err := DecodeInstruction(b.Bytes(), 0)
		if err != nil {
			t.Errorf("%d: %v", k, err)
			continue
		}
		if in.Number != MaxOpcode+k {
			t.Errorf("%d: Number = %d, want %d", k, in.Number, MaxOpcode+k)
		}
	}
}

func TestEmitInt(t *testing.T) {
	tests := []struct {
		n    int64
		op   Opcode
		size int
	}{
		{0, OpConst0, 1},
		{1, OpConst1, 1},
		{-1, OpConstMinus1, 1},
		{42, OpNumber, 2},
		{-42, OpNegNumber, 2},
		{300, OpNumber, 3},
	}

	for _, tt := range tests {
		b := NewBytecodeBuilder()
		b.EmitInt(tt.n)
		in, err := DecodeInstruction(b.Bytes(), 0)
		if err != nil {
			t.Fatalf("%d: %v", tt.n, err)
		}
		if in.Op() != tt.op || b.Len() != tt.size {
			t.Errorf("EmitInt(%d) = %s in %d bytes, want %s in %d", tt.n, in.Name(), b.Len(), tt.op, tt.size)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, code := range [][]byte{
		{byte(OpNumber)},
		{byte(OpPrefixWordX256), 1},
		{byte(OpBranch), 0, 0},
		{byte(OpFloat), 0, 0, 0, 0},
		{byte(OpAdd256X), 1},
	} {
		if _, err := DecodeInstruction(code, 0); err == nil {
			t.Errorf("DecodeInstruction(% x) succeeded, want an error", code)
		}
	}
}

// ---------------------------------------------------------------------------
// Labels and jumps
// ---------------------------------------------------------------------------

func TestJumpDisplacements(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.Emit(OpConst1)
	b.EmitJump(OpBranchWhenZero, end)
	b.EmitJump(OpBranch, top)
	b.Mark(end)
	b.Emit(OpReturn0)

	code := b.Bytes()
	fwd, err := DecodeInstruction(code, 1)
	if err != nil {
		t.Fatal(err)
	}
	if fwd.Target != 11 {
		t.Errorf("forward target = %d, want 11", fwd.Target)
	}
	back, err := DecodeInstruction(code, 6)
	if err != nil {
		t.Fatal(err)
	}
	if back.Target != 0 {
		t.Errorf("backward target = %d, want 0", back.Target)
	}
}

func TestMarkTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("marking a label twice should panic")
		}
	}()
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.Mark(l)
	b.Mark(l)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	pb := NewProgramBuilder("dis.pike", nil)
	cases := pb.AddConstant(ArrayValue(NewArray(Int(1), Int(2))))
	addFunc(pb, "pick", 1, 1, false, func(b *BytecodeBuilder) {
		labels := []*Label{b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel(), b.NewLabel()}
		b.EmitArg(OpLocal, 0)
		b.EmitSwitch(uint32(cases), labels)
		for k, l := range labels {
			b.Mark(l)
			b.EmitInt(int64(k))
			b.Emit(OpReturn)
		}
	})
	addFunc(pb, "big", 0, 0, false, func(b *BytecodeBuilder) {
		b.EmitArg(OpNumber, 70000)
		b.Emit(OpReturn)
	})

	out := Disassemble(pb.Program())
	for _, want := range []string{
		"pick: locals=1 args=1",
		"LOCAL 0",
		"SWITCH 0",
		"[4] ->",
		"big: locals=0 args=0",
		"NUMBER 70000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "??") {
		t.Errorf("disassembly has undecodable bytes:\n%s", out)
	}
}
