package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single instruction byte. Instruction numbers at or above
// MaxOpcode do not name an opcode: they call program constant
// number-MaxOpcode with the arguments pushed since the latest mark.
type Opcode byte

// Extension prefixes
const (
	OpAdd256          Opcode = 0x00 // next byte + 256 is the instruction number
	OpAdd512          Opcode = 0x01 // next byte + 512
	OpAdd768          Opcode = 0x02 // next byte + 768
	OpAdd1024         Opcode = 0x03 // next byte + 1024
	OpAdd256X         Opcode = 0x04 // next 16-bit word is the instruction number
	OpPrefix256       Opcode = 0x05 // add 256 to the pending operand
	OpPrefix512       Opcode = 0x06 // add 512
	OpPrefix768       Opcode = 0x07 // add 768
	OpPrefix1024      Opcode = 0x08 // add 1024
	OpPrefixCharX256  Opcode = 0x09 // add next byte << 8
	OpPrefixWordX256  Opcode = 0x0A // add next two bytes << 16, << 8
	OpPrefix24BitX256 Opcode = 0x0B // add next three bytes << 24, << 16, << 8
)

// Constants
const (
	OpConst0      Opcode = 0x10 // push 0
	OpConst1      Opcode = 0x11 // push 1
	OpConstMinus1 Opcode = 0x12 // push -1
	OpBignum      Opcode = 0x13 // push inline signed 32-bit integer
	OpNumber      Opcode = 0x14 // push arg
	OpNegNumber   Opcode = 0x15 // push -arg
	OpString      Opcode = 0x16 // push string pool entry arg
	OpConstant    Opcode = 0x17 // push constant pool entry arg
	OpFloat       Opcode = 0x18 // push inline float64
	OpLfun        Opcode = 0x19 // push function arg of the current object
)

// Variables and lvalues
const (
	OpGlobal             Opcode = 0x20 // push global arg
	OpLocal              Opcode = 0x21 // push local arg
	OpLocalLvalue        Opcode = 0x22 // push lvalue of local arg
	OpClearLocal         Opcode = 0x23 // local arg = 0
	OpIncLocal           Opcode = 0x24 // ++local, push it
	OpPostIncLocal       Opcode = 0x25 // push local, then ++local
	OpIncLocalAndPop     Opcode = 0x26 // ++local
	OpDecLocal           Opcode = 0x27 // --local, push it
	OpPostDecLocal       Opcode = 0x28 // push local, then --local
	OpDecLocalAndPop     Opcode = 0x29 // --local
	OpLtosval            Opcode = 0x2A // push the value of the lvalue on top
	OpLtosval2           Opcode = 0x2B // lvalue, x -> lvalue, value, x
	OpGlobalLvalue       Opcode = 0x2C // push lvalue of global arg
	OpInc                Opcode = 0x2D // ++lvalue, push it
	OpPostInc            Opcode = 0x2E // push lvalue value, then ++lvalue
	OpDec                Opcode = 0x2F // --lvalue, push it
	OpPostDec            Opcode = 0x30 // push lvalue value, then --lvalue
	OpIncAndPop          Opcode = 0x31 // ++lvalue
	OpDecAndPop          Opcode = 0x32 // --lvalue
	OpAssign             Opcode = 0x33 // lvalue, v -> v
	OpAssignAndPop       Opcode = 0x34 // lvalue, v ->
	OpAssignLocal        Opcode = 0x35 // local arg = top
	OpAssignLocalAndPop  Opcode = 0x36 // local arg = pop
	OpAssignGlobal       Opcode = 0x37 // global arg = top
	OpAssignGlobalAndPop Opcode = 0x38 // global arg = pop
)

// Stack
const (
	OpPopValue  Opcode = 0x40 // pop
	OpPopNElems Opcode = 0x41 // pop arg values
	OpMark      Opcode = 0x42 // push a mark
	OpMark2     Opcode = 0x43 // push two marks
)

// Branches. Each is followed by a signed 32-bit displacement relative to
// the displacement itself.
const (
	OpBranch            Opcode = 0x48 // jump
	OpBranchWhenZero    Opcode = 0x49 // pop, jump if zero
	OpBranchWhenNonZero Opcode = 0x4A // pop, jump if non-zero
	OpBranchWhenEq      Opcode = 0x4B // pop two, jump if equal
	OpBranchWhenNe      Opcode = 0x4C // pop two, jump if not equal
	OpBranchWhenLt      Opcode = 0x4D // pop two, jump if less
	OpBranchWhenLe      Opcode = 0x4E // pop two, jump if less or equal
	OpBranchWhenGt      Opcode = 0x4F // pop two, jump if greater
	OpBranchWhenGe      Opcode = 0x50 // pop two, jump if greater or equal
	OpLand              Opcode = 0x51 // jump keeping top if zero, else pop
	OpLor               Opcode = 0x52 // jump keeping top if non-zero, else pop
	OpCatch             Opcode = 0x53 // run the protected region that follows, then jump
	OpThrowZero         Opcode = 0x54 // throw 0; ends every protected region
	OpSwitch            Opcode = 0x55 // arg: case table constant, then aligned jump table
	OpIncLoop           Opcode = 0x56 // limit, lvalue: ++lvalue < limit jumps
	OpDecLoop           Opcode = 0x57 // limit, lvalue: --lvalue > limit jumps
	OpIncNeqLoop        Opcode = 0x58 // limit, lvalue: ++lvalue != limit jumps
	OpDecNeqLoop        Opcode = 0x59 // limit, lvalue: --lvalue != limit jumps
	OpForeach           Opcode = 0x5A // array, lvalue, index: assign next element and jump, else pop all four
)

// Returns
const (
	OpReturn0    Opcode = 0x60 // return 0
	OpReturn     Opcode = 0x61 // return top
	OpDumbReturn Opcode = 0x62 // return whatever is on the stack
)

// Operators
const (
	OpNegate   Opcode = 0x68
	OpCompl    Opcode = 0x69
	OpNot      Opcode = 0x6A
	OpLsh      Opcode = 0x6B
	OpRsh      Opcode = 0x6C
	OpEq       Opcode = 0x6D
	OpNe       Opcode = 0x6E
	OpGt       Opcode = 0x6F
	OpGe       Opcode = 0x70
	OpLt       Opcode = 0x71
	OpLe       Opcode = 0x72
	OpAdd      Opcode = 0x73
	OpSubtract Opcode = 0x74
	OpAnd      Opcode = 0x75
	OpOr       Opcode = 0x76
	OpXor      Opcode = 0x77
	OpMultiply Opcode = 0x78
	OpDivide   Opcode = 0x79
	OpMod      Opcode = 0x7A
)

// Indexing, casts and calls
const (
	OpPushArray      Opcode = 0x80 // replace an array with its elements
	OpLocalIndex     Opcode = 0x81 // top[local arg]
	OpPosIntIndex    Opcode = 0x82 // top[arg]
	OpNegIntIndex    Opcode = 0x83 // top[-arg]
	OpStringIndex    Opcode = 0x84 // top[string arg]
	OpIndex          Opcode = 0x85 // container, index -> element
	OpCast           Opcode = 0x86 // value, type -> value
	OpRange          Opcode = 0x87 // value, lo, hi -> slice
	OpCopyValue      Opcode = 0x88 // deep copy of top
	OpSizeof         Opcode = 0x89 // size of top
	OpSizeofLocal    Opcode = 0x8A // push size of local arg
	OpCallLfun       Opcode = 0x8B // call function arg with arguments since mark
	OpCallLfunAndPop Opcode = 0x8C // same, discarding the result
)

// MaxOpcode is the first instruction number that calls a constant.
const MaxOpcode = 0x90

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes the bytes following an opcode.
type OperandKind uint8

const (
	OperandNone   OperandKind = iota
	OperandArg                // one byte, extended by pending prefixes
	OperandInt32              // signed 32-bit integer
	OperandFloat              // float64
	OperandJump               // signed 32-bit displacement
	OperandSwitch             // arg, then an aligned jump table
	OperandPrefix             // the opcode itself is an extension prefix
)

// EffectVariable marks instructions whose stack effect depends on operands
// or on the stack contents.
const EffectVariable = -128

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string
	Operand     OperandKind
	StackEffect int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpAdd256:          {"ADD_256", OperandPrefix, 0},
	OpAdd512:          {"ADD_512", OperandPrefix, 0},
	OpAdd768:          {"ADD_768", OperandPrefix, 0},
	OpAdd1024:         {"ADD_1024", OperandPrefix, 0},
	OpAdd256X:         {"ADD_256X", OperandPrefix, 0},
	OpPrefix256:       {"PREFIX_256", OperandPrefix, 0},
	OpPrefix512:       {"PREFIX_512", OperandPrefix, 0},
	OpPrefix768:       {"PREFIX_768", OperandPrefix, 0},
	OpPrefix1024:      {"PREFIX_1024", OperandPrefix, 0},
	OpPrefixCharX256:  {"PREFIX_CHARX256", OperandPrefix, 0},
	OpPrefixWordX256:  {"PREFIX_WORDX256", OperandPrefix, 0},
	OpPrefix24BitX256: {"PREFIX_24BITX256", OperandPrefix, 0},

	OpConst0:      {"CONST0", OperandNone, 1},
	OpConst1:      {"CONST1", OperandNone, 1},
	OpConstMinus1: {"CONST_1", OperandNone, 1},
	OpBignum:      {"BIGNUM", OperandInt32, 1},
	OpNumber:      {"NUMBER", OperandArg, 1},
	OpNegNumber:   {"NEG_NUMBER", OperandArg, 1},
	OpString:      {"STRING", OperandArg, 1},
	OpConstant:    {"CONSTANT", OperandArg, 1},
	OpFloat:       {"FLOAT", OperandFloat, 1},
	OpLfun:        {"LFUN", OperandArg, 1},

	OpGlobal:             {"GLOBAL", OperandArg, 1},
	OpLocal:              {"LOCAL", OperandArg, 1},
	OpLocalLvalue:        {"LOCAL_LVALUE", OperandArg, 2},
	OpClearLocal:         {"CLEAR_LOCAL", OperandArg, 0},
	OpIncLocal:           {"INC_LOCAL", OperandArg, 1},
	OpPostIncLocal:       {"POST_INC_LOCAL", OperandArg, 1},
	OpIncLocalAndPop:     {"INC_LOCAL_AND_POP", OperandArg, 0},
	OpDecLocal:           {"DEC_LOCAL", OperandArg, 1},
	OpPostDecLocal:       {"POST_DEC_LOCAL", OperandArg, 1},
	OpDecLocalAndPop:     {"DEC_LOCAL_AND_POP", OperandArg, 0},
	OpLtosval:            {"LTOSVAL", OperandNone, 1},
	OpLtosval2:           {"LTOSVAL2", OperandNone, 1},
	OpGlobalLvalue:       {"GLOBAL_LVALUE", OperandArg, 2},
	OpInc:                {"INC", OperandNone, -1},
	OpPostInc:            {"POST_INC", OperandNone, -1},
	OpDec:                {"DEC", OperandNone, -1},
	OpPostDec:            {"POST_DEC", OperandNone, -1},
	OpIncAndPop:          {"INC_AND_POP", OperandNone, -2},
	OpDecAndPop:          {"DEC_AND_POP", OperandNone, -2},
	OpAssign:             {"ASSIGN", OperandNone, -2},
	OpAssignAndPop:       {"ASSIGN_AND_POP", OperandNone, -3},
	OpAssignLocal:        {"ASSIGN_LOCAL", OperandArg, 0},
	OpAssignLocalAndPop:  {"ASSIGN_LOCAL_AND_POP", OperandArg, -1},
	OpAssignGlobal:       {"ASSIGN_GLOBAL", OperandArg, 0},
	OpAssignGlobalAndPop: {"ASSIGN_GLOBAL_AND_POP", OperandArg, -1},

	OpPopValue:  {"POP_VALUE", OperandNone, -1},
	OpPopNElems: {"POP_N_ELEMS", OperandArg, EffectVariable},
	OpMark:      {"MARK", OperandNone, 0},
	OpMark2:     {"MARK2", OperandNone, 0},

	OpBranch:            {"BRANCH", OperandJump, 0},
	OpBranchWhenZero:    {"BRANCH_WHEN_ZERO", OperandJump, -1},
	OpBranchWhenNonZero: {"BRANCH_WHEN_NON_ZERO", OperandJump, -1},
	OpBranchWhenEq:      {"BRANCH_WHEN_EQ", OperandJump, -2},
	OpBranchWhenNe:      {"BRANCH_WHEN_NE", OperandJump, -2},
	OpBranchWhenLt:      {"BRANCH_WHEN_LT", OperandJump, -2},
	OpBranchWhenLe:      {"BRANCH_WHEN_LE", OperandJump, -2},
	OpBranchWhenGt:      {"BRANCH_WHEN_GT", OperandJump, -2},
	OpBranchWhenGe:      {"BRANCH_WHEN_GE", OperandJump, -2},
	OpLand:              {"LAND", OperandJump, EffectVariable},
	OpLor:               {"LOR", OperandJump, EffectVariable},
	OpCatch:             {"CATCH", OperandJump, 1},
	OpThrowZero:         {"THROW_ZERO", OperandNone, EffectVariable},
	OpSwitch:            {"SWITCH", OperandSwitch, -1},
	OpIncLoop:           {"INC_LOOP", OperandJump, EffectVariable},
	OpDecLoop:           {"DEC_LOOP", OperandJump, EffectVariable},
	OpIncNeqLoop:        {"INC_NEQ_LOOP", OperandJump, EffectVariable},
	OpDecNeqLoop:        {"DEC_NEQ_LOOP", OperandJump, EffectVariable},
	OpForeach:           {"FOREACH", OperandJump, EffectVariable},

	OpReturn0:    {"RETURN_0", OperandNone, EffectVariable},
	OpReturn:     {"RETURN", OperandNone, EffectVariable},
	OpDumbReturn: {"DUMB_RETURN", OperandNone, EffectVariable},

	OpNegate:   {"NEGATE", OperandNone, 0},
	OpCompl:    {"COMPL", OperandNone, 0},
	OpNot:      {"NOT", OperandNone, 0},
	OpLsh:      {"LSH", OperandNone, -1},
	OpRsh:      {"RSH", OperandNone, -1},
	OpEq:       {"EQ", OperandNone, -1},
	OpNe:       {"NE", OperandNone, -1},
	OpGt:       {"GT", OperandNone, -1},
	OpGe:       {"GE", OperandNone, -1},
	OpLt:       {"LT", OperandNone, -1},
	OpLe:       {"LE", OperandNone, -1},
	OpAdd:      {"ADD", OperandNone, -1},
	OpSubtract: {"SUBTRACT", OperandNone, -1},
	OpAnd:      {"AND", OperandNone, -1},
	OpOr:       {"OR", OperandNone, -1},
	OpXor:      {"XOR", OperandNone, -1},
	OpMultiply: {"MULTIPLY", OperandNone, -1},
	OpDivide:   {"DIVIDE", OperandNone, -1},
	OpMod:      {"MOD", OperandNone, -1},

	OpPushArray:      {"PUSH_ARRAY", OperandNone, EffectVariable},
	OpLocalIndex:     {"LOCAL_INDEX", OperandArg, 0},
	OpPosIntIndex:    {"POS_INT_INDEX", OperandArg, 0},
	OpNegIntIndex:    {"NEG_INT_INDEX", OperandArg, 0},
	OpStringIndex:    {"STRING_INDEX", OperandArg, 0},
	OpIndex:          {"INDEX", OperandNone, -1},
	OpCast:           {"CAST", OperandNone, -1},
	OpRange:          {"RANGE", OperandNone, -2},
	OpCopyValue:      {"COPY_VALUE", OperandNone, 0},
	OpSizeof:         {"SIZEOF", OperandNone, 0},
	OpSizeofLocal:    {"SIZEOF_LOCAL", OperandArg, 1},
	OpCallLfun:       {"CALL_LFUN", OperandArg, EffectVariable},
	OpCallLfunAndPop: {"CALL_LFUN_AND_POP", OperandArg, EffectVariable},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	if op >= MaxOpcode {
		return OpcodeInfo{Name: fmt.Sprintf("CALL_CONSTANT_%d", int(op)-MaxOpcode), StackEffect: EffectVariable}
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Valid reports whether op names an opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// InstructionName names instruction number n, including constant calls
// above the opcode range.
func InstructionName(n int) string {
	if n >= MaxOpcode {
		return fmt.Sprintf("CALL_CONSTANT_%d", n-MaxOpcode)
	}
	return Opcode(n).Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder assembles the body of one function. Bodies are placed at
// four-byte aligned offsets, so alignment relative to the builder start is
// alignment in the program.
type BytecodeBuilder struct {
	bytes []byte
	lines []LineEntry
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Line records that code emitted from here on comes from source line n.
func (b *BytecodeBuilder) Line(n int) {
	b.lines = append(b.lines, LineEntry{PC: len(b.bytes), Line: n})
}

// Function packages the body for ProgramBuilder.AddFunction.
func (b *BytecodeBuilder) Function(numArgs, numLocals int, varargs bool) Function {
	return Function{NumArgs: numArgs, NumLocals: numLocals, Varargs: varargs, Body: b.bytes, Lines: b.lines}
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitRaw appends raw bytes.
func (b *BytecodeBuilder) EmitRaw(data ...byte) {
	b.bytes = append(b.bytes, data...)
}

// EmitArg appends op with operand arg, preceded by whatever prefixes arg
// needs.
func (b *BytecodeBuilder) EmitArg(op Opcode, arg uint32) {
	switch {
	case arg < 256:
	case arg < 256+1024:
		b.Emit(OpPrefix256 + Opcode(arg/256-1))
		arg %= 256
	case arg < 1<<16:
		b.bytes = append(b.bytes, byte(OpPrefixCharX256), byte(arg>>8))
	case arg < 1<<24:
		b.bytes = append(b.bytes, byte(OpPrefixWordX256), byte(arg>>16), byte(arg>>8))
	default:
		b.bytes = append(b.bytes, byte(OpPrefix24BitX256), byte(arg>>24), byte(arg>>16), byte(arg>>8))
	}
	b.bytes = append(b.bytes, byte(op), byte(arg))
}

// EmitInt pushes n using the shortest inline form. Integers of more than 32
// bits of magnitude go in the constant pool.
func (b *BytecodeBuilder) EmitInt(n int64) {
	switch {
	case n == 0:
		b.Emit(OpConst0)
	case n == 1:
		b.Emit(OpConst1)
	case n == -1:
		b.Emit(OpConstMinus1)
	case n > 0 && n < 1<<32:
		b.EmitArg(OpNumber, uint32(n))
	case n < 0 && -n < 1<<32:
		b.EmitArg(OpNegNumber, uint32(-n))
	default:
		panic(fmt.Sprintf("integer %d needs a constant", n))
	}
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitFloat appends FLOAT with its operand.
func (b *BytecodeBuilder) EmitFloat(f float64) {
	b.bytes = append(b.bytes, byte(OpFloat))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, math.Float64bits(f))
}

// EmitCallConstant calls constant k with the arguments since the latest
// mark.
func (b *BytecodeBuilder) EmitCallConstant(k int) {
	n := MaxOpcode + k
	switch {
	case n < 256:
		b.bytes = append(b.bytes, byte(n))
	case n < 512:
		b.bytes = append(b.bytes, byte(OpAdd256), byte(n-256))
	case n < 768:
		b.bytes = append(b.bytes, byte(OpAdd512), byte(n-512))
	case n < 1024:
		b.bytes = append(b.bytes, byte(OpAdd768), byte(n-768))
	case n < 1280:
		b.bytes = append(b.bytes, byte(OpAdd1024), byte(n-1024))
	case n < 1<<16:
		b.bytes = append(b.bytes, byte(OpAdd256X))
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(n))
	default:
		panic(fmt.Sprintf("constant %d out of instruction range", k))
	}
}

// align pads with zero bytes to a four-byte boundary.
func (b *BytecodeBuilder) align() {
	for len(b.bytes)%4 != 0 {
		b.bytes = append(b.bytes, 0)
	}
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a jump target. Displacements are patched when the label is
// marked.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)
	for _, ref := range label.refs {
		binary.LittleEndian.PutUint32(b.bytes[ref:], uint32(int32(label.position-ref)))
	}
	label.refs = nil
}

// emitDisplacement appends a 4-byte displacement to label, measured from
// the displacement's own position.
func (b *BytecodeBuilder) emitDisplacement(label *Label) {
	pos := len(b.bytes)
	if label.resolved {
		b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(int32(label.position-pos)))
		return
	}
	label.refs = append(label.refs, pos)
	b.bytes = append(b.bytes, 0, 0, 0, 0)
}

// EmitJump emits a branch, loop, foreach or catch instruction to label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.Emit(op)
	b.emitDisplacement(label)
}

// EmitSwitch emits SWITCH over the sorted case array in constant
// constIdx. targets holds 2n+1 labels for n cases: targets[2k+1] is case k,
// targets[2k] the values between case k-1 and case k.
func (b *BytecodeBuilder) EmitSwitch(constIdx uint32, targets []*Label) {
	b.EmitArg(OpSwitch, constIdx)
	b.align()
	for _, t := range targets {
		b.emitDisplacement(t)
	}
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	PC     int     // offset of the first byte, prefixes included
	Number int     // instruction number; >= MaxOpcode calls a constant
	Arg    int     // decoded operand for OperandArg and OperandSwitch
	Int    int32   // OperandInt32
	Float  float64 // OperandFloat
	Target int     // absolute jump target for OperandJump
	Table  int     // offset of the aligned jump table for OperandSwitch
	Len    int     // bytes consumed, excluding any switch table
}

// Op returns the opcode, meaningful when Number < MaxOpcode.
func (in Instruction) Op() Opcode { return Opcode(in.Number) }

// Name returns the instruction name.
func (in Instruction) Name() string { return InstructionName(in.Number) }

var errTruncated = fmt.Errorf("truncated instruction")

// DecodeInstruction decodes the instruction at pc, folding extension and
// operand prefixes into it.
func DecodeInstruction(code []byte, pc int) (Instruction, error) {
	in := Instruction{PC: pc}
	prefix := 0
	need := func(n int) error {
		if pc+n > len(code) {
			return errTruncated
		}
		return nil
	}
	for {
		if err := need(1); err != nil {
			return in, err
		}
		n := int(code[pc])
		pc++
		switch Opcode(n) {
		case OpPrefix256, OpPrefix512, OpPrefix768, OpPrefix1024:
			prefix += 256 * (n - int(OpPrefix256) + 1)
			continue
		case OpPrefix24BitX256:
			if err := need(1); err != nil {
				return in, err
			}
			prefix += int(code[pc]) << 24
			pc++
			fallthrough
		case OpPrefixWordX256:
			if err := need(1); err != nil {
				return in, err
			}
			prefix += int(code[pc]) << 16
			pc++
			fallthrough
		case OpPrefixCharX256:
			if err := need(1); err != nil {
				return in, err
			}
			prefix += int(code[pc]) << 8
			pc++
			continue
		case OpAdd256, OpAdd512, OpAdd768, OpAdd1024:
			if err := need(1); err != nil {
				return in, err
			}
			n = int(code[pc]) + 256*(n-int(OpAdd256)+1)
			pc++
		case OpAdd256X:
			if err := need(2); err != nil {
				return in, err
			}
			n = int(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
		}
		in.Number = n
		break
	}
	if in.Number >= MaxOpcode {
		in.Len = pc - in.PC
		return in, nil
	}
	info, ok := opcodeTable[Opcode(in.Number)]
	if !ok {
		return in, fmt.Errorf("unknown opcode %d at %d", in.Number, in.PC)
	}
	switch info.Operand {
	case OperandArg, OperandSwitch:
		if err := need(1); err != nil {
			return in, err
		}
		in.Arg = prefix + int(code[pc])
		pc++
		if info.Operand == OperandSwitch {
			in.Table = (pc + 3) &^ 3
		}
	case OperandInt32:
		if err := need(4); err != nil {
			return in, err
		}
		in.Int = int32(binary.LittleEndian.Uint32(code[pc:]))
		pc += 4
	case OperandFloat:
		if err := need(8); err != nil {
			return in, err
		}
		in.Float = math.Float64frombits(binary.LittleEndian.Uint64(code[pc:]))
		pc += 8
	case OperandJump:
		if err := need(4); err != nil {
			return in, err
		}
		in.Target = pc + int(int32(binary.LittleEndian.Uint32(code[pc:])))
		pc += 4
	}
	in.Len = pc - in.PC
	return in, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// formatInstruction renders in without its position.
func formatInstruction(in Instruction) string {
	if in.Number >= MaxOpcode {
		return in.Name()
	}
	switch in.Op().Info().Operand {
	case OperandArg, OperandSwitch:
		return fmt.Sprintf("%s %d", in.Name(), in.Arg)
	case OperandInt32:
		return fmt.Sprintf("%s %d", in.Name(), in.Int)
	case OperandFloat:
		return fmt.Sprintf("%s %g", in.Name(), in.Float)
	case OperandJump:
		return fmt.Sprintf("%s -> %04d", in.Name(), in.Target)
	}
	return in.Name()
}

// Disassemble lists the code of p, one function after another. Switch
// tables are sized from their case constant.
func Disassemble(p *Program) string {
	type fn struct {
		name   string
		offset int
	}
	var fns []fn
	for k := range p.Identifiers {
		id := &p.Identifiers[k]
		if id.IsFunction() && id.Native == nil && id.Offset >= 0 {
			fns = append(fns, fn{id.Name, id.Offset})
		}
	}
	sort.Slice(fns, func(a, b int) bool { return fns[a].offset < fns[b].offset })

	var sb strings.Builder
	code := p.Code
	for k, f := range fns {
		end := len(code)
		if k+1 < len(fns) {
			end = fns[k+1].offset
		}
		fmt.Fprintf(&sb, "%s: locals=%d args=%d\n", f.name, code[f.offset], code[f.offset+1])
		for pc := f.offset + 2; pc < end && !isPadding(code[pc:end]); {
			in, err := DecodeInstruction(code[:end], pc)
			if err != nil {
				fmt.Fprintf(&sb, "%04d  ?? %v\n", pc, err)
				break
			}
			fmt.Fprintf(&sb, "%04d  %s\n", pc, formatInstruction(in))
			pc += in.Len
			if in.Number != int(OpSwitch) {
				continue
			}
			entries := 1
			if in.Arg < len(p.Constants) && p.Constants[in.Arg].kind == KindArray {
				entries = 2*p.Constants[in.Arg].Array().Len() + 1
			}
			pc = in.Table
			for e := 0; e < entries && pc+4 <= end; e++ {
				d := int(int32(binary.LittleEndian.Uint32(code[pc:])))
				fmt.Fprintf(&sb, "%04d    [%d] -> %04d\n", pc, e, pc+d)
				pc += 4
			}
		}
	}
	return sb.String()
}

// isPadding reports whether rest is the zero fill in front of the next
// function header.
func isPadding(rest []byte) bool {
	if len(rest) > 3 {
		return false
	}
	for _, b := range rest {
		if b != 0 {
			return false
		}
	}
	return true
}
