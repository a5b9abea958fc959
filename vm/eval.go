package vm

import (
	"encoding/binary"
	"math"
	"runtime"
)

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// evalInstruction executes code of the current frame from pc until a
// return instruction. The function result is whatever the return leaves at
// the frame's locals; the invocation protocol normalizes it.
func (i *Interpreter) evalInstruction(pc int) {
	if i.debug > 0 {
		defer i.trapRuntimeError()
	}

	f := &i.frames[i.fp]
	prog := f.Context.Prog
	code := prog.Code
	level := f.Context.IdentifierLevel
	prefix := 0

	arg := func() int {
		a := prefix + int(code[pc])
		pc++
		prefix = 0
		if i.trace > 3 {
			i.traceLog.Debugf("-    arg = %d", a)
		}
		return a
	}
	// jump follows the displacement at pc. Backward jumps are interrupt
	// checkpoints.
	jump := func() {
		d := int(int32(binary.LittleEndian.Uint32(code[pc:])))
		pc += d
		if d < 0 {
			i.checkThreads()
		}
	}
	local := func(n int) *Value {
		if i.debug > 0 && n >= f.NumLocals {
			i.fatal("Local %d out of range (%d locals).", n, f.NumLocals)
		}
		return &i.stack[f.Locals+n]
	}
	branch := func(cond bool) {
		if cond {
			jump()
		} else {
			pc += 4
		}
	}
	compareJump := func(cmp func(a, b Value) bool) {
		cond := cmp(*i.At(2), *i.At(1))
		i.PopN(2)
		branch(cond)
	}
	compare := func(cmp func(a, b Value) bool) {
		i.binary(func(a, b Value) Value { return boolValue(cmp(a, b)) })
	}

	for {
		f.PC = pc
		instr := int(code[pc])
		pc++

		i.ticks++
		if i.ticks&i.tickMask == 0 || i.debug > 9 {
			i.checkThreads()
		}
		if i.debug > 0 {
			i.debugStep(f, prog, f.PC)
		}

		switch Opcode(instr) {
		case OpAdd256, OpAdd512, OpAdd768, OpAdd1024:
			instr = int(code[pc]) + 256*(instr-int(OpAdd256)+1)
			pc++
		case OpAdd256X:
			instr = int(binary.LittleEndian.Uint16(code[pc:]))
			pc += 2
		}

		if i.profile != nil {
			i.profile[min(instr, MaxOpcode)]++
		}
		if i.trace > 2 {
			i.traceLog.Debugf("- %s:%d: %04d %s (%d) %d, %d",
				prog.Filename, prog.LineFor(f.PC), f.PC, InstructionName(instr), prefix, i.sp, i.msp)
		}

		if instr >= MaxOpcode {
			k := instr - MaxOpcode
			if k >= len(prog.Constants) {
				i.fatal("Constant %d out of range.", k)
			}
			i.StrictApplySvalue(prog.Constants[k], i.ArgsSinceMark())
			continue
		}

		switch Opcode(instr) {

		// Operand prefixes
		case OpPrefix256, OpPrefix512, OpPrefix768, OpPrefix1024:
			prefix += 256 * (instr - int(OpPrefix256) + 1)
		case OpPrefix24BitX256:
			prefix += int(code[pc]) << 24
			pc++
			fallthrough
		case OpPrefixWordX256:
			prefix += int(code[pc]) << 16
			pc++
			fallthrough
		case OpPrefixCharX256:
			prefix += int(code[pc]) << 8
			pc++

		// Constants
		case OpConst0:
			i.Push(Int(0))
		case OpConst1:
			i.Push(Int(1))
		case OpConstMinus1:
			i.Push(Int(-1))
		case OpBignum:
			i.Push(Int(int64(int32(binary.LittleEndian.Uint32(code[pc:])))))
			pc += 4
		case OpNumber:
			i.Push(Int(int64(arg())))
		case OpNegNumber:
			i.Push(Int(-int64(arg())))
		case OpString:
			k := arg()
			if k >= len(prog.Strings) {
				i.fatal("String %d out of range.", k)
			}
			i.Push(StringValue(prog.Strings[k].Retain()))
		case OpConstant:
			k := arg()
			if k >= len(prog.Constants) {
				i.fatal("Constant %d out of range.", k)
			}
			i.Push(prog.Constants[k].Copy())
		case OpFloat:
			i.Push(Float(math.Float64frombits(binary.LittleEndian.Uint64(code[pc:]))))
			pc += 8
		case OpLfun:
			i.Push(FunctionValue(f.Object.Retain(), arg()+level))

		// Variables
		case OpGlobal:
			slot, id := i.global(f, arg()+level)
			if id.RunTimeType == KindMixed {
				checkDestructed(slot)
				i.Push(slot.Copy())
			} else {
				i.Push(readShort(slot, id.RunTimeType))
			}
		case OpGlobalLvalue:
			slot, id := i.global(f, arg()+level)
			if id.RunTimeType == KindMixed {
				i.Push(SlotLvalue(slot))
			} else {
				i.Push(TypedSlotLvalue(slot, id.RunTimeType))
			}
			i.Push(Void())
		case OpAssignGlobal, OpAssignGlobalAndPop:
			slot, id := i.global(f, arg()+level)
			if id.RunTimeType == KindMixed {
				Assign(slot, *i.At(1))
			} else {
				i.assignToShort(slot, id.RunTimeType, *i.At(1))
			}
			if Opcode(instr) == OpAssignGlobalAndPop {
				i.PopN(1)
			}

		case OpLocal:
			p := local(arg())
			checkDestructed(p)
			i.Push(p.Copy())
		case OpLocalLvalue:
			i.Push(SlotLvalue(local(arg())))
			i.Push(Void())
		case OpClearLocal:
			Assign(local(arg()), Int(0))
		case OpAssignLocal:
			Assign(local(arg()), *i.At(1))
		case OpAssignLocalAndPop:
			Assign(local(arg()), *i.At(1))
			i.PopN(1)

		case OpIncLocal, OpPostIncLocal, OpIncLocalAndPop:
			p := local(arg())
			if p.kind != KindInt {
				i.Error("Bad argument to ++.")
			}
			old := p.n
			*p = Int(old + 1)
			switch Opcode(instr) {
			case OpIncLocal:
				i.Push(*p)
			case OpPostIncLocal:
				i.Push(Int(old))
			}
		case OpDecLocal, OpPostDecLocal, OpDecLocalAndPop:
			p := local(arg())
			if p.kind != KindInt {
				i.Error("Bad argument to --.")
			}
			old := p.n
			*p = Int(old - 1)
			switch Opcode(instr) {
			case OpDecLocal:
				i.Push(*p)
			case OpPostDecLocal:
				i.Push(Int(old))
			}

		// Lvalues
		case OpLtosval:
			i.Push(i.ReadLvalue(*i.At(2), *i.At(1)))
		case OpLtosval2:
			v := i.ReadLvalue(*i.At(3), *i.At(2))
			x := i.Pop()
			i.Push(v)
			i.Push(x)
			// Leave the container with a single reference so the
			// operator that follows may update it in place.
			switch v.kind {
			case KindArray, KindMultiset, KindMapping:
				i.AssignLvalue(*i.At(4), *i.At(3), Int(0))
			}
		case OpInc, OpPostInc, OpIncAndPop:
			r := i.incDec(1, Opcode(instr) == OpPostInc)
			i.PopN(2)
			if Opcode(instr) != OpIncAndPop {
				i.Push(r)
			}
		case OpDec, OpPostDec, OpDecAndPop:
			r := i.incDec(-1, Opcode(instr) == OpPostDec)
			i.PopN(2)
			if Opcode(instr) != OpDecAndPop {
				i.Push(r)
			}
		case OpAssign:
			i.AssignLvalue(*i.At(3), *i.At(2), *i.At(1))
			v := i.Pop()
			i.PopN(2)
			i.Push(v)
		case OpAssignAndPop:
			i.AssignLvalue(*i.At(3), *i.At(2), *i.At(1))
			i.PopN(3)

		// Stack
		case OpPopValue:
			i.PopN(1)
		case OpPopNElems:
			i.PopN(arg())
		case OpMark:
			i.Mark()
		case OpMark2:
			i.Mark()
			i.Mark()

		// Branches
		case OpBranch:
			jump()
		case OpBranchWhenZero:
			z := i.At(1).IsZero()
			i.PopN(1)
			branch(z)
		case OpBranchWhenNonZero:
			z := i.At(1).IsZero()
			i.PopN(1)
			branch(!z)
		case OpBranchWhenEq:
			compareJump(IsEq)
		case OpBranchWhenNe:
			compareJump(func(a, b Value) bool { return !IsEq(a, b) })
		case OpBranchWhenLt:
			compareJump(IsLt)
		case OpBranchWhenLe:
			compareJump(func(a, b Value) bool { return !IsGt(a, b) })
		case OpBranchWhenGt:
			compareJump(IsGt)
		case OpBranchWhenGe:
			compareJump(func(a, b Value) bool { return !IsLt(a, b) })
		case OpLand:
			if i.At(1).IsZero() {
				jump()
			} else {
				i.PopN(1)
				pc += 4
			}
		case OpLor:
			if !i.At(1).IsZero() {
				jump()
			} else {
				i.PopN(1)
				pc += 4
			}

		case OpCatch:
			if i.catchRegion(pc + 4) {
				// The protected region returned from the function.
				return
			}
			i.Push(i.takeThrowValue())
			jump()
		case OpThrowZero:
			i.ThrowValue(Int(0))

		case OpSwitch:
			k := arg()
			if k >= len(prog.Constants) || prog.Constants[k].kind != KindArray {
				i.fatal("Switch table %d is not an array constant.", k)
			}
			r := SwitchLookup(prog.Constants[k].Array(), *i.At(1))
			i.PopN(1)
			pc = (pc+3)&^3 + switchSlot(r)*4
			jump()

		case OpIncLoop, OpDecLoop, OpIncNeqLoop, OpDecNeqLoop:
			p := i.AddressIfKind(*i.At(2), *i.At(1), KindInt)
			if p == nil {
				i.Error("Lvalue not usable in loop.")
			}
			limit := *i.At(3)
			var taken bool
			switch Opcode(instr) {
			case OpIncLoop:
				*p = Int(p.n + 1)
				taken = IsLt(*p, limit)
			case OpDecLoop:
				*p = Int(p.n - 1)
				taken = IsGt(*p, limit)
			case OpIncNeqLoop:
				*p = Int(p.n + 1)
				taken = !IsEq(*p, limit)
			default:
				*p = Int(p.n - 1)
				taken = !IsEq(*p, limit)
			}
			if taken {
				jump()
			} else {
				pc += 4
				i.PopN(3)
			}

		case OpForeach:
			if i.At(4).kind != KindArray {
				i.Error("Bad argument 1 to foreach()")
			}
			a := i.At(4).Array()
			if i.At(1).kind != KindInt {
				i.fatal("Foreach index is not an integer.")
			}
			if n := i.At(1).n; n >= 0 && n < int64(a.Len()) {
				v := a.Items[n].Copy()
				checkDestructed(&v)
				i.Push(v)
				i.AssignLvalue(*i.At(4), *i.At(3), v)
				i.PopN(1)
				*i.At(1) = Int(n + 1)
				jump()
			} else {
				pc += 4
				i.PopN(4)
			}

		// Returns
		case OpReturn0:
			i.PopN(i.sp - f.Locals)
			return
		case OpReturn:
			if i.sp <= f.Locals {
				i.fatal("Frame underflow.")
			}
			if i.sp > f.Locals+1 {
				top := i.Pop()
				i.PopN(i.sp - f.Locals)
				i.Push(top)
			}
			return
		case OpDumbReturn:
			return

		// Operators
		case OpNegate:
			i.unary(i.Negate)
		case OpCompl:
			i.unary(i.Compl)
		case OpNot:
			i.unary(func(a Value) Value { return boolValue(a.IsZero()) })
		case OpLsh:
			i.binary(i.Lsh)
		case OpRsh:
			i.binary(i.Rsh)
		case OpEq:
			compare(IsEq)
		case OpNe:
			compare(func(a, b Value) bool { return !IsEq(a, b) })
		case OpGt:
			compare(IsGt)
		case OpGe:
			compare(func(a, b Value) bool { return !IsLt(a, b) })
		case OpLt:
			compare(IsLt)
		case OpLe:
			compare(func(a, b Value) bool { return !IsGt(a, b) })
		case OpAdd:
			i.binary(i.Add)
		case OpSubtract:
			i.binary(i.Subtract)
		case OpAnd:
			i.binary(i.And)
		case OpOr:
			i.binary(i.Or)
		case OpXor:
			i.binary(i.Xor)
		case OpMultiply:
			i.binary(i.Multiply)
		case OpDivide:
			i.binary(i.Divide)
		case OpMod:
			i.binary(i.Mod)

		// Indexing, casts and calls
		case OpPushArray:
			if i.At(1).kind != KindArray {
				i.Error("Bad argument to @")
			}
			items := i.At(1).Array().Items
			i.checkStack(len(items))
			a := i.Pop()
			for _, v := range items {
				i.Push(v.Copy())
			}
			a.Free()
		case OpLocalIndex:
			p := local(arg())
			i.Push(p.Copy())
			i.binary(i.Index)
		case OpPosIntIndex:
			i.Push(Int(int64(arg())))
			i.binary(i.Index)
		case OpNegIntIndex:
			i.Push(Int(-int64(arg())))
			i.binary(i.Index)
		case OpStringIndex:
			k := arg()
			if k >= len(prog.Strings) {
				i.fatal("String %d out of range.", k)
			}
			i.Push(StringValue(prog.Strings[k].Retain()))
			i.binary(i.Index)
		case OpIndex:
			i.binary(i.Index)
		case OpCast:
			if i.At(1).kind != KindType {
				i.Error("Cast to non-type.")
			}
			i.binary(func(v, t Value) Value { return i.Cast(v, t.TypeKind()) })
		case OpRange:
			r := i.Range(*i.At(3), *i.At(2), *i.At(1))
			i.PopN(3)
			i.Push(r)
		case OpCopyValue:
			i.unary(CopyValue)
		case OpSizeof:
			i.unary(func(a Value) Value { return Int(i.Sizeof(a)) })
		case OpSizeofLocal:
			i.Push(Int(i.Sizeof(*local(arg()))))
		case OpCallLfun, OpCallLfunAndPop:
			fun := arg() + level
			i.ApplyLow(f.Object, fun, i.ArgsSinceMark())
			if Opcode(instr) == OpCallLfunAndPop {
				i.PopN(1)
			}

		default:
			i.fatal("Strange instruction %d.", instr)
		}
	}
}

// catchRegion runs the protected region at pc. It reports true when the
// region returned from the enclosing function instead of throwing; the
// region ends with THROW_ZERO, so normal completion also arrives as a
// throw.
func (i *Interpreter) catchRegion(pc int) bool {
	return !i.catchFrom(i.sp, func() { i.evalInstruction(pc) })
}

// global resolves a variable of the frame's object.
func (i *Interpreter) global(f *Frame, ref int) (*Value, *Identifier) {
	o := f.Object
	if o.prog == nil {
		i.Error("Cannot access global variables in destructed object.")
	}
	if ref < 0 || ref >= len(o.prog.References) {
		i.fatal("Identifier %d out of range.", ref)
	}
	if id, _ := o.prog.IdentifierAt(ref); id.IsFunction() {
		i.fatal("Identifier %d (%s) is not a variable.", ref, id.Name)
	}
	return o.variable(ref)
}

// incDec adds delta to the integer behind the lvalue on top of the stack and
// returns the new value, or the old one when post is set.
func (i *Interpreter) incDec(delta int64, post bool) Value {
	lv, index := *i.At(2), *i.At(1)
	if p := i.AddressIfKind(lv, index, KindInt); p != nil {
		old := p.n
		*p = Int(old + delta)
		if post {
			return Int(old)
		}
		return *p
	}
	v := i.ReadLvalue(lv, index)
	if v.kind != KindInt {
		v.Free()
		i.Error("++ or -- on non-integer.")
	}
	nv := Int(v.n + delta)
	i.AssignLvalue(lv, index, nv)
	if post {
		return v
	}
	return nv
}

// trapRuntimeError turns Go runtime faults raised by a malformed instruction
// stream into fatal errors.
func (i *Interpreter) trapRuntimeError() {
	if r := recover(); r != nil {
		if re, ok := r.(runtime.Error); ok {
			i.fatal("Malformed instruction stream: %v", re)
		}
		panic(r)
	}
}
