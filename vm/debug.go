package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Instruction backlog
// ---------------------------------------------------------------------------

const backlogSize = 512

type backlogEntry struct {
	prog *Program
	pc   int
}

// backlog is a ring of the most recently dispatched instructions.
type backlog struct {
	entries [backlogSize]backlogEntry
	next    int
	full    bool
}

func newBacklog() *backlog { return &backlog{} }

func (b *backlog) add(p *Program, pc int) {
	b.entries[b.next] = backlogEntry{prog: p, pc: pc}
	b.next++
	if b.next == backlogSize {
		b.next = 0
		b.full = true
	}
}

// DumpBacklog renders the backlog, oldest first, as "file:line: NAME arg".
// It is empty unless the interpreter runs with debugging enabled.
func (i *Interpreter) DumpBacklog() []string {
	b := i.backlog
	if b == nil {
		return nil
	}
	start, n := 0, b.next
	if b.full {
		start, n = b.next, backlogSize
	}
	out := make([]string, 0, n)
	for k := 0; k < n; k++ {
		e := b.entries[(start+k)%backlogSize]
		line := e.prog.LineFor(e.pc)
		in, err := DecodeInstruction(e.prog.Code, e.pc)
		if err != nil {
			out = append(out, fmt.Sprintf("%s:%d: ?? (%v)", e.prog.Filename, line, err))
			continue
		}
		out = append(out, fmt.Sprintf("%s:%d: %s", e.prog.Filename, line, formatInstruction(in)))
	}
	return out
}

// ---------------------------------------------------------------------------
// Invariant checks
// ---------------------------------------------------------------------------

// debugStep runs before every instruction when debugging is enabled.
func (i *Interpreter) debugStep(f *Frame, p *Program, pc int) {
	if i.sp < 0 || i.msp < 0 || f.Locals > i.sp {
		i.fatal("Stack error (generic).")
	}
	if i.sp > len(i.stack) {
		i.fatal("Stack error (overflow).")
	}
	if i.msp > len(i.marks) {
		i.fatal("Mark stack error (overflow).")
	}
	i.backlog.add(p, pc)
	if i.debug > 9 {
		i.SlowCheckStack()
	}
}

// SlowCheckStack verifies the stacks and the frame chain: values inside the
// stack are well formed, marks are ordered and below the stack pointer,
// and every frame's locals lie inside its parent's part of the stack.
func (i *Interpreter) SlowCheckStack() {
	if i.sp < 0 || i.sp > len(i.stack) {
		i.fatal("Stack pointer %d out of range.", i.sp)
	}
	for k := 0; k < i.sp; k++ {
		if i.stack[k].kind > KindVoid {
			i.fatal("Stack slot %d holds an unknown kind %d.", k, i.stack[k].kind)
		}
	}
	if i.msp < 0 || i.msp > len(i.marks) {
		i.fatal("Mark stack pointer %d out of range.", i.msp)
	}
	for k := 0; k < i.msp; k++ {
		if i.marks[k] > i.sp {
			i.fatal("Mark %d points above the stack.", k)
		}
		if k > 0 && i.marks[k] < i.marks[k-1] {
			i.fatal("Mark stack out of order at %d.", k)
		}
	}
	for fp := i.fp; fp >= 0; fp = i.frames[fp].Parent {
		f := &i.frames[fp]
		if f.Locals < 0 || f.Locals > i.sp {
			i.fatal("Frame %d locals out of range.", fp)
		}
		if f.Args < 0 || f.NumLocals < 0 || f.NumArgs < 0 {
			i.fatal("Frame %d has a negative count.", fp)
		}
		if f.Parent >= fp {
			i.fatal("Frame %d has parent %d.", fp, f.Parent)
		}
		if f.Parent >= 0 && f.Locals < i.frames[f.Parent].Locals {
			i.fatal("Frame %d locals below its parent's.", fp)
		}
	}
}

// ---------------------------------------------------------------------------
// Opcode profile
// ---------------------------------------------------------------------------

// OpcodeCount is the number of times one instruction was dispatched.
type OpcodeCount struct {
	Name  string
	Count uint64
}

// OpcodeCounts returns the non-zero execution counts, most frequent first.
// Constant calls are counted together. It is nil unless profiling is on.
func (i *Interpreter) OpcodeCounts() []OpcodeCount {
	var counts []OpcodeCount
	for n, c := range i.profile {
		if c == 0 {
			continue
		}
		name := InstructionName(n)
		if n == MaxOpcode {
			name = "CALL_CONSTANT"
		}
		counts = append(counts, OpcodeCount{Name: name, Count: c})
	}
	sort.Slice(counts, func(a, b int) bool {
		if counts[a].Count != counts[b].Count {
			return counts[a].Count > counts[b].Count
		}
		return counts[a].Name < counts[b].Name
	})
	return counts
}

// ResetOpcodeCounts zeroes the profile.
func (i *Interpreter) ResetOpcodeCounts() {
	clear(i.profile)
}
