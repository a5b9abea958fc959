package vm

import (
	"github.com/tliron/commonlog"
)

// Defaults for the fixed-size execution state.
const (
	DefaultStackSize      = 65536
	DefaultMaxDepth       = 2048
	DefaultInterruptShift = 10

	// stackHeadroom is the number of free slots the invocation protocol
	// demands before entering a callee.
	stackHeadroom = 256
)

// ---------------------------------------------------------------------------
// Frame: one active invocation
// ---------------------------------------------------------------------------

// Frame is the record of one active invocation. Frames live in a fixed
// arena owned by the interpreter; Parent is an index into that arena, -1 for
// the outermost frame.
type Frame struct {
	PC        int
	Parent    int
	Locals    int // stack index of the first local
	MarkBase  int // mark stack depth at entry, restored on return
	Object    *Object
	Context   Inherit
	Args      int
	Fun       int // reference index, -1 for frames without a function
	NumLocals int
	NumArgs   int
}

// Name returns the name of the function the frame is running.
func (f *Frame) Name() string {
	if f.Fun < 0 || f.Object == nil || f.Object.prog == nil {
		return "-"
	}
	id, _ := f.Object.prog.IdentifierAt(f.Fun)
	return id.Name
}

func (f *Frame) traceEntry() TraceEntry {
	p := f.Context.Prog
	return TraceEntry{File: p.Filename, Line: p.LineFor(f.PC), Function: f.Name()}
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter is one execution context: value stack, mark stack, frame
// arena, recovery chain and cleanup list. It is not safe for concurrent use;
// independent interpreters share nothing but referents handed between them.
type Interpreter struct {
	stack []Value
	sp    int
	marks []int
	msp   int

	frames []Frame
	fp     int

	recoveries *RecoveryPoint
	onError    *Cleanup
	throwValue Value

	callbacks []*Callback
	ticks     uint64
	tickMask  uint64

	strings Interner
	handler ErrorHandler
	master  *Object

	debug    int
	trace    int
	backlog  *backlog
	profile  []uint64
	log      commonlog.Logger
	traceLog commonlog.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithStackSize sets the capacity of the value and mark stacks.
func WithStackSize(n int) Option {
	return func(i *Interpreter) {
		i.stack = make([]Value, n)
		i.marks = make([]int, n)
	}
}

// WithMaxDepth sets the capacity of the frame arena.
func WithMaxDepth(n int) Option {
	return func(i *Interpreter) { i.frames = make([]Frame, n) }
}

// WithInterruptShift runs the interrupt callbacks every 1<<shift
// instructions.
func WithInterruptShift(shift uint) Option {
	return func(i *Interpreter) { i.tickMask = 1<<shift - 1 }
}

// WithDebug enables invariant checks and the instruction backlog. Level 10
// and above runs the interrupt callbacks on every instruction.
func WithDebug(level int) Option {
	return func(i *Interpreter) { i.debug = level }
}

// WithTrace sets the trace level. 1 traces calls, 2 adds value calls,
// 3 adds every instruction, 4 adds pushed values and operands.
func WithTrace(level int) Option {
	return func(i *Interpreter) { i.trace = level }
}

// WithProfile enables per-opcode execution counts.
func WithProfile(on bool) Option {
	return func(i *Interpreter) {
		if on {
			i.profile = make([]uint64, MaxOpcode+1)
		} else {
			i.profile = nil
		}
	}
}

// WithInterner sets the string interner used for program strings.
func WithInterner(in Interner) Option {
	return func(i *Interpreter) { i.strings = in }
}

// WithErrorHandler sets the handler for errors caught by the safe-invoke
// entry points.
func WithErrorHandler(h ErrorHandler) Option {
	return func(i *Interpreter) { i.handler = h }
}

// NewInterpreter creates an interpreter with empty stacks.
func NewInterpreter(opts ...Option) *Interpreter {
	i := &Interpreter{
		fp:       -1,
		log:      commonlog.GetLogger("pikevm.vm"),
		traceLog: commonlog.GetLogger("pikevm.trace"),
	}
	WithStackSize(DefaultStackSize)(i)
	WithMaxDepth(DefaultMaxDepth)(i)
	WithInterruptShift(DefaultInterruptShift)(i)
	for _, opt := range opts {
		opt(i)
	}
	if i.strings == nil {
		i.strings = NewStringTable()
	}
	if i.handler == nil {
		i.handler = LogErrorHandler{Log: i.log}
	}
	if i.debug > 0 {
		i.backlog = newBacklog()
	}
	return i
}

// Interner returns the interpreter's string interner.
func (i *Interpreter) Interner() Interner { return i.strings }

// SetMaster designates the object whose handle_error function receives
// errors caught by the safe-invoke entry points. nil restores the
// ErrorHandler.
func (i *Interpreter) SetMaster(o *Object) {
	if i.master != nil {
		release(i.master)
	}
	if o != nil {
		o.Retain()
	}
	i.master = o
}

// ---------------------------------------------------------------------------
// Value stack
// ---------------------------------------------------------------------------

// Depth returns the number of values on the stack.
func (i *Interpreter) Depth() int { return i.sp }

// StackSize returns the fixed stack capacity.
func (i *Interpreter) StackSize() int { return len(i.stack) }

// EnsureCapacity fails fatally unless n more values fit on the stack.
func (i *Interpreter) EnsureCapacity(n int) {
	if i.sp+n > len(i.stack) {
		i.fatal("Stack error (overflow).")
	}
}

// checkStack raises a recoverable error unless n more values fit.
func (i *Interpreter) checkStack(n int) {
	if i.sp+n >= len(i.stack) {
		i.Error("Stack overflow.")
	}
}

func (i *Interpreter) checkMarkStack(n int) {
	if i.msp+n >= len(i.marks) {
		i.Error("Mark stack overflow.")
	}
}

// Push takes over v and pushes it.
func (i *Interpreter) Push(v Value) {
	if i.sp >= len(i.stack) {
		i.fatal("Stack error (overflow).")
	}
	i.stack[i.sp] = v
	i.sp++
	if i.trace > 3 {
		i.traceLog.Debugf("-    value: %s", i.truncate(Describe(v)))
	}
}

// PushInt pushes an integer.
func (i *Interpreter) PushInt(n int64) { i.Push(Int(n)) }

// Pop removes the top value and hands its reference to the caller.
func (i *Interpreter) Pop() Value {
	if i.sp <= 0 {
		i.fatal("Popping out of stack.")
	}
	i.sp--
	v := i.stack[i.sp]
	i.stack[i.sp] = Value{}
	return v
}

// PopN frees the top n values.
func (i *Interpreter) PopN(n int) {
	if n < 0 {
		i.fatal("Popping negative number of args.")
	}
	if n > i.sp {
		i.fatal("Popping out of stack.")
	}
	i.sp -= n
	freeValues(i.stack[i.sp : i.sp+n])
}

// Top returns a borrowed view of the top value.
func (i *Interpreter) Top() Value {
	if i.sp <= 0 {
		i.fatal("Stack error (empty).")
	}
	return i.stack[i.sp-1]
}

// At returns the slot k positions below the top; At(1) is the top.
func (i *Interpreter) At(k int) *Value {
	if k <= 0 || k > i.sp {
		i.fatal("Stack error (bad index %d).", k)
	}
	return &i.stack[i.sp-k]
}

// Args returns a borrowed view of the top n values, bottom first.
func (i *Interpreter) Args(n int) []Value {
	return i.stack[i.sp-n : i.sp]
}

// ---------------------------------------------------------------------------
// Mark stack
// ---------------------------------------------------------------------------

// Mark records the current stack depth.
func (i *Interpreter) Mark() {
	if i.msp >= len(i.marks) {
		i.fatal("Mark stack overflow.")
	}
	i.marks[i.msp] = i.sp
	i.msp++
}

// popMark removes and returns the most recent mark.
func (i *Interpreter) popMark() int {
	if i.msp <= 0 {
		i.fatal("Mark stack underflow.")
	}
	i.msp--
	m := i.marks[i.msp]
	if m > i.sp {
		i.fatal("Mark above stack pointer.")
	}
	return m
}

// ArgsSinceMark pops the most recent mark and returns the number of values
// pushed since.
func (i *Interpreter) ArgsSinceMark() int {
	return i.sp - i.popMark()
}

// MarkDepth returns the number of marks.
func (i *Interpreter) MarkDepth() int { return i.msp }

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// FrameDepth returns the number of active frames.
func (i *Interpreter) FrameDepth() int { return i.fp + 1 }

// CurrentFrame returns the innermost frame or nil.
func (i *Interpreter) CurrentFrame() *Frame {
	if i.fp < 0 {
		return nil
	}
	return &i.frames[i.fp]
}

// pushFrame claims the next arena slot.
func (i *Interpreter) pushFrame(o *Object, ctx Inherit, fun, args int) *Frame {
	if i.fp+1 >= len(i.frames) {
		i.Error("Too deep recursion.")
	}
	parent := i.fp
	i.fp++
	f := &i.frames[i.fp]
	*f = Frame{
		Parent:   parent,
		Object:   o.Retain(),
		Context:  ctx,
		Locals:   i.sp - args,
		MarkBase: i.msp,
		Args:     args,
		Fun:      fun,
	}
	ctx.Prog.Retain()
	return f
}

// popFrame releases the innermost frame and drops marks it left behind.
func (i *Interpreter) popFrame() {
	f := &i.frames[i.fp]
	if i.msp > f.MarkBase {
		i.msp = f.MarkBase
	}
	release(f.Object)
	release(f.Context.Prog)
	parent := f.Parent
	*f = Frame{}
	i.fp = parent
}

func release(r referent) {
	h := r.header()
	h.refs--
	if h.refs == 0 {
		r.release()
	}
}

// Reset drops every frame, mark and value so the interpreter can serve the
// next unit of work. Pending recovery points and cleanups are discarded
// without running.
func (i *Interpreter) Reset() {
	i.recoveries = nil
	i.onError = nil
	for i.fp >= 0 {
		i.popFrame()
	}
	i.msp = 0
	i.PopN(i.sp)
	i.throwValue.Free()
	i.throwValue = Value{}
}
