package vm

// ---------------------------------------------------------------------------
// Recovery chain
// ---------------------------------------------------------------------------

// RecoveryPoint is the resumption state of one protected region: the stack,
// mark and frame cursors to restore and the cleanup list head that was live
// when the region was entered.
type RecoveryPoint struct {
	prev    *RecoveryPoint
	sp      int
	msp     int
	fp      int
	onError *Cleanup
}

// Cleanup is a scoped cleanup entry. Entries run in reverse registration
// order when a throw unwinds past the scope that registered them.
type Cleanup struct {
	prev *Cleanup
	fn   func()
}

// unwind is the panic payload of a language-level throw. Only the recovery
// point it names may intercept it.
type unwind struct {
	target *RecoveryPoint
}

// InitRecovery pushes a recovery point that restores the stack to depth
// base.
func (i *Interpreter) InitRecovery(base int) *RecoveryPoint {
	rp := &RecoveryPoint{
		prev:    i.recoveries,
		sp:      base,
		msp:     i.msp,
		fp:      i.fp,
		onError: i.onError,
	}
	i.recoveries = rp
	return rp
}

// UnsetRecovery pops rp, which must be the innermost recovery point.
func (i *Interpreter) UnsetRecovery(rp *RecoveryPoint) {
	if i.recoveries != rp {
		i.fatal("Recovery points released out of order.")
	}
	i.recoveries = rp.prev
}

// RecoveryDepth returns the number of live recovery points.
func (i *Interpreter) RecoveryDepth() int {
	n := 0
	for rp := i.recoveries; rp != nil; rp = rp.prev {
		n++
	}
	return n
}

// catchFrom runs body under a new recovery point restoring the stack to
// depth base. It reports whether a throw was intercepted; the thrown value
// is then left in i.throwValue.
func (i *Interpreter) catchFrom(base int, body func()) (caught bool) {
	rp := i.InitRecovery(base)
	defer func() {
		if r := recover(); r != nil {
			u, ok := r.(*unwind)
			if !ok || u.target != rp {
				panic(r)
			}
			i.recoveries = rp.prev
			caught = true
		}
	}()
	body()
	i.UnsetRecovery(rp)
	return false
}

// Catch runs body as a protected region. When a throw unwinds into it, the
// thrown value is handed to the caller with ok set. The stack is restored to
// its depth at entry.
func (i *Interpreter) Catch(body func()) (thrown Value, ok bool) {
	if i.catchFrom(i.sp, body) {
		return i.takeThrowValue(), true
	}
	return Value{}, false
}

// takeThrowValue moves the pending thrown value out of the interpreter.
func (i *Interpreter) takeThrowValue() Value {
	v := i.throwValue
	i.throwValue = Value{}
	return v
}

// ThrowValue takes over v and throws it.
func (i *Interpreter) ThrowValue(v Value) {
	i.throwValue.Free()
	i.throwValue = v
	i.Throw()
}

// Throw unwinds to the innermost recovery point with the pending thrown
// value. Frames and values above the point are released and cleanups
// registered since are run, newest first. Throwing with no recovery point is
// fatal.
func (i *Interpreter) Throw() {
	rp := i.recoveries
	if rp == nil {
		i.fatal("No error recovery context.")
	}
	for i.fp > rp.fp {
		i.popFrame()
	}
	if i.sp < rp.sp {
		i.fatal("Stack error in error recovery.")
	}
	i.PopN(i.sp - rp.sp)
	i.msp = rp.msp
	for i.onError != rp.onError {
		if i.onError == nil {
			i.fatal("Cleanup list out of sync in error recovery.")
		}
		c := i.onError
		i.onError = c.prev
		c.fn()
	}
	panic(&unwind{target: rp})
}

// ---------------------------------------------------------------------------
// Scoped cleanup
// ---------------------------------------------------------------------------

// SetOnError registers fn to run if a throw unwinds past the current scope.
func (i *Interpreter) SetOnError(fn func()) *Cleanup {
	c := &Cleanup{prev: i.onError, fn: fn}
	i.onError = c
	return c
}

// UnsetOnError drops c without running it. c must be the newest entry.
func (i *Interpreter) UnsetOnError(c *Cleanup) {
	if i.onError != c {
		i.fatal("Cleanups released out of order.")
	}
	i.onError = c.prev
}

// CallAndUnsetOnError drops c and runs it.
func (i *Interpreter) CallAndUnsetOnError(c *Cleanup) {
	i.UnsetOnError(c)
	c.fn()
}
