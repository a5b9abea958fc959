package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Fatal errors
// ---------------------------------------------------------------------------

// FatalError reports a broken interpreter invariant: stack corruption, a
// malformed instruction stream, unbalanced recovery points. It travels as a
// panic and no catch region intercepts it.
type FatalError struct {
	Message string
	Backlog []string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Message
}

// Fatal panics with a *FatalError.
func Fatal(format string, args ...any) {
	panic(&FatalError{Message: fmt.Sprintf(format, args...)})
}

// fatal is Fatal with the instruction backlog attached.
func (i *Interpreter) fatal(format string, args ...any) {
	e := &FatalError{Message: fmt.Sprintf(format, args...)}
	if i.backlog != nil {
		e.Backlog = i.DumpBacklog()
	}
	i.log.Criticalf("%s", e.Message)
	panic(e)
}

// ---------------------------------------------------------------------------
// Language-level errors
// ---------------------------------------------------------------------------

// TraceEntry is one frame of a backtrace.
type TraceEntry struct {
	File     string
	Line     int
	Function string
}

func (t TraceEntry) String() string {
	return fmt.Sprintf("%s:%d: %s()", t.File, t.Line, t.Function)
}

// ThrownError is an uncaught language-level error handed to Go code.
type ThrownError struct {
	Value     Value
	Message   string
	Backtrace []TraceEntry
}

func (e *ThrownError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, t := range e.Backtrace {
		sb.WriteString("\n  ")
		sb.WriteString(t.String())
	}
	return sb.String()
}

// NewThrownError interprets a thrown value. Values built by Error carry
// ({ message, backtrace }); anything else is described as is. It copies v.
func NewThrownError(v Value) *ThrownError {
	e := &ThrownError{Value: v.Copy()}
	a := v.Array()
	if v.kind != KindArray || a.Len() < 1 || a.Items[0].kind != KindString {
		e.Message = "Throw: " + Describe(v)
		return e
	}
	e.Message = a.Items[0].Str()
	if a.Len() > 1 && a.Items[1].kind == KindArray {
		for _, fr := range a.Items[1].Array().Items {
			f := fr.Array()
			if fr.kind != KindArray || f.Len() < 3 {
				continue
			}
			e.Backtrace = append(e.Backtrace, TraceEntry{
				File:     f.Items[0].Str(),
				Line:     int(f.Items[1].Int()),
				Function: f.Items[2].Str(),
			})
		}
	}
	return e
}

// Error raises a language-level error with a formatted message. The thrown
// value is ({ message, backtrace }). It does not return.
func (i *Interpreter) Error(format string, args ...any) {
	msg := Str(fmt.Sprintf(format, args...))
	i.ThrowValue(ArrayValue(NewArray(msg, ArrayValue(i.backtraceArray()))))
}

// backtraceArray renders the frame chain, outermost first, as an array of
// ({ file, line, function }) entries.
func (i *Interpreter) backtraceArray() *Array {
	trace := i.Backtrace()
	items := make([]Value, len(trace))
	for k, t := range trace {
		items[k] = ArrayValue(NewArray(Str(t.File), Int(int64(t.Line)), Str(t.Function)))
	}
	return NewArray(items...)
}

// Backtrace walks the frame chain, outermost first.
func (i *Interpreter) Backtrace() []TraceEntry {
	var trace []TraceEntry
	for fp := i.fp; fp >= 0; fp = i.frames[fp].Parent {
		trace = append(trace, i.frames[fp].traceEntry())
	}
	for l, r := 0, len(trace)-1; l < r; l, r = l+1, r-1 {
		trace[l], trace[r] = trace[r], trace[l]
	}
	return trace
}
