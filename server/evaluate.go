package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/pikevm/vm"
	"github.com/chazu/pikevm/vm/image"
)

const (
	// maxResultDepth bounds the nesting converted into the structured result.
	maxResultDepth = 32

	// maxExactInt is the largest magnitude a float64 holds without rounding.
	// Larger integers are reported as decimal strings.
	maxExactInt = 1 << 53
)

// Evaluate decodes the program image in req, clones its main program, calls
// the entry function and reports the outcome:
//
//	success   bool
//	result    string  the result in language notation
//	value     any     the result as structured data
//	error     string  message of an uncaught error
//	backtrace list    "file:line: function()" entries, outermost first
//	fatal     bool    the interpreter hit a broken invariant and was reset
//
// Language errors and fatal errors are reported in the response; only a
// malformed image or a transport problem is returned as an error.
func (s *Server) Evaluate(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if len(req.GetValue()) == 0 {
		return nil, invalidImage(errors.New("empty request"))
	}

	result, err := s.worker.Do(ctx, func(i *vm.Interpreter) any {
		return s.evaluate(ctx, i, req.GetValue())
	})
	var fe *vm.FatalError
	switch {
	case errors.As(err, &fe):
		return report(map[string]any{"success": false, "fatal": true, "error": fe.Message})
	case err != nil:
		return nil, err
	}
	switch r := result.(type) {
	case error:
		return nil, r
	case map[string]any:
		return report(r)
	}
	return nil, fmt.Errorf("unexpected evaluation result %T", result)
}

// evaluate runs on the worker goroutine.
func (s *Server) evaluate(ctx context.Context, i *vm.Interpreter, data []byte) any {
	prog, err := image.Decode(data, i.Interner())
	if err != nil {
		return invalidImage(err)
	}

	var obj *vm.Object
	if thrown, ok := i.Catch(func() { obj = i.Clone(prog, 0) }); ok {
		defer thrown.Free()
		return failure(vm.NewThrownError(thrown))
	}

	v, err := i.Call(obj, s.entry, s.args...)
	s.recordProfile(ctx, i)
	s.discard(i, obj)

	var te *vm.ThrownError
	switch {
	case errors.As(err, &te):
		s.log.Infof("uncaught error: %s", te.Message)
		return failure(te)
	case err != nil:
		return failure(&vm.ThrownError{Message: err.Error()})
	}
	defer v.Free()
	return map[string]any{
		"success": true,
		"result":  vm.Describe(v),
		"value":   toStructValue(v, 0),
	}
}

// discard destructs obj and drops the request's reference to it.
func (s *Server) discard(i *vm.Interpreter, obj *vm.Object) {
	if thrown, ok := i.Catch(func() { i.Destruct(obj) }); ok {
		s.log.Warningf("destroy failed: %s", vm.NewThrownError(thrown).Message)
		thrown.Free()
	}
	vm.ObjectValue(obj).Free()
}

func (s *Server) recordProfile(ctx context.Context, i *vm.Interpreter) {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordInterpreter(context.WithoutCancel(ctx), s.entry, i); err != nil {
		s.log.Errorf("recording profile: %v", err)
	}
}

func failure(te *vm.ThrownError) map[string]any {
	trace := make([]any, len(te.Backtrace))
	for k, t := range te.Backtrace {
		trace[k] = t.String()
	}
	return map[string]any{
		"success":   false,
		"error":     te.Message,
		"backtrace": trace,
	}
}

func report(fields map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("building response: %w", err)
	}
	return st, nil
}

// toStructValue converts v into plain Go data accepted by structpb:
// numbers, strings, lists and string-keyed maps. Anything else, integers
// beyond float64 precision, and
// anything nested deeper than maxResultDepth, is rendered with Describe.
func toStructValue(v vm.Value, depth int) any {
	if depth > maxResultDepth {
		return vm.Describe(v)
	}
	switch v.Kind() {
	case vm.KindInt:
		if n := v.Int(); n >= -maxExactInt && n <= maxExactInt {
			return float64(n)
		}
		return vm.Describe(v)
	case vm.KindFloat:
		return v.Float()
	case vm.KindString:
		return v.Str()
	case vm.KindArray:
		items := v.Array().Items
		out := make([]any, len(items))
		for k, e := range items {
			out[k] = toStructValue(e, depth+1)
		}
		return out
	case vm.KindMultiset:
		items := v.Multiset().Items()
		out := make([]any, len(items))
		for k, e := range items {
			out[k] = toStructValue(e, depth+1)
		}
		return out
	case vm.KindMapping:
		m := v.Mapping()
		out := make(map[string]any, m.Len())
		for k, key := range m.Keys() {
			if key.Kind() != vm.KindString {
				return vm.Describe(v)
			}
			out[key.Str()] = toStructValue(m.Values()[k], depth+1)
		}
		return out
	}
	return vm.Describe(v)
}
