package server

import (
	"context"
	"errors"
	"testing"

	"github.com/chazu/pikevm/vm"
)

func TestWorkerDo(t *testing.T) {
	w := NewWorker(newTestInterpreter())
	defer w.Stop()

	got, err := w.Do(context.Background(), func(i *vm.Interpreter) any {
		return i.StackSize()
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if got.(int) != 4096 {
		t.Errorf("Do result = %v, want 4096", got)
	}
}

func TestWorkerRecoversPanics(t *testing.T) {
	w := NewWorker(newTestInterpreter())
	defer w.Stop()

	_, err := w.Do(context.Background(), func(i *vm.Interpreter) any {
		i.Push(vm.Int(1))
		panic("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("Do error = %v, want boom", err)
	}

	depth, err := w.Do(context.Background(), func(i *vm.Interpreter) any { return i.Depth() })
	if err != nil {
		t.Fatal(err)
	}
	if depth.(int) != 0 {
		t.Errorf("Depth() after panic = %v, want 0", depth)
	}
}

func TestWorkerFatalErrorResets(t *testing.T) {
	w := NewWorker(newTestInterpreter())
	defer w.Stop()

	_, err := w.Do(context.Background(), func(i *vm.Interpreter) any {
		i.Push(vm.Int(1))
		i.Mark()
		i.PopN(5)
		return nil
	})
	var fe *vm.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Do error = %v, want *vm.FatalError", err)
	}

	state, err := w.Do(context.Background(), func(i *vm.Interpreter) any {
		return [2]int{i.Depth(), i.MarkDepth()}
	})
	if err != nil {
		t.Fatal(err)
	}
	if state.([2]int) != [2]int{0, 0} {
		t.Errorf("depth, marks after reset = %v, want [0 0]", state)
	}
}

func TestWorkerCancelledBeforeStart(t *testing.T) {
	w := NewWorker(newTestInterpreter())
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := w.Do(ctx, func(i *vm.Interpreter) any {
		ran = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do error = %v, want context.Canceled", err)
	}
	if ran {
		t.Error("cancelled request should not run")
	}
}

func TestWorkerRemovesCancelCallback(t *testing.T) {
	w := NewWorker(newTestInterpreter())
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := w.Do(ctx, func(i *vm.Interpreter) any { return nil }); err != nil {
		t.Fatal(err)
	}
	cancel()

	// A later request must not see the finished request's cancellation.
	_, err := w.Do(context.Background(), func(i *vm.Interpreter) any {
		thrown, ok := i.Catch(func() {
			for range 64 {
				i.Push(vm.Int(0))
				i.PopN(1)
			}
		})
		if ok {
			thrown.Free()
			return errors.New("unexpected throw")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(newTestInterpreter())
	w.Stop()
	w.Stop()

	if _, err := w.Do(context.Background(), func(i *vm.Interpreter) any { return nil }); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Do after Stop = %v, want ErrWorkerStopped", err)
	}
}
