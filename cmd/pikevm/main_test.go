package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/pikevm/manifest"
	"github.com/chazu/pikevm/vm"
	"github.com/chazu/pikevm/vm/image"
)

// writeImage writes a program whose main is produced by body and returns a
// manifest pointing at it.
func writeImage(t *testing.T, body func(b *vm.BytecodeBuilder)) *manifest.Manifest {
	t.Helper()
	pb := vm.NewProgramBuilder("main.pike", nil)
	b := vm.NewBytecodeBuilder()
	body(b)
	pb.AddFunction("main", b.Function(0, 0, false))

	path := filepath.Join(t.TempDir(), "main.img")
	if err := image.WriteFile(path, pb.Program()); err != nil {
		t.Fatalf("image.WriteFile: %v", err)
	}
	m := manifest.Default()
	m.Program.Image = path
	m.Runtime.StackSize = 4096
	m.Runtime.MaxDepth = 64
	return m
}

func TestRun(t *testing.T) {
	m := writeImage(t, func(b *vm.BytecodeBuilder) {
		b.EmitInt(40)
		b.EmitInt(2)
		b.Emit(vm.OpAdd)
		b.Emit(vm.OpReturn)
	})

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr, m); code != exitOK {
		t.Fatalf("run = %d, want %d (stderr %q)", code, exitOK, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "42" {
		t.Errorf("stdout = %q, want 42", got)
	}
}

func TestRunUncaughtError(t *testing.T) {
	m := writeImage(t, func(b *vm.BytecodeBuilder) {
		b.Line(3)
		b.Emit(vm.OpConst1)
		b.Emit(vm.OpConst0)
		b.Emit(vm.OpDivide)
		b.Emit(vm.OpReturn)
	})

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr, m); code != exitError {
		t.Fatalf("run = %d, want %d", code, exitError)
	}
	if !strings.Contains(stderr.String(), "Division by zero.") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want nothing", stdout.String())
	}
}

func TestRunFatalError(t *testing.T) {
	m := writeImage(t, func(b *vm.BytecodeBuilder) {
		b.EmitArg(vm.OpPopNElems, 9)
		b.Emit(vm.OpReturn0)
	})
	m.Runtime.Backlog = true

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr, m); code != exitFatal {
		t.Fatalf("run = %d, want %d (stderr %q)", code, exitFatal, stderr.String())
	}
}

func TestRunMissingImage(t *testing.T) {
	m := manifest.Default()
	m.Program.Image = filepath.Join(t.TempDir(), "absent.img")

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr, m); code != exitError {
		t.Errorf("run = %d, want %d", code, exitError)
	}
}

func TestDisassemble(t *testing.T) {
	m := writeImage(t, func(b *vm.BytecodeBuilder) {
		b.Emit(vm.OpConst1)
		b.Emit(vm.OpReturn)
	})

	var out bytes.Buffer
	if code := disassemble(&out, m); code != exitOK {
		t.Fatalf("disassemble = %d", code)
	}
	if !strings.Contains(out.String(), "; main.pike") || !strings.Contains(out.String(), "main: locals=0 args=0") {
		t.Errorf("disassembly = %q", out.String())
	}
}

func TestPrintTop(t *testing.T) {
	m := writeImage(t, func(b *vm.BytecodeBuilder) {
		b.Emit(vm.OpConst1)
		b.Emit(vm.OpReturn)
	})
	m.Runtime.Profile = filepath.Join(t.TempDir(), "profile.db")

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr, m); code != exitOK {
		t.Fatalf("run = %d (stderr %q)", code, stderr.String())
	}
	var out bytes.Buffer
	if code := printTop(&out, m, 5); code != exitOK {
		t.Fatalf("printTop = %d", code)
	}
	if out.Len() == 0 {
		t.Error("printTop printed nothing")
	}
}
