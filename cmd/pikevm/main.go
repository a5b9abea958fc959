// pikevm runs compiled program images: it loads pikevm.toml, clones the
// image's main program and calls its entry function, or serves evaluation
// requests over Connect and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/pikevm/manifest"
	"github.com/chazu/pikevm/profile"
	"github.com/chazu/pikevm/server"
	"github.com/chazu/pikevm/vm"
	"github.com/chazu/pikevm/vm/image"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1 // uncaught language error or bad input
	exitFatal = 2 // broken interpreter invariant
)

var log = commonlog.GetLogger("pikevm.cmd")

func main() {
	configDir := flag.String("c", ".", "Directory to search (upwards) for pikevm.toml")
	imagePath := flag.String("image", "", "Program image to run (overrides [program] image)")
	entry := flag.String("entry", "", "Entry function (overrides [program] entry)")
	serve := flag.Bool("serve", false, "Serve evaluation requests instead of running the image")
	port := flag.Int("port", 0, "Connect HTTP port (overrides [server] addr)")
	grpcPort := flag.Int("grpc-port", 0, "gRPC port (overrides [server] grpc-addr)")
	trace := flag.Int("trace", 0, "Trace level 0-4 (overrides [runtime] trace)")
	debug := flag.Int("debug", 0, "Debug level (overrides [runtime] debug)")
	profilePath := flag.String("profile", "", "SQLite database for opcode counts (overrides [runtime] profile)")
	disasm := flag.Bool("disasm", false, "Print the disassembled image and exit")
	top := flag.Int("top", 0, "Print the N most executed instructions from the profile database and exit")
	verbose := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pikevm [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled program image.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pikevm -image main.img             # run main() from main.img\n")
		fmt.Fprintf(os.Stderr, "  pikevm -image main.img -disasm     # print the bytecode\n")
		fmt.Fprintf(os.Stderr, "  pikevm -serve -port 8080           # serve Connect on :8080\n")
		fmt.Fprintf(os.Stderr, "  pikevm -profile p.db -top 10       # show the hottest instructions\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	if m == nil {
		m = manifest.Default()
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "image":
			m.Program.Image = absPath(*imagePath)
		case "entry":
			m.Program.Entry = *entry
		case "port":
			m.Server.Addr = fmt.Sprintf(":%d", *port)
		case "grpc-port":
			m.Server.GRPCAddr = fmt.Sprintf(":%d", *grpcPort)
		case "trace":
			m.Runtime.Trace = *trace
		case "debug":
			m.Runtime.Debug = *debug
		case "profile":
			m.Runtime.Profile = absPath(*profilePath)
		}
	})

	switch {
	case *top > 0:
		os.Exit(printTop(os.Stdout, m, *top))
	case *disasm:
		os.Exit(disassemble(os.Stdout, m))
	case *serve:
		os.Exit(runServer(m))
	default:
		os.Exit(run(os.Stdout, os.Stderr, m))
	}
}

// absPath resolves a command-line path against the working directory so it is
// not reinterpreted relative to a manifest found further up.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// ---------------------------------------------------------------------------
// Running an image
// ---------------------------------------------------------------------------

// run clones the image's main program and calls its entry function through
// the safe-invoke path. Uncaught errors are printed with their backtrace.
func run(stdout, stderr io.Writer, m *manifest.Manifest) (code int) {
	if m.ImagePath() == "" {
		fmt.Fprintln(stderr, "Error: no program image (set [program] image or -image)")
		return exitError
	}

	failed := false
	opts := append(m.Options(), vm.WithErrorHandler(vm.ErrorHandlerFunc(func(_ *vm.Interpreter, err *vm.ThrownError) {
		failed = true
		fmt.Fprintf(stderr, "Error: %s\n", err.Error())
	})))
	i := vm.NewInterpreter(opts...)

	prog, err := image.ReadFile(m.ImagePath(), i.Interner())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	store, err := openProfile(m)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if store != nil {
		defer store.Close()
	}

	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*vm.FatalError)
			if !ok {
				panic(r)
			}
			fmt.Fprintf(stderr, "%s\n", fe.Error())
			for _, line := range fe.Backlog {
				fmt.Fprintf(stderr, "  %s\n", line)
			}
			code = exitFatal
		}
	}()

	var obj *vm.Object
	if thrown, ok := i.Catch(func() { obj = i.Clone(prog, 0) }); ok {
		fmt.Fprintf(stderr, "Error: %s\n", vm.NewThrownError(thrown).Error())
		thrown.Free()
		return exitError
	}

	args := m.EntryArgs()
	for _, a := range args {
		i.Push(a)
	}
	log.Debugf("calling %s with %d arguments", m.Program.Entry, len(args))
	i.SafeApply(obj, m.Program.Entry, len(args))
	result := i.Pop()
	defer result.Free()

	if store != nil {
		if _, err := store.RecordInterpreter(context.Background(), m.Program.Entry, i); err != nil {
			log.Errorf("recording profile: %v", err)
		}
	}
	if failed {
		return exitError
	}
	fmt.Fprintln(stdout, vm.Describe(result))
	return exitOK
}

func openProfile(m *manifest.Manifest) (*profile.Store, error) {
	if m.ProfilePath() == "" {
		return nil, nil
	}
	return profile.Open(m.ProfilePath())
}

// disassemble prints every program of the image, dependencies first.
func disassemble(w io.Writer, m *manifest.Manifest) int {
	data, err := os.ReadFile(m.ImagePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	img, err := image.Unmarshal(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	progs, err := img.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	for _, p := range progs {
		fmt.Fprintf(w, "; %s\n%s\n", p.Filename, vm.Disassemble(p))
	}
	return exitOK
}

// printTop prints the hottest instructions recorded in the profile database.
func printTop(w io.Writer, m *manifest.Manifest, n int) int {
	store, err := openProfile(m)
	if err != nil || store == nil {
		fmt.Fprintf(os.Stderr, "Error: no profile database (%v)\n", err)
		return exitError
	}
	defer store.Close()

	counts, err := store.Top(context.Background(), n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	for _, c := range counts {
		fmt.Fprintf(w, "%12d  %s\n", c.Count, c.Name)
	}
	return exitOK
}

// ---------------------------------------------------------------------------
// Serving
// ---------------------------------------------------------------------------

func runServer(m *manifest.Manifest) int {
	store, err := openProfile(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	opts := []server.Option{server.WithEntry(m.Program.Entry, m.EntryArgs()...)}
	if store != nil {
		defer store.Close()
		opts = append(opts, server.WithProfileStore(store))
	}

	srv := server.New(vm.NewInterpreter(m.Options()...), opts...)
	defer srv.Stop()

	if m.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", m.Server.GRPCAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitError
		}
		go func() {
			if err := srv.ServeGRPC(lis); err != nil {
				log.Errorf("gRPC server: %v", err)
			}
		}()
	}

	if err := srv.ListenAndServe(m.Server.Addr); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return exitError
	}
	return exitOK
}
