// Package manifest handles pikevm.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/pikevm/vm"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "pikevm.toml"

// Manifest represents a pikevm.toml configuration.
type Manifest struct {
	Runtime Runtime       `toml:"runtime"`
	Program ProgramConfig `toml:"program"`
	Server  Server        `toml:"server"`

	// Dir is the directory containing the pikevm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime configures the interpreter.
type Runtime struct {
	StackSize      int    `toml:"stack-size"`
	MaxDepth       int    `toml:"max-depth"`
	InterruptShift int    `toml:"interrupt-shift"`
	Debug          int    `toml:"debug"`
	Trace          int    `toml:"trace"`
	Backlog        bool   `toml:"backlog"`
	Profile        string `toml:"profile"` // sqlite database for opcode counts
}

// ProgramConfig names the image to run.
type ProgramConfig struct {
	Image string  `toml:"image"`
	Entry string  `toml:"entry"`
	Args  []int64 `toml:"args"`
}

// Server configures the evaluation service.
type Server struct {
	Addr     string `toml:"addr"`
	GRPCAddr string `toml:"grpc-addr"`
}

// Default returns the configuration used when no manifest exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Runtime.StackSize == 0 {
		m.Runtime.StackSize = vm.DefaultStackSize
	}
	if m.Runtime.MaxDepth == 0 {
		m.Runtime.MaxDepth = vm.DefaultMaxDepth
	}
	if m.Runtime.InterruptShift == 0 {
		m.Runtime.InterruptShift = vm.DefaultInterruptShift
	}
	if m.Program.Entry == "" {
		m.Program.Entry = "main"
	}
	if m.Server.Addr == "" {
		m.Server.Addr = ":8080"
	}
}

// Load parses and validates the pikevm.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates manifest text. Dir is left empty.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a pikevm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ImagePath returns the program image path, resolved against Dir.
func (m *Manifest) ImagePath() string {
	return m.resolve(m.Program.Image)
}

// ProfilePath returns the profile database path resolved against Dir, or ""
// when profiling is off.
func (m *Manifest) ProfilePath() string {
	return m.resolve(m.Runtime.Profile)
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// EntryArgs returns the configured entry arguments as values.
func (m *Manifest) EntryArgs() []vm.Value {
	args := make([]vm.Value, len(m.Program.Args))
	for k, n := range m.Program.Args {
		args[k] = vm.Int(n)
	}
	return args
}

// Options converts the runtime section to interpreter options. The backlog
// needs debug mode, so asking for it raises Debug to at least 1.
func (m *Manifest) Options() []vm.Option {
	debug := m.Runtime.Debug
	if m.Runtime.Backlog && debug == 0 {
		debug = 1
	}
	return []vm.Option{
		vm.WithStackSize(m.Runtime.StackSize),
		vm.WithMaxDepth(m.Runtime.MaxDepth),
		vm.WithInterruptShift(uint(m.Runtime.InterruptShift)),
		vm.WithDebug(debug),
		vm.WithTrace(m.Runtime.Trace),
		vm.WithProfile(m.Runtime.Profile != ""),
	}
}
