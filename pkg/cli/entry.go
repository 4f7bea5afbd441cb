// Package cli implements the mondot command modes: build a source file to
// bytecode, run a compiled file, or compile-and-execute in memory.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"

	"github.com/soloverdrive/mondot/internal/builtins"
	"github.com/soloverdrive/mondot/internal/bytecode"
	"github.com/soloverdrive/mondot/internal/compiler"
	"github.com/soloverdrive/mondot/internal/config"
	"github.com/soloverdrive/mondot/internal/source"
	"github.com/soloverdrive/mondot/internal/vm"
	"github.com/soloverdrive/mondot/internal/value"
)

var log = commonlog.GetLogger("mondot.cli")

// Options are the parsed command-line settings.
type Options struct {
	// ConfigPath overrides the mondot.yaml location; empty means next to
	// the input file.
	ConfigPath string

	// Dump prints the textual bytecode dump instead of executing.
	Dump bool

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

func (o *Options) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// Usage returns the help text.
func Usage() string {
	return `MonDot Compiler & VM
Usage:
  mondot build <file.mon> -o <output.mdotc>
  mondot run <file.mdotc>
  mondot <file.mon>              (compiles and runs in memory)
Flags:
  --dump      print the textual bytecode dump instead of executing
  --config    explicit mondot.yaml path
  -v          debug logging
`
}

func (o *Options) loadConfig(inputPath string) (*config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = filepath.Join(filepath.Dir(inputPath), "mondot.yaml")
	}
	return config.Load(path)
}

func colorMode(cfg *config.Config) source.ColorMode {
	switch cfg.Color {
	case "always":
		return source.ColorAlways
	case "never":
		return source.ColorNever
	}
	return source.ColorAuto
}

// compile reads, compiles and optionally optimizes a source file.
func (o *Options) compile(inputPath string, cfg *config.Config) (*compiler.Compiler, *source.Manager, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", inputPath, err)
	}
	sm := source.NewManager(string(data), inputPath)
	sm.Out = o.Stderr
	sm.Color = colorMode(cfg)

	c := compiler.New(string(data), value.NewHeap())
	if err := c.CompileUnit(sm); err != nil {
		return nil, nil, err
	}
	if cfg.Optimizer.Enabled {
		c.Asm.Optimize(cfg.Optimizer.MaxRounds)
	}
	return c, sm, nil
}

// debugInfoFor collects the sidecar payload from a finished compilation.
func debugInfoFor(c *compiler.Compiler, sourcePath string) *bytecode.DebugInfo {
	info := &bytecode.DebugInfo{SourcePath: sourcePath}
	for _, fs := range c.Functions() {
		if fs.LabelID < 0 || fs.LabelID >= len(c.Asm.Labels) {
			continue
		}
		pc := c.Asm.Labels[fs.LabelID].TargetPC
		if pc < 0 {
			continue
		}
		info.Functions = append(info.Functions, bytecode.DebugFunc{
			Name:       fs.Name,
			EntryPC:    pc,
			ParamTypes: fs.ParamTypes,
			ReturnType: fs.ReturnType,
		})
	}
	for _, it := range c.Items() {
		di := bytecode.DebugItem{ID: it.ID, Name: it.Name, ParentID: it.ParentID}
		for _, f := range it.Fields {
			di.Fields = append(di.Fields, bytecode.DebugItemField{Name: f.Name, Kind: f.Kind})
		}
		info.Items = append(info.Items, di)
	}
	return info
}

// Build compiles inputPath and writes the bytecode container plus the debug
// sidecar.
func (o *Options) Build(inputPath, outputPath string) error {
	o.defaults()
	cfg, err := o.loadConfig(inputPath)
	if err != nil {
		return err
	}
	c, _, err := o.compile(inputPath, cfg)
	if err != nil {
		return err
	}
	if o.Dump {
		fmt.Fprint(o.Stdout, bytecode.Dump(c.Asm))
		return nil
	}
	if err := bytecode.SaveFile(outputPath, c.Asm); err != nil {
		return err
	}
	if err := bytecode.WriteDebugInfo(bytecode.SidecarPath(outputPath), debugInfoFor(c, inputPath)); err != nil {
		// The sidecar is advisory; a failed write is logged, not fatal.
		log.Warningf("debug info not written: %v", err)
	}
	fmt.Fprintf(o.Stdout, "Compiled successfully to %s\n", outputPath)
	return nil
}

// Run loads a compiled file and executes it.
func (o *Options) Run(inputPath string) error {
	o.defaults()
	cfg, err := o.loadConfig(inputPath)
	if err != nil {
		return err
	}
	asm := bytecode.New(value.NewHeap())
	if err := bytecode.LoadFile(inputPath, asm); err != nil {
		return err
	}
	if info, err := bytecode.ReadDebugInfo(bytecode.SidecarPath(inputPath)); err == nil {
		log.Debugf("debug info: %d functions from %s", len(info.Functions), info.SourcePath)
	}
	if o.Dump {
		fmt.Fprint(o.Stdout, bytecode.Dump(asm))
		return nil
	}
	machine := vm.New(asm, vm.WithStackSize(cfg.VM.StackSize))
	machine.Run()
	machine.Close()
	return nil
}

// Exec compiles a source file and executes it in memory.
func (o *Options) Exec(inputPath string) error {
	o.defaults()
	cfg, err := o.loadConfig(inputPath)
	if err != nil {
		return err
	}
	c, sm, err := o.compile(inputPath, cfg)
	if err != nil {
		return err
	}
	if o.Dump {
		fmt.Fprint(o.Stdout, bytecode.Dump(c.Asm))
		return nil
	}
	machine := vm.New(c.Asm, vm.WithStackSize(cfg.VM.StackSize), vm.WithSourceManager(sm))
	machine.Run()
	machine.Close()
	return nil
}

// Main parses the argument list and dispatches. It returns the process
// exit code: 0 on success, 1 on any compilation or I/O failure.
func Main(args []string, opts Options) int {
	opts.defaults()

	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dump":
			opts.Dump = true
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(opts.Stderr, "--config requires a path")
				return 1
			}
			i++
			opts.ConfigPath = args[i]
		case "-v":
			commonlog.Configure(1, nil)
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) == 0 {
		fmt.Fprint(opts.Stdout, Usage())
		return 0
	}

	builtins.RegisterStandard(opts.Stdout)

	var err error
	switch positional[0] {
	case "build":
		// build <source> -o <output>
		if len(positional) != 4 || positional[2] != "-o" {
			fmt.Fprint(opts.Stderr, Usage())
			return 1
		}
		err = opts.Build(positional[1], positional[3])
	case "run":
		if len(positional) != 2 {
			fmt.Fprint(opts.Stderr, Usage())
			return 1
		}
		err = opts.Run(positional[1])
	default:
		if len(positional) != 1 {
			fmt.Fprint(opts.Stderr, Usage())
			return 1
		}
		err = opts.Exec(positional[0])
	}
	if err != nil {
		fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
