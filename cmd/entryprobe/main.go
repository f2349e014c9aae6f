// Command entryprobe inspects a runtime-entry descriptor table: it
// validates the table, resolves entry points through the simulator, shows
// the call sequences the code generator would emit, and can execute those
// sequences under the instruction-set simulator with demo host
// implementations.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/embervm/ember/internal/asm"
	"github.com/embervm/ember/internal/asm/riscv"
	"github.com/embervm/ember/internal/vm/arch"
	"github.com/embervm/ember/internal/vm/entry"
	"github.com/embervm/ember/internal/vm/sim"
	"github.com/embervm/ember/internal/vm/thread"
)

const (
	codeAddr   = sim.RAMBase + 0x1000
	threadAddr = sim.RAMBase + 0x10000
	stackTop   = sim.RAMBase + 0x80000
	maxSteps   = 10000
)

type tableConfig struct {
	Entries []entryConfig `yaml:"entries"`
}

type entryConfig struct {
	Name string `yaml:"name"`
	// Kind is one of runtime, leaf, leaf-float.
	Kind string `yaml:"kind"`
	Args int    `yaml:"args"`
	// Either a raw address or a library/symbol pair resolved via dlopen.
	Address uint64 `yaml:"address,omitempty"`
	Library string `yaml:"library,omitempty"`
	Symbol  string `yaml:"symbol,omitempty"`
}

func (c entryConfig) build() (entry.Entry, error) {
	fn := c.Address
	if c.Symbol != "" {
		addr, err := entry.ResolveNativeSymbol(c.Library, c.Symbol)
		if err != nil {
			return entry.Entry{}, err
		}
		fn = addr
	}
	if fn == 0 {
		return entry.Entry{}, fmt.Errorf("entry %q needs an address or a symbol", c.Name)
	}
	if c.Args < 0 {
		return entry.Entry{}, fmt.Errorf("entry %q has a negative argument count", c.Name)
	}

	switch c.Kind {
	case "runtime":
		return entry.Runtime(c.Name, fn, c.Args), nil
	case "leaf":
		if c.Args > entry.MaxLeafArguments {
			return entry.Entry{}, fmt.Errorf("entry %q: leaf entries take at most %d arguments",
				c.Name, entry.MaxLeafArguments)
		}
		return entry.Leaf(c.Name, fn, c.Args), nil
	case "leaf-float":
		if c.Args > entry.MaxLeafFloatArguments {
			return entry.Entry{}, fmt.Errorf("entry %q: leaf float entries take at most %d arguments",
				c.Name, entry.MaxLeafFloatArguments)
		}
		return entry.LeafFloat(c.Name, fn, c.Args), nil
	default:
		return entry.Entry{}, fmt.Errorf("entry %q has unknown kind %q", c.Name, c.Kind)
	}
}

func loadTable(path string) (*entry.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table definition: %w", err)
	}
	var cfg tableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse table definition: %w", err)
	}
	if len(cfg.Entries) == 0 {
		return nil, fmt.Errorf("table definition %q has no entries", path)
	}

	entries := make([]entry.Entry, 0, len(cfg.Entries))
	for _, c := range cfg.Entries {
		e, err := c.build()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entry.NewTable(entries...), nil
}

func builtinTable() *entry.Table {
	cfg := []entryConfig{
		{Name: "Alloc", Kind: "runtime", Args: 2, Address: 0x7000},
		{Name: "Increment", Kind: "leaf", Args: 1, Address: 0x7100},
		{Name: "Sine", Kind: "leaf-float", Args: 1, Address: 0x7200},
	}
	entries := make([]entry.Entry, 0, len(cfg))
	for _, c := range cfg {
		e, err := c.build()
		if err != nil {
			panic(err)
		}
		entries = append(entries, e)
	}
	return entry.NewTable(entries...)
}

type resolvedEntry struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Args       int    `yaml:"args"`
	Function   string `yaml:"function"`
	EntryPoint string `yaml:"entry_point"`
}

func dumpTable(table *entry.Table, resolver *entry.Resolver) error {
	out := make([]resolvedEntry, 0, table.Len())
	for _, e := range table.Entries() {
		out = append(out, resolvedEntry{
			Name:       e.Name(),
			Kind:       e.CallKind().String(),
			Args:       e.ArgumentCount(),
			Function:   fmt.Sprintf("%#x", e.Fn()),
			EntryPoint: fmt.Sprintf("%#x", resolver.Resolve(e)),
		})
	}
	data, err := yaml.Marshal(map[string]any{"entries": out})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func showCallSite(e *entry.Entry) error {
	frag := entry.CallRuntime(e, e.ArgumentCount())
	prog, err := riscv.EmitProgram(frag)
	if err != nil {
		return fmt.Errorf("emit call to %q: %w", e.Name(), err)
	}
	fmt.Printf("%s (%s, %d args):\n", e.Name(), e.CallKind(), e.ArgumentCount())
	for i, word := range prog.Words() {
		fmt.Printf("  +%02x: %08x\n", i*4, word)
	}
	return nil
}

// registerDemoHooks installs host implementations: leaf integer entries sum
// their arguments, leaf float entries take a sine, and non-leaf entries sum
// the stack arguments into the result slot.
func registerDemoHooks(s *sim.Simulator, table *entry.Table) {
	for _, e := range table.Entries() {
		switch e.CallKind() {
		case entry.LeafRuntimeCall:
			s.OnLeafCall(e.Fn(), func(args []uint64) uint64 {
				var sum uint64
				for _, a := range args {
					sum += a
				}
				return sum + 1
			})
		case entry.LeafFloatRuntimeCall:
			s.OnLeafFloatCall(e.Fn(), func(args []float64) float64 {
				if len(args) == 0 {
					return 0
				}
				return math.Sin(args[0])
			})
		case entry.RuntimeCall:
			s.OnRuntimeCall(e.Fn(), func(call *sim.Call) error {
				var sum uint64
				for i := 0; i < call.ArgCount(); i++ {
					v, err := call.Arg(i)
					if err != nil {
						return err
					}
					sum += v
				}
				return call.SetResult(sum)
			})
		}
	}
}

func runCallSite(s *sim.Simulator, e *entry.Entry) error {
	frag := asm.Group{
		entry.CallRuntime(e, e.ArgumentCount()),
		riscv.Ebreak(),
	}
	prog, err := riscv.EmitProgram(frag)
	if err != nil {
		return err
	}
	if err := s.LoadProgram(prog, codeAddr); err != nil {
		return err
	}

	s.SetRegister(riscv.SP, stackTop)
	s.SetRegister(arch.THR, threadAddr)
	for i := 0; i < e.ArgumentCount() && i < 4; i++ {
		seed := uint64(10 * (i + 1))
		s.SetRegister(riscv.A0+asm.Variable(i), seed)
		if err := s.WriteUint64(stackTop+uint64(8*i), seed); err != nil {
			return err
		}
	}
	for i := 0; i < e.ArgumentCount() && i < 2; i++ {
		s.SetFloatRegister(10+i, 0.5)
	}

	if err := s.Run(codeAddr, maxSteps); err != nil {
		return err
	}

	switch e.CallKind() {
	case entry.LeafFloatRuntimeCall:
		slog.Info("executed", "entry", e.Name(), "fa0", s.FloatRegister(10))
	case entry.LeafRuntimeCall:
		slog.Info("executed", "entry", e.Name(), "a0", s.Register(riscv.A0))
	case entry.RuntimeCall:
		result, err := s.ReadUint64(stackTop + uint64(8*e.ArgumentCount()))
		if err != nil {
			return err
		}
		slog.Info("executed", "entry", e.Name(), "result", result)
	}
	return nil
}

func run() error {
	tablePath := flag.String("table", "", "YAML descriptor table definition (builtin demo table if empty)")
	memSize := flag.Uint64("mem", 16, "guest memory size in MiB")
	execute := flag.Bool("run", false, "execute each call site under the simulator")
	dump := flag.Bool("dump", false, "dump the resolved table as YAML")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var (
		table *entry.Table
		err   error
	)
	if *tablePath != "" {
		table, err = loadTable(*tablePath)
		if err != nil {
			return err
		}
	} else {
		table = builtinTable()
	}

	s, err := sim.New(*memSize << 20)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Error("close simulator", "error", err)
		}
	}()
	if *verbose {
		s.SetTrace(slog.Default())
	}

	resolver := entry.NewResolver(s)

	if *dump {
		return dumpTable(table, resolver)
	}

	for _, e := range table.Entries() {
		if err := showCallSite(e); err != nil {
			return err
		}
	}

	if *execute {
		block := thread.NewBlock(table.EntryPoints(resolver), s.StubHandle())
		if err := s.WriteBytes(threadAddr, block.Bytes()); err != nil {
			return err
		}
		registerDemoHooks(s, table)
		for _, e := range table.Entries() {
			if err := runCallSite(s, e); err != nil {
				return fmt.Errorf("run %q: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("entryprobe failed", "error", err)
		os.Exit(1)
	}
}
