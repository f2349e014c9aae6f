// Package sim executes RV64 code on the host through an instruction
// interpreter. Its main job in the runtime is redirection: entry point
// resolution hands generated code a handle in a reserved address range, and
// when the interpreter's pc reaches that range the simulator marshals the
// call's arguments per its recorded call kind and invokes the registered
// host implementation.
package sim

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/embervm/ember/internal/asm"
	"github.com/embervm/ember/internal/asm/riscv"
	"github.com/embervm/ember/internal/vm/arch"
	"github.com/embervm/ember/internal/vm/entry"
)

const (
	// RAMBase is the guest physical address main memory is mapped at,
	// matching the load address used on hardware.
	RAMBase = 0x8000_0000

	// Redirection handles live below RAM in their own range so the
	// interpreter can recognize them by address alone.
	redirectBase   = 0x0100_0000
	redirectStride = 16

	// stubHandle stands in for the shared runtime-call stub.
	stubHandle = redirectBase - redirectStride
)

// LeafFunc is a host implementation of a leaf integer entry. Arguments
// arrive from A0..A3; the result is written back to A0.
type LeafFunc func(args []uint64) uint64

// LeafFloatFunc is a host implementation of a leaf float entry. Arguments
// arrive from FA0..FA1; the result is written back to FA0.
type LeafFloatFunc func(args []float64) float64

// RuntimeFunc is a host implementation of a non-leaf entry, standing in for
// the shared runtime-call stub and the native function behind it.
type RuntimeFunc func(call *Call) error

// Call gives a RuntimeFunc access to its arguments and machine state. Per
// the stub contract, SP addresses the argument array at dispatch time and
// the result slot follows the arguments.
type Call struct {
	s        *Simulator
	argCount int
}

// ArgCount returns the argument count the call site loaded into the stub
// argument-count register.
func (c *Call) ArgCount() int { return c.argCount }

// Arg reads argument i from the guest argument array.
func (c *Call) Arg(i int) (uint64, error) {
	if i < 0 || i >= c.argCount {
		return 0, fmt.Errorf("sim: argument index %d out of range (count %d)", i, c.argCount)
	}
	return c.s.ReadUint64(c.s.reg[riscv.SP] + uint64(8*i))
}

// SetResult writes the call's result into the slot after the arguments.
func (c *Call) SetResult(v uint64) error {
	return c.s.WriteUint64(c.s.reg[riscv.SP]+uint64(8*c.argCount), v)
}

// Machine exposes the simulator for implementations that need to inspect
// thread state.
func (c *Call) Machine() *Simulator { return c.s }

type redirectKey struct {
	fn       uint64
	kind     entry.CallKind
	argCount int
}

// Simulator interprets RV64 instructions against a private guest address
// space. It is single-threaded, like the hardware thread it stands in for.
type Simulator struct {
	mem   *memory
	reg   [32]uint64
	fpReg [32]uint64
	pc    uint64

	// Redirection handles are cached per (fn, kind, argCount) so resolving
	// the same descriptor repeatedly never grows the handle range.
	redirects map[redirectKey]uint64
	byHandle  map[uint64]redirectKey

	leafHooks      map[uint64]LeafFunc
	leafFloatHooks map[uint64]LeafFloatFunc
	runtimeHooks   map[uint64]RuntimeFunc

	trace *slog.Logger
}

var _ entry.Redirector = (*Simulator)(nil)

// New builds a simulator with the requested amount of guest RAM.
func New(memSize uint64) (*Simulator, error) {
	if memSize == 0 {
		return nil, fmt.Errorf("sim: memory size must be non-zero")
	}
	mem, err := allocMemory(memSize)
	if err != nil {
		return nil, err
	}
	return &Simulator{
		mem:            mem,
		redirects:      make(map[redirectKey]uint64),
		byHandle:       make(map[uint64]redirectKey),
		leafHooks:      make(map[uint64]LeafFunc),
		leafFloatHooks: make(map[uint64]LeafFloatFunc),
		runtimeHooks:   make(map[uint64]RuntimeFunc),
	}, nil
}

// Close releases guest memory.
func (s *Simulator) Close() error {
	return s.mem.Close()
}

// SetTrace enables per-dispatch trace logging.
func (s *Simulator) SetTrace(logger *slog.Logger) {
	s.trace = logger
}

// Redirect implements entry.Redirector. The returned handle is stable for a
// given (fn, kind, argCount) triple.
func (s *Simulator) Redirect(fn uint64, kind entry.CallKind, argCount int) uint64 {
	key := redirectKey{fn: fn, kind: kind, argCount: argCount}
	if handle, ok := s.redirects[key]; ok {
		return handle
	}
	handle := redirectBase + uint64(len(s.redirects))*redirectStride
	s.redirects[key] = handle
	s.byHandle[handle] = key
	return handle
}

// OnLeafCall registers the host implementation for a leaf integer entry.
func (s *Simulator) OnLeafCall(fn uint64, h LeafFunc) {
	s.leafHooks[fn] = h
}

// OnLeafFloatCall registers the host implementation for a leaf float entry.
func (s *Simulator) OnLeafFloatCall(fn uint64, h LeafFloatFunc) {
	s.leafFloatHooks[fn] = h
}

// OnRuntimeCall registers the host implementation for a non-leaf entry.
func (s *Simulator) OnRuntimeCall(fn uint64, h RuntimeFunc) {
	s.runtimeHooks[fn] = h
}

// Register reads an integer register.
func (s *Simulator) Register(reg asm.Variable) uint64 {
	return s.reg[reg]
}

// SetRegister writes an integer register. Writes to x0 are dropped.
func (s *Simulator) SetRegister(reg asm.Variable, v uint64) {
	if reg == riscv.ZERO {
		return
	}
	s.reg[reg] = v
}

// FloatRegister reads FP register idx (0 = fa0 is index 10, per the
// hardware numbering f0..f31).
func (s *Simulator) FloatRegister(idx int) float64 {
	return math.Float64frombits(s.fpReg[idx])
}

// SetFloatRegister writes FP register idx.
func (s *Simulator) SetFloatRegister(idx int, v float64) {
	s.fpReg[idx] = math.Float64bits(v)
}

func (s *Simulator) checkRange(addr uint64, size int) error {
	if addr < RAMBase {
		return fmt.Errorf("sim: address %#x outside guest RAM", addr)
	}
	off := addr - RAMBase
	if off >= uint64(len(s.mem.data)) || uint64(size) > uint64(len(s.mem.data))-off {
		return fmt.Errorf("sim: address %#x outside guest RAM", addr)
	}
	return nil
}

// WriteBytes copies data into guest memory at addr.
func (s *Simulator) WriteBytes(addr uint64, data []byte) error {
	if err := s.checkRange(addr, len(data)); err != nil {
		return err
	}
	copy(s.mem.data[addr-RAMBase:], data)
	return nil
}

// ReadBytes copies size bytes out of guest memory at addr.
func (s *Simulator) ReadBytes(addr uint64, size int) ([]byte, error) {
	if err := s.checkRange(addr, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, s.mem.data[addr-RAMBase:])
	return out, nil
}

// ReadUint64 reads the doubleword at addr.
func (s *Simulator) ReadUint64(addr uint64) (uint64, error) {
	if err := s.checkRange(addr, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s.mem.data[addr-RAMBase:]), nil
}

// WriteUint64 writes the doubleword at addr.
func (s *Simulator) WriteUint64(addr uint64, v uint64) error {
	if err := s.checkRange(addr, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s.mem.data[addr-RAMBase:], v)
	return nil
}

// LoadProgram places an emitted program at addr, rebasing any planted
// addresses to their guest locations.
func (s *Simulator) LoadProgram(prog asm.Program, addr uint64) error {
	return s.WriteBytes(addr, prog.RelocatedCopy(addr))
}

// MemorySize returns the guest RAM size.
func (s *Simulator) MemorySize() uint64 {
	return uint64(len(s.mem.data))
}

// StubHandle returns the simulated shared runtime-call stub address, for
// the stub slot of a thread block. When the interpreter reaches it, the
// handle loaded into StubTarget names the entry to call and StubArgCount
// carries the call site's argument count.
func (s *Simulator) StubHandle() uint64 {
	return stubHandle
}

func (s *Simulator) isRedirect(addr uint64) bool {
	if addr == stubHandle {
		return true
	}
	_, ok := s.byHandle[addr]
	return ok
}

func (s *Simulator) dispatchRedirect(handle uint64) error {
	if handle == stubHandle {
		target := s.reg[arch.StubTarget]
		key, ok := s.byHandle[target]
		if !ok || key.kind != entry.RuntimeCall {
			return fmt.Errorf("sim: stub target %#x is not a runtime call handle", target)
		}
		if err := s.invokeRuntime(key.fn); err != nil {
			return err
		}
		s.pc = s.reg[riscv.RA]
		return nil
	}

	key := s.byHandle[handle]
	if s.trace != nil {
		s.trace.Debug("redirected call",
			"fn", fmt.Sprintf("%#x", key.fn),
			"kind", key.kind.String(),
			"args", key.argCount)
	}

	switch key.kind {
	case entry.LeafRuntimeCall:
		h, ok := s.leafHooks[key.fn]
		if !ok {
			return fmt.Errorf("sim: no leaf implementation registered for %#x", key.fn)
		}
		args := make([]uint64, key.argCount)
		for i := range args {
			args[i] = s.reg[int(riscv.A0)+i]
		}
		s.reg[riscv.A0] = h(args)

	case entry.LeafFloatRuntimeCall:
		h, ok := s.leafFloatHooks[key.fn]
		if !ok {
			return fmt.Errorf("sim: no leaf float implementation registered for %#x", key.fn)
		}
		args := make([]float64, key.argCount)
		for i := range args {
			args[i] = math.Float64frombits(s.fpReg[10+i]) // fa0, fa1
		}
		s.fpReg[10] = math.Float64bits(h(args))

	case entry.RuntimeCall:
		if err := s.invokeRuntime(key.fn); err != nil {
			return err
		}

	default:
		return fmt.Errorf("sim: unknown call kind %v", key.kind)
	}

	// Return to the call site as if the native function had executed RET.
	s.pc = s.reg[riscv.RA]
	return nil
}

func (s *Simulator) invokeRuntime(fn uint64) error {
	h, ok := s.runtimeHooks[fn]
	if !ok {
		return fmt.Errorf("sim: no runtime implementation registered for %#x", fn)
	}
	// The stub receives the live count from the call site, not the
	// descriptor, so mismatches reach the implementation for a
	// descriptive error.
	count := int(s.reg[arch.StubArgCount])
	if err := h(&Call{s: s, argCount: count}); err != nil {
		return fmt.Errorf("sim: runtime call %#x: %w", fn, err)
	}
	return nil
}
