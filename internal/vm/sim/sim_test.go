package sim

import (
	"errors"
	"math"
	"testing"

	"github.com/embervm/ember/internal/asm"
	"github.com/embervm/ember/internal/asm/riscv"
	"github.com/embervm/ember/internal/vm/arch"
	"github.com/embervm/ember/internal/vm/entry"
	"github.com/embervm/ember/internal/vm/thread"
)

const (
	testMemSize  = 1 << 20
	codeAddr     = RAMBase + 0x1000
	threadAddr   = RAMBase + 0x10000
	stackTop     = RAMBase + 0x80000
	testMaxSteps = 1000
)

// installTable resolves the table through the simulator, places the thread
// block in guest memory, and points THR/SP at sane values.
func installTable(t *testing.T, s *Simulator, table *entry.Table) []uint64 {
	t.Helper()
	points := table.EntryPoints(entry.NewResolver(s))
	block := thread.NewBlock(points, s.StubHandle())
	if err := s.WriteBytes(threadAddr, block.Bytes()); err != nil {
		t.Fatalf("write thread block: %v", err)
	}
	s.SetRegister(arch.THR, threadAddr)
	s.SetRegister(riscv.SP, stackTop)
	return points
}

func loadAndRun(t *testing.T, s *Simulator, frag asm.Fragment) {
	t.Helper()
	prog, err := riscv.EmitProgram(asm.Group{frag, riscv.Ebreak()})
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	if err := s.LoadProgram(prog, codeAddr); err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	if err := s.Run(codeAddr, testMaxSteps); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func newSimulator(t *testing.T) *Simulator {
	t.Helper()
	s, err := New(testMemSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func TestLeafCallTagRoundTrip(t *testing.T) {
	s := newSimulator(t)

	const fn = 0x7000
	table := entry.NewTable(entry.Leaf("AddInts", fn, 2))
	points := installTable(t, s, table)

	var tagDuringCall uint64
	s.OnLeafCall(fn, func(args []uint64) uint64 {
		tag, err := s.ReadUint64(threadAddr + thread.VMTagOffset)
		if err != nil {
			t.Errorf("read tag mid-call: %v", err)
		}
		tagDuringCall = tag
		return args[0] + args[1]
	})

	s.SetRegister(riscv.A0, 40)
	s.SetRegister(riscv.A1, 2)
	loadAndRun(t, s, entry.CallRuntime(table.At(0), 2))

	if tagDuringCall != points[0] {
		t.Errorf("tag during call = %#x, want entry point %#x", tagDuringCall, points[0])
	}
	tagAfter, err := s.ReadUint64(threadAddr + thread.VMTagOffset)
	if err != nil {
		t.Fatalf("read tag: %v", err)
	}
	if tagAfter != thread.TagManaged {
		t.Errorf("tag after return = %#x, want TagManaged", tagAfter)
	}
	if got := s.Register(riscv.A0); got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestLeafFloatCall(t *testing.T) {
	s := newSimulator(t)

	const fn = 0x7100
	table := entry.NewTable(entry.LeafFloat("Sine", fn, 1))
	installTable(t, s, table)

	var gotArgs []float64
	s.OnLeafFloatCall(fn, func(args []float64) float64 {
		gotArgs = append([]float64(nil), args...)
		return math.Sin(args[0])
	})

	s.SetFloatRegister(10, 0.5) // fa0
	loadAndRun(t, s, entry.CallRuntime(table.At(0), 1))

	if len(gotArgs) != 1 || gotArgs[0] != 0.5 {
		t.Errorf("float args = %v, want [0.5]", gotArgs)
	}
	if got := s.FloatRegister(10); got != math.Sin(0.5) {
		t.Errorf("fa0 = %v, want sin(0.5)", got)
	}
}

func TestRuntimeCallThroughStub(t *testing.T) {
	s := newSimulator(t)

	const fn = 0x7200
	table := entry.NewTable(entry.Runtime("Alloc", fn, 2))
	installTable(t, s, table)

	// Arguments live on the managed stack; the result slot follows them.
	if err := s.WriteUint64(stackTop, 16); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteUint64(stackTop+8, 32); err != nil {
		t.Fatal(err)
	}

	s.OnRuntimeCall(fn, func(call *Call) error {
		if call.ArgCount() != 2 {
			t.Errorf("arg count = %d, want 2", call.ArgCount())
		}
		a, err := call.Arg(0)
		if err != nil {
			return err
		}
		b, err := call.Arg(1)
		if err != nil {
			return err
		}
		return call.SetResult(a + b)
	})

	// Distinctive values in the preserved roles must survive the call.
	seeds := map[asm.Variable]uint64{
		arch.NullReg:          0x1111_1111,
		arch.WriteBarrierMask: 0x2222_2222,
		arch.DispatchTable:    0x3333_3333,
	}
	for reg, v := range seeds {
		s.SetRegister(reg, v)
	}

	loadAndRun(t, s, entry.CallRuntime(table.At(0), 2))

	result, err := s.ReadUint64(stackTop + 16)
	if err != nil {
		t.Fatal(err)
	}
	if result != 48 {
		t.Errorf("result slot = %d, want 48", result)
	}

	for reg, want := range seeds {
		if got := s.Register(reg); got != want {
			t.Errorf("%s = %#x, want seeded %#x", riscv.RegName(reg), got, want)
		}
	}
	if got := s.Register(arch.THR); got != threadAddr {
		t.Errorf("THR = %#x, want %#x", got, threadAddr)
	}
}

func TestRuntimeCallUnregistered(t *testing.T) {
	s := newSimulator(t)

	table := entry.NewTable(entry.Runtime("Alloc", 0x7300, 1))
	installTable(t, s, table)

	prog, err := riscv.EmitProgram(asm.Group{
		entry.CallRuntime(table.At(0), 1),
		riscv.Ebreak(),
	})
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	if err := s.LoadProgram(prog, codeAddr); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(codeAddr, testMaxSteps); err == nil {
		t.Fatal("expected an error for an unregistered implementation")
	}
}

func TestRedirectCaching(t *testing.T) {
	s := newSimulator(t)

	h1 := s.Redirect(0x7400, entry.LeafRuntimeCall, 2)
	h2 := s.Redirect(0x7400, entry.LeafRuntimeCall, 2)
	if h1 != h2 {
		t.Errorf("same triple produced different handles: %#x, %#x", h1, h2)
	}

	h3 := s.Redirect(0x7400, entry.RuntimeCall, 2)
	if h3 == h1 {
		t.Error("different call kinds must not share a handle")
	}
	h4 := s.Redirect(0x7400, entry.LeafRuntimeCall, 1)
	if h4 == h1 {
		t.Error("different argument counts must not share a handle")
	}
}

func TestCallThroughPlantedPointer(t *testing.T) {
	s := newSimulator(t)

	// The program carries a doubleword holding the address of a routine
	// inside itself; LoadProgram must rebase it so the indirect call lands
	// on the routine at its guest location.
	frag := asm.Group{
		riscv.Jal(riscv.ZERO, 20),
		asm.MarkLabel("seven"),
		riscv.Addi(riscv.A0, riscv.ZERO, 7),
		riscv.Ret(),
		riscv.Addr("seven"),
		riscv.Auipc(riscv.T0, 0),
		riscv.Ld(riscv.T0, riscv.T0, -8),
		riscv.Jalr(riscv.RA, riscv.T0, 0),
		riscv.Ebreak(),
	}
	prog, err := riscv.EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	if err := s.LoadProgram(prog, codeAddr); err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}

	ptr, err := s.ReadUint64(codeAddr + 12)
	if err != nil {
		t.Fatalf("read planted pointer: %v", err)
	}
	if want := uint64(codeAddr + 4); ptr != want {
		t.Fatalf("planted pointer = %#x, want %#x", ptr, want)
	}

	if err := s.Run(codeAddr, testMaxSteps); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := s.Register(riscv.A0); got != 7 {
		t.Errorf("a0 = %d, want 7", got)
	}
}

func TestRunErrors(t *testing.T) {
	s := newSimulator(t)

	t.Run("step budget", func(t *testing.T) {
		prog, err := riscv.EmitProgram(riscv.Jal(riscv.ZERO, 0))
		if err != nil {
			t.Fatal(err)
		}
		if err := s.LoadProgram(prog, codeAddr); err != nil {
			t.Fatal(err)
		}
		if err := s.Run(codeAddr, 10); !errors.Is(err, ErrStepBudget) {
			t.Errorf("got %v, want ErrStepBudget", err)
		}
	})

	t.Run("invalid instruction", func(t *testing.T) {
		if err := s.WriteBytes(codeAddr, []byte{0xff, 0xff, 0xff, 0xff}); err != nil {
			t.Fatal(err)
		}
		err := s.Run(codeAddr, 10)
		var invalid ErrInvalidInstruction
		if !errors.As(err, &invalid) {
			t.Errorf("got %v, want ErrInvalidInstruction", err)
		}
	})

	t.Run("fetch outside RAM", func(t *testing.T) {
		if err := s.Run(0x2000, 10); err == nil {
			t.Error("expected a fetch error")
		}
	})
}

func TestMemoryBounds(t *testing.T) {
	s := newSimulator(t)

	if err := s.WriteUint64(RAMBase+s.MemorySize(), 1); err == nil {
		t.Error("write past end of RAM should fail")
	}
	if _, err := s.ReadUint64(RAMBase - 8); err == nil {
		t.Error("read below RAM should fail")
	}
	if err := s.WriteUint64(RAMBase+s.MemorySize()-8, 7); err != nil {
		t.Errorf("write at end of RAM failed: %v", err)
	}
}
