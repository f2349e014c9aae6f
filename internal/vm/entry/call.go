package entry

import (
	"fmt"

	"github.com/embervm/ember/internal/asm"
	"github.com/embervm/ember/internal/asm/riscv"
	"github.com/embervm/ember/internal/vm/arch"
	"github.com/embervm/ember/internal/vm/thread"
)

// CallRuntime emits the instruction sequence a compiled routine uses to
// invoke a runtime entry. The entry point is not inlined: it is loaded from
// the calling thread's state block, so the same code works natively and
// under simulation.
//
// Leaf entries get a direct call: load the entry point, record it in the
// thread's VM tag slot, align SP, jump, and restore the managed tag on
// return. No registers are saved; the preserved roles are callee-saved by
// the contract in the arch package, and the caller saves PP and SP itself.
//
// Non-leaf entries hand off to the shared runtime-call stub with the entry
// point in StubTarget and the argument count in StubArgCount. The stub
// expects SP to already address the argument and return-value array. The
// count is not checked here; the runtime implementation diagnoses a
// mismatch with a descriptive error.
func CallRuntime(e *Entry, argCount int) asm.Fragment {
	if argCount < 0 {
		panic(fmt.Sprintf("entry: call to %q with negative argument count", e.Name()))
	}
	slot := int32(thread.EntryOffset(e.Index()))

	if e.IsLeaf() {
		if argCount != e.ArgumentCount() {
			panic(fmt.Sprintf("entry: leaf call to %q passes %d arguments, entry takes %d",
				e.Name(), argCount, e.ArgumentCount()))
		}
		return asm.Group{
			riscv.Ld(arch.TMP2, arch.THR, slot),
			riscv.Sd(arch.TMP2, arch.THR, thread.VMTagOffset),
			// Reserve aligned frame space: leaf calls build no frame,
			// only a 16-byte aligned SP.
			riscv.Andi(riscv.SP, riscv.SP, -16),
			riscv.Jalr(riscv.RA, arch.TMP2, 0),
			riscv.Li(arch.TMP2, int64(thread.TagManaged)),
			riscv.Sd(arch.TMP2, arch.THR, thread.VMTagOffset),
		}
	}

	return asm.Group{
		riscv.Ld(arch.StubTarget, arch.THR, slot),
		riscv.Li(arch.StubArgCount, int64(argCount)),
		riscv.Ld(arch.TMP2, arch.THR, thread.CallToRuntimeStubOffset),
		riscv.Jalr(riscv.RA, arch.TMP2, 0),
	}
}
