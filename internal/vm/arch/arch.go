// Package arch fixes the RV64 register roles the code generator relies on.
// The assignments are process-wide constants; any conflict between a role and
// the calling convention is a defect in this file and fails compilation, not
// execution.
package arch

import (
	"github.com/embervm/ember/internal/asm"
	"github.com/embervm/ember/internal/asm/riscv"
)

// Register roles. Generated code addresses the current thread, the shared
// null object, the write-barrier fast path and the global dispatch table
// through these registers, so native calls must leave them untouched.
const (
	// THR points at the current thread's state block.
	THR = riscv.S1
	// NullReg holds the null sentinel object.
	NullReg = riscv.S10
	// WriteBarrierMask holds the mask used by the write-barrier fast path.
	WriteBarrierMask = riscv.S11
	// DispatchTable reaches the global dispatch table.
	DispatchTable = riscv.S9
	// PP reaches the constant pool. It is C-volatile; callers save it
	// around leaf runtime calls themselves.
	PP = riscv.GP

	// TMP2 is the scratch register leaf call sequences clobber.
	TMP2 = riscv.T6
	// StubTarget carries the runtime function address into the shared
	// runtime-call stub.
	StubTarget = riscv.T5
	// StubArgCount carries the call-site argument count into the stub.
	StubArgCount = riscv.T4
)

// calleeSavedMask covers the registers the RISC-V C calling convention
// requires callees to preserve: SP, S0..S11.
const calleeSavedMask uint32 = 1<<riscv.SP |
	1<<riscv.S0 | 1<<riscv.S1 | 1<<riscv.S2 | 1<<riscv.S3 |
	1<<riscv.S4 | 1<<riscv.S5 | 1<<riscv.S6 | 1<<riscv.S7 |
	1<<riscv.S8 | 1<<riscv.S9 | 1<<riscv.S10 | 1<<riscv.S11

// IsCalleeSaved reports whether the C calling convention preserves reg
// across calls.
func IsCalleeSaved(reg asm.Variable) bool {
	if reg < riscv.X0 || reg > riscv.X31 {
		return false
	}
	return calleeSavedMask&(1<<uint(reg)) != 0
}

// The preserved roles must sit in callee-saved registers; leaf call sites
// skip explicit save/restore on the strength of these checks. Each constant
// divides by zero, failing compilation, if the role register is not
// callee-saved.
const (
	_ = 1 / ((calleeSavedMask >> uint(THR)) & 1)
	_ = 1 / ((calleeSavedMask >> uint(NullReg)) & 1)
	_ = 1 / ((calleeSavedMask >> uint(WriteBarrierMask)) & 1)
	_ = 1 / ((calleeSavedMask >> uint(DispatchTable)) & 1)
)

// PP must not be callee-saved: leaf calls are allowed to clobber it for
// alignment, and the caller-save discipline depends on that.
const _ = 1 / (1 - (calleeSavedMask>>uint(PP))&1)

// Scratch registers must be caller-saved.
const (
	_ = 1 / (1 - (calleeSavedMask>>uint(TMP2))&1)
	_ = 1 / (1 - (calleeSavedMask>>uint(StubTarget))&1)
	_ = 1 / (1 - (calleeSavedMask>>uint(StubArgCount))&1)
)

// Every role must map to a distinct register. Duplicate keys in a constant
// map literal fail compilation.
var _ = map[asm.Variable]string{
	THR:              "thread",
	NullReg:          "null sentinel",
	WriteBarrierMask: "write barrier mask",
	DispatchTable:    "dispatch table",
	PP:               "pool pointer",
	TMP2:             "leaf scratch",
	StubTarget:       "stub target",
	StubArgCount:     "stub argument count",
}
