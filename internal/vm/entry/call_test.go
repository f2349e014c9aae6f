package entry

import (
	"testing"

	"github.com/embervm/ember/internal/asm/riscv"
	"github.com/embervm/ember/internal/asm/testutil"
)

func TestNonLeafCallSequence(t *testing.T) {
	table := NewTable(Runtime("Alloc", 0x4000, 2))
	alloc := table.At(0)

	prog, err := riscv.EmitProgram(CallRuntime(alloc, 2))
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	// The sequence must load the entry slot into the stub target register,
	// the literal count into the stub argument-count register, and then
	// transfer to the shared stub, in that order.
	want := []uint32{
		0x0104bf03, // ld t5, 16(s1)    entry slot 0
		0x00200e93, // li t4, 2
		0x0084bf83, // ld t6, 8(s1)     shared stub slot
		0x000f80e7, // jalr t6
	}
	words := prog.Words()
	if len(words) != len(want) {
		t.Fatalf("emitted %d words, want %d", len(words), len(want))
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %d = %#08x, want %#08x", i, words[i], want[i])
		}
	}
}

func TestLeafCallSequence(t *testing.T) {
	table := NewTable(Leaf("Increment", 0x4100, 1))
	incr := table.At(0)

	prog, err := riscv.EmitProgram(CallRuntime(incr, 1))
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	want := []uint32{
		0x0104bf83, // ld t6, 16(s1)    entry slot 0
		0x01f4b023, // sd t6, 0(s1)     vm tag <- entry point
		0xff017113, // andi sp, sp, -16
		0x000f80e7, // jalr t6
		0x00100f93, // li t6, 1         TagManaged
		0x01f4b023, // sd t6, 0(s1)     vm tag <- managed
	}
	words := prog.Words()
	if len(words) != len(want) {
		t.Fatalf("emitted %d words, want %d", len(words), len(want))
	}
	for i := range want {
		if words[i] != want[i] {
			t.Errorf("word %d = %#08x, want %#08x", i, words[i], want[i])
		}
	}
}

func TestLeafCallArityMismatch(t *testing.T) {
	table := NewTable(Leaf("Increment", 0x4100, 1))
	expectPanic(t, "passes 2 arguments", func() {
		CallRuntime(table.At(0), 2)
	})
	expectPanic(t, "negative argument count", func() {
		CallRuntime(table.At(0), -1)
	})
}

func TestCallSequenceDisassembly(t *testing.T) {
	table := NewTable(
		Runtime("Alloc", 0x4000, 2),
		Leaf("Increment", 0x4100, 1),
	)

	prog, err := riscv.EmitProgram(CallRuntime(table.At(1), 1))
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	lines := testutil.Disassemble(t, prog.Bytes())
	testutil.VerifyExpectations(t, lines, []testutil.Expectation{
		testutil.Insn("load entry slot", "ld", "t6", "24(s1)"),
		testutil.Insn("tag native", "sd", "t6", "0(s1)"),
		testutil.Insn("align sp", "andi", "sp", "-16"),
		testutil.Insn("call entry", "jalr", "t6"),
		testutil.Insn("restore managed tag", "li", "t6", "1"),
		testutil.Insn("tag managed", "sd", "t6", "0(s1)"),
	})
}
