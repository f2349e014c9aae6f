// Package riscv assembles RV64I instruction fragments.
package riscv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/embervm/ember/internal/asm"
)

type regImmediate struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
	f3  uint32
}

// Addi emits ADDI rd, rs1, imm.
func Addi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return regImmediate{rd: rd, rs1: rs1, imm: imm, f3: 0}
}

// Andi emits ANDI rd, rs1, imm.
func Andi(rd, rs1 asm.Variable, imm int32) asm.Fragment {
	return regImmediate{rd: rd, rs1: rs1, imm: imm, f3: 7}
}

// Mv copies rs into rd via ADDI rd, rs, 0.
func Mv(rd, rs asm.Variable) asm.Fragment {
	return regImmediate{rd: rd, rs1: rs, imm: 0, f3: 0}
}

type shiftImmediate struct {
	rd    asm.Variable
	shamt uint32
	f3    uint32
}

// Slli shifts rd left by shamt bits.
func Slli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 1}
}

// Srli shifts rd right logically by shamt bits.
func Srli(rd asm.Variable, shamt uint32) asm.Fragment {
	return shiftImmediate{rd: rd, shamt: shamt, f3: 5}
}

type loadImmediate struct {
	rd    asm.Variable
	value int64
}

// Li loads an immediate into rd, using ADDI when the value fits in 12 bits
// and LUI+ADDI for wider values. Non-negative values whose LUI part would
// sign-extend on RV64 are zero-extended so the upper half stays clear.
func Li(rd asm.Variable, value int64) asm.Fragment {
	return &loadImmediate{rd: rd, value: value}
}

type load64 struct {
	rd  asm.Variable
	rs1 asm.Variable
	imm int32
}

// Ld loads the doubleword at [base+offset] into rd.
func Ld(rd, base asm.Variable, offset int32) asm.Fragment {
	return load64{rd: rd, rs1: base, imm: offset}
}

type store64 struct {
	rs2 asm.Variable
	rs1 asm.Variable
	imm int32
}

// Sd stores src to [base+offset].
func Sd(src, base asm.Variable, offset int32) asm.Fragment {
	return store64{rs2: src, rs1: base, imm: offset}
}

type jumpAndLink struct {
	rd     asm.Variable
	offset int32
}

// Jal emits JAL rd with a pc-relative byte offset.
func Jal(rd asm.Variable, offset int32) asm.Fragment {
	return jumpAndLink{rd: rd, offset: offset}
}

type jumpAndLinkReg struct {
	rd     asm.Variable
	rs1    asm.Variable
	offset int32
}

// Jalr emits JALR rd, offset(base). With rd=RA this is an indirect call;
// with rd=ZERO an indirect jump.
func Jalr(rd, base asm.Variable, offset int32) asm.Fragment {
	return jumpAndLinkReg{rd: rd, rs1: base, offset: offset}
}

// Ret returns to the address in RA.
func Ret() asm.Fragment {
	return jumpAndLinkReg{rd: ZERO, rs1: RA, offset: 0}
}

type addUpperImmediate struct {
	rd  asm.Variable
	imm int32
	op  uint32
}

// Auipc adds a 20-bit upper immediate to the pc.
func Auipc(rd asm.Variable, imm int32) asm.Fragment {
	return addUpperImmediate{rd: rd, imm: imm, op: 0x17}
}

// Lui loads a 20-bit upper immediate into rd, sign-extended on RV64.
func Lui(rd asm.Variable, imm int32) asm.Fragment {
	return addUpperImmediate{rd: rd, imm: imm, op: 0x37}
}

type addrWord struct {
	label asm.Label
}

// Addr plants a doubleword holding the address of label. The emitted value
// is the label's program offset, recorded as a relocation so
// Program.RelocatedCopy rebases it to the load address. The label must be
// marked before its address is planted.
func Addr(label asm.Label) asm.Fragment {
	return addrWord{label: label}
}

type ebreak struct{}

// Ebreak emits the EBREAK system instruction, which the emulator treats as a
// halt request.
func Ebreak() asm.Fragment { return ebreak{} }

func (r regImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeI(r.imm, uint32(r.rs1), r.f3, uint32(r.rd), 0x13)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s shiftImmediate) Emit(ctx asm.Context) error {
	if s.shamt > 63 {
		return fmt.Errorf("riscv: shift amount %d out of range", s.shamt)
	}
	insn, err := encodeI(int32(s.shamt), uint32(s.rd), s.f3, uint32(s.rd), 0x13)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (l *loadImmediate) Emit(ctx asm.Context) error {
	if l.value >= -2048 && l.value <= 2047 {
		insn, err := encodeI(int32(l.value), uint32(ZERO), 0, uint32(l.rd), 0x13)
		if err != nil {
			return err
		}
		emitInsn(ctx, insn)
		return nil
	}

	if l.value < math.MinInt32 || l.value > math.MaxUint32 {
		return fmt.Errorf("riscv: immediate %#x too wide for LUI+ADDI", l.value)
	}

	hi := (l.value + (1 << 11)) >> 12
	lo := l.value - (hi << 12)

	// LUI sign-extends on RV64. Besides values with bit 31 set, the ADDI
	// rounding can carry a non-negative value's upper part into bit 19 of
	// hi; both need the trailing shift pair to clear the upper half.
	zeroExtend := l.value > math.MaxInt32 || (l.value >= 0 && hi&(1<<19) != 0)

	lui, err := encodeU(int32(hi), uint32(l.rd), 0x37)
	if err != nil {
		return err
	}
	addi, err := encodeI(int32(lo), uint32(l.rd), 0, uint32(l.rd), 0x13)
	if err != nil {
		return err
	}

	emitInsn(ctx, lui)
	emitInsn(ctx, addi)
	if zeroExtend {
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 1))
		emitInsn(ctx, mustEncodeShift(l.rd, 32, 5))
	}
	return nil
}

func (l load64) Emit(ctx asm.Context) error {
	insn, err := encodeI(l.imm, uint32(l.rs1), 3, uint32(l.rd), 0x03)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (s store64) Emit(ctx asm.Context) error {
	insn, err := encodeS(s.imm, uint32(s.rs1), uint32(s.rs2), 3, 0x23)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (j jumpAndLink) Emit(ctx asm.Context) error {
	insn, err := encodeJ(j.offset, uint32(j.rd), 0x6f)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (j jumpAndLinkReg) Emit(ctx asm.Context) error {
	insn, err := encodeI(j.offset, uint32(j.rs1), 0, uint32(j.rd), 0x67)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (a addrWord) Emit(ctx asm.Context) error {
	off, ok := ctx.GetLabel(a.label)
	if !ok {
		return fmt.Errorf("riscv: label %q not defined before Addr", a.label)
	}
	ctx.AddRelocation()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(off))
	ctx.EmitBytes(buf[:])
	return nil
}

func (a addUpperImmediate) Emit(ctx asm.Context) error {
	insn, err := encodeU(a.imm, uint32(a.rd), a.op)
	if err != nil {
		return err
	}
	emitInsn(ctx, insn)
	return nil
}

func (ebreak) Emit(ctx asm.Context) error {
	emitInsn(ctx, 0x00100073)
	return nil
}

func emitInsn(ctx asm.Context, insn uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], insn)
	ctx.EmitBytes(buf[:])
}

func encodeI(imm int32, rs1 uint32, funct3 uint32, rd uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return (uimm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode, nil
}

func encodeS(imm int32, rs1 uint32, rs2 uint32, funct3 uint32, opcode uint32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	immHi := (uimm >> 5) & 0x7f
	immLo := uimm & 0x1f

	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode, nil
}

func encodeU(imm int32, rd uint32, opcode uint32) (uint32, error) {
	uimm := uint32(imm) & 0xfffff
	return (uimm << 12) | (rd << 7) | opcode, nil
}

func encodeJ(offset int32, rd uint32, opcode uint32) (uint32, error) {
	if offset%2 != 0 {
		return 0, fmt.Errorf("riscv: J-type offset %d is odd", offset)
	}
	if offset < -(1<<20) || offset >= (1<<20) {
		return 0, fmt.Errorf("riscv: offset %d out of range for J-type", offset)
	}
	// Field order in the word: imm[20|10:1|11|19:12].
	uoff := uint32(offset)
	insn := (uoff & 0x100000) << 11
	insn |= (uoff & 0x7fe) << 20
	insn |= (uoff & 0x800) << 9
	insn |= uoff & 0xff000
	return insn | (rd << 7) | opcode, nil
}

func mustEncodeShift(rd asm.Variable, shamt uint32, f3 uint32) uint32 {
	insn, err := encodeI(int32(shamt), uint32(rd), f3, uint32(rd), 0x13)
	if err != nil {
		panic(err)
	}
	return insn
}
