package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errHalt = errors.New("halt")

// ErrStepBudget is returned when Run retires its maximum instruction count
// without reaching a halt. Emitted call sequences are short; hitting the
// budget means the code under test wandered off.
var ErrStepBudget = errors.New("sim: step budget exhausted")

// ErrInvalidInstruction is returned for encodings outside the interpreted
// subset.
type ErrInvalidInstruction struct {
	pc   uint64
	insn uint32
}

func (e ErrInvalidInstruction) Error() string {
	return fmt.Sprintf("sim: invalid instruction %#08x at %#x", e.insn, e.pc)
}

// Run interprets instructions starting at pc until an EBREAK retires or
// maxSteps instructions execute. Redirection handles dispatch to their host
// implementations as they are reached.
func (s *Simulator) Run(pc uint64, maxSteps int) error {
	s.pc = pc
	for step := 0; step < maxSteps; step++ {
		if s.isRedirect(s.pc) {
			if err := s.dispatchRedirect(s.pc); err != nil {
				return err
			}
			continue
		}
		if err := s.step(); err != nil {
			if errors.Is(err, errHalt) {
				return nil
			}
			return err
		}
	}
	return ErrStepBudget
}

func (s *Simulator) fetch() (uint32, error) {
	if err := s.checkRange(s.pc, 4); err != nil {
		return 0, fmt.Errorf("sim: fetch at %#x: %w", s.pc, err)
	}
	return binary.LittleEndian.Uint32(s.mem.data[s.pc-RAMBase:]), nil
}

func (s *Simulator) setReg(rd uint32, v uint64) {
	if rd != 0 {
		s.reg[rd] = v
	}
}

func immI(insn uint32) int64 {
	return int64(int32(insn)) >> 20
}

func immS(insn uint32) int64 {
	hi := int64(int32(insn)) >> 25
	lo := int64((insn >> 7) & 0x1f)
	return hi<<5 | lo
}

func immJ(insn uint32) int64 {
	// Field order in the word: imm[20|10:1|11|19:12].
	imm := int64(int32(insn)>>31) << 20
	imm |= int64((insn>>21)&0x3ff) << 1
	imm |= int64((insn>>20)&1) << 11
	imm |= int64(insn&0xff000)
	return imm
}

func (s *Simulator) step() error {
	insn, err := s.fetch()
	if err != nil {
		return err
	}

	opcode := insn & 0x7f
	rd := (insn >> 7) & 0x1f
	funct3 := (insn >> 12) & 7
	rs1 := (insn >> 15) & 0x1f
	rs2 := (insn >> 20) & 0x1f

	switch opcode {
	case 0x13: // OP-IMM
		switch funct3 {
		case 0: // addi
			s.setReg(rd, uint64(int64(s.reg[rs1])+immI(insn)))
		case 7: // andi
			s.setReg(rd, s.reg[rs1]&uint64(immI(insn)))
		case 1: // slli
			if (insn>>26)&0x3f != 0 {
				return ErrInvalidInstruction{pc: s.pc, insn: insn}
			}
			shamt := (insn >> 20) & 0x3f
			s.setReg(rd, s.reg[rs1]<<shamt)
		case 5: // srli
			if (insn>>26)&0x3f != 0 {
				return ErrInvalidInstruction{pc: s.pc, insn: insn}
			}
			shamt := (insn >> 20) & 0x3f
			s.setReg(rd, s.reg[rs1]>>shamt)
		default:
			return ErrInvalidInstruction{pc: s.pc, insn: insn}
		}

	case 0x03: // LOAD
		if funct3 != 3 { // ld
			return ErrInvalidInstruction{pc: s.pc, insn: insn}
		}
		addr := uint64(int64(s.reg[rs1]) + immI(insn))
		val, err := s.ReadUint64(addr)
		if err != nil {
			return fmt.Errorf("sim: load at %#x: %w", s.pc, err)
		}
		s.setReg(rd, val)

	case 0x23: // STORE
		if funct3 != 3 { // sd
			return ErrInvalidInstruction{pc: s.pc, insn: insn}
		}
		addr := uint64(int64(s.reg[rs1]) + immS(insn))
		if err := s.WriteUint64(addr, s.reg[rs2]); err != nil {
			return fmt.Errorf("sim: store at %#x: %w", s.pc, err)
		}

	case 0x37: // lui
		s.setReg(rd, uint64(int64(int32(insn&0xfffff000))))

	case 0x17: // auipc
		s.setReg(rd, s.pc+uint64(int64(int32(insn&0xfffff000))))

	case 0x6f: // jal
		s.setReg(rd, s.pc+4)
		s.pc = uint64(int64(s.pc) + immJ(insn))
		return nil

	case 0x67: // jalr
		if funct3 != 0 {
			return ErrInvalidInstruction{pc: s.pc, insn: insn}
		}
		target := uint64(int64(s.reg[rs1])+immI(insn)) &^ 1
		s.setReg(rd, s.pc+4)
		s.pc = target
		return nil

	case 0x73: // SYSTEM
		if insn == 0x00100073 { // ebreak
			return errHalt
		}
		return ErrInvalidInstruction{pc: s.pc, insn: insn}

	default:
		return ErrInvalidInstruction{pc: s.pc, insn: insn}
	}

	s.pc += 4
	return nil
}
