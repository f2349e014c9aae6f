// Package asm provides the architecture-neutral pieces of the code
// generator: fragments that know how to emit themselves onto a context, and
// the finished program produced by an emitter.
package asm

import (
	"encoding/binary"
	"fmt"
)

// Variable identifies a machine register within an architecture package.
type Variable int

// Context is the sink a fragment emits into. Concrete emitters live in the
// architecture packages.
type Context interface {
	EmitBytes(data []byte)

	// AddRelocation marks the next eight emitted bytes as holding a
	// program-relative address that RelocatedCopy rebases to the load
	// address.
	AddRelocation()

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is a finished instruction stream. Addresses planted in the stream
// are program-relative; relocations record their offsets so RelocatedCopy
// can rebase them once the load address is known.
type Program struct {
	code        []byte
	relocations []int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

// RelocatedCopy returns the stream with every relocated doubleword rebased
// to base, ready to place at that address.
func (p Program) RelocatedCopy(base uint64) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+base)
	}
	return out
}

func (p Program) Len() int {
	return len(p.code)
}

// Words returns the stream as little-endian 32-bit instruction words. It
// panics if the stream length is not a multiple of four; fixed-width
// architectures never emit partial words.
func (p Program) Words() []uint32 {
	if len(p.code)%4 != 0 {
		panic(fmt.Sprintf("asm: program length %d is not word aligned", len(p.code)))
	}
	words := make([]uint32, 0, len(p.code)/4)
	for off := 0; off < len(p.code); off += 4 {
		words = append(words, binary.LittleEndian.Uint32(p.code[off:]))
	}
	return words
}

func NewProgram(code []byte, relocations []int) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
	}
}
