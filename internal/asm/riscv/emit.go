package riscv

import (
	"fmt"

	"github.com/embervm/ember/internal/asm"
)

type emitter struct {
	code        []byte
	relocations []int
	labels      map[asm.Label]int
}

// EmitBytes implements asm.Context.
func (e *emitter) EmitBytes(data []byte) {
	e.code = append(e.code, data...)
}

// AddRelocation implements asm.Context.
func (e *emitter) AddRelocation() {
	e.relocations = append(e.relocations, len(e.code))
}

// GetLabel implements asm.Context.
func (e *emitter) GetLabel(label asm.Label) (int, bool) {
	offset, ok := e.labels[label]
	return offset, ok
}

// SetLabel implements asm.Context.
func (e *emitter) SetLabel(label asm.Label) {
	e.labels[label] = len(e.code)
}

// EmitProgram lowers the provided fragment into an asm.Program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	if frag == nil {
		return asm.Program{}, fmt.Errorf("riscv: fragment must be non-nil")
	}

	em := &emitter{
		code:   make([]byte, 0, 64),
		labels: make(map[asm.Label]int),
	}

	if err := frag.Emit(em); err != nil {
		return asm.Program{}, err
	}

	return asm.NewProgram(em.code, em.relocations), nil
}
