// Package thread defines the layout of the per-thread state block that the
// THR register points at. Generated code reaches the block only through the
// byte offsets declared here; the owning thread is the sole writer, so no
// field needs synchronization.
package thread

import "encoding/binary"

const (
	// VMTagOffset is the slot recording what the thread is executing: the
	// TagManaged sentinel while in managed code, or the entry point of the
	// native function currently running on the thread's behalf.
	VMTagOffset = 0

	// CallToRuntimeStubOffset holds the address of the shared runtime-call
	// stub used by non-leaf runtime calls.
	CallToRuntimeStubOffset = 8

	entrySlotBase = 16
	slotSize      = 8
)

// TagManaged marks a thread executing managed code.
const TagManaged uint64 = 0x1

// EntryOffset returns the offset of the slot holding the resolved entry
// point for the runtime entry with the given table index.
func EntryOffset(index int) int {
	if index < 0 {
		panic("thread: negative runtime entry index")
	}
	return entrySlotBase + index*slotSize
}

// BlockSize returns the size in bytes of a thread block with room for
// entryCount runtime entry slots.
func BlockSize(entryCount int) int {
	return entrySlotBase + entryCount*slotSize
}

// Block assembles a thread state block image for placement in an address
// space. The entry points are stored by table index, matching EntryOffset.
type Block struct {
	buf []byte
}

// NewBlock builds a block whose tag slot starts at TagManaged.
func NewBlock(entryPoints []uint64, stub uint64) *Block {
	b := &Block{buf: make([]byte, BlockSize(len(entryPoints)))}
	binary.LittleEndian.PutUint64(b.buf[VMTagOffset:], TagManaged)
	binary.LittleEndian.PutUint64(b.buf[CallToRuntimeStubOffset:], stub)
	for i, ep := range entryPoints {
		binary.LittleEndian.PutUint64(b.buf[EntryOffset(i):], ep)
	}
	return b
}

// Bytes returns the block image.
func (b *Block) Bytes() []byte {
	return append([]byte(nil), b.buf...)
}

// Size returns the block length in bytes.
func (b *Block) Size() int {
	return len(b.buf)
}
