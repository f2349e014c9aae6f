//go:build linux

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type memory struct {
	data []byte
}

func allocMemory(size uint64) (*memory, error) {
	pageSize := unix.Getpagesize()
	allocSize := (int(size) + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("sim: mmap guest memory: %w", err)
	}
	return &memory{data: mem[:size]}, nil
}

func (m *memory) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data[:cap(m.data)]
	m.data = nil
	return unix.Munmap(data)
}
