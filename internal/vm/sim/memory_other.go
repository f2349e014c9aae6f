//go:build !linux

package sim

type memory struct {
	data []byte
}

func allocMemory(size uint64) (*memory, error) {
	return &memory{data: make([]byte, size)}, nil
}

func (m *memory) Close() error {
	m.data = nil
	return nil
}
