package board

import (
	"encoding/binary"
	"fmt"
)

// RAMBase is where the board maps its main memory.
const RAMBase = 0x80000000

// MemoryRegion is board RAM. Guest accesses are little-endian; the host
// places boot images with WriteImage and inspects them with ReadImage.
type MemoryRegion struct {
	data []byte
}

// NewMemoryRegion allocates size bytes of zeroed RAM.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{data: make([]byte, size)}
}

func (m *MemoryRegion) Size() uint64 { return uint64(len(m.data)) }

func (m *MemoryRegion) span(offset, n uint64) ([]byte, error) {
	if offset > uint64(len(m.data)) || n > uint64(len(m.data))-offset {
		return nil, fmt.Errorf("ram: access [0x%x, +%d) outside %d bytes", offset, n, len(m.data))
	}
	return m.data[offset : offset+n], nil
}

// Load implements Device.
func (m *MemoryRegion) Load(offset uint64, size int) (uint64, error) {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return 0, fmt.Errorf("ram: invalid load size %d", size)
	}
	b, err := m.span(offset, uint64(size))
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// Store implements Device.
func (m *MemoryRegion) Store(offset uint64, size int, value uint64) error {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return fmt.Errorf("ram: invalid store size %d", size)
	}
	b, err := m.span(offset, uint64(size))
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(b, buf[:size])
	return nil
}

// ReadImage copies RAM at offset into p. Short reads are errors.
func (m *MemoryRegion) ReadImage(offset uint64, p []byte) error {
	b, err := m.span(offset, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteImage copies p into RAM at offset. The whole of p must fit.
func (m *MemoryRegion) WriteImage(offset uint64, p []byte) error {
	b, err := m.span(offset, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

var _ Device = (*MemoryRegion)(nil)
