// Package board models the address space and interrupt lines of an
// emulated RISC-V board.
package board

import (
	"fmt"
	"sort"
	"sync"
)

// Device is a memory-mapped device. Offsets are relative to the device base.
type Device interface {
	Load(offset uint64, size int) (uint64, error)
	Store(offset uint64, size int, value uint64) error
	Size() uint64
}

// Range is the half-open address range [Start, Start+Size).
type Range struct {
	Start uint64 `cbor:"1,keyasint"`
	Size  uint64 `cbor:"2,keyasint"`
}

// End returns the first address after the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Contains reports whether o lies entirely inside r.
func (r Range) Contains(o Range) bool {
	return o.Start >= r.Start && o.End() <= r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Start, r.End())
}

// Mapping binds a device to an address range.
type Mapping struct {
	Range
	Device Device
}

// MemoryMap is the board's physical address space. It is the single source
// of truth for which device answers at which address.
type MemoryMap struct {
	mu       sync.RWMutex
	mappings []Mapping // sorted by Start
}

// NewMemoryMap creates an empty address space.
func NewMemoryMap() *MemoryMap {
	return &MemoryMap{}
}

// AddDevice maps dev at addr. It fails if the device has no size, the range
// wraps the address space, the device is already mapped, or the range
// overlaps an existing mapping.
func (m *MemoryMap) AddDevice(addr uint64, dev Device) bool {
	if dev == nil {
		return false
	}
	r := Range{Start: addr, Size: dev.Size()}
	if r.Size == 0 || r.End() < r.Start {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.mappings {
		if existing.Device == dev || existing.Overlaps(r) {
			return false
		}
	}
	m.mappings = append(m.mappings, Mapping{Range: r, Device: dev})
	sort.Slice(m.mappings, func(i, j int) bool {
		return m.mappings[i].Start < m.mappings[j].Start
	})
	return true
}

// RemoveDevice unmaps dev. It reports whether dev was mapped.
func (m *MemoryMap) RemoveDevice(dev Device) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.mappings {
		if existing.Device == dev {
			m.mappings = append(m.mappings[:i], m.mappings[i+1:]...)
			return true
		}
	}
	return false
}

// RangeOf returns the range dev is mapped at.
func (m *MemoryMap) RangeOf(dev Device) (Range, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, existing := range m.mappings {
		if existing.Device == dev {
			return existing.Range, true
		}
	}
	return Range{}, false
}

// DeviceAt returns the mapping covering addr.
func (m *MemoryMap) DeviceAt(addr uint64) (Mapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(addr)
}

func (m *MemoryMap) findLocked(addr uint64) (Mapping, bool) {
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].End() > addr
	})
	if i < len(m.mappings) && m.mappings[i].Start <= addr {
		return m.mappings[i], true
	}
	return Mapping{}, false
}

// Mappings returns a copy of all live mappings ordered by address.
func (m *MemoryMap) Mappings() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Mapping, len(m.mappings))
	copy(result, m.mappings)
	return result
}

// IsFree reports whether no live mapping overlaps r.
func (m *MemoryMap) IsFree(r Range) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, existing := range m.mappings {
		if existing.Overlaps(r) {
			return false
		}
	}
	return true
}

// FindFree returns the lowest address in window, aligned to align, where a
// range of size bytes overlaps neither a live mapping nor any range in avoid.
func (m *MemoryMap) FindFree(window Range, size, align uint64, avoid []Range) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	occupied := make([]Range, 0, len(m.mappings)+len(avoid))
	for _, existing := range m.mappings {
		occupied = append(occupied, existing.Range)
	}
	occupied = append(occupied, avoid...)

	candidate := alignUp(window.Start, align)
	for candidate >= window.Start && candidate+size >= candidate && candidate+size <= window.End() {
		r := Range{Start: candidate, Size: size}
		conflict := false
		for _, o := range occupied {
			if o.Overlaps(r) {
				candidate = alignUp(o.End(), align)
				conflict = true
				break
			}
		}
		if !conflict {
			return candidate, true
		}
	}
	return 0, false
}

// Load performs a sized read at a physical address.
func (m *MemoryMap) Load(addr uint64, size int) (uint64, error) {
	m.mu.RLock()
	mapping, ok := m.findLocked(addr)
	m.mu.RUnlock()
	if !ok || addr+uint64(size) > mapping.End() {
		return 0, fmt.Errorf("board: no device at address 0x%x", addr)
	}
	return mapping.Device.Load(addr-mapping.Start, size)
}

// Store performs a sized write at a physical address.
func (m *MemoryMap) Store(addr uint64, size int, value uint64) error {
	m.mu.RLock()
	mapping, ok := m.findLocked(addr)
	m.mu.RUnlock()
	if !ok || addr+uint64(size) > mapping.End() {
		return fmt.Errorf("board: no device at address 0x%x", addr)
	}
	return mapping.Device.Store(addr-mapping.Start, size, value)
}

// alignUp aligns value up to the specified power-of-two alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
