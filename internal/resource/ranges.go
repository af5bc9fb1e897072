package resource

import (
	"log/slog"
	"sort"

	"github.com/tinyrange/rvboard/internal/board"
)

// MemoryRangeAllocator binds devices into the board address space and
// remembers which ranges it bound, so they can be released by device.
type MemoryRangeAllocator struct {
	memory   *board.MemoryMap
	window   board.Range
	align    uint64
	owned    map[board.Device]board.Range
	reserved []board.Range
	log      *slog.Logger
}

func newMemoryRangeAllocator(memory *board.MemoryMap, window board.Range, align uint64, log *slog.Logger) *MemoryRangeAllocator {
	return &MemoryRangeAllocator{
		memory: memory,
		window: window,
		align:  align,
		owned:  make(map[board.Device]board.Range),
		log:    log,
	}
}

// Window returns the address window searched by ClaimMemoryRange.
func (a *MemoryRangeAllocator) Window() board.Range {
	return a.window
}

// ClaimMemoryRangeAt maps dev at addr. Ownership is recorded only when the
// board accepts the mapping.
func (a *MemoryRangeAllocator) ClaimMemoryRangeAt(addr uint64, dev board.Device) bool {
	if !a.memory.AddDevice(addr, dev) {
		a.log.Debug("memory range claim refused", "addr", hex(addr))
		return false
	}
	r, _ := a.memory.RangeOf(dev)
	a.owned[dev] = r
	a.log.Debug("memory range claimed", "range", r)
	return true
}

// ClaimMemoryRange maps dev at the lowest free aligned address of the window.
// Ranges in the reservation snapshot count as occupied.
func (a *MemoryRangeAllocator) ClaimMemoryRange(dev board.Device) (uint64, bool) {
	if dev == nil {
		return 0, false
	}
	addr, ok := a.memory.FindFree(a.window, dev.Size(), a.align, a.reserved)
	if !ok {
		a.log.Debug("no free memory range", "size", hex(dev.Size()), "window", a.window)
		return 0, false
	}
	if !a.ClaimMemoryRangeAt(addr, dev) {
		return 0, false
	}
	return addr, true
}

// ReleaseMemoryRange unmaps dev if this allocator mapped it. The reservation
// snapshot is left untouched.
func (a *MemoryRangeAllocator) ReleaseMemoryRange(dev board.Device) bool {
	r, ok := a.owned[dev]
	if !ok {
		return false
	}
	delete(a.owned, dev)
	a.memory.RemoveDevice(dev)
	a.log.Debug("memory range released", "range", r)
	return true
}

// Owner returns the device whose claimed range contains addr.
func (a *MemoryRangeAllocator) Owner(addr uint64) (board.Device, bool) {
	for dev, r := range a.owned {
		if addr >= r.Start && addr < r.End() {
			return dev, true
		}
	}
	return nil, false
}

// IsClaimed reports whether addr falls inside a range this allocator mapped.
func (a *MemoryRangeAllocator) IsClaimed(addr uint64) bool {
	_, ok := a.Owner(addr)
	return ok
}

// Ranges returns the claimed ranges ordered by address.
func (a *MemoryRangeAllocator) Ranges() []board.Range {
	out := make([]board.Range, 0, len(a.owned))
	for _, r := range a.owned {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Reserved returns a copy of the reserved ranges.
func (a *MemoryRangeAllocator) Reserved() []board.Range {
	return append([]board.Range(nil), a.reserved...)
}
