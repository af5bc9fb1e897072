package managed

import (
	"sort"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/resource"
)

// InterruptAllocator is the mount-scoped view of the board interrupt
// allocator.
type InterruptAllocator struct {
	ctx    *Context
	global *resource.InterruptAllocator
	owned  board.IRQMask
}

func (a *InterruptAllocator) ClaimInterrupt(n int) bool {
	a.ctx.checkClaim("ClaimInterrupt")
	if !a.global.ClaimInterrupt(n) {
		return false
	}
	a.owned |= board.Line(n)
	return true
}

func (a *InterruptAllocator) ClaimAnyInterrupt() (int, bool) {
	a.ctx.checkClaim("ClaimAnyInterrupt")
	n, ok := a.global.ClaimAnyInterrupt()
	if ok {
		a.owned |= board.Line(n)
	}
	return n, ok
}

// ReleaseInterrupts gives back the owned lines in mask. Lines owned by
// other contexts are ignored. Released lines this context raised are
// lowered first, so the next owner starts from a low line.
func (a *InterruptAllocator) ReleaseInterrupts(mask board.IRQMask) {
	a.ctx.checkClaim("ReleaseInterrupts")
	mask &= a.owned
	a.ctx.controller.lower(mask)
	a.global.ReleaseInterrupts(mask)
	a.owned &^= mask
}

// Owned returns the lines this context holds.
func (a *InterruptAllocator) Owned() board.IRQMask { return a.owned }

func (a *InterruptAllocator) releaseAll() board.IRQMask {
	owned := a.owned
	a.global.ReleaseInterrupts(owned)
	a.owned = 0
	return owned
}

// MemoryRangeAllocator is the mount-scoped view of the board range
// allocator.
type MemoryRangeAllocator struct {
	ctx    *Context
	global *resource.MemoryRangeAllocator
	owned  map[board.Device]board.Range
}

func (a *MemoryRangeAllocator) ClaimMemoryRangeAt(addr uint64, dev board.Device) bool {
	a.ctx.checkClaim("ClaimMemoryRangeAt")
	if !a.global.ClaimMemoryRangeAt(addr, dev) {
		return false
	}
	a.owned[dev] = board.Range{Start: addr, Size: dev.Size()}
	return true
}

func (a *MemoryRangeAllocator) ClaimMemoryRange(dev board.Device) (uint64, bool) {
	a.ctx.checkClaim("ClaimMemoryRange")
	addr, ok := a.global.ClaimMemoryRange(dev)
	if ok {
		a.owned[dev] = board.Range{Start: addr, Size: dev.Size()}
	}
	return addr, ok
}

// ReleaseMemoryRange unmaps dev if this context mapped it.
func (a *MemoryRangeAllocator) ReleaseMemoryRange(dev board.Device) bool {
	a.ctx.checkClaim("ReleaseMemoryRange")
	if _, ok := a.owned[dev]; !ok {
		return false
	}
	delete(a.owned, dev)
	return a.global.ReleaseMemoryRange(dev)
}

// Ranges returns the ranges this context holds ordered by address.
func (a *MemoryRangeAllocator) Ranges() []board.Range {
	out := make([]board.Range, 0, len(a.owned))
	for _, r := range a.owned {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (a *MemoryRangeAllocator) releaseAll() int {
	n := len(a.owned)
	for dev := range a.owned {
		a.global.ReleaseMemoryRange(dev)
	}
	clear(a.owned)
	return n
}

// MemoryAllocator is the mount-scoped view of the device memory budget.
type MemoryAllocator struct {
	ctx     *Context
	global  *resource.MemoryAllocator
	claimed uint64
}

func (a *MemoryAllocator) ClaimMemory(size uint64) bool {
	a.ctx.checkClaim("ClaimMemory")
	if !a.global.ClaimMemory(size) {
		return false
	}
	a.claimed += size
	return true
}

// ReleaseMemory returns up to size bytes of this context's claim.
func (a *MemoryAllocator) ReleaseMemory(size uint64) {
	a.ctx.checkClaim("ReleaseMemory")
	size = min(size, a.claimed)
	a.global.ReleaseMemory(size)
	a.claimed -= size
}

// Used returns the bytes this context holds.
func (a *MemoryAllocator) Used() uint64 { return a.claimed }

func (a *MemoryAllocator) releaseAll() uint64 {
	n := a.claimed
	a.global.ReleaseMemory(n)
	a.claimed = 0
	return n
}
