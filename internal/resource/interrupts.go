package resource

import (
	"log/slog"

	"github.com/tinyrange/rvboard/internal/board"
)

// InterruptAllocator hands out board interrupt lines. Line 0 is never
// claimable. It is not synchronized; all claims and releases happen on the
// configuration goroutine.
type InterruptAllocator struct {
	count    int
	claimed  board.IRQMask
	reserved board.IRQMask
	log      *slog.Logger
}

func newInterruptAllocator(count int, log *slog.Logger) *InterruptAllocator {
	return &InterruptAllocator{count: count, log: log}
}

// Count returns the number of lines N; valid lines are [1, N).
func (a *InterruptAllocator) Count() int {
	return a.count
}

// ClaimInterrupt claims line n. It fails for line 0, lines outside the
// board, and lines already claimed. Reserved lines may be claimed
// explicitly.
func (a *InterruptAllocator) ClaimInterrupt(n int) bool {
	if n <= 0 || n >= a.count || a.claimed.Has(n) {
		a.log.Debug("interrupt claim refused", "irq", n)
		return false
	}
	a.claimed |= board.Line(n)
	a.log.Debug("interrupt claimed", "irq", n)
	return true
}

// ClaimAnyInterrupt claims the lowest line that is neither claimed nor
// reserved.
func (a *InterruptAllocator) ClaimAnyInterrupt() (int, bool) {
	taken := a.claimed | a.reserved
	for n := 1; n < a.count; n++ {
		if !taken.Has(n) {
			a.claimed |= board.Line(n)
			a.log.Debug("interrupt claimed", "irq", n, "auto", true)
			return n, true
		}
	}
	a.log.Debug("no free interrupt", "claimed", a.claimed, "reserved", a.reserved)
	return 0, false
}

// ReleaseInterrupts returns the lines in mask to the pool. The reservation
// snapshot is left untouched.
func (a *InterruptAllocator) ReleaseInterrupts(mask board.IRQMask) {
	a.claimed &^= mask
	a.log.Debug("interrupts released", "irqs", mask)
}

// IsClaimed reports whether line n is currently claimed.
func (a *InterruptAllocator) IsClaimed(n int) bool {
	return a.claimed.Has(n)
}

// Claimed returns the mask of claimed lines.
func (a *InterruptAllocator) Claimed() board.IRQMask {
	return a.claimed
}

// Reserved returns the mask of lines held by the reservation snapshot.
func (a *InterruptAllocator) Reserved() board.IRQMask {
	return a.reserved
}
