package resource

import "log/slog"

// MemoryAllocator accounts device-private memory against a fixed byte budget.
type MemoryAllocator struct {
	budget uint64
	used   uint64
	log    *slog.Logger
}

func newMemoryAllocator(budget uint64, log *slog.Logger) *MemoryAllocator {
	return &MemoryAllocator{budget: budget, log: log}
}

// ClaimMemory takes size bytes from the budget.
func (a *MemoryAllocator) ClaimMemory(size uint64) bool {
	if size > a.budget-a.used {
		a.log.Debug("memory budget exhausted", "size", size, "used", a.used, "budget", a.budget)
		return false
	}
	a.used += size
	return true
}

// ReleaseMemory returns size bytes to the budget.
func (a *MemoryAllocator) ReleaseMemory(size uint64) {
	if size > a.used {
		size = a.used
	}
	a.used -= size
}

// Used returns the bytes currently claimed.
func (a *MemoryAllocator) Used() uint64 { return a.used }

// Budget returns the total byte budget.
func (a *MemoryAllocator) Budget() uint64 { return a.budget }

// Available returns the bytes still claimable.
func (a *MemoryAllocator) Available() uint64 { return a.budget - a.used }
