// Package managed wraps the board-wide allocators for a single device mount.
// Every wrapper records exactly what it claimed so Invalidate can return it.
package managed

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/resource"
)

// Context is the resource authority handed to one device mount. Claims are
// accepted until Freeze; Invalidate releases everything and is terminal.
type Context struct {
	id     uuid.UUID
	name   string
	global *resource.GlobalContext
	log    *slog.Logger

	frozen      atomic.Bool
	invalidated atomic.Bool

	interrupts *InterruptAllocator
	ranges     *MemoryRangeAllocator
	memory     *MemoryAllocator
	controller *InterruptController
	events     *EventBus
}

// New creates a fresh context for mounting the device called name.
func New(global *resource.GlobalContext, name string) *Context {
	c := &Context{
		id:     uuid.New(),
		name:   name,
		global: global,
	}
	c.log = global.Logger().With("device", name, "context", c.id.String())
	c.interrupts = &InterruptAllocator{ctx: c, global: global.InterruptAllocator()}
	c.ranges = &MemoryRangeAllocator{ctx: c, global: global.MemoryRangeAllocator(), owned: make(map[board.Device]board.Range)}
	c.memory = &MemoryAllocator{ctx: c, global: global.MemoryAllocator()}
	c.controller = &InterruptController{ctx: c, global: global.InterruptController()}
	c.events = &EventBus{ctx: c, global: global.EventBus()}
	return c
}

func (c *Context) ID() uuid.UUID { return c.id }

func (c *Context) Name() string { return c.name }

func (c *Context) String() string {
	return fmt.Sprintf("%s (%s)", c.name, c.id)
}

func (c *Context) Logger() *slog.Logger { return c.log }

func (c *Context) MemoryMap() *board.MemoryMap { return c.global.MemoryMap() }

func (c *Context) InterruptController() *InterruptController { return c.controller }

func (c *Context) InterruptAllocator() *InterruptAllocator { return c.interrupts }

func (c *Context) MemoryRangeAllocator() *MemoryRangeAllocator { return c.ranges }

func (c *Context) MemoryAllocator() *MemoryAllocator { return c.memory }

func (c *Context) EventBus() *EventBus { return c.events }

// JoinWorker parks the board worker and returns its resume func.
func (c *Context) JoinWorker() (resume func()) {
	return c.global.JoinWorker()
}

// Frozen reports whether Freeze has been called.
func (c *Context) Frozen() bool { return c.frozen.Load() }

// Invalidated reports whether Invalidate has been called.
func (c *Context) Invalidated() bool { return c.invalidated.Load() }

// Freeze ends the claim phase. Freezing twice is a no-op.
func (c *Context) Freeze() {
	c.checkLive("Freeze")
	if c.frozen.CompareAndSwap(false, true) {
		c.log.Debug("context frozen", "irqs", c.interrupts.owned, "ranges", len(c.ranges.owned))
	}
}

// Invalidate lowers every line this context raised, releases every resource
// it claimed and drops its event subscriptions. It may be called once.
func (c *Context) Invalidate() {
	c.checkLive("Invalidate")

	c.controller.lowerAll()
	irqs := c.interrupts.releaseAll()
	ranges := c.ranges.releaseAll()
	mem := c.memory.releaseAll()
	subs := c.events.unsubscribeAll()

	c.invalidated.Store(true)
	c.log.Debug("context invalidated", "irqs", irqs, "ranges", ranges, "memory", mem, "subscriptions", subs)
}

// IsMaskValid reports whether every bit of mask is owned by this context.
func (c *Context) IsMaskValid(mask board.IRQMask) bool {
	return mask&^c.interrupts.owned == 0
}

// GetMaskedInterrupts restricts mask to the lines this context owns.
func (c *Context) GetMaskedInterrupts(mask board.IRQMask) board.IRQMask {
	return mask & c.interrupts.owned
}

// checkClaim panics unless the context still accepts claims.
func (c *Context) checkClaim(op string) {
	c.checkLive(op)
	if c.frozen.Load() {
		panic(fmt.Errorf("%w: %s on %s", resource.ErrFrozen, op, c))
	}
}

// checkLive panics if the context has been invalidated.
func (c *Context) checkLive(op string) {
	if c.invalidated.Load() {
		panic(fmt.Errorf("%w: %s on %s", resource.ErrInvalidated, op, c))
	}
}
