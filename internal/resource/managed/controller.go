package managed

import (
	"fmt"
	"sync"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/chipset"
	"github.com/tinyrange/rvboard/internal/resource"
)

// InterruptController forwards raise/lower requests to the shared controller
// for lines the context owns. It remembers which lines it raised so
// Invalidate can lower exactly those.
type InterruptController struct {
	ctx    *Context
	global *chipset.InterruptController

	mu     sync.Mutex
	raised board.IRQMask
}

// RaiseInterrupts raises mask. It panics if mask contains a line the context
// does not own.
func (c *InterruptController) RaiseInterrupts(mask board.IRQMask) {
	c.check("RaiseInterrupts", mask)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raised |= mask
	c.global.RaiseInterrupts(mask)
}

// LowerInterrupts lowers mask. It panics if mask contains a line the context
// does not own.
func (c *InterruptController) LowerInterrupts(mask board.IRQMask) {
	c.check("LowerInterrupts", mask)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raised &^= mask
	c.global.LowerInterrupts(mask)
}

// Raised returns the lines currently raised through this controller.
func (c *InterruptController) Raised() board.IRQMask {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raised
}

func (c *InterruptController) check(op string, mask board.IRQMask) {
	c.ctx.checkLive(op)
	if !c.ctx.IsMaskValid(mask) {
		panic(fmt.Errorf("%w: %s %v by %s (owns %v)",
			chipset.ErrUnauthorizedInterrupt, op, mask, c.ctx, c.ctx.interrupts.owned))
	}
}

// lower drops the lines of mask this controller raised and forgets them.
func (c *InterruptController) lower(mask board.IRQMask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mask &= c.raised; mask != 0 {
		c.global.LowerInterrupts(mask)
		c.raised &^= mask
	}
}

func (c *InterruptController) lowerAll() {
	c.lower(^board.IRQMask(0))
}

var _ chipset.Controller = (*InterruptController)(nil)

// EventBus is the mount-scoped view of the board event bus. Subscriptions
// made through it are dropped on Invalidate.
type EventBus struct {
	ctx    *Context
	global *resource.EventBus

	mu   sync.Mutex
	subs []resource.Subscription
}

// Subscribe registers h for events of kind.
func (b *EventBus) Subscribe(kind resource.EventKind, h resource.Handler) resource.Subscription {
	b.ctx.checkLive("Subscribe")
	id := b.global.Subscribe(kind, h)
	b.mu.Lock()
	b.subs = append(b.subs, id)
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription made through this bus.
func (b *EventBus) Unsubscribe(id resource.Subscription) bool {
	b.ctx.checkLive("Unsubscribe")
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return b.global.Unsubscribe(id)
		}
	}
	return false
}

// Post delivers ev to every subscriber on the board.
func (b *EventBus) Post(ev resource.Event) error {
	b.ctx.checkLive("Post")
	if ev.Device == "" {
		ev.Device = b.ctx.name
	}
	return b.global.Post(ev)
}

func (b *EventBus) unsubscribeAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs)
	for _, id := range b.subs {
		b.global.Unsubscribe(id)
	}
	b.subs = nil
	return n
}
