package chipset

import (
	"sync"

	"github.com/tinyrange/rvboard/internal/board"
)

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// ControllerLine drives mask on c. Repeated levels are filtered so the
// controller only sees edges.
func ControllerLine(c Controller, mask board.IRQMask) LineInterrupt {
	return &controllerLine{c: c, mask: mask}
}

type controllerLine struct {
	mu    sync.Mutex
	c     Controller
	mask  board.IRQMask
	level bool
}

func (l *controllerLine) SetLevel(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == high {
		return
	}
	l.level = high
	if high {
		l.c.RaiseInterrupts(l.mask)
	} else {
		l.c.LowerInterrupts(l.mask)
	}
}

func (l *controllerLine) PulseInterrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.RaiseInterrupts(l.mask)
	l.c.LowerInterrupts(l.mask)
	l.level = false
}
