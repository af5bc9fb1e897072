// Package chipset wires device interrupt requests to the board's shared
// interrupt lines.
package chipset

import (
	"errors"

	"github.com/tinyrange/rvboard/internal/board"
)

// ErrUnauthorizedInterrupt is raised (as a panic) when a device drives an
// interrupt line it does not own.
var ErrUnauthorizedInterrupt = errors.New("chipset: unauthorized interrupt")

// Controller raises and lowers sets of interrupt lines.
type Controller interface {
	RaiseInterrupts(mask board.IRQMask)
	LowerInterrupts(mask board.IRQMask)
}

// InterruptController is the board-wide controller. Every caller may drive
// every line; ownership is enforced one layer up.
type InterruptController struct {
	lines *board.InterruptLines
}

// NewInterruptController wraps the board interrupt lines.
func NewInterruptController(lines *board.InterruptLines) *InterruptController {
	return &InterruptController{lines: lines}
}

// RaiseInterrupts implements Controller.
func (c *InterruptController) RaiseInterrupts(mask board.IRQMask) {
	c.lines.Raise(mask)
}

// LowerInterrupts implements Controller.
func (c *InterruptController) LowerInterrupts(mask board.IRQMask) {
	c.lines.Lower(mask)
}

// Raised returns the lines currently high.
func (c *InterruptController) Raised() board.IRQMask {
	return c.lines.Levels()
}

// Count returns the number of lines behind the controller.
func (c *InterruptController) Count() int {
	return c.lines.Count()
}

var _ Controller = (*InterruptController)(nil)
