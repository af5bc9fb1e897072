package serial

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/chipset"
	"github.com/tinyrange/rvboard/internal/devices"
	"github.com/tinyrange/rvboard/internal/fdt"
	"github.com/tinyrange/rvboard/internal/resource"
	"github.com/tinyrange/rvboard/internal/resource/managed"
)

// Type is the device type name used in board configuration.
const Type = "ns16550a"

var (
	ErrAddressUnavailable   = errors.New("serial: address range unavailable")
	ErrInterruptUnavailable = errors.New("serial: interrupt line unavailable")
)

// Mount claims an address range and an interrupt line, then subscribes to
// board resets. On failure the claims made so far stay with ctx.
func (s *UART16550A) Mount(ctx *managed.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ranges := ctx.MemoryRangeAllocator()
	addr := cfg.Address
	if addr != 0 {
		if !ranges.ClaimMemoryRangeAt(addr, s) {
			return fmt.Errorf("%w: 0x%x", ErrAddressUnavailable, addr)
		}
	} else {
		var ok bool
		addr, ok = ranges.ClaimMemoryRange(s)
		if !ok {
			return ErrAddressUnavailable
		}
	}

	irqs := ctx.InterruptAllocator()
	irq := cfg.IRQ
	if irq != 0 {
		if !irqs.ClaimInterrupt(irq) {
			return fmt.Errorf("%w: %d", ErrInterruptUnavailable, irq)
		}
	} else {
		var ok bool
		irq, ok = irqs.ClaimAnyInterrupt()
		if !ok {
			return ErrInterruptUnavailable
		}
	}

	ctx.EventBus().Subscribe(resource.EventBoardReset, s.onBoardReset)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.address = addr
	s.irq = irq
	s.irqLine = chipset.ControllerLine(ctx.InterruptController(), board.Line(irq))
	s.irqLine.SetLevel(s.asserted)

	ctx.Logger().Debug("uart mounted", "addr", fmt.Sprintf("0x%x", addr), "irq", irq)
	return nil
}

// Unmount detaches the interrupt line. The context owning the claims
// releases them when it is invalidated.
func (s *UART16550A) Unmount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irqLine.SetLevel(false)
	s.irqLine = chipset.LineInterruptDetached()
	s.ctx = nil
}

// DeviceTreeNode describes the mounted UART. It returns nil before Mount.
func (s *UART16550A) DeviceTreeNode(intc uint32) *fdt.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return nil
	}
	return fdt.NewNode(fmt.Sprintf("serial@%x", s.address)).
		AddProperty("compatible", fdt.String(Type)).
		AddProperty("reg", fdt.U64(s.address), fdt.U64(MMIOSize)).
		AddProperty("interrupts", fdt.U32(s.irq)).
		AddProperty("interrupt-parent", fdt.U32(intc)).
		AddProperty("clock-frequency", fdt.U32(s.cfg.Clock))
}

// Provider builds UARTs for registry queries of type ns16550a.
func Provider() devices.Provider {
	return devices.ForType(Type, func(q devices.Query) devices.Device {
		return New(Config{Address: q.Address, IRQ: q.IRQ})
	})
}

var (
	_ board.Device               = (*UART16550A)(nil)
	_ devices.Device             = (*UART16550A)(nil)
	_ devices.Ticker             = (*UART16550A)(nil)
	_ devices.DeviceTreeProvider = (*UART16550A)(nil)
	_ devices.Snapshotter        = (*UART16550A)(nil)
)
