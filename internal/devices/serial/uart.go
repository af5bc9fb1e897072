// Package serial implements a memory-mapped 16550A UART.
package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/rvboard/internal/chipset"
	"github.com/tinyrange/rvboard/internal/resource"
	"github.com/tinyrange/rvboard/internal/resource/managed"
)

const (
	// DefaultClock is the reference clock advertised to the guest.
	DefaultClock = 1843200
	// MMIOSize is the address space reserved for the register file.
	MMIOSize = 0x100

	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrParity    = 1 << 2
	lsrFraming   = 1 << 3
	lsrBreak     = 1 << 4
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	lsrErrorBits = lsrOverrun | lsrParity | lsrFraming | lsrBreak

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1
	fcrClearTX = 1 << 2

	// MCR bits
	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	// MSR bits (low 4 bits are change flags, high 4 bits are status)
	msrDeltaCTS = 1 << 0
	msrDeltaDSR = 1 << 1
	msrDeltaRI  = 1 << 2 // Trailing edge
	msrDeltaDCD = 1 << 3
	msrCTS      = 1 << 4
	msrDSR      = 1 << 5
	msrRI       = 1 << 6
	msrDCD      = 1 << 7
)

// Stats counts traffic through the UART.
type Stats struct {
	TxBytes    uint64
	RxBytes    uint64
	Overruns   uint64
	Interrupts uint64
}

// Config selects the assignments requested at mount. Zero values are
// assigned automatically.
type Config struct {
	Address uint64
	IRQ     int
	Clock   uint32
}

// UART16550A is a 16550A-compatible UART. The bus side (Load, Store, Tick)
// and the host side (CanPutByte, PutByte, ReadByte) serialize through one
// lock.
type UART16550A struct {
	mu sync.Mutex

	cfg     Config
	irqLine chipset.LineInterrupt
	ctx     *managed.Context
	address uint64
	irq     int

	dl        uint16
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte

	rx fifo
	tx fifo

	fifoEnabled bool
	trigger     int

	thrEmptyPending bool
	timeoutPending  bool
	rxActivity      bool

	cause    byte
	asserted bool

	stats Stats
}

// New creates a UART in its power-on state.
func New(cfg Config) *UART16550A {
	if cfg.Clock == 0 {
		cfg.Clock = DefaultClock
	}
	s := &UART16550A{cfg: cfg, irqLine: chipset.LineInterruptDetached()}
	s.resetLocked()
	return s
}

// Reset returns every register to its power-on value.
func (s *UART16550A) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.updateInterruptsLocked()
}

func (s *UART16550A) resetLocked() {
	s.dl = 0
	s.ier = 0
	s.fcr = 0
	s.lcr = 0
	s.mcr = 0
	s.lsr = lsrTHRE | lsrTEMT
	s.msrDelta = 0
	s.scr = 0
	s.rx.clear()
	s.tx.clear()
	s.fifoEnabled = false
	s.trigger = 1
	s.thrEmptyPending = false
	s.timeoutPending = false
	s.rxActivity = false
	s.updateModemStatusLocked()
	s.msrDelta = 0
	s.cause = iirNone
}

// Size implements board.Device.
func (s *UART16550A) Size() uint64 { return MMIOSize }

// Load implements board.Device. Only byte accesses are supported; offsets
// past the register file read as zero.
func (s *UART16550A) Load(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, fmt.Errorf("serial: unsupported %d-byte read at offset 0x%x", size, offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= registerCount {
		return 0, nil
	}
	return uint64(s.readRegisterLocked(offset)), nil
}

// Store implements board.Device.
func (s *UART16550A) Store(offset uint64, size int, value uint64) error {
	if size != 1 {
		return fmt.Errorf("serial: unsupported %d-byte write at offset 0x%x", size, offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < registerCount {
		s.writeRegisterLocked(offset, byte(value))
	}
	return nil
}

func (s *UART16550A) readRegisterLocked(offset uint64) byte {
	switch offset {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			return byte(s.dl)
		}
		return s.readRXByteLocked()
	case 1:
		if s.lcr&lcrDLAB != 0 {
			return byte(s.dl >> 8)
		}
		return s.ier
	case 2:
		return s.readIIRLocked()
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return s.readLSRLocked()
	case 6:
		return s.readMSRLocked()
	case 7:
		return s.scr
	}
	return 0
}

func (s *UART16550A) writeRegisterLocked(offset uint64, value byte) {
	switch offset {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			s.dl = s.dl&0xff00 | uint16(value)
		} else {
			s.writeTXByteLocked(value)
		}
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dl = s.dl&0x00ff | uint16(value)<<8
		} else {
			s.setIERLocked(value)
		}
	case 2:
		s.setFCRLocked(value)
	case 3:
		s.lcr = value
	case 4:
		s.setMCRLocked(value)
	case 5, 6:
		// LSR and MSR are read-only
	case 7:
		s.scr = value
	}
}

func (s *UART16550A) setIERLocked(value byte) {
	prev := s.ier
	s.ier = value & 0x0F
	if prev&ierTHRI == 0 && s.ier&ierTHRI != 0 && s.lsr&lsrTHRE != 0 {
		s.thrEmptyPending = true
	}
	s.updateInterruptsLocked()
}

func (s *UART16550A) setFCRLocked(value byte) {
	enable := value&fcrEnable != 0
	if enable != s.fifoEnabled {
		value |= fcrClearRX | fcrClearTX
	}
	if value&fcrClearRX != 0 {
		s.rx.clear()
		s.lsr &^= lsrDataReady
		s.timeoutPending = false
	}
	if value&fcrClearTX != 0 {
		s.tx.clear()
		s.lsr |= lsrTHRE | lsrTEMT
		s.thrEmptyPending = true
	}

	s.fifoEnabled = enable
	s.fcr = value & 0xC9

	switch value & 0xC0 {
	case 0x00:
		s.trigger = 1
	case 0x40:
		s.trigger = 4
	case 0x80:
		s.trigger = 8
	case 0xC0:
		s.trigger = 14
	}

	s.updateInterruptsLocked()
}

func (s *UART16550A) setMCRLocked(value byte) {
	prev := s.mcr
	s.mcr = value & 0x1F

	if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
		// Leaving loopback drops anything still looped back.
		s.rx.clear()
		s.lsr &^= lsrDataReady
		s.timeoutPending = false
	}

	s.updateModemStatusLocked()
	s.updateInterruptsLocked()
}

func (s *UART16550A) updateModemStatusLocked() {
	prev := s.msrStatus
	var status byte
	if s.mcr&mcrLoop != 0 {
		// Loopback: status reflects control signals
		if s.mcr&mcrDTR != 0 {
			status |= msrDSR
		}
		if s.mcr&mcrRTS != 0 {
			status |= msrCTS
		}
		if s.mcr&mcrOUT1 != 0 {
			status |= msrRI
		}
		if s.mcr&mcrOUT2 != 0 {
			status |= msrDCD
		}
	} else {
		// All modem inputs are asserted on a virtual line.
		status = msrCTS | msrDSR | msrDCD
	}
	s.msrStatus = status

	changed := prev ^ status
	if changed&msrCTS != 0 {
		s.msrDelta |= msrDeltaCTS
	}
	if changed&msrDSR != 0 {
		s.msrDelta |= msrDeltaDSR
	}
	if changed&msrDCD != 0 {
		s.msrDelta |= msrDeltaDCD
	}
	if prev&msrRI != 0 && status&msrRI == 0 {
		s.msrDelta |= msrDeltaRI
	}
}

func (s *UART16550A) writeTXByteLocked(value byte) {
	if s.mcr&mcrLoop != 0 {
		s.stats.TxBytes++
		s.receiveLocked(value)
		s.thrEmptyPending = true
		s.updateInterruptsLocked()
		return
	}

	if s.fifoEnabled {
		if s.tx.full() {
			s.updateInterruptsLocked()
			return
		}
		s.tx.push(value)
	} else {
		// The holding register is one byte deep.
		s.tx.clear()
		s.tx.push(value)
	}
	s.stats.TxBytes++
	s.lsr &^= lsrTHRE | lsrTEMT
	s.thrEmptyPending = false
	s.updateInterruptsLocked()
}

func (s *UART16550A) readRXByteLocked() byte {
	value, ok := s.rx.pop()
	if s.rx.len() == 0 {
		s.lsr &^= lsrDataReady
	}
	if ok {
		s.rxActivity = true
	}
	s.timeoutPending = false
	s.updateInterruptsLocked()
	return value
}

func (s *UART16550A) readIIRLocked() byte {
	value := s.cause
	if s.fifoEnabled {
		value |= iirFIFOEnabled
	}
	if s.cause == iirTHRI {
		s.thrEmptyPending = false
		s.updateInterruptsLocked()
	}
	return value
}

func (s *UART16550A) readLSRLocked() byte {
	value := s.lsr
	if s.lsr&lsrErrorBits != 0 {
		s.lsr &^= lsrErrorBits
		s.updateInterruptsLocked()
	}
	return value
}

func (s *UART16550A) readMSRLocked() byte {
	value := s.msrStatus | s.msrDelta
	if s.msrDelta != 0 {
		s.msrDelta = 0
		s.updateInterruptsLocked()
	}
	return value
}

// receiveLocked queues value on the receive path, flagging an overrun when
// there is no room.
func (s *UART16550A) receiveLocked(value byte) {
	if !s.canReceiveLocked() {
		s.lsr |= lsrOverrun
		s.stats.Overruns++
		return
	}
	s.rx.push(value)
	s.lsr |= lsrDataReady
	s.rxActivity = true
	s.stats.RxBytes++
}

func (s *UART16550A) canReceiveLocked() bool {
	if s.fifoEnabled {
		return !s.rx.full()
	}
	return s.rx.len() == 0
}

func (s *UART16550A) updateInterruptsLocked() {
	s.cause = interruptCause(causeInputs{
		ier:             s.ier,
		lsr:             s.lsr,
		msrDelta:        s.msrDelta,
		fifoEnabled:     s.fifoEnabled,
		rxCount:         s.rx.len(),
		trigger:         s.trigger,
		thrEmptyPending: s.thrEmptyPending,
		timeoutPending:  s.timeoutPending,
	})

	asserted := s.cause != iirNone
	if asserted && !s.asserted {
		s.stats.Interrupts++
	}
	s.asserted = asserted
	s.irqLine.SetLevel(asserted)
}

// CanPutByte reports whether PutByte would be accepted without an overrun.
func (s *UART16550A) CanPutByte() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canReceiveLocked()
}

// PutByte feeds one byte from the host into the receive path.
func (s *UART16550A) PutByte(value byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveLocked(value)
	s.updateInterruptsLocked()
}

// PutBreak signals a break condition: a NUL byte is received and the break
// and data-ready bits are set.
func (s *UART16550A) PutBreak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiveLocked(0)
	s.lsr |= lsrBreak | lsrDataReady
	s.updateInterruptsLocked()
}

// ReadByte drains one transmitted byte. It returns io.EOF when nothing is
// waiting.
func (s *UART16550A) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.tx.pop()
	if !ok {
		return 0, io.EOF
	}
	if s.tx.len() == 0 {
		s.lsr |= lsrTHRE | lsrTEMT
		s.thrEmptyPending = true
		s.updateInterruptsLocked()
	}
	return value, nil
}

// Tick raises the character timeout when FIFO data has sat unread since the
// previous tick.
func (s *UART16550A) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fifoEnabled && s.rx.len() > 0 && !s.rxActivity {
		s.timeoutPending = true
	}
	s.rxActivity = false
	s.updateInterruptsLocked()
}

// SetIRQLine replaces the line the UART drives. A nil line detaches it.
func (s *UART16550A) SetIRQLine(line chipset.LineInterrupt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	s.irqLine = line
	s.irqLine.SetLevel(s.asserted)
}

// Stats returns current statistics.
func (s *UART16550A) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Assignment returns the address and interrupt line claimed at mount.
func (s *UART16550A) Assignment() (addr uint64, irq int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address, s.irq, s.ctx != nil
}

func (s *UART16550A) onBoardReset(resource.Event) error {
	s.Reset()
	return nil
}

// fifo is a 16-entry byte ring.
type fifo struct {
	buf   [fifoSize]byte
	head  int
	count int
}

func (f *fifo) len() int   { return f.count }
func (f *fifo) full() bool { return f.count == fifoSize }

func (f *fifo) clear() {
	f.head = 0
	f.count = 0
}

func (f *fifo) push(b byte) {
	f.buf[(f.head+f.count)%fifoSize] = b
	f.count++
}

func (f *fifo) pop() (byte, bool) {
	if f.count == 0 {
		return 0, false
	}
	b := f.buf[f.head]
	f.head = (f.head + 1) % fifoSize
	f.count--
	return b, true
}

// bytes returns the queued bytes oldest first.
func (f *fifo) bytes() []byte {
	out := make([]byte, f.count)
	for i := range out {
		out[i] = f.buf[(f.head+i)%fifoSize]
	}
	return out
}
