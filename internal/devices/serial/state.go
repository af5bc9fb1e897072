package serial

import (
	"fmt"

	"github.com/tinyrange/rvboard/internal/snapshot"
)

type uartState struct {
	Address uint64 `cbor:"1,keyasint"`
	IRQ     int    `cbor:"2,keyasint"`

	DL        uint16 `cbor:"3,keyasint"`
	IER       byte   `cbor:"4,keyasint"`
	FCR       byte   `cbor:"5,keyasint"`
	LCR       byte   `cbor:"6,keyasint"`
	MCR       byte   `cbor:"7,keyasint"`
	LSR       byte   `cbor:"8,keyasint"`
	MSRStatus byte   `cbor:"9,keyasint"`
	MSRDelta  byte   `cbor:"10,keyasint"`
	SCR       byte   `cbor:"11,keyasint"`

	RX          []byte `cbor:"12,keyasint"`
	TX          []byte `cbor:"13,keyasint"`
	FIFOEnabled bool   `cbor:"14,keyasint"`
	Trigger     int    `cbor:"15,keyasint"`

	THREmptyPending bool `cbor:"16,keyasint"`
	TimeoutPending  bool `cbor:"17,keyasint"`

	Stats Stats `cbor:"18,keyasint"`
}

// SaveState encodes the register file, FIFOs and current assignment.
func (s *UART16550A) SaveState() ([]byte, error) {
	s.mu.Lock()
	st := uartState{
		Address:         s.address,
		IRQ:             s.irq,
		DL:              s.dl,
		IER:             s.ier,
		FCR:             s.fcr,
		LCR:             s.lcr,
		MCR:             s.mcr,
		LSR:             s.lsr,
		MSRStatus:       s.msrStatus,
		MSRDelta:        s.msrDelta,
		SCR:             s.scr,
		RX:              s.rx.bytes(),
		TX:              s.tx.bytes(),
		FIFOEnabled:     s.fifoEnabled,
		Trigger:         s.trigger,
		THREmptyPending: s.thrEmptyPending,
		TimeoutPending:  s.timeoutPending,
		Stats:           s.stats,
	}
	s.mu.Unlock()

	data, err := snapshot.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("serial: encode state: %w", err)
	}
	return data, nil
}

// RestoreState loads state produced by SaveState. The saved address and
// interrupt line become the explicit assignments for the next Mount.
func (s *UART16550A) RestoreState(data []byte) error {
	var st uartState
	if err := snapshot.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("serial: decode state: %w", err)
	}
	if len(st.RX) > fifoSize || len(st.TX) > fifoSize {
		return fmt.Errorf("serial: decode state: fifo holds more than %d bytes", fifoSize)
	}
	switch st.Trigger {
	case 1, 4, 8, 14:
	default:
		return fmt.Errorf("serial: decode state: invalid trigger level %d", st.Trigger)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Address != 0 {
		s.cfg.Address = st.Address
	}
	if st.IRQ != 0 {
		s.cfg.IRQ = st.IRQ
	}
	s.dl = st.DL
	s.ier = st.IER
	s.fcr = st.FCR
	s.lcr = st.LCR
	s.mcr = st.MCR
	s.lsr = st.LSR
	s.msrStatus = st.MSRStatus
	s.msrDelta = st.MSRDelta
	s.scr = st.SCR
	s.rx.clear()
	for _, b := range st.RX {
		s.rx.push(b)
	}
	s.tx.clear()
	for _, b := range st.TX {
		s.tx.push(b)
	}
	s.fifoEnabled = st.FIFOEnabled
	s.trigger = st.Trigger
	s.thrEmptyPending = st.THREmptyPending
	s.timeoutPending = st.TimeoutPending
	s.stats = st.Stats

	s.updateInterruptsLocked()
	return nil
}
