package serial

// IIR cause codes (bits 0-3). Bit 0 set means no interrupt is pending.
const (
	iirNone    = 0x01
	iirMSI     = 0x00
	iirTHRI    = 0x02
	iirRDA     = 0x04
	iirRLS     = 0x06
	iirTimeout = 0x0C

	iirFIFOEnabled = 0xC0
)

// IER bits
const (
	ierRDA  = 1 << 0
	ierTHRI = 1 << 1
	ierRLS  = 1 << 2
	ierMSI  = 1 << 3
)

// causeInputs is everything interrupt selection depends on.
type causeInputs struct {
	ier      byte
	lsr      byte
	msrDelta byte

	fifoEnabled bool
	rxCount     int
	trigger     int

	thrEmptyPending bool
	timeoutPending  bool
}

// interruptCause returns the IIR cause code of the highest priority pending
// interrupt, or iirNone.
func interruptCause(in causeInputs) byte {
	switch {
	case in.ier&ierRLS != 0 && in.lsr&lsrErrorBits != 0:
		return iirRLS
	case in.ier&ierRDA != 0 && in.timeoutPending:
		return iirTimeout
	case in.ier&ierRDA != 0 && rxDataAvailable(in):
		return iirRDA
	case in.ier&ierTHRI != 0 && in.thrEmptyPending:
		return iirTHRI
	case in.ier&ierMSI != 0 && in.msrDelta != 0:
		return iirMSI
	}
	return iirNone
}

func rxDataAvailable(in causeInputs) bool {
	if in.fifoEnabled {
		return in.rxCount >= in.trigger
	}
	return in.lsr&lsrDataReady != 0
}
