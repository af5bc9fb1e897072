package resource

import (
	"fmt"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/snapshot"
)

// Reservations is a snapshot of claimed resources. Automatic claims avoid
// reserved resources so that devices restored from saved state can reclaim
// their previous assignments explicitly.
type Reservations struct {
	Interrupts board.IRQMask `cbor:"1,keyasint"`
	Ranges     []board.Range `cbor:"2,keyasint"`
}

// EncodeReservations encodes r as CBOR.
func EncodeReservations(r Reservations) ([]byte, error) {
	data, err := snapshot.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reservations: %w", err)
	}
	return data, nil
}

// DecodeReservations decodes CBOR produced by EncodeReservations.
func DecodeReservations(data []byte) (Reservations, error) {
	var out Reservations
	if err := snapshot.Unmarshal(data, &out); err != nil {
		return Reservations{}, fmt.Errorf("decode reservations: %w", err)
	}
	return out, nil
}

// Empty reports whether nothing is reserved.
func (r Reservations) Empty() bool {
	return r.Interrupts == 0 && len(r.Ranges) == 0
}
