package machine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rvboard/internal/devices"
	"github.com/tinyrange/rvboard/internal/resource"
	"github.com/tinyrange/rvboard/internal/snapshot"
)

const stateVersion = 1

type machineState struct {
	Version      int                   `cbor:"1,keyasint"`
	ConfigHash   []byte                `cbor:"2,keyasint"`
	Reservations resource.Reservations `cbor:"3,keyasint"`
	Devices      map[string][]byte     `cbor:"4,keyasint"`
}

// SaveState writes the reservation snapshot and the state of every mounted
// device that supports it.
func (m *Machine) SaveState(w io.Writer) error {
	resume := m.global.JoinWorker()
	defer resume()

	hash := ConfigHash(m.cfg)
	st := machineState{
		Version:      stateVersion,
		ConfigHash:   hash[:],
		Reservations: m.global.Reservations(),
		Devices:      make(map[string][]byte),
	}
	for _, mt := range m.mounts {
		s, ok := mt.dev.(devices.Snapshotter)
		if !ok {
			continue
		}
		data, err := s.SaveState()
		if err != nil {
			return fmt.Errorf("machine: save %s: %w", mt.name, err)
		}
		st.Devices[mt.name] = data
	}
	// Devices that failed to mount this session keep their saved state.
	for name, data := range m.pending {
		if _, ok := st.Devices[name]; !ok {
			st.Devices[name] = data
		}
	}

	if err := snapshot.Write(w, st); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	m.log.Debug("state saved", "devices", len(st.Devices), "config", hash)
	return nil
}

// LoadState installs a saved reservation snapshot and queues device state
// for the next Mount of each device. It must be called before any device is
// mounted.
func (m *Machine) LoadState(r io.Reader) error {
	if len(m.mounts) > 0 {
		return errors.New("machine: state must be loaded before devices are mounted")
	}

	var st machineState
	if err := snapshot.Read(r, &st); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("%w: version %d", ErrStateMismatch, st.Version)
	}
	hash := ConfigHash(m.cfg)
	if !bytes.Equal(st.ConfigHash, hash[:]) {
		return fmt.Errorf("%w: config hash %x, want %s", ErrStateMismatch, st.ConfigHash, hash)
	}

	m.global.SetReservations(st.Reservations)
	m.pending = make(map[string][]byte, len(st.Devices))
	for name, data := range st.Devices {
		m.pending[name] = data
	}
	m.log.Info("state loaded", "devices", len(st.Devices),
		"irqs", st.Reservations.Interrupts, "ranges", len(st.Reservations.Ranges))
	return nil
}
