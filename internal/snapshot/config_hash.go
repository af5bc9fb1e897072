package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConfigHash represents a hash of board configuration. A saved state can only
// be restored onto a board with the same hash.
type ConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	Name    string
	Type    string
	Address uint64
	IRQ     int
}

// BoardConfig is the board layout a saved state depends on.
type BoardConfig struct {
	RAMSize      uint64
	DeviceMemory uint64
	Interrupts   int
	WindowStart  uint64
	WindowEnd    uint64
	Align        uint64
	Devices      []DeviceConfig
}

// ComputeConfigHash computes a deterministic hash of the board parameters.
// Device order matters.
func ComputeConfigHash(bc BoardConfig) ConfigHash {
	h := sha256.New()

	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	put(bc.RAMSize)
	put(bc.DeviceMemory)
	put(uint64(bc.Interrupts))
	put(bc.WindowStart)
	put(bc.WindowEnd)
	put(bc.Align)

	for _, dc := range bc.Devices {
		h.Write([]byte(dc.Name))
		h.Write([]byte{0})
		h.Write([]byte(dc.Type))
		h.Write([]byte{0})
		put(dc.Address)
		put(uint64(int64(dc.IRQ)))
	}

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h ConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
