// Package snapshot holds the CBOR codecs and file framing used to persist
// board state.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Snapshot file format constants
const (
	Magic   uint32 = 0x52565354 // "RVST"
	Version uint32 = 1
)

var (
	ErrBadMagic   = errors.New("snapshot: bad magic")
	ErrBadVersion = errors.New("snapshot: unsupported version")
)

// encMode encodes deterministically so equal state hashes and compares equal.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create snapshot CBOR decoder mode: %v", err))
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Write writes the file header followed by v encoded as CBOR.
func Write(w io.Writer, v any) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	binary.BigEndian.PutUint32(hdr[4:8], Version)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := encMode.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Read checks the file header and decodes the CBOR body into v.
func Read(r io.Reader, v any) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != Magic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}
	if version := binary.BigEndian.Uint32(hdr[4:8]); version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	if err := decMode.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
