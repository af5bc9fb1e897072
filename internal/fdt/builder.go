// Package fdt builds and parses Flattened Device Tree blobs.
package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	fdtMagic       = 0xd00dfeed
	fdtVersion     = 0x11
	fdtLastCompVer = 0x10

	fdtHeaderSize     = 40
	fdtMemRsvAlign    = 8
	fdtMemRsvTermSize = 16

	fdtBeginNode = 0x00000001
	fdtEndNode   = 0x00000002
	fdtProp      = 0x00000003
	fdtNop       = 0x00000004
	fdtEnd       = 0x00000009
)

// ErrUnbalanced is returned by Build when begin-node and end-node tokens
// do not pair up.
var ErrUnbalanced = errors.New("fdt: unbalanced node structure")

// Builder constructs a Flattened Device Tree blob token by token.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
	depth     int
	underflow bool
}

// NewBuilder creates a new FDT builder.
func NewBuilder() *Builder {
	return &Builder{
		stringOff: make(map[string]uint32),
	}
}

// BeginNode starts a new node with the given full name.
func (b *Builder) BeginNode(name string) {
	b.appendU32(fdtBeginNode)
	b.appendBytes(append([]byte(name), 0))
	b.depth++
}

// EndNode ends the current node.
func (b *Builder) EndNode() {
	if b.depth == 0 {
		b.underflow = true
		return
	}
	b.appendU32(fdtEndNode)
	b.depth--
}

// AddProperty adds a property whose value is the concatenation of values.
func (b *Builder) AddProperty(name string, values ...Value) {
	b.addRaw(name, Property{Name: name, Values: values}.Encode())
}

func (b *Builder) addRaw(name string, data []byte) {
	b.appendU32(fdtProp)
	b.appendU32(uint32(len(data)))
	b.appendU32(b.addString(name))
	b.appendBytes(data)
}

// Build generates the final FDT blob. The builder must not be reused.
func (b *Builder) Build() ([]byte, error) {
	if b.underflow {
		return nil, fmt.Errorf("%w: end-node without matching begin-node", ErrUnbalanced)
	}
	if b.depth != 0 {
		return nil, fmt.Errorf("%w: %d node(s) left open", ErrUnbalanced, b.depth)
	}

	b.appendU32(fdtEnd)

	memRsvmapOff := alignUp(fdtHeaderSize, fdtMemRsvAlign)
	structOff := memRsvmapOff + fdtMemRsvTermSize
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	stringsSize := uint32(len(b.strings))
	totalSize := stringsOff + stringsSize

	// Header, padding and the terminator-only reservation map are zeroed by make.
	blob := make([]byte, totalSize)
	binary.BigEndian.PutUint32(blob[0:], fdtMagic)
	binary.BigEndian.PutUint32(blob[4:], totalSize)
	binary.BigEndian.PutUint32(blob[8:], structOff)
	binary.BigEndian.PutUint32(blob[12:], stringsOff)
	binary.BigEndian.PutUint32(blob[16:], memRsvmapOff)
	binary.BigEndian.PutUint32(blob[20:], fdtVersion)
	binary.BigEndian.PutUint32(blob[24:], fdtLastCompVer)
	binary.BigEndian.PutUint32(blob[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(blob[32:], stringsSize)
	binary.BigEndian.PutUint32(blob[36:], structSize)

	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)

	return blob, nil
}

func (b *Builder) appendU32(v uint32) {
	b.structure = binary.BigEndian.AppendUint32(b.structure, v)
}

func (b *Builder) appendBytes(data []byte) {
	b.structure = append(b.structure, data...)
	// Align to 4 bytes
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) addString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}
