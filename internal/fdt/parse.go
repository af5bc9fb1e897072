package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// ErrMalformed is returned by Parse for blobs that do not follow the format.
var ErrMalformed = errors.New("fdt: malformed blob")

// Header is the fixed FDT header.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// ParseHeader decodes the header at the start of blob.
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < fdtHeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(blob))
	}
	var h Header
	if err := binary.Read(bytes.NewReader(blob[:fdtHeaderSize]), binary.BigEndian, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Magic != fdtMagic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, h.Magic)
	}
	if h.TotalSize > uint32(len(blob)) {
		return Header{}, fmt.Errorf("%w: totalsize %d exceeds blob length %d", ErrMalformed, h.TotalSize, len(blob))
	}
	if uint64(h.OffStruct)+uint64(h.SizeStruct) > uint64(h.TotalSize) ||
		uint64(h.OffStrings)+uint64(h.SizeStrings) > uint64(h.TotalSize) {
		return Header{}, fmt.Errorf("%w: block outside totalsize", ErrMalformed)
	}
	if h.LastCompVersion > fdtVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, h.LastCompVersion)
	}
	return h, nil
}

// Parse decodes an FDT blob into a node tree. Property values are returned
// as a single Bytes value each.
func Parse(blob []byte) (*Node, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}
	p := parser{
		structure: blob[h.OffStruct : h.OffStruct+h.SizeStruct],
		strings:   blob[h.OffStrings : h.OffStrings+h.SizeStrings],
	}
	return p.parse()
}

type parser struct {
	structure []byte
	strings   []byte
	off       int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.structure) {
		return 0, fmt.Errorf("%w: truncated structure block at 0x%x", ErrMalformed, p.off)
	}
	v := binary.BigEndian.Uint32(p.structure[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) align() {
	p.off = int(alignUp(uint32(p.off), 4))
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	if off > len(buf) {
		return "", 0, fmt.Errorf("%w: string offset 0x%x out of range", ErrMalformed, off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("%w: unterminated string at 0x%x", ErrMalformed, off)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

func (p *parser) parse() (*Node, error) {
	var stack []*Node
	var root *Node
	for {
		token, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch token {
		case fdtBeginNode:
			name, next, err := p.cstring(p.structure, p.off)
			if err != nil {
				return nil, err
			}
			p.off = next
			p.align()
			n := NewNode(name)
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root nodes", ErrMalformed)
				}
				root = n
			} else {
				stack[len(stack)-1].AddChild(n)
			}
			stack = append(stack, n)
		case fdtEndNode:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: end-node without begin-node", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
		case fdtProp:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: property outside a node", ErrMalformed)
			}
			length, err := p.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}
			if p.off+int(length) > len(p.structure) {
				return nil, fmt.Errorf("%w: property value overruns structure block", ErrMalformed)
			}
			name, _, err := p.cstring(p.strings, int(nameOff))
			if err != nil {
				return nil, err
			}
			data := append(Bytes(nil), p.structure[p.off:p.off+int(length)]...)
			p.off += int(length)
			p.align()
			n := stack[len(stack)-1]
			if length == 0 {
				n.AddProperty(name)
			} else {
				n.AddProperty(name, data)
			}
		case fdtNop:
		case fdtEnd:
			if len(stack) != 0 || root == nil {
				return nil, fmt.Errorf("%w: end token inside open node", ErrMalformed)
			}
			return root, nil
		default:
			return nil, fmt.Errorf("%w: unknown token 0x%x at 0x%x", ErrMalformed, token, p.off-4)
		}
	}
}

// Dump writes n as indented device-tree source.
func Dump(w io.Writer, n *Node) error {
	return dumpNode(w, n, 0)
}

func dumpNode(w io.Writer, n *Node, depth int) error {
	indent := strings.Repeat("\t", depth)
	name := n.FullName()
	if depth == 0 && name == "" {
		name = "/"
	}
	if _, err := fmt.Fprintf(w, "%s%s {\n", indent, name); err != nil {
		return err
	}
	for _, p := range n.Properties {
		data := p.Encode()
		var err error
		if len(data) == 0 {
			_, err = fmt.Fprintf(w, "%s\t%s;\n", indent, p.Name)
		} else {
			_, err = fmt.Fprintf(w, "%s\t%s = %s;\n", indent, p.Name, formatValue(data))
		}
		if err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := dumpNode(w, c, depth+1); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%s};\n", indent)
	return err
}

func formatValue(data []byte) string {
	if s, ok := asStrings(data); ok {
		quoted := make([]string, len(s))
		for i, v := range s {
			quoted[i] = fmt.Sprintf("%q", v)
		}
		return strings.Join(quoted, ", ")
	}
	if len(data)%4 == 0 {
		cells := make([]string, 0, len(data)/4)
		for i := 0; i < len(data); i += 4 {
			cells = append(cells, fmt.Sprintf("0x%x", binary.BigEndian.Uint32(data[i:])))
		}
		return "<" + strings.Join(cells, " ") + ">"
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func asStrings(data []byte) ([]string, bool) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, false
	}
	parts := strings.Split(string(data[:len(data)-1]), "\x00")
	for _, s := range parts {
		if s == "" {
			return nil, false
		}
		for _, r := range s {
			if !unicode.IsPrint(r) {
				return nil, false
			}
		}
	}
	return parts, true
}
