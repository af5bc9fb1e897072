package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Value is a single encodable element of a property value list.
type Value interface {
	appendTo(dst []byte) []byte
}

// String is encoded as its UTF-8 bytes followed by a NUL terminator.
type String string

// U32 is encoded as 4 big-endian bytes.
type U32 uint32

// U64 is encoded as two big-endian 32-bit words, high word first.
type U64 uint64

// Bytes is copied into the property value verbatim. Parse returns every
// property as a single Bytes value since the blob carries no type information.
type Bytes []byte

func (v String) appendTo(dst []byte) []byte {
	dst = append(dst, v...)
	return append(dst, 0)
}

func (v U32) appendTo(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func (v U64) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(uint64(v)>>32))
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func (v Bytes) appendTo(dst []byte) []byte {
	return append(dst, v...)
}

// Strings converts a list of Go strings into String values.
func Strings(values ...string) []Value {
	out := make([]Value, len(values))
	for i, v := range values {
		out[i] = String(v)
	}
	return out
}

// Cells converts a list of 32-bit cells into U32 values.
func Cells(values ...uint32) []Value {
	out := make([]Value, len(values))
	for i, v := range values {
		out[i] = U32(v)
	}
	return out
}

// Property is a named, ordered list of heterogeneous values. A property with
// no values encodes as an empty (boolean) property.
type Property struct {
	Name   string
	Values []Value
}

// Encode returns the property value bytes as they appear in the blob, before
// structure-block padding.
func (p Property) Encode() []byte {
	var data []byte
	for _, v := range p.Values {
		data = v.appendTo(data)
	}
	return data
}

// Node is a device-tree node. Properties and children keep insertion order.
type Node struct {
	Name        string
	UnitAddress string
	Properties  []Property
	Children    []*Node
}

// NewNode creates a node from a full name such as "uart@10000000". The part
// after the first '@' becomes the unit address.
func NewNode(fullName string) *Node {
	name, unit, _ := strings.Cut(fullName, "@")
	return &Node{Name: name, UnitAddress: unit}
}

// FullName returns the node name with the "@unit-address" suffix if present.
func (n *Node) FullName() string {
	if n.UnitAddress == "" {
		return n.Name
	}
	return n.Name + "@" + n.UnitAddress
}

// AddProperty appends a property and returns the node for chaining.
func (n *Node) AddProperty(name string, values ...Value) *Node {
	n.Properties = append(n.Properties, Property{Name: name, Values: values})
	return n
}

// AddChild appends an existing node as a child.
func (n *Node) AddChild(child *Node) *Node {
	n.Children = append(n.Children, child)
	return n
}

// Child creates, appends and returns a new child node.
func (n *Node) Child(fullName string) *Node {
	child := NewNode(fullName)
	n.Children = append(n.Children, child)
	return child
}

// Property looks up a property by name.
func (n *Node) Property(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Find resolves a slash-separated path of full child names relative to n.
func (n *Node) Find(path string) (*Node, bool) {
	cur := n
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		var next *Node
		for _, c := range cur.Children {
			if c.FullName() == part {
				next = c
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Validate checks every node and property name below and including n. The
// root node passed in may have an empty name.
func (n *Node) Validate() error {
	return n.validate(true)
}

func (n *Node) validate(root bool) error {
	if !root || n.FullName() != "" {
		if err := ValidateNodeName(n.FullName()); err != nil {
			return err
		}
	}
	for _, p := range n.Properties {
		if err := ValidatePropertyName(p.Name); err != nil {
			return fmt.Errorf("node %q: %w", n.FullName(), err)
		}
	}
	for _, c := range n.Children {
		if c == nil {
			return fmt.Errorf("node %q: nil child", n.FullName())
		}
		if err := c.validate(false); err != nil {
			return err
		}
	}
	return nil
}
