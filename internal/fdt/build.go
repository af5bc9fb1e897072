package fdt

import "fmt"

// Build validates the tree rooted at root and serializes it into an FDT blob
// with a single pre-order walk.
func Build(root *Node) ([]byte, error) {
	if root == nil {
		return nil, fmt.Errorf("fdt: nil root node")
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	b := NewBuilder()
	b.emitNode(root)
	return b.Build()
}

func (b *Builder) emitNode(n *Node) {
	b.BeginNode(n.FullName())
	for _, p := range n.Properties {
		b.addRaw(p.Name, p.Encode())
	}
	for _, child := range n.Children {
		b.emitNode(child)
	}
	b.EndNode()
}
