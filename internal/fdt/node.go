// Package fdt builds a standards-conformant flattened device tree blob
// (the binary format defined by the Devicetree Specification) describing
// the assembled machine, for the guest kernel to consume at boot.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Property is one name/value pair attached to a Node. Value is the raw
// property payload; use the PropXxx helpers to build one from a Go value.
type Property struct {
	Name  string
	Value []byte
}

// PropEmpty returns a valueless boolean property (e.g. interrupt-controller).
func PropEmpty(name string) Property { return Property{Name: name} }

// PropU32 returns a single big-endian 32-bit cell property.
func PropU32(name string, v uint32) Property {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return Property{Name: name, Value: b[:]}
}

// PropCells returns a property holding a list of big-endian 32-bit cells,
// the encoding used for reg/interrupts/address lists.
func PropCells(name string, cells ...uint32) Property {
	b := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.BigEndian.PutUint32(b[i*4:], c)
	}
	return Property{Name: name, Value: b}
}

// PropU64Pair encodes a (base, size) pair as two 32-bit-cell-pairs, for
// #address-cells=2 #size-cells=2 reg properties.
func PropU64Pair(name string, base, size uint64) Property {
	return PropCells(name,
		uint32(base>>32), uint32(base),
		uint32(size>>32), uint32(size))
}

// PropString returns a NUL-terminated string property.
func PropString(name, v string) Property {
	return Property{Name: name, Value: append([]byte(v), 0)}
}

// PropStringList returns a property holding several NUL-terminated
// strings back to back (a "compatible" list).
func PropStringList(name string, values ...string) Property {
	var b []byte
	for _, v := range values {
		b = append(b, v...)
		b = append(b, 0)
	}
	return Property{Name: name, Value: b}
}

// Node is one devicetree node: a name, its properties, and child nodes.
type Node struct {
	Name     string
	Props    []Property
	Children []*Node
}

// NewNode returns an empty node named name.
func NewNode(name string) *Node {
	return &Node{Name: name}
}

// Prop appends a property and returns the node, for chaining.
func (n *Node) Prop(p Property) *Node {
	n.Props = append(n.Props, p)
	return n
}

// Add appends a child node and returns the child, for chaining further
// additions onto it.
func (n *Node) Add(child *Node) *Node {
	n.Children = append(n.Children, child)
	return child
}

const (
	fdtMagic      = 0xd00dfeed
	fdtBeginNode  = 0x00000001
	fdtEndNode    = 0x00000002
	fdtProp       = 0x00000003
	fdtEnd        = 0x00000009
	fdtVersion    = 17
	fdtCompatVers = 16
)

// headerSize is the fixed 40-byte FDT header.
const headerSize = 40

// Encode serializes the tree rooted at n into a complete DTB blob.
func Encode(root *Node) ([]byte, error) {
	var strs bytes.Buffer
	strOff := map[string]uint32{}
	internString := func(s string) uint32 {
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint32(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		strOff[s] = off
		return off
	}

	var structBlock bytes.Buffer
	if err := encodeNode(&structBlock, root, internString); err != nil {
		return nil, fmt.Errorf("fdt: encoding tree: %w", err)
	}
	writeU32(&structBlock, fdtEnd)

	memRsvMap := make([]byte, 16) // one terminating all-zero entry, no reservations

	off := uint32(headerSize)
	offMemRsvMap := off
	off += uint32(len(memRsvMap))
	offStruct := off
	off += uint32(structBlock.Len())
	offStrings := off
	totalSize := off + uint32(strs.Len())

	var out bytes.Buffer
	writeU32(&out, fdtMagic)
	writeU32(&out, totalSize)
	writeU32(&out, offStruct)
	writeU32(&out, offStrings)
	writeU32(&out, offMemRsvMap)
	writeU32(&out, fdtVersion)
	writeU32(&out, fdtCompatVers)
	writeU32(&out, 0) // boot_cpuid_phys
	writeU32(&out, uint32(strs.Len()))
	writeU32(&out, uint32(structBlock.Len()))

	out.Write(memRsvMap)
	out.Write(structBlock.Bytes())
	out.Write(strs.Bytes())

	return out.Bytes(), nil
}

func encodeNode(buf *bytes.Buffer, n *Node, intern func(string) uint32) error {
	writeU32(buf, fdtBeginNode)
	buf.WriteString(n.Name)
	buf.WriteByte(0)
	pad4(buf)

	for _, p := range n.Props {
		writeU32(buf, fdtProp)
		writeU32(buf, uint32(len(p.Value)))
		writeU32(buf, intern(p.Name))
		buf.Write(p.Value)
		pad4(buf)
	}

	for _, c := range n.Children {
		if err := encodeNode(buf, c, intern); err != nil {
			return err
		}
	}

	writeU32(buf, fdtEndNode)
	return nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func pad4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}
