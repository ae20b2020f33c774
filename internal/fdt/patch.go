package fdt

import (
	"fmt"
	"strings"
)

// WalkCPUNodes calls fn for every node in the tree whose name matches
// "cpu@*" under a "cpus" node, passing a pointer so fn can mutate it
// in place.
func WalkCPUNodes(root *Node, fn func(cpu *Node)) {
	for i := range root.Children {
		child := &root.Children[i]
		if child.Name == "cpus" || strings.HasPrefix(child.Name, "cpus@") {
			for j := range child.Children {
				cpu := &child.Children[j]
				if strings.HasPrefix(cpu.Name, "cpu@") {
					fn(cpu)
				}
			}
			continue
		}
		WalkCPUNodes(child, fn)
	}
}

// AppendISAExtension appends a single-letter ISA extension to a
// "riscv,isa" string property, inserting an underscore separator when
// the string already uses the long-form multi-letter naming.
func AppendISAExtension(n *Node, letter string) {
	prop, ok := n.Properties["riscv,isa"]
	if !ok {
		return
	}
	isa := ""
	if len(prop.Bytes) > 0 {
		isa = strings.TrimRight(string(prop.Bytes), "\x00")
	}
	if isa == "" {
		return
	}
	if strings.Contains(isa, letter) {
		return
	}
	sep := ""
	if strings.Contains(isa, "_") {
		sep = "_"
	}
	n.Properties["riscv,isa"] = Property{Bytes: append([]byte(isa+sep+letter), 0)}
}

// FindOrCreateChild returns the child of n with the given name,
// creating it if absent.
func FindOrCreateChild(n *Node, name string) *Node {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
	}
	n.Children = append(n.Children, Node{Name: name})
	return &n.Children[len(n.Children)-1]
}

// AddReservedMemoryRegion adds a no-map reserved-memory child node
// describing [base, base+size) under a "/reserved-memory" node,
// creating the parent node (with the mandatory #address-cells /
// #size-cells / ranges properties) if it does not already exist.
func AddReservedMemoryRegion(root *Node, name string, base, size uint64) {
	resv := FindOrCreateChild(root, "reserved-memory")
	if resv.Properties == nil {
		resv.Properties = make(map[string]Property)
	}
	if _, ok := resv.Properties["#address-cells"]; !ok {
		resv.Properties["#address-cells"] = Property{U32: []uint32{2}}
		resv.Properties["#size-cells"] = Property{U32: []uint32{2}}
		resv.Properties["ranges"] = Property{Flag: true}
	}

	child := Node{
		Name: fmt.Sprintf("%s@%x", name, base),
		Properties: map[string]Property{
			"reg":    {U64: []uint64{base, size}},
			"no-map": {Flag: true},
		},
	}
	resv.Children = append(resv.Children, child)
}

// RelocateInitrd rewrites the /chosen node's linux,initrd-{start,end}
// properties to describe an initrd of the same length moved to
// newStart, for use when the original placement overlaps a freshly
// reserved region.
func RelocateInitrd(root *Node, newStart uint64) error {
	chosen := findChild(root, "chosen")
	if chosen == nil {
		return fmt.Errorf("fdt: no /chosen node")
	}
	startProp, ok := chosen.Properties["linux,initrd-start"]
	if !ok {
		return fmt.Errorf("fdt: /chosen has no linux,initrd-start")
	}
	endProp, ok := chosen.Properties["linux,initrd-end"]
	if !ok {
		return fmt.Errorf("fdt: /chosen has no linux,initrd-end")
	}
	oldStart := propToU64(startProp)
	oldEnd := propToU64(endProp)
	length := oldEnd - oldStart

	chosen.Properties["linux,initrd-start"] = Property{U64: []uint64{newStart}}
	chosen.Properties["linux,initrd-end"] = Property{U64: []uint64{newStart + length}}
	return nil
}

// InitrdRange returns the current [start, end) of the initrd named in
// /chosen, or ok=false if absent.
func InitrdRange(root *Node) (start, end uint64, ok bool) {
	chosen := findChild(root, "chosen")
	if chosen == nil {
		return 0, 0, false
	}
	startProp, hasStart := chosen.Properties["linux,initrd-start"]
	endProp, hasEnd := chosen.Properties["linux,initrd-end"]
	if !hasStart || !hasEnd {
		return 0, 0, false
	}
	return propToU64(startProp), propToU64(endProp), true
}

func findChild(n *Node, name string) *Node {
	for i := range n.Children {
		if n.Children[i].Name == name {
			return &n.Children[i]
		}
	}
	return nil
}

// propToU64 decodes a property written as either a native U64 value or
// a raw big-endian byte string, since parsed-from-blob properties
// arrive as Bytes while freshly-built ones may carry typed U64.
func propToU64(p Property) uint64 {
	if len(p.U64) > 0 {
		return p.U64[0]
	}
	var v uint64
	for _, b := range p.Bytes {
		v = (v << 8) | uint64(b)
	}
	return v
}
