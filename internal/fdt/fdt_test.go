package fdt

import "testing"

func sampleTree() Node {
	return Node{
		Name: "",
		Children: []Node{
			{
				Name: "cpus",
				Properties: map[string]Property{
					"#address-cells": {U32: []uint32{1}},
				},
				Children: []Node{
					{
						Name: "cpu@0",
						Properties: map[string]Property{
							"riscv,isa": {Bytes: append([]byte("rv64imafdc"), 0)},
							"reg":       {U32: []uint32{0}},
						},
					},
				},
			},
			{
				Name: "chosen",
				Properties: map[string]Property{
					"linux,initrd-start": {U64: []uint64{0x9000_0000}},
					"linux,initrd-end":   {U64: []uint64{0x9010_0000}},
				},
			},
		},
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	root := sampleTree()
	blob, err := Build(root)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got.Children) != len(root.Children) {
		t.Fatalf("expected %d top-level children, got %d", len(root.Children), len(got.Children))
	}
}

func TestAppendISAExtension(t *testing.T) {
	root := sampleTree()
	WalkCPUNodes(&root, func(cpu *Node) {
		AppendISAExtension(cpu, "h")
	})

	cpu := root.Children[0].Children[0]
	isa := string(cpu.Properties["riscv,isa"].Bytes)
	want := "rv64imafdch\x00"
	if isa != want {
		t.Fatalf("isa = %q, want %q", isa, want)
	}

	// Appending again must be idempotent.
	WalkCPUNodes(&root, func(cpu *Node) {
		AppendISAExtension(cpu, "h")
	})
	cpu = root.Children[0].Children[0]
	isa = string(cpu.Properties["riscv,isa"].Bytes)
	if isa != want {
		t.Fatalf("second append changed isa to %q", isa)
	}
}

func TestAddReservedMemoryRegion(t *testing.T) {
	root := sampleTree()
	AddReservedMemoryRegion(&root, "shadow-pt-resv", 0x8F00_0000, 0x0040_0000)

	resv := findChild(&root, "reserved-memory")
	if resv == nil {
		t.Fatal("expected /reserved-memory node")
	}
	if len(resv.Children) != 1 {
		t.Fatalf("expected 1 reserved region, got %d", len(resv.Children))
	}
	region := resv.Children[0]
	if _, ok := region.Properties["no-map"]; !ok {
		t.Fatal("expected no-map property")
	}
	reg := region.Properties["reg"].U64
	if reg[0] != 0x8F00_0000 || reg[1] != 0x0040_0000 {
		t.Fatalf("unexpected reg = %v", reg)
	}
}

func TestRelocateInitrd(t *testing.T) {
	root := sampleTree()
	if err := RelocateInitrd(&root, 0xA000_0000); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	start, end, ok := InitrdRange(&root)
	if !ok {
		t.Fatal("expected initrd range")
	}
	if start != 0xA000_0000 {
		t.Fatalf("start = 0x%x, want 0xA0000000", start)
	}
	if end-start != 0x0010_0000 {
		t.Fatalf("length changed: got %d", end-start)
	}
}
