package hinit

import (
	"fmt"

	"github.com/dramforever/opensbi-h/internal/fdt"
)

// PatchDeviceTree advertises the H extension and the shadow table
// carve-out in the device tree the next boot stage will see: every
// "cpu@*" node's riscv,isa string gains "h", and a no-map
// reserved-memory region covers [shadowBase, shadowBase+shadowSize).
// If that region overlaps the initrd named in /chosen, the initrd is
// relocated below shadowBase first so the guest kernel never loses
// access to it.
//
// Grounded on the reference firmware's device-tree fixup pass: parse,
// mutate in place, re-serialize, with no other representation of the
// blob held in between.
func PatchDeviceTree(blob []byte, cfg Config, shadowBase, shadowSize uint64) ([]byte, error) {
	root, err := fdt.Parse(blob)
	if err != nil {
		return nil, ErrFail{Reason: fmt.Sprintf("parse device tree: %v", err)}
	}

	fdt.WalkCPUNodes(&root, func(cpu *fdt.Node) {
		fdt.AppendISAExtension(cpu, "h")
	})

	if start, end, ok := fdt.InitrdRange(&root); ok {
		if rangesOverlap(start, end, shadowBase, shadowBase+shadowSize) {
			newStart := shadowBase - (end - start)
			if err := fdt.RelocateInitrd(&root, newStart); err != nil {
				return nil, ErrFail{Reason: fmt.Sprintf("relocate initrd clear of shadow carve-out: %v", err)}
			}
		}
	}

	fdt.AddReservedMemoryRegion(&root, cfg.ReservedMemoryNodeName, shadowBase, shadowSize)

	out, err := fdt.Build(root)
	if err != nil {
		return nil, ErrFail{Reason: fmt.Sprintf("rebuild device tree: %v", err)}
	}
	return out, nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}
