package hinit

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dramforever/opensbi-h/internal/ptarena"
)

// PTAlign is the alignment the shadow-table carve-out's physical base
// must satisfy.
const PTAlign = 2 * 1024 * 1024

// CarveShadowArenas allocates hartCount contiguous PT-Arenas out of
// one anonymous mapping, each sized cfg.PTSpaceBytes() and physically
// backed so the real MMU can walk it. base is where the caller has
// decided to place the carve-out (the tail of main memory, aligned to
// PTAlign); this function only performs the mmap and arena
// construction, the caller owns reserving [base, base+total) against
// the rest of the platform (root-domain read-only region, FDT
// reserved-memory node).
//
// Grounded on the reference hypervisor's AllocateMemory: anonymous,
// private, read-write mmap sized to the request.
func CarveShadowArenas(cfg Config, base uint64) ([]*ptarena.Arena, []byte, error) {
	if base%PTAlign != 0 {
		return nil, nil, ErrFail{Reason: fmt.Sprintf("shadow carve-out base 0x%x is not PT_ALIGN-aligned", base)}
	}
	nodesPerHart := int(cfg.PTSpaceBytes() / ptarena.NodeSize)
	if nodesPerHart < 1 {
		return nil, nil, ErrFail{Reason: "PTSpaceMB too small to hold even the root node"}
	}
	total := cfg.HartCount * nodesPerHart * ptarena.NodeSize

	mem, err := unix.Mmap(
		-1,
		0,
		total,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, ErrNoMem{Reason: fmt.Sprintf("mmap shadow table region: %v", err)}
	}

	arenas := make([]*ptarena.Arena, cfg.HartCount)
	for i := 0; i < cfg.HartCount; i++ {
		hartBase := base + uint64(i*nodesPerHart*ptarena.NodeSize)
		hartMem := mem[i*nodesPerHart*ptarena.NodeSize : (i+1)*nodesPerHart*ptarena.NodeSize]
		arena, err := ptarena.New(hartBase, hartMem, nodesPerHart)
		if err != nil {
			unix.Munmap(mem)
			return nil, nil, ErrFail{Reason: err.Error()}
		}
		arenas[i] = arena
	}

	return arenas, mem, nil
}
