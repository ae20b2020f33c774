package hinit

import (
	"testing"

	"github.com/dramforever/opensbi-h/internal/ptarena"
)

func TestCarveShadowArenasRejectsUnalignedBase(t *testing.T) {
	cfg := Config{HartCount: 2, PTSpaceMB: 4}
	_, _, err := CarveShadowArenas(cfg, 0x8000_1000)
	if _, ok := err.(ErrFail); !ok {
		t.Fatalf("err = %v, want ErrFail", err)
	}
}

func TestCarveShadowArenasOneArenaPerHart(t *testing.T) {
	cfg := Config{HartCount: 4, PTSpaceMB: 4}
	arenas, mem, err := CarveShadowArenas(cfg, 0x9000_0000)
	if err != nil {
		t.Fatalf("CarveShadowArenas: %v", err)
	}
	if len(arenas) != cfg.HartCount {
		t.Fatalf("len(arenas) = %d, want %d", len(arenas), cfg.HartCount)
	}

	nodesPerHart := int(cfg.PTSpaceBytes() / ptarena.NodeSize)
	wantTotal := cfg.HartCount * nodesPerHart * ptarena.NodeSize
	if len(mem) != wantTotal {
		t.Fatalf("len(mem) = %d, want %d", len(mem), wantTotal)
	}

	for i, arena := range arenas {
		wantBase := 0x9000_0000 + uint64(i*nodesPerHart*ptarena.NodeSize)
		if arena.Root() != wantBase {
			t.Fatalf("arena[%d].Root() = 0x%x, want 0x%x", i, arena.Root(), wantBase)
		}
		if !arena.Contains(wantBase) {
			t.Fatalf("arena[%d] does not contain its own root 0x%x", i, wantBase)
		}
	}
}

func TestCarveShadowArenasRejectsUndersizedPTSpace(t *testing.T) {
	cfg := Config{HartCount: 1, PTSpaceMB: 0}
	cfg.normalize()
	cfg.PTSpaceMB = 0 // force back below one node after normalize filled in the default
	_, _, err := CarveShadowArenas(cfg, 0x9000_0000)
	if _, ok := err.(ErrFail); !ok {
		t.Fatalf("err = %v, want ErrFail", err)
	}
}
