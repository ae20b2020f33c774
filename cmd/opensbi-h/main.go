// Command opensbi-h is the host-side tooling around the H-extension
// emulation firmware: it prepares the next-boot device tree and the
// per-build configuration the firmware's Init step consumes. The
// emulation core itself (internal/coreloop and the packages it wires
// together) runs in M-mode on the target hart; this binary is the
// workbench for building and inspecting its inputs offline.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/dramforever/opensbi-h/internal/fdt"
	"github.com/dramforever/opensbi-h/internal/hinit"
)

func main() {
	if err := run(); err != nil {
		var exitErr *usageError
		if errors.As(err, &exitErr) {
			flag.Usage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "opensbi-h: %v\n", err)
		os.Exit(1)
	}
}

type usageError struct{ reason string }

func (e *usageError) Error() string { return e.reason }

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

func run() error {
	dbg := flag.Bool("debug", false, "Enable debug logging")
	config := flag.String("config", "", "Path to the firmware config YAML")
	dtbIn := flag.String("dtb", "", "Path to the guest device tree blob to patch")
	dtbOut := flag.String("dtb-out", "", "Path to write the patched device tree blob")
	shadowBase := flag.Uint64("shadow-base", 0, "Physical base address of the shadow table carve-out")
	var hartCount intFlag
	hartCount.v = 1
	flag.Var(&hartCount, "harts", "Number of harts to size the shadow arena pool for")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <init|patch-dtb|new-config> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  init        probe MSTATUS stickiness against a CSR backend (host-only; no real backend is wired in)\n")
		fmt.Fprintf(os.Stderr, "  patch-dtb   advertise H and reserve the shadow-table region in a device tree blob\n")
		fmt.Fprintf(os.Stderr, "  new-config  write a starter firmware config YAML\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	args := flag.Args()
	if len(args) < 1 {
		return &usageError{reason: "missing subcommand"}
	}

	switch args[0] {
	case "new-config":
		if *config == "" {
			return &usageError{reason: "-config is required for new-config"}
		}
		cfg := hinit.Config{HartCount: hartCount.v}
		if err := hinit.WriteTemplate(*config, cfg); err != nil {
			return err
		}
		slog.Info("wrote config template", "path", *config)
		return nil

	case "patch-dtb":
		if *config == "" || *dtbIn == "" || *dtbOut == "" {
			return &usageError{reason: "-config, -dtb and -dtb-out are all required for patch-dtb"}
		}
		return patchDTB(*config, *dtbIn, *dtbOut, *shadowBase)

	case "init":
		return &usageError{reason: "init requires a real MSTATUS CSR backend; none is wired into this host binary"}

	default:
		return &usageError{reason: fmt.Sprintf("unknown subcommand %q", args[0])}
	}
}

func patchDTB(configPath, dtbInPath, dtbOutPath string, shadowBase uint64) error {
	cfg, err := hinit.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	blob, err := os.ReadFile(dtbInPath)
	if err != nil {
		return fmt.Errorf("read device tree: %w", err)
	}

	_, mem, err := hinit.CarveShadowArenas(cfg, shadowBase)
	if err != nil {
		return fmt.Errorf("carve shadow arenas: %w", err)
	}
	shadowSize := uint64(len(mem))

	patched, err := hinit.PatchDeviceTree(blob, cfg, shadowBase, shadowSize)
	if err != nil {
		return fmt.Errorf("patch device tree: %w", err)
	}

	if _, err := fdt.Parse(patched); err != nil {
		return fmt.Errorf("verify patched device tree: %w", err)
	}

	if err := os.WriteFile(dtbOutPath, patched, 0o644); err != nil {
		return fmt.Errorf("write patched device tree: %w", err)
	}

	slog.Info("patched device tree",
		"harts", cfg.HartCount,
		"shadowBase", fmt.Sprintf("0x%x", shadowBase),
		"shadowSize", fmt.Sprintf("0x%x", shadowSize),
		"out", dtbOutPath)
	return nil
}
