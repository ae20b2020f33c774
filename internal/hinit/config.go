// Package hinit implements Init: the one-time, per-machine setup that
// runs before any hart enters the emulated guest. It probes hardware
// CSR behaviour the emulation core depends on, carves each hart's
// shadow page-table arena out of machine memory, and patches the
// device tree the guest will see so it advertises the H extension and
// reserves the shadow tables.
//
// Grounded on internal/bundle's YAML metadata pattern (a Config
// struct with a normalize method and a Load/WriteTemplate pair) for
// the ambient configuration layer this firmware needs that the
// distilled spec left implicit.
package hinit

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for one firmware build,
// typically named hextconfig.yaml alongside the platform's other boot
// inputs.
type Config struct {
	Version int `yaml:"version"`

	// HartCount is the number of harts the shadow arena pool is sized
	// for; each hart gets PTSpaceMB of its own arena.
	HartCount int `yaml:"hartCount"`

	// PTSpaceMB is the per-hart shadow page-table arena size in
	// megabytes; sized well above the worst-case walk depth so Alloc
	// never needs more than one flush in steady state.
	PTSpaceMB uint64 `yaml:"ptSpaceMB,omitempty"`

	// ErrataCIP453 enables the tval-corruption-on-fetch-fault
	// workaround for affected silicon.
	ErrataCIP453 bool `yaml:"errataCip453,omitempty"`

	// ReservedMemoryNodeName names the /reserved-memory child node
	// describing the shadow table carve-out.
	ReservedMemoryNodeName string `yaml:"reservedMemoryNodeName,omitempty"`
}

const (
	defaultPTSpaceMB              = 4
	defaultReservedMemoryNodeName = "shadow-pt-resv"
)

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.PTSpaceMB == 0 {
		c.PTSpaceMB = defaultPTSpaceMB
	}
	if c.ReservedMemoryNodeName == "" {
		c.ReservedMemoryNodeName = defaultReservedMemoryNodeName
	}
}

// LoadConfig reads and normalizes a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("hinit: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("hinit: parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// WriteTemplate writes a starter Config to path, for `init new-config`
// style tooling.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("hinit: create config: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("hinit: encode config: %w", err)
	}
	return enc.Close()
}

// PTSpaceBytes is the per-hart shadow arena size in bytes.
func (c Config) PTSpaceBytes() uint64 { return c.PTSpaceMB * 1024 * 1024 }
