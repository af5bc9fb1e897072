// Package config loads board configuration files.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvboard/internal/board"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config describes one board.
type Config struct {
	// RAMSize is the size of RAM mapped at board.RAMBase.
	RAMSize uint64 `yaml:"ram_size"`
	// Interrupts is the number of board interrupt lines.
	Interrupts int `yaml:"interrupts"`
	// DeviceMemory is the byte budget devices may claim for private memory.
	DeviceMemory uint64 `yaml:"device_memory"`

	MMIO     MMIO     `yaml:"mmio"`
	Bootargs string   `yaml:"bootargs,omitempty"`
	Devices  []Device `yaml:"devices"`
}

// MMIO is the window searched when a device asks for any free address.
type MMIO struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
	Align uint64 `yaml:"align"`
}

// Device requests one device. Zero Address or IRQ means automatic.
type Device struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Address uint64 `yaml:"address,omitempty"`
	IRQ     int    `yaml:"irq,omitempty"`
}

// Default returns a board with 128 MiB of RAM and a single UART.
func Default() Config {
	return Config{
		RAMSize:      128 << 20,
		Interrupts:   32,
		DeviceMemory: 1 << 20,
		MMIO: MMIO{
			Start: 0x10000000,
			End:   0x20000000,
			Align: 0x1000,
		},
		Bootargs: "console=ttyS0",
		Devices: []Device{
			{Name: "uart0", Type: "ns16550a", Address: 0x10000000, IRQ: 10},
		},
	}
}

// Window returns the MMIO window as a range.
func (c Config) Window() board.Range {
	return board.Range{Start: c.MMIO.Start, Size: c.MMIO.End - c.MMIO.Start}
}

// Validate checks the configuration for values the board cannot honour.
func (c Config) Validate() error {
	if c.RAMSize == 0 {
		return fmt.Errorf("%w: ram_size must be non-zero", ErrInvalid)
	}
	if c.Interrupts < 2 || c.Interrupts > board.MaxInterrupts {
		return fmt.Errorf("%w: interrupts must be in [2, %d], got %d", ErrInvalid, board.MaxInterrupts, c.Interrupts)
	}
	if c.MMIO.End <= c.MMIO.Start {
		return fmt.Errorf("%w: mmio window [0x%x, 0x%x) is empty", ErrInvalid, c.MMIO.Start, c.MMIO.End)
	}
	if c.MMIO.Align == 0 || c.MMIO.Align&(c.MMIO.Align-1) != 0 {
		return fmt.Errorf("%w: mmio align 0x%x is not a power of two", ErrInvalid, c.MMIO.Align)
	}
	ram := board.Range{Start: board.RAMBase, Size: c.RAMSize}
	if ram.End() < ram.Start {
		return fmt.Errorf("%w: ram_size 0x%x overflows the address space", ErrInvalid, c.RAMSize)
	}
	if ram.Overlaps(c.Window()) {
		return fmt.Errorf("%w: mmio window %v overlaps RAM %v", ErrInvalid, c.Window(), ram)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: device %d has no name", ErrInvalid, i)
		}
		if d.Type == "" {
			return fmt.Errorf("%w: device %s has no type", ErrInvalid, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: duplicate device name %s", ErrInvalid, d.Name)
		}
		seen[d.Name] = true
		if d.IRQ < 0 || d.IRQ >= c.Interrupts {
			return fmt.Errorf("%w: device %s irq %d outside [1, %d)", ErrInvalid, d.Name, d.IRQ, c.Interrupts)
		}
	}
	return nil
}

// Parse decodes YAML. Scalar fields missing from data keep their default
// values; the device list starts empty.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	cfg.Devices = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Write encodes cfg as YAML to path.
func Write(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
