// Command rvboard hosts a RISC-V virt board model: it mounts the configured
// devices, bridges the console UART to the terminal and emits the board's
// device tree.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tinyrange/rvboard/internal/config"
	"github.com/tinyrange/rvboard/internal/devices"
	"github.com/tinyrange/rvboard/internal/devices/serial"
	"github.com/tinyrange/rvboard/internal/fdt"
	"github.com/tinyrange/rvboard/internal/machine"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rvboard: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run      attach the terminal to the board console\n")
	fmt.Fprintf(os.Stderr, "  monitor  interactive resource console\n")
	fmt.Fprintf(os.Stderr, "  dtb      write the board device tree blob\n")
	fmt.Fprintf(os.Stderr, "  dump     print a device tree blob\n")
	fmt.Fprintf(os.Stderr, "  init     write the default board configuration\n")
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("command required")
	}
	switch args[0] {
	case "run":
		return runConsole(args[1:])
	case "monitor":
		return runMonitor(args[1:])
	case "dtb":
		return runDTB(args[1:])
	case "dump":
		return runDump(args[1:])
	case "init":
		return runInit(args[1:])
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// fixCrlf keeps log lines readable while the terminal is in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

func setupLogging(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newRegistry() *devices.Registry {
	return devices.NewRegistry(serial.Provider())
}

// boardFlags are shared by every command that builds a machine.
type boardFlags struct {
	config string
	state  string
	debug  bool
}

func (b *boardFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.config, "config", "", "Board configuration file (default: built-in board)")
	fs.StringVar(&b.state, "state", "", "State file holding reservations and device state")
	fs.BoolVar(&b.debug, "debug", false, "Enable debug logging")
}

// open builds the machine, loads saved state when present and mounts the
// configured devices. Mount failures are logged and do not stop the board.
func (b *boardFlags) open(log *slog.Logger) (*machine.Machine, error) {
	cfg, err := loadConfig(b.config)
	if err != nil {
		return nil, err
	}
	m, err := machine.New(cfg, machine.WithLogger(log))
	if err != nil {
		return nil, err
	}

	if b.state != "" {
		f, err := os.Open(b.state)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info("no saved state", "path", b.state)
		case err != nil:
			return nil, fmt.Errorf("open state: %w", err)
		default:
			err := m.LoadState(f)
			f.Close()
			if errors.Is(err, machine.ErrStateMismatch) {
				log.Warn("ignoring saved state", "path", b.state, "error", err)
			} else if err != nil {
				return nil, err
			}
		}
	}

	if err := m.MountConfigured(newRegistry()); err != nil {
		log.Warn("some devices failed to mount", "error", err)
	}
	m.UpdateReservations()
	return m, nil
}

// save writes the state file through a temporary file in the same directory.
func (b *boardFlags) save(m *machine.Machine) error {
	if b.state == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.state), ".rvboard-state-*")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.SaveState(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func runDTB(args []string) error {
	fs := flag.NewFlagSet("dtb", flag.ContinueOnError)
	var bf boardFlags
	bf.register(fs)
	out := fs.String("o", "board.dtb", "Output file (- for stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := setupLogging(os.Stderr, bf.debug)
	m, err := bf.open(log)
	if err != nil {
		return err
	}
	blob, err := m.DeviceTreeBlob()
	if err != nil {
		return err
	}
	if *out == "-" {
		_, err = os.Stdout.Write(blob)
		return err
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		return fmt.Errorf("write dtb: %w", err)
	}
	log.Info("device tree written", "path", *out, "bytes", len(blob))
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rvboard dump file.dtb")
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read dtb: %w", err)
	}
	root, err := fdt.Parse(blob)
	if err != nil {
		return err
	}
	return fdt.Dump(os.Stdout, root)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("o", "board.yaml", "Output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%s already exists", *out)
	}
	return config.Write(*out, config.Default())
}
