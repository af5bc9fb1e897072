package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tinyrange/rvboard/internal/devices"
	"github.com/tinyrange/rvboard/internal/machine"
)

var errQuit = errors.New("quit")

func runMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	var bf boardFlags
	bf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rvboard> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	log := setupLogging(rl.Stderr(), bf.debug)
	m, err := bf.open(log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	mon := &monitor{m: m, registry: newRegistry(), out: rl.Stdout(), save: func() error { return bf.save(m) }}
	mon.help()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			break
		}
		if err := mon.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			fmt.Fprintf(mon.out, "error: %v\n", err)
		}
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type monitor struct {
	m        *machine.Machine
	registry *devices.Registry
	out      io.Writer
	save     func() error
}

func (mon *monitor) help() {
	fmt.Fprintln(mon.out, "Commands:")
	fmt.Fprintln(mon.out, "  devices                          list mounted devices")
	fmt.Fprintln(mon.out, "  irqs                             show interrupt claims and levels")
	fmt.Fprintln(mon.out, "  ranges                           show the memory map")
	fmt.Fprintln(mon.out, "  reservations                     show the reservation snapshot")
	fmt.Fprintln(mon.out, "  mount <type> <name> [addr] [irq] mount a new device")
	fmt.Fprintln(mon.out, "  unmount <name>                   unmount a device")
	fmt.Fprintln(mon.out, "  reset                            post a board reset")
	fmt.Fprintln(mon.out, "  commit                           update reservations and save state")
	fmt.Fprintln(mon.out, "  dtb <file>                       write the device tree blob")
	fmt.Fprintln(mon.out, "  quit                             leave the monitor")
}

func (mon *monitor) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help", "?":
		mon.help()
	case "devices":
		for _, info := range mon.m.Devices() {
			fmt.Fprintf(mon.out, "%-12s irqs=%v ranges=%v context=%s\n", info.Name, info.IRQs, info.Ranges, info.ContextID)
		}
	case "irqs":
		resume := mon.m.Global().JoinWorker()
		alloc := mon.m.Global().InterruptAllocator()
		fmt.Fprintf(mon.out, "lines=%d claimed=%v reserved=%v raised=%v\n",
			alloc.Count(), alloc.Claimed(), alloc.Reserved(), mon.m.Board().Interrupts().Levels())
		resume()
	case "ranges":
		for _, mp := range mon.m.Board().MemoryMap().Mappings() {
			fmt.Fprintf(mon.out, "%v %T\n", mp.Range, mp.Device)
		}
	case "reservations":
		r := mon.m.Global().Reservations()
		fmt.Fprintf(mon.out, "irqs=%v ranges=%v\n", r.Interrupts, r.Ranges)
	case "mount":
		return mon.mount(args)
	case "unmount":
		if len(args) != 1 {
			return fmt.Errorf("usage: unmount <name>")
		}
		return mon.m.Unmount(args[0])
	case "reset":
		return mon.m.Reset()
	case "commit":
		resume := mon.m.Global().JoinWorker()
		mon.m.UpdateReservations()
		resume()
		if mon.save != nil {
			return mon.save()
		}
	case "dtb":
		if len(args) != 1 {
			return fmt.Errorf("usage: dtb <file>")
		}
		blob, err := mon.m.DeviceTreeBlob()
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], blob, 0o644); err != nil {
			return fmt.Errorf("write dtb: %w", err)
		}
		fmt.Fprintf(mon.out, "wrote %d bytes to %s\n", len(blob), args[0])
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (mon *monitor) mount(args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return fmt.Errorf("usage: mount <type> <name> [addr] [irq]")
	}
	q := devices.Query{Type: args[0], Name: args[1]}
	if len(args) > 2 {
		addr, err := strconv.ParseUint(args[2], 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", args[2], err)
		}
		q.Address = addr
	}
	if len(args) > 3 {
		irq, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("bad irq %q: %w", args[3], err)
		}
		q.IRQ = irq
	}

	dev, err := mon.registry.New(q)
	if err != nil {
		return err
	}
	if err := mon.m.Mount(q.Name, dev); err != nil {
		return err
	}
	for _, info := range mon.m.Devices() {
		if info.Name == q.Name {
			fmt.Fprintf(mon.out, "mounted %s irqs=%v ranges=%v\n", info.Name, info.IRQs, info.Ranges)
		}
	}
	return nil
}
