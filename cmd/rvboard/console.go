package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/rvboard/internal/devices/serial"
	"github.com/tinyrange/rvboard/internal/machine"
)

const escapeByte = 0x1d // Ctrl-]

func runConsole(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var bf boardFlags
	bf.register(fs)
	baud := fs.Int("baud", 0, "Limit host input to this line rate (0: unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := setupLogging(&fixCrlf{w: os.Stderr}, bf.debug)
	m, err := bf.open(log)
	if err != nil {
		return err
	}

	dtb, err := m.PlaceDeviceTree()
	if err != nil {
		return err
	}
	log.Info("device tree placed", "addr", fmt.Sprintf("0x%x", dtb))

	name, uart := consoleUART(m)
	if uart == nil {
		return fmt.Errorf("no %s device mounted", serial.Type)
	}
	addr, irq, _ := uart.Assignment()
	log.Info("console attached", "device", name, "addr", fmt.Sprintf("0x%x", addr), "irq", irq)

	opts := []serial.BridgeOption{
		serial.WithEscape(escapeByte),
		serial.WithBridgeLogger(log),
	}
	if *baud > 0 {
		// 8N1 framing: ten bit times per byte.
		opts = append(opts, serial.WithRate(*baud/10))
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
		opts = append(opts, serial.WithNewline("\r\n"))
	}
	bridge := serial.NewBridge(uart, os.Stdin, os.Stdout, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(ctx)
	})
	g.Go(func() error {
		err := bridge.Run(ctx)
		if err == nil || errors.Is(err, serial.ErrEscape) {
			// Stop the worker; the bridge is done.
			return context.Canceled
		}
		return err
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	st := uart.Stats()
	log.Info("console detached", "tx", st.TxBytes, "rx", st.RxBytes, "overruns", st.Overruns)

	if saveErr := bf.save(m); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}

// consoleUART returns the first mounted UART.
func consoleUART(m *machine.Machine) (string, *serial.UART16550A) {
	for _, info := range m.Devices() {
		if u, ok := info.Device.(*serial.UART16550A); ok {
			return info.Name, u
		}
	}
	return "", nil
}
