package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvboard/internal/config"
	"github.com/tinyrange/rvboard/internal/fdt"
	"github.com/tinyrange/rvboard/internal/machine"
)

func newTestMonitor(t *testing.T) (*monitor, *bytes.Buffer) {
	t.Helper()
	m, err := machine.New(config.Default(), machine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	out := &bytes.Buffer{}
	return &monitor{m: m, registry: newRegistry(), out: out}, out
}

func TestMonitorMountUnmount(t *testing.T) {
	mon, out := newTestMonitor(t)

	require.NoError(t, mon.execute("mount ns16550a uart1 0x10004000 5"))
	assert.Contains(t, out.String(), "mounted uart1 irqs={5}")

	out.Reset()
	require.NoError(t, mon.execute("devices"))
	assert.Contains(t, out.String(), "uart1")

	require.NoError(t, mon.execute("unmount uart1"))
	out.Reset()
	require.NoError(t, mon.execute("devices"))
	assert.Empty(t, out.String())
}

func TestMonitorErrors(t *testing.T) {
	mon, _ := newTestMonitor(t)

	assert.Error(t, mon.execute("mount ns16550a"))
	assert.Error(t, mon.execute("mount ns16550a uart1 nowhere"))
	assert.Error(t, mon.execute("mount virtio-net net0"))
	assert.Error(t, mon.execute("unmount missing"))
	assert.Error(t, mon.execute("bogus"))
	assert.ErrorIs(t, mon.execute("quit"), errQuit)
	assert.NoError(t, mon.execute("   "))
}

func TestMonitorCommitAndDTB(t *testing.T) {
	mon, out := newTestMonitor(t)
	saved := 0
	mon.save = func() error { saved++; return nil }

	require.NoError(t, mon.execute("mount ns16550a uart0"))
	require.NoError(t, mon.execute("commit"))
	assert.Equal(t, 1, saved)

	out.Reset()
	require.NoError(t, mon.execute("reservations"))
	assert.Contains(t, out.String(), "irqs={1}")

	path := filepath.Join(t.TempDir(), "board.dtb")
	require.NoError(t, mon.execute("dtb "+path))
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	root, err := fdt.Parse(blob)
	require.NoError(t, err)
	_, ok := root.Find("soc/serial@10000000")
	assert.True(t, ok)
}

func TestStateFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bf := boardFlags{state: filepath.Join(dir, "board.state")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := bf.open(log)
	require.NoError(t, err)
	require.NoError(t, bf.save(first))

	second, err := bf.open(log)
	require.NoError(t, err)
	infos := second.Devices()
	require.Len(t, infos, 1)
	assert.Equal(t, "uart0", infos[0].Name)
}
