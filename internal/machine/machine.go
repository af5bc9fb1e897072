// Package machine assembles a board, its allocators and its devices, and
// drives the device mount lifecycle.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/config"
	"github.com/tinyrange/rvboard/internal/devices"
	"github.com/tinyrange/rvboard/internal/resource"
	"github.com/tinyrange/rvboard/internal/resource/managed"
	"github.com/tinyrange/rvboard/internal/snapshot"
)

var (
	ErrStateMismatch = errors.New("machine: saved state does not match configuration")
	ErrDeviceExists  = errors.New("machine: device already mounted")
	ErrMountFailed   = errors.New("machine: mount failed")
	ErrNoDevice      = errors.New("machine: no such device")
)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used by the machine and its allocators.
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// WithStepper sets the CPU batch run by the worker.
func WithStepper(step board.Stepper) Option {
	return func(m *Machine) { m.step = step }
}

// WithTickInterval sets the pause between worker batches.
func WithTickInterval(d time.Duration) Option {
	return func(m *Machine) { m.interval = d }
}

// WithInterruptSink observes board interrupt line changes.
func WithInterruptSink(sink board.InterruptSink) Option {
	return func(m *Machine) { m.sink = sink }
}

type mount struct {
	name         string
	dev          devices.Device
	ctx          *managed.Context
	removeTicker func()
}

// Machine owns one board and the devices mounted on it. Mount, Unmount and
// the state methods must be called from a single goroutine.
type Machine struct {
	cfg    config.Config
	board  *board.Board
	ram    *board.MemoryRegion
	global *resource.GlobalContext
	worker *board.Worker
	log    *slog.Logger

	step     board.Stepper
	interval time.Duration
	sink     board.InterruptSink

	mounts  []*mount
	pending map[string][]byte
}

// New builds a board from cfg with RAM mapped at board.RAMBase.
func New(cfg config.Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:      cfg,
		log:      slog.Default(),
		interval: time.Millisecond,
		pending:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.board = board.New(cfg.Interrupts)
	if m.sink != nil {
		m.board.Interrupts().SetSink(m.sink)
	}
	m.ram = board.NewMemoryRegion(cfg.RAMSize)
	if !m.board.MemoryMap().AddDevice(board.RAMBase, m.ram) {
		return nil, fmt.Errorf("machine: map RAM at 0x%x", board.RAMBase)
	}
	for _, w := range platformWindows {
		if !m.board.MemoryMap().AddDevice(w.base, &platformDevice{name: w.name, size: w.size}) {
			return nil, fmt.Errorf("machine: map %s at 0x%x", w.name, w.base)
		}
	}

	m.worker = board.NewWorker(m.step, m.interval)
	m.global = resource.NewGlobalContext(m.board, resource.Config{
		Window:       cfg.Window(),
		Align:        cfg.MMIO.Align,
		MemoryBudget: cfg.DeviceMemory,
		Logger:       m.log,
	}, m.worker)

	return m, nil
}

func (m *Machine) Config() config.Config { return m.cfg }

func (m *Machine) Board() *board.Board { return m.board }

func (m *Machine) RAM() *board.MemoryRegion { return m.ram }

func (m *Machine) Global() *resource.GlobalContext { return m.global }

func (m *Machine) Worker() *board.Worker { return m.worker }

// Run drives the worker until ctx is done or the stepper fails.
func (m *Machine) Run(ctx context.Context) error {
	return m.worker.Run(ctx)
}

// Mount mounts dev under name through a fresh managed context. Pending
// saved state for name is restored first so the device can reclaim its
// previous assignment. If Mount fails every partial claim is released.
func (m *Machine) Mount(name string, dev devices.Device) error {
	resume := m.global.JoinWorker()
	defer resume()

	if m.find(name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDeviceExists, name)
	}

	ctx := managed.New(m.global, name)
	if data, ok := m.pending[name]; ok {
		if s, ok := dev.(devices.Snapshotter); ok {
			if err := s.RestoreState(data); err != nil {
				m.log.Warn("discarding saved device state", "device", name, "error", err)
				delete(m.pending, name)
			}
		}
	}

	if err := dev.Mount(ctx); err != nil {
		// Saved state stays pending so the next saved state still carries it.
		ctx.Invalidate()
		m.log.Warn("device mount failed", "device", name, "context", ctx.ID(), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrMountFailed, name, err)
	}
	ctx.Freeze()
	delete(m.pending, name)

	mt := &mount{name: name, dev: dev, ctx: ctx, removeTicker: func() {}}
	if t, ok := dev.(devices.Ticker); ok {
		mt.removeTicker = m.worker.AddTicker(t)
	}
	m.mounts = append(m.mounts, mt)

	m.log.Info("device mounted", "device", name, "context", ctx.ID(),
		"irqs", ctx.InterruptAllocator().Owned(), "ranges", ctx.MemoryRangeAllocator().Ranges())
	if err := m.global.EventBus().Post(resource.Event{Kind: resource.EventDeviceMounted, Device: name}); err != nil {
		m.log.Warn("device mounted handlers failed", "device", name, "error", err)
	}
	return nil
}

// Unmount removes the device called name and releases everything its
// context claimed.
func (m *Machine) Unmount(name string) error {
	resume := m.global.JoinWorker()
	defer resume()

	i := m.find(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNoDevice, name)
	}
	mt := m.mounts[i]

	mt.removeTicker()
	mt.dev.Unmount()
	mt.ctx.Invalidate()
	m.mounts = append(m.mounts[:i], m.mounts[i+1:]...)

	m.log.Info("device unmounted", "device", name, "context", mt.ctx.ID())
	if err := m.global.EventBus().Post(resource.Event{Kind: resource.EventDeviceUnmounted, Device: name}); err != nil {
		m.log.Warn("device unmounted handlers failed", "device", name, "error", err)
	}
	return nil
}

// MountConfigured builds every configured device through reg and mounts it.
// A failure does not stop the remaining devices; all failures are joined.
// Call UpdateReservations afterwards.
func (m *Machine) MountConfigured(reg *devices.Registry) error {
	var errs []error
	for _, d := range m.cfg.Devices {
		dev, err := reg.New(devices.Query{Name: d.Name, Type: d.Type, Address: d.Address, IRQ: d.IRQ})
		if err != nil {
			m.log.Warn("device not built", "device", d.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := m.Mount(d.Name, dev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateReservations snapshots the current claims so the next session keeps
// them free for their owners.
func (m *Machine) UpdateReservations() {
	m.global.UpdateReservations()
	r := m.global.Reservations()
	m.log.Info("reservations updated", "irqs", r.Interrupts, "ranges", len(r.Ranges))
}

// Reset posts a board reset to every subscribed device.
func (m *Machine) Reset() error {
	return m.global.EventBus().Post(resource.Event{Kind: resource.EventBoardReset})
}

// DeviceInfo describes one mounted device.
type DeviceInfo struct {
	Name      string
	ContextID string
	Device    devices.Device
	IRQs      board.IRQMask
	Ranges    []board.Range
}

// Devices lists mounted devices in mount order.
func (m *Machine) Devices() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(m.mounts))
	for _, mt := range m.mounts {
		out = append(out, DeviceInfo{
			Name:      mt.name,
			ContextID: mt.ctx.ID().String(),
			Device:    mt.dev,
			IRQs:      mt.ctx.InterruptAllocator().Owned(),
			Ranges:    mt.ctx.MemoryRangeAllocator().Ranges(),
		})
	}
	return out
}

// Device returns the mounted device called name.
func (m *Machine) Device(name string) (devices.Device, bool) {
	if i := m.find(name); i >= 0 {
		return m.mounts[i].dev, true
	}
	return nil, false
}

func (m *Machine) find(name string) int {
	for i, mt := range m.mounts {
		if mt.name == name {
			return i
		}
	}
	return -1
}

// ConfigHash identifies the board layout a saved state belongs to.
func ConfigHash(cfg config.Config) snapshot.ConfigHash {
	devs := make([]snapshot.DeviceConfig, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devs = append(devs, snapshot.DeviceConfig{Name: d.Name, Type: d.Type, Address: d.Address, IRQ: d.IRQ})
	}
	return snapshot.ComputeConfigHash(snapshot.BoardConfig{
		RAMSize:      cfg.RAMSize,
		DeviceMemory: cfg.DeviceMemory,
		Interrupts:   cfg.Interrupts,
		WindowStart:  cfg.MMIO.Start,
		WindowEnd:    cfg.MMIO.End,
		Align:        cfg.MMIO.Align,
		Devices:      devs,
	})
}
