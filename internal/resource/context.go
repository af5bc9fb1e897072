// Package resource implements the board-wide allocators that devices claim
// addresses, interrupt lines and memory from.
package resource

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/chipset"
)

var (
	// ErrFrozen is wrapped by panics raised when a frozen context is asked to
	// claim a resource.
	ErrFrozen = errors.New("resource: context is frozen")
	// ErrInvalidated is wrapped by panics raised when an invalidated context
	// is used.
	ErrInvalidated = errors.New("resource: context is invalidated")
)

// WorkerJoiner parks the board worker. Resume must be called exactly once.
type WorkerJoiner interface {
	Join() (resume func())
}

// Config describes the board-wide allocation policy.
type Config struct {
	// Window is the address range searched by automatic range claims.
	Window board.Range
	// Align is the alignment of automatically placed ranges.
	Align uint64
	// MemoryBudget bounds device-private memory.
	MemoryBudget uint64
	Logger       *slog.Logger
}

// GlobalContext owns every board-wide allocator.
type GlobalContext struct {
	board      *board.Board
	controller *chipset.InterruptController
	interrupts *InterruptAllocator
	ranges     *MemoryRangeAllocator
	memory     *MemoryAllocator
	events     *EventBus
	worker     WorkerJoiner
	log        *slog.Logger
}

// NewGlobalContext creates the allocators for b. worker may be nil.
func NewGlobalContext(b *board.Board, cfg Config, worker WorkerJoiner) *GlobalContext {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	align := cfg.Align
	if align == 0 {
		align = 1
	}
	return &GlobalContext{
		board:      b,
		controller: chipset.NewInterruptController(b.Interrupts()),
		interrupts: newInterruptAllocator(b.Interrupts().Count(), log),
		ranges:     newMemoryRangeAllocator(b.MemoryMap(), cfg.Window, align, log),
		memory:     newMemoryAllocator(cfg.MemoryBudget, log),
		events:     NewEventBus(log),
		worker:     worker,
		log:        log,
	}
}

func (g *GlobalContext) Board() *board.Board { return g.board }
func (g *GlobalContext) MemoryMap() *board.MemoryMap { return g.board.MemoryMap() }
func (g *GlobalContext) InterruptController() *chipset.InterruptController { return g.controller }
func (g *GlobalContext) InterruptAllocator() *InterruptAllocator { return g.interrupts }
func (g *GlobalContext) MemoryRangeAllocator() *MemoryRangeAllocator { return g.ranges }
func (g *GlobalContext) MemoryAllocator() *MemoryAllocator { return g.memory }
func (g *GlobalContext) EventBus() *EventBus { return g.events }
func (g *GlobalContext) Logger() *slog.Logger { return g.log }

// JoinWorker parks the board worker, if any, and returns its resume func.
func (g *GlobalContext) JoinWorker() (resume func()) {
	if g.worker == nil {
		return func() {}
	}
	return g.worker.Join()
}

// UpdateReservations replaces the reservation snapshot with the resources
// currently claimed.
func (g *GlobalContext) UpdateReservations() {
	g.SetReservations(Reservations{
		Interrupts: g.interrupts.Claimed(),
		Ranges:     g.ranges.Ranges(),
	})
}

// Reservations returns a copy of the reservation snapshot.
func (g *GlobalContext) Reservations() Reservations {
	return Reservations{
		Interrupts: g.interrupts.Reserved(),
		Ranges:     g.ranges.Reserved(),
	}
}

// SetReservations installs r as the reservation snapshot.
func (g *GlobalContext) SetReservations(r Reservations) {
	g.interrupts.reserved = r.Interrupts
	g.ranges.reserved = append([]board.Range(nil), r.Ranges...)
	g.log.Debug("reservations updated", "irqs", r.Interrupts, "ranges", len(r.Ranges))
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
