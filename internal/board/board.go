package board

// Board bundles the address space and the interrupt lines.
type Board struct {
	memory     *MemoryMap
	interrupts *InterruptLines
}

// New creates a board with interruptCount interrupt lines and an empty
// address space.
func New(interruptCount int) *Board {
	return &Board{
		memory:     NewMemoryMap(),
		interrupts: NewInterruptLines(interruptCount, nil),
	}
}

// MemoryMap returns the board address space.
func (b *Board) MemoryMap() *MemoryMap { return b.memory }

// Interrupts returns the board interrupt lines.
func (b *Board) Interrupts() *InterruptLines { return b.interrupts }
