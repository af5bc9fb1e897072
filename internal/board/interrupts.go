package board

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
)

// MaxInterrupts is the largest number of lines an InterruptLines can carry.
const MaxInterrupts = 64

// IRQMask is a set of interrupt lines, one bit per line number.
type IRQMask uint64

// Line returns the mask with only line n set.
func Line(n int) IRQMask {
	if n < 0 || n >= MaxInterrupts {
		return 0
	}
	return 1 << uint(n)
}

// Has reports whether line n is in the mask.
func (m IRQMask) Has(n int) bool {
	return m&Line(n) != 0
}

// Lines returns the line numbers in the mask in ascending order.
func (m IRQMask) Lines() []int {
	var lines []int
	for m != 0 {
		n := bits.TrailingZeros64(uint64(m))
		lines = append(lines, n)
		m &^= 1 << uint(n)
	}
	return lines
}

func (m IRQMask) String() string {
	lines := m.Lines()
	parts := make([]string, len(lines))
	for i, n := range lines {
		parts[i] = fmt.Sprint(n)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// InterruptSink receives level changes for individual lines, typically the
// platform interrupt controller in front of the CPU.
type InterruptSink interface {
	SetIRQ(line int, level bool)
}

// InterruptLines is the board's array of level-triggered interrupt lines. It
// has no notion of which device drives which line.
type InterruptLines struct {
	mu     sync.Mutex
	count  int
	levels IRQMask
	sink   InterruptSink
}

// NewInterruptLines creates count lines. count is clamped to MaxInterrupts.
func NewInterruptLines(count int, sink InterruptSink) *InterruptLines {
	if count > MaxInterrupts {
		count = MaxInterrupts
	}
	if count < 0 {
		count = 0
	}
	return &InterruptLines{count: count, sink: sink}
}

// Count returns the number of lines.
func (l *InterruptLines) Count() int {
	return l.count
}

// All returns the mask of every line on the board.
func (l *InterruptLines) All() IRQMask {
	if l.count == MaxInterrupts {
		return ^IRQMask(0)
	}
	return IRQMask(1)<<uint(l.count) - 1
}

// SetSink replaces the sink notified of level changes.
func (l *InterruptLines) SetSink(sink InterruptSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Raise drives every line in mask high.
func (l *InterruptLines) Raise(mask IRQMask) {
	l.set(mask, true)
}

// Lower drives every line in mask low.
func (l *InterruptLines) Lower(mask IRQMask) {
	l.set(mask, false)
}

// Levels returns the mask of lines currently high.
func (l *InterruptLines) Levels() IRQMask {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels
}

func (l *InterruptLines) set(mask IRQMask, high bool) {
	mask &= l.All()

	l.mu.Lock()
	var changed IRQMask
	if high {
		changed = mask &^ l.levels
		l.levels |= mask
	} else {
		changed = mask & l.levels
		l.levels &^= mask
	}
	sink := l.sink
	l.mu.Unlock()

	if sink == nil {
		return
	}
	for _, n := range changed.Lines() {
		sink.SetIRQ(n, high)
	}
}
