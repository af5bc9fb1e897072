package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/rvboard/internal/board"
)

type stubDevice struct {
	size uint64
}

func (d *stubDevice) Load(uint64, int) (uint64, error) { return 0, nil }
func (d *stubDevice) Store(uint64, int, uint64) error  { return nil }
func (d *stubDevice) Size() uint64                     { return d.size }

func newTestContext(t *testing.T) *GlobalContext {
	t.Helper()
	b := board.New(32)
	return NewGlobalContext(b, Config{
		Window:       board.Range{Start: 0x10000000, Size: 0x100000},
		Align:        0x1000,
		MemoryBudget: 4096,
	}, nil)
}

func TestClaimInterruptZeroAlwaysFails(t *testing.T) {
	g := newTestContext(t)
	ia := g.InterruptAllocator()

	assert.False(t, ia.ClaimInterrupt(0))
	assert.False(t, ia.ClaimInterrupt(-1))
	assert.False(t, ia.ClaimInterrupt(32))
	assert.True(t, ia.ClaimInterrupt(31))
}

func TestClaimInterruptExclusive(t *testing.T) {
	g := newTestContext(t)
	ia := g.InterruptAllocator()

	for n := 1; n < ia.Count(); n++ {
		require.True(t, ia.ClaimInterrupt(n), "first claim of %d", n)
		require.False(t, ia.ClaimInterrupt(n), "second claim of %d", n)
		ia.ReleaseInterrupts(board.Line(n))
		require.True(t, ia.ClaimInterrupt(n), "claim after release of %d", n)
	}
	_, ok := ia.ClaimAnyInterrupt()
	assert.False(t, ok, "all lines claimed")
}

func TestClaimAnyInterruptSkipsReserved(t *testing.T) {
	g := newTestContext(t)
	ia := g.InterruptAllocator()

	g.SetReservations(Reservations{Interrupts: board.Line(1) | board.Line(2)})
	n, ok := ia.ClaimAnyInterrupt()
	require.True(t, ok)
	assert.Equal(t, 3, n)

	// An explicit claim of a reserved line is how a restored device reclaims it.
	assert.True(t, ia.ClaimInterrupt(2))
	assert.False(t, ia.IsClaimed(1))
}

func TestClaimMemoryRange(t *testing.T) {
	g := newTestContext(t)
	ra := g.MemoryRangeAllocator()

	a := &stubDevice{size: 0x100}
	b := &stubDevice{size: 0x100}
	require.True(t, ra.ClaimMemoryRangeAt(0x10000000, a))
	assert.False(t, ra.ClaimMemoryRangeAt(0x10000080, b), "overlap accepted")

	addr, ok := ra.ClaimMemoryRange(b)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10001000), addr)

	owner, ok := ra.Owner(0x100010ff)
	require.True(t, ok)
	assert.Same(t, b, owner)

	assert.True(t, ra.ReleaseMemoryRange(a))
	assert.False(t, ra.ReleaseMemoryRange(a))
	assert.False(t, ra.IsClaimed(0x10000000))
	_, mapped := g.MemoryMap().DeviceAt(0x10000000)
	assert.False(t, mapped)
}

func TestClaimMemoryRangeAvoidsReservations(t *testing.T) {
	g := newTestContext(t)
	ra := g.MemoryRangeAllocator()

	a := &stubDevice{size: 0x100}
	require.True(t, ra.ClaimMemoryRangeAt(0x10000000, a))
	g.UpdateReservations()
	require.True(t, ra.ReleaseMemoryRange(a))

	// The vacated slot stays reserved for its previous owner.
	newcomer := &stubDevice{size: 0x100}
	addr, ok := ra.ClaimMemoryRange(newcomer)
	require.True(t, ok)
	assert.Equal(t, uint64(0x10001000), addr)

	// The previous owner can still take it back explicitly.
	assert.True(t, ra.ClaimMemoryRangeAt(0x10000000, a))
}

func TestUpdateReservationsCopiesLiveClaims(t *testing.T) {
	g := newTestContext(t)
	require.True(t, g.InterruptAllocator().ClaimInterrupt(5))
	require.True(t, g.MemoryRangeAllocator().ClaimMemoryRangeAt(0x10002000, &stubDevice{size: 0x10}))

	g.UpdateReservations()
	r := g.Reservations()
	assert.Equal(t, board.Line(5), r.Interrupts)
	assert.Equal(t, []board.Range{{Start: 0x10002000, Size: 0x10}}, r.Ranges)

	// Releasing never edits the snapshot.
	g.InterruptAllocator().ReleaseInterrupts(board.Line(5))
	assert.Equal(t, board.Line(5), g.Reservations().Interrupts)
}

func TestReservationsCodec(t *testing.T) {
	in := Reservations{
		Interrupts: board.Line(3) | board.Line(10),
		Ranges:     []board.Range{{Start: 0x1000, Size: 0x10}, {Start: 0x10000000, Size: 0x100}},
	}
	data, err := EncodeReservations(in)
	require.NoError(t, err)

	out, err := DecodeReservations(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeReservations([]byte{0xff})
	assert.Error(t, err)
}

func TestMemoryAllocatorBudget(t *testing.T) {
	g := newTestContext(t)
	ma := g.MemoryAllocator()

	assert.True(t, ma.ClaimMemory(4000))
	assert.False(t, ma.ClaimMemory(100))
	assert.True(t, ma.ClaimMemory(96))
	assert.Equal(t, uint64(0), ma.Available())

	ma.ReleaseMemory(5000)
	assert.Equal(t, uint64(0), ma.Used())
	assert.Equal(t, uint64(4096), ma.Budget())
}

func TestEventBusCapturesFailures(t *testing.T) {
	bus := NewEventBus(nil)

	var order []string
	bus.Subscribe(EventBoardReset, func(Event) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	bus.Subscribe(EventBoardReset, func(Event) error {
		order = append(order, "second")
		panic("handler bug")
	})
	third := bus.Subscribe(EventBoardReset, func(Event) error {
		order = append(order, "third")
		return nil
	})
	bus.Subscribe(EventBoardPause, func(Event) error {
		order = append(order, "pause")
		return nil
	})

	err := bus.Post(Event{Kind: EventBoardReset})
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, EventBoardReset, herr.Kind)
	assert.Contains(t, err.Error(), "handler bug")

	assert.True(t, bus.Unsubscribe(third))
	assert.False(t, bus.Unsubscribe(third))
	assert.Equal(t, 3, bus.Len())
}

func TestEventBusPanicWithError(t *testing.T) {
	bus := NewEventBus(nil)
	sentinel := errors.New("sentinel")
	bus.Subscribe(EventDeviceMounted, func(Event) error { panic(sentinel) })

	err := bus.Post(Event{Kind: EventDeviceMounted, Device: "uart0"})
	assert.ErrorIs(t, err, sentinel)
}

type countingJoiner struct{ joins, resumes int }

func (j *countingJoiner) Join() func() {
	j.joins++
	return func() { j.resumes++ }
}

func TestJoinWorker(t *testing.T) {
	g := newTestContext(t)
	g.JoinWorker()()

	j := &countingJoiner{}
	g = NewGlobalContext(board.New(8), Config{}, j)
	resume := g.JoinWorker()
	resume()
	assert.Equal(t, 1, j.joins)
	assert.Equal(t, 1, j.resumes)
}
