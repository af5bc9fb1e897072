package serial

import (
	"bytes"
	"sync"
	"testing"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/resource"
	"github.com/tinyrange/rvboard/internal/resource/managed"
)

// testIRQLine captures interrupt line state changes
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level == t.level && len(t.events) > 0 {
		return
	}
	t.level = level
	t.events = append(t.events, level)
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) getLevel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *testIRQLine) risingEdges() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e {
			n++
		}
	}
	return n
}

func newTestUART(t *testing.T) (*UART16550A, *testIRQLine) {
	t.Helper()
	irq := &testIRQLine{}
	u := New(Config{})
	u.SetIRQLine(irq)
	return u, irq
}

func store(t *testing.T, u *UART16550A, offset uint64, value byte) {
	t.Helper()
	if err := u.Store(offset, 1, uint64(value)); err != nil {
		t.Fatalf("store offset %d: %v", offset, err)
	}
}

func load(t *testing.T, u *UART16550A, offset uint64) byte {
	t.Helper()
	v, err := u.Load(offset, 1)
	if err != nil {
		t.Fatalf("load offset %d: %v", offset, err)
	}
	return byte(v)
}

// TestTransmitHoldingRegisterNonFIFO covers the single-byte transmit path
// and the THRE interrupt once the holding register drains.
func TestTransmitHoldingRegisterNonFIFO(t *testing.T) {
	u, irq := newTestUART(t)

	store(t, u, 0, 0x41)
	if lsr := load(t, u, 5); lsr&(lsrTHRE|lsrTEMT) != 0 {
		t.Fatalf("LSR = 0x%02x, THRE/TEMT should be clear after THR write", lsr)
	}
	if lsr := load(t, u, 5); lsr&(lsrTHRE|lsrTEMT) != 0 {
		t.Fatalf("LSR = 0x%02x, THRE/TEMT should stay clear until drained", lsr)
	}

	store(t, u, 1, ierTHRI)
	if irq.getLevel() {
		t.Fatal("interrupt raised while holding register is full")
	}

	c, err := u.ReadByte()
	if err != nil || c != 0x41 {
		t.Fatalf("ReadByte = 0x%02x, %v", c, err)
	}
	if lsr := load(t, u, 5); lsr&(lsrTHRE|lsrTEMT) != lsrTHRE|lsrTEMT {
		t.Fatalf("LSR = 0x%02x, THRE/TEMT should be set after drain", lsr)
	}
	if !irq.getLevel() {
		t.Fatal("interrupt not raised once holding register emptied")
	}
	if n := irq.risingEdges(); n != 1 {
		t.Fatalf("rising edges = %d, want 1", n)
	}
	if _, err := u.ReadByte(); err == nil {
		t.Fatal("ReadByte on empty transmitter should fail")
	}
}

// TestReceiveTriggerLevel checks RDA is held off until the trigger level.
func TestReceiveTriggerLevel(t *testing.T) {
	u, irq := newTestUART(t)

	store(t, u, 2, fcrEnable|0x40) // FIFO on, trigger 4
	store(t, u, 1, ierRDA)

	for i := 0; i < 3; i++ {
		u.PutByte(byte('a' + i))
		if irq.getLevel() {
			t.Fatalf("RDA raised after %d bytes", i+1)
		}
	}
	u.PutByte('d')
	if !irq.getLevel() {
		t.Fatal("RDA not raised at the trigger level")
	}
	if iir := load(t, u, 2); iir != iirFIFOEnabled|iirRDA {
		t.Fatalf("IIR = 0x%02x", iir)
	}

	for _, want := range []byte("abcd") {
		if got := load(t, u, 0); got != want {
			t.Fatalf("RBR = %q, want %q", got, want)
		}
	}
	if irq.getLevel() {
		t.Fatal("RDA still raised with empty FIFO")
	}
	if lsr := load(t, u, 5); lsr&lsrDataReady != 0 {
		t.Fatalf("LSR = 0x%02x, DR should be clear", lsr)
	}
}

func TestDivisorLatchAliasing(t *testing.T) {
	u, _ := newTestUART(t)

	store(t, u, 1, 0x05) // IER
	store(t, u, 3, lcrDLAB)
	store(t, u, 0, 0x0C)
	store(t, u, 1, 0x01)

	if got := load(t, u, 0); got != 0x0C {
		t.Fatalf("DLL = 0x%02x", got)
	}
	if got := load(t, u, 1); got != 0x01 {
		t.Fatalf("DLM = 0x%02x", got)
	}
	if u.dl != 0x010C {
		t.Fatalf("divisor = 0x%04x", u.dl)
	}
	if _, err := u.ReadByte(); err == nil {
		t.Fatal("DLL write reached the transmitter")
	}

	store(t, u, 3, 0x03)
	if got := load(t, u, 1); got != 0x05 {
		t.Fatalf("IER = 0x%02x after clearing DLAB", got)
	}
	if got := load(t, u, 3); got != 0x03 {
		t.Fatalf("LCR = 0x%02x", got)
	}
}

func TestScratchAndUnmappedOffsets(t *testing.T) {
	u, _ := newTestUART(t)

	store(t, u, 7, 0x5A)
	if got := load(t, u, 7); got != 0x5A {
		t.Fatalf("SCR = 0x%02x", got)
	}
	store(t, u, 0x40, 0xFF)
	if got := load(t, u, 0x40); got != 0 {
		t.Fatalf("offset 0x40 = 0x%02x", got)
	}
	if _, err := u.Load(0, 4); err == nil {
		t.Fatal("4-byte load accepted")
	}
	if err := u.Store(0, 2, 0); err == nil {
		t.Fatal("2-byte store accepted")
	}
}

func TestIIRReadClearsTHRI(t *testing.T) {
	u, irq := newTestUART(t)

	store(t, u, 1, ierTHRI)
	if !irq.getLevel() {
		t.Fatal("enabling THRI with an empty holding register should raise")
	}
	if iir := load(t, u, 2); iir != iirTHRI {
		t.Fatalf("IIR = 0x%02x, want THRI", iir)
	}
	if irq.getLevel() {
		t.Fatal("IIR read did not clear THRI")
	}
	if iir := load(t, u, 2); iir != iirNone {
		t.Fatalf("second IIR = 0x%02x, want none", iir)
	}
}

func TestLSRReadClearsErrors(t *testing.T) {
	u, irq := newTestUART(t)
	store(t, u, 1, ierRLS)

	u.PutByte('x')
	if u.CanPutByte() {
		t.Fatal("non-FIFO receiver should be full")
	}
	u.PutByte('y') // overrun
	if !irq.getLevel() {
		t.Fatal("overrun did not raise RLS")
	}
	if iir := load(t, u, 2); iir != iirRLS {
		t.Fatalf("IIR = 0x%02x, want RLS", iir)
	}

	lsr := load(t, u, 5)
	if lsr&lsrOverrun == 0 || lsr&lsrDataReady == 0 {
		t.Fatalf("LSR = 0x%02x", lsr)
	}
	if lsr := load(t, u, 5); lsr&lsrErrorBits != 0 {
		t.Fatalf("LSR = 0x%02x after read, errors should be clear", lsr)
	}
	if irq.getLevel() {
		t.Fatal("RLS still raised")
	}
	if got := load(t, u, 0); got != 'x' {
		t.Fatalf("RBR = %q, first byte should survive the overrun", got)
	}
	if st := u.Stats(); st.Overruns != 1 || st.RxBytes != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

// TestPutBreakQueuesNulAndSetsBreak pins the existing break behavior: a NUL
// byte goes through the receive path and BI/DR are also set directly.
func TestPutBreakQueuesNulAndSetsBreak(t *testing.T) {
	u, irq := newTestUART(t)
	store(t, u, 2, fcrEnable)
	store(t, u, 1, ierRLS|ierRDA)

	u.PutBreak()

	if u.rx.len() != 1 {
		t.Fatalf("rx FIFO holds %d bytes, want 1", u.rx.len())
	}
	if !irq.getLevel() {
		t.Fatal("break did not raise an interrupt")
	}
	if iir := load(t, u, 2); iir&0x0F != iirRLS {
		t.Fatalf("IIR = 0x%02x, want RLS", iir)
	}
	lsr := load(t, u, 5)
	if lsr&lsrBreak == 0 || lsr&lsrDataReady == 0 {
		t.Fatalf("LSR = 0x%02x, want BI and DR", lsr)
	}
	if iir := load(t, u, 2); iir&0x0F != iirRDA {
		t.Fatalf("IIR = 0x%02x after LSR read, want RDA", iir)
	}
	if got := load(t, u, 0); got != 0 {
		t.Fatalf("RBR = 0x%02x, want NUL", got)
	}
}

func TestCharacterTimeout(t *testing.T) {
	u, irq := newTestUART(t)
	store(t, u, 2, fcrEnable|0xC0) // trigger 14
	store(t, u, 1, ierRDA)

	u.PutByte('a')
	u.Tick()
	if irq.getLevel() {
		t.Fatal("timeout raised on the tick right after receive")
	}
	u.Tick()
	if !irq.getLevel() {
		t.Fatal("timeout not raised")
	}
	if iir := load(t, u, 2); iir != iirFIFOEnabled|iirTimeout {
		t.Fatalf("IIR = 0x%02x, want timeout", iir)
	}
	load(t, u, 0)
	if irq.getLevel() {
		t.Fatal("RBR read did not clear the timeout")
	}
}

func TestLoopback(t *testing.T) {
	u, _ := newTestUART(t)
	store(t, u, 4, mcrLoop|mcrDTR)

	store(t, u, 0, 'L')
	if _, err := u.ReadByte(); err == nil {
		t.Fatal("loopback byte reached the host")
	}
	if got := load(t, u, 0); got != 'L' {
		t.Fatalf("RBR = %q", got)
	}

	msr := load(t, u, 6)
	if msr&msrDSR == 0 || msr&msrCTS != 0 {
		t.Fatalf("MSR = 0x%02x, status should mirror DTR only", msr)
	}
	if msr&(msrDeltaCTS|msrDeltaDCD) == 0 {
		t.Fatalf("MSR = 0x%02x, entering loopback should latch deltas", msr)
	}
	if msr := load(t, u, 6); msr&0x0F != 0 {
		t.Fatalf("MSR = 0x%02x, deltas should clear on read", msr)
	}

	store(t, u, 4, mcrLoop|mcrOUT1)
	load(t, u, 6)
	store(t, u, 4, mcrLoop)
	if msr := load(t, u, 6); msr&msrDeltaRI == 0 {
		t.Fatalf("MSR = 0x%02x, RI trailing edge not latched", msr)
	}
}

func TestModemStatusInterrupt(t *testing.T) {
	u, irq := newTestUART(t)
	store(t, u, 1, ierMSI)
	store(t, u, 4, mcrLoop)
	if !irq.getLevel() {
		t.Fatal("modem status change did not raise")
	}
	load(t, u, 6)
	if irq.getLevel() {
		t.Fatal("MSR read did not clear the interrupt")
	}
}

func TestFIFOFullOverrun(t *testing.T) {
	u, _ := newTestUART(t)
	store(t, u, 2, fcrEnable)

	for i := 0; i < fifoSize; i++ {
		if !u.CanPutByte() {
			t.Fatalf("FIFO full after %d bytes", i)
		}
		u.PutByte(byte(i))
	}
	if u.CanPutByte() {
		t.Fatal("FIFO should be full")
	}
	u.PutByte(0xFF)
	if lsr := load(t, u, 5); lsr&lsrOverrun == 0 {
		t.Fatalf("LSR = 0x%02x, want overrun", lsr)
	}

	store(t, u, 2, fcrEnable|fcrClearRX)
	if lsr := load(t, u, 5); lsr&lsrDataReady != 0 {
		t.Fatalf("LSR = 0x%02x after RX clear", lsr)
	}
}

func TestTransmitFIFO(t *testing.T) {
	u, _ := newTestUART(t)
	store(t, u, 2, fcrEnable)

	for _, c := range []byte("hello") {
		store(t, u, 0, c)
	}
	var got []byte
	for {
		c, err := u.ReadByte()
		if err != nil {
			break
		}
		got = append(got, c)
	}
	if string(got) != "hello" {
		t.Fatalf("transmitted %q", got)
	}
	if st := u.Stats(); st.TxBytes != 5 {
		t.Fatalf("TxBytes = %d", st.TxBytes)
	}
}

func TestReset(t *testing.T) {
	u, irq := newTestUART(t)
	store(t, u, 1, ierTHRI)
	store(t, u, 7, 0x11)
	u.Reset()
	if irq.getLevel() {
		t.Fatal("line still raised after reset")
	}
	if load(t, u, 1) != 0 || load(t, u, 7) != 0 {
		t.Fatal("registers not cleared")
	}
	if lsr := load(t, u, 5); lsr != lsrTHRE|lsrTEMT {
		t.Fatalf("LSR = 0x%02x", lsr)
	}
}

func newTestGlobal(t *testing.T) *resource.GlobalContext {
	t.Helper()
	return resource.NewGlobalContext(board.New(32), resource.Config{
		Window: board.Range{Start: 0x10000000, Size: 0x10000},
		Align:  0x1000,
	}, nil)
}

func TestMountAssignsResources(t *testing.T) {
	g := newTestGlobal(t)
	ctx := managed.New(g, "uart0")
	u := New(Config{})

	if err := u.Mount(ctx); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	ctx.Freeze()

	addr, irq, ok := u.Assignment()
	if !ok || addr != 0x10000000 || irq != 1 {
		t.Fatalf("assignment = 0x%x irq %d ok %v", addr, irq, ok)
	}

	// Guest access through the board reaches the registers.
	if err := g.MemoryMap().Store(addr+7, 1, 0x42); err != nil {
		t.Fatalf("board store: %v", err)
	}
	if v, _ := g.MemoryMap().Load(addr+7, 1); v != 0x42 {
		t.Fatalf("scratch = 0x%x", v)
	}

	// THRI drives the claimed board line.
	if err := g.MemoryMap().Store(addr+1, 1, ierTHRI); err != nil {
		t.Fatal(err)
	}
	if !g.Board().Interrupts().Levels().Has(irq) {
		t.Fatal("board line not raised")
	}

	// A board reset reaches the device through its subscription.
	if err := g.EventBus().Post(resource.Event{Kind: resource.EventBoardReset}); err != nil {
		t.Fatal(err)
	}
	if g.Board().Interrupts().Levels().Has(irq) {
		t.Fatal("board line still raised after reset")
	}

	node := u.DeviceTreeNode(3)
	if node == nil || node.FullName() != "serial@10000000" {
		t.Fatalf("node = %+v", node)
	}
	if p, ok := node.Property("interrupts"); !ok || !bytes.Equal(p.Encode(), []byte{0, 0, 0, 1}) {
		t.Fatalf("interrupts = %+v", p)
	}

	u.Unmount()
	ctx.Invalidate()
	if !g.MemoryMap().IsFree(board.Range{Start: addr, Size: MMIOSize}) {
		t.Fatal("range not released")
	}
	if g.InterruptAllocator().IsClaimed(irq) {
		t.Fatal("irq not released")
	}
	if u.DeviceTreeNode(3) != nil {
		t.Fatal("unmounted device produced a node")
	}
}

func TestMountFailsOnTakenAddress(t *testing.T) {
	g := newTestGlobal(t)
	first := managed.New(g, "uart0")
	if err := New(Config{Address: 0x10000000}).Mount(first); err != nil {
		t.Fatal(err)
	}

	second := managed.New(g, "uart1")
	err := New(Config{Address: 0x10000000}).Mount(second)
	if err == nil {
		t.Fatal("second mount at the same address succeeded")
	}
	if len(second.MemoryRangeAllocator().Ranges()) != 0 || second.InterruptAllocator().Owned() != 0 {
		t.Fatal("failed mount left claims behind")
	}
}

func TestStateRoundTrip(t *testing.T) {
	g := newTestGlobal(t)
	ctx := managed.New(g, "uart0")
	u := New(Config{IRQ: 9})
	if err := u.Mount(ctx); err != nil {
		t.Fatal(err)
	}
	store(t, u, 2, fcrEnable|0x80)
	store(t, u, 7, 0x77)
	u.PutByte('z')
	store(t, u, 0, 'q')

	data, err := u.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	u.Unmount()
	ctx.Invalidate()

	restored := New(Config{})
	if err := restored.RestoreState(data); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	ctx2 := managed.New(g, "uart0")
	if err := restored.Mount(ctx2); err != nil {
		t.Fatal(err)
	}
	addr, irq, _ := restored.Assignment()
	if addr != 0x10000000 || irq != 9 {
		t.Fatalf("restored assignment = 0x%x irq %d", addr, irq)
	}
	if restored.trigger != 8 || !restored.fifoEnabled {
		t.Fatalf("fifo state = %v trigger %d", restored.fifoEnabled, restored.trigger)
	}
	if got := load(t, restored, 7); got != 0x77 {
		t.Fatalf("SCR = 0x%02x", got)
	}
	if got := load(t, restored, 0); got != 'z' {
		t.Fatalf("RBR = %q", got)
	}
	if c, err := restored.ReadByte(); err != nil || c != 'q' {
		t.Fatalf("ReadByte = %q, %v", c, err)
	}

	if err := restored.RestoreState([]byte{0x01}); err == nil {
		t.Fatal("garbage state accepted")
	}
}
