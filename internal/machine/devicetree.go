package machine

import (
	"fmt"
	"strings"

	"github.com/tinyrange/rvboard/internal/board"
	"github.com/tinyrange/rvboard/internal/devices"
	"github.com/tinyrange/rvboard/internal/fdt"
)

// Platform layout of the RISC-V virt board.
const (
	CLINTBase = 0x0200_0000
	CLINTSize = 0x000c_0000
	PLICBase  = 0x0c00_0000
	PLICSize  = 0x0400_0000

	TimebaseFrequency = 10000000

	cpuIntcPhandle = 1
	plicPhandle    = 2
)

var platformWindows = []struct {
	name       string
	base, size uint64
}{
	{"clint", CLINTBase, CLINTSize},
	{"plic", PLICBase, PLICSize},
}

// platformDevice occupies a platform controller window in the memory map so
// no device can be mounted over it. It reads as zero and ignores writes
// until a CPU model supplies the controller.
type platformDevice struct {
	name string
	size uint64
}

func (d *platformDevice) Size() uint64                     { return d.size }
func (d *platformDevice) Load(uint64, int) (uint64, error) { return 0, nil }
func (d *platformDevice) Store(uint64, int, uint64) error  { return nil }
func (d *platformDevice) String() string                   { return d.name }

// DeviceTree describes the board and every mounted device. The worker is
// parked while device nodes are collected.
func (m *Machine) DeviceTree() (*fdt.Node, error) {
	resume := m.global.JoinWorker()
	defer resume()

	root := fdt.NewNode("").
		AddProperty("#address-cells", fdt.U32(2)).
		AddProperty("#size-cells", fdt.U32(2)).
		AddProperty("compatible", fdt.String("riscv-virtio")).
		AddProperty("model", fdt.String("tinyrange,rvboard"))

	chosen := root.Child("chosen")
	if m.cfg.Bootargs != "" {
		chosen.AddProperty("bootargs", fdt.String(m.cfg.Bootargs))
	}

	cpus := root.Child("cpus").
		AddProperty("#address-cells", fdt.U32(1)).
		AddProperty("#size-cells", fdt.U32(0)).
		AddProperty("timebase-frequency", fdt.U32(TimebaseFrequency))
	cpus.Child("cpu@0").
		AddProperty("device_type", fdt.String("cpu")).
		AddProperty("reg", fdt.U32(0)).
		AddProperty("status", fdt.String("okay")).
		AddProperty("compatible", fdt.String("riscv")).
		AddProperty("riscv,isa", fdt.String("rv64imafdc_zicsr_zifencei")).
		AddProperty("mmu-type", fdt.String("riscv,sv48")).
		Child("interrupt-controller").
		AddProperty("#interrupt-cells", fdt.U32(1)).
		AddProperty("interrupt-controller").
		AddProperty("compatible", fdt.String("riscv,cpu-intc")).
		AddProperty("phandle", fdt.U32(cpuIntcPhandle))

	root.Child(fmt.Sprintf("memory@%x", board.RAMBase)).
		AddProperty("device_type", fdt.String("memory")).
		AddProperty("reg", fdt.U64(board.RAMBase), fdt.U64(m.cfg.RAMSize))

	soc := root.Child("soc").
		AddProperty("#address-cells", fdt.U32(2)).
		AddProperty("#size-cells", fdt.U32(2)).
		AddProperty("compatible", fdt.String("simple-bus")).
		AddProperty("ranges")

	soc.Child(fmt.Sprintf("clint@%x", CLINTBase)).
		AddProperty("compatible", fdt.Strings("sifive,clint0", "riscv,clint0")...).
		AddProperty("reg", fdt.U64(CLINTBase), fdt.U64(CLINTSize)).
		AddProperty("interrupts-extended", fdt.Cells(cpuIntcPhandle, 3, cpuIntcPhandle, 7)...)

	soc.Child(fmt.Sprintf("plic@%x", PLICBase)).
		AddProperty("compatible", fdt.Strings("sifive,plic-1.0.0", "riscv,plic0")...).
		AddProperty("#interrupt-cells", fdt.U32(1)).
		AddProperty("interrupt-controller").
		AddProperty("reg", fdt.U64(PLICBase), fdt.U64(PLICSize)).
		AddProperty("interrupts-extended", fdt.Cells(cpuIntcPhandle, 11, cpuIntcPhandle, 9)...).
		AddProperty("riscv,ndev", fdt.U32(uint32(m.cfg.Interrupts-1))).
		AddProperty("phandle", fdt.U32(plicPhandle))

	var stdout string
	for _, mt := range m.mounts {
		p, ok := mt.dev.(devices.DeviceTreeProvider)
		if !ok {
			continue
		}
		node := p.DeviceTreeNode(plicPhandle)
		if node == nil {
			continue
		}
		soc.AddChild(node)
		if stdout == "" && strings.HasPrefix(node.FullName(), "serial@") {
			stdout = "/soc/" + node.FullName()
		}
	}
	if stdout != "" {
		chosen.AddProperty("stdout-path", fdt.String(stdout))
	}

	if err := root.Validate(); err != nil {
		return nil, err
	}
	return root, nil
}

// DeviceTreeBlob encodes DeviceTree as a flattened device tree.
func (m *Machine) DeviceTreeBlob() ([]byte, error) {
	root, err := m.DeviceTree()
	if err != nil {
		return nil, err
	}
	blob, err := fdt.Build(root)
	if err != nil {
		return nil, fmt.Errorf("machine: build device tree: %w", err)
	}
	return blob, nil
}

// dtbAlign is the alignment of the blob placed by PlaceDeviceTree.
const dtbAlign = 0x1000

// PlaceDeviceTree writes DeviceTreeBlob into the top of RAM and returns its
// guest physical address, the value handed to the hart in a1 at boot.
func (m *Machine) PlaceDeviceTree() (uint64, error) {
	blob, err := m.DeviceTreeBlob()
	if err != nil {
		return 0, err
	}
	size := m.ram.Size()
	if uint64(len(blob)) > size {
		return 0, fmt.Errorf("machine: device tree of %d bytes does not fit in %d bytes of RAM", len(blob), size)
	}
	off := (size - uint64(len(blob))) &^ (dtbAlign - 1)
	if err := m.ram.WriteImage(off, blob); err != nil {
		return 0, fmt.Errorf("machine: place device tree: %w", err)
	}
	addr := board.RAMBase + off
	m.log.Debug("device tree placed", "addr", fmt.Sprintf("0x%x", addr), "bytes", len(blob))
	return addr, nil
}
