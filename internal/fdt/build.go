package fdt

import "fmt"

// GIC interrupt type cells (devicetree arm,gic-v3 binding).
const (
	gicSPI uint32 = 0
	gicPPI uint32 = 1

	irqTypeEdgeRising uint32 = 1
	irqTypeLevelHigh  uint32 = 4
	irqTypeLevelLow   uint32 = 8
)

// GICv3 PPI cpu-mask encoding (devicetree arm,gic-v3 binding): a PPI's
// third interrupt cell ORs in a per-CPU affinity mask alongside the
// trigger-type bits, shifted above them.
const (
	gicFDTIrqPPICPUShift uint32 = 8
	gicFDTIrqPPICPUMask  uint32 = 0xff << gicFDTIrqPPICPUShift
)

// ppiCPUMask returns the cpu-mask bits for a PPI affine to the first
// numCPUs CPUs, per the devicetree arm,gic-v3 binding.
func ppiCPUMask(numCPUs uint32) uint32 {
	return ((uint32(1) << numCPUs) - 1) << gicFDTIrqPPICPUShift & gicFDTIrqPPICPUMask
}

// MaxSize is the largest FDT blob this monitor will hand to a guest
// kernel; the boot orchestrator rejects anything larger rather than risk
// overlapping guest RAM it didn't account for.
const MaxSize = 2 * 1024 * 1024

// Fixed phandles referenced across nodes.
const (
	phandleGIC      = 1
	phandleAPBClock = 24
)

// Fixed GICv3 layout this monitor always uses: the distributor sits just
// below the device MMIO window (which starts at 0x40000000), and the
// redistributor sits just below the distributor.
const (
	GicDistBase    = 0x40000000 - 0x10000
	GicDistSize    = 0x10000
	GicRedistSize  = 0x20000
	GicRedistBase  = GicDistBase - GicRedistSize
)

// VirtioDevice describes one virtio-mmio window for the FDT's
// virtio_mmio nodes.
type VirtioDevice struct {
	Addr uint64
	Size uint64
	Irq  uint32 // SPI, i.e. the GIC hwirq (32 + devicetree SPI cell)
}

// MachineConfig is everything the FDT builder needs to describe one
// boot of this monitor.
type MachineConfig struct {
	MemBase uint64
	MemSize uint64
	NumCPUs uint32
	CmdLine string

	UartAddr uint64
	UartSize uint64

	RTCAddr uint64
	RTCSize uint64
	RTCIrq  uint32

	VirtioDevices []VirtioDevice
}

func spiCells(irq uint32, flags uint32) []uint32 {
	return []uint32{gicSPI, irq - 32, flags}
}

// ppiCells builds one PPI interrupt-cell triple, ORing the trigger-type
// flags with the cpu-mask bits for a PPI affine to numCPUs CPUs.
func ppiCells(ppi uint32, flags uint32, numCPUs uint32) []uint32 {
	return []uint32{gicPPI, ppi, flags | ppiCPUMask(numCPUs)}
}

// Build assembles the devicetree root node described in spec.md §4.6.
func Build(cfg MachineConfig) (*Node, error) {
	if cfg.NumCPUs == 0 {
		cfg.NumCPUs = 1
	}

	root := NewNode("/")
	root.Prop(PropU32("#address-cells", 2))
	root.Prop(PropU32("#size-cells", 2))
	root.Prop(PropString("compatible", "linux,dummy-virt"))
	root.Prop(PropU32("interrupt-parent", phandleGIC))

	chosen := root.Add(NewNode("chosen"))
	chosen.Prop(PropString("bootargs", cfg.CmdLine))

	mem := root.Add(NewNode(fmt.Sprintf("memory@%x", cfg.MemBase)))
	mem.Prop(PropString("device_type", "memory"))
	mem.Prop(PropU64Pair("reg", cfg.MemBase, cfg.MemSize))

	cpus := root.Add(NewNode("cpus"))
	cpus.Prop(PropU32("#address-cells", 1))
	cpus.Prop(PropU32("#size-cells", 0))
	for i := uint32(0); i < cfg.NumCPUs; i++ {
		cpu := cpus.Add(NewNode(fmt.Sprintf("cpu@%d", i)))
		cpu.Prop(PropString("device_type", "cpu"))
		cpu.Prop(PropString("compatible", "arm,arm-v8"))
		cpu.Prop(PropString("enable-method", "psci"))
		cpu.Prop(PropU32("reg", i))
	}

	intc := root.Add(NewNode(fmt.Sprintf("intc@%x", GicDistBase)))
	intc.Prop(PropString("compatible", "arm,gic-v3"))
	intc.Prop(PropU32("#interrupt-cells", 3))
	intc.Prop(PropEmpty("interrupt-controller"))
	intc.Prop(PropCells("reg",
		uint32(GicDistBase>>32), uint32(GicDistBase), 0, GicDistSize,
		uint32(GicRedistBase>>32), uint32(GicRedistBase), 0, GicRedistSize))
	intc.Prop(PropU32("phandle", phandleGIC))

	apbClock := root.Add(NewNode("apb-pclk"))
	apbClock.Prop(PropString("compatible", "fixed-clock"))
	apbClock.Prop(PropU32("#clock-cells", 0))
	apbClock.Prop(PropU32("clock-frequency", 24_000_000))
	apbClock.Prop(PropString("clock-output-names", "clk24mhz"))
	apbClock.Prop(PropU32("phandle", phandleAPBClock))

	if cfg.UartSize == 0 {
		cfg.UartSize = 0x1000
	}
	uart := root.Add(NewNode(fmt.Sprintf("uart@%x", cfg.UartAddr)))
	uart.Prop(PropString("compatible", "ns16550a"))
	uart.Prop(PropU64Pair("reg", cfg.UartAddr, cfg.UartSize))
	// Fixed per the machine's boot contract, independent of whatever
	// dynamic SPI the device manager handed the transport for KVM irqfd
	// wiring: early boot needs a known-stable console interrupt line.
	uart.Prop(PropCells("interrupts", gicSPI, 4, irqTypeEdgeRising))
	uart.Prop(PropU32("clocks", phandleAPBClock))
	uart.Prop(PropString("clock-names", "apb_pclk"))

	if cfg.RTCSize == 0 {
		cfg.RTCSize = 0x1000
	}
	rtc := root.Add(NewNode(fmt.Sprintf("rtc@%x", cfg.RTCAddr)))
	rtc.Prop(PropStringList("compatible", "arm,pl031", "arm,primecell"))
	rtc.Prop(PropU64Pair("reg", cfg.RTCAddr, cfg.RTCSize))
	rtc.Prop(PropCells("interrupts", spiCells(cfg.RTCIrq, irqTypeLevelHigh)...))
	rtc.Prop(PropU32("clocks", phandleAPBClock))
	rtc.Prop(PropString("clock-names", "apb_pclk"))

	timer := root.Add(NewNode("timer"))
	timer.Prop(PropString("compatible", "arm,armv8-timer"))
	var timerCells []uint32
	for _, ppi := range []uint32{13, 14, 11, 10} {
		timerCells = append(timerCells, ppiCells(ppi, irqTypeLevelLow, cfg.NumCPUs)...)
	}
	timer.Prop(PropCells("interrupts", timerCells...))

	psci := root.Add(NewNode("psci"))
	psci.Prop(PropString("compatible", "arm,psci-0.2"))
	psci.Prop(PropString("method", "hvc"))

	pmu := root.Add(NewNode("pmu"))
	pmu.Prop(PropString("compatible", "arm,armv8-pmuv3"))
	pmu.Prop(PropCells("interrupts", ppiCells(7, irqTypeLevelHigh, cfg.NumCPUs)...))

	for _, vd := range cfg.VirtioDevices {
		node := root.Add(NewNode(fmt.Sprintf("virtio_mmio@%x", vd.Addr)))
		node.Prop(PropString("compatible", "virtio,mmio"))
		node.Prop(PropU64Pair("reg", vd.Addr, vd.Size))
		node.Prop(PropCells("interrupts", spiCells(vd.Irq, irqTypeEdgeRising)...))
	}

	return root, nil
}

// BuildBlob builds and serializes cfg's devicetree, rejecting a blob
// larger than MaxSize.
func BuildBlob(cfg MachineConfig) ([]byte, error) {
	root, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	blob, err := Encode(root)
	if err != nil {
		return nil, err
	}
	if len(blob) > MaxSize {
		return nil, fmt.Errorf("fdt: blob is %d bytes, exceeds the %d-byte limit", len(blob), MaxSize)
	}
	return blob, nil
}
