// Package mmio implements the MMIO device manager and the virtio-mmio
// transport register layout: IRQ and address-window allocation for the
// devices a boot sequence attaches, and the byte-addressable adapter that
// translates guest register accesses into virtio queue/feature/status
// operations.
package mmio

import (
	"fmt"

	"github.com/tothalex/armvmm/internal/bus"
)

// AArch64 SPI numbers usable by this monitor's devices. 0-31 are the
// GIC's SGIs/PPIs, reserved for the timer/PMU/PSCI the FDT already wires
// directly to the vGIC; device interrupts start at the first SPI.
const (
	IrqBase  = 32
	IrqLimit = 128
)

// The MMIO window this monitor hands out to virtio-mmio and legacy
// devices: the device MMIO window below guest RAM, which starts at
// 0x80000000.
const (
	MmioWindowBase  = 0x40000000
	MmioWindowLimit = 0x80000000

	// DefaultWindowSize is the standard virtio-mmio window: one 4 KiB
	// page holding the registers below 0x100 and device-specific config
	// from 0x100 up.
	DefaultWindowSize = 0x1000
)

// MMIODeviceInfo records where a registered device landed, for the FDT
// builder's virtio_mmio/uart/rtc node generation.
type MMIODeviceInfo struct {
	Name string
	Addr uint64
	Size uint64
	Irq  uint32
}

// DeviceManager allocates IRQ lines and MMIO windows and wires registered
// devices onto a Bus, keeping a side-table of where everything landed.
type DeviceManager struct {
	bus *bus.Bus

	nextIrq  uint32
	nextAddr uint64

	devices []MMIODeviceInfo
}

// NewDeviceManager returns a manager that will register devices onto b.
func NewDeviceManager(b *bus.Bus) *DeviceManager {
	return &DeviceManager{bus: b, nextIrq: IrqBase, nextAddr: MmioWindowBase}
}

// AllocateIrq hands out the next free SPI, failing once the [32,128)
// space the spec reserves for devices is exhausted.
func (m *DeviceManager) AllocateIrq() (uint32, error) {
	if m.nextIrq >= IrqLimit {
		return 0, fmt.Errorf("mmio: no IRQ lines left in [%d,%d)", IrqBase, IrqLimit)
	}
	irq := m.nextIrq
	m.nextIrq++
	return irq, nil
}

// AllocateWindow hands out the next size-byte MMIO window, failing once
// the [1GiB,2GiB) space is exhausted.
func (m *DeviceManager) AllocateWindow(size uint64) (uint64, error) {
	if m.nextAddr+size > MmioWindowLimit {
		return 0, fmt.Errorf("mmio: no MMIO address space left for a %d-byte window", size)
	}
	addr := m.nextAddr
	m.nextAddr += size
	return addr, nil
}

// RegisterVirtio allocates an IRQ and a DefaultWindowSize MMIO window for
// a virtio device, wraps it in a Transport, and puts the transport on the
// bus. It is the registration path for block and net.
func (m *DeviceManager) RegisterVirtio(name string, dev VirtioDevice) (*Transport, MMIODeviceInfo, error) {
	irq, err := m.AllocateIrq()
	if err != nil {
		return nil, MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}
	addr, err := m.AllocateWindow(DefaultWindowSize)
	if err != nil {
		return nil, MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}

	transport := NewTransport(dev)
	if err := m.bus.Insert(bus.BusRange{Base: addr, Length: DefaultWindowSize}, transport); err != nil {
		return nil, MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}

	info := MMIODeviceInfo{Name: name, Addr: addr, Size: DefaultWindowSize, Irq: irq}
	m.devices = append(m.devices, info)
	return transport, info, nil
}

// RegisterLegacy allocates an IRQ and a size-byte window for a
// non-virtio device that raises interrupts (the serial port) and puts it
// directly on the bus.
func (m *DeviceManager) RegisterLegacy(name string, dev bus.Device, size uint64) (MMIODeviceInfo, error) {
	irq, err := m.AllocateIrq()
	if err != nil {
		return MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}
	addr, err := m.AllocateWindow(size)
	if err != nil {
		return MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}
	if err := m.bus.Insert(bus.BusRange{Base: addr, Length: size}, dev); err != nil {
		return MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}

	info := MMIODeviceInfo{Name: name, Addr: addr, Size: size, Irq: irq}
	m.devices = append(m.devices, info)
	return info, nil
}

// RegisterLegacyNoIrq is RegisterLegacy for devices that never raise an
// interrupt line (the RTC and i8042's reset port).
func (m *DeviceManager) RegisterLegacyNoIrq(name string, dev bus.Device, size uint64) (MMIODeviceInfo, error) {
	addr, err := m.AllocateWindow(size)
	if err != nil {
		return MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}
	if err := m.bus.Insert(bus.BusRange{Base: addr, Length: size}, dev); err != nil {
		return MMIODeviceInfo{}, fmt.Errorf("mmio: registering %s: %w", name, err)
	}

	info := MMIODeviceInfo{Name: name, Addr: addr, Size: size}
	m.devices = append(m.devices, info)
	return info, nil
}

// Devices returns the side-table of everything registered so far, in
// registration order, for the FDT builder to walk.
func (m *DeviceManager) Devices() []MMIODeviceInfo {
	return append([]MMIODeviceInfo(nil), m.devices...)
}
