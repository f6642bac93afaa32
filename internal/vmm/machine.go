// Package vmm assembles the pieces other packages provide — guest memory,
// the hypervisor handle, the MMIO bus and device manager, the concrete
// devices, and the FDT — into one bootable machine, and runs the single
// vCPU's exit-handling loop against it.
package vmm

import (
	"fmt"
	"log"
	stdnet "net"
	"os"
	"unsafe"

	"github.com/tothalex/armvmm/internal/bus"
	"github.com/tothalex/armvmm/internal/config"
	"github.com/tothalex/armvmm/internal/cpu"
	"github.com/tothalex/armvmm/internal/device"
	"github.com/tothalex/armvmm/internal/fdt"
	"github.com/tothalex/armvmm/internal/hypervisor"
	"github.com/tothalex/armvmm/internal/memory"
	"github.com/tothalex/armvmm/internal/mmio"
	"github.com/tothalex/armvmm/internal/network"
	"github.com/tothalex/armvmm/internal/virtqueue"

	"golang.org/x/sys/unix"
)

// RAMBase is where guest RAM always starts (spec.md §6); the device MMIO
// window sits below it.
const RAMBase = 0x80000000

// fdtReserve is the margin the FDT blob is placed below the top of guest
// RAM, per spec.md §4.6/§4.7.
const fdtReserve = 2*1024*1024 + 64*1024

const defaultCmdline = "reboot=k panic=1 pci=off"

// kernelEntryPoint is the guest-physical address a Linux AArch64 Image
// entered via the boot protocol always starts executing at (spec.md §4.7).
const kernelEntryPoint = RAMBase

// rtcFixedIrq is the SPI the FDT always advertises for the RTC node, even
// though the RTC itself raises no host-side interrupt (spec.md §4.3): the
// devicetree binding still requires an interrupts property.
const rtcFixedIrq = 33

// queueNotifyOffset is the byte offset of the virtio-mmio queue-notify
// register within a device's window; ioeventfds are armed there.
const queueNotifyOffset = 0x50

// Machine owns every resource one guest boot assembles: memory, the
// hypervisor VM and its single vCPU, the MMIO bus and its devices, and
// the host event dispatcher those devices' doorbells and activation fds
// register with.
type Machine struct {
	mem *memory.GuestMemory
	vm  *hypervisor.VM
	cpu *cpu.VCPU

	bus        *bus.Bus
	devMgr     *mmio.DeviceManager
	dispatcher *Dispatcher

	block *device.Block
	net   *device.Net
	tap   *network.TapDevice

	diskFile *os.File
	irqs     []*virtqueue.IrqTrigger

	stop chan struct{}
}

// New assembles a Machine from a resolved configuration but does not yet
// start the vCPU; call Run for that.
func New(cfg config.Machine) (*Machine, error) {
	mem, err := memory.NewAnonymous(RAMBase, cfg.MemSizeMiB<<20)
	if err != nil {
		return nil, fmt.Errorf("vmm: allocating guest memory: %w", err)
	}

	m := &Machine{
		mem:  mem,
		bus:  bus.New(),
		stop: make(chan struct{}),
	}

	if err := m.init(cfg); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) init(cfg config.Machine) error {
	vm, err := hypervisor.Open()
	if err != nil {
		return fmt.Errorf("vmm: opening hypervisor: %w", err)
	}
	m.vm = vm

	hostAddr, _, err := m.mem.HostAddress(RAMBase)
	if err != nil {
		return fmt.Errorf("vmm: resolving guest RAM host address: %w", err)
	}
	if err := vm.SetUserMemoryRegion(0, RAMBase, m.mem.Size(), uint64(uintptr(unsafe.Pointer(hostAddr)))); err != nil {
		return fmt.Errorf("vmm: registering guest memory region: %w", err)
	}

	if err := vm.CreateVGICv3(fdt.GicDistBase, fdt.GicRedistBase); err != nil {
		return fmt.Errorf("vmm: creating vgic: %w", err)
	}

	vcpu, err := cpu.New(vm, 0)
	if err != nil {
		return fmt.Errorf("vmm: creating vcpu: %w", err)
	}
	m.cpu = vcpu

	dispatcher, err := NewDispatcher()
	if err != nil {
		return fmt.Errorf("vmm: creating event dispatcher: %w", err)
	}
	m.dispatcher = dispatcher

	m.devMgr = mmio.NewDeviceManager(m.bus)

	cmdline := cfg.CmdLine
	if cmdline == "" {
		cmdline = defaultCmdline
	}

	var virtioFDT []fdt.VirtioDevice

	// Fixed attach order per spec.md §2: block, net, serial, rtc.
	if cfg.Disk != "" {
		info, err := m.attachBlock(cfg.Disk)
		if err != nil {
			return err
		}
		virtioFDT = append(virtioFDT, info)
	}

	if cfg.Tap != "" {
		info, err := m.attachNet(cfg.Tap, cfg.TapAddr, cfg.TapPrefixLen)
		if err != nil {
			return err
		}
		virtioFDT = append(virtioFDT, info)
	}

	serialInfo, err := m.attachSerial()
	if err != nil {
		return err
	}
	cmdline = addMMIOSerialToCmdline(cmdline, serialInfo.Addr)

	rtcInfo, err := m.attachRTC()
	if err != nil {
		return err
	}

	if err := m.attachI8042(); err != nil {
		return err
	}

	if cfg.Kernel != "" {
		if err := m.loadKernel(cfg.Kernel); err != nil {
			return err
		}
	}
	if cfg.Initrd != "" {
		if err := m.loadInitrd(cfg.Initrd); err != nil {
			return err
		}
	}

	fdtAddr, err := m.writeFDT(fdt.MachineConfig{
		MemBase: RAMBase,
		MemSize: m.mem.Size(),
		NumCPUs: 1,
		CmdLine: cmdline,

		UartAddr: serialInfo.Addr,
		UartSize: serialInfo.Size,

		RTCAddr: rtcInfo.Addr,
		RTCSize: rtcInfo.Size,
		RTCIrq:  rtcFixedIrq,

		VirtioDevices: virtioFDT,
	})
	if err != nil {
		return err
	}

	if err := m.cpu.ConfigureBoot(kernelEntryPoint, fdtAddr); err != nil {
		return fmt.Errorf("vmm: configuring boot registers: %w", err)
	}
	return nil
}

func (m *Machine) attachBlock(path string) (fdt.VirtioDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: opening block backing file %s: %w", path, err)
	}
	m.diskFile = f

	irq, err := virtqueue.NewIrqTrigger()
	if err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: creating block irq trigger: %w", err)
	}
	m.irqs = append(m.irqs, irq)
	blk := device.NewBlock(f, m.mem, irq)
	m.block = blk

	_, info, err := m.devMgr.RegisterVirtio("block", blk)
	if err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: registering block device: %w", err)
	}
	if err := m.wireVirtio(blk, info); err != nil {
		return fdt.VirtioDevice{}, err
	}
	return fdt.VirtioDevice{Addr: info.Addr, Size: info.Size, Irq: info.Irq}, nil
}

func (m *Machine) attachNet(tapName, tapAddr string, tapPrefixLen int) (fdt.VirtioDevice, error) {
	tap, err := network.NewTapDevice(tapName)
	if err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: creating tap device %s: %w", tapName, err)
	}
	m.tap = tap

	if tapAddr != "" {
		addr := stdnet.ParseIP(tapAddr)
		if addr == nil {
			return fdt.VirtioDevice{}, fmt.Errorf("vmm: tap address %q is not a valid IPv4 address", tapAddr)
		}
		if err := network.ConfigureInterface(tapName, addr, tapPrefixLen); err != nil {
			return fdt.VirtioDevice{}, fmt.Errorf("vmm: configuring tap interface %s: %w", tapName, err)
		}
	}

	irq, err := virtqueue.NewIrqTrigger()
	if err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: creating net irq trigger: %w", err)
	}
	m.irqs = append(m.irqs, irq)
	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	netDev := device.NewNet(tap, m.mem, irq, mac)
	m.net = netDev

	_, info, err := m.devMgr.RegisterVirtio("net", netDev)
	if err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: registering net device: %w", err)
	}
	if err := m.wireVirtio(netDev, info); err != nil {
		return fdt.VirtioDevice{}, err
	}

	if err := m.dispatcher.Register(tap.Fd(), func() {
		if err := netDev.PumpRx(); err != nil && err != unix.EAGAIN {
			log.Printf("vmm: net: pumping rx: %v", err)
		}
	}); err != nil {
		return fdt.VirtioDevice{}, fmt.Errorf("vmm: registering tap fd with dispatcher: %w", err)
	}

	return fdt.VirtioDevice{Addr: info.Addr, Size: info.Size, Irq: info.Irq}, nil
}

// wireVirtio connects a registered virtio device's interrupt line to a
// KVM irqfd and each of its queue-notify doorbells to an ioeventfd at
// info.Addr + queueNotifyOffset, the mechanism that lets the guest kick
// the device without an exit into this process (spec.md §4.3).
func (m *Machine) wireVirtio(dev mmio.VirtioDevice, info mmio.MMIODeviceInfo) error {
	if err := m.vm.IRQFd(dev.Irq().Fd(), info.Irq); err != nil {
		return fmt.Errorf("vmm: wiring irqfd for %s: %w", info.Name, err)
	}
	for idx := range dev.Queues() {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
		if err != nil {
			return fmt.Errorf("vmm: creating doorbell eventfd for %s queue %d: %w", info.Name, idx, err)
		}
		if err := m.vm.IOEventFd(info.Addr+queueNotifyOffset, 4, uint64(idx), fd); err != nil {
			return fmt.Errorf("vmm: registering ioeventfd for %s queue %d: %w", info.Name, idx, err)
		}
		queueIndex := idx
		if err := m.dispatcher.Register(fd, func() {
			var buf [8]byte
			unix.Read(fd, buf[:])
			dev.NotifyQueue(queueIndex)
		}); err != nil {
			return fmt.Errorf("vmm: registering doorbell fd for %s queue %d: %w", info.Name, idx, err)
		}
	}
	return nil
}

func (m *Machine) attachSerial() (mmio.MMIODeviceInfo, error) {
	irq, err := virtqueue.NewIrqTrigger()
	if err != nil {
		return mmio.MMIODeviceInfo{}, fmt.Errorf("vmm: creating serial irq trigger: %w", err)
	}
	m.irqs = append(m.irqs, irq)
	serial := device.NewSerial(os.Stdout, irq)

	info, err := m.devMgr.RegisterLegacy("serial", serial, 0x1000)
	if err != nil {
		return mmio.MMIODeviceInfo{}, fmt.Errorf("vmm: registering serial device: %w", err)
	}
	if err := m.vm.IRQFd(irq.Fd(), info.Irq); err != nil {
		return mmio.MMIODeviceInfo{}, fmt.Errorf("vmm: wiring serial irqfd: %w", err)
	}

	// Only register stdin if it's a source that actually blocks between
	// bytes (a terminal or a FIFO): a redirected /dev/null or regular
	// file reads as immediately and perpetually ready, which would spin
	// the dispatcher's level-triggered epoll loop.
	stdinFd := int(os.Stdin.Fd())
	if isConsoleInput(stdinFd) {
		if err := m.dispatcher.Register(stdinFd, func() {
			var buf [256]byte
			n, err := unix.Read(stdinFd, buf[:])
			if err != nil || n <= 0 {
				return
			}
			serial.InjectInput(buf[:n])
		}); err != nil {
			return mmio.MMIODeviceInfo{}, fmt.Errorf("vmm: registering stdin with dispatcher: %w", err)
		}
	}

	return info, nil
}

// isConsoleInput reports whether fd is a TTY or a FIFO, the two stdin
// shapes worth delivering to the guest's serial port as keystrokes.
func isConsoleInput(fd int) bool {
	if _, err := unix.IoctlGetTermios(fd, unix.TCGETS); err == nil {
		return true
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFIFO
}

func (m *Machine) attachRTC() (mmio.MMIODeviceInfo, error) {
	irq, err := virtqueue.NewIrqTrigger()
	if err != nil {
		return mmio.MMIODeviceInfo{}, fmt.Errorf("vmm: creating rtc irq trigger: %w", err)
	}
	m.irqs = append(m.irqs, irq)
	rtc := device.NewRTC(irq)

	// Inserted without an IRQ line (spec.md §4.3): the RTC's own
	// interrupt is never wired to a KVM irqfd, even though the FDT still
	// advertises a fixed SPI for the node's devicetree binding.
	info, err := m.devMgr.RegisterLegacyNoIrq("rtc", rtc, 0x1000)
	if err != nil {
		return mmio.MMIODeviceInfo{}, fmt.Errorf("vmm: registering rtc device: %w", err)
	}
	return info, nil
}

// attachI8042 wires a guest write of the reset command to Stop, the only
// i8042 behavior this monitor's boot sequence depends on.
func (m *Machine) attachI8042() error {
	reset := device.NewI8042(func() {
		log.Printf("vmm: guest requested reset via i8042; shutting down")
		m.Stop()
	})
	if _, err := m.devMgr.RegisterLegacyNoIrq("i8042", reset, 8); err != nil {
		return fmt.Errorf("vmm: registering i8042: %w", err)
	}
	return nil
}

func (m *Machine) loadKernel(path string) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vmm: reading kernel image %s: %w", path, err)
	}
	if err := m.mem.Write(RAMBase, img); err != nil {
		return fmt.Errorf("vmm: writing kernel image to guest memory: %w", err)
	}
	return nil
}

func (m *Machine) loadInitrd(path string) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vmm: reading initrd %s: %w", path, err)
	}
	if err := m.mem.Write(m.initrdAddr(), img); err != nil {
		return fmt.Errorf("vmm: writing initrd to guest memory: %w", err)
	}
	return nil
}

// initrdAddr places the initrd 16 MiB below the FDT's reserved margin, far
// enough from RAMBase to leave room for a sizeable kernel image.
func (m *Machine) initrdAddr() uint64 {
	last := m.mem.LastAddr()
	const margin = fdtReserve + 16*1024*1024
	if last-RAMBase <= margin {
		return RAMBase
	}
	return last - margin
}

func (m *Machine) writeFDT(cfg fdt.MachineConfig) (uint64, error) {
	blob, err := fdt.BuildBlob(cfg)
	if err != nil {
		return 0, fmt.Errorf("vmm: building FDT: %w", err)
	}

	fdtAddr := uint64(RAMBase)
	if last := m.mem.LastAddr(); last-RAMBase > fdtReserve {
		fdtAddr = last - fdtReserve
	}
	if err := m.mem.Write(fdtAddr, blob); err != nil {
		return 0, fmt.Errorf("vmm: writing FDT to guest memory: %w", err)
	}
	return fdtAddr, nil
}

// addMMIOSerialToCmdline appends both earlycon and a regular console
// parameter for uartAddr, resolving spec.md §9's open question in favor
// of a fully functional console (early boot messages plus login).
func addMMIOSerialToCmdline(cmdline string, uartAddr uint64) string {
	return fmt.Sprintf("%s earlycon=uart,mmio,0x%x console=ttyS0", cmdline, uartAddr)
}

// Run starts the vCPU's exit-handling loop and the host event dispatcher,
// blocking until Stop is called or the guest halts.
func (m *Machine) Run() error {
	go func() {
		if err := m.dispatcher.Run(m.stop); err != nil {
			log.Printf("vmm: event dispatcher: %v", err)
		}
	}()

	for {
		select {
		case <-m.stop:
			return nil
		default:
		}

		reason, err := m.cpu.Run()
		if err != nil {
			return fmt.Errorf("vmm: vcpu run: %w", err)
		}

		switch reason {
		case hypervisor.ExitMMIO:
			m.handleMMIO()
		case hypervisor.ExitShutdown:
			return nil
		default:
			log.Printf("vmm: unhandled vcpu exit reason %d", reason)
			return nil
		}
	}
}

func (m *Machine) handleMMIO() {
	addr, buf, isWrite := m.cpu.MMIO()
	if isWrite {
		m.bus.Write(addr, buf)
	} else {
		m.bus.Read(addr, buf)
	}
}

// Stop signals the vCPU and dispatcher loops to exit; it is safe to call
// more than once and from any goroutine, including a device callback.
func (m *Machine) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Close releases every resource the machine owns. It is safe to call
// after a failed New, and does not wait for a concurrent Run to return:
// Stop only asks the vCPU loop to exit at its next opportunity, since
// KVM_RUN itself cannot be interrupted from here.
func (m *Machine) Close() error {
	m.Stop()

	if m.cpu != nil {
		m.cpu.Close()
	}
	if m.dispatcher != nil {
		m.dispatcher.Close()
	}
	for _, irq := range m.irqs {
		irq.Close()
	}
	if m.tap != nil {
		m.tap.Close()
	}
	if m.diskFile != nil {
		m.diskFile.Close()
	}
	if m.vm != nil {
		m.vm.Close()
	}
	if m.mem != nil {
		m.mem.Close()
	}
	return nil
}
