package hypervisor

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM register-ID bit fields (arch/arm64/include/uapi/asm/kvm.h). A full
// register ID is these bits OR'd with the byte offset (divided by 4) of
// the field within struct kvm_regs.
const (
	RegArch64   uint64 = 0x6000000000000000
	RegSizeU64  uint64 = 0x0030000000000000
	RegArmCore  uint64 = 0x0010 << 16
)

// CoreRegID builds the register ID for a 64-bit field at byteOffset
// within struct kvm_regs' embedded user_pt_regs, per the formula
// KVM_REG_ARM64 | KVM_REG_SIZE_U64 | KVM_REG_ARM_CORE | (byteOffset/4).
func CoreRegID(byteOffset uint64) uint64 {
	return RegArch64 | RegSizeU64 | RegArmCore | (byteOffset / 4)
}

// Byte offsets of the AArch64 core registers this monitor touches,
// within struct kvm_regs.regs (a struct user_pt_regs).
const (
	RegOffsetX0     = 0 * 8
	RegOffsetPC     = 32 * 8
	RegOffsetPState = 33 * 8
)

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type vcpuInit struct {
	Target  uint32
	Features [7]uint32
}

type oneReg struct {
	ID   uint64
	Addr uint64
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

type irqfd struct {
	FD     uint32
	GSI    uint32
	Flags  uint32
	Resamplefd uint32
	Pad    [16]byte
}

type ioEventFd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	Pad       [36]byte
}

type createDevice struct {
	Type  uint32
	FD    uint32
	Flags uint32
}

type deviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

// vGIC-v3 device type and attribute groups (arch/arm64/include/uapi/asm/kvm.h).
const (
	devTypeArmVgicV3 = 7

	vgicGrpAddr = 0
	vgicGrpCtrl = 4

	vgicV3AddrTypeDist   = 2
	vgicV3AddrTypeRedist = 3

	vgicCtrlInit = 0
)

// ioEventFdFlagDatamatch arms the datamatch comparison: the fd only
// signals when the guest store's value equals Datamatch, the mechanism
// virtio-mmio's queue-notify doorbell at base+0x50 relies on to route a
// write straight to the right queue without a VM exit.
const ioEventFdFlagDatamatch = 1 << 0

// PSCI 0.2 feature bit within vcpu_init.features[0].
const vcpuFeaturePSCI02 = 1 << 2

// VM owns the /dev/kvm and per-guest VM file descriptors.
type VM struct {
	kvmFD int
	vmFD  int

	vcpuMmapSize int
}

// Open opens /dev/kvm and creates a new guest VM.
func Open() (*VM, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: opening /dev/kvm: %w", err)
	}
	kvmFD := int(f.Fd())

	vmFD, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), reqCreateVM, 0)
	if errno != 0 {
		f.Close()
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VM: %w", errno)
	}

	size, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), reqGetVCPUMmapSize, 0)
	if errno != 0 {
		unix.Close(int(vmFD))
		f.Close()
		return nil, fmt.Errorf("hypervisor: KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}

	return &VM{kvmFD: kvmFD, vmFD: int(vmFD), vcpuMmapSize: int(size)}, nil
}

// Close releases the VM and KVM file descriptors.
func (v *VM) Close() error {
	if err := unix.Close(v.vmFD); err != nil {
		return fmt.Errorf("hypervisor: closing VM fd: %w", err)
	}
	return unix.Close(v.kvmFD)
}

// SetUserMemoryRegion registers a guest-RAM slot backed by the host
// mapping at hostAddr.
func (v *VM) SetUserMemoryRegion(slot uint32, guestAddr, size, hostAddr uint64) error {
	region := userspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddr,
		MemorySize:    size,
		UserspaceAddr: hostAddr,
	}
	if err := ioctl(v.vmFD, reqSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// IRQLine asserts or deasserts gsi through KVM's legacy IRQ injection
// path, used for one-shot level changes outside the irqfd fast path.
func (v *VM) IRQLine(gsi uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	lvl := irqLevel{IRQ: gsi, Level: l}
	if err := ioctl(v.vmFD, reqIRQLine, uintptr(unsafe.Pointer(&lvl))); err != nil {
		return fmt.Errorf("hypervisor: KVM_IRQ_LINE: %w", err)
	}
	return nil
}

// IRQFd wires eventfd fd to gsi: writes to fd assert the line without a
// vCPU exit into userspace, the fast path virtqueue interrupts use.
func (v *VM) IRQFd(fd int, gsi uint32) error {
	req := irqfd{FD: uint32(fd), GSI: gsi}
	if err := ioctl(v.vmFD, reqIRQFd, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("hypervisor: KVM_IRQFD: %w", err)
	}
	return nil
}

// IOEventFd arms fd to be signaled whenever the guest writes datamatch
// to the size-byte MMIO register at addr, the doorbell path virtio's
// queue-notify register uses to reach a queue without a VM exit.
func (v *VM) IOEventFd(addr uint64, size uint32, datamatch uint64, fd int) error {
	req := ioEventFd{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       size,
		FD:        int32(fd),
		Flags:     ioEventFdFlagDatamatch,
	}
	if err := ioctl(v.vmFD, reqIOEventFd, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("hypervisor: KVM_IOEVENTFD: %w", err)
	}
	return nil
}

// CreateVGICv3 instantiates an in-kernel GICv3 with the given distributor
// and redistributor base addresses, per the FDT's intc node, and finalizes
// it so IRQLine/IRQFd have an interrupt controller to deliver into.
func (v *VM) CreateVGICv3(distBase, redistBase uint64) error {
	dev := createDevice{Type: devTypeArmVgicV3}
	if err := ioctl(v.vmFD, reqCreateDevice, uintptr(unsafe.Pointer(&dev))); err != nil {
		return fmt.Errorf("hypervisor: KVM_CREATE_DEVICE(vgic-v3): %w", err)
	}
	vgicFD := int(dev.FD)
	defer unix.Close(vgicFD)

	if err := setVGICAddr(vgicFD, vgicV3AddrTypeDist, distBase); err != nil {
		return err
	}
	if err := setVGICAddr(vgicFD, vgicV3AddrTypeRedist, redistBase); err != nil {
		return err
	}

	attr := deviceAttr{Group: vgicGrpCtrl, Attr: vgicCtrlInit}
	if err := ioctl(vgicFD, reqSetDeviceAttr, uintptr(unsafe.Pointer(&attr))); err != nil {
		return fmt.Errorf("hypervisor: KVM_DEV_ARM_VGIC_CTRL_INIT: %w", err)
	}
	return nil
}

func setVGICAddr(fd int, addrType uint32, addr uint64) error {
	attr := deviceAttr{Group: vgicGrpAddr, Attr: uint64(addrType), Addr: uint64(uintptr(unsafe.Pointer(&addr)))}
	if err := ioctl(fd, reqSetDeviceAttr, uintptr(unsafe.Pointer(&attr))); err != nil {
		return fmt.Errorf("hypervisor: KVM_DEV_ARM_VGIC_GRP_ADDR(%d): %w", addrType, err)
	}
	return nil
}

// VCPU owns one guest vCPU's file descriptor and its mmap'd kvm_run
// structure.
type VCPU struct {
	fd  int
	run []byte
}

// CreateVCPU creates vCPU index id and maps its kvm_run page.
func (v *VM) CreateVCPU(id uint32) (*VCPU, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(v.vmFD), reqCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VCPU: %w", errno)
	}

	run, err := unix.Mmap(int(fd), 0, v.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("hypervisor: mmap kvm_run: %w", err)
	}

	return &VCPU{fd: int(fd), run: run}, nil
}

// Close unmaps kvm_run and closes the vCPU fd.
func (c *VCPU) Close() error {
	if err := unix.Munmap(c.run); err != nil {
		return fmt.Errorf("hypervisor: munmap kvm_run: %w", err)
	}
	return unix.Close(c.fd)
}

// PreferredTarget queries KVM_ARM_PREFERRED_TARGET for this host's CPU.
func (c *VCPU) PreferredTarget() (uint32, error) {
	var init vcpuInit
	if err := ioctl(c.fd, reqARMPreferredTarget, uintptr(unsafe.Pointer(&init))); err != nil {
		return 0, fmt.Errorf("hypervisor: KVM_ARM_PREFERRED_TARGET: %w", err)
	}
	return init.Target, nil
}

// Init applies target (as returned by PreferredTarget) with PSCI 0.2
// enabled, per the AArch64 boot contract this monitor implements.
func (c *VCPU) Init(target uint32) error {
	init := vcpuInit{Target: target}
	init.Features[0] |= vcpuFeaturePSCI02
	if err := ioctl(c.fd, reqARMVCPUInit, uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("hypervisor: KVM_ARM_VCPU_INIT: %w", err)
	}
	return nil
}

// SetOneReg writes a single register identified by regID.
func (c *VCPU) SetOneReg(regID, value uint64) error {
	reg := oneReg{ID: regID, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if err := ioctl(c.fd, reqSetOneReg, uintptr(unsafe.Pointer(&reg))); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_ONE_REG(0x%x): %w", regID, err)
	}
	return nil
}

// GetOneReg reads a single register identified by regID.
func (c *VCPU) GetOneReg(regID uint64) (uint64, error) {
	var value uint64
	reg := oneReg{ID: regID, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if err := ioctl(c.fd, reqGetOneReg, uintptr(unsafe.Pointer(&reg))); err != nil {
		return 0, fmt.Errorf("hypervisor: KVM_GET_ONE_REG(0x%x): %w", regID, err)
	}
	return value, nil
}

// runData mirrors the fixed head of struct kvm_run up through its
// exit-info union: request_interrupt_window/immediate_exit, exit_reason,
// the interrupt-injection flags, cr8/apic_base (unused on AArch64, kept
// for layout), and the union itself, big enough to hold the mmio arm
// (phys_addr uint64, data [8]byte, len uint32, is_write byte).
type runData struct {
	requestInterruptWindow byte
	_                       [7]byte
	exitReason              uint32
	readyForInterruptInjection byte
	ifFlag                  byte
	_                       [2]byte
	cr8                     uint64
	apicBase                uint64
	data                    [32]uint64
}

// Exit reasons this monitor's dispatch loop cares about.
const (
	ExitMMIO     = 6
	ExitShutdown = 8
)

func (c *VCPU) runData() *runData {
	return (*runData)(unsafe.Pointer(&c.run[0]))
}

// Run enters the guest until the next vCPU exit, returning the raw
// kvm_run.exit_reason field for the caller's exit-handling loop.
func (c *VCPU) Run() (uint32, error) {
	if err := ioctl(c.fd, reqRun, 0); err != nil {
		return 0, fmt.Errorf("hypervisor: KVM_RUN: %w", err)
	}
	return c.runData().exitReason, nil
}

// MMIO returns the guest-physical address, the data buffer, and the
// direction of a KVM_EXIT_MMIO exit. On a read (isWrite false) the
// caller must fill buf with the load result before the next Run.
func (c *VCPU) MMIO() (addr uint64, buf []byte, isWrite bool) {
	r := c.runData()
	base := unsafe.Pointer(&r.data[0])
	addr = *(*uint64)(base)
	length := *(*uint32)(unsafe.Pointer(uintptr(base) + 16))
	data := (*[8]byte)(unsafe.Pointer(uintptr(base) + 8))
	isWrite = *(*byte)(unsafe.Pointer(uintptr(base) + 20)) != 0
	return addr, data[:length:length], isWrite
}
