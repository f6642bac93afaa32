// Package hypervisor wraps the subset of Linux's /dev/kvm AArch64 ioctl
// interface this monitor needs: VM and vCPU creation, guest memory slot
// registration, PSCI-aware vCPU initialization, one-register-at-a-time
// access, and irqfd/ioeventfd wiring for virtio's doorbell/interrupt path.
package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl direction/size encoding, mirroring linux/include/uapi/asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// kvmIOType is KVMIO, the ioctl type byte every /dev/kvm request uses.
const kvmIOType = 0xae

func ioc(dir, nr uintptr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOType << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func io(nr uintptr) uintptr                 { return ioc(iocNone, nr, 0) }
func iow(nr uintptr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func ior(nr uintptr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iowr(nr uintptr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

// Request numbers, by the nr byte assigned in linux/include/uapi/linux/kvm.h.
var (
	reqGetAPIVersion      = io(0x00)
	reqCreateVM           = io(0x01)
	reqCheckExtension     = io(0x03)
	reqGetVCPUMmapSize    = io(0x04)
	reqCreateVCPU         = io(0x41)
	reqRun                = io(0x80)
	reqSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(userspaceMemoryRegion{}))
	reqIRQLine            = iow(0x61, unsafe.Sizeof(irqLevel{}))
	reqIRQFd              = iow(0x76, unsafe.Sizeof(irqfd{}))
	reqIOEventFd          = iow(0x79, unsafe.Sizeof(ioEventFd{}))
	reqGetOneReg          = iow(0xab, unsafe.Sizeof(oneReg{}))
	reqSetOneReg          = iow(0xac, unsafe.Sizeof(oneReg{}))
	reqARMVCPUInit        = iow(0xae, unsafe.Sizeof(vcpuInit{}))
	reqARMPreferredTarget = ior(0xaf, unsafe.Sizeof(vcpuInit{}))
	reqCreateDevice       = iowr(0xe0, unsafe.Sizeof(createDevice{}))
	reqSetDeviceAttr      = iow(0xe1, unsafe.Sizeof(deviceAttr{}))
)

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
