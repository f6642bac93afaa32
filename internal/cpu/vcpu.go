// Package cpu initializes AArch64 vCPUs on top of the hypervisor package's
// raw KVM wrappers: querying the host's preferred CPU target, enabling
// PSCI, and seeding the boot registers a Linux arm64 kernel expects.
package cpu

import (
	"fmt"

	"github.com/tothalex/armvmm/internal/hypervisor"
)

// pstateEL1hMasked is PSTATE at boot: EL1h (SPSel=1) with D/A/I/F all
// masked, the state arm64 kernels are entered in.
const pstateEL1hMasked = 0x3c5

// kvmVCPU is the slice of *hypervisor.VCPU this package drives; narrowing
// it to an interface lets tests exercise ConfigureBoot/Run against a fake
// without a real /dev/kvm.
type kvmVCPU interface {
	PreferredTarget() (uint32, error)
	Init(target uint32) error
	SetOneReg(regID, value uint64) error
	GetOneReg(regID uint64) (uint64, error)
	Run() (uint32, error)
	MMIO() (addr uint64, buf []byte, isWrite bool)
	Close() error
}

// VCPU wraps a hypervisor.VCPU with the AArch64 boot-register contract.
type VCPU struct {
	ID  int
	kvm kvmVCPU
}

// New creates vCPU index id on vm, applies the host's preferred target
// with PSCI 0.2 enabled, and returns it uninitialized otherwise.
func New(vm *hypervisor.VM, id int) (*VCPU, error) {
	kvm, err := vm.CreateVCPU(uint32(id))
	if err != nil {
		return nil, fmt.Errorf("cpu: creating vcpu %d: %w", id, err)
	}
	return newWithVCPU(id, kvm)
}

func newWithVCPU(id int, kvm kvmVCPU) (*VCPU, error) {
	target, err := kvm.PreferredTarget()
	if err != nil {
		kvm.Close()
		return nil, fmt.Errorf("cpu: vcpu %d: querying preferred target: %w", id, err)
	}
	if err := kvm.Init(target); err != nil {
		kvm.Close()
		return nil, fmt.Errorf("cpu: vcpu %d: KVM_ARM_VCPU_INIT: %w", id, err)
	}

	return &VCPU{ID: id, kvm: kvm}, nil
}

// Close releases the underlying vCPU resources.
func (v *VCPU) Close() error {
	return v.kvm.Close()
}

// ConfigureBoot sets PC to entryPoint, X0 to the guest-physical address
// of the FDT blob, and PSTATE to EL1h with interrupts masked, the
// register state a Linux arm64 kernel's head.S expects on entry.
func (v *VCPU) ConfigureBoot(entryPoint, fdtAddr uint64) error {
	if err := v.kvm.SetOneReg(hypervisor.CoreRegID(hypervisor.RegOffsetPC), entryPoint); err != nil {
		return fmt.Errorf("cpu: vcpu %d: setting pc: %w", v.ID, err)
	}
	if err := v.kvm.SetOneReg(hypervisor.CoreRegID(hypervisor.RegOffsetX0), fdtAddr); err != nil {
		return fmt.Errorf("cpu: vcpu %d: setting x0: %w", v.ID, err)
	}
	if err := v.kvm.SetOneReg(hypervisor.CoreRegID(hypervisor.RegOffsetPState), pstateEL1hMasked); err != nil {
		return fmt.Errorf("cpu: vcpu %d: setting pstate: %w", v.ID, err)
	}
	return nil
}

// Run enters the guest until the next vCPU exit, returning the raw
// kvm_run exit reason for the caller's dispatch loop.
func (v *VCPU) Run() (uint32, error) {
	reason, err := v.kvm.Run()
	if err != nil {
		return 0, fmt.Errorf("cpu: vcpu %d: %w", v.ID, err)
	}
	return reason, nil
}

// MMIO returns the address/buffer/direction of the KVM_EXIT_MMIO that
// produced the exit reason Run most recently returned.
func (v *VCPU) MMIO() (addr uint64, buf []byte, isWrite bool) {
	return v.kvm.MMIO()
}
