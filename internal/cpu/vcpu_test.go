package cpu

import (
	"errors"
	"testing"

	"github.com/tothalex/armvmm/internal/hypervisor"
)

type fakeKVMVCPU struct {
	target uint32

	initCalled  bool
	initTarget  uint32
	initErr     error

	regs      map[uint64]uint64
	setRegErr error

	runReason uint32
	runErr    error

	mmioAddr    uint64
	mmioBuf     []byte
	mmioIsWrite bool

	closed bool
}

func newFakeKVMVCPU(target uint32) *fakeKVMVCPU {
	return &fakeKVMVCPU{target: target, regs: map[uint64]uint64{}}
}

func (f *fakeKVMVCPU) PreferredTarget() (uint32, error) { return f.target, nil }

func (f *fakeKVMVCPU) Init(target uint32) error {
	f.initCalled = true
	f.initTarget = target
	return f.initErr
}

func (f *fakeKVMVCPU) SetOneReg(regID, value uint64) error {
	if f.setRegErr != nil {
		return f.setRegErr
	}
	f.regs[regID] = value
	return nil
}

func (f *fakeKVMVCPU) GetOneReg(regID uint64) (uint64, error) {
	return f.regs[regID], nil
}

func (f *fakeKVMVCPU) Run() (uint32, error) { return f.runReason, f.runErr }

func (f *fakeKVMVCPU) MMIO() (addr uint64, buf []byte, isWrite bool) {
	return f.mmioAddr, f.mmioBuf, f.mmioIsWrite
}

func (f *fakeKVMVCPU) Close() error {
	f.closed = true
	return nil
}

func TestNewAppliesPreferredTargetWithPSCI(t *testing.T) {
	fake := newFakeKVMVCPU(0x7)
	vcpu, err := newWithVCPU(0, fake)
	if err != nil {
		t.Fatalf("newWithVCPU: %v", err)
	}
	if !fake.initCalled {
		t.Fatal("Init was never called")
	}
	if fake.initTarget != 0x7 {
		t.Errorf("Init target = %d, want %d", fake.initTarget, 0x7)
	}
	if vcpu.ID != 0 {
		t.Errorf("ID = %d, want 0", vcpu.ID)
	}
}

func TestNewClosesVCPUOnInitFailure(t *testing.T) {
	fake := newFakeKVMVCPU(0x7)
	fake.initErr = errors.New("boom")

	if _, err := newWithVCPU(1, fake); err == nil {
		t.Fatal("newWithVCPU: want error when Init fails")
	}
	if !fake.closed {
		t.Error("vcpu fd was not closed after a failed Init")
	}
}

func TestConfigureBootSetsPCX0AndPState(t *testing.T) {
	fake := newFakeKVMVCPU(0x7)
	vcpu, err := newWithVCPU(0, fake)
	if err != nil {
		t.Fatalf("newWithVCPU: %v", err)
	}

	const entry = 0x80080000
	const fdtAddr = 0x88000000
	if err := vcpu.ConfigureBoot(entry, fdtAddr); err != nil {
		t.Fatalf("ConfigureBoot: %v", err)
	}

	pc := fake.regs[hypervisor.CoreRegID(hypervisor.RegOffsetPC)]
	if pc != entry {
		t.Errorf("pc = 0x%x, want 0x%x", pc, entry)
	}
	x0 := fake.regs[hypervisor.CoreRegID(hypervisor.RegOffsetX0)]
	if x0 != fdtAddr {
		t.Errorf("x0 = 0x%x, want 0x%x", x0, fdtAddr)
	}
	pstate := fake.regs[hypervisor.CoreRegID(hypervisor.RegOffsetPState)]
	if pstate != pstateEL1hMasked {
		t.Errorf("pstate = 0x%x, want 0x%x", pstate, pstateEL1hMasked)
	}
}

func TestRunPropagatesExitReason(t *testing.T) {
	fake := newFakeKVMVCPU(0x7)
	fake.runReason = 6 // KVM_EXIT_MMIO
	vcpu, err := newWithVCPU(0, fake)
	if err != nil {
		t.Fatalf("newWithVCPU: %v", err)
	}

	reason, err := vcpu.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != 6 {
		t.Errorf("exit reason = %d, want 6", reason)
	}
}
