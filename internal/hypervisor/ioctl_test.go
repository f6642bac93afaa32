package hypervisor

import "testing"

func TestIocEncodesDirectionTypeNrAndSize(t *testing.T) {
	got := ioc(iocWrite, 0x01, 4)
	want := uintptr(iocWrite)<<iocDirShift | uintptr(kvmIOType)<<iocTypeShift | uintptr(0x01)<<iocNrShift | uintptr(4)<<iocSizeShift
	if got != want {
		t.Fatalf("ioc(write, 0x01, 4) = 0x%x, want 0x%x", got, want)
	}
}

func TestIoHasNoDirectionOrSizeBits(t *testing.T) {
	got := io(0x01)
	if got>>iocDirShift != 0 {
		t.Errorf("io() request carries direction bits: 0x%x", got)
	}
	if (got>>iocSizeShift)&((1<<iocSizeBits)-1) != 0 {
		t.Errorf("io() request carries size bits: 0x%x", got)
	}
}

func TestRequestNumbersAreDistinct(t *testing.T) {
	reqs := map[string]uintptr{
		"GetAPIVersion":      reqGetAPIVersion,
		"CreateVM":           reqCreateVM,
		"CheckExtension":     reqCheckExtension,
		"GetVCPUMmapSize":    reqGetVCPUMmapSize,
		"CreateVCPU":         reqCreateVCPU,
		"Run":                reqRun,
		"SetUserMemoryRegion": reqSetUserMemoryRegion,
		"IRQLine":            reqIRQLine,
		"IRQFd":              reqIRQFd,
		"IOEventFd":          reqIOEventFd,
		"GetOneReg":          reqGetOneReg,
		"SetOneReg":          reqSetOneReg,
		"ARMVCPUInit":        reqARMVCPUInit,
		"ARMPreferredTarget": reqARMPreferredTarget,
		"CreateDevice":       reqCreateDevice,
		"SetDeviceAttr":      reqSetDeviceAttr,
	}
	seen := map[uintptr]string{}
	for name, req := range reqs {
		if other, ok := seen[req]; ok {
			t.Errorf("%s and %s encode to the same request number 0x%x", name, other, req)
		}
		seen[req] = name
	}
}

func TestSetAndGetOneRegAreDistinctRequests(t *testing.T) {
	if reqSetOneReg == reqGetOneReg {
		t.Fatal("KVM_SET_ONE_REG and KVM_GET_ONE_REG must use distinct nr bytes")
	}
}

func TestCoreRegIDEncodesByteOffsetAsWordOffset(t *testing.T) {
	id := CoreRegID(RegOffsetPState)
	if id&RegArch64 == 0 {
		t.Error("register ID missing the KVM_REG_ARM64 bit")
	}
	if id&RegSizeU64 == 0 {
		t.Error("register ID missing the KVM_REG_SIZE_U64 bit")
	}
	if id&RegArmCore == 0 {
		t.Error("register ID missing the KVM_REG_ARM_CORE bit")
	}
	wantOffset := uint64(RegOffsetPState / 4)
	if gotOffset := id &^ (RegArch64 | RegSizeU64 | RegArmCore); gotOffset != wantOffset {
		t.Errorf("encoded word offset = %d, want %d", gotOffset, wantOffset)
	}
}

func TestCoreRegIDDistinguishesX0AndPC(t *testing.T) {
	if CoreRegID(RegOffsetX0) == CoreRegID(RegOffsetPC) {
		t.Fatal("x0 and pc must not collide on the same register ID")
	}
}
