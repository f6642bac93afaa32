package vmm

import (
	"strings"
	"testing"

	"github.com/tothalex/armvmm/internal/fdt"
	"github.com/tothalex/armvmm/internal/memory"
)

func testFDTConfig() fdt.MachineConfig {
	return fdt.MachineConfig{
		MemBase: RAMBase,
		MemSize: 256 << 20,
		NumCPUs: 1,
		CmdLine: "reboot=k panic=1",
		UartAddr: 0x40000000,
		UartSize: 0x1000,
		RTCAddr:  0x40001000,
		RTCSize:  0x1000,
		RTCIrq:   rtcFixedIrq,
	}
}

func TestAddMMIOSerialToCmdlineAppendsEarlyconAndConsole(t *testing.T) {
	got := addMMIOSerialToCmdline("reboot=k panic=1", 0x3f8)
	if !strings.Contains(got, "earlycon=uart,mmio,0x3f8") {
		t.Errorf("cmdline %q missing earlycon parameter", got)
	}
	if !strings.Contains(got, "console=ttyS0") {
		t.Errorf("cmdline %q missing console parameter", got)
	}
	if !strings.HasPrefix(got, "reboot=k panic=1 ") {
		t.Errorf("cmdline %q dropped the caller's existing parameters", got)
	}
}

func newTestMachine(t *testing.T, memSize uint64) *Machine {
	t.Helper()
	mem, err := memory.NewAnonymous(RAMBase, memSize)
	if err != nil {
		t.Fatalf("memory.NewAnonymous: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return &Machine{mem: mem, stop: make(chan struct{})}
}

func TestInitrdAddrPlacesBelowFDTReserve(t *testing.T) {
	m := newTestMachine(t, 256<<20)
	addr := m.initrdAddr()
	last := m.mem.LastAddr()
	if addr >= last-fdtReserve {
		t.Errorf("initrd address 0x%x overlaps the FDT's reserved margin (last-fdtReserve = 0x%x)", addr, last-fdtReserve)
	}
	if addr < RAMBase {
		t.Errorf("initrd address 0x%x falls below guest RAM base 0x%x", addr, uint64(RAMBase))
	}
}

func TestInitrdAddrFallsBackToRAMBaseOnTinyGuest(t *testing.T) {
	m := newTestMachine(t, 1<<20)
	if got := m.initrdAddr(); got != RAMBase {
		t.Errorf("initrdAddr() = 0x%x on a tiny guest, want RAMBase 0x%x", got, uint64(RAMBase))
	}
}

func TestWriteFDTPlacesBlobBelowTopOfRAMOnLargeGuest(t *testing.T) {
	m := newTestMachine(t, 256<<20)

	addr, err := m.writeFDT(testFDTConfig())
	if err != nil {
		t.Fatalf("writeFDT: %v", err)
	}

	last := m.mem.LastAddr()
	if addr != last-fdtReserve {
		t.Errorf("fdt address = 0x%x, want 0x%x (last-fdtReserve)", addr, last-fdtReserve)
	}
}

func TestWriteFDTFallsBackToRAMBaseOnTinyGuest(t *testing.T) {
	m := newTestMachine(t, 1<<20)

	addr, err := m.writeFDT(testFDTConfig())
	if err != nil {
		t.Fatalf("writeFDT: %v", err)
	}
	if addr != RAMBase {
		t.Errorf("fdt address = 0x%x on a tiny guest, want RAMBase 0x%x", addr, uint64(RAMBase))
	}
}
