package device_test

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/tothalex/armvmm/internal/device"
	"github.com/tothalex/armvmm/internal/memory"
	"github.com/tothalex/armvmm/internal/virtqueue"
)

const blkTestBase = 0x50000000

func writeDesc(t *testing.T, mem *memory.GuestMemory, table uint64, index uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	base := table + uint64(index)*16
	if err := mem.Write64(base, addr); err != nil {
		t.Fatalf("write desc addr: %v", err)
	}
	if err := mem.Write32(base+8, length); err != nil {
		t.Fatalf("write desc len: %v", err)
	}
	if err := mem.Write16(base+12, flags); err != nil {
		t.Fatalf("write desc flags: %v", err)
	}
	if err := mem.Write16(base+14, next); err != nil {
		t.Fatalf("write desc next: %v", err)
	}
}

func publishAvailFor(t *testing.T, mem *memory.GuestMemory, availAddr uint64, idx uint16, heads ...uint16) {
	t.Helper()
	for i, h := range heads {
		if err := mem.Write16(availAddr+4+uint64(i)*2, h); err != nil {
			t.Fatalf("write avail ring entry: %v", err)
		}
	}
	if err := mem.Write16(availAddr+2, idx); err != nil {
		t.Fatalf("write avail idx: %v", err)
	}
}

func TestBlockReadRequestReturnsBackingFileContents(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	payload := make([]byte, 512)
	copy(payload, []byte("hello from sector 0"))
	if _, err := f.WriteAt(payload, 0); err != nil {
		t.Fatalf("seed backing file: %v", err)
	}

	mem, err := memory.NewAnonymous(blkTestBase, 0x10000)
	if err != nil {
		t.Fatalf("NewAnonymous: %v", err)
	}
	defer mem.Close()

	irq := newIrq(t)
	b := device.NewBlock(f, mem, irq)
	q := b.Queues()[0]

	descTable := uint64(blkTestBase)
	availAddr := descTable + 4*16
	q.SetSize(4)
	q.SetDescTableAddr(descTable)
	q.SetAvailAddr(availAddr)
	q.SetUsedAddr(availAddr + 0x1000)

	headerAddr := uint64(blkTestBase + 0x2000)
	dataAddr := uint64(blkTestBase + 0x2100)
	statusAddr := uint64(blkTestBase + 0x2200)

	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:4], 0) // VIRTIO_BLK_T_IN
	binary.LittleEndian.PutUint64(header[8:16], 0) // sector 0
	if err := mem.Write(headerAddr, header[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	writeDesc(t, mem, descTable, 0, headerAddr, 16, virtqueue.DescFNext, 1)
	writeDesc(t, mem, descTable, 1, dataAddr, 512, virtqueue.DescFNext|virtqueue.DescFWrite, 2)
	writeDesc(t, mem, descTable, 2, statusAddr, 1, virtqueue.DescFWrite, 0)
	publishAvailFor(t, mem, availAddr, 1, 0)

	b.NotifyQueue(0)

	got := make([]byte, 19)
	if err := mem.Read(dataAddr, got); err != nil {
		t.Fatalf("reading result buffer: %v", err)
	}
	if string(got) != "hello from sector 0" {
		t.Errorf("data buffer = %q, want %q", got, "hello from sector 0")
	}

	status, err := mem.Read8(statusAddr)
	if err != nil {
		t.Fatalf("reading status: %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0 (VIRTIO_BLK_S_OK)", status)
	}
}

func TestBlockConfigReportsCapacityInSectors(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "disk")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(512 * 100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	mem, err := memory.NewAnonymous(blkTestBase, 0x1000)
	if err != nil {
		t.Fatalf("NewAnonymous: %v", err)
	}
	defer mem.Close()

	b := device.NewBlock(f, mem, newIrq(t))

	var cfg [8]byte
	b.ConfigRead(0, cfg[:])
	got := binary.LittleEndian.Uint64(cfg[:])
	if got != 100 {
		t.Errorf("capacity = %d sectors, want 100", got)
	}
}
