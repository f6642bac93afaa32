package virtqueue_test

import (
	"testing"

	"github.com/tothalex/armvmm/internal/memory"
	"github.com/tothalex/armvmm/internal/virtqueue"
)

const testBase = 0x40000000

func newTestQueue(t *testing.T, size uint16) (*memory.GuestMemory, *virtqueue.Queue) {
	t.Helper()
	mem, err := memory.NewAnonymous(testBase, 0x10000)
	if err != nil {
		t.Fatalf("NewAnonymous: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	descTable := uint64(testBase)
	availAddr := descTable + uint64(size)*16
	usedAddr := availAddr + 0x1000

	q := virtqueue.NewQueue(mem, size)
	q.SetSize(size)
	q.SetDescTableAddr(descTable)
	q.SetAvailAddr(availAddr)
	q.SetUsedAddr(usedAddr)
	return mem, q
}

func writeDescriptor(t *testing.T, mem *memory.GuestMemory, descTable uint64, index uint16, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	base := descTable + uint64(index)*16
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

func publishAvail(t *testing.T, mem *memory.GuestMemory, availAddr uint64, idx uint16, heads ...uint16) {
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

func TestQueuePopReturnsChainedDescriptors(t *testing.T) {
	mem, q := newTestQueue(t, 4)

	bufA := uint64(testBase + 0x2000)
	bufB := uint64(testBase + 0x2100)
	descTable := uint64(testBase)

	writeDescriptor(t, mem, descTable, 0, bufA, 4, virtqueue.DescFNext, 1)
	writeDescriptor(t, mem, descTable, 1, bufB, 8, virtqueue.DescFWrite, 0)
	publishAvail(t, mem, descTable+4*16, 1, 0)

	chain, err := q.Pop()
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if chain == nil {
		t.Fatal("Pop: want a chain, got nil")
	}
	if chain.Addr != bufA || chain.Len != 4 || !chain.HasNext() {
		t.Fatalf("head descriptor = %+v, want addr=0x%x len=4 next", chain, bufA)
	}

	next, ok, err := chain.NextInChain(mem)
	if err != nil {
		t.Fatalf("NextInChain: %v", err)
	}
	if !ok {
		t.Fatal("NextInChain: want ok=true for a two-descriptor chain")
	}
	if next.Addr != bufB || next.Len != 8 || !next.IsWriteOnly() || next.HasNext() {
		t.Fatalf("tail descriptor = %+v, want addr=0x%x len=8 write-only no-next", next, bufB)
	}

	if _, ok, err := next.NextInChain(mem); err != nil || ok {
		t.Fatalf("NextInChain past chain end: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if c2, err := q.Pop(); err != nil || c2 != nil {
		t.Fatalf("Pop after draining avail ring: chain=%v err=%v, want nil,nil", c2, err)
	}
}

func TestQueueChainIterationStopsOnCycle(t *testing.T) {
	mem, q := newTestQueue(t, 2)
	descTable := uint64(testBase)

	// desc0 -> desc1 -> desc0: a cycle a broken or hostile driver could wire up.
	writeDescriptor(t, mem, descTable, 0, testBase+0x2000, 4, virtqueue.DescFNext, 1)
	writeDescriptor(t, mem, descTable, 1, testBase+0x2100, 4, virtqueue.DescFNext, 0)
	publishAvail(t, mem, descTable+2*16, 1, 0)

	chain, err := q.Pop()
	if err != nil || chain == nil {
		t.Fatalf("Pop: chain=%v err=%v", chain, err)
	}

	n1, ok, err := chain.NextInChain(mem)
	if err != nil || !ok {
		t.Fatalf("first hop: ok=%v err=%v, want ok=true", ok, err)
	}

	// The hop counter was seeded from the queue size (2): one hop remains
	// budget for the cycle, so the second hop must be refused rather than
	// looping back to desc0 forever.
	n2, ok, err := n1.NextInChain(mem)
	if err != nil {
		t.Fatalf("second hop returned an error instead of stopping: %v", err)
	}
	if ok {
		t.Fatalf("second hop: want ok=false (cycle defense), got descriptor %+v", n2)
	}
}

func TestQueuePopRejectsOutOfRangeIndex(t *testing.T) {
	mem, q := newTestQueue(t, 2)
	descTable := uint64(testBase)

	writeDescriptor(t, mem, descTable, 0, testBase+0x2000, 4, 0, 0)
	// Avail ring claims head index 5 on a 2-entry queue.
	publishAvail(t, mem, descTable+2*16, 1, 5)

	if chain, err := q.Pop(); err == nil {
		t.Fatalf("Pop: want error for out-of-range head index, got chain=%+v", chain)
	}
}
