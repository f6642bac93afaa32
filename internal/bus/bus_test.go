package bus_test

import (
	"testing"

	"github.com/tothalex/armvmm/internal/bus"
)

type fakeDevice struct {
	name        string
	lastRead    uint64
	lastWritten uint64
	lastData    []byte
}

func (f *fakeDevice) Read(offset uint64, data []byte) {
	f.lastRead = offset
	for i := range data {
		data[i] = byte(f.name[0])
	}
}

func (f *fakeDevice) Write(offset uint64, data []byte) {
	f.lastWritten = offset
	f.lastData = append([]byte(nil), data...)
}

func TestBusDispatchesToOwningRange(t *testing.T) {
	b := bus.New()
	a := &fakeDevice{name: "a"}
	c := &fakeDevice{name: "c"}

	if err := b.Insert(bus.BusRange{Base: 0x1000, Length: 0x100}, a); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := b.Insert(bus.BusRange{Base: 0x2000, Length: 0x100}, c); err != nil {
		t.Fatalf("Insert c: %v", err)
	}

	var buf [4]byte
	if ok := b.Read(0x1010, buf[:]); !ok {
		t.Fatal("Read at 0x1010: want a device to claim it")
	}
	if a.lastRead != 0x10 {
		t.Errorf("a.lastRead = 0x%x, want 0x10 (address translated to device-relative offset)", a.lastRead)
	}

	if ok := b.Write(0x2050, []byte{1, 2}); !ok {
		t.Fatal("Write at 0x2050: want c device to claim it")
	}
	if c.lastWritten != 0x50 {
		t.Errorf("c.lastWritten = 0x%x, want 0x50", c.lastWritten)
	}
}

func TestBusGapIsUnclaimed(t *testing.T) {
	b := bus.New()
	if err := b.Insert(bus.BusRange{Base: 0x1000, Length: 0x100}, &fakeDevice{name: "a"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var buf [1]byte
	if ok := b.Read(0x1200, buf[:]); ok {
		t.Error("Read in a gap between ranges: want unclaimed")
	}
	if ok := b.Read(0x500, buf[:]); ok {
		t.Error("Read below the first range: want unclaimed")
	}
}

func TestBusRejectsOverlappingInsert(t *testing.T) {
	b := bus.New()
	if err := b.Insert(bus.BusRange{Base: 0x1000, Length: 0x100}, &fakeDevice{name: "a"}); err != nil {
		t.Fatalf("Insert a: %v", err)
	}

	if err := b.Insert(bus.BusRange{Base: 0x1050, Length: 0x100}, &fakeDevice{name: "b"}); err == nil {
		t.Error("Insert overlapping [0x1050,0x1150): want error")
	}
	if err := b.Insert(bus.BusRange{Base: 0x0F00, Length: 0x200}, &fakeDevice{name: "b"}); err == nil {
		t.Error("Insert spanning across an existing range: want error")
	}
}

func TestBusAllowsAdjacentRanges(t *testing.T) {
	b := bus.New()
	if err := b.Insert(bus.BusRange{Base: 0x1000, Length: 0x100}, &fakeDevice{name: "a"}); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := b.Insert(bus.BusRange{Base: 0x1100, Length: 0x100}, &fakeDevice{name: "b"}); err != nil {
		t.Fatalf("Insert adjacent range: %v", err)
	}
}
