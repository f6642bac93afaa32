// Package bus implements the MMIO address space: a sorted, disjoint set
// of device ranges addressed by "largest base <= addr" lookup followed by
// a bounds check, the same shape as a port-I/O bus generalized from fixed
// 16-bit ports to 64-bit address ranges.
package bus

import (
	"fmt"
	"sort"
)

// Device is anything addressable on the bus: an MMIO-mapped virtio
// transport, a legacy serial/RTC/i8042 port, or a test stub.
type Device interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
}

// BusRange is a half-open [Base, Base+Length) span of guest-physical
// address space claimed by one Device.
type BusRange struct {
	Base   uint64
	Length uint64
}

func (r BusRange) end() uint64 { return r.Base + r.Length }

func (r BusRange) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.end()
}

func (r BusRange) overlaps(o BusRange) bool {
	return r.Base < o.end() && o.Base < r.end()
}

type entry struct {
	rng    BusRange
	device Device
}

// Bus is a sorted range map from BusRange to Device. Ranges may never
// overlap; Insert rejects any range that does.
type Bus struct {
	entries []entry
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Insert claims rng for device. It fails if rng overlaps any range
// already registered — the bus is a partition of address space, not a
// priority-ordered list of candidates.
func (b *Bus) Insert(rng BusRange, device Device) error {
	if rng.Length == 0 {
		return fmt.Errorf("bus: zero-length range at 0x%x", rng.Base)
	}
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].rng.Base >= rng.Base })
	if i > 0 && b.entries[i-1].rng.overlaps(rng) {
		return fmt.Errorf("bus: range [0x%x, 0x%x) overlaps existing range [0x%x, 0x%x)",
			rng.Base, rng.end(), b.entries[i-1].rng.Base, b.entries[i-1].rng.end())
	}
	if i < len(b.entries) && b.entries[i].rng.overlaps(rng) {
		return fmt.Errorf("bus: range [0x%x, 0x%x) overlaps existing range [0x%x, 0x%x)",
			rng.Base, rng.end(), b.entries[i].rng.Base, b.entries[i].rng.end())
	}

	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry{rng: rng, device: device}
	return nil
}

// find returns the device and range owning addr, or false if addr falls
// in a gap. It locates the range with the largest base <= addr, then
// checks addr against that range's bounds.
func (b *Bus) find(addr uint64) (entry, bool) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].rng.Base > addr }) - 1
	if i < 0 || i >= len(b.entries) {
		return entry{}, false
	}
	e := b.entries[i]
	if !e.rng.contains(addr) {
		return entry{}, false
	}
	return e, true
}

// Read dispatches a read of len(data) bytes at addr to the owning device,
// translating addr to a device-relative offset. It reports whether any
// device claims addr.
func (b *Bus) Read(addr uint64, data []byte) bool {
	e, ok := b.find(addr)
	if !ok {
		return false
	}
	e.device.Read(addr-e.rng.Base, data)
	return true
}

// Write dispatches a write, analogous to Read.
func (b *Bus) Write(addr uint64, data []byte) bool {
	e, ok := b.find(addr)
	if !ok {
		return false
	}
	e.device.Write(addr-e.rng.Base, data)
	return true
}
