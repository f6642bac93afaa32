// Package virtqueue implements the virtio split-ring transport: descriptor
// chain iteration and the per-queue avail/used ring protocol between guest
// driver and this monitor, including the EVENT_IDX notification-suppression
// discipline and the acquire/release/seqcst fences that keep it correct
// under concurrent access from the vCPU thread and the event dispatcher.
package virtqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/tothalex/armvmm/internal/memory"
)

// Descriptor flag bits (virtio 1.x split-ring descriptor.flags).
const (
	DescFNext     uint16 = 1 << 0 // buffer continues into the chained descriptor
	DescFWrite    uint16 = 1 << 1 // buffer is device-write-only
	DescFIndirect uint16 = 1 << 2 // buffer contains a list of descriptors (unused by this monitor)
)

const descriptorSize = 16 // {u64 addr, u32 len, u16 flags, u16 next}, little-endian

// DescriptorChain is a transient view over one descriptor in a chain living
// in guest RAM. Iterate with NextInChain until it returns ok=false.
type DescriptorChain struct {
	descTableAddr uint64
	queueSize     uint16
	hopCounter    uint16

	Index uint16
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether the chain continues into another descriptor.
func (d *DescriptorChain) HasNext() bool {
	return d.Flags&DescFNext != 0
}

// IsWriteOnly reports whether the guest marked this buffer device-write-only.
func (d *DescriptorChain) IsWriteOnly() bool {
	return d.Flags&DescFWrite != 0
}

// checkedNewDescriptorChain reads the 16-byte descriptor at
// descTable+index*16, validating index and (if chained) next against size,
// and that its buffer lies entirely within guest memory.
func checkedNewDescriptorChain(mem *memory.GuestMemory, descTable uint64, queueSize, hopCounter, index uint16) (*DescriptorChain, error) {
	if index >= queueSize {
		return nil, fmt.Errorf("virtqueue: descriptor index %d >= queue size %d", index, queueSize)
	}

	addr := descTable + uint64(index)*descriptorSize
	var raw [descriptorSize]byte
	if err := mem.Read(addr, raw[:]); err != nil {
		return nil, fmt.Errorf("virtqueue: reading descriptor %d: %w", index, err)
	}

	d := &DescriptorChain{
		descTableAddr: descTable,
		queueSize:     queueSize,
		hopCounter:    hopCounter,
		Index:         index,
		Addr:          binary.LittleEndian.Uint64(raw[0:8]),
		Len:           binary.LittleEndian.Uint32(raw[8:12]),
		Flags:         binary.LittleEndian.Uint16(raw[12:14]),
		Next:          binary.LittleEndian.Uint16(raw[14:16]),
	}

	if d.HasNext() && d.Next >= queueSize {
		return nil, fmt.Errorf("virtqueue: descriptor %d next index %d >= queue size %d", index, d.Next, queueSize)
	}

	if d.Len > 0 {
		if _, _, err := mem.HostAddress(d.Addr); err != nil {
			return nil, fmt.Errorf("virtqueue: descriptor %d buffer out of bounds: %w", index, err)
		}
		if _, _, avail := mem.HostAddress(d.Addr + uint64(d.Len) - 1); avail != nil {
			return nil, fmt.Errorf("virtqueue: descriptor %d buffer runs past its region", index)
		}
	}

	return d, nil
}

// NextInChain follows d.Next, returning ok=false once the NEXT flag is clear
// or the hop counter has been exhausted — the cycle defense against a
// malicious or broken ring that links descriptors into a loop.
func (d *DescriptorChain) NextInChain(mem *memory.GuestMemory) (next *DescriptorChain, ok bool, err error) {
	if !d.HasNext() || d.hopCounter <= 1 {
		return nil, false, nil
	}

	n, err := checkedNewDescriptorChain(mem, d.descTableAddr, d.queueSize, d.hopCounter-1, d.Next)
	if err != nil {
		return nil, false, err
	}
	return n, true, nil
}
