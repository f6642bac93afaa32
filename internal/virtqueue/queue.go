package virtqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tothalex/armvmm/internal/memory"
)

// Avail/used ring flag bits (virtio 1.x split-ring).
const (
	AvailFNoInterrupt uint16 = 1 << 0
	UsedFNoNotify     uint16 = 1 << 0
)

// FeatureRingEventIdx is VIRTIO_F_RING_EVENT_IDX (bit 29 of the standard
// virtio feature bitmap): a device advertising it and a driver
// acknowledging it both agree to the avail_event/used_event
// notification-suppression discipline Pop/PopOrEnableNotification and
// PrepareKick implement.
const FeatureRingEventIdx uint64 = 1 << 29

const usedElemSize = 8 // {u32 id, u32 len}

// Queue is the device-side view of one split virtqueue: descriptor table
// plus avail/used rings, all living in guest memory at addresses the driver
// programs through the MMIO transport during queue setup.
//
// A Queue is owned by exactly one device goroutine at a time; the fields
// touched only by that goroutine (nextAvail, lastUsedAt, usedIdx) need no
// synchronization. The ring index words shared with the guest go through
// atomic loads/stores so the acquire/release pairing the virtio spec
// requires survives translation into Go's memory model.
type Queue struct {
	mem *memory.GuestMemory

	maxSize uint16
	size    uint16
	ready   bool

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64

	eventIdxEnabled bool

	nextAvail  uint16
	lastUsedAt uint16 // used.idx snapshot at the start of the current add_used batch
	usedIdx    uint16 // local cache of the next used.idx to publish
}

// NewQueue returns a Queue with the given maximum size, bound to mem. The
// driver negotiates an actual size (<= maxSize) and the ring addresses
// before setting the queue ready.
func NewQueue(mem *memory.GuestMemory, maxSize uint16) *Queue {
	return &Queue{mem: mem, maxSize: maxSize}
}

func (q *Queue) MaxSize() uint16 { return q.maxSize }
func (q *Queue) Size() uint16    { return q.size }
func (q *Queue) Ready() bool     { return q.ready }

func (q *Queue) SetSize(size uint16) {
	q.size = size
}

func (q *Queue) SetDescTableAddr(addr uint64) { q.descTableAddr = addr }
func (q *Queue) SetAvailAddr(addr uint64)     { q.availAddr = addr }
func (q *Queue) SetUsedAddr(addr uint64)      { q.usedAddr = addr }
func (q *Queue) SetEventIdxEnabled(v bool)    { q.eventIdxEnabled = v }

// SetReady activates the queue. The caller must have validated it first.
func (q *Queue) SetReady(v bool) { q.ready = v }

// IsValid reports whether the queue's negotiated size and ring addresses
// are internally consistent and lie entirely inside guest memory. The MMIO
// transport calls this before honoring a QueueReady write.
func (q *Queue) IsValid() error {
	if q.size == 0 || q.size > q.maxSize {
		return fmt.Errorf("virtqueue: size %d invalid for max %d", q.size, q.maxSize)
	}
	if q.size&(q.size-1) != 0 {
		return fmt.Errorf("virtqueue: size %d is not a power of two", q.size)
	}
	if q.descTableAddr == 0 || q.availAddr == 0 || q.usedAddr == 0 {
		return fmt.Errorf("virtqueue: queue addresses not fully configured")
	}
	descLen := uint64(q.size) * descriptorSize
	availLen := uint64(4 + 2*int(q.size) + 2)
	usedLen := uint64(4) + uint64(q.size)*usedElemSize + 2
	if _, _, err := q.mem.HostAddress(q.descTableAddr); err != nil {
		return fmt.Errorf("virtqueue: descriptor table: %w", err)
	}
	if _, avail, err := q.mem.HostAddress(q.descTableAddr); err == nil && avail < descLen {
		return fmt.Errorf("virtqueue: descriptor table runs past guest memory")
	}
	if _, avail, err := q.mem.HostAddress(q.availAddr); err != nil || avail < availLen {
		return fmt.Errorf("virtqueue: avail ring out of bounds")
	}
	if _, avail, err := q.mem.HostAddress(q.usedAddr); err != nil || avail < usedLen {
		return fmt.Errorf("virtqueue: used ring out of bounds")
	}
	return nil
}

func (q *Queue) availRingEntryAddr(i uint16) uint64 {
	return q.availAddr + 4 + uint64(i%q.size)*2
}

func (q *Queue) usedRingEntryAddr(i uint16) uint64 {
	return q.usedAddr + 4 + uint64(i%q.size)*usedElemSize
}

func (q *Queue) usedEventAddr() uint64 {
	return q.availAddr + 4 + uint64(q.size)*2
}

func (q *Queue) availEventAddr() uint64 {
	return q.usedAddr + 4 + uint64(q.size)*usedElemSize
}

// atomicWord32 returns a pointer to the 4 bytes at addr within guest RAM,
// for use with sync/atomic as the acquire/release boundary on the
// flags+idx word shared with the guest.
func (q *Queue) atomicWord32(addr uint64) (*uint32, error) {
	p, avail, err := q.mem.HostAddress(addr)
	if err != nil {
		return nil, err
	}
	if avail < 4 {
		return nil, fmt.Errorf("%w: word at 0x%x runs past region", memory.ErrOutOfBounds, addr)
	}
	return (*uint32)(unsafe.Pointer(p)), nil
}

func (q *Queue) loadAvailFlagsIdx() (flags, idx uint16, err error) {
	word, err := q.atomicWord32(q.availAddr)
	if err != nil {
		return 0, 0, err
	}
	v := atomic.LoadUint32(word)
	return uint16(v), uint16(v >> 16), nil
}

func (q *Queue) loadUsedFlagsIdx() (flags, idx uint16, err error) {
	word, err := q.atomicWord32(q.usedAddr)
	if err != nil {
		return 0, 0, err
	}
	v := atomic.LoadUint32(word)
	return uint16(v), uint16(v >> 16), nil
}

func (q *Queue) storeUsedFlagsIdx(flags, idx uint16) error {
	word, err := q.atomicWord32(q.usedAddr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(word, uint32(flags)|uint32(idx)<<16)
	return nil
}

// Pop returns the next available descriptor chain, or nil if the driver
// has not published anything new since the last call. It aborts the
// process if the driver's published avail idx has advanced by more than
// size entries since nextAvail: the driver should never publish a chain
// the device hasn't yet popped twice, so this can only mean a malicious
// or badly broken guest, and the monitor refuses to keep serving it.
func (q *Queue) Pop() (*DescriptorChain, error) {
	_, availIdx, err := q.loadAvailFlagsIdx()
	if err != nil {
		return nil, err
	}
	if n := availIdx - q.nextAvail; n > q.size {
		panic(fmt.Sprintf("virtqueue: avail ring reports %d pending entries, exceeds queue size %d", n, q.size))
	}
	if availIdx == q.nextAvail {
		return nil, nil
	}

	var raw [2]byte
	if err := q.mem.Read(q.availRingEntryAddr(q.nextAvail), raw[:]); err != nil {
		return nil, fmt.Errorf("virtqueue: reading avail ring entry: %w", err)
	}
	head := binary.LittleEndian.Uint16(raw[:])

	chain, err := checkedNewDescriptorChain(q.mem, q.descTableAddr, q.size, q.size, head)
	if err != nil {
		return nil, err
	}
	q.nextAvail++
	return chain, nil
}

// UndoPop reverts the most recent Pop, for when a device must return the
// head descriptor to the ring unconsumed (e.g. it ran out of matching
// resources this round). Only one level of undo is supported.
func (q *Queue) UndoPop() {
	q.nextAvail--
}

// AddUsed publishes a completed chain of total length n starting at
// descriptor head to the used ring. Callers typically batch several
// AddUsed calls before a single PrepareKick.
func (q *Queue) AddUsed(head uint16, n uint32) error {
	if head >= q.size {
		return fmt.Errorf("virtqueue: descriptor index %d out of bounds for queue size %d", head, q.size)
	}
	var raw [usedElemSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], uint32(head))
	binary.LittleEndian.PutUint32(raw[4:8], n)
	if err := q.mem.Write(q.usedRingEntryAddr(q.usedIdx), raw[:]); err != nil {
		return fmt.Errorf("virtqueue: writing used ring entry: %w", err)
	}
	q.usedIdx++
	// Publish the bumped idx with a release store: the entry write above
	// must be visible to the driver before it observes the new idx.
	return q.storeUsedFlagsIdx(0, q.usedIdx)
}

// PrepareKick reports whether the driver should be interrupted for the
// used-ring entries published since the last PrepareKick call, applying
// the EVENT_IDX suppression formula when the feature was negotiated.
func (q *Queue) PrepareKick() (bool, error) {
	old := q.lastUsedAt
	q.lastUsedAt = q.usedIdx

	if !q.eventIdxEnabled {
		flags, _, err := q.loadAvailFlagsIdx()
		if err != nil {
			return false, err
		}
		return flags&AvailFNoInterrupt == 0, nil
	}

	var raw [2]byte
	if err := q.mem.Read(q.usedEventAddr(), raw[:]); err != nil {
		return false, fmt.Errorf("virtqueue: reading used_event: %w", err)
	}
	eventIdx := binary.LittleEndian.Uint16(raw[:])
	return vringNeedEvent(eventIdx, q.usedIdx, old), nil
}

// vringNeedEvent implements VRING_NEED_EVENT: whether new_idx has crossed
// event_idx since old, under 16-bit wraparound arithmetic.
func vringNeedEvent(eventIdx, newIdx, old uint16) bool {
	return newIdx-eventIdx-1 < newIdx-old
}

// PopOrEnableNotification is the combined operation devices should drive
// their notification loop with: it pops the next chain if one is ready,
// and otherwise — when EVENT_IDX suppression was negotiated — arms
// avail_event and re-checks before giving up, so a chain the driver
// published in the window between the empty check and arming is never
// missed. Without suppression it is equivalent to Pop.
func (q *Queue) PopOrEnableNotification() (*DescriptorChain, error) {
	if !q.eventIdxEnabled {
		return q.Pop()
	}

	hasWork, err := q.EnableNotification()
	if err != nil {
		return nil, err
	}
	if !hasWork {
		return nil, nil
	}
	return q.Pop()
}

// EnableNotification asks the driver to kick this queue the next time it
// makes a descriptor available, then re-checks the avail ring so a
// notification racing with this call is never lost. It reports whether a
// chain is already available.
func (q *Queue) EnableNotification() (bool, error) {
	if q.eventIdxEnabled {
		if err := q.mem.Write16(q.availEventAddr(), q.nextAvail); err != nil {
			return false, fmt.Errorf("virtqueue: writing avail_event: %w", err)
		}
	}
	_, availIdx, err := q.loadAvailFlagsIdx()
	if err != nil {
		return false, err
	}
	return availIdx != q.nextAvail, nil
}
