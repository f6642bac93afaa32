package device

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/tothalex/armvmm/internal/memory"
	"github.com/tothalex/armvmm/internal/virtqueue"
)

const (
	virtioDeviceIDBlock = 2

	blkTypeIn  = 0 // guest reads from the backing file
	blkTypeOut = 1 // guest writes to the backing file

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	sectorSize = 512
)

// Block is a virtio-blk device backed by a host file opened read-write.
// It supports exactly one queue and the IN/OUT request types; flush and
// discard are left unsupported, matching the feature bits it never
// advertises.
type Block struct {
	mu sync.Mutex

	file *os.File
	mem  *memory.GuestMemory
	irq  *virtqueue.IrqTrigger
	q    *virtqueue.Queue

	driverFeatures uint64
}

// NewBlock returns a virtio-blk device serving file over a single
// 256-entry queue.
func NewBlock(file *os.File, mem *memory.GuestMemory, irq *virtqueue.IrqTrigger) *Block {
	return &Block{
		file: file,
		mem:  mem,
		irq:  irq,
		q:    virtqueue.NewQueue(mem, 256),
	}
}

func (b *Block) DeviceID() uint32 { return virtioDeviceIDBlock }

func (b *Block) Queues() []*virtqueue.Queue { return []*virtqueue.Queue{b.q} }

// DeviceFeatures advertises VIRTIO_F_RING_EVENT_IDX; flush and discard
// are left unadvertised since process never implements them.
func (b *Block) DeviceFeatures() uint64 { return virtqueue.FeatureRingEventIdx }

func (b *Block) SetDriverFeatures(f uint64) {
	b.driverFeatures = f
	b.q.SetEventIdxEnabled(f&virtqueue.FeatureRingEventIdx != 0)
}

func (b *Block) SetStatus(uint32) {}

// Irq returns the interrupt line this device signals completions on.
func (b *Block) Irq() *virtqueue.IrqTrigger { return b.irq }

// ConfigRead exposes the virtio_blk_config capacity field; everything
// past it reads as zero since optional features are unadvertised.
func (b *Block) ConfigRead(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
	if offset != 0 {
		return
	}
	info, err := b.file.Stat()
	if err != nil {
		return
	}
	capacity := uint64(info.Size()) / sectorSize
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], capacity)
	copy(data, buf[:])
}

func (b *Block) ConfigWrite(uint64, []byte) {}

// NotifyQueue processes every descriptor chain currently available on
// the queue, performing the requested sector I/O and publishing status,
// then kicks the driver once if any chain needed it.
func (b *Block) NotifyQueue(index int) {
	if index != 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	kicked := false
	for {
		chain, err := b.q.PopOrEnableNotification()
		if err != nil {
			log.Printf("device: block: popping avail ring: %v", err)
			break
		}
		if chain == nil {
			break
		}
		n, _ := b.process(chain)
		if err := b.q.AddUsed(chain.Index, n); err != nil {
			log.Printf("device: block: publishing used entry: %v", err)
		}
		kicked = true
	}
	if !kicked {
		return
	}
	if kick, err := b.q.PrepareKick(); err == nil && kick {
		b.irq.TriggerUsedRing()
	}
}

// process walks one descriptor chain: header, then zero or more data
// buffers, then a 1-byte status descriptor, performing the I/O and
// returning the number of bytes the device wrote into the chain.
func (b *Block) process(chain *virtqueue.DescriptorChain) (uint32, byte) {
	var header [16]byte
	if err := b.mem.Read(chain.Addr, header[:]); err != nil {
		return 0, blkStatusIOErr
	}
	reqType := binary.LittleEndian.Uint32(header[0:4])
	sector := binary.LittleEndian.Uint64(header[8:16])

	var written uint32
	status := byte(blkStatusOK)

	cur := chain
	for {
		next, ok, err := cur.NextInChain(b.mem)
		if err != nil {
			return written, blkStatusIOErr
		}
		if !ok {
			break
		}
		cur = next
		if cur.HasNext() {
			// This is a data descriptor; the chain's final link (no
			// NEXT flag) is the 1-byte status buffer handled below.
			if err := b.transfer(reqType, sector, cur); err != nil {
				status = blkStatusIOErr
			} else {
				if reqType == blkTypeIn {
					written += cur.Len
				}
				sector += uint64(cur.Len) / sectorSize
			}
			continue
		}
		// Final descriptor: 1-byte device status.
		if cur.Len >= 1 {
			if err := b.mem.Write8(cur.Addr, status); err != nil {
				return written, blkStatusIOErr
			}
		}
		written++
		break
	}
	return written, status
}

func (b *Block) transfer(reqType uint32, sector uint64, d *virtqueue.DescriptorChain) error {
	off := int64(sector) * sectorSize
	switch reqType {
	case blkTypeIn:
		buf := make([]byte, d.Len)
		if _, err := b.file.ReadAt(buf, off); err != nil {
			return err
		}
		return b.mem.Write(d.Addr, buf)
	case blkTypeOut:
		buf := make([]byte, d.Len)
		if err := b.mem.Read(d.Addr, buf); err != nil {
			return err
		}
		_, err := b.file.WriteAt(buf, off)
		return err
	default:
		return fmt.Errorf("device: unsupported virtio-blk request type %d", reqType)
	}
}
