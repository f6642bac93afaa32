package device

import (
	"encoding/binary"
	"log"
	"sync"

	"github.com/tothalex/armvmm/internal/memory"
	"github.com/tothalex/armvmm/internal/virtqueue"
)

const virtioDeviceIDNet = 1

// virtio-net queue indices, from the driver's point of view: queue 0 is
// where the device places received frames, queue 1 is where the guest
// places frames for transmission.
const (
	netQueueRx = 0
	netQueueTx = 1
)

const virtioNetHdrLen = 12 // virtio_net_hdr with mrg_rxbuf, no legacy gso fields beyond it

// TapInterface is the host-side packet path a Net device drives; the
// network package's TAP device satisfies it.
type TapInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket([]byte) error
}

// Net is a virtio-net device bridging a TAP interface to the guest over
// a pair of virtqueues.
type Net struct {
	mu sync.Mutex

	tap TapInterface
	mem *memory.GuestMemory
	irq *virtqueue.IrqTrigger
	rxQ *virtqueue.Queue
	txQ *virtqueue.Queue

	mac [6]byte

	driverFeatures uint64
}

// NewNet returns a virtio-net device bridging tap to the guest, reporting
// mac through its config space.
func NewNet(tap TapInterface, mem *memory.GuestMemory, irq *virtqueue.IrqTrigger, mac [6]byte) *Net {
	return &Net{
		tap: tap,
		mem: mem,
		irq: irq,
		rxQ: virtqueue.NewQueue(mem, 256),
		txQ: virtqueue.NewQueue(mem, 256),
		mac: mac,
	}
}

func (n *Net) DeviceID() uint32 { return virtioDeviceIDNet }

func (n *Net) Queues() []*virtqueue.Queue { return []*virtqueue.Queue{n.rxQ, n.txQ} }

// DeviceFeatures advertises VIRTIO_NET_F_MAC (bit 5) and
// VIRTIO_F_RING_EVENT_IDX; checksum offload and GSO are left to the
// guest.
func (n *Net) DeviceFeatures() uint64 { return 1<<5 | virtqueue.FeatureRingEventIdx }

func (n *Net) SetDriverFeatures(f uint64) {
	n.driverFeatures = f
	enabled := f&virtqueue.FeatureRingEventIdx != 0
	n.rxQ.SetEventIdxEnabled(enabled)
	n.txQ.SetEventIdxEnabled(enabled)
}

func (n *Net) SetStatus(uint32) {}

// Irq returns the interrupt line this device signals completions on.
func (n *Net) Irq() *virtqueue.IrqTrigger { return n.irq }

func (n *Net) ConfigRead(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
	for i := range data {
		if offset+uint64(i) >= 6 {
			break
		}
		data[i] = n.mac[offset+uint64(i)]
	}
}

func (n *Net) ConfigWrite(uint64, []byte) {}

// NotifyQueue handles the transmit queue; the receive queue has no
// guest-initiated notification (the device pushes frames into it
// whenever PumpRx finds one waiting on the TAP fd).
func (n *Net) NotifyQueue(index int) {
	if index != netQueueTx {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	kicked := false
	for {
		chain, err := n.txQ.PopOrEnableNotification()
		if err != nil {
			log.Printf("device: net: popping tx avail ring: %v", err)
			break
		}
		if chain == nil {
			break
		}
		if err := n.transmit(chain); err != nil {
			log.Printf("device: net: transmit: %v", err)
		}
		if err := n.txQ.AddUsed(chain.Index, chain.Len); err != nil {
			log.Printf("device: net: publishing tx used entry: %v", err)
		}
		kicked = true
	}
	if !kicked {
		return
	}
	if kick, err := n.txQ.PrepareKick(); err == nil && kick {
		n.irq.TriggerUsedRing()
	}
}

// transmit walks a guest tx chain (virtio_net_hdr + one or more frame
// buffers), reassembles the Ethernet frame, and writes it to the TAP.
func (n *Net) transmit(chain *virtqueue.DescriptorChain) error {
	var frame []byte
	cur := chain
	first := true
	for {
		buf := make([]byte, cur.Len)
		if err := n.mem.Read(cur.Addr, buf); err != nil {
			return err
		}
		if first {
			if len(buf) > virtioNetHdrLen {
				buf = buf[virtioNetHdrLen:]
			} else {
				buf = nil
			}
			first = false
		}
		frame = append(frame, buf...)

		next, ok, err := cur.NextInChain(n.mem)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = next
	}
	return n.tap.WritePacket(frame)
}

// PumpRx moves one frame from the TAP into the receive queue, if both a
// frame and a free descriptor are available. The event dispatcher calls
// this when the TAP fd becomes readable.
func (n *Net) PumpRx() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	frame, err := n.tap.ReadPacket()
	if err != nil {
		return err
	}

	chain, err := n.rxQ.PopOrEnableNotification()
	if err != nil {
		return err
	}
	if chain == nil {
		return nil // no free receive buffer; the frame is dropped
	}
	if !chain.IsWriteOnly() || uint64(chain.Len) < virtioNetHdrLen {
		n.rxQ.UndoPop()
		return nil
	}

	var hdr [virtioNetHdrLen]byte
	binary.LittleEndian.PutUint16(hdr[10:12], 0) // num_buffers = 0 (single-buffer layout)
	if err := n.mem.Write(chain.Addr, hdr[:]); err != nil {
		return err
	}

	room := int(chain.Len) - virtioNetHdrLen
	if room < 0 {
		room = 0
	}
	payload := frame
	if len(payload) > room {
		payload = payload[:room]
	}
	if err := n.mem.Write(chain.Addr+virtioNetHdrLen, payload); err != nil {
		return err
	}

	if err := n.rxQ.AddUsed(chain.Index, uint32(virtioNetHdrLen+len(payload))); err != nil {
		return err
	}
	if kick, err := n.rxQ.PrepareKick(); err == nil && kick {
		n.irq.TriggerUsedRing()
	}
	return nil
}
