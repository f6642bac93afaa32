package mmio

import (
	"encoding/binary"
	"sync"

	"github.com/tothalex/armvmm/internal/virtqueue"
)

// Register offsets, virtio-mmio version 2 (virtio 1.x over MMIO).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptACK      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfigBase        = 0x100
)

const magicValue = 0x74726976 // "virt"
const mmioVersion = 2

// Device status bits (virtio 1.x device status register).
const (
	StatusAcknowledge uint32 = 1 << 0
	StatusDriver      uint32 = 1 << 1
	StatusDriverOK    uint32 = 1 << 2
	StatusFeaturesOK  uint32 = 1 << 3
	StatusFailed      uint32 = 1 << 7
)

// VirtioDevice is implemented by the concrete device models (block, net)
// the transport drives. QueueSel indexes the queue set Queues returns;
// NotifyQueue is called with the written index whenever QueueNotify is
// written (the device itself pops from its own Queue).
type VirtioDevice interface {
	DeviceID() uint32
	Queues() []*virtqueue.Queue
	DeviceFeatures() uint64
	SetDriverFeatures(uint64)
	ConfigRead(offset uint64, data []byte)
	ConfigWrite(offset uint64, data []byte)
	NotifyQueue(index int)
	SetStatus(status uint32)
	Irq() *virtqueue.IrqTrigger
}

// Transport adapts a VirtioDevice onto the bus using the virtio-mmio
// register layout, tracking the feature-negotiation and queue-selection
// state the register windows are relative to.
type Transport struct {
	mu  sync.Mutex
	dev VirtioDevice
	irq *virtqueue.IrqTrigger

	queueSel          uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeaturesLo  uint32
	driverFeaturesHi  uint32
	status            uint32
	configGeneration  uint32

	// Low half of whichever queue address register pair was written
	// most recently; the driver always writes low then high before
	// touching a different register, per the virtio-mmio spec.
	pendingAddrLo uint32
}

// NewTransport wraps dev, sharing the eventfd-backed interrupt line the
// device itself signals completions on; the boot orchestrator (package
// vmm) wires that same fd to a KVM irqfd.
func NewTransport(dev VirtioDevice) *Transport {
	return &Transport{dev: dev, irq: dev.Irq()}
}

// Irq returns the eventfd backing this device's interrupt line.
func (t *Transport) Irq() *virtqueue.IrqTrigger { return t.irq }

func (t *Transport) selectedQueue() *virtqueue.Queue {
	qs := t.dev.Queues()
	if int(t.queueSel) >= len(qs) {
		return nil
	}
	return qs[t.queueSel]
}

// Read implements bus.Device.
func (t *Transport) Read(offset uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case offset == regMagicValue:
		putReg(data, magicValue)
	case offset == regVersion:
		putReg(data, mmioVersion)
	case offset == regDeviceID:
		putReg(data, t.dev.DeviceID())
	case offset == regVendorID:
		putReg(data, 0x554d4551) // "QEMU" vendor ID, widely recognized by guest drivers
	case offset == regDeviceFeatures:
		feat := t.dev.DeviceFeatures()
		if t.deviceFeaturesSel == 0 {
			putReg(data, uint32(feat))
		} else {
			putReg(data, uint32(feat>>32))
		}
	case offset == regQueueNumMax:
		q := t.selectedQueue()
		if q == nil {
			putReg(data, 0)
		} else {
			putReg(data, uint32(q.MaxSize()))
		}
	case offset == regQueueReady:
		q := t.selectedQueue()
		if q != nil && q.Ready() {
			putReg(data, 1)
		} else {
			putReg(data, 0)
		}
	case offset == regInterruptStatus:
		putReg(data, t.irq.Status())
	case offset == regStatus:
		putReg(data, t.status)
	case offset == regConfigGeneration:
		putReg(data, t.configGeneration)
	case offset >= regConfigBase:
		t.dev.ConfigRead(offset-regConfigBase, data)
	default:
		zero(data)
	}
}

// Write implements bus.Device.
func (t *Transport) Write(offset uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v := getReg(data)
	switch {
	case offset == regDeviceFeaturesSel:
		t.deviceFeaturesSel = v
	case offset == regDriverFeaturesSel:
		t.driverFeaturesSel = v
	case offset == regDriverFeatures:
		if t.driverFeaturesSel == 0 {
			t.driverFeaturesLo = v
		} else {
			t.driverFeaturesHi = v
		}
		t.dev.SetDriverFeatures(uint64(t.driverFeaturesLo) | uint64(t.driverFeaturesHi)<<32)
	case offset == regQueueSel:
		t.queueSel = v
	case offset == regQueueNum:
		if q := t.selectedQueue(); q != nil {
			q.SetSize(uint16(v))
		}
	case offset == regQueueReady:
		if q := t.selectedQueue(); q != nil {
			if v&1 != 0 {
				if err := q.IsValid(); err == nil {
					q.SetReady(true)
				}
			} else {
				q.SetReady(false)
			}
		}
	case offset == regQueueNotify:
		t.dev.NotifyQueue(int(v))
	case offset == regInterruptACK:
		t.irq.Ack(v)
	case offset == regStatus:
		t.status = v
		t.dev.SetStatus(v)
		if v == 0 {
			t.configGeneration++
		}
	case offset == regQueueDescLow:
		t.pendingAddrLo = v
	case offset == regQueueDescHigh:
		if q := t.selectedQueue(); q != nil {
			q.SetDescTableAddr(uint64(t.pendingAddrLo) | uint64(v)<<32)
		}
	case offset == regQueueAvailLow:
		t.pendingAddrLo = v
	case offset == regQueueAvailHigh:
		if q := t.selectedQueue(); q != nil {
			q.SetAvailAddr(uint64(t.pendingAddrLo) | uint64(v)<<32)
		}
	case offset == regQueueUsedLow:
		t.pendingAddrLo = v
	case offset == regQueueUsedHigh:
		if q := t.selectedQueue(); q != nil {
			q.SetUsedAddr(uint64(t.pendingAddrLo) | uint64(v)<<32)
		}
	case offset >= regConfigBase:
		t.dev.ConfigWrite(offset-regConfigBase, data)
	}
}

func putReg(data []byte, v uint32) {
	if len(data) < 4 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		copy(data, b[:])
		return
	}
	binary.LittleEndian.PutUint32(data, v)
}

func getReg(data []byte) uint32 {
	if len(data) < 4 {
		var b [4]byte
		copy(b[:], data)
		return binary.LittleEndian.Uint32(b[:])
	}
	return binary.LittleEndian.Uint32(data)
}

func zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
