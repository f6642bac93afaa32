package device

import (
	"sync"
	"time"

	"github.com/tothalex/armvmm/internal/virtqueue"
)

// PL031 register offsets.
const (
	rtcRegDR   = 0x00 // data (current time, seconds since epoch)
	rtcRegMR   = 0x04 // match
	rtcRegLR   = 0x08 // load (sets current time)
	rtcRegCR   = 0x0c // control
	rtcRegIMSC = 0x10 // interrupt mask set/clear
	rtcRegRIS  = 0x14 // raw interrupt status
	rtcRegMIS  = 0x18 // masked interrupt status
	rtcRegICR  = 0x1c // interrupt clear

	rtcRegPeriphID0 = 0xfe0
	rtcRegPeriphID1 = 0xfe4
	rtcRegPeriphID2 = 0xfe8
	rtcRegPeriphID3 = 0xfec
	rtcRegPCellID0  = 0xff0
	rtcRegPCellID1  = 0xff4
	rtcRegPCellID2  = 0xff8
	rtcRegPCellID3  = 0xffc
)

// RTC models an ARM PL031 real-time clock: the only register software
// actually depends on is DR, read once at boot to seed the wall clock;
// MR/match-interrupt support exists because guests probe for it.
type RTC struct {
	mu sync.Mutex

	offsetSeconds int64 // added to wall-clock time so LR can re-seed DR
	mr            uint32
	cr    uint32
	imsc  uint32
	ris   uint32

	irq *virtqueue.IrqTrigger

	now func() time.Time // overridable for tests
}

// NewRTC returns a PL031 clock tracking wall-clock time from its creation.
func NewRTC(irq *virtqueue.IrqTrigger) *RTC {
	return &RTC{irq: irq, now: time.Now}
}

func (r *RTC) currentValue() uint32 {
	return uint32(r.now().Unix() + r.offsetSeconds)
}

// Read implements bus.Device.
func (r *RTC) Read(offset uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var v uint32
	switch offset {
	case rtcRegDR:
		v = r.currentValue()
	case rtcRegMR:
		v = r.mr
	case rtcRegLR:
		v = r.currentValue()
	case rtcRegCR:
		v = r.cr
	case rtcRegIMSC:
		v = r.imsc
	case rtcRegRIS:
		v = r.ris
	case rtcRegMIS:
		v = r.ris & r.imsc
	case rtcRegPeriphID0:
		v = 0x31
	case rtcRegPeriphID1:
		v = 0x10
	case rtcRegPeriphID2:
		v = 0x04
	case rtcRegPeriphID3:
		v = 0x00
	case rtcRegPCellID0:
		v = 0x0d
	case rtcRegPCellID1:
		v = 0xf0
	case rtcRegPCellID2:
		v = 0x05
	case rtcRegPCellID3:
		v = 0xb1
	}
	putWord(data, v)
}

// Write implements bus.Device.
func (r *RTC) Write(offset uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := getWord(data)
	switch offset {
	case rtcRegMR:
		r.mr = v
		if r.cr != 0 && r.currentValue() >= r.mr {
			r.ris |= 1
			if r.imsc&1 != 0 {
				r.irq.TriggerUsedRing()
			}
		}
	case rtcRegLR:
		r.offsetSeconds = int64(v) - r.now().Unix()
	case rtcRegCR:
		r.cr = v & 1
	case rtcRegIMSC:
		r.imsc = v & 1
	case rtcRegICR:
		r.ris &^= v & 1
	}
}

func putWord(data []byte, v uint32) {
	for i := 0; i < len(data) && i < 4; i++ {
		data[i] = byte(v >> (8 * uint(i)))
	}
}

func getWord(data []byte) uint32 {
	var v uint32
	for i := 0; i < len(data) && i < 4; i++ {
		v |= uint32(data[i]) << (8 * uint(i))
	}
	return v
}
