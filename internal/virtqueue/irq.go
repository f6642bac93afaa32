package virtqueue

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Interrupt status bits exposed through the MMIO transport's
// InterruptStatus register (virtio 1.x, legacy interrupt model).
const (
	InterruptStatusUsedRing  uint32 = 1 << 0
	InterruptStatusConfigure uint32 = 1 << 1
)

// IrqTrigger couples the guest-visible interrupt status word with the
// eventfd the hypervisor layer wires to a KVM irqfd. Raising an interrupt
// is two steps: OR a bit into the status word, then signal the eventfd so
// KVM asserts the SPI line without a vCPU exit.
type IrqTrigger struct {
	status uint32 // accessed atomically; cleared by the guest's InterruptACK write
	fd     int
}

// NewIrqTrigger creates the eventfd used to signal this device's SPI line.
func NewIrqTrigger() (*IrqTrigger, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("virtqueue: eventfd: %w", err)
	}
	return &IrqTrigger{fd: fd}, nil
}

// Fd returns the eventfd, for registration with KVM_IRQFD.
func (t *IrqTrigger) Fd() int { return t.fd }

// Close releases the eventfd.
func (t *IrqTrigger) Close() error { return unix.Close(t.fd) }

// TriggerUsedRing sets the used-ring interrupt bit and signals the eventfd.
func (t *IrqTrigger) TriggerUsedRing() error { return t.trigger(InterruptStatusUsedRing) }

// TriggerConfigChange sets the config-change interrupt bit and signals.
func (t *IrqTrigger) TriggerConfigChange() error { return t.trigger(InterruptStatusConfigure) }

func (t *IrqTrigger) trigger(bit uint32) error {
	for {
		old := atomic.LoadUint32(&t.status)
		if atomic.CompareAndSwapUint32(&t.status, old, old|bit) {
			break
		}
	}
	return t.signal()
}

func (t *IrqTrigger) signal() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(t.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("virtqueue: eventfd write: %w", err)
	}
	return nil
}

// Status returns the current interrupt status word (the guest's
// InterruptStatus MMIO register read).
func (t *IrqTrigger) Status() uint32 {
	return atomic.LoadUint32(&t.status)
}

// Ack clears the given bits from the status word (the guest's
// InterruptACK MMIO register write).
func (t *IrqTrigger) Ack(bits uint32) {
	for {
		old := atomic.LoadUint32(&t.status)
		if atomic.CompareAndSwapUint32(&t.status, old, old&^bits) {
			return
		}
	}
}
