// Package device implements the concrete devices this monitor exposes to
// the guest: the virtio block and net transports, and the legacy
// ns16550a serial port, PL031 RTC, and i8042 reset port.
package device

import (
	"io"
	"sync"

	"github.com/tothalex/armvmm/internal/virtqueue"
)

// ns16550a register offsets (DLAB-gated where noted).
const (
	regRHRTHRDLL = 0 // RBR/THR when DLAB=0, DLL when DLAB=1
	regIERDLH    = 1 // IER when DLAB=0, DLH when DLAB=1
	regIIRFCR    = 2 // IIR on read, FCR on write
	regLCR       = 3
	regMCR       = 4
	regLSR       = 5
	regMSR       = 6
	regSCR       = 7
)

const (
	lcrDLAB = 1 << 7

	lsrDR   = 1 << 0 // data ready
	lsrTHRE = 1 << 5 // transmitter holding register empty
	lsrTEMT = 1 << 6 // transmitter empty

	ierRDAEnable  = 1 << 0
	ierTHREEnable = 1 << 1

	iirNoIntPending = 0x01
	iirRDAPending   = 0x04
	iirTHREPending  = 0x02
)

// Serial is an ns16550a UART addressed as 8 byte-wide MMIO registers
// (register shift 0), matching the layout Linux's earlycon/8250 driver
// expects at a virt-machine uart node.
type Serial struct {
	mu sync.Mutex

	out io.Writer
	irq *virtqueue.IrqTrigger

	dll, dlh byte
	ier      byte
	iir      byte
	lcr      byte
	mcr      byte
	lsr      byte
	msr      byte
	scr      byte

	rx []byte // pending guest-bound input, oldest first
}

// NewSerial returns a Serial that writes guest output to out and raises
// interrupts on irq.
func NewSerial(out io.Writer, irq *virtqueue.IrqTrigger) *Serial {
	return &Serial{
		out: out,
		irq: irq,
		lsr: lsrTHRE | lsrTEMT,
		iir: iirNoIntPending,
	}
}

func (s *Serial) dlab() bool { return s.lcr&lcrDLAB != 0 }

// Read implements bus.Device.
func (s *Serial) Read(offset uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return
	}
	var v byte
	switch offset {
	case regRHRTHRDLL:
		if s.dlab() {
			v = s.dll
		} else if len(s.rx) > 0 {
			v = s.rx[0]
			s.rx = s.rx[1:]
			if len(s.rx) == 0 {
				s.lsr &^= lsrDR
			}
		}
	case regIERDLH:
		if s.dlab() {
			v = s.dlh
		} else {
			v = s.ier
		}
	case regIIRFCR:
		v = s.iir
		s.iir = iirNoIntPending
	case regLCR:
		v = s.lcr
	case regMCR:
		v = s.mcr
	case regLSR:
		v = s.lsr
	case regMSR:
		v = s.msr
	case regSCR:
		v = s.scr
	}
	data[0] = v
	for i := 1; i < len(data); i++ {
		data[i] = 0
	}
}

// Write implements bus.Device.
func (s *Serial) Write(offset uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) == 0 {
		return
	}
	v := data[0]
	switch offset {
	case regRHRTHRDLL:
		if s.dlab() {
			s.dll = v
		} else {
			s.out.Write([]byte{v})
			s.lsr |= lsrTHRE | lsrTEMT
			if s.ier&ierTHREEnable != 0 {
				s.iir = iirTHREPending
				s.irq.TriggerUsedRing()
			}
		}
	case regIERDLH:
		if s.dlab() {
			s.dlh = v
		} else {
			s.ier = v
		}
	case regIIRFCR:
		// FCR is write-only; FIFO control is accepted and ignored since
		// this UART has no FIFO of its own.
	case regLCR:
		s.lcr = v
	case regMCR:
		s.mcr = v
	case regSCR:
		s.scr = v
	}
}

// InjectInput feeds host-side input (e.g. a terminal's stdin) to the
// guest, raising a data-ready interrupt if the driver has enabled one.
func (s *Serial) InjectInput(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rx = append(s.rx, b...)
	s.lsr |= lsrDR
	if s.ier&ierRDAEnable != 0 {
		s.iir = iirRDAPending
		s.irq.TriggerUsedRing()
	}
}
