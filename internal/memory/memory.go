// Package memory models guest physical RAM as a set of regions backed by
// a sealed anonymous memory file, mapped shared so the hypervisor can map
// the same pages as guest RAM.
package memory

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrOutOfBounds indicates a guest-physical access fell outside every
// registered region, or overran the region it started in. Callers decide
// whether to skip the descriptor or reset the queue (spec §7 category 3).
var ErrOutOfBounds = fmt.Errorf("memory: access out of bounds")

// region is one contiguous span of guest-physical RAM, backed by a slice
// mmap'd MAP_SHARED over a sealed memfd.
type region struct {
	base  uint64
	bytes []byte
}

func (r *region) contains(addr, length uint64) bool {
	if length == 0 {
		return addr >= r.base && addr <= r.base+uint64(len(r.bytes))
	}
	end := r.base + uint64(len(r.bytes))
	return addr >= r.base && addr+length <= end && addr+length > addr
}

// GuestMemory is a finite set of contiguous guest-physical regions. It is
// created once before vCPU creation and destroyed only with the guest.
type GuestMemory struct {
	regions []*region
	fd      int
}

// NewAnonymous allocates a single region of size bytes starting at base,
// backed by a shrink/grow/seal-sealed anonymous file mapped MAP_SHARED so
// KVM can register the same pages as a guest memory slot.
func NewAnonymous(base, size uint64) (*GuestMemory, error) {
	fd, err := unix.MemfdCreate("armvmm-guest-ram", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memory: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory: ftruncate to %d bytes: %w", size, err)
	}

	// Seal the file's size before mapping: the guest's RAM footprint is
	// fixed for the life of the VM (Non-goals exclude hotplug/resize).
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory: F_ADD_SEALS: %w", err)
	}

	b, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", size, err)
	}

	return &GuestMemory{
		regions: []*region{{base: base, bytes: b}},
		fd:      fd,
	}, nil
}

// Close unmaps every region and releases the backing memfd.
func (m *GuestMemory) Close() error {
	var firstErr error
	for _, r := range m.regions {
		if r.bytes != nil {
			if err := unix.Munmap(r.bytes); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("memory: munmap: %w", err)
			}
			r.bytes = nil
		}
	}
	if m.fd != 0 {
		if err := unix.Close(m.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("memory: close memfd: %w", err)
		}
		m.fd = 0
	}
	return firstErr
}

// Fd returns the memfd backing guest RAM, for mmap'ing by the hypervisor
// layer at the userspace address KVM's memory-region registration expects.
func (m *GuestMemory) Fd() int { return m.fd }

// HostAddress returns a pointer to the host mapping backing guest address
// addr, and the number of contiguous bytes available from there. Used by
// the hypervisor layer to populate KVM_SET_USER_MEMORY_REGION.
func (m *GuestMemory) HostAddress(addr uint64) (*byte, uint64, error) {
	r := m.find(addr, 0)
	if r == nil {
		return nil, 0, fmt.Errorf("%w: addr 0x%x", ErrOutOfBounds, addr)
	}
	off := addr - r.base
	return &r.bytes[off], uint64(len(r.bytes)) - off, nil
}

// LastAddr returns the guest-physical address one past the end of the
// highest region, used to place the FDT at last_addr - margin.
func (m *GuestMemory) LastAddr() uint64 {
	var last uint64
	for _, r := range m.regions {
		end := r.base + uint64(len(r.bytes))
		if end > last {
			last = end
		}
	}
	return last
}

// Size returns the total number of bytes across every region.
func (m *GuestMemory) Size() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += uint64(len(r.bytes))
	}
	return total
}

func (m *GuestMemory) find(addr, length uint64) *region {
	for _, r := range m.regions {
		if r.contains(addr, length) {
			return r
		}
	}
	return nil
}

// Read copies len(buf) bytes starting at guest address addr into buf.
func (m *GuestMemory) Read(addr uint64, buf []byte) error {
	r := m.find(addr, uint64(len(buf)))
	if r == nil {
		return fmt.Errorf("%w: read addr 0x%x len %d", ErrOutOfBounds, addr, len(buf))
	}
	off := addr - r.base
	copy(buf, r.bytes[off:off+uint64(len(buf))])
	return nil
}

// Write copies buf into guest memory starting at guest address addr.
func (m *GuestMemory) Write(addr uint64, buf []byte) error {
	r := m.find(addr, uint64(len(buf)))
	if r == nil {
		return fmt.Errorf("%w: write addr 0x%x len %d", ErrOutOfBounds, addr, len(buf))
	}
	off := addr - r.base
	copy(r.bytes[off:off+uint64(len(buf))], buf)
	return nil
}

// Read8/16/32/64 read a little-endian scalar at addr.
func (m *GuestMemory) Read8(addr uint64) (uint8, error) {
	var b [1]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *GuestMemory) Read16(addr uint64) (uint16, error) {
	var b [2]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *GuestMemory) Read32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *GuestMemory) Read64(addr uint64) (uint64, error) {
	var b [8]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Write8/16/32/64 write a little-endian scalar at addr.
func (m *GuestMemory) Write8(addr uint64, v uint8) error {
	return m.Write(addr, []byte{v})
}

func (m *GuestMemory) Write16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.Write(addr, b[:])
}

func (m *GuestMemory) Write32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(addr, b[:])
}

func (m *GuestMemory) Write64(addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(addr, b[:])
}
