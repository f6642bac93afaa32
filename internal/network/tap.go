// Package network opens and configures the host TAP device backing a
// guest's virtio-net interface.
package network

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// TapDevice is a Linux TUN/TAP device in tap mode, implementing the
// device.TapInterface shape virtio-net consumes.
type TapDevice struct {
	fd   int
	name string
}

type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte // pad to the kernel's struct ifreq size
}

// buildIfReq constructs the TUNSETIFF request for name, a tap device
// carrying raw Ethernet frames with no additional packet-info header.
func buildIfReq(name string) ifReq {
	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI
	return req
}

// NewTapDevice opens /dev/net/tun and attaches it to the host interface
// named name, creating it if it does not already exist.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("network: opening /dev/net/tun: %w", err)
	}

	req := buildIfReq(name)

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("network: TUNSETIFF %s: %w", name, errno)
	}

	return &TapDevice{fd: fd, name: name}, nil
}

// ReadPacket reads one Ethernet frame from the TAP device.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, 65536)
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("network: reading from tap %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// WritePacket writes one Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	if _, err := syscall.Write(t.fd, packet); err != nil {
		return fmt.Errorf("network: writing to tap %s: %w", t.name, err)
	}
	return nil
}

// Fd returns the TAP file descriptor, for registering with an epoll
// dispatcher.
func (t *TapDevice) Fd() int { return t.fd }

// Close closes the TAP device.
func (t *TapDevice) Close() error {
	return syscall.Close(t.fd)
}

// ConfigureInterface brings the TAP interface up and assigns it a host
// IPv4 address with the given prefix length, via netlink rather than
// shelling out to ip(8).
func ConfigureInterface(name string, addr net.IP, prefixLen int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("network: looking up link %s: %w", name, err)
	}

	ipNet := &net.IPNet{IP: addr, Mask: net.CIDRMask(prefixLen, 32)}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return fmt.Errorf("network: assigning address %s to %s: %w", ipNet, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("network: bringing up link %s: %w", name, err)
	}

	return nil
}
