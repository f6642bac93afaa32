package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Dispatcher is the single-threaded host event loop that multiplexes
// queue-notify doorbells and serial/TAP readiness, invoking each
// registered fd's callback in turn. Devices register no separate
// activation event: their doorbells are registered at boot.
type Dispatcher struct {
	epollFD int
	callbacks map[int32]func()
}

// NewDispatcher creates an epoll instance to multiplex registered fds.
func NewDispatcher() (*Dispatcher, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("vmm: epoll_create1: %w", err)
	}
	return &Dispatcher{epollFD: fd, callbacks: map[int32]func(){}}, nil
}

// Register arms fd for level-triggered readability and calls cb
// whenever it becomes readable, until Unregister is called.
func (d *Dispatcher) Register(fd int, cb func()) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("vmm: epoll_ctl(ADD, %d): %w", fd, err)
	}
	d.callbacks[int32(fd)] = cb
	return nil
}

// Unregister removes fd from the dispatcher.
func (d *Dispatcher) Unregister(fd int) error {
	if err := unix.EpollCtl(d.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("vmm: epoll_ctl(DEL, %d): %w", fd, err)
	}
	delete(d.callbacks, int32(fd))
	return nil
}

// Close releases the epoll fd.
func (d *Dispatcher) Close() error {
	return unix.Close(d.epollFD)
}

// RunOnce waits up to timeoutMillis for registered fds to become
// readable and invokes each one's callback. timeoutMillis -1 blocks
// indefinitely, 0 returns immediately.
func (d *Dispatcher) RunOnce(timeoutMillis int) error {
	var events [32]unix.EpollEvent
	n, err := unix.EpollWait(d.epollFD, events[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("vmm: epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		if cb, ok := d.callbacks[events[i].Fd]; ok {
			cb()
		}
	}
	return nil
}

// Run loops RunOnce until stop is closed.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := d.RunOnce(100); err != nil {
			return err
		}
	}
}
