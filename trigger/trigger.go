// Package trigger provides an eventfd-backed edge signal: writing to it from
// a device wakes whoever is waiting on its file descriptor, whether that is
// the in-kernel irqchip (via KVM_IRQFD) or the host event loop's epoll set.
package trigger

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Trigger wraps a non-blocking eventfd. Writing 1 to it is a single edge;
// the reader drains it with a read of the accumulated counter.
type Trigger struct {
	fd int
}

// New creates a trigger with its counter initialized to zero.
func New() (*Trigger, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &Trigger{fd: fd}, nil
}

// FD returns the underlying eventfd descriptor, for registration with
// KVM_IRQFD or an epoll set.
func (t *Trigger) FD() int { return t.fd }

// Signal raises the edge by writing 1 to the eventfd counter.
func (t *Trigger) Signal() error {
	var buf [8]byte
	buf[0] = 1

	_, err := unix.Write(t.fd, buf[:])
	if err != nil {
		return fmt.Errorf("signal trigger: %w", err)
	}

	return nil
}

// Drain reads and discards the accumulated counter, clearing readiness.
// Returns the count that was pending, or 0 if the trigger was not ready.
func (t *Trigger) Drain() (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}

		return 0, fmt.Errorf("drain trigger: %w", err)
	}

	if n != 8 {
		return 0, nil
	}

	return le64(buf[:]), nil
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

// Clone duplicates the underlying descriptor, so the same eventfd counter
// can be shared by two GSIs without either owner closing it prematurely.
func (t *Trigger) Clone() (*Trigger, error) {
	fd, err := unix.Dup(t.fd)
	if err != nil {
		return nil, fmt.Errorf("dup trigger: %w", err)
	}

	return &Trigger{fd: fd}, nil
}

// Close releases the underlying descriptor.
func (t *Trigger) Close() error {
	return unix.Close(t.fd)
}
