// Package bus implements the address-indexed I/O bus that routes port and
// MMIO accesses to the device registered over a given range, rejecting any
// registration whose range would overlap an existing one.
package bus

import (
	"errors"
	"fmt"
	"sort"
)

// ErrZeroLength is returned when a device is registered with a zero-length
// range; such a range can never be resolved to by any address.
var ErrZeroLength = errors.New("zero-length bus range")

// ErrOverlap is returned when a device's range intersects one already
// registered on the bus.
var ErrOverlap = errors.New("bus range overlaps an existing device")

// Device is anything that can be addressed through the bus. offset is the
// accessed address minus the base address the device was registered with.
type Device interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

type entry struct {
	base uint64
	len  uint64
	dev  Device
}

func (e entry) end() uint64 { return e.base + e.len }

// Bus is a sorted collection of non-overlapping [base, base+len) device
// ranges, addressed by guest-physical or port address.
type Bus struct {
	entries []entry
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// firstBefore returns the index of the entry with the greatest base <= addr,
// or -1 if none exists.
func (b *Bus) firstBefore(addr uint64) int {
	// entries is sorted ascending by base; find the last one not greater
	// than addr.
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].base > addr })

	return i - 1
}

// GetDevice returns the device whose range contains addr, and the offset of
// addr within that range.
func (b *Bus) GetDevice(addr uint64) (offset uint64, dev Device, ok bool) {
	i := b.firstBefore(addr)
	if i < 0 {
		return 0, nil, false
	}

	e := b.entries[i]
	if addr >= e.end() {
		return 0, nil, false
	}

	return addr - e.base, e.dev, true
}

// Insert registers dev over [base, base+length). It rejects a zero length,
// an exact duplicate base, and any range that overlaps a device already on
// the bus.
func (b *Bus) Insert(dev Device, base, length uint64) error {
	if length == 0 {
		return ErrZeroLength
	}

	if _, _, ok := b.GetDevice(base); ok {
		return fmt.Errorf("%w: base %#x already mapped", ErrOverlap, base)
	}

	if i := b.firstBefore(base + length - 1); i >= 0 && b.entries[i].base >= base {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, base, base+length)
	}

	e := entry{base: base, len: length, dev: dev}

	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].base > base })
	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e

	return nil
}

// Read dispatches a read to the device covering addr, returning false if no
// device is registered there.
func (b *Bus) Read(addr uint64, data []byte) (bool, error) {
	offset, dev, ok := b.GetDevice(addr)
	if !ok {
		return false, nil
	}

	return true, dev.Read(offset, data)
}

// Write dispatches a write to the device covering addr, returning false if
// no device is registered there.
func (b *Bus) Write(addr uint64, data []byte) (bool, error) {
	offset, dev, ok := b.GetDevice(addr)
	if !ok {
		return false, nil
	}

	return true, dev.Write(offset, data)
}
