package boot

import (
	"errors"
	"fmt"

	"github.com/go-microvm/microvm/memory"
)

// PageSize is the guest page size used to align the initrd's load address.
const PageSize = 0x1000

// ErrEmptyInitrd is returned for a zero-byte initrd image, rejected
// immediately rather than placed at a degenerate address.
var ErrEmptyInitrd = errors.New("initrd image is zero bytes")

// ErrInitrdTooLarge is returned when the initrd does not fit below the top
// of guest RAM.
var ErrInitrdTooLarge = errors.New("initrd does not fit in guest memory")

// initrdLoadAddr computes the page-aligned address as high as possible in
// a region of regionSize bytes that still leaves room for size bytes.
func initrdLoadAddr(regionSize, size uint64) uint64 {
	return (regionSize - size) / PageSize * PageSize
}

// LoadInitrd places data as high as possible in the first memory region,
// page-aligned, and returns its guest-physical load address.
func LoadInitrd(mem *memory.Memory, data []byte) (uint64, error) {
	size := uint64(len(data))
	if size == 0 {
		return 0, ErrEmptyInitrd
	}

	regionSize := uint64(mem.Len())
	if size > regionSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrInitrdTooLarge, size, regionSize)
	}

	addr := initrdLoadAddr(regionSize, size)

	if err := mem.WriteAt(addr, data); err != nil {
		return 0, fmt.Errorf("write initrd: %w", err)
	}

	return addr, nil
}
