package boot

import "github.com/go-microvm/microvm/bootparam"

// fourGiB is the top of the 32-bit MMIO hole this builder splits the high
// memory E820 entry around.
const fourGiB = uint64(1) << 32

// e820Entry is an (address, size) pair, the unit highMemEntries returns.
type e820Entry struct {
	addr uint64
	size uint64
}

// highMemEntries computes the high-RAM E820 entries for a region of
// regionSize bytes starting at KernelAddr, splitting around the 32-bit
// MMIO gap [MMIOGapStart, 4GiB) when RAM extends into or past it.
func highMemEntries(regionSize uint64) []e820Entry {
	lastAddr := regionSize - 1

	if lastAddr < MMIOGapStart {
		return []e820Entry{{KernelAddr, lastAddr + 1 - KernelAddr}}
	}

	entries := []e820Entry{{KernelAddr, MMIOGapStart - KernelAddr}}

	if lastAddr > fourGiB {
		entries = append(entries, e820Entry{fourGiB, lastAddr + 1 - fourGiB})
	}

	return entries
}

// BuildE820 populates zp's E820 table: low RAM, the reserved EBDA, and high
// RAM split around the 32-bit MMIO gap if guest RAM extends past it.
func BuildE820(zp *bootparam.BootParam, regionSize uint64) error {
	if err := zp.AddE820Entry(0, EBDAStart, bootparam.E820Ram); err != nil {
		return err
	}

	if err := zp.AddE820Entry(EBDAStart, EBDASize, bootparam.E820Reserved); err != nil {
		return err
	}

	for _, e := range highMemEntries(regionSize) {
		if err := zp.AddE820Entry(e.addr, e.size, bootparam.E820Ram); err != nil {
			return err
		}
	}

	return nil
}
