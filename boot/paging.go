package boot

import (
	"encoding/binary"

	"github.com/go-microvm/microvm/memory"
)

// Page table entry bits.
const (
	pteMaskPresent  = 0x01
	pteMaskWritable = 0x02
	pteMaskPageSize = 0x80
)

// BuildPageTables writes a one-PML4-entry, one-PDPTE-entry, 512-PDE
// identity map covering [0, 1GiB) in 2MiB pages.
func BuildPageTables(mem *memory.Memory) error {
	var pml4, pdpte [8]byte

	binary.LittleEndian.PutUint64(pml4[:], PDPTEAddr|pteMaskPresent|pteMaskWritable)
	if err := mem.WriteAt(PML4Addr, pml4[:]); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(pdpte[:], PDEAddr|pteMaskPresent|pteMaskWritable)
	if err := mem.WriteAt(PDPTEAddr, pdpte[:]); err != nil {
		return err
	}

	var pde [512 * 8]byte

	for i := 0; i < 512; i++ {
		entry := uint64(i)<<21 | pteMaskPresent | pteMaskWritable | pteMaskPageSize
		binary.LittleEndian.PutUint64(pde[i*8:], entry)
	}

	return mem.WriteAt(PDEAddr, pde[:])
}
