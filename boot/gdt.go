package boot

import (
	"encoding/binary"

	"github.com/go-microvm/microvm/kvm"
	"github.com/go-microvm/microvm/memory"
)

// Selectors assigned to the four GDT entries this boot builder writes.
const (
	selNull = 0x00
	selCode = 0x08
	selData = 0x10
	selTSS  = 0x18
)

// Access/flags nibbles for the four entries, packed the way gdtEntry
// expects: low byte is the access byte (bits 40-47), high byte's top nibble
// is avl/l/db/g (bits 52-55).
const (
	flagsCode = 0xA09B
	flagsData = 0xC093
	flagsTSS  = 0x808B
)

// gdtEntry packs a segment descriptor the way the x86 GDT wire format
// requires: limit and base split across non-contiguous bit ranges, with the
// access byte and granularity nibble taken from flags.
func gdtEntry(flags uint16, base, limit uint32) uint64 {
	return uint64(limit&0xFFFF) |
		uint64(base&0xFFFFFF)<<16 |
		uint64(flags&0xFF)<<40 |
		uint64((limit>>16)&0xF)<<48 |
		uint64((flags>>12)&0xF)<<52 |
		uint64((base>>24)&0xFF)<<56
}

// SegmentFromGDTEntry decodes a packed GDT entry back into a kvm.Segment,
// assigning it the selector for GDT slot i (8*i). This is the inverse of
// gdtEntry and is exported so it is independently testable.
func SegmentFromGDTEntry(entry uint64, i int) kvm.Segment {
	accessByte := uint8((entry >> 40) & 0xFF)
	flagsNibble := uint8((entry >> 52) & 0xF)

	base := (uint32(entry>>16) & 0xFFFFFF) | (uint32(entry>>56)&0xFF)<<24
	limit := (uint32(entry) & 0xFFFF) | (uint32(entry>>48)&0xF)<<16

	present := (accessByte >> 7) & 1

	return kvm.Segment{
		Base:     uint64(base),
		Limit:    limit,
		Selector: uint16(8 * i),
		Typ:      accessByte & 0xF,
		S:        (accessByte >> 4) & 1,
		DPL:      (accessByte >> 5) & 3,
		Present:  present,
		AVL:      flagsNibble & 1,
		L:        (flagsNibble >> 1) & 1,
		DB:       (flagsNibble >> 2) & 1,
		G:        (flagsNibble >> 3) & 1,
		Unusable: 1 - present,
	}
}

// BuildGDT writes the four boot GDT entries (null, 64-bit code, data, TSS)
// at GDTAddr: flat 4GiB descriptors, matching what an identity-mapped
// 64-bit long-mode kernel entry expects.
func BuildGDT(mem *memory.Memory) error {
	entries := [4]uint64{
		gdtEntry(0, 0, 0),
		gdtEntry(flagsCode, 0, 0xFFFFF),
		gdtEntry(flagsData, 0, 0xFFFFF),
		gdtEntry(flagsTSS, 0, 0xFFFFF),
	}

	var buf [32]byte
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}

	return mem.WriteAt(GDTAddr, buf[:])
}

// BuildIDT writes an empty 8-byte IDT stub at IDTAddr; this microVM never
// takes a guest interrupt vector through it, only establishes its presence
// so IDTR is loaded with a sane (if unused) base/limit.
func BuildIDT(mem *memory.Memory) error {
	var stub [8]byte

	return mem.WriteAt(IDTAddr, stub[:])
}
