// Package memory manages the single guest-physical RAM region backing a
// microVM: its host-side anonymous mapping, its KVM memory-slot
// registration, and bounds-checked access from guest-physical addresses.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-microvm/microvm/kvm"
)

// ErrOutOfRange is returned by any access whose [addr, addr+len) range falls
// outside the guest RAM region.
var ErrOutOfRange = errors.New("guest-physical address out of range")

// Poison is written across RAM above the 1MiB mark before boot so that an
// errant jump into unwritten memory traps immediately instead of executing
// zero bytes (a valid `add [rax], al`) silently.
//
//	0:  b8 be ba fe ca          mov    eax,0xcafebabe
//	5:  90                      nop
//	6:  0f 0b                   ud2
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

const highMemBase = 0x100000

// slot is the fixed KVM memory-slot number used for the single RAM region.
const slot = 0

// tssAddr and identityMapAddr sit just below the 4GiB boundary, out of the
// way of any guest-physical RAM this microVM will ever size, matching the
// placement the original implementation uses.
const (
	tssAddr         = 0xFFFBD000
	identityMapAddr = 0xFFFBC000
)

// Memory is the guest's single RAM region, identity-mapped into KVM as slot
// zero starting at guest-physical address zero.
type Memory struct {
	buf []byte
}

// New mmaps size bytes of anonymous memory, poisons it above 1MiB, and
// registers it with the VM as guest RAM starting at guest-physical address
// zero. It also programs the TSS and identity-map addresses the vCPU's
// real-to-protected-mode transition needs, mirroring the original's
// create_guest_memory, which performs both in the same step.
func New(vmFd uintptr, size int) (*Memory, error) {
	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	for i := highMemBase; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	region := &kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(buf)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	region.SetMemLogDirtyPages()

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		return nil, fmt.Errorf("set user memory region: %w", err)
	}

	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return nil, fmt.Errorf("set TSS address: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("set identity map address: %w", err)
	}

	return &Memory{buf: buf}, nil
}

// Len reports the size of guest RAM in bytes.
func (m *Memory) Len() int { return len(m.buf) }

// Bytes returns the live backing slice; callers writing through it mutate
// guest memory directly.
func (m *Memory) Bytes() []byte { return m.buf }

func (m *Memory) bounds(addr uint64, n int) error {
	if addr > uint64(len(m.buf)) || uint64(len(m.buf))-addr < uint64(n) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, addr, addr+uint64(n))
	}

	return nil
}

// WriteAt copies data into guest RAM starting at addr.
func (m *Memory) WriteAt(addr uint64, data []byte) error {
	if err := m.bounds(addr, len(data)); err != nil {
		return err
	}

	copy(m.buf[addr:], data)

	return nil
}

// ReadAt copies len(data) bytes out of guest RAM starting at addr.
func (m *Memory) ReadAt(addr uint64, data []byte) error {
	if err := m.bounds(addr, len(data)); err != nil {
		return err
	}

	copy(data, m.buf[addr:])

	return nil
}

// Slice returns the n bytes of guest RAM starting at addr as a live slice.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	if err := m.bounds(addr, n); err != nil {
		return nil, err
	}

	return m.buf[addr : addr+uint64(n)], nil
}

// PutUint64 writes v in little-endian order at addr.
func (m *Memory) PutUint64(addr uint64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)

	return m.WriteAt(addr, b[:])
}

// PutUint32 writes v in little-endian order at addr.
func (m *Memory) PutUint32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return m.WriteAt(addr, b[:])
}
