// Package boot builds everything a freshly created vCPU needs to start
// executing a Linux kernel directly in 64-bit mode: the boot GDT/IDT,
// identity-mapped page tables, segment and control registers, CPUID
// masking, the kernel/initrd/cmdline images in guest memory, and the zero
// page's E820 map.
package boot

import (
	"fmt"

	"github.com/go-microvm/microvm/bootparam"
	"github.com/go-microvm/microvm/memory"
)

// Guest-physical addresses of the fixed low-memory layout every boot uses.
const (
	GDTAddr   = 0x500
	IDTAddr   = 0x520
	ZeroPage  = 0x7000
	StackTop  = 0x8FF0
	PML4Addr  = 0x9000
	PDPTEAddr = 0xA000
	PDEAddr   = 0xB000

	KernelAddr  = 0x100000
	CmdlineAddr = 0x20000

	// CmdlineMaxSize bounds the command line including its NUL terminator.
	CmdlineMaxSize = 2048
)

// EBDA layout, used by the E820 map.
const (
	EBDAStart = 0x9FC00
	EBDASize  = 0x400
)

// MMIOGapSize is the size of the 32-bit MMIO hole below 4GiB, and
// MMIOGapStart its starting address, named the way system.rs names them
// (MEM_32BIT_GAP_SIZE / MMIO_MEM_START) rather than inlining the magic
// numbers.
const (
	MMIOGapSize  = 768 << 20
	MMIOGapStart = (uint64(1) << 32) - MMIOGapSize
)

// DefaultCmdline is used when the caller supplies no boot arguments.
const DefaultCmdline = "console=ttyS0 noapic noacpi reboot=k panic=1 pci=off nomodule"

// Config describes one boot: the kernel/initrd images and command line.
type Config struct {
	Kernel []byte
	// Initrd is nil when no initrd was requested. A non-nil, zero-length
	// slice means an initrd was requested but its image is empty, which
	// Build rejects via LoadInitrd's ErrEmptyInitrd.
	Initrd  []byte
	Cmdline string
}

// Result reports what was actually placed in guest memory, for the vCPU
// runner and for tests.
type Result struct {
	EntryPoint   uint64
	InitrdAddr   uint32
	InitrdSize   uint32
	CmdlineAddr  uint32
	CmdlineSize  uint32
}

// Build lays out cfg in mem and initializes vcpuFd's registers so that RIP
// lands on the kernel's entry point with RSI pointing at a fully populated
// zero page. kvmFd is needed to query the host's supported CPUID set.
func Build(kvmFd, vcpuFd uintptr, mem *memory.Memory, cfg Config) (*Result, error) {
	cmdline := cfg.Cmdline
	if cmdline == "" {
		cmdline = DefaultCmdline
	}

	if err := BuildGDT(mem); err != nil {
		return nil, fmt.Errorf("build GDT: %w", err)
	}

	if err := BuildIDT(mem); err != nil {
		return nil, fmt.Errorf("build IDT: %w", err)
	}

	if err := BuildPageTables(mem); err != nil {
		return nil, fmt.Errorf("build page tables: %w", err)
	}

	entry, err := LoadKernel(mem, cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("load kernel: %w", err)
	}

	var initrdAddr, initrdSize uint32

	if cfg.Initrd != nil {
		addr, err := LoadInitrd(mem, cfg.Initrd)
		if err != nil {
			return nil, fmt.Errorf("load initrd: %w", err)
		}

		initrdAddr = uint32(addr)
		initrdSize = uint32(len(cfg.Initrd))
	}

	cmdlineSize, err := LoadCmdline(mem, cmdline)
	if err != nil {
		return nil, fmt.Errorf("load cmdline: %w", err)
	}

	zp := bootparam.NewZeroPage()
	zp.SetVidMode(0xFFFF)
	zp.SetTypeOfLoader(0xFF)
	zp.SetCmdline(CmdlineAddr, uint32(cmdlineSize))
	zp.SetKernelAlignment(0x01000000)

	if initrdSize > 0 {
		zp.SetRamdisk(initrdAddr, initrdSize)
	}

	if err := BuildE820(zp, uint64(mem.Len())); err != nil {
		return nil, fmt.Errorf("build E820 map: %w", err)
	}

	zpBytes, err := zp.Bytes()
	if err != nil {
		return nil, fmt.Errorf("marshal zero page: %w", err)
	}

	if err := mem.WriteAt(ZeroPage, zpBytes); err != nil {
		return nil, fmt.Errorf("write zero page: %w", err)
	}

	if err := InitRegs(vcpuFd, entry); err != nil {
		return nil, fmt.Errorf("init regs: %w", err)
	}

	if err := InitSregs(vcpuFd); err != nil {
		return nil, fmt.Errorf("init sregs: %w", err)
	}

	if err := InitFPU(vcpuFd); err != nil {
		return nil, fmt.Errorf("init fpu: %w", err)
	}

	if err := MaskCPUID(kvmFd, vcpuFd); err != nil {
		return nil, fmt.Errorf("mask cpuid: %w", err)
	}

	return &Result{
		EntryPoint:  entry,
		InitrdAddr:  initrdAddr,
		InitrdSize:  initrdSize,
		CmdlineAddr: CmdlineAddr,
		CmdlineSize: uint32(cmdlineSize),
	}, nil
}
