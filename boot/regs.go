package boot

import "github.com/go-microvm/microvm/kvm"

// Control register and EFER bits this boot builder needs.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// FPU reset values, matching init_fpu in the original implementation.
const (
	fpuFCW   = 0x037F
	fpuMXCSR = 0x1F80
)

// InitRegs sets the general-purpose registers a freshly booted 64-bit Linux
// kernel expects: RIP at the kernel entry point, a stack that grows down
// from StackTop, RSI pointing at the zero page, and RFLAGS with its
// reserved bit 1 set and nothing else.
func InitRegs(vcpuFd uintptr, entryPoint uint64) error {
	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = entryPoint
	regs.RSP = StackTop
	regs.RBP = StackTop
	regs.RSI = ZeroPage

	return kvm.SetRegs(vcpuFd, regs)
}

// InitSregs loads the segment/control registers for long mode: CS/DS/ES/
// FS/GS/SS/TR decoded from the boot GDT, GDTR/IDTR pointed at the boot
// tables, CR3 at the PML4 base, and CR0/CR4/EFER set for paged, 64-bit
// protected mode.
func InitSregs(vcpuFd uintptr) error {
	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return err
	}

	sregs.CS = SegmentFromGDTEntry(gdtEntry(flagsCode, 0, 0xFFFFF), selCode/8)
	sregs.DS = SegmentFromGDTEntry(gdtEntry(flagsData, 0, 0xFFFFF), selData/8)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.TR = SegmentFromGDTEntry(gdtEntry(flagsTSS, 0, 0xFFFFF), selTSS/8)

	sregs.GDT.Base = GDTAddr
	sregs.GDT.Limit = 4*8 - 1
	sregs.IDT.Base = IDTAddr
	sregs.IDT.Limit = 7

	sregs.CR3 = PML4Addr
	sregs.CR4 |= cr4PAE
	sregs.CR0 |= cr0PE | cr0PG
	sregs.EFER |= eferLME | eferLMA

	return kvm.SetSregs(vcpuFd, sregs)
}

// InitFPU resets the FPU/SSE control words to the values a freshly reset
// CPU carries (fcw=0x037F, mxcsr=0x1F80), per the original implementation's
// init_fpu.
func InitFPU(vcpuFd uintptr) error {
	fpu := &kvm.Fpu{
		FCW:   fpuFCW,
		MXCSR: fpuMXCSR,
	}

	return kvm.SetFPU(vcpuFd, fpu)
}
