package kvm

import "unsafe"

// irqLevel is the argument to KVM_IRQ_LINE: assert or deassert a GSI.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLineStatus sets the level of a GSI directly, bypassing irqfd. Kept for
// diagnostics; normal interrupt delivery goes through RegisterIRQFD so the
// in-kernel irqchip can pulse edge-triggered lines without a round trip into
// userspace.
func IRQLineStatus(vmFd uintptr, irq, level uint32) error {
	lev := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(lev)), uintptr(unsafe.Pointer(&lev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC/IOAPIC model that irqfd and
// CreatePIT2 both depend on.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// pitSpeakerDummy disables the PIT channel 2 speaker gate output, matching
// the original implementation's init_irqchip.
const pitSpeakerDummy = 1 << 0

// PitConfig carries flags for KVM_CREATE_PIT2.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel i8254 PIT with the speaker-dummy flag set,
// so channel 2 never drives a PC speaker GPIO nobody emulates.
func CreatePIT2(vmFd uintptr) error {
	pit := PitConfig{Flags: pitSpeakerDummy}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// irqfd is the argument to KVM_IRQFD: binds an eventfd to a GSI so that
// writing to the eventfd raises (and, for edge-triggered routing, lowers)
// the interrupt entirely inside the kernel.
type irqfd struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	Pad        [16]byte
}

// RegisterIRQFD binds fd to gsi so that a write of 1 to fd asserts gsi
// without any further userspace involvement.
func RegisterIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	arg := irqfd{FD: uint32(fd), GSI: gsi}
	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(arg)), uintptr(unsafe.Pointer(&arg)))

	return err
}
