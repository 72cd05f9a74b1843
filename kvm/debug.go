package kvm

import "unsafe"

const (
	guestDebugEnable     = 1 << 0
	guestDebugSingleStep = 1 << 2
)

// guestDebug mirrors struct kvm_guest_debug; SingleStep sets only Control,
// and the arch-specific debug register state is left zeroed.
type guestDebug struct {
	Control  uint32
	_        uint32
	DebugRegs [8]uint64
}

// SingleStep arms or disarms single-step execution. While enabled, every
// instruction boundary raises an EXITDEBUG exit instead of running freely,
// used by the boot-time trace scenario.
func SingleStep(vcpuFd uintptr, enable bool) error {
	dbg := guestDebug{}
	if enable {
		dbg.Control = guestDebugEnable | guestDebugSingleStep
	}

	_, err := Ioctl(vcpuFd, IIOW(kvmSetGuestDebug, unsafe.Sizeof(dbg)), uintptr(unsafe.Pointer(&dbg)))

	return err
}
