// Package kvm wraps the /dev/kvm ioctl interface: opening the device,
// creating a VM and a single vCPU, registering guest memory and the PIC/PIT,
// CPUID, register and IRQFD plumbing, and driving the run loop.
package kvm

import "os"

const (
	kvmGetAPIVersion   = 0x00
	kvmCreateVM        = 0x01
	kvmGetVCPUMMapSize = 0x04
	kvmRun             = 0x80
)

// Open opens /dev/kvm for ioctl use.
func Open() (*os.File, error) {
	return os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
}

// GetAPIVersion returns the kernel's KVM API version. A conforming host
// always reports 12.
func GetAPIVersion(kvmFd uintptr) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)

	return int(ret), err
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number id within vmFd and returns its descriptor.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// GetVCPUMMapSize reports the size of the kvm_run page each vCPU descriptor
// must be mmap-ed with.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)

	return int(ret), err
}

// Run re-enters guest mode until the next exit and populates the shared
// kvm_run page with the reason.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// IO is the decoded kvm_run.io union, valid when ExitReason is EXITIO.
type IO struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	Offset    uint64
}

// RunData mirrors struct kvm_run, the page shared between kernel and
// userspace across each Run call.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io union fields packed into Data.
func (r *RunData) IO() IO {
	return IO{
		Direction: uint8(r.Data[0] & 0xFF),
		Size:      uint8((r.Data[0] >> 8) & 0xFF),
		Port:      uint16((r.Data[0] >> 16) & 0xFFFF),
		Count:     uint32((r.Data[0] >> 32) & 0xFFFFFFFF),
		Offset:    r.Data[1],
	}
}
