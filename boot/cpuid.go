package boot

import "github.com/go-microvm/microvm/kvm"

// The KVM paravirtual CPUID leaf and the signature overwritten onto it.
const (
	kvmSignatureLeaf = 0x40000000
	kvmFeatureLeaf   = 0x40000001

	// "KVMKVMKVM\0\0\0" little-endian across ebx:ecx:edx.
	kvmSigEbx = 0x4B4D564B
	kvmSigEcx = 0x564B4D56
	kvmSigEdx = 0x0000004D
)

// MaskCPUID fetches the host's supported CPUID set and rewrites the KVM
// paravirtual signature leaf before applying it to vcpuFd; every other
// leaf passes through unchanged.
func MaskCPUID(kvmFd, vcpuFd uintptr) error {
	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		return err
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function != kvmSignatureLeaf {
			continue
		}

		cpuid.Entries[i].Eax = kvmFeatureLeaf
		cpuid.Entries[i].Ebx = kvmSigEbx
		cpuid.Entries[i].Ecx = kvmSigEcx
		cpuid.Entries[i].Edx = kvmSigEdx
	}

	return kvm.SetCPUID2(vcpuFd, &cpuid)
}
