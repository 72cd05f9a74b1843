// Package probe exposes host KVM capability diagnostics for the CLI's
// "probe" subcommand, independent of any running guest.
package probe

import (
	"fmt"

	"github.com/go-microvm/microvm/kvm"
)

// CPUID opens /dev/kvm, retrieves the host's supported CPUID entries via
// KVM_GET_SUPPORTED_CPUID, and prints each to stdout.
func CPUID() error {
	kvmFile, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}
	defer kvmFile.Close()

	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(kvmFile.Fd(), &cpuid); err != nil {
		return fmt.Errorf("get supported CPUID: %w", err)
	}

	for i := uint32(0); i < cpuid.Nent; i++ {
		e := cpuid.Entries[i]
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flags=0x%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}
