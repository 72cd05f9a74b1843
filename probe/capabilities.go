package probe

import (
	"fmt"

	"github.com/go-microvm/microvm/kvm"
)

// capabilityChecklist names the host KVM extensions the probe subcommand
// reports on: exactly the ones this microVM actually relies on (IRQ chip,
// MP state, IOMMU, IRQ routing, the KVM clock, and the memory slot count),
// rather than the teacher's exhaustive x86 capability sweep.
var capabilityChecklist = []kvm.Capability{ //nolint:gochecknoglobals
	kvm.CapIRQChip,
	kvm.CapMPState,
	kvm.CapIOMMU,
	kvm.CapIRQRouting,
	kvm.CapKVMClockCtrl,
	kvm.CapNRMemSlots,
}

// Capabilities opens /dev/kvm and reports, for each capability this microVM
// depends on, whether the host supports it (any nonzero CheckExtension
// result counts as supported; the level itself is not printed).
func Capabilities() error {
	kvmFile, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}
	defer kvmFile.Close()

	for _, cap := range capabilityChecklist {
		res, err := kvm.CheckExtension(kvmFile.Fd(), cap)
		if err != nil {
			return fmt.Errorf("check extension %s: %w", cap, err)
		}

		fmt.Printf("%-20s: %t\n", cap, res != 0)
	}

	return nil
}
