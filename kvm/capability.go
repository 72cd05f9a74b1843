package kvm

// Capability identifies a KVM_CAP_* extension queried via CheckExtension.
type Capability uint

const (
	CapIRQChip      Capability = 0
	CapMPState      Capability = 14
	CapIOMMU        Capability = 18
	CapIRQRouting   Capability = 25
	CapKVMClockCtrl Capability = 47
	CapNRMemSlots   Capability = 10
)

var capabilityNames = map[Capability]string{
	CapIRQChip:      "CapIRQChip",
	CapMPState:      "CapMPState",
	CapIOMMU:        "CapIOMMU",
	CapIRQRouting:   "CapIRQRouting",
	CapKVMClockCtrl: "CapKVMClockCtrl",
	CapNRMemSlots:   "CapNRMemSlots",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return "Capability(" + uitoa(uint64(c)) + ")"
}

// CheckExtension reports the level of support the host has for cap, or 0 if
// it is entirely unsupported.
func CheckExtension(fd uintptr, cap Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(cap))

	return int(ret), err
}
