package device_test

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/microvm/device"
	"github.com/go-microvm/microvm/kvm"
)

func TestNewRegistersAllFourPorts(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}

	t.Parallel()

	f, err := kvm.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	vmFd, err := kvm.CreateVM(f.Fd())
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer unix.Close(int(vmFd))

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatalf("CreateIRQChip: %v", err)
	}

	m, err := device.New(vmFd)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	defer m.Close()

	for _, addr := range []uint64{0x3f8, 0x2f8, 0x3e8, 0x2e8} {
		hit, err := m.Bus.Read(addr, make([]byte, 1))
		if err != nil {
			t.Fatalf("Read(%#x): %v", addr, err)
		}

		if !hit {
			t.Fatalf("Read(%#x) missed, want a registered serial port", addr)
		}
	}
}
