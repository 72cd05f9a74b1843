// Package device assembles the legacy serial ports into the guest's port-I/O
// address space: registering each on the bus and wiring its interrupt
// trigger to the in-kernel irqchip via KVM_IRQFD.
package device

import (
	"fmt"
	"io"

	"github.com/go-microvm/microvm/bus"
	"github.com/go-microvm/microvm/kvm"
	"github.com/go-microvm/microvm/serial"
	"github.com/go-microvm/microvm/trigger"
)

// Legacy COM port addresses and the GSIs they share on a PC platform: COM1
// and COM3 share GSI 4, COM2 and COM4 share GSI 3. Only COM1's trigger is
// registered on GSI 4; COM3 raises its own trigger, which is never
// registered with the irqchip. PS/2 keyboard GSI 1
// has no emulated device behind it; it is registered so a guest driver that
// probes for it sees a quiesced line rather than an unrouted one.
const (
	com1Addr = 0x3f8
	com2Addr = 0x2f8
	com3Addr = 0x3e8
	com4Addr = 0x2e8

	serialPortSize = 0x8

	com13GSI = 4
	com24GSI = 3
	kbdGSI   = 1
)

// Manager owns the bus and the triggers registered against the VM's irqchip.
type Manager struct {
	Bus *bus.Bus

	COM1 *serial.Serial

	com13 *trigger.Trigger
	com24 *trigger.Trigger
	com3  *trigger.Trigger
	kbd   *trigger.Trigger
}

// New builds COM1-COM4 and a placeholder keyboard trigger, registers them on
// a fresh bus, and wires their interrupt lines into vmFd's irqchip. COM1 is
// returned separately since the host event loop feeds guest input through
// it; COM2-4 sink output silently.
func New(vmFd uintptr) (*Manager, error) {
	com13, err := trigger.New()
	if err != nil {
		return nil, fmt.Errorf("create COM1/COM3 trigger: %w", err)
	}

	com24, err := trigger.New()
	if err != nil {
		return nil, fmt.Errorf("create COM2/COM4 trigger: %w", err)
	}

	kbd, err := trigger.New()
	if err != nil {
		return nil, fmt.Errorf("create keyboard trigger: %w", err)
	}

	com3, err := trigger.New()
	if err != nil {
		return nil, fmt.Errorf("create COM3 trigger: %w", err)
	}

	m := &Manager{
		Bus:   bus.New(),
		COM1:  serial.New(com13, nil),
		com13: com13,
		com24: com24,
		com3:  com3,
		kbd:   kbd,
	}

	com2 := serial.New(com24, io.Discard)
	com3Dev := serial.New(com3, io.Discard)

	com4, err := com24.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone COM2/COM4 trigger: %w", err)
	}

	com4Dev := serial.New(com4, io.Discard)

	if err := m.Bus.Insert(m.COM1, com1Addr, serialPortSize); err != nil {
		return nil, fmt.Errorf("register COM1: %w", err)
	}

	if err := m.Bus.Insert(com2, com2Addr, serialPortSize); err != nil {
		return nil, fmt.Errorf("register COM2: %w", err)
	}

	if err := m.Bus.Insert(com3Dev, com3Addr, serialPortSize); err != nil {
		return nil, fmt.Errorf("register COM3: %w", err)
	}

	if err := m.Bus.Insert(com4Dev, com4Addr, serialPortSize); err != nil {
		return nil, fmt.Errorf("register COM4: %w", err)
	}

	if err := kvm.RegisterIRQFD(vmFd, m.com13.FD(), com13GSI); err != nil {
		return nil, fmt.Errorf("register COM1/COM3 irqfd: %w", err)
	}

	if err := kvm.RegisterIRQFD(vmFd, m.com24.FD(), com24GSI); err != nil {
		return nil, fmt.Errorf("register COM2/COM4 irqfd: %w", err)
	}

	if err := kvm.RegisterIRQFD(vmFd, m.kbd.FD(), kbdGSI); err != nil {
		return nil, fmt.Errorf("register keyboard irqfd: %w", err)
	}

	return m, nil
}

// Close releases the triggers backing the device manager's interrupt lines.
func (m *Manager) Close() error {
	for _, t := range []*trigger.Trigger{m.com13, m.com24, m.com3, m.kbd} {
		if err := t.Close(); err != nil {
			return err
		}
	}

	return nil
}
