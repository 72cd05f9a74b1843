package vcpu_test

import (
	"bytes"
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/go-microvm/microvm/boot"
	"github.com/go-microvm/microvm/bus"
	"github.com/go-microvm/microvm/kvm"
	"github.com/go-microvm/microvm/memory"
	"github.com/go-microvm/microvm/serial"
	"github.com/go-microvm/microvm/trigger"
	"github.com/go-microvm/microvm/vcpu"
)

func skipUnlessRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}
}

// program writes "OK\n" to the serial port at 0x3f8 one byte at a time via
// `out dx, al`, then halts.
//
//	ba f8 03 00 00    mov edx, 0x3f8
//	b0 4f             mov al, 'O'
//	ee                out dx, al
//	b0 4b             mov al, 'K'
//	ee                out dx, al
//	b0 0a             mov al, '\n'
//	ee                out dx, al
//	f4                hlt
var program = []byte{
	0xba, 0xf8, 0x03, 0x00, 0x00,
	0xb0, 0x4f,
	0xee,
	0xb0, 0x4b,
	0xee,
	0xb0, 0x0a,
	0xee,
	0xf4,
}

// TestRunnerWritesOKAndHalts is the S6 end-to-end scenario: a tiny program
// that writes "OK\n" to COM1 and halts. The runner's loop must dispatch the
// three IoOut exits to the serial device, stop on Hlt, and fire the exit
// signal exactly once.
func TestRunnerWritesOKAndHalts(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	kvmFile, err := kvm.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer kvmFile.Close()

	vmFd, err := kvm.CreateVM(kvmFile.Fd())
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	mem, err := memory.New(vmFd, 64<<20)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFile.Fd())
	if err != nil {
		t.Fatalf("GetVCPUMMapSize: %v", err)
	}

	runMap, err := syscall.Mmap(int(vcpuFd), 0, mmapSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		t.Fatalf("mmap run page: %v", err)
	}

	run := (*kvm.RunData)(unsafe.Pointer(&runMap[0]))

	if err := boot.BuildGDT(mem); err != nil {
		t.Fatalf("BuildGDT: %v", err)
	}

	if err := boot.BuildPageTables(mem); err != nil {
		t.Fatalf("BuildPageTables: %v", err)
	}

	if err := mem.WriteAt(boot.KernelAddr, program); err != nil {
		t.Fatalf("write program: %v", err)
	}

	if err := boot.InitRegs(vcpuFd, boot.KernelAddr); err != nil {
		t.Fatalf("InitRegs: %v", err)
	}

	if err := boot.InitSregs(vcpuFd); err != nil {
		t.Fatalf("InitSregs: %v", err)
	}

	if err := boot.InitFPU(vcpuFd); err != nil {
		t.Fatalf("InitFPU: %v", err)
	}

	if err := boot.MaskCPUID(kvmFile.Fd(), vcpuFd); err != nil {
		t.Fatalf("MaskCPUID: %v", err)
	}

	var out bytes.Buffer

	trig, err := trigger.New()
	if err != nil {
		t.Fatalf("trigger.New: %v", err)
	}
	defer trig.Close()

	observer, err := trig.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer observer.Close()

	b := bus.New()
	if err := b.Insert(serial.New(trig, &out), 0x3f8, 8); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	runner := vcpu.New(vcpuFd, run, b, mem, trig)

	if err := runner.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.String() != "OK\n" {
		t.Fatalf("serial output = %q, want %q", out.String(), "OK\n")
	}

	if n, err := observer.Drain(); err != nil || n != 1 {
		t.Fatalf("Drain: n=%d err=%v, want n=1 err=nil", n, err)
	}
}
