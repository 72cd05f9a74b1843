// Package vmm assembles the host event loop and the façade that drives a
// microVM through its fixed lifecycle: construct, initialize, load a guest
// image, and run it to completion.
package vmm

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-microvm/microvm/boot"
	"github.com/go-microvm/microvm/device"
	"github.com/go-microvm/microvm/kvm"
	"github.com/go-microvm/microvm/memory"
	"github.com/go-microvm/microvm/term"
	"github.com/go-microvm/microvm/trigger"
	"github.com/go-microvm/microvm/vcpu"
)

// MinMemSize is the smallest guest RAM region this microVM will construct;
// below it there is no room for the zero page, GDT/IDT, and page tables the
// boot builder places in low memory.
const MinMemSize = 1 << 20

var (
	// ErrMemTooSmall is returned by Init when ramSize is below MinMemSize.
	ErrMemTooSmall = errors.New("requested memory size is too small")

	// ErrNotInitialized is returned by LoadImage or Run before Init has run.
	ErrNotInitialized = errors.New("vmm: Init has not been called")

	// ErrNoImageLoaded is returned by Run before LoadImage has run.
	ErrNoImageLoaded = errors.New("vmm: LoadImage has not been called")

	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("vmm: already initialized")

	// ErrAlreadyLoaded is returned by a second call to LoadImage.
	ErrAlreadyLoaded = errors.New("vmm: image already loaded")

	// ErrAlreadyRan is returned by a second call to Run.
	ErrAlreadyRan = errors.New("vmm: already run")
)

// ImageConfig names the guest image a call to LoadImage boots: a kernel
// image (required), an optional initrd, and an optional command line
// (boot.DefaultCmdline is used when empty).
type ImageConfig struct {
	Kernel  []byte
	Initrd  []byte
	Cmdline string
}

// VMM is the façade over one microVM instance: the KVM handles, guest
// memory, and the device manager wired to it. Its methods must be called in
// the fixed order New -> Init -> LoadImage -> Run, each exactly once.
type VMM struct {
	ramSize int

	kvmFile *os.File
	vmFd    uintptr
	vcpuFd  uintptr

	mem     *memory.Memory
	devices *device.Manager
	run     *kvm.RunData

	exitTrigger  *trigger.Trigger
	exitObserver *trigger.Trigger

	initialized bool
	loaded      bool
	ran         bool

	// SingleStep arms kvm.SingleStep on the vCPU before Run starts it,
	// tracing every instruction boundary via EXITDEBUG instead of running
	// freely. Set directly before calling Run; used by the boot-time trace
	// scenario (--single-step).
	SingleStep bool
}

// New constructs a VMM that will back its guest with ramSize bytes of RAM.
// It performs no host-facility calls; Init does that.
func New(ramSize int) *VMM {
	return &VMM{ramSize: ramSize}
}

// Init opens /dev/kvm, creates the VM and its single vCPU, registers guest
// memory, creates the in-kernel IRQ chip and PIT, and wires up the legacy
// serial devices. It must be called exactly once, before LoadImage and Run.
func (v *VMM) Init() error {
	if v.initialized {
		return ErrAlreadyInitialized
	}

	if v.ramSize < MinMemSize {
		return fmt.Errorf("%d: %w", v.ramSize, ErrMemTooSmall)
	}

	kvmFile, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}

	vmFd, err := kvm.CreateVM(kvmFile.Fd())
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("create VM: %w", err)
	}

	mem, err := memory.New(vmFd, v.ramSize)
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("create guest memory: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		kvmFile.Close()

		return fmt.Errorf("create IRQ chip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		kvmFile.Close()

		return fmt.Errorf("create PIT: %w", err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("create vCPU: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(kvmFile.Fd())
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("get vCPU mmap size: %w", err)
	}

	runMap, err := syscall.Mmap(int(vcpuFd), 0, mmapSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("mmap vCPU run page: %w", err)
	}

	devices, err := device.New(vmFd)
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("create device manager: %w", err)
	}

	exitTrigger, err := trigger.New()
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("create exit trigger: %w", err)
	}

	exitObserver, err := exitTrigger.Clone()
	if err != nil {
		kvmFile.Close()

		return fmt.Errorf("clone exit trigger: %w", err)
	}

	v.kvmFile = kvmFile
	v.vmFd = vmFd
	v.vcpuFd = vcpuFd
	v.mem = mem
	v.devices = devices
	v.run = (*kvm.RunData)(unsafe.Pointer(&runMap[0]))
	v.exitTrigger = exitTrigger
	v.exitObserver = exitObserver
	v.initialized = true

	return nil
}

// LoadImage builds the guest's boot state (GDT/IDT, page tables, loaded
// kernel/initrd, command line, zero page, registers, and CPUID) from cfg.
// It must be called exactly once, after Init and before Run.
func (v *VMM) LoadImage(cfg ImageConfig) error {
	if !v.initialized {
		return ErrNotInitialized
	}

	if v.loaded {
		return ErrAlreadyLoaded
	}

	cmdline := cfg.Cmdline
	if cmdline == "" {
		cmdline = boot.DefaultCmdline
	}

	if _, err := boot.Build(v.kvmFile.Fd(), v.vcpuFd, v.mem, boot.Config{
		Kernel:  cfg.Kernel,
		Initrd:  cfg.Initrd,
		Cmdline: cmdline,
	}); err != nil {
		return fmt.Errorf("build boot state: %w", err)
	}

	v.loaded = true

	return nil
}

// Run hands the vCPU to a dedicated worker goroutine and becomes the host
// event loop: multiplexing the worker's exit signal against readable stdin
// until the exit signal fires. It must be called exactly once, after Init
// and LoadImage.
func (v *VMM) Run() error {
	if !v.initialized {
		return ErrNotInitialized
	}

	if !v.loaded {
		return ErrNoImageLoaded
	}

	if v.ran {
		return ErrAlreadyRan
	}

	v.ran = true

	vcpuErr := make(chan error, 1)

	go func() {
		runner := vcpu.New(v.vcpuFd, v.run, v.devices.Bus, v.mem, v.exitTrigger)
		runner.SetSingleStep(v.SingleStep)
		vcpuErr <- runner.Run()
	}()

	if err := v.eventLoop(); err != nil {
		return err
	}

	if err := <-vcpuErr; err != nil {
		log.Printf("vcpu worker: %v", err)
	}

	return nil
}

const (
	tokenExit  = 0
	tokenStdin = 1

	stdinReadSize = 64
)

// eventLoop is the single-threaded readiness multiplexer of C8: it blocks in
// epoll_wait over the vCPU exit signal and, when stdin is a terminal, stdin,
// until the exit signal fires.
func (v *VMM) eventLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, v.exitObserver.FD(),
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: tokenExit}); err != nil {
		return fmt.Errorf("register exit signal: %w", err)
	}

	stdinInteractive := term.IsTerminal()
	if stdinInteractive {
		if err := unix.SetNonblock(int(os.Stdin.Fd()), true); err != nil {
			return fmt.Errorf("set stdin non-blocking: %w", err)
		}

		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, int(os.Stdin.Fd()),
			&unix.EpollEvent{Events: unix.EPOLLIN, Fd: tokenStdin}); err != nil {
			return fmt.Errorf("register stdin: %w", err)
		}
	}

	events := make([]unix.EpollEvent, 2)
	buf := make([]byte, stdinReadSize)

	for {
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			switch events[i].Fd {
			case tokenExit:
				return nil
			case tokenStdin:
				if err := v.pumpStdin(buf); err != nil {
					log.Printf("read stdin: %v", err)
				}
			}
		}
	}
}

// pumpStdin reads up to len(buf) bytes from stdin and enqueues them into
// the serial RX FIFO. EOF and a zero-length read are ignored.
func (v *VMM) pumpStdin(buf []byte) error {
	n, err := unix.Read(int(os.Stdin.Fd()), buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}

		return err
	}

	if n <= 0 {
		return nil
	}

	return v.devices.COM1.EnqueueRawBytes(buf[:n])
}

// Close releases the VMM's host resources: the device triggers and the
// /dev/kvm descriptor. The vCPU, VM, and memory descriptors it owns
// transitively are closed by the kernel when /dev/kvm is closed.
func (v *VMM) Close() error {
	if v.exitObserver != nil {
		_ = v.exitObserver.Close()
	}

	if v.devices != nil {
		_ = v.devices.Close()
	}

	if v.kvmFile != nil {
		return v.kvmFile.Close()
	}

	return nil
}
