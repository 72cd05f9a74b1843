// Package vcpu runs the dedicated worker goroutine that drives a single
// vCPU: entering the guest, dispatching I/O exits to the device bus, and
// firing an exit trigger exactly once when the guest halts, shuts down, or
// hits an exit this microVM does not emulate further.
package vcpu

import (
	"fmt"
	"log"
	"runtime"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-microvm/microvm/bus"
	"github.com/go-microvm/microvm/kvm"
	"github.com/go-microvm/microvm/memory"
)

// Signal is fired exactly once when the runner's loop exits, implemented
// by *trigger.Trigger.
type Signal interface {
	Signal() error
}

// Runner owns one vCPU's file descriptor and its shared kvm_run page
// exclusively; no other goroutine may touch either while Run is active.
type Runner struct {
	fd   uintptr
	run  *kvm.RunData
	bus  *bus.Bus
	mem  *memory.Memory
	exit Signal

	singleStep bool
}

// New wraps a vCPU descriptor already mmap-ed into run, ready to dispatch
// its I/O exits against b and to fire exit on termination. mem is used only
// for best-effort disassembly when an unexpected exit is logged.
func New(vcpuFd uintptr, run *kvm.RunData, b *bus.Bus, mem *memory.Memory, exit Signal) *Runner {
	return &Runner{fd: vcpuFd, run: run, bus: b, mem: mem, exit: exit}
}

// SetSingleStep requests that Run arm kvm.SingleStep on this vCPU before
// entering its loop, tracing every instruction boundary via EXITDEBUG
// instead of running freely. Must be called before Run. Used by the
// boot-time trace scenario (--single-step).
func (r *Runner) SetSingleStep(enable bool) {
	r.singleStep = enable
}

// Run locks the calling goroutine to its OS thread (required because vCPU
// ioctls must come from the thread that created the vCPU) and repeatedly
// re-enters the guest until Hlt, Shutdown, an unexpected exit, or a run
// error ends the loop. It always fires the exit signal before returning.
func (r *Runner) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.singleStep {
		if err := kvm.SingleStep(r.fd, true); err != nil {
			err = fmt.Errorf("arm single-step: %w", err)

			if sigErr := r.exit.Signal(); sigErr != nil {
				log.Printf("vcpu: signal exit trigger: %v", sigErr)
			}

			return err
		}
	}

	err := r.loop()

	if sigErr := r.exit.Signal(); sigErr != nil {
		log.Printf("vcpu: signal exit trigger: %v", sigErr)
	}

	return err
}

func (r *Runner) loop() error {
	for {
		done, err := r.step()
		if done {
			return err
		}
	}
}

// step runs the guest until the next exit and dispatches it, returning
// done=true once the loop should stop.
func (r *Runner) step() (bool, error) {
	if err := kvm.Run(r.fd); err != nil {
		return true, fmt.Errorf("kvm run: %w", err)
	}

	exit := kvm.ExitType(r.run.ExitReason)

	switch exit {
	case kvm.EXITIO:
		return false, r.dispatchIO()
	case kvm.EXITMMIO:
		log.Printf("vcpu: unhandled MMIO exit")

		return false, nil
	case kvm.EXITHLT, kvm.EXITSHUTDOWN:
		return true, nil
	case kvm.EXITINTR:
		return false, nil
	case kvm.EXITDEBUG:
		if r.singleStep {
			log.Printf("vcpu: trace %s", r.disasmAtRIP())

			return false, nil
		}

		log.Printf("vcpu: unexpected exit %s (%s)", exit.String(), r.disasmAtRIP())

		return true, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	default:
		log.Printf("vcpu: unexpected exit %s (%s)", exit.String(), r.disasmAtRIP())

		return true, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	}
}

// disasmAtRIP best-effort decodes the instruction at the current RIP, for
// the log line on an unexpected exit. Any failure along the way yields a
// placeholder string rather than an error, since this is diagnostic only.
func (r *Runner) disasmAtRIP() string {
	regs, err := kvm.GetRegs(r.fd)
	if err != nil {
		return "<regs unavailable>"
	}

	insn, err := r.mem.Slice(regs.RIP, 16)
	if err != nil {
		return fmt.Sprintf("rip=%#x <unreadable>", regs.RIP)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return fmt.Sprintf("rip=%#x <undecodable>", regs.RIP)
	}

	return fmt.Sprintf("rip=%#x %s", regs.RIP, x86asm.GNUSyntax(d, regs.RIP, nil))
}

func (r *Runner) dispatchIO() error {
	io := r.run.IO()

	base := uintptr(unsafe.Pointer(r.run)) + uintptr(io.Offset)
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), int(io.Size)*int(io.Count))

	for i := 0; i < int(io.Count); i++ {
		chunk := data[i*int(io.Size) : (i+1)*int(io.Size)]

		var err error

		switch io.Direction {
		case kvm.EXITIOIN:
			_, err = r.bus.Read(uint64(io.Port), chunk)
		case kvm.EXITIOOUT:
			_, err = r.bus.Write(uint64(io.Port), chunk)
		}

		if err != nil {
			return fmt.Errorf("port %#x: %w", io.Port, err)
		}
	}

	return nil
}
