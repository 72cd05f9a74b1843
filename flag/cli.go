// Package flag declares the CLI surface, using kong the way the teacher's
// flag/runs.go does, and runs the selected subcommand.
package flag

import "github.com/alecthomas/kong"

// CLI is the top-level kong command tree: exactly one of the two
// subcommands runs per invocation.
type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Print version and exit."`

	Boot  BootCMD  `cmd:"" help:"Boot a guest kernel image."`
	Probe ProbeCMD `cmd:"" help:"Print the host's KVM capabilities and supported CPUID entries and exit."`
}

// BootCMD is the CLI surface spec.md names: a required kernel path, an
// optional initrd, an optional command line, and the ambient profiling
// switches carried over from the teacher's go.mod.
type BootCMD struct {
	Kernel  string `short:"k" required:"" help:"Path to an ELF kernel image."`
	Initrd  string `short:"i" help:"Path to an initrd image."`
	Cmdline string `short:"c" help:"Kernel command-line parameters. Defaults to a minimal serial-console line."`
	MemSize string `short:"m" default:"1G" help:"Guest memory size: number[gGmMkK]."`

	Profile    bool `help:"Wrap the run in a CPU profile (github.com/pkg/profile), written on exit."`
	Fgprof     bool `help:"Serve fgprof wall-clock profiles on http://localhost:6060/debug/fgprof."`
	SingleStep bool `help:"Arm single-step (KVM_SET_GUEST_DEBUG) and log a disassembly trace of every guest instruction."`
}

// ProbeCMD takes no arguments; it reports host KVM capabilities and the
// host's supported CPUID entries.
type ProbeCMD struct{}
