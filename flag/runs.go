package flag

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/go-microvm/microvm/probe"
	"github.com/go-microvm/microvm/term"
	"github.com/go-microvm/microvm/vmm"
)

// version is set at build time via -ldflags; it defaults to "dev" so a
// plain `go build` still reports something for -v.
var version = "dev"

// Parse builds the kong command tree and runs whichever subcommand the
// arguments select.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("microvm"),
		kong.Description("microvm is a small Linux KVM hypervisor that boots a single kernel"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// Run prints the host's supported CPUID entries and reports on the KVM
// capabilities this microVM depends on.
func (p *ProbeCMD) Run() error {
	if err := probe.Capabilities(); err != nil {
		return err
	}

	return probe.CPUID()
}

// Run boots the configured kernel image to completion.
func (b *BootCMD) Run() error {
	if b.Profile {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	if b.Fgprof {
		http.Handle("/debug/fgprof", fgprof.Handler())

		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				fmt.Fprintf(os.Stderr, "fgprof listener: %v\n", err)
			}
		}()
	}

	memSize, err := ParseSize(b.MemSize, "g")
	if err != nil {
		return err
	}

	kernel, err := os.ReadFile(b.Kernel)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	var initrd []byte

	if b.Initrd != "" {
		initrd, err = os.ReadFile(b.Initrd)
		if err != nil {
			return fmt.Errorf("read initrd image: %w", err)
		}
	}

	v := vmm.New(memSize)
	v.SingleStep = b.SingleStep

	if err := v.Init(); err != nil {
		return err
	}
	defer v.Close()

	if err := v.LoadImage(vmm.ImageConfig{
		Kernel:  kernel,
		Initrd:  initrd,
		Cmdline: b.Cmdline,
	}); err != nil {
		return err
	}

	if !term.IsTerminal() {
		return v.Run()
	}

	restore, err := term.SetRawMode()
	if err != nil {
		return fmt.Errorf("set raw terminal mode: %w", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-sigc:
			restore()
			os.Exit(1)
		case <-done:
		}
	}()

	defer restore()

	return v.Run()
}
