package boot

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/go-microvm/microvm/bootparam"
	"github.com/go-microvm/microvm/memory"
)

// ErrZeroSizeKernel is returned when an image has no loadable bytes, ELF or
// bzImage.
var ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

// LoadKernel loads a kernel image into mem and returns its entry point
// (expected to be KernelAddr for a kernel linked the way this microVM's
// boot layout assumes). image is first tried as a bzImage: if it carries a
// valid Linux boot signature, its real-mode setup code is skipped per its
// own setup_sects and the protected-mode payload following it is loaded as
// a flat binary. Otherwise image is parsed as a plain ELF executable and
// each PT_LOAD segment is copied to its physical address.
func LoadKernel(mem *memory.Memory, image []byte) (uint64, error) {
	if bp, err := bootparam.New(bytes.NewReader(image)); err == nil {
		return loadBzImage(mem, image, bp)
	}

	return loadELFKernel(mem, image)
}

// loadBzImage loads the protected-mode payload following a bzImage's
// real-mode setup code, whose length bp's setup_sects field names.
func loadBzImage(mem *memory.Memory, image []byte, bp *bootparam.BootParam) (uint64, error) {
	setupSects := int(bp.SetupSects())
	if setupSects == 0 {
		setupSects = 4 // 0 means 4, per the x86 boot protocol
	}

	setupSize := (setupSects + 1) * 512
	if setupSize >= len(image) {
		return 0, fmt.Errorf("%w: setup_sects implies %d bytes, image is %d", ErrZeroSizeKernel, setupSize, len(image))
	}

	payload := image[setupSize:]

	log.Printf("load bzImage payload @%#x, %#x bytes (setup_sects=%d)", KernelAddr, len(payload), bp.SetupSects())

	if err := mem.WriteAt(KernelAddr, payload); err != nil {
		return 0, fmt.Errorf("writing bzImage payload: %w", err)
	}

	return KernelAddr, nil
}

func loadELFKernel(mem *memory.Memory, image []byte) (uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	var total int

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		log.Printf("load ELF segment @%#x from file offset %#x, %#x bytes", p.Paddr, p.Off, p.Filesz)

		data := make([]byte, p.Filesz)

		n, err := p.ReadAt(data, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("reading ELF prog %d@%#x: %w", i, p.Paddr, err)
		}

		if err := mem.WriteAt(p.Paddr, data[:n]); err != nil {
			return 0, fmt.Errorf("writing ELF prog %d@%#x: %w", i, p.Paddr, err)
		}

		total += n
	}

	if total == 0 {
		return 0, ErrZeroSizeKernel
	}

	return f.Entry, nil
}
