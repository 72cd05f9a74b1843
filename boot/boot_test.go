package boot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"

	"github.com/go-microvm/microvm/kvm"
	"github.com/go-microvm/microvm/memory"
)

// minimalELF builds the smallest valid ELF64 executable LoadKernel can load:
// one PT_LOAD segment holding a single hlt instruction at KernelAddr.
func minimalELF(t *testing.T) []byte {
	t.Helper()

	const phoff = 64

	hdr := elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7F, 'E', 'L', 'F', 2, 1, 1},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     KernelAddr,
		Phoff:     phoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    phoff + 56,
		Vaddr:  KernelAddr,
		Paddr:  KernelAddr,
		Filesz: 1,
		Memsz:  1,
		Align:  0x1000,
	}

	var buf bytes.Buffer

	for _, v := range []any{hdr, prog, byte(0xF4)} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}

	return buf.Bytes()
}

func TestGDTEntryRoundTrip(t *testing.T) {
	t.Parallel()

	seg := SegmentFromGDTEntry(gdtEntry(flagsCode, 0, 0xFFFFF), 1)

	if seg.Base != 0 || seg.Limit != 0xFFFFF {
		t.Fatalf("base/limit = %#x/%#x, want 0/0xFFFFF", seg.Base, seg.Limit)
	}

	if seg.Typ != 0xB || seg.S != 1 || seg.DPL != 0 || seg.Present != 1 {
		t.Fatalf("type=%#x s=%d dpl=%d present=%d, want 0xB/1/0/1", seg.Typ, seg.S, seg.DPL, seg.Present)
	}

	if seg.L != 1 || seg.DB != 0 || seg.G != 1 || seg.AVL != 0 {
		t.Fatalf("l=%d db=%d g=%d avl=%d, want 1/0/1/0", seg.L, seg.DB, seg.G, seg.AVL)
	}

	if seg.Selector != 8 {
		t.Fatalf("selector = %d, want 8", seg.Selector)
	}
}

func TestGDTEntryUnusableWhenNotPresent(t *testing.T) {
	t.Parallel()

	seg := SegmentFromGDTEntry(gdtEntry(0, 0, 0), 0)
	if seg.Unusable != 1 {
		t.Fatalf("unusable = %d, want 1 for a not-present descriptor", seg.Unusable)
	}
}

func TestInitrdLoadAddr(t *testing.T) {
	t.Parallel()

	addr := initrdLoadAddr(0x8000_0000, 0x10_0000)
	if addr != 0x7FF0_0000 {
		t.Fatalf("addr = %#x, want 0x7FF00000", addr)
	}
}

func TestHighMemEntriesSingleRegion(t *testing.T) {
	t.Parallel()

	entries := highMemEntries(0x8000_0000)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	if entries[0].addr != KernelAddr || entries[0].size != 0x8000_0000-KernelAddr {
		t.Fatalf("entry = %+v, want addr=%#x size=%#x", entries[0], KernelAddr, 0x8000_0000-KernelAddr)
	}
}

func TestHighMemEntriesSplitAroundGap(t *testing.T) {
	t.Parallel()

	entries := highMemEntries(0x1_4000_0000)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	if entries[0].addr != KernelAddr || entries[0].addr+entries[0].size != MMIOGapStart {
		t.Fatalf("entry0 = %+v, want to end at MMIOGapStart %#x", entries[0], MMIOGapStart)
	}

	if entries[1].addr != fourGiB || entries[1].size != 0x4000_0000 {
		t.Fatalf("entry1 = %+v, want addr=4GiB size=0x40000000", entries[1])
	}
}

func TestLoadInitrdRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := LoadInitrd(nil, nil); err == nil {
		t.Fatal("want error for a zero-byte initrd")
	}
}

func TestBuildRejectsEmptyRequestedInitrd(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, kvmFd, vcpuFd := newTestMemory(t)

	_, err := Build(kvmFd, vcpuFd, mem, Config{
		Kernel: minimalELF(t),
		Initrd: []byte{}, // requested (non-nil) but empty
	})
	if err == nil {
		t.Fatal("want an error for a requested-but-empty initrd")
	}
}

func TestBuildSkipsInitrdWhenNotRequested(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, kvmFd, vcpuFd := newTestMemory(t)

	res, err := Build(kvmFd, vcpuFd, mem, Config{
		Kernel: minimalELF(t),
		Initrd: nil,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if res.InitrdAddr != 0 || res.InitrdSize != 0 {
		t.Fatalf("InitrdAddr/InitrdSize = %#x/%d, want 0/0 when no initrd requested", res.InitrdAddr, res.InitrdSize)
	}
}

// minimalBzImage builds a bzImage-shaped image: setup_sects sectors of
// real-mode filler carrying the boot signature and setup_sects field, and
// a one-byte hlt payload immediately after.
func minimalBzImage(t *testing.T, setupSects uint8) []byte {
	t.Helper()

	sects := int(setupSects)
	if sects == 0 {
		sects = 4
	}

	setupSize := (sects + 1) * 512
	image := make([]byte, setupSize+1)

	image[0x1F1] = setupSects
	image[0x1FE] = 0x55
	image[0x1FF] = 0xAA
	copy(image[0x202:], []byte{0x48, 0x64, 0x72, 0x53}) // "HdrS" magic, little-endian

	image[setupSize] = 0xF4 // hlt

	return image
}

func TestLoadKernelBzImagePayload(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, _, _ := newTestMemory(t)

	entry, err := LoadKernel(mem, minimalBzImage(t, 1))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if entry != KernelAddr {
		t.Fatalf("entry = %#x, want %#x", entry, KernelAddr)
	}

	got, err := mem.Slice(KernelAddr, 1)
	if err != nil {
		t.Fatal(err)
	}

	if got[0] != 0xF4 {
		t.Fatalf("payload byte = %#x, want 0xF4 (hlt)", got[0])
	}
}

func TestLoadKernelFallsBackToELF(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, _, _ := newTestMemory(t)

	entry, err := LoadKernel(mem, minimalELF(t))
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if entry != KernelAddr {
		t.Fatalf("entry = %#x, want %#x", entry, KernelAddr)
	}
}

func skipUnlessRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("Skipping test since we are not root")
	}
}

func newTestMemory(t *testing.T) (*memory.Memory, uintptr, uintptr) {
	t.Helper()

	f, err := kvm.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	vmFd, err := kvm.CreateVM(f.Fd())
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

	return mem, f.Fd(), vcpuFd
}

func TestBuildGDTAndPageTables(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, _, _ := newTestMemory(t)

	if err := BuildGDT(mem); err != nil {
		t.Fatalf("BuildGDT: %v", err)
	}

	if err := BuildPageTables(mem); err != nil {
		t.Fatalf("BuildPageTables: %v", err)
	}

	pml4, err := mem.Slice(PML4Addr, 8)
	if err != nil {
		t.Fatal(err)
	}

	if pml4[0]&0x03 != 0x03 {
		t.Fatalf("PML4[0] low bits = %#x, want 0x03", pml4[0]&0x0F)
	}

	pdpte, err := mem.Slice(PDPTEAddr, 8)
	if err != nil {
		t.Fatal(err)
	}

	if pdpte[0]&0x03 != 0x03 {
		t.Fatalf("PDPTE[0] low bits = %#x, want 0x03", pdpte[0]&0x0F)
	}

	pde, err := mem.Slice(PDEAddr, 512*8)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 512; i++ {
		var entry uint64
		for b := 0; b < 8; b++ {
			entry |= uint64(pde[i*8+b]) << (8 * b)
		}

		want := uint64(i)<<21 | 0x83
		if entry != want {
			t.Fatalf("PDE[%d] = %#x, want %#x", i, entry, want)
		}
	}
}

func TestLoadCmdlineRoundTrip(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, _, _ := newTestMemory(t)

	n, err := LoadCmdline(mem, "console=ttyS0")
	if err != nil {
		t.Fatalf("LoadCmdline: %v", err)
	}

	if n != len("console=ttyS0")+1 {
		t.Fatalf("n = %d, want %d", n, len("console=ttyS0")+1)
	}

	got, err := mem.Slice(CmdlineAddr, n)
	if err != nil {
		t.Fatal(err)
	}

	if string(got[:n-1]) != "console=ttyS0" || got[n-1] != 0 {
		t.Fatalf("cmdline bytes = %q, want NUL-terminated console=ttyS0", got)
	}
}

func TestLoadCmdlineRejectsOverlong(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	mem, _, _ := newTestMemory(t)

	huge := make([]byte, CmdlineMaxSize)
	for i := range huge {
		huge[i] = 'x'
	}

	if _, err := LoadCmdline(mem, string(huge)); err == nil {
		t.Fatal("want error for an oversized command line")
	}
}

func TestInitSregsProducesLongModeState(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	_, _, vcpuFd := newTestMemory(t)

	if err := InitSregs(vcpuFd); err != nil {
		t.Fatalf("InitSregs: %v", err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if sregs.CR0&cr0PG == 0 || sregs.CR4&cr4PAE == 0 || sregs.EFER&eferLMA == 0 {
		t.Fatalf("CR0/CR4/EFER = %#x/%#x/%#x, want paging+PAE+LMA set", sregs.CR0, sregs.CR4, sregs.EFER)
	}

	if sregs.CS.Selector != selCode {
		t.Fatalf("CS.Selector = %#x, want %#x", sregs.CS.Selector, selCode)
	}
}

func TestMaskCPUIDAppliesToVCPU(t *testing.T) {
	skipUnlessRoot(t)
	t.Parallel()

	_, kvmFd, vcpuFd := newTestMemory(t)

	if err := MaskCPUID(kvmFd, vcpuFd); err != nil {
		t.Fatalf("MaskCPUID: %v", err)
	}

	cpuid := kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		t.Fatal(err)
	}
}
