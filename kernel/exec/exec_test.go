package exec

import (
	"debug/elf"
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/security"
	"nucleos/kernel/task"
	"nucleos/kernel/vfs"
	"testing"
)

// memOperator is the same fixed-content-map test fixture kernel/vfs's own
// tests use (vfs_test.go's memOperator), reimplemented here since that type
// is package-private to vfs.
type memOperator struct {
	data map[string][]byte
}

func (m *memOperator) Read(node *vfs.Node, offset uint64, buf []byte) (int, *kernel.Error) {
	content := m.data[node.Name]
	if offset >= uint64(len(content)) {
		return 0, nil
	}
	return copy(buf, content[offset:]), nil
}

func (m *memOperator) Write(node *vfs.Node, offset uint64, buf []byte) (int, *kernel.Error) {
	return 0, nil
}

func newFilesystemWithFile(t *testing.T, name string, content []byte) *vfs.VFS {
	t.Helper()

	op := &memOperator{data: map[string][]byte{name: content}}
	v := vfs.New()
	if _, err := v.MountRoot(op); err != nil {
		t.Fatal(err)
	}
	node, err := v.Create("/"+name, vfs.FlagFile, nil)
	if err != nil {
		t.Fatal(err)
	}
	node.Length = uint64(len(content))

	return v
}

func withFakeExecHardware(t *testing.T) func() {
	t.Helper()

	origMapProcess, origMemset, origMemcopy := mapProcessPageFn, memsetFn, memcopyFn

	var nextFrame pmm.Frame
	pmm.SetAllocatorHooks(
		func() (pmm.Frame, *kernel.Error) { f := nextFrame; nextFrame++; return f, nil },
		func(n uint32) (pmm.Frame, *kernel.Error) { f := nextFrame; nextFrame += pmm.Frame(n); return f, nil },
		func(pmm.Frame) *kernel.Error { return nil },
		func(pmm.Frame, uint32) *kernel.Error { return nil },
		func(pmm.Frame) *kernel.Error { return nil },
		func(pmm.Frame, uint32) *kernel.Error { return nil },
		func() uint64 { return 0 },
		func() uint64 { return 0 },
		func() uint64 { return 0 },
	)

	mapProcessPageFn = func(_ *vmm.PageDirectoryTable, _ vmm.Page, _ pmm.Frame, _ vmm.PageTableEntryFlag) *kernel.Error {
		return nil
	}
	memsetFn = func(uintptr, byte, mem.Size) {}
	memcopyFn = func(uintptr, uintptr, mem.Size) {}

	return func() {
		mapProcessPageFn, memsetFn, memcopyFn = origMapProcess, origMemset, origMemcopy
	}
}

func newTestManager(t *testing.T) *task.Manager {
	t.Helper()

	var nextStack uintptr = 0x8000
	prev := task.SetHardwareHooks(task.HardwareHooks{
		AllocKernelStack: func(mem.Size) (uintptr, *kernel.Error) {
			base := nextStack
			nextStack += 0x10000
			return base, nil
		},
		InitPageTable: func(pmm.Frame) (*vmm.PageDirectoryTable, *kernel.Error) {
			return &vmm.PageDirectoryTable{}, nil
		},
		MapUserPage: func(*vmm.PageDirectoryTable, vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			return nil
		},
		DestroyPageTable: func(*vmm.PageDirectoryTable) *kernel.Error {
			return nil
		},
	})
	t.Cleanup(func() { task.SetHardwareHooks(prev) })

	m := task.NewManager(&security.Registry{})
	m.RegisterCPU()
	return m
}

func buildELFImage(t *testing.T, class elf.Class, machine elf.Machine, typ elf.Type, entry uint64) []byte {
	t.Helper()
	// Minimal ELF64 header + one PT_LOAD program header + a few bytes of
	// "code" to exercise loadELF's segment-copy path without a full
	// dependency on a real linker-produced binary.
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	image := make([]byte, ehdrSize+phdrSize+16)

	copy(image[0:4], []byte{0x7f, 'E', 'L', 'F'})
	image[4] = 2 // ELFCLASS64
	image[5] = 1 // little-endian
	image[6] = 1 // EV_CURRENT
	putU16 := func(off int, v uint16) { image[off], image[off+1] = byte(v), byte(v>>8) }
	putU32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			image[off+i] = byte(v >> (8 * i))
		}
	}
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			image[off+i] = byte(v >> (8 * i))
		}
	}

	putU16(16, uint16(typ))
	putU16(18, uint16(machine))
	putU32(20, 1) // e_version
	putU64(24, entry)
	putU64(32, 0) // e_phoff placeholder, set below
	putU64(32, ehdrSize)
	putU16(52, ehdrSize) // e_ehsize
	putU16(54, phdrSize) // e_phentsize
	putU16(56, 1)        // e_phnum

	phOff := ehdrSize
	putU32(phOff+0, 1) // PT_LOAD
	putU32(phOff+4, 5) // p_flags R+X
	putU64(phOff+8, 0) // p_offset
	putU64(phOff+16, uint64(entry))
	putU64(phOff+24, uint64(entry)) // p_paddr
	putU64(phOff+32, 16)            // p_filesz
	putU64(phOff+40, 16)            // p_memsz
	putU64(phOff+48, 0x1000)        // p_align

	return image
}

func TestLoadELFRejectsUnsupportedType(t *testing.T) {
	defer withFakeExecHardware(t)()

	pcb := &task.PCB{PageTable: &vmm.PageDirectoryTable{}, MemoryTracker: nil}
	_ = pcb

	image := buildELFImage(t, elf.ELFCLASS64, elf.EM_X86_64, elf.ET_DYN, 0)
	m := task.NewManager(&security.Registry{})
	m.RegisterCPU()
	p, err := m.CreateProcess(0, "test", security.Untrusted)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := loadELF(p, image); err != errUnsupportedET {
		t.Fatalf("got error %v, want %v", err, errUnsupportedET)
	}
}

func TestLoadELFSelectsArch(t *testing.T) {
	defer withFakeExecHardware(t)()

	m := task.NewManager(&security.Registry{})
	m.RegisterCPU()
	p, err := m.CreateProcess(0, "test", security.Untrusted)
	if err != nil {
		t.Fatal(err)
	}

	image := buildELFImage(t, elf.ELFCLASS64, elf.EM_AARCH64, elf.ET_EXEC, 0x2000)
	entry, arch, err := loadELF(p, image)
	if err != nil {
		t.Fatal(err)
	}
	if arch != task.ArchARM64 {
		t.Fatalf("got arch %v, want ArchARM64", arch)
	}
	if entry != 0x2000 {
		t.Fatalf("got entry %#x, want 0x2000", entry)
	}
}

func TestLoadELFRelocatableReturnsUnsupported(t *testing.T) {
	defer withFakeExecHardware(t)()

	m := task.NewManager(&security.Registry{})
	m.RegisterCPU()
	p, err := m.CreateProcess(0, "test", security.Untrusted)
	if err != nil {
		t.Fatal(err)
	}

	image := buildELFImage(t, elf.ELFCLASS64, elf.EM_X86_64, elf.ET_REL, 0)
	if _, _, err := loadELF(p, image); err != errUnsupportedET {
		t.Fatalf("got error %v, want %v", err, errUnsupportedET)
	}
}

func TestLoadFexReturnsPointerAsEntry(t *testing.T) {
	defer withFakeExecHardware(t)()

	m := task.NewManager(&security.Registry{})
	m.RegisterCPU()
	p, err := m.CreateProcess(0, "test", security.Untrusted)
	if err != nil {
		t.Fatal(err)
	}

	image := make([]byte, 256)
	copy(image[:4], []byte{'F', 'E', 'X', 0})
	image[4], image[5] = 1, 1
	putFexPointer := func(v uint64) {
		for i := 0; i < 8; i++ {
			image[6+i] = byte(v >> (8 * i))
		}
	}
	putFexPointer(0x400)

	entry, err := loadFex(p, image)
	if err != nil {
		t.Fatal(err)
	}
	if entry != 0x400 {
		t.Fatalf("got entry %#x, want 0x400", entry)
	}
}

func TestSpawnRejectsMissingFile(t *testing.T) {
	defer withFakeExecHardware(t)()

	m := newTestManager(t)
	v := vfs.New()
	if _, err := v.MountRoot(&memOperator{data: map[string][]byte{}}); err != nil {
		t.Fatal(err)
	}

	if _, err := Spawn(m, v, "/does/not/exist", nil, nil, 0, security.Untrusted); err == nil {
		t.Fatal("expected an error spawning a missing file")
	}
}

func TestSpawnLoadsFexAndCreatesThread(t *testing.T) {
	defer withFakeExecHardware(t)()

	image := make([]byte, 256)
	copy(image[:4], []byte{'F', 'E', 'X', 0})
	image[4], image[5] = 1, 1

	m := newTestManager(t)
	v := newFilesystemWithFile(t, "init", image)

	res, err := Spawn(m, v, "/init", nil, nil, 0, security.Untrusted)
	if err != nil {
		t.Fatal(err)
	}
	if res.Process == nil || res.Thread == nil {
		t.Fatal("expected a non-nil process and thread")
	}
	if res.Process.Status == task.StatusTerminated {
		t.Fatal("successful spawn should not leave the process Terminated")
	}
}
