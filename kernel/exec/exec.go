// Package exec implements Spawn: resolving a path through the VFS,
// classifying the file as a Fex or ELF image, and loading it into a freshly
// created process's own address space before handing off to the Task
// Manager to create its first thread.
package exec

import (
	"bytes"
	"debug/elf"
	"nucleos/kernel"
	"nucleos/kernel/driver"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/security"
	"nucleos/kernel/task"
	"nucleos/kernel/vfs"
	"unsafe"
)

var (
	errOpenFailed    = &kernel.Error{Module: "exec", Message: "failed to open executable"}
	errReadFailed    = &kernel.Error{Module: "exec", Message: "failed to read executable"}
	errUnsupportedET = &kernel.Error{Module: "exec", Message: "unsupported ELF object type"}
	errBadELF        = &kernel.Error{Module: "exec", Message: "malformed ELF file"}
	errNoLoadSegment = &kernel.Error{Module: "exec", Message: "ELF file has no PT_LOAD segments"}
)

// Result is what Spawn hands back on success.
type Result struct {
	Process *task.PCB
	Thread  *task.TCB
}

// mapProcessPageFn, memsetFn and memcopyFn mirror kernel/task/manager.go's
// own seam pattern: Spawn crosses into vmm.PageDirectoryTable's unexported
// call boundary (the same activePDTFn-backed Map method kernel/task wraps)
// to populate the new process's address space, and needs its own hooks
// since vmm exposes no test-time overrides of its own.
var (
	mapProcessPageFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}
	memsetFn  = mem.Memset
	memcopyFn = mem.Memcopy
)

// Spawn opens path through filesystem, classifies it as Fex or ELF, creates
// a new process owned by parentID at the given trust level, loads the image
// into that process's own address space, and creates its first thread.
//
// On any failure after the process is created, the half-constructed process
// is left Terminated rather than removed — CleanupProcessesThread reclaims
// it on its next pass, the same as any other exited process. The VFS handle
// is always closed, success or failure.
func Spawn(manager *task.Manager, filesystem *vfs.VFS, path string, argv, envp []string, parentID uint64, trust security.TrustLevel) (*Result, *kernel.Error) {
	handle := filesystem.Open(path, nil)
	if handle == nil || handle.Status != vfs.StatusOK {
		return nil, errOpenFailed
	}
	defer filesystem.Close(handle)

	image := make([]byte, handle.Node.Length)
	if len(image) > 0 {
		n, status := filesystem.Read(handle, 0, image)
		if status != vfs.StatusOK || uint64(n) != handle.Node.Length {
			return nil, errReadFailed
		}
	}

	format, err := driver.DetectFormat(image)
	if err != nil {
		return nil, err
	}

	pcb, err := manager.CreateProcess(parentID, path, trust)
	if err != nil {
		return nil, err
	}

	var (
		entry uintptr
		arch  = task.ArchX64
	)
	switch format {
	case driver.FormatFex:
		entry, err = loadFex(pcb, image)
	case driver.FormatELF:
		entry, arch, err = loadELF(pcb, image)
	}
	if err != nil {
		pcb.Status = task.StatusTerminated
		pcb.ExitCode = -1
		return nil, err
	}

	thread, err := manager.CreateThread(pcb, entry, 0, 0, 0, arch, false)
	if err != nil {
		pcb.Status = task.StatusTerminated
		pcb.ExitCode = -1
		return nil, err
	}

	return &Result{Process: pcb, Thread: thread}, nil
}

// loadFex maps image into pcb's own address space starting at virtual
// address 0, copies it in, and returns the entry point (the header's
// Pointer field, offset from the image's base).
func loadFex(pcb *task.PCB, image []byte) (uintptr, *kernel.Error) {
	hdr, err := driver.ParseHeader(image)
	if err != nil {
		return 0, err
	}

	if err := mapImageIdentity(pcb, mem.Size(len(image))); err != nil {
		return 0, err
	}
	if len(image) > 0 {
		memcopyFn(refAddr(image), 0, mem.Size(len(image)))
	}

	return uintptr(hdr.Pointer), nil
}

// loadELF parses an ELF object, identity-maps physical backing sized to
// the highest (p_vaddr + p_memsz) across its PT_LOAD segments into pcb's
// address space, zeroes each segment's destination range, copies in its
// file-backed bytes, and selects the thread architecture from e_machine.
func loadELF(pcb *task.PCB, image []byte) (uintptr, task.Arch, *kernel.Error) {
	f, ferr := elf.NewFile(bytes.NewReader(image))
	if ferr != nil {
		return 0, task.ArchX64, errBadELF
	}
	defer f.Close()

	arch, err := archFromMachine(f.Machine)
	if err != nil {
		return 0, task.ArchX64, err
	}

	switch f.Type {
	case elf.ET_EXEC:
	case elf.ET_REL:
		entry, err := loadRelocatable(f)
		return entry, arch, err
	case elf.ET_DYN, elf.ET_CORE:
		return 0, arch, errUnsupportedET
	default:
		return 0, arch, errUnsupportedET
	}

	var extent uint64
	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		loads = append(loads, p)
		if end := p.Vaddr + p.Memsz; end > extent {
			extent = end
		}
	}
	if len(loads) == 0 {
		return 0, arch, errNoLoadSegment
	}

	if err := mapImageIdentity(pcb, mem.Size(extent)); err != nil {
		return 0, arch, err
	}

	for _, p := range loads {
		memsetFn(uintptr(p.Vaddr), 0, mem.Size(p.Memsz))
		if p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, rerr := p.ReadAt(data, 0); rerr != nil {
			return 0, arch, errBadELF
		}
		memcopyFn(refAddr(data), uintptr(p.Vaddr), mem.Size(p.Filesz))
	}

	return uintptr(f.Entry), arch, nil
}

// archFromMachine selects the thread architecture CreateThread records
// from an ELF file's e_machine field, per spec.md §4.10's
// EM_386→x32/EM_AMD64→x64/EM_AARCH64→ARM64 mapping.
func archFromMachine(m elf.Machine) (task.Arch, *kernel.Error) {
	switch m {
	case elf.EM_X86_64:
		return task.ArchX64, nil
	case elf.EM_386:
		return task.ArchX86, nil
	case elf.EM_AARCH64:
		return task.ArchARM64, nil
	default:
		return task.ArchX64, errUnsupportedET
	}
}

// loadRelocatable is a stub for ET_REL objects: the dedicated relocation
// loader that would resolve symbols against already-loaded modules is not
// implemented, matching the original's own relocation loader being little
// more than a stub returning a sentinel bad pointer.
func loadRelocatable(_ *elf.File) (uintptr, *kernel.Error) {
	return 0, errUnsupportedET
}

// mapImageIdentity requests size bytes' worth of frames from pcb's own
// memory tracker and maps them starting at virtual address 0 in pcb's page
// table with RW|US, the "identity-map it into the process address space"
// step spec.md §4.10 describes for both Fex and ELF loading.
func mapImageIdentity(pcb *task.PCB, size mem.Size) *kernel.Error {
	if size == 0 {
		return nil
	}

	n := uint32((size + mem.PageSize - 1) >> mem.PageShift)
	base, err := pcb.MemoryTracker.RequestFrames(n)
	if err != nil {
		return err
	}

	page := vmm.PageFromAddress(0)
	for i, frame := uint32(0), base; i < n; i, page, frame = i+1, page+1, frame+1 {
		if err := mapProcessPageFn(pcb.PageTable, page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return err
		}
	}

	return nil
}

// refAddr returns the virtual address backing b's underlying array, for
// handing to memcopyFn as a source — the same pattern kernel/driver's
// loader.go uses to feed a []byte into mem.Memcopy.
func refAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
