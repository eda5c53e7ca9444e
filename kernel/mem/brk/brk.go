// Package brk implements the per-process program break: the boundary of a
// process's heap region, grown and shrunk a page at a time by requesting
// and releasing frames through a mtrack.Tracker and mapping/unmapping them
// into the process's address space.
package brk

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/mtrack"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

var (
	mapFn   = vmm.Map
	unmapFn = vmm.Unmap
	getFn   = vmm.Get

	// ErrNoMemory is returned when the requested break would retreat
	// before the start of the heap region.
	ErrNoMemory = &kernel.Error{Module: "brk", Message: "requested break is before the start of the heap"}
)

// ProgramBreak tracks one process's heap boundary. The frames backing the
// region between heapStart and brk are owned by mm, so destroying mm (via
// mtrack.Tracker.Destroy) reclaims them all if the process never shrinks
// its own break back to heapStart.
type ProgramBreak struct {
	mm        *mtrack.Tracker
	heapStart uintptr
	brk       uintptr
}

// New creates a ProgramBreak whose heap starts, and is initially broken,
// at heapStart.
func New(mm *mtrack.Tracker, heapStart uintptr) *ProgramBreak {
	return &ProgramBreak{mm: mm, heapStart: heapStart, brk: heapStart}
}

// Brk implements the classic brk(2) contract: addr == 0 returns the
// current break unchanged; addr below the heap start fails with
// ErrNoMemory; addr above the current break grows the heap by mapping
// freshly requested frames; addr below the current break unmaps and frees
// the pages being given back; addr equal to the current break is a no-op.
func (p *ProgramBreak) Brk(addr uintptr) (uintptr, *kernel.Error) {
	switch {
	case addr == 0:
		return p.brk, nil
	case addr < p.heapStart:
		return 0, ErrNoMemory
	case addr > p.brk:
		return p.grow(addr)
	case addr < p.brk:
		return p.shrink(addr)
	default:
		return p.brk, nil
	}
}

func pageCount(size uintptr) uintptr {
	return (size + uintptr(mem.PageSize) - 1) >> mem.PageShift
}

func (p *ProgramBreak) grow(addr uintptr) (uintptr, *kernel.Error) {
	n := pageCount(addr - p.brk)

	base, err := p.mm.RequestFrames(uint32(n))
	if err != nil {
		return 0, err
	}

	page := vmm.PageFromAddress(p.brk)
	for i, frame := uintptr(0), base; i < n; i, page, frame = i+1, page+1, frame+1 {
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return 0, err
		}
	}

	p.brk = addr
	return p.brk, nil
}

func (p *ProgramBreak) shrink(addr uintptr) (uintptr, *kernel.Error) {
	n := pageCount(p.brk - addr)

	page := vmm.PageFromAddress(addr)
	for i := uintptr(0); i < n; i, page = i+1, page+1 {
		physAddr, err := getFn(page.Address())
		if err != nil {
			return 0, err
		}

		if err := unmapFn(page); err != nil {
			return 0, err
		}

		if err := p.mm.FreeFrames(pmm.Frame(physAddr>>mem.PageShift), 1); err != nil {
			return 0, err
		}
	}

	p.brk = addr
	return p.brk, nil
}
