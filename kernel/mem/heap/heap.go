// Package heap implements the kernel's explicit alloc/calloc/realloc/free
// contract, selectable at boot between a page-granular, a slab and a
// free-list strategy. It is distinct from the Go runtime heap that
// kernel/goruntime wires atop the same PFA/PTM layers: this package backs
// the kernel's own C-API-shaped allocation surface (driver records, VFS
// buffers and the like) with frames it requests and maps itself.
package heap

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

// Algorithm identifies one of the selectable heap implementations.
type Algorithm uint8

const (
	// AlgoPages services every request with its own run of freshly
	// mapped pages; the simplest and least space-efficient strategy.
	AlgoPages Algorithm = iota

	// AlgoSlab buckets small requests into fixed-size classes carved out
	// of page-sized slabs, falling back to AlgoPages behavior above the
	// largest class.
	AlgoSlab

	// AlgoFreeList maintains a single first-fit free list over a
	// contiguously growing arena, coalescing adjacent free blocks.
	AlgoFreeList
)

// Allocator is the contract every heap strategy implements. All methods
// zero the memory they hand back to the caller.
type Allocator interface {
	Alloc(size mem.Size) (uintptr, *kernel.Error)
	Calloc(n, size mem.Size) (uintptr, *kernel.Error)
	Realloc(ptr uintptr, size mem.Size) (uintptr, *kernel.Error)
	Free(ptr uintptr) *kernel.Error
}

var (
	mapFn          = vmm.Map
	unmapFn        = vmm.Unmap
	requestFrameFn = pmm.RequestFrame
	freeFrameFn    = pmm.FreeFrame
	memsetFn       = mem.Memset
	memcopyFn      = mem.Memcopy

	// top is the next unused virtual address the heap will grow into.
	top = heapBase

	active Allocator

	getFn = vmm.Get

	errUnknownAlgorithm = &kernel.Error{Module: "heap", Message: "unknown heap algorithm"}
	errNotInitialized   = &kernel.Error{Module: "heap", Message: "heap not initialized"}
	errInvalidPointer   = &kernel.Error{Module: "heap", Message: "pointer was not allocated by this heap"}
)

// Init selects the active heap algorithm. It must be called exactly once,
// after the PFA and PTM are up and before any call to Alloc/Calloc/Realloc/
// Free.
func Init(algo Algorithm) *kernel.Error {
	switch algo {
	case AlgoPages:
		active = newPagesAllocator()
	case AlgoSlab:
		active = newSlabAllocator()
	case AlgoFreeList:
		active = newFreelistAllocator()
	default:
		return errUnknownAlgorithm
	}

	return nil
}

// Alloc requests a zeroed region of at least size bytes from the active
// heap algorithm.
func Alloc(size mem.Size) (uintptr, *kernel.Error) {
	if active == nil {
		return 0, errNotInitialized
	}
	return active.Alloc(size)
}

// Calloc requests a zeroed region sized for n elements of size bytes each.
func Calloc(n, size mem.Size) (uintptr, *kernel.Error) {
	if active == nil {
		return 0, errNotInitialized
	}
	return active.Calloc(n, size)
}

// Realloc resizes a previous allocation, preserving min(old, new) bytes of
// its contents. Realloc(0, n) behaves like Alloc(n); Realloc(ptr, 0)
// behaves like Free(ptr) and returns 0.
func Realloc(ptr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	if active == nil {
		return 0, errNotInitialized
	}
	return active.Realloc(ptr, size)
}

// Free releases a previous allocation. Free(0) is a no-op.
func Free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return nil
	}
	if active == nil {
		return errNotInitialized
	}
	return active.Free(ptr)
}

// growPagesFn is used by tests to substitute a real backing buffer for the
// virtual memory growPages would otherwise request and map; the allocators
// built on top of it dereference the returned address directly (slab free
// lists, free-list block headers), so it must point at real memory.
var growPagesFn = growPages

// growPages extends the heap by n pages, mapping freshly requested frames
// at the current top of the heap, and returns the virtual address of the
// first page in the new run.
func growPages(n mem.Size) (uintptr, *kernel.Error) {
	start := top

	page := vmm.PageFromAddress(start)
	for i := mem.Size(0); i < n; i, page = i+1, page+1 {
		frame, err := requestFrameFn()
		if err != nil {
			return 0, err
		}

		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagGlobal); err != nil {
			freeFrameFn(frame)
			return 0, err
		}
	}

	top += uintptr(n) << mem.PageShift
	return start, nil
}

// pageCount returns the number of pages needed to hold size bytes.
func pageCount(size mem.Size) mem.Size {
	return (size + mem.PageSize - 1) >> mem.PageShift
}

// freePages unmaps and releases the n pages starting at addr back to the PFA.
func freePages(addr uintptr, n mem.Size) *kernel.Error {
	page := vmm.PageFromAddress(addr)
	for i := mem.Size(0); i < n; i, page = i+1, page+1 {
		physAddr, err := getFn(page.Address())
		if err != nil {
			return err
		}

		if err := unmapFn(page); err != nil {
			return err
		}

		if err := freeFrameFn(pmm.Frame(physAddr >> mem.PageShift)); err != nil {
			return err
		}
	}

	return nil
}
