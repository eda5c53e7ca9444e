package heap

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"unsafe"
)

// slabClassSizes are the fixed slot sizes carved out of page-sized slabs.
// Each size evenly divides mem.PageSize so a slab never wastes a partial
// slot.
var slabClassSizes = [...]mem.Size{16, 32, 64, 128, 256, 512, 1024, 2048}

const slabLargeClass = -1

// slabClass tracks the free slots of one fixed-size bucket. Free slots
// form a singly-linked list threaded through their own memory: the first
// word of a free slot holds the address of the next free slot, or 0.
type slabClass struct {
	size     mem.Size
	freeList uintptr
}

// slabAllocator buckets allocations at or below the largest slab class into
// fixed-size slots and delegates anything bigger to an embedded
// pagesAllocator, matching the original's fallback of oversized requests to
// whole pages.
type slabAllocator struct {
	classes  [len(slabClassSizes)]slabClass
	large    *pagesAllocator
	ptrClass map[uintptr]int
}

func newSlabAllocator() *slabAllocator {
	a := &slabAllocator{
		large:    newPagesAllocator(),
		ptrClass: make(map[uintptr]int),
	}
	for i, size := range slabClassSizes {
		a.classes[i].size = size
	}
	return a
}

// classFor returns the index of the smallest slab class that can hold
// size bytes, or slabLargeClass if size exceeds every class.
func classFor(size mem.Size) int {
	for i, s := range slabClassSizes {
		if size <= s {
			return i
		}
	}
	return slabLargeClass
}

func (a *slabAllocator) growClass(idx int) *kernel.Error {
	addr, err := growPagesFn(1)
	if err != nil {
		return err
	}

	class := &a.classes[idx]
	slotsPerPage := mem.PageSize / class.size
	for i := mem.Size(0); i < slotsPerPage; i++ {
		slot := addr + uintptr(i*class.size)
		*(*uintptr)(unsafe.Pointer(slot)) = class.freeList
		class.freeList = slot
	}

	return nil
}

func (a *slabAllocator) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	idx := classFor(size)
	if idx == slabLargeClass {
		addr, err := a.large.Alloc(size)
		if err != nil {
			return 0, err
		}
		a.ptrClass[addr] = slabLargeClass
		return addr, nil
	}

	class := &a.classes[idx]
	if class.freeList == 0 {
		if err := a.growClass(idx); err != nil {
			return 0, err
		}
	}

	addr := class.freeList
	class.freeList = *(*uintptr)(unsafe.Pointer(addr))

	memsetFn(addr, 0, class.size)
	a.ptrClass[addr] = idx
	return addr, nil
}

func (a *slabAllocator) Calloc(n, size mem.Size) (uintptr, *kernel.Error) {
	return a.Alloc(n * size)
}

func (a *slabAllocator) Realloc(ptr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return a.Alloc(size)
	}
	if size == 0 {
		return 0, a.Free(ptr)
	}

	idx, ok := a.ptrClass[ptr]
	if !ok {
		return 0, errInvalidPointer
	}

	var oldSize mem.Size
	if idx == slabLargeClass {
		oldSize = a.large.sizes[ptr]
	} else {
		oldSize = a.classes[idx].size
	}

	newPtr, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}

	copyLen := oldSize
	if size < copyLen {
		copyLen = size
	}
	memcopyFn(ptr, newPtr, copyLen)

	if err := a.Free(ptr); err != nil {
		return 0, err
	}

	return newPtr, nil
}

func (a *slabAllocator) Free(ptr uintptr) *kernel.Error {
	idx, ok := a.ptrClass[ptr]
	if !ok {
		return errInvalidPointer
	}
	delete(a.ptrClass, ptr)

	if idx == slabLargeClass {
		return a.large.Free(ptr)
	}

	class := &a.classes[idx]
	*(*uintptr)(unsafe.Pointer(ptr)) = class.freeList
	class.freeList = ptr
	return nil
}
