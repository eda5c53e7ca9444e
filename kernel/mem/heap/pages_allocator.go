package heap

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
)

// pagesAllocator services every request with its own freshly grown run of
// pages, rounding size up to a page multiple. It is the simplest and least
// space-efficient of the three strategies, matching the original's default
// "Pages" allocator type.
type pagesAllocator struct {
	sizes map[uintptr]mem.Size
}

func newPagesAllocator() *pagesAllocator {
	return &pagesAllocator{sizes: make(map[uintptr]mem.Size)}
}

func (a *pagesAllocator) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	n := pageCount(size)

	addr, err := growPagesFn(n)
	if err != nil {
		return 0, err
	}

	memsetFn(addr, 0, n<<mem.PageShift)
	a.sizes[addr] = size
	return addr, nil
}

func (a *pagesAllocator) Calloc(n, size mem.Size) (uintptr, *kernel.Error) {
	return a.Alloc(n * size)
}

func (a *pagesAllocator) Realloc(ptr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return a.Alloc(size)
	}
	if size == 0 {
		return 0, a.Free(ptr)
	}

	oldSize, ok := a.sizes[ptr]
	if !ok {
		return 0, errInvalidPointer
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

func (a *pagesAllocator) Free(ptr uintptr) *kernel.Error {
	size, ok := a.sizes[ptr]
	if !ok {
		return errInvalidPointer
	}

	if err := freePages(ptr, pageCount(size)); err != nil {
		return err
	}

	delete(a.sizes, ptr)
	return nil
}
