package heap

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"unsafe"
)

// blockHeader precedes every block (free or allocated) in a freelistAllocator
// arena. size is the usable capacity that follows the header, not counting
// the header itself.
type blockHeader struct {
	size mem.Size
	free bool
	prev uintptr
	next uintptr
}

var headerSize = mem.Size(unsafe.Sizeof(blockHeader{}))

// minSplitSize is the smallest remainder worth carving off into its own
// free block when satisfying an allocation from an oversized block;
// smaller remainders are left attached to the allocated block instead.
const minSplitSize = mem.Size(32)

// freelistAllocator maintains a single first-fit free list threaded through
// a contiguously growing arena, coalescing adjacent free blocks on Free.
type freelistAllocator struct {
	head uintptr
	tail uintptr
}

func newFreelistAllocator() *freelistAllocator {
	return &freelistAllocator{}
}

func headerAt(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func dataOf(headerAddr uintptr) uintptr {
	return headerAddr + uintptr(headerSize)
}

func headerOf(dataAddr uintptr) uintptr {
	return dataAddr - uintptr(headerSize)
}

// grow appends a fresh block, large enough to hold size bytes of usable
// space, to the end of the arena and returns its header address.
func (a *freelistAllocator) grow(size mem.Size) (uintptr, *kernel.Error) {
	n := pageCount(size + headerSize)
	addr, err := growPagesFn(n)
	if err != nil {
		return 0, err
	}

	h := headerAt(addr)
	h.size = (n << mem.PageShift) - headerSize
	h.free = true
	h.prev = a.tail
	h.next = 0

	if a.tail != 0 {
		headerAt(a.tail).next = addr
	} else {
		a.head = addr
	}
	a.tail = addr

	return addr, nil
}

// split carves a size-byte block out of the front of the free block at
// headerAddr, leaving the remainder (if big enough) as a new free block
// immediately after it.
func (a *freelistAllocator) split(headerAddr uintptr, size mem.Size) {
	h := headerAt(headerAddr)
	remainder := h.size - size
	if remainder < headerSize+minSplitSize {
		return
	}

	newAddr := dataOf(headerAddr) + uintptr(size)
	newH := headerAt(newAddr)
	newH.size = remainder - headerSize
	newH.free = true
	newH.prev = headerAddr
	newH.next = h.next

	if h.next != 0 {
		headerAt(h.next).prev = newAddr
	} else {
		a.tail = newAddr
	}

	h.size = size
	h.next = newAddr
}

func (a *freelistAllocator) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	for addr := a.head; addr != 0; addr = headerAt(addr).next {
		h := headerAt(addr)
		if h.free && h.size >= size {
			a.split(addr, size)
			h.free = false
			memsetFn(dataOf(addr), 0, h.size)
			return dataOf(addr), nil
		}
	}

	addr, err := a.grow(size)
	if err != nil {
		return 0, err
	}

	a.split(addr, size)
	h := headerAt(addr)
	h.free = false
	memsetFn(dataOf(addr), 0, h.size)
	return dataOf(addr), nil
}

func (a *freelistAllocator) Calloc(n, size mem.Size) (uintptr, *kernel.Error) {
	return a.Alloc(n * size)
}

func (a *freelistAllocator) Realloc(ptr uintptr, size mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return a.Alloc(size)
	}
	if size == 0 {
		return 0, a.Free(ptr)
	}

	oldSize := headerAt(headerOf(ptr)).size

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

func (a *freelistAllocator) Free(ptr uintptr) *kernel.Error {
	addr := headerOf(ptr)
	h := headerAt(addr)
	if h.free {
		return errInvalidPointer
	}
	h.free = true

	if h.next != 0 && headerAt(h.next).free {
		next := headerAt(h.next)
		h.size += headerSize + next.size
		h.next = next.next
		if h.next != 0 {
			headerAt(h.next).prev = addr
		} else {
			a.tail = addr
		}
	}

	if h.prev != 0 && headerAt(h.prev).free {
		prev := headerAt(h.prev)
		prev.size += headerSize + h.size
		prev.next = h.next
		if prev.next != 0 {
			headerAt(prev.next).prev = h.prev
		} else {
			a.tail = h.prev
		}
	}

	return nil
}
