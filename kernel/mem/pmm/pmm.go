// Package pmm implements the kernel's physical frame allocator (PFA): the
// lowest layer of the memory subsystem, responsible for tracking which
// physical page frames are free, allocated or reserved.
package pmm

import (
	"nucleos/kernel"
	"nucleos/kernel/sync"
)

var allocLock sync.Spinlock

// frameAllocator and frameAllocatorN are registered by Init once the real
// allocator has taken over from the early bootstrap allocator.
var (
	frameAllocator  func() (Frame, *kernel.Error)
	frameAllocatorN func(uint32) (Frame, *kernel.Error)
	freeFrameFn     func(Frame) *kernel.Error
	freeFramesFn    func(Frame, uint32) *kernel.Error
	reserveFrameFn  func(Frame) *kernel.Error
	reserveFramesFn func(Frame, uint32) *kernel.Error
	getUsedFn       func() uint64
	getTotalFn      func() uint64
	getReservedFn   func() uint64
)

// SetAllocatorHooks wires the package-level PFA operations to the supplied
// allocator implementation. It exists so that the allocator package (which
// depends on pmm.Frame) is not itself imported by pmm, avoiding an import
// cycle while still letting package-level callers use a single PFA API.
func SetAllocatorHooks(
	alloc func() (Frame, *kernel.Error),
	allocN func(uint32) (Frame, *kernel.Error),
	free func(Frame) *kernel.Error,
	freeN func(Frame, uint32) *kernel.Error,
	reserve func(Frame) *kernel.Error,
	reserveN func(Frame, uint32) *kernel.Error,
	used func() uint64,
	total func() uint64,
	reserved func() uint64,
) {
	frameAllocator = alloc
	frameAllocatorN = allocN
	freeFrameFn = free
	freeFramesFn = freeN
	reserveFrameFn = reserve
	reserveFramesFn = reserveN
	getUsedFn = used
	getTotalFn = total
	getReservedFn = reserved
}

// RequestFrame returns the lowest-index free frame.
func RequestFrame() (Frame, *kernel.Error) {
	allocLock.Acquire()
	defer allocLock.Release()
	return frameAllocator()
}

// RequestFrames returns the base of n contiguous free frames.
func RequestFrames(n uint32) (Frame, *kernel.Error) {
	allocLock.Acquire()
	defer allocLock.Release()
	return frameAllocatorN(n)
}

// FreeFrame clears the usage bit for f.
func FreeFrame(f Frame) *kernel.Error {
	allocLock.Acquire()
	defer allocLock.Release()
	return freeFrameFn(f)
}

// FreeFrames clears the usage bits for the n frames starting at f.
func FreeFrames(f Frame, n uint32) *kernel.Error {
	allocLock.Acquire()
	defer allocLock.Release()
	return freeFramesFn(f, n)
}

// ReserveFrame marks f as reserved, even if it is currently free.
func ReserveFrame(f Frame) *kernel.Error {
	allocLock.Acquire()
	defer allocLock.Release()
	return reserveFrameFn(f)
}

// ReserveFrames marks the n frames starting at f as reserved.
func ReserveFrames(f Frame, n uint32) *kernel.Error {
	allocLock.Acquire()
	defer allocLock.Release()
	return reserveFramesFn(f, n)
}

// GetUsed returns the number of bytes currently allocated or reserved.
// Reads are lock-free and therefore approximate under concurrent use.
func GetUsed() uint64 { return getUsedFn() }

// GetTotal returns the total number of addressable bytes tracked by the
// PFA.
func GetTotal() uint64 { return getTotalFn() }

// GetReserved returns the number of bytes explicitly reserved.
func GetReserved() uint64 { return getReservedFn() }

// GetFreeMemory returns the number of bytes that are neither allocated nor
// reserved.
func GetFreeMemory() uint64 {
	total, used := GetTotal(), GetUsed()
	if used >= total {
		return 0
	}
	return total - used
}
