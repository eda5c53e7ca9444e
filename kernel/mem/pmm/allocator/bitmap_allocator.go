package allocator

import (
	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
	"reflect"
	"unsafe"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages once the kernel has finished
	// bootstrapping.
	FrameAllocator BitmapAllocator

	// The following functions are used by tests to mock calls to the vmm
	// package and are automatically inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errDoubleFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame already free"}
	errOutOfRange = &kernel.Error{Module: "bitmap_alloc", Message: "frame out of range"}
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// usedBitmap tracks used/reserved pages in the pool; a set bit means
	// the corresponding frame is unavailable for allocation.
	usedBitmap    []uint64
	usedBitmapHdr reflect.SliceHeader

	// reservedBitmap tracks frames that were explicitly reserved (as
	// opposed to merely allocated). It is used to keep GetReserved()
	// accurate independently of GetUsed().
	reservedBitmap    []uint64
	reservedBitmapHdr reflect.SliceHeader
}

func (p *framePool) contains(f pmm.Frame) bool {
	return f >= p.startFrame && f <= p.endFrame
}

func (p *framePool) index(f pmm.Frame) uint32 {
	return uint32(f - p.startFrame)
}

func (p *framePool) testBit(bitmap []uint64, index uint32) bool {
	return bitmap[index/64]&(1<<(index%64)) != 0
}

func (p *framePool) setBit(bitmap []uint64, index uint32) {
	bitmap[index/64] |= 1 << (index % 64)
}

func (p *framePool) clearBit(bitmap []uint64, index uint32) {
	bitmap[index/64] &^= 1 << (index % 64)
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// usedPages tracks the number of allocated-or-reserved pages across
	// all pools.
	usedPages uint32

	// reservedPages tracks the number of explicitly reserved pages
	// across all pools (a subset of usedPages).
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the early bootmem
// allocator and flags any allocated pages as reserved.
func (alloc *BitmapAllocator) init(entries []bootinfo.MemoryMapEntry) *kernel.Error {
	return alloc.setupPoolBitmaps(entries)
}

// setupPoolBitmaps uses the early allocator and vmm region reservation helper
// to initialize the list of available pools and their free bitmap slices.
func (alloc *BitmapAllocator) setupPoolBitmaps(entries []bootinfo.MemoryMapEntry) *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mem.PageSize - 1)
		requiredBitmapBytes mem.Size
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	visitUsableRegions(entries, func(region *bootinfo.MemoryMapEntry) bool {
		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// Each pool needs two bitmaps (used, reserved); each needs
		// pageCount bits, rounded up to a multiple of 64 bits.
		requiredBitmapBytes += 2 * mem.Size(((pageCount+63)&^63)>>3)
		return true
	})

	// Reserve enough pages to hold the allocator state
	requiredBytes := mem.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1) & ^pageSizeMinus1)
	requiredPages := requiredBytes >> mem.PageShift
	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := vmm.PageFromAddress(alloc.poolsHdr.Data), mem.Size(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}

		mem.Memset(page.Address(), 0, mem.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Run a second pass to initialize the bitmap slices for all pools
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	visitUsableRegions(entries, func(region *bootinfo.MemoryMapEntry) bool {
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame + 1) + 63) &^ 63) >> 3)

		pool := &alloc.pools[poolIndex]
		pool.startFrame = regionStartFrame
		pool.endFrame = regionEndFrame
		pool.freeCount = uint32(regionEndFrame - regionStartFrame + 1)

		pool.usedBitmapHdr.Len = int(bitmapBytes >> 3)
		pool.usedBitmapHdr.Cap = pool.usedBitmapHdr.Len
		pool.usedBitmapHdr.Data = bitmapStartAddr
		pool.usedBitmap = *(*[]uint64)(unsafe.Pointer(&pool.usedBitmapHdr))
		bitmapStartAddr += bitmapBytes

		pool.reservedBitmapHdr.Len = int(bitmapBytes >> 3)
		pool.reservedBitmapHdr.Cap = pool.reservedBitmapHdr.Len
		pool.reservedBitmapHdr.Data = bitmapStartAddr
		pool.reservedBitmap = *(*[]uint64)(unsafe.Pointer(&pool.reservedBitmapHdr))
		bitmapStartAddr += bitmapBytes

		poolIndex++
		return true
	})

	// The frames used to bootstrap the allocator (and any frames
	// allocated via the early allocator before it) are already
	// consumed; mark everything below the bootmem allocator's watermark
	// as used so later allocations cannot reclaim them.
	visitUsableRegions(entries, func(region *bootinfo.MemoryMapEntry) bool {
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		if earlyAllocator.kernelStartFrame >= regionStartFrame && earlyAllocator.kernelStartFrame <= earlyAllocator.kernelEndFrame {
			for f := earlyAllocator.kernelStartFrame; f <= earlyAllocator.kernelEndFrame; f++ {
				alloc.markUsed(f)
			}
		}
		if earlyAllocator.lastAllocFrame >= regionStartFrame {
			for f := regionStartFrame; f <= earlyAllocator.lastAllocFrame; f++ {
				alloc.markUsed(f)
			}
		}
		return true
	})

	return nil
}

func (alloc *BitmapAllocator) poolFor(f pmm.Frame) *framePool {
	for i := range alloc.pools {
		if alloc.pools[i].contains(f) {
			return &alloc.pools[i]
		}
	}
	return nil
}

func (alloc *BitmapAllocator) markUsed(f pmm.Frame) {
	pool := alloc.poolFor(f)
	if pool == nil {
		return
	}
	index := pool.index(f)
	if pool.testBit(pool.usedBitmap, index) {
		return
	}
	pool.setBit(pool.usedBitmap, index)
	pool.freeCount--
	alloc.usedPages++
}

// AllocFrame returns the lowest-index free frame across all pools.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	for i := range alloc.pools {
		pool := &alloc.pools[i]
		if pool.freeCount == 0 {
			continue
		}

		count := uint32(pool.endFrame - pool.startFrame + 1)
		for index := uint32(0); index < count; index++ {
			if !pool.testBit(pool.usedBitmap, index) {
				pool.setBit(pool.usedBitmap, index)
				pool.freeCount--
				alloc.usedPages++
				return pool.startFrame + pmm.Frame(index), nil
			}
		}
	}

	return pmm.InvalidFrame, errBootAllocOutOfMemory
}

// AllocFrames returns the base of n contiguous free frames, scanning pools
// in first-fit order.
func (alloc *BitmapAllocator) AllocFrames(n uint32) (pmm.Frame, *kernel.Error) {
	if n == 0 {
		return pmm.InvalidFrame, errOutOfRange
	}

	for i := range alloc.pools {
		pool := &alloc.pools[i]
		if pool.freeCount < n {
			continue
		}

		count := uint32(pool.endFrame - pool.startFrame + 1)
		run := uint32(0)
		for index := uint32(0); index < count; index++ {
			if pool.testBit(pool.usedBitmap, index) {
				run = 0
				continue
			}

			run++
			if run == n {
				start := index - n + 1
				for j := start; j <= index; j++ {
					pool.setBit(pool.usedBitmap, j)
				}
				pool.freeCount -= n
				alloc.usedPages += n
				return pool.startFrame + pmm.Frame(start), nil
			}
		}
	}

	return pmm.InvalidFrame, errBootAllocOutOfMemory
}

// FreeFrame clears the used bit for f. Freeing an already-free frame is a
// no-op that returns errDoubleFree so callers can log a warning.
func (alloc *BitmapAllocator) FreeFrame(f pmm.Frame) *kernel.Error {
	pool := alloc.poolFor(f)
	if pool == nil {
		return errOutOfRange
	}

	index := pool.index(f)
	if !pool.testBit(pool.usedBitmap, index) {
		return errDoubleFree
	}

	pool.clearBit(pool.usedBitmap, index)
	if pool.testBit(pool.reservedBitmap, index) {
		pool.clearBit(pool.reservedBitmap, index)
		alloc.reservedPages--
	}
	pool.freeCount++
	alloc.usedPages--
	return nil
}

// FreeFrames clears the used bit for the n frames starting at f.
func (alloc *BitmapAllocator) FreeFrames(f pmm.Frame, n uint32) *kernel.Error {
	var lastErr *kernel.Error
	for i := uint32(0); i < n; i++ {
		if err := alloc.FreeFrame(f + pmm.Frame(i)); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ReserveFrame marks f as used, regardless of whether it was previously
// free, and flags it as reserved so GetReserved() accounts for it.
func (alloc *BitmapAllocator) ReserveFrame(f pmm.Frame) *kernel.Error {
	pool := alloc.poolFor(f)
	if pool == nil {
		return errOutOfRange
	}

	index := pool.index(f)
	if !pool.testBit(pool.usedBitmap, index) {
		pool.setBit(pool.usedBitmap, index)
		pool.freeCount--
		alloc.usedPages++
	}
	if !pool.testBit(pool.reservedBitmap, index) {
		pool.setBit(pool.reservedBitmap, index)
		alloc.reservedPages++
	}
	return nil
}

// ReserveFrames marks the n frames starting at f as reserved.
func (alloc *BitmapAllocator) ReserveFrames(f pmm.Frame, n uint32) *kernel.Error {
	var lastErr *kernel.Error
	for i := uint32(0); i < n; i++ {
		if err := alloc.ReserveFrame(f + pmm.Frame(i)); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// GetUsed returns the number of bytes currently allocated or reserved.
func (alloc *BitmapAllocator) GetUsed() uint64 {
	return uint64(alloc.usedPages) * uint64(mem.PageSize)
}

// GetTotal returns the total number of addressable bytes tracked by the
// allocator.
func (alloc *BitmapAllocator) GetTotal() uint64 {
	return uint64(alloc.totalPages) * uint64(mem.PageSize)
}

// GetReserved returns the number of bytes explicitly reserved via
// ReserveFrame/ReserveFrames.
func (alloc *BitmapAllocator) GetReserved() uint64 {
	return uint64(alloc.reservedPages) * uint64(mem.PageSize)
}

// earlyAllocFrame is a helper that delegates a frame allocation request to
// the early allocator instance. This function is passed as an argument to
// vmm.SetFrameAllocator instead of earlyAllocator.AllocFrame. The latter
// confuses the compiler's escape analysis into thinking that
// earlyAllocator.Frame escapes to heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}
