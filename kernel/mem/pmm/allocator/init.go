package allocator

import (
	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
)

// Init sets up the kernel physical memory allocation sub-system: it brings
// up the early bootmem allocator first (needed to bootstrap the vmm so the
// bitmap allocator's own bookkeeping pages can be mapped), then switches
// over to the bitmap allocator and registers it as the package-level PFA
// used via pmm.RequestFrame and friends.
func Init(entries []bootinfo.MemoryMapEntry, kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(entries, kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)

	if err := FrameAllocator.init(entries); err != nil {
		return err
	}

	vmm.SetFrameAllocator(FrameAllocator.AllocFrame)

	pmm.SetAllocatorHooks(
		FrameAllocator.AllocFrame,
		FrameAllocator.AllocFrames,
		FrameAllocator.FreeFrame,
		FrameAllocator.FreeFrames,
		FrameAllocator.ReserveFrame,
		FrameAllocator.ReserveFrames,
		FrameAllocator.GetUsed,
		FrameAllocator.GetTotal,
		FrameAllocator.GetReserved,
	)

	// The first 1MiB and anything marked non-Usable by the bootloader
	// must never be handed out, even if it falls inside a pool's frame
	// range (BIOS data area, VGA memory, MMIO holes reported as part of
	// a larger usable-looking span).
	reserveLowMemory(entries)

	return nil
}

// reserveLowMemory reserves the first 1MiB of physical memory and every
// non-Usable region, per the PFA's Init contract.
func reserveLowMemory(entries []bootinfo.MemoryMapEntry) {
	const oneMiB = 1 << 20

	for i := range entries {
		e := &entries[i]
		if e.Type == bootinfo.Usable && e.PhysAddress >= oneMiB {
			continue
		}

		startFrame := pmm.Frame(e.PhysAddress >> mem.PageShift)
		frameCount := uint32((e.Length + uint64(mem.PageSize) - 1) >> mem.PageShift)
		if frameCount == 0 {
			continue
		}
		_ = pmm.ReserveFrames(startFrame, frameCount)
	}
}
