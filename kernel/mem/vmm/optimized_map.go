package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/pmm"
)

const (
	// hugePageSize is the size of a 1 GiB super-page, the largest page
	// size OptimizedMap uses when the CPU advertises PAGE1GB. The PSE
	// feature bit is not probed.
	hugePageSize = mem.Size(1) << 30
)

var (
	// isIntelFn is used by tests to override the CPU vendor check.
	isIntelFn = cpu.IsIntel

	// cpuidFn is used by tests to override raw CPUID queries.
	cpuidFn = cpu.ID

	// ErrUnsupported is returned by OptimizedMap when the active CPU is an
	// Intel CPU. gopher-os's original AMD64 port only implements the AMD
	// CPUID 0x80000001 PAGE1GB probe and leaves the Intel path as a
	// documented stub; this keeps that limitation explicit. On a non-Intel
	// CPU without PAGE1GB, OptimizedMap falls back to 4 KiB pages instead.
	ErrUnsupported = &kernel.Error{Module: "vmm", Message: "operation not supported by the active CPU"}
)

// Check returns true if virtAddr is backed by a present leaf page table entry.
func Check(virtAddr uintptr) bool {
	_, err := translateFn(virtAddr)
	return err == nil
}

// Get returns the physical address that virtAddr is currently mapped to.
func Get(virtAddr uintptr) (uintptr, *kernel.Error) {
	return translateFn(virtAddr)
}

// supportsHugePages reports whether the currently running CPU can use
// 1 GiB super-pages. AMD exposes the PAGE1GB feature bit (bit 26) of
// CPUID leaf 0x80000001's EDX register; Intel has no equivalent probe in
// this port, so huge pages are never used in that case.
func supportsHugePages() bool {
	if isIntelFn() {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	const page1GB = uint32(1) << 26
	return edx&page1GB != 0
}

// OptimizedMap maps the byte-length region starting at virt/phys using the
// largest page size the CPU supports, splitting the region into a 4 KiB
// prefix, a middle run of 1 GiB pages and a 4 KiB suffix whenever virt/phys
// do not start on a 1 GiB boundary or size is not a multiple of it.
//
// Intel CPUs have no PAGE1GB/PSE probe in this port, so OptimizedMap refuses
// to run on Intel rather than silently falling back to plain Map calls;
// callers that can tolerate 4 KiB-only mappings should call Map directly.
func OptimizedMap(virt uintptr, phys pmm.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	if isIntelFn() {
		return ErrUnsupported
	}

	if !supportsHugePages() {
		return mapRun(virt, phys, size, flags)
	}

	hugeMask := uintptr(hugePageSize - 1)
	regionEnd := virt + uintptr(size)

	prefixEnd := (virt + hugeMask) &^ hugeMask
	if prefixEnd > regionEnd {
		prefixEnd = regionEnd
	}

	if prefixEnd > virt {
		prefixSize := mem.Size(prefixEnd - virt)
		if err := mapRun(virt, phys, prefixSize, flags); err != nil {
			return err
		}
		phys += pmm.Frame(prefixSize >> mem.PageShift)
		virt = prefixEnd
	}

	suffixStart := regionEnd &^ hugeMask
	if suffixStart < virt {
		suffixStart = virt
	}

	if suffixStart > virt {
		middleFlags := flags | FlagHugePage
		for ; virt < suffixStart; virt, phys = virt+uintptr(hugePageSize), phys+pmm.Frame(hugePageSize>>mem.PageShift) {
			if err := mapFn(PageFromAddress(virt), phys, middleFlags); err != nil {
				return err
			}
		}
	}

	if suffixStart < regionEnd {
		return mapRun(suffixStart, phys, mem.Size(regionEnd-suffixStart), flags)
	}
	return nil
}

// mapRun maps size bytes worth of 4 KiB pages starting at virt/phys.
func mapRun(virt uintptr, phys pmm.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	pageCount := (size + mem.PageSize - 1) >> mem.PageShift
	for page := PageFromAddress(virt); pageCount > 0; pageCount, page, phys = pageCount-1, page+1, phys+1 {
		if err := mapFn(page, phys, flags); err != nil {
			return err
		}
	}
	return nil
}
