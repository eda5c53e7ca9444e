// Package boot adapts a multiboot2 info blob, as handed off by the
// bootloader, into the kernel's bootinfo.BootInfo record. Everything in
// this package is bootloader glue: GDT/IDT setup, APIC/timer programming
// and the rest of the boot sequence live outside this module entirely;
// this package's only job is translating tags into the shape the kernel
// core expects.
package boot

import (
	"nucleos/kernel/bootinfo"
	"nucleos/multiboot"
)

// BuildBootInfo decodes the multiboot2 info blob at infoPtr (as left in a
// bootloader-defined register by the entry stub) into a bootinfo.BootInfo.
func BuildBootInfo(infoPtr uintptr, kernelPhysicalBase, kernelVirtualBase, kernelFileBase uintptr) *bootinfo.BootInfo {
	multiboot.SetInfoPtr(infoPtr)

	info := &bootinfo.BootInfo{
		Kernel: bootinfo.Kernel{
			FileBase:     kernelFileBase,
			PhysicalBase: kernelPhysicalBase,
			VirtualBase:  kernelVirtualBase,
		},
	}

	cmdLine := multiboot.GetBootCmdLine()
	info.Kernel.CommandLine = flattenCmdLine(cmdLine)

	var maxAddr uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		entry := bootinfo.MemoryMapEntry{
			PhysAddress: region.PhysAddress,
			Length:      region.Length,
			Type:        translateEntryType(region.Type),
		}
		info.Memory.Entries = append(info.Memory.Entries, entry)

		if end := region.PhysAddress + region.Length; end > maxAddr {
			maxAddr = end
		}
		return true
	})
	info.Memory.Size = maxAddr

	multiboot.VisitModules(func(mod *multiboot.ModuleInfo) bool {
		info.Modules = append(info.Modules, bootinfo.Module{
			Name:  mod.Name,
			Start: mod.Start,
			End:   mod.End,
		})
		return true
	})

	if fb := multiboot.GetFramebufferInfo(); fb != nil {
		info.Framebuffers = append(info.Framebuffers, bootinfo.FramebufferInfo{
			PhysAddr: fb.PhysAddr,
			Pitch:    fb.Pitch,
			Width:    fb.Width,
			Height:   fb.Height,
			Bpp:      fb.Bpp,
		})
	}

	return info
}

// translateEntryType maps a multiboot2 memory region type onto the richer
// bootinfo taxonomy. multiboot2 itself has no concept of BadMemory,
// BootloaderReclaimable, KernelAndModules or Framebuffer regions; those
// values are populated by other boot-glue steps (firmware-specific probes)
// that are out of scope for this module.
func translateEntryType(t multiboot.MemoryEntryType) bootinfo.MemoryEntryType {
	switch t {
	case multiboot.MemAvailable:
		return bootinfo.Usable
	case multiboot.MemAcpiReclaimable:
		return bootinfo.ACPIReclaimable
	case multiboot.MemNvs:
		return bootinfo.ACPINVS
	default:
		return bootinfo.Reserved
	}
}

// flattenCmdLine reconstitutes a key=value command line from the parsed
// map so that downstream consumers that want the raw string (e.g. for
// re-parsing with their own tokenizer) can still get at it.
func flattenCmdLine(kv map[string]string) string {
	var out string
	for k, v := range kv {
		if out != "" {
			out += " "
		}
		if k == v {
			out += k
		} else {
			out += k + "=" + v
		}
	}
	return out
}
