// Command nucleos is the kernel's entry point. It has no conventional
// main: there is no OS underneath it to call main, and the boot-glue
// assembly living outside this module invokes Entry directly once it has
// set up the GDT and a minimal g0 so Go code can run on the 4K bootstrap
// stack. main is kept only so this remains a buildable package main.
package main

import (
	"nucleos/boot"
	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/goruntime"
	"nucleos/kernel/hal"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/kmain"
	"nucleos/kernel/mem/heap"
	"nucleos/kernel/mem/pmm/allocator"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/security"
	"nucleos/kernel/vfs"
	"unsafe"
)

var errEntryReturned = &kernel.Error{Module: "nucleos", Message: "Entry returned"}

func main() {}

// Entry is the only Go symbol the rt0 assembly calls. It is handed the
// multiboot2 info pointer and the kernel's physical/virtual load addresses
// as left by the bootloader and boot-glue assembly, brings up every L0/L1
// subsystem, then hands off to the kernel main thread. Entry is not
// expected to return; if it does, the caller halts the CPU.
//
//go:noinline
func Entry(multibootInfoPtr, kernelPhysicalBase, kernelVirtualBase, kernelFileBase, kernelEnd uintptr) {
	info := boot.BuildBootInfo(multibootInfoPtr, kernelPhysicalBase, kernelVirtualBase, kernelFileBase)
	info.Kernel.Size = kernelEnd - kernelPhysicalBase

	cfg := kmain.ParseKernelConfig(info.Kernel.CommandLine)

	var err *kernel.Error
	if err = allocator.Init(info.Memory.Entries, kernelPhysicalBase, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err = vmm.Init(kernelVirtualBase); err != nil {
		kfmt.Panic(err)
	}
	if err = heap.Init(cfg.HeapAlgorithm); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	hal.DetectHardware()

	fs := vfs.New()
	initrdImage := loadInitrdImage(info)
	if _, err := kmain.MountInitrd(fs, initrdImage); err != nil {
		kfmt.Panic(err)
	}

	sec := &security.Registry{}
	k := kmain.New(cfg, fs, sec)
	if err := k.Run(initrdImage); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Panic(errEntryReturned)
}

// loadInitrdImage reads the bytes of the first boot module, which by
// convention is the USTAR initrd archive. An empty slice is returned if the
// bootloader handed off no modules at all.
func loadInitrdImage(info *bootinfo.BootInfo) []byte {
	if len(info.Modules) == 0 {
		return nil
	}
	mod := info.Modules[0]
	length := mod.End - mod.Start
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(mod.Start)), int(length))
}
