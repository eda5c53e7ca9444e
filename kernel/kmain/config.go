package kmain

import (
	"nucleos/kernel/mem/heap"
	"strings"
)

// KernelConfig carries every option the kernel command line can set,
// decoded from bootinfo.Kernel.CommandLine.
type KernelConfig struct {
	HeapAlgorithm heap.Algorithm
	BootAnimation bool
	InitPath      string
}

// defaultInitPath is used when the command line carries no init= option.
const defaultInitPath = "/bin/init"

// ParseKernelConfig tokenizes cmdline and fills in a KernelConfig. The
// grammar is deliberately tiny: whitespace-separated tokens, each either a
// bare flag or a key=value pair, so there is no case for a general-purpose
// flag package to earn its keep this early in boot.
func ParseKernelConfig(cmdline string) KernelConfig {
	cfg := KernelConfig{
		HeapAlgorithm: heap.AlgoPages,
		BootAnimation: true,
		InitPath:      defaultInitPath,
	}

	for _, tok := range strings.Fields(cmdline) {
		key, value, hasValue := tok, "", false
		if idx := strings.IndexByte(tok, '='); idx >= 0 {
			key, value, hasValue = tok[:idx], tok[idx+1:], true
		}

		switch key {
		case "xallocv1":
			cfg.HeapAlgorithm = heap.AlgoSlab
		case "liballoc11":
			cfg.HeapAlgorithm = heap.AlgoFreeList
		case "bootanim":
			if hasValue {
				cfg.BootAnimation = value != "0"
			}
		case "init":
			if hasValue && value != "" {
				cfg.InitPath = value
			}
		}
	}

	return cfg
}
