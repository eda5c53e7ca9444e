package driver

import (
	"nucleos/kernel/gate"
)

// callEntryPoint invokes a driver's entry point at addr with the supplied
// KernelAPI table and returns its status code. Like the hardware-touching
// primitives in kernel/cpu, it has no Go body: the calling convention
// (System V AMD64, one pointer argument, an int32 return in EAX) is
// generated by the assembler, not expressed in Go.
func callEntryPoint(addr uintptr, api *kernelAPI) DriverReturnCode

// callDriverCallback invokes a driver's callback entry point at addr with
// the supplied KernelCallback and returns its status code.
func callDriverCallback(addr uintptr, cb *KernelCallback) DriverReturnCode

// installInterruptHook wires h.Vector to a trampoline that invokes h's
// driver callback with h.Scratch on every occurrence of that interrupt.
func installInterruptHook(h *InterruptHook) {
	gate.HandleInterrupt(gate.InterruptNumber(h.Vector), 0, func(*gate.Registers) {
		callDriverCallbackFn(h.Callback, h.Scratch)
	})
}

// removeInterruptHook is the inverse of installInterruptHook. The gate
// package exposes no way to un-arm a vector once it is wired (every IDT
// slot is either a generated trampoline or non-present, per
// kernel/gate/gate_amd64.go's installIDT comment), so unloading a driver
// currently leaves its vector routed to a callback for an image whose
// frames have already been freed. This is recorded as an open item rather
// than worked around with an unsafe no-op handler swap.
func removeInterruptHook(h *InterruptHook) {}
