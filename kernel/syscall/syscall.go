// Package syscall implements the trap-frame demultiplexer that dispatches
// a thread's native syscall to its handler, gates every handler behind a
// trust check against the calling thread's security token, and writes the
// handler's result back into the trap frame's return register.
package syscall

import (
	"nucleos/kernel"
	"nucleos/kernel/gate"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/security"
	"nucleos/kernel/task"
	"nucleos/kernel/vfs"
	"sync"
)

// Number identifies a syscall by its rax convention.
type Number uint64

const (
	NumExit Number = iota
	NumRequestPages
	NumFreePages
	NumDetachAddress
	NumPrint
	NumKernelCTL
	NumIPCSend
	NumIPCReceive
	NumFileOpen
	NumFileClose
	NumFileRead
	NumFileWrite
	NumFileSeek
	NumFileStatus
	NumWait
	NumKill
	NumSpawn
	NumSpawnThread
	NumGetCurrentProcess
	NumGetCurrentThread
	NumGetProcessByPID
	NumGetThreadByTID
	NumKillProcess
	NumKillThread

	numSyscalls
)

// ReturnCode is the ABI's fixed set of negative status codes; positive
// return values are handler-specific.
type ReturnCode int64

const (
	ReturnOK              ReturnCode = 0
	ReturnAccessDenied    ReturnCode = -1
	ReturnInvalidArgument ReturnCode = -2
	ReturnNotImplemented  ReturnCode = -3
	ReturnInternalError   ReturnCode = -4
)

// KCtlCommand is a KernelCTL sub-command.
type KCtlCommand uint64

const (
	KCtlGetPID KCtlCommand = iota
	KCtlGetTID
	KCtlGetPageSize
	KCtlIsCritical
)

const (
	anyTrust        = security.TrustedByKernel | security.Trusted | security.Untrusted | security.UnknownTrustLevel
	kernelOrTrusted = security.TrustedByKernel | security.Trusted
)

// trustRequired is spec's "trust requirements by syscall family" table:
// Exit/RequestPages/FreePages/IPC accept any trust level, Print/
// DetachAddress/KernelCTL and every file/process/thread management call
// require TrustedByKernel or Trusted.
var trustRequired = map[Number]security.TrustLevel{
	NumExit:              anyTrust,
	NumRequestPages:      anyTrust,
	NumFreePages:         anyTrust,
	NumIPCSend:           anyTrust,
	NumIPCReceive:        anyTrust,
	NumPrint:             kernelOrTrusted,
	NumDetachAddress:     kernelOrTrusted,
	NumKernelCTL:         kernelOrTrusted,
	NumFileOpen:          kernelOrTrusted,
	NumFileClose:         kernelOrTrusted,
	NumFileRead:          kernelOrTrusted,
	NumFileWrite:         kernelOrTrusted,
	NumFileSeek:          kernelOrTrusted,
	NumFileStatus:        kernelOrTrusted,
	NumWait:              kernelOrTrusted,
	NumKill:              kernelOrTrusted,
	NumSpawn:             kernelOrTrusted,
	NumSpawnThread:       kernelOrTrusted,
	NumGetCurrentProcess: kernelOrTrusted,
	NumGetCurrentThread:  kernelOrTrusted,
	NumGetProcessByPID:   kernelOrTrusted,
	NumGetThreadByTID:    kernelOrTrusted,
	NumKillProcess:       kernelOrTrusted,
	NumKillThread:        kernelOrTrusted,
}

// handlerFunc is one syscall's implementation. caller is the thread that
// trapped in; frame is its saved register state (arguments in
// rdi/rsi/rdx/r10/r8/r9, return value written back into rax by the
// dispatcher, not the handler).
type handlerFunc func(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64

// Dispatcher owns everything a syscall handler needs to reach: the task
// manager, the trust registry, the filesystem, and the small bookkeeping
// RequestPages/file-seek need that has no natural home on PCB/TCB.
type Dispatcher struct {
	Manager  *task.Manager
	Security *security.Registry
	FS       *vfs.VFS

	mu        sync.Mutex
	pageBases map[uint64]uintptr // per-process next free RequestPages address
	fdOffsets map[fdKey]uint64   // per-(process,fd) file cursor
}

type fdKey struct {
	pid uint64
	fd  int
}

// requestPagesRegionBase is where a process's dynamically requested pages
// (via the RequestPages syscall, distinct from its program break and its
// threads' stacks) begin; each process gets the same starting address in
// its own address space, since address spaces are disjoint per process.
const requestPagesRegionBase = uintptr(0x0000030000000000)

// NewDispatcher creates a Dispatcher wired to the given task manager,
// trust registry and filesystem.
func NewDispatcher(manager *task.Manager, sec *security.Registry, fs *vfs.VFS) *Dispatcher {
	return &Dispatcher{
		Manager:   manager,
		Security:  sec,
		FS:        fs,
		pageBases: make(map[uint64]uintptr),
		fdOffsets: make(map[fdKey]uint64),
	}
}

var handlers = map[Number]handlerFunc{
	NumExit:              sysExit,
	NumRequestPages:      sysRequestPages,
	NumFreePages:         sysFreePages,
	NumDetachAddress:     sysDetachAddress,
	NumPrint:             sysPrint,
	NumKernelCTL:         sysKernelCTL,
	NumIPCSend:           sysIPCSend,
	NumIPCReceive:        sysIPCReceive,
	NumFileOpen:          sysFileOpen,
	NumFileClose:         sysFileClose,
	NumFileRead:          sysFileRead,
	NumFileWrite:         sysFileWrite,
	NumFileSeek:          sysFileSeek,
	NumFileStatus:        sysFileStatus,
	NumWait:              sysWait,
	NumKill:              sysKill,
	NumSpawn:             sysSpawn,
	NumSpawnThread:       sysSpawnThread,
	NumGetCurrentProcess: sysGetCurrentProcess,
	NumGetCurrentThread:  sysGetCurrentThread,
	NumGetProcessByPID:   sysGetProcessByPID,
	NumGetThreadByTID:    sysGetThreadByTID,
	NumKillProcess:       sysKillProcess,
	NumKillThread:        sysKillThread,
}

// HandleNativeSyscalls is the dispatcher entry point: the syscall number is
// read from frame.RAX per the x86-64 convention, bounds-checked against the
// handler table, and (if trusted) invoked with the trap frame; the result
// is written back into frame.RAX.
func (d *Dispatcher) HandleNativeSyscalls(caller *task.TCB, frame *gate.Registers) {
	num := Number(frame.RAX)

	handler, ok := handlers[num]
	if !ok || num >= numSyscalls {
		frame.RAX = uint64(ReturnNotImplemented)
		return
	}

	required, ok := trustRequired[num]
	if !ok {
		required = kernelOrTrusted
	}
	if !d.checkTrust(caller, required) {
		frame.RAX = uint64(ReturnAccessDenied)
		return
	}

	frame.RAX = uint64(handler(d, caller, frame))
}

// checkTrust reports whether caller's security token satisfies required.
func (d *Dispatcher) checkTrust(caller *task.TCB, required security.TrustLevel) bool {
	return d.Security.IsTokenTrusted(caller.SecurityToken, required)
}

// mapUserPageFn and unmapUserPageFn are the seams RequestPages/FreePages
// cross into vmm through, following the same package-level call-boundary
// pattern kernel/exec and kernel/driver already use for the primitives
// their own tests need to fake.
var (
	mapUserPageFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}
	unmapUserPageFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page) *kernel.Error {
		return pdt.Unmap(page)
	}
)
