package syscall

import (
	"nucleos/kernel/exec"
	"nucleos/kernel/gate"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/task"
	"nucleos/kernel/vfs"
	"unsafe"
)

// readUserBytes copies n bytes starting at addr into a fresh []byte. Every
// process's image is identity-mapped into its own page table at the
// virtual addresses handed to it (kernel/exec's loadFex/loadELF), the same
// convention this dispatcher relies on to dereference a user pointer
// directly rather than walking a separate copy-in/copy-out path.
func readUserBytes(addr uintptr, n uint64) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}

func readUserString(addr uintptr, n uint64) string {
	return string(readUserBytes(addr, n))
}

// sysExit implements Exit: any trust level may terminate its own thread.
func sysExit(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	d.Manager.Exit(caller, int(int32(frame.RDI)))
	return int64(ReturnOK)
}

// sysRequestPages maps frame.RDI pages of fresh, zero-filled RW|US memory
// into the caller's own process starting at its next free RequestPages
// slot, and returns that address.
func sysRequestPages(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	pcb := caller.Parent
	n := uint32(frame.RDI)
	if n == 0 {
		return int64(ReturnInvalidArgument)
	}

	base, err := pcb.MemoryTracker.RequestFrames(n)
	if err != nil {
		return int64(ReturnInternalError)
	}

	d.mu.Lock()
	addr, ok := d.pageBases[pcb.ID]
	if !ok {
		addr = requestPagesRegionBase
	}
	d.pageBases[pcb.ID] = addr + uintptr(n)*uintptr(mem.PageSize)
	d.mu.Unlock()

	page, frm := vmm.PageFromAddress(addr), base
	for i := uint32(0); i < n; i, page, frm = i+1, page+1, frm+1 {
		if err := mapUserPageFn(pcb.PageTable, page, frm, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return int64(ReturnInternalError)
		}
	}

	return int64(addr)
}

// sysFreePages unmaps frame.RSI pages starting at frame.RDI from the
// caller's own process and returns their frames to its memory tracker.
func sysFreePages(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	pcb := caller.Parent
	addr := uintptr(frame.RDI)
	n := uint32(frame.RSI)
	if addr == 0 || n == 0 {
		return int64(ReturnInvalidArgument)
	}

	page := vmm.PageFromAddress(addr)
	for i := uint32(0); i < n; i, page = i+1, page+1 {
		if err := unmapUserPageFn(pcb.PageTable, page); err != nil {
			return int64(ReturnInternalError)
		}
	}

	return int64(ReturnOK)
}

// sysDetachAddress unmaps a single page without freeing its backing frame
// (the caller retains ownership through its memory tracker, which is
// reclaimed in bulk when the process is destroyed).
func sysDetachAddress(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	page := vmm.PageFromAddress(uintptr(frame.RDI))
	if err := unmapUserPageFn(caller.Parent.PageTable, page); err != nil {
		return int64(ReturnInternalError)
	}
	return int64(ReturnOK)
}

// sysPrint writes the buffer at (rdi, rsi) to the kernel's log sink.
func sysPrint(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	msg := readUserString(uintptr(frame.RDI), frame.RSI)
	kfmt.Printf("%s", msg)
	return int64(ReturnOK)
}

// sysKernelCTL dispatches KernelCTL's sub-command set; an unrecognized
// sub-command is SYSCALL_INVALID_ARGUMENT, not SYSCALL_NOT_IMPLEMENTED.
func sysKernelCTL(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	switch KCtlCommand(frame.RDI) {
	case KCtlGetPID:
		return int64(caller.Parent.ID)
	case KCtlGetTID:
		return int64(caller.ID)
	case KCtlGetPageSize:
		return int64(mem.PageSize)
	case KCtlIsCritical:
		if caller.IsCritical {
			return 1
		}
		return 0
	default:
		return int64(ReturnInvalidArgument)
	}
}

// sysIPCSend delivers the buffer at (rdx, r10) into the target process's
// (rdi) mailbox slot for the caller's process token, the key sysIPCReceive
// looks messages up by.
func sysIPCSend(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	target := d.findProcess(frame.RDI)
	if target == nil {
		return int64(ReturnInvalidArgument)
	}

	msg := readUserBytes(uintptr(frame.RDX), frame.R10)
	target.IPC.Send(caller.Parent.SecurityToken, append([]byte(nil), msg...))
	return int64(ReturnOK)
}

// sysIPCReceive pops the oldest message the process identified by rdi sent
// to the caller, if any. A positive return is the message length in bytes
// copied into the buffer at rsi (bounded by the capacity at rdx); no
// pending message is SYSCALL_NOT_IMPLEMENTED (nothing to deliver).
func sysIPCReceive(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	sender := d.findProcess(frame.RDI)
	if sender == nil {
		return int64(ReturnInvalidArgument)
	}

	msg, ok := caller.Parent.IPC.Receive(sender.SecurityToken)
	if !ok {
		return int64(ReturnNotImplemented)
	}

	n := frame.RDX
	if uint64(len(msg)) < n {
		n = uint64(len(msg))
	}
	dst := readUserBytes(uintptr(frame.RSI), n)
	copy(dst, msg[:n])
	return int64(n)
}

// sysFileOpen resolves the path at (rdi, rsi) through the filesystem and
// installs the resulting handle in the caller's process file table.
func sysFileOpen(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	path := readUserString(uintptr(frame.RDI), frame.RSI)
	handle := d.FS.Open(path, nil)
	if handle.Status != vfs.StatusOK {
		return int64(ReturnInvalidArgument)
	}

	fd := caller.Parent.Files.Open(handle)
	return int64(fd)
}

// sysFileClose closes the descriptor in rdi.
func sysFileClose(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	handle, ok := caller.Parent.Files.Close(int(frame.RDI))
	if !ok {
		return int64(ReturnInvalidArgument)
	}
	if st := d.FS.Close(handle); st != vfs.StatusOK {
		return int64(ReturnInternalError)
	}

	d.mu.Lock()
	delete(d.fdOffsets, fdKey{pid: caller.Parent.ID, fd: int(frame.RDI)})
	d.mu.Unlock()
	return int64(ReturnOK)
}

// sysFileRead reads up to rdx bytes from descriptor rdi into the user
// buffer at rsi, advancing that descriptor's cursor by the amount read.
func sysFileRead(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	handle, ok := caller.Parent.Files.Get(int(frame.RDI))
	if !ok {
		return int64(ReturnInvalidArgument)
	}

	key := fdKey{pid: caller.Parent.ID, fd: int(frame.RDI)}
	d.mu.Lock()
	offset := d.fdOffsets[key]
	d.mu.Unlock()

	buf := readUserBytes(uintptr(frame.RSI), frame.RDX)
	n, st := d.FS.Read(handle, offset, buf)
	if st != vfs.StatusOK {
		return int64(ReturnInternalError)
	}

	d.mu.Lock()
	d.fdOffsets[key] = offset + uint64(n)
	d.mu.Unlock()
	return int64(n)
}

// sysFileWrite is sysFileRead's mirror image for writes.
func sysFileWrite(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	handle, ok := caller.Parent.Files.Get(int(frame.RDI))
	if !ok {
		return int64(ReturnInvalidArgument)
	}

	key := fdKey{pid: caller.Parent.ID, fd: int(frame.RDI)}
	d.mu.Lock()
	offset := d.fdOffsets[key]
	d.mu.Unlock()

	buf := readUserBytes(uintptr(frame.RSI), frame.RDX)
	n, st := d.FS.Write(handle, offset, buf)
	if st != vfs.StatusOK {
		return int64(ReturnInternalError)
	}

	d.mu.Lock()
	d.fdOffsets[key] = offset + uint64(n)
	d.mu.Unlock()
	return int64(n)
}

// sysFileSeek repositions descriptor rdi's cursor: rsi is the offset, rdx
// is whence (0=set, 1=cur, 2=end — end requires the handle's node Length,
// the only size kernel/vfs's Node tracks).
func sysFileSeek(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	handle, ok := caller.Parent.Files.Get(int(frame.RDI))
	if !ok {
		return int64(ReturnInvalidArgument)
	}

	key := fdKey{pid: caller.Parent.ID, fd: int(frame.RDI)}
	d.mu.Lock()
	cur := d.fdOffsets[key]
	d.mu.Unlock()

	var next uint64
	switch frame.RDX {
	case 0:
		next = frame.RSI
	case 1:
		next = cur + frame.RSI
	case 2:
		next = handle.Node.Length + frame.RSI
	default:
		return int64(ReturnInvalidArgument)
	}

	d.mu.Lock()
	d.fdOffsets[key] = next
	d.mu.Unlock()
	return int64(next)
}

// sysFileStatus reports the handle's last FileStatus.
func sysFileStatus(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	handle, ok := caller.Parent.Files.Get(int(frame.RDI))
	if !ok {
		return int64(ReturnInvalidArgument)
	}
	return int64(handle.Status)
}

// sysWait blocks the caller on the thread identified by rdi.
func sysWait(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	target := d.findThread(frame.RDI)
	if target == nil {
		return int64(ReturnInvalidArgument)
	}
	if err := d.Manager.WaitForThread(caller, target); err != nil {
		return int64(ReturnInternalError)
	}
	return int64(ReturnOK)
}

// sysKill terminates the thread identified by rdi with exit code rsi; it
// is the generic form of KillThread, the target's own process is left
// running (KillProcess terminates every thread in a process at once).
func sysKill(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	return sysKillThread(d, caller, frame)
}

// sysSpawn loads and starts the executable at the path given by (rdi, rsi)
// as a new child of the caller's own process, inheriting its trust level.
func sysSpawn(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	path := readUserString(uintptr(frame.RDI), frame.RSI)

	res, err := exec.Spawn(d.Manager, d.FS, path, nil, nil, caller.Parent.ID, caller.Parent.Trust)
	if err != nil {
		return int64(ReturnInternalError)
	}
	return int64(res.Process.ID)
}

// sysSpawnThread creates a new thread in the caller's own process starting
// at entry (rdi) with arg0/arg1 (rsi, rdx).
func sysSpawnThread(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	t, err := d.Manager.CreateThread(caller.Parent, uintptr(frame.RDI), uintptr(frame.RSI), uintptr(frame.RDX), 0, caller.Arch, caller.Compat)
	if err != nil {
		return int64(ReturnInternalError)
	}
	return int64(t.ID)
}

func sysGetCurrentProcess(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	return int64(caller.Parent.ID)
}

func sysGetCurrentThread(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	return int64(caller.ID)
}

func sysGetProcessByPID(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	p := d.findProcess(frame.RDI)
	if p == nil {
		return int64(ReturnInvalidArgument)
	}
	return int64(p.ID)
}

func sysGetThreadByTID(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	t := d.findThread(frame.RDI)
	if t == nil {
		return int64(ReturnInvalidArgument)
	}
	return int64(t.ID)
}

// sysKillProcess terminates every thread belonging to the process
// identified by rdi with exit code rsi.
func sysKillProcess(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	p := d.findProcess(frame.RDI)
	if p == nil {
		return int64(ReturnInvalidArgument)
	}

	p.Status = task.StatusTerminated
	p.ExitCode = int(int32(frame.RSI))
	for _, t := range p.Threads {
		d.Manager.Exit(t, p.ExitCode)
	}
	return int64(ReturnOK)
}

// sysKillThread terminates a single thread identified by rdi.
func sysKillThread(d *Dispatcher, caller *task.TCB, frame *gate.Registers) int64 {
	t := d.findThread(frame.RDI)
	if t == nil {
		return int64(ReturnInvalidArgument)
	}
	d.Manager.Exit(t, int(int32(frame.RSI)))
	return int64(ReturnOK)
}

// findProcess and findThread scan the manager's process list: neither PID
// nor TID lookup is exposed directly by kernel/task.Manager, and adding
// two more bespoke maps duplicating m.processes there for a handful of
// syscalls did not seem worth the extra state to keep in sync.
func (d *Dispatcher) findProcess(pid uint64) *task.PCB {
	for _, p := range d.Manager.GetProcessList() {
		if p.ID == pid {
			return p
		}
	}
	return nil
}

func (d *Dispatcher) findThread(tid uint64) *task.TCB {
	for _, p := range d.Manager.GetProcessList() {
		for _, t := range p.Threads {
			if t.ID == tid {
				return t
			}
		}
	}
	return nil
}
