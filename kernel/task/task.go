// Package task implements process and thread lifecycle management and the
// per-CPU priority round-robin scheduler: PCB/TCB tables, Sleep/WaitForThread
// suspension, CPU-time accounting, and the cleanup thread that reclaims a
// terminated task's resources.
package task

import (
	"nucleos/kernel/gate"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/brk"
	"nucleos/kernel/mem/mtrack"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/security"
	"nucleos/kernel/vfs"
)

// Priority determines a thread's position in its CPU's ready queue.
type Priority uint8

const (
	// PriorityIdle threads only run when nothing else is ready.
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	// PriorityCritical threads are never selected for termination by
	// out-of-memory policy; that policy panics instead.
	PriorityCritical
)

const priorityLevels = int(PriorityCritical) + 1

// Status is the lifecycle state shared by both PCB and TCB, per spec.md's
// "ProcessStatus uses the same set [as ThreadStatus]".
type Status uint8

const (
	StatusUnknown Status = iota
	StatusReady
	StatusRunning
	StatusSleeping
	StatusWaiting
	StatusStopped
	StatusTerminated
)

// TaskInfo tracks wall-time-in-kernel/wall-time-in-user accounting for a
// PCB or TCB, sampled by Usage.
type TaskInfo struct {
	KernelTime    uint64
	UserTime      uint64
	OldKernelTime uint64
	OldUserTime   uint64
}

// Usage returns the percentage of systemDelta spent in this task since the
// last call to Usage, clamped to [0,100]. The first call on a fresh
// TaskInfo always returns 0, matching the original's "no prior sample"
// behavior.
func (i *TaskInfo) Usage(systemDelta uint64) uint64 {
	if i.OldKernelTime == 0 && i.OldUserTime == 0 {
		i.OldKernelTime, i.OldUserTime = i.KernelTime, i.UserTime
		return 0
	}

	current := i.KernelTime + i.UserTime
	old := i.OldKernelTime + i.OldUserTime
	i.OldKernelTime, i.OldUserTime = i.KernelTime, i.UserTime

	if systemDelta == 0 || current < old {
		return 0
	}

	pct := (current - old) * 100 / systemDelta
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Arch identifies the instruction set a thread's entry point was compiled
// for, as selected by the executable loader from ELF e_machine.
type Arch uint8

const (
	ArchX64 Arch = iota
	ArchX86
	ArchARM64
)

// TCB is a kernel or user thread.
type TCB struct {
	ID       uint64
	Parent   *PCB
	Name     string
	Priority Priority
	Status   Status

	Registers gate.Registers

	KernelStackBase uintptr
	KernelStackSize mem.Size
	UserStackBase   uintptr
	UserStackSize   mem.Size
	FSBase          uint64
	GSBase          uint64
	Arch            Arch
	Compat          bool

	ExitCode      int
	SecurityToken security.Token
	IsCritical    bool
	Info          TaskInfo

	waitingOn      *TCB
	waiters        []*TCB
	wakeAt         uint64
	readyEnteredAt uint64
	runningSince   uint64
	inUserMode     bool
}

// KernelStackTop returns the address the stack pointer should be
// initialized to (stacks grow down on x86-64).
func (t *TCB) KernelStackTop() uintptr {
	return t.KernelStackBase + uintptr(t.KernelStackSize)
}

// UserStackTop is the user-mode analogue of KernelStackTop.
func (t *TCB) UserStackTop() uintptr {
	return t.UserStackBase + uintptr(t.UserStackSize)
}

// IPCTable is a per-process mailbox keyed by sender token. It is
// deliberately minimal: the spec treats IPC as a light external collaborator,
// not a core module.
type IPCTable struct {
	inbox map[security.Token][][]byte
}

// Send appends msg to the mailbox slot for sender.
func (t *IPCTable) Send(sender security.Token, msg []byte) {
	if t.inbox == nil {
		t.inbox = make(map[security.Token][][]byte)
	}
	t.inbox[sender] = append(t.inbox[sender], msg)
}

// Receive pops the oldest pending message from sender, if any.
func (t *IPCTable) Receive(sender security.Token) ([]byte, bool) {
	queue := t.inbox[sender]
	if len(queue) == 0 {
		return nil, false
	}
	msg := queue[0]
	t.inbox[sender] = queue[1:]
	return msg, true
}

// FileTable is a process's file-descriptor table: small integers mapping
// to open VFS handles.
type FileTable struct {
	next    int
	entries map[int]*vfs.Handle
}

// Open installs handle under a fresh descriptor and returns it.
func (f *FileTable) Open(handle *vfs.Handle) int {
	if f.entries == nil {
		f.entries = make(map[int]*vfs.Handle)
	}
	fd := f.next
	f.next++
	f.entries[fd] = handle
	return fd
}

// Get returns the handle installed at fd, if any.
func (f *FileTable) Get(fd int) (*vfs.Handle, bool) {
	h, ok := f.entries[fd]
	return h, ok
}

// Close removes fd from the table, returning the handle it held.
func (f *FileTable) Close(fd int) (*vfs.Handle, bool) {
	h, ok := f.entries[fd]
	if ok {
		delete(f.entries, fd)
	}
	return h, ok
}

// PCB is a process.
type PCB struct {
	ID       uint64
	ParentID uint64
	Name     string
	Trust    security.TrustLevel

	PageTable     *vmm.PageDirectoryTable
	MemoryTracker *mtrack.Tracker
	Break         *brk.ProgramBreak

	Threads []*TCB
	Status  Status

	ExitCode      int
	SecurityToken security.Token

	IPC   IPCTable
	Files FileTable
	Info  TaskInfo
}
