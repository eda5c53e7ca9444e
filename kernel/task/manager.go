package task

import (
	"nucleos/kernel"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/brk"
	"nucleos/kernel/mem/heap"
	"nucleos/kernel/mem/mtrack"
	"nucleos/kernel/mem/pmm"
	"nucleos/kernel/mem/vmm"
	"nucleos/kernel/security"
	"sync"
)

const (
	defaultKernelStackSize = mem.Size(16 * 1024)
	defaultUserStackSize   = mem.Size(64 * 1024)
	maxWaitChainDepth      = 64
)

var (
	errUnknownProcess   = &kernel.Error{Module: "task", Message: "unknown process"}
	errUnknownCPU       = &kernel.Error{Module: "task", Message: "unknown CPU"}
	errWouldCycle       = &kernel.Error{Module: "task", Message: "wait would create a cycle in the wait-on relation"}
	errStackAllocFailed = &kernel.Error{Module: "task", Message: "failed to allocate a stack"}
)

// These package-level seams isolate Manager from the hardware-touching
// primitives it builds on (raw page-table initialization, mapping and
// teardown, kernel-heap allocation), the same pattern kernel/mem/brk uses
// for vmm.Map et al. and kernel/mem/heap uses for its own growPagesFn.
var (
	allocKernelStackFn = heap.Alloc

	initPageTableFn = func(pdtFrame pmm.Frame) (*vmm.PageDirectoryTable, *kernel.Error) {
		var pdt vmm.PageDirectoryTable
		if err := pdt.Init(pdtFrame); err != nil {
			return nil, err
		}
		return &pdt, nil
	}

	mapUserPageFn = func(pdt *vmm.PageDirectoryTable, page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		return pdt.Map(page, frame, flags)
	}

	destroyPageTableFn = func(pdt *vmm.PageDirectoryTable) *kernel.Error {
		return pdt.Destroy()
	}
)

// HardwareHooks is the full set of hardware-touching seams Manager calls
// through. SetHardwareHooks lets a caller in another package — typically a
// test — substitute all four in one call and get back the previous set to
// restore later, the same purpose pmm.SetAllocatorHooks serves for the PFA.
type HardwareHooks struct {
	AllocKernelStack func(mem.Size) (uintptr, *kernel.Error)
	InitPageTable    func(pmm.Frame) (*vmm.PageDirectoryTable, *kernel.Error)
	MapUserPage      func(*vmm.PageDirectoryTable, vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error
	DestroyPageTable func(*vmm.PageDirectoryTable) *kernel.Error
}

// SetHardwareHooks installs hooks as Manager's hardware seams and returns
// the previous set so the caller can restore it when done.
func SetHardwareHooks(hooks HardwareHooks) HardwareHooks {
	prev := HardwareHooks{
		AllocKernelStack: allocKernelStackFn,
		InitPageTable:    initPageTableFn,
		MapUserPage:      mapUserPageFn,
		DestroyPageTable: destroyPageTableFn,
	}

	if hooks.AllocKernelStack != nil {
		allocKernelStackFn = hooks.AllocKernelStack
	}
	if hooks.InitPageTable != nil {
		initPageTableFn = hooks.InitPageTable
	}
	if hooks.MapUserPage != nil {
		mapUserPageFn = hooks.MapUserPage
	}
	if hooks.DestroyPageTable != nil {
		destroyPageTableFn = hooks.DestroyPageTable
	}

	return prev
}

// cpuQueue is one online CPU's set of ready-queue buckets, one per
// priority level, FIFO within a level.
type cpuQueue struct {
	buckets [priorityLevels][]*TCB
	current *TCB
}

func (q *cpuQueue) enqueue(t *TCB) {
	q.buckets[t.Priority] = append(q.buckets[t.Priority], t)
}

func (q *cpuQueue) pick() *TCB {
	for p := priorityLevels - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			t := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			return t
		}
	}
	return nil
}

// Manager owns every PCB/TCB in the system and the per-CPU ready queues
// that drive scheduling.
type Manager struct {
	mu sync.Mutex

	processes map[uint64]*PCB
	nextPID   uint64
	nextTID   uint64

	cpus     []*cpuQueue
	sleeping []*TCB
	lastTick uint64

	security *security.Registry
	cleanup  *TCB
}

// NewManager creates an empty task manager backed by the given trust-token
// registry.
func NewManager(sec *security.Registry) *Manager {
	return &Manager{
		processes: make(map[uint64]*PCB),
		security:  sec,
	}
}

// RegisterCPU brings a new CPU online and returns its id (its index into
// the manager's per-CPU queue slice).
func (m *Manager) RegisterCPU() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cpus = append(m.cpus, &cpuQueue{})
	return len(m.cpus) - 1
}

// CreateProcess allocates a PCB with its own page table, memory tracker and
// program break, and registers it with the security registry at trust.
func (m *Manager) CreateProcess(parentID uint64, name string, trust security.TrustLevel) (*PCB, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPID++
	pid := m.nextPID

	mm := &mtrack.Tracker{}
	pdtFrame, err := mm.RequestFrames(1)
	if err != nil {
		return nil, err
	}

	pdt, err := initPageTableFn(pdtFrame)
	if err != nil {
		return nil, err
	}
	token := m.security.CreateToken()
	m.security.TrustToken(token, trust)

	pcb := &PCB{
		ID:            pid,
		ParentID:      parentID,
		Name:          name,
		Trust:         trust,
		PageTable:     pdt,
		MemoryTracker: mm,
		Break:         brk.New(mm, heapStartFor(pid)),
		Status:        StatusReady,
		SecurityToken: token,
	}
	m.processes[pid] = pcb
	return pcb, nil
}

// heapStartFor picks a per-process program-break base disjoint from the
// kernel heap (kernel/mem/heap lives in PML4 slot 256): slot 2, far from
// both the kernel image and the kernel heap.
func heapStartFor(pid uint64) uintptr {
	const processHeapBase = uintptr(0x0000010000000000)
	return processHeapBase
}

// CreateThread creates a TCB under pcb with a fresh kernel stack (and, for
// non-kernel-trusted processes, a user stack mapped into pcb's own page
// table) and registers initialized so execution starts at entry+ipOffset
// with arg0/arg1 in the first two argument registers. arch records which
// instruction set the entry point was loaded for; compat marks a 32-bit
// thread running under a 64-bit kernel.
func (m *Manager) CreateThread(pcb *PCB, entry uintptr, arg0, arg1, ipOffset uintptr, arch Arch, compat bool) (*TCB, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processes[pcb.ID]; !ok {
		return nil, errUnknownProcess
	}

	m.nextTID++
	tid := m.nextTID

	kstack, err := allocKernelStackFn(defaultKernelStackSize)
	if err != nil {
		return nil, errStackAllocFailed
	}

	token := m.security.CreateToken()
	m.security.TrustToken(token, pcb.Trust)

	t := &TCB{
		ID:              tid,
		Parent:          pcb,
		Name:            pcb.Name,
		Priority:        PriorityNormal,
		Status:          StatusReady,
		KernelStackBase: kstack,
		KernelStackSize: defaultKernelStackSize,
		SecurityToken:   token,
		Arch:            arch,
		Compat:          compat,
	}

	if pcb.Trust&security.TrustedByKernel == 0 {
		base, uerr := m.mapUserStack(pcb, len(pcb.Threads))
		if uerr != nil {
			return nil, uerr
		}
		t.UserStackBase = base
		t.UserStackSize = defaultUserStackSize
		t.Registers.RSP = t.UserStackTop()
	} else {
		t.Registers.RSP = t.KernelStackTop()
	}

	t.Registers.RIP = uint64(entry) + uint64(ipOffset)
	t.Registers.RDI = uint64(arg0)
	t.Registers.RSI = uint64(arg1)

	pcb.Threads = append(pcb.Threads, t)
	m.enqueueReady(t)
	return t, nil
}

// userStackRegionBase is the virtual address of the first thread's user
// stack in every process's address space; each later thread in the same
// process gets its own userStackRegionStride slot so sibling threads never
// overlap.
const (
	userStackRegionBase   = uintptr(0x0000020000000000)
	userStackRegionStride = uintptr(defaultUserStackSize) * 4
)

func (m *Manager) mapUserStack(pcb *PCB, threadIndex int) (uintptr, *kernel.Error) {
	n := uint32((defaultUserStackSize + mem.PageSize - 1) >> mem.PageShift)
	base, err := pcb.MemoryTracker.RequestFrames(n)
	if err != nil {
		return 0, err
	}

	stackBase := userStackRegionBase + uintptr(threadIndex)*userStackRegionStride
	page := vmm.PageFromAddress(stackBase)
	for i, frame := uint32(0), base; i < n; i, page, frame = i+1, page+1, frame+1 {
		if err := mapUserPageFn(pcb.PageTable, page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			return 0, err
		}
	}
	return stackBase, nil
}

// enqueueReady places t on the least-loaded online CPU's ready queue. Load
// balancing beyond this simple least-loaded choice is out of scope (the
// spec explicitly excludes SMP NUMA awareness).
func (m *Manager) enqueueReady(t *TCB) {
	if len(m.cpus) == 0 {
		return
	}

	best := 0
	bestLen := m.cpus[0].queueLen()
	for i := 1; i < len(m.cpus); i++ {
		if l := m.cpus[i].queueLen(); l < bestLen {
			best, bestLen = i, l
		}
	}

	t.Status = StatusReady
	t.readyEnteredAt = m.lastTick
	m.cpus[best].enqueue(t)
}

func (q *cpuQueue) queueLen() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

// Tick advances cpu's scheduler: it wakes any sleeping thread whose
// deadline has passed, accounts CPU time for the thread that was running,
// requeues it if still Ready, and returns the next thread to run (nil if
// the CPU should idle).
func (m *Manager) Tick(cpuID int, now uint64) (*TCB, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpuID < 0 || cpuID >= len(m.cpus) {
		return nil, errUnknownCPU
	}
	q := m.cpus[cpuID]
	m.lastTick = now

	m.wakeExpiredSleepersLocked(now)

	if prev := q.current; prev != nil {
		m.accountLocked(prev, now)
		if prev.Status == StatusRunning {
			prev.Status = StatusReady
			q.enqueue(prev)
		}
	}

	next := q.pick()
	if next != nil {
		next.Status = StatusRunning
		next.runningSince = now
	}
	q.current = next
	return next, nil
}

func (m *Manager) accountLocked(t *TCB, now uint64) {
	delta := now - t.runningSince
	if t.inUserMode {
		t.Info.UserTime += delta
	} else {
		t.Info.KernelTime += delta
	}
	if t.Parent != nil {
		if t.inUserMode {
			t.Parent.Info.UserTime += delta
		} else {
			t.Parent.Info.KernelTime += delta
		}
	}
}

// Sleep transitions t to Sleeping until now+durationTicks.
func (m *Manager) Sleep(t *TCB, now, durationTicks uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Status = StatusSleeping
	t.wakeAt = now + durationTicks
	m.sleeping = append(m.sleeping, t)
}

func (m *Manager) wakeExpiredSleepersLocked(now uint64) {
	remaining := m.sleeping[:0]
	for _, t := range m.sleeping {
		if t.Status == StatusSleeping && now >= t.wakeAt {
			m.enqueueReady(t)
			continue
		}
		remaining = append(remaining, t)
	}
	m.sleeping = remaining
}

// WaitForThread transitions waiter to Waiting on target. It rejects a wait
// that would introduce a cycle in the wait-on relation (spec.md §9,
// "Cyclic structures"), walking the existing chain up to a bounded depth
// rather than trusting it to terminate on its own.
func (m *Manager) WaitForThread(waiter, target *TCB) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if target.Status == StatusTerminated {
		return nil
	}

	for cur, depth := target, 0; cur != nil; cur, depth = cur.waitingOn, depth+1 {
		if depth > maxWaitChainDepth || cur == waiter {
			return errWouldCycle
		}
	}

	waiter.Status = StatusWaiting
	waiter.waitingOn = target
	target.waiters = append(target.waiters, waiter)
	return nil
}

// Exit transitions t to Terminated with the given code and wakes every
// thread waiting on it.
func (m *Manager) Exit(t *TCB, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Status = StatusTerminated
	t.ExitCode = code

	waiters := t.waiters
	t.waiters = nil
	for _, w := range waiters {
		w.waitingOn = nil
		m.enqueueReady(w)
	}
}

// SetPriority changes t's scheduling priority; it takes effect the next
// time t is enqueued.
func (m *Manager) SetPriority(t *TCB, p Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Priority = p
}

// Rename changes t's display name.
func (m *Manager) Rename(t *TCB, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Name = name
}

// SetCritical marks t as critical (never terminated by OOM policy) or
// clears that mark.
func (m *Manager) SetCritical(t *TCB, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.IsCritical = critical
}

// SetCleanupThread registers t as the idle-priority thread responsible for
// reclaiming terminated tasks.
func (m *Manager) SetCleanupThread(t *TCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = t
}

// CleanupProcessesThread scans every process for Terminated processes whose
// every thread is Terminated with no pending waiters, and releases their
// page table, memory tracker and program break. It is meant to run in a
// loop on the dedicated cleanup thread.
func (m *Manager) CleanupProcessesThread() *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pid, pcb := range m.processes {
		if !m.readyForCleanupLocked(pcb) {
			continue
		}

		if err := pcb.MemoryTracker.Destroy(); err != nil {
			return err
		}
		if err := destroyPageTableFn(pcb.PageTable); err != nil {
			return err
		}
		delete(m.processes, pid)
	}
	return nil
}

func (m *Manager) readyForCleanupLocked(pcb *PCB) bool {
	if pcb.Status != StatusTerminated {
		return false
	}
	for _, t := range pcb.Threads {
		if t.Status != StatusTerminated || len(t.waiters) > 0 {
			return false
		}
	}
	return true
}

// GetProcessList returns a snapshot of every live process.
func (m *Manager) GetProcessList() []*PCB {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]*PCB, 0, len(m.processes))
	for _, pcb := range m.processes {
		list = append(list, pcb)
	}
	return list
}

// GetCurrentThread returns the thread currently running on cpuID, or nil if
// the CPU is idle or unknown.
func (m *Manager) GetCurrentThread(cpuID int) *TCB {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cpuID < 0 || cpuID >= len(m.cpus) {
		return nil
	}
	return m.cpus[cpuID].current
}

// GetCurrentProcess returns the process owning the thread currently running
// on cpuID, or nil.
func (m *Manager) GetCurrentProcess(cpuID int) *PCB {
	t := m.GetCurrentThread(cpuID)
	if t == nil {
		return nil
	}
	return t.Parent
}
