// Package kmain implements the kernel main thread: the orchestration that
// runs once PFA, PTM, heap, the Go runtime and the VFS are all up, bringing
// the rest of the kernel's subsystems online and finally handing control to
// the init program.
package kmain

import (
	"nucleos/kernel"
	"nucleos/kernel/driver"
	"nucleos/kernel/exec"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/security"
	"nucleos/kernel/task"
	"nucleos/kernel/vfs"
)

var (
	errNoInitrd = &kernel.Error{Module: "kmain", Message: "boot info carries no initrd module"}
)

// fullTrust is the trust level the kernel main thread grants the init
// process: security has no dedicated FullTrust constant, so this is the
// bitwise-OR of every level short of Untrusted/Unknown, matching what
// IsTokenTrusted treats as satisfying a TrustedByKernel|Trusted check.
const fullTrust = security.TrustedByKernel | security.Trusted

// Kernel bundles the subsystems the kernel main thread drives. Callers
// (cmd/nucleos's Entry) construct one after PFA/PTM/heap/Go runtime/VFS
// bring-up and call Run.
type Kernel struct {
	Config   KernelConfig
	FS       *vfs.VFS
	Manager  *task.Manager
	Security *security.Registry
	Loader   *driver.Loader

	disks *diskManager
	nets  *netManager

	bootPCB       *task.PCB
	cleanupThread *task.TCB
}

// New wires a Kernel around the given filesystem, security registry and
// config. The task manager and driver loader are constructed here since
// nothing outside the kernel main thread needs to see them before Run.
func New(cfg KernelConfig, fs *vfs.VFS, sec *security.Registry) *Kernel {
	k := &Kernel{
		Config:   cfg,
		FS:       fs,
		Manager:  task.NewManager(sec),
		Security: sec,
		Loader:   driver.NewLoader(),
		disks:    &diskManager{},
		nets:     &netManager{},
	}
	k.Manager.RegisterCPU()
	return k
}

// Run performs the linear boot orchestration described for the kernel main
// thread: bring up the cleanup thread, optionally the boot-animation
// thread, load every initrd driver module and probe storage devices, start
// the network service, then spawn and wait on the init program.
func (k *Kernel) Run(initrdImage []byte) *kernel.Error {
	if len(initrdImage) == 0 {
		return errNoInitrd
	}

	if err := k.startCleanupThread(); err != nil {
		return err
	}

	if k.Config.BootAnimation {
		k.startBootAnimation()
	}

	if err := k.loadInitrdDrivers(); err != nil {
		return err
	}

	k.disks.probeAll()
	k.nets.start()

	return k.spawnInit()
}

// startCleanupThread creates the Idle-priority thread that reclaims
// Terminated processes, registers it with the manager, and leaves it
// parked: a real scheduler would tick it on idle, which is out of scope
// here, but the hook CleanupProcessesThread calls into is what this thread
// would run in a loop.
func (k *Kernel) startCleanupThread() *kernel.Error {
	pcb, err := k.Manager.CreateProcess(0, "kernel", fullTrust)
	if err != nil {
		return err
	}
	k.Security.TrustToken(pcb.SecurityToken, fullTrust)

	cleanup, err := k.Manager.CreateThread(pcb, 0, 0, 0, 0, task.ArchX64, false)
	if err != nil {
		return err
	}
	k.Manager.SetPriority(cleanup, task.PriorityIdle)
	k.Manager.SetCleanupThread(cleanup)

	k.bootPCB = pcb
	k.cleanupThread = cleanup
	return nil
}

// startBootAnimation spawns the kernel's splash-screen thread. Rendering a
// splash is out of scope; what matters structurally is that the thread
// exists and is tracked by the manager like any other kernel thread.
func (k *Kernel) startBootAnimation() {
	anim, err := k.Manager.CreateThread(k.bootPCB, 0, 0, 0, 0, task.ArchX64, false)
	if err != nil {
		kfmt.Printf("kmain: boot animation thread failed to start: %s\n", err.Message)
		return
	}
	k.Manager.SetPriority(anim, task.PriorityLow)
	k.Manager.Rename(anim, "bootanim")
}

// loadInitrdDrivers walks the initrd's /drivers directory (if present) and
// loads every Fex image found there, registering storage drivers with the
// disk manager as it goes.
func (k *Kernel) loadInitrdDrivers() *kernel.Error {
	handle := k.FS.Open("/drivers", nil)
	if handle == nil || handle.Status != vfs.StatusOK {
		return nil
	}

	for _, child := range handle.Node.Children {
		h := k.FS.Open("/drivers/"+child.Name, nil)
		if h == nil || h.Status != vfs.StatusOK {
			continue
		}

		image := make([]byte, h.Node.Length)
		if len(image) > 0 {
			if n, status := k.FS.Read(h, 0, image); status != vfs.StatusOK || uint64(n) != h.Node.Length {
				continue
			}
		}

		record, err := k.Loader.Load(image)
		if err != nil {
			kfmt.Printf("kmain: failed to load driver %s: %s\n", child.Name, err.Message)
			continue
		}

		if record.Type == driver.TypeStorage {
			k.disks.register(record)
		}
	}

	return nil
}

// spawnInit starts the configured init program at full trust and waits for
// it to exit. A non-zero exit code or a failure to spawn at all drops into
// the recovery path; a zero exit code is logged as the anomaly it is, since
// init is never expected to return.
func (k *Kernel) spawnInit() *kernel.Error {
	result, err := exec.Spawn(k.Manager, k.FS, k.Config.InitPath, nil, nil, 0, fullTrust)
	if err != nil {
		kfmt.Printf("kmain: failed to spawn %s: %s\n", k.Config.InitPath, err.Message)
		k.enterRecovery()
		return err
	}
	k.Security.TrustToken(result.Thread.SecurityToken, fullTrust)

	if err := k.Manager.WaitForThread(k.cleanupThread, result.Thread); err != nil {
		kfmt.Printf("kmain: wait for init failed: %s\n", err.Message)
	}

	if result.Thread.ExitCode != 0 {
		kfmt.Printf("kmain: init exited with code %d, entering recovery\n", result.Thread.ExitCode)
		k.enterRecovery()
		return nil
	}

	kfmt.Printf("kmain: init exited with code 0\n")
	return nil
}

// enterRecovery is the fallback when init never comes up: logging is the
// entire recovery UI this tree implements, since a real interactive
// recovery console has no subsystem here to drive it.
func (k *Kernel) enterRecovery() {
	kfmt.Printf("kmain: entering recovery\n")
}
