package kmain

import (
	"nucleos/kernel/driver"
	"nucleos/kernel/kfmt"
)

// diskManager tracks every Storage-type driver the driver loader has
// brought up and probes each one once at boot. Neither spec.md nor
// SPEC_FULL.md gives this component its own invariants; it exists only as
// the collaborator the kernel main thread's orchestration names, so its
// job here is the minimum that text implies: remember which drivers are
// storage drivers and probe them.
type diskManager struct {
	drivers []*driver.Record
}

func (dm *diskManager) register(r *driver.Record) {
	dm.drivers = append(dm.drivers, r)
}

// probeAll logs every registered storage driver by name and UID. It does
// not invoke the drivers' callbacks; the only ReasonConfiguration call a
// driver receives is the one loader.Load makes during bring-up.
func (dm *diskManager) probeAll() {
	for _, r := range dm.drivers {
		kfmt.Printf("kmain: probing storage driver %q (uid %d)\n", r.Name, r.UID)
	}
}

// netManager stands in for the kernel main thread's network interface
// manager. No network driver type or transport stack exists in this tree,
// so start is a log line marking the orchestration step rather than a real
// service; see diskManager's doc comment for why this has no invariants of
// its own to implement.
type netManager struct {
	started bool
}

func (nm *netManager) start() {
	nm.started = true
	kfmt.Printf("kmain: network interface manager started\n")
}
