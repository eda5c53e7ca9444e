package kmain

import (
	"nucleos/kernel/driver"
	"testing"
)

func TestDiskManagerRegisterAndProbeAll(t *testing.T) {
	dm := &diskManager{}
	dm.register(&driver.Record{UID: 1, Name: "ahci0", Type: driver.TypeStorage})
	dm.register(&driver.Record{UID: 2, Name: "ahci1", Type: driver.TypeStorage})

	if len(dm.drivers) != 2 {
		t.Fatalf("got %d registered drivers, want 2", len(dm.drivers))
	}

	// probeAll only logs today; it must not panic over a populated list.
	dm.probeAll()
}

func TestNetManagerStart(t *testing.T) {
	nm := &netManager{}
	nm.start()

	if !nm.started {
		t.Fatal("expected started to be true after start")
	}
}
