package driver

import (
	"crypto/md5"
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mem"
	"nucleos/kernel/mem/mtrack"
	"nucleos/kernel/mem/vmm"
	"sync"
	"unsafe"
)

// DriverReturnCode mirrors the status word a driver's entry point and
// callback hand back across the KernelAPI/KernelCallback boundary.
type DriverReturnCode int32

const (
	ReturnOK DriverReturnCode = iota
	ReturnError
	ReturnNotImplemented
)

// CallbackReason identifies why the kernel is invoking a driver's callback.
type CallbackReason uint8

const (
	ReasonConfiguration CallbackReason = iota
	ReasonInterrupt
	ReasonStop
)

// KernelCallback is the scratch block handed to a driver's callback entry
// point on every invocation; RawPtr carries reason-specific payload.
type KernelCallback struct {
	Reason CallbackReason
	RawPtr uintptr
}

var (
	errEntryFailed     = &kernel.Error{Module: "driver", Message: "driver entry point returned an error"}
	errCallbackMissing = &kernel.Error{Module: "driver", Message: "driver does not implement the configuration callback"}
	errCallbackFailed  = &kernel.Error{Module: "driver", Message: "driver configuration callback returned an error"}
	errBadInterruptVec = &kernel.Error{Module: "driver", Message: "interrupt-bound driver declared no vector"}
)

// kernelAPI is the table of kernel entry points handed to a driver's entry
// point on load. It is currently empty: no driver in this tree calls back
// into it yet, but the entry-point ABI requires a non-nil pointer in its
// slot so the field exists for the loader to populate as drivers need it.
type kernelAPI struct{}

// callEntryPointFn and callDriverCallbackFn are the seams tests substitute
// for the real, architecture-specific calls into driver code; see
// entrypoint_amd64.go.
var (
	callEntryPointFn     = callEntryPoint
	callDriverCallbackFn = callDriverCallback
)

// InterruptHook ties an interrupt vector to the driver callback the kernel
// dispatches to when that vector fires.
type InterruptHook struct {
	Vector   uint16
	Callback uintptr
	Scratch  *KernelCallback
}

// Record is a loaded driver's bookkeeping: where its image lives, the
// frames backing it, and any interrupt vectors it owns.
type Record struct {
	UID            uint64
	Name           string
	Type           Type
	ImageBase      uintptr
	Tracker        *mtrack.Tracker
	InterruptHooks []*InterruptHook
}

// Loader owns every driver currently loaded into the kernel.
type Loader struct {
	mu      sync.Mutex
	nextUID uint64
	drivers map[uint64]*Record

	hookInstallFn func(h *InterruptHook)
	hookRemoveFn  func(h *InterruptHook)
}

// NewLoader returns a Loader with no drivers loaded.
func NewLoader() *Loader {
	return &Loader{
		drivers:       make(map[uint64]*Record),
		hookInstallFn: installInterruptHook,
		hookRemoveFn:  removeInterruptHook,
	}
}

// Load copies image into tracked, mapped kernel memory and runs the seven
// step bring-up sequence described by the driver's Fex headers: call the
// entry point, probe the configuration callback, and for Input/Storage
// drivers wire an interrupt vector to the callback. On any failure every
// frame and hook it allocated is released before Load returns, so a failed
// load leaves no partial state in the loader.
func (l *Loader) Load(image []byte) (*Record, *kernel.Error) {
	hdr, err := ParseHeader(image)
	if err != nil {
		return nil, err
	}
	ext, err := ParseExtendedHeader(image)
	if err != nil {
		return nil, err
	}
	if ext.DriverType < TypeGeneric || ext.DriverType > TypeAudio {
		return nil, errUnknownDriver
	}

	tracker := &mtrack.Tracker{}
	imageAddr, err := l.mapImage(tracker, image)
	if err != nil {
		tracker.Destroy()
		return nil, err
	}

	if debugMD5Enabled {
		sum := md5.Sum(image)
		logDebugf("driver image %s MD5 %x", ext.DriverName, sum)
	}

	api := &kernelAPI{}
	if callEntryPointFn(imageAddr+uintptr(hdr.Pointer), api) != ReturnOK {
		l.releaseFailedLoad(tracker, nil)
		return nil, errEntryFailed
	}

	callbackAddr := imageAddr + uintptr(ext.Callback)
	scratch := &KernelCallback{Reason: ReasonConfiguration}
	switch ret := callDriverCallbackFn(callbackAddr, scratch); ret {
	case ReturnNotImplemented:
		l.releaseFailedLoad(tracker, nil)
		return nil, errCallbackMissing
	case ReturnOK:
	default:
		l.releaseFailedLoad(tracker, nil)
		return nil, errCallbackFailed
	}

	var hooks []*InterruptHook
	if ext.DriverType == TypeInput || ext.DriverType == TypeStorage {
		hooks, err = l.bindInterrupts(ext, callbackAddr)
		if err != nil {
			l.releaseFailedLoad(tracker, hooks)
			return nil, err
		}
	}

	l.mu.Lock()
	l.nextUID++
	rec := &Record{
		UID: l.nextUID, Name: ext.DriverName, Type: ext.DriverType,
		ImageBase: imageAddr, Tracker: tracker, InterruptHooks: hooks,
	}
	l.drivers[rec.UID] = rec
	l.mu.Unlock()

	return rec, nil
}

func (l *Loader) bindInterrupts(ext *ExtendedHeader, callbackAddr uintptr) ([]*InterruptHook, *kernel.Error) {
	if ext.Bind.Type != BindInterrupt || ext.Bind.Interrupt.Vector[0] == 0 {
		return nil, errBadInterruptVec
	}

	var hooks []*InterruptHook
	for _, v := range ext.Bind.Interrupt.Vector {
		if v == 0 {
			break
		}
		h := &InterruptHook{
			Vector:   v + archBaseVectorX86,
			Callback: callbackAddr,
			Scratch:  &KernelCallback{Reason: ReasonInterrupt},
		}
		l.hookInstallFn(h)
		hooks = append(hooks, h)
	}
	return hooks, nil
}

func (l *Loader) releaseFailedLoad(tracker *mtrack.Tracker, hooks []*InterruptHook) {
	for _, h := range hooks {
		l.hookRemoveFn(h)
	}
	tracker.Destroy()
}

// Unload tears down a previously loaded driver, removing its interrupt
// hooks and releasing every frame its tracker still owns.
func (l *Loader) Unload(uid uint64) *kernel.Error {
	l.mu.Lock()
	rec, ok := l.drivers[uid]
	if !ok {
		l.mu.Unlock()
		return &kernel.Error{Module: "driver", Message: "unknown driver"}
	}
	delete(l.drivers, uid)
	l.mu.Unlock()

	for _, h := range rec.InterruptHooks {
		l.hookRemoveFn(h)
	}
	return rec.Tracker.Destroy()
}

// List returns every currently loaded driver.
func (l *Loader) List() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, 0, len(l.drivers))
	for _, r := range l.drivers {
		out = append(out, r)
	}
	return out
}

// driverImageBase is the fixed virtual region driver images are mapped
// into; each load advances past the previous image's page-rounded extent.
var driverImageBase = uintptr(0x0000030000000000)

var (
	mapFn     = vmm.Map
	memcopyFn = mem.Memcopy
)

// mapImage requests and maps enough frames to hold image, copies it in, and
// returns the virtual address the copy landed at.
func (l *Loader) mapImage(tracker *mtrack.Tracker, image []byte) (uintptr, *kernel.Error) {
	n := uint32((mem.Size(len(image)) + mem.PageSize - 1) >> mem.PageShift)
	base, err := tracker.RequestFrames(n)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	addr := driverImageBase
	driverImageBase += uintptr(n) << mem.PageShift
	l.mu.Unlock()

	page := vmm.PageFromAddress(addr)
	for i, frame := uint32(0), base; i < n; i, page, frame = i+1, page+1, frame+1 {
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagGlobal); err != nil {
			return 0, err
		}
	}

	if len(image) > 0 {
		memcopyFn(uintptr(unsafe.Pointer(&image[0])), addr, mem.Size(len(image)))
	}

	return addr, nil
}

var debugMD5Enabled = false

func logDebugf(format string, args ...interface{}) {
	kfmt.Printf(format+"\n", args...)
}
