// Package mtrack implements the memory tracker: an ownership record for
// physical frames that lets a process, driver or other resource-scoped
// component release every frame it ever requested in one operation when it
// is torn down, rather than leaking frames whose owner forgot to free them
// individually.
package mtrack

import (
	"nucleos/kernel"
	"nucleos/kernel/mem/pmm"
	"sync"
)

var requestFramesFn = pmm.RequestFrames
var freeFrameFn = pmm.FreeFrame

var errUntracked = &kernel.Error{Module: "mtrack", Message: "one or more frames in the requested range were not requested through this tracker"}

// Tracker is the per-owner set of frames currently checked out through it.
// The zero value is ready to use.
type Tracker struct {
	mu     sync.Mutex
	frames map[pmm.Frame]struct{}
}

// RequestFrames reserves n contiguous frames from the PFA and records each
// one so Destroy or a later FreeFrames call can release it.
func (t *Tracker) RequestFrames(n uint32) (pmm.Frame, *kernel.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base, err := requestFramesFn(n)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	if t.frames == nil {
		t.frames = make(map[pmm.Frame]struct{})
	}
	for i := pmm.Frame(0); i < pmm.Frame(n); i++ {
		t.frames[base+i] = struct{}{}
	}

	return base, nil
}

// FreeFrames releases the n frames starting at base, which must all have
// been previously returned through this tracker's RequestFrames (they need
// not all come from the same call, and releasing only part of a run is
// allowed). The whole range is validated before anything is freed, so a
// partially-untracked range fails without freeing any of it.
func (t *Tracker) FreeFrames(base pmm.Frame, n uint32) *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := pmm.Frame(0); i < pmm.Frame(n); i++ {
		if _, ok := t.frames[base+i]; !ok {
			return errUntracked
		}
	}

	for i := pmm.Frame(0); i < pmm.Frame(n); i++ {
		delete(t.frames, base+i)
		if err := freeFrameFn(base + i); err != nil {
			return err
		}
	}

	return nil
}

// Len reports how many frames are currently tracked. It exists for callers
// that need to confirm a tracker's bookkeeping (such as a program break
// verifying it released the frames it meant to) without reaching into the
// tracker's internals.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.frames)
}

// Destroy releases every frame still tracked. Each tracked frame is freed
// exactly once; calling Destroy again is a no-op.
func (t *Tracker) Destroy() *kernel.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for f := range t.frames {
		if err := freeFrameFn(f); err != nil {
			return err
		}
		delete(t.frames, f)
	}

	return nil
}
