// Package klock provides the kernel's two mutual-exclusion
// primitives: short spin-locks that disable interrupts on the
// holding CPU, and sleep-locks that may be held across blocking
// operations.
package klock

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// CPU is the per-hart interrupt-discipline surface a spin-lock
// drives while it is held.
type CPU interface {
	PushOff()
	PopOff()
	ID() int
}

// Chan is an opaque wait-channel token. Sleepers and wakers agree on
// the same token; no other semantics attach.
type Chan uintptr

// TokenOf derives the wait-channel token for a condition object.
func TokenOf(p unsafe.Pointer) Chan {
	return Chan(uintptr(p))
}

// SpinLock is a test-and-set mutual-exclusion lock. Acquire disables
// interrupts on the current CPU before spinning so that an interrupt
// handler reacquiring the lock cannot deadlock; Release restores the
// CPU's prior interrupt state through the nesting counter.
type SpinLock struct {
	locked atomic.Uint32
	name   string
	cpu    CPU
}

// NewSpinLock creates a named, unlocked spin-lock.
func NewSpinLock(name string) SpinLock {
	return SpinLock{name: name}
}

// Name returns the lock's debug name.
func (l *SpinLock) Name() string {
	return l.name
}

// Acquire takes the lock on behalf of CPU c. Re-entrant acquisition
// is a kernel bug and panics.
func (l *SpinLock) Acquire(c CPU) {
	c.PushOff()
	if l.Holding(c) {
		panic("klock: acquire of held lock " + l.name)
	}
	for !l.locked.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
	// The CAS carries acquire ordering; record the owner after it.
	l.cpu = c
}

// Release drops the lock, which must be held by CPU c.
func (l *SpinLock) Release(c CPU) {
	if !l.Holding(c) {
		panic("klock: release of unheld lock " + l.name)
	}
	l.cpu = nil
	l.locked.Store(0) // release ordering
	c.PopOff()
}

// Holding reports whether CPU c holds the lock. Interrupts must be
// off.
func (l *SpinLock) Holding(c CPU) bool {
	return l.locked.Load() == 1 && l.cpu == c
}
