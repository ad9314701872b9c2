package machine

import (
	"fmt"
	"sync/atomic"
)

// Hart is one hardware thread. The kernel's spin-lock layer drives
// the interrupt-enable discipline through it: the first PushOff
// disables interrupts and remembers the prior state, and the
// matching PopOff restores it only when the nesting count returns
// to zero.
type Hart struct {
	id int

	// Interrupt-enable state. Only the kernel thread currently
	// running on this hart touches these.
	noff    int
	intena  bool
	enabled atomic.Bool

	// timerPending is set by the machine's tick source and consumed
	// at the next poll point.
	timerPending atomic.Bool
}

// NewHart creates hart id with interrupts disabled, as at boot.
func NewHart(id int) *Hart {
	return &Hart{id: id}
}

// ID returns the hartid.
func (h *Hart) ID() int {
	return h.id
}

// IntrOn enables device interrupts.
func (h *Hart) IntrOn() {
	h.enabled.Store(true)
}

// IntrOff disables device interrupts.
func (h *Hart) IntrOff() {
	h.enabled.Store(false)
}

// IntrEnabled reports whether device interrupts are enabled.
func (h *Hart) IntrEnabled() bool {
	return h.enabled.Load()
}

// PushOff disables interrupts, remembering the enable state of the
// outermost call.
func (h *Hart) PushOff() {
	old := h.IntrEnabled()
	h.IntrOff()
	if h.noff == 0 {
		h.intena = old
	}
	h.noff++
}

// PopOff undoes one PushOff, re-enabling interrupts only when the
// outermost critical section ends and they were enabled before it.
func (h *Hart) PopOff() {
	if h.IntrEnabled() {
		panic("machine: PopOff with interrupts enabled")
	}
	if h.noff < 1 {
		panic("machine: unbalanced PopOff")
	}
	h.noff--
	if h.noff == 0 && h.intena {
		h.IntrOn()
	}
}

// Noff returns the interrupt-disable nesting depth.
func (h *Hart) Noff() int {
	return h.noff
}

// Intena returns the saved outermost interrupt-enable state.
func (h *Hart) Intena() bool {
	return h.intena
}

// SetIntena overwrites the saved outermost interrupt-enable state.
// The scheduler uses it to carry a thread's enable state across a
// context switch.
func (h *Hart) SetIntena(v bool) {
	h.intena = v
}

// RaiseTimer marks a timer interrupt pending for this hart.
func (h *Hart) RaiseTimer() {
	h.timerPending.Store(true)
}

// TakeTimer consumes a pending timer interrupt, if interrupts are
// enabled.
func (h *Hart) TakeTimer() bool {
	if !h.IntrEnabled() {
		return false
	}
	return h.timerPending.Swap(false)
}

func (h *Hart) String() string {
	return fmt.Sprintf("hart%d", h.id)
}
