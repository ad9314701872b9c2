// Package proc implements the process table, the per-hart scheduler,
// and the sleep and wakeup primitives the rest of the kernel builds
// on. Each process owns a kernel thread; threads run only while they
// hold a hart, and the scheduler moves harts between threads through
// channel handoffs.
package proc

import (
	"unsafe"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/fs"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// State is a process life-cycle state.
type State int

// Process states. Unused slots carry no resources; Used marks a slot
// mid-allocation; Zombie holds the exit status until the parent
// collects it.
const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Sleeping:
		return "sleep"
	case Runnable:
		return "runnable"
	case Running:
		return "run"
	case Zombie:
		return "zombie"
	}
	return "???"
}

// UserHalf is the user-mode side of a process. The trap layer drives
// it; the process layer only clones it on fork and replaces it on
// exec.
type UserHalf interface {
	// Clone returns an independent copy that resumes where the
	// original stands, as a forked child would.
	Clone() UserHalf
}

// Proc is one process-table slot.
type Proc struct {
	lock klock.SpinLock

	// The lock must be held while using these:
	state   State
	chanTok klock.Chan
	killed  bool
	xstate  int
	pid     types.Pid

	// The table's waitLock must be held while using this:
	parent *Proc

	// cpu is the hart the thread currently runs on. Only the thread
	// itself and the scheduler that dispatched it touch it.
	cpu *machine.Hart

	ctx   context
	tfPA  types.PhysAddr
	table *Table

	// These are private to the process, so the lock need not be held.
	KStack types.VirtAddr
	Sz     uint64
	PT     *vm.PageTable
	TF     *Trapframe
	OFile  [types.NOFile]*fs.File
	Cwd    *fs.Inode
	User   UserHalf
	Name   string
}

func (p *Proc) token() klock.Chan {
	return klock.TokenOf(unsafe.Pointer(p))
}

// CPU returns the hart the process is currently running on.
func (p *Proc) CPU() klock.CPU {
	return p.cpu
}

// Pid returns the process id.
func (p *Proc) Pid() int {
	return int(p.pid)
}

// PID returns the process id in its domain type.
func (p *Proc) PID() types.Pid {
	return p.pid
}

// State returns the current life-cycle state.
func (p *Proc) State(c klock.CPU) State {
	p.lock.Acquire(c)
	s := p.state
	p.lock.Release(c)
	return s
}

// sched hands the hart back to the scheduler. The caller must hold
// p.lock and nothing else, must already have left Running, and must
// have interrupts off. The thread resumes here, possibly on a
// different hart, when a scheduler next dispatches it.
func (p *Proc) sched() {
	h := p.cpu
	if !p.lock.Holding(h) {
		panic("proc: sched without p.lock")
	}
	if h.Noff() != 1 {
		panic("proc: sched with locks held")
	}
	if p.state == Running {
		panic("proc: sched of running process")
	}
	if h.IntrEnabled() {
		panic("proc: sched with interrupts enabled")
	}
	ena := h.Intena()
	nh := swtch(&p.ctx, &p.table.scheds[h.ID()].ctx, h)
	p.cpu = nh
	nh.SetIntena(ena)
}

// Yield gives up the hart for one scheduling round.
func (p *Proc) Yield() {
	p.lock.Acquire(p.cpu)
	p.state = Runnable
	p.sched()
	p.lock.Release(p.cpu)
}

// Sleep atomically releases lk and suspends the process on ch. It
// reacquires lk before returning. Because p.lock is held from before
// lk is released until the process is marked Sleeping, a concurrent
// Wakeup on ch cannot be missed.
func (p *Proc) Sleep(ch klock.Chan, lk *klock.SpinLock) {
	c := p.cpu
	if lk != &p.lock {
		p.lock.Acquire(c)
		lk.Release(c)
	}

	p.chanTok = ch
	p.state = Sleeping
	p.sched()
	p.chanTok = 0

	c = p.cpu
	if lk != &p.lock {
		p.lock.Release(c)
		lk.Acquire(c)
	}
}

// Wakeup makes every process sleeping on ch runnable.
func (p *Proc) Wakeup(ch klock.Chan) {
	p.table.wakeup(p.cpu, p, ch)
}

// SetKilled marks the process for termination. The trap layer kills
// it the next time it crosses the user boundary.
func (p *Proc) SetKilled() {
	c := p.cpu
	p.lock.Acquire(c)
	p.killed = true
	p.lock.Release(c)
}

// Killed reports whether the process has been marked for
// termination.
func (p *Proc) Killed() bool {
	c := p.cpu
	p.lock.Acquire(c)
	k := p.killed
	p.lock.Release(c)
	return k
}

// Grow adjusts the process image by n bytes. Positive growth maps
// fresh writable pages, or merely raises the declared size when lazy
// allocation is on; negative growth unmaps and frees.
func (p *Proc) Grow(n int64) error {
	sz := p.Sz
	switch {
	case n > 0 && p.table.lazy:
		sz += uint64(n)
		p.PT.SetLazyLimit(sz)
	case n > 0:
		nsz, err := p.PT.Grow(p.cpu, sz, sz+uint64(n), types.PteW)
		if err != nil {
			return err
		}
		sz = nsz
	case n < 0:
		if int64(sz)+n < 0 {
			return kerror.ErrBadArg
		}
		sz = p.PT.Shrink(p.cpu, sz, uint64(int64(sz)+n))
		if p.table.lazy {
			p.PT.SetLazyLimit(sz)
		}
	}
	p.Sz = sz
	return nil
}

// Hart returns the hart the process is currently running on.
func (p *Proc) Hart() *machine.Hart {
	return p.cpu
}

// run is the body of the process's kernel thread. It parks until a
// scheduler dispatches the process, releases the lock the scheduler
// handed over, and enters the trap layer's entry hook.
func (p *Proc) run() {
	h := <-p.ctx.resume
	if h == nil {
		return
	}
	p.cpu = h
	p.lock.Release(h)
	p.table.forkEntry(p)
	panic("proc: user thread returned")
}
