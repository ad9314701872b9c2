package proc

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/fs"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kalloc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// schedContext is one hart's scheduler thread state.
type schedContext struct {
	ctx context
}

// Table is the process table and the scheduler that serves it.
type Table struct {
	procs [types.NProc]*Proc

	pidLock klock.SpinLock
	nextPID types.Pid

	// waitLock orders parent and exit fields: it must be held while
	// reading or writing any Proc.parent, and it serializes wait
	// against exit so a parent cannot miss a dying child's wakeup.
	waitLock klock.SpinLock

	scheds []*schedContext
	halted atomic.Bool

	ram        *machine.RAM
	alloc      *kalloc.Allocator
	trampoline types.PhysAddr
	fsys       *fs.FS
	lazy       bool

	forkEntry func(*Proc)
	idleIntr  func(*machine.Hart)
	initProc  *Proc
}

// NewTable builds the process table, mapping one kernel stack per
// slot into the kernel address space with a guard page below each.
func NewTable(c klock.CPU, ram *machine.RAM, alloc *kalloc.Allocator, kpt *vm.PageTable, trampoline types.PhysAddr, nharts int, fsys *fs.FS, lazy bool) (*Table, error) {
	t := &Table{
		pidLock:    klock.NewSpinLock("nextpid"),
		nextPID:    1,
		waitLock:   klock.NewSpinLock("wait"),
		ram:        ram,
		alloc:      alloc,
		trampoline: trampoline,
		fsys:       fsys,
		lazy:       lazy,
	}
	for i := range t.procs {
		kstack, err := kpt.MapKernelStack(c, i)
		if err != nil {
			return nil, err
		}
		t.procs[i] = &Proc{
			lock:   klock.NewSpinLock("proc"),
			table:  t,
			KStack: kstack,
		}
	}
	t.scheds = make([]*schedContext, nharts)
	for i := range t.scheds {
		t.scheds[i] = &schedContext{ctx: newContext()}
	}
	return t, nil
}

// SetForkEntry installs the hook a fresh process's kernel thread
// runs first. It must be set before the schedulers start.
func (t *Table) SetForkEntry(fn func(*Proc)) {
	t.forkEntry = fn
}

// SetIdleIntr installs the hook each scheduler round runs so device
// interrupts are serviced even while no process is dispatchable.
func (t *Table) SetIdleIntr(fn func(*machine.Hart)) {
	t.idleIntr = fn
}

// Lazy reports whether heap growth is deferred to the fault path.
func (t *Table) Lazy() bool {
	return t.lazy
}

// InitProc returns the first user process.
func (t *Table) InitProc() *Proc {
	return t.initProc
}

func (t *Table) allocPID(c klock.CPU) types.Pid {
	t.pidLock.Acquire(c)
	pid := t.nextPID
	t.nextPID++
	t.pidLock.Release(c)
	return pid
}

// allocProc claims an unused slot and equips it with a trapframe
// page, an address space holding the trampoline and trapframe
// mappings, and a parked kernel thread. It returns with the
// process's lock held, or an error if no slot or no memory is free.
func (t *Table) allocProc(c klock.CPU) (*Proc, error) {
	for _, p := range t.procs {
		p.lock.Acquire(c)
		if p.state != Unused {
			p.lock.Release(c)
			continue
		}
		p.pid = t.allocPID(c)
		p.state = Used

		tfPA, err := t.alloc.AllocZero(c)
		if err != nil {
			t.freeproc(c, p)
			p.lock.Release(c)
			return nil, err
		}
		p.tfPA = tfPA
		p.TF = NewTrapframe(t.ram.Page(tfPA))

		pt, err := t.newUserSpace(c, tfPA)
		if err != nil {
			t.freeproc(c, p)
			p.lock.Release(c)
			return nil, err
		}
		p.PT = pt

		p.ctx = newContext()
		go p.run()
		return p, nil
	}
	return nil, kerror.ErrNoProc
}

// newUserSpace builds an empty user address space with the
// trampoline and the given trapframe page mapped at the top.
func (t *Table) newUserSpace(c klock.CPU, tf types.PhysAddr) (*vm.PageTable, error) {
	pt, err := vm.New(c, t.ram, t.alloc)
	if err != nil {
		return nil, err
	}
	if err := pt.MapTrampoline(c, t.trampoline); err != nil {
		pt.Free(c, 0)
		return nil, err
	}
	if err := pt.MapTrapframe(c, tf); err != nil {
		pt.Free(c, 0)
		return nil, err
	}
	return pt, nil
}

// NewUserSpaceFor builds a fresh empty address space for p, with the
// trampoline and p's trapframe mapped. Exec installs it in place of
// the old image once the new one is fully built.
func (t *Table) NewUserSpaceFor(c klock.CPU, p *Proc) (*vm.PageTable, error) {
	return t.newUserSpace(c, p.tfPA)
}

// freeproc returns a slot's resources and marks it Unused. The
// caller must hold p.lock. A kernel thread that never ran is
// unparked with a nil hart so it can exit.
func (t *Table) freeproc(c klock.CPU, p *Proc) {
	if p.tfPA != 0 {
		t.alloc.Free(c, p.tfPA)
		p.tfPA = 0
		p.TF = nil
	}
	if p.PT != nil {
		p.PT.Free(c, p.Sz)
		p.PT = nil
	}
	if p.ctx.resume != nil {
		select {
		case p.ctx.resume <- nil:
		default:
		}
	}
	p.ctx = context{}
	p.Sz = 0
	p.pid = 0
	p.parent = nil
	p.chanTok = 0
	p.killed = false
	p.xstate = 0
	p.User = nil
	p.Name = ""
	p.state = Unused
}

// UserInit creates the first process: a one-page image, the given
// user half, and the filesystem root as working directory. Exactly
// one call must precede scheduler start.
func (t *Table) UserInit(c klock.CPU, user UserHalf, name string) (*Proc, error) {
	p, err := t.allocProc(c)
	if err != nil {
		return nil, err
	}
	sz, err := p.PT.Grow(c, 0, types.PageSize, types.PteW|types.PteX)
	if err != nil {
		t.freeproc(c, p)
		p.lock.Release(c)
		return nil, err
	}
	p.Sz = sz
	p.TF.SetEpc(0)
	p.TF.SetSP(types.PageSize)
	p.User = user
	p.Name = name
	p.Cwd = t.fsys.RootInode(c)
	t.initProc = p
	p.state = Runnable
	p.lock.Release(c)
	return p, nil
}

// Fork creates a child duplicating the caller's image, trapframe,
// user half, open files, and working directory. The child's a0 is
// zeroed so it observes a zero return. It returns the child's pid.
func (t *Table) Fork(p *Proc) (types.Pid, error) {
	c := p.cpu
	np, err := t.allocProc(c)
	if err != nil {
		return 0, err
	}

	if err := p.PT.CopyTo(c, np.PT, p.Sz); err != nil {
		t.freeproc(c, np)
		np.lock.Release(c)
		return 0, err
	}
	np.Sz = p.Sz
	if t.lazy {
		np.PT.SetLazyLimit(np.Sz)
	}

	np.TF.CopyFrom(p.TF)
	np.TF.SetA(0, 0)

	for i, f := range p.OFile {
		if f != nil {
			np.OFile[i] = f.Dup(c)
		}
	}
	np.Cwd = p.Cwd.Dup(c)
	np.User = p.User.Clone()
	np.Name = p.Name
	pid := np.pid
	np.lock.Release(c)

	t.waitLock.Acquire(c)
	np.parent = p
	t.waitLock.Release(c)

	np.lock.Acquire(c)
	np.state = Runnable
	np.lock.Release(c)

	return pid, nil
}

// reparent passes p's children to init. The caller must hold
// waitLock.
func (t *Table) reparent(c klock.CPU, p *Proc) {
	for _, np := range t.procs {
		if np.parent == p {
			np.parent = t.initProc
			t.wakeup(c, p, t.initProc.token())
		}
	}
}

// Exit terminates the calling process: open files and the working
// directory are released, children are passed to init, the parent
// is woken, and the slot turns Zombie until the parent collects it.
// The calling kernel thread does not return.
func (t *Table) Exit(p *Proc, status int) {
	if p == t.initProc {
		panic("proc: init exiting")
	}

	for i, f := range p.OFile {
		if f != nil {
			f.Close(p)
			p.OFile[i] = nil
		}
	}
	t.fsys.BeginOp(p)
	p.Cwd.Put(p)
	t.fsys.EndOp(p)
	p.Cwd = nil

	c := p.cpu
	t.waitLock.Acquire(c)
	t.reparent(c, p)
	t.wakeup(c, p, p.parent.token())

	p.lock.Acquire(c)
	p.xstate = status
	p.state = Zombie
	t.waitLock.Release(c)

	// Final handoff: p.lock travels to the scheduler, which releases
	// it, and this thread ends here.
	h := p.cpu
	if h.Noff() != 1 {
		panic("proc: exit with locks held")
	}
	if h.IntrEnabled() {
		panic("proc: exit with interrupts enabled")
	}
	t.scheds[h.ID()].ctx.resume <- h
	runtime.Goexit()
}

// Wait blocks until a child of p exits, frees the child's slot, and
// returns its pid. When addr is nonzero the child's 32-bit exit
// status is copied to that user address first. It fails if p has no
// children or has been killed.
func (t *Table) Wait(p *Proc, addr types.VirtAddr) (types.Pid, error) {
	c := p.cpu
	t.waitLock.Acquire(c)
	for {
		havekids := false
		for _, np := range t.procs {
			if np.parent != p {
				continue
			}
			np.lock.Acquire(c)
			havekids = true
			if np.state == Zombie {
				pid := np.pid
				if addr != 0 {
					var buf [4]byte
					types.DiskEndian.PutUint32(buf[:], uint32(np.xstate))
					if err := p.PT.CopyOut(c, addr, buf[:]); err != nil {
						np.lock.Release(c)
						t.waitLock.Release(c)
						return 0, err
					}
				}
				t.freeproc(c, np)
				np.lock.Release(c)
				t.waitLock.Release(c)
				return pid, nil
			}
			np.lock.Release(c)
		}

		if !havekids || p.Killed() {
			t.waitLock.Release(c)
			return 0, kerror.ErrNoProc
		}
		p.Sleep(p.token(), &t.waitLock)
		c = p.cpu
	}
}

// Kill marks the process with the given pid for termination and
// wakes it if it sleeps. The victim dies the next time it crosses
// the user boundary.
func (t *Table) Kill(c klock.CPU, pid types.Pid) error {
	for _, p := range t.procs {
		p.lock.Acquire(c)
		if p.pid == pid && p.state != Unused {
			p.killed = true
			if p.state == Sleeping {
				p.state = Runnable
			}
			p.lock.Release(c)
			return nil
		}
		p.lock.Release(c)
	}
	return kerror.ErrNoProc
}

// wakeup makes every process sleeping on ch runnable, skipping the
// caller.
func (t *Table) wakeup(c klock.CPU, skip *Proc, ch klock.Chan) {
	for _, p := range t.procs {
		if p == skip {
			continue
		}
		p.lock.Acquire(c)
		if p.state == Sleeping && p.chanTok == ch {
			p.state = Runnable
		}
		p.lock.Release(c)
	}
}

// Wakeup makes every process sleeping on ch runnable. It is the
// entry point for wakers without a process context, such as device
// interrupt handlers.
func (t *Table) Wakeup(c klock.CPU, ch klock.Chan) {
	t.wakeup(c, nil, ch)
}

// Scheduler is hart h's dispatch loop. It scans for a Runnable
// process, hands the hart to its thread, and reclaims the hart when
// the thread yields, sleeps, or exits. The process's lock travels
// with the hart across each handoff.
func (t *Table) Scheduler(h *machine.Hart) {
	sc := t.scheds[h.ID()]
	for {
		// Let devices interrupt between rounds so a hart wedged on an
		// empty table still makes progress.
		h.IntrOn()
		if t.idleIntr != nil {
			t.idleIntr(h)
		}
		h.IntrOff()

		if t.halted.Load() {
			return
		}

		ran := false
		for _, p := range t.procs {
			p.lock.Acquire(h)
			if p.state == Runnable {
				p.state = Running
				p.cpu = h
				back := swtch(&sc.ctx, &p.ctx, h)
				if back != h {
					panic("proc: scheduler got back a foreign hart")
				}
				ran = true
			}
			p.lock.Release(h)
		}
		if !ran {
			runtime.Gosched()
		}
	}
}

// Halt makes every scheduler loop return at its next round. Running
// processes finish their current dispatch first.
func (t *Table) Halt() {
	t.halted.Store(true)
}

// Dump writes one line per live process, for the console's
// diagnostic keystroke.
func (t *Table) Dump(w io.Writer) {
	for _, p := range t.procs {
		if p.state == Unused {
			continue
		}
		fmt.Fprintf(w, "%d %s %s\n", p.pid, p.state, p.Name)
	}
}
