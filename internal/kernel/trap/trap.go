// Package trap dispatches user-boundary crossings: system calls,
// page faults, and device interrupts. It also drives each process's
// user half, polling for interrupts between user steps the way
// hardware would deliver them between instructions.
package trap

import (
	"unsafe"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/console"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Trap owns the user-boundary state: the syscall handler the
// dispatcher calls, the tick counter, and the console the UART
// interrupt feeds.
type Trap struct {
	mach *machine.Machine
	cons *console.Console

	table      *proc.Table
	kernelSatp uint64
	syscall    func(*proc.Proc)

	tickLk klock.SpinLock
	ticks  uint64
}

// New creates the trap layer. Bind and SetSyscallHandler must both
// run before any process is scheduled.
func New(mach *machine.Machine, cons *console.Console) *Trap {
	return &Trap{
		mach:   mach,
		cons:   cons,
		tickLk: klock.NewSpinLock("time"),
	}
}

// Bind attaches the process table and the kernel satp used when
// returning to the kernel side of the trampoline.
func (t *Trap) Bind(table *proc.Table, kernelSatp uint64) {
	t.table = table
	t.kernelSatp = kernelSatp
}

// SetSyscallHandler installs the system-call dispatcher.
func (t *Trap) SetSyscallHandler(fn func(*proc.Proc)) {
	t.syscall = fn
}

func (t *Trap) tickToken() klock.Chan {
	return klock.TokenOf(unsafe.Pointer(&t.ticks))
}

// Ticks returns the number of timer ticks since boot.
func (t *Trap) Ticks(c klock.CPU) uint64 {
	t.tickLk.Acquire(c)
	n := t.ticks
	t.tickLk.Release(c)
	return n
}

// Pause blocks the process for n ticks, failing early if it is
// killed.
func (t *Trap) Pause(p *proc.Proc, n uint64) error {
	c := p.CPU()
	t.tickLk.Acquire(c)
	t0 := t.ticks
	for t.ticks-t0 < n {
		if p.Killed() {
			t.tickLk.Release(p.CPU())
			return kerror.ErrKilled
		}
		p.Sleep(t.tickToken(), &t.tickLk)
	}
	t.tickLk.Release(p.CPU())
	return nil
}

// tick advances the clock and wakes Pause sleepers.
func (t *Trap) tick(w klock.Waiter) {
	c := w.CPU()
	t.tickLk.Acquire(c)
	t.ticks++
	w.Wakeup(t.tickToken())
	t.tickLk.Release(c)
}

// ForkEntry is the first code a new process's kernel thread runs. It
// finishes the trapframe the way a return to user space would and
// enters the user loop.
func (t *Trap) ForkEntry(p *proc.Proc) {
	tf := p.TF
	tf.SetKernelSatp(t.kernelSatp)
	tf.SetKernelSP(uint64(p.KStack) + types.PageSize)
	tf.SetHartID(uint64(p.Hart().ID()))
	p.Hart().IntrOn()
	t.userLoop(p)
}

// userLoop alternates user steps with the interrupt poll a real hart
// performs between instructions. It leaves only through Exit.
func (t *Trap) userLoop(p *proc.Proc) {
	for {
		if p.Killed() {
			t.table.Exit(p, -1)
		}
		t.devIntr(p)

		us, ok := p.User.(*Scripted)
		if !ok {
			panic("trap: process has no user half")
		}
		if us.pc >= len(us.prog.Steps) {
			// Running off the end of the program is an implicit
			// exit(0).
			t.table.Exit(p, 0)
		}
		step := us.prog.Steps[us.pc]
		us.pc++
		env := Env{t: t, p: p}
		step(&env)
	}
}

// Dispatch handles one synchronous user trap. Load and store faults
// go to the lazy-allocation path; anything unhandled kills the
// process.
func (t *Trap) Dispatch(p *proc.Proc, cause, tval uint64) {
	switch cause {
	case types.ExcEnvCallUser:
		if p.Killed() {
			t.table.Exit(p, -1)
		}
		p.TF.SetEpc(p.TF.Epc() + 4)
		t.syscall(p)
	case types.ExcLoadPageFault, types.ExcStorePageFault:
		if err := p.PT.HandleFault(p.CPU(), types.VirtAddr(tval)); err != nil {
			p.SetKilled()
		}
	default:
		p.SetKilled()
	}
	if p.Killed() {
		t.table.Exit(p, -1)
	}
}

// devIntr claims and services pending device interrupts, then yields
// on a timer tick so compute-bound processes still share the hart.
func (t *Trap) devIntr(p *proc.Proc) {
	h := p.Hart()
	if !h.IntrEnabled() {
		return
	}
	t.plicPoll(p, h)
	if h.TakeTimer() {
		// Only the boot hart advances the clock; every hart yields.
		if h.ID() == 0 {
			t.tick(p)
		}
		p.Yield()
	}
}

// PollDevices services pending interrupts from scheduler context, so
// the clock keeps advancing and console input keeps flowing while
// every process sleeps.
func (t *Trap) PollDevices(h *machine.Hart) {
	w := hartWaiter{h: h, table: t.table}
	t.plicPoll(w, h)
	if h.TakeTimer() && h.ID() == 0 {
		t.tick(w)
	}
}

// plicPoll claims one pending interrupt and services it.
func (t *Trap) plicPoll(w klock.Waiter, h *machine.Hart) {
	irq := t.mach.PLIC.Claim(h.ID())
	if irq == machine.IRQNone {
		return
	}
	if irq == machine.IRQUart {
		for {
			b, ok := t.mach.UART.GetByte()
			if !ok {
				break
			}
			t.cons.Intr(w, b)
		}
	}
	t.mach.PLIC.Complete(h.ID(), irq)
}

// hartWaiter stands in for a process when interrupt work runs on a
// hart with no process context. It can wake sleepers but never sleep.
type hartWaiter struct {
	h     *machine.Hart
	table *proc.Table
}

func (w hartWaiter) CPU() klock.CPU { return w.h }

func (w hartWaiter) Pid() int { return 0 }

func (w hartWaiter) Killed() bool { return false }

func (w hartWaiter) Wakeup(ch klock.Chan) {
	w.table.Wakeup(w.h, ch)
}

func (w hartWaiter) Sleep(ch klock.Chan, lk *klock.SpinLock) {
	panic("trap: sleep without a process")
}

// Env is a user step's window into the kernel.
type Env struct {
	t *Trap
	p *proc.Proc
}

// Proc returns the process executing the step.
func (e *Env) Proc() *proc.Proc {
	return e.p
}

// Ecall performs one system call: arguments go into the argument
// registers, the trap dispatcher runs, and the return value comes
// back out of a0.
func (e *Env) Ecall(num uint64, args ...uint64) uint64 {
	if len(args) > 6 {
		panic("trap: too many syscall arguments")
	}
	tf := e.p.TF
	tf.SetA(7, num)
	for i := 0; i < 6; i++ {
		v := uint64(0)
		if i < len(args) {
			v = args[i]
		}
		tf.SetA(i, v)
	}
	e.t.Dispatch(e.p, types.ExcEnvCallUser, 0)
	return tf.A(0)
}

// Retval returns a0, the return value of the most recent system
// call. A forked child reads 0 here in its first step.
func (e *Env) Retval() uint64 {
	return e.p.TF.A(0)
}

// Poke stores data into the process's own memory, as the program's
// store instructions would.
func (e *Env) Poke(va uint64, data []byte) bool {
	return e.p.PT.CopyOut(e.p.CPU(), types.VirtAddr(va), data) == nil
}

// Peek reads n bytes of the process's own memory.
func (e *Env) Peek(va uint64, n int) ([]byte, bool) {
	buf := make([]byte, n)
	if err := e.p.PT.CopyIn(e.p.CPU(), buf, types.VirtAddr(va)); err != nil {
		return nil, false
	}
	return buf, true
}

// Touch performs a user memory access at va, faulting the page in
// the way a load or store would.
func (e *Env) Touch(va uint64, store bool) bool {
	cause := types.ExcLoadPageFault
	if store {
		cause = types.ExcStorePageFault
	}
	if _, _, ok := e.p.PT.Translate(e.p.CPU(), types.VirtAddr(va)); ok {
		return true
	}
	e.t.Dispatch(e.p, cause, va)
	return !e.p.Killed()
}
