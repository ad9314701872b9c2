// Package kernel assembles the machine into a running system. Boot
// mounts the root file system, builds the kernel address space, the
// process table, the trap layer, and the system-call dispatcher,
// installs the first process, and Start drives one scheduler per
// hart plus the timer.
package kernel

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/console"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/fs"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kalloc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/syscall"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/trap"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Kernel is one booted system.
type Kernel struct {
	Mach     *machine.Machine
	Alloc    *kalloc.Allocator
	KPT      *vm.PageTable
	FS       *fs.FS
	Console  *console.Console
	Table    *proc.Table
	Trap     *trap.Trap
	Registry *trap.Registry

	tickEvery time.Duration
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Options tunes a boot.
type Options struct {
	ConsoleEcho bool
	LazySbrk    bool

	// TickEvery is the wall-clock period of the simulated timer
	// interrupt; zero means one millisecond.
	TickEvery time.Duration

	// Init replaces the built-in first program.
	Init *trap.Program
}

// Boot wires every subsystem over mach and installs the first
// process. The returned kernel is ready for Start.
func Boot(mach *machine.Machine, opts Options) (*Kernel, error) {
	h := mach.Harts[0]

	alloc := kalloc.New(mach.RAM, types.KernBase+types.KernImageBytes)
	tramp, err := alloc.AllocZero(h)
	if err != nil {
		return nil, fmt.Errorf("kernel: allocating trampoline: %w", err)
	}
	kpt, err := vm.NewKernelSpace(h, mach.RAM, alloc, tramp)
	if err != nil {
		return nil, fmt.Errorf("kernel: building kernel space: %w", err)
	}

	fsys, err := fs.Mount(bootWaiter{h}, mach.Disk)
	if err != nil {
		return nil, fmt.Errorf("kernel: mounting root: %w", err)
	}

	cons := console.New(mach.UART, opts.ConsoleEcho)
	fsys.RegisterDevice(types.ConsoleMajor, cons)

	tr := trap.New(mach, cons)
	table, err := proc.NewTable(h, mach.RAM, alloc, kpt, tramp, len(mach.Harts), fsys, opts.LazySbrk)
	if err != nil {
		return nil, fmt.Errorf("kernel: building process table: %w", err)
	}
	tr.Bind(table, kpt.MakeSatp())
	table.SetForkEntry(tr.ForkEntry)
	table.SetIdleIntr(tr.PollDevices)

	registry := trap.NewRegistry()
	syscall.New(table, fsys, tr, registry)

	tick := opts.TickEvery
	if tick == 0 {
		tick = time.Millisecond
	}
	k := &Kernel{
		Mach:      mach,
		Alloc:     alloc,
		KPT:       kpt,
		FS:        fsys,
		Console:   cons,
		Table:     table,
		Trap:      tr,
		Registry:  registry,
		tickEvery: tick,
		stop:      make(chan struct{}),
	}
	cons.SetDumpHook(func() {
		table.Dump(k.ConsoleWriter())
	})

	prog := opts.Init
	if prog == nil {
		prog = InitProgram()
	}
	if _, err := table.UserInit(h, trap.NewScripted(prog), prog.Name); err != nil {
		return nil, fmt.Errorf("kernel: installing %s: %w", prog.Name, err)
	}
	return k, nil
}

// Banner writes the boot banner to the console.
func (k *Kernel) Banner() {
	fmt.Fprintf(k.ConsoleWriter(), "\nriscvos kernel booting\nboot %s, %d harts, %d free pages\n\n",
		k.Mach.BootID, len(k.Mach.Harts), k.Alloc.NFree(k.Mach.Harts[0]))
}

// Start launches one scheduler per hart and the timer.
func (k *Kernel) Start() {
	for _, h := range k.Mach.Harts {
		k.wg.Add(1)
		go func(h *machine.Hart) {
			defer k.wg.Done()
			k.Table.Scheduler(h)
		}(h)
	}
	k.wg.Add(1)
	go k.timer()
}

// Shutdown stops the timer and parks every scheduler after its
// current dispatch.
func (k *Kernel) Shutdown() {
	close(k.stop)
	k.Table.Halt()
	k.wg.Wait()
}

func (k *Kernel) timer() {
	defer k.wg.Done()
	t := time.NewTicker(k.tickEvery)
	defer t.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-t.C:
			for _, h := range k.Mach.Harts {
				h.RaiseTimer()
			}
		}
	}
}

// ConsoleWriter returns a writer onto the console UART.
func (k *Kernel) ConsoleWriter() io.Writer {
	return uartWriter{k.Mach.UART}
}

type uartWriter struct {
	u *machine.SimUART
}

func (w uartWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.u.PutByte(b)
	}
	return len(p), nil
}

// bootWaiter serves the lock and log layers during the
// single-threaded boot path, before any process exists. Having to
// wait at boot is a bug.
type bootWaiter struct {
	h *machine.Hart
}

func (w bootWaiter) CPU() klock.CPU { return w.h }

func (w bootWaiter) Pid() int { return 0 }

func (w bootWaiter) Killed() bool { return false }

func (w bootWaiter) Wakeup(ch klock.Chan) {}

func (w bootWaiter) Sleep(ch klock.Chan, lk *klock.SpinLock) {
	panic("kernel: sleep during boot")
}
