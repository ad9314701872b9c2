// Package syscall decodes and dispatches system calls. Arguments
// arrive in the trapframe's argument registers and the result goes
// back in a0, with every failure folded into the all-ones sentinel
// user code tests against.
package syscall

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/fs"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/trap"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Dispatcher routes each system call number to its kernel
// implementation.
type Dispatcher struct {
	table    *proc.Table
	fsys     *fs.FS
	tr       *trap.Trap
	registry *trap.Registry
}

// New builds the dispatcher and installs it as the trap layer's
// system-call handler.
func New(table *proc.Table, fsys *fs.FS, tr *trap.Trap, registry *trap.Registry) *Dispatcher {
	d := &Dispatcher{
		table:    table,
		fsys:     fsys,
		tr:       tr,
		registry: registry,
	}
	tr.SetSyscallHandler(d.dispatch)
	return d
}

// dispatch runs one system call for p. Exit is the only path that
// does not end here with a result in a0; a successful exec leaves
// argc there.
func (d *Dispatcher) dispatch(p *proc.Proc) {
	var (
		ret uint64
		err error
	)
	switch num := p.TF.A(7); num {
	case types.SysFork:
		ret, err = d.sysFork(p)
	case types.SysExit:
		d.sysExit(p)
	case types.SysWait:
		ret, err = d.sysWait(p)
	case types.SysPipe:
		ret, err = d.sysPipe(p)
	case types.SysRead:
		ret, err = d.sysRead(p)
	case types.SysKill:
		ret, err = d.sysKill(p)
	case types.SysExec:
		ret, err = d.sysExec(p)
	case types.SysFstat:
		ret, err = d.sysFstat(p)
	case types.SysChdir:
		ret, err = d.sysChdir(p)
	case types.SysDup:
		ret, err = d.sysDup(p)
	case types.SysGetpid:
		ret, err = d.sysGetpid(p)
	case types.SysSbrk:
		ret, err = d.sysSbrk(p)
	case types.SysPause:
		ret, err = d.sysPause(p)
	case types.SysUptime:
		ret, err = d.sysUptime(p)
	case types.SysOpen:
		ret, err = d.sysOpen(p)
	case types.SysWrite:
		ret, err = d.sysWrite(p)
	case types.SysMknod:
		ret, err = d.sysMknod(p)
	case types.SysUnlink:
		ret, err = d.sysUnlink(p)
	case types.SysLink:
		ret, err = d.sysLink(p)
	case types.SysMkdir:
		ret, err = d.sysMkdir(p)
	case types.SysClose:
		ret, err = d.sysClose(p)
	default:
		err = kerror.ErrBadSyscall
	}
	if err != nil {
		ret = types.ErrRet
	}
	p.TF.SetA(0, ret)
}

// argRaw fetches the nth argument register unchanged.
func argRaw(p *proc.Proc, n int) uint64 {
	return p.TF.A(n)
}

// argInt fetches the nth argument as a signed integer.
func argInt(p *proc.Proc, n int) int {
	return int(int64(p.TF.A(n)))
}

// argAddr fetches the nth argument as a user virtual address.
func argAddr(p *proc.Proc, n int) types.VirtAddr {
	return types.VirtAddr(p.TF.A(n))
}

// argStr fetches the nth argument as a NUL-terminated user string of
// at most MaxPathLen bytes.
func argStr(p *proc.Proc, n int) (string, error) {
	var buf [types.MaxPathLen]byte
	return p.PT.CopyInStr(p.CPU(), buf[:], argAddr(p, n))
}

// argFile resolves the nth argument as an open file descriptor.
func argFile(p *proc.Proc, n int) (int, *fs.File, error) {
	fd := argInt(p, n)
	if fd < 0 || fd >= types.NOFile || p.OFile[fd] == nil {
		return 0, nil, kerror.ErrBadFD
	}
	return fd, p.OFile[fd], nil
}

// fdAlloc places f in the lowest free descriptor slot.
func fdAlloc(p *proc.Proc, f *fs.File) (int, error) {
	for fd, of := range p.OFile {
		if of == nil {
			p.OFile[fd] = f
			return fd, nil
		}
	}
	return 0, kerror.ErrNoFD
}
