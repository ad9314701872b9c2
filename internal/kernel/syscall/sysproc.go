package syscall

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

func (d *Dispatcher) sysFork(p *proc.Proc) (uint64, error) {
	pid, err := d.table.Fork(p)
	if err != nil {
		return 0, err
	}
	return uint64(pid), nil
}

// sysExit does not return.
func (d *Dispatcher) sysExit(p *proc.Proc) {
	d.table.Exit(p, argInt(p, 0))
}

func (d *Dispatcher) sysWait(p *proc.Proc) (uint64, error) {
	pid, err := d.table.Wait(p, argAddr(p, 0))
	if err != nil {
		return 0, err
	}
	return uint64(pid), nil
}

func (d *Dispatcher) sysKill(p *proc.Proc) (uint64, error) {
	return 0, d.table.Kill(p.CPU(), types.Pid(argInt(p, 0)))
}

func (d *Dispatcher) sysGetpid(p *proc.Proc) (uint64, error) {
	return uint64(p.Pid()), nil
}

// sysSbrk grows or shrinks the image and returns its previous size,
// which is the start of any freshly granted region.
func (d *Dispatcher) sysSbrk(p *proc.Proc) (uint64, error) {
	addr := p.Sz
	if err := p.Grow(int64(argInt(p, 0))); err != nil {
		return 0, err
	}
	return addr, nil
}

func (d *Dispatcher) sysPause(p *proc.Proc) (uint64, error) {
	return 0, d.tr.Pause(p, argRaw(p, 0))
}

func (d *Dispatcher) sysUptime(p *proc.Proc) (uint64, error) {
	return d.tr.Ticks(p.CPU()), nil
}
