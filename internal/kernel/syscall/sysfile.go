package syscall

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/fs"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/pipe"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

func (d *Dispatcher) sysDup(p *proc.Proc) (uint64, error) {
	_, f, err := argFile(p, 0)
	if err != nil {
		return 0, err
	}
	nfd, err := fdAlloc(p, f)
	if err != nil {
		return 0, err
	}
	f.Dup(p.CPU())
	return uint64(nfd), nil
}

func (d *Dispatcher) sysRead(p *proc.Proc) (uint64, error) {
	_, f, err := argFile(p, 0)
	if err != nil {
		return 0, err
	}
	got, err := f.Read(p, p.PT, argAddr(p, 1), argInt(p, 2))
	if err != nil {
		return 0, err
	}
	return uint64(got), nil
}

func (d *Dispatcher) sysWrite(p *proc.Proc) (uint64, error) {
	_, f, err := argFile(p, 0)
	if err != nil {
		return 0, err
	}
	put, err := f.Write(p, p.PT, argAddr(p, 1), argInt(p, 2))
	if err != nil {
		return 0, err
	}
	return uint64(put), nil
}

func (d *Dispatcher) sysClose(p *proc.Proc) (uint64, error) {
	fd, f, err := argFile(p, 0)
	if err != nil {
		return 0, err
	}
	p.OFile[fd] = nil
	f.Close(p)
	return 0, nil
}

func (d *Dispatcher) sysFstat(p *proc.Proc) (uint64, error) {
	_, f, err := argFile(p, 0)
	if err != nil {
		return 0, err
	}
	return 0, f.Stat(p, p.PT, argAddr(p, 1))
}

func (d *Dispatcher) sysOpen(p *proc.Proc) (uint64, error) {
	path, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	f, err := d.fsys.Open(p, p.Cwd, path, argInt(p, 1))
	if err != nil {
		return 0, err
	}
	fd, err := fdAlloc(p, f)
	if err != nil {
		f.Close(p)
		return 0, err
	}
	return uint64(fd), nil
}

func (d *Dispatcher) sysMkdir(p *proc.Proc) (uint64, error) {
	path, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	return 0, d.fsys.Mkdir(p, p.Cwd, path)
}

func (d *Dispatcher) sysMknod(p *proc.Proc) (uint64, error) {
	path, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	major := uint16(argInt(p, 1))
	minor := uint16(argInt(p, 2))
	return 0, d.fsys.Mknod(p, p.Cwd, path, major, minor)
}

func (d *Dispatcher) sysLink(p *proc.Proc) (uint64, error) {
	oldpath, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	newpath, err := argStr(p, 1)
	if err != nil {
		return 0, err
	}
	return 0, d.fsys.Link(p, p.Cwd, oldpath, newpath)
}

func (d *Dispatcher) sysUnlink(p *proc.Proc) (uint64, error) {
	path, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	return 0, d.fsys.Unlink(p, p.Cwd, path)
}

func (d *Dispatcher) sysChdir(p *proc.Proc) (uint64, error) {
	path, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	nc, err := d.fsys.Chdir(p, p.Cwd, path)
	if err != nil {
		return 0, err
	}
	p.Cwd = nc
	return 0, nil
}

// sysPipe allocates a pipe pair and writes the two descriptors, as
// 32-bit values, to the user array argument.
func (d *Dispatcher) sysPipe(p *proc.Proc) (uint64, error) {
	fdarray := argAddr(p, 0)
	rf, wf, err := d.fsys.NewPipePair(p, pipe.New())
	if err != nil {
		return 0, err
	}
	fd0, err := fdAlloc(p, rf)
	if err != nil {
		rf.Close(p)
		wf.Close(p)
		return 0, err
	}
	fd1, err := fdAlloc(p, wf)
	if err != nil {
		p.OFile[fd0] = nil
		rf.Close(p)
		wf.Close(p)
		return 0, err
	}

	var buf [8]byte
	types.DiskEndian.PutUint32(buf[0:4], uint32(fd0))
	types.DiskEndian.PutUint32(buf[4:8], uint32(fd1))
	if err := p.PT.CopyOut(p.CPU(), fdarray, buf[:]); err != nil {
		p.OFile[fd0] = nil
		p.OFile[fd1] = nil
		rf.Close(p)
		wf.Close(p)
		return 0, err
	}
	return 0, nil
}

var _ fs.PipeEnd = (*pipe.Pipe)(nil)
