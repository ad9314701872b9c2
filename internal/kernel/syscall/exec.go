package syscall

import (
	"path"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/fs"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/proc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/trap"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// sysExec gathers the path and the NUL-terminated argv pointer array
// from user memory, then replaces the calling image.
func (d *Dispatcher) sysExec(p *proc.Proc) (uint64, error) {
	pathname, err := argStr(p, 0)
	if err != nil {
		return 0, err
	}
	uargv := argAddr(p, 1)
	c := p.CPU()

	var argv []string
	for i := 0; ; i++ {
		if i >= types.MaxArgs {
			return 0, kerror.ErrBadArg
		}
		var ptr [8]byte
		if err := p.PT.CopyIn(c, ptr[:], uargv+types.VirtAddr(8*i)); err != nil {
			return 0, err
		}
		uarg := types.DiskEndian.Uint64(ptr[:])
		if uarg == 0 {
			break
		}
		buf := make([]byte, types.PageSize)
		s, err := p.PT.CopyInStr(c, buf, types.VirtAddr(uarg))
		if err != nil {
			return 0, err
		}
		argv = append(argv, s)
	}
	return d.exec(p, pathname, argv)
}

// exec builds a fresh image from the executable at pathname, lays the
// arguments out on the new stack, and commits the replacement. On
// success the process resumes at the image's entry with argc in a0
// and the argv array's address in a1; on failure the old image is
// untouched.
func (d *Dispatcher) exec(p *proc.Proc, pathname string, argv []string) (uint64, error) {
	c := p.CPU()

	prog, ok := d.registry.Lookup(pathname)
	if !ok {
		return 0, kerror.ErrNotFound
	}

	d.fsys.BeginOp(p)
	ip, err := d.fsys.NameI(p, p.Cwd, pathname)
	if err != nil {
		d.fsys.EndOp(p)
		return 0, err
	}
	ip.Lock(p)
	pt, sz, entry, err := d.loadImage(p, ip)
	ip.UnlockPut(p)
	d.fsys.EndOp(p)
	if err != nil {
		return 0, err
	}

	// Two pages on top of the image: the lower is the stack guard.
	sz = types.PageRoundUp(sz)
	nsz, err := pt.Grow(c, sz, sz+2*types.PageSize, types.PteW)
	if err != nil {
		pt.Free(c, sz)
		return 0, err
	}
	sz = nsz
	pt.ClearUser(c, types.VirtAddr(sz-2*types.PageSize))
	sp := sz
	stackBase := sz - types.PageSize

	// Argument strings first, then the pointer array above them.
	ustack := make([]uint64, 0, len(argv)+1)
	for _, arg := range argv {
		sp -= uint64(len(arg)) + 1
		sp &^= 15
		if sp < stackBase {
			pt.Free(c, sz)
			return 0, kerror.ErrBadArg
		}
		if err := pt.CopyOut(c, types.VirtAddr(sp), append([]byte(arg), 0)); err != nil {
			pt.Free(c, sz)
			return 0, err
		}
		ustack = append(ustack, sp)
	}
	ustack = append(ustack, 0)

	sp -= uint64(len(ustack)) * 8
	sp &^= 15
	if sp < stackBase {
		pt.Free(c, sz)
		return 0, kerror.ErrBadArg
	}
	ptrs := make([]byte, len(ustack)*8)
	for i, v := range ustack {
		types.DiskEndian.PutUint64(ptrs[i*8:], v)
	}
	if err := pt.CopyOut(c, types.VirtAddr(sp), ptrs); err != nil {
		pt.Free(c, sz)
		return 0, err
	}
	p.TF.SetA(1, sp)

	oldpt, oldsz := p.PT, p.Sz
	p.PT = pt
	p.Sz = sz
	if d.table.Lazy() {
		pt.SetLazyLimit(sz)
	}
	p.TF.SetEpc(entry)
	p.TF.SetSP(sp)
	p.User = trap.NewScripted(prog)
	p.Name = path.Base(pathname)
	oldpt.Free(c, oldsz)

	return uint64(len(argv)), nil
}

// loadImage parses the ELF at ip and maps its loadable segments into
// a fresh address space. The caller owns the returned table and must
// free it on any later failure.
func (d *Dispatcher) loadImage(p *proc.Proc, ip *fs.Inode) (*vm.PageTable, uint64, uint64, error) {
	c := p.CPU()

	var hdr [types.ELFHeaderSize]byte
	if n, err := ip.ReadAt(p, hdr[:], 0); err != nil || n != len(hdr) {
		if err == nil {
			err = kerror.ErrBadELF
		}
		return nil, 0, 0, err
	}
	eh, err := types.ParseELFHeader(hdr[:])
	if err != nil {
		return nil, 0, 0, err
	}

	pt, err := d.table.NewUserSpaceFor(c, p)
	if err != nil {
		return nil, 0, 0, err
	}

	sz := uint64(0)
	for i := uint64(0); i < uint64(eh.Phnum); i++ {
		var phb [types.ELFProgEntrySize]byte
		off := uint32(eh.Phoff + i*types.ELFProgEntrySize)
		if n, err := ip.ReadAt(p, phb[:], off); err != nil || n != len(phb) {
			if err == nil {
				err = kerror.ErrBadELF
			}
			pt.Free(c, sz)
			return nil, 0, 0, err
		}
		ph, err := types.ParseELFProgHeader(phb[:])
		if err != nil {
			pt.Free(c, sz)
			return nil, 0, 0, err
		}
		if ph.Type != types.ELFProgLoad {
			continue
		}
		if ph.Memsz < ph.Filesz || ph.Vaddr+ph.Memsz < ph.Vaddr || ph.Vaddr%types.PageSize != 0 {
			pt.Free(c, sz)
			return nil, 0, 0, kerror.ErrBadELF
		}
		nsz, err := pt.Grow(c, sz, ph.Vaddr+ph.Memsz, segPerm(ph.Flags))
		if err != nil {
			pt.Free(c, sz)
			return nil, 0, 0, err
		}
		sz = nsz
		if err := loadSeg(p, pt, types.VirtAddr(ph.Vaddr), ip, ph.Off, ph.Filesz); err != nil {
			pt.Free(c, sz)
			return nil, 0, 0, err
		}
	}
	return pt, sz, eh.Entry, nil
}

// loadSeg copies n bytes of the file at off into pt at va, a page at
// a time, ignoring the mapping's write bit so text pages can be
// filled.
func loadSeg(p *proc.Proc, pt *vm.PageTable, va types.VirtAddr, ip *fs.Inode, off, n uint64) error {
	c := p.CPU()
	buf := make([]byte, types.PageSize)
	for done := uint64(0); done < n; {
		m := n - done
		if m > types.PageSize {
			m = types.PageSize
		}
		got, err := ip.ReadAt(p, buf[:m], uint32(off+done))
		if err != nil {
			return err
		}
		if got != int(m) {
			return kerror.ErrBadELF
		}
		if err := pt.LoadInto(c, va+types.VirtAddr(done), buf[:m]); err != nil {
			return err
		}
		done += m
	}
	return nil
}

// segPerm maps ELF segment flags onto extra page permissions. Read
// and user come from the mapping path itself.
func segPerm(flags uint32) types.PTE {
	var perm types.PTE
	if flags&1 != 0 {
		perm |= types.PteX
	}
	if flags&2 != 0 {
		perm |= types.PteW
	}
	return perm
}
