package fs

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Device is the read/write surface a character device exposes to the
// file layer. Transfers run against user memory.
type Device interface {
	Read(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error)
	Write(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error)
}

// PipeEnd is the surface a pipe exposes to the file layer. One pipe
// backs two files, one readable and one writable; Close tells the
// pipe which side is going away.
type PipeEnd interface {
	Read(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error)
	Write(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error)
	Close(w klock.Waiter, writable bool)
}

type fileKind int

const (
	fdNone fileKind = iota
	fdInode
	fdDevice
	fdPipe
)

// File is one open-file-table entry. Descriptors sharing a File
// share its offset. ref is protected by the table lock; the offset
// is protected by the inode lock during transfers.
type File struct {
	fsys     *FS
	kind     fileKind
	ref      int
	readable bool
	writable bool

	pipe  PipeEnd
	ip    *Inode
	major uint16
	off   uint32
}

// Readable reports whether the file was opened for reading.
func (f *File) Readable() bool { return f.readable }

// Writable reports whether the file was opened for writing.
func (f *File) Writable() bool { return f.writable }

// allocFile claims a free open-file-table entry with one reference.
func (fsys *FS) allocFile(c klock.CPU) (*File, error) {
	fsys.flk.Acquire(c)
	for i := range fsys.files {
		f := &fsys.files[i]
		if f.ref == 0 {
			f.ref = 1
			f.fsys = fsys
			fsys.flk.Release(c)
			return f, nil
		}
	}
	fsys.flk.Release(c)
	return nil, kerror.ErrNoFile
}

// Dup takes another reference.
func (f *File) Dup(c klock.CPU) *File {
	f.fsys.flk.Acquire(c)
	if f.ref < 1 {
		panic("fs: dup of closed file")
	}
	f.ref++
	f.fsys.flk.Release(c)
	return f
}

// Close drops a reference. The last close releases the underlying
// pipe end or inode.
func (f *File) Close(w klock.Waiter) {
	fsys := f.fsys
	c := w.CPU()
	fsys.flk.Acquire(c)
	if f.ref < 1 {
		panic("fs: close of closed file")
	}
	f.ref--
	if f.ref > 0 {
		fsys.flk.Release(c)
		return
	}
	ff := *f
	f.kind = fdNone
	f.pipe = nil
	f.ip = nil
	fsys.flk.Release(c)

	switch ff.kind {
	case fdPipe:
		ff.pipe.Close(w, ff.writable)
	case fdInode, fdDevice:
		fsys.log.BeginOp(w)
		ff.ip.Put(w)
		fsys.log.EndOp(w)
	}
}

// Stat copies the file's metadata to user address va.
func (f *File) Stat(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr) error {
	if f.kind != fdInode && f.kind != fdDevice {
		return kerror.ErrBadArg
	}
	f.ip.Lock(w)
	st := f.ip.Stat()
	f.ip.Unlock(w)

	var buf [types.StatSize]byte
	st.Encode(buf[:])
	return pt.CopyOut(w.CPU(), va, buf[:])
}

// Read transfers up to n bytes from the file into user memory at va
// and advances the offset.
func (f *File) Read(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error) {
	if !f.readable {
		return 0, kerror.ErrNotReadable
	}
	switch f.kind {
	case fdPipe:
		return f.pipe.Read(w, pt, va, n)
	case fdDevice:
		dev := f.fsys.device(f.major)
		if dev == nil {
			return 0, kerror.ErrBadMajor
		}
		return dev.Read(w, pt, va, n)
	case fdInode:
		f.ip.Lock(w)
		got, err := f.ip.readi(w, userTarget{pt: pt, va: va, n: n}, f.off, uint32(n))
		f.off += uint32(got)
		f.ip.Unlock(w)
		return got, err
	}
	panic("fs: read of closed file")
}

// Write transfers n bytes from user memory at va into the file.
// Inode writes are split so every transaction fits the log.
func (f *File) Write(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error) {
	if !f.writable {
		return 0, kerror.ErrNotWritable
	}
	switch f.kind {
	case fdPipe:
		return f.pipe.Write(w, pt, va, n)
	case fdDevice:
		dev := f.fsys.device(f.major)
		if dev == nil {
			return 0, kerror.ErrBadMajor
		}
		return dev.Write(w, pt, va, n)
	case fdInode:
		// A worst-case block write dirties the bitmap, the inode,
		// the indirect block, and the log header's accounting slack;
		// halve the rest for the data itself.
		max := ((types.MaxOpBlocks - 4) / 2) * types.BlockSize
		put := 0
		for put < n {
			m := n - put
			if m > max {
				m = max
			}
			f.fsys.log.BeginOp(w)
			f.ip.Lock(w)
			got, err := f.ip.writei(w, userTarget{pt: pt, va: va + types.VirtAddr(put), n: m}, f.off, uint32(m))
			f.off += uint32(got)
			f.ip.Unlock(w)
			f.fsys.log.EndOp(w)
			put += got
			if err != nil {
				return put, err
			}
			if got != m {
				return put, kerror.ErrNoSpace
			}
		}
		return put, nil
	}
	panic("fs: write of closed file")
}

// NewPipePair wraps a pipe in a read file and a write file.
func (fsys *FS) NewPipePair(w klock.Waiter, pe PipeEnd) (rf, wf *File, err error) {
	c := w.CPU()
	rf, err = fsys.allocFile(c)
	if err != nil {
		return nil, nil, err
	}
	wf, err = fsys.allocFile(c)
	if err != nil {
		rf.Close(w)
		return nil, nil, err
	}
	rf.kind = fdPipe
	rf.readable = true
	rf.writable = false
	rf.pipe = pe
	wf.kind = fdPipe
	wf.readable = false
	wf.writable = true
	wf.pipe = pe
	return rf, wf, nil
}
