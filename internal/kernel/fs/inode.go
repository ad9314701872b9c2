package fs

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Inode is an in-core inode. ref counts in-core pointers and is
// protected by the inode table's lock; the sleep-lock protects valid
// and the copied disk fields. An inode whose link count reaches zero
// is freed on the last Put.
type Inode struct {
	fsys *FS
	inum types.Inum
	ref  int
	lock klock.SleepLock

	valid bool
	typ   uint16
	major uint16
	minor uint16
	nlink uint16
	size  uint32
	addrs [types.NDirect + 1]uint32
}

// Inum returns the inode number.
func (ip *Inode) Inum() types.Inum { return ip.inum }

// Type returns the inode type. The inode must be locked.
func (ip *Inode) Type() uint16 { return ip.typ }

// Major returns the device major number. The inode must be locked.
func (ip *Inode) Major() uint16 { return ip.major }

// Minor returns the device minor number. The inode must be locked.
func (ip *Inode) Minor() uint16 { return ip.minor }

// Size returns the file size in bytes. The inode must be locked.
func (ip *Inode) Size() uint32 { return ip.size }

// NLink returns the on-disk link count. The inode must be locked.
func (ip *Inode) NLink() uint16 { return ip.nlink }

// iget returns an in-core inode for inum without reading the disk
// and without locking it.
func (fsys *FS) iget(c klock.CPU, inum types.Inum) *Inode {
	fsys.ilk.Acquire(c)

	var empty *Inode
	for i := range fsys.inodes {
		ip := &fsys.inodes[i]
		if ip.ref > 0 && ip.inum == inum {
			ip.ref++
			fsys.ilk.Release(c)
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		panic("fs: no free in-core inodes")
	}
	empty.fsys = fsys
	empty.inum = inum
	empty.ref = 1
	empty.valid = false
	fsys.ilk.Release(c)
	return empty
}

// ialloc allocates a fresh on-disk inode of the given type and
// returns it unlocked. Must run inside a transaction.
func (fsys *FS) ialloc(w klock.Waiter, typ uint16) (*Inode, error) {
	for inum := types.Inum(1); uint32(inum) < fsys.sb.NInodes; inum++ {
		bp := fsys.bc.Read(w, types.InodeBlock(inum, &fsys.sb))
		off := int(uint32(inum)%types.InodesPerBlock) * types.DiskInodeSize
		slot := bp.Data[off : off+types.DiskInodeSize]
		if types.DiskEndian.Uint16(slot[0:2]) == types.FileTypeFree {
			for i := range slot {
				slot[i] = 0
			}
			types.DiskEndian.PutUint16(slot[0:2], typ)
			fsys.log.Write(w, bp)
			fsys.bc.Release(w, bp)
			return fsys.iget(w.CPU(), inum), nil
		}
		fsys.bc.Release(w, bp)
	}
	return nil, kerror.ErrNoInode
}

// Dup takes another reference.
func (ip *Inode) Dup(c klock.CPU) *Inode {
	ip.fsys.ilk.Acquire(c)
	ip.ref++
	ip.fsys.ilk.Release(c)
	return ip
}

// update flushes the in-core copy to the on-disk inode. Must run
// inside a transaction; the caller must hold the inode lock.
func (ip *Inode) update(w klock.Waiter) {
	fsys := ip.fsys
	bp := fsys.bc.Read(w, types.InodeBlock(ip.inum, &fsys.sb))
	off := int(uint32(ip.inum)%types.InodesPerBlock) * types.DiskInodeSize
	di := types.DiskInode{
		Type:  ip.typ,
		Major: ip.major,
		Minor: ip.minor,
		NLink: ip.nlink,
		Size:  ip.size,
		Addrs: ip.addrs,
	}
	di.Encode(bp.Data[off : off+types.DiskInodeSize])
	fsys.log.Write(w, bp)
	fsys.bc.Release(w, bp)
}

// Lock locks the inode, reading it from disk on first use.
func (ip *Inode) Lock(w klock.Waiter) {
	if ip == nil || ip.ref < 1 {
		panic("fs: lock of dead inode")
	}
	ip.lock.Acquire(w)
	if ip.valid {
		return
	}
	fsys := ip.fsys
	bp := fsys.bc.Read(w, types.InodeBlock(ip.inum, &fsys.sb))
	off := int(uint32(ip.inum)%types.InodesPerBlock) * types.DiskInodeSize
	di, err := types.ParseDiskInode(bp.Data[off : off+types.DiskInodeSize])
	if err != nil {
		panic("fs: " + err.Error())
	}
	ip.typ = di.Type
	ip.major = di.Major
	ip.minor = di.Minor
	ip.nlink = di.NLink
	ip.size = di.Size
	ip.addrs = di.Addrs
	fsys.bc.Release(w, bp)
	ip.valid = true
	if ip.typ == types.FileTypeFree {
		panic("fs: lock of free inode")
	}
}

// Unlock releases the inode lock.
func (ip *Inode) Unlock(w klock.Waiter) {
	if ip == nil || !ip.lock.Holding(w) || ip.ref < 1 {
		panic("fs: unlock of unlocked inode")
	}
	ip.lock.Release(w)
}

// Put drops an in-core reference. When the last reference to an
// unlinked inode drops, its contents and the inode itself are freed;
// the caller must be inside a transaction in case that happens.
func (ip *Inode) Put(w klock.Waiter) {
	fsys := ip.fsys
	c := w.CPU()
	fsys.ilk.Acquire(c)

	if ip.ref == 1 && ip.valid && ip.nlink == 0 {
		// No other reference exists, so the sleep-lock cannot be
		// contended and nobody can revive the inode meanwhile.
		ip.lock.Acquire(w)
		fsys.ilk.Release(c)

		ip.trunc(w)
		ip.typ = types.FileTypeFree
		ip.update(w)
		ip.valid = false

		ip.lock.Release(w)
		c = w.CPU()
		fsys.ilk.Acquire(c)
	}

	ip.ref--
	fsys.ilk.Release(c)
}

// UnlockPut unlocks and drops the reference in one step.
func (ip *Inode) UnlockPut(w klock.Waiter) {
	ip.Unlock(w)
	ip.Put(w)
}

// bmap returns the disk block holding byte offset bn*BlockSize of
// the file, allocating data and indirect blocks on demand. A newly
// filled indirect entry is logged before use.
func (ip *Inode) bmap(w klock.Waiter, bn uint32) (types.Blockno, error) {
	fsys := ip.fsys

	if bn < types.NDirect {
		if ip.addrs[bn] == 0 {
			bno, err := fsys.balloc(w)
			if err != nil {
				return 0, err
			}
			ip.addrs[bn] = uint32(bno)
		}
		return types.Blockno(ip.addrs[bn]), nil
	}
	bn -= types.NDirect
	if bn >= types.NIndirect {
		return 0, kerror.ErrFileTooBig
	}

	if ip.addrs[types.NDirect] == 0 {
		bno, err := fsys.balloc(w)
		if err != nil {
			return 0, err
		}
		ip.addrs[types.NDirect] = uint32(bno)
	}
	bp := fsys.bc.Read(w, types.Blockno(ip.addrs[types.NDirect]))
	slot := bp.Data[bn*4 : bn*4+4]
	addr := types.DiskEndian.Uint32(slot)
	if addr == 0 {
		bno, err := fsys.balloc(w)
		if err != nil {
			fsys.bc.Release(w, bp)
			return 0, err
		}
		addr = uint32(bno)
		types.DiskEndian.PutUint32(slot, addr)
		fsys.log.Write(w, bp)
	}
	fsys.bc.Release(w, bp)
	return types.Blockno(addr), nil
}

// trunc frees the file's contents. The caller must hold the inode
// lock and be inside a transaction.
func (ip *Inode) trunc(w klock.Waiter) {
	fsys := ip.fsys

	for i := 0; i < types.NDirect; i++ {
		if ip.addrs[i] != 0 {
			fsys.bfree(w, types.Blockno(ip.addrs[i]))
			ip.addrs[i] = 0
		}
	}
	if ip.addrs[types.NDirect] != 0 {
		bp := fsys.bc.Read(w, types.Blockno(ip.addrs[types.NDirect]))
		for i := 0; i < types.NIndirect; i++ {
			addr := types.DiskEndian.Uint32(bp.Data[i*4 : i*4+4])
			if addr != 0 {
				fsys.bfree(w, types.Blockno(addr))
			}
		}
		fsys.bc.Release(w, bp)
		fsys.bfree(w, types.Blockno(ip.addrs[types.NDirect]))
		ip.addrs[types.NDirect] = 0
	}

	ip.size = 0
	ip.update(w)
}

// Stat fills a Stat from the locked inode.
func (ip *Inode) Stat() types.Stat {
	return types.Stat{
		Dev:   types.RootDev,
		Inum:  uint32(ip.inum),
		Type:  ip.typ,
		NLink: ip.nlink,
		Size:  uint64(ip.size),
	}
}

// readi copies up to n bytes from byte offset off of the file into
// dst. Reads past the end return 0 bytes.
func (ip *Inode) readi(w klock.Waiter, dst target, off, n uint32) (int, error) {
	if off > ip.size || off+n < off {
		return 0, nil
	}
	if off+n > ip.size {
		n = ip.size - off
	}

	fsys := ip.fsys
	got := uint32(0)
	for got < n {
		bno, err := ip.bmap(w, off/types.BlockSize)
		if err != nil {
			return int(got), err
		}
		bp := fsys.bc.Read(w, bno)
		m := min(n-got, types.BlockSize-off%types.BlockSize)
		err = dst.copyOut(w.CPU(), int(got), bp.Data[off%types.BlockSize:off%types.BlockSize+m])
		fsys.bc.Release(w, bp)
		if err != nil {
			return int(got), err
		}
		got += m
		off += m
	}
	return int(got), nil
}

// writei copies n bytes from src into the file at byte offset off,
// growing the file as needed. Must run inside a transaction.
func (ip *Inode) writei(w klock.Waiter, src target, off, n uint32) (int, error) {
	if off > ip.size || off+n < off {
		return 0, kerror.ErrBadArg
	}
	if off+n > types.MaxFileBlocks*types.BlockSize {
		return 0, kerror.ErrFileTooBig
	}

	fsys := ip.fsys
	put := uint32(0)
	var werr error
	for put < n {
		bno, err := ip.bmap(w, off/types.BlockSize)
		if err != nil {
			werr = err
			break
		}
		bp := fsys.bc.Read(w, bno)
		m := min(n-put, types.BlockSize-off%types.BlockSize)
		err = src.copyIn(w.CPU(), int(put), bp.Data[off%types.BlockSize:off%types.BlockSize+m])
		if err != nil {
			fsys.bc.Release(w, bp)
			werr = err
			break
		}
		fsys.log.Write(w, bp)
		fsys.bc.Release(w, bp)
		put += m
		off += m
	}

	if off > ip.size {
		ip.size = off
	}
	// Flush even when only bmap changed addrs.
	ip.update(w)

	return int(put), werr
}

// ReadAt reads into a kernel buffer.
func (ip *Inode) ReadAt(w klock.Waiter, dst []byte, off uint32) (int, error) {
	return ip.readi(w, kernTarget(dst), off, uint32(len(dst)))
}

// WriteAt writes from a kernel buffer. Must run inside a
// transaction.
func (ip *Inode) WriteAt(w klock.Waiter, src []byte, off uint32) (int, error) {
	return ip.writei(w, kernTarget(src), off, uint32(len(src)))
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
