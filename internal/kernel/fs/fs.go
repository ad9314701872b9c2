package fs

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// FS ties the layers together: one buffer cache and log over the
// block device, the in-core inode table, the open-file table, and
// the character-device switch.
type FS struct {
	sb  types.SuperBlock
	bc  *BufCache
	log *Log

	ilk    klock.SpinLock
	inodes [types.NInode]Inode

	flk   klock.SpinLock
	files [types.NFile]File

	devs [types.NDev]Device
}

// Mount reads the superblock, replays any committed log left by a
// crash, and returns a ready file system.
func Mount(w klock.Waiter, dev machine.BlockDevice) (*FS, error) {
	bc := NewBufCache(dev)

	b := bc.Read(w, 1)
	sb, err := types.ParseSuperBlock(b.Data[:], types.DiskEndian)
	bc.Release(w, b)
	if err != nil {
		return nil, err
	}
	if sb.Size > dev.Size() {
		return nil, fmt.Errorf("fs: superblock claims %d blocks, device has %d", sb.Size, dev.Size())
	}

	fsys := &FS{
		sb:  *sb,
		bc:  bc,
		ilk: klock.NewSpinLock("itable"),
		flk: klock.NewSpinLock("ftable"),
	}
	for i := range fsys.inodes {
		fsys.inodes[i].lock = klock.NewSleepLock("inode")
	}
	fsys.log = NewLog(w, sb, bc)
	return fsys, nil
}

// SuperBlock returns a copy of the mounted superblock.
func (fsys *FS) SuperBlock() types.SuperBlock {
	return fsys.sb
}

// BeginOp opens a file-system transaction.
func (fsys *FS) BeginOp(w klock.Waiter) {
	fsys.log.BeginOp(w)
}

// EndOp closes a file-system transaction.
func (fsys *FS) EndOp(w klock.Waiter) {
	fsys.log.EndOp(w)
}

// RootInode returns a reference to the root directory.
func (fsys *FS) RootInode(c klock.CPU) *Inode {
	return fsys.iget(c, types.RootInum)
}

// RegisterDevice installs dev in the character-device switch.
func (fsys *FS) RegisterDevice(major uint16, dev Device) {
	if int(major) >= types.NDev {
		panic("fs: device major out of range")
	}
	fsys.devs[major] = dev
}

func (fsys *FS) device(major uint16) Device {
	if int(major) >= types.NDev {
		return nil
	}
	return fsys.devs[major]
}

// create resolves path's parent and makes a new entry of the given
// type, returning the new inode locked. Opening an existing file
// with O_CREATE succeeds; any other collision fails. Must run inside
// a transaction.
func (fsys *FS) create(w klock.Waiter, cwd *Inode, path string, typ uint16, major, minor uint16) (*Inode, error) {
	dp, name, err := fsys.nameIParent(w, cwd, path)
	if err != nil {
		return nil, err
	}
	dp.Lock(w)

	if ip, _, err := fsys.dirLookup(w, dp, name); err == nil {
		dp.UnlockPut(w)
		ip.Lock(w)
		if typ == types.FileTypeFile && (ip.typ == types.FileTypeFile || ip.typ == types.FileTypeDev) {
			return ip, nil
		}
		ip.UnlockPut(w)
		return nil, kerror.ErrExists
	}

	ip, err := fsys.ialloc(w, typ)
	if err != nil {
		dp.UnlockPut(w)
		return nil, err
	}
	ip.Lock(w)
	ip.major = major
	ip.minor = minor
	ip.nlink = 1
	ip.update(w)

	fail := func(err error) (*Inode, error) {
		// Zero the link count so the last Put frees the inode.
		ip.nlink = 0
		ip.update(w)
		ip.UnlockPut(w)
		dp.UnlockPut(w)
		return nil, err
	}

	if typ == types.FileTypeDir {
		if err := fsys.dirLink(w, ip, ".", ip.inum); err != nil {
			return fail(err)
		}
		if err := fsys.dirLink(w, ip, "..", dp.inum); err != nil {
			return fail(err)
		}
	}
	if err := fsys.dirLink(w, dp, name, ip.inum); err != nil {
		return fail(err)
	}
	if typ == types.FileTypeDir {
		// ".." in the child counts as a link to the parent.
		dp.nlink++
		dp.update(w)
	}
	dp.UnlockPut(w)
	return ip, nil
}

// Open opens path per flags and returns the file, offset at zero, or
// at the end with OpenAppend.
func (fsys *FS) Open(w klock.Waiter, cwd *Inode, path string, flags int) (*File, error) {
	fsys.BeginOp(w)
	defer fsys.EndOp(w)

	var ip *Inode
	var err error
	if flags&types.OpenCreate != 0 {
		ip, err = fsys.create(w, cwd, path, types.FileTypeFile, 0, 0)
		if err != nil {
			return nil, err
		}
	} else {
		ip, err = fsys.NameI(w, cwd, path)
		if err != nil {
			return nil, err
		}
		ip.Lock(w)
		if ip.typ == types.FileTypeDir && flags&(types.OpenWrite|types.OpenRW) != 0 {
			ip.UnlockPut(w)
			return nil, kerror.ErrIsDir
		}
	}

	if ip.typ == types.FileTypeDev && int(ip.major) >= types.NDev {
		ip.UnlockPut(w)
		return nil, kerror.ErrBadMajor
	}

	f, err := fsys.allocFile(w.CPU())
	if err != nil {
		ip.UnlockPut(w)
		return nil, err
	}
	if ip.typ == types.FileTypeDev {
		f.kind = fdDevice
		f.major = ip.major
	} else {
		f.kind = fdInode
		f.off = 0
	}
	f.ip = ip
	f.readable = flags&types.OpenWrite == 0
	f.writable = flags&types.OpenWrite != 0 || flags&types.OpenRW != 0

	if flags&types.OpenTrunc != 0 && ip.typ == types.FileTypeFile {
		ip.trunc(w)
	}
	if flags&types.OpenAppend != 0 && f.kind == fdInode {
		f.off = ip.size
	}
	ip.Unlock(w)
	return f, nil
}

// Mkdir creates a directory.
func (fsys *FS) Mkdir(w klock.Waiter, cwd *Inode, path string) error {
	fsys.BeginOp(w)
	defer fsys.EndOp(w)
	ip, err := fsys.create(w, cwd, path, types.FileTypeDir, 0, 0)
	if err != nil {
		return err
	}
	ip.UnlockPut(w)
	return nil
}

// Mknod creates a device node.
func (fsys *FS) Mknod(w klock.Waiter, cwd *Inode, path string, major, minor uint16) error {
	fsys.BeginOp(w)
	defer fsys.EndOp(w)
	ip, err := fsys.create(w, cwd, path, types.FileTypeDev, major, minor)
	if err != nil {
		return err
	}
	ip.UnlockPut(w)
	return nil
}

// Link makes newpath a second name for oldpath. Directories cannot
// be linked.
func (fsys *FS) Link(w klock.Waiter, cwd *Inode, oldpath, newpath string) error {
	fsys.BeginOp(w)
	defer fsys.EndOp(w)

	ip, err := fsys.NameI(w, cwd, oldpath)
	if err != nil {
		return err
	}
	ip.Lock(w)
	if ip.typ == types.FileTypeDir {
		ip.UnlockPut(w)
		return kerror.ErrIsDir
	}
	ip.nlink++
	ip.update(w)
	ip.Unlock(w)

	undo := func(err error) error {
		ip.Lock(w)
		ip.nlink--
		ip.update(w)
		ip.UnlockPut(w)
		return err
	}

	dp, name, err := fsys.nameIParent(w, cwd, newpath)
	if err != nil {
		return undo(err)
	}
	dp.Lock(w)
	if err := fsys.dirLink(w, dp, name, ip.inum); err != nil {
		dp.UnlockPut(w)
		return undo(err)
	}
	dp.UnlockPut(w)
	ip.Put(w)
	return nil
}

// Unlink removes path's directory entry and drops the link count;
// the inode is freed once the count and every reference are gone.
// Non-empty directories and the "." and ".." names are refused.
func (fsys *FS) Unlink(w klock.Waiter, cwd *Inode, path string) error {
	fsys.BeginOp(w)
	defer fsys.EndOp(w)

	dp, name, err := fsys.nameIParent(w, cwd, path)
	if err != nil {
		return err
	}
	dp.Lock(w)

	if name == "." || name == ".." {
		dp.UnlockPut(w)
		return kerror.ErrDotName
	}

	ip, off, err := fsys.dirLookup(w, dp, name)
	if err != nil {
		dp.UnlockPut(w)
		return err
	}
	ip.Lock(w)
	if ip.nlink < 1 {
		panic("fs: unlink of unlinked inode")
	}
	if ip.typ == types.FileTypeDir && !fsys.isDirEmpty(w, ip) {
		ip.UnlockPut(w)
		dp.UnlockPut(w)
		return kerror.ErrNotEmpty
	}

	var zero [types.DirentSize]byte
	if n, err := dp.WriteAt(w, zero[:], off); err != nil || n != types.DirentSize {
		panic("fs: unlink dirent clear failed")
	}
	if ip.typ == types.FileTypeDir {
		dp.nlink--
		dp.update(w)
	}
	dp.UnlockPut(w)

	ip.nlink--
	ip.update(w)
	ip.UnlockPut(w)
	return nil
}

// Chdir resolves path to a directory and swaps it in for the old
// working directory, releasing the old reference.
func (fsys *FS) Chdir(w klock.Waiter, cwd *Inode, path string) (*Inode, error) {
	fsys.BeginOp(w)
	ip, err := fsys.NameI(w, cwd, path)
	if err != nil {
		fsys.EndOp(w)
		return nil, err
	}
	ip.Lock(w)
	if ip.typ != types.FileTypeDir {
		ip.UnlockPut(w)
		fsys.EndOp(w)
		return nil, kerror.ErrNotDir
	}
	ip.Unlock(w)
	cwd.Put(w)
	fsys.EndOp(w)
	return ip, nil
}
