package fs

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Directory contents are arrays of Dirent; inum 0 marks a free slot.

// dirLookup searches the locked directory dp for name. On success it
// returns the entry's inode, unlocked, and the entry's byte offset.
func (fsys *FS) dirLookup(w klock.Waiter, dp *Inode, name string) (*Inode, uint32, error) {
	if dp.typ != types.FileTypeDir {
		panic("fs: dirLookup of non-directory")
	}

	var buf [types.DirentSize]byte
	for off := uint32(0); off < dp.size; off += types.DirentSize {
		if n, err := dp.ReadAt(w, buf[:], off); err != nil || n != types.DirentSize {
			panic("fs: dirLookup read failed")
		}
		de, err := types.ParseDirent(buf[:])
		if err != nil {
			panic("fs: " + err.Error())
		}
		if de.Inum == 0 {
			continue
		}
		if de.NameString() == name {
			return fsys.iget(w.CPU(), types.Inum(de.Inum)), off, nil
		}
	}
	return nil, 0, kerror.ErrNotFound
}

// dirLink adds a name-to-inum entry to the locked directory dp. Must
// run inside a transaction.
func (fsys *FS) dirLink(w klock.Waiter, dp *Inode, name string, inum types.Inum) error {
	if ip, _, err := fsys.dirLookup(w, dp, name); err == nil {
		ip.Put(w)
		return kerror.ErrExists
	}

	var buf [types.DirentSize]byte
	off := uint32(0)
	for ; off < dp.size; off += types.DirentSize {
		if n, err := dp.ReadAt(w, buf[:], off); err != nil || n != types.DirentSize {
			panic("fs: dirLink read failed")
		}
		if types.DiskEndian.Uint16(buf[0:2]) == 0 {
			break
		}
	}

	var de types.Dirent
	de.Inum = uint16(inum)
	de.SetName(name)
	de.Encode(buf[:])
	if n, err := dp.WriteAt(w, buf[:], off); err != nil || n != types.DirentSize {
		if err == nil {
			err = kerror.ErrNoSpace
		}
		return err
	}
	return nil
}

// skipElem splits the first path element off path. It returns the
// element, the remainder with leading slashes stripped, and whether
// an element was present.
func skipElem(path string) (elem, rest string, ok bool, err error) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false, nil
	}
	s := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	if i-s > types.DirNameSize {
		return "", "", false, kerror.ErrNameTooLong
	}
	elem = path[s:i]
	for i < len(path) && path[i] == '/' {
		i++
	}
	return elem, path[i:], true, nil
}

// namex walks path starting from cwd (or the root for absolute
// paths). With parent set it stops one level early, returning the
// parent directory and the final element.
func (fsys *FS) namex(w klock.Waiter, cwd *Inode, path string, parent bool) (*Inode, string, error) {
	if len(path) > types.MaxPathLen {
		return nil, "", kerror.ErrNameTooLong
	}

	var ip *Inode
	if len(path) > 0 && path[0] == '/' {
		ip = fsys.iget(w.CPU(), types.RootInum)
	} else {
		if cwd == nil {
			return nil, "", kerror.ErrBadArg
		}
		ip = cwd.Dup(w.CPU())
	}

	for {
		elem, rest, ok, err := skipElem(path)
		if err != nil {
			ip.Put(w)
			return nil, "", err
		}
		if !ok {
			break
		}
		path = rest

		ip.Lock(w)
		if ip.typ != types.FileTypeDir {
			ip.UnlockPut(w)
			return nil, "", kerror.ErrNotDir
		}
		if parent && path == "" {
			ip.Unlock(w)
			return ip, elem, nil
		}
		next, _, err := fsys.dirLookup(w, ip, elem)
		if err != nil {
			ip.UnlockPut(w)
			return nil, "", err
		}
		ip.UnlockPut(w)
		ip = next
	}

	if parent {
		ip.Put(w)
		return nil, "", kerror.ErrNotFound
	}
	return ip, "", nil
}

// NameI resolves path to an inode, unlocked.
func (fsys *FS) NameI(w klock.Waiter, cwd *Inode, path string) (*Inode, error) {
	ip, _, err := fsys.namex(w, cwd, path, false)
	return ip, err
}

// nameIParent resolves path to its parent directory, unlocked, and
// the final path element.
func (fsys *FS) nameIParent(w klock.Waiter, cwd *Inode, path string) (*Inode, string, error) {
	return fsys.namex(w, cwd, path, true)
}

// isDirEmpty reports whether the locked directory holds only "." and
// "..".
func (fsys *FS) isDirEmpty(w klock.Waiter, dp *Inode) bool {
	var buf [types.DirentSize]byte
	for off := uint32(2 * types.DirentSize); off < dp.size; off += types.DirentSize {
		if n, err := dp.ReadAt(w, buf[:], off); err != nil || n != types.DirentSize {
			panic("fs: isDirEmpty read failed")
		}
		if types.DiskEndian.Uint16(buf[0:2]) != 0 {
			return false
		}
	}
	return true
}
