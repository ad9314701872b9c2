// Package mkfs formats a block device with the kernel's on-disk
// layout: boot block, superblock, write-ahead log, inode table, free
// bitmap, and data region, with an initial set of files installed in
// the root directory.
package mkfs

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// NInodes is the size of the inode table a formatted image carries.
const NInodes = 200

// File is one file installed in the root directory at format time.
type File struct {
	Name string
	Data []byte
}

type formatter struct {
	dev machine.BlockDevice
	sb  types.SuperBlock

	// nextBlock is the first data block not yet handed out;
	// nextInum the first free inode number.
	nextBlock uint32
	nextInum  types.Inum
}

// Format writes a fresh file system onto dev and installs the given
// files under the root directory.
func Format(dev machine.BlockDevice, files []File) error {
	f := &formatter{dev: dev, nextInum: types.RootInum}
	if err := f.layout(); err != nil {
		return err
	}

	root, err := f.ialloc(types.FileTypeDir)
	if err != nil {
		return err
	}
	if root != types.RootInum {
		return fmt.Errorf("mkfs: root inode is %d, want %d", root, types.RootInum)
	}
	if err := f.dirlink(root, ".", root); err != nil {
		return err
	}
	if err := f.dirlink(root, "..", root); err != nil {
		return err
	}

	for _, file := range files {
		if len(file.Name) == 0 || len(file.Name) > types.DirNameSize {
			return fmt.Errorf("mkfs: bad file name %q", file.Name)
		}
		ino, err := f.ialloc(types.FileTypeFile)
		if err != nil {
			return err
		}
		if err := f.dirlink(root, file.Name, ino); err != nil {
			return err
		}
		if err := f.iappend(ino, file.Data); err != nil {
			return fmt.Errorf("mkfs: installing %q: %w", file.Name, err)
		}
	}

	return f.writeBitmap()
}

// layout computes the region boundaries, zeroes the whole device,
// and writes the superblock.
func (f *formatter) layout() error {
	size := f.dev.Size()
	nlog := uint32(types.LogBlocks + 1)
	ninodeblocks := uint32(NInodes/types.InodesPerBlock + 1)
	nbitmap := size/types.BitsPerBlock + 1
	nmeta := 2 + nlog + ninodeblocks + nbitmap
	if nmeta >= size {
		return fmt.Errorf("mkfs: device of %d blocks too small for %d metadata blocks", size, nmeta)
	}

	f.sb = types.SuperBlock{
		Magic:      types.FSMagic,
		Size:       size,
		NBlocks:    size - nmeta,
		NInodes:    NInodes,
		NLog:       nlog,
		LogStart:   2,
		InodeStart: 2 + nlog,
		BmapStart:  2 + nlog + ninodeblocks,
	}
	f.nextBlock = nmeta

	var zero [types.BlockSize]byte
	for bno := uint32(0); bno < size; bno++ {
		if err := f.dev.WriteBlock(types.Blockno(bno), zero[:]); err != nil {
			return err
		}
	}
	var buf [types.BlockSize]byte
	f.sb.Encode(buf[:], types.DiskEndian)
	return f.dev.WriteBlock(1, buf[:])
}

func (f *formatter) rinode(inum types.Inum) (*types.DiskInode, error) {
	var buf [types.BlockSize]byte
	bno := types.InodeBlock(inum, &f.sb)
	if err := f.dev.ReadBlock(bno, buf[:]); err != nil {
		return nil, err
	}
	off := (uint32(inum) % types.InodesPerBlock) * types.DiskInodeSize
	return types.ParseDiskInode(buf[off : off+types.DiskInodeSize])
}

func (f *formatter) winode(inum types.Inum, di *types.DiskInode) error {
	var buf [types.BlockSize]byte
	bno := types.InodeBlock(inum, &f.sb)
	if err := f.dev.ReadBlock(bno, buf[:]); err != nil {
		return err
	}
	off := (uint32(inum) % types.InodesPerBlock) * types.DiskInodeSize
	di.Encode(buf[off : off+types.DiskInodeSize])
	return f.dev.WriteBlock(bno, buf[:])
}

func (f *formatter) ialloc(typ uint16) (types.Inum, error) {
	inum := f.nextInum
	if uint32(inum) >= NInodes {
		return 0, fmt.Errorf("mkfs: out of inodes")
	}
	f.nextInum++
	return inum, f.winode(inum, &types.DiskInode{Type: typ, NLink: 1})
}

// block resolves file block fbn of the inode to a disk block,
// allocating data and indirect blocks on demand.
func (f *formatter) block(di *types.DiskInode, fbn uint32) (types.Blockno, error) {
	if fbn < types.NDirect {
		if di.Addrs[fbn] == 0 {
			di.Addrs[fbn] = f.nextBlock
			f.nextBlock++
		}
		return types.Blockno(di.Addrs[fbn]), nil
	}
	fbn -= types.NDirect
	if fbn >= types.NIndirect {
		return 0, fmt.Errorf("file exceeds %d blocks", types.MaxFileBlocks)
	}
	if di.Addrs[types.NDirect] == 0 {
		di.Addrs[types.NDirect] = f.nextBlock
		f.nextBlock++
	}
	ind := types.Blockno(di.Addrs[types.NDirect])
	var buf [types.BlockSize]byte
	if err := f.dev.ReadBlock(ind, buf[:]); err != nil {
		return 0, err
	}
	slot := buf[4*fbn : 4*fbn+4]
	bno := types.DiskEndian.Uint32(slot)
	if bno == 0 {
		bno = f.nextBlock
		f.nextBlock++
		types.DiskEndian.PutUint32(slot, bno)
		if err := f.dev.WriteBlock(ind, buf[:]); err != nil {
			return 0, err
		}
	}
	return types.Blockno(bno), nil
}

// iappend extends the inode with data, read-modify-writing partial
// tail blocks.
func (f *formatter) iappend(inum types.Inum, data []byte) error {
	di, err := f.rinode(inum)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		fbn := di.Size / types.BlockSize
		bno, err := f.block(di, fbn)
		if err != nil {
			return err
		}
		var buf [types.BlockSize]byte
		if err := f.dev.ReadBlock(bno, buf[:]); err != nil {
			return err
		}
		off := di.Size % types.BlockSize
		n := copy(buf[off:], data)
		if err := f.dev.WriteBlock(bno, buf[:]); err != nil {
			return err
		}
		di.Size += uint32(n)
		data = data[n:]
	}
	return f.winode(inum, di)
}

func (f *formatter) dirlink(dir types.Inum, name string, inum types.Inum) error {
	de := types.Dirent{Inum: uint16(inum)}
	de.SetName(name)
	var buf [types.DirentSize]byte
	de.Encode(buf[:])
	return f.iappend(dir, buf[:])
}

// writeBitmap marks every handed-out block, metadata included, as in
// use.
func (f *formatter) writeBitmap() error {
	var buf [types.BlockSize]byte
	for base := uint32(0); base < f.nextBlock; base += types.BitsPerBlock {
		for i := range buf {
			buf[i] = 0
		}
		n := f.nextBlock - base
		if n > types.BitsPerBlock {
			n = types.BitsPerBlock
		}
		for b := uint32(0); b < n; b++ {
			buf[b/8] |= 1 << (b % 8)
		}
		bno := types.BitmapBlock(types.Blockno(base), &f.sb)
		if err := f.dev.WriteBlock(bno, buf[:]); err != nil {
			return err
		}
	}
	return nil
}
