package types

// On-disk file-system layout.
//
// The disk is an array of BlockSize blocks, little-endian throughout:
//
//	[ boot | superblock | log | inode blocks | free bitmap | data ]
//
// Block 0 is never used. Block 1 holds the superblock. The log region
// holds a header block followed by LogBlocks data slots. Inode blocks
// pack InodesPerBlock on-disk inodes each. One bitmap block tracks
// BitsPerBlock data blocks.

const (
	// BlockSize is the size of one disk block in bytes.
	BlockSize = 1024

	// FSMagic identifies a valid superblock.
	FSMagic uint32 = 0x10203040

	// NDirect is the number of direct block addresses in an inode.
	NDirect = 12

	// NIndirect is the number of addresses in the singly-indirect
	// block.
	NIndirect = BlockSize / 4

	// MaxFileBlocks bounds the size of a single file.
	MaxFileBlocks = NDirect + NIndirect

	// DirNameSize is the fixed width of a directory-entry name.
	DirNameSize = 14

	// DirentSize is the on-disk size of one directory entry.
	DirentSize = 2 + DirNameSize

	// DiskInodeSize is the on-disk size of one inode.
	DiskInodeSize = 64

	// InodesPerBlock is the number of on-disk inodes per block.
	InodesPerBlock = BlockSize / DiskInodeSize

	// BitsPerBlock is the number of bitmap bits per bitmap block.
	BitsPerBlock = BlockSize * 8

	// LogBlocks is the number of data slots in the on-disk log.
	LogBlocks = 30

	// MaxOpBlocks bounds the blocks a single FS operation may write;
	// it guarantees admitted operations fit in the log.
	MaxOpBlocks = 10

	// RootInum is the inode number of the root directory.
	RootInum = 1

	// RootDev is the device number of the root file system.
	RootDev = 1
)

// Inode types as stored in DiskInode.Type.
const (
	FileTypeFree uint16 = 0
	FileTypeDir  uint16 = 1
	FileTypeFile uint16 = 2
	FileTypeDev  uint16 = 3
)

// Blockno is an absolute disk block number.
type Blockno uint32

// Inum is an inode number.
type Inum uint32

// InodeBlock returns the disk block holding inode inum.
func InodeBlock(inum Inum, sb *SuperBlock) Blockno {
	return Blockno(uint32(inum)/InodesPerBlock + sb.InodeStart)
}

// BitmapBlock returns the bitmap block covering data block b.
func BitmapBlock(b Blockno, sb *SuperBlock) Blockno {
	return Blockno(uint32(b)/BitsPerBlock + sb.BmapStart)
}
